package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/blelink/internal/device"
)

// NormalizeError maps known go-ble error strings to the device sentinels.
// It ensures consistent handling even if the upstream library changes messages slightly.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"), containsIgnoreCase(msg, "powered off"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "operation not permitted"), containsIgnoreCase(msg, "permission denied"), containsIgnoreCase(msg, "unauthorized"):
		return fmt.Errorf("%w: %v", device.ErrPermissionDenied, err)
	case containsIgnoreCase(msg, "no such device"), containsIgnoreCase(msg, "can't init hci"), containsIgnoreCase(msg, "unsupported state"):
		return fmt.Errorf("%w: %v", device.ErrUnavailable, err)
	case containsIgnoreCase(msg, "not supported"), containsIgnoreCase(msg, "unsupported"):
		return fmt.Errorf("%w: %v", device.ErrUnsupported, err)
	case containsIgnoreCase(msg, "timed out"), containsIgnoreCase(msg, "timeout"):
		return fmt.Errorf("%w: %v", device.ErrTimeout, err)
	case containsIgnoreCase(msg, "disconnected"), containsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", device.ErrLinkLost, err)
	default:
		return err
	}
}

// normalizeScanError classifies a scan failure into a *device.ScanError.
func normalizeScanError(err error) error {
	if err == nil {
		return nil
	}

	var serr *device.ScanError
	if errors.As(err, &serr) {
		return err
	}

	err = NormalizeError(err)
	msg := err.Error()
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return device.ScanFailure(device.ScanFailureBluetoothOff, err)
	case errors.Is(err, device.ErrPermissionDenied):
		return device.ScanFailure(device.ScanFailurePermissionDenied, err)
	case errors.Is(err, device.ErrUnavailable):
		return device.ScanFailure(device.ScanFailureBluetoothUnavailable, err)
	case errors.Is(err, device.ErrUnsupported):
		return device.ScanFailure(device.ScanFailureUnsupported, err)
	case containsIgnoreCase(msg, "already"):
		return device.ScanFailure(device.ScanFailureAlreadyStarted, err)
	case containsIgnoreCase(msg, "resource busy"), containsIgnoreCase(msg, "no buffer space"):
		return device.ScanFailure(device.ScanFailureOutOfResources, err)
	case containsIgnoreCase(msg, "too many"), containsIgnoreCase(msg, "rate limit"):
		return device.ScanFailure(device.ScanFailureThrottled, err)
	case containsIgnoreCase(msg, "can't set scan"), containsIgnoreCase(msg, "can't enable scan"):
		return device.ScanFailure(device.ScanFailureCannotStart, err)
	default:
		return device.ScanFailure(device.ScanFailureUnknown, err)
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
