package main

import (
	"errors"
	"fmt"

	"github.com/srg/blelink/internal/device"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the BLE connection ended while the command
	// still needed it.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns library errors into a message with a hint for the
// most common causes.
func FormatUserError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, device.ErrBluetoothOff), device.IsScanFailure(err, device.ScanFailureBluetoothOff):
		return fmt.Sprintf("%v (turn Bluetooth on and retry)", err)
	case errors.Is(err, device.ErrPermissionDenied), device.IsScanFailure(err, device.ScanFailurePermissionDenied):
		return fmt.Sprintf("%v (grant Bluetooth access to this terminal)", err)
	case errors.Is(err, device.ErrNotReady):
		return fmt.Sprintf("%v (connect to a device first)", err)
	case errors.Is(err, ErrConnectionLost):
		return fmt.Sprintf("%v (device went out of range or was turned off)", err)
	default:
		return err.Error()
	}
}
