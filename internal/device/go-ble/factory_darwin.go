//go:build darwin

package goble

import (
	"fmt"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/srg/blelink/internal/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func(opts FactoryOptions) (ble.Device, error) {
	// CoreBluetooth picks its own duty cycle.
	if opts.Mode != device.ScanModeBalanced {
		return nil, fmt.Errorf("scan mode %s: %w", opts.Mode, device.ErrUnsupported)
	}
	return darwin.NewDevice()
}
