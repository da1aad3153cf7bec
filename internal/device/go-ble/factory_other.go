//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/blelink/internal/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func(FactoryOptions) (ble.Device, error) {
	return nil, fmt.Errorf("go-ble on %s: %w", runtime.GOOS, device.ErrUnsupported)
}
