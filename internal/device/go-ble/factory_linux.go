//go:build linux

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"
	"github.com/srg/blelink/internal/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func(opts FactoryOptions) (ble.Device, error) {
	return linux.NewDevice(
		ble.OptDialerTimeout(opts.DialTimeout),
		ble.OptScanParams(scanParams(opts.Mode)),
	)
}

// scanParams maps a scan mode onto HCI scan interval/window, in 0.625ms units.
func scanParams(mode device.ScanMode) cmd.LESetScanParameters {
	p := cmd.LESetScanParameters{
		LEScanType:           1, // Active scanning
		OwnAddressType:       0, // Static
		ScanningFilterPolicy: 0, // Accept all
	}
	switch mode {
	case device.ScanModeLowLatency:
		p.LEScanInterval, p.LEScanWindow = 0x0010, 0x0010 // 10ms / 10ms
	case device.ScanModeLowPower:
		p.LEScanInterval, p.LEScanWindow = 0x0800, 0x0012 // 1.28s / 11.25ms
	case device.ScanModeOpportunistic:
		p.LEScanType = 0 // Passive scanning
		p.LEScanInterval, p.LEScanWindow = 0x1000, 0x0012
	default:
		p.LEScanInterval, p.LEScanWindow = 0x0190, 0x00C8 // 250ms / 125ms
	}
	return p
}
