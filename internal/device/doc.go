// Package device defines the transport-neutral vocabulary shared by the scan
// and connection layers: peripheral handles, scan filters and settings, link
// state changes, and the error taxonomy surfaced to callers.
//
// The platform BLE stack is reached only through the Transport and Link
// interfaces. The go-ble backed implementation lives in the go-ble
// subpackage; tests substitute an in-memory transport.
package device
