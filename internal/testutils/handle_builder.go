package testutils

import (
	"time"

	"github.com/srg/blelink/internal/device"
)

// HandleBuilder builds device.Handle observations for tests with a fluent API.
type HandleBuilder struct {
	h device.Handle
}

// NewHandleBuilder creates a connectable observation seen now.
func NewHandleBuilder() *HandleBuilder {
	return &HandleBuilder{h: device.Handle{Connectable: true, SeenAt: time.Now()}}
}

// WithAddress sets the hardware address.
func (b *HandleBuilder) WithAddress(addr string) *HandleBuilder {
	b.h.Address = addr
	return b
}

// WithName sets the advertised local name.
func (b *HandleBuilder) WithName(name string) *HandleBuilder {
	b.h.Name = name
	return b
}

// WithRSSI sets the signal strength.
func (b *HandleBuilder) WithRSSI(rssi int) *HandleBuilder {
	b.h.RSSI = &rssi
	return b
}

// WithTxPower sets the advertised TX power.
func (b *HandleBuilder) WithTxPower(tx int) *HandleBuilder {
	b.h.TxPower = &tx
	return b
}

// WithServices sets advertised service UUIDs, normalized.
func (b *HandleBuilder) WithServices(uuids ...string) *HandleBuilder {
	b.h.Services = device.NormalizeUUIDs(uuids)
	return b
}

// WithConnectable sets the connectable flag.
func (b *HandleBuilder) WithConnectable(connectable bool) *HandleBuilder {
	b.h.Connectable = connectable
	return b
}

// WithManufacturerData sets raw manufacturer data.
func (b *HandleBuilder) WithManufacturerData(data []byte) *HandleBuilder {
	b.h.ManufacturerData = data
	return b
}

// Build returns a copy of the configured handle.
func (b *HandleBuilder) Build() device.Handle {
	return b.h.Clone()
}

// Peripheral is shorthand for a named, connectable observation.
func Peripheral(addr, name string, rssi int) device.Handle {
	return NewHandleBuilder().WithAddress(addr).WithName(name).WithRSSI(rssi).Build()
}
