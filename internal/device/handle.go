package device

import (
	"strings"
	"time"
)

// TxPowerUnavailable is the advertised TX power value meaning "not present".
const TxPowerUnavailable = 127

// Handle is a single observation of a peripheral taken from one advertisement.
// Handles are values: a new one is produced for every advertisement and none of
// the layers above the transport mutate them.
type Handle struct {
	Address          string            `json:"address"`
	Name             string            `json:"name,omitempty"`
	RSSI             *int              `json:"rssi,omitempty"`
	TxPower          *int              `json:"tx_power,omitempty"`
	Connectable      bool              `json:"connectable"`
	Services         []string          `json:"services,omitempty"`
	ManufacturerData []byte            `json:"manufacturer_data,omitempty"`
	ServiceData      map[string][]byte `json:"service_data,omitempty"`
	SeenAt           time.Time         `json:"last_seen"`
}

// DisplayName returns the advertised name, or the address if the peripheral
// did not advertise one.
func (h Handle) DisplayName() string {
	if strings.TrimSpace(h.Name) == "" {
		return h.Address
	}
	return h.Name
}

// SameDevice reports whether both handles refer to the same hardware address.
// Addresses are compared case-insensitively.
func (h Handle) SameDevice(other Handle) bool {
	return strings.EqualFold(h.Address, other.Address)
}

// Clone returns a deep copy so callers can hand handles across goroutines
// without sharing the backing arrays of slices and maps.
func (h Handle) Clone() Handle {
	c := h
	if h.RSSI != nil {
		v := *h.RSSI
		c.RSSI = &v
	}
	if h.TxPower != nil {
		v := *h.TxPower
		c.TxPower = &v
	}
	if h.Services != nil {
		c.Services = append([]string(nil), h.Services...)
	}
	if h.ManufacturerData != nil {
		c.ManufacturerData = append([]byte(nil), h.ManufacturerData...)
	}
	if h.ServiceData != nil {
		c.ServiceData = make(map[string][]byte, len(h.ServiceData))
		for k, v := range h.ServiceData {
			c.ServiceData[k] = append([]byte(nil), v...)
		}
	}
	return c
}

// NormalizeAddress returns the canonical registry key for a hardware address.
func NormalizeAddress(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}
