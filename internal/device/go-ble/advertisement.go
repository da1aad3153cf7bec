package goble

import (
	"sort"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/blelink/internal/device"
)

// advertisement is the part of ble.Advertisement a Handle is built from.
type advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	ServiceData() []ble.ServiceData
	Services() []ble.UUID
	TxPowerLevel() int
	Connectable() bool
	RSSI() int
	Addr() ble.Addr
}

// NewHandle converts a go-ble advertisement into a device.Handle observed at seenAt.
func NewHandle(adv advertisement, seenAt time.Time) device.Handle {
	rssi := adv.RSSI()
	h := device.Handle{
		Address:     device.NormalizeAddress(adv.Addr().String()),
		Name:        adv.LocalName(),
		RSSI:        &rssi,
		Connectable: adv.Connectable(),
		SeenAt:      seenAt,
	}

	if md := adv.ManufacturerData(); len(md) > 0 {
		h.ManufacturerData = append([]byte(nil), md...)
	}

	for _, uuid := range adv.Services() {
		h.Services = append(h.Services, device.NormalizeUUID(uuid.String()))
	}
	sort.Strings(h.Services)

	if sd := adv.ServiceData(); len(sd) > 0 {
		h.ServiceData = make(map[string][]byte, len(sd))
		for _, d := range sd {
			h.ServiceData[device.NormalizeUUID(d.UUID.String())] = append([]byte(nil), d.Data...)
		}
	}

	if tx := adv.TxPowerLevel(); tx != device.TxPowerUnavailable {
		h.TxPower = &tx
	}

	// Try to extract name from manufacturer data if no local name
	if h.Name == "" {
		h.Name = nameFromManufacturerData(h.ManufacturerData)
	}
	return h
}

// nameFromManufacturerData returns the first run of at least four printable
// ASCII characters after the 2-byte company identifier, capped at 32.
func nameFromManufacturerData(data []byte) string {
	if len(data) < 6 {
		return ""
	}

	payload := data[2:]
	for i := 0; i < len(payload); i++ {
		if !isReadableASCII(payload[i]) {
			continue
		}
		j := i
		for j < len(payload) && j-i < 32 && isReadableASCII(payload[j]) {
			j++
		}
		if j-i >= 4 {
			return string(payload[i:j])
		}
		i = j
	}
	return ""
}

func isReadableASCII(b byte) bool {
	return b >= 0x20 && b <= 0x7E
}
