package device

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestHandle(t *testing.T) {
	t.Run("display name falls back to address", func(t *testing.T) {
		assert.Equal(t, "Sensor1", Handle{Address: "AA:BB", Name: "Sensor1"}.DisplayName())
		assert.Equal(t, "AA:BB", Handle{Address: "AA:BB", Name: "  "}.DisplayName())
	})

	t.Run("same device ignores address case", func(t *testing.T) {
		assert.True(t, Handle{Address: "aa:bb"}.SameDevice(Handle{Address: "AA:BB"}))
		assert.False(t, Handle{Address: "AA:BB"}.SameDevice(Handle{Address: "CC:DD"}))
	})

	t.Run("clone does not share memory", func(t *testing.T) {
		orig := Handle{
			Address:          "AA:BB",
			RSSI:             intPtr(-40),
			Services:         []string{"180f"},
			ManufacturerData: []byte{0x01},
			ServiceData:      map[string][]byte{"180f": {0x64}},
		}
		c := orig.Clone()
		require.Equal(t, orig, c)

		*c.RSSI = -90
		c.Services[0] = "1800"
		c.ManufacturerData[0] = 0xFF
		c.ServiceData["180f"][0] = 0x00

		assert.Equal(t, -40, *orig.RSSI)
		assert.Equal(t, "180f", orig.Services[0])
		assert.Equal(t, byte(0x01), orig.ManufacturerData[0])
		assert.Equal(t, byte(0x64), orig.ServiceData["180f"][0])
	})

	t.Run("normalize address", func(t *testing.T) {
		assert.Equal(t, "AA:BB:CC", NormalizeAddress(" aa:bb:cc "))
	})
}

func TestScanFilterMatch(t *testing.T) {
	sensor := Handle{Address: "AA:BB", Name: "Sensor1", Services: []string{"180f"}}

	tests := []struct {
		name   string
		filter ScanFilter
		want   bool
	}{
		{"empty filter", ScanFilter{}, true},
		{"allow list hit", ScanFilter{AllowList: []string{"aa:bb"}}, true},
		{"allow list miss", ScanFilter{AllowList: []string{"CC:DD"}}, false},
		{"block list wins over allow list", ScanFilter{AllowList: []string{"AA:BB"}, BlockList: []string{"aa:bb"}}, false},
		{"name prefix", ScanFilter{NamePrefix: "Sens"}, true},
		{"name prefix miss", ScanFilter{NamePrefix: "Beacon"}, false},
		{"service 16-bit", ScanFilter{ServiceUUIDs: []string{"0x180F"}}, true},
		{"service 128-bit SIG form", ScanFilter{ServiceUUIDs: []string{"0000180f-0000-1000-8000-00805f9b34fb"}}, true},
		{"any of several services", ScanFilter{ServiceUUIDs: []string{"1800", "180f"}}, true},
		{"service miss", ScanFilter{ServiceUUIDs: []string{"1802"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(sensor))
		})
	}
}

func TestServiceHasCharacteristic(t *testing.T) {
	svc := Service{UUID: "6e400001b5a3f393e0a9e50e24dcca9e", Characteristics: []string{"6e400002b5a3f393e0a9e50e24dcca9e"}}
	assert.True(t, svc.HasCharacteristic("6E400002-B5A3-F393-E0A9-E50E24DCCA9E"))
	assert.False(t, svc.HasCharacteristic("6E400003-B5A3-F393-E0A9-E50E24DCCA9E"))
}

func TestScanError(t *testing.T) {
	cause := errors.New("hci0: operation not permitted")
	err := fmt.Errorf("start scan: %w", ScanFailure(ScanFailurePermissionDenied, cause))

	assert.True(t, IsScanFailure(err, ScanFailurePermissionDenied))
	assert.False(t, IsScanFailure(err, ScanFailureUnknown))
	assert.ErrorIs(t, err, &ScanError{Reason: ScanFailurePermissionDenied})
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "start scan: scan failed: scan permission denied (code 4): hci0: operation not permitted", err.Error())

	assert.Equal(t, "scan failed: scan already started (code 6)", ScanFailure(ScanFailureAlreadyStarted, nil).Error())
	assert.Equal(t, "unknown scan error", ScanFailureReason(99).String())
}

func TestOperationError(t *testing.T) {
	cause := errors.New("att: write not permitted")
	err := &OperationError{Kind: WriteFailed, Address: "AA:BB", Err: cause}

	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.NotErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsFailureKind(fmt.Errorf("wrapped: %w", err), WriteFailed))
	assert.Equal(t, "write_failed: AA:BB: att: write not permitted", err.Error())

	assert.ErrorIs(t, &OperationError{Kind: NotReady}, ErrNotSubscribable)
}

func TestNotFoundError(t *testing.T) {
	assert.Equal(t, "service not found", (&NotFoundError{Resource: "service"}).Error())
	assert.Equal(t, `characteristic "2a19" not found`, (&NotFoundError{Resource: "characteristic", UUIDs: []string{"2a19"}}).Error())
	assert.Equal(t, `characteristic "2a19" not found in service "180f"`,
		(&NotFoundError{Resource: "characteristic", UUIDs: []string{"180f", "2a19"}}).Error())
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "low_latency", ScanModeLowLatency.String())
	assert.Equal(t, "balanced", ScanModeBalanced.String())
	assert.Equal(t, "disconnecting", LinkDisconnecting.String())
	assert.Equal(t, "disconnected", LinkDisconnected.String())
}
