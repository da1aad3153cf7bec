package device

import (
	"context"
	"strings"
)

// ScanMode is a radio duty-cycle hint. Transports that cannot honor a mode
// report ScanFailureUnsupported.
type ScanMode int

const (
	ScanModeBalanced ScanMode = iota
	ScanModeLowPower
	ScanModeLowLatency
	ScanModeOpportunistic
)

func (m ScanMode) String() string {
	switch m {
	case ScanModeLowPower:
		return "low_power"
	case ScanModeLowLatency:
		return "low_latency"
	case ScanModeOpportunistic:
		return "opportunistic"
	default:
		return "balanced"
	}
}

// ScanFilter narrows which advertisements are reported.
type ScanFilter struct {
	ServiceUUIDs []string
	AllowList    []string
	BlockList    []string
	NamePrefix   string
}

// ScanSettings is passed through to the radio unchanged.
type ScanSettings struct {
	AllowDuplicates bool
	Mode            ScanMode
}

// Match applies allow/block/service/name filters to an observation.
func (f ScanFilter) Match(h Handle) bool {
	addr := NormalizeAddress(h.Address)

	for _, blocked := range f.BlockList {
		if addr == NormalizeAddress(blocked) {
			return false
		}
	}

	if len(f.AllowList) > 0 {
		allowed := false
		for _, a := range f.AllowList {
			if addr == NormalizeAddress(a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if f.NamePrefix != "" && !strings.HasPrefix(h.Name, f.NamePrefix) {
		return false
	}

	if len(f.ServiceUUIDs) > 0 {
		for _, required := range f.ServiceUUIDs {
			want := NormalizeUUID(required)
			for _, advertised := range h.Services {
				if want == NormalizeUUID(advertised) {
					return true
				}
			}
		}
		return false
	}

	return true
}

// LinkState is the transport-level connection state of a link.
type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkConnected
	LinkDisconnecting
)

func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// StateChange is one transport connection-state notification. Err is set on
// a LinkDisconnected change caused by a failure rather than a requested close.
type StateChange struct {
	State LinkState
	Err   error
}

// Service is a discovered GATT service with its characteristic UUIDs, all in
// normalized form.
type Service struct {
	UUID            string
	Characteristics []string
}

// HasCharacteristic reports whether the service exposes uuid.
func (s Service) HasCharacteristic(uuid string) bool {
	want := NormalizeUUID(uuid)
	for _, c := range s.Characteristics {
		if c == want {
			return true
		}
	}
	return false
}

// Scanner is the scan capability of the radio. Scan blocks until ctx is done
// or the radio fails; handler may be invoked from any goroutine.
type Scanner interface {
	Scan(ctx context.Context, filter ScanFilter, settings ScanSettings, handler func(Handle)) error
}

// Connector opens links. Connect should not block on the radio: it returns a
// Link whose States channel reports progress. ctx bounds the connection
// attempt only, not the lifetime of the established link.
type Connector interface {
	Connect(ctx context.Context, target Handle, autoRetry bool) (Link, error)
}

// Transport is the full capability set the core needs from a BLE stack.
type Transport interface {
	Scanner
	Connector
}

// Link is one physical connection attempt.
//
// States delivers changes in the order the radio reports them and always ends
// with exactly one LinkDisconnected change, after which the channel is
// closed. Close is idempotent, does not block and is safe from any state; the
// underlying radio handle is released exactly once.
type Link interface {
	States() <-chan StateChange
	DiscoverServices(ctx context.Context) ([]Service, error)
	Write(ctx context.Context, characteristic string, data []byte) error
	Subscribe(ctx context.Context, characteristic string, handler func([]byte)) error
	Close() error
}
