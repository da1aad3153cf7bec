package device

import (
	"errors"
	"fmt"
	"strings"
)

// Platform-level errors that NormalizeError implementations map onto.
var (
	ErrBluetoothOff     = errors.New("bluetooth is turned off")
	ErrUnavailable      = errors.New("bluetooth adapter is not available")
	ErrPermissionDenied = errors.New("bluetooth permission denied")
	ErrTimeout          = errors.New("timeout")
	ErrUnsupported      = errors.New("unsupported")
	ErrLinkLost         = errors.New("link lost")
)

// NotFoundError represents an error when a GATT resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ----------------------------
// Scan failures
// ----------------------------

// ScanFailureReason classifies why the radio refused or aborted a scan.
// The numeric values are stable and reported to presenters as reason codes.
type ScanFailureReason int

const (
	ScanFailureUnknown ScanFailureReason = iota
	ScanFailureCannotStart
	ScanFailureBluetoothOff
	ScanFailureBluetoothUnavailable
	ScanFailurePermissionDenied
	ScanFailureLocationDisabled
	ScanFailureAlreadyStarted
	ScanFailureRegistration
	ScanFailureInternal
	ScanFailureUnsupported
	ScanFailureOutOfResources
	ScanFailureThrottled
)

var scanFailureNames = map[ScanFailureReason]string{
	ScanFailureUnknown:              "unknown scan error",
	ScanFailureCannotStart:          "bluetooth cannot start",
	ScanFailureBluetoothOff:         "bluetooth is turned off",
	ScanFailureBluetoothUnavailable: "bluetooth is not available",
	ScanFailurePermissionDenied:     "scan permission denied",
	ScanFailureLocationDisabled:     "location services disabled",
	ScanFailureAlreadyStarted:       "scan already started",
	ScanFailureRegistration:         "scanner registration failed",
	ScanFailureInternal:             "internal scan error",
	ScanFailureUnsupported:          "scan mode unsupported",
	ScanFailureOutOfResources:       "out of hardware resources",
	ScanFailureThrottled:            "scan throttled",
}

func (r ScanFailureReason) String() string {
	if s, ok := scanFailureNames[r]; ok {
		return s
	}
	return scanFailureNames[ScanFailureUnknown]
}

// ScanError terminates a scan stream. Reason is always set; Err holds the
// transport error it was classified from, if any.
type ScanError struct {
	Reason ScanFailureReason
	Err    error
}

func (e *ScanError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return fmt.Sprintf("scan failed: %s (code %d)", e.Reason, int(e.Reason))
	}
	return fmt.Sprintf("scan failed: %s (code %d): %v", e.Reason, int(e.Reason), e.Err)
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// Is allows errors.Is to compare ScanError values by Reason
func (e *ScanError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ScanError)
	if !ok {
		return false
	}
	return e.Reason == t.Reason
}

// ScanFailure returns a *ScanError for reason wrapping err.
func ScanFailure(reason ScanFailureReason, err error) error {
	return &ScanError{Reason: reason, Err: err}
}

// IsScanFailure reports whether err is a ScanError with the given reason
func IsScanFailure(err error, reason ScanFailureReason) bool {
	var serr *ScanError
	if errors.As(err, &serr) {
		return serr.Reason == reason
	}
	return false
}

// ----------------------------
// Connection operation failures
// ----------------------------

// FailureKind represents the specific kind of connection operation failure
type FailureKind string

const (
	ConnectFailed   FailureKind = "connect_failed"
	DiscoveryFailed FailureKind = "discovery_failed"
	WriteFailed     FailureKind = "write_failed"
	NotReady        FailureKind = "not_ready"
)

// OperationError represents any connection-related failure. None of them are
// fatal to the connection manager itself.
type OperationError struct {
	Kind    FailureKind
	Address string
	Msg     string
	Err     error
}

// Error implements the error interface
func (e *OperationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := []string{string(e.Kind)}
	if e.Address != "" {
		parts = append(parts, e.Address)
	}
	if e.Msg != "" {
		parts = append(parts, e.Msg)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// Is allows errors.Is to compare OperationError values by Kind
func (e *OperationError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*OperationError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors for failure kinds
var (
	ErrConnectFailed   = &OperationError{Kind: ConnectFailed}
	ErrDiscoveryFailed = &OperationError{Kind: DiscoveryFailed}
	ErrWriteFailed     = &OperationError{Kind: WriteFailed}
	ErrNotReady        = &OperationError{Kind: NotReady}

	// ErrNotSubscribable is returned when notifications are requested without a
	// ready connection. It matches ErrNotReady.
	ErrNotSubscribable = ErrNotReady
)

// IsFailureKind reports whether err is an OperationError of the given kind
func IsFailureKind(err error, kind FailureKind) bool {
	var oerr *OperationError
	if errors.As(err, &oerr) {
		return oerr.Kind == kind
	}
	return false
}
