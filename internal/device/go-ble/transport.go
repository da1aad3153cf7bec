package goble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
)

const (
	// DefaultDialTimeout bounds a single dial at the HCI/CoreBluetooth level.
	DefaultDialTimeout = 20 * time.Second

	// DefaultWriteChunkSize is the maximum number of bytes to write in a single BLE operation.
	// BLE 4.0/4.1 defines ATT_MTU of 23 bytes (20 bytes payload after ATT header overhead).
	DefaultWriteChunkSize = 20

	// DefaultWriteDelay is the delay between consecutive write chunks.
	DefaultWriteDelay = 10 * time.Millisecond
)

// Options configures the go-ble transport.
type Options struct {
	// Mode is fixed when the radio is opened; scans requesting another mode
	// fail with ScanFailureUnsupported.
	Mode           device.ScanMode
	DialTimeout    time.Duration
	WriteChunkSize int
	WriteDelay     time.Duration
}

// DefaultOptions returns the transport defaults.
func DefaultOptions() *Options {
	return &Options{
		Mode:           device.ScanModeBalanced,
		DialTimeout:    DefaultDialTimeout,
		WriteChunkSize: DefaultWriteChunkSize,
		WriteDelay:     DefaultWriteDelay,
	}
}

// FactoryOptions is what DeviceFactory needs to open the radio.
type FactoryOptions struct {
	Mode        device.ScanMode
	DialTimeout time.Duration
}

type scanFunc func(ctx context.Context, allowDup bool, h func(advertisement)) error

type dialFunc func(ctx context.Context, addr string) (gattClient, error)

// Transport implements device.Transport over a go-ble radio.
type Transport struct {
	scan   scanFunc
	dial   dialFunc
	stop   func() error
	opts   Options
	logger *logrus.Logger

	mu       sync.Mutex
	scanning bool
}

// NewTransport opens the platform radio through DeviceFactory.
func NewTransport(opts *Options, logger *logrus.Logger) (*Transport, error) {
	o := *DefaultOptions()
	if opts != nil {
		o = *opts
	}

	dev, err := DeviceFactory(FactoryOptions{Mode: o.Mode, DialTimeout: o.DialTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}

	scan := func(ctx context.Context, allowDup bool, h func(advertisement)) error {
		return dev.Scan(ctx, allowDup, func(adv ble.Advertisement) { h(adv) })
	}
	dial := func(ctx context.Context, addr string) (gattClient, error) {
		client, err := dev.Dial(ctx, ble.NewAddr(addr))
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return newTransport(scan, dial, dev.Stop, o, logger), nil
}

func newTransport(scan scanFunc, dial dialFunc, stop func() error, opts Options, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	return &Transport{
		scan:   scan,
		dial:   dial,
		stop:   stop,
		opts:   opts,
		logger: logger,
	}
}

// Scan implements device.Scanner. It blocks until ctx is done or the radio
// fails; cancellation is not reported as an error.
func (t *Transport) Scan(ctx context.Context, filter device.ScanFilter, settings device.ScanSettings, handler func(device.Handle)) error {
	if settings.Mode != t.opts.Mode {
		return device.ScanFailure(device.ScanFailureUnsupported,
			fmt.Errorf("radio was opened in %s mode, %s requested", t.opts.Mode, settings.Mode))
	}

	t.mu.Lock()
	if t.scanning {
		t.mu.Unlock()
		return device.ScanFailure(device.ScanFailureAlreadyStarted, nil)
	}
	t.scanning = true
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.scanning = false
		t.mu.Unlock()
	}()

	t.logger.WithFields(logrus.Fields{
		"allow_duplicates": settings.AllowDuplicates,
		"mode":             settings.Mode,
	}).Debug("Starting radio scan")

	err := t.scan(ctx, settings.AllowDuplicates, func(adv advertisement) {
		h := NewHandle(adv, time.Now())
		if !filter.Match(h) {
			return
		}
		handler(h)
	})

	// CoreBluetooth always returns an error once the context is cancelled.
	if ctx.Err() != nil || isCancellation(err) {
		return nil
	}
	return normalizeScanError(err)
}

// Connect implements device.Connector. The returned link dials in the
// background and reports progress on its States channel.
func (t *Transport) Connect(ctx context.Context, target device.Handle, autoRetry bool) (device.Link, error) {
	addr := device.NormalizeAddress(target.Address)
	if addr == "" {
		return nil, fmt.Errorf("device address is empty")
	}

	l := newLink(addr, t.dial, t.opts, autoRetry, t.logger)
	l.start(ctx)
	return l, nil
}

// Close releases the radio.
func (t *Transport) Close() error {
	if t.stop == nil {
		return nil
	}
	return NormalizeError(t.stop())
}
