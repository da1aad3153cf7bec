package goble

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/groutine"
)

// gattClient is the part of ble.Client a link drives.
type gattClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	ClearSubscriptions() error
	CancelConnection() error
}

// disconnectNotifier is implemented by clients that report link loss.
type disconnectNotifier interface {
	Disconnected() <-chan struct{}
}

// link is one dial of a peripheral. Its run goroutine is the only sender on
// states and the only caller of release.
type link struct {
	addr      string
	dial      dialFunc
	opts      Options
	autoRetry bool
	logger    *logrus.Logger

	states    chan device.StateChange
	closeOnce sync.Once
	closeCh   chan struct{}

	mu     sync.Mutex
	client gattClient
	chars  map[string]*ble.Characteristic
}

func newLink(addr string, dial dialFunc, opts Options, autoRetry bool, logger *logrus.Logger) *link {
	return &link{
		addr:      addr,
		dial:      dial,
		opts:      opts,
		autoRetry: autoRetry,
		logger:    logger,
		// Connecting, Connected, Disconnecting and Disconnected at most.
		states:  make(chan device.StateChange, 4),
		closeCh: make(chan struct{}),
		chars:   make(map[string]*ble.Characteristic),
	}
}

func (l *link) start(ctx context.Context) {
	groutine.Go(ctx, "ble-link", l.run)
}

func (l *link) run(ctx context.Context) {
	defer close(l.states)

	l.states <- device.StateChange{State: device.LinkConnecting}

	client, err := l.connect(ctx)
	if client == nil {
		// err is nil when Close interrupted the dial.
		l.states <- device.StateChange{State: device.LinkDisconnected, Err: err}
		return
	}

	l.mu.Lock()
	l.client = client
	l.mu.Unlock()
	l.states <- device.StateChange{State: device.LinkConnected}

	// Monitor go-ble client Disconnected() channel
	var lost <-chan struct{}
	if n, ok := client.(disconnectNotifier); ok {
		lost = n.Disconnected()
	} else {
		l.logger.Debug("Client does not support Disconnected() channel")
	}

	var lossErr error
	select {
	case <-l.closeCh:
	case <-lost:
		lossErr = fmt.Errorf("%s: %w", l.addr, device.ErrLinkLost)
		l.logger.WithField("address", l.addr).Warn("Peripheral reported disconnection")
	}

	l.mu.Lock()
	l.client = nil
	l.mu.Unlock()

	l.states <- device.StateChange{State: device.LinkDisconnecting}
	l.release(client)
	l.states <- device.StateChange{State: device.LinkDisconnected, Err: lossErr}
}

type dialResult struct {
	client gattClient
	err    error
}

// connect dials until it succeeds, Close is called or ctx is done. Failed
// dials are repeated only with autoRetry.
func (l *link) connect(ctx context.Context) (gattClient, error) {
	for attempt := 1; ; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, l.opts.DialTimeout)
		res := make(chan dialResult, 1)
		groutine.Go(dialCtx, "ble-dial", func(ctx context.Context) {
			c, err := l.dial(ctx, l.addr)
			res <- dialResult{client: c, err: err}
		})

		l.logger.WithFields(logrus.Fields{
			"address": l.addr,
			"attempt": attempt,
		}).Debug("Dialing BLE device...")

		var r dialResult
		select {
		case r = <-res:
			cancel()
		case <-l.closeCh:
			cancel()
			// The dial observes dialCtx; a client that made it through anyway
			// still has to be released.
			if r = <-res; r.err == nil {
				l.release(r.client)
			}
			return nil, nil
		}

		if r.err == nil {
			return r.client, nil
		}

		err := NormalizeError(r.err)
		l.logger.WithFields(logrus.Fields{
			"address": l.addr,
			"attempt": attempt,
			"error":   err,
		}).Warn("Failed to dial BLE device")

		if !l.autoRetry || ctx.Err() != nil {
			return nil, fmt.Errorf("failed to connect to device with address %q: %w", l.addr, err)
		}

		select {
		case <-time.After(retryBackoff(attempt)):
		case <-l.closeCh:
			return nil, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to connect to device with address %q: %w", l.addr, ctx.Err())
		}
	}
}

func retryBackoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 250 * time.Millisecond
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}

func (l *link) release(client gattClient) {
	if err := client.ClearSubscriptions(); err != nil {
		l.logger.WithField("error", err).Debug("Failed to clear subscriptions")
	}
	if err := client.CancelConnection(); err != nil {
		l.logger.WithFields(logrus.Fields{
			"address": l.addr,
			"error":   err,
		}).Warn("BLE device disconnected with errors")
		return
	}
	l.logger.WithField("address", l.addr).Debug("BLE connection released")
}

// States implements device.Link.
func (l *link) States() <-chan device.StateChange {
	return l.states
}

func (l *link) connected() (gattClient, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client == nil {
		return nil, fmt.Errorf("%s: %w", l.addr, device.ErrLinkLost)
	}
	return l.client, nil
}

// DiscoverServices implements device.Link.
func (l *link) DiscoverServices(ctx context.Context) ([]device.Service, error) {
	client, err := l.connected()
	if err != nil {
		return nil, err
	}

	type result struct {
		profile *ble.Profile
		err     error
	}
	res := make(chan result, 1)
	groutine.Go(ctx, "ble-discover-profile", func(context.Context) {
		p, err := client.DiscoverProfile(true)
		res <- result{profile: p, err: err}
	})

	var r result
	select {
	case r = <-res:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, fmt.Errorf("%s: %w", l.addr, device.ErrLinkLost)
	}
	if r.err != nil {
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(r.err))
	}

	services := make([]device.Service, 0, len(r.profile.Services))
	chars := make(map[string]*ble.Characteristic)
	for _, svc := range r.profile.Services {
		s := device.Service{UUID: device.NormalizeUUID(svc.UUID.String())}
		for _, c := range svc.Characteristics {
			uuid := device.NormalizeUUID(c.UUID.String())
			s.Characteristics = append(s.Characteristics, uuid)
			chars[uuid] = c
		}
		sort.Strings(s.Characteristics)
		services = append(services, s)
	}
	// Sort by UUID for consistent ordering
	sort.Slice(services, func(i, j int) bool {
		return services[i].UUID < services[j].UUID
	})

	l.mu.Lock()
	l.chars = chars
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"address":         l.addr,
		"services":        len(services),
		"characteristics": len(chars),
	}).Debug("Profile discovered successfully")
	return services, nil
}

func (l *link) characteristic(uuid string) (gattClient, *ble.Characteristic, error) {
	client, err := l.connected()
	if err != nil {
		return nil, nil, err
	}

	l.mu.Lock()
	c := l.chars[device.NormalizeUUID(uuid)]
	l.mu.Unlock()
	if c == nil {
		return nil, nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
	}
	return client, c, nil
}

// Write implements device.Link. Payloads larger than the chunk size are
// split; write-without-response is used when that is all the
// characteristic supports.
func (l *link) Write(ctx context.Context, characteristic string, data []byte) error {
	client, c, err := l.characteristic(characteristic)
	if err != nil {
		return err
	}

	noRsp := c.Property&ble.CharWrite == 0
	if noRsp && c.Property&ble.CharWriteNR == 0 {
		return fmt.Errorf("characteristic %s is not writable", characteristic)
	}

	chunk := l.opts.WriteChunkSize
	if chunk <= 0 || chunk > len(data) {
		chunk = len(data)
	}
	for offset := 0; ; offset += chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		if offset > 0 && l.opts.WriteDelay > 0 {
			select {
			case <-time.After(l.opts.WriteDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		end := min(offset+chunk, len(data))
		if err := client.WriteCharacteristic(c, data[offset:end], noRsp); err != nil {
			return NormalizeError(err)
		}
		if end >= len(data) {
			return nil
		}
	}
}

// Subscribe implements device.Link. Notifications are preferred over
// indications when the characteristic supports both.
func (l *link) Subscribe(ctx context.Context, characteristic string, handler func([]byte)) error {
	client, c, err := l.characteristic(characteristic)
	if err != nil {
		return err
	}

	var ind bool
	switch {
	case c.Property&ble.CharNotify != 0:
	case c.Property&ble.CharIndicate != 0:
		ind = true
	default:
		return fmt.Errorf("characteristic %s supports neither notify nor indicate", characteristic)
	}

	if err := client.Subscribe(c, ind, func(req []byte) { handler(req) }); err != nil {
		return NormalizeError(err)
	}
	return nil
}

// Close implements device.Link.
func (l *link) Close() error {
	l.closeOnce.Do(func() { close(l.closeCh) })
	return nil
}
