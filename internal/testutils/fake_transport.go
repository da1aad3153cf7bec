package testutils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/blelink/internal/device"
)

// ErrLinkClosed is returned by FakeLink operations after the link was closed.
var ErrLinkClosed = errors.New("fake link closed")

// FakeTransport is an in-memory device.Transport driven by test code.
//
// Scan replays the configured advertisements and then blocks until the scan
// context is done. Connect returns a FakeLink that walks through
// Connecting → Connected on its own goroutine. Every radio-visible action is
// appended to a journal so tests can assert ordering across devices:
//
//	t := testutils.NewFakeTransport().
//	    WithAdvertisements(adv1, adv2).
//	    WithPeripheral("AA:BB", testutils.PeripheralConfig{DiscoverDelay: 10 * time.Millisecond})
type FakeTransport struct {
	mu          sync.Mutex
	ads         []device.Handle
	adInterval  time.Duration
	scanErr     error
	windDown    time.Duration
	scanning    bool
	scanCalls   int
	peripherals map[string]PeripheralConfig
	links       []*FakeLink
	journal     []string
}

// PeripheralConfig scripts how a FakeLink to one address behaves.
type PeripheralConfig struct {
	ConnectDelay  time.Duration
	ConnectErr    error
	DiscoverDelay time.Duration
	DiscoverErr   error
	WriteErr      error
	SubscribeErr  error
	Services      []device.Service
}

// NewFakeTransport creates a transport with no advertisements and default
// peripherals for any address.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		peripherals: make(map[string]PeripheralConfig),
	}
}

// WithAdvertisements appends observations replayed by every Scan call.
func (t *FakeTransport) WithAdvertisements(ads ...device.Handle) *FakeTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ads = append(t.ads, ads...)
	return t
}

// WithAdvertisementInterval spaces replayed observations apart.
func (t *FakeTransport) WithAdvertisementInterval(d time.Duration) *FakeTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.adInterval = d
	return t
}

// WithScanError makes Scan fail with err after replaying advertisements.
func (t *FakeTransport) WithScanError(err error) *FakeTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scanErr = err
	return t
}

// WithScanWindDown makes Scan keep the radio busy for d after its context
// is done, like a stack that needs time to stop scanning.
func (t *FakeTransport) WithScanWindDown(d time.Duration) *FakeTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.windDown = d
	return t
}

// WithPeripheral scripts the behavior of links to addr.
func (t *FakeTransport) WithPeripheral(addr string, cfg PeripheralConfig) *FakeTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peripherals[device.NormalizeAddress(addr)] = cfg
	return t
}

// Scan implements device.Scanner.
func (t *FakeTransport) Scan(ctx context.Context, filter device.ScanFilter, settings device.ScanSettings, handler func(device.Handle)) error {
	t.mu.Lock()
	if t.scanning {
		t.mu.Unlock()
		return device.ScanFailure(device.ScanFailureAlreadyStarted, nil)
	}
	t.scanning = true
	t.scanCalls++
	ads := append([]device.Handle(nil), t.ads...)
	interval := t.adInterval
	scanErr := t.scanErr
	windDown := t.windDown
	t.mu.Unlock()

	defer func() {
		time.Sleep(windDown)
		t.mu.Lock()
		t.scanning = false
		t.mu.Unlock()
	}()

	for _, ad := range ads {
		if interval > 0 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		handler(ad.Clone())
	}

	if scanErr != nil {
		return scanErr
	}

	<-ctx.Done()
	return ctx.Err()
}

// ScanCalls returns how many times Scan was invoked.
func (t *FakeTransport) ScanCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scanCalls
}

// IsScanning reports whether a Scan call is in progress.
func (t *FakeTransport) IsScanning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scanning
}

// Connect implements device.Connector.
func (t *FakeTransport) Connect(ctx context.Context, target device.Handle, autoRetry bool) (device.Link, error) {
	addr := device.NormalizeAddress(target.Address)

	t.mu.Lock()
	cfg := t.peripherals[addr]
	link := &FakeLink{
		transport: t,
		addr:      addr,
		cfg:       cfg,
		autoRetry: autoRetry,
		states:    make(chan device.StateChange, 8),
		closeCh:   make(chan struct{}),
		dropCh:    make(chan struct{}),
		handlers:  make(map[string]func([]byte)),
	}
	t.links = append(t.links, link)
	t.journal = append(t.journal, "connect "+addr)
	t.mu.Unlock()

	go link.run(ctx)
	return link, nil
}

// Links returns every link created so far, oldest first.
func (t *FakeTransport) Links() []*FakeLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*FakeLink(nil), t.links...)
}

// LastLink returns the most recently created link, or nil.
func (t *FakeTransport) LastLink() *FakeLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.links) == 0 {
		return nil
	}
	return t.links[len(t.links)-1]
}

// Journal returns the ordered list of radio actions ("connect AA:BB",
// "discover AA:BB", "release AA:BB").
func (t *FakeTransport) Journal() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.journal...)
}

func (t *FakeTransport) record(entry string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.journal = append(t.journal, entry)
}

// FakeLink is the device.Link handed out by FakeTransport.
type FakeLink struct {
	transport *FakeTransport
	addr      string
	cfg       PeripheralConfig
	autoRetry bool

	states    chan device.StateChange
	closeOnce sync.Once
	closeCh   chan struct{}
	dropOnce  sync.Once
	dropCh    chan struct{}
	releases  atomic.Int32
	connected atomic.Bool

	mu             sync.Mutex
	writes         [][]byte
	handlers       map[string]func([]byte)
	subscribeCalls int
	discoverCalls  int
}

func (l *FakeLink) run(ctx context.Context) {
	defer close(l.states)

	l.states <- device.StateChange{State: device.LinkConnecting}

	var dialErr error
	select {
	case <-time.After(l.cfg.ConnectDelay):
		dialErr = l.cfg.ConnectErr
	case <-ctx.Done():
		dialErr = ctx.Err()
	case <-l.closeCh:
	case <-l.dropCh:
		dialErr = fmt.Errorf("link lost while connecting")
	}

	closedEarly := false
	select {
	case <-l.closeCh:
		closedEarly = true
	default:
	}

	if dialErr != nil || closedEarly {
		l.release()
		l.states <- device.StateChange{State: device.LinkDisconnected, Err: dialErr}
		return
	}

	l.connected.Store(true)
	l.states <- device.StateChange{State: device.LinkConnected}

	var lossErr error
	select {
	case <-l.closeCh:
	case <-l.dropCh:
		lossErr = fmt.Errorf("peripheral %s went out of range", l.addr)
	}

	l.connected.Store(false)
	l.states <- device.StateChange{State: device.LinkDisconnecting}
	l.release()
	l.states <- device.StateChange{State: device.LinkDisconnected, Err: lossErr}
}

func (l *FakeLink) release() {
	l.releases.Add(1)
	l.transport.record("release " + l.addr)
}

// States implements device.Link.
func (l *FakeLink) States() <-chan device.StateChange {
	return l.states
}

// DiscoverServices implements device.Link.
func (l *FakeLink) DiscoverServices(ctx context.Context) ([]device.Service, error) {
	l.mu.Lock()
	l.discoverCalls++
	l.mu.Unlock()

	select {
	case <-time.After(l.cfg.DiscoverDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, ErrLinkClosed
	}

	if l.cfg.DiscoverErr != nil {
		return nil, l.cfg.DiscoverErr
	}
	l.transport.record("discover " + l.addr)
	return l.cfg.Services, nil
}

// Write implements device.Link.
func (l *FakeLink) Write(ctx context.Context, characteristic string, data []byte) error {
	if !l.connected.Load() {
		return ErrLinkClosed
	}
	if l.cfg.WriteErr != nil {
		return l.cfg.WriteErr
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.writes = append(l.writes, append([]byte(nil), data...))
	return nil
}

// Subscribe implements device.Link.
func (l *FakeLink) Subscribe(ctx context.Context, characteristic string, handler func([]byte)) error {
	if !l.connected.Load() {
		return ErrLinkClosed
	}
	if l.cfg.SubscribeErr != nil {
		return l.cfg.SubscribeErr
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribeCalls++
	l.handlers[device.NormalizeUUID(characteristic)] = handler
	return nil
}

// Close implements device.Link.
func (l *FakeLink) Close() error {
	l.closeOnce.Do(func() { close(l.closeCh) })
	return nil
}

// Drop simulates a transport-detected link loss.
func (l *FakeLink) Drop() {
	l.dropOnce.Do(func() { close(l.dropCh) })
}

// Notify delivers a notification payload on characteristic, as the
// peripheral would. Returns false if nobody subscribed to it.
func (l *FakeLink) Notify(characteristic string, data []byte) bool {
	l.mu.Lock()
	h := l.handlers[device.NormalizeUUID(characteristic)]
	l.mu.Unlock()

	if h == nil {
		return false
	}
	h(data)
	return true
}

// Writes returns every payload written so far.
func (l *FakeLink) Writes() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.writes...)
}

// SubscribeCalls returns how many times Subscribe was invoked.
func (l *FakeLink) SubscribeCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscribeCalls
}

// DiscoverCalls returns how many times DiscoverServices was invoked.
func (l *FakeLink) DiscoverCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.discoverCalls
}

// Releases returns how many times the radio handle was released.
func (l *FakeLink) Releases() int {
	return int(l.releases.Load())
}

// Address returns the normalized address the link was opened to.
func (l *FakeLink) Address() string {
	return l.addr
}

// AutoRetry returns the auto-retry flag passed to Connect.
func (l *FakeLink) AutoRetry() bool {
	return l.autoRetry
}
