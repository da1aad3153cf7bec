package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/eventbus"
	"github.com/srg/blelink/internal/groutine"
	"github.com/srg/blelink/internal/ringchan"
)

// Nordic UART Service UUIDs used by default for the command/response pair.
const (
	// SerialServiceUUID is the standard Nordic UART Service UUID for BLE serial communication
	SerialServiceUUID = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"

	// SerialRxCharUUID is the RX characteristic (client -> device)
	SerialRxCharUUID = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"

	// SerialTxCharUUID is the TX characteristic (device -> client)
	SerialTxCharUUID = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"
)

const (
	// DefaultNotificationBuffer is the default buffer size for notification streams
	DefaultNotificationBuffer = 128

	DefaultConnectTimeout   = 30 * time.Second
	DefaultDiscoveryTimeout = 10 * time.Second
)

// State is the manager-level connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	default:
		return "Disconnected"
	}
}

// EventKind tags a connection Event.
type EventKind int

const (
	DeviceConnected EventKind = iota + 1
	DeviceDisconnected
	DataReceived
)

func (k EventKind) String() string {
	switch k {
	case DeviceConnected:
		return "DeviceConnected"
	case DeviceDisconnected:
		return "DeviceDisconnected"
	case DataReceived:
		return "DataReceived"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is broadcast on the manager's bus. Data is set for DataReceived and
// must not be modified by subscribers. Err is set on a DeviceDisconnected
// caused by a failure or link loss.
type Event struct {
	Kind   EventKind
	Device device.Handle
	Data   []byte
	Err    error
}

// Options configures the BLE connection
type Options struct {
	ServiceUUID        string
	CommandUUID        string // written by WriteCommand
	ResponseUUID       string // notified to SubscribeNotifications
	ConnectTimeout     time.Duration
	DiscoveryTimeout   time.Duration
	AutoRetry          bool
	NotificationBuffer int
}

// DefaultOptions returns sensible defaults for a Nordic UART peripheral
func DefaultOptions() *Options {
	return &Options{
		ServiceUUID:        SerialServiceUUID,
		CommandUUID:        SerialRxCharUUID,
		ResponseUUID:       SerialTxCharUUID,
		ConnectTimeout:     DefaultConnectTimeout,
		DiscoveryTimeout:   DefaultDiscoveryTimeout,
		NotificationBuffer: DefaultNotificationBuffer,
	}
}

// Manager owns at most one connection at a time and gates GATT operations
// behind service discovery.
//
// Connecting to a different device first tears the current connection down
// and waits for the transport to report it disconnected. DeviceConnected is
// published only after discovery succeeded; DeviceDisconnected is published
// once for every attempt that ends, whatever the cause.
type Manager struct {
	transport device.Connector
	bus       *eventbus.Bus[Event]
	opts      Options
	logger    *logrus.Logger

	mu     sync.Mutex
	state  State
	active *activeConn
}

// activeConn is the lifetime of one link. All fields except gattMu and
// subscribed are guarded by Manager.mu.
type activeConn struct {
	target device.Handle
	link   device.Link

	ctx    context.Context // cancelled when the connection ends
	cancel context.CancelFunc

	ready     chan struct{} // closed once ready or ended
	readyOnce sync.Once
	readyErr  error
	isReady   bool
	closing   bool
	ended     bool
	done      chan struct{} // closed after Disconnected was handled

	services []device.Service
	notify   *ringchan.Channel[[]byte]

	gattMu     sync.Mutex
	subscribed bool
}

// NewManager creates a Manager publishing on bus. A nil bus gets a private one.
func NewManager(transport device.Connector, bus *eventbus.Bus[Event], opts *Options, logger *logrus.Logger) (*Manager, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if bus == nil {
		bus = eventbus.New[Event](logger)
	}

	o := *DefaultOptions()
	if opts != nil {
		o = *opts
	}
	if _, err := device.ValidateUUID(o.ServiceUUID, o.CommandUUID, o.ResponseUUID); err != nil {
		return nil, fmt.Errorf("invalid connection options: %w", err)
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.DiscoveryTimeout <= 0 {
		o.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if o.NotificationBuffer <= 0 {
		o.NotificationBuffer = DefaultNotificationBuffer
	}

	return &Manager{
		transport: transport,
		bus:       bus,
		opts:      o,
		logger:    logger,
	}, nil
}

// Connect connects to target and returns once its services are discovered.
//
// If a different device is active it is disconnected first. Connecting to
// the device that is already active only waits for it to become ready.
// Cancelling ctx before the connection is ready abandons the attempt.
func (m *Manager) Connect(ctx context.Context, target device.Handle) error {
	if device.NormalizeAddress(target.Address) == "" {
		return &device.OperationError{Kind: device.ConnectFailed, Msg: "device address is empty"}
	}

	for {
		m.mu.Lock()
		prev := m.active
		if prev == nil {
			break
		}
		if prev.target.SameDevice(target) && !prev.closing {
			m.mu.Unlock()
			m.logger.WithField("address", target.Address).Debug("Already connected to device, waiting for readiness")
			return m.awaitReady(ctx, prev, false)
		}

		m.logger.WithFields(logrus.Fields{
			"from": prev.target.Address,
			"to":   target.Address,
		}).Info("Switching device, disconnecting current one first")
		m.beginCloseLocked(prev)
		m.mu.Unlock()

		select {
		case <-prev.done:
		case <-ctx.Done():
			return &device.OperationError{Kind: device.ConnectFailed, Address: target.Address, Msg: "waiting for previous device to disconnect", Err: ctx.Err()}
		}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ac := &activeConn{
		target: target,
		ctx:    connCtx,
		cancel: cancel,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		notify: ringchan.New[[]byte](m.opts.NotificationBuffer),
	}

	m.logger.WithFields(logrus.Fields{
		"address":    target.Address,
		"name":       target.Name,
		"timeout":    m.opts.ConnectTimeout,
		"auto_retry": m.opts.AutoRetry,
	}).Info("Connecting to BLE device...")

	m.state = Connecting
	m.active = ac
	m.mu.Unlock()

	// The attempt context bounds dialing only and is released when Connect
	// returns. Closing ac while dialing aborts the dial too.
	attemptCtx, attemptCancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer attemptCancel()
	stopAbort := context.AfterFunc(connCtx, attemptCancel)
	defer stopAbort()

	link, err := m.transport.Connect(attemptCtx, target, m.opts.AutoRetry)

	m.mu.Lock()
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"address": target.Address,
			"error":   err,
		}).Error("Failed to connect to BLE device")
		ac.readyErr = &device.OperationError{Kind: device.ConnectFailed, Address: target.Address, Err: err}
		m.endLocked(ac, err)
		m.mu.Unlock()
		return ac.readyErr
	}
	ac.link = link
	if ac.closing {
		// Disconnect or a switch happened while dialing; the watcher below
		// still sees the link through to Disconnected.
		m.closeLinkLocked(ac)
	}
	m.mu.Unlock()

	groutine.Go(connCtx, "ble-link-watcher", func(context.Context) {
		m.watch(ac)
	})

	return m.awaitReady(ctx, ac, true)
}

// awaitReady waits until ac is ready or has ended. With abandon set, a
// cancelled ctx tears the connection down.
func (m *Manager) awaitReady(ctx context.Context, ac *activeConn, abandon bool) error {
	select {
	case <-ac.ready:
		return ac.readyErr
	case <-ctx.Done():
		if abandon {
			m.mu.Lock()
			if !isSettled(ac) {
				m.beginCloseLocked(ac)
			}
			m.mu.Unlock()
		}
		return &device.OperationError{Kind: device.ConnectFailed, Address: ac.target.Address, Msg: "connect abandoned", Err: ctx.Err()}
	}
}

// watch consumes the link's state changes until it reports disconnected.
func (m *Manager) watch(ac *activeConn) {
	for sc := range ac.link.States() {
		m.handleState(ac, sc)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !ac.ended {
		m.logger.WithField("address", ac.target.Address).Warn("Link state stream ended without a disconnect")
		m.endLocked(ac, nil)
	}
}

func (m *Manager) handleState(ac *activeConn, sc device.StateChange) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ac.ended {
		return
	}

	m.logger.WithFields(logrus.Fields{
		"address": ac.target.Address,
		"state":   sc.State,
	}).Debug("Link state changed")

	switch sc.State {
	case device.LinkConnecting:
		if !ac.closing {
			m.state = Connecting
		}

	case device.LinkConnected:
		if ac.closing {
			return
		}
		m.state = Connected
		m.logger.WithField("address", ac.target.Address).Info("Connected to device, discovering services...")
		groutine.Go(ac.ctx, "ble-discovery", func(ctx context.Context) {
			m.discover(ctx, ac)
		})

	case device.LinkDisconnecting:
		ac.closing = true
		ac.notify.Close()
		m.state = Disconnecting

	case device.LinkDisconnected:
		m.endLocked(ac, sc.Err)
	}
}

func (m *Manager) discover(ctx context.Context, ac *activeConn) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.DiscoveryTimeout)
	defer cancel()

	services, err := ac.link.DiscoverServices(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	// The connection was closed while discovery was in flight.
	if ac.closing || ac.ended {
		m.logger.WithField("address", ac.target.Address).Debug("Discarding discovery result of a closing connection")
		return
	}

	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"address": ac.target.Address,
			"error":   err,
		}).Error("Failed to discover services, disconnecting")
		ac.readyErr = &device.OperationError{Kind: device.DiscoveryFailed, Address: ac.target.Address, Err: err}
		m.beginCloseLocked(ac)
		return
	}

	ac.services = services
	ac.isReady = true

	m.logger.WithFields(logrus.Fields{
		"address":  ac.target.Address,
		"services": len(services),
	}).Info("BLE device connected successfully")
	m.bus.Publish(Event{Kind: DeviceConnected, Device: ac.target})
	ac.setReady(nil)
}

// beginCloseLocked asks the transport to close ac. The transport reports
// Disconnected, which drives endLocked.
func (m *Manager) beginCloseLocked(ac *activeConn) {
	if ac.closing || ac.ended {
		return
	}
	ac.closing = true
	ac.notify.Close()
	ac.cancel()
	m.state = Disconnecting

	m.logger.WithField("address", ac.target.Address).Info("Disconnecting BLE device...")
	if ac.link == nil {
		// still dialing, Connect closes the link once the transport hands it over
		return
	}
	m.closeLinkLocked(ac)
}

func (m *Manager) closeLinkLocked(ac *activeConn) {
	if err := ac.link.Close(); err != nil {
		m.logger.WithFields(logrus.Fields{
			"address": ac.target.Address,
			"error":   err,
		}).Warn("Failed to close link")
	}
}

// endLocked finalizes ac after the transport reported it disconnected.
func (m *Manager) endLocked(ac *activeConn, cause error) {
	wasClosing := ac.closing

	ac.ended = true
	ac.closing = true
	ac.isReady = false
	ac.cancel()
	ac.notify.Close()

	if ac.readyErr == nil && !isSettled(ac) {
		msg := "connection attempt failed"
		if wasClosing {
			msg = "connection cancelled"
		}
		ac.readyErr = &device.OperationError{Kind: device.ConnectFailed, Address: ac.target.Address, Msg: msg, Err: cause}
	}

	if m.active == ac {
		m.active = nil
		m.state = Disconnected
	}

	fields := logrus.Fields{"address": ac.target.Address}
	if cause != nil && !wasClosing {
		m.logger.WithFields(fields).WithError(cause).Warn("BLE device disconnected unexpectedly")
	} else {
		m.logger.WithFields(fields).Info("BLE device disconnected")
	}

	m.bus.Publish(Event{Kind: DeviceDisconnected, Device: ac.target, Err: cause})
	ac.setReady(ac.readyErr)
	close(ac.done)
}

func isSettled(ac *activeConn) bool {
	select {
	case <-ac.ready:
		return true
	default:
		return false
	}
}

func (ac *activeConn) setReady(err error) {
	ac.readyOnce.Do(func() {
		ac.readyErr = err
		close(ac.ready)
	})
}

// Disconnect closes the active connection and waits until the transport
// reports it disconnected. It is a no-op when nothing is connected.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	ac := m.active
	if ac == nil {
		m.mu.Unlock()
		m.logger.Debug("Disconnect called but already disconnected")
		return nil
	}
	m.beginCloseLocked(ac)
	m.mu.Unlock()

	select {
	case <-ac.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s to disconnect: %w", ac.target.Address, ctx.Err())
	}
}

// readyConn returns the active connection if it can carry GATT traffic.
func (m *Manager) readyConn(op string) (*activeConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ac := m.active
	if ac == nil || !ac.isReady || ac.closing {
		return nil, &device.OperationError{Kind: device.NotReady, Msg: op + " requires a ready connection"}
	}
	return ac, nil
}

// WriteCommand writes data to the command characteristic. A failed write
// leaves the connection up.
func (m *Manager) WriteCommand(ctx context.Context, data []byte) error {
	ac, err := m.readyConn("write")
	if err != nil {
		return err
	}

	ac.gattMu.Lock()
	defer ac.gattMu.Unlock()

	if !hasCharacteristic(ac.services, m.opts.CommandUUID) {
		return &device.OperationError{
			Kind:    device.WriteFailed,
			Address: ac.target.Address,
			Err:     &device.NotFoundError{Resource: "characteristic", UUIDs: []string{m.opts.CommandUUID}},
		}
	}

	if err := ac.link.Write(ctx, m.opts.CommandUUID, data); err != nil {
		m.logger.WithFields(logrus.Fields{
			"address": ac.target.Address,
			"bytes":   len(data),
			"error":   err,
		}).Warn("Command write failed")
		return &device.OperationError{Kind: device.WriteFailed, Address: ac.target.Address, Err: err}
	}

	m.logger.WithFields(logrus.Fields{
		"address": ac.target.Address,
		"bytes":   len(data),
	}).Debug("Command written")
	return nil
}

// SubscribeNotifications returns the stream of response-characteristic
// payloads for the current connection. Repeated calls return the same
// stream. The stream is closed when the connection starts to disconnect; a
// later connection gets a new one. Payloads are also published as
// DataReceived events.
func (m *Manager) SubscribeNotifications(ctx context.Context) (<-chan []byte, error) {
	ac, err := m.readyConn("subscribe")
	if err != nil {
		return nil, err
	}

	ac.gattMu.Lock()
	defer ac.gattMu.Unlock()

	if ac.subscribed {
		return ac.notify.C(), nil
	}

	if !hasCharacteristic(ac.services, m.opts.ResponseUUID) {
		return nil, &device.OperationError{
			Kind:    device.NotReady,
			Address: ac.target.Address,
			Msg:     "response characteristic not found",
			Err:     &device.NotFoundError{Resource: "characteristic", UUIDs: []string{m.opts.ResponseUUID}},
		}
	}

	err = ac.link.Subscribe(ctx, m.opts.ResponseUUID, func(data []byte) {
		m.deliver(ac, data)
	})
	if err != nil {
		return nil, &device.OperationError{Kind: device.NotReady, Address: ac.target.Address, Msg: "subscribe failed", Err: err}
	}
	ac.subscribed = true

	m.logger.WithFields(logrus.Fields{
		"address":        ac.target.Address,
		"characteristic": m.opts.ResponseUUID,
	}).Info("Subscribed to notifications")
	return ac.notify.C(), nil
}

func (m *Manager) deliver(ac *activeConn, data []byte) {
	payload := append([]byte(nil), data...)

	m.mu.Lock()
	defer m.mu.Unlock()

	if ac.closing || ac.ended {
		return
	}
	ac.notify.Send(payload)
	m.bus.Publish(Event{Kind: DataReceived, Device: ac.target, Data: payload})
}

func hasCharacteristic(services []device.Service, uuid string) bool {
	for _, svc := range services {
		if svc.HasCharacteristic(uuid) {
			return true
		}
	}
	return false
}

// Events subscribes to the manager's bus.
func (m *Manager) Events(buffer int) *eventbus.Subscription[Event] {
	return m.bus.Subscribe(buffer)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether a connection is ready for GATT operations.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil && m.active.isReady && !m.active.closing
}

// DeviceName returns the display name of the ready device, or "".
func (m *Manager) DeviceName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || !m.active.isReady {
		return ""
	}
	return m.active.target.DisplayName()
}

// Device returns the active device, ready or not.
func (m *Manager) Device() (device.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return device.Handle{}, false
	}
	return m.active.target, true
}

// Services returns the services discovered on the ready connection.
func (m *Manager) Services() []device.Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || !m.active.isReady {
		return nil
	}
	return append([]device.Service(nil), m.active.services...)
}

// ErrClosed is returned by Close when the manager had to force a disconnect
// that did not complete.
var ErrClosed = errors.New("connection manager closed")

// Close disconnects and closes the event bus.
func (m *Manager) Close(ctx context.Context) error {
	err := m.Disconnect(ctx)
	m.bus.Close()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}
