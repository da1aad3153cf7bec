package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var (
	serviceUUID  = ble.MustParse("6E400001-B5A3-F393-E0A9-E50E24DCCA9E")
	commandUUID  = ble.MustParse("6E400002-B5A3-F393-E0A9-E50E24DCCA9E")
	responseUUID = ble.MustParse("6E400003-B5A3-F393-E0A9-E50E24DCCA9E")
)

// stubAdvertisement is a fixed advertisement.
type stubAdvertisement struct {
	name        string
	addr        string
	rssi        int
	txPower     int
	connectable bool
	services    []ble.UUID
	manufData   []byte
	serviceData []ble.ServiceData
}

func (a stubAdvertisement) LocalName() string              { return a.name }
func (a stubAdvertisement) ManufacturerData() []byte       { return a.manufData }
func (a stubAdvertisement) ServiceData() []ble.ServiceData { return a.serviceData }
func (a stubAdvertisement) Services() []ble.UUID           { return a.services }
func (a stubAdvertisement) TxPowerLevel() int              { return a.txPower }
func (a stubAdvertisement) Connectable() bool              { return a.connectable }
func (a stubAdvertisement) RSSI() int                      { return a.rssi }
func (a stubAdvertisement) Addr() ble.Addr                 { return ble.NewAddr(a.addr) }

// mockClient is a testify mock of gattClient that also reports link loss.
type mockClient struct {
	mock.Mock
	lost chan struct{}
}

func newMockClient() *mockClient {
	return &mockClient{lost: make(chan struct{})}
}

func (m *mockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (m *mockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	return m.Called(c, value, noRsp).Error(0)
}

func (m *mockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	return m.Called(c, ind, h).Error(0)
}

func (m *mockClient) ClearSubscriptions() error {
	return m.Called().Error(0)
}

func (m *mockClient) CancelConnection() error {
	return m.Called().Error(0)
}

func (m *mockClient) Disconnected() <-chan struct{} {
	return m.lost
}

func uartProfile() *ble.Profile {
	return &ble.Profile{Services: []*ble.Service{{
		UUID: serviceUUID,
		Characteristics: []*ble.Characteristic{
			{UUID: commandUUID, Property: ble.CharWrite | ble.CharWriteNR},
			{UUID: responseUUID, Property: ble.CharNotify},
		},
	}, {
		UUID:            ble.UUID16(0x180F),
		Characteristics: []*ble.Characteristic{{UUID: ble.UUID16(0x2A19), Property: ble.CharRead | ble.CharIndicate}},
	}}}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

func collectStates(t *testing.T, ch <-chan device.StateChange, n int) []device.StateChange {
	t.Helper()
	var got []device.StateChange
	for len(got) < n {
		select {
		case sc, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, sc)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d state changes", len(got), n)
		}
	}
	return got
}

func states(changes []device.StateChange) []device.LinkState {
	out := make([]device.LinkState, 0, len(changes))
	for _, sc := range changes {
		out = append(out, sc.State)
	}
	return out
}

func TestNewHandle(t *testing.T) {
	seen := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("full advertisement", func(t *testing.T) {
		h := NewHandle(stubAdvertisement{
			name:        "Sensor1",
			addr:        "aa:bb:cc:dd:ee:ff",
			rssi:        -45,
			txPower:     11,
			connectable: true,
			services:    []ble.UUID{ble.UUID16(0x1800), ble.UUID16(0x180F)},
			serviceData: []ble.ServiceData{{UUID: ble.UUID16(0x180F), Data: []byte{0x64}}},
		}, seen)

		assert.Equal(t, "AA:BB:CC:DD:EE:FF", h.Address)
		assert.Equal(t, "Sensor1", h.Name)
		require.NotNil(t, h.RSSI)
		assert.Equal(t, -45, *h.RSSI)
		require.NotNil(t, h.TxPower)
		assert.Equal(t, 11, *h.TxPower)
		assert.True(t, h.Connectable)
		assert.Equal(t, []string{"1800", "180f"}, h.Services)
		assert.Equal(t, map[string][]byte{"180f": {0x64}}, h.ServiceData)
		assert.Equal(t, seen, h.SeenAt)
	})

	t.Run("tx power unavailable", func(t *testing.T) {
		h := NewHandle(stubAdvertisement{addr: "AA:BB", txPower: device.TxPowerUnavailable}, seen)
		assert.Nil(t, h.TxPower)
		assert.Nil(t, h.ServiceData)
	})

	t.Run("name from manufacturer data", func(t *testing.T) {
		h := NewHandle(stubAdvertisement{
			addr:      "AA:BB",
			txPower:   device.TxPowerUnavailable,
			manufData: append([]byte{0x4C, 0x00, 0x02}, []byte("Thermo")...),
		}, seen)
		assert.Equal(t, "Thermo", h.Name)
	})

	t.Run("short printable runs are not names", func(t *testing.T) {
		assert.Empty(t, nameFromManufacturerData([]byte{0x4C, 0x00, 'a', 'b', 0x01, 'c', 'd'}))
		assert.Empty(t, nameFromManufacturerData([]byte{0x4C, 0x00}))
	})
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		msg    string
		target error
	}{
		{"central manager has invalid state: have=4 want=5: is Bluetooth turned on?", device.ErrBluetoothOff},
		{"Bluetooth is turned off", device.ErrBluetoothOff},
		{"can't init hci: no devices available", device.ErrUnavailable},
		{"hci0: operation not permitted", device.ErrPermissionDenied},
		{"feature not supported", device.ErrUnsupported},
		{"dial: connection timed out", device.ErrTimeout},
		{"device not connected", device.ErrLinkLost},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			cause := errors.New(tt.msg)
			err := NormalizeError(cause)
			assert.ErrorIs(t, err, tt.target)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}

	t.Run("unknown errors pass through", func(t *testing.T) {
		cause := errors.New("something else")
		assert.Same(t, cause, NormalizeError(cause))
		assert.NoError(t, NormalizeError(nil))
	})
}

func TestNormalizeScanError(t *testing.T) {
	tests := []struct {
		msg    string
		reason device.ScanFailureReason
	}{
		{"bluetooth is turned off", device.ScanFailureBluetoothOff},
		{"permission denied", device.ScanFailurePermissionDenied},
		{"no such device", device.ScanFailureBluetoothUnavailable},
		{"scan mode not supported", device.ScanFailureUnsupported},
		{"scan already in progress", device.ScanFailureAlreadyStarted},
		{"device or resource busy", device.ScanFailureOutOfResources},
		{"too many scan requests", device.ScanFailureThrottled},
		{"can't enable scan", device.ScanFailureCannotStart},
		{"hci: garbage", device.ScanFailureUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			err := normalizeScanError(errors.New(tt.msg))
			assert.True(t, device.IsScanFailure(err, tt.reason), "got %v", err)
		})
	}

	t.Run("typed failures are kept", func(t *testing.T) {
		in := device.ScanFailure(device.ScanFailureThrottled, nil)
		assert.Same(t, in, normalizeScanError(in))
	})
}

type TransportTestSuite struct {
	suite.Suite
	logger *logrus.Logger
}

func (s *TransportTestSuite) SetupTest() {
	s.logger = testLogger()
}

func (s *TransportTestSuite) newTransport(scan scanFunc, dial dialFunc) *Transport {
	opts := *DefaultOptions()
	opts.WriteDelay = 0
	return newTransport(scan, dial, nil, opts, s.logger)
}

func (s *TransportTestSuite) TestScanConvertsAndFilters() {
	ads := []advertisement{
		stubAdvertisement{name: "Sensor1", addr: "aa:bb", rssi: -40, txPower: device.TxPowerUnavailable},
		stubAdvertisement{name: "Beacon", addr: "cc:dd", rssi: -80, txPower: device.TxPowerUnavailable},
	}
	var allowDupSeen bool
	scan := func(ctx context.Context, allowDup bool, h func(advertisement)) error {
		allowDupSeen = allowDup
		for _, a := range ads {
			h(a)
		}
		<-ctx.Done()
		return ctx.Err()
	}
	t := s.newTransport(scan, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var got []device.Handle
	err := t.Scan(ctx, device.ScanFilter{NamePrefix: "Sensor"}, device.ScanSettings{AllowDuplicates: true}, func(h device.Handle) {
		got = append(got, h)
		cancel()
	})

	s.NoError(err, "cancellation is not a failure")
	s.True(allowDupSeen)
	s.Require().Len(got, 1)
	s.Equal("AA:BB", got[0].Address)
}

func (s *TransportTestSuite) TestScanFailures() {
	s.Run("radio error is classified", func() {
		t := s.newTransport(func(context.Context, bool, func(advertisement)) error {
			return errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?")
		}, nil)
		err := t.Scan(context.Background(), device.ScanFilter{}, device.ScanSettings{}, func(device.Handle) {})
		s.True(device.IsScanFailure(err, device.ScanFailureBluetoothOff))
		s.ErrorIs(err, device.ErrBluetoothOff)
	})

	s.Run("mode the radio was not opened with", func() {
		t := s.newTransport(func(context.Context, bool, func(advertisement)) error { return nil }, nil)
		err := t.Scan(context.Background(), device.ScanFilter{}, device.ScanSettings{Mode: device.ScanModeLowLatency}, func(device.Handle) {})
		s.True(device.IsScanFailure(err, device.ScanFailureUnsupported))
	})

	s.Run("concurrent scan", func() {
		started := make(chan struct{})
		t := s.newTransport(func(ctx context.Context, _ bool, _ func(advertisement)) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}, nil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- t.Scan(ctx, device.ScanFilter{}, device.ScanSettings{}, func(device.Handle) {}) }()
		<-started

		err := t.Scan(context.Background(), device.ScanFilter{}, device.ScanSettings{}, func(device.Handle) {})
		s.True(device.IsScanFailure(err, device.ScanFailureAlreadyStarted))

		cancel()
		s.NoError(<-done)
	})
}

func (s *TransportTestSuite) TestLinkLifecycle() {
	client := newMockClient()
	client.On("DiscoverProfile", true).Return(uartProfile(), nil).Once()
	client.On("ClearSubscriptions").Return(nil).Once()
	client.On("CancelConnection").Return(nil).Once()

	var dialed string
	t := s.newTransport(nil, func(_ context.Context, addr string) (gattClient, error) {
		dialed = addr
		return client, nil
	})

	l, err := t.Connect(context.Background(), device.Handle{Address: "aa:bb"}, false)
	s.Require().NoError(err)
	s.Equal([]device.LinkState{device.LinkConnecting, device.LinkConnected}, states(collectStates(s.T(), l.States(), 2)))
	s.Equal("AA:BB", dialed)

	services, err := l.DiscoverServices(context.Background())
	s.Require().NoError(err)
	s.Equal([]device.Service{
		{UUID: "180f", Characteristics: []string{"2a19"}},
		{UUID: "6e400001b5a3f393e0a9e50e24dcca9e", Characteristics: []string{
			"6e400002b5a3f393e0a9e50e24dcca9e",
			"6e400003b5a3f393e0a9e50e24dcca9e",
		}},
	}, services)

	s.Require().NoError(l.Close())
	s.Require().NoError(l.Close())

	rest := collectStates(s.T(), l.States(), 3)
	s.Equal([]device.LinkState{device.LinkDisconnecting, device.LinkDisconnected}, states(rest))
	s.NoError(rest[1].Err)
	client.AssertExpectations(s.T())

	_, err = l.DiscoverServices(context.Background())
	s.ErrorIs(err, device.ErrLinkLost)
}

func (s *TransportTestSuite) TestLinkWriteAndSubscribe() {
	client := newMockClient()
	profile := uartProfile()
	cmdChar := profile.Services[0].Characteristics[0]
	rspChar := profile.Services[0].Characteristics[1]
	batChar := profile.Services[1].Characteristics[0]

	client.On("DiscoverProfile", true).Return(profile, nil)
	client.On("WriteCharacteristic", cmdChar, []byte("0123456789abcdefghij"), false).Return(nil).Once()
	client.On("WriteCharacteristic", cmdChar, []byte("KL"), false).Return(nil).Once()
	client.On("Subscribe", rspChar, false, mock.Anything).Return(nil).Once()
	client.On("Subscribe", batChar, true, mock.Anything).Return(nil).Once()
	client.On("ClearSubscriptions").Return(nil)
	client.On("CancelConnection").Return(nil)

	t := s.newTransport(nil, func(context.Context, string) (gattClient, error) { return client, nil })
	l, err := t.Connect(context.Background(), device.Handle{Address: "AA:BB"}, false)
	s.Require().NoError(err)
	collectStates(s.T(), l.States(), 2)

	s.Run("before discovery characteristics are unknown", func() {
		err := l.Write(context.Background(), commandUUID.String(), []byte("x"))
		var nf *device.NotFoundError
		s.ErrorAs(err, &nf)
	})

	_, err = l.DiscoverServices(context.Background())
	s.Require().NoError(err)

	s.NoError(l.Write(context.Background(), "6E400002-B5A3-F393-E0A9-E50E24DCCA9E", []byte("0123456789abcdefghijKL")))
	s.NoError(l.Subscribe(context.Background(), "6E400003-B5A3-F393-E0A9-E50E24DCCA9E", func([]byte) {}))
	s.NoError(l.Subscribe(context.Background(), "2A19", func([]byte) {}), "indicate-only characteristic")

	s.Error(l.Subscribe(context.Background(), "6E400002-B5A3-F393-E0A9-E50E24DCCA9E", func([]byte) {}),
		"write-only characteristic cannot be subscribed")

	s.Require().NoError(l.Close())
	collectStates(s.T(), l.States(), 2)
	client.AssertExpectations(s.T())
}

func (s *TransportTestSuite) TestWriteChunkDelayHonoursContext() {
	client := newMockClient()
	profile := uartProfile()
	cmdChar := profile.Services[0].Characteristics[0]

	client.On("DiscoverProfile", true).Return(profile, nil)
	client.On("WriteCharacteristic", cmdChar, []byte("ab"), false).Return(nil).Once()
	client.On("ClearSubscriptions").Return(nil)
	client.On("CancelConnection").Return(nil)

	opts := *DefaultOptions()
	opts.WriteChunkSize = 2
	opts.WriteDelay = time.Hour
	t := newTransport(nil, func(context.Context, string) (gattClient, error) { return client, nil }, nil, opts, s.logger)

	l, err := t.Connect(context.Background(), device.Handle{Address: "AA:BB"}, false)
	s.Require().NoError(err)
	collectStates(s.T(), l.States(), 2)
	_, err = l.DiscoverServices(context.Background())
	s.Require().NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = l.Write(ctx, commandUUID.String(), []byte("abcdef"))
	s.ErrorIs(err, context.DeadlineExceeded)
	s.Less(time.Since(start), 5*time.Second, "write must not sit out the chunk delay")
	client.AssertNumberOfCalls(s.T(), "WriteCharacteristic", 1)

	s.Require().NoError(l.Close())
	collectStates(s.T(), l.States(), 2)
}

func (s *TransportTestSuite) TestLinkLoss() {
	client := newMockClient()
	client.On("ClearSubscriptions").Return(nil).Once()
	client.On("CancelConnection").Return(nil).Once()

	t := s.newTransport(nil, func(context.Context, string) (gattClient, error) { return client, nil })
	l, err := t.Connect(context.Background(), device.Handle{Address: "AA:BB"}, false)
	s.Require().NoError(err)
	collectStates(s.T(), l.States(), 2)

	close(client.lost)

	rest := collectStates(s.T(), l.States(), 2)
	s.Equal([]device.LinkState{device.LinkDisconnecting, device.LinkDisconnected}, states(rest))
	s.ErrorIs(rest[1].Err, device.ErrLinkLost)

	s.NoError(l.Close(), "close after loss is a no-op")
	client.AssertExpectations(s.T())
}

func (s *TransportTestSuite) TestDialFailure() {
	s.Run("without retry", func() {
		var calls int
		t := s.newTransport(nil, func(context.Context, string) (gattClient, error) {
			calls++
			return nil, errors.New("connection timed out")
		})
		l, err := t.Connect(context.Background(), device.Handle{Address: "AA:BB"}, false)
		s.Require().NoError(err)

		got := collectStates(s.T(), l.States(), 2)
		s.Equal([]device.LinkState{device.LinkConnecting, device.LinkDisconnected}, states(got))
		s.ErrorIs(got[1].Err, device.ErrTimeout)
		s.Equal(1, calls)
	})

	s.Run("with retry", func() {
		client := newMockClient()
		client.On("ClearSubscriptions").Return(nil)
		client.On("CancelConnection").Return(nil)

		var mu sync.Mutex
		calls := 0
		t := s.newTransport(nil, func(context.Context, string) (gattClient, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return nil, errors.New("connection timed out")
			}
			return client, nil
		})
		l, err := t.Connect(context.Background(), device.Handle{Address: "AA:BB"}, true)
		s.Require().NoError(err)

		s.Equal([]device.LinkState{device.LinkConnecting, device.LinkConnected}, states(collectStates(s.T(), l.States(), 2)))
		s.Require().NoError(l.Close())
		collectStates(s.T(), l.States(), 2)
	})

	s.Run("close while dialing releases a late client", func() {
		client := newMockClient()
		client.On("ClearSubscriptions").Return(nil).Once()
		client.On("CancelConnection").Return(nil).Once()

		dialing := make(chan struct{})
		proceed := make(chan struct{})
		t := s.newTransport(nil, func(context.Context, string) (gattClient, error) {
			close(dialing)
			<-proceed
			return client, nil
		})
		l, err := t.Connect(context.Background(), device.Handle{Address: "AA:BB"}, false)
		s.Require().NoError(err)

		<-dialing
		s.Require().NoError(l.Close())
		close(proceed)

		got := collectStates(s.T(), l.States(), 3)
		s.Equal([]device.LinkState{device.LinkConnecting, device.LinkDisconnected}, states(got))
		s.NoError(got[1].Err)
		client.AssertExpectations(s.T())
	})

	s.Run("empty address", func() {
		t := s.newTransport(nil, nil)
		_, err := t.Connect(context.Background(), device.Handle{}, false)
		s.Error(err)
	})
}

func TestTransportTestSuite(t *testing.T) {
	suite.Run(t, new(TransportTestSuite))
}
