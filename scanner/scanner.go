package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/groutine"
	"github.com/srg/blelink/internal/ringchan"
)

// DefaultUpdateBuffer is the number of undelivered updates kept per session.
// Updates carry cumulative snapshots, so dropping older ones loses nothing.
const DefaultUpdateBuffer = 64

// ErrInvalidDuration is returned by Start for a negative scan duration.
var ErrInvalidDuration = errors.New("scan duration must not be negative")

// Snapshot maps a hardware address to the latest observation of that device.
type Snapshot map[string]device.Handle

// Sorted returns the snapshot entries ordered by address.
func (s Snapshot) Sorted() []device.Handle {
	devs := make([]device.Handle, 0, len(s))
	for _, h := range s {
		devs = append(devs, h)
	}
	sort.Slice(devs, func(i, j int) bool {
		return devs[i].Address < devs[j].Address
	})
	return devs
}

// Update is one element of a scan stream.
type Update struct {
	Devices Snapshot      // every address seen so far, latest observation each
	Device  device.Handle // observation that triggered the update; zero on Final
	New     bool          // Device was seen for the first time
	Final   bool          // scan stopped; no more updates follow
	Err     error         // *device.ScanError when the radio failed
}

// Status renders the update the way presenters show scan progress.
func (u Update) Status() string {
	switch {
	case u.Err != nil:
		return u.Err.Error()
	case !u.Final:
		return fmt.Sprintf("Scanning... %d device(s) found", len(u.Devices))
	case len(u.Devices) == 0:
		return "No devices found"
	default:
		return fmt.Sprintf("Scan complete: %d device(s) found", len(u.Devices))
	}
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration     time.Duration // 0 scans until Stop
	Filter       device.ScanFilter
	Settings     device.ScanSettings
	UpdateBuffer int
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:     5 * time.Second,
		UpdateBuffer: DefaultUpdateBuffer,
	}
}

// Session runs one discovery scan at a time over a device.Scanner.
type Session struct {
	radio  device.Scanner
	logger *logrus.Logger

	mu  sync.Mutex
	run *scanRun
}

// scanRun is the state of a single Start..Stop cycle.
type scanRun struct {
	opts     ScanOptions
	devices  *hashmap.Map[string, device.Handle]
	updates  *ringchan.Channel[Update]
	observed chan device.Handle
	cancel   context.CancelFunc
	timer    *time.Timer
	stopOnce sync.Once
	done     chan struct{}
	err      error
}

// NewSession creates a scan session over radio.
func NewSession(radio device.Scanner, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	return &Session{
		radio:  radio,
		logger: logger,
	}
}

// Start begins scanning and returns the update stream. Each new or updated
// observation produces an Update carrying the full snapshot. The stream ends
// with exactly one Final update and is then closed.
//
// A positive Duration stops the scan automatically; manual Stop before the
// deadline cancels the pending auto-stop. Cancelling ctx also stops the scan.
func (s *Session) Start(ctx context.Context, opts *ScanOptions) (<-chan Update, error) {
	if opts == nil {
		opts = DefaultScanOptions()
	}
	if opts.Duration < 0 {
		return nil, ErrInvalidDuration
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run != nil && !s.run.finished() {
		return nil, device.ScanFailure(device.ScanFailureAlreadyStarted, nil)
	}

	buffer := opts.UpdateBuffer
	if buffer <= 0 {
		buffer = DefaultUpdateBuffer
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &scanRun{
		opts:     *opts,
		devices:  hashmap.New[string, device.Handle](),
		updates:  ringchan.New[Update](buffer),
		observed: make(chan device.Handle),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.run = run

	s.logger.WithFields(logrus.Fields{
		"duration": opts.Duration,
		"mode":     opts.Settings.Mode,
	}).Info("Starting BLE scan...")

	if opts.Duration > 0 {
		run.timer = time.AfterFunc(opts.Duration, func() {
			s.logger.WithField("duration", opts.Duration).Debug("Scan duration elapsed, stopping")
			run.stop()
		})
	}

	radioDone := make(chan error, 1)
	groutine.Go(runCtx, "scan-radio", func(ctx context.Context) {
		radioDone <- s.radio.Scan(ctx, run.opts.Filter, run.opts.Settings, func(h device.Handle) {
			select {
			case run.observed <- h:
			case <-ctx.Done():
			}
		})
	})
	groutine.Go(runCtx, "scan-session", func(ctx context.Context) {
		s.loop(ctx, run, radioDone)
	})

	return run.updates.C(), nil
}

// loop is the only writer of the run's registry. It finishes the run only
// after the radio scan returned, so a stopped session never holds the radio.
func (s *Session) loop(ctx context.Context, run *scanRun, radioDone <-chan error) {
	s.logger.WithField("goroutine", groutine.GetName(ctx)).Debug("Scan loop started")

	for {
		select {
		case h := <-run.observed:
			s.observe(run, h)

		case err := <-radioDone:
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				err = nil
			}
			s.finish(run, classifyScanError(err))
			return

		case <-ctx.Done():
			// the radio callback selects on ctx, so this cannot block
			<-radioDone
			s.finish(run, nil)
			return
		}
	}
}

func (s *Session) observe(run *scanRun, h device.Handle) {
	if !run.opts.Filter.Match(h) {
		return
	}

	key := device.NormalizeAddress(h.Address)
	_, existing := run.devices.Get(key)
	run.devices.Set(key, h)

	if !existing {
		fields := logrus.Fields{
			"device":  h.DisplayName(),
			"address": h.Address,
		}
		if h.RSSI != nil {
			fields["rssi"] = *h.RSSI
		}
		s.logger.WithFields(fields).Info("Discovered new device")
	}

	run.updates.Send(Update{
		Devices: run.snapshot(),
		Device:  h,
		New:     !existing,
	})
}

func (s *Session) finish(run *scanRun, err error) {
	run.stop()
	if run.timer != nil {
		run.timer.Stop()
	}
	run.err = err

	final := Update{Devices: run.snapshot(), Final: true, Err: err}
	run.updates.Send(final)
	close(run.done)
	run.updates.Close()

	if err != nil {
		s.logger.WithError(err).Error("BLE scan failed")
		return
	}
	s.logger.WithFields(logrus.Fields{
		"device_count":    len(final.Devices),
		"dropped_updates": run.updates.GetMetrics().Overwritten,
	}).Info("BLE scan completed")
}

// Stop cancels the running scan and waits for its final update to be
// emitted. It is safe to call any number of times, before or after the scan
// stopped on its own.
func (s *Session) Stop() {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()

	if run == nil {
		return
	}
	run.stop()
	<-run.done
}

// IsScanning reports whether a scan is active
func (s *Session) IsScanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil && !s.run.finished()
}

// Results returns a snapshot of the current or most recent scan.
func (s *Session) Results() Snapshot {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()

	if run == nil {
		return Snapshot{}
	}
	return run.snapshot()
}

// Device returns the latest observation of addr from the current or most
// recent scan.
func (s *Session) Device(addr string) (device.Handle, bool) {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()

	if run == nil {
		return device.Handle{}, false
	}
	return run.devices.Get(device.NormalizeAddress(addr))
}

// Err returns the failure that ended the most recent scan, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()

	if run == nil || !run.finished() {
		return nil
	}
	return run.err
}

func (r *scanRun) stop() {
	r.stopOnce.Do(r.cancel)
}

func (r *scanRun) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *scanRun) snapshot() Snapshot {
	snap := make(Snapshot, r.devices.Len())
	r.devices.Range(func(key string, value device.Handle) bool {
		snap[key] = value
		return true
	})
	return snap
}

// classifyScanError keeps typed scan failures and wraps anything else as an
// unknown scan error.
func classifyScanError(err error) error {
	if err == nil {
		return nil
	}
	var serr *device.ScanError
	if errors.As(err, &serr) {
		return err
	}
	return device.ScanFailure(device.ScanFailureUnknown, err)
}
