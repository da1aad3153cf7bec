package main

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter redraws a single status line with elapsed or remaining time.
//
// Usage:
//
//	p := NewProgressPrinter(w, "Scanning for BLE devices", 5*time.Second)
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use. Start may be called at most once, and Stop
// should be called exactly once. After Stop, the instance cannot be restarted.
type ProgressPrinter struct {
	w         io.Writer
	prefix    string
	status    atomic.Value // string
	startTime time.Time
	ticker    atomic.Pointer[time.Ticker]
	stopChan  chan struct{}
	done      chan struct{} // closed when goroutine exits
	started   atomic.Bool
	duration  time.Duration // 0 counts up
}

// NewProgressPrinter creates a printer that counts down from duration, or
// counts up when duration is zero.
func NewProgressPrinter(w io.Writer, prefix string, duration time.Duration) *ProgressPrinter {
	p := &ProgressPrinter{
		w:        w,
		prefix:   prefix,
		duration: duration,
	}
	p.status.Store("starting")
	return p
}

// Start begins displaying progress updates in a background goroutine.
// Panics if called more than once on the same ProgressPrinter instance.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}

	p.done = make(chan struct{})
	p.stopChan = make(chan struct{})
	p.startTime = time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	p.print(0)

	go func() {
		defer close(p.done)

		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				p.print(p.seconds(time.Since(p.startTime)))
			}
		}
	}()
}

func (p *ProgressPrinter) seconds(elapsed time.Duration) int {
	if p.duration == 0 {
		return int(elapsed.Seconds())
	}
	remaining := p.duration - elapsed
	if remaining <= 0 {
		return 0
	}
	// Round to the nearest second, e.g. 3.7s -> 4s
	return int(remaining.Seconds() + 0.5)
}

func (p *ProgressPrinter) print(seconds int) {
	status := p.status.Load().(string)
	if seconds > 0 {
		fmt.Fprintf(p.w, "\r%s (%s, %ds)   ", p.prefix, status, seconds)
	} else {
		fmt.Fprintf(p.w, "\r%s (%s)   ", p.prefix, status)
	}
}

// SetStatus replaces the status shown next to the prefix. Safe to call from
// any goroutine.
func (p *ProgressPrinter) SetStatus(status string) {
	p.status.Store(status)
}

// Stop stops the progress display and clears the line.
// This function is safe to call multiple times and from multiple goroutines.
func (p *ProgressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return // Already stopped
	}

	ticker.Stop()
	close(p.stopChan)
	<-p.done

	fmt.Fprint(p.w, clearLineSequence)
}
