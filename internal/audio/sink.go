// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package audio

import (
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/rapidaai/codplayer/internal/source"
	"github.com/rapidaai/codplayer/pkg/commons"
)

// State is the sink's single state token. The first arm (Playing through
// Draining) implies an active buffer accepting data; the second arm does
// not.
type State int

const (
	StateClosed State = iota
	StateStarting
	StatePlaying
	StatePausing
	StatePaused
	StateResume
	StateDraining
	StateClosing
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateStarting:
		return "STARTING"
	case StatePlaying:
		return "PLAYING"
	case StatePausing:
		return "PAUSING"
	case StatePaused:
		return "PAUSED"
	case StateResume:
		return "RESUME"
	case StateDraining:
		return "DRAINING"
	case StateClosing:
		return "CLOSING"
	case StateShutdown:
		return "SHUTDOWN"
	}
	return "UNKNOWN"
}

// ErrInvalidState is returned by Start outside CLOSED.
var ErrInvalidState = errors.New("sink not in a valid state for this call")

// Sink owns the audio device and delivers ring-buffer periods to it from
// a dedicated worker, raised to realtime priority where permitted. All
// lifecycle calls are safe from any goroutine; the device handle itself is
// touched only by the worker.
type Sink struct {
	mu   sync.Mutex
	cond *sync.Cond

	state State
	// wasDraining selects drain over drop when the buffer winds down,
	// and restores the right state after a resume.
	wasDraining bool

	opener Opener
	dev    Device
	req    Params
	rb     *RingBuffer
	swap   bool

	// lastErr mirrors the ring buffer's device error for the window
	// before the buffer exists (device absent at start).
	lastErr     error
	reportedErr error

	retryInterval time.Duration
	realtime      bool
	telemetry     bool

	logger commons.Logger
	events chan sinkEvent
	done   chan struct{}

	// write timing accumulator, touched only by the worker
	stats writeStats
}

type sinkEvent struct {
	warn bool
	msg  string
	kv   []interface{}
}

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithRetryInterval overrides the three second device open backoff.
func WithRetryInterval(d time.Duration) SinkOption {
	return func(s *Sink) { s.retryInterval = d }
}

// WithRealtime requests realtime round-robin scheduling for the worker.
func WithRealtime(on bool) SinkOption {
	return func(s *Sink) { s.realtime = on }
}

// WithTelemetry logs once-per-second write timing from the worker.
func WithTelemetry(on bool) SinkOption {
	return func(s *Sink) { s.telemetry = on }
}

// NewSink creates the sink and launches its worker.
func NewSink(opener Opener, logger commons.Logger, opts ...SinkOption) *Sink {
	s := &Sink{
		state:         StateClosed,
		opener:        opener,
		retryInterval: 3 * time.Second,
		logger:        logger,
		events:        make(chan sinkEvent, 64),
		done:          make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	// The worker never calls the logger directly: log records leave it
	// through a bounded queue so a slow log sink cannot stall audio.
	go s.logEvents()
	go s.worker()
	return s
}

// Done closes when the worker has exited, on Shutdown or fatally.
func (s *Sink) Done() <-chan struct{} {
	return s.done
}

// State returns the current state token.
func (s *Sink) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ============================================================================
// Lifecycle API
// ============================================================================

// Start brings the sink out of CLOSED. The device open happens on the
// worker; a missing device is reported through AddPacket's error return
// while the open retries.
func (s *Sink) Start(channels, rate int, bigEndian bool) error {
	s.mu.Lock()
	if s.state != StateClosed {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.req = Params{
		Channels:     channels,
		Rate:         rate,
		BigEndian:    bigEndian,
		PeriodFrames: 4096,
		Periods:      4,
	}
	s.state = StateStarting
	s.lastErr = nil
	s.reportedErr = nil
	rb := s.rb
	s.cond.Broadcast()
	s.mu.Unlock()

	if rb != nil {
		rb.SetAccepting(true)
		rb.Kick()
	}
	return nil
}

// AddPacket feeds PCM into the ring buffer. It blocks until some bytes
// were stored, the audible packet changed, the device error changed, or
// the sink left its data-accepting states (stored == -1).
func (s *Sink) AddPacket(pkt *source.Packet, data []byte) (int, *source.Packet, error) {
	s.mu.Lock()
	for {
		switch s.state {
		case StateClosed, StateClosing, StateShutdown:
			err := s.lastErr
			s.mu.Unlock()
			return -1, nil, err
		}
		if s.rb != nil {
			rb, swap := s.rb, s.swap
			s.mu.Unlock()
			return rb.Append(pkt, data, swap)
		}
		// No buffer yet: the device has not opened once. Report error
		// changes so the transport can publish them.
		if !errSame(s.lastErr, s.reportedErr) {
			s.reportedErr = s.lastErr
			err := s.lastErr
			s.mu.Unlock()
			return 0, nil, err
		}
		s.cond.Wait()
	}
}

// Drain pads the buffer tail and winds playback down. Like AddPacket it
// returns on every observable change; done turns true once the buffer has
// emptied, the device finished, and the sink reached CLOSED.
func (s *Sink) Drain() (*source.Packet, error, bool) {
	s.mu.Lock()
	switch s.state {
	case StatePlaying:
		s.state = StateDraining
		s.wasDraining = true
	case StateDraining, StatePausing, StatePaused, StateResume, StateClosing:
		// already winding down, or paused mid-drain
	default:
		err := s.lastErr
		s.mu.Unlock()
		return nil, err, true
	}
	rb := s.rb
	s.cond.Broadcast()
	s.mu.Unlock()

	if rb == nil {
		// Nothing was ever buffered; closing the session is all a
		// drain can mean here.
		s.Stop()
		return nil, nil, true
	}
	rb.DrainPad()
	rb.Kick()

	stored, playing, err := rb.Append(nil, nil, false)
	if stored == -1 {
		// The worker finished the drain and closed the session.
		s.waitState(StateClosed)
		return nil, err, true
	}
	return playing, err, false
}

// Pause requests a pause; valid while PLAYING or DRAINING. The logical
// state advances even when the hardware cannot pause.
func (s *Sink) Pause() bool {
	s.mu.Lock()
	if s.state != StatePlaying && s.state != StateDraining {
		s.mu.Unlock()
		return false
	}
	s.wasDraining = s.state == StateDraining
	s.state = StatePausing
	rb := s.rb
	s.cond.Broadcast()
	s.mu.Unlock()
	if rb != nil {
		rb.Kick()
	}
	return true
}

// Resume leaves PAUSED, restoring PLAYING or DRAINING.
func (s *Sink) Resume() bool {
	s.mu.Lock()
	if s.state != StatePaused && s.state != StatePausing {
		s.mu.Unlock()
		return false
	}
	s.state = StateResume
	rb := s.rb
	s.cond.Broadcast()
	s.mu.Unlock()
	if rb != nil {
		rb.Kick()
	}
	return true
}

// Stop forces a hardware drop and device close from any state, then waits
// for CLOSED. A no-op when already closed.
func (s *Sink) Stop() {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateShutdown {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	s.wasDraining = false
	rb := s.rb
	s.cond.Broadcast()
	s.mu.Unlock()

	if rb != nil {
		rb.SetAccepting(false)
		rb.Kick()
	}
	s.waitState(StateClosed)
}

// Shutdown stops playback and terminates the worker. The sink cannot be
// used afterwards.
func (s *Sink) Shutdown() {
	s.Stop()
	s.mu.Lock()
	if s.state != StateShutdown {
		s.state = StateShutdown
		s.cond.Broadcast()
	}
	s.mu.Unlock()
	if rb := s.ringBuffer(); rb != nil {
		rb.Kick()
	}
	<-s.done
}

func (s *Sink) ringBuffer() *RingBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rb
}

func (s *Sink) waitState(want State) {
	s.mu.Lock()
	for s.state != want && s.state != StateShutdown {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// ============================================================================
// Worker
// ============================================================================

func (s *Sink) worker() {
	defer close(s.done)

	if s.realtime {
		runtime.LockOSThread()
		if err := setRealtimePriority(); err != nil {
			s.event(true, "Realtime scheduling unavailable, using default",
				"error", err.Error())
		} else {
			s.event(false, "Sink worker running with realtime priority")
		}
	}

	for {
		s.mu.Lock()
		st := s.state
		switch st {
		case StateClosed, StatePaused:
			s.cond.Wait()
			s.mu.Unlock()

		case StateShutdown:
			s.mu.Unlock()
			return

		case StateStarting:
			s.mu.Unlock()
			s.openDevice()

		case StatePlaying, StateDraining:
			dev, rb := s.dev, s.rb
			s.mu.Unlock()
			if dev == nil {
				s.openDevice()
				continue
			}
			s.pump(st, dev, rb)

		case StatePausing:
			dev := s.dev
			s.mu.Unlock()
			var err error
			if dev != nil {
				err = dev.Pause()
			}
			s.mu.Lock()
			if err != nil && s.dev != nil {
				// Music must stop regardless: close so resume reopens.
				s.dev.Close()
				s.dev = nil
				s.event(true, "Device pause failed, closing device", "error", err.Error())
			}
			if s.state == StatePausing {
				s.state = StatePaused
			}
			s.cond.Broadcast()
			s.mu.Unlock()

		case StateResume:
			dev := s.dev
			s.mu.Unlock()
			if dev != nil {
				if err := dev.Resume(); err != nil {
					s.event(true, "Device resume failed", "error", err.Error())
				}
			}
			s.mu.Lock()
			if s.state == StateResume {
				if s.wasDraining {
					s.state = StateDraining
				} else {
					s.state = StatePlaying
				}
			}
			s.cond.Broadcast()
			s.mu.Unlock()

		case StateClosing:
			wasDraining := s.wasDraining
			dev := s.dev
			s.dev = nil
			rb := s.rb
			s.mu.Unlock()

			if dev != nil {
				if wasDraining {
					dev.Drain()
				} else {
					dev.Drop()
				}
				dev.Close()
			}
			if rb != nil {
				rb.SetAccepting(false)
				rb.Reset()
			}

			s.mu.Lock()
			if s.state == StateClosing {
				s.state = StateClosed
			}
			s.wasDraining = false
			s.cond.Broadcast()
			s.mu.Unlock()
		}
	}
}

// openDevice attempts one open and parameter negotiation; on failure it
// records the error and sleeps the retry interval.
func (s *Sink) openDevice() {
	s.mu.Lock()
	req := s.req
	s.mu.Unlock()

	dev, actual, err := s.opener.Open(req)
	if err == nil {
		err = validateParams(req, actual)
		if err != nil {
			dev.Close()
			dev = nil
		}
	}
	if err == nil && s.ringBuffer() != nil && s.ringBuffer().PeriodSize() != actual.PeriodBytes() {
		// The buffer partition is fixed for the sink's lifetime; a
		// device that renegotiates its period on reopen is refused.
		dev.Close()
		dev = nil
		err = errors.New("device changed period size on reopen")
	}

	if err != nil {
		s.setDeviceError(err)
		s.event(true, "Audio device open failed, retrying", "error", err.Error())
		time.Sleep(s.retryInterval)
		return
	}

	var rb *RingBuffer
	if s.ringBuffer() == nil {
		var rbErr error
		rb, rbErr = NewRingBuffer(actual.PeriodBytes())
		if rbErr != nil {
			// No buffer means no playback, ever: treat as fatal.
			dev.Close()
			s.event(true, "Ring buffer allocation failed", "error", rbErr.Error())
			s.mu.Lock()
			s.lastErr = rbErr
			s.state = StateShutdown
			s.cond.Broadcast()
			s.mu.Unlock()
			return
		}
		rb.SetAccepting(true)
	}

	s.mu.Lock()
	if rb != nil {
		s.rb = rb
	}
	s.dev = dev
	s.swap = actual.BigEndian != req.BigEndian
	if s.state == StateStarting {
		s.state = StatePlaying
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	s.setDeviceError(nil)
	s.event(false, "Audio device open",
		"rate", actual.Rate, "channels", actual.Channels,
		"period_frames", actual.PeriodFrames, "swap_bytes", s.swap)
}

func validateParams(req, actual Params) error {
	if actual.Rate != req.Rate {
		return errors.New("device does not support 44100 Hz")
	}
	if actual.Channels != req.Channels {
		return errors.New("device does not support stereo")
	}
	bytesPerSecond := actual.Rate * actual.Channels * 2
	if actual.PeriodBytes() <= 0 || bytesPerSecond/actual.PeriodBytes() > MaxPeriodsPerSecond {
		return errors.New("device period size too small")
	}
	return nil
}

// pump writes one period to the device, handling recovery per ALSA
// conventions: EINTR, EPIPE and ESTRPIPE mean prepare-and-retry once;
// anything else closes the device so the main loop reopens with backoff.
func (s *Sink) pump(st State, dev Device, rb *RingBuffer) {
	buf := rb.TakePeriod()
	if buf == nil {
		if st == StateDraining && rb.Buffered() == 0 {
			s.mu.Lock()
			if s.state == StateDraining {
				s.state = StateClosing
				s.wasDraining = true
			}
			s.mu.Unlock()
			return
		}
		rb.WaitChange()
		return
	}

	start := time.Now()
	err := dev.Write(buf)
	if err != nil && recoverable(err) {
		s.event(true, "Audio device write interrupted, recovering", "error", err.Error())
		if dev.Prepare() == nil {
			err = dev.Write(buf)
		}
	}
	if err != nil {
		s.setDeviceError(err)
		s.event(true, "Audio device write failed, closing device", "error", err.Error())
		s.mu.Lock()
		if s.dev == dev {
			s.dev = nil
		}
		s.mu.Unlock()
		dev.Close()
		return
	}

	rb.AdvancePlay()
	if rb.DeviceError() != nil {
		rb.SetDeviceError(nil)
	}
	if s.telemetry {
		s.noteWrite(time.Since(start), len(buf))
	}
}

// recoverable reports the transient device write failures: an interrupted
// call, an underrun, or a suspend. The errno set is platform-specific.
func recoverable(err error) bool {
	for _, e := range recoverableErrnos {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

func (s *Sink) setDeviceError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.cond.Broadcast()
	rb := s.rb
	s.mu.Unlock()
	if rb != nil {
		rb.SetDeviceError(err)
	}
}

// ============================================================================
// Worker telemetry
// ============================================================================

func (s *Sink) event(warn bool, msg string, kv ...interface{}) {
	select {
	case s.events <- sinkEvent{warn: warn, msg: msg, kv: kv}:
	default:
		// Telemetry never blocks the worker.
	}
}

func (s *Sink) logEvents() {
	for ev := range s.events {
		if ev.warn {
			s.logger.Warnw(ev.msg, ev.kv...)
		} else {
			s.logger.Infow(ev.msg, ev.kv...)
		}
	}
}

type writeStats struct {
	n     int
	bytes int
	total time.Duration
	max   time.Duration
	since time.Time
}

func (s *Sink) noteWrite(d time.Duration, bytes int) {
	if s.stats.since.IsZero() {
		s.stats.since = time.Now()
	}
	s.stats.n++
	s.stats.bytes += bytes
	s.stats.total += d
	if d > s.stats.max {
		s.stats.max = d
	}
	if time.Since(s.stats.since) >= time.Second {
		s.event(false, "Sink write timing",
			"writes", s.stats.n, "bytes", s.stats.bytes,
			"avg_us", int(s.stats.total.Microseconds())/s.stats.n,
			"max_us", int(s.stats.max.Microseconds()))
		s.stats = writeStats{since: time.Now()}
	}
}

func errSame(a, b error) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Error() == b.Error()
}
