// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package audio

import (
	"errors"
	"sync"
	"time"

	"github.com/rapidaai/codplayer/internal/disc"
)

// Params is the hardware configuration requested from and confirmed by
// the device. Rate and Channels must come back exactly as requested;
// endianness and period size are negotiable.
type Params struct {
	Channels     int
	Rate         int
	BigEndian    bool
	PeriodFrames int
	Periods      int
}

// PeriodBytes is the period size in bytes for the confirmed parameters.
func (p Params) PeriodBytes() int {
	return p.PeriodFrames * p.Channels * 2
}

// Device is an open PCM playback device, owned exclusively by the sink
// worker. Write blocks until the device consumed the whole period.
type Device interface {
	Write(period []byte) error
	// Prepare recovers the device after an underrun or suspend.
	Prepare() error
	// Pause and Resume may fail on hardware that cannot pause; the sink
	// advances its logical state regardless.
	Pause() error
	Resume() error
	// Drain plays out everything queued in the hardware buffer.
	Drain() error
	// Drop discards whatever the hardware still holds.
	Drop() error
	Close() error
}

// Opener opens the playback device and negotiates parameters. The sink
// retries the open with backoff on error, so a missing device at startup
// is not fatal.
type Opener interface {
	Open(req Params) (Device, Params, error)
}

// Probe opens the playback device once with the standard CD parameters
// and closes it again. The daemon calls it at startup when it is not
// configured to come up without a device: a failure here fails fast
// instead of handing an absent device to the sink's retry loop.
func Probe(opener Opener) error {
	dev, _, err := opener.Open(Params{
		Channels:     disc.Channels,
		Rate:         disc.SampleRate,
		BigEndian:    true,
		PeriodFrames: 4096,
		Periods:      4,
	})
	if err != nil {
		return err
	}
	return dev.Close()
}

// ============================================================================
// Fake device (tests, and the -no-audio development mode)
// ============================================================================

// FakeOpener hands out FakeDevices, optionally failing the first opens to
// exercise the sink's retry path.
type FakeOpener struct {
	mu        sync.Mutex
	FailOpens int
	OpenErr   error
	// ForceLittleEndian simulates hardware that rejects big-endian
	// samples, forcing the sink to byte-swap.
	ForceLittleEndian bool
	// Realtime makes Write pace itself like real hardware.
	Realtime bool

	Opened  []*FakeDevice
	current *FakeDevice
}

func (o *FakeOpener) Open(req Params) (Device, Params, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.FailOpens > 0 {
		o.FailOpens--
		err := o.OpenErr
		if err == nil {
			err = errors.New("no such file or directory")
		}
		return nil, Params{}, err
	}
	actual := req
	if o.ForceLittleEndian {
		actual.BigEndian = false
	}
	d := &FakeDevice{
		params:   actual,
		realtime: o.Realtime,
	}
	o.Opened = append(o.Opened, d)
	o.current = d
	return d, actual, nil
}

// Current returns the most recently opened device.
func (o *FakeOpener) Current() *FakeDevice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// FakeDevice records everything written to it.
type FakeDevice struct {
	mu       sync.Mutex
	params   Params
	realtime bool

	written  []byte
	writeErr error

	paused   bool
	drained  bool
	dropped  bool
	closed   bool
	prepares int
}

// FailNextWrite makes the next Write return err once.
func (d *FakeDevice) FailNextWrite(err error) {
	d.mu.Lock()
	d.writeErr = err
	d.mu.Unlock()
}

func (d *FakeDevice) Write(period []byte) error {
	d.mu.Lock()
	if d.writeErr != nil {
		err := d.writeErr
		d.writeErr = nil
		d.mu.Unlock()
		return err
	}
	d.written = append(d.written, period...)
	realtime := d.realtime
	params := d.params
	d.mu.Unlock()

	if realtime {
		time.Sleep(time.Duration(params.PeriodFrames) * time.Second / time.Duration(params.Rate))
	}
	return nil
}

func (d *FakeDevice) Prepare() error {
	d.mu.Lock()
	d.prepares++
	d.mu.Unlock()
	return nil
}

func (d *FakeDevice) Pause() error {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
	return nil
}

func (d *FakeDevice) Resume() error {
	d.mu.Lock()
	d.paused = false
	d.mu.Unlock()
	return nil
}

func (d *FakeDevice) Drain() error {
	d.mu.Lock()
	d.drained = true
	d.mu.Unlock()
	return nil
}

func (d *FakeDevice) Drop() error {
	d.mu.Lock()
	d.dropped = true
	d.mu.Unlock()
	return nil
}

func (d *FakeDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// Written returns a copy of all bytes the device consumed.
func (d *FakeDevice) Written() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.written...)
}

// Paused reports the device pause state.
func (d *FakeDevice) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// Closed reports whether Close was called.
func (d *FakeDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Dropped reports whether Drop was called.
func (d *FakeDevice) Dropped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Drained reports whether Drain was called.
func (d *FakeDevice) Drained() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drained
}

// Prepares returns how many times the device was re-prepared.
func (d *FakeDevice) Prepares() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prepares
}
