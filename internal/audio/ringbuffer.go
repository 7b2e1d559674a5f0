// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package audio is the realtime playback path: a period-partitioned ring
// buffer between the transport (producer) and the PCM sink worker
// (consumer), and the sink itself.
package audio

import (
	"fmt"
	"sync"

	"github.com/rapidaai/codplayer/internal/disc"
	"github.com/rapidaai/codplayer/internal/source"
)

// BufferSeconds is how much audio the ring buffer spans, rounded down to
// whole periods.
const BufferSeconds = 5

// MaxPeriodsPerSecond bounds the bookkeeping overhead: devices that insist
// on smaller periods than this allows are refused.
const MaxPeriodsPerSecond = 40

// RingBuffer is the single-producer single-consumer FIFO of PCM bytes
// between the transport and the sink worker. The byte array is partitioned
// into device periods, and each period carries a reference to the source
// packet whose bytes it holds, so the consumer side can always answer
// "what is audible right now".
//
// One mutex protects everything here and is never held across a device
// call: the consumer takes a period view, releases the lock, writes to the
// device, then advances. The array is never reallocated or truncated while
// the buffer lives, so a consumer's in-flight view stays valid even across
// a concurrent reset.
type RingBuffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf        []byte
	periodSize int
	periods    int

	playPos  int // consumer read offset, whole periods
	dataEnd  int // producer write offset
	dataSize int // bytes buffered

	tags []*source.Packet // one owning packet per period

	// accepting is the sink's "buffer is active" bit: append refuses
	// immediately when it is off.
	accepting bool

	deviceErr error

	// Tripwire snapshots: what the producer saw on its last return.
	reportedPacket *source.Packet
	reportedErr    error
}

// NewRingBuffer sizes the buffer for the negotiated device period.
func NewRingBuffer(periodSize int) (*RingBuffer, error) {
	bytesPerSecond := disc.SampleRate * disc.FrameBytes
	if periodSize <= 0 || periodSize%disc.FrameBytes != 0 {
		return nil, fmt.Errorf("invalid period size %d", periodSize)
	}
	if bytesPerSecond/periodSize > MaxPeriodsPerSecond {
		return nil, fmt.Errorf("device period %d bytes means more than %d periods/s",
			periodSize, MaxPeriodsPerSecond)
	}

	periods := BufferSeconds * bytesPerSecond / periodSize
	rb := &RingBuffer{
		buf:        make([]byte, periods*periodSize),
		periodSize: periodSize,
		periods:    periods,
		tags:       make([]*source.Packet, periods),
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb, nil
}

// PeriodSize returns the period size in bytes.
func (rb *RingBuffer) PeriodSize() int { return rb.periodSize }

// Append copies as many of the packet's bytes as fit without wrapping at
// the array tail, tagging every period touched. It blocks while the buffer
// is full, returning early when the observable situation changes: the
// packet at the play position moved, or the device error changed. The
// returns are the bytes stored (-1 when the sink no longer accepts data),
// the packet audible at the play position, and the last device error.
func (rb *RingBuffer) Append(pkt *source.Packet, data []byte, swapBytes bool) (int, *source.Packet, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for {
		if !rb.accepting {
			return -1, nil, rb.deviceErr
		}

		n := len(data)
		if free := len(rb.buf) - rb.dataSize; n > free {
			n = free
		}
		if tail := len(rb.buf) - rb.dataEnd; n > tail {
			n = tail
		}

		if n > 0 {
			if swapBytes {
				swapCopy(rb.buf[rb.dataEnd:rb.dataEnd+n], data[:n])
			} else {
				copy(rb.buf[rb.dataEnd:], data[:n])
			}
			for p := rb.dataEnd / rb.periodSize; p <= (rb.dataEnd+n-1)/rb.periodSize; p++ {
				rb.tags[p] = pkt
			}
			rb.dataEnd = (rb.dataEnd + n) % len(rb.buf)
			rb.dataSize += n
			rb.cond.Broadcast()
			return n, rb.noteReported(), rb.deviceErr
		}

		// No room. Return anyway if the play packet or error moved
		// since the producer last looked; otherwise wait.
		playing := rb.playingLocked()
		if playing != rb.reportedPacket || rb.deviceErr != rb.reportedErr { //nolint:errorlint // identity, not equivalence
			return 0, rb.noteReported(), rb.deviceErr
		}
		rb.cond.Wait()
	}
}

// noteReported refreshes the tripwire snapshots; callers hold the mutex.
func (rb *RingBuffer) noteReported() *source.Packet {
	rb.reportedPacket = rb.playingLocked()
	rb.reportedErr = rb.deviceErr
	return rb.reportedPacket
}

func (rb *RingBuffer) playingLocked() *source.Packet {
	return rb.tags[rb.playPos/rb.periodSize]
}

// Playing returns the packet at the play position, which the device is
// (about to be) rendering.
func (rb *RingBuffer) Playing() *source.Packet {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.playingLocked()
}

// TakePeriod returns a view of exactly one period at the play position
// without copying, or nil when less than one period is buffered. The view
// stays valid until AdvancePlay; the array behind it is never reallocated.
func (rb *RingBuffer) TakePeriod() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.dataSize < rb.periodSize {
		return nil
	}
	return rb.buf[rb.playPos : rb.playPos+rb.periodSize]
}

// WaitChange blocks until data is available, the accepting bit turns off,
// or Kick is called. The consumer parks here instead of spinning.
func (rb *RingBuffer) WaitChange() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.dataSize >= rb.periodSize || !rb.accepting {
		return
	}
	rb.cond.Wait()
}

// Kick wakes both sides; the sink calls it after every state change so
// blocked producers and the parked worker re-evaluate the world.
func (rb *RingBuffer) Kick() {
	rb.mu.Lock()
	rb.cond.Broadcast()
	rb.mu.Unlock()
}

// AdvancePlay consumes one period after a successful device write,
// releasing the period's packet reference exactly once.
func (rb *RingBuffer) AdvancePlay() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.dataSize < rb.periodSize {
		return
	}
	rb.tags[rb.playPos/rb.periodSize] = nil
	rb.playPos = (rb.playPos + rb.periodSize) % len(rb.buf)
	rb.dataSize -= rb.periodSize
	rb.cond.Broadcast()
}

// DrainPad zero-fills any partial final period so the consumer only ever
// reads whole periods. A stream ending exactly on a period boundary pads
// nothing.
func (rb *RingBuffer) DrainPad() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	partial := rb.dataSize % rb.periodSize
	if partial == 0 {
		return
	}
	pad := rb.periodSize - partial
	for i := 0; i < pad; i++ {
		rb.buf[(rb.dataEnd+i)%len(rb.buf)] = 0
	}
	rb.dataEnd = (rb.dataEnd + pad) % len(rb.buf)
	rb.dataSize += pad
	rb.cond.Broadcast()
}

// Buffered returns the bytes currently held.
func (rb *RingBuffer) Buffered() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.dataSize
}

// SetAccepting flips the data-accepting bit. Turning it off unblocks any
// producer stuck in Append.
func (rb *RingBuffer) SetAccepting(on bool) {
	rb.mu.Lock()
	rb.accepting = on
	rb.cond.Broadcast()
	rb.mu.Unlock()
}

// SetDeviceError records the sink worker's latest device error (nil to
// clear); the producer observes it through Append's tripwire.
func (rb *RingBuffer) SetDeviceError(err error) {
	rb.mu.Lock()
	rb.deviceErr = err
	rb.cond.Broadcast()
	rb.mu.Unlock()
}

// DeviceError returns the recorded device error.
func (rb *RingBuffer) DeviceError() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.deviceErr
}

// Reset clears positions and drops every packet tag. The byte array stays
// allocated so a consumer mid-device-write keeps a valid view.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	rb.playPos = 0
	rb.dataEnd = 0
	rb.dataSize = 0
	for i := range rb.tags {
		rb.tags[i] = nil
	}
	rb.reportedPacket = nil
	rb.cond.Broadcast()
	rb.mu.Unlock()
}

// swapCopy copies src into dst exchanging the bytes of every 16-bit
// sample, for devices that negotiated the opposite endianness.
func swapCopy(dst, src []byte) {
	n := len(src) &^ 1
	for i := 0; i < n; i += 2 {
		dst[i] = src[i+1]
		dst[i+1] = src[i]
	}
	if n < len(src) {
		dst[n] = src[n]
	}
}
