// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package source

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/rapidaai/codplayer/internal/archive"
	"github.com/rapidaai/codplayer/internal/disc"
	"github.com/rapidaai/codplayer/pkg/commons"
)

// RipProbe reports whether the disc's PCM file is still being appended to.
// The streamer uses it to tell a short read from a truncated rip apart
// from a rip that just has not caught up yet.
type RipProbe func(discID string) bool

// Streamer produces the ordered lazy packet sequence for one disc. It is
// restartable: every Stream call opens a fresh sequence at the requested
// position, and cancelling the context ends it.
type Streamer struct {
	logger commons.Logger
	store  *archive.Store

	poll    time.Duration
	ripping RipProbe
}

// Option configures a Streamer.
type Option func(*Streamer)

// WithPollInterval bounds how long the streamer sleeps while waiting for
// a live rip to produce more bytes.
func WithPollInterval(d time.Duration) Option {
	return func(s *Streamer) { s.poll = d }
}

// WithRipProbe installs the live-rip probe. Without one, short files end
// the stream.
func WithRipProbe(p RipProbe) Option {
	return func(s *Streamer) { s.ripping = p }
}

func NewStreamer(store *archive.Store, logger commons.Logger, opts ...Option) *Streamer {
	s := &Streamer{
		logger: logger,
		store:  store,
		poll:   500 * time.Millisecond,
		ripping: func(string) bool {
			return false
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stream starts the packet sequence of d at the given track number and
// position (seconds after the track's index 1, may be negative to land in
// the pregap). Tracks flagged skip are omitted entirely. The channel is
// closed at end of stream or when ctx is cancelled.
func (s *Streamer) Stream(ctx context.Context, d *disc.Disc, startTrack, startSecond int) <-chan *Packet {
	out := make(chan *Packet, 2)
	go func() {
		defer close(out)
		if err := s.run(ctx, d, startTrack, startSecond, out); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Errorw("Streamer stopped", "disc_id", d.ID, "error", err)
		}
	}()
	return out
}

func (s *Streamer) run(ctx context.Context, d *disc.Disc, startTrack, startSecond int, out chan<- *Packet) error {
	// Collect the played sequence: stored order minus skipped tracks,
	// starting at the requested track number.
	var tracks []*disc.Track
	for i := range d.Tracks {
		t := &d.Tracks[i]
		if t.Skip || t.Number < startTrack {
			continue
		}
		tracks = append(tracks, t)
	}
	if len(tracks) == 0 {
		return nil
	}

	f, err := s.openData(ctx, d)
	if err != nil {
		return err
	}
	defer f.Close()

	pausePending := false
	for ti, t := range tracks {
		first := ti == 0
		lastTrack := ti == len(tracks)-1

		// Sequential play enters each track through its pregap; an
		// explicit start lands at index 1 plus the requested offset
		// (negative offsets count back into the pregap).
		var startByte int64
		if first {
			startByte = t.PregapOffset + int64(startSecond)*disc.SampleRate*disc.FrameBytes
			if startByte < 0 {
				startByte = 0
			}
			if startByte >= t.Length {
				startByte = t.Length - packetBytes()
				if startByte < 0 {
					startByte = 0
				}
			}
			startByte -= startByte % int64(disc.FrameBytes)
		}

		if err := s.streamTrack(ctx, d, f, t, startByte, lastTrack, &pausePending, out); err != nil {
			return err
		}
	}
	return nil
}

func packetBytes() int64 {
	return int64(FramesPerPacket * disc.FrameBytes)
}

// streamTrack emits the packets of one track span starting at startByte
// (relative to the span start).
func (s *Streamer) streamTrack(ctx context.Context, d *disc.Disc, f *os.File, t *disc.Track,
	startByte int64, lastTrack bool, pausePending *bool, out chan<- *Packet) error {

	// Pregap silence exists on the disc but not in the file; synthesize
	// it so the countdown starts at the disc's true pregap length.
	if startByte == 0 && t.PregapSilence > 0 {
		for off := -t.PregapSilence; off < 0; off += packetBytes() {
			n := packetBytes()
			if -off < n {
				n = -off
			}
			p := &Packet{
				DiscID:     d.ID,
				Track:      t.Number,
				Index:      0,
				FileOffset: t.FileOffset,
				Frames:     int(n) / disc.FrameBytes,
				AbsPos:     (off - t.PregapOffset) / disc.FrameBytes,
				Data:       make([]byte, n),
			}
			if *pausePending {
				p.PauseBefore = true
				*pausePending = false
			}
			if err := send(ctx, out, p); err != nil {
				return err
			}
		}
	}

	for off := startByte; off < t.Length; {
		n := packetBytes()
		if off+n > t.Length {
			n = t.Length - off
		}

		p := &Packet{
			DiscID:     d.ID,
			Track:      t.Number,
			FileOffset: t.FileOffset + off,
			Frames:     int(n) / disc.FrameBytes,
			AbsPos:     (off - t.PregapOffset) / disc.FrameBytes,
			Data:       make([]byte, n),
		}
		p.Index = trackIndex(t, off)
		if *pausePending {
			p.PauseBefore = true
			*pausePending = false
		}

		read, err := s.readFull(ctx, d, f, p.Data, p.FileOffset)
		if err != nil {
			return err
		}
		if read < len(p.Data) {
			// The rip ended short of the TOC's promise. Deliver what
			// exists and end the stream; the disc re-rips on a later
			// insertion.
			if read == 0 {
				return nil
			}
			p.Data = p.Data[:read-read%disc.FrameBytes]
			p.Frames = len(p.Data) / disc.FrameBytes
			p.LastInTrack = true
			p.LastInStream = true
			return send(ctx, out, p)
		}

		off += n
		if off >= t.Length {
			p.LastInTrack = true
			p.PauseAfter = t.PauseAfter
			p.LastInStream = lastTrack
			if t.PauseAfter && !lastTrack {
				*pausePending = true
			}
		}
		if err := send(ctx, out, p); err != nil {
			return err
		}
	}
	return nil
}

// trackIndex maps a span-relative byte offset to the CD index number:
// 0 inside the pregap, 1 from the audible start, 2.. past the stored
// index marks.
func trackIndex(t *disc.Track, off int64) int {
	if off < t.PregapOffset {
		return 0
	}
	ix := 1
	for _, mark := range t.Index {
		if off >= mark {
			ix++
		}
	}
	return ix
}

// openData opens the disc's PCM file, waiting for the ripper to create it
// when the rip is still in progress.
func (s *Streamer) openData(ctx context.Context, d *disc.Disc) (*os.File, error) {
	for {
		f, err := os.Open(s.store.DataFile(d))
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, fs.ErrNotExist) || !s.ripping(d.ID) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.poll):
		}
	}
}

// readFull reads len(buf) bytes at off, waiting for a live rip to catch
// up. It returns short only when the rip is over and the file will not
// grow any further.
func (s *Streamer) readFull(ctx context.Context, d *disc.Disc, f *os.File, buf []byte, off int64) (int, error) {
	read := 0
	finalAttempt := false
	for read < len(buf) {
		n, err := f.ReadAt(buf[read:], off+int64(read))
		read += n
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) {
			return read, err
		}
		if finalAttempt {
			return read, nil
		}
		if !s.ripping(d.ID) {
			// The rip may have finished between the read and the probe;
			// one more read picks up its final bytes.
			finalAttempt = true
			continue
		}
		select {
		case <-ctx.Done():
			return read, ctx.Err()
		case <-time.After(s.poll):
		}
	}
	return read, nil
}

func send(ctx context.Context, out chan<- *Packet, p *Packet) error {
	select {
	case out <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
