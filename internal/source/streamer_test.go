// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package source

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/codplayer/internal/archive"
	"github.com/rapidaai/codplayer/internal/disc"
	"github.com/rapidaai/codplayer/pkg/commons"
)

// secBytes is one second of PCM.
const secBytes = disc.SampleRate * disc.FrameBytes

func testLogger(t *testing.T) commons.Logger {
	t.Helper()
	logger, err := commons.NewApplicationLogger(commons.Name("test-source"), commons.Level("debug"))
	require.NoError(t, err)
	return logger
}

// writeDisc archives a three-track disc (3s / 2s / 3s) with a fully
// written data file and returns the store and record.
func writeDisc(t *testing.T, mutate func(*disc.Disc)) (*archive.Store, *disc.Disc) {
	t.Helper()
	store, err := archive.NewStore(t.TempDir(), testLogger(t))
	require.NoError(t, err)

	toc := &disc.TOC{
		Tracks: []disc.TOCTrack{
			{Number: 1, Start: 0, Length: 3 * disc.SectorsPerSecond},
			{Number: 2, Start: 3 * disc.SectorsPerSecond, Length: 2 * disc.SectorsPerSecond},
			{Number: 3, Start: 5 * disc.SectorsPerSecond, Length: 3 * disc.SectorsPerSecond},
		},
		Leadout: 8 * disc.SectorsPerSecond,
	}
	d, err := disc.NewDiscFromTOC(toc, archive.DataFileName)
	require.NoError(t, err)
	if mutate != nil {
		mutate(d)
	}
	_, err = store.CreateDisc(d, toc)
	require.NoError(t, err)

	total := d.Tracks[len(d.Tracks)-1].FileOffset + d.Tracks[len(d.Tracks)-1].Length
	data := make([]byte, total)
	for i := range data {
		data[i] = byte(i) // recognizable pattern
	}
	require.NoError(t, os.WriteFile(store.DataFile(d), data, 0o644))
	return store, d
}

func collect(t *testing.T, ch <-chan *Packet) []*Packet {
	t.Helper()
	var out []*Packet
	timeout := time.After(5 * time.Second)
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, p)
		case <-timeout:
			t.Fatal("streamer did not finish")
		}
	}
}

func TestStream_WholeDisc(t *testing.T) {
	store, d := writeDisc(t, nil)
	s := NewStreamer(store, testLogger(t))

	pkts := collect(t, s.Stream(context.Background(), d, 1, 0))
	require.NotEmpty(t, pkts)

	// 8 seconds of audio at 10 packets per second.
	assert.Len(t, pkts, 8*PacketsPerSecond)

	// Ordered, contiguous file offsets.
	var expect int64
	for _, p := range pkts {
		assert.Equal(t, expect, p.FileOffset)
		expect += int64(len(p.Data))
	}

	// Track boundaries and markers.
	assert.Equal(t, 1, pkts[0].Track)
	assert.Equal(t, 1, pkts[0].Index)
	assert.Equal(t, 0, pkts[0].Position())
	last := pkts[len(pkts)-1]
	assert.Equal(t, 3, last.Track)
	assert.True(t, last.LastInTrack)
	assert.True(t, last.LastInStream)

	// Exactly one LastInTrack per track.
	marks := 0
	for _, p := range pkts {
		if p.LastInTrack {
			marks++
		}
	}
	assert.Equal(t, 3, marks)

	// Data matches the file content.
	assert.Equal(t, byte(0), pkts[0].Data[0])
	assert.Equal(t, byte(1), pkts[0].Data[1])
}

func TestStream_SkippedTrackIsNeverEmitted(t *testing.T) {
	store, d := writeDisc(t, func(d *disc.Disc) {
		d.Tracks[1].Skip = true
	})
	s := NewStreamer(store, testLogger(t))

	pkts := collect(t, s.Stream(context.Background(), d, 1, 0))
	seen := map[int]bool{}
	for _, p := range pkts {
		seen[p.Track] = true
	}
	assert.True(t, seen[1])
	assert.False(t, seen[2], "skipped track must not appear")
	assert.True(t, seen[3])
}

func TestStream_PauseAfterSetsPauseBeforeOnNextTrack(t *testing.T) {
	store, d := writeDisc(t, func(d *disc.Disc) {
		d.Tracks[0].PauseAfter = true
		d.Tracks[1].Skip = true
	})
	s := NewStreamer(store, testLogger(t))

	pkts := collect(t, s.Stream(context.Background(), d, 1, 0))

	var lastOf1, firstOf3 *Packet
	for _, p := range pkts {
		if p.Track == 1 && p.LastInTrack {
			lastOf1 = p
		}
		if p.Track == 3 && firstOf3 == nil {
			firstOf3 = p
		}
	}
	require.NotNil(t, lastOf1)
	require.NotNil(t, firstOf3)
	assert.True(t, lastOf1.PauseAfter)
	assert.True(t, firstOf3.PauseBefore,
		"pause lands on the first packet of the following non-skipped track")
}

func TestStream_StartAtTrackAndSeek(t *testing.T) {
	store, d := writeDisc(t, nil)
	s := NewStreamer(store, testLogger(t))

	pkts := collect(t, s.Stream(context.Background(), d, 2, 1))
	require.NotEmpty(t, pkts)
	assert.Equal(t, 2, pkts[0].Track)
	assert.Equal(t, 1, pkts[0].Position())
	assert.Equal(t, d.Tracks[1].FileOffset+secBytes, pkts[0].FileOffset)
}

func TestStream_PregapPlayback(t *testing.T) {
	store, d := writeDisc(t, func(d *disc.Disc) {
		// One second of track 2's span is pregap.
		d.Tracks[1].PregapOffset = secBytes
	})
	s := NewStreamer(store, testLogger(t))

	pkts := collect(t, s.Stream(context.Background(), d, 1, 0))

	var pregap []*Packet
	for _, p := range pkts {
		if p.Track == 2 && p.Index == 0 {
			pregap = append(pregap, p)
		}
	}
	require.Len(t, pregap, PacketsPerSecond, "sequential play passes through the pregap")
	assert.Equal(t, -1, pregap[0].Position())
	assert.Negative(t, pregap[0].AbsPos)

	// An explicit start at the same track skips the pregap...
	direct := collect(t, s.Stream(context.Background(), d, 2, 0))
	assert.Equal(t, 1, direct[0].Index, "seek to 0 starts at index 1")
	assert.Equal(t, 0, direct[0].Position())

	// ...and a negative seek lands inside it.
	back := collect(t, s.Stream(context.Background(), d, 2, -1))
	assert.Equal(t, 0, back[0].Index)
	assert.Negative(t, back[0].Position())
}

func TestStream_IndexMarks(t *testing.T) {
	store, d := writeDisc(t, func(d *disc.Disc) {
		d.Tracks[0].Index = []int64{secBytes}
	})
	s := NewStreamer(store, testLogger(t))

	pkts := collect(t, s.Stream(context.Background(), d, 1, 0))
	var beforeMark, afterMark *Packet
	for _, p := range pkts {
		if p.Track != 1 {
			break
		}
		if p.FileOffset < secBytes {
			beforeMark = p
		} else if afterMark == nil {
			afterMark = p
		}
	}
	require.NotNil(t, beforeMark)
	require.NotNil(t, afterMark)
	assert.Equal(t, 1, beforeMark.Index)
	assert.Equal(t, 2, afterMark.Index)
}

func TestStream_WaitsForLiveRip(t *testing.T) {
	store, d := writeDisc(t, nil)

	// Truncate the file to half of track 1; the "rip" completes it
	// shortly after streaming starts.
	full, err := os.ReadFile(store.DataFile(d))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.DataFile(d), full[:secBytes], 0o644))

	var ripping atomic.Bool
	ripping.Store(true)
	s := NewStreamer(store, testLogger(t),
		WithPollInterval(10*time.Millisecond),
		WithRipProbe(func(string) bool { return ripping.Load() }),
	)

	go func() {
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, os.WriteFile(store.DataFile(d), full, 0o644))
		ripping.Store(false)
	}()

	pkts := collect(t, s.Stream(context.Background(), d, 1, 0))
	assert.Len(t, pkts, 8*PacketsPerSecond, "stream must deliver the full disc once the rip catches up")
}

func TestStream_TruncatedRipEndsStream(t *testing.T) {
	store, d := writeDisc(t, nil)
	full, err := os.ReadFile(store.DataFile(d))
	require.NoError(t, err)
	cut := 4*secBytes + 100 // mid track 2, not frame aligned
	require.NoError(t, os.WriteFile(store.DataFile(d), full[:cut], 0o644))

	s := NewStreamer(store, testLogger(t))
	pkts := collect(t, s.Stream(context.Background(), d, 1, 0))
	require.NotEmpty(t, pkts)

	last := pkts[len(pkts)-1]
	assert.True(t, last.LastInStream)
	assert.Equal(t, 2, last.Track)
	assert.Zero(t, len(last.Data)%disc.FrameBytes, "truncated tail is frame aligned")
}

func TestStream_CancelStopsPromptly(t *testing.T) {
	store, d := writeDisc(t, nil)
	s := NewStreamer(store, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Stream(ctx, d, 1, 0)
	<-ch
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after cancel")
		}
	}
}

func TestPacketPosition(t *testing.T) {
	tests := []struct {
		abs  int64
		want int
	}{
		{0, 0},
		{disc.SampleRate - 1, 0},
		{disc.SampleRate, 1},
		{-1, -1},
		{-disc.SampleRate, -1},
		{-disc.SampleRate - 1, -2},
	}
	for _, tt := range tests {
		p := &Packet{AbsPos: tt.abs}
		assert.Equal(t, tt.want, p.Position(), "abs %d", tt.abs)
	}
}
