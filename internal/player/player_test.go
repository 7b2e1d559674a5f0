// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package player

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/codplayer/internal/archive"
	"github.com/rapidaai/codplayer/internal/audio"
	"github.com/rapidaai/codplayer/internal/cdrom"
	"github.com/rapidaai/codplayer/internal/disc"
	"github.com/rapidaai/codplayer/internal/ripper"
	"github.com/rapidaai/codplayer/pkg/commons"
)

const secBytes = disc.SampleRate * disc.FrameBytes

// ============================================================================
// Harness
// ============================================================================

// recorder captures everything the core publishes, in order.
type recorder struct {
	mu        sync.Mutex
	states    []State
	ripStates []RipState
	discs     []*disc.Disc
	topics    []string
}

func (r *recorder) PublishDisc(d *disc.Disc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discs = append(r.discs, d)
	r.topics = append(r.topics, "disc")
}

func (r *recorder) PublishState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
	r.topics = append(r.topics, "state")
}

func (r *recorder) PublishRipState(rs RipState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ripStates = append(r.ripStates, rs)
	r.topics = append(r.topics, "rip_state")
}

func (r *recorder) allStates() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *recorder) lastState() (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return State{}, false
	}
	return r.states[len(r.states)-1], true
}

func (r *recorder) waitState(t *testing.T, what string, cond func(State) bool) State {
	t.Helper()
	return r.waitStateAfter(t, 0, what, cond)
}

// waitStateAfter scans only states published at index from onwards, so a
// test can wait for a transition that happens after a known point instead
// of matching history.
func (r *recorder) waitStateAfter(t *testing.T, from int, what string, cond func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		states := r.allStates()
		for i := from; i < len(states); i++ {
			if cond(states[i]) {
				return states[i]
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	last, _ := r.lastState()
	t.Fatalf("no state matching %q; last state %+v", what, last)
	return State{}
}

func (r *recorder) stateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

type harness struct {
	store *archive.Store
	drive *cdrom.FakeDrive
	open  *audio.FakeOpener
	rec   *recorder
	p     *Player

	ripSrcDir string
}

type harnessOption func(*harness)

func withRealtimeDevice() harnessOption {
	return func(h *harness) { h.open.Realtime = true }
}

func withFailingOpens(n int) harnessOption {
	return func(h *harness) { h.open.FailOpens = n }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	logger, err := commons.NewApplicationLogger(commons.Name("test-player"), commons.Level("debug"))
	require.NoError(t, err)

	store, err := archive.NewStore(t.TempDir(), logger)
	require.NoError(t, err)

	h := &harness{
		store:     store,
		drive:     &cdrom.FakeDrive{},
		open:      &audio.FakeOpener{},
		rec:       &recorder{},
		ripSrcDir: t.TempDir(),
	}
	for _, opt := range opts {
		opt(h)
	}

	// The ripper "rips" by copying prepared files into the archive.
	rip := ripper.New(store, ripper.Config{
		Device:       "/dev/null",
		AudioCommand: "cp " + filepath.Join(h.ripSrcDir, "audio.raw") + " {file}",
		TOCCommand:   "cp " + filepath.Join(h.ripSrcDir, "full.toc") + " {toc}",
		Timeout:      time.Minute,
	}, logger)

	sink := audio.NewSink(h.open, logger, audio.WithRetryInterval(10*time.Millisecond))
	h.p = New(store, h.drive, rip, sink, h.rec, "test", logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		sink.Shutdown()
	})
	return h
}

// tocFor builds a basic TOC of consecutive tracks with the given lengths
// in seconds.
func tocFor(seconds ...int) *disc.TOC {
	toc := &disc.TOC{}
	start := 0
	for i, s := range seconds {
		toc.Tracks = append(toc.Tracks, disc.TOCTrack{
			Number: i + 1,
			Start:  start,
			Length: s * disc.SectorsPerSecond,
		})
		start += s * disc.SectorsPerSecond
	}
	toc.Leadout = start
	return toc
}

// archiveDisc stores a fully ripped disc so no rip phase is needed.
func (h *harness) archiveDisc(t *testing.T, toc *disc.TOC, mutate func(*disc.Disc)) *disc.Disc {
	t.Helper()
	d, err := disc.NewDiscFromTOC(toc, archive.DataFileName)
	require.NoError(t, err)
	if mutate != nil {
		mutate(d)
	}
	_, err = h.store.CreateDisc(d, toc)
	require.NoError(t, err)
	require.NoError(t, h.store.PutDisc(d))

	total := int64(0)
	for _, tr := range d.Tracks {
		if end := tr.FileOffset + tr.Length; end > total {
			total = end
		}
	}
	data := make([]byte, total)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(h.store.DataFile(d), data, 0o644))

	require.NoError(t, h.store.PutFullTOC(d.ID, tocText(t, toc)))
	return d
}

func tocText(t *testing.T, toc *disc.TOC) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, toc.Write(&buf, archive.DataFileName))
	return buf.Bytes()
}

func (h *harness) command(t *testing.T, cmd string, args ...string) Reply {
	t.Helper()
	return h.p.Command(cmd, args)
}

// ============================================================================
// End-to-end scenarios
// ============================================================================

// Fresh insert then play: NO_DISC → WORKING → PLAY, track changes, STOP at
// the end with the final position on display.
func TestScenario_FreshInsertThenPlay(t *testing.T) {
	h := newHarness(t)

	// A 2s + 3s disc, rip sources prepared for the fake ripper.
	toc := tocFor(2, 3)
	d, err := disc.NewDiscFromTOC(toc, archive.DataFileName)
	require.NoError(t, err)

	audioData := make([]byte, 5*secBytes)
	for i := range audioData {
		audioData[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(h.ripSrcDir, "audio.raw"), audioData, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(h.ripSrcDir, "full.toc"), tocText(t, toc), 0o644))

	h.drive.TOC = toc
	reply := h.command(t, "insert")
	require.NotEqual(t, "error", reply.Kind, "insert failed: %v", reply.Value)

	h.rec.waitState(t, "WORKING", func(s State) bool { return s.State == PhaseWorking })
	h.rec.waitState(t, "PLAY", func(s State) bool { return s.State == PhasePlay })
	h.rec.waitState(t, "track 2", func(s State) bool {
		return s.State == PhasePlay && s.Track == 2
	})
	final := h.rec.waitState(t, "STOP at end", func(s State) bool {
		return s.State == PhaseStop && s.Track == 2
	})
	assert.Equal(t, 3, final.Position, "natural stop keeps the final position")
	assert.Equal(t, 2, final.NoTracks)
	require.NotNil(t, final.DiscID)
	assert.Equal(t, d.ID, *final.DiscID)

	// Every byte reached the device in order (padding may follow).
	written := h.open.Current().Written()
	require.GreaterOrEqual(t, len(written), len(audioData))
	assert.Equal(t, audioData, written[:len(audioData)])

	// The disc announcement preceded the first state naming the disc.
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	firstDisc, firstNamedState := -1, -1
	for i, topic := range h.rec.topics {
		if topic == "disc" && firstDisc < 0 {
			firstDisc = i
		}
	}
	count := 0
	for i, topic := range h.rec.topics {
		if topic != "state" {
			continue
		}
		if h.rec.states[count].DiscID != nil && firstNamedState < 0 {
			firstNamedState = i
		}
		count++
	}
	require.GreaterOrEqual(t, firstDisc, 0)
	require.GreaterOrEqual(t, firstNamedState, 0)
	assert.Less(t, firstDisc, firstNamedState)
}

// Pause/resume mid-track holds the position.
func TestScenario_PauseResume(t *testing.T) {
	h := newHarness(t, withRealtimeDevice())
	d := h.archiveDisc(t, tocFor(3), nil)

	h.command(t, "disc", d.ID)
	h.rec.waitState(t, "PLAY", func(s State) bool { return s.State == PhasePlay })
	time.Sleep(400 * time.Millisecond)

	reply := h.command(t, "pause")
	require.Equal(t, "state", reply.Kind)
	paused := reply.Value.(State)
	assert.Equal(t, PhasePause, paused.State)
	pos := paused.Position

	reply = h.command(t, "play")
	resumed := reply.Value.(State)
	assert.Equal(t, PhasePlay, resumed.State)
	assert.InDelta(t, pos, resumed.Position, 1, "resume within a second of the pause point")
}

// Skip next: a skipped track never surfaces in the published state.
func TestScenario_SkipNext(t *testing.T) {
	h := newHarness(t)
	d := h.archiveDisc(t, tocFor(1, 1, 1), func(d *disc.Disc) {
		d.Tracks[1].Skip = true
	})

	h.command(t, "disc", d.ID)
	h.rec.waitState(t, "PLAY track 1", func(s State) bool {
		return s.State == PhasePlay && s.Track == 1
	})
	h.command(t, "next")
	h.rec.waitState(t, "track 3", func(s State) bool {
		return s.Track == 3 && s.Position == 0
	})

	for _, st := range h.rec.allStates() {
		assert.NotEqual(t, 2, st.Track, "skipped track leaked into state %+v", st)
	}
}

// Pause-after boundary: sink drained, PAUSE shows the next track at 0
// before any of its audio is produced.
func TestScenario_PauseAfterBoundary(t *testing.T) {
	h := newHarness(t)
	d := h.archiveDisc(t, tocFor(1, 1), func(d *disc.Disc) {
		d.Tracks[0].PauseAfter = true
	})
	track1Bytes := int(d.Tracks[0].Length)

	h.command(t, "disc", d.ID)
	h.rec.waitState(t, "boundary pause", func(s State) bool {
		return s.State == PhasePause && s.Track == 2 && s.Position == 0
	})

	// Only track 1 audio (plus padding) has reached the device.
	written := h.open.Current().Written()
	require.GreaterOrEqual(t, len(written), track1Bytes)
	for _, b := range written[track1Bytes:] {
		require.Equal(t, byte(0), b, "audio beyond the boundary must be padding")
	}

	h.command(t, "play")
	h.rec.waitState(t, "finished", func(s State) bool { return s.State == PhaseStop && s.Track == 2 })
}

// Insert of an unknown disc rips and plays concurrently; every byte
// reaches the device in order even though playback starts before the rip
// finishes. (The stall-instead-of-gap behavior of a rip that trails
// playback is pinned down in the streamer and ring buffer tests.)
func TestScenario_InsertRipsAndPlays(t *testing.T) {
	h := newHarness(t)

	toc := tocFor(3)
	audioData := make([]byte, 3*secBytes)
	for i := range audioData {
		audioData[i] = byte(i * 3)
	}
	require.NoError(t, os.WriteFile(filepath.Join(h.ripSrcDir, "full.toc"), tocText(t, toc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(h.ripSrcDir, "audio.raw"), audioData, 0o644))

	h.drive.TOC = toc
	reply := h.command(t, "insert")
	require.NotEqual(t, "error", reply.Kind)

	h.rec.waitState(t, "STOP at end", func(s State) bool { return s.State == PhaseStop })

	written := h.open.Current().Written()
	require.GreaterOrEqual(t, len(written), len(audioData))
	assert.Equal(t, audioData, written[:len(audioData)])
}

// Device missing on start: the open failure surfaces in state.error, then
// clears once the device appears.
func TestScenario_DeviceMissingOnStart(t *testing.T) {
	h := newHarness(t, withFailingOpens(5))
	d := h.archiveDisc(t, tocFor(1), nil)

	h.command(t, "disc", d.ID)

	h.rec.waitState(t, "device error", func(s State) bool {
		return s.Error != nil && *s.Error == "no such file or directory"
	})
	mark := h.rec.stateCount()
	h.rec.waitStateAfter(t, mark, "error cleared", func(s State) bool {
		return s.Error == nil
	})
	h.rec.waitState(t, "playback finished", func(s State) bool { return s.State == PhaseStop })
}

// ============================================================================
// Command table
// ============================================================================

func TestCommand_PlayWithoutDiscIsIgnored(t *testing.T) {
	h := newHarness(t)

	before := h.p.State()
	reply := h.command(t, "play")
	require.Equal(t, "state", reply.Kind)
	assert.Equal(t, before.State, h.p.State().State)
}

func TestCommand_UnknownLeavesStateUntouched(t *testing.T) {
	h := newHarness(t)
	before := h.p.State()

	reply := h.command(t, "frobnicate")
	assert.Equal(t, "error", reply.Kind)
	assert.Equal(t, before, h.p.State())
}

func TestCommand_BadArgumentsAreErrors(t *testing.T) {
	h := newHarness(t)
	d := h.archiveDisc(t, tocFor(1, 1), nil)
	h.command(t, "disc", d.ID)
	h.rec.waitState(t, "PLAY", func(s State) bool { return s.State == PhasePlay })

	tests := [][]string{
		{"play_track"},
		{"play_track", "nine"},
		{"play_track", "7"}, // no such track
		{"seek", "a bit"},
		{"disc"},
		{"disc", "not-a-disc-id"},
	}
	for _, cmd := range tests {
		reply := h.p.Command(cmd[0], cmd[1:])
		assert.Equal(t, "error", reply.Kind, "command %v must be rejected", cmd)
	}
}

func TestCommand_StopKeepsDiscLoaded(t *testing.T) {
	h := newHarness(t)
	d := h.archiveDisc(t, tocFor(2), nil)
	h.command(t, "disc", d.ID)
	h.rec.waitState(t, "PLAY", func(s State) bool { return s.State == PhasePlay })

	reply := h.command(t, "stop")
	st := reply.Value.(State)
	assert.Equal(t, PhaseStop, st.State)
	require.NotNil(t, st.DiscID)
	assert.Equal(t, d.ID, *st.DiscID)

	// play restarts from track 1.
	mark := h.rec.stateCount()
	h.command(t, "play")
	h.rec.waitStateAfter(t, mark, "PLAY again", func(s State) bool {
		return s.State == PhasePlay && s.Track == 1
	})
}

func TestCommand_EjectReleasesDisc(t *testing.T) {
	h := newHarness(t)
	d := h.archiveDisc(t, tocFor(2), nil)
	h.command(t, "disc", d.ID)
	h.rec.waitState(t, "PLAY", func(s State) bool { return s.State == PhasePlay })

	reply := h.command(t, "eject")
	st := reply.Value.(State)
	assert.Equal(t, PhaseNoDisc, st.State)
	assert.Nil(t, st.DiscID)

	// The null disc frame went out.
	h.rec.mu.Lock()
	lastDisc := h.rec.discs[len(h.rec.discs)-1]
	h.rec.mu.Unlock()
	assert.Nil(t, lastDisc)
}

func TestCommand_SeekAndPlayTrack(t *testing.T) {
	h := newHarness(t, withRealtimeDevice())
	d := h.archiveDisc(t, tocFor(3, 3), nil)
	h.command(t, "disc", d.ID)
	h.rec.waitState(t, "PLAY", func(s State) bool { return s.State == PhasePlay })

	reply := h.command(t, "play_track", "2")
	st := reply.Value.(State)
	assert.Equal(t, 2, st.Track)
	assert.Equal(t, 0, st.Position)

	reply = h.command(t, "seek", "2")
	st = reply.Value.(State)
	assert.Equal(t, 2, st.Track)
	assert.Equal(t, 2, st.Position)
}

func TestCommand_Queries(t *testing.T) {
	h := newHarness(t)

	reply := h.command(t, "state")
	assert.Equal(t, "state", reply.Kind)
	assert.Equal(t, PhaseNoDisc, reply.Value.(State).State)

	reply = h.command(t, "rip_state")
	assert.Equal(t, "rip_state", reply.Kind)
	assert.Equal(t, RipInactive, reply.Value.(RipState).State)

	reply = h.command(t, "version")
	assert.Equal(t, "ok", reply.Kind)
	assert.Equal(t, "test", reply.Value)

	reply = h.command(t, "source")
	assert.Equal(t, "disc", reply.Kind)
	assert.Nil(t, reply.Value.(*disc.Disc))
}

func TestCommand_CurrentDiscFollowsLoadAndEject(t *testing.T) {
	h := newHarness(t)

	reply := h.command(t, "current_disc")
	require.Equal(t, "disc", reply.Kind)
	assert.Nil(t, reply.Value.(*disc.Disc))

	d := h.archiveDisc(t, tocFor(1), nil)
	h.command(t, "disc", d.ID)
	reply = h.command(t, "current_disc")
	got := reply.Value.(*disc.Disc)
	require.NotNil(t, got)
	assert.Equal(t, d.ID, got.ID)

	h.command(t, "eject")
	reply = h.command(t, "current_disc")
	assert.Nil(t, reply.Value.(*disc.Disc))
}

// ============================================================================
// Aliases and reconciliation
// ============================================================================

func TestAlias_LinkedDiscPlaysTarget(t *testing.T) {
	h := newHarness(t)
	target := h.archiveDisc(t, tocFor(1), nil)
	linked := h.archiveDisc(t, tocFor(2), func(d *disc.Disc) {
		d.LinkedDiscID = target.ID
	})

	h.command(t, "disc", linked.ID)
	st := h.rec.waitState(t, "PLAY target", func(s State) bool { return s.State == PhasePlay })
	require.NotNil(t, st.DiscID)
	assert.Equal(t, target.ID, *st.DiscID)
	require.NotNil(t, st.SourceDiscID)
	assert.Equal(t, linked.ID, *st.SourceDiscID)

	// source reports the physically requested disc.
	reply := h.command(t, "source")
	src := reply.Value.(*disc.Disc)
	require.NotNil(t, src)
	assert.Equal(t, linked.ID, src.ID)
}

func TestReconcile_AfterTOCPhase(t *testing.T) {
	h := newHarness(t)

	toc := tocFor(1, 2)
	audioData := make([]byte, 3*secBytes)
	require.NoError(t, os.WriteFile(filepath.Join(h.ripSrcDir, "audio.raw"), audioData, 0o644))

	// The subchannel TOC adds a half-second pregap to track 2.
	sub := tocFor(1, 2)
	sub.Tracks[1].Pregap = disc.SectorsPerSecond / 2
	require.NoError(t, os.WriteFile(filepath.Join(h.ripSrcDir, "full.toc"), tocText(t, sub), 0o644))

	h.drive.TOC = toc
	reply := h.command(t, "insert")
	require.NotEqual(t, "error", reply.Kind)

	d, err := disc.NewDiscFromTOC(toc, archive.DataFileName)
	require.NoError(t, err)

	deadline := time.Now().Add(10 * time.Second)
	for {
		require.Less(t, time.Now(), deadline, "reconciliation did not land")
		stored, err := h.store.GetDisc(d.ID)
		require.NoError(t, err)
		if tr := stored.TrackByNumber(2); tr != nil && tr.PregapOffset > 0 {
			assert.Equal(t, int64(disc.SectorsPerSecond/2)*disc.BytesPerSector, tr.PregapOffset)
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
}
