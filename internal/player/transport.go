// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package player

import (
	"context"
	"sync"

	"github.com/rapidaai/codplayer/internal/audio"
	"github.com/rapidaai/codplayer/internal/disc"
	"github.com/rapidaai/codplayer/internal/source"
	"github.com/rapidaai/codplayer/pkg/commons"
)

// Transport glues the source streamer to the PCM sink: one pump goroutine
// pulls packets and feeds AddPacket, recomputing the published State from
// every return. The blocking AddPacket is the only backpressure in the
// pipeline: a slow ripper stalls the pump, a fast device starves it, and
// neither needs explicit flow control.
//
// Command methods are called only from the player supervisor's command
// loop, one at a time. The pump publishes concurrently through onState;
// no lock is ever held across a sink call.
type Transport struct {
	logger   commons.Logger
	sink     *audio.Sink
	streamer *source.Streamer
	onState  func(State)

	mu sync.Mutex

	phase        Phase
	d            *disc.Disc
	discID       string
	sourceDiscID string
	noTracks     int

	track    int
	index    int
	position int
	length   int
	lastErr  string

	cancel context.CancelFunc
	wg     sync.WaitGroup
	// resume releases a boundary pause; nil unless the pump is parked
	// on one.
	resume chan struct{}
}

// NewTransport wires the pump's collaborators. onState receives every
// state change, including per-second position ticks.
func NewTransport(sink *audio.Sink, streamer *source.Streamer, onState func(State), logger commons.Logger) *Transport {
	return &Transport{
		logger:   logger,
		sink:     sink,
		streamer: streamer,
		onState:  onState,
		phase:    PhaseNoDisc,
	}
}

// ============================================================================
// Commands (serialized by the player supervisor)
// ============================================================================

// PlayDisc loads a disc and starts playback at the first track.
// sourceDiscID names the physically inserted disc when d was reached
// through an alias link.
func (t *Transport) PlayDisc(d *disc.Disc, sourceDiscID string) {
	t.stopStream()

	t.mu.Lock()
	t.d = d
	t.discID = d.ID
	t.sourceDiscID = sourceDiscID
	t.noTracks = 0
	for i := range d.Tracks {
		if d.Tracks[i].Number > 0 {
			t.noTracks++
		}
	}
	t.mu.Unlock()

	t.startAt(1, 0, PhasePlay)
}

// Play resumes from PAUSE or restarts from STOP; a no-op without a disc.
func (t *Transport) Play() {
	t.mu.Lock()
	phase := t.phase
	resume := t.resume
	t.resume = nil
	t.mu.Unlock()

	switch phase {
	case PhasePause:
		if resume != nil {
			// Parked on a track boundary: release the pump.
			close(resume)
			return
		}
		t.sink.Resume()
		t.setPhase(PhasePlay)
	case PhaseStop:
		t.startAt(1, 0, PhasePlay)
	default:
		// PLAY, WORKING, NO_DISC: nothing to do here.
	}
}

// Pause stops the music in PLAY; the logical state advances even if the
// hardware pause fails.
func (t *Transport) Pause() {
	t.mu.Lock()
	phase := t.phase
	t.mu.Unlock()
	if phase != PhasePlay {
		return
	}
	t.sink.Pause()
	t.setPhase(PhasePause)
}

// PlayPause toggles between PLAY and PAUSE.
func (t *Transport) PlayPause() {
	t.mu.Lock()
	phase := t.phase
	t.mu.Unlock()
	if phase == PhasePlay {
		t.Pause()
	} else {
		t.Play()
	}
}

// Stop ends playback but keeps the disc loaded.
func (t *Transport) Stop() {
	t.stopStream()
	t.mu.Lock()
	t.phase = PhaseStop
	t.track = 0
	t.index = 0
	t.position = 0
	t.length = 0
	st := t.snapshotLocked()
	t.mu.Unlock()
	t.onState(st)
}

// Eject stops playback and unloads the disc. The caller publishes the
// disc change and the NO_DISC state in protocol order.
func (t *Transport) Eject() State {
	t.stopStream()
	t.mu.Lock()
	t.phase = PhaseNoDisc
	t.d = nil
	t.discID = ""
	t.sourceDiscID = ""
	t.noTracks = 0
	t.track = 0
	t.index = 0
	t.position = 0
	t.length = 0
	st := t.snapshotLocked()
	t.mu.Unlock()
	return st
}

// Next restarts the streamer at the following non-skipped track,
// preserving PLAY or PAUSE. Past the last track it stops.
func (t *Transport) Next() {
	t.mu.Lock()
	d, cur, phase := t.d, t.track, t.phase
	t.mu.Unlock()
	if d == nil || (phase != PhasePlay && phase != PhasePause) {
		return
	}
	if next, ok := adjacentTrack(d, cur, +1); ok {
		t.startAt(next, 0, phase)
	} else {
		t.Stop()
	}
}

// Prev restarts the streamer at the preceding non-skipped track (which
// can be a hidden track 0); at the start of the sequence it restarts the
// first track.
func (t *Transport) Prev() {
	t.mu.Lock()
	d, cur, phase := t.d, t.track, t.phase
	t.mu.Unlock()
	if d == nil || (phase != PhasePlay && phase != PhasePause) {
		return
	}
	if prev, ok := adjacentTrack(d, cur, -1); ok {
		t.startAt(prev, 0, phase)
	} else {
		t.startAt(cur, 0, phase)
	}
}

// PlayTrack starts the given track number from its index 1.
func (t *Transport) PlayTrack(number int) bool {
	t.mu.Lock()
	d := t.d
	t.mu.Unlock()
	if d == nil {
		return false
	}
	tr := d.TrackByNumber(number)
	if tr == nil || tr.Skip {
		return false
	}
	t.startAt(number, 0, PhasePlay)
	return true
}

// Seek restarts the current track at the given position in seconds from
// index 1; negative values land in the pregap.
func (t *Transport) Seek(seconds int) {
	t.mu.Lock()
	d, cur, phase := t.d, t.track, t.phase
	t.mu.Unlock()
	if d == nil || (phase != PhasePlay && phase != PhasePause) {
		return
	}
	if cur == 0 && d.TrackByNumber(0) == nil {
		cur = 1
	}
	t.startAt(cur, seconds, phase)
}

// Phase returns the transport phase.
func (t *Transport) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// Snapshot returns the current state record.
func (t *Transport) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// ClearError drops a surfaced error; the supervisor calls it after every
// successfully handled command.
func (t *Transport) ClearError() {
	t.mu.Lock()
	t.lastErr = ""
	t.mu.Unlock()
}

// ============================================================================
// Stream lifecycle
// ============================================================================

// startAt replaces any current stream with one starting at the given
// track and position. The endPhase selects PLAY, or PAUSE to come up
// paused (used by next/prev while paused).
func (t *Transport) startAt(track, seconds int, endPhase Phase) {
	t.stopStream()

	t.mu.Lock()
	d := t.d
	if d == nil {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	tr := d.TrackByNumber(track)

	t.phase = endPhase
	t.track = track
	t.index = 1
	if seconds < 0 {
		t.index = 0
	}
	t.position = seconds
	t.length = 0
	if tr != nil {
		t.length = tr.TrackSeconds()
	}
	st := t.snapshotLocked()
	t.mu.Unlock()

	// When coming up paused, the sink stays closed and the pump parks
	// before the first packet; Play releases it.
	if endPhase != PhasePause {
		if err := t.sink.Start(disc.Channels, disc.SampleRate, true); err != nil {
			t.logger.Errorw("Sink start failed", "error", err)
		}
	}
	packets := t.streamer.Stream(ctx, d, track, seconds)

	t.wg.Add(1)
	go t.pump(ctx, packets, endPhase == PhasePause)

	t.onState(st)
}

// stopStream cancels the streamer, closes the sink session and waits for
// the pump to exit. Safe when nothing is running.
func (t *Transport) stopStream() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	resume := t.resume
	t.resume = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if resume != nil {
		close(resume)
	}
	t.sink.Stop()
	t.wg.Wait()
}

// ============================================================================
// Pump
// ============================================================================

func (t *Transport) pump(ctx context.Context, packets <-chan *source.Packet, startPaused bool) {
	defer t.wg.Done()

	if startPaused {
		if !t.parkPaused(ctx) {
			return
		}
	}

	for pkt := range packets {
		if pkt.PauseBefore {
			if !t.boundaryPause(ctx, pkt) {
				return
			}
		}
		data := pkt.Data
		for len(data) > 0 {
			stored, playing, err := t.sink.AddPacket(pkt, data)
			if stored == -1 {
				// The sink session closed under us: a stop, eject or
				// restart is in progress.
				return
			}
			data = data[stored:]
			t.noteSink(playing, err)
		}
	}
	if ctx.Err() != nil {
		return
	}

	// End of stream: play out the buffered tail.
	for {
		playing, err, done := t.sink.Drain()
		if done {
			break
		}
		t.noteSink(playing, err)
	}
	if ctx.Err() != nil {
		return
	}

	// Natural end: STOP, displaying the played-out track at its full
	// length.
	t.mu.Lock()
	t.phase = PhaseStop
	t.position = t.length
	st := t.snapshotLocked()
	t.mu.Unlock()
	t.onState(st)
}

// boundaryPause drains the sink, publishes the paused state positioned at
// the upcoming packet, and parks until Play releases it. Returns false
// when the stream was cancelled instead.
func (t *Transport) boundaryPause(ctx context.Context, pkt *source.Packet) bool {
	for {
		playing, err, done := t.sink.Drain()
		if done {
			break
		}
		t.noteSink(playing, err)
	}
	if ctx.Err() != nil {
		// The drain ended because the stream was stopped; a pause
		// publication now would contradict the command that did it.
		return false
	}

	t.mu.Lock()
	t.phase = PhasePause
	t.track = pkt.Track
	t.index = pkt.Index
	t.position = pkt.Position()
	if tr := trackOf(t.d, pkt.Track); tr != nil {
		t.length = tr.TrackSeconds()
	}
	st := t.snapshotLocked()
	t.mu.Unlock()
	t.onState(st)

	return t.parkPaused(ctx)
}

// parkPaused waits for Play to release the pump, then opens a fresh sink
// session. Returns false when the stream was cancelled while parked.
func (t *Transport) parkPaused(ctx context.Context) bool {
	t.mu.Lock()
	resume := make(chan struct{})
	t.resume = resume
	t.mu.Unlock()

	select {
	case <-ctx.Done():
		return false
	case <-resume:
	}
	if ctx.Err() != nil {
		return false
	}

	if err := t.sink.Start(disc.Channels, disc.SampleRate, true); err != nil {
		t.logger.Errorw("Sink restart after pause failed", "error", err)
		return false
	}
	t.setPhase(PhasePlay)
	return true
}

// noteSink folds an AddPacket/Drain return into the state, publishing
// when anything observable moved.
func (t *Transport) noteSink(playing *source.Packet, err error) {
	t.mu.Lock()
	changed := false

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if msg != t.lastErr {
		t.lastErr = msg
		changed = true
	}

	if playing != nil {
		if playing.Track != t.track {
			t.track = playing.Track
			if tr := trackOf(t.d, playing.Track); tr != nil {
				t.length = tr.TrackSeconds()
			}
			changed = true
		}
		if playing.Index != t.index {
			t.index = playing.Index
			changed = true
		}
		if pos := playing.Position(); pos != t.position {
			t.position = pos
			changed = true
		}
	}

	st := t.snapshotLocked()
	t.mu.Unlock()

	if changed {
		t.onState(st)
	}
}

func (t *Transport) setPhase(phase Phase) {
	t.mu.Lock()
	if t.phase == phase {
		t.mu.Unlock()
		return
	}
	t.phase = phase
	st := t.snapshotLocked()
	t.mu.Unlock()
	t.onState(st)
}

func (t *Transport) snapshotLocked() State {
	return State{
		State:        t.phase,
		DiscID:       strPtr(t.discID),
		SourceDiscID: strPtr(t.sourceDiscID),
		Track:        t.track,
		NoTracks:     t.noTracks,
		Index:        t.index,
		Position:     t.position,
		Length:       t.length,
		Error:        strPtr(t.lastErr),
	}
}

func trackOf(d *disc.Disc, number int) *disc.Track {
	if d == nil {
		return nil
	}
	return d.TrackByNumber(number)
}

// adjacentTrack finds the nearest non-skipped track in the given
// direction.
func adjacentTrack(d *disc.Disc, from, dir int) (int, bool) {
	cur := -1
	for i := range d.Tracks {
		if d.Tracks[i].Number == from {
			cur = i
			break
		}
	}
	if cur < 0 {
		return 0, false
	}
	for i := cur + dir; i >= 0 && i < len(d.Tracks); i += dir {
		if !d.Tracks[i].Skip {
			return d.Tracks[i].Number, true
		}
	}
	return 0, false
}
