// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package player

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/rapidaai/codplayer/internal/archive"
	"github.com/rapidaai/codplayer/internal/audio"
	"github.com/rapidaai/codplayer/internal/cdrom"
	"github.com/rapidaai/codplayer/internal/disc"
	"github.com/rapidaai/codplayer/internal/ripper"
	"github.com/rapidaai/codplayer/internal/source"
	"github.com/rapidaai/codplayer/pkg/commons"
)

// ErrQuit is returned from Run when the quit command asked the daemon to
// exit cleanly.
var ErrQuit = errors.New("quit requested")

// Reply is a command response, rendered onto the wire by the bus.
type Reply struct {
	// Kind is one of state, rip_state, disc, ok, error.
	Kind  string
	Value interface{}
}

func errorReply(format string, args ...interface{}) Reply {
	return Reply{Kind: "error", Value: fmt.Sprintf(format, args...)}
}

// Player is the supervisor: it owns the coarse state machine, routes
// commands to the transport and the ripper, and is the only component
// that publishes State and RipState.
type Player struct {
	logger  commons.Logger
	store   *archive.Store
	drive   cdrom.Drive
	rip     *ripper.Ripper
	sink    *audio.Sink
	pub     Publisher
	version string

	transport *Transport

	// cmdMu serializes command handling; the transport's pump publishes
	// concurrently but never takes this lock.
	cmdMu sync.Mutex

	mu       sync.Mutex
	state    State
	ripState RipState
	// lastDisc mirrors the most recent disc frame publication, so a
	// subscriber joining mid-session can be given the disc before any
	// state naming it.
	lastDisc *disc.Disc

	quit     chan struct{}
	quitOnce sync.Once
}

// New wires the player core together.
func New(store *archive.Store, drive cdrom.Drive, rip *ripper.Ripper,
	sink *audio.Sink, pub Publisher, version string, logger commons.Logger) *Player {

	p := &Player{
		logger:   logger,
		store:    store,
		drive:    drive,
		rip:      rip,
		sink:     sink,
		pub:      pub,
		version:  version,
		state:    State{State: PhaseNoDisc},
		ripState: RipState{State: RipInactive},
		quit:     make(chan struct{}),
	}
	streamer := source.NewStreamer(store, logger, source.WithRipProbe(rip.AudioInProgress))
	p.transport = NewTransport(sink, streamer, p.publishState, logger)
	return p
}

// Run publishes the initial state and processes rip progress until the
// context ends, quit arrives, or the sink worker dies (fatal).
func (p *Player) Run(ctx context.Context) error {
	p.pub.PublishState(p.State())

	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return ctx.Err()

		case <-p.quit:
			p.shutdown()
			return ErrQuit

		case u := <-p.rip.Updates():
			p.handleRipUpdate(u)

		case <-p.sink.Done():
			// The realtime worker is gone; nothing can play anymore.
			st := p.State()
			st.State = PhaseStop
			st.Error = strPtr("player thread died")
			p.publishState(st)
			return errors.New("sink worker died")
		}
	}
}

func (p *Player) shutdown() {
	p.rip.Stop()
	p.transport.Stop()
}

// State returns the last published state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// RipState returns the last published rip state.
func (p *Player) RipState() RipState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ripState
}

// publishDisc is the single funnel for disc frames, remembering the last
// one for snapshot queries.
func (p *Player) publishDisc(d *disc.Disc) {
	p.mu.Lock()
	p.lastDisc = d
	p.mu.Unlock()
	p.pub.PublishDisc(d)
}

// CurrentDisc returns the disc of the last published disc frame, nil
// when none is loaded.
func (p *Player) CurrentDisc() *disc.Disc {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastDisc
}

// publishState is the single funnel for State: the transport's pump and
// the command handlers both land here.
func (p *Player) publishState(st State) {
	p.mu.Lock()
	p.state = st
	p.mu.Unlock()
	p.pub.PublishState(st)
}

func (p *Player) publishRipState(rs RipState) {
	p.mu.Lock()
	changed := !ripStateEqual(p.ripState, rs)
	p.ripState = rs
	p.mu.Unlock()
	if changed {
		p.pub.PublishRipState(rs)
	}
}

func ripStateEqual(a, b RipState) bool {
	if a.State != b.State || deref(a.DiscID) != deref(b.DiscID) || deref(a.Error) != deref(b.Error) {
		return false
	}
	if (a.Progress == nil) != (b.Progress == nil) {
		return false
	}
	return a.Progress == nil || *a.Progress == *b.Progress
}

// ============================================================================
// Command handling
// ============================================================================

// Command executes one wire command. Commands are idempotent and safe in
// any state; rejected ones return an error reply and leave the state
// untouched.
func (p *Player) Command(cmd string, args []string) Reply {
	p.cmdMu.Lock()
	defer p.cmdMu.Unlock()

	switch cmd {
	case "play":
		p.transport.ClearError()
		p.transport.Play()
	case "pause":
		p.transport.ClearError()
		p.transport.Pause()
	case "play_pause":
		p.transport.ClearError()
		p.transport.PlayPause()
	case "stop":
		p.transport.ClearError()
		p.transport.Stop()
	case "next":
		p.transport.ClearError()
		p.transport.Next()
	case "prev":
		p.transport.ClearError()
		p.transport.Prev()

	case "play_track":
		if len(args) != 1 {
			return errorReply("play_track needs a track number")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return errorReply("bad track number %q", args[0])
		}
		p.transport.ClearError()
		if !p.transport.PlayTrack(n) {
			return errorReply("no playable track %d", n)
		}

	case "seek":
		if len(args) != 1 {
			return errorReply("seek needs a position in seconds")
		}
		sec, err := strconv.Atoi(args[0])
		if err != nil {
			return errorReply("bad position %q", args[0])
		}
		p.transport.ClearError()
		p.transport.Seek(sec)

	case "insert":
		if err := p.doInsert(); err != nil {
			return errorReply("%v", err)
		}

	case "disc":
		if len(args) != 1 {
			return errorReply("disc needs a disc id")
		}
		if err := p.doLoadDisc(args[0]); err != nil {
			return errorReply("%v", err)
		}

	case "eject":
		p.doEject()

	case "source":
		return Reply{Kind: "disc", Value: p.sourceDisc()}

	case "current_disc":
		// Snapshot query used by the bus: the disc of the last disc
		// frame, so fresh subscribers hear about it before any state.
		return Reply{Kind: "disc", Value: p.CurrentDisc()}

	case "state":
		return Reply{Kind: "state", Value: p.State()}

	case "rip_state":
		return Reply{Kind: "rip_state", Value: p.RipState()}

	case "version":
		return Reply{Kind: "ok", Value: p.version}

	case "quit":
		p.quitOnce.Do(func() { close(p.quit) })
		return Reply{Kind: "ok"}

	default:
		return errorReply("unknown command %q", cmd)
	}

	return Reply{Kind: "state", Value: p.transport.Snapshot()}
}

// ============================================================================
// Disc loading
// ============================================================================

// doInsert reacts to a physical disc: identify it, archive it if unknown,
// start ripping whatever is missing, and play.
func (p *Player) doInsert() error {
	toc, err := p.drive.ReadTOC()
	if err != nil {
		st := State{State: PhaseNoDisc, Error: strPtr(err.Error())}
		p.publishState(st)
		return fmt.Errorf("reading disc: %w", err)
	}

	fresh, err := disc.NewDiscFromTOC(toc, archive.DataFileName)
	if err != nil {
		st := State{State: PhaseNoDisc, Error: strPtr(err.Error())}
		p.publishState(st)
		return err
	}

	stored, err := p.store.CreateDisc(fresh, toc)
	if err != nil {
		return fmt.Errorf("archiving disc: %w", err)
	}

	target, sourceID := p.resolveAlias(stored)
	p.announce(target, sourceID)

	// Rip the physical disc if its archive is incomplete; playback
	// starts immediately and trails the rip.
	if !p.store.DataComplete(stored) || !p.hasFullTOC(stored.ID) {
		if err := p.rip.Rip(stored); err != nil {
			p.logger.Warnw("Rip not started", "disc_id", stored.ID, "error", err)
		}
	}

	p.transport.PlayDisc(target, sourceID)
	return nil
}

// doLoadDisc plays a disc straight from the archive.
func (p *Player) doLoadDisc(id string) error {
	if !disc.ValidDiscID(id) {
		return fmt.Errorf("malformed disc id %q", id)
	}
	stored, err := p.store.GetDisc(id)
	if err != nil {
		return fmt.Errorf("disc %s: %w", id, err)
	}

	target, sourceID := p.resolveAlias(stored)
	p.announce(target, sourceID)
	p.transport.PlayDisc(target, sourceID)
	return nil
}

// announce publishes the disc frame and the WORKING state, in that order:
// subscribers always learn about a disc before any state referencing it.
func (p *Player) announce(target *disc.Disc, sourceID string) {
	p.publishDisc(target)

	noTracks := 0
	for i := range target.Tracks {
		if target.Tracks[i].Number > 0 {
			noTracks++
		}
	}
	p.publishState(State{
		State:        PhaseWorking,
		DiscID:       strPtr(target.ID),
		SourceDiscID: strPtr(sourceID),
		NoTracks:     noTracks,
	})
}

func (p *Player) doEject() {
	p.rip.Stop()
	st := p.transport.Eject()
	p.publishDisc(nil)
	p.publishState(st)
	if err := p.drive.Eject(); err != nil {
		p.logger.Warnw("Tray eject failed", "error", err)
	}
}

// resolveAlias follows link records: playing an aliased disc plays its
// target. Returns the disc to play and the source id when they differ.
func (p *Player) resolveAlias(d *disc.Disc) (*disc.Disc, string) {
	const maxHops = 8
	cur := d
	for i := 0; i < maxHops && cur.LinkedDiscID != ""; i++ {
		next, err := p.store.GetDisc(cur.LinkedDiscID)
		if err != nil {
			p.logger.Warnw("Broken disc link", "disc_id", cur.ID,
				"linked_disc_id", cur.LinkedDiscID, "error", err)
			break
		}
		cur = next
	}
	if cur.ID == d.ID {
		return d, ""
	}
	return cur, d.ID
}

func (p *Player) hasFullTOC(discID string) bool {
	_, err := p.store.GetFullTOC(discID)
	return err == nil
}

// sourceDisc returns the record of the physically inserted disc, before
// any alias was followed.
func (p *Player) sourceDisc() *disc.Disc {
	st := p.State()
	id := deref(st.SourceDiscID)
	if id == "" {
		id = deref(st.DiscID)
	}
	if id == "" {
		return nil
	}
	d, err := p.store.GetDisc(id)
	if err != nil {
		return nil
	}
	return d
}

// ============================================================================
// Rip progress
// ============================================================================

func (p *Player) handleRipUpdate(u ripper.Update) {
	rs := RipState{DiscID: strPtr(u.DiscID)}
	switch {
	case u.Done:
		rs.State = RipInactive
	case u.Phase == ripper.PhaseAudio:
		rs.State = RipAudio
	case u.Phase == ripper.PhaseTOC:
		rs.State = RipTOC
	default:
		rs.State = RipInactive
	}
	if !u.Done && u.Progress >= 0 {
		rs.Progress = intPtr(u.Progress)
	}
	if u.Err != nil {
		rs.Error = strPtr(u.Err.Error())
	}
	p.publishRipState(rs)

	if u.TOCReady {
		p.reconcile(u.DiscID)
	}
}

// reconcile merges a freshly stored subchannel TOC into the archived
// record. Failures are retained on the record and logged, never fatal.
func (p *Player) reconcile(discID string) {
	stored, err := p.store.GetDisc(discID)
	if err != nil {
		p.logger.Errorw("Reconcile: disc record unreadable", "disc_id", discID, "error", err)
		return
	}
	full, err := p.store.GetFullTOC(discID)
	if err != nil {
		p.logger.Errorw("Reconcile: TOC unreadable", "disc_id", discID, "error", err)
		return
	}

	if err := disc.Reconcile(stored, full); err != nil {
		p.logger.Errorw("TOC reconciliation failed", "disc_id", discID, "error", err)
		stored.ReconcileError = err.Error()
	}
	if err := p.store.PutDisc(stored); err != nil {
		p.logger.Errorw("Reconcile: storing disc failed", "disc_id", discID, "error", err)
		return
	}

	// Subscribers holding the disc see the enriched record.
	if deref(p.State().DiscID) == discID || deref(p.State().SourceDiscID) == discID {
		p.publishDisc(stored)
	}
}

// Insert is the programmatic entry used by the disc watcher.
func (p *Player) Insert() {
	if reply := p.Command("insert", nil); reply.Kind == "error" {
		p.logger.Warnw("Insert failed", "error", reply.Value)
	}
}
