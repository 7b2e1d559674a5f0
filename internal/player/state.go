// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package player is the supervisor core: the coarse state machine, the
// transport pumping packets into the sink, and the published State and
// RipState records.
package player

import (
	"github.com/rapidaai/codplayer/internal/disc"
)

// Phase is the coarse player state.
type Phase string

const (
	PhaseOff     Phase = "OFF"
	PhaseNoDisc  Phase = "NO_DISC"
	PhaseWorking Phase = "WORKING"
	PhasePlay    Phase = "PLAY"
	PhasePause   Phase = "PAUSE"
	PhaseStop    Phase = "STOP"
)

// State is the published player state. Nullable wire fields are pointers
// so they serialize as JSON null, matching the protocol exactly.
type State struct {
	State Phase `json:"state"`

	DiscID *string `json:"disc_id"`
	// SourceDiscID differs from DiscID when the loaded disc was an
	// alias for another one.
	SourceDiscID *string `json:"source_disc_id"`

	Track    int `json:"track"`
	NoTracks int `json:"no_tracks"`
	// Index 0 means the pregap.
	Index int `json:"index"`
	// Position in whole seconds from the track's index 1; negative
	// inside the pregap.
	Position int `json:"position"`
	Length   int `json:"length"`

	Error *string `json:"error"`
}

// RipPhase is the rip progress state.
type RipPhase string

const (
	RipInactive RipPhase = "INACTIVE"
	RipAudio    RipPhase = "AUDIO"
	RipTOC      RipPhase = "TOC"
)

// RipState is the published rip state.
type RipState struct {
	State    RipPhase `json:"state"`
	DiscID   *string  `json:"disc_id"`
	Progress *int     `json:"progress"`
	Error    *string  `json:"error"`
}

// Publisher carries state out of the core. The bus implements it; tests
// drive the core with an in-process recorder.
type Publisher interface {
	// PublishDisc announces the loaded disc (nil on eject). It is
	// always emitted before the first state referring to that disc.
	PublishDisc(d *disc.Disc)
	PublishState(s State)
	PublishRipState(rs RipState)
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func intPtr(n int) *int {
	return &n
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
