// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package source turns an archived (or still-ripping) disc into the lazy
// packet sequence the transport feeds to the PCM sink.
package source

import (
	"github.com/rapidaai/codplayer/internal/disc"
)

// PacketsPerSecond fixes the packet granularity: roughly 100ms of audio,
// aligning with the PCM device period size. Positions are reported and
// seeks resume at this granularity.
const PacketsPerSecond = 10

// FramesPerPacket is the nominal packet length in frames.
const FramesPerPacket = disc.SampleRate / PacketsPerSecond

// Packet is one span of PCM flowing through the playback pipeline, tagged
// with where on the disc it came from. The transport derives every state
// publication from the tags of the packet audible at the device.
type Packet struct {
	DiscID string
	Track  int // track number; 0 is the hidden pregap track
	Index  int // index within the track; 0 while inside the pregap

	// FileOffset is the byte position of this span in the disc's PCM file.
	FileOffset int64
	// Frames is the span length in frames.
	Frames int

	// AbsPos counts frames since the track's index 1; negative inside
	// the pregap.
	AbsPos int64

	PauseBefore  bool // transport drains and pauses before this packet
	PauseAfter   bool // set on the last packet of a pause-after track
	LastInTrack  bool
	LastInStream bool

	Data []byte
}

// Position is the whole-second position within the track, measured from
// index 1. Pregap positions are negative, counting up towards zero.
func (p *Packet) Position() int {
	if p.AbsPos < 0 {
		return -int((-p.AbsPos + disc.SampleRate - 1) / disc.SampleRate)
	}
	return int(p.AbsPos / disc.SampleRate)
}
