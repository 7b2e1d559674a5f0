// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package disc

import (
	"fmt"
)

// Disc is the authoritative description of one archived CD. It is created
// when an unknown disc is inserted, updated by the reconciler when the full
// subchannel TOC arrives, and edited by the administration interface. The
// player core never destroys a Disc.
type Disc struct {
	ID      string `json:"disc_id"`
	Catalog string `json:"catalog,omitempty"`
	Barcode string `json:"barcode,omitempty"`
	Date    string `json:"date,omitempty"`
	Artist  string `json:"artist,omitempty"`
	Title   string `json:"title,omitempty"`

	Tracks []Track `json:"tracks"`

	// LinkedDiscID aliases this disc to another one: playing this disc
	// plays the linked target instead.
	LinkedDiscID string `json:"linked_disc_id,omitempty"`

	// DataFile is the name of the raw PCM file within the disc's archive
	// directory.
	DataFile string `json:"data_file"`

	// ReconcileError records a non-fatal subchannel TOC merge failure.
	ReconcileError string `json:"reconcile_error,omitempty"`
}

// Track describes one track of a Disc. Number 0 is a hidden track ripped
// from the pregap before the nominal first track.
type Track struct {
	Number int `json:"number"`

	// FileOffset and Length are byte positions within the disc's PCM
	// file. Offsets are strictly non-decreasing across the track
	// sequence.
	FileOffset int64 `json:"file_offset"`
	Length     int64 `json:"length"`

	// PregapOffset is the number of bytes of pregap audio included at
	// the start of the track span. It never exceeds Length.
	PregapOffset int64 `json:"pregap_offset"`

	// PregapSilence is pregap that exists on the disc but was not
	// ripped to the file (cdparanoia skips the silent index-0 gap of
	// track 1). Playback accounts for it in reported positions only.
	PregapSilence int64 `json:"pregap_silence,omitempty"`

	// Index holds byte offsets of indices 2..N relative to the start of
	// the track span. Each lies within [PregapOffset, Length).
	Index []int64 `json:"index,omitempty"`

	ISRC   string `json:"isrc,omitempty"`
	Artist string `json:"artist,omitempty"`
	Title  string `json:"title,omitempty"`

	// Skip omits the track from playback entirely.
	Skip bool `json:"skip,omitempty"`
	// PauseAfter pauses playback on the boundary after this track.
	PauseAfter bool `json:"pause_after,omitempty"`
}

// NewDiscFromTOC builds a Disc from the basic TOC read at insertion time.
// The data file holds the whole program area from sector zero, so file
// offsets follow the absolute track starts directly. Pregaps and indices
// are not known until the subchannel TOC arrives.
//
// A first track starting two seconds or more into the program area hides
// audio in its pregap; that span becomes track 0 so it stays reachable.
func NewDiscFromTOC(toc *TOC, dataFile string) (*Disc, error) {
	id, err := toc.DiscID()
	if err != nil {
		return nil, err
	}

	d := &Disc{
		ID:       id,
		DataFile: dataFile,
	}

	if first := toc.Tracks[0]; first.Start >= PregapHiddenMin {
		d.Tracks = append(d.Tracks, Track{
			Number:     0,
			FileOffset: 0,
			Length:     int64(first.Start) * BytesPerSector,
		})
	}

	for _, t := range toc.Tracks {
		d.Tracks = append(d.Tracks, Track{
			Number:     t.Number,
			FileOffset: int64(t.Start) * BytesPerSector,
			Length:     int64(t.Length) * BytesPerSector,
		})
	}
	return d, nil
}

// TrackByNumber returns the track with the given number, or nil. Numbers
// are not positions: a hidden track 0 shifts everything and skipped tracks
// leave gaps in the played sequence but not in the stored one.
func (d *Disc) TrackByNumber(number int) *Track {
	for i := range d.Tracks {
		if d.Tracks[i].Number == number {
			return &d.Tracks[i]
		}
	}
	return nil
}

// Validate checks the structural invariants of the track sequence.
func (d *Disc) Validate() error {
	var prevOffset int64
	for i := range d.Tracks {
		t := &d.Tracks[i]
		if t.FileOffset < prevOffset {
			return fmt.Errorf("disc %s: track %d file offset %d before previous track end %d",
				d.ID, t.Number, t.FileOffset, prevOffset)
		}
		if t.PregapOffset > t.Length {
			return fmt.Errorf("disc %s: track %d pregap %d beyond track length %d",
				d.ID, t.Number, t.PregapOffset, t.Length)
		}
		for _, ix := range t.Index {
			if ix < t.PregapOffset || ix >= t.Length {
				return fmt.Errorf("disc %s: track %d index offset %d outside [%d, %d)",
					d.ID, t.Number, ix, t.PregapOffset, t.Length)
			}
		}
		prevOffset = t.FileOffset + t.Length
	}
	return nil
}

// TrackSeconds returns the playable length of the track in whole seconds,
// excluding the pregap.
func (t *Track) TrackSeconds() int {
	return int((t.Length - t.PregapOffset) / (SampleRate * FrameBytes))
}
