// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package disc

import (
	"fmt"
)

// Reconcile merges a freshly read subchannel TOC into the archived disc
// record. The basic TOC only knows track starts and lengths; the subchannel
// data adds pregaps, index marks, ISRCs and the catalog number.
//
// User-edited metadata always wins: artist, title, ISRC, skip, pause-after
// and the link are never overwritten once set through the administration
// interface. A hidden track 0 carved from the first track's pregap is kept
// even when the subchannel TOC claims that span for track 1.
//
// A track count mismatch discards the subchannel data entirely and returns
// an error; the caller records it on the disc and keeps playing from the
// basic TOC.
func Reconcile(d *Disc, sub *TOC) error {
	numbered := 0
	for i := range d.Tracks {
		if d.Tracks[i].Number > 0 {
			numbered++
		}
	}
	if len(sub.Tracks) != numbered {
		return fmt.Errorf("subchannel TOC has %d tracks, basic TOC has %d",
			len(sub.Tracks), numbered)
	}

	// Merge into a copy so a late failure leaves the record untouched.
	merged := *d
	merged.Tracks = append([]Track(nil), d.Tracks...)
	for i := range merged.Tracks {
		merged.Tracks[i].Index = append([]int64(nil), merged.Tracks[i].Index...)
	}

	if merged.Catalog == "" {
		merged.Catalog = sub.Catalog
	}

	hidden := merged.TrackByNumber(0)

	for _, st := range sub.Tracks {
		t := merged.TrackByNumber(st.Number)
		if t == nil {
			return fmt.Errorf("subchannel TOC track %d not in basic TOC", st.Number)
		}

		start := int64(st.Start) * BytesPerSector
		length := int64(st.Length) * BytesPerSector

		// The subchannel span for track 1 may swallow the hidden track's
		// audio. In that case the archived layout wins and the span
		// detail is shifted to the archived track start; pregap bytes
		// that live in the hidden track drop out.
		var shift int64
		if hidden != nil && st.Number == 1 && start < hidden.FileOffset+hidden.Length {
			shift = t.FileOffset - start
		} else {
			t.FileOffset = start
			t.Length = length
		}

		t.PregapOffset = int64(st.Pregap)*BytesPerSector - shift
		if t.PregapOffset < 0 {
			t.PregapOffset = 0
		}
		t.PregapSilence = int64(st.Silence) * BytesPerSector
		t.Index = t.Index[:0]
		for _, ix := range st.Indexes {
			if rel := int64(ix)*BytesPerSector - shift; rel >= 0 {
				t.Index = append(t.Index, rel)
			}
		}
		if t.ISRC == "" {
			t.ISRC = st.ISRC
		}
	}

	if err := merged.Validate(); err != nil {
		return fmt.Errorf("reconciled disc fails validation: %w", err)
	}

	*d = merged
	return nil
}
