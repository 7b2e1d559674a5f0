// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package disc

import (
	"crypto/sha1"
	"fmt"
	"strings"
)

// DiscID computes the 28-character identifier of the disc from the basic
// TOC. The computation is the MusicBrainz disc id convention and must stay
// bit-exact with it: identifiers name archive directories and survive
// across implementations.
//
// SHA-1 over the concatenation of uppercase hex fields: first track number
// (%02X), last track number (%02X), lead-out CD-frame offset (%08X), then
// exactly 99 per-track CD-frame offsets (%08X, zero for absent tracks).
// CD-frame offsets count from the start of the lead-in, so two seconds
// (150 sectors) are added to the program-area sector addresses. The digest
// is base64 encoded with the URL-safe substitutions + → ., / → _, = → -.
func (toc *TOC) DiscID() (string, error) {
	if len(toc.Tracks) == 0 {
		return "", fmt.Errorf("empty TOC")
	}
	if len(toc.Tracks) > 99 {
		return "", fmt.Errorf("TOC has %d tracks, at most 99 are addressable", len(toc.Tracks))
	}

	first := toc.Tracks[0].Number
	last := toc.Tracks[len(toc.Tracks)-1].Number

	var sb strings.Builder
	fmt.Fprintf(&sb, "%02X", first)
	fmt.Fprintf(&sb, "%02X", last)
	fmt.Fprintf(&sb, "%08X", toc.Leadout+LeadInSectors)

	offsets := make([]int, 99)
	for i, t := range toc.Tracks {
		offsets[i] = t.Start + LeadInSectors
	}
	for _, off := range offsets {
		fmt.Fprintf(&sb, "%08X", off)
	}

	digest := sha1.Sum([]byte(sb.String()))
	return discIDEncode(digest[:]), nil
}

// discIDEncode is standard base64 with the MusicBrainz substitutions for
// characters that are unsafe in URLs and filesystems.
func discIDEncode(b []byte) string {
	var sb strings.Builder
	for i := 0; i < len(b); i += 3 {
		var chunk [3]byte
		n := copy(chunk[:], b[i:])
		sb.WriteByte(discIDAlphabet[chunk[0]>>2])
		sb.WriteByte(discIDAlphabet[(chunk[0]&0x03)<<4|chunk[1]>>4])
		switch n {
		case 1:
			sb.WriteByte('-')
			sb.WriteByte('-')
		case 2:
			sb.WriteByte(discIDAlphabet[(chunk[1]&0x0f)<<2])
			sb.WriteByte('-')
		default:
			sb.WriteByte(discIDAlphabet[(chunk[1]&0x0f)<<2|chunk[2]>>6])
			sb.WriteByte(discIDAlphabet[chunk[2]&0x3f])
		}
	}
	return sb.String()
}

// discIDAlphabet is the base64 alphabet with . for + and _ for /.
const discIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789._"

// ValidDiscID reports whether s is syntactically a disc identifier.
func ValidDiscID(s string) bool {
	if len(s) != 28 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}
