// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package disc

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// TOC is a table of contents in CD sector terms. The basic TOC (read from
// the drive header at insertion) carries only track starts and lengths;
// the subchannel TOC (read later by the TOC reader program) adds pregaps,
// indices, ISRCs and the catalog number.
type TOC struct {
	Tracks  []TOCTrack
	Leadout int // absolute sector where the lead-out begins
	Catalog string
}

// TOCTrack is one track entry of a TOC.
type TOCTrack struct {
	Number      int
	Start       int // absolute start sector of the track span
	Length      int // span length in sectors, including any ripped pregap
	Pregap      int // sectors of pregap at the start of the span
	Silence     int // pregap sectors that exist on disc but not in the file
	Indexes     []int // index 2..N start sectors, relative to span start
	ISRC        string
	PreEmphasis bool
}

// msf formats a sector count as the MM:SS:FF notation used in TOC files.
func msf(sectors int) string {
	m := sectors / (60 * SectorsPerSecond)
	s := (sectors / SectorsPerSecond) % 60
	f := sectors % SectorsPerSecond
	return fmt.Sprintf("%02d:%02d:%02d", m, s, f)
}

// parseMSF parses MM:SS:FF into sectors. Plain integers are accepted too,
// as cdrdao writes a bare 0 for a zero offset.
func parseMSF(s string) (int, error) {
	if !strings.Contains(s, ":") {
		return strconv.Atoi(s)
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("bad MSF value %q", s)
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("bad MSF value %q: %w", s, err)
		}
		v[i] = n
	}
	return (v[0]*60+v[1])*SectorsPerSecond + v[2], nil
}

// ============================================================================
// TOC file writing
// ============================================================================

// Write serializes the TOC in cdrdao format. This is the format of both
// archive TOC files: the generated basic one and the one the TOC reader
// writes itself.
func (toc *TOC) Write(w io.Writer, dataFile string) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "CD_DA\n")
	if toc.Catalog != "" {
		fmt.Fprintf(bw, "\nCATALOG \"%s\"\n", toc.Catalog)
	}
	for _, t := range toc.Tracks {
		fmt.Fprintf(bw, "\n// Track %d\nTRACK AUDIO\n", t.Number)
		if !t.PreEmphasis {
			fmt.Fprintf(bw, "NO PRE_EMPHASIS\n")
		} else {
			fmt.Fprintf(bw, "PRE_EMPHASIS\n")
		}
		fmt.Fprintf(bw, "TWO_CHANNEL_AUDIO\n")
		if t.ISRC != "" {
			fmt.Fprintf(bw, "ISRC \"%s\"\n", t.ISRC)
		}
		if t.Silence > 0 {
			fmt.Fprintf(bw, "SILENCE %s\n", msf(t.Silence))
		}
		fmt.Fprintf(bw, "FILE \"%s\" %s %s\n", dataFile, msf(t.Start), msf(t.Length))
		if t.Pregap > 0 {
			fmt.Fprintf(bw, "START %s\n", msf(t.Pregap))
		}
		for _, ix := range t.Indexes {
			// Stored span-relative; the file format counts from the
			// audible start (after the pregap).
			fmt.Fprintf(bw, "INDEX %s\n", msf(ix-t.Pregap))
		}
	}
	return bw.Flush()
}

// ============================================================================
// TOC file parsing
// ============================================================================

// ParseTOC reads a cdrdao format TOC. Statements that do not affect
// playback (CD_TEXT blocks, copy flags) are skipped.
func ParseTOC(r io.Reader) (*TOC, error) {
	toc := &TOC{}
	var cur *TOCTrack
	var braceDepth int

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		// CD_TEXT and LANGUAGE blocks nest in braces; skip them whole.
		braceDepth += strings.Count(line, "{") - strings.Count(line, "}")
		if braceDepth > 0 || strings.HasPrefix(line, "}") {
			continue
		}
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "CD_DA", "CD_ROM", "CD_ROM_XA":
			// session type header

		case "CATALOG":
			toc.Catalog = unquote(fields[1])

		case "TRACK":
			if len(fields) < 2 || fields[1] != "AUDIO" {
				return nil, fmt.Errorf("toc line %d: only TRACK AUDIO is supported", lineNo)
			}
			toc.Tracks = append(toc.Tracks, TOCTrack{Number: len(toc.Tracks) + 1})
			cur = &toc.Tracks[len(toc.Tracks)-1]

		case "ISRC":
			if cur == nil {
				return nil, fmt.Errorf("toc line %d: ISRC outside track", lineNo)
			}
			cur.ISRC = unquote(fields[1])

		case "PRE_EMPHASIS":
			if cur != nil {
				cur.PreEmphasis = true
			}

		case "FILE", "AUDIOFILE":
			if cur == nil {
				return nil, fmt.Errorf("toc line %d: FILE outside track", lineNo)
			}
			if len(fields) < 4 {
				return nil, fmt.Errorf("toc line %d: FILE needs start and length", lineNo)
			}
			start, err := parseMSF(fields[2])
			if err != nil {
				return nil, fmt.Errorf("toc line %d: %w", lineNo, err)
			}
			length, err := parseMSF(fields[3])
			if err != nil {
				return nil, fmt.Errorf("toc line %d: %w", lineNo, err)
			}
			cur.Start = start
			cur.Length = length

		case "SILENCE":
			// Pregap silence that exists on the disc but was never
			// ripped; it consumes no file bytes.
			if cur == nil {
				return nil, fmt.Errorf("toc line %d: SILENCE outside track", lineNo)
			}
			n, err := parseMSF(fields[1])
			if err != nil {
				return nil, fmt.Errorf("toc line %d: %w", lineNo, err)
			}
			cur.Silence += n

		case "START":
			if cur == nil {
				return nil, fmt.Errorf("toc line %d: START outside track", lineNo)
			}
			n, err := parseMSF(fields[1])
			if err != nil {
				return nil, fmt.Errorf("toc line %d: %w", lineNo, err)
			}
			cur.Pregap = n

		case "INDEX":
			if cur == nil {
				return nil, fmt.Errorf("toc line %d: INDEX outside track", lineNo)
			}
			n, err := parseMSF(fields[1])
			if err != nil {
				return nil, fmt.Errorf("toc line %d: %w", lineNo, err)
			}
			// INDEX is relative to the start of audible audio; store
			// relative to the span start like everything else.
			cur.Indexes = append(cur.Indexes, n+cur.Pregap)

		case "NO", "COPY", "TWO_CHANNEL_AUDIO", "FOUR_CHANNEL_AUDIO", "CD_TEXT", "LANGUAGE_MAP", "LANGUAGE":
			// playback-irrelevant statements

		default:
			// Unknown statements are tolerated; cdrdao grows keywords.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	// The parsed file carries spans relative to the data file; recompute
	// the leadout as the end of the last span.
	if n := len(toc.Tracks); n > 0 {
		last := toc.Tracks[n-1]
		toc.Leadout = last.Start + last.Length
	}
	return toc, nil
}

func unquote(s string) string {
	return strings.Trim(s, "\"")
}
