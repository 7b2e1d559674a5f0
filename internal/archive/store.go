// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rapidaai/codplayer/internal/disc"
	"github.com/rapidaai/codplayer/pkg/commons"
)

// File names within one disc directory. The directory itself is named by
// the disc id.
const (
	DataFileName     = "data.cdr"
	BasicTOCFileName = "toc.basic"
	FullTOCFileName  = "toc.full"
	DiscInfoFileName = "disc.json"
)

// ErrNotFound is returned when a disc id has no archive directory.
var ErrNotFound = errors.New("disc not in archive")

// Store is the content-addressed on-disk archive. The ripper is the only
// writer of data files; metadata files are replaced whole via temp-write
// and rename, so concurrent readers see either the previous or the next
// complete file.
type Store struct {
	dir    string
	logger commons.Logger
}

// NewStore opens (creating if needed) the archive root directory.
func NewStore(dir string, logger commons.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive dir: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// DiscDir returns the directory of one disc.
func (s *Store) DiscDir(discID string) string {
	return filepath.Join(s.dir, discID)
}

// DataFile returns the path of the disc's raw PCM file.
func (s *Store) DataFile(d *disc.Disc) string {
	name := d.DataFile
	if name == "" {
		name = DataFileName
	}
	return filepath.Join(s.DiscDir(d.ID), name)
}

// Contains reports whether the disc has an archive directory with a disc
// info file, i.e. it was at least partially ripped before.
func (s *Store) Contains(discID string) bool {
	_, err := os.Stat(filepath.Join(s.DiscDir(discID), DiscInfoFileName))
	return err == nil
}

// CreateDisc makes the disc directory, writes the basic TOC file and the
// initial disc info. Existing user metadata is preserved: if the disc is
// already archived its stored record wins over the freshly derived one.
func (s *Store) CreateDisc(d *disc.Disc, basicTOC *disc.TOC) (*disc.Disc, error) {
	if s.Contains(d.ID) {
		stored, err := s.GetDisc(d.ID)
		if err == nil {
			return stored, nil
		}
		s.logger.Warnw("Archived disc info unreadable, recreating", "disc_id", d.ID, "error", err)
	}

	if err := os.MkdirAll(s.DiscDir(d.ID), 0o755); err != nil {
		return nil, fmt.Errorf("creating disc dir: %w", err)
	}

	if err := s.writeFileAtomic(d.ID, BasicTOCFileName, func(f *os.File) error {
		return basicTOC.Write(f, DataFileName)
	}); err != nil {
		return nil, err
	}
	if err := s.PutDisc(d); err != nil {
		return nil, err
	}
	return d, nil
}

// GetDisc loads an archived disc record.
func (s *Store) GetDisc(discID string) (*disc.Disc, error) {
	raw, err := os.ReadFile(filepath.Join(s.DiscDir(discID), DiscInfoFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var d disc.Disc
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("disc %s: corrupt disc info: %w", discID, err)
	}
	return &d, nil
}

// PutDisc replaces the disc info file.
func (s *Store) PutDisc(d *disc.Disc) error {
	return s.writeFileAtomic(d.ID, DiscInfoFileName, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	})
}

// PutFullTOC stores the subchannel TOC text as delivered by the TOC
// reader program.
func (s *Store) PutFullTOC(discID string, tocText []byte) error {
	return s.writeFileAtomic(discID, FullTOCFileName, func(f *os.File) error {
		_, err := f.Write(tocText)
		return err
	})
}

// GetFullTOC parses the stored subchannel TOC, or ErrNotFound when the
// TOC phase never completed for this disc.
func (s *Store) GetFullTOC(discID string) (*disc.TOC, error) {
	f, err := os.Open(filepath.Join(s.DiscDir(discID), FullTOCFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()
	return disc.ParseTOC(f)
}

// DataSize returns the current size of the disc's PCM file; zero when the
// rip has not produced bytes yet.
func (s *Store) DataSize(d *disc.Disc) int64 {
	fi, err := os.Stat(s.DataFile(d))
	if err != nil {
		return 0
	}
	return fi.Size()
}

// DataComplete reports whether the PCM file covers every track span.
func (s *Store) DataComplete(d *disc.Disc) bool {
	var end int64
	for _, t := range d.Tracks {
		if e := t.FileOffset + t.Length; e > end {
			end = e
		}
	}
	return s.DataSize(d) >= end
}

// ListDiscs returns the ids of every archived disc.
func (s *Store) ListDiscs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && disc.ValidDiscID(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// writeFileAtomic writes into a temp file in the disc directory and
// renames it over the target.
func (s *Store) writeFileAtomic(discID, name string, write func(*os.File) error) error {
	dir := s.DiscDir(discID)
	tmp, err := os.CreateTemp(dir, name+".tmp*")
	if err != nil {
		return fmt.Errorf("disc %s: %w", discID, err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("disc %s: writing %s: %w", discID, name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("disc %s: syncing %s: %w", discID, name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("disc %s: closing %s: %w", discID, name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("disc %s: replacing %s: %w", discID, name, err)
	}
	return nil
}
