// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package cdrom reads the basic table of contents straight from the drive.
// Only the track starts and lengths are available this way; pregaps,
// indices and ISRCs come later from the subchannel TOC reader program.
package cdrom

import (
	"errors"

	"github.com/rapidaai/codplayer/internal/disc"
)

// ErrNoDisc is returned when the drive has no readable audio disc.
var ErrNoDisc = errors.New("no audio disc in drive")

// Drive is the physical CD drive. The player supervisor holds exactly one.
type Drive interface {
	// ReadTOC reads the basic TOC of the inserted disc.
	ReadTOC() (*disc.TOC, error)
	// Eject opens the tray.
	Eject() error
}

// FakeDrive drives tests and non-Linux builds. Loading a TOC simulates a
// disc insertion.
type FakeDrive struct {
	TOC      *disc.TOC
	Ejected  bool
	ReadErr  error
	EjectErr error
}

func (f *FakeDrive) ReadTOC() (*disc.TOC, error) {
	if f.ReadErr != nil {
		return nil, f.ReadErr
	}
	if f.TOC == nil {
		return nil, ErrNoDisc
	}
	return f.TOC, nil
}

func (f *FakeDrive) Eject() error {
	if f.EjectErr != nil {
		return f.EjectErr
	}
	f.TOC = nil
	f.Ejected = true
	return nil
}
