// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

//go:build linux

package cdrom

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/rapidaai/codplayer/internal/disc"
)

// ioctl requests from <linux/cdrom.h>.
const (
	cdromReadTOCHdr   = 0x5305 // CDROMREADTOCHDR
	cdromReadTOCEntry = 0x5306 // CDROMREADTOCENTRY
	cdromEject        = 0x5309 // CDROMEJECT
	cdromDriveStatus  = 0x5326 // CDROM_DRIVE_STATUS

	cdromLeadout   = 0xAA // the lead-out pseudo track
	cdromFormatLBA = 0x01 // CDROM_LBA addressing

	cdsDiscOK = 4 // CDS_DISC_OK from CDROM_DRIVE_STATUS

	// Bit 2 of the control nibble marks a data track.
	ctrlDataTrack = 0x04
)

type tocHeader struct {
	First uint8
	Last  uint8
}

// tocEntry mirrors struct cdrom_tocentry with LBA addressing. The address
// union is int-aligned, hence the pad byte.
type tocEntry struct {
	Track    uint8
	AdrCtrl  uint8
	Format   uint8
	_        uint8
	LBA      int32
	Datamode uint8
	_        [3]uint8
}

type linuxDrive struct {
	device string
}

// NewDrive opens access to the CD drive at the given device path. The
// device is opened per operation: holding it open blocks the tray.
func NewDrive(device string) Drive {
	return &linuxDrive{device: device}
}

func (d *linuxDrive) open() (int, error) {
	fd, err := unix.Open(d.device, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("opening %s: %w", d.device, err)
	}
	return fd, nil
}

func (d *linuxDrive) ReadTOC() (*disc.TOC, error) {
	fd, err := d.open()
	if err != nil {
		return nil, err
	}
	defer unix.Close(fd)

	status, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), cdromDriveStatus, 0)
	if errno != 0 {
		return nil, fmt.Errorf("%s: drive status: %w", d.device, errno)
	}
	if status != cdsDiscOK {
		return nil, ErrNoDisc
	}

	var hdr tocHeader
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), cdromReadTOCHdr,
		uintptr(unsafe.Pointer(&hdr))); errno != 0 {
		return nil, fmt.Errorf("%s: reading TOC header: %w", d.device, errno)
	}

	readEntry := func(track uint8) (*tocEntry, error) {
		e := tocEntry{Track: track, Format: cdromFormatLBA}
		if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), cdromReadTOCEntry,
			uintptr(unsafe.Pointer(&e))); errno != 0 {
			return nil, fmt.Errorf("%s: reading TOC entry %d: %w", d.device, track, errno)
		}
		return &e, nil
	}

	leadout, err := readEntry(cdromLeadout)
	if err != nil {
		return nil, err
	}

	toc := &disc.TOC{Leadout: int(leadout.LBA)}
	for n := hdr.First; n <= hdr.Last; n++ {
		e, err := readEntry(n)
		if err != nil {
			return nil, err
		}
		if e.AdrCtrl&ctrlDataTrack != 0 {
			// Mixed-mode disc: audio stops at the first data track.
			break
		}
		toc.Tracks = append(toc.Tracks, disc.TOCTrack{
			Number: int(n),
			Start:  int(e.LBA),
		})
	}
	if len(toc.Tracks) == 0 {
		return nil, ErrNoDisc
	}

	// Lengths run to the next track start, the last to the lead-out.
	for i := range toc.Tracks {
		end := toc.Leadout
		if i+1 < len(toc.Tracks) {
			end = toc.Tracks[i+1].Start
		}
		toc.Tracks[i].Length = end - toc.Tracks[i].Start
	}
	return toc, nil
}

func (d *linuxDrive) Eject() error {
	fd, err := d.open()
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), cdromEject, 0); errno != 0 {
		return fmt.Errorf("ejecting %s: %w", d.device, errno)
	}
	return nil
}
