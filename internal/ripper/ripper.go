// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package ripper supervises the two external programs that read a disc:
// the audio ripper writing raw PCM into the archive, and the subchannel
// TOC reader. Audio runs first so playback can begin on the first bytes;
// the TOC phase follows and its result is merged by the reconciler.
package ripper

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/rapidaai/codplayer/internal/archive"
	"github.com/rapidaai/codplayer/internal/disc"
	"github.com/rapidaai/codplayer/pkg/commons"
)

// Phase of a rip in progress.
type Phase string

const (
	PhaseInactive Phase = "INACTIVE"
	PhaseAudio    Phase = "AUDIO"
	PhaseTOC      Phase = "TOC"
)

// ProgressUnknown marks a phase whose completion cannot be estimated yet.
const ProgressUnknown = -1

// Update is one progress report. The player folds these into the
// published RipState; errors never cross goroutines any other way.
type Update struct {
	DiscID   string
	Phase    Phase
	Progress int // 0..100, or ProgressUnknown
	Err      error
	// TOCReady signals that the subchannel TOC was stored and can be
	// reconciled into the disc record.
	TOCReady bool
	// Done marks the end of the whole rip, successful or not.
	Done bool
}

// Config for the external programs. The command strings are templates;
// {device}, {file}, {toc} and {speed} are substituted per run.
type Config struct {
	Device       string
	AudioCommand string
	TOCCommand   string
	Speed        int
	Timeout      time.Duration
}

// DefaultAudioCommand rips the whole program area as raw big-endian PCM.
const DefaultAudioCommand = "cdparanoia --force-cdrom-device {device} --output-raw-big-endian --force-read-speed {speed} -- 1- {file}"

// DefaultTOCCommand reads the full subchannel TOC.
const DefaultTOCCommand = "cdrdao read-toc --device {device} --datafile {file} {toc}"

// Ripper runs at most one rip at a time.
type Ripper struct {
	logger commons.Logger
	store  *archive.Store
	cfg    Config

	mu      sync.Mutex
	discID  string // disc being ripped, "" when idle
	audio   bool   // audio phase still writing the data file
	cancel  context.CancelFunc
	updates chan Update
}

func New(store *archive.Store, cfg Config, logger commons.Logger) *Ripper {
	if cfg.AudioCommand == "" {
		cfg.AudioCommand = DefaultAudioCommand
	}
	if cfg.TOCCommand == "" {
		cfg.TOCCommand = DefaultTOCCommand
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Hour
	}
	return &Ripper{
		logger:  logger,
		store:   store,
		cfg:     cfg,
		updates: make(chan Update, 16),
	}
}

// Updates delivers progress reports; the channel is never closed.
func (r *Ripper) Updates() <-chan Update {
	return r.updates
}

// AudioInProgress reports whether the disc's data file is still growing.
// The source streamer polls this to wait for a slow rip.
func (r *Ripper) AudioInProgress(discID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.audio && r.discID == discID
}

// Rip starts ripping the disc in the background. Only one rip runs at a
// time.
func (r *Ripper) Rip(d *disc.Disc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.discID != "" {
		return fmt.Errorf("already ripping disc %s", r.discID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	r.discID = d.ID
	r.audio = !r.store.DataComplete(d)
	r.cancel = cancel

	go r.run(ctx, d)
	return nil
}

// Stop kills any running rip; partial results stay in the archive.
func (r *Ripper) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Ripper) run(ctx context.Context, d *disc.Disc) {
	defer func() {
		r.mu.Lock()
		r.discID = ""
		r.audio = false
		r.cancel = nil
		r.mu.Unlock()
	}()

	if r.audioInProgressFor(d.ID) {
		if err := r.ripAudio(ctx, d); err != nil {
			// Bytes already read stay in the archive; the disc re-rips
			// on a later insertion.
			r.logger.Errorw("Audio rip failed", "disc_id", d.ID, "error", err)
			r.send(Update{DiscID: d.ID, Phase: PhaseAudio, Err: err, Done: true})
			return
		}
	}
	r.mu.Lock()
	r.audio = false
	r.mu.Unlock()

	if _, err := r.store.GetFullTOC(d.ID); err == nil {
		// TOC already read on an earlier insertion.
		r.send(Update{DiscID: d.ID, Phase: PhaseInactive, Done: true})
		return
	}

	if err := r.ripTOC(ctx, d); err != nil {
		// The disc stays playable with just the basic TOC.
		r.logger.Errorw("TOC read failed", "disc_id", d.ID, "error", err)
		r.send(Update{DiscID: d.ID, Phase: PhaseTOC, Err: err, Done: true})
		return
	}

	r.send(Update{DiscID: d.ID, Phase: PhaseInactive, TOCReady: true, Done: true})
}

func (r *Ripper) audioInProgressFor(discID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.audio && r.discID == discID
}

// ============================================================================
// Audio phase
// ============================================================================

func (r *Ripper) ripAudio(ctx context.Context, d *disc.Disc) error {
	r.send(Update{DiscID: d.ID, Phase: PhaseAudio, Progress: 0})

	dataFile := r.store.DataFile(d)
	cmd := r.command(ctx, r.cfg.AudioCommand, dataFile, "")
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting audio ripper: %w", err)
	}

	// Progress is inferred by watching the output file grow.
	var total int64
	for _, t := range d.Tracks {
		if end := t.FileOffset + t.Length; end > total {
			total = end
		}
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		last := -1
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if total <= 0 {
					continue
				}
				pct := int(r.store.DataSize(d) * 100 / total)
				if pct > 100 {
					pct = 100
				}
				if pct != last {
					last = pct
					r.send(Update{DiscID: d.ID, Phase: PhaseAudio, Progress: pct})
				}
			}
		}
	}()

	err := cmd.Wait()
	close(stop)
	if err != nil {
		if r.store.DataSize(d) > 0 {
			return fmt.Errorf("audio ripper failed after %d bytes: %w", r.store.DataSize(d), err)
		}
		return fmt.Errorf("audio ripper failed: %w", err)
	}
	return nil
}

// ============================================================================
// TOC phase
// ============================================================================

var tocTrackRe = regexp.MustCompile(`Analyzing track (\d+)`)

func (r *Ripper) ripTOC(ctx context.Context, d *disc.Disc) error {
	r.send(Update{DiscID: d.ID, Phase: PhaseTOC, Progress: ProgressUnknown})

	tocFile := filepath.Join(r.store.DiscDir(d.ID), archive.FullTOCFileName+".rip")
	os.Remove(tocFile) // the TOC reader refuses to overwrite

	cmd := r.command(ctx, r.cfg.TOCCommand, r.store.DataFile(d), tocFile)

	// The TOC reader reports progress to its terminal only, so it runs
	// under a pty.
	tty, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("starting TOC reader: %w", err)
	}
	defer tty.Close()

	total := 0
	for _, t := range d.Tracks {
		if t.Number > 0 {
			total++
		}
	}
	scanner := bufio.NewScanner(tty)
	scanner.Split(scanLinesAndCR)
	for scanner.Scan() {
		m := tocTrackRe.FindStringSubmatch(scanner.Text())
		if m == nil || total == 0 {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		pct := (n - 1) * 100 / total
		r.send(Update{DiscID: d.ID, Phase: PhaseTOC, Progress: pct})
	}

	if err := cmd.Wait(); err != nil {
		os.Remove(tocFile)
		return fmt.Errorf("TOC reader failed: %w", err)
	}

	text, err := os.ReadFile(tocFile)
	if err != nil {
		return fmt.Errorf("reading TOC output: %w", err)
	}
	os.Remove(tocFile)
	if err := r.store.PutFullTOC(d.ID, text); err != nil {
		return err
	}
	r.send(Update{DiscID: d.ID, Phase: PhaseTOC, Progress: 100})
	return nil
}

// command expands a template into an exec.Cmd bound to ctx, so the
// configured timeout and Stop kill the child.
func (r *Ripper) command(ctx context.Context, template, file, toc string) *exec.Cmd {
	speed := r.cfg.Speed
	if speed <= 0 {
		speed = 40 // effectively uncapped for an audio CD
	}
	expanded := strings.NewReplacer(
		"{device}", r.cfg.Device,
		"{file}", file,
		"{toc}", toc,
		"{speed}", strconv.Itoa(speed),
	).Replace(template)

	fields := strings.Fields(expanded)
	return exec.CommandContext(ctx, fields[0], fields[1:]...)
}

func (r *Ripper) send(u Update) {
	select {
	case r.updates <- u:
	default:
		r.logger.Warnw("Rip update dropped, consumer too slow",
			"disc_id", u.DiscID, "phase", string(u.Phase))
	}
}

// scanLinesAndCR splits on both newlines and bare carriage returns, which
// is how progress output arrives on a pty.
func scanLinesAndCR(data []byte, atEOF bool) (int, []byte, error) {
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
