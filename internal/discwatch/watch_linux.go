// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

//go:build linux

// Package discwatch notices physical disc insertions via udev and pokes
// the player, so dropping a CD in the tray is all a listener has to do.
package discwatch

import (
	"context"

	"github.com/jochenvg/go-udev"

	"github.com/rapidaai/codplayer/pkg/commons"
)

// Inserter is poked once per detected insertion; the player implements it.
type Inserter interface {
	Insert()
}

// Watcher monitors block-device change events for the configured drive.
type Watcher struct {
	logger commons.Logger
	device string
	player Inserter
}

func New(device string, player Inserter, logger commons.Logger) *Watcher {
	return &Watcher{
		logger: logger,
		device: device,
		player: player,
	}
}

// Run blocks on the udev monitor until the context ends.
func (w *Watcher) Run(ctx context.Context) error {
	u := udev.Udev{}
	m := u.NewMonitorFromNetlink("udev")
	if err := m.FilterAddMatchSubsystem("block"); err != nil {
		return err
	}

	devices, errs, err := m.DeviceChan(ctx)
	if err != nil {
		return err
	}
	w.logger.Infow("Watching for disc insertions", "device", w.device)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			w.logger.Errorw("udev monitor error", "error", err)
		case d, ok := <-devices:
			if !ok {
				return nil
			}
			if d.Devnode() != w.device || d.Action() != "change" {
				continue
			}
			if d.PropertyValue("ID_CDROM_MEDIA") != "1" {
				continue
			}
			w.logger.Infow("Disc inserted", "device", w.device)
			go w.player.Insert()
		}
	}
}
