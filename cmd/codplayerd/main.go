// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// codplayerd is the CD player appliance daemon: insert a disc and it
// rips to the archive while streaming to the audio device; insert it
// again later and it plays from the archive.
package main

import (
	"context"
	"errors"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/brutella/dnssd"
	"golang.org/x/sync/errgroup"

	"github.com/rapidaai/codplayer/internal/archive"
	"github.com/rapidaai/codplayer/internal/audio"
	"github.com/rapidaai/codplayer/internal/audio/alsadev"
	"github.com/rapidaai/codplayer/internal/bus"
	"github.com/rapidaai/codplayer/internal/cdrom"
	"github.com/rapidaai/codplayer/internal/discwatch"
	"github.com/rapidaai/codplayer/internal/player"
	"github.com/rapidaai/codplayer/internal/ripper"
	"github.com/rapidaai/codplayer/pkg/commons"
	"github.com/rapidaai/codplayer/pkg/configs"
)

const version = "2.0.0"

func main() {
	v, err := configs.InitConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg, err := configs.GetApplicationConfig(v)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	loggerOpts := []commons.Option{
		commons.Name(cfg.Name),
		commons.Level(cfg.LogLevel),
	}
	if cfg.LogPath != "" {
		loggerOpts = append(loggerOpts, commons.Path(cfg.LogPath))
	}
	logger, err := commons.NewApplicationLogger(loggerOpts...)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	store, err := archive.NewStore(cfg.Archive.Dir, logger)
	if err != nil {
		logger.Fatalf("archive: %v", err)
	}

	drive := cdrom.NewDrive(cfg.Drive.Device)

	rip := ripper.New(store, ripper.Config{
		Device:       cfg.Drive.Device,
		AudioCommand: cfg.Rip.AudioCommand,
		TOCCommand:   cfg.Rip.TOCCommand,
		Speed:        cfg.Rip.Speed,
		Timeout:      time.Duration(cfg.Rip.TimeoutSeconds) * time.Second,
	}, logger)

	opener := &alsadev.Opener{Name: cfg.Audio.Device, Logger: logger}
	if !cfg.Audio.StartWithoutDevice {
		if err := audio.Probe(opener); err != nil {
			logger.Fatalf("audio device %q unavailable: %v (set AUDIO__START_WITHOUT_DEVICE=true to come up without it)",
				cfg.Audio.Device, err)
		}
	}
	sink := audio.NewSink(opener, logger,
		audio.WithRealtime(true),
		audio.WithTelemetry(cfg.Audio.LogPerformance),
	)

	hub := bus.NewHub(cfg.Bus.Addr, nil, logger)
	core := player.New(store, drive, rip, sink, hub, version, logger)
	hub.SetHandler(core)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return core.Run(ctx) })
	if cfg.Drive.WatchUdev {
		watcher := discwatch.New(cfg.Drive.Device, core, logger)
		g.Go(func() error { return watcher.Run(ctx) })
	}
	if cfg.Bus.Announce {
		g.Go(func() error { return announce(ctx, cfg.Bus.Addr, logger) })
	}

	err = g.Wait()
	sink.Shutdown()

	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, player.ErrQuit):
		logger.Infof("codplayerd shut down")
	default:
		logger.Errorf("codplayerd failed: %v", err)
		os.Exit(1)
	}
}

// announce publishes the control endpoint as _codplayer._tcp over mDNS.
func announce(ctx context.Context, addr string, logger commons.Logger) error {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return err
	}

	sv, err := dnssd.NewService(dnssd.Config{
		Name: "codplayer",
		Type: "_codplayer._tcp",
		Port: port,
	})
	if err != nil {
		return err
	}
	rp, err := dnssd.NewResponder()
	if err != nil {
		return err
	}
	if _, err := rp.Add(sv); err != nil {
		return err
	}
	logger.Infow("Announcing control endpoint over mDNS", "port", port)
	return rp.Respond(ctx)
}
