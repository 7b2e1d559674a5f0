// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package alsadev adapts an ALSA playback device to the sink's Device
// interface using the pure-Go yobert/alsa userspace driver.
package alsadev

import (
	"fmt"
	"strings"
	"time"

	yalsa "github.com/yobert/alsa"

	"github.com/rapidaai/codplayer/internal/audio"
	"github.com/rapidaai/codplayer/pkg/commons"
)

// Opener finds and opens the configured ALSA playback device.
type Opener struct {
	// Name selects the device: "default" for the first playback PCM,
	// or a substring of the card title.
	Name   string
	Logger commons.Logger
}

// Open implements audio.Opener. Channel count and rate must negotiate
// exactly; sample endianness falls back to the device's native order, in
// which case the sink byte-swaps on the copy into the ring buffer.
func (o *Opener) Open(req audio.Params) (audio.Device, audio.Params, error) {
	cards, err := yalsa.OpenCards()
	if err != nil {
		return nil, audio.Params{}, fmt.Errorf("opening ALSA cards: %w", err)
	}
	// All cards except the selected device's are released on return.
	defer yalsa.CloseCards(cards)

	dev, err := o.findPlayback(cards)
	if err != nil {
		return nil, audio.Params{}, err
	}

	if err := dev.Open(); err != nil {
		return nil, audio.Params{}, fmt.Errorf("opening %s: %w", dev.Title, err)
	}

	actual, err := negotiate(dev, req)
	if err != nil {
		dev.Close()
		return nil, audio.Params{}, err
	}

	if err := dev.Prepare(); err != nil {
		dev.Close()
		return nil, audio.Params{}, fmt.Errorf("preparing %s: %w", dev.Title, err)
	}

	o.Logger.Infow("ALSA device open", "device", dev.Title,
		"period_frames", actual.PeriodFrames, "big_endian", actual.BigEndian)

	return &device{dev: dev, params: actual}, actual, nil
}

func (o *Opener) findPlayback(cards []*yalsa.Card) (*yalsa.Device, error) {
	for _, card := range cards {
		devices, err := card.Devices()
		if err != nil {
			continue
		}
		for _, dev := range devices {
			if dev.Type != yalsa.PCM || !dev.Play {
				continue
			}
			if o.Name == "" || o.Name == "default" ||
				strings.Contains(strings.ToLower(card.Title), strings.ToLower(o.Name)) ||
				strings.Contains(strings.ToLower(dev.Title), strings.ToLower(o.Name)) {
				return dev, nil
			}
		}
	}
	return nil, fmt.Errorf("no ALSA playback device matching %q: no such file or directory", o.Name)
}

func negotiate(dev *yalsa.Device, req audio.Params) (audio.Params, error) {
	channels, err := dev.NegotiateChannels(req.Channels)
	if err != nil || channels != req.Channels {
		return audio.Params{}, fmt.Errorf("device does not support %d channels: %v", req.Channels, err)
	}

	rate, err := dev.NegotiateRate(req.Rate)
	if err != nil || rate != req.Rate {
		return audio.Params{}, fmt.Errorf("device does not support %d Hz: %v", req.Rate, err)
	}

	// Try the producer's endianness first, then the opposite with a
	// byte swap on the buffer copy.
	actual := req
	want := yalsa.S16_LE
	fallback := yalsa.S16_BE
	if req.BigEndian {
		want, fallback = fallback, want
	}
	format, err := dev.NegotiateFormat(want)
	if err != nil {
		format, err = dev.NegotiateFormat(fallback)
		if err != nil {
			return audio.Params{}, fmt.Errorf("device supports neither S16_LE nor S16_BE: %w", err)
		}
	}
	actual.BigEndian = format == yalsa.S16_BE

	periodFrames, err := dev.NegotiatePeriodSize(req.PeriodFrames)
	if err != nil {
		return audio.Params{}, fmt.Errorf("negotiating period size: %w", err)
	}
	actual.PeriodFrames = periodFrames

	bufFrames, err := dev.NegotiateBufferSize(periodFrames * req.Periods)
	if err != nil {
		return audio.Params{}, fmt.Errorf("negotiating buffer size: %w", err)
	}
	actual.Periods = bufFrames / periodFrames

	return actual, nil
}

// device wraps one open yobert/alsa playback device.
type device struct {
	dev    *yalsa.Device
	params audio.Params
}

func (d *device) Write(period []byte) error {
	frames := len(period) / (d.params.Channels * 2)
	return d.dev.Write(period, frames)
}

func (d *device) Prepare() error {
	return d.dev.Prepare()
}

// Pause is not exposed by the userspace driver; failing here makes the
// sink close the device, which stops the music just as surely, and a
// later resume reopens it.
func (d *device) Pause() error {
	return fmt.Errorf("ALSA userspace driver cannot pause")
}

func (d *device) Resume() error {
	return fmt.Errorf("ALSA userspace driver cannot resume")
}

// Drain waits out the hardware buffer before the close discards it.
func (d *device) Drain() error {
	frames := d.params.PeriodFrames * d.params.Periods
	time.Sleep(time.Duration(frames) * time.Second / time.Duration(d.params.Rate))
	return nil
}

func (d *device) Drop() error {
	return nil
}

func (d *device) Close() error {
	d.dev.Close()
	return nil
}
