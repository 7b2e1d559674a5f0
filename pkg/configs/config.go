// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package configs

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// AppConfig is the daemon configuration, read once at startup and passed by
// value. Fields map from env-style keys (CODPLAYER__ARCHIVE__DIR etc).
type AppConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`
	LogPath  string `mapstructure:"log_path"`

	Archive ArchiveConfig `mapstructure:"archive" validate:"required"`
	Drive   DriveConfig   `mapstructure:"drive" validate:"required"`
	Audio   AudioConfig   `mapstructure:"audio" validate:"required"`
	Rip     RipConfig     `mapstructure:"rip" validate:"required"`
	Bus     BusConfig     `mapstructure:"bus" validate:"required"`
}

// ArchiveConfig locates the on-disk disc archive.
type ArchiveConfig struct {
	Dir string `mapstructure:"dir" validate:"required"`
}

// DriveConfig describes the physical CD drive.
type DriveConfig struct {
	Device string `mapstructure:"device" validate:"required"`
	// WatchUdev enables automatic rip-and-play on disc insertion.
	WatchUdev bool `mapstructure:"watch_udev"`
}

// AudioConfig describes the playback device.
type AudioConfig struct {
	Device string `mapstructure:"device" validate:"required"`
	// StartWithoutDevice lets the daemon come up when the audio device is
	// absent; the sink keeps retrying the open and reports the error in
	// the published state.
	StartWithoutDevice bool `mapstructure:"start_without_device"`
	// LogPerformance logs sink timing telemetry once per second.
	LogPerformance bool `mapstructure:"log_performance"`
}

// RipConfig controls the external ripper programs.
type RipConfig struct {
	AudioCommand string `mapstructure:"audio_command" validate:"required"`
	TOCCommand   string `mapstructure:"toc_command" validate:"required"`
	// Speed caps the drive read speed (0 = full speed).
	Speed int `mapstructure:"speed"`
	// TimeoutSeconds bounds each ripper child's wall-clock lifetime.
	TimeoutSeconds int `mapstructure:"timeout_seconds" validate:"required"`
}

// BusConfig describes the state/command wire surface.
type BusConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
	// Announce publishes the endpoint over mDNS as _codplayer._tcp.
	Announce bool `mapstructure:"announce"`
}

// InitConfig reads configuration from the environment and an optional
// .env-style file named by ENV_PATH.
func InitConfig() (*viper.Viper, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("__"))

	v.AddConfigPath(".")
	v.SetConfigName(".env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		v.SetConfigFile(path)
	}
	v.SetConfigType("env")
	v.AutomaticEnv()

	setDefault(v)
	if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		// Config file is optional; environment variables cover everything.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	return v, nil
}

func setDefault(v *viper.Viper) {
	v.SetDefault("SERVICE_NAME", "codplayerd")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PATH", "")

	v.SetDefault("ARCHIVE__DIR", "/var/lib/codplayer/discs")
	v.SetDefault("DRIVE__DEVICE", "/dev/cdrom")
	v.SetDefault("DRIVE__WATCH_UDEV", true)

	v.SetDefault("AUDIO__DEVICE", "default")
	v.SetDefault("AUDIO__START_WITHOUT_DEVICE", false)
	v.SetDefault("AUDIO__LOG_PERFORMANCE", false)

	v.SetDefault("RIP__AUDIO_COMMAND", "cdparanoia")
	v.SetDefault("RIP__TOC_COMMAND", "cdrdao")
	v.SetDefault("RIP__SPEED", 0)
	v.SetDefault("RIP__TIMEOUT_SECONDS", 3600)

	v.SetDefault("BUS__ADDR", "localhost:7705")
	v.SetDefault("BUS__ANNOUNCE", false)
}

// GetApplicationConfig unmarshals and validates the typed config.
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
