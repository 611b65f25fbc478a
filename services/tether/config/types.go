// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"time"

	"github.com/AleutianAI/tether/services/tether/conn"
	"github.com/AleutianAI/tether/services/tether/engine"
	"github.com/AleutianAI/tether/services/tether/handle"
	"github.com/AleutianAI/tether/services/tether/telemetry"
	"github.com/AleutianAI/tether/services/tether/util"
)

// Host drivers.
const (
	DriverSim = "sim"
	DriverRod = "rod"
)

// TetherConfig is the whole process configuration.
type TetherConfig struct {
	// Engine: what to track and how often to look for it
	Engine EngineConfig `yaml:"engine"`

	// Connection: reset thresholds for the host channel
	Connection ConnectionConfig `yaml:"connection"`

	// Host: which host tree to attach to
	Host HostConfig `yaml:"host"`

	// Log: process log sink
	Log LogConfig `yaml:"log"`

	// Server: heartbeat and metrics endpoint
	Server ServerConfig `yaml:"server"`

	// Telemetry: trace and metric exporters
	Telemetry telemetry.Config `yaml:"telemetry"`
}

type EngineConfig struct {
	WindowLabel         string        `yaml:"window_label" validate:"required"`
	WindowQuery         handle.Query  `yaml:"window_query"`
	DocumentQuery       handle.Query  `yaml:"document_query"`
	ValidateAttr        string        `yaml:"validate_attr"`
	ContentAttr         string        `yaml:"content_attr"`
	TickPeriod          time.Duration `yaml:"tick_period" validate:"gte=0"`
	DiscoveryInterval   time.Duration `yaml:"discovery_interval" validate:"gte=0"`
	MetadataInterval    time.Duration `yaml:"metadata_interval" validate:"gte=0"`
	ContentInterval     time.Duration `yaml:"content_interval" validate:"gte=0"`
	DiscoveryRetryLimit int           `yaml:"discovery_retry_limit" validate:"gte=0,lte=1000"`
	IdentitySweep       bool          `yaml:"identity_sweep"`
	SearchMode          string        `yaml:"search_mode" validate:"omitempty,oneof=walk descendants"`
	WalkDepth           int           `yaml:"walk_depth" validate:"gte=0,lte=64"`
}

type ConnectionConfig struct {
	CallThreshold int64         `yaml:"call_threshold" validate:"gte=0"`
	MinAge        time.Duration `yaml:"min_age" validate:"gte=0"`
	MaxAge        time.Duration `yaml:"max_age" validate:"gte=0"`
	CallTimeout   time.Duration `yaml:"call_timeout" validate:"gte=0"`
}

type HostConfig struct {
	// Driver is "sim" (in-memory demo tree) or "rod" (Chrome DevTools)
	Driver string    `yaml:"driver" validate:"oneof=sim rod"`
	Sim    SimConfig `yaml:"sim"`
	Rod    RodConfig `yaml:"rod"`
}

type SimConfig struct {
	// WindowLabel titles the demo window. Defaults to the engine's label.
	WindowLabel string `yaml:"window_label"`
}

type RodConfig struct {
	// ControlURL is a DevTools websocket URL. Empty launches a browser.
	ControlURL string `yaml:"control_url" validate:"omitempty,url"`

	// Headless applies to a launched browser.
	Headless bool `yaml:"headless"`

	// StartURL is opened in a launched browser.
	StartURL string `yaml:"start_url" validate:"omitempty,url"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// Format is "json", "text", or "auto" (text on a terminal)
	Format string `yaml:"format" validate:"oneof=auto json text"`

	// File receives the log. Empty writes to stderr.
	File         string        `yaml:"file"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gte=0"`
	GracePeriod  time.Duration `yaml:"grace_period" validate:"gte=0"`
}

type ServerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr" validate:"required_if=Enabled true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// DefaultConfig returns a configuration that runs against the simulated host.
func DefaultConfig() TetherConfig {
	e := engine.DefaultConfig()
	c := conn.DefaultConfig()
	return TetherConfig{
		Engine: EngineConfig{
			WindowLabel:         "PowerScribe",
			DocumentQuery:       e.DocumentQuery,
			ValidateAttr:        e.ValidateAttr,
			ContentAttr:         e.ContentAttr,
			TickPeriod:          util.DefaultTickPeriod,
			DiscoveryInterval:   e.DiscoveryInterval,
			MetadataInterval:    e.MetadataInterval,
			ContentInterval:     e.ContentInterval,
			DiscoveryRetryLimit: e.DiscoveryRetryLimit,
			IdentitySweep:       e.IdentitySweep,
			SearchMode:          string(e.SearchMode),
			WalkDepth:           e.WalkDepth,
		},
		Connection: ConnectionConfig{
			CallThreshold: c.CallThreshold,
			MinAge:        c.MinAge,
			MaxAge:        c.MaxAge,
		},
		Host: HostConfig{
			Driver: DriverSim,
			Rod:    RodConfig{Headless: true},
		},
		Log: LogConfig{
			Level:        "info",
			Format:       "auto",
			PollInterval: util.DefaultLogPollInterval,
			GracePeriod:  util.DefaultLogGracePeriod,
		},
		Server: ServerConfig{
			Enabled:         true,
			Addr:            "127.0.0.1:9464",
			ShutdownTimeout: util.DefaultShutdownTimeout,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// EngineConfig converts to the engine's configuration.
func (c TetherConfig) EngineConfig() engine.Config {
	return engine.Config{
		WindowLabel:         c.Engine.WindowLabel,
		WindowQuery:         c.Engine.WindowQuery,
		DocumentQuery:       c.Engine.DocumentQuery,
		ValidateAttr:        c.Engine.ValidateAttr,
		ContentAttr:         c.Engine.ContentAttr,
		DiscoveryInterval:   c.Engine.DiscoveryInterval,
		MetadataInterval:    c.Engine.MetadataInterval,
		ContentInterval:     c.Engine.ContentInterval,
		DiscoveryRetryLimit: c.Engine.DiscoveryRetryLimit,
		IdentitySweep:       c.Engine.IdentitySweep,
		SearchMode:          engine.SearchMode(c.Engine.SearchMode),
		WalkDepth:           c.Engine.WalkDepth,
		Connection:          c.ConnectionConfig(),
	}
}

// ConnectionConfig converts to the connection's configuration.
func (c TetherConfig) ConnectionConfig() conn.Config {
	return conn.Config{
		CallThreshold: c.Connection.CallThreshold,
		MinAge:        c.Connection.MinAge,
		MaxAge:        c.Connection.MaxAge,
		CallTimeout:   c.Connection.CallTimeout,
	}
}
