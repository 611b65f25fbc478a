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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Load reads the configuration at path, creating it with defaults on first run.
//
// # Description
//
// Fields missing from the file keep their defaults. TETHER_* environment
// variables override the file. The result is validated.
//
// # Outputs
//
//   - TetherConfig: The effective configuration.
//   - bool: True when the file was created by this call.
//   - error: Read, parse, or validation (ErrInvalid) failure.
func Load(path string) (TetherConfig, bool, error) {
	created := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return TetherConfig{}, false, err
		}
		created = true
	}
	cfg, err := Read(path)
	return cfg, created, err
}

// Read parses and validates an existing file. It never writes.
func Read(path string) (TetherConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TetherConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults, applies the environment and validates.
func Parse(data []byte) (TetherConfig, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return TetherConfig{}, fmt.Errorf("failed to parse the config: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return TetherConfig{}, err
	}
	if err := Validate(cfg); err != nil {
		return TetherConfig{}, err
	}
	return cfg, nil
}

// Validate checks struct tags.
func Validate(cfg TetherConfig) error {
	if err := validatorInstance().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// WriteDefault writes the default configuration to path, refusing to overwrite.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	return createDefault(path)
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	defaultCfg := DefaultConfig()
	data, err := yaml.Marshal(defaultCfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnv overrides file values with TETHER_* variables.
func applyEnv(cfg *TetherConfig) error {
	cfg.Engine.WindowLabel = getEnvOr("TETHER_WINDOW_LABEL", cfg.Engine.WindowLabel)
	cfg.Host.Driver = getEnvOr("TETHER_HOST_DRIVER", cfg.Host.Driver)
	cfg.Host.Rod.ControlURL = getEnvOr("TETHER_ROD_CONTROL_URL", cfg.Host.Rod.ControlURL)
	cfg.Log.Level = getEnvOr("TETHER_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnvOr("TETHER_LOG_FORMAT", cfg.Log.Format)
	cfg.Log.File = getEnvOr("TETHER_LOG_FILE", cfg.Log.File)
	cfg.Server.Addr = getEnvOr("TETHER_SERVER_ADDR", cfg.Server.Addr)

	if v := os.Getenv("TETHER_SERVER_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: TETHER_SERVER_ENABLED: %v", ErrInvalid, err)
		}
		cfg.Server.Enabled = b
	}
	return nil
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
