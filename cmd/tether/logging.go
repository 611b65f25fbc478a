// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/tether/services/tether/asynclog"
	"github.com/AleutianAI/tether/services/tether/config"
)

// logSink is the process logger and the asynchronous writer behind it.
type logSink struct {
	logger *slog.Logger
	async  *asynclog.Log
	file   *os.File
}

// openLogSink builds the process logger.
//
// # Description
//
// Every record goes through an asynclog.Log so a slow disk never stalls a
// tick. With Format "auto" the handler is text when the destination is an
// interactive terminal and JSON otherwise.
//
// # Inputs
//
//   - cfg: Log section of the configuration.
//   - stderr: Destination when cfg.File is empty.
//
// # Outputs
//
//   - *logSink: Must be closed.
//   - error: The log file could not be opened.
func openLogSink(cfg config.LogConfig, stderr io.Writer) (*logSink, error) {
	s := &logSink{}
	dest := stderr
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		s.file = f
		dest = f
	}

	s.async = asynclog.New(dest,
		asynclog.WithPollInterval(cfg.PollInterval),
		asynclog.WithGracePeriod(cfg.GracePeriod),
	)
	if s.file != nil {
		// Marks where this run starts in an appended file.
		s.async.Enqueue(fmt.Sprintf("--- tether %s pid %d ---", version, os.Getpid()))
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var h slog.Handler
	if useText(cfg.Format, dest) {
		h = slog.NewTextHandler(s.async, opts)
	} else {
		h = slog.NewJSONHandler(s.async, opts)
	}
	s.logger = slog.New(h).With(slog.String("service", "tether"))
	return s, nil
}

// Close drains the queue and closes the log file. Records that were dropped
// or failed to write are reported in the error.
func (s *logSink) Close(ctx context.Context) error {
	err := s.async.Close(ctx)
	if st := s.async.Stats(); st.Dropped > 0 || st.WriteErrors > 0 {
		err = errors.Join(err, fmt.Errorf("%d records dropped, %d write errors", st.Dropped, st.WriteErrors))
	}
	if s.file != nil {
		err = errors.Join(err, s.file.Close())
	}
	return err
}

func useText(format string, dest io.Writer) bool {
	switch format {
	case "text":
		return true
	case "json":
		return false
	}
	f, ok := dest.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
