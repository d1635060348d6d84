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
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianNamer/services/namer/assistant"
)

// Watch reloads path whenever it changes and passes each valid result to
// onChange.
//
// Description:
//
//	The containing directory is watched so that editors which replace the
//	file on save are handled. Environment overrides are reapplied to each
//	reload. An invalid file is logged and skipped; the previous
//	configuration stays in effect. Watch blocks until ctx is done.
//
// Inputs:
//
//	ctx - Stops the watch when cancelled.
//	path - Config file to watch. Must not be empty.
//	onChange - Called from the watch goroutine with each new config.
//	logger - Nil means slog.Default().
func Watch(ctx context.Context, path string, onChange func(*Config), logger *slog.Logger) error {
	if path == "" {
		return fmt.Errorf("config: watch: path must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(abs), err)
	}
	logger.Info("watching config file", slog.String("path", abs))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			// Truncation during a save shows up as an empty write.
			if info, err := os.Stat(abs); err != nil || info.Size() == 0 {
				continue
			}
			cfg, err := LoadFile(ctx, abs)
			if err == nil {
				err = cfg.ApplyEnv(os.LookupEnv)
			}
			if err != nil {
				logger.Warn("config reload rejected", slog.String("path", abs), slog.String("error", err.Error()))
				continue
			}
			logger.Info("config reloaded", slog.String("path", abs))
			onChange(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}

// ApplyReloadable copies sampling parameters and placeholder prefixes into
// s. Server and model are left as the session has them.
func ApplyReloadable(cfg *Config, s *assistant.Settings) {
	s.SetSampling(cfg.Ollama.Sampling)
	s.SetPlaceholderPrefixes(cfg.Naming.PlaceholderPrefixes)
}
