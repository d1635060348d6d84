// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assistant

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianNamer/services/llm"
	"github.com/AleutianAI/AleutianNamer/services/namer/naming"
)

// SettingsSnapshot is an immutable copy of the client settings.
type SettingsSnapshot struct {
	Host                string             `json:"host"`
	Port                string             `json:"port"`
	Model               string             `json:"model"`
	Sampling            llm.SamplingParams `json:"sampling"`
	PlaceholderPrefixes []string           `json:"placeholder_prefixes"`
	RequestTimeout      time.Duration      `json:"request_timeout"`
	RequestsPerSecond   float64            `json:"requests_per_second"`
}

// IsSet reports whether host and port are both configured.
func (s SettingsSnapshot) IsSet() bool {
	return s.Host != "" && s.Port != ""
}

// OllamaConfig converts the snapshot into a client configuration.
func (s SettingsSnapshot) OllamaConfig() llm.OllamaConfig {
	return llm.OllamaConfig{
		Host:              s.Host,
		Port:              s.Port,
		Model:             s.Model,
		Sampling:          s.Sampling,
		RequestTimeout:    s.RequestTimeout,
		RequestsPerSecond: s.RequestsPerSecond,
	}
}

// DefaultSettings returns unconfigured settings with default sampling and
// placeholder prefixes.
func DefaultSettings() SettingsSnapshot {
	return SettingsSnapshot{
		Sampling:            llm.DefaultSamplingParams(),
		PlaceholderPrefixes: append([]string(nil), naming.DefaultPlaceholderPrefixes...),
	}
}

// Settings holds the server address, model and sampling configuration
// shared by every command of one session.
//
// Description:
//
//	Settings is passed by reference to whatever needs it; there is no
//	package-level instance. Tasks take a Snapshot when they start and build
//	their own client from it, so a concurrent SetModel never changes a
//	running task.
//
// Thread Safety: Safe for concurrent use.
type Settings struct {
	mu   sync.RWMutex
	snap SettingsSnapshot
}

// NewSettings returns Settings initialized from initial.
func NewSettings(initial SettingsSnapshot) *Settings {
	s := &Settings{}
	s.snap = cloneSnapshot(initial)
	return s
}

func cloneSnapshot(in SettingsSnapshot) SettingsSnapshot {
	out := in
	out.Sampling.Stop = append([]string(nil), in.Sampling.Stop...)
	out.PlaceholderPrefixes = append([]string(nil), in.PlaceholderPrefixes...)
	return out
}

// Snapshot returns a copy of the current settings.
func (s *Settings) Snapshot() SettingsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSnapshot(s.snap)
}

// IsSet reports whether host and port are configured.
func (s *Settings) IsSet() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.IsSet()
}

// SetServer sets the server address.
//
// Inputs:
//
//	host - Hostname or IP. Must not be empty or contain whitespace.
//	port - Decimal port in 1..65535.
func (s *Settings) SetServer(host, port string) error {
	host = strings.TrimSpace(host)
	port = strings.TrimSpace(port)
	if host == "" || strings.ContainsAny(host, " \t/") {
		return fmt.Errorf("invalid host %q", host)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Host = host
	s.snap.Port = strconv.Itoa(n)
	return nil
}

// SetModel selects the generation model.
func (s *Settings) SetModel(model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return fmt.Errorf("model must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Model = model
	return nil
}

// SetSampling replaces the sampling parameters.
func (s *Settings) SetSampling(p llm.SamplingParams) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Sampling = p
	s.snap.Sampling.Stop = append([]string(nil), p.Stop...)
}

// SetPlaceholderPrefixes replaces the prefixes that mark unnamed functions.
func (s *Settings) SetPlaceholderPrefixes(prefixes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.PlaceholderPrefixes = append([]string(nil), prefixes...)
}
