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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianNamer/services/llm"
	"github.com/AleutianAI/AleutianNamer/services/namer/assistant"
)

func TestDefault(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if cfg.Ollama.Host != "" || cfg.Ollama.Port != "" {
		t.Errorf("server should be unset by default, got %q:%q", cfg.Ollama.Host, cfg.Ollama.Port)
	}
	want := llm.DefaultSamplingParams()
	got := cfg.Ollama.Sampling
	if got.Temperature != want.Temperature || got.NumPredict != want.NumPredict || got.TopK != want.TopK ||
		got.TopP != want.TopP || got.RepeatPenalty != want.RepeatPenalty || got.NumCtx != want.NumCtx {
		t.Errorf("sampling = %+v, want %+v", got, want)
	}
	if len(got.Stop) != 2 || got.Stop[0] != "\n\n" || got.Stop[1] != "```" {
		t.Errorf("stop = %q", got.Stop)
	}
	if len(cfg.Naming.PlaceholderPrefixes) != 2 || cfg.Naming.PlaceholderPrefixes[0] != "sub_" {
		t.Errorf("prefixes = %v", cfg.Naming.PlaceholderPrefixes)
	}
	if cfg.Ollama.RequestTimeout != 0 {
		t.Errorf("request timeout = %v, want 0", cfg.Ollama.RequestTimeout)
	}
	if cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("shutdown timeout = %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Server.RetainedTasks != 200 {
		t.Errorf("retained tasks = %d, want 200", cfg.Server.RetainedTasks)
	}
}

func TestLoad_MergesOverDefaults(t *testing.T) {
	data := []byte(`
ollama:
  host: gpu-box
  port: "11434"
  request_timeout: 90s
  sampling:
    temperature: 0.7
naming:
  placeholder_prefixes: [FUN_]
`)
	cfg, err := Load(context.Background(), data)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ollama.Host != "gpu-box" || cfg.Ollama.Port != "11434" {
		t.Errorf("server = %q:%q", cfg.Ollama.Host, cfg.Ollama.Port)
	}
	if cfg.Ollama.RequestTimeout != 90*time.Second {
		t.Errorf("timeout = %v", cfg.Ollama.RequestTimeout)
	}
	if cfg.Ollama.Sampling.Temperature != 0.7 {
		t.Errorf("temperature = %v", cfg.Ollama.Sampling.Temperature)
	}
	if cfg.Ollama.Sampling.TopK != 40 {
		t.Errorf("unset sampling field lost its default: top_k = %d", cfg.Ollama.Sampling.TopK)
	}
	if len(cfg.Naming.PlaceholderPrefixes) != 1 || cfg.Naming.PlaceholderPrefixes[0] != "FUN_" {
		t.Errorf("prefixes should be replaced, got %v", cfg.Naming.PlaceholderPrefixes)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad yaml", "ollama: [unclosed"},
		{"port not numeric", "ollama:\n  port: abc\n"},
		{"port out of range", "ollama:\n  port: \"70000\"\n"},
		{"host with slash", "ollama:\n  host: http://x\n"},
		{"temperature too high", "ollama:\n  sampling:\n    temperature: 3\n"},
		{"no prefixes", "naming:\n  placeholder_prefixes: []\n"},
		{"empty prefix", "naming:\n  placeholder_prefixes: [\"\"]\n"},
		{"negative timeout", "ollama:\n  request_timeout: -1s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(context.Background(), []byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	tests := []struct {
		name     string
		env      map[string]string
		wantHost string
		wantPort string
	}{
		{"bare host", map[string]string{EnvOllamaHost: "gpu"}, "gpu", ""},
		{"host and port", map[string]string{EnvOllamaHost: "gpu:1234"}, "gpu", "1234"},
		{"url", map[string]string{EnvOllamaHost: "http://10.0.0.5:11434"}, "10.0.0.5", "11434"},
		{"explicit port wins", map[string]string{EnvOllamaHost: "gpu:1234", EnvOllamaPort: "4321"}, "gpu", "4321"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Default()
			if err != nil {
				t.Fatal(err)
			}
			lookup := func(k string) (string, bool) { v, ok := tt.env[k]; return v, ok }
			if err := cfg.ApplyEnv(lookup); err != nil {
				t.Fatalf("ApplyEnv: %v", err)
			}
			if cfg.Ollama.Host != tt.wantHost || cfg.Ollama.Port != tt.wantPort {
				t.Errorf("got %q:%q, want %q:%q", cfg.Ollama.Host, cfg.Ollama.Port, tt.wantHost, tt.wantPort)
			}
		})
	}

	cfg, _ := Default()
	env := map[string]string{EnvOllamaModel: "llama3", EnvDatabase: "/tmp/namer.db", EnvOllamaPort: "nope"}
	err := cfg.ApplyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	if err == nil {
		t.Error("invalid OLLAMA_PORT should fail validation")
	}
	if cfg.Ollama.Model != "llama3" || cfg.Database.Path != "/tmp/namer.db" {
		t.Errorf("model/db not applied: %+v", cfg)
	}
}

func TestSettings(t *testing.T) {
	cfg, err := Load(context.Background(), []byte("ollama:\n  host: h\n  port: \"1\"\n  model: m\n"))
	if err != nil {
		t.Fatal(err)
	}
	snap := cfg.Settings()
	if !snap.IsSet() || snap.Model != "m" {
		t.Errorf("snapshot = %+v", snap)
	}
	snap.PlaceholderPrefixes[0] = "changed"
	if cfg.Naming.PlaceholderPrefixes[0] != "sub_" {
		t.Error("Settings must copy the prefixes")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "namer.yaml")
	if err := os.WriteFile(path, []byte("database:\n  path: /var/lib/namer\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Database.Path != "/var/lib/namer" {
		t.Errorf("path = %q", cfg.Database.Path)
	}
	if _, err := LoadFile(context.Background(), filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
	if _, err := LoadFile(context.Background(), ""); err != nil {
		t.Errorf("empty path should give defaults: %v", err)
	}
}

// replaceFile writes data next to path and renames it into place.
func replaceFile(t *testing.T, path string, data string) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}

func TestWatch_ReloadsAndSkipsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "namer.yaml")
	replaceFile(t, path, "naming:\n  placeholder_prefixes: [sub_]\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(c *Config) { changes <- c }, nil) }()

	// Give the watcher time to register before modifying the file.
	time.Sleep(200 * time.Millisecond)

	replaceFile(t, path, "naming:\n  placeholder_prefixes: [\"\"]\n")
	replaceFile(t, path, "naming:\n  placeholder_prefixes: [FUN_]\nollama:\n  sampling:\n    temperature: 0.5\n")

	select {
	case cfg := <-changes:
		if cfg.Naming.PlaceholderPrefixes[0] != "FUN_" {
			t.Errorf("prefixes = %v", cfg.Naming.PlaceholderPrefixes)
		}
		settings := assistant.NewSettings(assistant.DefaultSettings())
		ApplyReloadable(cfg, settings)
		snap := settings.Snapshot()
		if snap.Sampling.Temperature != 0.5 || snap.PlaceholderPrefixes[0] != "FUN_" {
			t.Errorf("reloadable settings not applied: %+v", snap)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not stop")
	}
}

func TestWatch_EmptyPath(t *testing.T) {
	if err := Watch(context.Background(), "", func(*Config) {}, nil); err == nil {
		t.Error("expected error")
	}
}
