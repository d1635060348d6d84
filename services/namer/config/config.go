// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the namer configuration: embedded YAML defaults,
// an optional user file merged over them, and environment overrides.
package config

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianNamer/services/llm"
	"github.com/AleutianAI/AleutianNamer/services/namer/assistant"
)

//go:embed defaults.yaml
var defaultConfigYAML []byte

// MaxConfigFileSize bounds the size of a config file.
const MaxConfigFileSize = 1 << 20

// Environment variables applied over the file configuration.
const (
	EnvOllamaHost  = "OLLAMA_HOST"
	EnvOllamaPort  = "OLLAMA_PORT"
	EnvOllamaModel = "OLLAMA_MODEL"
	EnvDatabase    = "NAMER_DB"
)

var configTracer = otel.Tracer("aleutian.namer.config")

var configValidator = validator.New()

// Config is the complete namer configuration.
//
// Thread Safety: Immutable after loading; safe for concurrent reads.
type Config struct {
	Ollama   OllamaConfig   `yaml:"ollama"`
	Naming   NamingConfig   `yaml:"naming"`
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
}

// OllamaConfig holds the generation server settings.
type OllamaConfig struct {
	Host              string             `yaml:"host" validate:"excludesall= /"`
	Port              string             `yaml:"port" validate:"omitempty,numeric"`
	Model             string             `yaml:"model"`
	RequestTimeout    time.Duration      `yaml:"request_timeout" validate:"gte=0"`
	RequestsPerSecond float64            `yaml:"requests_per_second" validate:"gte=0"`
	Sampling          llm.SamplingParams `yaml:"sampling"`
}

// NamingConfig holds the naming policy.
type NamingConfig struct {
	// PlaceholderPrefixes selects the functions renamed by a batch.
	PlaceholderPrefixes []string `yaml:"placeholder_prefixes" validate:"required,min=1,dive,required"`
}

// DatabaseConfig locates the code database. An empty Path means in-memory.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Listen          string        `yaml:"listen" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
	RetainedTasks   int           `yaml:"retained_tasks" validate:"gte=0"`
}

// Default returns the embedded defaults.
func Default() (*Config, error) {
	return Load(context.Background(), nil)
}

// Load parses data over the embedded defaults and validates the result.
//
// Description:
//
//	Keys present in data replace the default; lists are replaced, not
//	appended. Nil or empty data yields the defaults. Environment variables
//	are not consulted; see ApplyEnv.
//
// Inputs:
//
//	ctx - Context for tracing.
//	data - YAML document, possibly empty.
//
// Outputs:
//
//	*Config - The validated configuration.
//	error - Non-nil if parsing or validation fails.
func Load(ctx context.Context, data []byte) (*Config, error) {
	_, span := configTracer.Start(ctx, "config.Load")
	defer span.End()

	if len(data) > MaxConfigFileSize {
		return nil, fmt.Errorf("config: data exceeds maximum size (%d > %d)", len(data), MaxConfigFileSize)
	}

	var cfg Config
	if err := yaml.Unmarshal(defaultConfigYAML, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing embedded defaults: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parsing YAML: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Bool("ollama_configured", cfg.Ollama.Host != "" && cfg.Ollama.Port != ""),
		attribute.Int("placeholder_prefixes", len(cfg.Naming.PlaceholderPrefixes)),
	)
	return &cfg, nil
}

// LoadFile reads path and calls Load. An empty path yields the defaults.
func LoadFile(ctx context.Context, path string) (*Config, error) {
	if path == "" {
		return Load(ctx, nil)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if info.Size() > MaxConfigFileSize {
		return nil, fmt.Errorf("config: %s exceeds maximum size (%d > %d)", path, info.Size(), MaxConfigFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Load(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("%w (file %s)", err, path)
	}
	slog.Debug("config loaded", slog.String("path", path))
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("config: validation: %w", err)
	}
	if c.Ollama.Port != "" {
		if n, err := strconv.Atoi(c.Ollama.Port); err != nil || n < 1 || n > 65535 {
			return fmt.Errorf("config: validation: ollama.port %q out of range", c.Ollama.Port)
		}
	}
	return nil
}

// ApplyEnv overrides fields from the environment and revalidates.
//
// Description:
//
//	OLLAMA_HOST accepts a bare host, host:port, or a URL such as
//	http://10.0.0.5:11434; an embedded port is used unless OLLAMA_PORT is
//	also set.
//
// Inputs:
//
//	lookup - Environment lookup, normally os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvOllamaHost); ok && strings.TrimSpace(v) != "" {
		host, port := splitHost(strings.TrimSpace(v))
		c.Ollama.Host = host
		if port != "" {
			c.Ollama.Port = port
		}
	}
	if v, ok := lookup(EnvOllamaPort); ok && strings.TrimSpace(v) != "" {
		c.Ollama.Port = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvOllamaModel); ok && strings.TrimSpace(v) != "" {
		c.Ollama.Model = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvDatabase); ok {
		c.Database.Path = strings.TrimSpace(v)
	}
	return c.Validate()
}

func splitHost(v string) (host, port string) {
	if strings.Contains(v, "://") {
		if u, err := url.Parse(v); err == nil {
			return u.Hostname(), u.Port()
		}
	}
	if h, p, err := net.SplitHostPort(v); err == nil {
		return h, p
	}
	return v, ""
}

// Settings converts the configuration into initial session settings.
func (c *Config) Settings() assistant.SettingsSnapshot {
	return assistant.SettingsSnapshot{
		Host:                c.Ollama.Host,
		Port:                c.Ollama.Port,
		Model:               c.Ollama.Model,
		Sampling:            c.Ollama.Sampling,
		PlaceholderPrefixes: append([]string(nil), c.Naming.PlaceholderPrefixes...),
		RequestTimeout:      c.Ollama.RequestTimeout,
		RequestsPerSecond:   c.Ollama.RequestsPerSecond,
	}
}
