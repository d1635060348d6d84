// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestClient points an OllamaClient at an httptest server.
func newTestClient(t *testing.T, server *httptest.Server, model string) *OllamaClient {
	t.Helper()
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parsing server URL: %v", err)
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("splitting host/port: %v", err)
	}
	return NewOllamaClient(OllamaConfig{
		Host:     host,
		Port:     port,
		Model:    model,
		Sampling: DefaultSamplingParams(),
	})
}

func TestOllamaClient_Generate_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %s, want /api/generate", r.URL.Path)
		}

		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Errorf("failed to decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, key := range []string{"model", "prompt", "stream", "temperature", "num_predict", "top_k", "top_p", "repeat_penalty", "stop", "num_ctx"} {
			if _, ok := raw[key]; !ok {
				t.Errorf("request missing field %q", key)
			}
		}
		if raw["stream"] != false {
			t.Errorf("stream = %v, want false", raw["stream"])
		}
		if raw["model"] != "llama3" {
			t.Errorf("model = %v, want llama3", raw["model"])
		}
		if raw["temperature"] != 0.2 {
			t.Errorf("temperature = %v, want 0.2", raw["temperature"])
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"llama3","response":"parse_header\n","done":true}`)
	}))
	defer server.Close()

	client := newTestClient(t, server, "llama3")
	got, err := client.Generate(context.Background(), "name this")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "parse_header\n" {
		t.Errorf("Generate = %q, want %q", got, "parse_header\n")
	}
}

func TestOllamaClient_Generate_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"model crashed"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server, "llama3")
	_, err := client.Generate(context.Background(), "prompt")
	if err == nil {
		t.Fatal("expected error for status 500")
	}

	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("error type = %T, want *ServiceError", err)
	}
	if svcErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", svcErr.StatusCode)
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error should carry the status code, got: %s", err)
	}
}

func TestOllamaClient_Generate_MissingResponseField(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"llama3","done":true}`)
	}))
	defer server.Close()

	client := newTestClient(t, server, "llama3")
	got, err := client.Generate(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("missing field should not be an error, got: %v", err)
	}
	if got != "" {
		t.Errorf("Generate = %q, want empty", got)
	}
}

func TestOllamaClient_Generate_NotConfigured(t *testing.T) {
	client := NewOllamaClient(OllamaConfig{Model: "llama3", Sampling: DefaultSamplingParams()})
	_, err := client.Generate(context.Background(), "prompt")
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("error = %v, want ErrNotConfigured", err)
	}

	client = NewOllamaClient(OllamaConfig{Host: "localhost", Model: "llama3"})
	_, err = client.Generate(context.Background(), "prompt")
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("port unset: error = %v, want ErrNotConfigured", err)
	}
}

func TestOllamaClient_Generate_NoModel(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	client := newTestClient(t, server, "")
	_, err := client.Generate(context.Background(), "prompt")
	if !errors.Is(err, ErrNoModel) {
		t.Errorf("error = %v, want ErrNoModel", err)
	}
	if calls.Load() != 0 {
		t.Errorf("server called %d times, want 0", calls.Load())
	}
}

func TestOllamaClient_Generate_SingleAttempt(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(t, server, "llama3")
	if _, err := client.Generate(context.Background(), "prompt"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("server called %d times, want exactly 1", calls.Load())
	}
}

func TestOllamaClient_Generate_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := newTestClient(t, server, "llama3")
	server.Close()

	_, err := client.Generate(context.Background(), "prompt")
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("error type = %T (%v), want *ServiceError", err, err)
	}
	if svcErr.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0 for transport failure", svcErr.StatusCode)
	}
}

func TestOllamaClient_Generate_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"response":"ok"}`)
	}))
	defer server.Close()

	base := newTestClient(t, server, "llama3")
	client := NewOllamaClient(OllamaConfig{
		Host:              base.host,
		Port:              base.port,
		Model:             "llama3",
		Sampling:          DefaultSamplingParams(),
		RequestsPerSecond: 100,
	})
	for i := 0; i < 3; i++ {
		if _, err := client.Generate(context.Background(), "prompt"); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}
}

func TestOllamaClient_ListModels_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/models" {
			t.Errorf("request = %s %s, want GET /v1/models", r.Method, r.URL.Path)
		}
		fmt.Fprint(w, `{"object":"list","data":[{"id":"llama3:8b","object":"model"},{"id":"qwen2.5-coder","object":"model"}]}`)
	}))
	defer server.Close()

	client := newTestClient(t, server, "")
	got, err := client.ListModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"llama3:8b", "qwen2.5-coder"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListModels = %v, want %v", got, want)
	}
}

func TestOllamaClient_ListModels_Errors(t *testing.T) {
	client := NewOllamaClient(OllamaConfig{})
	if _, err := client.ListModels(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("unconfigured: error = %v, want ErrNotConfigured", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client = newTestClient(t, server, "")
	_, err := client.ListModels(context.Background())
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("error type = %T, want *ServiceError", err)
	}
	if svcErr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", svcErr.StatusCode)
	}
	if !strings.Contains(err.Error(), "failed to retrieve models") {
		t.Errorf("unexpected message: %s", err)
	}
}

func TestGenerateRequest_RoundTrip(t *testing.T) {
	req := NewGenerateRequest("llama3", "In one word, what should the variable 'var_8' be named?\n", DefaultSamplingParams())

	first, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded GenerateRequest
	if err := json.Unmarshal(first, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(decoded, req) {
		t.Errorf("decoded = %+v, want %+v", decoded, req)
	}
	if !reflect.DeepEqual(decoded.Sampling(), DefaultSamplingParams()) {
		t.Errorf("Sampling() = %+v, want defaults", decoded.Sampling())
	}

	second, err := json.Marshal(decoded)
	if err != nil {
		t.Fatalf("re-marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("round trip changed bytes:\n%s\n%s", first, second)
	}
}

func TestNewGenerateRequest_CopiesStop(t *testing.T) {
	params := DefaultSamplingParams()
	req := NewGenerateRequest("m", "p", params)
	req.Stop[0] = "changed"
	if params.Stop[0] != "\n\n" {
		t.Errorf("request shares Stop slice with params")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "nil", err: nil, expected: ""},
		{name: "not configured", err: ErrNotConfigured, expected: "not_configured"},
		{name: "no model", err: ErrNoModel, expected: "not_configured"},
		{name: "server", err: &ServiceError{Op: "generate", StatusCode: 500}, expected: "server"},
		{name: "client", err: &ServiceError{Op: "generate", StatusCode: 404}, expected: "client"},
		{name: "transport", err: &ServiceError{Op: "generate", Err: errors.New("connection refused")}, expected: "transport"},
		{name: "canceled", err: &ServiceError{Op: "generate", Err: context.Canceled}, expected: "timeout"},
		{name: "other", err: errors.New("boom"), expected: "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyError(tt.err); got != tt.expected {
				t.Errorf("classifyError(%v) = %q, want %q", tt.err, got, tt.expected)
			}
		})
	}
}

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestOllamaClient_Generate_SpanCreated(t *testing.T) {
	exporter := setupTestTracer(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"response":"read_config"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server, "llama3")
	if _, err := client.Generate(context.Background(), "prompt"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found := false
	for _, s := range exporter.GetSpans() {
		if s.Name != "llm.OllamaClient.Generate" {
			continue
		}
		found = true
		attrs := make(map[string]string)
		for _, a := range s.Attributes {
			attrs[string(a.Key)] = a.Value.Emit()
		}
		if attrs["provider"] != "ollama" {
			t.Errorf("span provider = %q, want ollama", attrs["provider"])
		}
		if attrs["model"] != "llama3" {
			t.Errorf("span model = %q, want llama3", attrs["model"])
		}
	}
	if !found {
		t.Error("span 'llm.OllamaClient.Generate' not found")
	}
}

func TestRecordLLMMetrics_NoPanic(t *testing.T) {
	recordLLMMetrics("ollama", "generate", 0, nil)
	recordLLMMetrics("ollama", "generate", 0, &ServiceError{Op: "generate", StatusCode: 502})
	incActiveRequests("ollama")
	decActiveRequests("ollama")
}
