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
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// llmTracerName is the shared OTel tracer name for generation clients.
const llmTracerName = "namer.llm"

// Package-level Prometheus metrics for generation calls.
// Auto-registered via promauto so no explicit registry wiring is needed.
var (
	// llmCallDuration measures the duration of calls to the generation server.
	//
	// Labels:
	//   - provider: "ollama"
	//   - op: "generate" or "list_models"
	//   - status: "success" or "error"
	llmCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "namer",
			Subsystem: "llm",
			Name:      "call_duration_seconds",
			Help:      "Duration of generation server calls in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"provider", "op", "status"},
	)

	// llmCallsTotal counts calls to the generation server.
	llmCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "namer",
			Subsystem: "llm",
			Name:      "calls_total",
			Help:      "Total number of generation server calls.",
		},
		[]string{"provider", "op", "status"},
	)

	// llmErrorsTotal counts failed calls by type.
	//
	// Labels:
	//   - error_type: "not_configured", "timeout", "client", "server", "transport", "unknown"
	llmErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "namer",
			Subsystem: "llm",
			Name:      "errors_total",
			Help:      "Total generation server errors by type.",
		},
		[]string{"provider", "error_type"},
	)

	// llmActiveRequests tracks in-flight generation calls.
	llmActiveRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "namer",
			Subsystem: "llm",
			Name:      "active_requests",
			Help:      "Number of generation requests currently in flight.",
		},
		[]string{"provider"},
	)
)

// classifyError maps an error to a label-safe error type string.
//
// Description:
//
//	Prefers the structured information of *ServiceError and falls back to
//	inspecting the message. Keeps label cardinality bounded.
//
// Outputs:
//
//	string - One of: "not_configured", "timeout", "client", "server",
//	         "transport", "unknown". Empty string for nil.
func classifyError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrNotConfigured) || errors.Is(err, ErrNoModel) {
		return "not_configured"
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "context canceled") ||
		strings.Contains(msg, "timeout") {
		return "timeout"
	}

	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		switch {
		case svcErr.StatusCode >= 500:
			return "server"
		case svcErr.StatusCode >= 400:
			return "client"
		case svcErr.StatusCode == 0:
			return "transport"
		}
	}
	return "unknown"
}

// recordLLMMetrics records one completed call.
//
// Thread Safety: Safe for concurrent use.
func recordLLMMetrics(provider, op string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
		llmErrorsTotal.WithLabelValues(provider, classifyError(err)).Inc()
	}
	llmCallDuration.WithLabelValues(provider, op, status).Observe(duration.Seconds())
	llmCallsTotal.WithLabelValues(provider, op, status).Inc()
}

func incActiveRequests(provider string) {
	llmActiveRequests.WithLabelValues(provider).Inc()
}

func decActiveRequests(provider string) {
	llmActiveRequests.WithLabelValues(provider).Dec()
}
