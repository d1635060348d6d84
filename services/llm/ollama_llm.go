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
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// =============================================================================
// Errors
// =============================================================================

// ErrNotConfigured is returned when a call is attempted before the server
// host and port have been set.
var ErrNotConfigured = errors.New("ollama: host and port must be configured")

// ErrNoModel is returned when a generation call is attempted without a model.
var ErrNoModel = errors.New("ollama: no model selected")

// ServiceError reports a failed exchange with the Ollama server.
//
// Description:
//
//	Either the server answered with a non-200 status (StatusCode set) or the
//	request never completed (Err set). Generation calls are attempted exactly
//	once, so a ServiceError is final for that call.
type ServiceError struct {
	// Op is "generate" or "list_models".
	Op string

	// StatusCode is the HTTP status, zero for transport failures.
	StatusCode int

	// Body is a truncated copy of the response body, if any.
	Body string

	// Err is the underlying transport or decoding error, if any.
	Err error
}

func (e *ServiceError) Error() string {
	msg := "ollama: " + e.Op + " failed"
	if e.Op == "list_models" {
		msg = "ollama: failed to retrieve models from the Ollama server"
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": server returned status code %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ServiceError) Unwrap() error { return e.Err }

// =============================================================================
// Wire Types
// =============================================================================

// SamplingParams holds the generation options sent with every request.
//
// Each field is independently overridable; DefaultSamplingParams returns the
// values used when nothing is configured.
type SamplingParams struct {
	Temperature   float64  `yaml:"temperature" json:"temperature" validate:"gte=0,lte=2"`
	NumPredict    int      `yaml:"num_predict" json:"num_predict" validate:"gt=0"`
	TopK          int      `yaml:"top_k" json:"top_k" validate:"gte=0"`
	TopP          float64  `yaml:"top_p" json:"top_p" validate:"gte=0,lte=1"`
	RepeatPenalty float64  `yaml:"repeat_penalty" json:"repeat_penalty" validate:"gte=0"`
	Stop          []string `yaml:"stop" json:"stop"`
	NumCtx        int      `yaml:"num_ctx" json:"num_ctx" validate:"gt=0"`
}

// DefaultSamplingParams returns the low-temperature settings used for naming.
func DefaultSamplingParams() SamplingParams {
	return SamplingParams{
		Temperature:   0.2,
		NumPredict:    4096,
		TopK:          40,
		TopP:          0.9,
		RepeatPenalty: 1.1,
		Stop:          []string{"\n\n", "```"},
		NumCtx:        4096,
	}
}

// GenerateRequest is the body of POST /api/generate.
//
// Sampling options are sent at the top level of the object, next to the
// model and prompt.
type GenerateRequest struct {
	Model         string   `json:"model"`
	Prompt        string   `json:"prompt"`
	Stream        bool     `json:"stream"`
	Temperature   float64  `json:"temperature"`
	NumPredict    int      `json:"num_predict"`
	TopK          int      `json:"top_k"`
	TopP          float64  `json:"top_p"`
	RepeatPenalty float64  `json:"repeat_penalty"`
	Stop          []string `json:"stop"`
	NumCtx        int      `json:"num_ctx"`
}

// NewGenerateRequest builds a non-streaming request for the given prompt.
func NewGenerateRequest(model, prompt string, p SamplingParams) GenerateRequest {
	stop := make([]string, len(p.Stop))
	copy(stop, p.Stop)
	return GenerateRequest{
		Model:         model,
		Prompt:        prompt,
		Stream:        false,
		Temperature:   p.Temperature,
		NumPredict:    p.NumPredict,
		TopK:          p.TopK,
		TopP:          p.TopP,
		RepeatPenalty: p.RepeatPenalty,
		Stop:          stop,
		NumCtx:        p.NumCtx,
	}
}

// Sampling returns the sampling options carried by the request.
func (r GenerateRequest) Sampling() SamplingParams {
	return SamplingParams{
		Temperature:   r.Temperature,
		NumPredict:    r.NumPredict,
		TopK:          r.TopK,
		TopP:          r.TopP,
		RepeatPenalty: r.RepeatPenalty,
		Stop:          r.Stop,
		NumCtx:        r.NumCtx,
	}
}

type generateResponse struct {
	Response *string `json:"response"`
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// =============================================================================
// Client Implementation
// =============================================================================

// OllamaConfig configures an OllamaClient.
type OllamaConfig struct {
	// Host and Port locate the server. Both are required for any call.
	Host string
	Port string

	// Model is the model name passed to /api/generate.
	Model string

	// Sampling is sent with every generation request.
	Sampling SamplingParams

	// RequestTimeout bounds one HTTP round trip. Zero means no timeout;
	// the caller's context is then the only way to abandon a hung call.
	RequestTimeout time.Duration

	// RequestsPerSecond paces generation calls when positive.
	RequestsPerSecond float64
}

// OllamaClient issues single non-streaming calls to an Ollama server.
//
// Description:
//
//	Wraps POST /api/generate and GET /v1/models using raw net/http. Every
//	call is attempted exactly once; there is no retry or backoff. A non-200
//	status is returned as a *ServiceError carrying the status code.
//
// Thread Safety: OllamaClient is safe for concurrent use.
type OllamaClient struct {
	httpClient *http.Client
	host       string
	port       string
	model      string
	params     SamplingParams
	limiter    *rate.Limiter
}

// NewOllamaClient creates a client from cfg.
//
// Inputs:
//   - cfg: Connection and sampling settings. Host/Port may be empty; calls
//     then fail with ErrNotConfigured.
//
// Outputs:
//   - *OllamaClient: The configured client.
func NewOllamaClient(cfg OllamaConfig) *OllamaClient {
	c := &OllamaClient{
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		host:   cfg.Host,
		port:   cfg.Port,
		model:  cfg.Model,
		params: cfg.Sampling,
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c
}

// BaseURL returns http://host:port, or "" when the client is not configured.
func (c *OllamaClient) BaseURL() string {
	if c.host == "" || c.port == "" {
		return ""
	}
	return "http://" + net.JoinHostPort(c.host, c.port)
}

// Model returns the configured model name.
func (c *OllamaClient) Model() string {
	return c.model
}

// Generate sends prompt to /api/generate and returns the generated text.
//
// Description:
//
//	Issues one non-streaming request carrying the client's sampling options.
//	A 200 response without a "response" field yields "" and no error; the
//	caller treats that as an empty result.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - prompt: The full prompt text.
//
// Outputs:
//   - string: The generated text, possibly empty.
//   - error: ErrNotConfigured, ErrNoModel, or *ServiceError.
//
// Thread Safety: This method is safe for concurrent use.
func (c *OllamaClient) Generate(ctx context.Context, prompt string) (string, error) {
	baseURL := c.BaseURL()
	if baseURL == "" {
		return "", ErrNotConfigured
	}
	if c.model == "" {
		return "", ErrNoModel
	}

	ctx, span := otel.Tracer(llmTracerName).Start(ctx, "llm.OllamaClient.Generate",
		trace.WithAttributes(
			attribute.String("provider", "ollama"),
			attribute.String("model", c.model),
			attribute.Int("prompt_len", len(prompt)),
		),
	)
	defer span.End()

	incActiveRequests("ollama")
	defer decActiveRequests("ollama")

	start := time.Now()
	text, err := c.generate(ctx, baseURL, prompt)
	duration := time.Since(start)
	recordLLMMetrics("ollama", "generate", duration, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.Int("response_len", len(text)))
	return text, nil
}

func (c *OllamaClient) generate(ctx context.Context, baseURL, prompt string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("ollama: waiting for rate limiter: %w", err)
		}
	}

	reqBody, err := json.Marshal(NewGenerateRequest(c.model, prompt, c.params))
	if err != nil {
		return "", fmt.Errorf("ollama: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("ollama: creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	slog.Debug("Sending request to Ollama",
		slog.String("model", c.model),
		slog.Int("prompt_len", len(prompt)),
	)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &ServiceError{Op: "generate", Err: err}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ServiceError{Op: "generate", StatusCode: resp.StatusCode, Err: fmt.Errorf("reading response body: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return "", &ServiceError{Op: "generate", StatusCode: resp.StatusCode, Body: truncate(string(bodyBytes), 512)}
	}

	var apiResp generateResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return "", &ServiceError{Op: "generate", StatusCode: resp.StatusCode, Err: fmt.Errorf("parsing response JSON: %w", err)}
	}
	if apiResp.Response == nil {
		slog.Warn("Ollama response has no 'response' field", slog.String("model", c.model))
		return "", nil
	}

	slog.Debug("Received Ollama response",
		slog.String("model", c.model),
		slog.Int("response_len", len(*apiResp.Response)),
	)
	return *apiResp.Response, nil
}

// ListModels returns the model identifiers served by /v1/models.
//
// Outputs:
//   - []string: Model IDs in server order.
//   - error: ErrNotConfigured if host/port are unset, *ServiceError otherwise.
//
// Thread Safety: This method is safe for concurrent use.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	baseURL := c.BaseURL()
	if baseURL == "" {
		return nil, ErrNotConfigured
	}

	ctx, span := otel.Tracer(llmTracerName).Start(ctx, "llm.OllamaClient.ListModels",
		trace.WithAttributes(attribute.String("provider", "ollama")),
	)
	defer span.End()

	start := time.Now()
	models, err := c.listModels(ctx, baseURL)
	recordLLMMetrics("ollama", "list_models", time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("model_count", len(models)))
	return models, nil
}

func (c *OllamaClient) listModels(ctx context.Context, baseURL string) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/models", nil)
	if err != nil {
		return nil, &ServiceError{Op: "list_models", Err: err}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ServiceError{Op: "list_models", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &ServiceError{Op: "list_models", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var apiResp modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, &ServiceError{Op: "list_models", StatusCode: resp.StatusCode, Err: fmt.Errorf("parsing response JSON: %w", err)}
	}

	models := make([]string, 0, len(apiResp.Data))
	for _, m := range apiResp.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
