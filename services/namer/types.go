// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package namer

import (
	"github.com/AleutianAI/AleutianNamer/services/llm"
	"github.com/AleutianAI/AleutianNamer/services/namer/binview"
	"github.com/AleutianAI/AleutianNamer/services/namer/codedb"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Error codes.
const (
	CodeInvalidAddress = "INVALID_ADDRESS"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeNotFound       = "NOT_FOUND"
	CodeTaskNotFound   = "TASK_NOT_FOUND"
	CodeNotConfigured  = "NOT_CONFIGURED"
	CodeNoModel        = "NO_MODEL"
	CodeUnknownModel   = "UNKNOWN_MODEL"
	CodeNothingToUndo  = "NOTHING_TO_UNDO"
	CodeOllamaError    = "OLLAMA_ERROR"
	CodeShuttingDown   = "SHUTTING_DOWN"
	CodeInternalError  = "INTERNAL_ERROR"
)

// FunctionSummary is one entry of GET /functions.
type FunctionSummary struct {
	Address binview.Address   `json:"address"`
	Name    string            `json:"name"`
	Callees []binview.Address `json:"callees"`
}

// FunctionDetail is the body of GET /functions/:addr.
type FunctionDetail struct {
	FunctionSummary
	Text      string             `json:"text"`
	Variables []binview.Variable `json:"variables"`
}

// SettingsResponse is the body of the settings endpoints.
type SettingsResponse struct {
	Host                string             `json:"host"`
	Port                string             `json:"port"`
	Model               string             `json:"model"`
	Configured          bool               `json:"configured"`
	Sampling            llm.SamplingParams `json:"sampling"`
	PlaceholderPrefixes []string           `json:"placeholder_prefixes"`
	RequestTimeout      string             `json:"request_timeout"`
}

// UpdateSettingsRequest is the body of PUT /settings. Absent fields are
// left unchanged.
type UpdateSettingsRequest struct {
	Sampling            *llm.SamplingParams `json:"sampling,omitempty"`
	PlaceholderPrefixes []string            `json:"placeholder_prefixes,omitempty" validate:"omitempty,dive,required"`
}

// SetServerRequest is the body of PUT /settings/server.
type SetServerRequest struct {
	Host string `json:"host" validate:"required"`
	Port string `json:"port" validate:"required,numeric"`
}

// SetModelRequest is the body of PUT /settings/model.
type SetModelRequest struct {
	Model string `json:"model" validate:"required"`
}

// ModelsResponse is the body of GET /models.
type ModelsResponse struct {
	Models  []string `json:"models"`
	Current string   `json:"current"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status           string              `json:"status"`
	Program          *codedb.ProgramInfo `json:"program,omitempty"`
	OpenTransactions int                 `json:"open_transactions"`
	Tasks            int                 `json:"tasks"`
}
