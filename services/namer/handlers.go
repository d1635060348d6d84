// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package namer exposes the naming assistant over HTTP.
package namer

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianNamer/services/llm"
	"github.com/AleutianAI/AleutianNamer/services/namer/assistant"
	"github.com/AleutianAI/AleutianNamer/services/namer/binview"
	"github.com/AleutianAI/AleutianNamer/services/namer/codedb"
	"github.com/AleutianAI/AleutianNamer/services/namer/tasks"
)

// Store is the code database as seen by the handlers.
type Store interface {
	binview.Database
	Info(ctx context.Context) (codedb.ProgramInfo, error)
	Journal(ctx context.Context) ([]codedb.JournalEntry, error)
	Undo(ctx context.Context) (*codedb.JournalEntry, error)
	OpenTransactions() int
}

// Handlers serves the /v1/namer endpoints.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	asst     *assistant.Assistant
	store    Store
	validate *validator.Validate
}

// NewHandlers returns handlers over asst and store.
func NewHandlers(asst *assistant.Assistant, store Store) *Handlers {
	return &Handlers{asst: asst, store: store, validate: validator.New()}
}

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetString(requestIDKey); id != "" {
		return id
	}
	id := c.GetHeader(requestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Set(requestIDKey, id)
	c.Header(requestIDHeader, id)
	return id
}

// RequestIDMiddleware assigns every request an ID, echoed in the
// X-Request-ID response header.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		getOrCreateRequestID(c)
		c.Next()
	}
}

func handlerLogger(c *gin.Context, name string) *slog.Logger {
	return slog.With("request_id", getOrCreateRequestID(c), "handler", name)
}

// writeError maps err onto a status code and ErrorResponse.
func writeError(c *gin.Context, logger *slog.Logger, err error) {
	status, code := http.StatusInternalServerError, CodeInternalError
	var svcErr *llm.ServiceError
	switch {
	case errors.Is(err, binview.ErrNotFound):
		status, code = http.StatusNotFound, CodeNotFound
	case errors.Is(err, llm.ErrNotConfigured):
		status, code = http.StatusConflict, CodeNotConfigured
	case errors.Is(err, llm.ErrNoModel):
		status, code = http.StatusConflict, CodeNoModel
	case errors.Is(err, codedb.ErrNothingToUndo):
		status, code = http.StatusConflict, CodeNothingToUndo
	case errors.Is(err, tasks.ErrRunnerClosed):
		status, code = http.StatusServiceUnavailable, CodeShuttingDown
	case errors.As(err, &svcErr):
		status, code = http.StatusBadGateway, CodeOllamaError
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", slog.String("error", err.Error()))
	} else {
		logger.Debug("request rejected", slog.String("code", code), slog.String("error", err.Error()))
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func addressParam(c *gin.Context) (binview.Address, bool) {
	addr, err := binview.ParseAddress(c.Param("addr"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeInvalidAddress})
		return 0, false
	}
	return addr, true
}

// bindJSON decodes and validates the request body into v.
func (h *Handlers) bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeInvalidRequest})
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeInvalidRequest})
		return false
	}
	return true
}

// =============================================================================
// Commands
// =============================================================================

func (h *Handlers) startTask(c *gin.Context, name string, start func(ctx context.Context) (*tasks.Task, error)) {
	logger := handlerLogger(c, name)
	task, err := start(c.Request.Context())
	if err != nil {
		writeError(c, logger, err)
		return
	}
	logger.Info("task started", slog.String("task_id", task.ID), slog.String("kind", task.Kind))
	c.JSON(http.StatusAccepted, task.Snapshot())
}

func (h *Handlers) addressTask(c *gin.Context, name string, start func(ctx context.Context, addr binview.Address) (*tasks.Task, error)) {
	addr, ok := addressParam(c)
	if !ok {
		return
	}
	h.startTask(c, name, func(ctx context.Context) (*tasks.Task, error) {
		return start(ctx, addr)
	})
}

// HandleRenameAll handles POST /v1/namer/functions/rename_all.
//
// Response:
//
//	202 Accepted: tasks.View
//	409 Conflict: NOT_CONFIGURED or NO_MODEL
func (h *Handlers) HandleRenameAll(c *gin.Context) {
	h.startTask(c, "HandleRenameAll", h.asst.RenameAllFunctions)
}

// HandleRenameFunction handles POST /v1/namer/functions/:addr/rename.
func (h *Handlers) HandleRenameFunction(c *gin.Context) {
	h.addressTask(c, "HandleRenameFunction", h.asst.RenameFunction)
}

// HandleRenameFunctionVariables handles POST /v1/namer/functions/:addr/rename_variables.
func (h *Handlers) HandleRenameFunctionVariables(c *gin.Context) {
	h.addressTask(c, "HandleRenameFunctionVariables", h.asst.RenameFunctionVariables)
}

// HandleRenameVariable handles POST /v1/namer/instructions/:addr/rename_variable.
func (h *Handlers) HandleRenameVariable(c *gin.Context) {
	h.addressTask(c, "HandleRenameVariable", h.asst.RenameVariable)
}

// HandleExplain handles POST /v1/namer/functions/:addr/explain.
func (h *Handlers) HandleExplain(c *gin.Context) {
	h.addressTask(c, "HandleExplain", h.asst.ExplainFunction)
}

// HandleVulnerabilities handles POST /v1/namer/functions/:addr/vulnerabilities.
func (h *Handlers) HandleVulnerabilities(c *gin.Context) {
	h.addressTask(c, "HandleVulnerabilities", h.asst.AnalyzeVulnerabilities)
}

// =============================================================================
// Program queries
// =============================================================================

// HandleListFunctions handles GET /v1/namer/functions.
func (h *Handlers) HandleListFunctions(c *gin.Context) {
	logger := handlerLogger(c, "HandleListFunctions")
	out := []FunctionSummary{}
	err := binview.View(c.Request.Context(), h.store, func(txn binview.Txn) error {
		fns, err := txn.Functions()
		if err != nil {
			return err
		}
		for _, fn := range fns {
			out = append(out, summarize(fn))
		}
		return nil
	})
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func summarize(fn binview.Function) FunctionSummary {
	callees := fn.Callees
	if callees == nil {
		callees = []binview.Address{}
	}
	return FunctionSummary{Address: fn.Address, Name: fn.Name, Callees: callees}
}

// HandleGetFunction handles GET /v1/namer/functions/:addr.
//
// Response:
//
//	200 OK: FunctionDetail with the decompiled text under current names
//	404 Not Found: no function at addr
func (h *Handlers) HandleGetFunction(c *gin.Context) {
	logger := handlerLogger(c, "HandleGetFunction")
	addr, ok := addressParam(c)
	if !ok {
		return
	}
	var detail FunctionDetail
	err := binview.View(c.Request.Context(), h.store, func(txn binview.Txn) error {
		fn, err := txn.Function(addr)
		if err != nil {
			return err
		}
		text, err := binview.DecompileFunction(txn, fn)
		if err != nil {
			return err
		}
		vars := make([]binview.Variable, 0)
		for _, id := range binview.FunctionVariables(fn) {
			v, err := txn.Variable(id)
			if err != nil {
				return err
			}
			vars = append(vars, v)
		}
		detail = FunctionDetail{FunctionSummary: summarize(fn), Text: text, Variables: vars}
		return nil
	})
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// HandleGetInstruction handles GET /v1/namer/instructions/:addr.
func (h *Handlers) HandleGetInstruction(c *gin.Context) {
	logger := handlerLogger(c, "HandleGetInstruction")
	addr, ok := addressParam(c)
	if !ok {
		return
	}
	var ins binview.Instruction
	err := binview.View(c.Request.Context(), h.store, func(txn binview.Txn) error {
		var err error
		ins, err = binview.InstructionAt(txn, addr)
		return err
	})
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, ins)
}

// HandleJournal handles GET /v1/namer/journal.
func (h *Handlers) HandleJournal(c *gin.Context) {
	logger := handlerLogger(c, "HandleJournal")
	entries, err := h.store.Journal(c.Request.Context())
	if err != nil {
		writeError(c, logger, err)
		return
	}
	if entries == nil {
		entries = []codedb.JournalEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

// HandleUndo handles POST /v1/namer/undo.
//
// Response:
//
//	200 OK: the reverted codedb.JournalEntry
//	409 Conflict: NOTHING_TO_UNDO
func (h *Handlers) HandleUndo(c *gin.Context) {
	logger := handlerLogger(c, "HandleUndo")
	entry, err := h.store.Undo(c.Request.Context())
	if err != nil {
		writeError(c, logger, err)
		return
	}
	logger.Info("rename batch undone", slog.Uint64("seq", entry.Seq), slog.Int("renames", len(entry.Renames)))
	c.JSON(http.StatusOK, entry)
}

// =============================================================================
// Settings
// =============================================================================

func settingsResponse(s assistant.SettingsSnapshot) SettingsResponse {
	return SettingsResponse{
		Host:                s.Host,
		Port:                s.Port,
		Model:               s.Model,
		Configured:          s.IsSet() && s.Model != "",
		Sampling:            s.Sampling,
		PlaceholderPrefixes: s.PlaceholderPrefixes,
		RequestTimeout:      s.RequestTimeout.String(),
	}
}

// HandleGetSettings handles GET /v1/namer/settings.
func (h *Handlers) HandleGetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, settingsResponse(h.asst.Settings().Snapshot()))
}

// HandleUpdateSettings handles PUT /v1/namer/settings.
func (h *Handlers) HandleUpdateSettings(c *gin.Context) {
	var req UpdateSettingsRequest
	if !h.bindJSON(c, &req) {
		return
	}
	s := h.asst.Settings()
	if req.Sampling != nil {
		s.SetSampling(*req.Sampling)
	}
	if len(req.PlaceholderPrefixes) > 0 {
		s.SetPlaceholderPrefixes(req.PlaceholderPrefixes)
	}
	handlerLogger(c, "HandleUpdateSettings").Info("settings updated")
	c.JSON(http.StatusOK, settingsResponse(s.Snapshot()))
}

// HandleSetServer handles PUT /v1/namer/settings/server.
func (h *Handlers) HandleSetServer(c *gin.Context) {
	var req SetServerRequest
	if !h.bindJSON(c, &req) {
		return
	}
	if err := h.asst.Settings().SetServer(req.Host, req.Port); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeInvalidRequest})
		return
	}
	handlerLogger(c, "HandleSetServer").Info("ollama server set",
		slog.String("host", req.Host), slog.String("port", req.Port))
	c.JSON(http.StatusOK, settingsResponse(h.asst.Settings().Snapshot()))
}

// HandleSetModel handles PUT /v1/namer/settings/model.
//
// Description:
//
//	The model must be one of those listed by the configured server.
//
// Response:
//
//	200 OK: SettingsResponse
//	400 Bad Request: UNKNOWN_MODEL
//	409 Conflict: NOT_CONFIGURED
//	502 Bad Gateway: the listing failed
func (h *Handlers) HandleSetModel(c *gin.Context) {
	logger := handlerLogger(c, "HandleSetModel")
	var req SetModelRequest
	if !h.bindJSON(c, &req) {
		return
	}
	models, err := h.asst.ListModels(c.Request.Context())
	if err != nil {
		writeError(c, logger, err)
		return
	}
	if !slices.Contains(models, req.Model) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "model " + req.Model + " is not available on the server", Code: CodeUnknownModel})
		return
	}
	if err := h.asst.Settings().SetModel(req.Model); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeInvalidRequest})
		return
	}
	logger.Info("ollama model set", slog.String("model", req.Model))
	c.JSON(http.StatusOK, settingsResponse(h.asst.Settings().Snapshot()))
}

// HandleListModels handles GET /v1/namer/models.
func (h *Handlers) HandleListModels(c *gin.Context) {
	logger := handlerLogger(c, "HandleListModels")
	models, err := h.asst.ListModels(c.Request.Context())
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, ModelsResponse{Models: models, Current: h.asst.Settings().Snapshot().Model})
}

// =============================================================================
// Tasks
// =============================================================================

func (h *Handlers) lookupTask(c *gin.Context) (*tasks.Task, bool) {
	task, ok := h.asst.Runner().Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "task not found", Code: CodeTaskNotFound})
		return nil, false
	}
	return task, true
}

// HandleListTasks handles GET /v1/namer/tasks.
func (h *Handlers) HandleListTasks(c *gin.Context) {
	all := h.asst.Runner().List()
	out := make([]tasks.View, 0, len(all))
	for _, t := range all {
		out = append(out, t.Snapshot())
	}
	c.JSON(http.StatusOK, out)
}

// HandleGetTask handles GET /v1/namer/tasks/:id.
func (h *Handlers) HandleGetTask(c *gin.Context) {
	task, ok := h.lookupTask(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, task.Snapshot())
}

// HandleCancelTask handles POST /v1/namer/tasks/:id/cancel. Cancelling a
// finished task is a no-op.
func (h *Handlers) HandleCancelTask(c *gin.Context) {
	task, ok := h.lookupTask(c)
	if !ok {
		return
	}
	task.Cancel()
	handlerLogger(c, "HandleCancelTask").Info("task cancel requested", slog.String("task_id", task.ID))
	c.JSON(http.StatusAccepted, task.Snapshot())
}

// HandleHealth handles GET /v1/namer/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	resp := HealthResponse{
		Status:           "ok",
		OpenTransactions: h.store.OpenTransactions(),
		Tasks:            len(h.asst.Runner().List()),
	}
	if info, err := h.store.Info(c.Request.Context()); err == nil {
		resp.Program = &info
	}
	c.JSON(http.StatusOK, resp)
}
