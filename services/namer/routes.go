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
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RegisterRoutes registers all /v1/namer routes.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Command Endpoints (202 with a task view):
//
//	POST /v1/namer/functions/rename_all
//	POST /v1/namer/functions/:addr/rename
//	POST /v1/namer/functions/:addr/rename_variables
//	POST /v1/namer/instructions/:addr/rename_variable
//	POST /v1/namer/functions/:addr/explain
//	POST /v1/namer/functions/:addr/vulnerabilities
//
// Program Endpoints:
//
//	GET  /v1/namer/functions
//	GET  /v1/namer/functions/:addr
//	GET  /v1/namer/instructions/:addr
//	GET  /v1/namer/journal
//	POST /v1/namer/undo
//
// Settings Endpoints:
//
//	GET  /v1/namer/settings
//	PUT  /v1/namer/settings
//	PUT  /v1/namer/settings/server
//	PUT  /v1/namer/settings/model
//	GET  /v1/namer/models
//
// Task Endpoints:
//
//	GET  /v1/namer/tasks
//	GET  /v1/namer/tasks/:id
//	POST /v1/namer/tasks/:id/cancel
//	GET  /v1/namer/tasks/:id/events (websocket)
//
//	GET  /v1/namer/health
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	namer := rg.Group("/namer")
	{
		namer.POST("/functions/rename_all", handlers.HandleRenameAll)
		namer.GET("/functions", handlers.HandleListFunctions)
		namer.GET("/functions/:addr", handlers.HandleGetFunction)
		namer.POST("/functions/:addr/rename", handlers.HandleRenameFunction)
		namer.POST("/functions/:addr/rename_variables", handlers.HandleRenameFunctionVariables)
		namer.POST("/functions/:addr/explain", handlers.HandleExplain)
		namer.POST("/functions/:addr/vulnerabilities", handlers.HandleVulnerabilities)

		namer.GET("/instructions/:addr", handlers.HandleGetInstruction)
		namer.POST("/instructions/:addr/rename_variable", handlers.HandleRenameVariable)

		namer.GET("/journal", handlers.HandleJournal)
		namer.POST("/undo", handlers.HandleUndo)

		namer.GET("/settings", handlers.HandleGetSettings)
		namer.PUT("/settings", handlers.HandleUpdateSettings)
		namer.PUT("/settings/server", handlers.HandleSetServer)
		namer.PUT("/settings/model", handlers.HandleSetModel)
		namer.GET("/models", handlers.HandleListModels)

		namer.GET("/tasks", handlers.HandleListTasks)
		namer.GET("/tasks/:id", handlers.HandleGetTask)
		namer.POST("/tasks/:id/cancel", handlers.HandleCancelTask)
		namer.GET("/tasks/:id/events", handlers.HandleTaskEvents)

		namer.GET("/health", handlers.HandleHealth)
	}
}

// NewRouter builds the gin engine used by `namer serve`, with the /v1/namer
// routes and /metrics.
func NewRouter(handlers *Handlers, debug bool) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("aleutian-namer"))
	router.Use(RequestIDMiddleware())
	if debug {
		router.Use(gin.Logger())
	}
	v1 := router.Group("/v1")
	RegisterRoutes(v1, handlers)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "route not found", Code: CodeNotFound})
	})
	return router
}
