// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package naming

import (
	"context"
	"fmt"
	"log/slog"
)

// Generator is a text-generation capability. *llm.OllamaClient satisfies it.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Suggester asks a Generator for names and reports.
//
// Description:
//
//	Each method issues exactly one generation call. A response that fails
//	the format check is reported as ok=false with a nil error; errors are
//	reserved for configuration, transport and service failures.
//
// Thread Safety: Safe for concurrent use if the Generator is.
type Suggester struct {
	gen    Generator
	logger *slog.Logger
}

// NewSuggester wraps gen. A nil logger uses slog.Default().
func NewSuggester(gen Generator, logger *slog.Logger) *Suggester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Suggester{gen: gen, logger: logger}
}

// SuggestVariableName proposes a new name for variable current.
func (s *Suggester) SuggestVariableName(ctx context.Context, current, code string) (string, bool, error) {
	resp, err := s.generate(ctx, VariablePrompt(current, code))
	if err != nil {
		return "", false, err
	}
	name, ok := ParseVariableName(resp)
	if !ok {
		s.logger.Debug("rejected variable name suggestion",
			slog.String("variable", current),
			slog.String("response", firstToken(resp)),
		)
	}
	return name, ok, nil
}

// SuggestFunctionName proposes a name describing what code does.
func (s *Suggester) SuggestFunctionName(ctx context.Context, code string) (string, bool, error) {
	resp, err := s.generate(ctx, FunctionPrompt(code))
	if err != nil {
		return "", false, err
	}
	name, ok := ParseFunctionName(resp)
	if !ok {
		s.logger.Debug("rejected function name suggestion", slog.String("response", firstToken(resp)))
	}
	return name, ok, nil
}

// Explain returns a natural-language explanation of code.
func (s *Suggester) Explain(ctx context.Context, code string) (string, bool, error) {
	resp, err := s.generate(ctx, ExplainPrompt(code))
	if err != nil {
		return "", false, err
	}
	text, ok := ParseReport(resp)
	return text, ok, nil
}

// AnalyzeVulnerabilities returns a vulnerability review of code.
func (s *Suggester) AnalyzeVulnerabilities(ctx context.Context, code string) (string, bool, error) {
	resp, err := s.generate(ctx, VulnerabilityPrompt(code))
	if err != nil {
		return "", false, err
	}
	text, ok := ParseReport(resp)
	return text, ok, nil
}

func (s *Suggester) generate(ctx context.Context, prompt string) (string, error) {
	if s.gen == nil {
		return "", fmt.Errorf("naming: generator is nil")
	}
	return s.gen.Generate(ctx, prompt)
}
