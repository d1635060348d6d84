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

import "github.com/AleutianAI/AleutianNamer/services/namer/binview"

// Task kinds.
const (
	KindRenameAllFunctions      = "rename_all_functions"
	KindRenameFunction          = "rename_function"
	KindRenameFunctionVariables = "rename_function_variables"
	KindRenameVariable          = "rename_variable"
	KindExplainFunction         = "explain_function"
	KindAnalyzeVulnerabilities  = "analyze_vulnerabilities"
)

// RenameTarget says what a Rename changed.
type RenameTarget string

const (
	TargetFunction RenameTarget = "function"
	TargetVariable RenameTarget = "variable"
)

// Rename is one applied rename.
type Rename struct {
	Target   RenameTarget        `json:"target"`
	Function binview.Address     `json:"function"`
	Variable *binview.VariableID `json:"variable,omitempty"`
	Old      string              `json:"old"`
	New      string              `json:"new"`
}

// RenameResult is the result of every renaming task.
type RenameResult struct {
	Renames []Rename `json:"renames"`
	// Failures names the items for which no valid name was generated.
	Failures []string `json:"failures,omitempty"`
}

// Report is the result of explain and vulnerability tasks. Text is empty
// when the model returned nothing.
type Report struct {
	Function binview.Address `json:"function"`
	Name     string          `json:"name"`
	Kind     string          `json:"kind"`
	Text     string          `json:"text"`
}
