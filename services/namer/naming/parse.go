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
	"strings"
	"unicode"
)

// DefaultPlaceholderPrefixes mark names the host assigned automatically.
var DefaultPlaceholderPrefixes = []string{"sub_", "func_"}

// firstToken extracts the candidate identifier from free-form model output.
//
// Description:
//
//	Trims the response, keeps the first line, keeps the first
//	whitespace-delimited token of that line and strips surrounding
//	backticks. Returns "" when nothing is left.
func firstToken(resp string) string {
	line := strings.TrimSpace(resp)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], "`")
}

// isLowerIdentifier reports whether s has at least one lowercase letter, no
// uppercase letter and no whitespace.
func isLowerIdentifier(s string) bool {
	hasLower := false
	for _, r := range s {
		switch {
		case unicode.IsUpper(r), unicode.IsTitle(r), unicode.IsSpace(r):
			return false
		case unicode.IsLower(r):
			hasLower = true
		}
	}
	return hasLower
}

// ParseVariableName validates a variable-name answer.
//
// Outputs:
//
//	string - The first token with backticks stripped.
//	bool - False if the token is empty or not a lowercase single word.
func ParseVariableName(resp string) (string, bool) {
	name := firstToken(resp)
	if name == "" || !isLowerIdentifier(name) {
		return "", false
	}
	return name, true
}

// ParseFunctionName validates a function-name answer.
//
// Description:
//
//	Same extraction as ParseVariableName, but the name must also contain an
//	underscore. Single-word answers such as "parsefile" are always rejected.
func ParseFunctionName(resp string) (string, bool) {
	name := firstToken(resp)
	if name == "" || !isLowerIdentifier(name) || !strings.Contains(name, "_") {
		return "", false
	}
	return name, true
}

// ParseReport returns the trimmed response, or false if it is empty.
func ParseReport(resp string) (string, bool) {
	text := strings.TrimSpace(resp)
	if text == "" {
		return "", false
	}
	return text, true
}

// IsPlaceholder reports whether name starts with one of prefixes.
func IsPlaceholder(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
