// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package naming turns decompiled code into naming and analysis prompts and
// validates what the model sends back.
//
// Everything here is a pure function of its inputs except Suggester, which
// issues one generation call per suggestion. Nothing in this package touches
// the code database.
package naming

import (
	"fmt"
	"strings"
)

// VariablePrompt asks for a single lowercase word naming variable current.
func VariablePrompt(current, code string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "In one word, what should the variable '%s' be named in the below Function? ", current)
	b.WriteString("The name must meet the following criteria:\n")
	b.WriteString("1. All lowercase letters, usable in Python code.\n")
	b.WriteString("2. Only return the variable name and no other explanation or text data included.\n")
	b.WriteString("3. Your response must be a single word.\n")
	b.WriteString("4. Avoid use Markdown in the output.\n")
	fmt.Fprintf(&b, "\nFunction:\n%s\n\n", code)
	return b.String()
}

// FunctionPrompt asks for a lowercase, underscore separated function name.
func FunctionPrompt(code string) string {
	var b strings.Builder
	b.WriteString("Given the following HLIL decompiled code snippet, provide a Python-style function name that describes what the code is doing. ")
	b.WriteString("The name must meet the following criteria:\n")
	b.WriteString("1. All lowercase letters, usable in Python code, with words separated by underscores.\n")
	b.WriteString("2. Only return the function name and no other explanation or text data included.\n")
	b.WriteString("3. Your response must be a single word.\n")
	b.WriteString("4. Avoid use Markdown in the output.\n")
	fmt.Fprintf(&b, "\nFunction:\n%s\n\n", code)
	return b.String()
}

// ExplainPrompt asks for a structured explanation of a function.
func ExplainPrompt(code string) string {
	var b strings.Builder
	b.WriteString("Given the following HLIL decompiled code snippet. ")
	b.WriteString("Analyze and explain the following function in detail. Include:\n")
	b.WriteString("1. Main purpose of the function\n")
	b.WriteString("2. Input parameters and return values\n")
	b.WriteString("3. Key operations and algorithms used\n")
	b.WriteString("4. Important code patterns or structures\n")
	b.WriteString("5. Any notable edge cases or error handling\n")
	b.WriteString("6. Avoid use Markdown in the output.\n")
	fmt.Fprintf(&b, "\nCode:\n```\n%s\n```\n\n", code)
	return b.String()
}

// VulnerabilityPrompt asks for a security review of a function.
func VulnerabilityPrompt(code string) string {
	var b strings.Builder
	b.WriteString("Given the following HLIL decompiled code snippet. ")
	b.WriteString("Analyze the following decompiled code for potential security vulnerabilities. ")
	b.WriteString("Focus on: ")
	b.WriteString("1. Buffer overflows, stack overflows, integer overflows, use-after-free, ")
	b.WriteString("format string vulnerabilities, and any other security-critical issues.\n")
	b.WriteString("2. If vulnerabilities are found, explain why they are dangerous and how they could be exploited.\n")
	b.WriteString("3. Be specific and reference the relevant parts of the code in your analysis.\n")
	b.WriteString("4. Avoid use Markdown in the output.\n")
	fmt.Fprintf(&b, "\nCode:\n```\n%s\n```\n\n", code)
	return b.String()
}
