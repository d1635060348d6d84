// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package binview

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Program is a complete decompiled binary, as exported by a disassembler or
// produced by an importer.
//
// YAML and JSON exports share one schema. Addresses are hex or decimal
// scalars in YAML and strings ("0x401000") in JSON.
type Program struct {
	Name      string     `yaml:"name" json:"name" validate:"required"`
	Functions []Function `yaml:"functions" json:"functions" validate:"dive"`
	Variables []Variable `yaml:"variables" json:"variables" validate:"dive"`
}

var programValidator = validator.New()

// LoadProgram decodes and validates a YAML or JSON program export.
func LoadProgram(data []byte) (*Program, error) {
	var p Program
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("binview: parsing program: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadProgramFile reads and decodes a program export from path.
func LoadProgramFile(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("binview: reading %s: %w", path, err)
	}
	return LoadProgram(data)
}

// Validate checks required fields and referential integrity.
//
// Description:
//
//	Function addresses and line addresses must be unique across the program.
//	Every variable must belong to a function and occupy a unique slot. Every
//	variable token must resolve; function tokens and callees may point at
//	addresses outside the program (imports), which render as their text.
//
// Outputs:
//
//	error - Describes the first violation found.
func (p *Program) Validate() error {
	if err := programValidator.Struct(p); err != nil {
		return fmt.Errorf("binview: invalid program: %w", err)
	}

	funcs := make(map[Address]struct{}, len(p.Functions))
	lines := make(map[Address]Address)
	for _, fn := range p.Functions {
		if _, dup := funcs[fn.Address]; dup {
			return fmt.Errorf("binview: duplicate function address %s", fn.Address)
		}
		funcs[fn.Address] = struct{}{}
		for _, l := range fn.Lines {
			if owner, dup := lines[l.Address]; dup {
				return fmt.Errorf("binview: line %s appears in %s and %s", l.Address, owner, fn.Address)
			}
			lines[l.Address] = fn.Address
		}
	}

	vars := make(map[VariableID]struct{}, len(p.Variables))
	for _, v := range p.Variables {
		if _, ok := funcs[v.ID.Function]; !ok {
			return fmt.Errorf("binview: variable %s belongs to unknown function", v.ID)
		}
		if v.ID.Index < 0 {
			return fmt.Errorf("binview: variable %s has negative index", v.ID)
		}
		if _, dup := vars[v.ID]; dup {
			return fmt.Errorf("binview: duplicate variable %s", v.ID)
		}
		vars[v.ID] = struct{}{}
	}

	for _, fn := range p.Functions {
		for _, l := range fn.Lines {
			for _, t := range l.Tokens {
				if t.Kind != TokenVar {
					continue
				}
				if _, ok := vars[t.Var]; !ok {
					return fmt.Errorf("binview: line %s references unknown variable %s", l.Address, t.Var)
				}
				if t.Var.Function != fn.Address {
					return fmt.Errorf("binview: line %s references variable %s of another function", l.Address, t.Var)
				}
			}
		}
	}
	return nil
}

// FunctionVariablesOf returns the program's variables belonging to fn.
func (p *Program) FunctionVariablesOf(fn Address) []Variable {
	var out []Variable
	for _, v := range p.Variables {
		if v.ID.Function == fn {
			out = append(out, v)
		}
	}
	return out
}
