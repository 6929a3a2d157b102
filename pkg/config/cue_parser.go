package config

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

// CUEParser reads alias documents from CUE files. Aliases are the fields of the
// top-level "aliases" struct:
//
//	aliases: prod: {
//		root: "/var/www/prod"
//		uri:  "prod.example.com"
//	}
type CUEParser struct {
	mu  sync.Mutex
	ctx *cue.Context
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{ctx: cuecontext.New()}
}

// Parse evaluates CUE source and returns the alias bodies keyed by alias name,
// in declaration order. Problems are reported as *LoadError.
func (cp *CUEParser) Parse(ctx context.Context, filename string, src []byte) ([]NamedBody, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	val := cp.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, &LoadError{File: filename, Errors: cp.convertCUEErrors(err)}
	}

	aliases := val.LookupPath(cue.ParsePath("aliases"))
	if !aliases.Exists() {
		return nil, &LoadError{File: filename, Errors: []ValidationError{{
			File:     filename,
			Message:  `no "aliases" struct defined`,
			Severity: "error",
		}}}
	}

	iter, err := aliases.Fields()
	if err != nil {
		return nil, &LoadError{File: filename, Errors: cp.convertCUEErrors(err)}
	}

	var (
		out  []NamedBody
		errs []ValidationError
	)
	for iter.Next() {
		name := iter.Selector().Unquoted()
		body, err := cp.exportValue(iter.Value())
		if err != nil {
			errs = append(errs, cp.convertCUEErrors(err)...)
			continue
		}
		out = append(out, NamedBody{Name: name, Body: body})
	}
	if len(errs) > 0 {
		return nil, &LoadError{File: filename, Errors: errs}
	}
	return out, nil
}

// exportValue turns a concrete CUE value into plain Go data.
func (cp *CUEParser) exportValue(val cue.Value) (interface{}, error) {
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, err
	}
	data, err := val.MarshalJSON()
	if err != nil {
		return nil, err
	}
	// JSON is valid YAML, and yaml.v3 keeps integers as int rather than float64.
	var out interface{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode exported value: %w", err)
	}
	return out, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Message:  strings.TrimSpace(errors.Details(e, nil)),
			Severity: "error",
		}

		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}

		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}

		validationErrors = append(validationErrors, ve)
	}

	return validationErrors
}
