package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// Problem is one way a module configuration fails its schema.
type Problem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ModuleConfigError lists every problem found in a module configuration.
type ModuleConfigError struct {
	Problems []Problem
}

func (e *ModuleConfigError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		if p.Path == "" {
			parts[i] = p.Message
			continue
		}
		parts[i] = p.Path + ": " + p.Message
	}
	return "invalid module configuration: " + strings.Join(parts, "; ")
}

// ValidateModuleConfig unifies cfg with schema and requires the result to
// be concrete. An empty schema accepts any object.
func ValidateModuleConfig(schema string, cfg map[string]any) error {
	if strings.TrimSpace(schema) == "" {
		return nil
	}
	ctx := cuecontext.New()
	s := ctx.CompileString(schema, cue.Filename("schema.cue"))
	if err := s.Err(); err != nil {
		return fmt.Errorf("compile module schema: %w", err)
	}
	v := s.Unify(ctx.Encode(cfg))
	err := v.Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}

	var problems []Problem
	seen := map[Problem]bool{}
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		p := Problem{Path: strings.Join(e.Path(), "."), Message: fmt.Sprintf(format, args...)}
		if !seen[p] {
			seen[p] = true
			problems = append(problems, p)
		}
	}
	return &ModuleConfigError{Problems: problems}
}

// MissingFields returns the dotted fields absent from cfg, in order.
func MissingFields(fields []string, cfg map[string]any) []string {
	var missing []string
	for _, f := range fields {
		if !hasPath(cfg, f) {
			missing = append(missing, f)
		}
	}
	return missing
}

// hasPath reports whether the dotted path names a value in cfg.
func hasPath(cfg map[string]any, path string) bool {
	var cur any = cfg
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return false
		}
		if cur, ok = obj[part]; !ok {
			return false
		}
	}
	return cur != nil
}
