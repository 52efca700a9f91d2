package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/conformance/internal/testinfo"
)

// Plan is an ordered list of modules to run.
type Plan struct {
	// Name identifies the plan and names its golden files.
	Name string `yaml:"name"`

	DisplayName string `yaml:"display_name,omitempty"`
	Summary     string `yaml:"summary,omitempty"`

	// Config is shared by every module. Module configuration is merged over
	// it, object by object.
	Config map[string]any `yaml:"config,omitempty"`

	Modules []Entry `yaml:"modules"`
}

// Entry is one module of a plan.
type Entry struct {
	// Module is the catalog name of the test module.
	Module string `yaml:"module"`

	Config map[string]any `yaml:"config,omitempty"`

	// Expect is the verdict the module should reach. Empty means PASSED.
	Expect testinfo.Result `yaml:"expect,omitempty"`
}

// Expected returns the verdict the entry should reach.
func (e Entry) Expected() testinfo.Result {
	if e.Expect == "" {
		return testinfo.ResultPassed
	}
	return e.Expect
}

// Load reads and validates a plan file.
// Unknown fields are rejected so that typos do not silently drop settings.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML plan.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	return &p, nil
}

var validResults = map[testinfo.Result]bool{
	testinfo.ResultPassed:  true,
	testinfo.ResultFailed:  true,
	testinfo.ResultWarning: true,
	testinfo.ResultReview:  true,
	testinfo.ResultUnknown: true,
}

// Validate checks that required fields are present and valid. Every problem
// is reported.
func (p *Plan) Validate() error {
	var errs []error
	if p.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if len(p.Modules) == 0 {
		errs = append(errs, errors.New("modules list is required and must be non-empty"))
	}
	for i, e := range p.Modules {
		if e.Module == "" {
			errs = append(errs, fmt.Errorf("modules[%d]: module is required", i))
		}
		if e.Expect != "" && !validResults[e.Expect] {
			errs = append(errs, fmt.Errorf("modules[%d]: unknown expected result %q", i, e.Expect))
		}
	}
	return errors.Join(errs...)
}

// ConfigFor returns the configuration of module i: the plan's shared
// configuration with the module's merged over it, in the JSON generic model.
func (p *Plan) ConfigFor(i int) (map[string]any, error) {
	merged := merge(p.Config, p.Modules[i].Config)
	return toJSONModel(merged)
}

// merge overlays over onto base. Objects present on both sides are merged
// recursively; anything else in over replaces the base value.
func merge(base, over map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any, len(over))
	}
	for k, v := range over {
		bv, ok1 := out[k].(map[string]any)
		ov, ok2 := v.(map[string]any)
		if ok1 && ok2 {
			out[k] = merge(bv, ov)
			continue
		}
		out[k] = v
	}
	return out
}

// toJSONModel round-trips through encoding/json so that YAML integers become
// float64 like configuration received over HTTP.
func toJSONModel(m map[string]any) (map[string]any, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("plan config: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("plan config: %w", err)
	}
	return out, nil
}
