package plan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/conformance/internal/canonical"
	"github.com/roach88/conformance/internal/module"
	"github.com/roach88/conformance/internal/testinfo"
)

// DefaultModuleTimeout bounds how long the runner waits for one module.
const DefaultModuleTimeout = 2 * time.Minute

// Launcher creates, configures and starts a test module. The returned module
// is running or already finished.
type Launcher interface {
	Launch(ctx context.Context, name string, config map[string]any) (module.TestModule, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, name string, config map[string]any) (module.TestModule, error)

func (f LauncherFunc) Launch(ctx context.Context, name string, config map[string]any) (module.TestModule, error) {
	return f(ctx, name, config)
}

// Outcome is what happened to one module of a plan.
type Outcome struct {
	Module   string
	TestID   string
	Status   testinfo.Status
	Result   testinfo.Result
	Expected testinfo.Result

	// Err is set when the module could not be launched or did not finish in
	// time.
	Err error
}

// OK reports whether the module reached its expected verdict.
func (o Outcome) OK() bool {
	return o.Err == nil && o.Result == o.Expected
}

// Report collects the outcomes of a plan run in plan order.
type Report struct {
	Plan     string
	Outcomes []Outcome
}

// Passed reports whether every module reached its expected verdict.
func (r Report) Passed() bool {
	for _, o := range r.Outcomes {
		if !o.OK() {
			return false
		}
	}
	return true
}

// Canonical renders the report as canonical JSON.
// Test ids are left out unless withIDs is set, since launchers usually
// generate them.
func (r Report) Canonical(withIDs bool) ([]byte, error) {
	list := make([]any, len(r.Outcomes))
	for i, o := range r.Outcomes {
		item := map[string]any{
			"module":   o.Module,
			"status":   string(o.Status),
			"result":   string(o.Result),
			"expected": string(o.Expected),
			"ok":       o.OK(),
		}
		if withIDs && o.TestID != "" {
			item["test_id"] = o.TestID
		}
		if o.Err != nil {
			item["error"] = o.Err.Error()
		}
		list[i] = item
	}
	return canonical.Marshal(map[string]any{"plan": r.Plan, "modules": list})
}

// Runner executes plans one module at a time.
type Runner struct {
	launcher Launcher
	timeout  time.Duration
	failFast bool
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithModuleTimeout bounds the wait for each module.
func WithModuleTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.timeout = d }
}

// WithFailFast stops the plan at the first module that misses its verdict.
func WithFailFast() RunnerOption {
	return func(r *Runner) { r.failFast = true }
}

// NewRunner creates a runner that launches modules through l.
func NewRunner(l Launcher, opts ...RunnerOption) *Runner {
	r := &Runner{launcher: l, timeout: DefaultModuleTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes p. The returned error is only set when ctx ends; module
// failures are reported in the Report.
func (r *Runner) Run(ctx context.Context, p *Plan) (Report, error) {
	report := Report{Plan: p.Name}
	for i, e := range p.Modules {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		o := r.runOne(ctx, p, i)
		report.Outcomes = append(report.Outcomes, o)

		slog.Info("plan module finished",
			"plan", p.Name,
			"module", e.Module,
			"test", o.TestID,
			"result", o.Result,
			"expected", o.Expected,
			"ok", o.OK(),
		)
		if r.failFast && !o.OK() {
			break
		}
	}
	return report, nil
}

func (r *Runner) runOne(ctx context.Context, p *Plan, i int) Outcome {
	e := p.Modules[i]
	o := Outcome{
		Module:   e.Module,
		Status:   testinfo.StatusUnknown,
		Result:   testinfo.ResultUnknown,
		Expected: e.Expected(),
	}

	config, err := p.ConfigFor(i)
	if err != nil {
		o.Err = err
		return o
	}
	m, err := r.launcher.Launch(ctx, e.Module, config)
	if m != nil {
		o.TestID = m.ID()
	}
	if err != nil {
		// A module that failed its setup has still reached a verdict.
		if m == nil || m.Status() != testinfo.StatusFinished {
			o.Err = fmt.Errorf("launch %s: %w", e.Module, err)
			return o
		}
		slog.Debug("module failed during launch", "module", e.Module, "test", o.TestID, "error", err)
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case <-m.Done():
	case <-timer.C:
		o.Err = fmt.Errorf("module %s did not finish within %s", e.Module, r.timeout)
		_ = m.Stop(context.WithoutCancel(ctx))
	case <-ctx.Done():
		o.Err = ctx.Err()
		_ = m.Stop(context.WithoutCancel(ctx))
	}
	o.Status, o.Result = m.Status(), m.Result()
	return o
}
