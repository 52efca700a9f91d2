package condition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/roach88/conformance/internal/env"
	"github.com/roach88/conformance/internal/eventlog"
)

// Runner interprets sequences of steps against one Environment.
//
// A Runner is bound to a single test and, like its Environment, must only
// be used from that test's executor goroutine.
type Runner struct {
	testID   string
	source   string
	env      *env.Environment
	log      *eventlog.Instance
	registry *Registry
	http     *http.Client
	now      func() time.Time
	onAbort  func(ctx context.Context, err *AbortError)
	onGrade  func(Result)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithSource sets the name used for command entries (the owning module).
func WithSource(name string) RunnerOption {
	return func(r *Runner) { r.source = name }
}

// WithRegistry enables Ref steps.
func WithRegistry(reg *Registry) RunnerOption {
	return func(r *Runner) { r.registry = reg }
}

// WithHTTPClient sets the client conditions use for outbound calls.
func WithHTTPClient(c *http.Client) RunnerOption {
	return func(r *Runner) { r.http = c }
}

// WithNow sets the clock exposed to conditions.
func WithNow(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// OnAbort is called once per fatal failure, before Run returns it.
func OnAbort(fn func(ctx context.Context, err *AbortError)) RunnerOption {
	return func(r *Runner) { r.onAbort = fn }
}

// OnGrade is called with the severity of each tolerated failure.
func OnGrade(fn func(Result)) RunnerOption {
	return func(r *Runner) { r.onGrade = fn }
}

// NewRunner creates a runner for testID over e, logging to log.
func NewRunner(testID string, e *env.Environment, log *eventlog.Instance, opts ...RunnerOption) *Runner {
	r := &Runner{
		testID: testID,
		env:    e,
		log:    log,
		http:   http.DefaultClient,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Env returns the Environment the runner operates on.
func (r *Runner) Env() *env.Environment { return r.env }

// Run executes steps in order. It returns the first *AbortError, or the
// context error if ctx is cancelled between steps.
func (r *Runner) Run(ctx context.Context, steps ...Step) error {
	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.runStep(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runStep(ctx context.Context, st Step) error {
	if st.isExec {
		r.exec(ctx, st.commands)
		return nil
	}

	c, err := r.resolve(st)
	if err != nil {
		return r.fail(ctx, st.ConditionName(), err, st)
	}
	name := c.Name()

	if st.skip != nil {
		if missing := r.missingInputs(st.skip.keys, st.skip.strings); len(missing) > 0 {
			r.log.Log(ctx, name, map[string]any{
				eventlog.KeyMsg:    "Skipped evaluation due to missing required element",
				eventlog.KeyResult: string(st.skip.severity),
				"missing":          missing,
			})
			r.grade(st.skip.severity)
			return nil
		}
	}

	evalErr := r.evaluate(ctx, c, st.requirements)

	if st.policy == PolicyExpectFailure {
		if evalErr == nil {
			return r.fail(ctx, name, NewError(ErrCodeAssertionFailed, r.testID, name,
				"Condition failure expected, but got success"), st)
		}
		args := map[string]any{
			eventlog.KeyMsg:    "Condition failed as expected",
			eventlog.KeyResult: string(Success),
			"failure":          errorMessage(evalErr),
		}
		if len(st.requirements) > 0 {
			args[eventlog.KeyRequirements] = st.requirements
		}
		r.log.Log(ctx, name, args)
		return nil
	}

	if evalErr == nil {
		return nil
	}
	return r.fail(ctx, name, evalErr, st)
}

// fail logs a failure at the step's severity and, for fatal policies, aborts.
func (r *Runner) fail(ctx context.Context, name string, cause error, st Step) error {
	severity := st.severity
	if st.policy == PolicyStop || st.policy == PolicyExpectFailure {
		severity = Failure
	}
	r.logError(ctx, name, cause, severity, st.requirements)

	switch st.policy {
	case PolicyContinue:
		r.grade(severity)
		return nil
	case PolicyOptional:
		return nil
	}

	abort := NewAbort(r.testID, name, cause)
	slog.Info("test condition failure", "test", r.testID, "condition", name, "error", cause)
	if r.onAbort != nil {
		r.onAbort(ctx, abort)
	}
	return abort
}

// evaluate runs c with its contract enforced. The Environment is restored
// to its prior state on any error.
func (r *Runner) evaluate(ctx context.Context, c Condition, requirements []string) error {
	snap := r.env.Snapshot()
	err := r.evaluateContract(ctx, c, requirements)
	if err != nil {
		r.env.Restore(snap)
	}
	return err
}

func (r *Runner) evaluateContract(ctx context.Context, c Condition, requirements []string) error {
	contract := c.Contract()
	name := c.Name()

	if missing := r.missingObjects(contract.Required); len(missing) > 0 {
		e := NewError(ErrCodePreconditionMissing, r.testID, name,
			fmt.Sprintf("Couldn't find required object '%s' in environment", missing[0]),
			"missing", missing)
		e.Requirements = requirements
		return e
	}
	if missing := r.missingStrings(contract.Strings); len(missing) > 0 {
		e := NewError(ErrCodePreconditionMissing, r.testID, name,
			fmt.Sprintf("Couldn't find required string '%s' in environment", missing[0]),
			"missing", missing)
		e.Requirements = requirements
		return e
	}

	scope := &Scope{
		Env:          r.env,
		TestID:       r.testID,
		HTTP:         r.http,
		Now:          r.now,
		ctx:          ctx,
		name:         name,
		log:          r.log,
		requirements: requirements,
	}
	if err := r.call(ctx, c, scope); err != nil {
		var ce *Error
		if errors.As(err, &ce) {
			return err
		}
		e := NewError(ErrCodeInternal, r.testID, name, "Unexpected error from condition")
		e.Cause = err
		e.Requirements = requirements
		return e
	}

	if missing := r.missingObjects(contract.Produced); len(missing) > 0 {
		return NewError(ErrCodeInternal, r.testID, name,
			fmt.Sprintf("Condition did not produce required object '%s'", missing[0]),
			"missing", missing)
	}
	if missing := r.missingStrings(contract.ProducedStrings); len(missing) > 0 {
		return NewError(ErrCodeInternal, r.testID, name,
			fmt.Sprintf("Condition did not produce required string '%s'", missing[0]),
			"missing", missing)
	}
	return nil
}

func (r *Runner) call(ctx context.Context, c Condition, s *Scope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = NewError(ErrCodeInternal, r.testID, c.Name(), fmt.Sprintf("condition panicked: %v", p))
		}
	}()
	return c.Evaluate(ctx, s)
}

func (r *Runner) resolve(st Step) (Condition, error) {
	if ref, ok := st.cond.(refCondition); ok {
		if r.registry == nil {
			return nil, NewError(ErrCodeInternal, r.testID, string(ref), "No condition registry configured")
		}
		c, err := r.registry.New(string(ref))
		if err != nil {
			e := NewError(ErrCodeInternal, r.testID, string(ref), "Couldn't create condition")
			e.Cause = err
			return nil, e
		}
		return c, nil
	}
	if st.cond == nil {
		return nil, NewError(ErrCodeInternal, r.testID, r.source, "Step has no condition")
	}
	return st.cond, nil
}

func (r *Runner) exec(ctx context.Context, cmds []Command) {
	for _, cmd := range cmds {
		switch cmd.op {
		case opMapKey:
			r.env.MapKey(cmd.key, cmd.value)
			slog.Debug("mapped environment key", "test", r.testID, "alias", cmd.key, "key", cmd.value)
		case opUnmapKey:
			r.env.UnmapKey(cmd.key)
			slog.Debug("unmapped environment key", "test", r.testID, "alias", cmd.key)
		case opStartBlock:
			r.log.StartBlock(ctx, r.source, cmd.value)
		case opEndBlock:
			r.log.EndBlock(ctx, r.source)
		}
	}
}

func (r *Runner) logError(ctx context.Context, name string, err error, severity Result, requirements []string) {
	args := map[string]any{}
	var ce *Error
	if errors.As(err, &ce) {
		for k, v := range ce.Args {
			args[k] = v
		}
		args[eventlog.KeyMsg] = ce.Message
		if ce.Cause != nil {
			args["error"] = ce.Cause.Error()
		}
		if len(requirements) == 0 {
			requirements = ce.Requirements
		}
	} else {
		args[eventlog.KeyMsg] = err.Error()
	}
	args[eventlog.KeyResult] = string(severity)
	if len(requirements) > 0 {
		args[eventlog.KeyRequirements] = requirements
	}
	r.log.Log(ctx, name, args)
}

func (r *Runner) grade(sev Result) {
	if r.onGrade != nil && sev != Success {
		r.onGrade(sev)
	}
}

func (r *Runner) missingInputs(keys, strs []string) []string {
	return append(r.missingObjects(keys), r.missingStrings(strs)...)
}

func (r *Runner) missingObjects(keys []string) []string {
	var missing []string
	for _, k := range keys {
		if !r.env.ContainsObject(k) {
			missing = append(missing, k)
		}
	}
	return missing
}

func (r *Runner) missingStrings(refs []string) []string {
	var missing []string
	for _, ref := range refs {
		key, path := env.SplitRef(ref)
		if s, ok := r.env.GetString(key, path); !ok || s == "" {
			missing = append(missing, ref)
		}
	}
	return missing
}

func errorMessage(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Message
	}
	return err.Error()
}
