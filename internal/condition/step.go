package condition

import "context"

// Policy decides what a failing (or succeeding) condition means for the run.
type Policy int

const (
	PolicyStop Policy = iota + 1
	PolicyContinue
	PolicyOptional
	PolicyExpectFailure
)

func (p Policy) String() string {
	switch p {
	case PolicyStop:
		return "stop-on-failure"
	case PolicyContinue:
		return "continue-on-failure"
	case PolicyOptional:
		return "optional"
	case PolicyExpectFailure:
		return "expect-failure"
	default:
		return "unknown"
	}
}

// Step is one instruction of a sequence: either a condition invocation under
// a policy or a list of environment/log commands.
type Step struct {
	cond         Condition
	isExec       bool
	policy       Policy
	severity     Result
	requirements []string
	skip         *skipRule
	commands     []Command
}

type skipRule struct {
	keys     []string
	strings  []string
	severity Result
}

// Stop runs c; a failure fails the test and halts the sequence.
func Stop(c Condition, requirements ...string) Step {
	return Step{cond: c, policy: PolicyStop, severity: Failure, requirements: requirements}
}

// Continue runs c; a failure is logged at severity and the sequence goes on
// with the Environment as it was before the step.
func Continue(c Condition, severity Result, requirements ...string) Step {
	if severity == "" {
		severity = Info
	}
	return Step{cond: c, policy: PolicyContinue, severity: severity, requirements: requirements}
}

// Optional runs c and ignores a failure beyond logging it.
func Optional(c Condition) Step {
	return Step{cond: c, policy: PolicyOptional, severity: Info}
}

// ExpectFailure runs c and fails the test if c succeeds.
func ExpectFailure(c Condition, requirements ...string) Step {
	return Step{cond: c, policy: PolicyExpectFailure, severity: Failure, requirements: requirements}
}

// Ref names a registered condition instead of passing it directly. The
// runner resolves it through its Registry.
func Ref(name string) Condition {
	return refCondition(name)
}

// SkipIfMissing makes the step a no-op, logged at severity, when any of the
// object keys or string references is absent.
func (s Step) SkipIfMissing(keys, strs []string, severity Result) Step {
	s.skip = &skipRule{keys: keys, strings: strs, severity: severity}
	return s
}

// Policy returns the step's policy, or 0 for command steps.
func (s Step) Policy() Policy { return s.policy }

// ConditionName returns the name of the step's condition.
func (s Step) ConditionName() string {
	if s.cond != nil {
		return s.cond.Name()
	}
	return ""
}

// Command manipulates the Environment alias table or the event log blocks
// between condition invocations.
type Command struct {
	op    commandOp
	key   string
	value string
}

type commandOp int

const (
	opMapKey commandOp = iota + 1
	opUnmapKey
	opStartBlock
	opEndBlock
)

// MapKey aliases alias to real.
func MapKey(alias, real string) Command { return Command{op: opMapKey, key: alias, value: real} }

// UnmapKey pops the latest alias mapping.
func UnmapKey(alias string) Command { return Command{op: opUnmapKey, key: alias} }

// StartBlock opens an event log block.
func StartBlock(msg string) Command { return Command{op: opStartBlock, value: msg} }

// EndBlock closes the current event log block.
func EndBlock() Command { return Command{op: opEndBlock} }

// Exec bundles commands into a step.
func Exec(cmds ...Command) Step {
	return Step{isExec: true, commands: cmds}
}

type refCondition string

func (r refCondition) Name() string       { return string(r) }
func (r refCondition) Contract() Contract { return Contract{} }

func (r refCondition) Evaluate(context.Context, *Scope) error {
	return NewError(ErrCodeInternal, "", string(r), "Unresolved condition reference")
}
