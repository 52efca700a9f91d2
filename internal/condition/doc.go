// Package condition defines the unit of work of a test: a named check with a
// declared environment contract, and the runner that sequences checks under
// one of four call policies.
//
// A Condition never enforces its own contract. The Runner checks Required
// objects and Strings before evaluation and Produced objects after it, and
// rolls the Environment back whenever a step fails, so a failed condition
// never leaves partial writes behind.
//
// Policies:
//
//	Stop           failure aborts the test (FAILED) and halts the sequence
//	Continue       failure is logged at the given severity; the run goes on
//	Optional       failure is logged at INFO; the run goes on
//	ExpectFailure  success aborts the test; failure is the expected outcome
//
// Any of them can be wrapped with SkipIfMissing so that the step is logged
// as skipped when its inputs are absent.
package condition
