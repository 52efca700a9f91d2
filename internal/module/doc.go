// Package module is the per-test state machine.
//
// A Module wraps a Behavior (what a particular conformance test does) with
// everything every test shares: an Environment, a condition Runner, an event
// log, lifecycle Status and Result bookkeeping, exposed values, listeners and
// the HTTP dispatch tables.
//
// Every public entry point runs as a task on the module's executor, so a
// Behavior's code, including background verification scheduled with
// RunInBackground, never runs concurrently with itself.
//
// Lifecycle:
//
//	CREATED -> CONFIGURED -> RUNNING <-> WAITING -> FINISHED
//
// Result starts UNKNOWN and is set exactly once: FAILED as soon as a fatal
// condition fails, otherwise when the test finishes, graded by the worst
// tolerated failure (FAILURE, WARNING, REVIEW) or PASSED.
package module
