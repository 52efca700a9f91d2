// Package engine runs the work of one test module on a single goroutine.
//
// ARCHITECTURE:
//
// Single-Consumer Task Loop:
// Every test module owns an Executor. Configure, start, inbound HTTP calls
// and background callback processing are all submitted as tasks and run one
// at a time, in FIFO order, by the executor's Run loop. The module's
// Environment is only ever touched from that goroutine, so foreground request
// handling and background verification can never interleave.
//
// Foreground vs Background:
//   - Do submits a task and waits for its result (HTTP handlers, lifecycle calls)
//   - Go submits a task and returns immediately (callback verification chains)
//
// A task must never call Do on its own executor: the loop is busy running
// the caller and the call would wait forever. Tasks schedule follow-up work
// with Go instead.
//
// Budget:
// Each executor accepts a bounded number of tasks (WithMaxTasks). A system
// under test that keeps calling back into a finished test cannot grow the
// queue without limit.
//
// Logical Clock:
// Clock stamps event log entries with strictly increasing sequence numbers.
package engine
