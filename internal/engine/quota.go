package engine

import "sync"

// QuotaEnforcer counts the tasks an executor accepts and enforces a maximum.
//
// A conformance test legitimately handles a handful of inbound calls; a
// system under test stuck in a redirect loop or hammering an endpoint would
// otherwise queue work forever.
type QuotaEnforcer struct {
	mu       sync.Mutex
	maxTasks int
	current  int
}

// NewQuotaEnforcer creates a quota with the given limit. A limit <= 0
// disables enforcement.
func NewQuotaEnforcer(maxTasks int) *QuotaEnforcer {
	return &QuotaEnforcer{maxTasks: maxTasks}
}

// Check counts one task and reports whether it is within budget, along with
// the updated count.
func (q *QuotaEnforcer) Check() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.current++
	return q.current, q.maxTasks <= 0 || q.current <= q.maxTasks
}

// Current returns the number of tasks counted so far.
func (q *QuotaEnforcer) Current() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// MaxTasks returns the limit.
func (q *QuotaEnforcer) MaxTasks() int {
	return q.maxTasks
}
