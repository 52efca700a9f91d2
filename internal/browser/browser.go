// Package browser stands in for the user's browser during front-channel
// flows: it is told where to navigate and, optionally, which placeholder the
// resulting page should be captured into.
package browser

import (
	"sync"
)

// Control is how a test module asks for navigation. Implementations must
// not block on the navigation itself: the page being visited usually calls
// back into the same module.
type Control interface {
	GoToURL(url string)
	GoToURLWithPlaceholder(url, placeholder string)
}

// Visit is one navigation request.
type Visit struct {
	URL         string `json:"url"`
	Placeholder string `json:"placeholder,omitempty"`
}

// Recorder remembers requested navigations without performing them.
type Recorder struct {
	mu     sync.Mutex
	visits []Visit
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) GoToURL(url string) {
	r.GoToURLWithPlaceholder(url, "")
}

func (r *Recorder) GoToURLWithPlaceholder(url, placeholder string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.visits = append(r.visits, Visit{URL: url, Placeholder: placeholder})
}

// Visits returns the navigations requested so far.
func (r *Recorder) Visits() []Visit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Visit(nil), r.visits...)
}

// Last returns the most recent navigation.
func (r *Recorder) Last() (Visit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.visits) == 0 {
		return Visit{}, false
	}
	return r.visits[len(r.visits)-1], true
}
