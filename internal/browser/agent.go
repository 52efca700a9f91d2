package browser

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"
)

// Page is what the agent saw at the end of a navigation.
type Page struct {
	URL    string `json:"url"`
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// PlaceholderFunc receives the final page of a navigation that named a
// placeholder.
type PlaceholderFunc func(ctx context.Context, placeholder string, page Page)

// Agent is a headless user agent: it follows redirects with a cookie jar on
// its own goroutine, one navigation at a time.
type Agent struct {
	client        *http.Client
	onPlaceholder PlaceholderFunc
	maxBody       int64

	mu      sync.Mutex
	visits  chan Visit
	stopped chan struct{}
	stop    sync.Once
	pending sync.WaitGroup
	history []Page
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithHTTPClient replaces the agent's client. The client's jar and redirect
// policy are used as is.
func WithHTTPClient(c *http.Client) AgentOption {
	return func(a *Agent) { a.client = c }
}

// WithInsecureTLS disables certificate verification, for systems under test
// running with self-signed certificates.
func WithInsecureTLS() AgentOption {
	return func(a *Agent) {
		a.client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
}

// OnPlaceholder sets the receiver of placeholder pages.
func OnPlaceholder(fn PlaceholderFunc) AgentOption {
	return func(a *Agent) { a.onPlaceholder = fn }
}

// NewAgent creates an agent. Call Start before navigating.
func NewAgent(opts ...AgentOption) *Agent {
	jar, _ := cookiejar.New(nil)
	a := &Agent{
		client:  &http.Client{Jar: jar, Timeout: 30 * time.Second},
		maxBody: 64 << 10,
		visits:  make(chan Visit),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start processes navigations until ctx is done. Navigations requested
// after that are dropped.
func (a *Agent) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				a.stop.Do(func() { close(a.stopped) })
				return
			case v := <-a.visits:
				a.navigate(ctx, v)
				a.pending.Done()
			}
		}
	}()
}

func (a *Agent) GoToURL(url string) {
	a.GoToURLWithPlaceholder(url, "")
}

func (a *Agent) GoToURLWithPlaceholder(url, placeholder string) {
	a.pending.Add(1)
	go func() {
		select {
		case a.visits <- Visit{URL: url, Placeholder: placeholder}:
		case <-a.stopped:
			slog.Debug("browser stopped, dropping navigation", "url", url)
			a.pending.Done()
		}
	}()
}

// Wait blocks until every requested navigation has completed.
func (a *Agent) Wait() {
	a.pending.Wait()
}

// History returns the final page of each navigation.
func (a *Agent) History() []Page {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Page(nil), a.history...)
}

func (a *Agent) navigate(ctx context.Context, v Visit) {
	slog.Debug("browser navigating", "url", v.URL, "placeholder", v.Placeholder)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.URL, nil)
	if err != nil {
		slog.Warn("browser navigation failed", "url", v.URL, "error", err)
		return
	}
	resp, err := a.client.Do(req)
	if err != nil {
		slog.Warn("browser navigation failed", "url", v.URL, "error", err)
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, a.maxBody))
	page := Page{URL: resp.Request.URL.String(), Status: resp.StatusCode, Body: string(body)}

	a.mu.Lock()
	a.history = append(a.history, page)
	a.mu.Unlock()

	if v.Placeholder != "" && a.onPlaceholder != nil {
		a.onPlaceholder(ctx, v.Placeholder, page)
	}
}
