package module

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/conformance/internal/browser"
	"github.com/roach88/conformance/internal/condition"
	"github.com/roach88/conformance/internal/engine"
	"github.com/roach88/conformance/internal/env"
	"github.com/roach88/conformance/internal/eventlog"
	"github.com/roach88/conformance/internal/testinfo"
)

// DefaultDetailURL is where finished browser flows are sent to read the log.
const DefaultDetailURL = "/log-detail.html"

// Behavior is what a concrete conformance test supplies.
type Behavior interface {
	// Configure loads configuration into the Environment and runs the
	// setup checks. The module is CREATED on entry.
	Configure(ctx context.Context, m *Module, config map[string]any, baseURL string) error

	// Start runs the test. On return the module must be WAITING (a
	// browser redirect is outstanding) or FINISHED.
	Start(ctx context.Context, m *Module) error

	// Routes returns the module's HTTP dispatch tables.
	Routes(m *Module) Routes
}

// TestModule is the contract the outside world (HTTP entry point, plan
// runner) uses to drive a test.
type TestModule interface {
	ID() string
	Name() string
	Configure(ctx context.Context, config map[string]any, baseURL string) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	HandleHTTP(ctx context.Context, path string, req Request) (Response, error)
	HandleHTTPMTLS(ctx context.Context, path string, req Request) (Response, error)
	FulfillPlaceholder(ctx context.Context, placeholder string, evidence map[string]any) error
	Status() testinfo.Status
	Result() testinfo.Result
	Exposed() map[string]string
	Browser() browser.Control
	AddListener(l Listener)
	Done() <-chan struct{}
}

// Deps are the services a module talks to.
type Deps struct {
	Events    eventlog.Sink
	Info      testinfo.Service
	Browser   browser.Control
	HTTP      *http.Client
	Registry  *condition.Registry
	DetailURL string
	Now       func() time.Time
	MaxTasks  int

	// MTLSBaseURL is the instance's base URL on the mutually authenticated
	// listener. Empty when no such listener runs.
	MTLSBaseURL string
}

// Module is a running test instance.
type Module struct {
	id       string
	name     string
	behavior Behavior
	routes   Routes

	env     *env.Environment
	runner  *condition.Runner
	log     *eventlog.Instance
	info    testinfo.Service
	exec    *engine.Executor
	browser browser.Control
	detail  string
	mtlsURL string
	cancel  context.CancelFunc

	callbacks singleflight.Group

	mu           sync.Mutex
	status       testinfo.Status
	result       testinfo.Result
	exposed      map[string]string
	listeners    []Listener
	grades       map[condition.Result]int
	placeholders map[string]bool
	accepted     map[string]Response
	finished     chan struct{}
	finishOnce   sync.Once
}

var _ TestModule = (*Module)(nil)

// New creates a module in state CREATED and registers it with the info
// service. The module's executor runs until Stop or until ctx is done.
func New(ctx context.Context, id, name string, b Behavior, deps Deps) (*Module, error) {
	if deps.Events == nil {
		deps.Events = eventlog.Discard{}
	}
	if deps.Info == nil {
		deps.Info = testinfo.NewMemory()
	}
	if deps.Browser == nil {
		deps.Browser = browser.NewRecorder()
	}
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	if deps.DetailURL == "" {
		deps.DetailURL = DefaultDetailURL
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	m := &Module{
		id:           id,
		name:         name,
		behavior:     b,
		env:          env.New(),
		info:         deps.Info,
		browser:      deps.Browser,
		detail:       deps.DetailURL,
		mtlsURL:      deps.MTLSBaseURL,
		status:       testinfo.StatusUnknown,
		result:       testinfo.ResultUnknown,
		exposed:      make(map[string]string),
		grades:       make(map[condition.Result]int),
		placeholders: make(map[string]bool),
		accepted:     make(map[string]Response),
		finished:     make(chan struct{}),
	}
	m.log = eventlog.NewInstance(id, deps.Events,
		eventlog.WithSequencer(engine.NewClock()),
		eventlog.WithNow(deps.Now),
	)
	opts := []condition.RunnerOption{
		condition.WithSource(name),
		condition.WithHTTPClient(deps.HTTP),
		condition.WithNow(deps.Now),
		condition.OnAbort(m.onAbort),
		condition.OnGrade(m.onGrade),
	}
	if deps.Registry != nil {
		opts = append(opts, condition.WithRegistry(deps.Registry))
	}
	m.runner = condition.NewRunner(id, m.env, m.log, opts...)

	execOpts := []engine.ExecutorOption{
		engine.WithErrorHandler(m.onBackgroundError),
	}
	if deps.MaxTasks != 0 {
		execOpts = append(execOpts, engine.WithMaxTasks(deps.MaxTasks))
	}
	m.exec = engine.NewExecutor(id, execOpts...)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.exec.Start(runCtx)

	if err := deps.Info.CreateTest(ctx, testinfo.Record{
		ID:       id,
		TestName: name,
		Created:  deps.Now().UTC(),
		Status:   testinfo.StatusCreated,
		Result:   testinfo.ResultUnknown,
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("register test %s: %w", id, err)
	}
	m.routes = b.Routes(m)

	m.mu.Lock()
	m.status = testinfo.StatusCreated
	m.mu.Unlock()
	m.log.Msg(ctx, name, "Test instance created")

	return m, nil
}

func (m *Module) ID() string                 { return m.id }
func (m *Module) Name() string               { return m.name }
func (m *Module) Browser() browser.Control   { return m.browser }
func (m *Module) Done() <-chan struct{}      { return m.finished }
func (m *Module) Log() *eventlog.Instance    { return m.log }
func (m *Module) Env() *env.Environment      { return m.env }
func (m *Module) Runner() *condition.Runner  { return m.runner }
func (m *Module) Executor() *engine.Executor { return m.exec }

// Status returns the current lifecycle state.
func (m *Module) Status() testinfo.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Result returns the verdict, UNKNOWN until the test fails or finishes.
func (m *Module) Result() testinfo.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result
}

// Exposed returns a copy of the values published for the outside world.
func (m *Module) Exposed() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.exposed)
}

// AddListener registers l for lifecycle events.
func (m *Module) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Run executes condition steps against the module's Environment. It must be
// called from a Behavior method or a background task.
func (m *Module) Run(ctx context.Context, steps ...condition.Step) error {
	return m.runner.Run(ctx, steps...)
}

// Expose publishes a value.
func (m *Module) Expose(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exposed[key] = value
}

// ExposeEnvString publishes the top-level Environment string key.
func (m *Module) ExposeEnvString(key string) {
	v, _ := m.env.GetString(key, "")
	m.Expose(key, v)
}

// SetStatus moves the module to s. Illegal transitions are refused.
func (m *Module) SetStatus(ctx context.Context, s testinfo.Status) error {
	m.mu.Lock()
	from := m.status
	if from == s {
		m.mu.Unlock()
		return nil
	}
	if !from.CanTransitionTo(s) {
		m.mu.Unlock()
		return fmt.Errorf("illegal status transition %s -> %s", from, s)
	}
	m.status = s
	m.mu.Unlock()

	if err := m.info.UpdateTestStatus(ctx, m.id, s); err != nil {
		slog.Warn("update test status failed", "test", m.id, "status", s, "error", err)
	}
	if a, ok := m.info.(testinfo.Annotator); ok {
		if err := a.UpdateTestExposed(ctx, m.id, m.Exposed()); err != nil {
			slog.Warn("update exposed values failed", "test", m.id, "error", err)
		}
	}
	m.log.Log(ctx, m.name, map[string]any{eventlog.KeyMsg: "Status changed", "status": string(s)})
	return nil
}

// RegisterPlaceholder declares that evidence for placeholder will be
// supplied from outside (for example a screenshot of an error page).
func (m *Module) RegisterPlaceholder(placeholder string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeholders[placeholder] = true
}

// RedirectToLogDetail is the response that ends a browser flow.
func (m *Module) RedirectToLogDetail() Response {
	return RedirectTo(m.detail + "?log=" + m.id)
}

// RunInBackground schedules fn on the module's executor after the current
// task. A fatal failure inside fn has already failed the test; any other
// error fails it too.
func (m *Module) RunInBackground(name string, fn func(ctx context.Context) error) bool {
	return m.exec.Go(name, func(ctx context.Context) error {
		if m.Status() == testinfo.StatusFinished {
			slog.Debug("skipping background task for finished test", "test", m.id, "task", name)
			return nil
		}
		if m.Status() == testinfo.StatusWaiting {
			_ = m.SetStatus(ctx, testinfo.StatusRunning)
		}
		return fn(ctx)
	})
}

// onBackgroundError sees errors of background tasks. Refused tasks are
// reported from the submitting goroutine and only logged.
func (m *Module) onBackgroundError(task string, err error) {
	ctx := context.Background()
	switch {
	case condition.IsAbort(err), errors.Is(err, ErrTestFinished):
		return
	case engine.IsStopped(err), engine.IsQuotaError(err):
		slog.Error("background task refused", "test", m.id, "task", task, "error", err)
		return
	}
	slog.Warn("background task failed", "test", m.id, "task", task, "error", err)
	m.onAbort(ctx, condition.NewAbort(m.id, m.name, err))
}

func (m *Module) onGrade(r condition.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grades[r]++
}

func (m *Module) listenersSnapshot() []Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Listener(nil), m.listeners...)
}

// setResult records r if no verdict has been reached yet.
func (m *Module) setResult(ctx context.Context, r testinfo.Result) bool {
	m.mu.Lock()
	if m.result != testinfo.ResultUnknown {
		m.mu.Unlock()
		return false
	}
	m.result = r
	m.mu.Unlock()

	if err := m.info.UpdateTestResult(ctx, m.id, r); err != nil {
		slog.Warn("update test result failed", "test", m.id, "result", r, "error", err)
	}
	return true
}
