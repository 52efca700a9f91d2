package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/conformance/internal/browser"
	"github.com/roach88/conformance/internal/catalog"
	"github.com/roach88/conformance/internal/condition"
	"github.com/roach88/conformance/internal/config"
	"github.com/roach88/conformance/internal/engine"
	"github.com/roach88/conformance/internal/eventlog"
	"github.com/roach88/conformance/internal/module"
	"github.com/roach88/conformance/internal/plan"
	"github.com/roach88/conformance/internal/testinfo"
)

// TrailReader reads a test's audit trail back.
type TrailReader interface {
	Events(ctx context.Context, testID string) ([]eventlog.Entry, error)
}

// Options configure a Server.
type Options struct {
	Catalog *catalog.Catalog
	Info    testinfo.Service
	Events  eventlog.Sink

	// Trail serves GET /api/log/{id}. When nil and Events is an
	// *eventlog.Memory, the memory sink is read.
	Trail TrailReader

	// BaseURL is the external URL of the main listener, without a trailing
	// slash. Instances are reachable under BaseURL/test/{id}.
	BaseURL string

	// MTLSBaseURL is the external URL of the mutually authenticated
	// listener. Empty when none runs.
	MTLSBaseURL string

	DetailURL string

	// HTTP is the outbound client given to modules.
	HTTP *http.Client

	// Browser drives front-channel redirects for every instance. When nil
	// each instance records its navigations for a human to follow.
	Browser browser.Control

	Registry *condition.Registry
	MaxTasks int
	IDs      engine.IDGenerator
	Now      func() time.Time
}

// Server owns the running test instances.
type Server struct {
	opts Options

	mu    sync.RWMutex
	tests map[string]*module.Module
}

var _ plan.Launcher = (*Server)(nil)

// New creates a server.
func New(opts Options) *Server {
	if opts.Catalog == nil {
		opts.Catalog = catalog.New()
	}
	if opts.Info == nil {
		opts.Info = testinfo.NewMemory()
	}
	if opts.Events == nil {
		opts.Events = eventlog.Discard{}
	}
	if opts.Trail == nil {
		if mem, ok := opts.Events.(*eventlog.Memory); ok {
			opts.Trail = memoryTrail{mem}
		}
	}
	if opts.IDs == nil {
		opts.IDs = engine.UUIDv7Generator{}
	}
	if opts.DetailURL == "" {
		opts.DetailURL = module.DefaultDetailURL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.BaseURL = strings.TrimSuffix(opts.BaseURL, "/")
	opts.MTLSBaseURL = strings.TrimSuffix(opts.MTLSBaseURL, "/")
	return &Server{opts: opts, tests: make(map[string]*module.Module)}
}

// Handler serves the runner API and the front channel.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get(s.detailPath(), s.handleDetail)
	r.Route("/api", s.apiRoutes)
	r.HandleFunc("/test/{id}/*", s.frontChannel(false))
	return r
}

// MTLSHandler serves the mutually authenticated channel.
func (s *Server) MTLSHandler() http.Handler {
	r := chi.NewRouter()
	r.HandleFunc("/test-mtls/{id}/*", s.frontChannel(true))
	return r
}

func (s *Server) detailPath() string {
	path := s.opts.DetailURL
	if i := strings.Index(path, "://"); i >= 0 {
		rest := path[i+3:]
		if j := strings.Index(rest, "/"); j >= 0 {
			return rest[j:]
		}
		return "/"
	}
	return path
}

// CreateResult is what Create reports about a new instance.
type CreateResult struct {
	Module *module.Module

	// MissingFields lists the module's configuration fields that the
	// configuration does not set.
	MissingFields []string
}

// Create validates config against the module's schema, instantiates the
// module and configures it.
func (s *Server) Create(ctx context.Context, name string, cfg map[string]any) (CreateResult, error) {
	entry, err := s.opts.Catalog.Lookup(name)
	if err != nil {
		return CreateResult{}, err
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	if err := config.ValidateModuleConfig(entry.Schema, cfg); err != nil {
		return CreateResult{}, err
	}

	id := s.opts.IDs.Generate()
	deps := module.Deps{
		Events:    s.opts.Events,
		Info:      s.opts.Info,
		Browser:   s.opts.Browser,
		HTTP:      s.opts.HTTP,
		Registry:  s.opts.Registry,
		DetailURL: s.opts.DetailURL,
		Now:       s.opts.Now,
		MaxTasks:  s.opts.MaxTasks,
	}
	if deps.Browser == nil {
		deps.Browser = browser.NewRecorder()
	}
	if s.opts.MTLSBaseURL != "" {
		deps.MTLSBaseURL = s.opts.MTLSBaseURL + "/test-mtls/" + id
	}

	m, err := s.opts.Catalog.Create(ctx, id, name, deps)
	if err != nil {
		return CreateResult{}, err
	}
	s.mu.Lock()
	s.tests[id] = m
	s.mu.Unlock()

	slog.Info("test instance created", "test", id, "module", name)
	res := CreateResult{Module: m, MissingFields: config.MissingFields(entry.Info.ConfigurationFields, cfg)}
	if err := m.Configure(ctx, cfg, s.opts.BaseURL+"/test/"+id); err != nil {
		return res, fmt.Errorf("configure %s: %w", id, err)
	}
	return res, nil
}

// Launch creates, configures and starts a module for a plan run.
func (s *Server) Launch(ctx context.Context, name string, cfg map[string]any) (module.TestModule, error) {
	res, err := s.Create(ctx, name, cfg)
	if res.Module == nil {
		return nil, err
	}
	if err != nil {
		return res.Module, err
	}
	return res.Module, res.Module.Start(ctx)
}

// Get returns the running instance id.
func (s *Server) Get(id string) (*module.Module, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.tests[id]
	return m, ok
}

// Remove stops instance id and forgets it. Its records stay in the info
// service.
func (s *Server) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	m, ok := s.tests[id]
	delete(s.tests, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("test %s: %w", id, testinfo.ErrNotFound)
	}
	return m.Stop(ctx)
}

// IDs returns the ids of the running instances, sorted.
func (s *Server) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.tests))
	for id := range s.tests {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// FulfillPlaceholder hands evidence to whichever instance registered
// placeholder.
func (s *Server) FulfillPlaceholder(ctx context.Context, placeholder string, evidence map[string]any) error {
	for _, id := range s.IDs() {
		m, ok := s.Get(id)
		if !ok {
			continue
		}
		err := m.FulfillPlaceholder(ctx, placeholder, evidence)
		if errors.Is(err, module.ErrUnknownPlaceholder) || engine.IsStopped(err) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: %s", module.ErrUnknownPlaceholder, placeholder)
}

// PlaceholderFunc adapts FulfillPlaceholder for a browser.Agent: the final
// page of the navigation becomes the evidence.
func (s *Server) PlaceholderFunc() browser.PlaceholderFunc {
	return func(ctx context.Context, placeholder string, page browser.Page) {
		evidence := map[string]any{
			"url":    page.URL,
			"status": page.Status,
			"body":   page.Body,
		}
		if err := s.FulfillPlaceholder(ctx, placeholder, evidence); err != nil {
			slog.Warn("placeholder evidence not accepted", "placeholder", placeholder, "error", err)
		}
	}
}

// Shutdown stops every running instance.
func (s *Server) Shutdown(ctx context.Context) {
	for _, id := range s.IDs() {
		if err := s.Remove(ctx, id); err != nil {
			slog.Warn("stop test", "test", id, "error", err)
		}
	}
}

type memoryTrail struct{ mem *eventlog.Memory }

func (t memoryTrail) Events(_ context.Context, testID string) ([]eventlog.Entry, error) {
	entries := t.mem.Entries(testID)
	if entries == nil {
		entries = []eventlog.Entry{}
	}
	return entries, nil
}
