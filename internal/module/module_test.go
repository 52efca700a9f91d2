package module

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conformance/internal/browser"
	"github.com/roach88/conformance/internal/condition"
	"github.com/roach88/conformance/internal/eventlog"
	"github.com/roach88/conformance/internal/testinfo"
)

// fakeBehavior lets each test script the module it needs.
type fakeBehavior struct {
	configure func(ctx context.Context, m *Module, config map[string]any) error
	start     func(ctx context.Context, m *Module) error
	routes    func(m *Module) Routes
}

func (b *fakeBehavior) Configure(ctx context.Context, m *Module, config map[string]any, _ string) error {
	if b.configure == nil {
		return nil
	}
	return b.configure(ctx, m, config)
}

func (b *fakeBehavior) Start(ctx context.Context, m *Module) error {
	if b.start == nil {
		return nil
	}
	return b.start(ctx, m)
}

func (b *fakeBehavior) Routes(m *Module) Routes {
	if b.routes == nil {
		return Routes{}
	}
	return b.routes(m)
}

var checkState = condition.Define("CheckMatchingStateParameter",
	condition.Contract{Strings: []string{"callback_params.state", "state"}},
	func(_ context.Context, s *condition.Scope) error {
		got, _ := s.Env.GetString("callback_params", "state")
		want, _ := s.Env.GetString("state", "")
		if got != want {
			return s.Fail("State parameter did not match", "expected", want, "actual", got)
		}
		s.Success("State parameter matched", "state", got)
		return nil
	})

var warnAlways = condition.Define("WarnAlways", condition.Contract{}, func(_ context.Context, s *condition.Scope) error {
	return s.Fail("Something looked off")
})

type fixture struct {
	m       *Module
	events  *eventlog.Memory
	info    *testinfo.Memory
	browser *browser.Recorder
}

func newFixture(t *testing.T, b Behavior) *fixture {
	t.Helper()
	f := &fixture{
		events:  eventlog.NewMemory(),
		info:    testinfo.NewMemory(),
		browser: browser.NewRecorder(),
	}
	m, err := New(context.Background(), "test-1", "unit-test", b, Deps{
		Events:    f.events,
		Info:      f.info,
		Browser:   f.browser,
		DetailURL: "https://suite.example/log-detail.html",
		Now:       func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	})
	require.NoError(t, err)
	f.m = m
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return f
}

func (f *fixture) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-f.m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("test module did not finish")
	}
}

func (f *fixture) messages() []string {
	var out []string
	for _, e := range f.events.Entries(f.m.ID()) {
		if msg, ok := e.Args[eventlog.KeyMsg].(string); ok {
			out = append(out, msg)
		}
	}
	return out
}

// clientBehavior redirects the browser to an authorization endpoint and
// verifies the callback in the background.
func clientBehavior(chainRuns *atomic.Int32, chain ...condition.Step) *fakeBehavior {
	return &fakeBehavior{
		start: func(ctx context.Context, m *Module) error {
			m.Env().PutString("state", "", "xyz")
			m.Browser().GoToURL("https://as.example/authorize?state=xyz")
			return m.SetStatus(ctx, testinfo.StatusWaiting)
		},
		routes: func(m *Module) Routes {
			return Routes{
				Callbacks: map[string]HandlerFunc{
					"callback": func(ctx context.Context, req Request) (Response, error) {
						m.Env().PutObject("callback_params", map[string]any{"state": req.Param("state")})
						m.RunInBackground("verify callback", func(ctx context.Context) error {
							chainRuns.Add(1)
							if err := m.Run(ctx, chain...); err != nil {
								return err
							}
							m.Finish(ctx)
							return nil
						})
						return m.RedirectToLogDetail(), nil
					},
				},
			}
		},
	}
}

func TestModule_Lifecycle_CallbackPasses(t *testing.T) {
	var runs atomic.Int32
	f := newFixture(t, clientBehavior(&runs, condition.Stop(checkState)))
	ctx := context.Background()

	var setup, success atomic.Bool
	var final atomic.Value
	f.m.AddListener(ListenerFuncs{
		OnSetupDone:   func() { setup.Store(true) },
		OnTestSuccess: func() { success.Store(true) },
		OnFinished:    func(r testinfo.Result) { final.Store(r) },
	})

	assert.Equal(t, testinfo.StatusCreated, f.m.Status())
	require.NoError(t, f.m.Configure(ctx, map[string]any{"client": map[string]any{"client_id": "c1"}}, "https://suite.example/test/a/unit"))
	assert.Equal(t, testinfo.StatusConfigured, f.m.Status())
	assert.True(t, setup.Load())

	require.NoError(t, f.m.Start(ctx))
	assert.Equal(t, testinfo.StatusWaiting, f.m.Status())
	visit, ok := f.browser.Last()
	require.True(t, ok)
	assert.Equal(t, "https://as.example/authorize?state=xyz", visit.URL)

	resp, err := f.m.HandleHTTP(ctx, "callback", Request{Method: "GET", Params: map[string]string{"state": "xyz"}})
	require.NoError(t, err)
	assert.Equal(t, "https://suite.example/log-detail.html?log=test-1", resp.Redirect)

	f.waitDone(t)
	assert.Equal(t, testinfo.StatusFinished, f.m.Status())
	assert.Equal(t, testinfo.ResultPassed, f.m.Result())
	assert.True(t, success.Load())
	assert.Equal(t, testinfo.ResultPassed, final.Load())
	assert.EqualValues(t, 1, runs.Load())

	rec, err := f.info.GetTest(ctx, "test-1")
	require.NoError(t, err)
	assert.Equal(t, testinfo.StatusFinished, rec.Status)
	assert.Equal(t, testinfo.ResultPassed, rec.Result)
}

func TestModule_Lifecycle_CallbackStopFailureHaltsChain(t *testing.T) {
	var runs atomic.Int32
	var afterRan atomic.Bool
	after := condition.Define("AfterState", condition.Contract{}, func(context.Context, *condition.Scope) error {
		afterRan.Store(true)
		return nil
	})
	f := newFixture(t, clientBehavior(&runs, condition.Stop(checkState), condition.Stop(after)))
	ctx := context.Background()

	var failed atomic.Bool
	f.m.AddListener(ListenerFuncs{OnTestFailure: func() { failed.Store(true) }})

	require.NoError(t, f.m.Configure(ctx, nil, "https://suite.example/test/a/unit"))
	require.NoError(t, f.m.Start(ctx))

	_, err := f.m.HandleHTTP(ctx, "callback", Request{Params: map[string]string{"state": "forged"}})
	require.NoError(t, err)

	f.waitDone(t)
	assert.Equal(t, testinfo.ResultFailed, f.m.Result())
	assert.Equal(t, testinfo.StatusFinished, f.m.Status())
	assert.True(t, failed.Load())
	assert.False(t, afterRan.Load())
	assert.Contains(t, f.messages(), "State parameter did not match")
}

func TestModule_UnexpectedPathFailsInEveryState(t *testing.T) {
	ctx := context.Background()

	t.Run("created", func(t *testing.T) {
		f := newFixture(t, &fakeBehavior{})
		_, err := f.m.HandleHTTP(ctx, "unknown-path", Request{})
		require.Error(t, err)
		assert.True(t, condition.IsUnexpectedPath(err))
		assert.True(t, condition.IsAbort(err))
		assert.Equal(t, testinfo.ResultFailed, f.m.Result())
		assert.Equal(t, testinfo.StatusFinished, f.m.Status())
	})

	t.Run("waiting", func(t *testing.T) {
		var runs atomic.Int32
		f := newFixture(t, clientBehavior(&runs))
		require.NoError(t, f.m.Configure(ctx, nil, "https://suite.example"))
		require.NoError(t, f.m.Start(ctx))
		_, err := f.m.HandleHTTP(ctx, "unknown-path", Request{})
		assert.True(t, condition.IsUnexpectedPath(err))
		assert.Equal(t, testinfo.ResultFailed, f.m.Result())
	})

	t.Run("mtls", func(t *testing.T) {
		f := newFixture(t, &fakeBehavior{})
		_, err := f.m.HandleHTTPMTLS(ctx, "token", Request{})
		assert.True(t, condition.IsUnexpectedPath(err))
		assert.Equal(t, testinfo.ResultFailed, f.m.Result())
	})

	t.Run("finished", func(t *testing.T) {
		f := newFixture(t, &fakeBehavior{})
		require.NoError(t, f.m.Configure(ctx, nil, "https://suite.example"))
		require.NoError(t, f.m.Start(ctx))
		require.Equal(t, testinfo.ResultPassed, f.m.Result())

		_, err := f.m.HandleHTTP(ctx, "unknown-path", Request{})
		assert.True(t, condition.IsUnexpectedPath(err))
		assert.Equal(t, testinfo.ResultPassed, f.m.Result())

		entries := f.events.Entries(f.m.ID())
		last := entries[len(entries)-1]
		assert.Equal(t, "Ignoring unexpected HTTP call to unknown-path after the test finished", last.Args[eventlog.KeyMsg])
		assert.NotContains(t, last.Args, eventlog.KeyResult)
	})

	t.Run("stopped", func(t *testing.T) {
		f := newFixture(t, &fakeBehavior{})
		require.NoError(t, f.m.Stop(ctx))

		_, err := f.m.HandleHTTP(ctx, "unknown-path", Request{})
		require.Error(t, err)
		assert.True(t, condition.IsUnexpectedPath(err))
		assert.True(t, condition.IsAbort(err))

		_, err = f.m.HandleHTTPMTLS(ctx, "token", Request{})
		assert.True(t, condition.IsUnexpectedPath(err))
		assert.Equal(t, testinfo.ResultUnknown, f.m.Result())
	})
}

func TestModule_KnownPathAfterFinishDoesNotChangeResult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeBehavior{
		routes: func(m *Module) Routes {
			return Routes{HTTP: map[string]HandlerFunc{
				"jwks": func(context.Context, Request) (Response, error) { return OK(map[string]any{"keys": []any{}}), nil },
			}}
		},
	})
	require.NoError(t, f.m.Configure(ctx, nil, "https://suite.example"))
	require.NoError(t, f.m.Start(ctx))

	_, err := f.m.HandleHTTP(ctx, "jwks", Request{})
	assert.ErrorIs(t, err, ErrTestFinished)
	assert.Equal(t, testinfo.ResultPassed, f.m.Result())
}

func TestModule_WaitingReturnsToWaitingAfterHandler(t *testing.T) {
	ctx := context.Background()
	var seen testinfo.Status
	f := newFixture(t, &fakeBehavior{
		start: func(ctx context.Context, m *Module) error {
			return m.SetStatus(ctx, testinfo.StatusWaiting)
		},
		routes: func(m *Module) Routes {
			return Routes{HTTP: map[string]HandlerFunc{
				"token": func(context.Context, Request) (Response, error) {
					seen = m.Status()
					return OK(map[string]any{"access_token": "at"}), nil
				},
			}}
		},
	})
	require.NoError(t, f.m.Configure(ctx, nil, "https://suite.example"))
	require.NoError(t, f.m.Start(ctx))

	resp, err := f.m.HandleHTTP(ctx, "token", Request{Method: "POST"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, testinfo.StatusRunning, seen)
	assert.Equal(t, testinfo.StatusWaiting, f.m.Status())
}

func TestModule_DuplicateCallbackRunsChainOnce(t *testing.T) {
	var runs atomic.Int32
	f := newFixture(t, clientBehavior(&runs, condition.Stop(checkState)))
	ctx := context.Background()
	require.NoError(t, f.m.Configure(ctx, nil, "https://suite.example"))
	require.NoError(t, f.m.Start(ctx))

	const callers = 8
	redirects := make([]string, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.m.HandleHTTP(ctx, "callback", Request{Params: map[string]string{"state": "xyz"}})
			if assert.NoError(t, err) {
				redirects[i] = resp.Redirect
			}
		}(i)
	}
	wg.Wait()

	// A late repeat after the chain was accepted.
	resp, err := f.m.HandleHTTP(ctx, "callback", Request{Params: map[string]string{"state": "xyz"}})
	require.NoError(t, err)

	f.waitDone(t)
	for _, r := range redirects {
		assert.Equal(t, "https://suite.example/log-detail.html?log=test-1", r)
	}
	assert.Equal(t, redirects[0], resp.Redirect)
	assert.EqualValues(t, 1, runs.Load())
	assert.Equal(t, testinfo.ResultPassed, f.m.Result())
}

func TestModule_ToleratedFailuresGradeVerdict(t *testing.T) {
	tests := []struct {
		name     string
		severity condition.Result
		want     testinfo.Result
	}{
		{"info", condition.Info, testinfo.ResultPassed},
		{"warning", condition.Warning, testinfo.ResultWarning},
		{"review", condition.Review, testinfo.ResultReview},
		{"failure", condition.Failure, testinfo.ResultFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, &fakeBehavior{
				start: func(ctx context.Context, m *Module) error {
					return m.Run(ctx, condition.Continue(warnAlways, tt.severity))
				},
			})
			require.NoError(t, f.m.Configure(ctx, nil, "https://suite.example"))
			require.NoError(t, f.m.Start(ctx))
			assert.Equal(t, tt.want, f.m.Result())
			assert.Equal(t, testinfo.StatusFinished, f.m.Status())
		})
	}
}

func TestModule_PlaceholderYieldsReview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeBehavior{
		start: func(ctx context.Context, m *Module) error {
			m.RegisterPlaceholder("error-page")
			m.Browser().GoToURLWithPlaceholder("https://as.example/authorize?redirect_uri=bad", "error-page")
			return m.SetStatus(ctx, testinfo.StatusWaiting)
		},
	})
	require.NoError(t, f.m.Configure(ctx, nil, "https://suite.example"))
	require.NoError(t, f.m.Start(ctx))

	visit, ok := f.browser.Last()
	require.True(t, ok)
	assert.Equal(t, "error-page", visit.Placeholder)

	err := f.m.FulfillPlaceholder(ctx, "unknown", nil)
	assert.ErrorIs(t, err, ErrUnknownPlaceholder)

	require.NoError(t, f.m.FulfillPlaceholder(ctx, "error-page", map[string]any{"img": "data:image/png;base64,AAAA"}))
	assert.Equal(t, testinfo.ResultReview, f.m.Result())
	assert.Equal(t, testinfo.StatusFinished, f.m.Status())
}

func TestModule_ResultIsSetOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeBehavior{
		start: func(ctx context.Context, m *Module) error {
			return m.Run(ctx, condition.Stop(warnAlways))
		},
	})
	require.NoError(t, f.m.Configure(ctx, nil, "https://suite.example"))
	err := f.m.Start(ctx)
	require.Error(t, err)
	assert.True(t, condition.IsAbort(err))
	assert.Equal(t, testinfo.ResultFailed, f.m.Result())

	// Neither a late finish nor a stop can change the verdict.
	require.NoError(t, f.m.Executor().Do(ctx, "late finish", func(ctx context.Context) error {
		f.m.Finish(ctx)
		return nil
	}))
	require.NoError(t, f.m.Stop(ctx))
	assert.Equal(t, testinfo.ResultFailed, f.m.Result())

	rec, err := f.info.GetTest(ctx, "test-1")
	require.NoError(t, err)
	assert.Equal(t, testinfo.ResultFailed, rec.Result)
}

func TestModule_StopBeforeVerdictIsInterrupted(t *testing.T) {
	var runs atomic.Int32
	f := newFixture(t, clientBehavior(&runs))
	ctx := context.Background()

	var interrupted atomic.Bool
	f.m.AddListener(ListenerFuncs{OnInterrupted: func() { interrupted.Store(true) }})

	require.NoError(t, f.m.Configure(ctx, nil, "https://suite.example"))
	require.NoError(t, f.m.Start(ctx))
	require.NoError(t, f.m.Stop(ctx))
	f.waitDone(t)

	assert.True(t, interrupted.Load())
	assert.Equal(t, testinfo.StatusFinished, f.m.Status())
	assert.Equal(t, testinfo.ResultUnknown, f.m.Result())

	// Stopping twice is harmless.
	require.NoError(t, f.m.Stop(ctx))
}

func TestModule_ConfigureStoresConfigAndBaseURL(t *testing.T) {
	ctx := context.Background()
	var gotBase string
	f := newFixture(t, &fakeBehavior{
		configure: func(_ context.Context, m *Module, _ map[string]any) error {
			gotBase, _ = m.Env().GetString("base_url", "")
			m.ExposeEnvString("base_url")
			return nil
		},
	})
	require.NoError(t, f.m.Configure(ctx, map[string]any{"server": map[string]any{"discoveryUrl": "https://as.example"}}, "https://suite.example/test/a/unit"))

	assert.Equal(t, "https://suite.example/test/a/unit", gotBase)
	assert.Equal(t, map[string]string{"base_url": "https://suite.example/test/a/unit"}, f.m.Exposed())

	rec, err := f.info.GetTest(ctx, "test-1")
	require.NoError(t, err)
	assert.Equal(t, "https://as.example", rec.Config["server"].(map[string]any)["discoveryUrl"])
	assert.Equal(t, "https://suite.example/test/a/unit", rec.Exposed["base_url"], "exposed values are saved with the status change")

	err = f.m.Configure(ctx, nil, "again")
	assert.Error(t, err)
}

func TestModule_ConfigureErrorFailsTest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeBehavior{
		configure: func(context.Context, *Module, map[string]any) error {
			return errors.New("bad key material")
		},
	})
	err := f.m.Configure(ctx, nil, "https://suite.example")
	require.Error(t, err)
	assert.True(t, condition.IsAbort(err))
	assert.Equal(t, testinfo.ResultFailed, f.m.Result())
	assert.Equal(t, testinfo.StatusFinished, f.m.Status())

	msgs := f.messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, "Final environment", msgs[len(msgs)-1])
}

func TestModule_BeforeHookRunsAheadOfHandlers(t *testing.T) {
	ctx := context.Background()
	var order []string
	f := newFixture(t, &fakeBehavior{
		routes: func(m *Module) Routes {
			return Routes{
				Before: func(_ context.Context, path string, req Request) error {
					order = append(order, "before "+path)
					m.Env().PutObject("incoming_request", req.Parts())
					return nil
				},
				HTTP: map[string]HandlerFunc{
					"userinfo": func(context.Context, Request) (Response, error) {
						order = append(order, "userinfo")
						method, _ := m.Env().GetString("incoming_request", "method")
						return OK(map[string]any{"method": method}), nil
					},
				},
			}
		},
	})
	resp, err := f.m.HandleHTTP(ctx, "userinfo", Request{Method: "GET"})
	require.NoError(t, err)
	assert.Equal(t, []string{"before userinfo", "userinfo"}, order)
	assert.Equal(t, map[string]any{"method": "GET"}, resp.Body)
}
