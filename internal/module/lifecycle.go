package module

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/conformance/internal/condition"
	"github.com/roach88/conformance/internal/engine"
	"github.com/roach88/conformance/internal/eventlog"
	"github.com/roach88/conformance/internal/testinfo"
)

var (
	// ErrTestFinished is returned for calls that reach a finished test. The
	// test's verdict is not affected.
	ErrTestFinished = errors.New("test already finished")

	// ErrUnknownPlaceholder is returned when evidence arrives for a
	// placeholder the test never registered.
	ErrUnknownPlaceholder = errors.New("unknown placeholder")
)

// Configure stores config and baseURL in the Environment and runs the
// behavior's setup. On success the module is CONFIGURED.
func (m *Module) Configure(ctx context.Context, config map[string]any, baseURL string) error {
	return m.exec.Do(ctx, "configure", func(ctx context.Context) error {
		if s := m.Status(); s != testinfo.StatusCreated {
			return fmt.Errorf("configure: test %s is %s", m.id, s)
		}
		if config == nil {
			config = map[string]any{}
		}
		m.env.PutObject("config", config)
		m.env.PutString("base_url", "", baseURL)
		if a, ok := m.info.(testinfo.Annotator); ok {
			if err := a.UpdateTestConfig(ctx, m.id, config); err != nil {
				slog.Warn("update test config failed", "test", m.id, "error", err)
			}
		}
		if m.mtlsURL != "" {
			m.env.PutString("base_mtls_url", "", m.mtlsURL)
		}

		if err := m.behavior.Configure(ctx, m, config, baseURL); err != nil {
			return m.failWith(ctx, err)
		}
		if m.Status() == testinfo.StatusFinished {
			return nil
		}
		if err := m.SetStatus(ctx, testinfo.StatusConfigured); err != nil {
			return err
		}
		for _, l := range m.listenersSnapshot() {
			l.SetupDone()
		}
		return nil
	})
}

// Start runs the test. A behavior that returns while still RUNNING is
// finished with the verdict of its recorded checks.
func (m *Module) Start(ctx context.Context) error {
	return m.exec.Do(ctx, "start", func(ctx context.Context) error {
		if s := m.Status(); s != testinfo.StatusConfigured {
			return fmt.Errorf("start: test %s is %s", m.id, s)
		}
		if err := m.SetStatus(ctx, testinfo.StatusRunning); err != nil {
			return err
		}
		if err := m.behavior.Start(ctx, m); err != nil {
			return m.failWith(ctx, err)
		}
		if m.Status() == testinfo.StatusRunning {
			m.finish(ctx)
		}
		return nil
	})
}

// Stop ends the test. A test stopped before reaching a verdict is reported
// as interrupted and keeps Result UNKNOWN.
func (m *Module) Stop(ctx context.Context) error {
	err := m.exec.Do(ctx, "stop", func(ctx context.Context) error {
		if m.Status() == testinfo.StatusFinished {
			return nil
		}
		if m.Result() == testinfo.ResultUnknown {
			m.log.Log(ctx, m.name, map[string]any{eventlog.KeyMsg: "Test was interrupted before it completed"})
			for _, l := range m.listenersSnapshot() {
				l.Interrupted()
			}
		}
		m.terminate(ctx)
		return nil
	})
	if engine.IsStopped(err) {
		err = nil
	}
	m.exec.Stop()
	go func() {
		<-m.exec.Done()
		m.cancel()
	}()
	m.markDone()
	return err
}

// Finish ends the test with the verdict of its recorded checks. Behaviors
// call it from a handler or background task once the flow is complete.
func (m *Module) Finish(ctx context.Context) {
	m.finish(ctx)
}

// HandleHTTP dispatches a front-channel call to the handler for path.
// A path the module does not serve fails the test in every state.
func (m *Module) HandleHTTP(ctx context.Context, path string, req Request) (Response, error) {
	if h, ok := m.routes.Callbacks[path]; ok {
		return m.handleCallback(ctx, path, req, h)
	}
	h, ok := m.routes.HTTP[path]
	if !ok {
		return Response{}, m.rejectPath(ctx, "http "+path, path)
	}
	return m.dispatch(ctx, "http "+path, func(ctx context.Context) (Response, error) {
		return m.serve(ctx, path, req, h)
	})
}

// HandleHTTPMTLS dispatches a call that arrived over mutually
// authenticated TLS.
func (m *Module) HandleHTTPMTLS(ctx context.Context, path string, req Request) (Response, error) {
	h, ok := m.routes.MTLS[path]
	if !ok {
		return Response{}, m.rejectPath(ctx, "mtls "+path, "mtls/"+path)
	}
	return m.dispatch(ctx, "mtls "+path, func(ctx context.Context) (Response, error) {
		return m.serve(ctx, path, req, h)
	})
}

// rejectPath handles a call to a path outside the route tables. The routes
// are fixed at New, so a stopped module still reports the path as
// unexpected.
func (m *Module) rejectPath(ctx context.Context, task, path string) error {
	_, err := m.dispatch(ctx, task, func(ctx context.Context) (Response, error) {
		return Response{}, m.unexpectedPath(ctx, path)
	})
	if engine.IsStopped(err) {
		slog.Info("unexpected call to stopped test", "test", m.id, "path", path)
		return m.unexpectedPathError(path)
	}
	return err
}

// FulfillPlaceholder records evidence supplied for a registered
// placeholder. The evidence needs human review, so the verdict can be no
// better than REVIEW. A WAITING test with no placeholders left finishes.
func (m *Module) FulfillPlaceholder(ctx context.Context, placeholder string, evidence map[string]any) error {
	return m.exec.Do(ctx, "placeholder", func(ctx context.Context) error {
		m.mu.Lock()
		known := m.placeholders[placeholder]
		delete(m.placeholders, placeholder)
		remaining := len(m.placeholders)
		m.mu.Unlock()
		if !known {
			return fmt.Errorf("%w: %s", ErrUnknownPlaceholder, placeholder)
		}

		args := map[string]any{
			eventlog.KeyMsg:    "Evidence supplied for placeholder",
			eventlog.KeyResult: string(condition.Review),
			"placeholder":      placeholder,
		}
		for k, v := range evidence {
			args[k] = v
		}
		m.log.Log(ctx, m.name, args)
		m.onGrade(condition.Review)

		if remaining == 0 && m.Status() == testinfo.StatusWaiting {
			m.finish(ctx)
		}
		return nil
	})
}

func (m *Module) dispatch(ctx context.Context, task string, fn func(ctx context.Context) (Response, error)) (Response, error) {
	var resp Response
	err := m.exec.Do(ctx, task, func(ctx context.Context) error {
		var err error
		resp, err = fn(ctx)
		return err
	})
	return resp, err
}

// handleCallback runs a browser-flow callback at most once. Concurrent
// deliveries share one run; later ones get the accepted response.
func (m *Module) handleCallback(ctx context.Context, path string, req Request, h HandlerFunc) (Response, error) {
	v, err, _ := m.callbacks.Do(path, func() (any, error) {
		m.mu.Lock()
		prev, seen := m.accepted[path]
		m.mu.Unlock()
		if seen {
			m.exec.Go("duplicate "+path, func(ctx context.Context) error {
				m.log.Log(ctx, m.name, map[string]any{
					eventlog.KeyMsg: "Ignoring repeated call to callback endpoint",
					"path":          path,
				})
				return nil
			})
			return prev, nil
		}

		resp, err := m.dispatch(context.WithoutCancel(ctx), "callback "+path, func(ctx context.Context) (Response, error) {
			return m.serve(ctx, path, req, h)
		})
		if err != nil {
			return Response{}, err
		}
		m.mu.Lock()
		m.accepted[path] = resp
		m.mu.Unlock()
		return resp, nil
	})
	if err != nil {
		return Response{}, err
	}
	return v.(Response), nil
}

// serve runs h on the executor goroutine.
func (m *Module) serve(ctx context.Context, path string, req Request, h HandlerFunc) (Response, error) {
	if m.Status() == testinfo.StatusFinished {
		slog.Info("request for finished test", "test", m.id, "path", path)
		return Response{}, ErrTestFinished
	}
	waiting := m.Status() == testinfo.StatusWaiting
	if waiting {
		if err := m.SetStatus(ctx, testinfo.StatusRunning); err != nil {
			return Response{}, err
		}
	}

	if m.routes.Before != nil {
		if err := m.routes.Before(ctx, path, req); err != nil {
			return Response{}, m.failWith(ctx, err)
		}
	}
	resp, err := h(ctx, req)
	if err != nil {
		return Response{}, m.failWith(ctx, err)
	}

	if waiting && m.Status() == testinfo.StatusRunning {
		if err := m.SetStatus(ctx, testinfo.StatusWaiting); err != nil {
			return Response{}, err
		}
	}
	return resp, nil
}

func (m *Module) unexpectedPathError(path string) *condition.AbortError {
	cause := condition.NewError(condition.ErrCodeUnexpectedPath, m.id, m.name,
		"Got unexpected HTTP call to "+path, "path", path)
	return condition.NewAbort(m.id, m.name, cause)
}

// unexpectedPath fails the test. A finished test keeps its verdict, so the
// stray call is logged without a grade.
func (m *Module) unexpectedPath(ctx context.Context, path string) error {
	abort := m.unexpectedPathError(path)
	args := map[string]any{
		eventlog.KeyMsg: "Got unexpected HTTP call to " + path,
		"path":          path,
	}
	if m.Status() == testinfo.StatusFinished {
		args[eventlog.KeyMsg] = "Ignoring unexpected HTTP call to " + path + " after the test finished"
	} else {
		args[eventlog.KeyResult] = string(condition.Failure)
	}
	m.log.Log(ctx, m.name, args)
	m.onAbort(ctx, abort)
	return abort
}

// failWith turns err into a test failure unless a runner already did.
func (m *Module) failWith(ctx context.Context, err error) error {
	if condition.IsAbort(err) || errors.Is(err, ErrTestFinished) {
		return err
	}
	abort := condition.NewAbort(m.id, m.name, err)
	m.onAbort(ctx, abort)
	return abort
}

// onAbort fails the test. It runs on the executor goroutine.
func (m *Module) onAbort(ctx context.Context, abort *condition.AbortError) {
	if m.Status() == testinfo.StatusFinished {
		slog.Debug("failure after test finished", "test", m.id, "error", abort)
		return
	}
	m.setResult(ctx, testinfo.ResultFailed)
	m.log.Log(ctx, m.name, map[string]any{
		eventlog.KeyMsg: "Test failed",
		"error":         abort.Cause.Error(),
	})
	for _, l := range m.listenersSnapshot() {
		l.TestFailure()
	}
	m.terminate(ctx)
}

// finish ends a test that ran to completion.
func (m *Module) finish(ctx context.Context) {
	if m.Status() == testinfo.StatusFinished {
		return
	}
	verdict := m.verdict()
	m.setResult(ctx, verdict)
	m.log.Log(ctx, m.name, map[string]any{
		eventlog.KeyMsg: "Test finished",
		"verdict":       string(m.Result()),
	})
	for _, l := range m.listenersSnapshot() {
		if verdict == testinfo.ResultFailed {
			l.TestFailure()
		} else {
			l.TestSuccess()
		}
	}
	m.terminate(ctx)
}

// terminate moves to FINISHED, writes the final environment and notifies
// listeners.
func (m *Module) terminate(ctx context.Context) {
	if err := m.SetStatus(ctx, testinfo.StatusFinished); err != nil {
		slog.Warn("finish test", "test", m.id, "error", err)
		return
	}
	m.log.Log(ctx, m.name, map[string]any{
		eventlog.KeyMsg: "Final environment",
		"final_env":     m.env.Export(),
	})
	result := m.Result()
	for _, l := range m.listenersSnapshot() {
		l.Finished(result)
	}
	m.markDone()
}

func (m *Module) markDone() {
	m.finishOnce.Do(func() { close(m.finished) })
}

// verdict aggregates the tolerated failures recorded so far.
func (m *Module) verdict() testinfo.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.grades[condition.Failure] > 0:
		return testinfo.ResultFailed
	case m.grades[condition.Warning] > 0:
		return testinfo.ResultWarning
	case m.grades[condition.Review] > 0:
		return testinfo.ResultReview
	default:
		return testinfo.ResultPassed
	}
}
