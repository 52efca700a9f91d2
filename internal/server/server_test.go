package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conformance/internal/browser"
	"github.com/roach88/conformance/internal/engine"
	"github.com/roach88/conformance/internal/eventlog"
	"github.com/roach88/conformance/internal/module"
	"github.com/roach88/conformance/internal/modules"
	"github.com/roach88/conformance/internal/plan"
	"github.com/roach88/conformance/internal/testinfo"
)

const (
	clientID     = "client-7d10c3"
	clientSecret = "Zt4mQ8xW2kP6vN1rH9jL3bF7sD5gC0yAeXuK"
)

type suite struct {
	srv    *Server
	http   *httptest.Server
	events *eventlog.Memory
	info   *testinfo.Memory
}

// newSuite serves a Server on an httptest listener. ids are handed to
// instances in creation order.
func newSuite(t *testing.T, b browser.Control, ids ...string) *suite {
	t.Helper()
	cat, err := modules.Catalog()
	require.NoError(t, err)

	s := &suite{events: eventlog.NewMemory(), info: testinfo.NewMemory()}
	var handler http.Handler = http.NotFoundHandler()
	s.http = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(s.http.Close)

	s.srv = New(Options{
		Catalog: cat,
		Info:    s.info,
		Events:  s.events,
		BaseURL: s.http.URL + "/",
		Browser: b,
		HTTP:    s.http.Client(),
		IDs:     engine.NewFixedGenerator(ids...),
	})
	handler = s.srv.Handler()
	t.Cleanup(func() { s.srv.Shutdown(context.Background()) })
	return s
}

func (s *suite) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.http.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func asConfig(redirectURI string) map[string]any {
	return map[string]any{
		"client": map[string]any{
			"client_id":     clientID,
			"client_secret": clientSecret,
			"redirect_uri":  redirectURI,
		},
	}
}

func rpConfig(discovery string) map[string]any {
	return map[string]any{
		"server": map[string]any{"discoveryUrl": discovery},
		"client": map[string]any{
			"client_id":     clientID,
			"client_secret": clientSecret,
			"scope":         "openid email",
		},
	}
}

func waitDone(t *testing.T, m module.TestModule) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("test %s did not finish (status %s)", m.ID(), m.Status())
	}
}

func TestCatalogAPI(t *testing.T) {
	s := newSuite(t, nil)
	resp, body := s.do(t, http.MethodGet, "/api/catalog", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["modules"], 5)
}

func TestCreateRejectsUnknownModuleAndBadConfig(t *testing.T) {
	s := newSuite(t, nil, "t-1")

	resp, body := s.do(t, http.MethodPost, "/api/runner?test=no-such-test", map[string]any{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "UNKNOWN_MODULE", body["error"].(map[string]any)["code"])

	resp, body = s.do(t, http.MethodPost, "/api/runner?test=sample-client-test", map[string]any{
		"client": map[string]any{"client_id": clientID},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errBody := body["error"].(map[string]any)
	assert.Equal(t, "INVALID_CONFIG", errBody["code"])
	assert.NotEmpty(t, errBody["details"])
	assert.Empty(t, s.srv.IDs(), "no instance is created for a bad configuration")

	resp, _ = s.do(t, http.MethodPost, "/api/runner", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunnerLifecycleAPI(t *testing.T) {
	s := newSuite(t, nil, "as-1")

	resp, body := s.do(t, http.MethodPost, "/api/runner?test=sample-client-test", asConfig("https://rp.example/cb"))
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	assert.Equal(t, "as-1", body["id"])
	assert.Equal(t, s.http.URL+"/test/as-1", body["url"])
	assert.Equal(t, "CONFIGURED", body["status"])

	resp, body = s.do(t, http.MethodPost, "/api/runner/as-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "WAITING", body["status"])
	assert.Equal(t, []any{}, body["browser"])

	// The front channel serves the instance's discovery document.
	resp, body = s.do(t, http.MethodGet, "/test/as-1/.well-known/openid-configuration", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, s.http.URL+"/test/as-1/token", body["token_endpoint"])

	resp, body = s.do(t, http.MethodGet, "/api/info/as-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sample-client-test", body["test_name"])

	resp, body = s.do(t, http.MethodGet, "/api/log/as-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["entries"])

	resp, _ = s.do(t, http.MethodDelete, "/api/runner/as-1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = s.do(t, http.MethodGet, "/api/runner/as-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	rec, err := s.info.GetTest(context.Background(), "as-1")
	require.NoError(t, err)
	assert.Equal(t, testinfo.StatusFinished, rec.Status)
	assert.Equal(t, testinfo.ResultUnknown, rec.Result, "stopped before a verdict")
}

func TestUnexpectedPathFailsTest(t *testing.T) {
	s := newSuite(t, nil, "as-1")
	res, err := s.srv.Create(context.Background(), "sample-client-test", asConfig("https://rp.example/cb"))
	require.NoError(t, err)
	require.NoError(t, res.Module.Start(context.Background()))

	resp, body := s.do(t, http.MethodGet, "/test/as-1/not-an-endpoint", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "UNEXPECTED_PATH", body["error"].(map[string]any)["code"])
	assert.Equal(t, testinfo.ResultFailed, res.Module.Result())

	resp, body = s.do(t, http.MethodGet, "/test/as-1/jwks", nil)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	assert.Equal(t, "TEST_FINISHED", body["error"].(map[string]any)["code"])

	require.NoError(t, res.Module.Stop(context.Background()))
	resp, body = s.do(t, http.MethodGet, "/test/as-1/still-not-an-endpoint", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "UNEXPECTED_PATH", body["error"].(map[string]any)["code"])
	assert.Equal(t, testinfo.ResultFailed, res.Module.Result())

	resp, _ = s.do(t, http.MethodGet, "/test/nope/jwks", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// TestClientFlowThroughServer runs a client-role test against the suite's
// own authorization server, with a headless browser following the
// redirects through the front channel.
func TestClientFlowThroughServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var s *suite
	agent := browser.NewAgent(browser.OnPlaceholder(func(ctx context.Context, placeholder string, page browser.Page) {
		s.srv.PlaceholderFunc()(ctx, placeholder, page)
	}))
	agent.Start(ctx)
	s = newSuite(t, agent, "as-1", "rp-1")

	as, err := s.srv.Launch(ctx, "sample-client-test", asConfig(s.http.URL+"/test/rp-1/callback"))
	require.NoError(t, err)
	assert.Equal(t, testinfo.StatusWaiting, as.Status())

	rp, err := s.srv.Launch(ctx, "sample-test", rpConfig(s.http.URL+"/test/as-1/.well-known/openid-configuration"))
	require.NoError(t, err)

	waitDone(t, rp)
	assert.Equal(t, testinfo.ResultPassed, rp.Result())

	agent.Wait()
	history := agent.History()
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, http.StatusOK, last.Status)
	assert.Contains(t, last.URL, "/log-detail.html?log=rp-1")
}

func TestPlanRunThroughServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var s *suite
	agent := browser.NewAgent(browser.OnPlaceholder(func(ctx context.Context, placeholder string, page browser.Page) {
		s.srv.PlaceholderFunc()(ctx, placeholder, page)
	}))
	agent.Start(ctx)
	s = newSuite(t, agent, "as-1", "rp-1", "rp-2")

	_, err := s.srv.Launch(ctx, "sample-client-test", asConfig(s.http.URL+"/test/rp-1/callback"))
	require.NoError(t, err)

	p := &plan.Plan{
		Name:   "server-plan",
		Config: rpConfig(s.http.URL + "/test/as-1/.well-known/openid-configuration"),
		Modules: []plan.Entry{
			{Module: "sample-test"},
			{Module: "openid-op-redirect-uri-query-mismatch", Expect: testinfo.ResultReview},
		},
	}
	report, err := plan.NewRunner(s.srv, plan.WithModuleTimeout(10*time.Second)).Run(ctx, p)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 2)
	for _, o := range report.Outcomes {
		assert.NoError(t, o.Err, o.Module)
	}
	assert.True(t, report.Passed(), "%+v", report.Outcomes)
}

func TestRequestParts(t *testing.T) {
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := requestParts(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}))
	srv.TLS = &tls.Config{ClientAuth: tls.RequestClientCert, MinVersion: tls.VersionTLS12, MaxVersion: tls.VersionTLS12}
	srv.StartTLS()
	defer srv.Close()

	client := srv.Client()
	client.Transport.(*http.Transport).TLSClientConfig.Certificates = []tls.Certificate{clientCert(t)}

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/token?grant_type=from_query",
		strings.NewReader("grant_type=authorization_code&code=abc"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Fapi-Interaction-Id", "c770aef3")
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got module.Request
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "from_query", got.Params["grant_type"], "query wins over form")
	assert.Equal(t, "abc", got.Params["code"])
	assert.Equal(t, "c770aef3", got.Headers["x-fapi-interaction-id"])
	assert.Equal(t, "grant_type=authorization_code&code=abc", got.Body)
	require.NotNil(t, got.TLS)
	assert.Equal(t, "TLS 1.2", got.TLS.Version)
	assert.True(t, strings.HasPrefix(got.TLS.CipherSuite, "TLS_ECDHE_"), got.TLS.CipherSuite)
	assert.Contains(t, got.ClientCertificate, "-----BEGIN CERTIFICATE-----")
}

func TestRequestParts_JSONBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/test/x/register", strings.NewReader(`{"redirect_uris":["https://rp.example/cb"]}`))
	r.Header.Set("Content-Type", "application/json; charset=utf-8")

	req, err := requestParts(r)
	require.NoError(t, err)
	assert.Equal(t, []any{"https://rp.example/cb"}, req.BodyJSON["redirect_uris"])
	assert.Nil(t, req.TLS)
}

func TestDetailPath(t *testing.T) {
	tests := []struct{ detail, want string }{
		{"", "/log-detail.html"},
		{"/logs", "/logs"},
		{"https://suite.example/log-detail.html", "/log-detail.html"},
		{"https://suite.example", "/"},
	}
	for _, tt := range tests {
		s := New(Options{DetailURL: tt.detail})
		assert.Equal(t, tt.want, s.detailPath(), tt.detail)
	}
}

func clientCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: clientID},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}
