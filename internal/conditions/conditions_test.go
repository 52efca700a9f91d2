package conditions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conformance/internal/condition"
	"github.com/roach88/conformance/internal/env"
	"github.com/roach88/conformance/internal/eventlog"
)

type fixture struct {
	env    *env.Environment
	mem    *eventlog.Memory
	runner *condition.Runner
	grades []condition.Result
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, client *http.Client) *fixture {
	t.Helper()
	f := &fixture{env: env.New(), mem: eventlog.NewMemory()}
	log := eventlog.NewInstance("test-1", f.mem)
	opts := []condition.RunnerOption{
		condition.WithSource("conditions-test"),
		condition.WithNow(func() time.Time { return fixedNow }),
		condition.OnGrade(func(r condition.Result) { f.grades = append(f.grades, r) }),
	}
	if client != nil {
		opts = append(opts, condition.WithHTTPClient(client))
	}
	f.runner = condition.NewRunner("test-1", f.env, log, opts...)
	return f
}

func (f *fixture) run(t *testing.T, conds ...condition.Condition) error {
	t.Helper()
	steps := make([]condition.Step, len(conds))
	for i, c := range conds {
		steps[i] = condition.Stop(c)
	}
	return f.runner.Run(context.Background(), steps...)
}

func (f *fixture) last(t *testing.T) map[string]any {
	t.Helper()
	entries := f.mem.Entries("test-1")
	require.NotEmpty(t, entries)
	return entries[len(entries)-1].Args
}

func TestValidateRedirectUri(t *testing.T) {
	tests := []struct {
		name    string
		actual  string
		wantErr bool
	}{
		{name: "match", actual: "https://rp.example/cb"},
		{name: "mismatch", actual: "https://rp.example/cb2", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.env.PutObject("client", map[string]any{"redirect_uri": "https://rp.example/cb"})
			f.env.PutObject("token_endpoint_request", map[string]any{
				"params": map[string]any{"redirect_uri": tt.actual},
			})

			err := f.run(t, ValidateRedirectUri)
			args := f.last(t)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, condition.IsAssertionFailed(err))
				assert.Equal(t, "https://rp.example/cb", args["expected"])
				assert.Equal(t, tt.actual, args["actual"])
				assert.Equal(t, string(condition.Failure), args[eventlog.KeyResult])
				return
			}
			require.NoError(t, err)
			assert.Equal(t, string(condition.Success), args[eventlog.KeyResult])
			assert.Equal(t, tt.actual, args["redirect_uri"])
		})
	}
}

func TestValidateAuthorizationCodeMissingActual(t *testing.T) {
	f := newFixture(t, nil)
	f.env.PutString("authorization_code", "", "abc123")
	f.env.PutObject("token_endpoint_request", map[string]any{"params": map[string]any{}})

	err := f.run(t, ValidateAuthorizationCode)
	require.Error(t, err)
	assert.True(t, condition.IsPreconditionMissing(err))
	assert.Contains(t, f.last(t)[eventlog.KeyMsg], "authorization code to compare")
}

func TestValidateAuthorizationCodeMismatch(t *testing.T) {
	f := newFixture(t, nil)
	f.env.PutString("authorization_code", "", "abc123")
	f.env.PutObject("token_endpoint_request", map[string]any{"params": map[string]any{"code": "zzz"}})

	err := f.run(t, ValidateAuthorizationCode)
	require.Error(t, err)
	assert.True(t, condition.IsAssertionFailed(err))
}

func TestServerConfigurationFromBaseURL(t *testing.T) {
	f := newFixture(t, nil)
	f.env.PutString("base_url", "", "https://suite.example/test/a/abc/")

	require.NoError(t, f.run(t, GenerateServerConfiguration, CheckServerConfiguration))
	issuer, _ := f.env.GetString("server", "issuer")
	token, _ := f.env.GetString("server", "token_endpoint")
	assert.Equal(t, "https://suite.example/test/a/abc/", issuer)
	assert.Equal(t, "https://suite.example/test/a/abc/token", token)
}

func TestIdTokenSignedByServerVerifiesAsClient(t *testing.T) {
	f := newFixture(t, nil)
	f.env.PutString("base_url", "", "https://suite.example/test/a/abc")
	f.env.PutObject("config", map[string]any{})
	f.env.PutObject("client", map[string]any{"client_id": "client-1"})
	f.env.PutString("nonce", "", "n-0S6_WzA2Mj")

	require.NoError(t, f.run(t,
		GenerateServerConfiguration,
		LoadServerJWKs,
		EnsureMinimumKeyLength,
		LoadUserInfo,
		GenerateIdTokenClaims,
		SignIdToken,
	))
	idToken, _ := f.env.GetString("id_token", "")
	f.env.RemoveObject("id_token")
	f.env.PutObject("token_endpoint_response", map[string]any{"access_token": "at", "id_token": idToken})

	require.NoError(t, f.run(t, ExtractIdTokenFromTokenResponse, ValidateIdToken, ValidateIdTokenSignature))
	sub, _ := f.env.GetString("id_token", "claims.sub")
	assert.Equal(t, "user-subject-1234531", sub)
}

func TestValidateIdTokenNonceMismatch(t *testing.T) {
	f := newFixture(t, nil)
	f.env.PutObject("server", map[string]any{"issuer": "https://op.example/"})
	f.env.PutObject("client", map[string]any{"client_id": "client-1"})
	f.env.PutString("nonce", "", "expected")
	f.env.PutObject("id_token", map[string]any{"claims": map[string]any{
		"iss":   "https://op.example/",
		"aud":   []any{"client-1", "other"},
		"iat":   float64(fixedNow.Unix()),
		"exp":   float64(fixedNow.Add(time.Minute).Unix()),
		"nonce": "replayed",
	}})

	err := f.run(t, ValidateIdToken)
	require.Error(t, err)
	assert.Equal(t, "Nonce values mismatch", f.last(t)[eventlog.KeyMsg])
}

func tokenServer(t *testing.T, handler func(w http.ResponseWriter, form url.Values, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		handler(w, r.PostForm, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCallTokenEndpointAuthorizationCode(t *testing.T) {
	srv := tokenServer(t, func(w http.ResponseWriter, form url.Values, r *http.Request) {
		id, secret, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client-1", id)
		assert.Equal(t, "s3cret", secret)
		assert.Equal(t, "authorization_code", form.Get("grant_type"))
		assert.Equal(t, "code-1", form.Get("code"))
		assert.Equal(t, "https://rp.example/cb", form.Get("redirect_uri"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-1",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"scope":        "openid accounts",
		})
	})

	f := newFixture(t, srv.Client())
	f.env.PutObject("server", map[string]any{"token_endpoint": srv.URL + "/token"})
	f.env.PutObject("client", map[string]any{"client_id": "client-1", "client_secret": "s3cret"})
	f.env.PutString("code", "", "code-1")
	f.env.PutString("redirect_uri", "", "https://rp.example/cb")

	require.NoError(t, f.run(t,
		CreateTokenEndpointRequestForAuthorizationCodeGrant,
		CallTokenEndpoint,
		CheckIfTokenEndpointResponseError,
		CheckForAccessTokenValue,
		ExtractAccessTokenFromTokenResponse,
		CheckForScopesInTokenResponse,
	))
	token, _ := f.env.GetString("access_token", "value")
	assert.Equal(t, "at-1", token)
	status, _ := f.env.GetNumber("token_endpoint_response_http_status", "")
	assert.Equal(t, float64(200), status)
}

func TestCallTokenEndpointErrorIsGradable(t *testing.T) {
	srv := tokenServer(t, func(w http.ResponseWriter, form url.Values, _ *http.Request) {
		assert.Equal(t, "client-1", form.Get("client_id"))
		assert.Equal(t, "s3cret", form.Get("client_secret"))
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"code already used"}`))
	})

	f := newFixture(t, srv.Client())
	f.env.PutObject("server", map[string]any{"token_endpoint": srv.URL + "/token"})
	f.env.PutObject("client", map[string]any{"client_id": "client-1", "client_secret": "s3cret"})
	f.env.PutString("code", "", "code-1")
	f.env.PutString("redirect_uri", "", "https://rp.example/cb")

	err := f.runner.Run(context.Background(),
		condition.Stop(CreateTokenEndpointRequestForAuthorizationCodeGrant),
		condition.Stop(AddFormBasedClientSecretAuthenticationParameters),
		condition.Stop(CallTokenEndpoint),
		condition.ExpectFailure(CheckIfTokenEndpointResponseError),
		condition.Stop(CheckErrorFromTokenEndpointResponseErrorInvalidGrant),
	)
	require.NoError(t, err)
	status, _ := f.env.GetNumber("token_endpoint_response_http_status", "")
	assert.Equal(t, float64(http.StatusBadRequest), status)
}

func TestCallTokenEndpointClientCredentials(t *testing.T) {
	srv := tokenServer(t, func(w http.ResponseWriter, form url.Values, _ *http.Request) {
		assert.Equal(t, "client_credentials", form.Get("grant_type"))
		assert.Equal(t, "accounts", form.Get("scope"))
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "cc-1", "token_type": "Bearer"})
	})

	f := newFixture(t, srv.Client())
	f.env.PutObject("server", map[string]any{"token_endpoint": srv.URL + "/token"})
	f.env.PutObject("client", map[string]any{"client_id": "client-1", "client_secret": "s3cret", "scope": "accounts"})

	require.NoError(t, f.run(t, CreateTokenEndpointRequestForClientCredentialsGrant, CallTokenEndpoint, ExtractAccessTokenFromTokenResponse))
	token, _ := f.env.GetString("access_token", "value")
	assert.Equal(t, "cc-1", token)
}

func TestFetchServerKeysFromJwksURI(t *testing.T) {
	f := newFixture(t, nil)
	f.env.PutObject("config", map[string]any{})
	require.NoError(t, f.run(t, LoadServerJWKs))
	public, _ := f.env.GetObject("server_public_jwks")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(public)
	}))
	t.Cleanup(srv.Close)

	client := newFixture(t, srv.Client())
	client.env.PutObject("server", map[string]any{"jwks_uri": srv.URL})
	require.NoError(t, client.run(t, FetchServerKeys))
	keys, ok := client.env.Get("server_jwks", "keys")
	require.True(t, ok)
	assert.Len(t, keys, 1)
}

func TestBuildPlainRedirectToAuthorizationEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.env.PutString("base_url", "", "https://suite.example/test/a/abc")
	f.env.PutObject("server", map[string]any{"authorization_endpoint": "https://op.example/authorize"})
	f.env.PutObject("client", map[string]any{"client_id": "client-1"})

	require.NoError(t, f.run(t,
		CreateRedirectUri,
		CreateAuthorizationEndpointRequestFromClientInformation,
		CreateRandomStateValue,
		AddStateToAuthorizationEndpointRequest,
		SetAuthorizationEndpointRequestResponseTypeToCode,
		BuildPlainRedirectToAuthorizationEndpoint,
	))
	target, _ := f.env.GetString("redirect_to_authorization_endpoint", "")
	u, err := url.Parse(target)
	require.NoError(t, err)
	state, _ := f.env.GetString("state", "")
	assert.Equal(t, "op.example", u.Host)
	assert.Equal(t, "code", u.Query().Get("response_type"))
	assert.Equal(t, state, u.Query().Get("state"))
	assert.Equal(t, "https://suite.example/test/a/abc/callback", u.Query().Get("redirect_uri"))
	assert.Equal(t, "openid", u.Query().Get("scope"))
}

func TestCallbackChecks(t *testing.T) {
	f := newFixture(t, nil)
	f.env.PutString("state", "", "st-1")
	f.env.PutObject("callback_params", map[string]any{"state": "st-1", "code": "code-9"})

	require.NoError(t, f.run(t, CheckIfAuthorizationEndpointError, CheckMatchingStateParameter, ExtractAuthorizationCodeFromAuthorizationResponse))
	code, _ := f.env.GetString("code", "")
	assert.Equal(t, "code-9", code)

	f.env.PutObject("callback_params", map[string]any{"error": "access_denied"})
	err := f.run(t, CheckIfAuthorizationEndpointError)
	require.Error(t, err)
	assert.Equal(t, "access_denied", f.last(t)["error"])
}

func TestAccountsEndpointResponseChecks(t *testing.T) {
	var gotAuth, gotInteraction string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/open-banking/v1.1/accounts", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotInteraction = r.Header.Get("x-fapi-interaction-id")
		w.Header().Set("Content-Type", "application/json; charset=UTF-8")
		w.Header().Set("x-fapi-interaction-id", gotInteraction)
		w.Header().Set("Date", fixedNow.Format(http.TimeFormat))
		_, _ = w.Write([]byte(`{"Data":{"Account":[]}}`))
	}))
	t.Cleanup(srv.Close)

	f := newFixture(t, srv.Client())
	f.env.PutObject("config", map[string]any{"resource": map[string]any{
		"resourceUrl":    srv.URL + "/open-banking/v1.1/",
		"institution_id": "bank-1",
	}})
	f.env.PutObject("access_token", map[string]any{"value": "at-1", "type": "Bearer"})

	require.NoError(t, f.run(t,
		GetResourceEndpointConfiguration,
		CreateRandomFAPIInteractionId,
		CallAccountsEndpointWithBearerToken,
		CheckForDateHeaderInResourceResponse,
		CheckForFAPIInteractionIdInResourceResponse,
		EnsureMatchingFAPIInteractionId,
		EnsureResourceResponseEncodingIsUTF8,
	))
	assert.Equal(t, "Bearer at-1", gotAuth)
	sent, _ := f.env.GetString("fapi_interaction_id", "")
	assert.Equal(t, sent, gotInteraction)
}

func TestEnsureResourceResponseEncodingRejectsLatin1(t *testing.T) {
	f := newFixture(t, nil)
	f.env.PutString("resource_endpoint_response", "", "{}")
	f.env.PutObject("resource_endpoint_response_headers", map[string]any{"content-type": "application/json; charset=ISO-8859-1"})

	err := f.run(t, EnsureResourceResponseEncodingIsUTF8)
	require.Error(t, err)
	assert.Equal(t, "Response charset is not UTF-8", f.last(t)[eventlog.KeyMsg])
}

func TestRegistryHoldsEveryCondition(t *testing.T) {
	reg := Registry()
	names := reg.Names()
	assert.Len(t, names, len(All()))
	for _, c := range All() {
		got, err := reg.New(c.Name())
		require.NoError(t, err)
		assert.Equal(t, c.Name(), got.Name())
	}
}

func TestRandomAlphanumeric(t *testing.T) {
	a := RandomAlphanumeric(37)
	b := RandomAlphanumeric(37)
	assert.Len(t, a, 37)
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^[A-Za-z0-9]+$`, a)
}
