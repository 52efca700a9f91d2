package modules

import (
	"context"
	"fmt"

	"github.com/roach88/conformance/internal/catalog"
	"github.com/roach88/conformance/internal/condition"
	"github.com/roach88/conformance/internal/conditions"
	"github.com/roach88/conformance/internal/module"
	"github.com/roach88/conformance/internal/testinfo"
)

var obClientInfo = catalog.Info{
	TestName:    "ob-client-test-code-with-client-secret-basic-and-matls",
	DisplayName: "OB: client test (code with client_secret_basic authentication and MATLS)",
	Profile:     "OB",
	ConfigurationFields: []string{
		"server.jwks",
		"client.client_id",
		"client.client_secret",
		"client.scope",
		"client.redirect_uri",
		"client.certificate",
		"client.jwks",
	},
	Summary: "Plays an Open Banking authorization server and resource server for a client using request objects, client_secret_basic and a mutually authenticated token endpoint.",
}

const obClientSchema = sampleClientSchema + `
client: {
	certificate: string & !=""
	jwks: keys: [_, ...{kty: string, ...}]
	...
}
`

const (
	accountRequestsPath = "open-banking/v1.1/account-requests"
	accountsPath        = "open-banking/v1.1/accounts"
)

// obClient serves the Open Banking read flow: a client credentials token
// for the account request, the authorization code flow with a signed
// request object, then the accounts resource. The test finishes when the
// client reads its accounts.
type obClient struct{}

func newOBClient() module.Behavior { return &obClient{} }

func (b *obClient) Configure(ctx context.Context, m *module.Module, _ map[string]any, _ string) error {
	if err := configureServer(ctx, m, conditions.GenerateServerConfigurationMTLS); err != nil {
		return err
	}
	return m.Run(ctx, condition.Stop(conditions.ExtractJWKsFromClientConfiguration))
}

func (b *obClient) Start(ctx context.Context, m *module.Module) error {
	return m.SetStatus(ctx, testinfo.StatusWaiting)
}

type obHandler func(ctx context.Context, requestID string) (module.Response, error)

func (b *obClient) Routes(m *module.Module) module.Routes {
	front := func(h obHandler) module.HandlerFunc { return b.tracked(m, h, condition.Info) }
	mtls := func(h obHandler) module.HandlerFunc { return b.tracked(m, h, condition.Failure) }

	return module.Routes{
		HTTP: map[string]module.HandlerFunc{
			"authorize": front(func(ctx context.Context, id string) (module.Response, error) {
				return b.authorize(ctx, m, id)
			}),
			"token": front(func(ctx context.Context, id string) (module.Response, error) {
				return b.token(ctx, m, id)
			}),
			"jwks": front(func(context.Context, string) (module.Response, error) {
				return envJSON(m, "server_public_jwks")
			}),
			"userinfo": front(func(ctx context.Context, id string) (module.Response, error) {
				return b.userinfo(ctx, m, id)
			}),
			".well-known/openid-configuration": front(func(context.Context, string) (module.Response, error) {
				return envJSON(m, "server")
			}),
			accountRequestsPath: front(func(ctx context.Context, id string) (module.Response, error) {
				return b.accountRequests(ctx, m, id)
			}),
			accountsPath: front(func(ctx context.Context, id string) (module.Response, error) {
				return b.accounts(ctx, m, id)
			}),
		},
		MTLS: map[string]module.HandlerFunc{
			"token": mtls(func(ctx context.Context, id string) (module.Response, error) {
				return b.token(ctx, m, id)
			}),
		},
	}
}

// tracked stores each request under its own key and checks the transport
// it arrived on before handing it to h. Version failures are graded at
// versionSeverity; cipher failures always fail.
func (b *obClient) tracked(m *module.Module, h obHandler, versionSeverity condition.Result) module.HandlerFunc {
	return func(ctx context.Context, req module.Request) (module.Response, error) {
		id := trackRequest(m, req)
		if err := m.Run(ctx,
			condition.Exec(condition.MapKey("client_request", id)),
			condition.Continue(conditions.EnsureIncomingTls12, versionSeverity, "FAPI-R-7.1-1"),
			condition.Continue(conditions.EnsureIncomingTlsSecureCipher, condition.Failure, "FAPI-R-7.1-1"),
			condition.Exec(condition.UnmapKey("client_request")),
		); err != nil {
			return module.Response{}, err
		}
		return h(ctx, id)
	}
}

func (b *obClient) authorize(ctx context.Context, m *module.Module, id string) (module.Response, error) {
	if err := m.Run(ctx,
		condition.Exec(condition.StartBlock("Authorization endpoint"), condition.MapKey("authorization_endpoint_request", id)),
		condition.Stop(conditions.ExtractRequestObject, "FAPI-RW-5.2.2-10"),
		condition.Stop(conditions.EnsureAuthorizationParametersMatchRequestObject),
		condition.Stop(conditions.ValidateRequestObjectSignature, "FAPI-RW-5.2.2-10"),
		condition.Stop(conditions.ExtractOBIntentId),
		condition.Stop(conditions.EnsureResponseTypeIsCode),
		condition.Stop(conditions.EnsureMatchingClientId),
		condition.Stop(conditions.EnsureMatchingRedirectUri),
		condition.Stop(conditions.ExtractRequestedScopes),
		condition.Stop(conditions.EnsureOpenIDInScopeRequest, "FAPI-R-5.2.3-7"),
		condition.Stop(conditions.ExtractNonceFromAuthorizationRequest, "FAPI-R-5.2.3-8"),
		condition.Stop(conditions.CreateAuthorizationCode),
		condition.Stop(conditions.RedirectBackToClientWithAuthorizationCode),
		condition.Exec(condition.UnmapKey("authorization_endpoint_request"), condition.EndBlock()),
	); err != nil {
		return module.Response{}, err
	}
	m.ExposeEnvString("authorization_endpoint_response_redirect")
	to, _ := m.Env().GetString("authorization_endpoint_response_redirect", "")
	return module.RedirectTo(to), nil
}

func (b *obClient) token(ctx context.Context, m *module.Module, id string) (module.Response, error) {
	if err := m.Run(ctx,
		condition.Exec(condition.StartBlock("Token endpoint"), condition.MapKey("token_endpoint_request", id)),
		condition.Continue(conditions.ExtractClientCertificateFromTokenEndpointRequestHeaders, condition.Info).
			SkipIfMissing(nil, []string{"token_endpoint_request.headers.x-ssl-cert"}, condition.Info),
		condition.Stop(conditions.CheckForClientCertificate, "OB-5.2.4"),
		condition.Stop(conditions.EnsureClientCertificateMatches),
		condition.Stop(conditions.ExtractClientCredentialsFromBasicAuthorizationHeader),
		condition.Continue(conditions.AuthenticateClientWithClientSecret, condition.Info),
		condition.Stop(conditions.EnsureClientIsAuthenticated),
		condition.Stop(conditions.ClearClientAuthentication),
	); err != nil {
		return module.Response{}, err
	}

	var grant []condition.Step
	switch grantType, _ := m.Env().GetString("token_endpoint_request", "params.grant_type"); grantType {
	case "authorization_code":
		grant = []condition.Step{
			condition.Stop(conditions.ValidateAuthorizationCode),
			condition.Stop(conditions.ValidateRedirectUri),
			condition.Stop(conditions.GenerateBearerAccessToken),
			condition.Stop(conditions.GenerateIdTokenClaims),
			condition.Stop(conditions.AddOBIntentIdToIdTokenClaims),
			condition.Stop(conditions.SignIdToken),
			condition.Stop(conditions.CreateTokenEndpointResponse),
		}
	case "client_credentials":
		grant = []condition.Step{
			condition.Stop(conditions.GenerateBearerAccessToken),
			condition.Stop(conditions.CreateTokenEndpointResponse),
			condition.Stop(conditions.CopyAccessTokenToClientCredentialsField),
		}
	default:
		return module.Response{}, fmt.Errorf("got a grant type on the token endpoint we didn't understand: %q", grantType)
	}
	grant = append(grant, condition.Exec(condition.UnmapKey("token_endpoint_request"), condition.EndBlock()))
	if err := m.Run(ctx, grant...); err != nil {
		return module.Response{}, err
	}
	return envJSON(m, "token_endpoint_response")
}

// bearerRequest opens a block for a resource request and checks its
// access token against the one named by require.
func bearerRequest(label, id string, require condition.Condition) []condition.Step {
	return []condition.Step{
		condition.Exec(condition.StartBlock(label), condition.MapKey("incoming_request", id)),
		condition.Stop(conditions.EnsureBearerAccessTokenNotInParams, "FAPI-R-6.2.2-1"),
		condition.Stop(conditions.ExtractBearerAccessTokenFromHeader, "FAPI-R-6.2.2-1"),
		condition.Stop(require),
	}
}

func fapiHeaders() []condition.Step {
	return []condition.Step{
		condition.Continue(conditions.ExtractFapiDateHeader, condition.Info, "FAPI-R-6.2.2-3"),
		condition.Continue(conditions.ExtractFapiIpAddressHeader, condition.Info, "FAPI-R-6.2.2-4"),
		condition.Continue(conditions.ExtractFapiInteractionIdHeader, condition.Info, "FAPI-R-6.2.2-4"),
	}
}

func closeRequest() []condition.Step {
	return []condition.Step{
		condition.Stop(conditions.ClearAccessTokenFromRequest),
		condition.Exec(condition.UnmapKey("incoming_request"), condition.EndBlock()),
	}
}

func (b *obClient) userinfo(ctx context.Context, m *module.Module, id string) (module.Response, error) {
	steps := bearerRequest("Userinfo endpoint", id, conditions.RequireBearerAccessToken)
	steps = append(steps,
		condition.Stop(conditions.RequireOpenIDScope, "FAPI-R-5.2.3-7"),
		condition.Stop(conditions.FilterUserInfoForScopes),
	)
	if err := m.Run(ctx, append(steps, closeRequest()...)...); err != nil {
		return module.Response{}, err
	}
	return envJSON(m, "user_info_endpoint_response")
}

func (b *obClient) accountRequests(ctx context.Context, m *module.Module, id string) (module.Response, error) {
	steps := bearerRequest("Account request endpoint", id, conditions.RequireBearerClientCredentialsAccessToken)
	steps = append(steps, fapiHeaders()...)
	steps = append(steps, condition.Stop(conditions.GenerateAccountRequestId))
	if err := m.Run(ctx, steps...); err != nil {
		return module.Response{}, err
	}
	m.ExposeEnvString("account_request_id")

	steps = []condition.Step{
		condition.Stop(conditions.CreateFapiInteractionIdIfNeeded, "FAPI-R-6.2.1-12"),
		condition.Stop(conditions.CreateOpenBankingAccountRequestResponse),
	}
	if err := m.Run(ctx, append(steps, closeRequest()...)...); err != nil {
		return module.Response{}, err
	}
	return envJSONWithHeaders(m, "account_request_response", "account_request_response_headers")
}

func (b *obClient) accounts(ctx context.Context, m *module.Module, id string) (module.Response, error) {
	steps := bearerRequest("Accounts endpoint", id, conditions.RequireBearerAccessToken)
	steps = append(steps, fapiHeaders()...)
	steps = append(steps, condition.Stop(conditions.GenerateOpenBankingAccountId))
	if err := m.Run(ctx, steps...); err != nil {
		return module.Response{}, err
	}
	m.ExposeEnvString("account_id")

	steps = []condition.Step{
		condition.Stop(conditions.CreateFapiInteractionIdIfNeeded, "FAPI-R-6.2.1-12"),
		condition.Stop(conditions.CreateOpenBankingAccountsResponse),
	}
	if err := m.Run(ctx, append(steps, closeRequest()...)...); err != nil {
		return module.Response{}, err
	}
	resp, err := envJSONWithHeaders(m, "accounts_endpoint_response", "accounts_endpoint_response_headers")
	if err != nil {
		return resp, err
	}
	m.Finish(ctx)
	return resp, nil
}
