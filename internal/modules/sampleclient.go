package modules

import (
	"context"
	"net/http"

	"github.com/roach88/conformance/internal/catalog"
	"github.com/roach88/conformance/internal/condition"
	"github.com/roach88/conformance/internal/conditions"
	"github.com/roach88/conformance/internal/module"
	"github.com/roach88/conformance/internal/testinfo"
)

var sampleClientInfo = catalog.Info{
	TestName:    "sample-client-test",
	DisplayName: "Sample Client Test",
	ConfigurationFields: []string{
		"server.jwks",
		"client.client_id",
		"client.client_secret",
		"client.scope",
		"client.redirect_uri",
	},
	Summary: "Plays an OpenID Provider for a client under test: authorization, token, userinfo and discovery endpoints.",
}

const sampleClientSchema = `
client: {
	client_id:     string & !=""
	client_secret: string & !=""
	redirect_uri:  string & =~"^https?://"
	scope?:        string
	...
}
server?: {
	jwks?: keys: [...{kty: string, ...}]
	...
}
`

// sampleClient is an authorization server for a client under test. The
// test finishes when the client calls the userinfo endpoint.
type sampleClient struct{}

func newSampleClient() module.Behavior { return &sampleClient{} }

// configureServer publishes the server, loads its keys and the static
// client.
func configureServer(ctx context.Context, m *module.Module, generate condition.Condition, extra ...condition.Step) error {
	if err := m.Run(ctx, condition.Stop(generate)); err != nil {
		return err
	}
	if err := m.Run(ctx, extra...); err != nil {
		return err
	}
	m.ExposeEnvString("discoveryUrl")
	m.ExposeEnvString("issuer")
	return m.Run(ctx,
		condition.Stop(conditions.CheckServerConfiguration),
		condition.Stop(conditions.LoadServerJWKs),
		condition.Stop(conditions.EnsureMinimumKeyLength, "FAPI-R-5.2.2-5", "FAPI-R-5.2.2-6"),
		condition.Stop(conditions.LoadUserInfo),
		condition.Stop(conditions.GetStaticClientConfiguration),
		condition.Continue(conditions.EnsureMinimumClientSecretEntropy, condition.Failure, "RFC6819-5.1.4.2-2", "RFC6749-10.10"),
	)
}

func (b *sampleClient) Configure(ctx context.Context, m *module.Module, _ map[string]any, _ string) error {
	return configureServer(ctx, m, conditions.GenerateServerConfiguration,
		condition.Stop(conditions.AddUserinfoUrlToServerConfiguration))
}

func (b *sampleClient) Start(ctx context.Context, m *module.Module) error {
	return m.SetStatus(ctx, testinfo.StatusWaiting)
}

func (b *sampleClient) Routes(m *module.Module) module.Routes {
	return module.Routes{
		HTTP: map[string]module.HandlerFunc{
			"authorize": func(ctx context.Context, req module.Request) (module.Response, error) {
				return b.authorize(ctx, m, req)
			},
			"token": func(ctx context.Context, req module.Request) (module.Response, error) {
				return b.token(ctx, m, req)
			},
			"jwks": func(context.Context, module.Request) (module.Response, error) {
				return envJSON(m, "server_public_jwks")
			},
			"register": func(context.Context, module.Request) (module.Response, error) {
				return module.JSON(http.StatusBadRequest, map[string]any{
					"error":             "invalid_client_metadata",
					"error_description": "Dynamic registration is not supported by this test",
				}), nil
			},
			"userinfo": func(ctx context.Context, req module.Request) (module.Response, error) {
				return b.userinfo(ctx, m, req)
			},
			".well-known/openid-configuration": func(context.Context, module.Request) (module.Response, error) {
				return envJSON(m, "server")
			},
		},
	}
}

func (b *sampleClient) authorize(ctx context.Context, m *module.Module, req module.Request) (module.Response, error) {
	m.Env().PutObject("authorization_endpoint_request", req.Parts())
	if err := m.Run(ctx,
		condition.Stop(conditions.EnsureMatchingClientId),
		condition.Stop(conditions.EnsureMatchingRedirectUri),
		condition.Stop(conditions.ExtractRequestedScopes),
		condition.Continue(conditions.ExtractNonceFromAuthorizationRequest, condition.Info),
		condition.Stop(conditions.CreateAuthorizationCode),
		condition.Stop(conditions.RedirectBackToClientWithAuthorizationCode),
	); err != nil {
		return module.Response{}, err
	}
	m.ExposeEnvString("authorization_endpoint_response_redirect")
	to, _ := m.Env().GetString("authorization_endpoint_response_redirect", "")
	return module.RedirectTo(to), nil
}

func (b *sampleClient) token(ctx context.Context, m *module.Module, req module.Request) (module.Response, error) {
	m.Env().PutObject("token_endpoint_request", req.Parts())
	if err := m.Run(ctx,
		condition.Continue(conditions.ExtractClientCredentialsFromFormPost, condition.Info),
		condition.Continue(conditions.ExtractClientCredentialsFromBasicAuthorizationHeader, condition.Info).
			SkipIfMissing(nil, []string{"token_endpoint_request.headers.authorization"}, condition.Info),
		condition.Continue(conditions.AuthenticateClientWithClientSecret, condition.Info),
		condition.Stop(conditions.EnsureClientIsAuthenticated),
		condition.Stop(conditions.ClearClientAuthentication),
		condition.Stop(conditions.ValidateAuthorizationCode),
		condition.Stop(conditions.ValidateRedirectUri),
		condition.Stop(conditions.GenerateBearerAccessToken),
		condition.Stop(conditions.GenerateIdTokenClaims),
		condition.Stop(conditions.SignIdToken),
		condition.Stop(conditions.CreateTokenEndpointResponse),
	); err != nil {
		return module.Response{}, err
	}
	return envJSON(m, "token_endpoint_response")
}

func (b *sampleClient) userinfo(ctx context.Context, m *module.Module, req module.Request) (module.Response, error) {
	m.Env().PutObject("incoming_request", req.Parts())
	if err := m.Run(ctx,
		condition.Continue(conditions.ExtractBearerAccessTokenFromHeader, condition.Info),
		condition.Continue(conditions.ExtractBearerAccessTokenFromParams, condition.Info).
			SkipIfMissing(nil, []string{"incoming_request.params.access_token"}, condition.Info),
		condition.Stop(conditions.RequireBearerAccessToken),
		condition.Stop(conditions.RequireOpenIDScope, "FAPI-R-5.2.3-7"),
		condition.Stop(conditions.FilterUserInfoForScopes),
	); err != nil {
		return module.Response{}, err
	}
	resp, err := envJSON(m, "user_info_endpoint_response")
	if err != nil {
		return resp, err
	}
	m.Finish(ctx)
	return resp, nil
}
