package modules

import (
	"context"
	"errors"

	"github.com/roach88/conformance/internal/condition"
	"github.com/roach88/conformance/internal/conditions"
	"github.com/roach88/conformance/internal/module"
	"github.com/roach88/conformance/internal/testinfo"
)

// errCallbackNotScheduled fails a test whose executor refused to process
// the authorization response.
var errCallbackNotScheduled = errors.New("authorization response could not be scheduled for processing")

// clientFlow drives an authorization server under test through the
// authorization code flow. Variants change the flow through its hooks.
type clientFlow struct {
	// checkEndpointTLS runs TLS posture checks against the server's https
	// endpoints before the flow starts.
	checkEndpointTLS bool

	// authorizationRequest adds to the request created from the client
	// information. It defaults to state and nonce.
	authorizationRequest func(ctx context.Context, m *module.Module) error

	// errorPage makes the flow expect an error page from the server instead
	// of a redirect back to the client.
	errorPage bool

	// callback verifies the authorization response.
	callback func() []condition.Step
}

func (f *clientFlow) Configure(ctx context.Context, m *module.Module, _ map[string]any, _ string) error {
	if err := m.Run(ctx, condition.Stop(conditions.CreateRedirectUri)); err != nil {
		return err
	}
	m.ExposeEnvString("redirect_uri")
	if err := m.Run(ctx,
		condition.Continue(conditions.GetDynamicServerConfiguration, condition.Info),
		condition.Stop(conditions.ExtractTLSTestValuesFromServerConfiguration),
		condition.Stop(conditions.CheckServerConfiguration),
		condition.Stop(conditions.FetchServerKeys),
		condition.Stop(conditions.GetStaticClientConfiguration),
		condition.Continue(conditions.EnsureMinimumClientSecretEntropy, condition.Failure, "RFC6819-5.1.4.2-2", "RFC6749-10.10"),
	); err != nil {
		return err
	}
	m.ExposeEnvString("client_id")
	return nil
}

func (f *clientFlow) Start(ctx context.Context, m *module.Module) error {
	if f.checkEndpointTLS {
		var steps []condition.Step
		steps = append(steps, tlsPosture("Authorization endpoint TLS test", "authorization_endpoint")...)
		steps = append(steps, tlsPosture("Token endpoint TLS test", "token_endpoint")...)
		steps = append(steps, tlsPosture("Userinfo endpoint TLS test", "userinfo_endpoint")...)
		steps = append(steps, tlsPosture("Registration endpoint TLS test", "registration_endpoint")...)
		if err := m.Run(ctx, steps...); err != nil {
			return err
		}
	}

	if err := m.Run(ctx,
		condition.Stop(conditions.CreateAuthorizationEndpointRequestFromClientInformation),
		condition.Stop(conditions.SetAuthorizationEndpointRequestResponseTypeToCode),
	); err != nil {
		return err
	}
	customize := f.authorizationRequest
	if customize == nil {
		customize = addStateAndNonce
	}
	if err := customize(ctx, m); err != nil {
		return err
	}
	if err := m.Run(ctx, condition.Stop(conditions.BuildPlainRedirectToAuthorizationEndpoint)); err != nil {
		return err
	}
	to, _ := m.Env().GetString("redirect_to_authorization_endpoint", "")
	logRedirect(ctx, m, to)

	var placeholder string
	if f.errorPage {
		if err := m.Run(ctx, condition.Stop(conditions.ExpectRedirectUriUnregisteredErrorPage, "FAPI-R-5.2.2-9")); err != nil {
			return err
		}
		placeholder, _ = m.Env().GetString("redirect_uri_unregistered_error", "")
		m.RegisterPlaceholder(placeholder)
	}

	if err := m.SetStatus(ctx, testinfo.StatusWaiting); err != nil {
		return err
	}
	if placeholder != "" {
		m.Browser().GoToURLWithPlaceholder(to, placeholder)
	} else {
		m.Browser().GoToURL(to)
	}
	return nil
}

func (f *clientFlow) Routes(m *module.Module) module.Routes {
	return module.Routes{
		Callbacks: map[string]module.HandlerFunc{
			"callback": func(_ context.Context, req module.Request) (module.Response, error) {
				params := req.Parts()["params"].(map[string]any)
				scheduled := m.RunInBackground("callback", func(ctx context.Context) error {
					m.Env().PutObject("callback_params", params)
					m.Env().PutObject("callback_query_params", params)
					if err := m.Run(ctx, f.callback()...); err != nil {
						return err
					}
					m.Finish(ctx)
					return nil
				})
				if !scheduled {
					return module.Response{}, errCallbackNotScheduled
				}
				return m.RedirectToLogDetail(), nil
			},
		},
	}
}

func addStateAndNonce(ctx context.Context, m *module.Module) error {
	if err := m.Run(ctx,
		condition.Stop(conditions.CreateRandomStateValue),
		condition.Stop(conditions.AddStateToAuthorizationEndpointRequest),
		condition.Stop(conditions.CreateRandomNonceValue),
		condition.Stop(conditions.AddNonceToAuthorizationEndpointRequest),
	); err != nil {
		return err
	}
	m.ExposeEnvString("state")
	m.ExposeEnvString("nonce")
	return nil
}

// codeExchange checks the authorization response and redeems the code.
func codeExchange() []condition.Step {
	return []condition.Step{
		condition.Stop(conditions.CheckIfAuthorizationEndpointError),
		condition.Stop(conditions.CheckMatchingStateParameter),
		condition.Stop(conditions.ExtractAuthorizationCodeFromAuthorizationResponse),
		condition.Stop(conditions.CreateTokenEndpointRequestForAuthorizationCodeGrant),
		condition.Stop(conditions.AddFormBasedClientSecretAuthenticationParameters),
		condition.Stop(conditions.CallTokenEndpoint),
		condition.Stop(conditions.CheckIfTokenEndpointResponseError),
		condition.Stop(conditions.CheckForAccessTokenValue, "FAPI-R-5.2.2-14"),
		condition.Stop(conditions.ExtractAccessTokenFromTokenResponse),
	}
}

// tokenChecks validates what the token endpoint issued.
func tokenChecks() []condition.Step {
	return []condition.Step{
		condition.Stop(conditions.CheckForScopesInTokenResponse, "FAPI-R-5.2.2-15"),
		condition.Stop(conditions.ExtractIdTokenFromTokenResponse, "FAPI-R-5.2.2-24"),
		condition.Stop(conditions.ValidateIdToken, "FAPI-R-5.2.2-24"),
		condition.Stop(conditions.ValidateIdTokenSignature, "FAPI-R-5.2.2-24"),
		condition.Continue(conditions.CheckForRefreshTokenValue, condition.Info),
		condition.Stop(conditions.EnsureMinimumTokenEntropy, "FAPI-R-5.2.2-16"),
	}
}
