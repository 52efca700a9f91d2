package modules

import (
	"context"

	"github.com/roach88/conformance/internal/catalog"
	"github.com/roach88/conformance/internal/condition"
	"github.com/roach88/conformance/internal/conditions"
	"github.com/roach88/conformance/internal/module"
)

var codeReuseInfo = catalog.Info{
	TestName:    "openid-op-code-reuse",
	DisplayName: "OpenID OP-OAuth-2nd",
	Profile:     "OIDFBasic",
	ConfigurationFields: []string{
		"server.discoveryUrl",
		"client.client_id",
		"client.client_secret",
	},
	Summary: "Redeems the same authorization code twice; the second attempt must be rejected with invalid_grant.",
}

func newCodeReuse() module.Behavior {
	return &clientFlow{
		checkEndpointTLS: true,
		callback: func() []condition.Step {
			steps := append(codeExchange(), tokenChecks()...)
			return append(steps,
				condition.Exec(condition.StartBlock("Reusing the authorization code")),
				condition.Stop(conditions.CallTokenEndpoint),
				condition.ExpectFailure(conditions.CheckIfTokenEndpointResponseError, "RFC6749-4.1.2"),
				condition.Continue(conditions.CheckErrorFromTokenEndpointResponseErrorInvalidGrant, condition.Warning, "RFC6749-5.2"),
				condition.Exec(condition.EndBlock()),
			)
		},
	}
}

var redirectURIQueryMismatchInfo = catalog.Info{
	TestName:    "openid-op-redirect-uri-query-mismatch",
	DisplayName: "OpenID OP-Redirect_Uri-Query-Mismatch",
	Profile:     "OIDFBasic",
	ConfigurationFields: []string{
		"server.discoveryUrl",
		"client.client_id",
		"client.client_secret",
	},
	Summary: "Sends a redirect_uri whose query does not match the registered one; the server must show an error page instead of redirecting.",
}

func newRedirectURIQueryMismatch() module.Behavior {
	return &clientFlow{
		checkEndpointTLS: true,
		errorPage:      true,
		authorizationRequest: func(ctx context.Context, m *module.Module) error {
			if err := addStateAndNonce(ctx, m); err != nil {
				return err
			}
			registered, _ := m.Env().GetString("redirect_uri", "")
			m.Env().PutString("redirect_uri", "", registered+"?foo=baz")
			m.ExposeEnvString("redirect_uri")
			return m.Run(ctx, condition.Stop(conditions.SetAuthorizationEndpointRedirectUri))
		},
		callback: func() []condition.Step {
			return []condition.Step{
				condition.Stop(conditions.RejectCallbackToUnregisteredRedirectUri, "FAPI-R-5.2.2-9"),
			}
		},
	}
}
