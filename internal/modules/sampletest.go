package modules

import (
	"context"

	"github.com/roach88/conformance/internal/catalog"
	"github.com/roach88/conformance/internal/condition"
	"github.com/roach88/conformance/internal/conditions"
	"github.com/roach88/conformance/internal/module"
)

var sampleTestInfo = catalog.Info{
	TestName:    "sample-test",
	DisplayName: "Sample AS Test",
	ConfigurationFields: []string{
		"server.discoveryUrl",
		"client.client_id",
		"client.client_secret",
		"client.scope",
		"tls.testHost",
		"tls.testPort",
		"resource.resourceUrl",
	},
	Summary: "Runs the authorization code flow against an authorization server, validates the issued tokens and optionally calls a protected resource.",
}

const clientRoleSchema = `
server: {
	discoveryUrl?: string & =~"^https?://"
	...
}
client: {
	client_id:     string & !=""
	client_secret: string & !=""
	scope?:        string
	...
}
`

const sampleTestSchema = clientRoleSchema + `
tls?: {
	testHost: string & !=""
	testPort: number | string
}
resource?: {
	resourceUrl:     string & =~"^https?://"
	institution_id?: string
	...
}
`

var (
	skipWithoutTLS      = []string{"tls"}
	skipWithoutResource = []string{"resource"}
)

// sampleTest checks the configured TLS host up front and calls the
// accounts resource when one is configured.
type sampleTest struct {
	clientFlow
}

func newSampleTest() module.Behavior {
	t := &sampleTest{}
	t.callback = t.callbackSteps
	return t
}

func (t *sampleTest) Configure(ctx context.Context, m *module.Module, config map[string]any, baseURL string) error {
	if err := m.Run(ctx,
		condition.Stop(conditions.SetTLSTestHostFromConfig).
			SkipIfMissing(nil, []string{"config.tls.testHost"}, condition.Info),
		condition.Stop(conditions.EnsureTLS12, "FAPI-R-7.1-1").SkipIfMissing(skipWithoutTLS, nil, condition.Info),
		condition.Continue(conditions.DisallowTLS10, condition.Failure, "FAPI-R-7.1-1").SkipIfMissing(skipWithoutTLS, nil, condition.Info),
		condition.Continue(conditions.DisallowTLS11, condition.Failure, "FAPI-R-7.1-1").SkipIfMissing(skipWithoutTLS, nil, condition.Info),
		condition.Continue(conditions.DisallowInsecureCipher, condition.Warning, "FAPI-RW-8.5-1").SkipIfMissing(skipWithoutTLS, nil, condition.Info),
	); err != nil {
		return err
	}
	if err := t.clientFlow.Configure(ctx, m, config, baseURL); err != nil {
		return err
	}
	return m.Run(ctx,
		condition.Stop(conditions.GetResourceEndpointConfiguration).
			SkipIfMissing(nil, []string{"config.resource.resourceUrl"}, condition.Info),
	)
}

func (t *sampleTest) callbackSteps() []condition.Step {
	steps := append(codeExchange(), tokenChecks()...)
	optional := func(st condition.Step) condition.Step {
		return st.SkipIfMissing(skipWithoutResource, nil, condition.Info)
	}
	return append(steps,
		condition.Exec(condition.StartBlock("Resource endpoint")),
		optional(condition.Stop(conditions.CreateRandomFAPIInteractionId)),
		optional(condition.Stop(conditions.CallAccountsEndpointWithBearerToken, "FAPI-R-6.2.1-3")),
		optional(condition.Stop(conditions.CheckForDateHeaderInResourceResponse, "FAPI-R-6.2.1-11")),
		optional(condition.Continue(conditions.CheckForFAPIInteractionIdInResourceResponse, condition.Failure, "FAPI-R-6.2.1-12")),
		optional(condition.Continue(conditions.EnsureMatchingFAPIInteractionId, condition.Failure, "FAPI-R-6.2.1-12")),
		optional(condition.Continue(conditions.EnsureResourceResponseEncodingIsUTF8, condition.Failure, "FAPI-R-6.2.1-9")),
		condition.Exec(condition.EndBlock()),
	)
}
