package modules

import (
	"context"
	"fmt"

	"github.com/roach88/conformance/internal/condition"
	"github.com/roach88/conformance/internal/conditions"
	"github.com/roach88/conformance/internal/eventlog"
	"github.com/roach88/conformance/internal/module"
)

const requestIDLength = 37

// trackRequest stores the request parts under a fresh key so that checks of
// one request never see another's data.
func trackRequest(m *module.Module, req module.Request) string {
	id := "incoming_request_" + conditions.RandomAlphanumeric(requestIDLength)
	m.Env().PutObject(id, req.Parts())
	return id
}

// envJSON answers with the Environment object key.
func envJSON(m *module.Module, key string) (module.Response, error) {
	obj, ok := m.Env().GetObject(key)
	if !ok {
		return module.Response{}, fmt.Errorf("environment has no %s", key)
	}
	return module.OK(obj), nil
}

// envJSONWithHeaders answers with body and headers read from two
// Environment objects.
func envJSONWithHeaders(m *module.Module, bodyKey, headersKey string) (module.Response, error) {
	resp, err := envJSON(m, bodyKey)
	if err != nil {
		return resp, err
	}
	headers, _ := m.Env().GetObject(headersKey)
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		if s, ok := v.(string); ok {
			h[k] = s
		}
	}
	return resp.WithHeaders(h), nil
}

// tlsChecks are the generic posture checks run against whichever endpoint
// tls is aliased to. They are resolved by name through the registry.
var tlsChecks = []string{"EnsureTLS12", "DisallowTLS10", "DisallowTLS11"}

// tlsPosture checks the TLS posture of endpoint by aliasing tls to the
// endpoint's target. Endpoints without a target are skipped.
func tlsPosture(label, endpoint string) []condition.Step {
	skip := []string{"tls"}
	steps := []condition.Step{
		condition.Exec(condition.StartBlock(label), condition.MapKey("tls", endpoint+"_tls")),
	}
	for _, name := range tlsChecks {
		steps = append(steps,
			condition.Continue(condition.Ref(name), condition.Failure, "FAPI-RW-8.5-2").SkipIfMissing(skip, nil, condition.Info))
	}
	return append(steps, condition.Exec(condition.UnmapKey("tls"), condition.EndBlock()))
}

// logRedirect records the front-channel redirect the browser is sent on.
func logRedirect(ctx context.Context, m *module.Module, to string) {
	m.Log().Log(ctx, m.Name(), map[string]any{
		eventlog.KeyMsg: "Redirecting to authorization endpoint",
		"redirect_to":   to,
		"http":          "redirect",
	})
}
