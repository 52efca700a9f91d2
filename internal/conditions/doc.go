// Package conditions is the library of protocol checks used by the bundled
// test modules.
//
// Each check is a condition.Func with its Environment contract declared up
// front. Checks are grouped by the role the harness plays:
//
//   - server.go, authorize.go, token.go: the harness as authorization server
//   - resource.go: the harness as (Open Banking) resource server
//   - client.go, tokenclient.go, resourceclient.go: the harness as client
//   - tls.go: transport checks for both directions
//
// Registry returns every check keyed by name, for plans and tooling that
// refer to checks by identifier.
package conditions
