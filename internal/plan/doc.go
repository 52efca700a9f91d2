// Package plan runs ordered lists of test modules headlessly.
//
// A Plan is pure data: a name, configuration shared by every module, and the
// modules to run in order with their own configuration and expected verdict.
// Plans are written in YAML:
//
//	name: openid-client-basic
//	display_name: OpenID client basic plan
//	config:
//	  server:
//	    discoveryUrl: https://as.example/.well-known/openid-configuration
//	  client:
//	    client_id: c1
//	modules:
//	  - module: sample-test
//	    expect: PASSED
//	  - module: openid-op-code-reuse
//	    expect: PASSED
//
// The Runner launches each module through a Launcher (normally the HTTP
// server, which owns the per-test front channel), waits for it to finish and
// collects a Report. Golden helpers compare reports and audit trails with
// files under testdata/golden.
package plan
