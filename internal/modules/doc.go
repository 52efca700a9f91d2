// Package modules holds the bundled test modules and registers them with a
// catalog.
//
// Two roles are covered. In the authorization server role
// (sample-client-test, ob-client-test-code-with-client-secret-basic-and-matls)
// the harness plays the server and the system under test is a client that
// calls the module's endpoints. In the client role (sample-test,
// openid-op-code-reuse, openid-op-redirect-uri-query-mismatch) the harness
// drives an authorization server under test through the browser and its
// token endpoint.
package modules
