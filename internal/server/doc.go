// Package server is the HTTP entry point of the suite.
//
// It hosts three surfaces on chi routers:
//   - the runner API under /api, which creates, starts, inspects and stops
//     test instances and accepts placeholder evidence
//   - each instance's front channel under /test/{id}/..., where systems
//     under test call the endpoints a module exposes
//   - each instance's mutually authenticated channel under
//     /test-mtls/{id}/..., served from a separate TLS listener that asks
//     for client certificates
//
// Inbound requests are turned into module.Request values (method, params,
// lower-cased headers, body, parsed JSON body, TLS version and cipher, client
// certificate PEM) before they reach a module.
package server
