package module

import (
	"context"
	"net/http"
)

// TLSInfo describes the transport an inbound request arrived on.
type TLSInfo struct {
	Version     string `json:"version"`
	CipherSuite string `json:"cipher"`
}

// Request is an inbound HTTP call as seen by handlers.
type Request struct {
	Method            string            `json:"method"`
	Params            map[string]string `json:"params"`
	Headers           map[string]string `json:"headers"`
	Body              string            `json:"body,omitempty"`
	BodyJSON          map[string]any    `json:"body_json,omitempty"`
	TLS               *TLSInfo          `json:"tls,omitempty"`
	ClientCertificate string            `json:"client_certificate,omitempty"`
}

// Parts renders the request as an Environment object. Header names are
// lower-case.
func (r Request) Parts() map[string]any {
	parts := map[string]any{
		"method":  r.Method,
		"params":  stringMap(r.Params),
		"headers": stringMap(r.Headers),
	}
	if r.Body != "" {
		parts["body"] = r.Body
	}
	if r.BodyJSON != nil {
		parts["body_json"] = r.BodyJSON
	}
	if r.TLS != nil {
		parts["tls"] = map[string]any{"version": r.TLS.Version, "cipher": r.TLS.CipherSuite}
	}
	if r.ClientCertificate != "" {
		parts["client_certificate"] = map[string]any{"cert": r.ClientCertificate}
	}
	return parts
}

// Param returns a query or form parameter.
func (r Request) Param(name string) string {
	return r.Params[name]
}

// Response is what a handler returns: a JSON body or a redirect.
type Response struct {
	Status   int
	Headers  map[string]string
	Body     any
	Redirect string
}

// IsRedirect reports whether the response is a redirect instruction.
func (r Response) IsRedirect() bool { return r.Redirect != "" }

// JSON builds a JSON response.
func JSON(status int, body any) Response {
	return Response{Status: status, Body: body}
}

// OK builds a 200 JSON response.
func OK(body any) Response {
	return JSON(http.StatusOK, body)
}

// RedirectTo builds a redirect response.
func RedirectTo(url string) Response {
	return Response{Status: http.StatusFound, Redirect: url}
}

// WithHeaders returns a copy of r with extra headers.
func (r Response) WithHeaders(h map[string]string) Response {
	merged := make(map[string]string, len(r.Headers)+len(h))
	for k, v := range r.Headers {
		merged[k] = v
	}
	for k, v := range h {
		merged[k] = v
	}
	r.Headers = merged
	return r
}

// HandlerFunc serves one path of a test module.
type HandlerFunc func(ctx context.Context, req Request) (Response, error)

// Routes are the dispatch tables of a Behavior. Paths are matched exactly.
type Routes struct {
	// HTTP serves the front channel.
	HTTP map[string]HandlerFunc

	// MTLS serves requests that arrived over mutually authenticated TLS.
	MTLS map[string]HandlerFunc

	// Callbacks are front-channel paths that complete a browser flow. They
	// are guarded so that only the first delivery runs; repeats get the
	// same response.
	Callbacks map[string]HandlerFunc

	// Before runs ahead of every front-channel handler.
	Before func(ctx context.Context, path string, req Request) error
}

func stringMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
