package server

import (
	"crypto/tls"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/conformance/internal/condition"
	"github.com/roach88/conformance/internal/engine"
	"github.com/roach88/conformance/internal/module"
)

// maxBody bounds request bodies read from systems under test.
const maxBody = 1 << 20

// frontChannel dispatches /test/{id}/* (or /test-mtls/{id}/*) to the
// instance's handlers.
func (s *Server) frontChannel(mtls bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		path := chi.URLParam(r, "*")
		m, ok := s.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "no running test "+id, nil)
			return
		}

		req, err := requestParts(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
		slog.Debug("front channel request", "test", id, "path", path, "method", r.Method, "mtls", mtls)

		var resp module.Response
		if mtls {
			resp, err = m.HandleHTTPMTLS(r.Context(), path, req)
		} else {
			resp, err = m.HandleHTTP(r.Context(), path, req)
		}
		if err != nil {
			writeModuleError(w, m, err)
			return
		}
		writeResponse(w, r, resp)
	}
}

// requestParts converts r into the form handlers see. Query and form
// parameters are merged, first value wins. Header names are lower-cased and
// repeated headers joined with ", ".
func requestParts(r *http.Request) (module.Request, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return module.Request{}, err
	}

	params := map[string]string{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		if err := r.ParseForm(); err != nil {
			return module.Request{}, err
		}
		for k, v := range r.PostForm {
			if _, seen := params[k]; !seen && len(v) > 0 {
				params[k] = v[0]
			}
		}
	}

	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		headers[strings.ToLower(k)] = strings.Join(v, ", ")
	}

	req := module.Request{
		Method:  r.Method,
		Params:  params,
		Headers: headers,
		Body:    string(body),
	}
	if mediaType == "application/json" && len(body) > 0 {
		var obj map[string]any
		if json.Unmarshal(body, &obj) == nil {
			req.BodyJSON = obj
		}
	}
	if r.TLS != nil {
		req.TLS = &module.TLSInfo{
			Version:     tls.VersionName(r.TLS.Version),
			CipherSuite: tls.CipherSuiteName(r.TLS.CipherSuite),
		}
		if len(r.TLS.PeerCertificates) > 0 {
			req.ClientCertificate = string(pem.EncodeToMemory(&pem.Block{
				Type:  "CERTIFICATE",
				Bytes: r.TLS.PeerCertificates[0].Raw,
			}))
		}
	}
	return req, nil
}

func writeResponse(w http.ResponseWriter, r *http.Request, resp module.Response) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	if resp.IsRedirect() {
		status := resp.Status
		if status < 300 || status > 399 {
			status = http.StatusFound
		}
		http.Redirect(w, r, resp.Redirect, status)
		return
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	if resp.Body == nil {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, resp.Body)
}

// writeModuleError maps module errors to HTTP. A fatal condition failure
// has already failed the test; the caller is told why.
func writeModuleError(w http.ResponseWriter, m module.TestModule, err error) {
	switch {
	case condition.IsUnexpectedPath(err):
		writeError(w, http.StatusNotFound, "UNEXPECTED_PATH", err.Error(), map[string]any{"result": m.Result()})
	case errors.Is(err, module.ErrTestFinished), engine.IsStopped(err):
		writeError(w, http.StatusGone, "TEST_FINISHED", err.Error(), map[string]any{"result": m.Result()})
	case errors.Is(err, module.ErrUnknownPlaceholder):
		writeError(w, http.StatusNotFound, "UNKNOWN_PLACEHOLDER", err.Error(), nil)
	case condition.IsAbort(err):
		writeError(w, http.StatusBadRequest, "TEST_FAILED", err.Error(), map[string]any{"result": m.Result()})
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
	}
}
