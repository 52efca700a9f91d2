package conditions

import (
	"context"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/roach88/conformance/internal/condition"
)

// Checks for the harness calling a protected resource of the server under
// test.

// GetResourceEndpointConfiguration copies config.resource into resource.
var GetResourceEndpointConfiguration = condition.Define("GetResourceEndpointConfiguration",
	condition.Contract{Required: []string{"config"}, Produced: []string{"resource"}},
	func(_ context.Context, s *condition.Scope) error {
		v, _ := s.Env.Get("config", "resource")
		resource := asObject(v)
		if resource == nil {
			return s.Fail("Couldn't find resource endpoint configuration")
		}
		s.Env.PutObject("resource", resource)
		s.Success("Found resource endpoint configuration", "resource", resource)
		return nil
	})

// CreateRandomFAPIInteractionId generates the interaction id the client
// sends.
var CreateRandomFAPIInteractionId = condition.Define("CreateRandomFAPIInteractionId",
	condition.Contract{ProducedStrings: []string{"fapi_interaction_id"}},
	func(_ context.Context, s *condition.Scope) error {
		id := uuid.NewString()
		s.Env.PutString("fapi_interaction_id", "", id)
		s.Success("Created interaction ID", "fapi_interaction_id", id)
		return nil
	})

// CallAccountsEndpointWithBearerToken fetches the accounts resource with
// the extracted access token.
var CallAccountsEndpointWithBearerToken = condition.Define("CallAccountsEndpointWithBearerToken",
	condition.Contract{
		Required:        []string{"resource"},
		Strings:         []string{"access_token.value", "resource.resourceUrl"},
		ProducedStrings: []string{"resource_endpoint_response"},
		Produced:        []string{"resource_endpoint_response_headers"},
	},
	func(ctx context.Context, s *condition.Scope) error {
		base, _ := s.Env.GetString("resource", "resourceUrl")
		target := trimSlash(base) + "/accounts"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return s.Wrap(err, "Invalid resource URL", "resourceUrl", base)
		}
		token, _ := s.Env.GetString("access_token", "value")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if fid, _ := s.Env.GetString("resource", "institution_id"); fid != "" {
			req.Header.Set("x-fapi-financial-id", fid)
		}
		if iid, _ := s.Env.GetString("fapi_interaction_id", ""); iid != "" {
			req.Header.Set("x-fapi-interaction-id", iid)
		}

		resp, err := s.HTTP.Do(req)
		if err != nil {
			return s.Wrap(err, "Error from the resource endpoint", "url", target)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return s.Wrap(err, "Couldn't read resource endpoint response", "url", target)
		}
		if resp.StatusCode != http.StatusOK {
			return s.Fail("Resource endpoint returned an error", "status", resp.StatusCode, "body", string(body))
		}

		headers := make(map[string]any, len(resp.Header))
		for k := range resp.Header {
			headers[strings.ToLower(k)] = resp.Header.Get(k)
		}
		s.Env.PutString("resource_endpoint_response", "", string(body))
		s.Env.PutObject("resource_endpoint_response_headers", headers)
		s.Success("Got a response from the resource endpoint", "body", string(body), "headers", headers)
		return nil
	})

// CheckForDateHeaderInResourceResponse requires a valid HTTP Date header.
var CheckForDateHeaderInResourceResponse = condition.Define("CheckForDateHeaderInResourceResponse",
	condition.Contract{Required: []string{"resource_endpoint_response_headers"}},
	func(_ context.Context, s *condition.Scope) error {
		date, _ := s.Env.GetString("resource_endpoint_response_headers", "date")
		if date == "" {
			return s.Fail("Resource endpoint did not return a Date header")
		}
		if _, err := http.ParseTime(date); err != nil {
			return s.Wrap(err, "Date header is not in a valid format", "date", date)
		}
		s.Success("Date header present and valid", "date", date)
		return nil
	})

// CheckForFAPIInteractionIdInResourceResponse requires a UUID in the
// x-fapi-interaction-id header.
var CheckForFAPIInteractionIdInResourceResponse = condition.Define("CheckForFAPIInteractionIdInResourceResponse",
	condition.Contract{Required: []string{"resource_endpoint_response_headers"}},
	func(_ context.Context, s *condition.Scope) error {
		id, _ := s.Env.GetString("resource_endpoint_response_headers", "x-fapi-interaction-id")
		if id == "" {
			return s.Fail("Resource endpoint did not return an interaction id")
		}
		if _, err := uuid.Parse(id); err != nil {
			return s.Wrap(err, "Interaction id is not a valid UUID", "x-fapi-interaction-id", id)
		}
		s.Success("Interaction id present and valid", "x-fapi-interaction-id", id)
		return nil
	})

// EnsureMatchingFAPIInteractionId requires the echoed interaction id to be
// the one sent.
var EnsureMatchingFAPIInteractionId = condition.Define("EnsureMatchingFAPIInteractionId",
	condition.Contract{
		Required: []string{"resource_endpoint_response_headers"},
		Strings:  []string{"fapi_interaction_id"},
	},
	func(_ context.Context, s *condition.Scope) error {
		expected, _ := s.Env.GetString("fapi_interaction_id", "")
		actual, _ := s.Env.GetString("resource_endpoint_response_headers", "x-fapi-interaction-id")
		if expected != actual {
			return s.Fail("Mismatch between interaction id sent and received", "expected", expected, "actual", actual)
		}
		s.Success("Interaction id matches", "fapi_interaction_id", actual)
		return nil
	})

// EnsureResourceResponseEncodingIsUTF8 checks the declared charset, or the
// body bytes when none is declared.
var EnsureResourceResponseEncodingIsUTF8 = condition.Define("EnsureResourceResponseEncodingIsUTF8",
	condition.Contract{
		Required: []string{"resource_endpoint_response_headers"},
		Strings:  []string{"resource_endpoint_response"},
	},
	func(_ context.Context, s *condition.Scope) error {
		contentType, _ := s.Env.GetString("resource_endpoint_response_headers", "content-type")
		if contentType != "" {
			_, params, err := mime.ParseMediaType(contentType)
			if err != nil {
				return s.Wrap(err, "Invalid Content-Type header", "content-type", contentType)
			}
			if charset := params["charset"]; charset != "" {
				enc, err := htmlindex.Get(charset)
				if err != nil {
					return s.Wrap(err, "Unknown charset", "charset", charset)
				}
				name, _ := htmlindex.Name(enc)
				if name != "utf-8" {
					return s.Fail("Response charset is not UTF-8", "charset", charset)
				}
				s.Success("Response charset is UTF-8", "charset", charset)
				return nil
			}
		}
		body, _ := s.Env.GetString("resource_endpoint_response", "")
		if !utf8.ValidString(body) {
			return s.Fail("Response body is not valid UTF-8")
		}
		s.Success("Response body is valid UTF-8")
		return nil
	})
