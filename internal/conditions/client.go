package conditions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/roach88/conformance/internal/condition"
)

// Checks for the harness acting as a client of the authorization server
// under test, front channel part.

// CreateRedirectUri derives the callback URL from base_url.
var CreateRedirectUri = condition.Define("CreateRedirectUri",
	condition.Contract{Strings: []string{"base_url"}, ProducedStrings: []string{"redirect_uri"}},
	func(_ context.Context, s *condition.Scope) error {
		base, _ := s.Env.GetString("base_url", "")
		uri := trimSlash(base) + "/callback"
		s.Env.PutString("redirect_uri", "", uri)
		s.Success("Created redirect URI", "redirect_uri", uri)
		return nil
	})

// getJSON fetches url and decodes a JSON object.
func getJSON(ctx context.Context, c *http.Client, url string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetDynamicServerConfiguration fetches the discovery document named by
// config.server.discoveryUrl.
var GetDynamicServerConfiguration = condition.Define("GetDynamicServerConfiguration",
	condition.Contract{Required: []string{"config"}, Produced: []string{"server"}},
	func(ctx context.Context, s *condition.Scope) error {
		discovery, _ := s.Env.GetString("config", "server.discoveryUrl")
		if discovery == "" {
			return s.Fail("Couldn't find discoveryUrl in configuration")
		}
		server, err := getJSON(ctx, s.HTTP, discovery)
		if err != nil {
			return s.Wrap(err, "Couldn't fetch server configuration", "discoveryUrl", discovery)
		}
		s.Env.PutObject("server", server)
		s.Success("Successfully parsed server configuration", "server", server)
		return nil
	})

// FetchServerKeys loads server.jwks when present, otherwise fetches
// server.jwks_uri.
var FetchServerKeys = condition.Define("FetchServerKeys",
	condition.Contract{Required: []string{"server"}, Produced: []string{"server_jwks"}},
	func(ctx context.Context, s *condition.Scope) error {
		if v, ok := s.Env.Get("server", "jwks"); ok {
			if set, isObj := v.(map[string]any); isObj {
				s.Env.PutObject("server_jwks", set)
				s.Success("Found static server JWKS", "server_jwks", set)
				return nil
			}
		}
		uri, _ := s.Env.GetString("server", "jwks_uri")
		if uri == "" {
			return s.Fail("Didn't find a JWKS or a JWKS URI in the server configuration")
		}
		set, err := getJSON(ctx, s.HTTP, uri)
		if err != nil {
			return s.Wrap(err, "Failed to fetch server keys", "jwks_uri", uri)
		}
		if _, err := jwkKeys(set); err != nil {
			return s.Wrap(err, "Invalid JWK set", "jwks_uri", uri)
		}
		s.Env.PutObject("server_jwks", set)
		s.Success("Found JWK set at jwks_uri", "jwks_uri", uri, "server_jwks", set)
		return nil
	})

// CreateAuthorizationEndpointRequestFromClientInformation starts the
// authorization request with client_id, scope and redirect_uri.
var CreateAuthorizationEndpointRequestFromClientInformation = condition.Define("CreateAuthorizationEndpointRequestFromClientInformation",
	condition.Contract{
		Required: []string{"client"},
		Strings:  []string{"redirect_uri"},
		Produced: []string{"authorization_endpoint_request"},
	},
	func(_ context.Context, s *condition.Scope) error {
		clientID, _ := s.Env.GetString("client", "client_id")
		if clientID == "" {
			return s.Fail("Couldn't find client ID")
		}
		scope, _ := s.Env.GetString("client", "scope")
		if scope == "" {
			scope = "openid"
		}
		redirectURI, _ := s.Env.GetString("redirect_uri", "")
		req := map[string]any{
			"client_id":    clientID,
			"scope":        scope,
			"redirect_uri": redirectURI,
		}
		s.Env.PutObject("authorization_endpoint_request", req)
		s.Success("Created authorization endpoint request", "authorization_endpoint_request", req)
		return nil
	})

func createRandom(name, key string, length int) *condition.Func {
	return condition.Define(name,
		condition.Contract{ProducedStrings: []string{key}},
		func(_ context.Context, s *condition.Scope) error {
			v := RandomAlphanumeric(length)
			s.Env.PutString(key, "", v)
			s.Success("Created "+key+" value", key, v)
			return nil
		})
}

func addToAuthorizationRequest(name, key, param string) *condition.Func {
	return condition.Define(name,
		condition.Contract{Required: []string{"authorization_endpoint_request"}, Strings: []string{key}},
		func(_ context.Context, s *condition.Scope) error {
			v, _ := s.Env.GetString(key, "")
			s.Env.PutString("authorization_endpoint_request", param, v)
			s.Success("Added "+param+" parameter to request", param, v)
			return nil
		})
}

var (
	CreateRandomStateValue                 = createRandom("CreateRandomStateValue", "state", 10)
	CreateRandomNonceValue                 = createRandom("CreateRandomNonceValue", "nonce", 10)
	AddStateToAuthorizationEndpointRequest = addToAuthorizationRequest("AddStateToAuthorizationEndpointRequest", "state", "state")
	AddNonceToAuthorizationEndpointRequest = addToAuthorizationRequest("AddNonceToAuthorizationEndpointRequest", "nonce", "nonce")
	SetAuthorizationEndpointRedirectUri    = addToAuthorizationRequest("SetAuthorizationEndpointRedirectUri", "redirect_uri", "redirect_uri")
)

// SetAuthorizationEndpointRequestResponseTypeToCode selects the
// authorization code flow.
var SetAuthorizationEndpointRequestResponseTypeToCode = condition.Define("SetAuthorizationEndpointRequestResponseTypeToCode",
	condition.Contract{Required: []string{"authorization_endpoint_request"}},
	func(_ context.Context, s *condition.Scope) error {
		s.Env.PutString("authorization_endpoint_request", "response_type", "code")
		s.Success("Added response_type parameter to request", "response_type", "code")
		return nil
	})

// BuildPlainRedirectToAuthorizationEndpoint encodes the request as query
// parameters of the authorization endpoint.
var BuildPlainRedirectToAuthorizationEndpoint = condition.Define("BuildPlainRedirectToAuthorizationEndpoint",
	condition.Contract{
		Required:        []string{"authorization_endpoint_request", "server"},
		ProducedStrings: []string{"redirect_to_authorization_endpoint"},
	},
	func(_ context.Context, s *condition.Scope) error {
		endpoint, _ := s.Env.GetString("server", "authorization_endpoint")
		if endpoint == "" {
			return s.Fail("Couldn't find authorization endpoint")
		}
		req, _ := s.Env.GetObject("authorization_endpoint_request")
		target, err := appendQuery(endpoint, stringValues(req))
		if err != nil {
			return s.Wrap(err, "Invalid authorization endpoint", "authorization_endpoint", endpoint)
		}
		s.Env.PutString("redirect_to_authorization_endpoint", "", target)
		s.Success("Sending to authorization endpoint", "redirect_to_authorization_endpoint", target)
		return nil
	})

// ExpectRedirectUriUnregisteredErrorPage announces that the server must
// show an error page instead of redirecting, and names the placeholder the
// page is captured into.
var ExpectRedirectUriUnregisteredErrorPage = condition.Define("ExpectRedirectUriUnregisteredErrorPage",
	condition.Contract{ProducedStrings: []string{"redirect_uri_unregistered_error"}},
	func(_ context.Context, s *condition.Scope) error {
		placeholder := "placeholder-" + RandomAlphanumeric(12)
		s.Env.PutString("redirect_uri_unregistered_error", "", placeholder)
		s.Log("Show an error page saying the redirect url is not valid.",
			"placeholder", placeholder, "result", string(condition.Review))
		return nil
	})

// RejectCallbackToUnregisteredRedirectUri fails: the server redirected to
// a URI the client never registered.
var RejectCallbackToUnregisteredRedirectUri = condition.Define("RejectCallbackToUnregisteredRedirectUri",
	condition.Contract{Required: []string{"callback_params"}},
	func(_ context.Context, s *condition.Scope) error {
		params, _ := s.Env.GetObject("callback_params")
		return s.Fail("The authorization server redirected to an unregistered redirect_uri", "callback_params", params)
	})

// CheckIfAuthorizationEndpointError fails when the callback carries an
// OAuth error.
var CheckIfAuthorizationEndpointError = condition.Define("CheckIfAuthorizationEndpointError",
	condition.Contract{Required: []string{"callback_params"}},
	func(_ context.Context, s *condition.Scope) error {
		if errCode, _ := s.Env.GetString("callback_params", "error"); errCode != "" {
			desc, _ := s.Env.GetString("callback_params", "error_description")
			return s.Fail("Error from the authorization endpoint", "error", errCode, "error_description", desc)
		}
		s.Success("No error from authorization endpoint")
		return nil
	})

// CheckMatchingStateParameter compares the returned state with the one
// sent.
var CheckMatchingStateParameter = condition.Define("CheckMatchingStateParameter",
	condition.Contract{Required: []string{"callback_params"}, Strings: []string{"state"}},
	func(_ context.Context, s *condition.Scope) error {
		expected, _ := s.Env.GetString("state", "")
		actual, _ := s.Env.GetString("callback_params", "state")
		if expected != actual {
			return s.Fail("State parameter did not match", "expected", expected, "actual", actual)
		}
		s.Success("State parameter correctly returned", "state", actual)
		return nil
	})

// ExtractAuthorizationCodeFromAuthorizationResponse stores the returned
// code.
var ExtractAuthorizationCodeFromAuthorizationResponse = condition.Define("ExtractAuthorizationCodeFromAuthorizationResponse",
	condition.Contract{Required: []string{"callback_params"}, ProducedStrings: []string{"code"}},
	func(_ context.Context, s *condition.Scope) error {
		code, _ := s.Env.GetString("callback_params", "code")
		if code == "" {
			return s.Fail("Couldn't find authorization code in callback")
		}
		s.Env.PutString("code", "", code)
		s.Success("Found authorization code", "code", code)
		return nil
	})
