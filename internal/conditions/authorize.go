package conditions

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/roach88/conformance/internal/condition"
)

// Checks for the harness's authorization endpoint. The inbound request is
// expected under authorization_endpoint_request, usually an alias of the
// raw incoming request.

// EnsureMatchingClientId compares the client_id parameter to the
// configured client.
var EnsureMatchingClientId = condition.Define("EnsureMatchingClientId",
	condition.Contract{Required: []string{"authorization_endpoint_request", "client"}},
	func(_ context.Context, s *condition.Scope) error {
		expected, _ := s.Env.GetString("client", "client_id")
		actual, _ := s.Env.GetString("authorization_endpoint_request", "params.client_id")
		if expected == "" {
			return s.Missing("Couldn't find client ID to compare")
		}
		if expected != actual {
			return s.Fail("Mismatch between client ID in configuration and request", "expected", expected, "actual", actual)
		}
		s.Success("Client ID matched", "client_id", actual)
		return nil
	})

// EnsureMatchingRedirectUri compares the redirect_uri parameter to the
// configured client.
var EnsureMatchingRedirectUri = condition.Define("EnsureMatchingRedirectUri",
	condition.Contract{Required: []string{"authorization_endpoint_request", "client"}},
	func(_ context.Context, s *condition.Scope) error {
		expected, _ := s.Env.GetString("client", "redirect_uri")
		actual, _ := s.Env.GetString("authorization_endpoint_request", "params.redirect_uri")
		if expected == "" {
			return s.Missing("Couldn't find redirect uri to compare")
		}
		if expected != actual {
			return s.Fail("Mismatch between redirect URI in configuration and request", "expected", expected, "actual", actual)
		}
		s.Success("Redirect URI matched", "redirect_uri", actual)
		return nil
	})

// EnsureResponseTypeIsCode requires the authorization code flow.
var EnsureResponseTypeIsCode = condition.Define("EnsureResponseTypeIsCode",
	condition.Contract{Required: []string{"authorization_endpoint_request"}},
	func(_ context.Context, s *condition.Scope) error {
		rt, _ := s.Env.GetString("authorization_endpoint_request", "params.response_type")
		if rt != "code" {
			return s.Fail("Response type is not 'code'", "expected", "code", "actual", rt)
		}
		s.Success("Response type is 'code'")
		return nil
	})

// ExtractRequestedScopes stores the requested scope string as scope.
var ExtractRequestedScopes = condition.Define("ExtractRequestedScopes",
	condition.Contract{Required: []string{"authorization_endpoint_request"}, ProducedStrings: []string{"scope"}},
	func(_ context.Context, s *condition.Scope) error {
		scope, _ := s.Env.GetString("authorization_endpoint_request", "params.scope")
		if scope == "" {
			return s.Fail("Missing scope parameter")
		}
		s.Env.PutString("scope", "", scope)
		s.Success("Requested scopes", "scope", scope)
		return nil
	})

// EnsureOpenIDInScopeRequest requires openid among the requested scopes.
var EnsureOpenIDInScopeRequest = condition.Define("EnsureOpenIDInScopeRequest",
	condition.Contract{Strings: []string{"scope"}},
	func(_ context.Context, s *condition.Scope) error {
		scope, _ := s.Env.GetString("scope", "")
		if !hasScope(scope, "openid") {
			return s.Fail("Scope 'openid' was not requested", "scope", scope)
		}
		s.Success("Scope 'openid' was requested", "scope", scope)
		return nil
	})

// ExtractNonceFromAuthorizationRequest stores the nonce parameter as nonce.
var ExtractNonceFromAuthorizationRequest = condition.Define("ExtractNonceFromAuthorizationRequest",
	condition.Contract{Required: []string{"authorization_endpoint_request"}},
	func(_ context.Context, s *condition.Scope) error {
		nonce, _ := s.Env.GetString("authorization_endpoint_request", "params.nonce")
		if nonce == "" {
			return s.Fail("Couldn't find 'nonce' in authorization request parameters")
		}
		s.Env.PutString("nonce", "", nonce)
		s.Success("Found nonce in authorization request", "nonce", nonce)
		return nil
	})

// CreateAuthorizationCode issues a fresh authorization code.
var CreateAuthorizationCode = condition.Define("CreateAuthorizationCode",
	condition.Contract{ProducedStrings: []string{"authorization_code"}},
	func(_ context.Context, s *condition.Scope) error {
		code := RandomAlphanumeric(10)
		s.Env.PutString("authorization_code", "", code)
		s.Success("Created authorization code", "authorization_code", code)
		return nil
	})

// RedirectBackToClientWithAuthorizationCode builds the front-channel
// response carrying code and state.
var RedirectBackToClientWithAuthorizationCode = condition.Define("RedirectBackToClientWithAuthorizationCode",
	condition.Contract{
		Required:        []string{"authorization_endpoint_request"},
		Strings:         []string{"authorization_code"},
		ProducedStrings: []string{"authorization_endpoint_response_redirect"},
	},
	func(_ context.Context, s *condition.Scope) error {
		redirectURI, _ := s.Env.GetString("authorization_endpoint_request", "params.redirect_uri")
		if redirectURI == "" {
			return s.Missing("Couldn't find redirect_uri in authorization request")
		}
		code, _ := s.Env.GetString("authorization_code", "")
		params := map[string]string{"code": code}
		if state, _ := s.Env.GetString("authorization_endpoint_request", "params.state"); state != "" {
			params["state"] = state
		}
		target, err := appendQuery(redirectURI, params)
		if err != nil {
			return s.Wrap(err, "Invalid redirect_uri", "redirect_uri", redirectURI)
		}
		s.Env.PutString("authorization_endpoint_response_redirect", "", target)
		s.Success("Redirecting back to client", "uri", target)
		return nil
	})

// ExtractRequestObject decodes the request parameter without verifying it.
var ExtractRequestObject = condition.Define("ExtractRequestObject",
	condition.Contract{
		Required: []string{"authorization_endpoint_request"},
		Produced: []string{"authorization_request_object"},
	},
	func(_ context.Context, s *condition.Scope) error {
		raw, _ := s.Env.GetString("authorization_endpoint_request", "params.request")
		if raw == "" {
			return s.Fail("Could not find request object in request parameters")
		}
		obj, err := decodeJWT(raw)
		if err != nil {
			return s.Wrap(err, "Couldn't parse request object", "request", raw)
		}
		s.Env.PutObject("authorization_request_object", obj)
		s.Success("Parsed request object", "request_object", obj)
		return nil
	})

// decodeJWT splits a compact JWT into {value, header, claims}.
func decodeJWT(raw string) (map[string]any, error) {
	claims := jwt.MapClaims{}
	token, _, err := jwt.NewParser().ParseUnverified(raw, claims)
	if err != nil {
		return nil, err
	}
	header := make(map[string]any, len(token.Header))
	for k, v := range token.Header {
		header[k] = v
	}
	return map[string]any{
		"value":  raw,
		"header": header,
		"claims": map[string]any(claims),
	}, nil
}

var requestObjectParams = []string{"client_id", "redirect_uri", "response_type", "scope", "state", "nonce"}

// EnsureAuthorizationParametersMatchRequestObject requires every parameter
// sent both in the query and the request object to agree.
var EnsureAuthorizationParametersMatchRequestObject = condition.Define("EnsureAuthorizationParametersMatchRequestObject",
	condition.Contract{Required: []string{"authorization_endpoint_request", "authorization_request_object"}},
	func(_ context.Context, s *condition.Scope) error {
		for _, p := range requestObjectParams {
			param, inParams := s.Env.GetString("authorization_endpoint_request", "params."+p)
			claim, inObject := s.Env.GetString("authorization_request_object", "claims."+p)
			if inParams && inObject && param != claim {
				return s.Fail("Mismatch between request parameter and request object", "parameter", p, "expected", claim, "actual", param)
			}
		}
		s.Success("Request parameters match request object")
		return nil
	})

// ValidateRequestObjectSignature verifies the request object against the
// client's public keys.
var ValidateRequestObjectSignature = condition.Define("ValidateRequestObjectSignature",
	condition.Contract{Required: []string{"authorization_request_object", "client_public_jwks"}},
	func(_ context.Context, s *condition.Scope) error {
		raw, _ := s.Env.GetString("authorization_request_object", "value")
		set, _ := s.Env.GetObject("client_public_jwks")
		if err := verifyJWT(raw, set); err != nil {
			return s.Wrap(err, "Unable to validate request object signature")
		}
		s.Success("Request object signature validated")
		return nil
	})

// ExtractOBIntentId reads the Open Banking intent id requested for the ID
// token.
var ExtractOBIntentId = condition.Define("ExtractOBIntentId",
	condition.Contract{Required: []string{"authorization_request_object"}, ProducedStrings: []string{"openbanking_intent_id"}},
	func(_ context.Context, s *condition.Scope) error {
		id, _ := s.Env.GetString("authorization_request_object", "claims.claims.id_token.openbanking_intent_id.value")
		if id == "" {
			return s.Fail("Missing openbanking_intent_id in request object claims")
		}
		s.Env.PutString("openbanking_intent_id", "", id)
		s.Success("Found Open Banking intent id", "openbanking_intent_id", id)
		return nil
	})

var errNoMatchingKey = errors.New("no key in JWK set matches the token")

// verifyJWT checks the signature of raw against set, picking the key by
// kid when the token names one.
func verifyJWT(raw string, set map[string]any) error {
	keys, err := jwkKeys(set)
	if err != nil {
		return err
	}
	_, err = jwt.NewParser(jwt.WithoutClaimsValidation()).Parse(raw, func(t *jwt.Token) (any, error) {
		if t.Method == jwt.SigningMethodNone {
			return nil, errors.New("unsigned token")
		}
		kid, _ := t.Header["kid"].(string)
		for _, k := range keys {
			if id, _ := k["kid"].(string); kid != "" && id != kid {
				continue
			}
			pub, err := publicKeyFromJWK(k)
			if err != nil {
				continue
			}
			return pub, nil
		}
		return nil, fmt.Errorf("%w (kid %q)", errNoMatchingKey, kid)
	})
	return err
}
