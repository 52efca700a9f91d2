package conditions

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/roach88/conformance/internal/condition"
)

// Checks for the harness acting as a client of the token endpoint under
// test. Requests are described by token_endpoint_request_form_parameters
// and replies land in token_endpoint_response.

const formParams = "token_endpoint_request_form_parameters"

// CreateTokenEndpointRequestForAuthorizationCodeGrant prepares the code
// exchange.
var CreateTokenEndpointRequestForAuthorizationCodeGrant = condition.Define("CreateTokenEndpointRequestForAuthorizationCodeGrant",
	condition.Contract{Strings: []string{"code", "redirect_uri"}, Produced: []string{formParams}},
	func(_ context.Context, s *condition.Scope) error {
		code, _ := s.Env.GetString("code", "")
		redirectURI, _ := s.Env.GetString("redirect_uri", "")
		form := map[string]any{
			"grant_type":   "authorization_code",
			"code":         code,
			"redirect_uri": redirectURI,
		}
		s.Env.PutObject(formParams, form)
		s.Success("Created token endpoint request", formParams, form)
		return nil
	})

// CreateTokenEndpointRequestForClientCredentialsGrant prepares a client
// credentials request using the configured scope.
var CreateTokenEndpointRequestForClientCredentialsGrant = condition.Define("CreateTokenEndpointRequestForClientCredentialsGrant",
	condition.Contract{Required: []string{"client"}, Produced: []string{formParams}},
	func(_ context.Context, s *condition.Scope) error {
		form := map[string]any{"grant_type": "client_credentials"}
		if scope, _ := s.Env.GetString("client", "scope"); scope != "" {
			form["scope"] = scope
		}
		s.Env.PutObject(formParams, form)
		s.Success("Created token endpoint request", formParams, form)
		return nil
	})

// AddFormBasedClientSecretAuthenticationParameters switches the request to
// client_secret_post.
var AddFormBasedClientSecretAuthenticationParameters = condition.Define("AddFormBasedClientSecretAuthenticationParameters",
	condition.Contract{
		Required: []string{formParams},
		Strings:  []string{"client.client_id", "client.client_secret"},
	},
	func(_ context.Context, s *condition.Scope) error {
		id, _ := s.Env.GetString("client", "client_id")
		secret, _ := s.Env.GetString("client", "client_secret")
		s.Env.PutString(formParams, "client_id", id)
		s.Env.PutString(formParams, "client_secret", secret)
		s.Success("Added client_id and client_secret to token endpoint request", "client_id", id)
		return nil
	})

// CallTokenEndpoint posts the prepared request. An OAuth error reply is
// stored like a successful one so later checks can grade it.
var CallTokenEndpoint = condition.Define("CallTokenEndpoint",
	condition.Contract{
		Required: []string{"server", "client", formParams},
		Produced: []string{"token_endpoint_response"},
	},
	func(ctx context.Context, s *condition.Scope) error {
		tokenURL, _ := s.Env.GetString("server", "token_endpoint")
		if tokenURL == "" {
			return s.Fail("Couldn't find token endpoint")
		}
		form, _ := s.Env.GetObject(formParams)
		params := stringValues(form)

		clientID, _ := s.Env.GetString("client", "client_id")
		secret, _ := s.Env.GetString("client", "client_secret")
		style := oauth2.AuthStyleInHeader
		if _, inForm := params["client_secret"]; inForm {
			style = oauth2.AuthStyleInParams
		}
		if s.HTTP != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, s.HTTP)
		}

		var (
			tok *oauth2.Token
			err error
		)
		switch grant := params["grant_type"]; grant {
		case "authorization_code":
			conf := &oauth2.Config{
				ClientID:     clientID,
				ClientSecret: secret,
				RedirectURL:  params["redirect_uri"],
				Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: style},
			}
			tok, err = conf.Exchange(ctx, params["code"])
		case "client_credentials":
			conf := &clientcredentials.Config{
				ClientID:     clientID,
				ClientSecret: secret,
				TokenURL:     tokenURL,
				Scopes:       splitScope(params["scope"]),
				AuthStyle:    style,
			}
			tok, err = conf.Token(ctx)
		default:
			return s.Fail("Unsupported grant type in token endpoint request", "grant_type", grant)
		}

		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			resp := map[string]any{}
			if jerr := json.Unmarshal(rerr.Body, &resp); jerr != nil {
				return s.Wrap(jerr, "Token endpoint returned an error that is not JSON", "body", string(rerr.Body))
			}
			if rerr.Response != nil {
				s.Env.PutNumber("token_endpoint_response_http_status", "", float64(rerr.Response.StatusCode))
			}
			s.Env.PutObject("token_endpoint_response", resp)
			s.Log("Token endpoint returned an error response", "token_endpoint_response", resp)
			return nil
		}
		if err != nil {
			return s.Wrap(err, "Error from the token endpoint", "token_endpoint", tokenURL)
		}

		resp := tokenResponse(tok)
		s.Env.PutNumber("token_endpoint_response_http_status", "", 200)
		s.Env.PutObject("token_endpoint_response", resp)
		s.Success("Parsed token endpoint response", "token_endpoint_response", resp)
		return nil
	})

func tokenResponse(tok *oauth2.Token) map[string]any {
	resp := map[string]any{
		"access_token": tok.AccessToken,
		"token_type":   tok.TokenType,
	}
	if tok.RefreshToken != "" {
		resp["refresh_token"] = tok.RefreshToken
	}
	if tok.ExpiresIn > 0 {
		resp["expires_in"] = float64(tok.ExpiresIn)
	}
	for _, k := range []string{"id_token", "scope"} {
		if v, ok := tok.Extra(k).(string); ok && v != "" {
			resp[k] = v
		}
	}
	return resp
}

// CheckIfTokenEndpointResponseError fails when the token endpoint replied
// with an OAuth error.
var CheckIfTokenEndpointResponseError = condition.Define("CheckIfTokenEndpointResponseError",
	condition.Contract{Required: []string{"token_endpoint_response"}},
	func(_ context.Context, s *condition.Scope) error {
		if code, _ := s.Env.GetString("token_endpoint_response", "error"); code != "" {
			desc, _ := s.Env.GetString("token_endpoint_response", "error_description")
			return s.Fail("Token endpoint error response", "error", code, "error_description", desc)
		}
		s.Success("No error from token endpoint")
		return nil
	})

// CheckErrorFromTokenEndpointResponseErrorInvalidGrant requires an
// invalid_grant error.
var CheckErrorFromTokenEndpointResponseErrorInvalidGrant = condition.Define("CheckErrorFromTokenEndpointResponseErrorInvalidGrant",
	condition.Contract{Required: []string{"token_endpoint_response"}},
	func(_ context.Context, s *condition.Scope) error {
		code, _ := s.Env.GetString("token_endpoint_response", "error")
		if code != "invalid_grant" {
			return s.Fail("Token endpoint did not return invalid_grant", "expected", "invalid_grant", "actual", code)
		}
		s.Success("Token endpoint returned invalid_grant")
		return nil
	})

// CheckForAccessTokenValue requires a non-empty access_token.
var CheckForAccessTokenValue = condition.Define("CheckForAccessTokenValue",
	condition.Contract{Required: []string{"token_endpoint_response"}},
	func(_ context.Context, s *condition.Scope) error {
		if v, _ := s.Env.GetString("token_endpoint_response", "access_token"); v == "" {
			return s.Fail("Couldn't find access token")
		}
		s.Success("Found an access token")
		return nil
	})

// ExtractAccessTokenFromTokenResponse stores the token and its type.
var ExtractAccessTokenFromTokenResponse = condition.Define("ExtractAccessTokenFromTokenResponse",
	condition.Contract{Required: []string{"token_endpoint_response"}, Produced: []string{"access_token"}},
	func(_ context.Context, s *condition.Scope) error {
		value, _ := s.Env.GetString("token_endpoint_response", "access_token")
		if value == "" {
			return s.Fail("Couldn't find access token")
		}
		tokenType, _ := s.Env.GetString("token_endpoint_response", "token_type")
		tok := map[string]any{"value": value, "type": tokenType}
		s.Env.PutObject("access_token", tok)
		s.Success("Extracted the access token", "access_token", tok)
		return nil
	})

// CheckForScopesInTokenResponse requires the scope member.
var CheckForScopesInTokenResponse = condition.Define("CheckForScopesInTokenResponse",
	condition.Contract{Required: []string{"token_endpoint_response"}},
	func(_ context.Context, s *condition.Scope) error {
		scope, _ := s.Env.GetString("token_endpoint_response", "scope")
		if scope == "" {
			return s.Fail("Couldn't find scope")
		}
		s.Success("Found scopes returned with access token", "scope", scope)
		return nil
	})

// CheckForRefreshTokenValue requires a refresh_token.
var CheckForRefreshTokenValue = condition.Define("CheckForRefreshTokenValue",
	condition.Contract{Required: []string{"token_endpoint_response"}},
	func(_ context.Context, s *condition.Scope) error {
		if v, _ := s.Env.GetString("token_endpoint_response", "refresh_token"); v == "" {
			return s.Fail("Couldn't find refresh token")
		}
		s.Success("Found a refresh token")
		return nil
	})

const minTokenEntropy = 128

// EnsureMinimumTokenEntropy estimates the access token entropy.
var EnsureMinimumTokenEntropy = condition.Define("EnsureMinimumTokenEntropy",
	condition.Contract{Strings: []string{"access_token.value"}},
	func(_ context.Context, s *condition.Scope) error {
		token, _ := s.Env.GetString("access_token", "value")
		bits := shannonEntropy(token)
		if bits < minTokenEntropy {
			return s.Fail("Access token entropy too low", "expected", minTokenEntropy, "actual", bits)
		}
		s.Success("Access token has sufficient entropy", "expected", minTokenEntropy, "actual", bits)
		return nil
	})

// ExtractIdTokenFromTokenResponse decodes the returned ID token.
var ExtractIdTokenFromTokenResponse = condition.Define("ExtractIdTokenFromTokenResponse",
	condition.Contract{Required: []string{"token_endpoint_response"}, Produced: []string{"id_token"}},
	func(_ context.Context, s *condition.Scope) error {
		raw, _ := s.Env.GetString("token_endpoint_response", "id_token")
		if raw == "" {
			return s.Fail("Couldn't find an ID Token in the token endpoint response")
		}
		tok, err := decodeJWT(raw)
		if err != nil {
			return s.Wrap(err, "Couldn't parse ID token", "id_token", raw)
		}
		s.Env.PutObject("id_token", tok)
		s.Success("Found and parsed the ID token", "id_token", tok)
		return nil
	})

const idTokenClockSkew = 5 * time.Minute

// ValidateIdToken checks iss, aud, exp, iat and nonce.
var ValidateIdToken = condition.Define("ValidateIdToken",
	condition.Contract{Required: []string{"id_token", "server", "client"}},
	func(_ context.Context, s *condition.Scope) error {
		issuer, _ := s.Env.GetString("server", "issuer")
		if iss, _ := s.Env.GetString("id_token", "claims.iss"); iss != issuer {
			return s.Fail("Issuer mismatch", "expected", issuer, "actual", iss)
		}

		clientID, _ := s.Env.GetString("client", "client_id")
		aud, _ := s.Env.Get("id_token", "claims.aud")
		if !audienceContains(aud, clientID) {
			return s.Fail("Audience mismatch", "expected", clientID, "actual", aud)
		}

		now := s.Now()
		exp, ok := s.Env.GetNumber("id_token", "claims.exp")
		if !ok {
			return s.Fail("Missing exp")
		}
		if now.After(time.Unix(int64(exp), 0).Add(idTokenClockSkew)) {
			return s.Fail("Token expired", "exp", exp, "now", now.Unix())
		}
		iat, ok := s.Env.GetNumber("id_token", "claims.iat")
		if !ok {
			return s.Fail("Missing iat")
		}
		if time.Unix(int64(iat), 0).After(now.Add(idTokenClockSkew)) {
			return s.Fail("Token issued in the future", "iat", iat, "now", now.Unix())
		}

		if expected, _ := s.Env.GetString("nonce", ""); expected != "" {
			if nonce, _ := s.Env.GetString("id_token", "claims.nonce"); nonce != expected {
				return s.Fail("Nonce values mismatch", "expected", expected, "actual", nonce)
			}
		}
		s.Success("ID token claims passed all validation checks")
		return nil
	})

func audienceContains(aud any, clientID string) bool {
	switch v := aud.(type) {
	case string:
		return v == clientID
	case []any:
		return slices.Contains(v, any(clientID))
	default:
		return false
	}
}

// ValidateIdTokenSignature verifies the ID token against the server keys.
var ValidateIdTokenSignature = condition.Define("ValidateIdTokenSignature",
	condition.Contract{Required: []string{"id_token", "server_jwks"}},
	func(_ context.Context, s *condition.Scope) error {
		raw, _ := s.Env.GetString("id_token", "value")
		set, _ := s.Env.GetObject("server_jwks")
		if err := verifyJWT(raw, set); err != nil {
			return s.Wrap(err, "Unable to verify ID token signature")
		}
		s.Success("ID token signature validated")
		return nil
	})
