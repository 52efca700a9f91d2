package conditions

import (
	"bytes"
	"context"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/roach88/conformance/internal/condition"
)

// Checks for the harness's token endpoint. The inbound request is expected
// under token_endpoint_request.

// ExtractClientCredentialsFromFormPost reads client_secret_post
// credentials.
var ExtractClientCredentialsFromFormPost = condition.Define("ExtractClientCredentialsFromFormPost",
	condition.Contract{Required: []string{"token_endpoint_request"}, Produced: []string{"client_authentication"}},
	func(_ context.Context, s *condition.Scope) error {
		id, _ := s.Env.GetString("token_endpoint_request", "params.client_id")
		secret, _ := s.Env.GetString("token_endpoint_request", "params.client_secret")
		if id == "" || secret == "" {
			return s.Fail("Couldn't find client credentials in form post")
		}
		s.Env.PutObject("client_authentication", map[string]any{
			"client_id":     id,
			"client_secret": secret,
			"method":        "client_secret_post",
		})
		s.Success("Extracted client credentials from form post", "client_id", id)
		return nil
	})

// ExtractClientCredentialsFromBasicAuthorizationHeader reads
// client_secret_basic credentials.
var ExtractClientCredentialsFromBasicAuthorizationHeader = condition.Define("ExtractClientCredentialsFromBasicAuthorizationHeader",
	condition.Contract{Required: []string{"token_endpoint_request"}, Produced: []string{"client_authentication"}},
	func(_ context.Context, s *condition.Scope) error {
		headers, _ := s.Env.Get("token_endpoint_request", "headers")
		auth := header(asObject(headers), "authorization")
		scheme, encoded, ok := strings.Cut(auth, " ")
		if !ok || !strings.EqualFold(scheme, "basic") {
			return s.Fail("Couldn't find basic authorization header", "authorization", auth)
		}
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return s.Wrap(err, "Invalid basic authorization header")
		}
		rawID, rawSecret, ok := strings.Cut(string(decoded), ":")
		if !ok {
			return s.Fail("Basic authorization header has no password part")
		}
		id, err := url.QueryUnescape(rawID)
		if err != nil {
			return s.Wrap(err, "Invalid client id encoding")
		}
		secret, err := url.QueryUnescape(rawSecret)
		if err != nil {
			return s.Wrap(err, "Invalid client secret encoding")
		}
		s.Env.PutObject("client_authentication", map[string]any{
			"client_id":     id,
			"client_secret": secret,
			"method":        "client_secret_basic",
		})
		s.Success("Extracted client credentials from basic authorization header", "client_id", id)
		return nil
	})

// AuthenticateClientWithClientSecret checks presented credentials against
// the configured client.
var AuthenticateClientWithClientSecret = condition.Define("AuthenticateClientWithClientSecret",
	condition.Contract{Required: []string{"client_authentication", "client"}},
	func(_ context.Context, s *condition.Scope) error {
		wantID, _ := s.Env.GetString("client", "client_id")
		wantSecret, _ := s.Env.GetString("client", "client_secret")
		gotID, _ := s.Env.GetString("client_authentication", "client_id")
		gotSecret, _ := s.Env.GetString("client_authentication", "client_secret")
		if wantID == "" || wantSecret == "" {
			return s.Missing("Couldn't find client credentials to compare")
		}
		if gotID != wantID {
			return s.Fail("Client ID does not match", "expected", wantID, "actual", gotID)
		}
		if subtle.ConstantTimeCompare([]byte(gotSecret), []byte(wantSecret)) != 1 {
			return s.Fail("Client secret does not match", "client_id", gotID)
		}
		s.Env.PutBool("client_authentication", "authenticated", true)
		s.Success("Client authenticated", "client_id", gotID)
		return nil
	})

// EnsureClientIsAuthenticated requires a prior successful client
// authentication.
var EnsureClientIsAuthenticated = condition.Define("EnsureClientIsAuthenticated",
	condition.Contract{Required: []string{"client_authentication"}},
	func(_ context.Context, s *condition.Scope) error {
		if ok, _ := s.Env.GetBool("client_authentication", "authenticated"); !ok {
			return s.Fail("Client was not authenticated")
		}
		method, _ := s.Env.GetString("client_authentication", "method")
		s.Success("Client was authenticated", "method", method)
		return nil
	})

// ClearClientAuthentication forgets the authentication result so a later
// request must authenticate again.
var ClearClientAuthentication = condition.Define("ClearClientAuthentication",
	condition.Contract{},
	func(_ context.Context, s *condition.Scope) error {
		s.Env.RemoveObject("client_authentication")
		s.Success("Cleared client authentication")
		return nil
	})

// ValidateAuthorizationCode compares the presented code with the one the
// authorization endpoint issued.
var ValidateAuthorizationCode = condition.Define("ValidateAuthorizationCode",
	condition.Contract{Required: []string{"token_endpoint_request"}},
	func(_ context.Context, s *condition.Scope) error {
		expected, _ := s.Env.GetString("authorization_code", "")
		actual, _ := s.Env.GetString("token_endpoint_request", "params.code")
		if expected == "" || actual == "" {
			return s.Missing("Couldn't find authorization code to compare", "expected", expected, "actual", actual)
		}
		if expected != actual {
			return s.Fail("Didn't find matching authorization code", "expected", expected, "actual", actual)
		}
		s.Success("Found authorization code", "authorization_code", actual)
		return nil
	})

// ValidateRedirectUri compares the redirect_uri sent to the token endpoint
// with the configured one.
var ValidateRedirectUri = condition.Define("ValidateRedirectUri",
	condition.Contract{Required: []string{"client", "token_endpoint_request"}},
	func(_ context.Context, s *condition.Scope) error {
		expected, _ := s.Env.GetString("client", "redirect_uri")
		actual, _ := s.Env.GetString("token_endpoint_request", "params.redirect_uri")
		if expected == "" {
			return s.Missing("Couldn't find redirect uri to compare")
		}
		if expected != actual {
			return s.Fail("Didn't find matching redirect uri", "expected", expected, "actual", actual)
		}
		s.Success("Found redirect uri", "redirect_uri", actual)
		return nil
	})

// GenerateBearerAccessToken issues an opaque bearer token.
var GenerateBearerAccessToken = condition.Define("GenerateBearerAccessToken",
	condition.Contract{ProducedStrings: []string{"access_token", "token_type"}},
	func(_ context.Context, s *condition.Scope) error {
		token := RandomAlphanumeric(50)
		s.Env.PutString("access_token", "", token)
		s.Env.PutString("token_type", "", "Bearer")
		s.Success("Generated access token", "access_token", token, "token_type", "Bearer")
		return nil
	})

// CopyAccessTokenToClientCredentialsField keeps the client credentials
// token apart from later user tokens.
var CopyAccessTokenToClientCredentialsField = condition.Define("CopyAccessTokenToClientCredentialsField",
	condition.Contract{Strings: []string{"access_token"}, ProducedStrings: []string{"client_credentials_access_token"}},
	func(_ context.Context, s *condition.Scope) error {
		token, _ := s.Env.GetString("access_token", "")
		s.Env.PutString("client_credentials_access_token", "", token)
		s.Success("Saved client credentials access token", "access_token", token)
		return nil
	})

const idTokenLifetime = 5 * time.Minute

// GenerateIdTokenClaims builds the claims of the ID token for the
// configured end user.
var GenerateIdTokenClaims = condition.Define("GenerateIdTokenClaims",
	condition.Contract{
		Required: []string{"server", "client", "user_info"},
		Produced: []string{"id_token_claims"},
	},
	func(_ context.Context, s *condition.Scope) error {
		issuer, _ := s.Env.GetString("server", "issuer")
		clientID, _ := s.Env.GetString("client", "client_id")
		sub, _ := s.Env.GetString("user_info", "sub")
		if issuer == "" || clientID == "" || sub == "" {
			return s.Missing("Couldn't find values for required ID token claims", "issuer", issuer, "client_id", clientID, "sub", sub)
		}
		now := s.Now().UTC()
		claims := map[string]any{
			"iss": issuer,
			"sub": sub,
			"aud": clientID,
			"iat": float64(now.Unix()),
			"exp": float64(now.Add(idTokenLifetime).Unix()),
		}
		if nonce, _ := s.Env.GetString("nonce", ""); nonce != "" {
			claims["nonce"] = nonce
		}
		s.Env.PutObject("id_token_claims", claims)
		s.Success("Created ID token claims", "id_token_claims", claims)
		return nil
	})

// AddOBIntentIdToIdTokenClaims echoes the Open Banking intent id.
var AddOBIntentIdToIdTokenClaims = condition.Define("AddOBIntentIdToIdTokenClaims",
	condition.Contract{Required: []string{"id_token_claims"}, Strings: []string{"openbanking_intent_id"}},
	func(_ context.Context, s *condition.Scope) error {
		id, _ := s.Env.GetString("openbanking_intent_id", "")
		s.Env.PutString("id_token_claims", "openbanking_intent_id", id)
		s.Success("Added openbanking_intent_id to ID token claims", "openbanking_intent_id", id)
		return nil
	})

// SignIdToken signs id_token_claims with the first private server key.
var SignIdToken = condition.Define("SignIdToken",
	condition.Contract{
		Required:        []string{"id_token_claims", "server_jwks"},
		ProducedStrings: []string{"id_token"},
	},
	func(_ context.Context, s *condition.Scope) error {
		claims, _ := s.Env.GetObject("id_token_claims")
		set, _ := s.Env.GetObject("server_jwks")
		keys, err := jwkKeys(set)
		if err != nil {
			return s.Wrap(err, "Couldn't read server keys")
		}
		for _, k := range keys {
			if _, private := k["d"]; !private {
				continue
			}
			key, err := privateKeyFromJWK(k)
			if err != nil {
				return s.Wrap(err, "Couldn't load server signing key", "kid", k["kid"])
			}
			method, err := signingMethod(k, key)
			if err != nil {
				return s.Wrap(err, "Couldn't choose signing algorithm", "kid", k["kid"])
			}
			token := jwt.NewWithClaims(method, jwt.MapClaims(claims))
			if kid, _ := k["kid"].(string); kid != "" {
				token.Header["kid"] = kid
			}
			signed, err := token.SignedString(key)
			if err != nil {
				return s.Wrap(err, "Couldn't sign ID token")
			}
			s.Env.PutString("id_token", "", signed)
			s.Success("Signed the ID token", "id_token", signed, "alg", method.Alg())
			return nil
		}
		return s.Fail("No private key found in server JWKs")
	})

// CreateTokenEndpointResponse assembles the token endpoint reply.
var CreateTokenEndpointResponse = condition.Define("CreateTokenEndpointResponse",
	condition.Contract{
		Strings:  []string{"access_token", "token_type"},
		Produced: []string{"token_endpoint_response"},
	},
	func(_ context.Context, s *condition.Scope) error {
		accessToken, _ := s.Env.GetString("access_token", "")
		tokenType, _ := s.Env.GetString("token_type", "")
		resp := map[string]any{
			"access_token": accessToken,
			"token_type":   tokenType,
			"expires_in":   float64(3600),
		}
		if idToken, _ := s.Env.GetString("id_token", ""); idToken != "" {
			resp["id_token"] = idToken
		}
		if scope, _ := s.Env.GetString("scope", ""); scope != "" {
			resp["scope"] = scope
		}
		s.Env.PutObject("token_endpoint_response", resp)
		s.Success("Created token endpoint response", "token_endpoint_response", resp)
		return nil
	})

// ExtractClientCertificateFromTokenEndpointRequestHeaders takes the client
// certificate forwarded by a TLS terminating proxy.
var ExtractClientCertificateFromTokenEndpointRequestHeaders = condition.Define("ExtractClientCertificateFromTokenEndpointRequestHeaders",
	condition.Contract{Required: []string{"token_endpoint_request"}},
	func(_ context.Context, s *condition.Scope) error {
		headers, _ := s.Env.Get("token_endpoint_request", "headers")
		cert := header(asObject(headers), "x-ssl-cert")
		if cert == "" {
			return s.Fail("Client certificate not found in request headers")
		}
		if unescaped, err := url.QueryUnescape(cert); err == nil {
			cert = unescaped
		}
		s.Env.PutString("token_endpoint_request", "client_certificate.cert", cert)
		s.Success("Extracted client certificate from headers", "cert", cert)
		return nil
	})

// CheckForClientCertificate requires a client certificate on the token
// request.
var CheckForClientCertificate = condition.Define("CheckForClientCertificate",
	condition.Contract{Required: []string{"token_endpoint_request"}},
	func(_ context.Context, s *condition.Scope) error {
		cert, _ := s.Env.GetString("token_endpoint_request", "client_certificate.cert")
		if cert == "" {
			return s.Fail("Client certificate not found")
		}
		s.Success("Found client certificate")
		return nil
	})

// EnsureClientCertificateMatches compares the presented certificate with
// client.certificate.
var EnsureClientCertificateMatches = condition.Define("EnsureClientCertificateMatches",
	condition.Contract{Required: []string{"token_endpoint_request", "client"}},
	func(_ context.Context, s *condition.Scope) error {
		presented, _ := s.Env.GetString("token_endpoint_request", "client_certificate.cert")
		expected, _ := s.Env.GetString("client", "certificate")
		if expected == "" {
			return s.Missing("Couldn't find expected client certificate in client configuration")
		}
		got, err := parseCertificate(presented)
		if err != nil {
			return s.Wrap(err, "Couldn't parse presented client certificate")
		}
		want, err := parseCertificate(expected)
		if err != nil {
			return s.Wrap(err, "Couldn't parse configured client certificate")
		}
		if !bytes.Equal(got.Raw, want.Raw) {
			return s.Fail("Client certificate does not match", "expected", want.Subject.String(), "actual", got.Subject.String())
		}
		s.Success("Client certificate matched", "subject", got.Subject.String())
		return nil
	})

// parseCertificate accepts PEM or bare base64 DER.
func parseCertificate(s string) (*x509.Certificate, error) {
	if block, _ := pem.Decode([]byte(s)); block != nil {
		return x509.ParseCertificate(block.Bytes)
	}
	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(s), ""))
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

func asObject(v any) map[string]any {
	obj, _ := v.(map[string]any)
	return obj
}
