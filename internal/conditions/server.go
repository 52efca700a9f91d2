package conditions

import (
	"context"
	"crypto/rand"
	"crypto/rsa"

	"github.com/roach88/conformance/internal/condition"
)

// Checks run while the harness configures itself as an authorization
// server for a client under test.

// GenerateServerConfiguration publishes the harness's own discovery
// document, rooted at base_url.
var GenerateServerConfiguration = condition.Define("GenerateServerConfiguration",
	condition.Contract{
		Strings:         []string{"base_url"},
		Produced:        []string{"server"},
		ProducedStrings: []string{"issuer", "discoveryUrl"},
	},
	func(_ context.Context, s *condition.Scope) error {
		base, _ := s.Env.GetString("base_url", "")
		s.Env.PutObject("server", serverConfiguration(trimSlash(base), trimSlash(base)))
		publishDiscovery(s, base)
		return nil
	})

// GenerateServerConfigurationMTLS is GenerateServerConfiguration with the
// token endpoint on the mutually authenticated listener.
var GenerateServerConfigurationMTLS = condition.Define("GenerateServerConfigurationMTLS",
	condition.Contract{
		Strings:         []string{"base_url", "base_mtls_url"},
		Produced:        []string{"server"},
		ProducedStrings: []string{"issuer", "discoveryUrl"},
	},
	func(_ context.Context, s *condition.Scope) error {
		base, _ := s.Env.GetString("base_url", "")
		mtls, _ := s.Env.GetString("base_mtls_url", "")
		s.Env.PutObject("server", serverConfiguration(trimSlash(base), trimSlash(mtls)))
		publishDiscovery(s, base)
		return nil
	})

func serverConfiguration(base, tokenBase string) map[string]any {
	return map[string]any{
		"issuer":                                base + "/",
		"authorization_endpoint":                base + "/authorize",
		"token_endpoint":                        tokenBase + "/token",
		"jwks_uri":                              base + "/jwks",
		"registration_endpoint":                 base + "/register",
		"scopes_supported":                      []any{"openid", "profile", "email", "address", "phone", "accounts"},
		"response_types_supported":              []any{"code", "code id_token"},
		"grant_types_supported":                 []any{"authorization_code", "client_credentials"},
		"token_endpoint_auth_methods_supported": []any{"client_secret_basic", "client_secret_post"},
		"id_token_signing_alg_values_supported": []any{"RS256", "PS256", "ES256"},
		"subject_types_supported":               []any{"public"},
	}
}

func publishDiscovery(s *condition.Scope, base string) {
	issuer, _ := s.Env.GetString("server", "issuer")
	discovery := trimSlash(base) + "/.well-known/openid-configuration"
	s.Env.PutString("issuer", "", issuer)
	s.Env.PutString("discoveryUrl", "", discovery)
	server, _ := s.Env.GetObject("server")
	s.Success("Created server configuration", "server", server, "discoveryUrl", discovery)
}

// AddUserinfoUrlToServerConfiguration adds the harness's userinfo endpoint.
var AddUserinfoUrlToServerConfiguration = condition.Define("AddUserinfoUrlToServerConfiguration",
	condition.Contract{Required: []string{"server"}, Strings: []string{"base_url"}},
	func(_ context.Context, s *condition.Scope) error {
		base, _ := s.Env.GetString("base_url", "")
		userinfo := trimSlash(base) + "/userinfo"
		s.Env.PutString("server", "userinfo_endpoint", userinfo)
		s.Success("Added userinfo endpoint to server configuration", "userinfo_endpoint", userinfo)
		return nil
	})

// CheckServerConfiguration makes sure the server configuration names the
// endpoints every flow needs.
var CheckServerConfiguration = condition.Define("CheckServerConfiguration",
	condition.Contract{Required: []string{"server"}},
	func(_ context.Context, s *condition.Scope) error {
		lookFor := []string{"authorization_endpoint", "token_endpoint", "issuer"}
		for _, path := range lookFor {
			if v, ok := s.Env.GetString("server", path); !ok || v == "" {
				return s.Fail("Couldn't find required component", "path", path)
			}
		}
		s.Success("Found required server configuration keys", "keys", lookFor)
		return nil
	})

// LoadServerJWKs loads the signing keys from config.server.jwks, or
// generates an RSA key when none are configured.
var LoadServerJWKs = condition.Define("LoadServerJWKs",
	condition.Contract{Required: []string{"config"}, Produced: []string{"server_jwks", "server_public_jwks"}},
	func(_ context.Context, s *condition.Scope) error {
		jwks, ok := s.Env.Get("config", "server.jwks")
		set, isObj := jwks.(map[string]any)
		if ok && !isObj {
			return s.Fail("Server JWKs in configuration is not an object")
		}
		if !ok {
			key, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				return s.Internal(err, "Couldn't generate server signing key")
			}
			jwk, err := rsaPrivateJWK(key, RandomAlphanumeric(8))
			if err != nil {
				return s.Internal(err, "Couldn't encode server signing key")
			}
			set = map[string]any{"keys": []any{jwk}}
			s.Log("No server keys configured, generated a signing key")
		}
		public, err := publicJWKSet(set)
		if err != nil {
			return s.Wrap(err, "Invalid server JWK set")
		}
		s.Env.PutObject("server_jwks", set)
		s.Env.PutObject("server_public_jwks", public)
		s.Success("Loaded server JWKs", "server_public_jwks", public)
		return nil
	})

const (
	minimumKeyLengthRSA = 2048
	minimumKeyLengthEC  = 160
)

// EnsureMinimumKeyLength rejects RSA keys under 2048 bits and EC keys under
// 160 bits.
var EnsureMinimumKeyLength = condition.Define("EnsureMinimumKeyLength",
	condition.Contract{Required: []string{"server_jwks"}},
	func(_ context.Context, s *condition.Scope) error {
		set, _ := s.Env.GetObject("server_jwks")
		keys, err := jwkKeys(set)
		if err != nil {
			return s.Wrap(err, "Failure parsing JWK Set")
		}
		for _, k := range keys {
			var minimum int
			switch k["kty"] {
			case "RSA":
				minimum = minimumKeyLengthRSA
			case "EC":
				minimum = minimumKeyLengthEC
			default:
				continue
			}
			pub, err := publicKeyFromJWK(k)
			if err != nil {
				return s.Wrap(err, "Failure parsing JWK", "key", k["kid"])
			}
			if size := keySize(pub); size < minimum {
				return s.Fail("Key length too short", "minimum", minimum, "actual", size, "key", k["kid"])
			}
		}
		public, _ := publicJWKSet(set)
		s.Success("Validated minimum key lengths", "server_jwks", public)
		return nil
	})

// LoadUserInfo installs the fixed end user the harness logs in as.
var LoadUserInfo = condition.Define("LoadUserInfo",
	condition.Contract{Produced: []string{"user_info"}},
	func(_ context.Context, s *condition.Scope) error {
		user := map[string]any{
			"sub":            "user-subject-1234531",
			"name":           "Demo T. User",
			"given_name":     "Demo",
			"family_name":    "User",
			"email":          "user@example.com",
			"email_verified": false,
			"address": map[string]any{
				"street_address": "100 Universal City Plaza",
				"locality":       "Hollywood",
				"region":         "CA",
				"postal_code":    "91608",
				"country":        "USA",
			},
			"phone_number":          "+1 555 5550000",
			"phone_number_verified": false,
		}
		s.Env.PutObject("user_info", user)
		s.Success("Added user information", "user_info", user)
		return nil
	})

// GetStaticClientConfiguration copies config.client into client and
// client_id.
var GetStaticClientConfiguration = condition.Define("GetStaticClientConfiguration",
	condition.Contract{
		Required:        []string{"config"},
		Produced:        []string{"client"},
		ProducedStrings: []string{"client_id"},
	},
	func(_ context.Context, s *condition.Scope) error {
		v, _ := s.Env.Get("config", "client")
		client, ok := v.(map[string]any)
		if !ok {
			return s.Fail("Definition for client not present in supplied configuration")
		}
		s.Env.PutObject("client", client)
		id, _ := s.Env.GetString("client", "client_id")
		s.Env.PutString("client_id", "", id)
		s.Success("Found a static client object", "client", client)
		return nil
	})

const minimumSecretEntropy = 64

// EnsureMinimumClientSecretEntropy estimates the entropy of the client
// secret from its own character distribution.
var EnsureMinimumClientSecretEntropy = condition.Define("EnsureMinimumClientSecretEntropy",
	condition.Contract{Required: []string{"client"}},
	func(_ context.Context, s *condition.Scope) error {
		secret, _ := s.Env.GetString("client", "client_secret")
		if secret == "" {
			return s.Missing("Can't find client secret")
		}
		bits := shannonEntropy(secret)
		if bits < minimumSecretEntropy {
			return s.Fail("Client secret entropy too low", "expected", minimumSecretEntropy, "actual", bits)
		}
		s.Success("Client secret entropy is acceptable", "expected", minimumSecretEntropy, "actual", bits)
		return nil
	})

// ExtractJWKsFromClientConfiguration pulls the client's keys out of its
// configuration, for verifying signed request objects.
var ExtractJWKsFromClientConfiguration = condition.Define("ExtractJWKsFromClientConfiguration",
	condition.Contract{Required: []string{"client"}, Produced: []string{"client_jwks", "client_public_jwks"}},
	func(_ context.Context, s *condition.Scope) error {
		v, _ := s.Env.Get("client", "jwks")
		set, ok := v.(map[string]any)
		if !ok {
			return s.Fail("Couldn't find JWKs in client configuration")
		}
		public, err := publicJWKSet(set)
		if err != nil {
			return s.Wrap(err, "Invalid client JWK set")
		}
		s.Env.PutObject("client_jwks", set)
		s.Env.PutObject("client_public_jwks", public)
		s.Success("Extracted client JWKs", "client_public_jwks", public)
		return nil
	})
