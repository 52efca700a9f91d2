package conditions

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"slices"
	"time"

	"github.com/roach88/conformance/internal/condition"
)

// Transport checks. Incoming checks read the tls member of the request
// parts under client_request; outgoing checks dial the host named by the
// tls object, which modules alias to the endpoint under test.

const tlsDialTimeout = 10 * time.Second

// Names as reported by tls.VersionName.
var secureTLSVersions = []string{"TLS 1.2", "TLS 1.3"}

// Cipher suites acceptable under FAPI for TLS 1.2, plus every TLS 1.3
// suite.
var secureCipherSuites = []string{
	"TLS_DHE_RSA_WITH_AES_128_GCM_SHA256",
	"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
	"TLS_DHE_RSA_WITH_AES_256_GCM_SHA384",
	"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
	"TLS_AES_128_GCM_SHA256",
	"TLS_AES_256_GCM_SHA384",
	"TLS_CHACHA20_POLY1305_SHA256",
}

// EnsureIncomingTls12 requires the client to have connected with TLS 1.2
// or later.
var EnsureIncomingTls12 = condition.Define("EnsureIncomingTls12",
	condition.Contract{Required: []string{"client_request"}},
	func(_ context.Context, s *condition.Scope) error {
		version, _ := s.Env.GetString("client_request", "tls.version")
		if version == "" {
			return s.Missing("Couldn't find TLS version of incoming request")
		}
		if !slices.Contains(secureTLSVersions, version) {
			return s.Fail("Incoming request used an insecure TLS version", "expected", secureTLSVersions, "actual", version)
		}
		s.Success("Incoming request used TLS 1.2 or later", "version", version)
		return nil
	})

// EnsureIncomingTlsSecureCipher requires an allowed cipher suite.
var EnsureIncomingTlsSecureCipher = condition.Define("EnsureIncomingTlsSecureCipher",
	condition.Contract{Required: []string{"client_request"}},
	func(_ context.Context, s *condition.Scope) error {
		cipher, _ := s.Env.GetString("client_request", "tls.cipher")
		if cipher == "" {
			return s.Missing("Couldn't find TLS cipher of incoming request")
		}
		if !slices.Contains(secureCipherSuites, cipher) {
			return s.Fail("Incoming request used an insecure cipher suite", "expected", secureCipherSuites, "actual", cipher)
		}
		s.Success("Incoming request used a secure cipher suite", "cipher", cipher)
		return nil
	})

// SetTLSTestHostFromConfig copies config.tls into tls.
var SetTLSTestHostFromConfig = condition.Define("SetTLSTestHostFromConfig",
	condition.Contract{Required: []string{"config"}, Produced: []string{"tls"}},
	func(_ context.Context, s *condition.Scope) error {
		host, _ := s.Env.GetString("config", "tls.testHost")
		port, _ := s.Env.GetString("config", "tls.testPort")
		if host == "" || port == "" {
			return s.Fail("Couldn't find host and port for TLS test in configuration")
		}
		s.Env.PutObject("tls", map[string]any{"testHost": host, "testPort": port})
		s.Success("Set TLS test host from configuration", "testHost", host, "testPort", port)
		return nil
	})

var tlsEndpoints = []string{"authorization_endpoint", "token_endpoint", "userinfo_endpoint", "registration_endpoint"}

// ExtractTLSTestValuesFromServerConfiguration derives a TLS target for
// each https endpoint of the server configuration, as <endpoint>_tls.
var ExtractTLSTestValuesFromServerConfiguration = condition.Define("ExtractTLSTestValuesFromServerConfiguration",
	condition.Contract{Required: []string{"server"}},
	func(_ context.Context, s *condition.Scope) error {
		found := map[string]any{}
		for _, ep := range tlsEndpoints {
			raw, _ := s.Env.GetString("server", ep)
			if raw == "" {
				continue
			}
			u, err := url.Parse(raw)
			if err != nil || u.Hostname() == "" {
				return s.Fail("Couldn't parse endpoint URL", "endpoint", ep, "url", raw)
			}
			if u.Scheme != "https" {
				continue
			}
			port := u.Port()
			if port == "" {
				port = "443"
			}
			target := map[string]any{"testHost": u.Hostname(), "testPort": port}
			s.Env.PutObject(ep+"_tls", target)
			found[ep] = target
		}
		s.Success("Extracted TLS values from server configuration", "endpoints", found)
		return nil
	})

func tlsTarget(s *condition.Scope) (string, error) {
	host, _ := s.Env.GetString("tls", "testHost")
	port, _ := s.Env.GetString("tls", "testPort")
	if host == "" || port == "" {
		return "", s.Missing("Couldn't find host and port for TLS test")
	}
	return net.JoinHostPort(host, port), nil
}

func dialTLS(ctx context.Context, addr string, cfg *tls.Config) (tls.ConnectionState, error) {
	d := &tls.Dialer{NetDialer: &net.Dialer{Timeout: tlsDialTimeout}, Config: cfg}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return tls.ConnectionState{}, err
	}
	defer conn.Close()
	return conn.(*tls.Conn).ConnectionState(), nil
}

// Posture checks inspect the server, they do not authenticate it.
func postureConfig(host string) *tls.Config {
	return &tls.Config{ServerName: host, InsecureSkipVerify: true}
}

// EnsureTLS12 requires the target to accept a TLS 1.2 handshake.
var EnsureTLS12 = condition.Define("EnsureTLS12",
	condition.Contract{Required: []string{"tls"}},
	func(ctx context.Context, s *condition.Scope) error {
		addr, err := tlsTarget(s)
		if err != nil {
			return err
		}
		host, _, _ := net.SplitHostPort(addr)
		cfg := postureConfig(host)
		cfg.MinVersion, cfg.MaxVersion = tls.VersionTLS12, tls.VersionTLS12
		state, err := dialTLS(ctx, addr, cfg)
		if err != nil {
			return s.Wrap(err, "The server does not support TLS 1.2", "host", addr)
		}
		s.Success("Server agreed to TLS 1.2 handshake", "host", addr, "cipher", tls.CipherSuiteName(state.CipherSuite))
		return nil
	})

func disallowVersion(name string, version uint16) *condition.Func {
	label := tls.VersionName(version)
	return condition.Define(name,
		condition.Contract{Required: []string{"tls"}},
		func(ctx context.Context, s *condition.Scope) error {
			addr, err := tlsTarget(s)
			if err != nil {
				return err
			}
			host, _, _ := net.SplitHostPort(addr)
			cfg := postureConfig(host)
			cfg.MinVersion, cfg.MaxVersion = version, version
			if _, err := dialTLS(ctx, addr, cfg); err == nil {
				return s.Fail("Server accepted "+label+" connection", "host", addr)
			}
			s.Success("Server refused "+label+" connection", "host", addr)
			return nil
		})
}

var (
	DisallowTLS10 = disallowVersion("DisallowTLS10", tls.VersionTLS10)
	DisallowTLS11 = disallowVersion("DisallowTLS11", tls.VersionTLS11)
)

// DisallowInsecureCipher offers only suites outside the allowed list and
// requires the server to refuse them.
var DisallowInsecureCipher = condition.Define("DisallowInsecureCipher",
	condition.Contract{Required: []string{"tls"}},
	func(ctx context.Context, s *condition.Scope) error {
		addr, err := tlsTarget(s)
		if err != nil {
			return err
		}
		var insecure []uint16
		for _, suite := range append(tls.CipherSuites(), tls.InsecureCipherSuites()...) {
			if !slices.Contains(secureCipherSuites, suite.Name) && slices.Contains(suite.SupportedVersions, tls.VersionTLS12) {
				insecure = append(insecure, suite.ID)
			}
		}
		host, _, _ := net.SplitHostPort(addr)
		cfg := postureConfig(host)
		cfg.MinVersion, cfg.MaxVersion = tls.VersionTLS12, tls.VersionTLS12
		cfg.CipherSuites = insecure
		state, err := dialTLS(ctx, addr, cfg)
		if err == nil {
			return s.Fail("Server accepted a disallowed cipher", "host", addr, "cipher", tls.CipherSuiteName(state.CipherSuite))
		}
		s.Success("Server only accepts allowed ciphers", "host", addr)
		return nil
	})
