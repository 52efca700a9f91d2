package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/conformance/internal/config"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Serve runs the front-channel listener and, when configured, the MTLS
// listener until ctx ends or one of them fails. Running instances are
// stopped on the way out.
func (s *Server) Serve(ctx context.Context, cfg config.Config) error {
	front, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	var mtls net.Listener
	if cfg.MTLS.Enabled() {
		tlsCfg, err := mtlsConfig(cfg.MTLS)
		if err != nil {
			front.Close()
			return err
		}
		inner, err := net.Listen("tcp", cfg.MTLS.Listen)
		if err != nil {
			front.Close()
			return fmt.Errorf("listen %s: %w", cfg.MTLS.Listen, err)
		}
		mtls = tls.NewListener(inner, tlsCfg)
	}
	return s.ServeListeners(ctx, front, mtls)
}

// ServeListeners serves on listeners the caller opened. mtls may be nil and
// must already perform the TLS handshake.
func (s *Server) ServeListeners(ctx context.Context, front, mtls net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	servers := []*http.Server{{Handler: s.Handler(), ReadHeaderTimeout: readHeaderTimeout}}
	listeners := []net.Listener{front}
	if mtls != nil {
		servers = append(servers, &http.Server{Handler: s.MTLSHandler(), ReadHeaderTimeout: readHeaderTimeout})
		listeners = append(listeners, mtls)
	}

	for i, srv := range servers {
		l := listeners[i]
		slog.Info("listening", "addr", l.Addr().String(), "mtls", i == 1)
		g.Go(func() error {
			if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		s.Shutdown(shutdownCtx)
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// mtlsConfig asks clients for a certificate. Without a CA file any
// certificate is accepted and left to the test's own checks.
func mtlsConfig(m config.MTLS) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(m.CertFile, m.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load mtls key pair: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequestClientCert,
	}
	if m.CAFile != "" {
		pemData, err := os.ReadFile(m.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read mtls ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("mtls ca file %s holds no certificates", m.CAFile)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return cfg, nil
}
