package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"slices"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ServerConfig configures the trust service listener.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	Logger          *zap.Logger

	// TLSCertFile and TLSKeyFile enable TLS when both are set.
	TLSCertFile string
	TLSKeyFile  string
	// PartnerCAFile turns on mutual TLS. Partner organizations must present
	// a certificate issued by this CA, and IdentityMiddleware then checks the
	// claimed organization against the certificate.
	PartnerCAFile string
}

// DefaultServerConfig returns a plain HTTP listener on :8080.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		Logger:          zap.NewNop(),
	}
}

// Server serves the trust API and drains in-flight decisions on shutdown.
type Server struct {
	http     *http.Server
	config   *ServerConfig
	logger   *zap.Logger
	started  atomic.Bool
	stopping atomic.Bool
}

// NewServer loads the TLS material up front so a bad certificate fails at
// startup rather than on the first partner connection.
func NewServer(handler http.Handler, config *ServerConfig) (*Server, error) {
	if config == nil {
		config = DefaultServerConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	tlsConfig, err := partnerTLSConfig(config)
	if err != nil {
		return nil, err
	}

	return &Server{
		http: &http.Server{
			Addr:         config.Addr,
			Handler:      handler,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
			TLSConfig:    tlsConfig,
			ErrorLog:     zap.NewStdLog(logger.Named("http")),
		},
		config: config,
		logger: logger,
	}, nil
}

func partnerTLSConfig(config *ServerConfig) (*tls.Config, error) {
	if config.TLSCertFile == "" && config.TLSKeyFile == "" {
		if config.PartnerCAFile != "" {
			return nil, errors.New("partner certificates require a server certificate")
		}
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(config.TLSCertFile, config.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
	if config.PartnerCAFile == "" {
		return tlsConfig, nil
	}

	pem, err := os.ReadFile(config.PartnerCAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read partner CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in partner CA file %s", config.PartnerCAFile)
	}
	tlsConfig.ClientCAs = pool
	tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	return tlsConfig, nil
}

// Start listens until ctx is cancelled or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	if s.started.Swap(true) {
		return errors.New("server already started")
	}

	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}

	tlsOn := s.http.TLSConfig != nil
	s.logger.Info("trust service listening",
		zap.String("addr", listener.Addr().String()),
		zap.Bool("tls", tlsOn),
		zap.Bool("partner_certificates", tlsOn && s.http.TLSConfig.ClientCAs != nil),
	)

	if tlsOn {
		err = s.http.ServeTLS(listener, "", "")
	} else {
		err = s.http.Serve(listener)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Ready fails until the listener is started and once shutdown begins. It is
// registered as a health check so /ready drops out of load balancing first.
func (s *Server) Ready(context.Context) error {
	switch {
	case !s.started.Load():
		return errors.New("listener not started")
	case s.stopping.Load():
		return errors.New("shutting down")
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones up to the
// configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.started.Load() || s.stopping.Swap(true) {
		return nil
	}
	s.logger.Info("draining trust service")

	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	return nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.config.Addr
}

// certificateOrganizations returns the organizations named by the verified
// partner certificate, or nil when the request carried none. The subject
// organization is preferred; the common name is the fallback.
func certificateOrganizations(r *http.Request) []string {
	if r.TLS == nil || len(r.TLS.VerifiedChains) == 0 || len(r.TLS.VerifiedChains[0]) == 0 {
		return nil
	}
	leaf := r.TLS.VerifiedChains[0][0]
	if len(leaf.Subject.Organization) > 0 {
		return leaf.Subject.Organization
	}
	if leaf.Subject.CommonName != "" {
		return []string{leaf.Subject.CommonName}
	}
	return []string{}
}

// certificateAllows reports whether the request may act for org. Requests
// without a verified certificate are left to the gateway headers.
func certificateAllows(r *http.Request, org string) bool {
	orgs := certificateOrganizations(r)
	return orgs == nil || slices.Contains(orgs, org)
}
