package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shineum/smtp-sender-lite/internal/email"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// defaultMaxMessageSize is used when ServerConfig.MaxMessageSize is zero.
const defaultMaxMessageSize = 25 * 1024 * 1024

// Sink receives every message accepted by the server.
type Sink interface {
	Deliver(ctx context.Context, msg *email.Email) error
}

// ServerConfig holds the configuration for a capture server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is announced in the greeting and EHLO reply.
	Hostname string

	Sink Sink

	// TLSConfig enables TLS. With ImplicitTLS the listener speaks TLS from
	// the first byte; otherwise STARTTLS is offered.
	TLSConfig   *tls.Config
	ImplicitTLS bool

	// AuthUsername and AuthPassword configure SMTP AUTH. If either is empty,
	// authentication is not required.
	AuthUsername string
	AuthPassword string

	MaxMessageSize int64

	Logger *slog.Logger
}

// Server accepts SMTP connections and stores messages in its Sink.
type Server struct {
	config ServerConfig
	auth   *Authenticator
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new capture Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
		logger: logger.With("component", "capture-smtp"),
	}
}

// ListenAndServe listens on ListenAddr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then stops
// accepting and waits up to 30 seconds for in-flight sessions.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.config.ImplicitTLS {
		if s.config.TLSConfig == nil {
			ln.Close()
			return errors.New("smtp: implicit TLS requires a TLS config")
		}
		ln = tls.NewListener(ln, s.config.TLSConfig)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("capture server listening",
		"addr", ln.Addr().String(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
		"implicit_tls", s.config.ImplicitTLS,
	)

	stop := context.AfterFunc(ctx, func() {
		s.logger.Info("shutting down capture server")
		ln.Close()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.waitForSessions()
				return nil
			}
			s.logger.Error("accept error", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			NewSession(conn, s).Handle(ctx)
		}()
	}
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		s.logger.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
