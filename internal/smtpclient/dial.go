package smtpclient

import (
	"context"
	"crypto/tls"
	"net"
)

// Dial opens the transport to cfg.Addr(): TLS from the first byte when
// cfg.Secure is set, plain TCP otherwise. Connect and handshake share the
// config timeout. Failures are returned as *TransportError.
func Dial(ctx context.Context, cfg *Config) (net.Conn, error) {
	if cfg == nil || cfg.Host == "" {
		return nil, invalidf("missing SMTP host")
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.timeout())
	defer cancel()

	addr := cfg.Addr()
	netDialer := &net.Dialer{}

	var (
		conn net.Conn
		err  error
	)
	if cfg.Secure {
		tlsConfig := &tls.Config{}
		if cfg.TLSConfig != nil {
			tlsConfig = cfg.TLSConfig.Clone()
		}
		if tlsConfig.ServerName == "" {
			tlsConfig.ServerName = cfg.Host
		}
		if tlsConfig.MinVersion == 0 {
			tlsConfig.MinVersion = tls.VersionTLS12
		}
		dialer := &tls.Dialer{NetDialer: netDialer, Config: tlsConfig}
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = netDialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, &TransportError{Op: "dial " + addr, Err: err}
	}
	return conn, nil
}
