package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	standardtls "crypto/tls"
	"crypto/x509"
	"net"
	"testing"
	"time"
)

func TestGenerateSelfSignedCert(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cert == nil {
		t.Fatal("certificate is nil")
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}

	if leaf.Subject.CommonName != "localhost" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "localhost")
	}
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "localhost" {
		t.Errorf("DNS SANs: got %v, want [localhost]", leaf.DNSNames)
	}
	if len(leaf.IPAddresses) != 1 || leaf.IPAddresses[0].String() != "127.0.0.1" {
		t.Errorf("IP SANs: got %v, want [127.0.0.1]", leaf.IPAddresses)
	}

	validDuration := leaf.NotAfter.Sub(leaf.NotBefore)
	expectedDuration := 365 * 24 * time.Hour
	if validDuration < expectedDuration-time.Hour || validDuration > expectedDuration+time.Hour {
		t.Errorf("validity duration: got %v, want approximately %v", validDuration, expectedDuration)
	}

	ecKey, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		t.Fatal("public key is not ECDSA")
	}
	if ecKey.Curve != elliptic.P256() {
		t.Errorf("curve: got %v, want P-256", ecKey.Curve.Params().Name)
	}
}

func TestGenerateSelfSignedCert_Hosts(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert("mail.test", "10.0.0.7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}

	if leaf.Subject.CommonName != "mail.test" {
		t.Errorf("CN: got %q", leaf.Subject.CommonName)
	}
	if err := leaf.VerifyHostname("mail.test"); err != nil {
		t.Errorf("VerifyHostname(mail.test): %v", err)
	}
	if err := leaf.VerifyHostname("10.0.0.7"); err != nil {
		t.Errorf("VerifyHostname(10.0.0.7): %v", err)
	}
}

func TestLoadOrGenerateTLS_SelfSigned(t *testing.T) {
	t.Parallel()

	tlsConfig, err := LoadOrGenerateTLS("", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tlsConfig.Certificates) != 1 {
		t.Errorf("Certificates: got %d, want 1", len(tlsConfig.Certificates))
	}
	if tlsConfig.MinVersion != standardtls.VersionTLS12 {
		t.Errorf("MinVersion: got %d, want TLS 1.2 (%d)", tlsConfig.MinVersion, standardtls.VersionTLS12)
	}
}

func TestLoadOrGenerateTLS_FileNotFound(t *testing.T) {
	t.Parallel()

	_, err := LoadOrGenerateTLS("/nonexistent/cert.pem", "/nonexistent/key.pem")
	if err == nil {
		t.Error("expected error for nonexistent files, got nil")
	}
}

func TestLoadOrGenerateTLS_HalfConfigured(t *testing.T) {
	t.Parallel()

	if _, err := LoadOrGenerateTLS("/certs/cert.pem", ""); err == nil {
		t.Error("expected error when only cert_file is set")
	}
}

func TestClientConfig_Handshake(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clientConfig, err := ClientConfig(cert)
	if err != nil {
		t.Fatalf("ClientConfig: %v", err)
	}

	ln, err := standardtls.Listen("tcp", "127.0.0.1:0", ServerConfig(*cert))
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.(*standardtls.Conn).Handshake()
	}()

	clientConfig.ServerName = "127.0.0.1"
	conn, err := standardtls.DialWithDialer(&net.Dialer{Timeout: 5 * time.Second}, "tcp", ln.Addr().String(), clientConfig)
	if err != nil {
		t.Fatalf("handshake with self-signed server failed: %v", err)
	}
	conn.Close()
}

func TestClientConfig_Empty(t *testing.T) {
	t.Parallel()

	if _, err := ClientConfig(nil); err == nil {
		t.Error("expected error for nil certificate")
	}
}
