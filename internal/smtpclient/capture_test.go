package smtpclient

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/shineum/smtp-sender-lite/internal/capture"
	"github.com/shineum/smtp-sender-lite/internal/smtp"
	mailtls "github.com/shineum/smtp-sender-lite/internal/tls"
)

// startCaptureServer runs an implicit-TLS capture server with AUTH and
// returns a client config pointing at it.
func startCaptureServer(t *testing.T) (*capture.Store, Config) {
	t.Helper()

	cert, err := mailtls.GenerateSelfSignedCert("127.0.0.1")
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert: %v", err)
	}
	clientTLS, err := mailtls.ClientConfig(cert)
	if err != nil {
		t.Fatalf("ClientConfig: %v", err)
	}

	store := capture.New(capture.Options{Logger: discardLogger()})
	srv := smtp.New(smtp.ServerConfig{
		Hostname:     "capture.test",
		Sink:         store,
		TLSConfig:    mailtls.ServerConfig(*cert),
		ImplicitTLS:  true,
		AuthUsername: "noreply@example.com",
		AuthPassword: "s3cret",
		Logger:       discardLogger(),
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx, ln) }()

	return store, Config{
		Host:      "127.0.0.1",
		Port:      ln.Addr().(*net.TCPAddr).Port,
		Secure:    true,
		Username:  "noreply@example.com",
		Password:  "s3cret",
		Timeout:   5 * time.Second,
		TLSConfig: clientTLS,
	}
}

func TestSend_CaptureServerTLS(t *testing.T) {
	t.Parallel()

	store, cfg := startCaptureServer(t)
	client := New(cfg, discardLogger())

	req := testRequest()
	req.Text = "Hello Alice\n.leading dot\nbye"
	messageID, err := client.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !messageIDPattern.MatchString(messageID) || !strings.HasSuffix(messageID, "@example.com>") {
		t.Errorf("message id: got %q", messageID)
	}

	msgs := store.List(0)
	if len(msgs) != 1 {
		t.Fatalf("captured: got %d messages, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.MessageID != messageID {
		t.Errorf("Message-Id header: got %q, want %q", msg.MessageID, messageID)
	}
	if msg.From != `"Support Team" <noreply@example.com>` {
		t.Errorf("From: got %q", msg.From)
	}
	if msg.ReplyTo != "<support@customer.org>" {
		t.Errorf("Reply-To: got %q", msg.ReplyTo)
	}
	if len(msg.To) != 1 || msg.To[0] != "alice@example.net" {
		t.Errorf("To: got %v", msg.To)
	}
	if msg.Subject != "Welcome" {
		t.Errorf("Subject: got %q", msg.Subject)
	}
	if msg.TextBody != "Hello Alice\r\n.leading dot\r\nbye\r\n" {
		t.Errorf("body: got %q", msg.TextBody)
	}
}

func TestSend_CaptureServerWrongPassword(t *testing.T) {
	t.Parallel()

	store, cfg := startCaptureServer(t)
	cfg.Password = "wrong"
	out := New(cfg, discardLogger()).Deliver(context.Background(), testRequest())

	var protoErr *ProtocolError
	if !errors.As(out.Err, &protoErr) {
		t.Fatalf("error: got %v, want *ProtocolError", out.Err)
	}
	if protoErr.Stage != StagePass {
		t.Errorf("stage: got %v, want %v", protoErr.Stage, StagePass)
	}
	if !strings.HasPrefix(protoErr.Response, "535") {
		t.Errorf("response: got %q", protoErr.Response)
	}
	if store.Len() != 0 {
		t.Errorf("captured: got %d messages, want 0", store.Len())
	}
}

func TestSend_UntrustedCertificate(t *testing.T) {
	t.Parallel()

	_, cfg := startCaptureServer(t)
	cfg.TLSConfig = nil

	_, err := New(cfg, discardLogger()).Send(context.Background(), testRequest())
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("error: got %v, want *TransportError", err)
	}
}
