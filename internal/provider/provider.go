// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"

	"github.com/shineum/smtp-sender-lite/internal/email"
)

// Provider is the interface that email delivery backends must implement.
// Implementations include the SMTP client, AWS SES and the in-memory
// capture store.
type Provider interface {
	// Send delivers one message to req.To and returns the Message-ID the
	// backend assigned to it. Send must be safe for concurrent use.
	Send(ctx context.Context, req *email.Request) (string, error)

	// Name returns the human-readable name of this provider.
	Name() string
}
