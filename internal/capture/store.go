// Package capture keeps delivered messages in memory instead of relaying
// them. A Store is both a delivery provider and the sink of the local
// capture SMTP server, so messages sent either way can be inspected.
package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/smtp-sender-lite/internal/email"
	"github.com/shineum/smtp-sender-lite/internal/metrics"
)

// DefaultMaxMessages is the capacity used when Options.MaxMessages is zero.
const DefaultMaxMessages = 100

const separator = "========================================\n"

// Options configures a Store.
type Options struct {
	// MaxMessages bounds the store; the oldest message is evicted first.
	MaxMessages int

	// Echo, if set, receives a human-readable summary of every message.
	Echo io.Writer

	Logger *slog.Logger
}

// Store is a bounded in-memory list of messages, newest first.
type Store struct {
	max    int
	echo   io.Writer
	logger *slog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	msgs []*email.Email
}

// New creates an empty Store.
func New(opts Options) *Store {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = DefaultMaxMessages
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		max:    opts.MaxMessages,
		echo:   opts.Echo,
		logger: logger.With("component", "capture"),
		now:    time.Now,
	}
}

// Name returns the provider name.
func (s *Store) Name() string {
	return "capture"
}

// Send stores req as a message and returns its generated Message-ID.
func (s *Store) Send(ctx context.Context, req *email.Request) (string, error) {
	from := req.FromAddress
	if req.FromName != "" {
		from = (&mail.Address{Name: req.FromName, Address: req.FromAddress}).String()
	}

	id := uuid.NewString()
	msg := &email.Email{
		From:      from,
		To:        []string{req.To},
		Subject:   req.Subject,
		TextBody:  req.Text,
		HtmlBody:  req.HTML,
		MessageID: "<" + id + "@capture.local>",
	}
	if err := s.Deliver(ctx, msg); err != nil {
		return "", err
	}
	return msg.MessageID, nil
}

// Deliver assigns msg an ID and receive time and stores it.
func (s *Store) Deliver(_ context.Context, msg *email.Email) error {
	msg.ID = uuid.NewString()
	msg.ReceivedAt = s.now().UTC()

	s.mu.Lock()
	s.msgs = append([]*email.Email{msg}, s.msgs...)
	if len(s.msgs) > s.max {
		s.msgs[len(s.msgs)-1] = nil
		s.msgs = s.msgs[:s.max]
	}
	s.mu.Unlock()

	metrics.CapturedInc()
	s.logger.Info("message captured",
		"id", msg.ID,
		"message_id", msg.MessageID,
		"to", strings.Join(msg.To, ", "),
		"subject", msg.Subject,
	)
	if s.echo != nil {
		s.print(msg)
	}
	return nil
}

// List returns up to limit messages, newest first. A limit of zero or less
// returns everything.
func (s *Store) List(limit int) []*email.Email {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.msgs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*email.Email, n)
	copy(out, s.msgs[:n])
	return out
}

// Get returns the message with the given ID.
func (s *Store) Get(id string) (*email.Email, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.msgs {
		if m.ID == id {
			return m, true
		}
	}
	return nil, false
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

// Reset removes all messages.
func (s *Store) Reset() {
	s.mu.Lock()
	s.msgs = nil
	s.mu.Unlock()
}

// print writes a readable summary of msg to the echo writer.
func (s *Store) print(msg *email.Email) {
	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "ID: %s\n", msg.ID)
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	if msg.ReplyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\n", msg.ReplyTo)
	}
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(msg.Cc, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	b.WriteString("Body:\n")

	body := msg.TextBody
	if body == "" {
		body = msg.HtmlBody
	}
	b.WriteString(body + "\n")

	if msg.Attachments > 0 {
		fmt.Fprintf(&b, "Attachments: %d\n", msg.Attachments)
	}
	b.WriteString(separator)

	if _, err := io.WriteString(s.echo, b.String()); err != nil {
		s.logger.Warn("failed to echo captured message", "error", err)
	}
}
