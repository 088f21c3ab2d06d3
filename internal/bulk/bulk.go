// Package bulk sends one message to many recipients, one independent
// delivery per recipient, and folds the outcomes into a single result.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shineum/smtp-sender-lite/internal/email"
	"github.com/shineum/smtp-sender-lite/internal/metrics"
	"github.com/shineum/smtp-sender-lite/internal/provider"
	"github.com/shineum/smtp-sender-lite/internal/smtpclient"
)

// Detail statuses.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

var (
	// ErrNoProvider is returned when the Dispatcher has no provider.
	ErrNoProvider = errors.New("bulk: no delivery provider configured")
	// ErrNoRecipients is returned when the request names no recipient.
	ErrNoRecipients = errors.New("bulk: at least one recipient is required")
	// ErrInvalidRequest is returned for a malformed top-level request.
	ErrInvalidRequest = errors.New("bulk: invalid request")
)

// Request is a message addressed to a list of recipients.
type Request struct {
	FromName    string   `json:"fromName"`
	FromAddress string   `json:"fromAddress"`
	Recipients  []string `json:"recipients"`
	Subject     string   `json:"subject"`
	Text        string   `json:"text"`
	HTML        string   `json:"html,omitempty"`
}

// Detail is the outcome for one recipient.
type Detail struct {
	Recipient string `json:"recipient"`
	Status    string `json:"status"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Result aggregates the outcomes of a bulk send. Success is true only if
// every recipient was sent.
type Result struct {
	Success bool     `json:"success"`
	Sent    int      `json:"sent"`
	Failed  int      `json:"failed"`
	Details []Detail `json:"details"`
}

// Dispatcher fans a Request out over a provider.
type Dispatcher struct {
	provider provider.Provider
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher. A nil logger uses slog.Default().
func NewDispatcher(p provider.Provider, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{provider: p, logger: logger.With("component", "bulk")}
}

// Send delivers req to every recipient concurrently, one session per
// recipient and no concurrency cap. Per-recipient failures are reported in
// the Result; an error is returned only for precondition failures, before
// anything is sent.
func (d *Dispatcher) Send(ctx context.Context, req *Request) (*Result, error) {
	if d.provider == nil {
		return nil, ErrNoProvider
	}
	if req == nil {
		return nil, fmt.Errorf("%w: empty request", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Subject) == "" {
		return nil, fmt.Errorf("%w: subject is required", ErrInvalidRequest)
	}
	if req.Text == "" && req.HTML == "" {
		return nil, fmt.Errorf("%w: text or html body is required", ErrInvalidRequest)
	}

	recipients := normalizeRecipients(req.Recipients)
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	metrics.BatchObserve(len(recipients))
	d.logger.Info("bulk send started",
		"provider", d.provider.Name(),
		"recipients", len(recipients),
	)

	// Each goroutine writes only its own slot.
	details := make([]Detail, len(recipients))
	var g errgroup.Group
	for i, rcpt := range recipients {
		g.Go(func() error {
			details[i] = d.deliver(ctx, req, rcpt)
			return nil
		})
	}
	_ = g.Wait()

	res := fold(details)
	d.logger.Info("bulk send finished",
		"provider", d.provider.Name(),
		"sent", res.Sent,
		"failed", res.Failed,
	)
	return res, nil
}

// deliver runs a single recipient's delivery and converts its outcome into
// a Detail. It never returns an error.
func (d *Dispatcher) deliver(ctx context.Context, req *Request, rcpt string) Detail {
	addr, err := mail.ParseAddress(rcpt)
	if err != nil {
		metrics.DeliveryObserve(d.provider.Name(), "invalid_request", 0)
		return Detail{Recipient: rcpt, Status: StatusFailed, Error: "invalid recipient address"}
	}

	start := time.Now()
	messageID, err := d.provider.Send(ctx, &email.Request{
		FromName:    req.FromName,
		FromAddress: req.FromAddress,
		To:          addr.Address,
		Subject:     req.Subject,
		Text:        req.Text,
		HTML:        req.HTML,
	})
	metrics.DeliveryObserve(d.provider.Name(), smtpclient.ErrorKind(err), time.Since(start))

	if err != nil {
		return Detail{Recipient: rcpt, Status: StatusFailed, Error: err.Error()}
	}
	return Detail{Recipient: rcpt, Status: StatusSent, MessageID: messageID}
}

// fold reduces per-recipient details into a Result.
func fold(details []Detail) *Result {
	res := &Result{Details: details}
	for _, dt := range details {
		if dt.Status == StatusSent {
			res.Sent++
		} else {
			res.Failed++
		}
	}
	res.Success = res.Failed == 0 && res.Sent > 0
	return res
}

// normalizeRecipients trims and drops empty entries and case-insensitive
// duplicates, keeping the first occurrence and the original order.
func normalizeRecipients(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		key := strings.ToLower(r)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}
