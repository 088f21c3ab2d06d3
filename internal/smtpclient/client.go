// Package smtpclient sends one message to one recipient per session by
// driving the SMTP command sequence (EHLO, AUTH LOGIN, MAIL, RCPT, DATA,
// QUIT) in lockstep with the server's replies.
package smtpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/shineum/smtp-sender-lite/internal/email"
	"github.com/shineum/smtp-sender-lite/internal/metrics"
)

// DefaultTimeout bounds connect and the whole session when Config.Timeout
// is zero.
const DefaultTimeout = 10 * time.Second

// readBufferSize is the size of a single socket read.
const readBufferSize = 4096

// Config describes the relay server and the credentials used for every
// session. It is read-only once passed to New.
type Config struct {
	Host     string
	Port     int
	Secure   bool
	Username string
	Password string

	// From overrides the envelope sender; defaults to Username.
	From string

	// Timeout is armed once when the connection opens and covers the whole
	// session, not each stage.
	Timeout time.Duration

	// TLSConfig is cloned for each connection when Secure is set.
	TLSConfig *tls.Config
}

// Addr returns host:port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) sender() string {
	if c.From != "" {
		return c.From
	}
	return c.Username
}

func (c *Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// Client delivers messages through one relay. It holds no per-session state
// and is safe for concurrent use.
type Client struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	dial   func(context.Context, *Config) (net.Conn, error)
}

// New creates a Client for cfg. A nil logger uses slog.Default().
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		dial:   Dial,
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "smtp"
}

// Send delivers req and returns its Message-ID.
func (c *Client) Send(ctx context.Context, req *email.Request) (string, error) {
	out := c.Deliver(ctx, req)
	return out.MessageID, out.Err
}

// Deliver runs one complete session for req. Every failure, including
// invalid input, is reported in the returned Outcome.
func (c *Client) Deliver(ctx context.Context, req *email.Request) Outcome {
	env, err := BuildEnvelope(req, &c.cfg, c.now())
	if err != nil {
		return Outcome{Err: err}
	}

	logger := c.logger.With(
		"message_id", env.MessageID,
		"recipient", env.Recipient,
		"relay", c.cfg.Addr(),
	)

	conn, err := c.dial(ctx, &c.cfg)
	if err != nil {
		logger.Warn("smtp connect failed", "error", err)
		return Outcome{Err: err}
	}

	logger.Debug("smtp connection established", "secure", c.cfg.Secure)
	return c.run(ctx, conn, env, logger)
}

// run owns conn until the session resolves and always closes it.
func (c *Client) run(ctx context.Context, conn net.Conn, env *Envelope, logger *slog.Logger) Outcome {
	defer conn.Close()

	m := NewMachine(env)

	// One deadline for the whole session; it is not extended per stage.
	if err := conn.SetDeadline(time.Now().Add(c.cfg.timeout())); err != nil {
		return c.finish(m, Event{Kind: EventError, Err: err}, logger)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	var replies Classifier
	buf := make([]byte, readBufferSize)
	for {
		n, readErr := conn.Read(buf)
		if n > 0 {
			replies.Write(buf[:n])
			for !m.Resolved() {
				reply, ok := replies.Next()
				if !ok {
					break
				}
				logger.Debug("smtp reply",
					"stage", m.Pending().String(),
					"code", reply.Code,
					"class", reply.Class.String(),
				)

				action := m.OnResponse(reply)
				if action.Write {
					if _, err := conn.Write(action.Command.Bytes()); err != nil {
						return c.finish(m, terminalEvent(ctx, err), logger)
					}
					logger.Debug("smtp command sent", "stage", action.Command.Stage.String())
				}
				if action.Close {
					conn.Close()
					return c.finish(m, Event{Kind: EventClose}, logger)
				}
			}
		}
		if readErr != nil {
			return c.finish(m, terminalEvent(ctx, readErr), logger)
		}
	}
}

func (c *Client) finish(m *Machine, ev Event, logger *slog.Logger) Outcome {
	out, _ := m.OnTerminal(ev)
	if out.Err != nil {
		kind := ErrorKind(out.Err)
		metrics.SMTPSessionFailed(kind, m.Pending().String())
		logger.Warn("smtp session failed", "kind", kind, "error", out.Err)
		return out
	}
	logger.Info("smtp message delivered")
	return out
}

// terminalEvent maps a socket error to the terminal event it represents.
// A reset or broken pipe means the peer went away and counts as a close.
func terminalEvent(ctx context.Context, err error) Event {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return Event{Kind: EventTimeout}
		}
		return Event{Kind: EventError, Err: ctxErr}
	}

	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return Event{Kind: EventClose}
	case errors.As(err, &netErr) && netErr.Timeout():
		return Event{Kind: EventTimeout}
	default:
		return Event{Kind: EventError, Err: err}
	}
}
