package smtpclient

import (
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"golang.org/x/net/idna"

	"github.com/shineum/smtp-sender-lite/internal/email"
)

// Envelope is the fully prepared command list for one session.
type Envelope struct {
	MessageID string
	Domain    string
	Sender    string
	Recipient string
	Commands  []Command
}

// Content is the DATA payload: a header record and a body. It is rendered
// to wire form only when transmitted.
type Content struct {
	Header textproto.Header
	Body   string
}

// Render writes the header block, the dot-stuffed body and the
// terminating "." line to w.
func (c *Content) Render(w io.Writer) error {
	if err := textproto.WriteHeader(w, c.Header); err != nil {
		return err
	}
	if _, err := io.WriteString(w, dotStuff(c.Body)); err != nil {
		return err
	}
	_, err := io.WriteString(w, ".\r\n")
	return err
}

// dotStuff normalises line endings to CRLF and doubles the leading dot of
// any line that starts with one (RFC 5321 section 4.5.2). The result is
// empty or ends in CRLF.
func dotStuff(body string) string {
	if body == "" {
		return ""
	}
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.TrimSuffix(body, "\n")

	var b strings.Builder
	b.Grow(len(body) + 16)
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, ".") {
			b.WriteByte('.')
		}
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	return b.String()
}

// BuildEnvelope validates req against cfg and produces the nine commands of
// a session. The envelope sender is the authenticated address from cfg; the
// caller's address is only used for Reply-To. now fixes the Message-ID.
func BuildEnvelope(req *email.Request, cfg *Config, now time.Time) (*Envelope, error) {
	if cfg == nil {
		return nil, invalidf("missing connection config")
	}
	if req == nil {
		return nil, invalidf("missing message request")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, invalidf("missing SMTP credentials")
	}
	if strings.TrimSpace(req.FromAddress) == "" {
		return nil, invalidf("missing sender address")
	}
	if strings.TrimSpace(req.To) == "" {
		return nil, invalidf("missing recipient address")
	}

	sender, err := mail.ParseAddress(cfg.sender())
	if err != nil {
		return nil, invalidf("envelope sender %q: %v", cfg.sender(), err)
	}
	replyTo, err := mail.ParseAddress(req.FromAddress)
	if err != nil {
		return nil, invalidf("sender %q: %v", req.FromAddress, err)
	}
	rcpt, err := mail.ParseAddress(req.To)
	if err != nil {
		return nil, invalidf("recipient %q: %v", req.To, err)
	}
	if strings.ContainsAny(req.Subject, "\r\n") {
		return nil, invalidf("subject contains a line break")
	}
	if strings.ContainsAny(req.FromName, "\r\n") {
		return nil, invalidf("sender name contains a line break")
	}

	domain, err := addressDomain(sender.Address)
	if err != nil {
		return nil, err
	}

	messageID := fmt.Sprintf("<%d@%s>", now.UnixMilli(), domain)

	contentType := "text/plain; charset=UTF-8"
	if req.IsHTML() {
		contentType = "text/html; charset=UTF-8"
	}

	fields := [][2]string{
		{"From", (&mail.Address{Name: req.FromName, Address: sender.Address}).String()},
		{"To", rcpt.String()},
	}
	if !strings.EqualFold(replyTo.Address, sender.Address) {
		fields = append(fields, [2]string{"Reply-To", replyTo.String()})
	}
	fields = append(fields,
		[2]string{"Subject", mime.QEncoding.Encode("utf-8", req.Subject)},
		[2]string{"Date", now.Format(time.RFC1123Z)},
		[2]string{"Message-Id", messageID},
		[2]string{"Mime-Version", "1.0"},
		[2]string{"Content-Type", contentType},
	)

	// textproto.Header writes fields in reverse insertion order.
	var header textproto.Header
	for i := len(fields) - 1; i >= 0; i-- {
		header.Add(fields[i][0], fields[i][1])
	}

	content := &Content{Header: header, Body: req.Body()}

	commands := []Command{
		{Stage: StageEHLO, Line: "EHLO " + domain},
		{Stage: StageAuth, Line: "AUTH LOGIN"},
		{Stage: StageUser, Line: base64.StdEncoding.EncodeToString([]byte(cfg.Username))},
		{Stage: StagePass, Line: base64.StdEncoding.EncodeToString([]byte(cfg.Password))},
		{Stage: StageMail, Line: "MAIL FROM:<" + sender.Address + ">"},
		{Stage: StageRcpt, Line: "RCPT TO:<" + rcpt.Address + ">"},
		{Stage: StageData, Line: "DATA"},
		{Stage: StageContent, Content: content},
		{Stage: StageQuit, Line: "QUIT"},
	}

	return &Envelope{
		MessageID: messageID,
		Domain:    domain,
		Sender:    sender.Address,
		Recipient: rcpt.Address,
		Commands:  commands,
	}, nil
}

// addressDomain returns the ASCII (IDNA) form of the domain part of addr.
func addressDomain(addr string) (string, error) {
	at := strings.LastIndexByte(addr, '@')
	if at < 0 || at == len(addr)-1 {
		return "", invalidf("address %q has no domain", addr)
	}
	domain, err := idna.Lookup.ToASCII(addr[at+1:])
	if err != nil || domain == "" {
		return "", invalidf("address %q has an invalid domain", addr)
	}
	return domain, nil
}
