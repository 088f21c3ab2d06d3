// Package email defines the message data model shared by senders, the
// capture store and the local SMTP server.
package email

import "time"

// Request is a single outbound message addressed to one recipient.
// It must not be modified once handed to a provider.
type Request struct {
	FromName    string `json:"fromName"`
	FromAddress string `json:"fromAddress"`
	To          string `json:"to"`
	Subject     string `json:"subject"`
	Text        string `json:"text"`
	HTML        string `json:"html,omitempty"`
}

// Body returns the HTML body if present, otherwise the plain text body.
func (r *Request) Body() string {
	if r.HTML != "" {
		return r.HTML
	}
	return r.Text
}

// IsHTML reports whether Body returns HTML content.
func (r *Request) IsHTML() bool {
	return r.HTML != ""
}

// Email represents a parsed or captured email message.
type Email struct {
	ID          string              `json:"id"`
	ReceivedAt  time.Time           `json:"receivedAt"`
	From        string              `json:"from"`
	ReplyTo     string              `json:"replyTo,omitempty"`
	To          []string            `json:"to"`
	Cc          []string            `json:"cc,omitempty"`
	Subject     string              `json:"subject"`
	TextBody    string              `json:"text,omitempty"`
	HtmlBody    string              `json:"html,omitempty"`
	Attachments int                 `json:"attachments,omitempty"`
	RawHeaders  map[string][]string `json:"-"`
	MessageID   string              `json:"messageId"`
}
