// Package parser turns raw RFC 5322 messages accepted by the capture server
// into email.Email records.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"

	"github.com/shineum/smtp-sender-lite/internal/email"
)

var wordDecoder = new(mime.WordDecoder)

// Parse parses a raw message. Plain, HTML and multipart bodies are
// supported; attachments are counted but not kept.
func Parse(raw []byte) (*email.Email, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &email.Email{
		RawHeaders: make(map[string][]string, len(msg.Header)),
	}
	for key, values := range msg.Header {
		result.RawHeaders[key] = values
	}

	result.From = msg.Header.Get("From")
	result.ReplyTo = msg.Header.Get("Reply-To")
	result.Subject = decodeHeader(msg.Header.Get("Subject"))
	result.MessageID = msg.Header.Get("Message-Id")
	result.To = parseAddressList(msg.Header.Get("To"))
	result.Cc = parseAddressList(msg.Header.Get("Cc"))

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := parseMultipart(msg.Body, boundary, result); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		return result, nil
	}

	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	if mediaType == "text/html" {
		result.HtmlBody = string(body)
	} else {
		result.TextBody = string(body)
	}
	return result, nil
}

// parseMultipart walks a multipart body, keeping the first text/plain and
// text/html parts and counting everything that looks like an attachment.
func parseMultipart(body io.Reader, boundary string, result *email.Email) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}
		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if err := parseMultipart(part, params["boundary"], result); err != nil {
				slog.Warn("failed to parse nested multipart", "error", err)
			}
			continue
		}

		if isAttachment(part, params) {
			result.Attachments++
			continue
		}

		content, err := readPartContent(part)
		if err != nil {
			slog.Warn("failed to read part content",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		switch mediaType {
		case "text/plain":
			if result.TextBody == "" {
				result.TextBody = string(content)
			}
		case "text/html":
			if result.HtmlBody == "" {
				result.HtmlBody = string(content)
			}
		default:
			slog.Debug("skipping inline MIME part", "content_type", mediaType)
		}
	}
}

func isAttachment(part *multipart.Part, params map[string]string) bool {
	if strings.HasPrefix(strings.ToLower(part.Header.Get("Content-Disposition")), "attachment") {
		return true
	}
	return part.FileName() != "" || params["name"] != ""
}

// readPartContent reads a MIME part, decoding base64. Quoted-printable is
// decoded by the multipart reader itself.
func readPartContent(part *multipart.Part) ([]byte, error) {
	raw, err := io.ReadAll(part)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(strings.TrimSpace(part.Header.Get("Content-Transfer-Encoding")), "base64") {
		return raw, nil
	}

	cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content: %w", err)
		}
	}
	return decoded, nil
}

// decodeHeader decodes RFC 2047 encoded-words, returning the raw value if
// decoding fails.
func decodeHeader(v string) string {
	decoded, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}

// parseAddressList returns the bare addresses of a comma-separated list.
func parseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}
