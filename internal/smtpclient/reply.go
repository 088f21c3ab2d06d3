package smtpclient

import (
	"bytes"
	"strings"
)

// maxReplyBytes bounds one logical reply, continuation lines included.
// RFC 5321 limits reply lines to 512 octets.
const maxReplyBytes = 64 * 1024

// Class is the category of a server reply.
type Class int

const (
	Incomplete Class = iota
	Positive
	Intermediate
	Negative
)

func (c Class) String() string {
	switch c {
	case Positive:
		return "positive"
	case Intermediate:
		return "intermediate"
	case Negative:
		return "negative"
	default:
		return "incomplete"
	}
}

// Reply is one logical server reply: zero or more "NNN-" continuation lines
// followed by a final "NNN " line.
type Reply struct {
	Code  int
	Class Class
	Lines []string
}

// Continue reports whether the session may proceed after this reply.
func (r Reply) Continue() bool {
	return r.Class == Positive || r.Class == Intermediate
}

// Text returns the reply lines joined with newlines, as received.
func (r Reply) Text() string {
	return strings.Join(r.Lines, "\n")
}

// Classifier accumulates bytes read from the server and yields complete
// replies in arrival order. It is not safe for concurrent use.
type Classifier struct {
	buf          []byte
	pending      []string
	pendingBytes int
}

// Write appends received bytes. It never fails.
func (c *Classifier) Write(p []byte) (int, error) {
	c.buf = append(c.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes not yet consumed by Next.
func (c *Classifier) Buffered() int {
	return len(c.buf)
}

// Next consumes and returns one complete reply. It returns false when the
// buffer does not yet hold a complete reply; the remainder stays buffered.
func (c *Classifier) Next() (Reply, bool) {
	for {
		i := bytes.IndexByte(c.buf, '\n')
		if i < 0 {
			if c.pendingBytes+len(c.buf) > maxReplyBytes {
				return c.overflow(c.buf), true
			}
			return Reply{Class: Incomplete}, false
		}
		if c.pendingBytes+i+1 > maxReplyBytes {
			return c.overflow(c.buf[:i]), true
		}

		line := strings.TrimRight(string(c.buf[:i]), "\r")
		c.buf = c.buf[i+1:]

		code, more, ok := parseReplyLine(line)
		if ok && more {
			c.pending = append(c.pending, line)
			c.pendingBytes += i + 1
			continue
		}

		lines := append(c.pending, line)
		c.pending = nil
		c.pendingBytes = 0
		if !ok {
			return Reply{Class: Negative, Lines: lines}, true
		}
		return Reply{Code: code, Class: classify(code), Lines: lines}, true
	}
}

// overflow discards everything buffered and reports an oversized reply as
// Negative. The session resolves on it, so nothing after it is read.
func (c *Classifier) overflow(tail []byte) Reply {
	head := tail
	if len(c.pending) > 0 {
		head = []byte(c.pending[0])
	}
	if len(head) > 64 {
		head = head[:64]
	}
	line := string(head)
	c.buf = nil
	c.pending = nil
	c.pendingBytes = 0
	return Reply{Class: Negative, Lines: []string{line + "... (reply too long)"}}
}

// parseReplyLine extracts the three digit code of a reply line and whether
// it is a continuation line ("250-...").
func parseReplyLine(line string) (code int, more bool, ok bool) {
	if len(line) < 3 {
		return 0, false, false
	}
	for i := 0; i < 3; i++ {
		if line[i] < '0' || line[i] > '9' {
			return 0, false, false
		}
		code = code*10 + int(line[i]-'0')
	}
	if len(line) == 3 {
		return code, false, true
	}
	switch line[3] {
	case '-':
		return code, true, true
	case ' ':
		return code, false, true
	default:
		return 0, false, false
	}
}

func classify(code int) Class {
	switch code / 100 {
	case 2:
		return Positive
	case 3:
		return Intermediate
	default:
		return Negative
	}
}
