package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/shineum/smtp-sender-lite/internal/parser"
)

// Session states.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can wait for the next command.
const idleTimeout = 60 * time.Second

// Session is one client connection to the capture server.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	server *Server
	logger *slog.Logger

	state       int
	tlsActive   bool
	idleTimeout time.Duration

	mailFrom string
	rcptTo   []string
}

// NewSession creates a session for conn served by srv.
func NewSession(conn net.Conn, srv *Server) *Session {
	_, isTLS := conn.(*tls.Conn)
	return &Session{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		server:    srv,
		logger:    srv.logger.With("remote", conn.RemoteAddr().String()),
		state:       stateConnected,
		tlsActive:   isTLS,
		idleTimeout: idleTimeout,
	}
}

// Handle runs the session until the client quits, the connection fails or
// ctx is cancelled.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP smtp-sender-lite capture", s.server.config.Hostname)

	for {
		if ctx.Err() != nil {
			s.writeLine("421 Service shutting down")
			return
		}

		line, err := s.readLine()
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("connection read error", "error", err)
			}
			return
		}
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if s.handleCommand(ctx, cmd, arg) {
			return
		}
	}
}

// handleCommand processes one command and reports whether the session ends.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleHello(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA(ctx)
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *Session) handleHello(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}
	s.resetTransaction()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	hostname := s.server.config.Hostname
	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", hostname, arg)
		return
	}

	lines := []string{fmt.Sprintf("%s Hello %s", hostname, arg)}
	if s.server.config.TLSConfig != nil && !s.tlsActive {
		lines = append(lines, "STARTTLS")
	}
	if s.server.auth.Enabled() {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	lines = append(lines, fmt.Sprintf("SIZE %d", s.server.config.MaxMessageSize))
	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		s.writeLine("250%s%s", sep, l)
	}
}

func (s *Session) handleSTARTTLS() {
	if s.server.config.TLSConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.server.config.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.logger.Warn("TLS handshake failed", "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
}

func (s *Session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.server.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}
	if s.state >= stateAuthOK {
		s.writeLine("503 Already authenticated")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")

	var err error
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		response := initial
		if response == "" {
			if response, err = s.challenge("334"); err != nil {
				return
			}
		}
		if response == "*" {
			s.writeLine("501 Authentication cancelled")
			return
		}
		err = s.server.auth.VerifyPlain(response)
	case "LOGIN":
		user := initial
		if user == "" {
			if user, err = s.challenge("334 VXNlcm5hbWU6"); err != nil {
				return
			}
		}
		if user == "*" {
			s.writeLine("501 Authentication cancelled")
			return
		}
		pass, perr := s.challenge("334 UGFzc3dvcmQ6")
		if perr != nil {
			return
		}
		if pass == "*" {
			s.writeLine("501 Authentication cancelled")
			return
		}
		err = s.server.auth.VerifyLogin(user, pass)
	default:
		s.writeLine("504 Unrecognized authentication type")
		return
	}

	if err != nil {
		s.logger.Info("authentication failed", "mechanism", mechanism, "error", err)
		s.writeLine("535 Authentication failed")
		return
	}
	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

// challenge sends a 334 line and returns the client's response line.
func (s *Session) challenge(prompt string) (string, error) {
	s.writeLine("%s", prompt)
	line, err := s.readLine()
	if err != nil {
		s.logger.Debug("failed to read AUTH response", "error", err)
	}
	return line, err
}

func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.server.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}

	addr, ok := pathArgument(arg, "FROM:")
	if !ok {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	addr, ok := pathArgument(arg, "TO:")
	if !ok || addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

func (s *Session) handleDATA(ctx context.Context) {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	var (
		data     strings.Builder
		tooLarge bool
	)
	for {
		line, err := s.readRawLine()
		if err != nil {
			s.logger.Warn("error reading DATA", "error", err)
			return
		}
		if strings.TrimRight(line, "\r\n") == "." {
			break
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		if int64(data.Len()+len(line)) > s.server.config.MaxMessageSize {
			tooLarge = true
			continue
		}
		data.WriteString(line)
	}
	defer s.resetTransaction()

	if tooLarge {
		s.writeLine("552 Message exceeds maximum size")
		return
	}

	msg, err := parser.Parse([]byte(data.String()))
	if err != nil {
		s.logger.Warn("failed to parse message", "error", err)
		s.writeLine("550 Failed to process message")
		return
	}
	if msg.From == "" {
		msg.From = s.mailFrom
	}
	if len(msg.To) == 0 {
		msg.To = s.rcptTo
	}

	if err := s.server.config.Sink.Deliver(ctx, msg); err != nil {
		s.logger.Error("capture sink failed", "error", err)
		s.writeLine("451 Temporary failure, please try again later")
		return
	}

	s.logger.Info("message captured",
		"id", msg.ID,
		"message_id", msg.MessageID,
		"from", s.mailFrom,
		"recipients", len(s.rcptTo),
	)
	s.writeLine("250 OK captured as %s", msg.ID)
}

// resetTransaction clears the mail transaction, keeping greeting and auth.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	switch {
	case s.state >= stateAuthOK && s.server.auth.Enabled():
		s.state = stateAuthOK
	case s.state >= stateGreeted:
		s.state = stateGreeted
	}
}

func (s *Session) readLine() (string, error) {
	line, err := s.readRawLine()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readRawLine reads one line including its terminator. Each line gets a
// fresh idle deadline, so a long DATA upload is not cut off while it keeps
// making progress.
func (s *Session) readRawLine() (string, error) {
	if err := s.conn.SetDeadline(time.Now().Add(s.idleTimeout)); err != nil {
		return "", err
	}
	return s.reader.ReadString('\n')
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...any) {
	if _, err := fmt.Fprintf(s.writer, format+"\r\n", args...); err != nil {
		s.logger.Debug("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.logger.Debug("failed to flush to client", "error", err)
	}
}

// parseCommand splits a command line into the upper-cased verb and its
// argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), strings.TrimSpace(arg)
}

// pathArgument parses "FROM:<addr> params" or "TO:<addr>" with the given
// case-insensitive prefix. An empty reverse path ("<>") is allowed.
func pathArgument(arg, prefix string) (string, bool) {
	if len(arg) < len(prefix) || !strings.EqualFold(arg[:len(prefix)], prefix) {
		return "", false
	}
	return extractAddress(arg[len(prefix):])
}

// extractAddress extracts an address from an SMTP path, with or without
// angle brackets. Parameters after the path are ignored.
func extractAddress(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") {
		end := strings.IndexByte(s, '>')
		if end < 0 {
			return "", false
		}
		return s[1:end], true
	}
	addr, _, _ := strings.Cut(s, " ")
	return addr, addr != ""
}
