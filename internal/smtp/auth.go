// Package smtp implements the local capture server: a small SMTP server
// that accepts messages (optionally over implicit TLS and with AUTH) and
// hands them to a Sink instead of relaying them.
package smtp

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

var (
	// ErrAuthFailed is returned for wrong credentials.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrAuthMalformed is returned when a client response cannot be decoded.
	ErrAuthMalformed = errors.New("malformed authentication response")
)

// Authenticator verifies SMTP AUTH credentials against one configured pair.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator. If username or password is
// empty, authentication is disabled.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{username: username, password: password}
}

// Enabled returns true if authentication credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// VerifyPlain checks an AUTH PLAIN response: base64("authzid\0user\0pass").
// The authorization identity is ignored.
func (a *Authenticator) VerifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ErrAuthMalformed
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return ErrAuthMalformed
	}
	return a.check(parts[1], parts[2])
}

// VerifyLogin checks the two base64 responses of an AUTH LOGIN exchange.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return ErrAuthMalformed
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return ErrAuthMalformed
	}
	return a.check(string(user), string(pass))
}

func (a *Authenticator) check(user, pass string) error {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(a.password)) == 1
	if !userOK || !passOK {
		return ErrAuthFailed
	}
	return nil
}
