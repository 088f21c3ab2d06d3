package smtpclient

import (
	"bytes"
	"strconv"
)

// Stage is the ordinal position of a command in the session.
type Stage int

// Command stages, in transmission order.
const (
	StageGreeting Stage = iota - 1
	StageEHLO
	StageAuth
	StageUser
	StagePass
	StageMail
	StageRcpt
	StageData
	StageContent
	StageQuit

	// NumStages is the number of commands sent in a complete session.
	NumStages = int(StageQuit) + 1
)

var stageNames = [...]string{
	"greeting",
	"EHLO",
	"AUTH LOGIN",
	"AUTH username",
	"AUTH password",
	"MAIL FROM",
	"RCPT TO",
	"DATA",
	"message content",
	"QUIT",
}

func (s Stage) String() string {
	i := int(s) + 1
	if i < 0 || i >= len(stageNames) {
		return "stage " + strconv.Itoa(int(s))
	}
	return stageNames[i]
}

// Command is one entry of the envelope's command list. Line is sent as-is
// followed by CRLF; Content, when set, is rendered to its wire form instead.
type Command struct {
	Stage   Stage
	Line    string
	Content *Content
}

// Bytes returns the exact bytes written to the connection for this command.
func (c Command) Bytes() []byte {
	if c.Content != nil {
		var buf bytes.Buffer
		// Writes to a bytes.Buffer cannot fail.
		_ = c.Content.Render(&buf)
		return buf.Bytes()
	}
	return []byte(c.Line + "\r\n")
}
