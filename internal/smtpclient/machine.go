package smtpclient

// EventKind identifies a terminal connection event.
type EventKind int

const (
	EventClose EventKind = iota
	EventTimeout
	EventError
)

// Event is a terminal connection event delivered to Machine.OnTerminal.
type Event struct {
	Kind EventKind
	Err  error
}

// Action tells the I/O adapter what to do after a reply: write Command (if
// Write is set) and then close the connection if Close is set.
type Action struct {
	Write   bool
	Command Command
	Close   bool
}

// Outcome is the result of one session: a message ID or an error.
type Outcome struct {
	MessageID string
	Err       error
}

// OK reports whether the session succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Machine sequences the envelope commands in lockstep with server replies.
// A command is emitted only in response to a positive or intermediate reply,
// and the session resolves exactly once.
type Machine struct {
	env       *Envelope
	next      int
	quitAcked bool

	resolved bool
	outcome  Outcome
}

// NewMachine returns a Machine positioned before the server greeting.
func NewMachine(env *Envelope) *Machine {
	return &Machine{env: env}
}

// Next returns the index of the next command to send.
func (m *Machine) Next() int {
	return m.next
}

// Pending returns the stage whose reply is outstanding; StageGreeting
// before any command was sent.
func (m *Machine) Pending() Stage {
	return Stage(m.next - 1)
}

// Resolved reports whether the session has reached a terminal outcome.
func (m *Machine) Resolved() bool {
	return m.resolved
}

// OnResponse advances the machine by one classified reply.
func (m *Machine) OnResponse(r Reply) Action {
	if m.resolved || r.Class == Incomplete {
		return Action{}
	}

	if !r.Continue() {
		m.resolve(Outcome{Err: &ProtocolError{Stage: m.Pending(), Response: r.Text()}})
		return Action{Close: true}
	}

	if m.next >= len(m.env.Commands) {
		m.quitAcked = true
		return Action{Close: true}
	}

	cmd := m.env.Commands[m.next]
	m.next++
	return Action{Write: true, Command: cmd}
}

// OnTerminal resolves the session from a terminal event. It returns the
// session outcome and whether this call resolved it; once resolved, later
// events leave the outcome unchanged.
func (m *Machine) OnTerminal(ev Event) (Outcome, bool) {
	if m.resolved {
		return m.outcome, false
	}

	switch ev.Kind {
	case EventTimeout:
		m.resolve(Outcome{Err: &TimeoutError{Stage: m.Pending()}})
	case EventError:
		m.resolve(Outcome{Err: &TransportError{Op: "session", Err: ev.Err}})
	default:
		if m.quitAcked {
			m.resolve(Outcome{MessageID: m.env.MessageID})
		} else {
			m.resolve(Outcome{Err: &PrematureCloseError{Stage: m.Pending()}})
		}
	}
	return m.outcome, true
}

func (m *Machine) resolve(o Outcome) {
	m.resolved = true
	m.outcome = o
}
