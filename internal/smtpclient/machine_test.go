package smtpclient

import (
	"errors"
	"testing"
	"time"
)

func positive(code int) Reply {
	return Reply{Code: code, Class: classify(code), Lines: []string{"reply"}}
}

func testEnvelope(t *testing.T) *Envelope {
	t.Helper()
	env, err := BuildEnvelope(testRequest(), testConfig(), time.UnixMilli(1700000000000))
	if err != nil {
		t.Fatalf("BuildEnvelope: %v", err)
	}
	return env
}

// happyReplies is the greeting followed by the replies to all nine commands.
var happyReplies = []int{220, 250, 334, 334, 235, 250, 250, 354, 250, 221}

func TestMachine_HappyPath(t *testing.T) {
	t.Parallel()

	env := testEnvelope(t)
	m := NewMachine(env)

	var sent []Stage
	for i, code := range happyReplies {
		action := m.OnResponse(positive(code))
		if action.Write {
			sent = append(sent, action.Command.Stage)
		}
		last := i == len(happyReplies)-1
		if action.Close != last {
			t.Fatalf("reply %d (%d): Close=%v", i, code, action.Close)
		}
	}

	if len(sent) != NumStages {
		t.Fatalf("sent %d commands, want %d", len(sent), NumStages)
	}
	for i, s := range sent {
		if int(s) != i {
			t.Errorf("command %d: got stage %v", i, s)
		}
	}

	out, resolved := m.OnTerminal(Event{Kind: EventClose})
	if !resolved {
		t.Fatal("close should resolve the session")
	}
	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if out.MessageID != env.MessageID {
		t.Errorf("MessageID: got %q, want %q", out.MessageID, env.MessageID)
	}
}

func TestMachine_CommandsMatchPositiveReplies(t *testing.T) {
	t.Parallel()

	for k := 0; k <= len(happyReplies); k++ {
		m := NewMachine(testEnvelope(t))

		writes := 0
		for _, code := range happyReplies[:k] {
			if m.OnResponse(positive(code)).Write {
				writes++
			}
		}

		want := k
		if want > NumStages {
			want = NumStages
		}
		if writes != want {
			t.Errorf("after %d positive replies: %d writes, want %d", k, writes, want)
		}
		if m.Next() != want {
			t.Errorf("after %d positive replies: next=%d, want %d", k, m.Next(), want)
		}
	}
}

func TestMachine_NegativeAtEveryStage(t *testing.T) {
	t.Parallel()

	// A negative reply at position k of happyReplies answers stage k-1.
	for k := 0; k < len(happyReplies); k++ {
		m := NewMachine(testEnvelope(t))
		for _, code := range happyReplies[:k] {
			m.OnResponse(positive(code))
		}
		sentBefore := m.Next()

		action := m.OnResponse(Reply{Code: 554, Class: Negative, Lines: []string{"554 no"}})
		if action.Write {
			t.Errorf("k=%d: negative reply must not emit a command", k)
		}
		if !action.Close {
			t.Errorf("k=%d: negative reply must close the connection", k)
		}
		if m.Next() != sentBefore {
			t.Errorf("k=%d: stage pointer moved from %d to %d", k, sentBefore, m.Next())
		}

		// Further replies are ignored once resolved.
		if m.OnResponse(positive(250)).Write {
			t.Errorf("k=%d: command emitted after resolution", k)
		}

		out, resolved := m.OnTerminal(Event{Kind: EventClose})
		if resolved {
			t.Errorf("k=%d: close after protocol error must not resolve again", k)
		}
		var protoErr *ProtocolError
		if !errors.As(out.Err, &protoErr) {
			t.Fatalf("k=%d: got %v, want ProtocolError", k, out.Err)
		}
		if protoErr.Stage != Stage(k-1) {
			t.Errorf("k=%d: Stage got %v, want %v", k, protoErr.Stage, Stage(k-1))
		}
		if protoErr.Response != "554 no" {
			t.Errorf("k=%d: Response got %q", k, protoErr.Response)
		}
	}
}

func TestMachine_RelayDeniedAtRcpt(t *testing.T) {
	t.Parallel()

	m := NewMachine(testEnvelope(t))
	for _, code := range []int{220, 250, 334, 334, 235, 250} {
		m.OnResponse(positive(code))
	}
	m.OnResponse(Reply{Code: 550, Class: Negative, Lines: []string{"550 Relay denied"}})

	out, _ := m.OnTerminal(Event{Kind: EventClose})
	var protoErr *ProtocolError
	if !errors.As(out.Err, &protoErr) {
		t.Fatalf("got %v, want ProtocolError", out.Err)
	}
	if protoErr.Stage != StageRcpt || int(protoErr.Stage) != 5 {
		t.Errorf("Stage: got %d, want 5", protoErr.Stage)
	}
	if protoErr.Response != "550 Relay denied" {
		t.Errorf("Response: got %q", protoErr.Response)
	}
}

func TestMachine_PrematureClose(t *testing.T) {
	t.Parallel()

	m := NewMachine(testEnvelope(t))
	// Everything up to and including the content acknowledgement; QUIT is
	// sent but never acknowledged.
	for _, code := range happyReplies[:len(happyReplies)-1] {
		m.OnResponse(positive(code))
	}

	out, resolved := m.OnTerminal(Event{Kind: EventClose})
	if !resolved {
		t.Fatal("close should resolve the session")
	}
	var closeErr *PrematureCloseError
	if !errors.As(out.Err, &closeErr) {
		t.Fatalf("got %v, want PrematureCloseError", out.Err)
	}
	if closeErr.Stage != StageQuit || int(closeErr.Stage) != 8 {
		t.Errorf("Stage: got %d, want 8", closeErr.Stage)
	}
}

func TestMachine_CloseBeforeGreeting(t *testing.T) {
	t.Parallel()

	m := NewMachine(testEnvelope(t))
	out, _ := m.OnTerminal(Event{Kind: EventClose})

	var closeErr *PrematureCloseError
	if !errors.As(out.Err, &closeErr) {
		t.Fatalf("got %v, want PrematureCloseError", out.Err)
	}
	if closeErr.Stage != StageGreeting {
		t.Errorf("Stage: got %v, want greeting", closeErr.Stage)
	}
}

func TestMachine_TerminalEvents(t *testing.T) {
	t.Parallel()

	ioErr := errors.New("boom")
	tests := []struct {
		name  string
		event Event
		kind  string
	}{
		{name: "timeout", event: Event{Kind: EventTimeout}, kind: "timeout"},
		{name: "transport", event: Event{Kind: EventError, Err: ioErr}, kind: "transport"},
		{name: "close", event: Event{Kind: EventClose}, kind: "premature_close"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := NewMachine(testEnvelope(t))
			m.OnResponse(positive(220))

			out, resolved := m.OnTerminal(tt.event)
			if !resolved {
				t.Fatal("first terminal event should resolve")
			}
			if got := ErrorKind(out.Err); got != tt.kind {
				t.Errorf("ErrorKind: got %q, want %q (%v)", got, tt.kind, out.Err)
			}
			if tt.event.Kind == EventTimeout {
				var timeoutErr *TimeoutError
				if !errors.As(out.Err, &timeoutErr) || timeoutErr.Stage != StageEHLO {
					t.Errorf("timeout error: got %v", out.Err)
				}
			}
			if tt.event.Kind == EventError && !errors.Is(out.Err, ioErr) {
				t.Errorf("transport error should wrap cause, got %v", out.Err)
			}
		})
	}
}

func TestMachine_ResolvesOnce(t *testing.T) {
	t.Parallel()

	m := NewMachine(testEnvelope(t))
	for _, code := range happyReplies {
		m.OnResponse(positive(code))
	}

	first, resolved := m.OnTerminal(Event{Kind: EventClose})
	if !resolved || first.Err != nil {
		t.Fatalf("first close: resolved=%v err=%v", resolved, first.Err)
	}

	for _, ev := range []Event{{Kind: EventClose}, {Kind: EventTimeout}, {Kind: EventError, Err: errors.New("late")}} {
		again, resolved := m.OnTerminal(ev)
		if resolved {
			t.Errorf("event %v resolved an already resolved session", ev.Kind)
		}
		if again != first {
			t.Errorf("outcome changed: got %+v, want %+v", again, first)
		}
	}
}

func TestMachine_IgnoresIncomplete(t *testing.T) {
	t.Parallel()

	m := NewMachine(testEnvelope(t))
	if action := m.OnResponse(Reply{Class: Incomplete}); action.Write || action.Close {
		t.Errorf("incomplete reply produced action %+v", action)
	}
	if m.Next() != 0 {
		t.Errorf("Next: got %d, want 0", m.Next())
	}
}
