package client

import (
	"errors"
	"testing"
	"time"

	"github.com/dan-strohschein/cql-driver/protocol"
)

func TestConnectionStateString(t *testing.T) {
	tests := []struct {
		state    ConnectionState
		expected string
	}{
		{CONNECTING, "CONNECTING"},
		{READY, "READY"},
		{DRAINING, "DRAINING"},
		{CLOSED, "CLOSED"},
		{ConnectionState(42), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestNewStateManager(t *testing.T) {
	sm := NewStateManager()

	if sm.GetState() != CONNECTING {
		t.Errorf("expected initial state CONNECTING, got %s", sm.GetState())
	}
}

func TestLegalStateTransitions(t *testing.T) {
	tests := []struct {
		name     string
		path     []ConnectionState
		to       ConnectionState
		shouldOK bool
	}{
		{"CONNECTING to READY", nil, READY, true},
		{"CONNECTING to CLOSED", nil, CLOSED, true},
		{"READY to DRAINING", []ConnectionState{READY}, DRAINING, true},
		{"READY to CLOSED", []ConnectionState{READY}, CLOSED, true},
		{"DRAINING to CLOSED", []ConnectionState{READY, DRAINING}, CLOSED, true},
		// Illegal transitions
		{"CONNECTING to DRAINING", nil, DRAINING, false},
		{"CONNECTING to CONNECTING", nil, CONNECTING, false},
		{"READY to CONNECTING", []ConnectionState{READY}, CONNECTING, false},
		{"DRAINING to READY", []ConnectionState{READY, DRAINING}, READY, false},
		{"CLOSED to READY", []ConnectionState{CLOSED}, READY, false},
		{"CLOSED to CLOSED", []ConnectionState{CLOSED}, CLOSED, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateManager()
			for _, s := range tt.path {
				if err := sm.TransitionTo(s, nil, nil); err != nil {
					t.Fatalf("setup transition to %s failed: %v", s, err)
				}
			}

			err := sm.TransitionTo(tt.to, nil, nil)

			if tt.shouldOK && err != nil {
				t.Errorf("expected legal transition, got error: %v", err)
			}
			if !tt.shouldOK && err == nil {
				t.Errorf("expected illegal transition error, got none")
			}
		})
	}
}

func TestStateChangeHandlers(t *testing.T) {
	sm := NewStateManager()

	var captured []StateTransition
	sm.OnStateChange(func(transition StateTransition) {
		captured = append(captured, transition)
	})

	err := sm.TransitionTo(READY, nil, map[string]interface{}{
		"reason": "handshake",
	})
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	if len(captured) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(captured))
	}

	trans := captured[0]
	if trans.From != CONNECTING {
		t.Errorf("expected From=CONNECTING, got %s", trans.From)
	}
	if trans.To != READY {
		t.Errorf("expected To=READY, got %s", trans.To)
	}
	if reason, ok := trans.Metadata["reason"].(string); !ok || reason != "handshake" {
		t.Errorf("expected metadata reason='handshake', got %v", trans.Metadata["reason"])
	}
}

func TestHandlerMayReadState(t *testing.T) {
	sm := NewStateManager()

	var seen ConnectionState
	sm.OnStateChange(func(StateTransition) {
		seen = sm.GetState()
	})

	_ = sm.TransitionTo(READY, nil, nil)
	if seen != READY {
		t.Errorf("expected handler to observe READY, got %s", seen)
	}
}

func TestTransitionDuration(t *testing.T) {
	sm := NewStateManager()

	var duration time.Duration
	sm.OnStateChange(func(transition StateTransition) {
		duration = transition.Duration
	})

	time.Sleep(10 * time.Millisecond)
	_ = sm.TransitionTo(READY, nil, nil)

	if duration < 10*time.Millisecond {
		t.Errorf("expected duration >= 10ms, got %v", duration)
	}
}

func TestTransitionWithError(t *testing.T) {
	sm := NewStateManager()

	var capturedError error
	sm.OnStateChange(func(transition StateTransition) {
		capturedError = transition.Error
	})

	testErr := protocol.WrapError(protocol.KindConnectionClosed, "reset", errors.New("EOF"))
	_ = sm.TransitionTo(CLOSED, testErr, nil)

	if !errors.Is(capturedError, protocol.ErrConnectionClosed) {
		t.Errorf("expected connection closed error, got %v", capturedError)
	}
}
