package client

import (
	"fmt"
	"sync"
	"time"
)

// ConnectionState represents the lifecycle state of one Connection.
type ConnectionState int

const (
	// CONNECTING indicates the transport is up and the handshake is running.
	CONNECTING ConnectionState = iota
	// READY indicates the connection accepts requests.
	READY
	// DRAINING indicates no new requests are accepted while in-flight ones finish.
	DRAINING
	// CLOSED is terminal.
	CLOSED
)

// String returns the string representation of the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case CONNECTING:
		return "CONNECTING"
	case READY:
		return "READY"
	case DRAINING:
		return "DRAINING"
	case CLOSED:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// StateTransition represents a change in connection state with enriched context.
//
// Standard Metadata Keys:
//   - reason: string - "handshake" | "drain" | "error" | "shutdown"
//   - host: string - host:port of the peer
type StateTransition struct {
	// From is the previous state.
	From ConnectionState

	// To is the new current state.
	To ConnectionState

	// Timestamp is when the transition occurred.
	Timestamp time.Time

	// Error is the error that caused the transition (if any).
	Error error

	// Duration is how long the previous state was held.
	Duration time.Duration

	// Metadata contains additional context about the transition.
	Metadata map[string]interface{}
}

// StateChangeHandler is called when the connection state changes.
type StateChangeHandler func(transition StateTransition)

// StateManager manages connection state transitions and event handlers.
type StateManager struct {
	current        ConnectionState
	lastTransition time.Time
	handlers       []StateChangeHandler
	mu             sync.RWMutex
}

// NewStateManager creates a new state manager in CONNECTING state.
func NewStateManager() *StateManager {
	return &StateManager{
		current:        CONNECTING,
		lastTransition: time.Now(),
		handlers:       make([]StateChangeHandler, 0),
	}
}

// TransitionTo attempts to transition to a new state.
// Returns error if the transition is illegal.
//
// Legal transitions:
//   - CONNECTING → READY
//   - CONNECTING → CLOSED (handshake failure)
//   - READY → DRAINING
//   - READY → CLOSED (transport or protocol failure)
//   - DRAINING → CLOSED
func (sm *StateManager) TransitionTo(newState ConnectionState, err error, metadata map[string]interface{}) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.isLegalTransition(sm.current, newState) {
		return fmt.Errorf("illegal state transition: %s → %s", sm.current, newState)
	}

	now := time.Now()
	transition := StateTransition{
		From:      sm.current,
		To:        newState,
		Timestamp: now,
		Error:     err,
		Duration:  now.Sub(sm.lastTransition),
		Metadata:  metadata,
	}

	sm.current = newState
	sm.lastTransition = now

	// Notify handlers (call without lock to prevent deadlocks)
	handlers := make([]StateChangeHandler, len(sm.handlers))
	copy(handlers, sm.handlers)

	sm.mu.Unlock()
	for _, handler := range handlers {
		handler(transition)
	}
	sm.mu.Lock()

	return nil
}

// isLegalTransition checks if a state transition is allowed.
func (sm *StateManager) isLegalTransition(from, to ConnectionState) bool {
	switch from {
	case CONNECTING:
		return to == READY || to == CLOSED
	case READY:
		return to == DRAINING || to == CLOSED
	case DRAINING:
		return to == CLOSED
	default:
		return false
	}
}

// OnStateChange registers a handler to be called on state transitions.
func (sm *StateManager) OnStateChange(handler StateChangeHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.handlers = append(sm.handlers, handler)
}

// GetState returns the current connection state (thread-safe).
func (sm *StateManager) GetState() ConnectionState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Since returns how long the current state has been held.
func (sm *StateManager) Since() time.Duration {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return time.Since(sm.lastTransition)
}
