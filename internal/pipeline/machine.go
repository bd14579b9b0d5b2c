package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrRequestNotFound is returned for reads and transitions on unknown requests.
var ErrRequestNotFound = errors.New("request not found")

// InvalidTransitionError reports a rejected transition. The history is left
// untouched.
type InvalidTransitionError struct {
	RequestID string
	From      State
	To        State
	Reason    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for request %s: %s", e.From, e.To, e.RequestID, e.Reason)
}

// TransitionRecord is one entry of a request's append-only state history.
// ExitedAt is nil while the record is the request's current state.
type TransitionRecord struct {
	From      State         `json:"from,omitempty"`
	To        State         `json:"to"`
	Actor     string        `json:"actor"`
	EnteredAt time.Time     `json:"entered_at"`
	ExitedAt  *time.Time    `json:"exited_at,omitempty"`
	Duration  time.Duration `json:"duration"`
}

type requestState struct {
	mu      sync.Mutex
	history []TransitionRecord
}

// Machine tracks per-request pipeline state. Histories are mutated under a
// per-request lock so concurrent job completions cannot open two records.
type Machine struct {
	mu       sync.RWMutex
	requests map[string]*requestState
	logger   *zap.Logger
	now      func() time.Time
}

// NewMachine creates an empty state machine.
func NewMachine(logger *zap.Logger) *Machine {
	return &Machine{
		requests: make(map[string]*requestState),
		logger:   logger,
		now:      time.Now,
	}
}

// Create registers a request in CREATED with its implicit creation record.
func (m *Machine) Create(requestID, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[requestID]; ok {
		return fmt.Errorf("request %s already tracked", requestID)
	}
	m.requests[requestID] = &requestState{
		history: []TransitionRecord{{
			To:        StateCreated,
			Actor:     actor,
			EnteredAt: m.now(),
		}},
	}
	return nil
}

func (m *Machine) get(requestID string) (*requestState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs, ok := m.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	return rs, nil
}

// Transition moves a request one stage forward, or out to FAILED/CANCELLED.
// Re-entering the state the request already occupies is an idempotent no-op
// reported through the applied result, so callers can tell a fresh transition
// from a replayed one and skip their side effects for the latter. On success
// the open record is closed and a new open record appended.
func (m *Machine) Transition(requestID string, from, to State, actor string) (State, bool, error) {
	rs, err := m.get(requestID)
	if err != nil {
		return "", false, err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	current := rs.history[len(rs.history)-1].To
	if to == current {
		// At-least-once job delivery can replay a completed transition.
		return current, false, nil
	}
	if current != from {
		return "", false, &InvalidTransitionError{
			RequestID: requestID, From: from, To: to,
			Reason: fmt.Sprintf("request is in %s, not %s", current, from),
		}
	}
	if !Valid(to) {
		return "", false, &InvalidTransitionError{RequestID: requestID, From: from, To: to, Reason: "unknown target state"}
	}
	if !CanTransition(current, to) {
		reason := "stages cannot be skipped"
		if IsTerminal(current) {
			reason = fmt.Sprintf("%s is terminal", current)
		}
		return "", false, &InvalidTransitionError{RequestID: requestID, From: from, To: to, Reason: reason}
	}

	now := m.now()
	open := &rs.history[len(rs.history)-1]
	open.ExitedAt = &now
	open.Duration = now.Sub(open.EnteredAt)

	rs.history = append(rs.history, TransitionRecord{
		From:      current,
		To:        to,
		Actor:     actor,
		EnteredAt: now,
	})

	m.logger.Info("state transition",
		zap.String("request", requestID),
		zap.String("from", string(current)),
		zap.String("to", string(to)),
		zap.String("actor", actor))
	return to, true, nil
}

// CurrentState returns the request's current state.
func (m *Machine) CurrentState(requestID string) (State, error) {
	rs, err := m.get(requestID)
	if err != nil {
		return "", err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.history[len(rs.history)-1].To, nil
}

// History returns a copy of the request's transition records in order.
func (m *Machine) History(requestID string) ([]TransitionRecord, error) {
	rs, err := m.get(requestID)
	if err != nil {
		return nil, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]TransitionRecord, len(rs.history))
	copy(out, rs.history)
	return out, nil
}

// CurrentStateDuration computes how long the request has occupied its current
// state, live against the clock rather than a stored value.
func (m *Machine) CurrentStateDuration(requestID string) (time.Duration, error) {
	rs, err := m.get(requestID)
	if err != nil {
		return 0, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return m.now().Sub(rs.history[len(rs.history)-1].EnteredAt), nil
}

// Requests returns the ids of all tracked requests.
func (m *Machine) Requests() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.requests))
	for id := range m.requests {
		ids = append(ids, id)
	}
	return ids
}
