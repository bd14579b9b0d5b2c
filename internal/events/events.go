package events

import (
	"context"
	"sync"
	"time"
)

// Type classifies pipeline events.
type Type string

const (
	TypeStageEntered        Type = "stage_entered"
	TypeClarificationNeeded Type = "clarification_needed"
	TypeRequestEscalated    Type = "request_escalated"
	TypeRequestCompleted    Type = "request_completed"
	TypeRequestCancelled    Type = "request_cancelled"
)

// Event is one pipeline occurrence published to external collaborators, most
// importantly escalations consumed by error monitoring.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	RequestID string         `json:"request_id"`
	Stage     string         `json:"stage,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink receives published events.
type Sink interface {
	Publish(ctx context.Context, ev *Event) error
}

// MemorySink records events in memory. Used by tests and as the fallback when
// Redis is not configured.
type MemorySink struct {
	mu     sync.Mutex
	events []*Event
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Publish(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Events returns a copy of everything published so far.
func (s *MemorySink) Events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByType filters recorded events.
func (s *MemorySink) ByType(t Type) []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
