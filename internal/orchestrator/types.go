package orchestrator

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Priority classifies a request's urgency. It maps onto the scheduler's
// numeric rank, lower dispatching sooner.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank converts the priority class to a scheduler rank.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Valid reports whether p is a known class.
func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Analysis is what the intake analysis stage extracted from the raw request.
type Analysis struct {
	ClientID      string   `json:"client_id"`
	Origin        string   `json:"origin"`
	Destination   string   `json:"destination"`
	Commodity     string   `json:"commodity"`
	PickupDate    string   `json:"pickup_date"`
	MissingFields []string `json:"missing_fields,omitempty"`
}

// ClientProfile is the enrichment data fetched for the requesting client.
type ClientProfile struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
	Contact  string `json:"contact"`
	Channel  string `json:"channel"`
}

// SearchResult lists the external operators matched for the lane.
type SearchResult struct {
	Operators []string `json:"operators"`
}

// Quote is one operator's offer.
type Quote struct {
	Operator    string  `json:"operator"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	TransitDays int     `json:"transit_days"`
}

// QuoteSet is the fan-in result of the quote collection stage.
type QuoteSet struct {
	Quotes []Quote `json:"quotes"`
}

// Proposal is the generated client-facing output.
type Proposal struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Payload is the stage-tagged data a request accumulates as it moves through
// the pipeline. Each stage reads the variants before it and writes its own,
// validating at its boundary rather than trusting the raw map.
type Payload struct {
	Intake   map[string]any `json:"intake,omitempty"`
	Analysis *Analysis      `json:"analysis,omitempty"`
	Client   *ClientProfile `json:"client,omitempty"`
	Search   *SearchResult  `json:"search,omitempty"`
	Quotes   *QuoteSet      `json:"quotes,omitempty"`
	Ranked   *QuoteSet      `json:"ranked,omitempty"`
	Proposal *Proposal      `json:"proposal,omitempty"`
}

// Request is one unit of work moving through the pipeline. State lives in the
// state machine; the request carries priority, payload, and clarification
// bookkeeping. Never deleted, only terminated.
type Request struct {
	ID        string    `json:"id"`
	Priority  Priority  `json:"priority"`
	CreatedAt time.Time `json:"created_at"`

	mu                   sync.Mutex
	payload              Payload
	pendingClarification []string
}

// Snapshot returns a copy of the request's accumulated payload.
func (r *Request) Snapshot() Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payload
}

// PendingClarification returns the fields the caller still owes, if any.
func (r *Request) PendingClarification() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.pendingClarification))
	copy(out, r.pendingClarification)
	return out
}

func (r *Request) payloadJSON() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := json.Marshal(r.payload)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// stageJob is the scheduler payload for one pipeline stage of one request.
type stageJob struct {
	RequestID string `json:"request_id"`
	Stage     string `json:"stage"`
}

// decodeInto re-marshals a capability's loosely typed result into a concrete
// stage variant.
func decodeInto(out any, target any) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode capability result: %w", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decode capability result: %w", err)
	}
	return nil
}
