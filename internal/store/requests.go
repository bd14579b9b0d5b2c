package store

import (
	"context"
	"fmt"
	"time"
)

// TransitionRow is a persisted state-transition record.
type TransitionRow struct {
	RequestID string        `json:"request_id"`
	FromState string        `json:"from_state,omitempty"`
	ToState   string        `json:"to_state"`
	Actor     string        `json:"actor"`
	EnteredAt time.Time     `json:"entered_at"`
	ExitedAt  *time.Time    `json:"exited_at,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// SaveRequest inserts a new workflow request.
func (s *Store) SaveRequest(ctx context.Context, id, state, priority string, payload []byte) error {
	if payload == nil {
		payload = []byte("{}")
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO requests (id, state, priority, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		id, state, priority, payload,
	)
	if err != nil {
		return fmt.Errorf("save request: %w", err)
	}
	return nil
}

// UpdateRequestState mirrors the state machine's current state and payload.
func (s *Store) UpdateRequestState(ctx context.Context, id, state string, payload []byte) error {
	if payload == nil {
		payload = []byte("{}")
	}
	_, err := s.db.Exec(ctx, `
		UPDATE requests
		SET state = $2, payload = $3, updated_at = now()
		WHERE id = $1`,
		id, state, payload,
	)
	if err != nil {
		return fmt.Errorf("update request state: %w", err)
	}
	return nil
}

// AppendTransition closes the request's open transition row, if any, and
// appends a new open row for the entered state.
func (s *Store) AppendTransition(ctx context.Context, requestID, fromState, toState, actor string, enteredAt time.Time) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE state_transitions
		SET exited_at = $2,
		    duration_ms = (EXTRACT(EPOCH FROM ($2 - entered_at)) * 1000)::BIGINT
		WHERE request_id = $1 AND exited_at IS NULL`,
		requestID, enteredAt,
	)
	if err != nil {
		return fmt.Errorf("close open transition: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO state_transitions (request_id, from_state, to_state, actor, entered_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5)`,
		requestID, fromState, toState, actor, enteredAt,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return tx.Commit(ctx)
}

// ListTransitions returns a request's transition rows in entry order.
func (s *Store) ListTransitions(ctx context.Context, requestID string) ([]TransitionRow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT request_id, COALESCE(from_state, ''), to_state, actor,
		       entered_at, exited_at, COALESCE(duration_ms, 0)
		FROM state_transitions
		WHERE request_id = $1
		ORDER BY id ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []TransitionRow
	for rows.Next() {
		var r TransitionRow
		var durationMS int64
		if err := rows.Scan(&r.RequestID, &r.FromState, &r.ToState, &r.Actor, &r.EnteredAt, &r.ExitedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordFailedJob retains a permanently failed job for audit.
func (s *Store) RecordFailedJob(ctx context.Context, jobID, queue, jobType, requestID, reason string, attempts int) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO failed_jobs (job_id, queue, job_type, request_id, reason, attempts)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)`,
		jobID, queue, jobType, requestID, reason, attempts,
	)
	if err != nil {
		return fmt.Errorf("record failed job: %w", err)
	}
	return nil
}
