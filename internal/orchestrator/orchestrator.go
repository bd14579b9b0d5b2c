package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harborlight/brokerd/internal/events"
	"github.com/harborlight/brokerd/internal/pipeline"
	"github.com/harborlight/brokerd/internal/scheduler"
	"go.uber.org/zap"
)

const (
	// PipelineQueue is the scheduler queue all stage jobs share.
	PipelineQueue = "pipeline"
	// stageJobType is the scheduler job type for pipeline stage work.
	stageJobType = "pipeline:stage"

	actorOrchestrator = "orchestrator"
	actorScheduler    = "scheduler"
)

// Persister stores the workflow audit trail. Satisfied by *store.Store; nil
// disables persistence.
type Persister interface {
	SaveRequest(ctx context.Context, id, state, priority string, payload []byte) error
	UpdateRequestState(ctx context.Context, id, state string, payload []byte) error
	AppendTransition(ctx context.Context, requestID, fromState, toState, actor string, enteredAt time.Time) error
	RecordFailedJob(ctx context.Context, jobID, queue, jobType, requestID, reason string, attempts int) error
}

// Options tune stage job scheduling.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Orchestrator owns the end-to-end lifecycle of workflow requests: it drives
// state transitions, enqueues one job per stage, applies stage results, and
// escalates permanent failures.
type Orchestrator struct {
	machine *pipeline.Machine
	sched   *scheduler.Scheduler
	stages  *StageRunner
	sink    events.Sink
	persist Persister
	opts    Options
	logger  *zap.Logger

	mu       sync.RWMutex
	requests map[string]*Request
}

// New wires an orchestrator and registers its stage handler on the scheduler.
func New(machine *pipeline.Machine, sched *scheduler.Scheduler, stages *StageRunner, sink events.Sink, logger *zap.Logger, opts Options) *Orchestrator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = scheduler.DefaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = scheduler.DefaultBackoffBase
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = scheduler.DefaultBackoffCap
	}
	o := &Orchestrator{
		machine:  machine,
		sched:    sched,
		stages:   stages,
		sink:     sink,
		opts:     opts,
		logger:   logger,
		requests: make(map[string]*Request),
	}
	sched.RegisterHandler(stageJobType, o.handleStageJob)
	sched.OnPermanentFailure(o.onPermanentFailure)
	return o
}

// SetPersister attaches optional persistence.
func (o *Orchestrator) SetPersister(p Persister) { o.persist = p }

// CreateRequest registers a request in CREATED and returns its identifier.
// Callers follow up with Advance to start the pipeline.
func (o *Orchestrator) CreateRequest(ctx context.Context, intake map[string]any, priority Priority) (string, error) {
	if !priority.Valid() {
		priority = PriorityNormal
	}
	req := &Request{
		ID:        "req_" + uuid.NewString(),
		Priority:  priority,
		CreatedAt: time.Now(),
		payload:   Payload{Intake: intake},
	}
	if err := o.machine.Create(req.ID, actorOrchestrator); err != nil {
		return "", err
	}

	o.mu.Lock()
	o.requests[req.ID] = req
	o.mu.Unlock()

	if o.persist != nil {
		if err := o.persist.SaveRequest(ctx, req.ID, string(pipeline.StateCreated), string(priority), req.payloadJSON()); err != nil {
			o.logger.Warn("request persistence failed", zap.String("request", req.ID), zap.Error(err))
		}
		if err := o.persist.AppendTransition(ctx, req.ID, "", string(pipeline.StateCreated), actorOrchestrator, req.CreatedAt); err != nil {
			o.logger.Warn("transition persistence failed", zap.String("request", req.ID), zap.Error(err))
		}
	}

	o.logger.Info("request created",
		zap.String("request", req.ID),
		zap.String("priority", string(priority)))
	return req.ID, nil
}

// Request returns a tracked request.
func (o *Orchestrator) Request(id string) (*Request, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	req, ok := o.requests[id]
	return req, ok
}

// CurrentState reads the request's state from the machine.
func (o *Orchestrator) CurrentState(id string) (pipeline.State, error) {
	return o.machine.CurrentState(id)
}

// History reads the request's transition history from the machine.
func (o *Orchestrator) History(id string) ([]pipeline.TransitionRecord, error) {
	return o.machine.History(id)
}

// CurrentStateDuration reports how long the request has sat in its current
// state, computed live for the still-open record.
func (o *Orchestrator) CurrentStateDuration(id string) (time.Duration, error) {
	return o.machine.CurrentStateDuration(id)
}

// RequestSummary is one row of the request listing.
type RequestSummary struct {
	ID        string         `json:"id"`
	State     pipeline.State `json:"state"`
	Priority  Priority       `json:"priority"`
	CreatedAt time.Time      `json:"created_at"`
}

// ListRequests summarizes every tracked request, terminal ones included.
func (o *Orchestrator) ListRequests() []RequestSummary {
	ids := o.machine.Requests()
	out := make([]RequestSummary, 0, len(ids))
	for _, id := range ids {
		req, ok := o.Request(id)
		if !ok {
			continue
		}
		state, err := o.machine.CurrentState(id)
		if err != nil {
			continue
		}
		out = append(out, RequestSummary{
			ID:        id,
			State:     state,
			Priority:  req.Priority,
			CreatedAt: req.CreatedAt,
		})
	}
	return out
}

// Advance is the single re-entrant driver: it moves the request into the next
// stage and enqueues that stage's job, returning without blocking on stage
// execution. It is called once after creation and again from each confirmed
// stage success.
func (o *Orchestrator) Advance(ctx context.Context, requestID string) error {
	req, ok := o.Request(requestID)
	if !ok {
		return fmt.Errorf("%w: %s", pipeline.ErrRequestNotFound, requestID)
	}

	cur, err := o.machine.CurrentState(requestID)
	if err != nil {
		return err
	}
	if pipeline.IsTerminal(cur) {
		return nil
	}
	if cur == pipeline.StateAnalyzing && len(req.PendingClarification()) > 0 {
		// Self-loop: the caller still owes fields; nothing to advance.
		return nil
	}
	return o.advanceFrom(ctx, req, cur)
}

// advanceFrom moves the request out of the completed stage into the next one
// and enqueues that stage's job. Pinning the transition to from makes
// concurrent duplicate deliveries collapse into one applied transition: the
// machine applies exactly one, and the losers see applied=false and enqueue
// nothing.
func (o *Orchestrator) advanceFrom(ctx context.Context, req *Request, from pipeline.State) error {
	next := pipeline.Next(from)
	if next == "" {
		return nil
	}
	applied, err := o.transition(ctx, req, from, next, actorOrchestrator)
	if err != nil {
		return err
	}
	if !applied {
		o.logger.Info("dropping replayed stage completion",
			zap.String("request", req.ID),
			zap.String("stage", string(from)))
		return nil
	}

	if next == pipeline.StateCompleted {
		o.emit(ctx, &events.Event{
			Type:      events.TypeRequestCompleted,
			RequestID: req.ID,
		})
		o.logger.Info("request completed", zap.String("request", req.ID))
		return nil
	}

	if err := o.enqueueStage(ctx, req, next); err != nil {
		// The state already moved; without a job behind it the request
		// would be stranded in next forever. Escalate instead.
		o.failRequest(ctx, req, next, actorOrchestrator, err)
		return err
	}
	return nil
}

// Cancel moves a request to CANCELLED from any non-terminal state. Results of
// outstanding jobs for the request are dropped on completion.
func (o *Orchestrator) Cancel(ctx context.Context, requestID, actor string) error {
	req, ok := o.Request(requestID)
	if !ok {
		return fmt.Errorf("%w: %s", pipeline.ErrRequestNotFound, requestID)
	}
	cur, err := o.machine.CurrentState(requestID)
	if err != nil {
		return err
	}
	if pipeline.IsTerminal(cur) {
		return &pipeline.InvalidTransitionError{
			RequestID: requestID, From: cur, To: pipeline.StateCancelled,
			Reason: fmt.Sprintf("%s is terminal", cur),
		}
	}
	if _, err := o.transition(ctx, req, cur, pipeline.StateCancelled, actor); err != nil {
		return err
	}
	o.emit(ctx, &events.Event{
		Type:      events.TypeRequestCancelled,
		RequestID: requestID,
		Stage:     string(cur),
	})
	o.logger.Info("request cancelled",
		zap.String("request", requestID),
		zap.String("was", string(cur)))
	return nil
}

// ProvideClarification merges the caller's answers into the intake payload
// and re-runs the analysis stage. The request stays in ANALYZING throughout.
func (o *Orchestrator) ProvideClarification(ctx context.Context, requestID string, fields map[string]any) error {
	req, ok := o.Request(requestID)
	if !ok {
		return fmt.Errorf("%w: %s", pipeline.ErrRequestNotFound, requestID)
	}
	cur, err := o.machine.CurrentState(requestID)
	if err != nil {
		return err
	}
	if cur != pipeline.StateAnalyzing {
		return fmt.Errorf("request %s is in %s, clarification only applies in %s", requestID, cur, pipeline.StateAnalyzing)
	}

	req.mu.Lock()
	if req.payload.Intake == nil {
		req.payload.Intake = make(map[string]any)
	}
	for k, v := range fields {
		req.payload.Intake[k] = v
	}
	req.pendingClarification = nil
	req.mu.Unlock()

	o.persistState(ctx, req, cur)
	return o.enqueueStage(ctx, req, pipeline.StateAnalyzing)
}

// OnJobResult is the single entry point for stage completions, called
// synchronously in the worker's execution context. The current state is
// checked first so results for cancelled or already-advanced requests are
// dropped rather than applied; the completed stage is then pinned as the
// transition's from, so a duplicate delivery racing this check cannot advance
// the request twice.
func (o *Orchestrator) OnJobResult(ctx context.Context, requestID string, stage pipeline.State) error {
	req, ok := o.Request(requestID)
	if !ok {
		return fmt.Errorf("%w: %s", pipeline.ErrRequestNotFound, requestID)
	}
	cur, err := o.machine.CurrentState(requestID)
	if err != nil {
		return err
	}
	if cur != stage {
		o.logger.Info("dropping stale stage result",
			zap.String("request", requestID),
			zap.String("stage", string(stage)),
			zap.String("current", string(cur)))
		return nil
	}

	err = o.advanceFrom(ctx, req, stage)
	var ite *pipeline.InvalidTransitionError
	if errors.As(err, &ite) {
		// A duplicate delivery advanced the request between the check
		// above and the transition; this result is stale after all.
		o.logger.Info("dropping stale stage result",
			zap.String("request", requestID),
			zap.String("stage", string(stage)),
			zap.String("reason", ite.Reason))
		return nil
	}
	return err
}

// handleStageJob runs one stage delivery. Returned errors flow into the
// scheduler's retry/backoff envelope.
func (o *Orchestrator) handleStageJob(ctx context.Context, job *scheduler.Job) error {
	var sj stageJob
	if err := json.Unmarshal(job.Payload, &sj); err != nil {
		return fmt.Errorf("decode stage job: %w", err)
	}
	stage := pipeline.State(sj.Stage)

	req, ok := o.Request(sj.RequestID)
	if !ok {
		return fmt.Errorf("%w: %s", pipeline.ErrRequestNotFound, sj.RequestID)
	}
	cur, err := o.machine.CurrentState(sj.RequestID)
	if err != nil {
		return err
	}
	if cur != stage {
		// Cancelled, failed elsewhere, or an at-least-once replay.
		o.logger.Info("skipping stage job for moved request",
			zap.String("request", sj.RequestID),
			zap.String("stage", sj.Stage),
			zap.String("current", string(cur)))
		return nil
	}

	if err := o.stages.run(ctx, req, stage); err != nil {
		return err
	}

	if stage == pipeline.StateAnalyzing {
		if missing := req.PendingClarification(); len(missing) > 0 {
			o.emit(ctx, &events.Event{
				Type:      events.TypeClarificationNeeded,
				RequestID: req.ID,
				Stage:     string(stage),
				Detail:    map[string]any{"missing_fields": missing},
			})
			o.logger.Info("request needs clarification",
				zap.String("request", req.ID),
				zap.Strings("missing", missing))
			return nil
		}
	}

	o.persistState(ctx, req, stage)
	return o.OnJobResult(ctx, req.ID, stage)
}

// onPermanentFailure drives a request to FAILED and escalates once its stage
// job has exhausted all attempts.
func (o *Orchestrator) onPermanentFailure(job *scheduler.Job, jobErr error) {
	var sj stageJob
	if err := json.Unmarshal(job.Payload, &sj); err != nil {
		o.logger.Error("undecodable failed job", zap.String("job", job.ID), zap.Error(err))
		return
	}
	ctx := context.Background()
	stage := pipeline.State(sj.Stage)

	req, ok := o.Request(sj.RequestID)
	if !ok {
		return
	}
	cur, err := o.machine.CurrentState(sj.RequestID)
	if err != nil || cur != stage {
		// Already cancelled or moved; nothing to escalate.
		return
	}

	if o.persist != nil {
		if err := o.persist.RecordFailedJob(ctx, job.ID, job.Queue, job.Type, sj.RequestID, jobErr.Error(), job.Attempts); err != nil {
			o.logger.Warn("failed-job persistence failed", zap.String("job", job.ID), zap.Error(err))
		}
	}
	o.failRequest(ctx, req, stage, actorScheduler, jobErr)
}

func (o *Orchestrator) enqueueStage(ctx context.Context, req *Request, stage pipeline.State) error {
	_, err := o.sched.Enqueue(ctx, PipelineQueue, stageJobType,
		stageJob{RequestID: req.ID, Stage: string(stage)},
		scheduler.EnqueueOptions{
			Priority:    req.Priority.Rank(),
			MaxAttempts: o.opts.MaxAttempts,
			BackoffBase: o.opts.BackoffBase,
			BackoffCap:  o.opts.BackoffCap,
		})
	if err != nil {
		return fmt.Errorf("enqueue stage %s for %s: %w", stage, req.ID, err)
	}
	return nil
}

// transition applies a machine transition and mirrors it to persistence and
// the event stream. A replayed transition reports applied=false and produces
// no side effects at all.
func (o *Orchestrator) transition(ctx context.Context, req *Request, from, to pipeline.State, actor string) (bool, error) {
	_, applied, err := o.machine.Transition(req.ID, from, to, actor)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}
	if o.persist != nil {
		now := time.Now()
		if perr := o.persist.AppendTransition(ctx, req.ID, string(from), string(to), actor, now); perr != nil {
			o.logger.Warn("transition persistence failed", zap.String("request", req.ID), zap.Error(perr))
		}
	}
	o.persistState(ctx, req, to)
	if !pipeline.IsTerminal(to) {
		o.emit(ctx, &events.Event{
			Type:      events.TypeStageEntered,
			RequestID: req.ID,
			Stage:     string(to),
		})
	}
	return true, nil
}

// failRequest drives the request to FAILED and escalates. Used for stage jobs
// whose attempts are exhausted and for internal faults such as a next-stage
// job that could not be enqueued after a confirmed transition.
func (o *Orchestrator) failRequest(ctx context.Context, req *Request, from pipeline.State, actor string, cause error) {
	if _, err := o.transition(ctx, req, from, pipeline.StateFailed, actor); err != nil {
		o.logger.Error("failure transition rejected",
			zap.String("request", req.ID), zap.Error(err))
		return
	}

	history, _ := o.machine.History(req.ID)
	o.emit(ctx, &events.Event{
		Type:      events.TypeRequestEscalated,
		RequestID: req.ID,
		Stage:     string(from),
		Detail: map[string]any{
			"failed_stage": string(from),
			"last_error":   cause.Error(),
			"history":      history,
		},
	})
	o.logger.Error("request escalated",
		zap.String("request", req.ID),
		zap.String("stage", string(from)),
		zap.Error(cause))
}

func (o *Orchestrator) persistState(ctx context.Context, req *Request, state pipeline.State) {
	if o.persist == nil {
		return
	}
	if err := o.persist.UpdateRequestState(ctx, req.ID, string(state), req.payloadJSON()); err != nil {
		o.logger.Warn("state persistence failed", zap.String("request", req.ID), zap.Error(err))
	}
}

func (o *Orchestrator) emit(ctx context.Context, ev *events.Event) {
	if o.sink == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.Timestamp = time.Now()
	if err := o.sink.Publish(ctx, ev); err != nil {
		o.logger.Warn("event publish failed",
			zap.String("type", string(ev.Type)),
			zap.String("request", ev.RequestID),
			zap.Error(err))
	}
}
