package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harborlight/brokerd/internal/capability"
	"github.com/harborlight/brokerd/internal/events"
	"github.com/harborlight/brokerd/internal/pipeline"
	"github.com/harborlight/brokerd/internal/scheduler"
	"go.uber.org/zap"
)

type harness struct {
	orch     *Orchestrator
	machine  *pipeline.Machine
	registry *capability.Registry
	sched    *scheduler.Scheduler
	sink     *events.MemorySink
}

func anySchema() map[string]any { return map[string]any{"type": "object"} }

func newHarness(t *testing.T) *harness {
	return newHarnessBroker(t, scheduler.NewMemoryBroker(), 2)
}

// newIdleHarness wires everything but starts no workers, so enqueued jobs
// stay visible in the broker.
func newIdleHarness(t *testing.T) *harness {
	return newHarnessBroker(t, scheduler.NewMemoryBroker(), 0)
}

func newHarnessBroker(t *testing.T, broker scheduler.Broker, workers int) *harness {
	t.Helper()
	logger := zap.NewNop()
	registry := capability.NewRegistry(logger,
		capability.WithRetryDelays(time.Millisecond, 5*time.Millisecond))
	machine := pipeline.NewMachine(logger)
	sched := scheduler.New(broker, logger)
	sink := events.NewMemorySink()

	orch := New(machine, sched, NewStageRunner(registry, logger), sink, logger, Options{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	})

	if workers > 0 {
		sched.StartQueue(PipelineQueue, workers)
	}
	t.Cleanup(sched.Stop)

	return &harness{orch: orch, machine: machine, registry: registry, sched: sched, sink: sink}
}

func stageHandlers() map[string]capability.Handler {
	return map[string]capability.Handler{
		CapAnalyzeRequest: func(ctx context.Context, params map[string]any) (any, error) {
			intake, _ := params["intake"].(map[string]any)
			analysis := map[string]any{"commodity": "general freight"}
			var missing []string
			for _, field := range []string{"client_id", "origin", "destination"} {
				if v, ok := intake[field].(string); ok && v != "" {
					analysis[field] = v
				} else {
					missing = append(missing, field)
				}
			}
			analysis["missing_fields"] = missing
			return analysis, nil
		},
		CapFetchClientData: func(ctx context.Context, params map[string]any) (any, error) {
			return map[string]any{
				"client_id": params["client_id"],
				"name":      "Acme Logistics",
				"contact":   "ops@acme.example",
				"channel":   "C-ACME",
			}, nil
		},
		CapSearch: func(ctx context.Context, params map[string]any) (any, error) {
			return map[string]any{"operators": []string{"alpha", "beta"}}, nil
		},
		CapCollectQuotes: func(ctx context.Context, params map[string]any) (any, error) {
			return map[string]any{"quotes": []map[string]any{
				{"operator": "alpha", "amount": 1450.0, "currency": "USD", "transit_days": 3},
				{"operator": "beta", "amount": 1200.0, "currency": "USD", "transit_days": 5},
			}}, nil
		},
		CapRankQuotes: func(ctx context.Context, params map[string]any) (any, error) {
			return map[string]any{"quotes": []map[string]any{
				{"operator": "beta", "amount": 1200.0, "currency": "USD", "transit_days": 5},
				{"operator": "alpha", "amount": 1450.0, "currency": "USD", "transit_days": 3},
			}}, nil
		},
		CapGenerateProposal: func(ctx context.Context, params map[string]any) (any, error) {
			return map[string]any{"subject": "Quote options", "body": "2 options attached"}, nil
		},
		CapDeliverProposal: func(ctx context.Context, params map[string]any) (any, error) {
			return map[string]any{"status": "sent"}, nil
		},
	}
}

// registerStages installs working fakes for every pipeline capability,
// replacing any named in overrides.
func (h *harness) registerStages(t *testing.T, overrides map[string]capability.Handler) {
	t.Helper()
	handlers := stageHandlers()
	for name, fn := range overrides {
		handlers[name] = fn
	}
	for name, fn := range handlers {
		h.registry.MustRegister(capability.Definition{
			Name:    name,
			Schema:  anySchema(),
			Handler: fn,
		})
	}
}

func fullIntake() map[string]any {
	return map[string]any{
		"client_id":   "acme",
		"origin":      "Oakland, CA",
		"destination": "Denver, CO",
	}
}

func (h *harness) waitForState(t *testing.T, id string, want pipeline.State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		state, err := h.machine.CurrentState(id)
		if err != nil {
			t.Fatalf("current state: %v", err)
		}
		if state == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	state, _ := h.machine.CurrentState(id)
	t.Fatalf("request %s stuck in %s, want %s", id, state, want)
}

func TestEndToEndPipeline(t *testing.T) {
	h := newHarness(t)
	h.registerStages(t, nil)
	ctx := context.Background()

	id, err := h.orch.CreateRequest(ctx, fullIntake(), PriorityHigh)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.orch.Advance(ctx, id); err != nil {
		t.Fatalf("advance: %v", err)
	}

	h.waitForState(t, id, pipeline.StateCompleted)

	hist, err := h.orch.History(id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	// Implicit creation record plus eight stage transitions.
	if len(hist) != 9 {
		t.Fatalf("history length = %d, want 9", len(hist))
	}
	closed := 0
	for _, rec := range hist {
		if rec.ExitedAt != nil {
			closed++
			if rec.Duration < 0 {
				t.Fatalf("record %s has negative duration", rec.To)
			}
		}
	}
	if closed != 8 {
		t.Fatalf("closed records = %d, want 8", closed)
	}

	req, ok := h.orch.Request(id)
	if !ok {
		t.Fatal("request not tracked")
	}
	payload := req.Snapshot()
	if payload.Proposal == nil || payload.Ranked == nil || payload.Client == nil {
		t.Fatalf("payload missing accumulated stage data: %+v", payload)
	}
	if got := len(h.sink.ByType(events.TypeRequestCompleted)); got != 1 {
		t.Fatalf("completed events = %d, want 1", got)
	}
}

func TestEscalationAfterExhaustedRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.registerStages(t, map[string]capability.Handler{
		CapSearch: func(ctx context.Context, params map[string]any) (any, error) {
			return nil, errors.New("operator directory unreachable")
		},
	})

	id, _ := h.orch.CreateRequest(ctx, fullIntake(), PriorityNormal)
	if err := h.orch.Advance(ctx, id); err != nil {
		t.Fatalf("advance: %v", err)
	}

	h.waitForState(t, id, pipeline.StateFailed)

	escalations := h.sink.ByType(events.TypeRequestEscalated)
	if len(escalations) != 1 {
		t.Fatalf("escalation events = %d, want exactly 1", len(escalations))
	}
	ev := escalations[0]
	if ev.Detail["failed_stage"] != string(pipeline.StateSearching) {
		t.Fatalf("failed_stage = %v, want %s", ev.Detail["failed_stage"], pipeline.StateSearching)
	}
	if ev.Detail["last_error"] == nil || ev.Detail["last_error"] == "" {
		t.Fatal("escalation missing last_error")
	}
	if ev.Detail["history"] == nil {
		t.Fatal("escalation missing history")
	}

	failed, err := h.sched.FailedJobs(ctx, PipelineQueue)
	if err != nil {
		t.Fatalf("failed jobs: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("failed set = %d jobs, want 1", len(failed))
	}
}

func TestCancellationDropsStageResults(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	release := make(chan struct{})
	h.registerStages(t, map[string]capability.Handler{
		CapSearch: func(ctx context.Context, params map[string]any) (any, error) {
			<-release
			return map[string]any{"operators": []string{"alpha"}}, nil
		},
	})

	id, _ := h.orch.CreateRequest(ctx, fullIntake(), PriorityUrgent)
	if err := h.orch.Advance(ctx, id); err != nil {
		t.Fatalf("advance: %v", err)
	}
	h.waitForState(t, id, pipeline.StateSearching)

	if err := h.orch.Cancel(ctx, id, "user"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(release)

	// Give the in-flight stage time to finish and report its result.
	time.Sleep(100 * time.Millisecond)

	state, err := h.orch.CurrentState(id)
	if err != nil {
		t.Fatalf("current state: %v", err)
	}
	if state != pipeline.StateCancelled {
		t.Fatalf("state = %s, want %s", state, pipeline.StateCancelled)
	}
	if got := len(h.sink.ByType(events.TypeRequestCancelled)); got != 1 {
		t.Fatalf("cancelled events = %d, want 1", got)
	}
}

func TestClarificationSelfLoop(t *testing.T) {
	h := newHarness(t)
	h.registerStages(t, nil)
	ctx := context.Background()

	intake := map[string]any{"client_id": "acme", "origin": "Oakland, CA"}
	id, _ := h.orch.CreateRequest(ctx, intake, PriorityNormal)
	if err := h.orch.Advance(ctx, id); err != nil {
		t.Fatalf("advance: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(h.sink.ByType(events.TypeClarificationNeeded)) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(h.sink.ByType(events.TypeClarificationNeeded)); got == 0 {
		t.Fatal("no clarification event emitted")
	}

	state, _ := h.orch.CurrentState(id)
	if state != pipeline.StateAnalyzing {
		t.Fatalf("state = %s, want %s", state, pipeline.StateAnalyzing)
	}
	req, _ := h.orch.Request(id)
	if len(req.PendingClarification()) == 0 {
		t.Fatal("no pending clarification recorded")
	}

	// Advance must not move a parked request.
	if err := h.orch.Advance(ctx, id); err != nil {
		t.Fatalf("advance while parked: %v", err)
	}
	state, _ = h.orch.CurrentState(id)
	if state != pipeline.StateAnalyzing {
		t.Fatalf("advance moved a parked request to %s", state)
	}

	if err := h.orch.ProvideClarification(ctx, id, map[string]any{"destination": "Denver, CO"}); err != nil {
		t.Fatalf("provide clarification: %v", err)
	}
	h.waitForState(t, id, pipeline.StateCompleted)
}

func TestDuplicateCompletionEnqueuesOneJob(t *testing.T) {
	ctx := context.Background()

	// At-least-once delivery can hand the same completion to two workers at
	// once; only one of them may move the request and enqueue the next stage.
	for trial := 0; trial < 25; trial++ {
		h := newIdleHarness(t)
		h.registerStages(t, nil)

		id, err := h.orch.CreateRequest(ctx, fullIntake(), PriorityNormal)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := h.orch.Advance(ctx, id); err != nil {
			t.Fatalf("advance: %v", err)
		}
		before, err := h.sched.Stats(ctx, PipelineQueue)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = h.orch.OnJobResult(ctx, id, pipeline.StateAnalyzing)
			}(i)
		}
		wg.Wait()
		for i, err := range errs {
			if err != nil {
				t.Fatalf("trial %d delivery %d: %v", trial, i, err)
			}
		}

		state, _ := h.orch.CurrentState(id)
		if state != pipeline.StateFetchingClient {
			t.Fatalf("trial %d: state = %s, want %s", trial, state, pipeline.StateFetchingClient)
		}
		after, err := h.sched.Stats(ctx, PipelineQueue)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if got := after.Waiting - before.Waiting; got != 1 {
			t.Fatalf("trial %d: duplicate completion enqueued %d next-stage jobs, want 1", trial, got)
		}
		hist, _ := h.orch.History(id)
		if len(hist) != 3 {
			t.Fatalf("trial %d: history length = %d, want 3", trial, len(hist))
		}
	}
}

// unreliableBroker fails Enqueue on demand to model a broker outage.
type unreliableBroker struct {
	*scheduler.MemoryBroker
	fail bool
}

func (b *unreliableBroker) Enqueue(ctx context.Context, job *scheduler.Job) error {
	if b.fail {
		return errors.New("broker unavailable")
	}
	return b.MemoryBroker.Enqueue(ctx, job)
}

func TestEnqueueFailureEscalatesInsteadOfStranding(t *testing.T) {
	broker := &unreliableBroker{MemoryBroker: scheduler.NewMemoryBroker()}
	h := newHarnessBroker(t, broker, 0)
	h.registerStages(t, nil)
	ctx := context.Background()

	id, err := h.orch.CreateRequest(ctx, fullIntake(), PriorityNormal)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	broker.fail = true
	if err := h.orch.Advance(ctx, id); err == nil {
		t.Fatal("advance succeeded with a failing broker")
	}

	// The transition already happened, so the request must not sit in
	// ANALYZING with no job behind it.
	state, _ := h.orch.CurrentState(id)
	if state != pipeline.StateFailed {
		t.Fatalf("state = %s, want %s", state, pipeline.StateFailed)
	}
	escalations := h.sink.ByType(events.TypeRequestEscalated)
	if len(escalations) != 1 {
		t.Fatalf("escalation events = %d, want 1", len(escalations))
	}
	if escalations[0].Detail["failed_stage"] != string(pipeline.StateAnalyzing) {
		t.Fatalf("failed_stage = %v, want %s", escalations[0].Detail["failed_stage"], pipeline.StateAnalyzing)
	}
	if escalations[0].Detail["last_error"] == nil {
		t.Fatal("escalation missing last_error")
	}
}

func TestOnJobResultDropsStaleStage(t *testing.T) {
	h := newHarness(t)
	h.registerStages(t, nil)
	ctx := context.Background()

	id, _ := h.orch.CreateRequest(ctx, fullIntake(), PriorityNormal)
	if err := h.orch.Advance(ctx, id); err != nil {
		t.Fatalf("advance: %v", err)
	}
	h.waitForState(t, id, pipeline.StateCompleted)

	histBefore, _ := h.orch.History(id)
	// A replayed completion for a long-gone stage must be a no-op.
	if err := h.orch.OnJobResult(ctx, id, pipeline.StateSearching); err != nil {
		t.Fatalf("stale result: %v", err)
	}
	histAfter, _ := h.orch.History(id)
	if len(histAfter) != len(histBefore) {
		t.Fatal("stale stage result mutated history")
	}
}

func TestCreateRequestDefaultsPriority(t *testing.T) {
	h := newHarness(t)
	h.registerStages(t, nil)

	id, err := h.orch.CreateRequest(context.Background(), fullIntake(), Priority("bogus"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	req, ok := h.orch.Request(id)
	if !ok {
		t.Fatal("request not tracked")
	}
	if req.Priority != PriorityNormal {
		t.Fatalf("priority = %s, want %s", req.Priority, PriorityNormal)
	}
}

func TestPriorityRanks(t *testing.T) {
	cases := map[Priority]int{
		PriorityUrgent: 0,
		PriorityHigh:   1,
		PriorityNormal: 2,
		PriorityLow:    3,
	}
	for p, want := range cases {
		if got := p.Rank(); got != want {
			t.Fatalf("%s rank = %d, want %d", p, got, want)
		}
	}
}
