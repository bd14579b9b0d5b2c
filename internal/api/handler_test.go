package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harborlight/brokerd/internal/capability"
	"github.com/harborlight/brokerd/internal/events"
	"github.com/harborlight/brokerd/internal/orchestrator"
	"github.com/harborlight/brokerd/internal/pipeline"
	"github.com/harborlight/brokerd/internal/scheduler"
	"go.uber.org/zap"
)

// newTestHandler wires a Handler over in-memory deps with fake stage
// capabilities that complete instantly.
func newTestHandler(t *testing.T) (*Handler, http.Handler) {
	t.Helper()
	logger := zap.NewNop()

	registry := capability.NewRegistry(logger,
		capability.WithRetryDelays(time.Millisecond, 5*time.Millisecond))
	for _, name := range []string{
		orchestrator.CapAnalyzeRequest,
		orchestrator.CapFetchClientData,
		orchestrator.CapSearch,
		orchestrator.CapCollectQuotes,
		orchestrator.CapRankQuotes,
		orchestrator.CapGenerateProposal,
		orchestrator.CapDeliverProposal,
	} {
		stage := name
		registry.MustRegister(capability.Definition{
			Name:   stage,
			Schema: map[string]any{"type": "object"},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				switch stage {
				case orchestrator.CapAnalyzeRequest:
					return map[string]any{
						"client_id":   "acme",
						"origin":      "Oakland, CA",
						"destination": "Denver, CO",
					}, nil
				case orchestrator.CapFetchClientData:
					return map[string]any{"client_id": "acme", "name": "Acme", "channel": "C1"}, nil
				case orchestrator.CapSearch:
					return map[string]any{"operators": []string{"alpha"}}, nil
				case orchestrator.CapCollectQuotes, orchestrator.CapRankQuotes:
					return map[string]any{"quotes": []map[string]any{
						{"operator": "alpha", "amount": 100.0, "currency": "USD", "transit_days": 2},
					}}, nil
				case orchestrator.CapGenerateProposal:
					return map[string]any{"subject": "Quote", "body": "1 option"}, nil
				default:
					return map[string]any{"status": "sent"}, nil
				}
			},
		})
	}

	machine := pipeline.NewMachine(logger)
	sched := scheduler.New(scheduler.NewMemoryBroker(), logger)
	sink := events.NewMemorySink()
	orch := orchestrator.New(machine, sched, orchestrator.NewStageRunner(registry, logger), sink, logger, orchestrator.Options{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	})
	sched.StartQueue(orchestrator.PipelineQueue, 2)
	t.Cleanup(sched.Stop)

	h := NewHandler(orch, sched, registry, logger)
	return h, h.Router()
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("status field = %q", body["status"])
	}
}

func TestCreateRequestLifecycle(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/requests", map[string]any{
		"intake": map[string]any{
			"client_id":   "acme",
			"origin":      "Oakland, CA",
			"destination": "Denver, CO",
		},
		"priority": "high",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var created map[string]string
	decodeJSON(t, resp, &created)
	id := created["id"]
	if id == "" {
		t.Fatal("no request id returned")
	}

	// Pipeline runs on in-memory workers; poll until it settles.
	deadline := time.Now().Add(3 * time.Second)
	var state string
	for time.Now().Before(deadline) {
		resp := getJSON(t, ts, "/api/requests/"+id)
		var body map[string]any
		decodeJSON(t, resp, &body)
		state, _ = body["state"].(string)
		if state == string(pipeline.StateCompleted) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if state != string(pipeline.StateCompleted) {
		t.Fatalf("request stuck in %s", state)
	}

	resp = getJSON(t, ts, "/api/requests/"+id+"/history")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", resp.StatusCode)
	}
	var hist struct {
		History []map[string]any `json:"history"`
	}
	decodeJSON(t, resp, &hist)
	if len(hist.History) != 9 {
		t.Errorf("history length = %d, want 9", len(hist.History))
	}
}

func TestListRequests(t *testing.T) {
	h, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	for i := 0; i < 2; i++ {
		if _, err := h.orch.CreateRequest(context.Background(), map[string]any{"client_id": "acme"}, orchestrator.PriorityLow); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	resp := getJSON(t, ts, "/api/requests")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Requests []map[string]any `json:"requests"`
	}
	decodeJSON(t, resp, &body)
	if len(body.Requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(body.Requests))
	}
	for _, r := range body.Requests {
		if r["state"] != string(pipeline.StateCreated) {
			t.Errorf("state = %v, want CREATED", r["state"])
		}
	}
}

func TestCreateRequestRequiresIntake(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/requests", map[string]any{"priority": "low"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestGetRequestNotFound(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/requests/req_missing")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCancelRequest(t *testing.T) {
	h, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	// Create directly so no pipeline job races the cancel.
	id, err := h.orch.CreateRequest(context.Background(), map[string]any{"client_id": "acme"}, orchestrator.PriorityNormal)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	resp := postJSON(t, ts, "/api/requests/"+id+"/cancel", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["state"] != string(pipeline.StateCancelled) {
		t.Errorf("state = %q", body["state"])
	}

	// A second cancel hits a terminal state.
	resp = postJSON(t, ts, "/api/requests/"+id+"/cancel", map[string]any{})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestClarifyWrongStateRejected(t *testing.T) {
	h, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	id, err := h.orch.CreateRequest(context.Background(), map[string]any{"client_id": "acme"}, orchestrator.PriorityNormal)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Still in CREATED; clarification only applies mid-analysis.
	resp := postJSON(t, ts, "/api/requests/"+id+"/clarify", map[string]any{
		"fields": map[string]any{"destination": "Denver, CO"},
	})
	if resp.StatusCode == http.StatusOK {
		t.Fatal("clarify accepted outside analysis")
	}
	resp.Body.Close()
}

func TestQueueStats(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/queues/pipeline/stats")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var stats map[string]any
	decodeJSON(t, resp, &stats)
	if stats["queue"] != "pipeline" {
		t.Errorf("queue = %v", stats["queue"])
	}
}

func TestPauseResumeQueue(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/queues/pipeline/pause", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pause status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/queues/pipeline/stats")
	var stats map[string]any
	decodeJSON(t, resp, &stats)
	if stats["paused"] != true {
		t.Errorf("paused = %v, want true", stats["paused"])
	}

	resp = postJSON(t, ts, "/api/queues/pipeline/resume", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestListCapabilities(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/capabilities")
	var body struct {
		Capabilities []string `json:"capabilities"`
	}
	decodeJSON(t, resp, &body)
	if len(body.Capabilities) != 7 {
		t.Errorf("capabilities = %d, want 7", len(body.Capabilities))
	}
}
