package orchestrator

import (
	"context"
	"fmt"

	"github.com/harborlight/brokerd/internal/capability"
	"github.com/harborlight/brokerd/internal/pipeline"
	"go.uber.org/zap"
)

// Capability names the stage handlers call. Handlers are registered at
// startup; tests register fakes.
const (
	CapAnalyzeRequest   = "analyze_request"
	CapFetchClientData  = "fetch_client_data"
	CapSearch           = "search"
	CapCollectQuotes    = "collect_quotes"
	CapRankQuotes       = "rank_quotes"
	CapGenerateProposal = "generate_proposal"
	CapDeliverProposal  = "deliver_proposal"
)

// StageRunner executes the work of one pipeline stage by invoking
// capabilities and folding their results into the request payload.
type StageRunner struct {
	registry *capability.Registry
	logger   *zap.Logger
}

// NewStageRunner creates a stage runner over the capability registry.
func NewStageRunner(registry *capability.Registry, logger *zap.Logger) *StageRunner {
	return &StageRunner{registry: registry, logger: logger}
}

func (s *StageRunner) run(ctx context.Context, req *Request, stage pipeline.State) error {
	switch stage {
	case pipeline.StateAnalyzing:
		return s.analyze(ctx, req)
	case pipeline.StateFetchingClient:
		return s.fetchClient(ctx, req)
	case pipeline.StateSearching:
		return s.search(ctx, req)
	case pipeline.StateAwaitingResults:
		return s.collectQuotes(ctx, req)
	case pipeline.StateAnalyzingResults:
		return s.rankQuotes(ctx, req)
	case pipeline.StateGeneratingOutput:
		return s.generateProposal(ctx, req)
	case pipeline.StateDelivering:
		return s.deliver(ctx, req)
	default:
		return fmt.Errorf("no stage handler for %s", stage)
	}
}

// analyze extracts structured shipment fields from the raw intake. Incomplete
// extraction is not an error: it parks the request on a clarification.
func (s *StageRunner) analyze(ctx context.Context, req *Request) error {
	payload := req.Snapshot()
	out, err := s.registry.Invoke(ctx, CapAnalyzeRequest, map[string]any{
		"intake": payload.Intake,
	}, nil)
	if err != nil {
		return err
	}

	var analysis Analysis
	if err := decodeInto(out, &analysis); err != nil {
		return fmt.Errorf("analysis result: %w", err)
	}

	req.mu.Lock()
	req.payload.Analysis = &analysis
	req.pendingClarification = analysis.MissingFields
	req.mu.Unlock()
	return nil
}

func (s *StageRunner) fetchClient(ctx context.Context, req *Request) error {
	payload := req.Snapshot()
	if payload.Analysis == nil || payload.Analysis.ClientID == "" {
		return fmt.Errorf("client fetch requires an analysis with client_id")
	}

	out, err := s.registry.Invoke(ctx, CapFetchClientData, map[string]any{
		"client_id": payload.Analysis.ClientID,
	}, nil)
	if err != nil {
		return err
	}

	var client ClientProfile
	if err := decodeInto(out, &client); err != nil {
		return fmt.Errorf("client result: %w", err)
	}
	if client.Channel == "" {
		return fmt.Errorf("client %s has no delivery channel", client.ClientID)
	}

	req.mu.Lock()
	req.payload.Client = &client
	req.mu.Unlock()
	return nil
}

func (s *StageRunner) search(ctx context.Context, req *Request) error {
	payload := req.Snapshot()
	a := payload.Analysis
	if a == nil || a.Origin == "" || a.Destination == "" {
		return fmt.Errorf("search requires origin and destination")
	}

	out, err := s.registry.Invoke(ctx, CapSearch, map[string]any{
		"origin":      a.Origin,
		"destination": a.Destination,
		"commodity":   a.Commodity,
	}, &capability.InvokeOptions{Retry: true, MaxRetries: 2})
	if err != nil {
		return err
	}

	var result SearchResult
	if err := decodeInto(out, &result); err != nil {
		return fmt.Errorf("search result: %w", err)
	}
	if len(result.Operators) == 0 {
		return fmt.Errorf("no operators matched lane %s -> %s", a.Origin, a.Destination)
	}

	req.mu.Lock()
	req.payload.Search = &result
	req.mu.Unlock()
	return nil
}

// collectQuotes fans out to the matched operators and waits for their
// responses. The fan-in lives entirely inside the capability; the pipeline
// sees a single stage with the registry's own retry and timeout.
func (s *StageRunner) collectQuotes(ctx context.Context, req *Request) error {
	payload := req.Snapshot()
	if payload.Search == nil || len(payload.Search.Operators) == 0 {
		return fmt.Errorf("quote collection requires search results")
	}

	out, err := s.registry.Invoke(ctx, CapCollectQuotes, map[string]any{
		"request_id": req.ID,
		"operators":  payload.Search.Operators,
	}, &capability.InvokeOptions{Retry: true, MaxRetries: 2})
	if err != nil {
		return err
	}

	var quotes QuoteSet
	if err := decodeInto(out, &quotes); err != nil {
		return fmt.Errorf("quote result: %w", err)
	}
	if len(quotes.Quotes) == 0 {
		return fmt.Errorf("no quotes received from %d operators", len(payload.Search.Operators))
	}

	req.mu.Lock()
	req.payload.Quotes = &quotes
	req.mu.Unlock()
	return nil
}

func (s *StageRunner) rankQuotes(ctx context.Context, req *Request) error {
	payload := req.Snapshot()
	if payload.Quotes == nil || len(payload.Quotes.Quotes) == 0 {
		return fmt.Errorf("ranking requires collected quotes")
	}

	out, err := s.registry.Invoke(ctx, CapRankQuotes, map[string]any{
		"quotes": payload.Quotes.Quotes,
	}, nil)
	if err != nil {
		return err
	}

	var ranked QuoteSet
	if err := decodeInto(out, &ranked); err != nil {
		return fmt.Errorf("ranking result: %w", err)
	}
	if len(ranked.Quotes) == 0 {
		return fmt.Errorf("ranking discarded every quote")
	}

	req.mu.Lock()
	req.payload.Ranked = &ranked
	req.mu.Unlock()
	return nil
}

func (s *StageRunner) generateProposal(ctx context.Context, req *Request) error {
	payload := req.Snapshot()
	if payload.Ranked == nil || payload.Client == nil {
		return fmt.Errorf("proposal generation requires ranked quotes and a client profile")
	}

	out, err := s.registry.Invoke(ctx, CapGenerateProposal, map[string]any{
		"client": payload.Client.Name,
		"quotes": payload.Ranked.Quotes,
	}, nil)
	if err != nil {
		return err
	}

	var proposal Proposal
	if err := decodeInto(out, &proposal); err != nil {
		return fmt.Errorf("proposal result: %w", err)
	}

	req.mu.Lock()
	req.payload.Proposal = &proposal
	req.mu.Unlock()
	return nil
}

func (s *StageRunner) deliver(ctx context.Context, req *Request) error {
	payload := req.Snapshot()
	if payload.Proposal == nil || payload.Client == nil {
		return fmt.Errorf("delivery requires a proposal and a client profile")
	}

	_, err := s.registry.Invoke(ctx, CapDeliverProposal, map[string]any{
		"request_id": req.ID,
		"channel":    payload.Client.Channel,
		"subject":    payload.Proposal.Subject,
		"body":       payload.Proposal.Body,
	}, &capability.InvokeOptions{Retry: true, MaxRetries: 2})
	return err
}
