package pipeline

// State is one step of the brokerage request pipeline.
type State string

const (
	StateCreated          State = "CREATED"
	StateAnalyzing        State = "ANALYZING"
	StateFetchingClient   State = "FETCHING_CLIENT_DATA"
	StateSearching        State = "SEARCHING"
	StateAwaitingResults  State = "AWAITING_RESULTS"
	StateAnalyzingResults State = "ANALYZING_RESULTS"
	StateGeneratingOutput State = "GENERATING_OUTPUT"
	StateDelivering       State = "DELIVERING"
	StateCompleted        State = "COMPLETED"
	StateFailed           State = "FAILED"
	StateCancelled        State = "CANCELLED"
)

// pipelineOrder is the linear stage sequence. FAILED and CANCELLED sit
// outside it as universal escape hatches.
var pipelineOrder = []State{
	StateCreated,
	StateAnalyzing,
	StateFetchingClient,
	StateSearching,
	StateAwaitingResults,
	StateAnalyzingResults,
	StateGeneratingOutput,
	StateDelivering,
	StateCompleted,
}

var orderIndex = func() map[State]int {
	m := make(map[State]int, len(pipelineOrder))
	for i, s := range pipelineOrder {
		m[s] = i
	}
	return m
}()

// Next returns the state immediately following s in the pipeline, or "" when
// s is terminal or outside the linear order.
func Next(s State) State {
	i, ok := orderIndex[s]
	if !ok || i == len(pipelineOrder)-1 {
		return ""
	}
	return pipelineOrder[i+1]
}

// IsTerminal reports whether no further transitions are accepted from s.
func IsTerminal(s State) bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// CanTransition reports whether from → to is a legal single step: the
// immediate pipeline successor, or an escape to FAILED/CANCELLED from any
// non-terminal state. Skipping stages is rejected.
func CanTransition(from, to State) bool {
	if IsTerminal(from) {
		return false
	}
	if to == StateFailed || to == StateCancelled {
		return true
	}
	return Next(from) == to
}

// Valid reports whether s is a known state.
func Valid(s State) bool {
	if _, ok := orderIndex[s]; ok {
		return true
	}
	return s == StateFailed || s == StateCancelled
}
