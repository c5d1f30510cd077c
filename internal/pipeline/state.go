package pipeline

import "fmt"

// State is a document's position in the processing lifecycle.
type State string

const (
	StatePending   State = "pending"
	StateUploading State = "uploading"
	StateOCR       State = "ocr"
	StateAnalysis  State = "analysis"
	StateEmbedding State = "embedding"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// validTransitions is the lifecycle matrix. A basic pipeline completes
// straight from analysis.
var validTransitions = map[State]map[State]bool{
	StatePending:   {StateUploading: true},
	StateUploading: {StateOCR: true, StateFailed: true},
	StateOCR:       {StateAnalysis: true, StateFailed: true},
	StateAnalysis:  {StateEmbedding: true, StateCompleted: true, StateFailed: true},
	StateEmbedding: {StateCompleted: true, StateFailed: true},
	StateCompleted: {},
	StateFailed:    {},
}

// TransitionError reports an illegal lifecycle move.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to State) bool {
	return validTransitions[from][to]
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Lifecycle tracks one run's state and the path it took. It is owned by a
// single pipeline run and not safe for concurrent use.
type Lifecycle struct {
	current State
	history []State
}

// NewLifecycle starts a lifecycle at initial.
func NewLifecycle(initial State) *Lifecycle {
	return &Lifecycle{current: initial, history: []State{initial}}
}

// Current returns the current state.
func (l *Lifecycle) Current() State { return l.current }

// History returns every state visited, in order.
func (l *Lifecycle) History() []State {
	return append([]State(nil), l.history...)
}

// Transition moves to next or returns a *TransitionError.
func (l *Lifecycle) Transition(next State) error {
	if !CanTransition(l.current, next) {
		return &TransitionError{From: l.current, To: next}
	}
	l.current = next
	l.history = append(l.history, next)
	return nil
}
