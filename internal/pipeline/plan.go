package pipeline

import (
	"fmt"
	"math"

	"github.com/kalambet/docket/internal/stage"
	"github.com/kalambet/docket/internal/storage"
)

const (
	// UploadWeight is the share of overall progress granted once the upload
	// is durably stored.
	UploadWeight = 20.0
	// StageBudget is what the stages of a plan share between them.
	StageBudget = 100 - UploadWeight
)

// Step is one persisted stage: its executors run in order and split the
// step's weight evenly.
type Step struct {
	Stage     storage.Stage
	State     State
	Weight    float64
	Executors []stage.Executor
}

// Plan is the ordered step list for one pipeline variant.
type Plan struct {
	Variant storage.Variant
	Steps   []Step
}

// FullPlan runs OCR (30), analysis with entity extraction (30) and
// embedding (20).
func FullPlan(ocr, analysis, entities, embedding stage.Executor) Plan {
	return Plan{
		Variant: storage.VariantFull,
		Steps: []Step{
			{Stage: storage.StageOCR, State: StateOCR, Weight: 30, Executors: []stage.Executor{ocr}},
			{Stage: storage.StageAnalysis, State: StateAnalysis, Weight: 30, Executors: []stage.Executor{analysis, entities}},
			{Stage: storage.StageEmbedding, State: StateEmbedding, Weight: 20, Executors: []stage.Executor{embedding}},
		},
	}
}

// BasicPlan runs OCR (40) and analysis with entity extraction (40). Its
// documents are never indexed for search.
func BasicPlan(ocr, analysis, entities stage.Executor) Plan {
	return Plan{
		Variant: storage.VariantBasic,
		Steps: []Step{
			{Stage: storage.StageOCR, State: StateOCR, Weight: 40, Executors: []stage.Executor{ocr}},
			{Stage: storage.StageAnalysis, State: StateAnalysis, Weight: 40, Executors: []stage.Executor{analysis, entities}},
		},
	}
}

// Validate checks the weights sum to StageBudget and that the steps form a
// legal path from uploading to completed.
func (p Plan) Validate() error {
	if !p.Variant.Valid() {
		return fmt.Errorf("plan has invalid variant %q", p.Variant)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan %s has no steps", p.Variant)
	}
	var sum float64
	prev := StateUploading
	for i, s := range p.Steps {
		if s.Weight <= 0 {
			return fmt.Errorf("plan %s step %d: weight must be positive", p.Variant, i)
		}
		if len(s.Executors) == 0 {
			return fmt.Errorf("plan %s step %s: no executors", p.Variant, s.Stage)
		}
		for _, ex := range s.Executors {
			if ex == nil {
				return fmt.Errorf("plan %s step %s: nil executor", p.Variant, s.Stage)
			}
		}
		if !s.Stage.Valid() || string(s.Stage) != string(s.State) {
			return fmt.Errorf("plan %s step %d: stage %q does not match state %q", p.Variant, i, s.Stage, s.State)
		}
		if !CanTransition(prev, s.State) {
			return fmt.Errorf("plan %s: %w", p.Variant, &TransitionError{From: prev, To: s.State})
		}
		prev = s.State
		sum += s.Weight
	}
	if !CanTransition(prev, StateCompleted) {
		return fmt.Errorf("plan %s: %w", p.Variant, &TransitionError{From: prev, To: StateCompleted})
	}
	if math.Abs(sum-StageBudget) > 1e-9 {
		return fmt.Errorf("plan %s: weights sum to %v, want %v", p.Variant, sum, StageBudget)
	}
	return nil
}

// indexes reports whether the plan produces search index entries.
func (p Plan) indexes() bool {
	for _, s := range p.Steps {
		if s.Stage == storage.StageEmbedding {
			return true
		}
	}
	return false
}
