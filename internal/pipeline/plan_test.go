package pipeline

import (
	"context"
	"testing"

	"github.com/kalambet/docket/internal/stage"
	"github.com/kalambet/docket/internal/storage"
)

type stubExecutor struct {
	name string
	run  func(ctx context.Context, w *stage.Work, report stage.Reporter) error
}

func (s *stubExecutor) Name() string { return s.name }

func (s *stubExecutor) Run(ctx context.Context, w *stage.Work, report stage.Reporter) error {
	if s.run == nil {
		return nil
	}
	return s.run(ctx, w, report)
}

func named(name string) *stubExecutor { return &stubExecutor{name: name} }

func TestStockPlansValidate(t *testing.T) {
	full := FullPlan(named("ocr"), named("analysis"), named("entities"), named("embedding"))
	if err := full.Validate(); err != nil {
		t.Errorf("FullPlan: %v", err)
	}
	if !full.indexes() {
		t.Error("full plan should index")
	}
	basic := BasicPlan(named("ocr"), named("analysis"), named("entities"))
	if err := basic.Validate(); err != nil {
		t.Errorf("BasicPlan: %v", err)
	}
	if basic.indexes() {
		t.Error("basic plan should not index")
	}
}

func TestPlanValidate_Errors(t *testing.T) {
	ex := []stage.Executor{named("x")}
	tests := map[string]Plan{
		"bad variant": {Variant: "turbo", Steps: []Step{{Stage: storage.StageOCR, State: StateOCR, Weight: 80, Executors: ex}}},
		"no steps":    {Variant: storage.VariantFull},
		"weights": {Variant: storage.VariantBasic, Steps: []Step{
			{Stage: storage.StageOCR, State: StateOCR, Weight: 40, Executors: ex},
			{Stage: storage.StageAnalysis, State: StateAnalysis, Weight: 30, Executors: ex},
		}},
		"skips analysis": {Variant: storage.VariantFull, Steps: []Step{
			{Stage: storage.StageOCR, State: StateOCR, Weight: 40, Executors: ex},
			{Stage: storage.StageEmbedding, State: StateEmbedding, Weight: 40, Executors: ex},
		}},
		"ends at ocr": {Variant: storage.VariantBasic, Steps: []Step{
			{Stage: storage.StageOCR, State: StateOCR, Weight: 80, Executors: ex},
		}},
		"no executors": {Variant: storage.VariantBasic, Steps: []Step{
			{Stage: storage.StageOCR, State: StateOCR, Weight: 40},
			{Stage: storage.StageAnalysis, State: StateAnalysis, Weight: 40, Executors: ex},
		}},
		"mismatched state": {Variant: storage.VariantBasic, Steps: []Step{
			{Stage: storage.StageOCR, State: StateAnalysis, Weight: 80, Executors: ex},
		}},
	}
	for name, p := range tests {
		if err := p.Validate(); err == nil {
			t.Errorf("%s: Validate() = nil, want error", name)
		}
	}
}
