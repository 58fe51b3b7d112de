package evaluation

import (
	"strings"
	"testing"

	"github.com/spigell/bid-evaluator/internal/bids"
)

func TestStagesOrderAndMarkers(t *testing.T) {
	t.Parallel()

	names := make([]string, 0, 5)
	for _, s := range Stages() {
		names = append(names, s.Name)
	}
	if strings.Join(names, ",") != "eligibility,technical,financial,legal,verification" {
		t.Fatalf("unexpected stage order: %v", names)
	}

	markers := DoneMarkers()
	if markers[0] != "eligibility_reasoning" || markers[4] != "verification_reasoning" {
		t.Fatalf("unexpected markers: %v", markers)
	}
}

func TestStagePrompts(t *testing.T) {
	t.Parallel()

	for _, s := range Stages() {
		if !s.CallsModel() {
			continue
		}
		if !strings.Contains(s.System(), `"`+s.ReasoningKey()+`"`) || !strings.Contains(s.System(), `"`+s.ScoreKey()+`"`) {
			t.Fatalf("prompt of %s must describe its output keys", s.Name)
		}
	}

	technical, _ := StageByName(StageTechnical)
	if !strings.Contains(technical.System(), "This is the default") {
		t.Fatal("technical prompt must default checklist items to not met")
	}
}

func TestStageUserPrompts(t *testing.T) {
	t.Parallel()

	var sku bids.TechnicalSKU
	var ram bids.SpecMap
	ram.Set("size", "16GB")
	sku.Set("RAM", ram)
	sku.Set("CPU", bids.SpecMap{})

	req := bids.Requirements{
		TechnicalChecklist: []string{"Warranty"},
		TechnicalSKU:       sku,
	}

	technical, _ := StageByName(StageTechnical)
	if got := technical.UserPrompt(req); got != "technical_checklist: [\"Warranty\"]\ntechnical_sku: {\"RAM\":{\"size\":\"16GB\"},\"CPU\":{}}" {
		t.Fatalf("unexpected technical prompt: %q", got)
	}

	legal, _ := StageByName(StageLegal)
	if got := legal.UserPrompt(req); got != "legal_requirements: []" {
		t.Fatalf("unexpected legal prompt: %q", got)
	}

	financial, _ := StageByName(StageFinancial)
	if got := financial.UserPrompt(req); !strings.HasSuffix(got, `["RAM","CPU"]`) {
		t.Fatalf("unexpected financial prompt: %q", got)
	}

	verification, _ := StageByName(StageVerification)
	if verification.CallsModel() || verification.UserPrompt(req) != "" {
		t.Fatal("verification must not call the model")
	}
	fixed := verification.FixedResult()
	fixed["verification_score"] = []byte(`0`)
	if again := verification.FixedResult(); string(again["verification_score"]) != `90` {
		t.Fatalf("fixed result must be copied, got %s", again["verification_score"])
	}
}
