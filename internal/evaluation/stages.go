package evaluation

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spigell/bid-evaluator/internal/bids"
)

const (
	StageEligibility  = "eligibility"
	StageTechnical    = "technical"
	StageFinancial    = "financial"
	StageLegal        = "legal"
	StageVerification = "verification"
)

//go:embed prompts/*.md
var prompts embed.FS

// verificationResult stands in for an external verification integration.
var verificationResult = bids.Evaluation{
	"verification": json.RawMessage(`{"Company Registration":true,"Tax Compliance":true,` +
		`"Previous Work References":true,"ISO Certification":false,"GST Registration":true}`),
	"verification_score":     json.RawMessage(`90`),
	"verification_reasoning": json.RawMessage(`"The bidder has valid company registration, tax compliance, and previous work references but lacks ISO certification."`),
}

// Stage is one fixed evaluation pass. Stages with a fixed result never call
// the model.
type Stage struct {
	Name   string
	system string
	user   func(req bids.Requirements) string
	fixed  bids.Evaluation
}

func (s Stage) ScoreKey() string { return s.Name + "_score" }

// ReasoningKey is the done-marker: a stage is complete once this key exists.
func (s Stage) ReasoningKey() string { return s.Name + "_reasoning" }

func (s Stage) Done(ev bids.Evaluation) bool { return ev.Has(s.ReasoningKey()) }

func (s Stage) CallsModel() bool { return s.fixed == nil }

func (s Stage) System() string { return s.system }

// UserPrompt renders the slice of the requirement schema the stage scores.
func (s Stage) UserPrompt(req bids.Requirements) string {
	if s.user == nil {
		return ""
	}
	return s.user(req)
}

// FixedResult returns a copy of the predefined result of a stage that does
// not call the model.
func (s Stage) FixedResult() bids.Evaluation { return s.fixed.Clone() }

var stages = []Stage{
	{
		Name:   StageEligibility,
		system: mustPrompt(StageEligibility),
		user: func(req bids.Requirements) string {
			return "eligibility_requirements: " + literal(req.Eligibility)
		},
	},
	{
		Name:   StageTechnical,
		system: mustPrompt(StageTechnical),
		user: func(req bids.Requirements) string {
			return fmt.Sprintf("technical_checklist: %s\ntechnical_sku: %s",
				literal(req.TechnicalChecklist), literal(req.TechnicalSKU))
		},
	},
	{
		Name:   StageFinancial,
		system: mustPrompt(StageFinancial),
		user: func(req bids.Requirements) string {
			return fmt.Sprintf("financial_checklist: %s\n"+
				"Extract and calculate the pricing and cost from the bid submission documents for the following items: %s",
				literal(req.FinancialChecklist), literal(req.TechnicalSKU.Keys()))
		},
	},
	{
		Name:   StageLegal,
		system: mustPrompt(StageLegal),
		user: func(req bids.Requirements) string {
			return "legal_requirements: " + literal(req.Legal)
		},
	},
	{
		Name:  StageVerification,
		fixed: verificationResult,
	},
}

// Stages returns the evaluation stages in execution order.
func Stages() []Stage {
	out := make([]Stage, len(stages))
	copy(out, stages)
	return out
}

func StageByName(name string) (Stage, bool) {
	for _, s := range stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// DoneMarkers lists the reasoning keys of every stage.
func DoneMarkers() []string {
	out := make([]string, 0, len(stages))
	for _, s := range stages {
		out = append(out, s.ReasoningKey())
	}
	return out
}

func mustPrompt(name string) string {
	data, err := prompts.ReadFile("prompts/" + name + ".md")
	if err != nil {
		panic(fmt.Sprintf("missing prompt %s: %v", name, err))
	}
	return strings.TrimSpace(string(data))
}

// literal renders v as JSON. Nil lists render as [].
func literal(v any) string {
	if items, ok := v.([]string); ok && items == nil {
		v = []string{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}
