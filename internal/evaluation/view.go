package evaluation

import (
	"encoding/json"
	"strings"

	"github.com/spigell/bid-evaluator/internal/bids"
)

// Item pairs a requirement with the stage verdict at the same position. Met
// is nil when the verdict is missing or not a boolean.
type Item struct {
	Requirement string `json:"requirement"`
	Met         *bool  `json:"met"`
}

type SpecItem struct {
	Spec     string `json:"spec"`
	Required any    `json:"required"`
	Met      *bool  `json:"met"`
}

type Component struct {
	Component string     `json:"component"`
	Specs     []SpecItem `json:"specs"`
}

type Check struct {
	Check  string `json:"check"`
	Passed *bool  `json:"passed"`
}

type StageSummary struct {
	Done      bool     `json:"done"`
	Score     *float64 `json:"score"`
	Reasoning *string  `json:"reasoning"`
}

type ListView struct {
	StageSummary
	Items []Item `json:"items"`
}

type TechnicalView struct {
	StageSummary
	SKU       []Component `json:"sku"`
	Checklist []Item      `json:"checklist"`
}

type FinancialView struct {
	StageSummary
	Checklist []Item          `json:"checklist"`
	Breakdown json.RawMessage `json:"breakdown"`
}

type VerificationView struct {
	StageSummary
	Checks []Check `json:"checks"`
}

// View is the evaluation of a submission laid out against its tender's
// requirements. It renders partial evaluations without failing.
type View struct {
	Eligibility     ListView         `json:"eligibility"`
	Technical       TechnicalView    `json:"technical"`
	Financial       FinancialView    `json:"financial"`
	Legal           ListView         `json:"legal"`
	Verification    VerificationView `json:"verification"`
	EvaluationScore *float64         `json:"evaluation_score"`
}

func NewView(req bids.Requirements, ev bids.Evaluation, score *float64) View {
	v := View{
		Eligibility: ListView{
			StageSummary: summarize(StageEligibility, ev),
			Items:        pair(req.Eligibility, ev, "eligibility"),
		},
		Technical: TechnicalView{
			StageSummary: summarize(StageTechnical, ev),
			SKU:          components(req.TechnicalSKU, ev),
			Checklist:    pair(req.TechnicalChecklist, ev, "technical_checklist"),
		},
		Financial: FinancialView{
			StageSummary: summarize(StageFinancial, ev),
			Checklist:    pair(req.FinancialChecklist, ev, "financial_checklist"),
			Breakdown:    passthrough(ev, "financial"),
		},
		Legal: ListView{
			StageSummary: summarize(StageLegal, ev),
			Items:        pair(req.Legal, ev, "legal"),
		},
		Verification: VerificationView{
			StageSummary: summarize(StageVerification, ev),
			Checks:       checks(ev),
		},
		EvaluationScore: score,
	}
	return v
}

func summarize(name string, ev bids.Evaluation) StageSummary {
	stage, _ := StageByName(name)
	summary := StageSummary{Done: stage.Done(ev)}

	if score, ok := ev.Number(stage.ScoreKey()); ok {
		summary.Score = &score
	}
	var reasoning string
	if ev.Decode(stage.ReasoningKey(), &reasoning) {
		reasoning = strings.TrimSpace(reasoning)
		summary.Reasoning = &reasoning
	}
	return summary
}

// pair matches requirements with the boolean array stored under key by index.
func pair(requirements []string, ev bids.Evaluation, key string) []Item {
	var verdicts []any
	ev.Decode(key, &verdicts)

	items := make([]Item, len(requirements))
	for i, req := range requirements {
		items[i] = Item{Requirement: req, Met: boolAt(verdicts, i)}
	}
	return items
}

func components(sku bids.TechnicalSKU, ev bids.Evaluation) []Component {
	var stored map[string]json.RawMessage
	ev.Decode("technical_sku", &stored)

	out := make([]Component, 0, sku.Len())
	for _, name := range sku.Keys() {
		specs, _ := sku.Get(name)
		byIndex, byName := componentVerdicts(stored[name])

		c := Component{Component: name, Specs: make([]SpecItem, 0, specs.Len())}
		for i, spec := range specs.Keys() {
			required, _ := specs.Get(spec)
			met := boolAt(byIndex, i)
			if byName != nil {
				met = asBool(byName[spec])
			}
			c.Specs = append(c.Specs, SpecItem{Spec: spec, Required: required, Met: met})
		}
		out = append(out, c)
	}
	return out
}

// componentVerdicts accepts either a positional array or a spec-keyed object.
func componentVerdicts(raw json.RawMessage) ([]any, map[string]any) {
	if len(raw) == 0 {
		return nil, nil
	}
	var arr []any
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return nil, obj
	}
	return nil, nil
}

func checks(ev bids.Evaluation) []Check {
	var stored bids.Ordered[any]
	if !ev.Decode("verification", &stored) {
		return []Check{}
	}

	out := make([]Check, 0, stored.Len())
	for _, name := range stored.Keys() {
		value, _ := stored.Get(name)
		out = append(out, Check{Check: name, Passed: asBool(value)})
	}
	return out
}

func passthrough(ev bids.Evaluation, key string) json.RawMessage {
	raw, ok := ev[key]
	if !ok || len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

func boolAt(values []any, i int) *bool {
	if i >= len(values) {
		return nil
	}
	return asBool(values[i])
}

func asBool(v any) *bool {
	b, ok := v.(bool)
	if !ok {
		return nil
	}
	return &b
}
