package bids

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEvaluationNumber(t *testing.T) {
	t.Parallel()

	ev := Evaluation{
		"eligibility_score": json.RawMessage(`85`),
		"technical_score":   json.RawMessage(`"72.5"`),
		"legal_score":       json.RawMessage(`"n/a"`),
		"financial_score":   json.RawMessage(`null`),
	}

	tests := []struct {
		key    string
		value  float64
		exists bool
	}{
		{key: "eligibility_score", value: 85, exists: true},
		{key: "technical_score", value: 72.5, exists: true},
		{key: "legal_score"},
		{key: "financial_score"},
		{key: "verification_score"},
	}

	for _, tt := range tests {
		got, ok := ev.Number(tt.key)
		if ok != tt.exists || got != tt.value {
			t.Fatalf("%s: expected (%v, %v), got (%v, %v)", tt.key, tt.value, tt.exists, got, ok)
		}
	}
}

func TestEvaluationMergeKeepsSiblings(t *testing.T) {
	ev := Evaluation{
		"eligibility":           json.RawMessage(`[true,false]`),
		"eligibility_reasoning": json.RawMessage(`"ok"`),
	}

	ev.Merge(Evaluation{
		"legal_score": json.RawMessage(`100`),
		"unexpected":  json.RawMessage(`{"x":1}`),
	})

	if string(ev["eligibility"]) != `[true,false]` || string(ev["eligibility_reasoning"]) != `"ok"` {
		t.Fatalf("sibling keys changed: %v", ev)
	}
	if string(ev["legal_score"]) != `100` || !ev.Has("unexpected") {
		t.Fatalf("merged keys missing: %v", ev)
	}
}

func TestNewIDs(t *testing.T) {
	bid := NewBidID()
	if !strings.HasPrefix(bid, "bid-") || len(bid) != len("bid-")+32 {
		t.Fatalf("unexpected bid id %q", bid)
	}
	if strings.Contains(strings.TrimPrefix(bid, "bid-"), "-") {
		t.Fatalf("bid id must be hex only: %q", bid)
	}

	vendor := NewVendorID()
	if !strings.HasPrefix(vendor, "vendor-") {
		t.Fatalf("unexpected vendor id %q", vendor)
	}
}

func TestEvaluationDecodeRenamesLegacyKeys(t *testing.T) {
	t.Parallel()

	var sub Submission
	err := json.Unmarshal([]byte(`{
		"bid_id": "bid-1",
		"evaluation": {
			"elegibility": [true],
			"elegibility_score": "75",
			"elegibility_reasoning": "Registered for 8 years.",
			"legal_score": 60,
			"legal_reasoning": "ok"
		}
	}`), &sub)
	if err != nil {
		t.Fatalf("decode submission: %v", err)
	}

	if !sub.Evaluation.Has("eligibility_reasoning") || sub.Evaluation.Has("elegibility_reasoning") {
		t.Fatalf("legacy keys must be renamed: %v", sub.Evaluation)
	}
	if score, ok := sub.Evaluation.Number("eligibility_score"); !ok || score != 75 {
		t.Fatalf("expected legacy score 75, got %v %v", score, ok)
	}
	if string(sub.Evaluation["eligibility"]) != "[true]" {
		t.Fatalf("unexpected verdicts: %s", sub.Evaluation["eligibility"])
	}

	var both Evaluation
	if err := json.Unmarshal([]byte(`{"elegibility_score": 10, "eligibility_score": 90}`), &both); err != nil {
		t.Fatalf("decode evaluation: %v", err)
	}
	if score, _ := both.Number("eligibility_score"); score != 90 || len(both) != 1 {
		t.Fatalf("current key must win: %v", both)
	}
}

func TestEmptyEvaluationSurvivesRoundTrip(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Submission{BidID: "bid-1", Evaluation: Evaluation{}})
	if err != nil {
		t.Fatalf("encode submission: %v", err)
	}

	var sub Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		t.Fatalf("decode submission: %v", err)
	}
	if sub.Evaluation == nil {
		t.Fatalf("empty evaluation decoded as nil from %s", data)
	}
}
