package bids

import (
	"bytes"
	"encoding/json"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Submission struct {
	BidID           string       `json:"bid_id"`
	TenderID        string       `json:"tender_id"`
	VendorID        string       `json:"vendor_id,omitempty"`
	CompanyName     string       `json:"company_name,omitempty"`
	BidderName      string       `json:"bidder_name"`
	BidderContact   string       `json:"bidder_contact"`
	BidderPhone     string       `json:"bidder_phone"`
	BidderEmail     string       `json:"bidder_email"`
	BidAmount       float64      `json:"bid_amount"`
	CurrentStage    int          `json:"current_stage"`
	SubmittedAt     time.Time    `json:"submitted_at"`
	Attachments     []Attachment `json:"attachments"`
	Evaluation      Evaluation   `json:"evaluation"`
	EvaluationScore *float64     `json:"evaluation_score,omitempty"`
}

// Evaluation is the incrementally populated evaluation record of a
// submission. Values are kept exactly as the model produced them so that
// re-runs leave completed stages byte-identical.
type Evaluation map[string]json.RawMessage

// LegacyEvaluationKeys maps the misspelled eligibility keys of older records
// to their current names.
var LegacyEvaluationKeys = map[string]string{
	"elegibility":           "eligibility",
	"elegibility_score":     "eligibility_score",
	"elegibility_reasoning": "eligibility_reasoning",
}

// UnmarshalJSON renames legacy keys. A current key wins over its legacy one.
func (e *Evaluation) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*e = nil
		return nil
	}

	for legacy, current := range LegacyEvaluationKeys {
		value, ok := raw[legacy]
		if !ok {
			continue
		}
		delete(raw, legacy)
		if _, exists := raw[current]; !exists {
			raw[current] = value
		}
	}
	*e = raw
	return nil
}

func (e Evaluation) Has(key string) bool {
	_, ok := e[key]
	return ok
}

// Number returns the value of key as a float. Numeric strings are accepted
// because models occasionally quote scores.
func (e Evaluation) Number(key string) (float64, bool) {
	raw, ok := e[key]
	if !ok {
		return 0, false
	}

	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("null")) {
		return 0, false
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Decode unmarshals the value of key into target. It reports false when the
// key is absent or the value has a different shape.
func (e Evaluation) Decode(key string, target any) bool {
	raw, ok := e[key]
	if !ok {
		return false
	}
	return json.Unmarshal(raw, target) == nil
}

func (e Evaluation) Clone() Evaluation {
	if e == nil {
		return nil
	}
	out := make(Evaluation, len(e))
	for k, v := range e {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Merge upserts every key of fields, leaving other keys untouched.
func (e Evaluation) Merge(fields Evaluation) {
	maps.Copy(e, fields.Clone())
}

type Vendor struct {
	VendorID    string    `json:"vendor_id"`
	CompanyName string    `json:"company_name"`
	CreatedAt   time.Time `json:"created_at"`
}

func NewBidID() string {
	return "bid-" + hexID()
}

func NewVendorID() string {
	return "vendor-" + hexID()
}

func hexID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
