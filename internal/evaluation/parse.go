package evaluation

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kaptinlin/jsonrepair"

	"github.com/spigell/bid-evaluator/internal/bids"
)

var (
	ErrParse = errors.New("model output is not a JSON object")
	ErrShape = errors.New("model output has an invalid shape")
)

type FailureKind string

const (
	KindModel FailureKind = "model"
	KindParse FailureKind = "parse"
	KindShape FailureKind = "shape"
	KindStore FailureKind = "store"
)

// StageError reports why a stage did not complete.
type StageError struct {
	Stage string
	Kind  FailureKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s failure: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

var validate = validator.New(validator.WithRequiredStructEnabled())

// stageCore is the part of every stage output the pipeline relies on.
type stageCore struct {
	Score     *float64 `validate:"required,gte=0,lte=100"`
	Reasoning string   `validate:"required"`
}

// ParseOutput turns raw model text into a JSON object. Code fences are
// stripped first; when strict decoding fails and repair is set, the text is
// run through a JSON repairer and decoded again.
func ParseOutput(raw string, repair bool) (bids.Evaluation, error) {
	cleaned := extractJSON(raw)
	if cleaned == "" {
		return nil, fmt.Errorf("%w: empty output", ErrParse)
	}

	out, err := decodeObject(cleaned)
	if err == nil {
		return out, nil
	}
	if !repair {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	repaired, repairErr := jsonrepair.JSONRepair(cleaned)
	if repairErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	out, err = decodeObject(repaired)
	if err != nil {
		return nil, fmt.Errorf("%w after repair: %v", ErrParse, err)
	}
	return out, nil
}

func decodeObject(s string) (bids.Evaluation, error) {
	var out bids.Evaluation
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("null output")
	}
	return out, nil
}

// CheckShape verifies that the output carries a 0-100 score and a non-empty
// reasoning under the stage's keys.
func CheckShape(stage Stage, out bids.Evaluation) error {
	var core stageCore

	if score, ok := out.Number(stage.ScoreKey()); ok && !math.IsNaN(score) {
		core.Score = &score
	}
	var reasoning string
	if out.Decode(stage.ReasoningKey(), &reasoning) {
		core.Reasoning = strings.TrimSpace(reasoning)
	}

	if err := validate.Struct(core); err != nil {
		return fmt.Errorf("%w: %s/%s: %v", ErrShape, stage.ScoreKey(), stage.ReasoningKey(), err)
	}
	return nil
}

// extractJSON removes markdown code fences and any prose around the outermost
// object.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.ReplaceAll(raw, "```json", "")
	raw = strings.ReplaceAll(raw, "```JSON", "")
	raw = strings.ReplaceAll(raw, "```", "")
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "{") {
		return raw
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}
