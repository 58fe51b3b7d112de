package utils

import (
	"strings"
	"testing"
)

func TestTruncateForLog(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		input  string
		limit  int
		expect string
	}{
		{
			name:   "logging disabled",
			input:  `{"eligibility_score": 80}`,
			limit:  0,
			expect: "",
		},
		{
			name:   "short prompt kept whole",
			input:  `legal_requirements: ["Made in India"]`,
			limit:  200,
			expect: `legal_requirements: ["Made in India"]`,
		},
		{
			name:   "fenced model reply trimmed and cut",
			input:  "\n```json\n{\"legal_score\": 70, \"legal_reasoning\": \"ok\"}\n```\n",
			limit:  7,
			expect: "```json...",
		},
		{
			name:   "cuts on rune boundary",
			input:  "Rate ₹1,20,000 per unit",
			limit:  6,
			expect: "Rate ₹...",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := TruncateForLog(tt.input, tt.limit); got != tt.expect {
				t.Fatalf("expected %q, got %q", tt.expect, got)
			}
		})
	}
}

func TestTruncateForLogDefaultPreviewLength(t *testing.T) {
	t.Parallel()

	reply := `{"technical_sku": {"RAM": [true, true]}, "technical_reasoning": "` + strings.Repeat("Meets the DDR5 requirement. ", 20) + `"}`
	got := TruncateForLog(reply, 200)

	if len([]rune(got)) != 203 || !strings.HasSuffix(got, "...") {
		t.Fatalf("unexpected preview %q", got)
	}
	if !strings.HasPrefix(got, `{"technical_sku"`) {
		t.Fatalf("preview must keep the start of the reply: %q", got)
	}
}
