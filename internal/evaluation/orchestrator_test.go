package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spigell/bid-evaluator/internal/ai"
	"github.com/spigell/bid-evaluator/internal/bids"
	"github.com/spigell/bid-evaluator/internal/store/memory"
)

const (
	eligibilityReply = "```json\n" + `{"eligibility": [true, false, true], "eligibility_score": 80, "eligibility_reasoning": "Two of three criteria met."}` + "\n```"
	technicalReply   = `{"technical_sku": {"RAM": [true, false]}, "technical_checklist": [true], "technical_score": 70, "technical_reasoning": "RAM type differs."}`
	financialReply   = `{"financial": {"RAM": {"rate_per_unit": 100, "quantity": 2, "total_cost": 200}, "total_budget": 200}, "financial_checklist": [true], "financial_score": 90, "financial_reasoning": "Within budget."}`
	legalReply       = `{"legal": [true], "legal_score": 100, "legal_reasoning": "Compliant."}`
)

type fakeGateway struct {
	mu      sync.Mutex
	replies map[string]string
	errs    map[string]error
	calls   []ai.Request
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		replies: map[string]string{
			StageEligibility: eligibilityReply,
			StageTechnical:   technicalReply,
			StageFinancial:   financialReply,
			StageLegal:       legalReply,
		},
		errs: map[string]error{},
	}
}

func (f *fakeGateway) Invoke(_ context.Context, req ai.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if err := f.errs[req.Stage]; err != nil {
		return "", err
	}
	return f.replies[req.Stage], nil
}

func (f *fakeGateway) stagesCalled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Stage)
	}
	return out
}

type fixture struct {
	store   *memory.Store
	gateway *fakeGateway
	orch    *Orchestrator
	waits   []time.Duration
}

func newFixture(t *testing.T, log *zap.Logger) *fixture {
	t.Helper()

	var req bids.Requirements
	if err := json.Unmarshal([]byte(`{
		"eligibility": ["A", "B", "C"],
		"technical_checklist": ["Onsite warranty"],
		"technical_sku": {"RAM": {"size": "16GB", "type": "DDR5"}},
		"financial_checklist": ["Price within budget"],
		"legal": ["Made in India"]
	}`), &req); err != nil {
		t.Fatalf("decode requirements: %v", err)
	}

	ctx := context.Background()
	st := memory.New()
	tender, err := st.CreateTender(ctx, &bids.Tender{Title: "Laptops", Requirements: req})
	if err != nil {
		t.Fatalf("create tender: %v", err)
	}
	err = st.CreateSubmission(ctx, &bids.Submission{
		BidID:    "bid-1",
		TenderID: tender.TenderID,
		Attachments: []bids.Attachment{
			{FileName: "bid.pdf", URL: "/static/bids/bid.pdf"},
			{FileName: "cert.png", URL: "https://cdn.example.com/cert.png"},
		},
	})
	if err != nil {
		t.Fatalf("create submission: %v", err)
	}

	if log == nil {
		log = zap.NewNop()
	}
	f := &fixture{store: st, gateway: newFakeGateway()}
	f.orch = New(st, f.gateway, log, Options{
		FileBaseURL: "http://files.local/",
		StageDelay:  10 * time.Second,
		RepairJSON:  true,
		Metrics:     MustNewMetrics(prometheus.NewRegistry()),
	})
	f.orch.wait = func(_ context.Context, d time.Duration) error {
		f.waits = append(f.waits, d)
		return nil
	}
	return f
}

func (f *fixture) evaluation(t *testing.T) (bids.Evaluation, *float64) {
	t.Helper()
	sub, err := f.store.GetSubmission(context.Background(), "bid-1")
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	return sub.Evaluation, sub.EvaluationScore
}

func TestRunEvaluatesAllStages(t *testing.T) {
	f := newFixture(t, nil)

	report, err := f.orch.Run(context.Background(), "bid-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	called := f.gateway.stagesCalled()
	expected := []string{StageEligibility, StageTechnical, StageFinancial, StageLegal}
	if strings.Join(called, ",") != strings.Join(expected, ",") {
		t.Fatalf("unexpected model calls: %v", called)
	}
	if len(f.waits) != 3 {
		t.Fatalf("expected pacing between the 4 model calls, got %v", f.waits)
	}

	for _, s := range report.Stages {
		if s.Status != StatusDone {
			t.Fatalf("stage %s: expected done, got %s (%v)", s.Stage, s.Status, s.Err)
		}
	}

	ev, score := f.evaluation(t)
	for _, marker := range DoneMarkers() {
		if !ev.Has(marker) {
			t.Fatalf("missing %s in %v", marker, ev)
		}
	}
	// (80 + 70 + 90 + 100 + 90) / 5
	if score == nil || *score != 86.0 || report.Aggregate != 86.0 {
		t.Fatalf("expected aggregate 86, got %v / %v", score, report.Aggregate)
	}

	first := f.gateway.calls[0]
	if first.Temperature != 0 || first.System == "" {
		t.Fatalf("unexpected request: %+v", first)
	}
	if first.User != `eligibility_requirements: ["A","B","C"]` {
		t.Fatalf("unexpected eligibility prompt: %q", first.User)
	}
	if len(first.Attachments) != 2 ||
		first.Attachments[0].URL != "http://files.local/static/bids/bid.pdf" ||
		first.Attachments[1].URL != "https://cdn.example.com/cert.png" {
		t.Fatalf("unexpected attachments: %+v", first.Attachments)
	}
	if !strings.Contains(f.gateway.calls[2].User, `["RAM"]`) {
		t.Fatalf("financial prompt must list SKU components: %q", f.gateway.calls[2].User)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.orch.Run(ctx, "bid-1"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	before, scoreBefore := f.evaluation(t)
	calls := len(f.gateway.calls)

	report, err := f.orch.Run(ctx, "bid-1")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	after, scoreAfter := f.evaluation(t)

	if len(f.gateway.calls) != calls {
		t.Fatalf("second run called the model %d times", len(f.gateway.calls)-calls)
	}
	for _, s := range report.Stages {
		if s.Status != StatusSkipped {
			t.Fatalf("stage %s: expected skipped, got %s", s.Stage, s.Status)
		}
	}
	if len(before) != len(after) {
		t.Fatalf("evaluation keys changed: %v -> %v", before, after)
	}
	for k, v := range before {
		if string(after[k]) != string(v) {
			t.Fatalf("key %s changed: %s -> %s", k, v, after[k])
		}
	}
	if *scoreBefore != *scoreAfter {
		t.Fatalf("score changed: %v -> %v", *scoreBefore, *scoreAfter)
	}
}

func TestRunResumesAfterStageFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	prior := bids.Evaluation{
		"eligibility":           json.RawMessage(`[true,true,true]`),
		"eligibility_score":     json.RawMessage(`60`),
		"eligibility_reasoning": json.RawMessage(`"prior"`),
		"technical_sku":         json.RawMessage(`{"RAM":[true,true]}`),
		"technical_checklist":   json.RawMessage(`[true]`),
		"technical_score":       json.RawMessage(`50`),
		"technical_reasoning":   json.RawMessage(`"prior"`),
	}
	if err := f.store.MergeEvaluation(ctx, "bid-1", prior); err != nil {
		t.Fatalf("seed evaluation: %v", err)
	}
	f.gateway.errs[StageFinancial] = ai.ErrModelTimeout

	report, err := f.orch.Run(ctx, "bid-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	statuses := map[string]Status{}
	for _, s := range report.Stages {
		statuses[s.Stage] = s.Status
	}
	want := map[string]Status{
		StageEligibility:  StatusSkipped,
		StageTechnical:    StatusSkipped,
		StageFinancial:    StatusFailed,
		StageLegal:        StatusDone,
		StageVerification: StatusDone,
	}
	for stage, status := range want {
		if statuses[stage] != status {
			t.Fatalf("stage %s: expected %s, got %s", stage, status, statuses[stage])
		}
	}

	failed := report.Failed()
	if len(failed) != 1 || !errors.Is(failed[0].Err, ai.ErrModelTimeout) {
		t.Fatalf("unexpected failures: %+v", failed)
	}

	ev, score := f.evaluation(t)
	for k, v := range prior {
		if string(ev[k]) != string(v) {
			t.Fatalf("prior key %s changed to %s", k, ev[k])
		}
	}
	for _, k := range []string{"financial", "financial_score", "financial_reasoning"} {
		if ev.Has(k) {
			t.Fatalf("failed stage wrote %s", k)
		}
	}
	// (60 + 50 + 0 + 100 + 90) / 5
	if score == nil || *score != 60 {
		t.Fatalf("expected aggregate 60, got %v", score)
	}

	delete(f.gateway.errs, StageFinancial)
	report, err = f.orch.Run(ctx, "bid-1")
	if err != nil {
		t.Fatalf("retry run: %v", err)
	}
	if called := f.gateway.stagesCalled(); called[len(called)-1] != StageFinancial {
		t.Fatalf("retry must only call the failed stage, got %v", called)
	}
	if len(report.Failed()) != 0 {
		t.Fatalf("unexpected failures on retry: %+v", report.Failed())
	}
}

func TestRunMergeKeepsSiblingKeys(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.store.MergeEvaluation(ctx, "bid-1", bids.Evaluation{"reviewer_note": json.RawMessage(`"keep me"`)}); err != nil {
		t.Fatalf("seed evaluation: %v", err)
	}
	f.gateway.replies[StageLegal] = `{"legal": [true], "legal_score": 100, "legal_reasoning": "ok", "extra": {"a": 1}}`

	if _, err := f.orch.Run(ctx, "bid-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ev, _ := f.evaluation(t)
	if string(ev["reviewer_note"]) != `"keep me"` {
		t.Fatalf("sibling key lost: %v", ev)
	}
	if !ev.Has("extra") || !ev.Has("technical_reasoning") {
		t.Fatalf("expected extra key merged alongside stage keys: %v", ev)
	}
}

func TestRunRejectsUnparseableAndMisshapenOutput(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	f := newFixture(t, zap.New(core))
	f.gateway.replies[StageEligibility] = "I could not read the document."
	f.gateway.replies[StageTechnical] = `{"technical_score": 140, "technical_reasoning": "too high"}`
	f.gateway.replies[StageLegal] = `{"legal": [true], "legal_score": "95", "legal_reasoning": ""}`

	report, err := f.orch.Run(context.Background(), "bid-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	kinds := map[string]FailureKind{}
	for _, s := range report.Failed() {
		var stageErr *StageError
		if !errors.As(s.Err, &stageErr) {
			t.Fatalf("expected StageError, got %v", s.Err)
		}
		kinds[s.Stage] = stageErr.Kind
	}
	if kinds[StageEligibility] != KindParse || kinds[StageTechnical] != KindShape || kinds[StageLegal] != KindShape {
		t.Fatalf("unexpected failure kinds: %v", kinds)
	}

	ev, _ := f.evaluation(t)
	for _, k := range []string{"eligibility_reasoning", "technical_score", "legal"} {
		if ev.Has(k) {
			t.Fatalf("rejected output wrote %s", k)
		}
	}
	if logs.FilterMessage("stage failed").Len() != 3 {
		t.Fatalf("expected 3 failure logs, got %d", logs.FilterMessage("stage failed").Len())
	}
	if got := testutil.ToFloat64(f.orch.opts.Metrics.stageFailures.WithLabelValues(StageTechnical, string(KindShape))); got != 1 {
		t.Fatalf("expected shape failure metric, got %v", got)
	}
}

func TestRunMissingRecords(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	report, err := f.orch.Run(ctx, "bid-unknown")
	if err != nil || report != nil {
		t.Fatalf("missing submission must be a no-op, got %v, %v", report, err)
	}

	if err := f.store.CreateSubmission(ctx, &bids.Submission{BidID: "bid-orphan", TenderID: "TND-1999-001"}); err != nil {
		t.Fatalf("create submission: %v", err)
	}
	if _, err := f.orch.Run(ctx, "bid-orphan"); !errors.Is(err, ErrTenderMissing) {
		t.Fatalf("expected ErrTenderMissing, got %v", err)
	}
	if len(f.gateway.calls) != 0 {
		t.Fatalf("no model calls expected, got %d", len(f.gateway.calls))
	}
}

func TestRunStopsWhenCancelled(t *testing.T) {
	f := newFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	f.orch.wait = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := f.orch.Run(ctx, "bid-1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if called := f.gateway.stagesCalled(); len(called) != 1 {
		t.Fatalf("expected to stop after the first stage, got %v", called)
	}
}

func TestAggregate(t *testing.T) {
	t.Parallel()

	ev := bids.Evaluation{
		"eligibility_score":  json.RawMessage(`80`),
		"technical_score":    json.RawMessage(`70`),
		"financial_score":    json.RawMessage(`90`),
		"legal_score":        json.RawMessage(`100`),
		"verification_score": json.RawMessage(`90`),
	}
	if got := Aggregate(ev); got != 86.0 {
		t.Fatalf("expected 86.0, got %v", got)
	}

	partial := bids.Evaluation{
		"eligibility_score": json.RawMessage(`"50"`),
		"legal_score":       json.RawMessage(`null`),
	}
	if got := Aggregate(partial); got != 10 {
		t.Fatalf("expected 10, got %v", got)
	}
	if got := Aggregate(nil); got != 0 {
		t.Fatalf("expected 0 for empty evaluation, got %v", got)
	}
}

func TestResolveFileURL(t *testing.T) {
	t.Parallel()

	tests := []struct{ base, ref, expect string }{
		{"http://host:8080", "/static/a.pdf", "http://host:8080/static/a.pdf"},
		{"http://host:8080/", "static/a.pdf", "http://host:8080/static/a.pdf"},
		{"http://host", "https://cdn/x.pdf", "https://cdn/x.pdf"},
		{"", "/static/a.pdf", "/static/a.pdf"},
	}
	for _, tt := range tests {
		if got := ResolveFileURL(tt.base, tt.ref); got != tt.expect {
			t.Fatalf("ResolveFileURL(%q, %q) = %q, expected %q", tt.base, tt.ref, got, tt.expect)
		}
	}
}

func TestRunSendsLatestUploadOfReplacedDocument(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	reuploaded := time.Date(2025, 5, 2, 9, 30, 0, 0, time.UTC)
	err := f.store.AddSubmissionAttachment(ctx, "bid-1", bids.Attachment{
		FileName:   "bid.pdf",
		URL:        "/static/bids/bid.pdf",
		UploadedAt: reuploaded,
	})
	if err != nil {
		t.Fatalf("add attachment: %v", err)
	}

	if _, err := f.orch.Run(ctx, "bid-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	atts := f.gateway.calls[0].Attachments
	if len(atts) != 2 {
		t.Fatalf("expected the replaced document once, got %+v", atts)
	}
	if atts[0].URL != "http://files.local/static/bids/bid.pdf" || atts[0].Version != reuploaded.Format(time.RFC3339Nano) {
		t.Fatalf("expected the latest upload first, got %+v", atts[0])
	}
}
