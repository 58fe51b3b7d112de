package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/bid-evaluator/internal/bids"
	"github.com/spigell/bid-evaluator/internal/store"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestCreateTenderAssignsSequentialIDs(t *testing.T) {
	ctx := context.Background()
	s := New(WithClock(fixedClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))))

	first, err := s.CreateTender(ctx, &bids.Tender{Title: "Laptops"})
	require.NoError(t, err)
	second, err := s.CreateTender(ctx, &bids.Tender{Title: "Desks"})
	require.NoError(t, err)

	assert.Equal(t, "TND-2025-001", first.TenderID)
	assert.Equal(t, "TND-2025-002", second.TenderID)
	assert.Equal(t, bids.StageDraft, first.Stage)

	require.NoError(t, s.DeleteTender(ctx, "TND-2025-002"))
	third, err := s.CreateTender(ctx, &bids.Tender{Title: "Chairs"})
	require.NoError(t, err)
	assert.Equal(t, "TND-2025-002", third.TenderID, "only the highest remaining sequence counts")
}

func TestUpdateTenderLocked(t *testing.T) {
	ctx := context.Background()
	s := New()

	created, err := s.CreateTender(ctx, &bids.Tender{Title: "Laptops", Stage: bids.StageLive})
	require.NoError(t, err)

	title := "changed"
	_, err = s.UpdateTender(ctx, created.TenderID, bids.TenderPatch{Title: &title})
	require.ErrorIs(t, err, store.ErrTenderLocked)

	got, err := s.GetTender(ctx, created.TenderID)
	require.NoError(t, err)
	assert.Equal(t, "Laptops", got.Title)

	_, err = s.UpdateTender(ctx, "TND-1999-001", bids.TenderPatch{Title: &title})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateTenderDraft(t *testing.T) {
	ctx := context.Background()
	s := New()

	created, err := s.CreateTender(ctx, &bids.Tender{Title: "Laptops", Amount: 100})
	require.NoError(t, err)

	live := bids.StageLive
	updated, err := s.UpdateTender(ctx, created.TenderID, bids.TenderPatch{Stage: &live})
	require.NoError(t, err)
	assert.Equal(t, bids.StageLive, updated.Stage)
	assert.Equal(t, 100.0, updated.Amount)

	liveOnly, err := s.ListTenders(ctx, bids.StageLive)
	require.NoError(t, err)
	require.Len(t, liveOnly, 1)

	drafts, err := s.ListTenders(ctx, bids.StageDraft)
	require.NoError(t, err)
	assert.Empty(t, drafts)
}

func TestTenderAttachments(t *testing.T) {
	ctx := context.Background()
	s := New()

	created, err := s.CreateTender(ctx, &bids.Tender{Title: "Laptops"})
	require.NoError(t, err)

	require.NoError(t, s.AddTenderAttachment(ctx, created.TenderID, bids.Attachment{FileName: "a.pdf", URL: "/static/a.pdf"}))
	require.NoError(t, s.AddTenderAttachment(ctx, created.TenderID, bids.Attachment{FileName: "b.pdf", URL: "/static/b.pdf"}))
	require.NoError(t, s.RemoveTenderAttachment(ctx, created.TenderID, "a.pdf"))
	require.ErrorIs(t, s.RemoveTenderAttachment(ctx, created.TenderID, "a.pdf"), store.ErrNotFound)

	got, err := s.GetTender(ctx, created.TenderID)
	require.NoError(t, err)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "b.pdf", got.Attachments[0].FileName)
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.CreateSubmission(ctx, &bids.Submission{BidID: "bid-1", TenderID: "TND-2025-001"}))

	sub, err := s.GetSubmission(ctx, "bid-1")
	require.NoError(t, err)
	sub.Evaluation["eligibility_score"] = json.RawMessage(`1`)
	sub.CurrentStage = 9

	again, err := s.GetSubmission(ctx, "bid-1")
	require.NoError(t, err)
	assert.False(t, again.Evaluation.Has("eligibility_score"))
	assert.Equal(t, 0, again.CurrentStage)
}

func TestFreshSubmissionHasWritableEvaluation(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.CreateSubmission(ctx, &bids.Submission{BidID: "bid-1", TenderID: "TND-2025-001"}))

	sub, err := s.GetSubmission(ctx, "bid-1")
	require.NoError(t, err)
	require.NotNil(t, sub.Evaluation)
	assert.Empty(t, sub.Evaluation)

	listed, err := s.ListSubmissions(ctx, "TND-2025-001")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.NotNil(t, listed[0].Evaluation)
}

func TestMergeEvaluationKeepsSiblings(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.CreateSubmission(ctx, &bids.Submission{BidID: "bid-1", TenderID: "TND-2025-001"}))
	require.NoError(t, s.MergeEvaluation(ctx, "bid-1", bids.Evaluation{
		"eligibility":           json.RawMessage(`[true]`),
		"eligibility_score":     json.RawMessage(`80`),
		"eligibility_reasoning": json.RawMessage(`"fine"`),
	}))
	require.NoError(t, s.MergeEvaluation(ctx, "bid-1", bids.Evaluation{
		"legal_score":     json.RawMessage(`70`),
		"legal_reasoning": json.RawMessage(`"ok"`),
	}))
	require.NoError(t, s.SetEvaluationScore(ctx, "bid-1", 30))

	sub, err := s.GetSubmission(ctx, "bid-1")
	require.NoError(t, err)
	assert.JSONEq(t, `[true]`, string(sub.Evaluation["eligibility"]))
	assert.JSONEq(t, `70`, string(sub.Evaluation["legal_score"]))
	require.NotNil(t, sub.EvaluationScore)
	assert.Equal(t, 30.0, *sub.EvaluationScore)

	require.ErrorIs(t, s.MergeEvaluation(ctx, "missing", bids.Evaluation{}), store.ErrNotFound)
}

func TestUpdateSubmissionStage(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.CreateSubmission(ctx, &bids.Submission{BidID: "bid-1", CurrentStage: 1}))

	old, err := s.UpdateSubmissionStage(ctx, "bid-1", 3)
	require.NoError(t, err)
	assert.Equal(t, 1, old)

	require.ErrorIs(t, s.CreateSubmission(ctx, &bids.Submission{BidID: "bid-1"}), store.ErrConflict)
}

func TestListPendingEvaluations(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	s := New()
	markers := []string{"eligibility_reasoning", "legal_reasoning"}

	complete := bids.Evaluation{
		"eligibility_reasoning": json.RawMessage(`"a"`),
		"legal_reasoning":       json.RawMessage(`"b"`),
	}

	require.NoError(t, s.CreateSubmission(ctx, &bids.Submission{BidID: "bid-old", SubmittedAt: base}))
	require.NoError(t, s.CreateSubmission(ctx, &bids.Submission{BidID: "bid-partial", SubmittedAt: base.Add(time.Minute),
		Evaluation: bids.Evaluation{"eligibility_reasoning": json.RawMessage(`"a"`)}}))
	require.NoError(t, s.CreateSubmission(ctx, &bids.Submission{BidID: "bid-done", SubmittedAt: base.Add(2 * time.Minute),
		Evaluation: complete}))
	require.NoError(t, s.SetEvaluationScore(ctx, "bid-done", 50))
	require.NoError(t, s.CreateSubmission(ctx, &bids.Submission{BidID: "bid-unscored", SubmittedAt: base.Add(3 * time.Minute),
		Evaluation: complete}))
	require.NoError(t, s.CreateSubmission(ctx, &bids.Submission{BidID: "bid-fresh", SubmittedAt: base.Add(time.Hour)}))

	ids, err := s.ListPendingEvaluations(ctx, markers, base.Add(30*time.Minute), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"bid-old", "bid-partial", "bid-unscored"}, ids)

	limited, err := s.ListPendingEvaluations(ctx, markers, base.Add(30*time.Minute), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"bid-old"}, limited)
}

func TestVendors(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.CreateVendor(ctx, &bids.Vendor{VendorID: "vendor-1", CompanyName: "Acme"}))
	require.ErrorIs(t, s.CreateVendor(ctx, &bids.Vendor{VendorID: "vendor-1"}), store.ErrConflict)

	v, err := s.GetVendor(ctx, "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", v.CompanyName)
	assert.False(t, v.CreatedAt.IsZero())

	_, err = s.GetVendor(ctx, "vendor-2")
	require.ErrorIs(t, err, store.ErrNotFound)
}
