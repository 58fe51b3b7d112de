package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/bid-evaluator/internal/bids"
	"github.com/spigell/bid-evaluator/internal/evaluation"
	"github.com/spigell/bid-evaluator/internal/store/memory"
)

type fakeQueue struct {
	attempts  map[string]int
	scheduled []string
	capacity  int
}

func (q *fakeQueue) Schedule(bidID string) bool {
	if len(q.scheduled) >= q.capacity {
		return false
	}
	q.scheduled = append(q.scheduled, bidID)
	return true
}

func (q *fakeQueue) Attempts(bidID string) int { return q.attempts[bidID] }

type failingLister struct{}

func (failingLister) ListPendingEvaluations(context.Context, []string, time.Time, int) ([]string, error) {
	return nil, errors.New("connection refused")
}

func TestSweepSchedulesPendingSubmissions(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	st := memory.New()
	ctx := context.Background()

	seed := []struct {
		id       string
		age      time.Duration
		complete bool
	}{
		{id: "bid-old", age: time.Hour},
		{id: "bid-exhausted", age: 2 * time.Hour},
		{id: "bid-complete", age: 3 * time.Hour, complete: true},
		{id: "bid-fresh", age: time.Minute},
	}
	for _, s := range seed {
		sub := submission(s.id, now.Add(-s.age))
		if s.complete {
			sub.Evaluation = completeEvaluation()
			score := 90.0
			sub.EvaluationScore = &score
		}
		if err := st.CreateSubmission(ctx, sub); err != nil {
			t.Fatalf("seed %s: %v", s.id, err)
		}
	}

	queue := &fakeQueue{attempts: map[string]int{"bid-exhausted": 3}, capacity: 10}
	sw, err := NewSweeper(st, queue, zap.NewNop(), SweeperOptions{Grace: 15 * time.Minute})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	sw.now = func() time.Time { return now }

	n, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 || len(queue.scheduled) != 1 || queue.scheduled[0] != "bid-old" {
		t.Fatalf("unexpected schedule: %d %v", n, queue.scheduled)
	}
}

func TestSweepStopsWhenQueueRefuses(t *testing.T) {
	now := time.Now()
	st := memory.New()
	for _, id := range []string{"bid-1", "bid-2", "bid-3"} {
		if err := st.CreateSubmission(context.Background(), submission(id, now.Add(-time.Hour))); err != nil {
			t.Fatal(err)
		}
	}

	queue := &fakeQueue{capacity: 1}
	sw, err := NewSweeper(st, queue, zap.NewNop(), SweeperOptions{})
	if err != nil {
		t.Fatal(err)
	}

	n, err := sw.Sweep(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected one scheduled bid, got %d, %v", n, err)
	}
}

func TestSweepListError(t *testing.T) {
	sw, err := NewSweeper(failingLister{}, &fakeQueue{}, zap.NewNop(), SweeperOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sw.Sweep(context.Background()); err == nil {
		t.Fatal("expected list error")
	}
}

func TestNewSweeperRejectsBadSchedule(t *testing.T) {
	if _, err := NewSweeper(failingLister{}, &fakeQueue{}, zap.NewNop(), SweeperOptions{Schedule: "every now and then"}); err == nil {
		t.Fatal("expected schedule parse error")
	}

	sw, err := NewSweeper(failingLister{}, &fakeQueue{}, zap.NewNop(), SweeperOptions{Schedule: "*/5 * * * *"})
	if err != nil {
		t.Fatalf("standard cron spec must parse: %v", err)
	}
	sw.Start()
	sw.Stop(context.Background())
}

func submission(id string, at time.Time) *bids.Submission {
	return &bids.Submission{BidID: id, TenderID: "TND-2025-001", BidderName: "Acme", SubmittedAt: at}
}

func completeEvaluation() bids.Evaluation {
	out := make(bids.Evaluation)
	for _, marker := range evaluation.DoneMarkers() {
		out[marker] = json.RawMessage(`"done"`)
	}
	return out
}
