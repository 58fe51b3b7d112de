// Package memory is an in-process implementation of store.Store. Records are
// deep-copied on every read and write so callers never share state with the
// store.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/spigell/bid-evaluator/internal/bids"
	"github.com/spigell/bid-evaluator/internal/store"
)

type Store struct {
	mu          sync.RWMutex
	now         func() time.Time
	tenders     map[string]*bids.Tender
	submissions map[string]*bids.Submission
	vendors     map[string]*bids.Vendor
}

var _ store.Store = (*Store)(nil)

type Option func(*Store)

// WithClock overrides the clock used for tender ids and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		now:         time.Now,
		tenders:     make(map[string]*bids.Tender),
		submissions: make(map[string]*bids.Submission),
		vendors:     make(map[string]*bids.Vendor),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() {}

func (s *Store) CreateTender(_ context.Context, tender *bids.Tender) (*bids.Tender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.tenders))
	for id := range s.tenders {
		ids = append(ids, id)
	}

	created, err := clone(tender)
	if err != nil {
		return nil, err
	}

	now := s.now()
	created.TenderID = bids.NextTenderID(ids, now.Year())
	if created.Stage == "" {
		created.Stage = bids.StageDraft
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = now
	}
	if created.Attachments == nil {
		created.Attachments = []bids.Attachment{}
	}

	s.tenders[created.TenderID] = created
	return clone(created)
}

func (s *Store) GetTender(_ context.Context, tenderID string) (*bids.Tender, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tenders[tenderID]
	if !ok {
		return nil, fmt.Errorf("tender %s: %w", tenderID, store.ErrNotFound)
	}
	return clone(t)
}

func (s *Store) ListTenders(_ context.Context, stage bids.Stage) ([]*bids.Tender, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*bids.Tender, 0, len(s.tenders))
	for _, t := range s.tenders {
		if stage != "" && t.Stage != stage {
			continue
		}
		c, err := clone(t)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenderID < out[j].TenderID })
	return out, nil
}

func (s *Store) UpdateTender(_ context.Context, tenderID string, patch bids.TenderPatch) (*bids.Tender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenders[tenderID]
	if !ok {
		return nil, fmt.Errorf("tender %s: %w", tenderID, store.ErrNotFound)
	}
	if !t.Editable() {
		return nil, fmt.Errorf("tender %s in stage %s: %w", tenderID, t.Stage, store.ErrTenderLocked)
	}

	updated, err := clone(t)
	if err != nil {
		return nil, err
	}
	patched, err := clone(&patch)
	if err != nil {
		return nil, err
	}
	patched.Apply(updated)

	s.tenders[tenderID] = updated
	return clone(updated)
}

func (s *Store) DeleteTender(_ context.Context, tenderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenders[tenderID]; !ok {
		return fmt.Errorf("tender %s: %w", tenderID, store.ErrNotFound)
	}
	delete(s.tenders, tenderID)
	return nil
}

func (s *Store) AddTenderAttachment(_ context.Context, tenderID string, att bids.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenders[tenderID]
	if !ok {
		return fmt.Errorf("tender %s: %w", tenderID, store.ErrNotFound)
	}
	t.Attachments = append(t.Attachments, att)
	return nil
}

func (s *Store) RemoveTenderAttachment(_ context.Context, tenderID, fileName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenders[tenderID]
	if !ok {
		return fmt.Errorf("tender %s: %w", tenderID, store.ErrNotFound)
	}

	before := len(t.Attachments)
	t.Attachments = slices.DeleteFunc(t.Attachments, func(a bids.Attachment) bool {
		return a.FileName == fileName
	})
	if len(t.Attachments) == before {
		return fmt.Errorf("attachment %s of tender %s: %w", fileName, tenderID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateSubmission(_ context.Context, sub *bids.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.submissions[sub.BidID]; ok {
		return fmt.Errorf("submission %s: %w", sub.BidID, store.ErrConflict)
	}

	created, err := clone(sub)
	if err != nil {
		return err
	}
	if created.SubmittedAt.IsZero() {
		created.SubmittedAt = s.now()
	}
	if created.Attachments == nil {
		created.Attachments = []bids.Attachment{}
	}
	if created.Evaluation == nil {
		created.Evaluation = bids.Evaluation{}
	}

	s.submissions[created.BidID] = created
	return nil
}

func (s *Store) GetSubmission(_ context.Context, bidID string) (*bids.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.submissions[bidID]
	if !ok {
		return nil, fmt.Errorf("submission %s: %w", bidID, store.ErrNotFound)
	}
	return clone(sub)
}

func (s *Store) ListSubmissions(_ context.Context, tenderID string) ([]*bids.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*bids.Submission, 0)
	for _, sub := range s.submissions {
		if sub.TenderID != tenderID {
			continue
		}
		c, err := clone(sub)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (s *Store) AddSubmissionAttachment(_ context.Context, bidID string, att bids.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[bidID]
	if !ok {
		return fmt.Errorf("submission %s: %w", bidID, store.ErrNotFound)
	}
	sub.Attachments = append(sub.Attachments, att)
	return nil
}

func (s *Store) UpdateSubmissionStage(_ context.Context, bidID string, stage int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[bidID]
	if !ok {
		return 0, fmt.Errorf("submission %s: %w", bidID, store.ErrNotFound)
	}
	old := sub.CurrentStage
	sub.CurrentStage = stage
	return old, nil
}

func (s *Store) MergeEvaluation(_ context.Context, bidID string, fields bids.Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[bidID]
	if !ok {
		return fmt.Errorf("submission %s: %w", bidID, store.ErrNotFound)
	}
	if sub.Evaluation == nil {
		sub.Evaluation = bids.Evaluation{}
	}
	sub.Evaluation.Merge(fields)
	return nil
}

func (s *Store) SetEvaluationScore(_ context.Context, bidID string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[bidID]
	if !ok {
		return fmt.Errorf("submission %s: %w", bidID, store.ErrNotFound)
	}
	sub.EvaluationScore = &score
	return nil
}

func (s *Store) ListPendingEvaluations(_ context.Context, markers []string, before time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := make([]*bids.Submission, 0)
	for _, sub := range s.submissions {
		if !sub.SubmittedAt.Before(before) {
			continue
		}
		if sub.EvaluationScore != nil && hasAll(sub.Evaluation, markers) {
			continue
		}
		pending = append(pending, sub)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].SubmittedAt.Before(pending[j].SubmittedAt) })

	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	ids := make([]string, 0, len(pending))
	for _, sub := range pending {
		ids = append(ids, sub.BidID)
	}
	return ids, nil
}

func (s *Store) CreateVendor(_ context.Context, vendor *bids.Vendor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.vendors[vendor.VendorID]; ok {
		return fmt.Errorf("vendor %s: %w", vendor.VendorID, store.ErrConflict)
	}

	created := *vendor
	if created.CreatedAt.IsZero() {
		created.CreatedAt = s.now()
	}
	s.vendors[created.VendorID] = &created
	return nil
}

func (s *Store) GetVendor(_ context.Context, vendorID string) (*bids.Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.vendors[vendorID]
	if !ok {
		return nil, fmt.Errorf("vendor %s: %w", vendorID, store.ErrNotFound)
	}
	out := *v
	return &out, nil
}

func hasAll(ev bids.Evaluation, keys []string) bool {
	for _, key := range keys {
		if !ev.Has(key) {
			return false
		}
	}
	return true
}

func clone[T any](v *T) (*T, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("copy record: %w", err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("copy record: %w", err)
	}
	return &out, nil
}
