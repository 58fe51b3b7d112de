// Package store defines persistence for tenders, submissions and vendors.
// Records are addressed by their business identifiers (tender_id, bid_id,
// vendor_id) and every mutation is a targeted field-level update.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/spigell/bid-evaluator/internal/bids"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrTenderLocked = errors.New("tender is live or awarded and cannot be edited")
	ErrConflict     = errors.New("identifier already exists")
)

// maxCreateAttempts bounds id regeneration when concurrent creates collide.
const maxCreateAttempts = 5

type Tenders interface {
	// CreateTender assigns the next TND-<year>-<seq> id and stores the tender.
	CreateTender(ctx context.Context, tender *bids.Tender) (*bids.Tender, error)
	GetTender(ctx context.Context, tenderID string) (*bids.Tender, error)
	// ListTenders returns all tenders, or only those in stage when it is set.
	ListTenders(ctx context.Context, stage bids.Stage) ([]*bids.Tender, error)
	// UpdateTender applies patch unless the tender is locked, in which case
	// ErrTenderLocked is returned and nothing changes.
	UpdateTender(ctx context.Context, tenderID string, patch bids.TenderPatch) (*bids.Tender, error)
	DeleteTender(ctx context.Context, tenderID string) error
	AddTenderAttachment(ctx context.Context, tenderID string, att bids.Attachment) error
	RemoveTenderAttachment(ctx context.Context, tenderID, fileName string) error
}

// SubmissionReader is the read side the evaluation pipeline depends on.
type SubmissionReader interface {
	GetSubmission(ctx context.Context, bidID string) (*bids.Submission, error)
	GetTender(ctx context.Context, tenderID string) (*bids.Tender, error)
}

// EvaluationWriter is the write side the evaluation pipeline depends on.
type EvaluationWriter interface {
	// MergeEvaluation upserts each key of fields into the evaluation record
	// without touching sibling keys.
	MergeEvaluation(ctx context.Context, bidID string, fields bids.Evaluation) error
	SetEvaluationScore(ctx context.Context, bidID string, score float64) error
}

type Submissions interface {
	EvaluationWriter

	CreateSubmission(ctx context.Context, sub *bids.Submission) error
	GetSubmission(ctx context.Context, bidID string) (*bids.Submission, error)
	ListSubmissions(ctx context.Context, tenderID string) ([]*bids.Submission, error)
	AddSubmissionAttachment(ctx context.Context, bidID string, att bids.Attachment) error
	// UpdateSubmissionStage sets current_stage and returns the previous value.
	UpdateSubmissionStage(ctx context.Context, bidID string, stage int) (int, error)
	// ListPendingEvaluations returns bid ids submitted before the cut-off
	// whose evaluation lacks any of markers or has no aggregate score yet,
	// oldest first.
	ListPendingEvaluations(ctx context.Context, markers []string, before time.Time, limit int) ([]string, error)
}

type Vendors interface {
	CreateVendor(ctx context.Context, vendor *bids.Vendor) error
	GetVendor(ctx context.Context, vendorID string) (*bids.Vendor, error)
}

type Store interface {
	Tenders
	Submissions
	Vendors

	Close()
}

// CreateWithRetry calls create with freshly generated ids until it stops
// reporting ErrConflict.
func CreateWithRetry(create func() error) error {
	var err error
	for range maxCreateAttempts {
		err = create()
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return err
}
