// Package postgres persists tenders, submissions and vendors in Postgres.
//
// Requirements are stored in a JSON column so the order of technical SKU
// components and specs survives a round trip. Evaluations live in a JSONB
// column and are updated with a shallow `||` merge so concurrent stage writes
// never clobber each other's keys.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spigell/bid-evaluator/internal/bids"
	"github.com/spigell/bid-evaluator/internal/store"
)

const (
	tendersTable     = "tenders"
	submissionsTable = "submissions"
	vendorsTable     = "vendors"
)

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open connects to databaseURL and makes sure the schema exists.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := New(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + tendersTable + ` (
    tender_id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    stage TEXT NOT NULL DEFAULT 'draft',
    end_date TEXT NOT NULL DEFAULT '',
    amount DOUBLE PRECISION NOT NULL DEFAULT 0,
    earnest_money_deposit DOUBLE PRECISION NOT NULL DEFAULT 0,
    contact_person TEXT NOT NULL DEFAULT '',
    contact_phone TEXT NOT NULL DEFAULT '',
    contact_email TEXT NOT NULL DEFAULT '',
    attachments JSONB NOT NULL DEFAULT '[]',
    requirements JSON NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		`CREATE INDEX IF NOT EXISTS idx_tenders_stage ON ` + tendersTable + ` (stage);`,
		`CREATE TABLE IF NOT EXISTS ` + submissionsTable + ` (
    bid_id TEXT PRIMARY KEY,
    tender_id TEXT NOT NULL,
    vendor_id TEXT NOT NULL DEFAULT '',
    company_name TEXT NOT NULL DEFAULT '',
    bidder_name TEXT NOT NULL DEFAULT '',
    bidder_contact TEXT NOT NULL DEFAULT '',
    bidder_phone TEXT NOT NULL DEFAULT '',
    bidder_email TEXT NOT NULL DEFAULT '',
    bid_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
    current_stage INTEGER NOT NULL DEFAULT 0,
    submitted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    attachments JSONB NOT NULL DEFAULT '[]',
    evaluation JSONB NOT NULL DEFAULT '{}',
    evaluation_score DOUBLE PRECISION
);`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_tender ON ` + submissionsTable + ` (tender_id);`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_submitted ON ` + submissionsTable + ` (submitted_at);`,
		`CREATE TABLE IF NOT EXISTS ` + vendorsTable + ` (
    vendor_id TEXT PRIMARY KEY,
    company_name TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		migrateLegacyEvaluationKeys,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// migrateLegacyEvaluationKeys renames the misspelled eligibility keys of
// older records in place. Current keys win when both are present.
const migrateLegacyEvaluationKeys = `UPDATE ` + submissionsTable + `
SET evaluation = jsonb_strip_nulls(jsonb_build_object(
        'eligibility', evaluation->'elegibility',
        'eligibility_score', evaluation->'elegibility_score',
        'eligibility_reasoning', evaluation->'elegibility_reasoning'))
    || (evaluation - 'elegibility' - 'elegibility_score' - 'elegibility_reasoning')
WHERE evaluation ?| ARRAY['elegibility', 'elegibility_score', 'elegibility_reasoning'];`

const tenderColumns = `tender_id, title, description, stage, end_date, amount, earnest_money_deposit,
       contact_person, contact_phone, contact_email, attachments, requirements, created_at`

func (s *Store) CreateTender(ctx context.Context, tender *bids.Tender) (*bids.Tender, error) {
	created := *tender
	now := s.now()
	if created.Stage == "" {
		created.Stage = bids.StageDraft
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = now
	}
	if created.Attachments == nil {
		created.Attachments = []bids.Attachment{}
	}

	attachments, requirements, err := encodeTenderDocs(&created)
	if err != nil {
		return nil, err
	}

	err = store.CreateWithRetry(func() error {
		existing, err := s.tenderIDsForYear(ctx, now.Year())
		if err != nil {
			return err
		}
		created.TenderID = bids.NextTenderID(existing, now.Year())

		tag, err := s.pool.Exec(ctx, `
INSERT INTO `+tendersTable+` (`+tenderColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12::json, $13)
ON CONFLICT (tender_id) DO NOTHING
`, created.TenderID, created.Title, created.Description, string(created.Stage), created.EndDate,
			created.Amount, created.EarnestMoneyDeposit, created.ContactPerson, created.ContactPhone,
			created.ContactEmail, attachments, requirements, created.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert tender: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("tender %s: %w", created.TenderID, store.ErrConflict)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *Store) tenderIDsForYear(ctx context.Context, year int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT tender_id FROM `+tendersTable+` WHERE tender_id LIKE $1`,
		"TND-"+strconv.Itoa(year)+"-%")
	if err != nil {
		return nil, fmt.Errorf("list tender ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list tender ids: %w", err)
	}
	return ids, nil
}

func (s *Store) GetTender(ctx context.Context, tenderID string) (*bids.Tender, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tenderColumns+` FROM `+tendersTable+` WHERE tender_id = $1`, tenderID)
	t, err := scanTender(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("tender %s: %w", tenderID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get tender %s: %w", tenderID, err)
	}
	return t, nil
}

func (s *Store) ListTenders(ctx context.Context, stage bids.Stage) ([]*bids.Tender, error) {
	query := `SELECT ` + tenderColumns + ` FROM ` + tendersTable
	args := []any{}
	if stage != "" {
		query += ` WHERE stage = $1`
		args = append(args, string(stage))
	}
	query += ` ORDER BY tender_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tenders: %w", err)
	}
	defer rows.Close()

	out := make([]*bids.Tender, 0)
	for rows.Next() {
		t, err := scanTender(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tender: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tenders: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateTender(ctx context.Context, tenderID string, patch bids.TenderPatch) (*bids.Tender, error) {
	var updated *bids.Tender
	err := s.withTenderLocked(ctx, tenderID, func(tx pgx.Tx, t *bids.Tender) error {
		if !t.Editable() {
			return fmt.Errorf("tender %s in stage %s: %w", tenderID, t.Stage, store.ErrTenderLocked)
		}
		patch.Apply(t)

		_, requirements, err := encodeTenderDocs(t)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
UPDATE `+tendersTable+`
SET title = $2, description = $3, stage = $4, end_date = $5, amount = $6, earnest_money_deposit = $7,
    contact_person = $8, contact_phone = $9, contact_email = $10, requirements = $11::json
WHERE tender_id = $1
`, tenderID, t.Title, t.Description, string(t.Stage), t.EndDate, t.Amount, t.EarnestMoneyDeposit,
			t.ContactPerson, t.ContactPhone, t.ContactEmail, requirements)
		if err != nil {
			return fmt.Errorf("update tender %s: %w", tenderID, err)
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) DeleteTender(ctx context.Context, tenderID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+tendersTable+` WHERE tender_id = $1`, tenderID)
	if err != nil {
		return fmt.Errorf("delete tender %s: %w", tenderID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tender %s: %w", tenderID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) AddTenderAttachment(ctx context.Context, tenderID string, att bids.Attachment) error {
	return s.pushAttachment(ctx, tendersTable, "tender_id", tenderID, att)
}

func (s *Store) RemoveTenderAttachment(ctx context.Context, tenderID, fileName string) error {
	return s.withTenderLocked(ctx, tenderID, func(tx pgx.Tx, t *bids.Tender) error {
		before := len(t.Attachments)
		t.Attachments = slices.DeleteFunc(t.Attachments, func(a bids.Attachment) bool {
			return a.FileName == fileName
		})
		if len(t.Attachments) == before {
			return fmt.Errorf("attachment %s of tender %s: %w", fileName, tenderID, store.ErrNotFound)
		}

		attachments, err := json.Marshal(t.Attachments)
		if err != nil {
			return fmt.Errorf("encode attachments: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE `+tendersTable+` SET attachments = $2::jsonb WHERE tender_id = $1`,
			tenderID, string(attachments)); err != nil {
			return fmt.Errorf("update attachments of %s: %w", tenderID, err)
		}
		return nil
	})
}

// withTenderLocked loads the tender with a row lock and commits when fn succeeds.
func (s *Store) withTenderLocked(ctx context.Context, tenderID string, fn func(tx pgx.Tx, t *bids.Tender) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // no-op if committed

	row := tx.QueryRow(ctx, `SELECT `+tenderColumns+` FROM `+tendersTable+` WHERE tender_id = $1 FOR UPDATE`, tenderID)
	t, err := scanTender(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("tender %s: %w", tenderID, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get tender %s: %w", tenderID, err)
	}

	if err := fn(tx, t); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const submissionColumns = `bid_id, tender_id, vendor_id, company_name, bidder_name, bidder_contact, bidder_phone,
       bidder_email, bid_amount, current_stage, submitted_at, attachments, evaluation, evaluation_score`

func (s *Store) CreateSubmission(ctx context.Context, sub *bids.Submission) error {
	submittedAt := sub.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = s.now()
	}
	attachments := sub.Attachments
	if attachments == nil {
		attachments = []bids.Attachment{}
	}
	evaluation := sub.Evaluation
	if evaluation == nil {
		evaluation = bids.Evaluation{}
	}

	attachmentsJSON, err := json.Marshal(attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	evaluationJSON, err := json.Marshal(evaluation)
	if err != nil {
		return fmt.Errorf("encode evaluation: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
INSERT INTO `+submissionsTable+` (`+submissionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13::jsonb, $14)
ON CONFLICT (bid_id) DO NOTHING
`, sub.BidID, sub.TenderID, sub.VendorID, sub.CompanyName, sub.BidderName, sub.BidderContact, sub.BidderPhone,
		sub.BidderEmail, sub.BidAmount, sub.CurrentStage, submittedAt, string(attachmentsJSON), string(evaluationJSON),
		sub.EvaluationScore)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("submission %s: %w", sub.BidID, store.ErrConflict)
	}
	return nil
}

func (s *Store) GetSubmission(ctx context.Context, bidID string) (*bids.Submission, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM `+submissionsTable+` WHERE bid_id = $1`, bidID)
	sub, err := scanSubmission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("submission %s: %w", bidID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get submission %s: %w", bidID, err)
	}
	return sub, nil
}

func (s *Store) ListSubmissions(ctx context.Context, tenderID string) ([]*bids.Submission, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+submissionColumns+` FROM `+submissionsTable+`
WHERE tender_id = $1
ORDER BY submitted_at
`, tenderID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	out := make([]*bids.Submission, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	return out, nil
}

func (s *Store) AddSubmissionAttachment(ctx context.Context, bidID string, att bids.Attachment) error {
	return s.pushAttachment(ctx, submissionsTable, "bid_id", bidID, att)
}

func (s *Store) UpdateSubmissionStage(ctx context.Context, bidID string, stage int) (int, error) {
	var old int
	err := s.pool.QueryRow(ctx, `
UPDATE `+submissionsTable+` AS s
SET current_stage = $2
FROM (SELECT bid_id, current_stage FROM `+submissionsTable+` WHERE bid_id = $1 FOR UPDATE) AS prev
WHERE s.bid_id = prev.bid_id
RETURNING prev.current_stage
`, bidID, stage).Scan(&old)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("submission %s: %w", bidID, store.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("update stage of %s: %w", bidID, err)
	}
	return old, nil
}

func (s *Store) MergeEvaluation(ctx context.Context, bidID string, fields bids.Evaluation) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode evaluation: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
UPDATE `+submissionsTable+`
SET evaluation = COALESCE(evaluation, '{}'::jsonb) || $2::jsonb
WHERE bid_id = $1
`, bidID, string(data))
	if err != nil {
		return fmt.Errorf("merge evaluation of %s: %w", bidID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("submission %s: %w", bidID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) SetEvaluationScore(ctx context.Context, bidID string, score float64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE `+submissionsTable+` SET evaluation_score = $2 WHERE bid_id = $1`, bidID, score)
	if err != nil {
		return fmt.Errorf("set score of %s: %w", bidID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("submission %s: %w", bidID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ListPendingEvaluations(ctx context.Context, markers []string, before time.Time, limit int) ([]string, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	rows, err := s.pool.Query(ctx, `
SELECT bid_id FROM `+submissionsTable+`
WHERE submitted_at < $1
  AND (evaluation_score IS NULL OR NOT (COALESCE(evaluation, '{}'::jsonb) ?& $2::text[]))
ORDER BY submitted_at
LIMIT $3
`, before, markers, limitArg)
	if err != nil {
		return nil, fmt.Errorf("list pending evaluations: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list pending evaluations: %w", err)
	}
	return ids, nil
}

func (s *Store) CreateVendor(ctx context.Context, vendor *bids.Vendor) error {
	createdAt := vendor.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	tag, err := s.pool.Exec(ctx, `
INSERT INTO `+vendorsTable+` (vendor_id, company_name, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (vendor_id) DO NOTHING
`, vendor.VendorID, vendor.CompanyName, createdAt)
	if err != nil {
		return fmt.Errorf("insert vendor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("vendor %s: %w", vendor.VendorID, store.ErrConflict)
	}
	return nil
}

func (s *Store) GetVendor(ctx context.Context, vendorID string) (*bids.Vendor, error) {
	var v bids.Vendor
	err := s.pool.QueryRow(ctx, `SELECT vendor_id, company_name, created_at FROM `+vendorsTable+` WHERE vendor_id = $1`,
		vendorID).Scan(&v.VendorID, &v.CompanyName, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("vendor %s: %w", vendorID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get vendor %s: %w", vendorID, err)
	}
	return &v, nil
}

func (s *Store) pushAttachment(ctx context.Context, table, idColumn, id string, att bids.Attachment) error {
	data, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("encode attachment: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
UPDATE `+table+`
SET attachments = COALESCE(attachments, '[]'::jsonb) || jsonb_build_array($2::jsonb)
WHERE `+idColumn+` = $1
`, id, string(data))
	if err != nil {
		return fmt.Errorf("add attachment to %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", idColumn, id, store.ErrNotFound)
	}
	return nil
}

func encodeTenderDocs(t *bids.Tender) (attachments, requirements string, err error) {
	a, err := json.Marshal(t.Attachments)
	if err != nil {
		return "", "", fmt.Errorf("encode attachments: %w", err)
	}
	r, err := json.Marshal(t.Requirements)
	if err != nil {
		return "", "", fmt.Errorf("encode requirements: %w", err)
	}
	return string(a), string(r), nil
}

func scanTender(row pgx.Row) (*bids.Tender, error) {
	var (
		t            bids.Tender
		stage        string
		attachments  []byte
		requirements []byte
	)
	if err := row.Scan(&t.TenderID, &t.Title, &t.Description, &stage, &t.EndDate, &t.Amount,
		&t.EarnestMoneyDeposit, &t.ContactPerson, &t.ContactPhone, &t.ContactEmail,
		&attachments, &requirements, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Stage = bids.Stage(stage)

	if err := json.Unmarshal(attachments, &t.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	if err := json.Unmarshal(requirements, &t.Requirements); err != nil {
		return nil, fmt.Errorf("decode requirements: %w", err)
	}
	return &t, nil
}

func scanSubmission(row pgx.Row) (*bids.Submission, error) {
	var (
		sub         bids.Submission
		attachments []byte
		evaluation  []byte
	)
	if err := row.Scan(&sub.BidID, &sub.TenderID, &sub.VendorID, &sub.CompanyName, &sub.BidderName,
		&sub.BidderContact, &sub.BidderPhone, &sub.BidderEmail, &sub.BidAmount, &sub.CurrentStage,
		&sub.SubmittedAt, &attachments, &evaluation, &sub.EvaluationScore); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(attachments, &sub.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	sub.Evaluation = bids.Evaluation{}
	if len(evaluation) > 0 {
		if err := json.Unmarshal(evaluation, &sub.Evaluation); err != nil {
			return nil, fmt.Errorf("decode evaluation: %w", err)
		}
	}
	return &sub, nil
}
