// Package evaluation runs the staged scoring of a bid submission against its
// tender's requirement schema.
//
// Stages run in a fixed order. A stage is skipped when its reasoning key is
// already present in the persisted evaluation, so a run can be repeated at
// any time and only incomplete stages reach the model. Every stage output is
// merged key by key; previously stored keys are never removed.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/bid-evaluator/internal/ai"
	"github.com/spigell/bid-evaluator/internal/bids"
	"github.com/spigell/bid-evaluator/internal/logger"
	"github.com/spigell/bid-evaluator/internal/store"
	"github.com/spigell/bid-evaluator/internal/utils"
)

// ErrTenderMissing aborts a run whose submission references an unknown tender.
var ErrTenderMissing = errors.New("tender referenced by submission not found")

const defaultStageTimeout = 5 * time.Minute

type Store interface {
	store.SubmissionReader
	store.EvaluationWriter
}

type Options struct {
	// FileBaseURL is prepended to attachment URLs that are not absolute.
	FileBaseURL  string
	Temperature  float32
	StageDelay   time.Duration
	StageTimeout time.Duration
	RepairJSON   bool
	Metrics      *Metrics
}

type Status string

const (
	StatusSkipped Status = "skipped"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

type StageOutcome struct {
	Stage    string        `json:"stage"`
	Status   Status        `json:"status"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
}

type Report struct {
	BidID     string         `json:"bid_id"`
	TenderID  string         `json:"tender_id"`
	Stages    []StageOutcome `json:"stages"`
	Aggregate float64        `json:"aggregate"`
}

// Failed returns the outcomes of stages that did not complete in this run.
func (r *Report) Failed() []StageOutcome {
	if r == nil {
		return nil
	}
	var out []StageOutcome
	for _, s := range r.Stages {
		if s.Status == StatusFailed {
			out = append(out, s)
		}
	}
	return out
}

type Orchestrator struct {
	store   Store
	gateway ai.Gateway
	stages  []Stage
	opts    Options
	logger  *zap.Logger

	wait func(ctx context.Context, d time.Duration) error
}

func New(st Store, gateway ai.Gateway, log *zap.Logger, opts Options) *Orchestrator {
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = defaultStageTimeout
	}
	return &Orchestrator{
		store:   st,
		gateway: gateway,
		stages:  Stages(),
		opts:    opts,
		logger:  logger.WithFields(log),
		wait:    utils.WaitFor,
	}
}

// Run evaluates every incomplete stage of the submission and recomputes its
// aggregate score. A missing submission is a no-op and returns (nil, nil).
// Stage failures are reported in the Report, not as an error, and later
// stages still run.
func (o *Orchestrator) Run(ctx context.Context, bidID string) (*Report, error) {
	o.opts.Metrics.RunStarted()
	defer o.opts.Metrics.RunFinished()

	sub, err := o.store.GetSubmission(ctx, bidID)
	if errors.Is(err, store.ErrNotFound) {
		o.logger.Debug("submission not found, nothing to evaluate", zap.String(logger.FieldBidID, bidID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load submission %s: %w", bidID, err)
	}

	log := o.logger.With(logger.EvaluationFields(bidID, sub.TenderID)...)

	tender, err := o.store.GetTender(ctx, sub.TenderID)
	if errors.Is(err, store.ErrNotFound) {
		log.Error("tender not found, evaluation aborted")
		return nil, fmt.Errorf("%w: %s", ErrTenderMissing, sub.TenderID)
	}
	if err != nil {
		return nil, fmt.Errorf("load tender %s: %w", sub.TenderID, err)
	}

	attachments := o.attachments(sub)
	report := &Report{BidID: bidID, TenderID: sub.TenderID}
	log.Info("evaluation started", zap.Int("attachments", len(attachments)))

	modelCalled := false
	for _, stage := range o.stages {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		current, err := o.store.GetSubmission(ctx, bidID)
		if err != nil {
			return report, fmt.Errorf("reload submission %s: %w", bidID, err)
		}
		if stage.Done(current.Evaluation) {
			log.Debug("stage already done", logger.StageField(stage.Name))
			report.Stages = append(report.Stages, StageOutcome{Stage: stage.Name, Status: StatusSkipped})
			continue
		}

		if stage.CallsModel() {
			if modelCalled {
				if err := o.wait(ctx, o.opts.StageDelay); err != nil {
					return report, err
				}
			}
			modelCalled = true
		}

		outcome := o.runStage(ctx, log, bidID, stage, tender.Requirements, attachments)
		report.Stages = append(report.Stages, outcome)
	}

	score, err := o.aggregate(ctx, bidID)
	if err != nil {
		return report, err
	}
	report.Aggregate = score

	log.Info("evaluation finished",
		zap.Float64("evaluation_score", score),
		zap.Int("failed_stages", len(report.Failed())),
	)
	return report, nil
}

func (o *Orchestrator) runStage(
	ctx context.Context,
	log *zap.Logger,
	bidID string,
	stage Stage,
	req bids.Requirements,
	attachments []ai.Attachment,
) StageOutcome {
	log = log.With(logger.StageField(stage.Name))
	start := time.Now()

	fields, err := o.produce(ctx, stage, req, attachments)
	if err == nil {
		if mergeErr := o.store.MergeEvaluation(ctx, bidID, fields); mergeErr != nil {
			err = &StageError{Stage: stage.Name, Kind: KindStore, Err: mergeErr}
		}
	}

	outcome := StageOutcome{Stage: stage.Name, Duration: time.Since(start)}
	if err != nil {
		kind := KindModel
		var stageErr *StageError
		if errors.As(err, &stageErr) {
			kind = stageErr.Kind
		}

		outcome.Status = StatusFailed
		outcome.Err = err
		outcome.Error = err.Error()
		o.opts.Metrics.IncStageFailure(stage.Name, kind)
		o.opts.Metrics.ObserveStage(stage.Name, string(StatusFailed), outcome.Duration)
		log.Error("stage failed", zap.String("kind", string(kind)), zap.Error(err))
		return outcome
	}

	outcome.Status = StatusDone
	o.opts.Metrics.ObserveStage(stage.Name, string(StatusDone), outcome.Duration)
	score, _ := fields.Number(stage.ScoreKey())
	log.Info("stage completed", zap.Float64("score", score), zap.Duration("duration", outcome.Duration))
	return outcome
}

// produce returns the fields a stage writes, either its fixed result or the
// validated model output.
func (o *Orchestrator) produce(ctx context.Context, stage Stage, req bids.Requirements, attachments []ai.Attachment) (bids.Evaluation, error) {
	if !stage.CallsModel() {
		return stage.FixedResult(), nil
	}

	stageCtx, cancel := context.WithTimeout(ctx, o.opts.StageTimeout)
	defer cancel()

	raw, err := o.gateway.Invoke(stageCtx, ai.Request{
		Stage:       stage.Name,
		System:      stage.System(),
		User:        stage.UserPrompt(req),
		Attachments: attachments,
		Temperature: o.opts.Temperature,
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ai.ErrModelTimeout) {
			err = fmt.Errorf("%w: stage deadline %s: %w", ai.ErrModelTimeout, o.opts.StageTimeout, err)
		}
		return nil, &StageError{Stage: stage.Name, Kind: KindModel, Err: err}
	}

	fields, err := ParseOutput(raw, o.opts.RepairJSON)
	if err != nil {
		return nil, &StageError{Stage: stage.Name, Kind: KindParse, Err: err}
	}
	if err := CheckShape(stage, fields); err != nil {
		return nil, &StageError{Stage: stage.Name, Kind: KindShape, Err: err}
	}
	return fields, nil
}

func (o *Orchestrator) aggregate(ctx context.Context, bidID string) (float64, error) {
	sub, err := o.store.GetSubmission(ctx, bidID)
	if err != nil {
		return 0, fmt.Errorf("reload submission %s: %w", bidID, err)
	}

	score := Aggregate(sub.Evaluation)
	if err := o.store.SetEvaluationScore(ctx, bidID, score); err != nil {
		return 0, fmt.Errorf("store evaluation score of %s: %w", bidID, err)
	}
	o.opts.Metrics.ObserveAggregate(score)
	return score, nil
}

// attachments lists the submission's documents. A file uploaded again under
// the same URL is sent once, as its latest upload.
func (o *Orchestrator) attachments(sub *bids.Submission) []ai.Attachment {
	out := make([]ai.Attachment, 0, len(sub.Attachments))
	seen := make(map[string]int, len(sub.Attachments))
	latest := make(map[string]time.Time, len(sub.Attachments))

	for _, att := range sub.Attachments {
		if strings.TrimSpace(att.URL) == "" {
			continue
		}
		ref := ai.Attachment{
			Name: att.FileName,
			URL:  ResolveFileURL(o.opts.FileBaseURL, att.URL),
		}
		if !att.UploadedAt.IsZero() {
			ref.Version = att.UploadedAt.UTC().Format(time.RFC3339Nano)
		}

		i, ok := seen[ref.URL]
		if !ok {
			seen[ref.URL] = len(out)
			latest[ref.URL] = att.UploadedAt
			out = append(out, ref)
			continue
		}
		if !att.UploadedAt.Before(latest[ref.URL]) {
			latest[ref.URL] = att.UploadedAt
			out[i] = ref
		}
	}
	return out
}

// ResolveFileURL joins a stored attachment URL with the file-serving base.
// Absolute URLs are returned unchanged.
func ResolveFileURL(base, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	base = strings.TrimRight(base, "/")
	if base == "" {
		return ref
	}
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	return base + ref
}

// Aggregate is the mean of the five stage scores. Missing or non-numeric
// scores count as zero.
func Aggregate(ev bids.Evaluation) float64 {
	total := 0.0
	for _, stage := range stages {
		if score, ok := ev.Number(stage.ScoreKey()); ok {
			total += score
		}
	}
	return total / float64(len(stages))
}
