package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/spigell/bid-evaluator/internal/evaluation"
	"github.com/spigell/bid-evaluator/internal/logger"
)

const (
	defaultSweepSchedule = "@every 10m"
	defaultSweepGrace    = 15 * time.Minute
	defaultSweepLimit    = 50
	defaultMaxAttempts   = 3
	sweepTimeout         = time.Minute
)

// PendingLister finds submissions whose evaluation is incomplete.
type PendingLister interface {
	ListPendingEvaluations(ctx context.Context, markers []string, before time.Time, limit int) ([]string, error)
}

// Queue is the part of the executor the sweeper drives.
type Queue interface {
	Schedule(bidID string) bool
	Attempts(bidID string) int
}

type SweeperOptions struct {
	Schedule    string
	Grace       time.Duration
	Limit       int
	MaxAttempts int
}

// Sweeper re-schedules incomplete evaluations on a cron schedule so that
// runs lost to a crash or a failed stage eventually complete.
type Sweeper struct {
	cron    *cron.Cron
	lister  PendingLister
	queue   Queue
	opts    SweeperOptions
	markers []string
	logger  *zap.Logger
	now     func() time.Time
}

func NewSweeper(lister PendingLister, queue Queue, log *zap.Logger, opts SweeperOptions) (*Sweeper, error) {
	if opts.Schedule == "" {
		opts.Schedule = defaultSweepSchedule
	}
	if opts.Grace <= 0 {
		opts.Grace = defaultSweepGrace
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultSweepLimit
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}

	log = logger.WithFields(log, zap.String("component", "sweeper"))
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cronLog := cronLogger{log: log.Sugar()}

	s := &Sweeper{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		lister:  lister,
		queue:   queue,
		opts:    opts,
		markers: evaluation.DoneMarkers(),
		logger:  log,
		now:     time.Now,
	}

	if _, err := s.cron.AddFunc(opts.Schedule, s.tick); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", opts.Schedule, err)
	}
	return s, nil
}

func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("sweeper started", zap.String("schedule", s.opts.Schedule))
}

// Stop waits for a sweep in progress, bounded by ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

func (s *Sweeper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("sweep failed", zap.Error(err))
	}
}

// Sweep schedules every pending submission older than the grace period and
// returns how many were queued. Bids that exhausted their attempts are left
// for a manual re-evaluation.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	before := s.now().Add(-s.opts.Grace)
	ids, err := s.lister.ListPendingEvaluations(ctx, s.markers, before, s.opts.Limit)
	if err != nil {
		return 0, fmt.Errorf("list pending evaluations: %w", err)
	}

	scheduled := 0
	for _, id := range ids {
		if attempts := s.queue.Attempts(id); attempts >= s.opts.MaxAttempts {
			s.logger.Debug("evaluation attempts exhausted",
				zap.String(logger.FieldBidID, id),
				zap.Int("attempts", attempts),
			)
			continue
		}
		if !s.queue.Schedule(id) {
			s.logger.Warn("sweep stopped, queue refused evaluation", zap.String(logger.FieldBidID, id))
			break
		}
		scheduled++
	}

	if len(ids) > 0 {
		s.logger.Info("sweep finished", zap.Int("pending", len(ids)), zap.Int("scheduled", scheduled))
	}
	return scheduled, nil
}

type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
