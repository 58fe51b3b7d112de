// Package scheduler runs evaluations in the background. The executor owns a
// bounded queue and a worker pool; the sweeper periodically re-schedules
// submissions whose evaluation is still incomplete.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/spigell/bid-evaluator/internal/evaluation"
	"github.com/spigell/bid-evaluator/internal/logger"
	"github.com/spigell/bid-evaluator/internal/utils"
)

var ErrStopped = errors.New("executor is stopped")

const (
	defaultWorkers    = 4
	defaultQueueSize  = 128
	defaultRunTimeout = 30 * time.Minute
	maxRunHistory     = 1000
)

// Runner evaluates one submission.
type Runner interface {
	Run(ctx context.Context, bidID string) (*evaluation.Report, error)
}

type Options struct {
	Workers    int
	QueueSize  int
	StartDelay time.Duration
	RunTimeout time.Duration
	Metrics    *Metrics
}

type RunState string

const (
	RunQueued    RunState = "queued"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
)

// RunStatus is the latest known state of a submission's evaluation.
type RunStatus struct {
	BidID        string    `json:"bid_id"`
	State        RunState  `json:"state"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"last_error,omitempty"`
	FailedStages []string  `json:"failed_stages,omitempty"`
	Aggregate    *float64  `json:"aggregate,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Executor struct {
	runner Runner
	opts   Options
	logger *zap.Logger

	queue chan string
	group singleflight.Group

	mu      sync.Mutex
	runs    map[string]*RunStatus
	queued  map[string]bool
	rerun   map[string]bool
	stopped bool

	baseCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup

	wait func(ctx context.Context, d time.Duration) error
	now  func() time.Time
}

func NewExecutor(runner Runner, log *zap.Logger, opts Options) *Executor {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = defaultRunTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		runner:  runner,
		opts:    opts,
		logger:  logger.WithFields(log, zap.String("component", "executor")),
		queue:   make(chan string, opts.QueueSize),
		runs:    make(map[string]*RunStatus),
		queued:  make(map[string]bool),
		rerun:   make(map[string]bool),
		baseCtx: ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		wait:    utils.WaitFor,
		now:     time.Now,
	}
}

// Start launches the worker pool.
func (e *Executor) Start() {
	for range e.opts.Workers {
		e.wg.Add(1)
		go e.worker()
	}
	e.logger.Info("executor started", zap.Int("workers", e.opts.Workers), zap.Int("queue_size", e.opts.QueueSize))
}

// Schedule queues an evaluation without blocking. It reports false when the
// queue is full or the executor is stopped. A bid that is already queued is
// not queued twice; a bid that is running is queued again once the current
// run finishes.
func (e *Executor) Schedule(bidID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return false
	}
	if e.queued[bidID] {
		return true
	}
	if st, ok := e.runs[bidID]; ok && st.State == RunRunning {
		e.rerun[bidID] = true
		return true
	}
	return e.enqueueLocked(bidID)
}

func (e *Executor) enqueueLocked(bidID string) bool {
	select {
	case e.queue <- bidID:
	default:
		e.logger.Warn("evaluation queue is full", zap.String(logger.FieldBidID, bidID))
		return false
	}

	e.queued[bidID] = true
	e.setStateLocked(bidID, RunQueued)
	e.opts.Metrics.SetQueueDepth(len(e.queue))
	return true
}

// RunNow evaluates the bid on the caller's goroutine, sharing the result with
// any run of the same bid already in flight.
func (e *Executor) RunNow(ctx context.Context, bidID string) (*evaluation.Report, error) {
	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return nil, ErrStopped
	}
	return e.execute(ctx, bidID, false)
}

// Runs returns the status of every known run, most recently updated first.
func (e *Executor) Runs() []RunStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]RunStatus, 0, len(e.runs))
	for _, st := range e.runs {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

func (e *Executor) Status(bidID string) (RunStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.runs[bidID]
	if !ok {
		return RunStatus{}, false
	}
	return *st, true
}

// Attempts reports how many runs of the bid this process has started.
func (e *Executor) Attempts(bidID string) int {
	st, _ := e.Status(bidID)
	return st.Attempts
}

// Stop refuses new work and waits for running evaluations. Queued bids are
// dropped. When ctx expires first, running evaluations are cancelled.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	close(e.done)
	e.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		e.cancel()
		e.logger.Info("executor stopped")
		return nil
	case <-ctx.Done():
		e.cancel()
		<-finished
		return fmt.Errorf("executor stop: %w", ctx.Err())
	}
}

func (e *Executor) worker() {
	defer e.wg.Done()

	for {
		select {
		case <-e.done:
			return
		case bidID := <-e.queue:
			e.mu.Lock()
			delete(e.queued, bidID)
			e.opts.Metrics.SetQueueDepth(len(e.queue))
			e.mu.Unlock()

			_, _ = e.execute(e.baseCtx, bidID, true)
		}
	}
}

func (e *Executor) execute(ctx context.Context, bidID string, delayed bool) (*evaluation.Report, error) {
	v, err, _ := e.group.Do(bidID, func() (any, error) {
		return e.runOnce(ctx, bidID, delayed)
	})
	report, _ := v.(*evaluation.Report)
	return report, err
}

func (e *Executor) runOnce(ctx context.Context, bidID string, delayed bool) (report *evaluation.Report, err error) {
	log := e.logger.With(zap.String(logger.FieldBidID, bidID))

	e.mu.Lock()
	st := e.setStateLocked(bidID, RunRunning)
	st.Attempts++
	attempt := st.Attempts
	e.mu.Unlock()

	e.opts.Metrics.RunStarted()
	defer func() {
		e.opts.Metrics.RunFinished()
		e.finish(bidID, report, err)
	}()

	if delayed {
		if err := e.wait(ctx, e.opts.StartDelay); err != nil {
			return nil, err
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.opts.RunTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Error("evaluation panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			report = nil
			err = fmt.Errorf("evaluation of %s panicked: %v", bidID, r)
		}
	}()

	log.Debug("evaluation run started", zap.Int("attempt", attempt))
	return e.runner.Run(runCtx, bidID)
}

func (e *Executor) finish(bidID string, report *evaluation.Report, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.runs[bidID]
	st.UpdatedAt = e.now()
	st.LastError = ""
	st.FailedStages = nil
	st.Aggregate = nil

	var failures []string
	for _, f := range report.Failed() {
		st.FailedStages = append(st.FailedStages, f.Stage)
		failures = append(failures, f.Error)
	}
	if report != nil {
		aggregate := report.Aggregate
		st.Aggregate = &aggregate
	}

	switch {
	case err != nil:
		st.State = RunFailed
		st.LastError = err.Error()
	case len(failures) > 0:
		st.State = RunFailed
		st.LastError = strings.Join(failures, "; ")
	default:
		st.State = RunCompleted
	}
	e.opts.Metrics.IncRun(string(st.State))
	if st.State == RunFailed {
		e.logger.Warn("evaluation run failed",
			zap.String(logger.FieldBidID, bidID),
			zap.Int("attempt", st.Attempts),
			zap.String("error", st.LastError),
		)
	}

	// Later callers must start a new run instead of joining this one.
	e.group.Forget(bidID)
	if e.rerun[bidID] {
		delete(e.rerun, bidID)
		if !e.stopped && !e.queued[bidID] {
			e.enqueueLocked(bidID)
		}
	}
	if e.queued[bidID] {
		st.State = RunQueued
	}
	e.pruneLocked()
}

func (e *Executor) setStateLocked(bidID string, state RunState) *RunStatus {
	st, ok := e.runs[bidID]
	if !ok {
		st = &RunStatus{BidID: bidID}
		e.runs[bidID] = st
	}
	st.State = state
	st.UpdatedAt = e.now()
	return st
}

// pruneLocked drops the oldest completed runs once the history is full.
func (e *Executor) pruneLocked() {
	if len(e.runs) <= maxRunHistory {
		return
	}

	var oldestID string
	var oldest time.Time
	for id, st := range e.runs {
		if st.State != RunCompleted {
			continue
		}
		if oldestID == "" || st.UpdatedAt.Before(oldest) {
			oldestID, oldest = id, st.UpdatedAt
		}
	}
	if oldestID != "" {
		delete(e.runs, oldestID)
	}
}
