package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Stargazers-Consulting-LLC/creampie-sub002/models"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/services/loader"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/services/pipeline"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/services/tracking"
)

const maxErrorMessage = 500

// Processor runs the per-symbol pipeline.
type Processor interface {
	Process(ctx context.Context, symbol string) (*pipeline.Report, error)
	RecoverStaged(ctx context.Context, symbols []string) (int, error)
}

// Scheduler manages the ingestion job
type Scheduler struct {
	cron      *gocron.Scheduler
	opts      Options
	registry  *tracking.Registry
	processor Processor
	running   atomic.Bool
	now       func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a new scheduler instance
func NewScheduler(opts Options, registry *tracking.Registry, processor Processor) *Scheduler {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:      gocron.NewScheduler(time.UTC),
		opts:      opts,
		registry:  registry,
		processor: processor,
		now:       time.Now,
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// Start schedules the ingestion cycle at the configured interval.
func (s *Scheduler) Start() error {
	log.Println("Starting scheduler...")

	job := s.cron.Every(s.opts.Interval)
	if !s.opts.RunOnStart {
		job = job.WaitForSchedule()
	}
	if _, err := job.Do(s.tick); err != nil {
		return err
	}

	s.cron.StartAsync()
	log.Printf("Scheduler started, cycle every %s", s.opts.Interval)
	return nil
}

// Stop stops the scheduler and cancels a running cycle.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.cancel()
	log.Println("Scheduler stopped")
}

// Running reports whether a cycle is in progress.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

func (s *Scheduler) tick() {
	_, err := s.RunCycle(s.baseCtx)
	var sys *SystemicError
	switch {
	case errors.Is(err, ErrCycleInProgress):
		log.Println("Previous cycle still running, skipping this firing")
	case errors.As(err, &sys):
		log.Printf("ERROR: ingestion alert: %v", err)
	case err != nil:
		log.Printf("Cycle failed: %v", err)
	}
}

// TriggerCycle runs a cycle outside the schedule. It is bound to the
// scheduler's lifetime, not the caller's, so Stop cancels it.
func (s *Scheduler) TriggerCycle() (*CycleReport, error) {
	return s.RunCycle(s.baseCtx)
}

// RunCycle ingests every active symbol once. Symbol failures are recorded on
// the tracked row and never abort the cycle. It returns ErrCycleInProgress if
// another cycle is running.
func (s *Scheduler) RunCycle(ctx context.Context) (*CycleReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	defer s.running.Store(false)

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	report := &CycleReport{
		ID:        uuid.NewString(),
		StartedAt: s.now().UTC(),
		Failures:  map[string]string{},
	}

	entries, err := s.registry.ListActive(ctx)
	if err != nil {
		return report, &SystemicError{CycleID: report.ID, Err: err}
	}
	report.Symbols = len(entries)
	log.Printf("Cycle %s: starting for %d symbol(s)", report.ID, len(entries))

	symbols := make([]string, len(entries))
	for i, e := range entries {
		symbols[i] = e.Symbol
	}
	if n, err := s.processor.RecoverStaged(ctx, symbols); err != nil {
		log.Printf("Cycle %s: leftover recovery failed: %v", report.ID, err)
	} else {
		report.Recovered = n
	}

	var (
		mu          sync.Mutex
		persistFail int
	)
	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for _, symbol := range symbols {
		g.Go(func() error {
			err := s.runSymbol(ctx, report.ID, symbol)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				report.Failures[symbol] = err.Error()
				var pe *loader.PersistenceError
				if errors.As(err, &pe) {
					persistFail++
				}
			} else {
				report.Succeeded++
			}
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = s.now().UTC()
	log.Printf("Cycle %s: finished in %s, %d succeeded, %d failed",
		report.ID, report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond), report.Succeeded, report.Failed)

	if len(symbols) > 0 && persistFail == len(symbols) {
		return report, &SystemicError{CycleID: report.ID, Err: errors.New("storage failed for every symbol")}
	}
	return report, nil
}

// runSymbol runs one symbol under its budget and records the outcome.
func (s *Scheduler) runSymbol(ctx context.Context, cycleID, symbol string) error {
	sctx := ctx
	if s.opts.SymbolBudget > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, s.opts.SymbolBudget)
		defer cancel()
	}

	rep, err := s.process(sctx, symbol)

	outcome := tracking.Outcome{Status: models.PullSuccess, At: s.now().UTC()}
	if err != nil {
		outcome.Status = models.PullFailed
		outcome.Message = truncate(err.Error(), maxErrorMessage)
		log.Printf("Cycle %s: %s failed: %v", cycleID, symbol, err)
	} else if rep != nil && rep.Load != nil {
		log.Printf("Cycle %s: %s ok, inserted=%d updated=%d skipped=%d",
			cycleID, symbol, rep.Load.Inserted, rep.Load.Updated, rep.Load.Skipped)
	}

	// Record even when the cycle deadline has passed.
	if rerr := s.registry.RecordOutcome(context.WithoutCancel(ctx), symbol, outcome); rerr != nil {
		log.Printf("Cycle %s: %v", cycleID, rerr)
	}
	return err
}

// process runs the pipeline for one symbol. A panic in any stage becomes
// that symbol's error.
func (s *Scheduler) process(ctx context.Context, symbol string) (rep *pipeline.Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered panic while processing %s: %v\n%s", symbol, r, debug.Stack())
			rep, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return s.processor.Process(ctx, symbol)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
