/*
scheduler.go - Automated accrual scheduler

PURPOSE:
  Periodically runs the accrual sweep and drains the outbox, so interest is
  charged once per loan per month without anyone calling the API.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start, then on every tick
  - Each run: Sweep(asOf = Clock()) then DrainOutbox
  - Ticks are at-least-once; a second run in the same month accrues nothing
    because eligibility is measured from each loan's last accrual date
  - Runs are serialized; the admin endpoint and the ticker share RunAt

CONFIGURATION:
  - CheckInterval: How often to check (default: 24 hours)
  - Enabled: Whether scheduler is active (default: true)
  - Clock: Source of the as-of date (default: time.Now)

USAGE:
  scheduler := NewAccrualScheduler(l, logger)
  scheduler.CheckInterval = time.Hour
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual sweep)
  - ledger/accrual.go: Sweep
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/loan-ledger/ledger"
)

// RunReport is the outcome of one scheduler run.
type RunReport struct {
	AsOf       ledger.Date        `json:"as_of"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Sweep      ledger.SweepResult `json:"sweep"`
	Outbox     ledger.DrainResult `json:"outbox"`
	Error      string             `json:"error,omitempty"`
}

// AccrualScheduler triggers the accrual sweep on a fixed interval.
type AccrualScheduler struct {
	Ledger        *ledger.Ledger
	CheckInterval time.Duration
	Enabled       bool
	DrainLimit    int
	Clock         func() time.Time

	logger *slog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex // guards ticker, stop, cancel

	runMu   sync.Mutex // one run at a time
	last    *RunReport
	lastMu  sync.RWMutex
	nextRun time.Time
}

// NewAccrualScheduler creates a new scheduler.
func NewAccrualScheduler(l *ledger.Ledger, logger *slog.Logger) *AccrualScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccrualScheduler{
		Ledger:        l,
		CheckInterval: 24 * time.Hour,
		Enabled:       true,
		DrainLimit:    500,
		Clock:         time.Now,
		logger:        logger.With("component", "scheduler"),
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (s *AccrualScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run(ctx, s.ticker, s.stop)

	s.logger.Info("started", "interval", s.CheckInterval)
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (s *AccrualScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.cancel()
	s.wg.Wait()
	s.ticker = nil
	s.logger.Info("stopped")
}

func (s *AccrualScheduler) run(ctx context.Context, ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.tick(ctx)

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-stop:
			return
		}
	}
}

func (s *AccrualScheduler) tick(ctx context.Context) {
	s.RunNow(ctx)
	s.lastMu.Lock()
	s.nextRun = s.Clock().Add(s.CheckInterval)
	s.lastMu.Unlock()
}

// RunNow runs the sweep for today's date.
func (s *AccrualScheduler) RunNow(ctx context.Context) (RunReport, error) {
	return s.RunAt(ctx, ledger.DateOf(s.Clock()))
}

// RunAt sweeps as of asOf, then drains the outbox. The report is kept
// for LastResult even when the sweep fails.
func (s *AccrualScheduler) RunAt(ctx context.Context, asOf ledger.Date) (RunReport, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	report := RunReport{AsOf: asOf, StartedAt: s.Clock()}
	sweep, err := s.Ledger.Accruals.Sweep(ctx, asOf)
	report.Sweep = sweep
	if err != nil {
		report.Error = err.Error()
		s.logger.Error("sweep failed", "as_of", asOf, "error", err)
	} else {
		drain, derr := s.Ledger.Outbox.DrainOutbox(ctx, s.DrainLimit)
		report.Outbox = drain
		if derr != nil {
			report.Error = derr.Error()
			s.logger.Error("outbox drain failed", "error", derr)
		}
	}
	report.FinishedAt = s.Clock()

	s.lastMu.Lock()
	s.last = &report
	s.lastMu.Unlock()

	if sweep.Accrued > 0 || sweep.Failed > 0 {
		s.logger.Info("run completed",
			"as_of", asOf,
			"accrued", sweep.Accrued,
			"skipped", sweep.Skipped,
			"failed", sweep.Failed,
			"outbox_completed", report.Outbox.Completed,
		)
	}
	return report, err
}

// LastResult returns the most recent run, if any.
func (s *AccrualScheduler) LastResult() (RunReport, bool) {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	if s.last == nil {
		return RunReport{}, false
	}
	return *s.last, true
}

// GetNextRunTime returns when the next scheduled run will occur. Zero if
// the scheduler has not ticked yet.
func (s *AccrualScheduler) GetNextRunTime() time.Time {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.nextRun
}
