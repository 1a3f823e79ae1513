package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type RunnerConfig struct {
	PollInterval time.Duration
	Reconciler   ReconcilerConfig
}

// Deps are the collaborators a Runner drives. Logger and Metrics are optional.
type Deps struct {
	Tickets     TicketSystem
	Cases       CaseSystem
	Links       LinkageStore
	Checkpoints CheckpointStore
	Logger      *zap.Logger
	Metrics     *Metrics
}

// PassStats summarises one pass over one source.
type PassStats struct {
	Source     string        `json:"source"`
	PassID     string        `json:"pass_id"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration_ns"`
	Fetched    int           `json:"fetched"`
	Synced     int           `json:"synced"`
	Skipped    int           `json:"skipped"`
	Created    int           `json:"created"`
	Closed     int           `json:"closed"`
	Failed     int           `json:"failed"`
	Checkpoint int64         `json:"checkpoint"`
	HeldPasses int           `json:"held_passes"`
	Aborted    bool          `json:"aborted"`
	Error      string        `json:"error,omitempty"`
}

// Status is a point-in-time view of the loop for the status endpoint.
type Status struct {
	Cycles         int                  `json:"cycles"`
	LastCycleAt    time.Time            `json:"last_cycle_at"`
	BehindSchedule int                  `json:"behind_schedule"`
	Passes         map[string]PassStats `json:"passes"`
}

// Runner drives the polling cycle: an RTS pass, then a CMS pass, then sleep.
type Runner struct {
	cfg         RunnerConfig
	rts         TicketSystem
	cms         CaseSystem
	checkpoints CheckpointStore
	rec         *Reconciler
	log         *zap.Logger
	metrics     *Metrics
	now         func() time.Time

	// held counts consecutive passes per source whose checkpoint stayed
	// below the pass start. Only the loop goroutine touches it.
	held map[string]int

	mu     sync.Mutex
	status Status
}

func NewRunner(cfg RunnerConfig, deps Deps) (*Runner, error) {
	if deps.Tickets == nil {
		return nil, fmt.Errorf("ticket system is required")
	}
	if deps.Cases == nil {
		return nil, fmt.Errorf("case system is required")
	}
	if deps.Links == nil {
		return nil, fmt.Errorf("linkage store is required")
	}
	if deps.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Minute
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		cfg:         cfg,
		rts:         deps.Tickets,
		cms:         deps.Cases,
		checkpoints: deps.Checkpoints,
		rec:         NewReconciler(cfg.Reconciler, deps.Tickets, deps.Cases, deps.Links, log),
		log:         log,
		metrics:     deps.Metrics,
		now:         time.Now,
		held:        map[string]int{},
		status:      Status{Passes: map[string]PassStats{}},
	}, nil
}

// Run loops until ctx is cancelled or a pass fails fatally. Cancellation is
// a clean exit and returns nil.
func (r *Runner) Run(ctx context.Context, once bool) error {
	for {
		start := r.now()
		if err := r.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				r.log.Info("shutting down")
				return nil
			}
			r.log.Error("sync loop stopped", zap.Error(err))
			return err
		}
		if once {
			return nil
		}
		elapsed := r.now().Sub(start)
		wait := r.cfg.PollInterval - elapsed
		if wait <= 0 {
			r.log.Warn("cycle took longer than the poll interval; staying awake to catch up",
				zap.Duration("elapsed", elapsed), zap.Duration("poll_interval", r.cfg.PollInterval))
			r.metrics.behindSchedule()
			r.mu.Lock()
			r.status.BehindSchedule++
			r.mu.Unlock()
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		r.log.Info("cycle complete", zap.Duration("elapsed", elapsed), zap.Duration("sleep", wait))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			r.log.Info("shutting down")
			return nil
		case <-t.C:
		}
	}
}

// RunOnce runs one RTS pass and one CMS pass.
func (r *Runner) RunOnce(ctx context.Context) error {
	if err := r.pass(ctx, SourceRTS, r.rts.TestConnection, r.ticketPass); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.pass(ctx, SourceCMS, r.cms.TestConnection, r.casePass); err != nil {
		return err
	}
	r.mu.Lock()
	r.status.Cycles++
	r.status.LastCycleAt = r.now().UTC()
	r.mu.Unlock()
	return nil
}

// Status returns a copy of the latest pass statistics.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.status
	out.Passes = make(map[string]PassStats, len(r.status.Passes))
	for k, v := range r.status.Passes {
		out.Passes[k] = v
	}
	return out
}

// fetchError aborts a pass without writing its checkpoint.
type fetchError struct {
	err error
}

func (e *fetchError) Error() string { return "fetch: " + e.err.Error() }
func (e *fetchError) Unwrap() error { return e.err }

// failures tracks the oldest failed item so the checkpoint can be held below it.
type failures struct {
	any    bool
	oldest int64
}

func (f *failures) add(ts int64) {
	if !f.any || ts < f.oldest {
		f.oldest = ts
	}
	f.any = true
}

type passBody func(ctx context.Context, since int64, stats *PassStats, failed *failures, log *zap.Logger) error

func (r *Runner) pass(ctx context.Context, source string, preflight func(context.Context) error, body passBody) error {
	stats := PassStats{Source: source, PassID: uuid.NewString(), Started: r.now().UTC()}
	log := r.log.With(zap.String("pass_id", stats.PassID), zap.String("source", source))
	result := "ok"
	defer func() {
		stats.Duration = r.now().Sub(stats.Started)
		r.metrics.pass(source, result, stats.Duration)
		r.mu.Lock()
		r.status.Passes[source] = stats
		r.mu.Unlock()
	}()
	fatal := func(err error) error {
		result = "fatal"
		if ctx.Err() != nil {
			result = "cancelled"
		}
		stats.Error = err.Error()
		return err
	}

	prev, err := r.checkpoints.ReadCheckpoint(ctx, source)
	if err != nil {
		return fatal(fmt.Errorf("read %s checkpoint: %w", source, err))
	}
	stats.Checkpoint = prev
	if err := preflight(ctx); err != nil {
		if ctx.Err() != nil {
			return fatal(ctx.Err())
		}
		return fatal(&ConnectivityError{System: source, Err: err})
	}
	now := r.now().UnixMilli()

	var failed failures
	if err := body(ctx, prev, &stats, &failed, log); err != nil {
		var fe *fetchError
		if errors.As(err, &fe) && ctx.Err() == nil {
			result = "aborted"
			stats.Aborted = true
			stats.Error = err.Error()
			log.Warn("pass aborted; checkpoint unchanged", zap.Error(err))
			return nil
		}
		return fatal(err)
	}

	next := nextCheckpoint(prev, now, failed)
	if err := r.checkpoints.WriteCheckpoint(ctx, source, next); err != nil {
		return fatal(fmt.Errorf("write %s checkpoint: %w", source, err))
	}
	stats.Checkpoint = next
	stats.HeldPasses = r.trackHeld(source, now, next, failed, log)
	r.metrics.checkpointWritten(source, next)
	log.Info("pass complete",
		zap.Int("fetched", stats.Fetched), zap.Int("synced", stats.Synced), zap.Int("created", stats.Created),
		zap.Int("closed", stats.Closed), zap.Int("failed", stats.Failed), zap.Int64("checkpoint", next))
	return nil
}

// trackHeld counts consecutive passes whose checkpoint was held back by
// failed items and warns once an item keeps failing across passes.
func (r *Runner) trackHeld(source string, now, next int64, failed failures, log *zap.Logger) int {
	if !failed.any || next >= now {
		r.held[source] = 0
		r.metrics.checkpointHeld(source, 0)
		return 0
	}
	r.held[source]++
	n := r.held[source]
	r.metrics.checkpointHeld(source, n)
	if n > 1 {
		log.Warn("checkpoint held back by items failing on consecutive passes",
			zap.Int("held_passes", n),
			zap.Int64("oldest_failed", failed.oldest),
			zap.String("oldest_failed_at", FormatRemoteTime(failed.oldest)))
	}
	return n
}

// nextCheckpoint is now, or just below the oldest failed item so it is fetched
// again, and never lower than prev.
func nextCheckpoint(prev, now int64, failed failures) int64 {
	next := now
	if failed.any && failed.oldest-1 < now {
		next = failed.oldest - 1
	}
	if next < prev {
		next = prev
	}
	return next
}

func (r *Runner) ticketPass(ctx context.Context, since int64, stats *PassStats, failed *failures, log *zap.Logger) error {
	tickets, err := r.rts.TicketsSince(ctx, time.UnixMilli(since).UTC())
	if err != nil {
		return &fetchError{err: err}
	}
	stats.Fetched = len(tickets)
	log.Info("fetched tickets modified since checkpoint", zap.Int("count", len(tickets)), zap.String("since", FormatRemoteTime(since)))
	for _, t := range tickets {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := r.rec.ReconcileTicket(ctx, t)
		if err != nil {
			return err
		}
		r.record(SourceRTS, stats, failed, res)
	}
	return nil
}

func (r *Runner) casePass(ctx context.Context, since int64, stats *PassStats, failed *failures, log *zap.Logger) error {
	cases, err := r.cms.CasesSince(ctx, time.UnixMilli(since).UTC())
	if err != nil {
		return &fetchError{err: err}
	}
	stats.Fetched = len(cases)
	log.Info("fetched cases modified since checkpoint", zap.Int("count", len(cases)), zap.Int64("since", since))
	for _, c := range cases {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := r.rec.ReconcileCase(ctx, c)
		if err != nil {
			return err
		}
		r.record(SourceCMS, stats, failed, res)
	}
	return nil
}

func (r *Runner) record(source string, stats *PassStats, failed *failures, res Result) {
	switch res.Outcome {
	case OutcomeSynced:
		stats.Synced++
	case OutcomeSkipped:
		stats.Skipped++
	case OutcomeCreated:
		stats.Created++
	case OutcomeClosed:
		stats.Closed++
	case OutcomeFailed:
		stats.Failed++
		failed.add(res.FailedAt)
	}
	r.metrics.item(source, res.Outcome)
}
