// Package scheduler runs periodic housekeeping for toolrun: it deletes old
// invocation records, removes upload files no record references, and clears
// the workspace scratch directory.
//
// Jobs never touch tools, upload records or fragments.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// InvocationPruner deletes invocation history older than a cutoff.
type InvocationPruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// OrphanPruner removes stored files with no upload record.
type OrphanPruner interface {
	PruneOrphans(ctx context.Context) (int, error)
}

// TmpCleaner removes stale scratch files.
type TmpCleaner interface {
	CleanStaleTmp(maxAge time.Duration) error
}

// staleTmpAge is how old a scratch entry must be before a pass removes it.
const staleTmpAge = time.Hour

// Config controls what the janitor removes and when.
type Config struct {
	Schedule           string        // Cron expression or descriptor such as "@daily".
	MaxAge             time.Duration // Invocation records older than this are deleted. 0 keeps them.
	PruneOrphanUploads bool
}

// Report summarizes one janitor pass.
type Report struct {
	InvocationsDeleted int64
	UploadsPruned      int
	Duration           time.Duration
}

// Janitor runs retention passes on a cron schedule.
type Janitor struct {
	invocations InvocationPruner
	uploads     OrphanPruner
	tmp         TmpCleaner
	config      Config
	metrics     *Metrics
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex // serializes passes
	cron    *cron.Cron
	entryID cron.EntryID
}

// New creates a Janitor. uploads and tmp may be nil.
func New(invocations InvocationPruner, uploads OrphanPruner, tmp TmpCleaner, cfg Config, metrics *Metrics, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		invocations: invocations,
		uploads:     uploads,
		tmp:         tmp,
		config:      cfg,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
	}
}

// ParseSchedule validates a cron expression or descriptor.
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// Start schedules the janitor and returns a cancel function that stops it
// and waits for a running pass to finish.
func (j *Janitor) Start(ctx context.Context) (func(), error) {
	sched, err := ParseSchedule(j.config.Schedule)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	j.cron = cron.New()
	j.entryID = j.cron.Schedule(sched, cron.FuncJob(func() {
		if _, err := j.RunOnce(ctx); err != nil {
			j.logger.ErrorContext(ctx, "retention pass failed", slog.String("error", err.Error()))
		}
	}))
	j.cron.Start()

	j.logger.InfoContext(ctx, "retention janitor started",
		slog.String("schedule", j.config.Schedule),
		slog.String("max_age", j.config.MaxAge.String()),
		slog.Bool("prune_orphan_uploads", j.config.PruneOrphanUploads),
	)

	return func() {
		cancel()
		<-j.cron.Stop().Done()
		j.logger.Info("retention janitor stopped")
	}, nil
}

// NextRun returns the next scheduled pass, or the zero time if not started.
func (j *Janitor) NextRun() time.Time {
	if j.cron == nil {
		return time.Time{}
	}
	return j.cron.Entry(j.entryID).Next
}

// RunOnce performs a single retention pass. Steps are independent: a failure
// in one is reported but does not skip the others.
func (j *Janitor) RunOnce(ctx context.Context) (*Report, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	start := j.now()
	report := &Report{}
	var errs []error

	if j.config.MaxAge > 0 && j.invocations != nil {
		cutoff := start.UTC().Add(-j.config.MaxAge)
		n, err := j.invocations.DeleteBefore(ctx, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("deleting invocations: %w", err))
		}
		report.InvocationsDeleted = n
	}

	if j.config.PruneOrphanUploads && j.uploads != nil {
		n, err := j.uploads.PruneOrphans(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("pruning uploads: %w", err))
		}
		report.UploadsPruned = n
	}

	if j.tmp != nil {
		if err := j.tmp.CleanStaleTmp(staleTmpAge); err != nil {
			errs = append(errs, fmt.Errorf("cleaning tmp: %w", err))
		}
	}

	report.Duration = j.now().Sub(start)

	if j.metrics != nil {
		j.metrics.Runs.Inc()
		j.metrics.InvocationsDeleted.Add(float64(report.InvocationsDeleted))
		j.metrics.UploadsPruned.Add(float64(report.UploadsPruned))
		j.metrics.RunDuration.Observe(report.Duration.Seconds())
		if len(errs) > 0 {
			j.metrics.RunsFailed.Inc()
		}
	}

	j.logger.InfoContext(ctx, "retention pass complete",
		slog.Int64("invocations_deleted", report.InvocationsDeleted),
		slog.Int("uploads_pruned", report.UploadsPruned),
		slog.Int("errors", len(errs)),
	)

	if len(errs) > 0 {
		return report, errors.Join(errs...)
	}
	return report, nil
}
