package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

type SweepArgs struct{}

func (SweepArgs) Kind() string { return "expiry_sweep" }

// LicenseExpirer moves overdue licenses and redeem codes to EXPIRED.
type LicenseExpirer interface {
	ExpireOverdue(ctx context.Context, now time.Time) (licenses, codes int64, err error)
}

// TokenPurger drops temporary tokens past their expiry.
type TokenPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type SweepWorker struct {
	river.WorkerDefaults[SweepArgs]
	licenses LicenseExpirer
	tokens   TokenPurger
	now      func() time.Time
	log      *slog.Logger
}

func NewSweepWorker(licenses LicenseExpirer, tokens TokenPurger, log *slog.Logger) *SweepWorker {
	if log == nil {
		log = slog.Default()
	}
	return &SweepWorker{licenses: licenses, tokens: tokens, now: time.Now, log: log}
}

// Work is idempotent; a sweep that finds nothing overdue changes nothing.
func (w *SweepWorker) Work(ctx context.Context, _ *river.Job[SweepArgs]) error {
	now := w.now()
	licenses, codes, err := w.licenses.ExpireOverdue(ctx, now)
	if err != nil {
		return fmt.Errorf("expire licenses: %w", err)
	}
	purged, err := w.tokens.PurgeExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("purge tokens: %w", err)
	}
	w.log.Info("expiry sweep finished",
		"licenses_expired", licenses,
		"redeem_codes_expired", codes,
		"tokens_purged", purged,
	)
	return nil
}

// PeriodicSweep schedules SweepArgs every interval, starting immediately.
func PeriodicSweep(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return SweepArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}
