// Package scheduler runs the recurring auction sweep: open auctions past
// their deadline are closed, closed auctions past the archive delay are
// archived. Every step is idempotent, so overlapping sweeps on several
// workers are safe.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aaronwang/marketplace/shared/auction"
	"github.com/aaronwang/marketplace/shared/metrics"
	"github.com/aaronwang/marketplace/shared/models"
	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

// Engine performs the per-auction transitions
type Engine interface {
	Close(ctx context.Context, req auction.CloseRequest) (*auction.CloseResult, error)
	Archive(ctx context.Context, productID string) (bool, error)
	ArchiveDelay() time.Duration
}

// Lister finds auctions due for a transition
type Lister interface {
	ListExpiredAuctions(ctx context.Context, now time.Time, limit int) ([]string, error)
	ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// Options tune a sweep
type Options struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
}

// Report counts what one sweep did
type Report struct {
	Closed        int `json:"closed"`
	AlreadyClosed int `json:"already_closed"`
	Archived      int `json:"archived"`
	Failed        int `json:"failed"`
}

// Sweeper closes expired auctions and archives old ones
type Sweeper struct {
	engine  Engine
	lister  Lister
	opts    Options
	metrics *metrics.Collector
	log     zerolog.Logger
	now     func() time.Time
}

// NewSweeper creates a sweeper. Non-positive batch size or concurrency fall
// back to 200 and 4.
func NewSweeper(engine Engine, lister Lister, opts Options, m *metrics.Collector, log zerolog.Logger) *Sweeper {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Sweeper{
		engine:  engine,
		lister:  lister,
		opts:    opts,
		metrics: m,
		log:     log.With().Str("component", "sweeper").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start runs a sweep immediately and then every Interval until ctx is done.
// A sweep still running when the next is due delays it instead of stacking.
func (s *Sweeper) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(s.opts.Interval),
		gocron.NewTask(func() {
			if _, err := s.RunOnce(ctx); err != nil {
				s.log.Error().Err(err).Msg("Sweep failed")
			}
		}),
		gocron.WithName("auction-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	sched.Start()
	s.log.Info().
		Dur("interval", s.opts.Interval).
		Int("batch_size", s.opts.BatchSize).
		Int("concurrency", s.opts.Concurrency).
		Msg("Sweep scheduler started")

	<-ctx.Done()

	s.log.Info().Msg("Sweep scheduler stopping")
	return sched.Shutdown()
}

// RunOnce performs one expiry scan and one archival scan. Failures on
// individual auctions are logged and counted; only a failed scan query is
// returned as an error.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	var (
		report Report
		mu     sync.Mutex
	)
	add := func(f func(r *Report)) {
		mu.Lock()
		f(&report)
		mu.Unlock()
	}

	expiryErr := s.scanExpired(ctx, add)
	s.metrics.SweepScan("expiry", expiryErr)

	archiveErr := s.scanArchivable(ctx, add)
	s.metrics.SweepScan("archive", archiveErr)

	s.metrics.SweepDuration(time.Since(start))
	s.log.Info().
		Int("closed", report.Closed).
		Int("already_closed", report.AlreadyClosed).
		Int("archived", report.Archived).
		Int("failed", report.Failed).
		Dur("duration", time.Since(start)).
		Msg("Sweep completed")

	return report, errors.Join(expiryErr, archiveErr)
}

func (s *Sweeper) scanExpired(ctx context.Context, add func(func(*Report))) error {
	ids, err := s.lister.ListExpiredAuctions(ctx, s.now(), s.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list expired auctions: %w", err)
	}

	s.each(ctx, ids, func(id string) {
		r, err := s.engine.Close(ctx, auction.CloseRequest{ProductID: id, Path: models.ClosePathExpiry})
		switch {
		case errors.Is(err, auction.ErrNotDue):
			// listed under a slightly later clock than the lock saw; next sweep
		case err != nil:
			add(func(r *Report) { r.Failed++ })
			s.log.Error().Err(err).Str("product_id", id).Msg("Failed to close expired auction")
		case r.AlreadyClosed:
			add(func(r *Report) { r.AlreadyClosed++ })
		default:
			add(func(r *Report) { r.Closed++ })
		}
	})
	return nil
}

func (s *Sweeper) scanArchivable(ctx context.Context, add func(func(*Report))) error {
	cutoff := s.now().Add(-s.engine.ArchiveDelay())
	ids, err := s.lister.ListArchivable(ctx, cutoff, s.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list archivable auctions: %w", err)
	}

	s.each(ctx, ids, func(id string) {
		ok, err := s.engine.Archive(ctx, id)
		switch {
		case err != nil:
			add(func(r *Report) { r.Failed++ })
			s.log.Error().Err(err).Str("product_id", id).Msg("Failed to archive auction")
		case ok:
			add(func(r *Report) { r.Archived++ })
		}
	})
	return nil
}

// each runs fn over ids with at most Concurrency in flight
func (s *Sweeper) each(ctx context.Context, ids []string, fn func(id string)) {
	sem := make(chan struct{}, s.opts.Concurrency)
	var wg sync.WaitGroup
	skipped := 0

	for _, id := range ids {
		if ctx.Err() != nil {
			skipped++
			continue
		}
		wg.Add(1)
		sem <- struct{}{}

		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(id)
		}(id)
	}

	wg.Wait()
	if skipped > 0 {
		s.log.Warn().Int("skipped", skipped).Msg("Sweep interrupted")
	}
}
