package escrowd

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"marketescrow/native/escrow"
	"marketescrow/observability"
)

// CandidateSource lists escrows that may have become eligible for
// auto-release.
type CandidateSource interface {
	AutoReleaseCandidates(ctx context.Context, cutoff time.Time, limit int) ([]escrow.ID, error)
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Candidates int
	Eligible   int
	Released   int
	Skipped    int
	Failed     int
}

// Sweeper periodically releases escrows whose deadlines have passed, using
// the operator signer.
type Sweeper struct {
	engine   *escrow.Engine
	source   CandidateSource
	sess     escrow.Session
	interval time.Duration
	batch    int
	now      func() time.Time
	logger   *slog.Logger
	metrics  *observability.EscrowMetrics
}

// NewSweeper constructs a sweeper. sess must carry the operator signer.
func NewSweeper(engine *escrow.Engine, source CandidateSource, sess escrow.Session, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval.Duration
	if interval <= 0 {
		interval = time.Minute
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	return &Sweeper{
		engine:   engine,
		source:   source,
		sess:     sess,
		interval: interval,
		batch:    batch,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "sweeper")),
		metrics:  observability.Escrow(),
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("sweep failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep evaluates one batch of candidates and triggers auto-release for the
// eligible ones. Individual failures are counted, not returned.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	ids, err := s.source.AutoReleaseCandidates(ctx, s.now(), s.batch)
	if err != nil {
		return result, err
	}
	result.Candidates = len(ids)
	read := escrow.Session{Ledger: s.sess.Ledger}
	for _, id := range ids {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		eligibility, _, err := s.engine.Eligibility(ctx, read, id)
		if err != nil {
			result.Failed++
			s.logger.Warn("eligibility check failed", slog.Uint64("escrow_id", uint64(id)), slog.Any("error", err))
			continue
		}
		if eligibility != escrow.EligibleForAutoRelease {
			result.Skipped++
			continue
		}
		result.Eligible++
		_, err = s.engine.AutoRelease(ctx, s.sess, id)
		outcome := releaseOutcome(err)
		s.metrics.RecordSweepRelease(outcome)
		switch outcome {
		case "released":
			result.Released++
			s.logger.Info("escrow auto-released", slog.Uint64("escrow_id", uint64(id)))
		case "superseded":
			result.Skipped++
		default:
			result.Failed++
			s.logger.Warn("auto-release failed",
				slog.Uint64("escrow_id", uint64(id)),
				slog.String("outcome", escrow.OutcomeOf(err).String()),
				slog.Any("error", err))
		}
	}
	s.metrics.RecordSweep(result.Eligible)
	return result, nil
}

func releaseOutcome(err error) string {
	switch {
	case err == nil:
		return "released"
	case errors.Is(err, escrow.ErrStaleState),
		errors.Is(err, escrow.ErrIllegalTransition),
		errors.Is(err, escrow.ErrTerminal):
		return "superseded"
	case escrow.OutcomeOf(err) == escrow.OutcomeIndeterminate:
		return "indeterminate"
	default:
		return "rejected"
	}
}
