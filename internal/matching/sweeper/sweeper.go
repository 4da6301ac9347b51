// Package sweeper reaps overdue commitments and expired requests on a
// fixed interval. Reaping is idempotent: every transition is a CAS, so a
// commitment that arrived or cancelled between listing and reaping is
// left alone.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"kanver/internal/matching/models"
	"kanver/internal/notify"
	"kanver/internal/platform/config"
	"kanver/internal/platform/metrics"
	id "kanver/pkg/domain"
	"kanver/pkg/platform/sentinel"
)

const batchSize = 100

// warnLead is how far before the deadline the donor gets a warning.
const warnLead = 10 * time.Minute

// CommitmentStore is the commitment surface the sweeper needs.
type CommitmentStore interface {
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*models.DonationCommitment, error)
	CASStatus(ctx context.Context, commitmentID id.CommitmentID, from, to models.CommitmentStatus, at time.Time) error
}

// DonorStore applies the trust penalty for no-shows.
type DonorStore interface {
	ApplyNoShowPenalty(ctx context.Context, donorID id.UserID, penalty int) (int, error)
}

// RequestStore expires overdue requests.
type RequestStore interface {
	ExpireOverdue(ctx context.Context, now time.Time) ([]*models.BloodRequest, error)
}

// Sweeper periodically times out overdue commitments, penalizes the
// no-show donors, and expires stale requests.
type Sweeper struct {
	commitments CommitmentStore
	donors      DonorStore
	requests    RequestStore
	notifier    notify.Notifier
	metrics     *metrics.Metrics
	cfg         config.MatchingConfig
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.Mutex
	warned map[id.CommitmentID]struct{}
}

func New(commitments CommitmentStore, donors DonorStore, requests RequestStore, notifier notify.Notifier, m *metrics.Metrics, cfg config.MatchingConfig, logger *slog.Logger) (*Sweeper, error) {
	if commitments == nil {
		return nil, errors.New("commitment store is required")
	}
	if donors == nil {
		return nil, errors.New("donor store is required")
	}
	if requests == nil {
		return nil, errors.New("request store is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Sweeper{
		commitments: commitments,
		donors:      donors,
		requests:    requests,
		notifier:    notifier,
		metrics:     m,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		warned:      make(map[id.CommitmentID]struct{}),
	}, nil
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "sweeper started",
		slog.Duration("interval", s.cfg.SweepInterval))
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one pass: warn donors nearing their deadline, time out
// overdue commitments with the no-show penalty, and expire stale requests.
// Per-item failures are logged and skipped; one bad row never stalls the
// sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) (timedOut int) {
	start := s.now()
	defer func() {
		if s.metrics != nil {
			s.metrics.ObserveSweep(time.Since(start))
		}
	}()

	s.warnApproaching(ctx, start)
	timedOut = s.reapOverdue(ctx, start)
	s.expireRequests(ctx, start)
	return timedOut
}

func (s *Sweeper) reapOverdue(ctx context.Context, now time.Time) int {
	overdue, err := s.commitments.ListOverdue(ctx, now, batchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "list overdue commitments failed",
			slog.String("error", err.Error()))
		return 0
	}

	reaped := 0
	for _, c := range overdue {
		err := s.commitments.CASStatus(ctx, c.ID, models.CommitmentOnTheWay, models.CommitmentTimeout, now)
		if err != nil {
			// The donor arrived or cancelled since listing; not ours to reap.
			if !errors.Is(err, sentinel.ErrInvalidState) && !errors.Is(err, sentinel.ErrNotFound) {
				s.logger.ErrorContext(ctx, "timeout transition failed",
					slog.String("commitment_id", c.ID.String()),
					slog.String("error", err.Error()))
			}
			continue
		}
		reaped++
		s.forget(c.ID)

		score, err := s.donors.ApplyNoShowPenalty(ctx, c.DonorID, s.cfg.NoShowPenalty)
		if err != nil {
			s.logger.ErrorContext(ctx, "no-show penalty failed",
				slog.String("donor_id", c.DonorID.String()),
				slog.String("error", err.Error()))
		} else {
			s.logger.InfoContext(ctx, "commitment timed out",
				slog.String("commitment_id", c.ID.String()),
				slog.String("donor_id", c.DonorID.String()),
				slog.Int("trust_score", score))
		}
		if s.metrics != nil {
			s.metrics.CommitmentsTimedOut.Inc()
		}
		s.emit(ctx, c.DonorID, notify.EventNoShow, map[string]any{
			"commitment_id": c.ID.String(),
			"request_id":    c.RequestID.String(),
		})
	}
	return reaped
}

// warnApproaching notifies donors whose deadline falls inside the warning
// window, once per commitment.
func (s *Sweeper) warnApproaching(ctx context.Context, now time.Time) {
	approaching, err := s.commitments.ListOverdue(ctx, now.Add(warnLead), batchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "list approaching deadlines failed",
			slog.String("error", err.Error()))
		return
	}
	live := make(map[id.CommitmentID]struct{}, len(approaching))
	for _, c := range approaching {
		live[c.ID] = struct{}{}
	}
	s.pruneWarned(live)

	for _, c := range approaching {
		if c.Overdue(now) {
			continue
		}
		if !s.markWarned(c.ID) {
			continue
		}
		s.emit(ctx, c.DonorID, notify.EventTimeoutWarning, map[string]any{
			"commitment_id": c.ID.String(),
			"deadline":      c.Deadline.UTC().Format(time.RFC3339),
		})
	}
}

func (s *Sweeper) expireRequests(ctx context.Context, now time.Time) {
	expired, err := s.requests.ExpireOverdue(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "expire requests failed",
			slog.String("error", err.Error()))
		return
	}
	for _, r := range expired {
		s.logger.InfoContext(ctx, "request expired",
			slog.String("request_id", r.ID.String()),
			slog.String("code", r.Code))
	}
}

func (s *Sweeper) markWarned(commitmentID id.CommitmentID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.warned[commitmentID]; done {
		return false
	}
	s.warned[commitmentID] = struct{}{}
	return true
}

func (s *Sweeper) forget(commitmentID id.CommitmentID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.warned, commitmentID)
}

// pruneWarned drops warned entries whose commitment no longer appears in
// the listing. Commitments that arrive or cancel leave the listing without
// being reaped, so without this the map grows for the process lifetime.
func (s *Sweeper) pruneWarned(live map[id.CommitmentID]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for commitmentID := range s.warned {
		if _, ok := live[commitmentID]; !ok {
			delete(s.warned, commitmentID)
		}
	}
}

func (s *Sweeper) emit(ctx context.Context, userID id.UserID, eventType string, payload map[string]any) {
	if err := s.notifier.Notify(ctx, userID, eventType, payload); err != nil {
		s.logger.WarnContext(ctx, "notification delivery failed",
			slog.String("event_type", eventType),
			slog.String("user_id", userID.String()),
			slog.String("error", err.Error()))
	}
}
