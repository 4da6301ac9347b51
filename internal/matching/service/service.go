// Package service implements the donation matching flow: request
// creation, commitment lifecycle, and verified completion.
package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"kanver/internal/bloodtype"
	"kanver/internal/matching/eligibility"
	"kanver/internal/matching/models"
	commitmentstore "kanver/internal/matching/store/commitment"
	"kanver/internal/notify"
	"kanver/internal/platform/config"
	"kanver/internal/platform/metrics"
	id "kanver/pkg/domain"
	dErrors "kanver/pkg/domain-errors"
	"kanver/pkg/platform/sentinel"
	"kanver/pkg/platform/tx"
)

// DonorStore is the donor persistence surface the service needs.
type DonorStore interface {
	FindByID(ctx context.Context, donorID id.UserID) (*models.DonorProfile, error)
	ApplyNoShowPenalty(ctx context.Context, donorID id.UserID, penalty int) (int, error)
	RecordDonation(ctx context.Context, donorID id.UserID, points int, nextAvailable time.Time) error
}

// HospitalStore resolves donation sites.
type HospitalStore interface {
	FindByID(ctx context.Context, hospitalID id.HospitalID) (*models.Hospital, error)
}

// RequestStore is the blood request persistence surface.
type RequestStore interface {
	Create(ctx context.Context, r *models.BloodRequest) error
	FindByID(ctx context.Context, requestID id.RequestID) (*models.BloodRequest, error)
	CASStatus(ctx context.Context, requestID id.RequestID, from, to models.RequestStatus, at time.Time) error
	IncrementCollected(ctx context.Context, requestID id.RequestID, at time.Time) (applied bool, fulfilled bool, err error)
}

// CommitmentStore is the commitment persistence surface.
type CommitmentStore interface {
	CreateExclusive(ctx context.Context, c *models.DonationCommitment, slotLimit int) error
	FindByID(ctx context.Context, commitmentID id.CommitmentID) (*models.DonationCommitment, error)
	FindActiveByDonor(ctx context.Context, donorID id.UserID) (*models.DonationCommitment, error)
	CASStatus(ctx context.Context, commitmentID id.CommitmentID, from, to models.CommitmentStatus, at time.Time) error
	Cancel(ctx context.Context, commitmentID id.CommitmentID, from models.CommitmentStatus, reason string, at time.Time) error
}

// TokenService mints and consumes verification tokens.
type TokenService interface {
	Issue(ctx context.Context, commitmentID id.CommitmentID) (*models.VerificationToken, error)
	Verify(ctx context.Context, value string, verifier id.UserID) (*models.VerificationToken, error)
}

// DonationStore records completed donations.
type DonationStore interface {
	Create(ctx context.Context, d *models.Donation) error
	FindByCommitment(ctx context.Context, commitmentID id.CommitmentID) (*models.Donation, error)
}

// Service orchestrates the matching flow.
type Service struct {
	donors      DonorStore
	hospitals   HospitalStore
	requests    RequestStore
	commitments CommitmentStore
	donations   DonationStore
	tokens      TokenService
	gate        *eligibility.Gate
	runner      tx.Runner
	notifier    notify.Notifier
	metrics     *metrics.Metrics
	cfg         config.MatchingConfig
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// Deps carries the service's constructor dependencies.
type Deps struct {
	Donors      DonorStore
	Hospitals   HospitalStore
	Requests    RequestStore
	Commitments CommitmentStore
	Donations   DonationStore
	Tokens      TokenService
	Gate        *eligibility.Gate
	Runner      tx.Runner
	Notifier    notify.Notifier
	Metrics     *metrics.Metrics
	Config      config.MatchingConfig
	Logger      *slog.Logger
}

func New(d Deps) (*Service, error) {
	switch {
	case d.Donors == nil:
		return nil, fmt.Errorf("donor store is required")
	case d.Hospitals == nil:
		return nil, fmt.Errorf("hospital store is required")
	case d.Requests == nil:
		return nil, fmt.Errorf("request store is required")
	case d.Commitments == nil:
		return nil, fmt.Errorf("commitment store is required")
	case d.Donations == nil:
		return nil, fmt.Errorf("donation store is required")
	case d.Tokens == nil:
		return nil, fmt.Errorf("token service is required")
	case d.Gate == nil:
		return nil, fmt.Errorf("eligibility gate is required")
	case d.Runner == nil:
		return nil, fmt.Errorf("tx runner is required")
	case d.Logger == nil:
		return nil, fmt.Errorf("logger is required")
	}
	if d.Notifier == nil {
		d.Notifier = notify.Noop{}
	}
	return &Service{
		donors:      d.Donors,
		hospitals:   d.Hospitals,
		requests:    d.Requests,
		commitments: d.Commitments,
		donations:   d.Donations,
		tokens:      d.Tokens,
		gate:        d.Gate,
		runner:      d.Runner,
		notifier:    d.Notifier,
		metrics:     d.Metrics,
		cfg:         d.Config,
		logger:      d.Logger,
		tracer:      otel.Tracer("kanver/matching"),
		now:         time.Now,
	}, nil
}

// CreateRequestParams are the caller-supplied fields of a new request.
type CreateRequestParams struct {
	Requester   id.UserID
	Hospital    id.HospitalID
	BloodType   bloodtype.BloodType
	Kind        models.RequestKind
	Priority    models.Priority
	UnitsNeeded int
	Location    models.Point
	PatientName string
	Notes       string
	ExpiresAt   *time.Time
}

// CreateRequest opens a blood request at a known hospital. The caller's
// location becomes the request's anchor point and must lie inside the
// hospital's geofence; requests cannot be opened from elsewhere.
func (s *Service) CreateRequest(ctx context.Context, p CreateRequestParams) (*models.BloodRequest, error) {
	ctx, span := s.tracer.Start(ctx, "matching.CreateRequest")
	defer span.End()

	hospital, err := s.hospitals.FindByID(ctx, p.Hospital)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "hospital not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load hospital")
	}
	if err := s.gate.WithinFence(ctx, hospital, p.Location); err != nil {
		return nil, err
	}

	r, err := models.NewBloodRequest(p.Requester, hospital.ID, p.BloodType, p.Kind, p.Priority, p.UnitsNeeded, p.Location, p.ExpiresAt)
	if err != nil {
		return nil, err
	}
	r.PatientName = p.PatientName
	r.Notes = p.Notes

	if err := s.requests.Create(ctx, r); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "create request")
	}
	span.SetAttributes(attribute.String("request.code", r.Code))

	s.logger.InfoContext(ctx, "blood request created",
		slog.String("request_id", r.ID.String()),
		slog.String("code", r.Code),
		slog.String("blood_type", r.BloodType.String()),
		slog.Int("units_needed", r.UnitsNeeded),
	)
	s.emit(ctx, p.Requester, notify.EventNewRequest, map[string]any{
		"request_id": r.ID.String(),
		"code":       r.Code,
	})
	return r, nil
}

// GetRequest returns a request by ID.
func (s *Service) GetRequest(ctx context.Context, requestID id.RequestID) (*models.BloodRequest, error) {
	r, err := s.requests.FindByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "request not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load request")
	}
	return r, nil
}

// CancelRequest closes an ACTIVE request. Only the requester may cancel.
func (s *Service) CancelRequest(ctx context.Context, caller id.UserID, requestID id.RequestID) error {
	r, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if r.RequesterID != caller {
		return dErrors.New(dErrors.CodeForbidden, "only the requester may cancel a request")
	}
	err = s.requests.CASStatus(ctx, requestID, models.RequestActive, models.RequestCancelled, s.now())
	if err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return dErrors.Newf(dErrors.CodeInvalidTransition, "request is %s", r.Status)
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "cancel request")
	}
	return nil
}

// GetEligibility evaluates the admission rules without committing.
func (s *Service) GetEligibility(ctx context.Context, donorID id.UserID, requestID id.RequestID) error {
	donor, request, hospital, err := s.loadCommitContext(ctx, donorID, requestID)
	if err != nil {
		return err
	}
	return s.gate.Evaluate(ctx, donor, request, hospital, s.now())
}

// Commit creates an ON_THE_WAY commitment for an eligible donor. The
// donor-exclusivity and slot-limit invariants are enforced by the store
// in one atomic step, so two racing commits cannot both win.
func (s *Service) Commit(ctx context.Context, donorID id.UserID, requestID id.RequestID) (*models.DonationCommitment, error) {
	ctx, span := s.tracer.Start(ctx, "matching.Commit",
		trace.WithAttributes(attribute.String("request.id", requestID.String())))
	defer span.End()

	donor, request, hospital, err := s.loadCommitContext(ctx, donorID, requestID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := s.gate.Evaluate(ctx, donor, request, hospital, s.now()); err != nil {
		span.RecordError(err)
		return nil, err
	}

	c, err := models.NewDonationCommitment(donorID, requestID, s.now(), s.cfg.CommitmentTimeout)
	if err != nil {
		return nil, err
	}
	if err := s.commitments.CreateExclusive(ctx, c, request.SlotLimit()); err != nil {
		switch {
		case errors.Is(err, commitmentstore.ErrActiveCommitment):
			return nil, dErrors.New(dErrors.CodeActiveCommitmentExists, "donor already has an active commitment")
		case errors.Is(err, commitmentstore.ErrSlotLimit):
			return nil, dErrors.New(dErrors.CodeSlotFull, "request has no free commitment slots")
		case errors.Is(err, sentinel.ErrNotFound):
			return nil, dErrors.New(dErrors.CodeNotFound, "request not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "create commitment")
	}

	if s.metrics != nil {
		s.metrics.CommitmentsCreated.Inc()
	}
	s.logger.InfoContext(ctx, "donor committed",
		slog.String("commitment_id", c.ID.String()),
		slog.String("donor_id", donorID.String()),
		slog.String("request_id", requestID.String()),
		slog.Time("deadline", c.Deadline),
	)
	s.emit(ctx, request.RequesterID, notify.EventDonorFound, map[string]any{
		"request_id":    requestID.String(),
		"commitment_id": c.ID.String(),
		"deadline":      c.Deadline.UTC().Format(time.RFC3339),
	})
	return c, nil
}

// MarkArrived transitions the donor's commitment to ARRIVED and issues the
// verification token. A commitment past its deadline is refused even if
// the sweeper has not reaped it yet.
func (s *Service) MarkArrived(ctx context.Context, donorID id.UserID, commitmentID id.CommitmentID) (*models.DonationCommitment, *models.VerificationToken, error) {
	ctx, span := s.tracer.Start(ctx, "matching.MarkArrived",
		trace.WithAttributes(attribute.String("commitment.id", commitmentID.String())))
	defer span.End()

	c, err := s.loadOwnCommitment(ctx, donorID, commitmentID)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	if c.Status == models.CommitmentOnTheWay && c.Overdue(now) {
		return nil, nil, dErrors.New(dErrors.CodeCommitmentTimedOut, "commitment deadline has passed")
	}

	// One transaction covers the transition and the token, so a failed
	// issuance rolls the commitment back to ON_THE_WAY and a retry works.
	var t *models.VerificationToken
	err = s.runner.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.commitments.CASStatus(ctx, commitmentID, models.CommitmentOnTheWay, models.CommitmentArrived, now); err != nil {
			if errors.Is(err, sentinel.ErrInvalidState) {
				return dErrors.Newf(dErrors.CodeInvalidTransition, "commitment is %s", c.Status)
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "mark arrived")
		}
		issued, err := s.tokens.Issue(ctx, commitmentID)
		if err != nil {
			// SQL rollback discards the transition; the memory stores
			// cannot roll back, so revert explicitly for them.
			_ = s.commitments.CASStatus(ctx, commitmentID, models.CommitmentArrived, models.CommitmentOnTheWay, now)
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.New(dErrors.CodeConflict, "verification token already issued")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "issue verification token")
		}
		t = issued
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}
	c.Status = models.CommitmentArrived
	c.ArrivedAt = &now

	if s.metrics != nil {
		s.metrics.CommitmentsArrived.Inc()
		s.metrics.TokensIssued.Inc()
	}
	s.logger.InfoContext(ctx, "donor arrived",
		slog.String("commitment_id", commitmentID.String()),
		slog.String("donor_id", donorID.String()),
	)
	if request, err := s.requests.FindByID(ctx, c.RequestID); err == nil {
		s.emit(ctx, request.RequesterID, notify.EventDonorArrived, map[string]any{
			"request_id":    c.RequestID.String(),
			"commitment_id": commitmentID.String(),
		})
	}
	return c, t, nil
}

// Cancel voluntarily terminates the donor's active commitment. No trust
// penalty applies; penalties are reserved for no-shows.
func (s *Service) Cancel(ctx context.Context, donorID id.UserID, commitmentID id.CommitmentID, reason string) error {
	c, err := s.loadOwnCommitment(ctx, donorID, commitmentID)
	if err != nil {
		return err
	}
	if !c.Status.IsActive() {
		return dErrors.Newf(dErrors.CodeInvalidTransition, "commitment is %s", c.Status)
	}
	if err := s.commitments.Cancel(ctx, commitmentID, c.Status, reason, s.now()); err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return dErrors.New(dErrors.CodeInvalidTransition, "commitment state changed, retry")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "cancel commitment")
	}
	if s.metrics != nil {
		s.metrics.CommitmentsCanceled.Inc()
	}
	s.logger.InfoContext(ctx, "commitment cancelled",
		slog.String("commitment_id", commitmentID.String()),
		slog.String("donor_id", donorID.String()),
		slog.String("reason", reason),
	)
	return nil
}

// CompleteViaVerification consumes a verification token and settles the
// donation in one transaction: commitment to COMPLETED, a unit credited to
// the request when it still needs one, rewards and cooldown applied to the
// donor, and the donation recorded. A donor whose unit arrives after the
// request filled still donates; the record simply carries no request.
func (s *Service) CompleteViaVerification(ctx context.Context, verifier id.UserID, tokenValue string) (*models.Donation, error) {
	ctx, span := s.tracer.Start(ctx, "matching.CompleteViaVerification")
	defer span.End()

	var (
		donation  *models.Donation
		fulfilled bool
		redirect  bool
	)
	err := s.runner.RunInTx(ctx, func(ctx context.Context) error {
		t, err := s.tokens.Verify(ctx, tokenValue, verifier)
		if err != nil {
			return s.translateTokenError(err)
		}

		c, err := s.commitments.FindByID(ctx, t.CommitmentID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "load commitment")
		}

		now := s.now()
		if err := s.commitments.CASStatus(ctx, c.ID, models.CommitmentArrived, models.CommitmentCompleted, now); err != nil {
			if errors.Is(err, sentinel.ErrInvalidState) {
				return dErrors.Newf(dErrors.CodeInvalidTransition, "commitment is %s, expected %s", c.Status, models.CommitmentArrived)
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "complete commitment")
		}

		r, err := s.requests.FindByID(ctx, c.RequestID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "load request")
		}

		applied, full, err := s.requests.IncrementCollected(ctx, r.ID, now)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "credit collected unit")
		}
		fulfilled = full
		redirect = !applied

		donor, err := s.donors.FindByID(ctx, c.DonorID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "load donor")
		}

		points, cooldown := s.rewardFor(r.Kind)
		if err := s.donors.RecordDonation(ctx, donor.ID, points, now.Add(cooldown)); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "record donation")
		}

		donation = &models.Donation{
			ID:           id.NewDonationID(),
			DonorID:      c.DonorID,
			HospitalID:   r.HospitalID,
			CommitmentID: c.ID,
			TokenID:      t.ID,
			Kind:         r.Kind,
			BloodType:    donor.BloodType,
			VerifiedBy:   verifier,
			VerifiedAt:   now,
			RewardPoints: points,
		}
		if applied {
			requestID := r.ID
			donation.RequestID = &requestID
		}
		if err := s.donations.Create(ctx, donation); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "store donation")
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		if s.metrics != nil {
			s.metrics.IncTokenRejected(string(dErrors.CodeOf(err)))
		}
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.TokensVerified.Inc()
		s.metrics.DonationsCompleted.Inc()
		if fulfilled {
			s.metrics.RequestsFulfilled.Inc()
		}
	}
	s.logger.InfoContext(ctx, "donation completed",
		slog.String("donation_id", donation.ID.String()),
		slog.String("donor_id", donation.DonorID.String()),
		slog.Bool("request_fulfilled", fulfilled),
		slog.Bool("standby", redirect),
	)

	s.emit(ctx, donation.DonorID, notify.EventDonationComplete, map[string]any{
		"donation_id":   donation.ID.String(),
		"reward_points": donation.RewardPoints,
	})
	if redirect {
		s.emit(ctx, donation.DonorID, notify.EventSlotRedirected, map[string]any{
			"donation_id": donation.ID.String(),
		})
	}
	return donation, nil
}

func (s *Service) loadCommitContext(ctx context.Context, donorID id.UserID, requestID id.RequestID) (*models.DonorProfile, *models.BloodRequest, *models.Hospital, error) {
	donor, err := s.donors.FindByID(ctx, donorID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil, nil, dErrors.New(dErrors.CodeNotFound, "donor not found")
		}
		return nil, nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "load donor")
	}

	request, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return nil, nil, nil, err
	}
	if request.Status != models.RequestActive {
		return nil, nil, nil, dErrors.Newf(dErrors.CodeConflict, "request is %s", request.Status)
	}

	hospital, err := s.hospitals.FindByID(ctx, request.HospitalID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil, nil, dErrors.New(dErrors.CodeNotFound, "hospital not found")
		}
		return nil, nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "load hospital")
	}
	return donor, request, hospital, nil
}

func (s *Service) loadOwnCommitment(ctx context.Context, donorID id.UserID, commitmentID id.CommitmentID) (*models.DonationCommitment, error) {
	c, err := s.commitments.FindByID(ctx, commitmentID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "commitment not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load commitment")
	}
	if c.DonorID != donorID {
		return nil, dErrors.New(dErrors.CodeForbidden, "commitment belongs to another donor")
	}
	return c, nil
}

func (s *Service) translateTokenError(err error) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "unknown verification token")
	case errors.Is(err, sentinel.ErrExpired):
		return dErrors.New(dErrors.CodeTokenExpired, "verification token expired")
	case errors.Is(err, sentinel.ErrAlreadyUsed):
		return dErrors.New(dErrors.CodeTokenAlreadyUsed, "verification token already used")
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.New(dErrors.CodeInvalidSignature, "verification token signature mismatch")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "verify token")
}

func (s *Service) rewardFor(kind models.RequestKind) (points int, cooldown time.Duration) {
	if kind == models.KindApheresis {
		return s.cfg.RewardApheresis, s.cfg.ApheresisCooldown
	}
	return s.cfg.RewardWholeBlood, s.cfg.WholeBloodCooldown
}

// emit delivers a notification without letting a delivery failure affect
// the caller's state transition.
func (s *Service) emit(ctx context.Context, userID id.UserID, eventType string, payload map[string]any) {
	if err := s.notifier.Notify(ctx, userID, eventType, payload); err != nil {
		s.logger.WarnContext(ctx, "notification delivery failed",
			slog.String("event_type", eventType),
			slog.String("user_id", userID.String()),
			slog.String("error", err.Error()),
		)
	}
}
