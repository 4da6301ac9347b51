// Package handler wires the matching endpoints to the matching service.
// It stays thin: decode, authenticate, delegate, encode.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"kanver/internal/matching/models"
	"kanver/internal/matching/service"
	"kanver/internal/platform/middleware"
	id "kanver/pkg/domain"
	dErrors "kanver/pkg/domain-errors"
	"kanver/pkg/platform/httputil"
)

// Service defines the matching operations the handler exposes.
type Service interface {
	CreateRequest(ctx context.Context, p service.CreateRequestParams) (*models.BloodRequest, error)
	GetRequest(ctx context.Context, requestID id.RequestID) (*models.BloodRequest, error)
	CancelRequest(ctx context.Context, caller id.UserID, requestID id.RequestID) error
	GetEligibility(ctx context.Context, donorID id.UserID, requestID id.RequestID) error
	Commit(ctx context.Context, donorID id.UserID, requestID id.RequestID) (*models.DonationCommitment, error)
	MarkArrived(ctx context.Context, donorID id.UserID, commitmentID id.CommitmentID) (*models.DonationCommitment, *models.VerificationToken, error)
	Cancel(ctx context.Context, donorID id.UserID, commitmentID id.CommitmentID, reason string) error
	CompleteViaVerification(ctx context.Context, verifier id.UserID, tokenValue string) (*models.Donation, error)
}

// Handler exposes the matching flow over HTTP.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the matching endpoints. Role enforcement for the verify
// endpoint happens in the router, where the middleware chain is assembled.
func (h *Handler) Register(r chi.Router) {
	r.Post("/requests", h.HandleCreateRequest)
	r.Get("/requests/{requestID}", h.HandleGetRequest)
	r.Post("/requests/{requestID}/cancel", h.HandleCancelRequest)
	r.Get("/requests/{requestID}/eligibility", h.HandleGetEligibility)
	r.Post("/requests/{requestID}/commitments", h.HandleCommit)
	r.Post("/commitments/{commitmentID}/arrive", h.HandleMarkArrived)
	r.Post("/commitments/{commitmentID}/cancel", h.HandleCancelCommitment)
}

// RegisterVerify mounts the staff-only verification endpoint.
func (h *Handler) RegisterVerify(r chi.Router) {
	r.Post("/verify", h.HandleVerify)
}

// HandleCreateRequest handles POST /requests.
func (h *Handler) HandleCreateRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := h.callerID(w, ctx)
	if !ok {
		return
	}

	body, ok := httputil.DecodeAndPrepare[CreateRequestBody](w, r, h.logger, ctx, middleware.GetRequestID(ctx))
	if !ok {
		return
	}

	hospitalID, err := id.ParseHospitalID(body.HospitalID)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid hospital_id"))
		return
	}

	req, err := h.service.CreateRequest(ctx, service.CreateRequestParams{
		Requester:   caller,
		Hospital:    hospitalID,
		BloodType:   body.ParsedBloodType(),
		Kind:        models.RequestKind(body.Kind),
		Priority:    models.Priority(body.Priority),
		UnitsNeeded: body.UnitsNeeded,
		Location:    models.Point{Lat: body.Lat, Lon: body.Lon},
		PatientName: body.PatientName,
		Notes:       body.Notes,
		ExpiresAt:   body.ExpiresAt,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, FromRequest(req))
}

// HandleGetRequest handles GET /requests/{requestID}.
func (h *Handler) HandleGetRequest(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.requestID(w, r)
	if !ok {
		return
	}
	req, err := h.service.GetRequest(r.Context(), requestID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromRequest(req))
}

// HandleCancelRequest handles POST /requests/{requestID}/cancel.
func (h *Handler) HandleCancelRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := h.callerID(w, ctx)
	if !ok {
		return
	}
	requestID, ok := h.requestID(w, r)
	if !ok {
		return
	}
	if err := h.service.CancelRequest(ctx, caller, requestID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleGetEligibility handles GET /requests/{requestID}/eligibility.
func (h *Handler) HandleGetEligibility(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := h.callerID(w, ctx)
	if !ok {
		return
	}
	requestID, ok := h.requestID(w, r)
	if !ok {
		return
	}

	err := h.service.GetEligibility(ctx, caller, requestID)
	if err == nil {
		httputil.WriteJSON(w, http.StatusOK, EligibilityResponse{Eligible: true})
		return
	}
	switch dErrors.CodeOf(err) {
	case dErrors.CodeIncompatibleBloodType, dErrors.CodeCooldownActive, dErrors.CodeOutsideGeofence:
		httputil.WriteJSON(w, http.StatusOK, EligibilityResponse{
			Eligible: false,
			Reason:   string(dErrors.CodeOf(err)),
		})
	default:
		httputil.WriteError(w, err)
	}
}

// HandleCommit handles POST /requests/{requestID}/commitments.
func (h *Handler) HandleCommit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := h.callerID(w, ctx)
	if !ok {
		return
	}
	requestID, ok := h.requestID(w, r)
	if !ok {
		return
	}

	c, err := h.service.Commit(ctx, caller, requestID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, FromCommitment(c))
}

// HandleMarkArrived handles POST /commitments/{commitmentID}/arrive.
func (h *Handler) HandleMarkArrived(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := h.callerID(w, ctx)
	if !ok {
		return
	}
	commitmentID, ok := h.commitmentID(w, r)
	if !ok {
		return
	}

	c, t, err := h.service.MarkArrived(ctx, caller, commitmentID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ArrivalResponse{
		Commitment: FromCommitment(c),
		Token:      FromToken(t),
	})
}

// HandleCancelCommitment handles POST /commitments/{commitmentID}/cancel.
func (h *Handler) HandleCancelCommitment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := h.callerID(w, ctx)
	if !ok {
		return
	}
	commitmentID, ok := h.commitmentID(w, r)
	if !ok {
		return
	}
	body, ok := httputil.DecodeAndPrepare[CancelBody](w, r, h.logger, ctx, middleware.GetRequestID(ctx))
	if !ok {
		return
	}

	if err := h.service.Cancel(ctx, caller, commitmentID, body.Reason); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleVerify handles POST /verify. The router restricts this endpoint
// to nurses and admins.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := h.callerID(w, ctx)
	if !ok {
		return
	}
	body, ok := httputil.DecodeAndPrepare[VerifyBody](w, r, h.logger, ctx, middleware.GetRequestID(ctx))
	if !ok {
		return
	}

	d, err := h.service.CompleteViaVerification(ctx, caller, body.Token)
	if err != nil {
		h.logger.WarnContext(ctx, "token verification rejected",
			"request_id", middleware.GetRequestID(ctx),
			"verifier", caller.String(),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromDonation(d))
}

func (h *Handler) callerID(w http.ResponseWriter, ctx context.Context) (id.UserID, bool) {
	raw := middleware.GetUserID(ctx)
	if raw == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return id.UserID{}, false
	}
	userID, err := id.ParseUserID(raw)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid caller identity"))
		return id.UserID{}, false
	}
	return userID, true
}

func (h *Handler) requestID(w http.ResponseWriter, r *http.Request) (id.RequestID, bool) {
	requestID, err := id.ParseRequestID(chi.URLParam(r, "requestID"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request id"))
		return id.RequestID{}, false
	}
	return requestID, true
}

func (h *Handler) commitmentID(w http.ResponseWriter, r *http.Request) (id.CommitmentID, bool) {
	commitmentID, err := id.ParseCommitmentID(chi.URLParam(r, "commitmentID"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid commitment id"))
		return id.CommitmentID{}, false
	}
	return commitmentID, true
}
