/**
 * @description
 * This file contains the HTTP handlers for the crowdfunding-service's API endpoints.
 * Handlers parse requests, call the escrow service and map its sentinel errors onto
 * HTTP status codes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: For URL parameters.
 * - internal/app, internal/domain: For service logic, models, and errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/crowdfunding-service/internal/app"
	"github.com/transfa/crowdfunding-service/internal/domain"
)

const (
	defaultActivityLimit = 50
	maxActivityLimit     = 500
	maxRequestBodyBytes  = 1 << 16
)

// CampaignHandlers holds the application service that handlers will use.
type CampaignHandlers struct {
	service          *app.Service
	currencyExponent int32
}

// NewCampaignHandlers creates a new instance of CampaignHandlers.
func NewCampaignHandlers(service *app.Service, currencyExponent int32) *CampaignHandlers {
	return &CampaignHandlers{service: service, currencyExponent: currencyExponent}
}

type campaignResponse struct {
	ID                 uuid.UUID             `json:"id"`
	Admin              string                `json:"admin"`
	Name               string                `json:"name"`
	Description        string                `json:"description"`
	TargetAmount       int64                 `json:"target_amount"`
	AmountDonated      int64                 `json:"amount_donated"`
	AmountWithdrawn    int64                 `json:"amount_withdrawn"`
	AmountRefunded     int64                 `json:"amount_refunded"`
	Deadline           time.Time             `json:"deadline"`
	CreatedAt          time.Time             `json:"created_at"`
	OutcomeAnnouncedAt *time.Time            `json:"outcome_announced_at,omitempty"`
	Status             domain.CampaignStatus `json:"status"`
	PooledBalance      int64                 `json:"pooled_balance"`
	Reserve            int64                 `json:"reserve"`
	Available          int64                 `json:"available"`
	Display            amountDisplay         `json:"display"`
}

type contributionResponse struct {
	domain.Contribution
	Display amountDisplay `json:"display"`
}

type refundResponse struct {
	CampaignID uuid.UUID     `json:"campaign_id"`
	User       string        `json:"user"`
	Refunded   int64         `json:"refunded"`
	Display    amountDisplay `json:"display"`
}

type balanceResponse struct {
	Address string        `json:"address"`
	Balance int64         `json:"balance"`
	Display amountDisplay `json:"display"`
}

func (h *CampaignHandlers) buildCampaignResponse(summary *domain.CampaignSummary) campaignResponse {
	c := summary.Campaign
	return campaignResponse{
		ID:                 c.ID,
		Admin:              c.Admin,
		Name:               c.Name,
		Description:        c.Description,
		TargetAmount:       c.TargetAmount,
		AmountDonated:      c.AmountDonated,
		AmountWithdrawn:    c.AmountWithdrawn,
		AmountRefunded:     c.AmountRefunded,
		Deadline:           c.Deadline,
		CreatedAt:          c.CreatedAt,
		OutcomeAnnouncedAt: c.OutcomeAnnouncedAt,
		Status:             summary.Status,
		PooledBalance:      summary.PooledBalance,
		Reserve:            summary.Reserve,
		Available:          summary.Available,
		Display: h.displayAmounts(map[string]int64{
			"target_amount":    c.TargetAmount,
			"amount_donated":   c.AmountDonated,
			"amount_withdrawn": c.AmountWithdrawn,
			"amount_refunded":  c.AmountRefunded,
			"available":        summary.Available,
		}),
	}
}

func (h *CampaignHandlers) buildContributionResponse(contribution *domain.Contribution) contributionResponse {
	return contributionResponse{
		Contribution: *contribution,
		Display:      h.displayAmounts(map[string]int64{"amount": contribution.Amount}),
	}
}

// CreateCampaignHandler creates a campaign owned by the caller.
func (h *CampaignHandlers) CreateCampaignHandler(w http.ResponseWriter, r *http.Request) {
	admin, ok := GetIdentity(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not identify user from token")
		return
	}

	var req domain.CreateCampaignRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.DurationSeconds <= 0 || req.DurationSeconds > int64(time.Duration(1<<62)/time.Second) {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidDuration.Error())
		return
	}

	campaign, err := h.service.CreateCampaign(r.Context(), admin, req.Name, req.Description, req.TargetAmount, time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		h.writeServiceError(w, "create_campaign", err)
		return
	}

	summary, err := h.service.GetCampaign(r.Context(), campaign.ID)
	if err != nil {
		h.writeServiceError(w, "create_campaign", err)
		return
	}
	log.Printf("level=info component=api endpoint=create_campaign outcome=success campaign_id=%s admin=%s", campaign.ID, admin)
	h.writeJSON(w, http.StatusCreated, h.buildCampaignResponse(summary))
}

// GetCampaignHandler returns a campaign summary with its derived status.
func (h *CampaignHandlers) GetCampaignHandler(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := h.campaignIDParam(w, r)
	if !ok {
		return
	}
	summary, err := h.service.GetCampaign(r.Context(), campaignID)
	if err != nil {
		h.writeServiceError(w, "get_campaign", err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.buildCampaignResponse(summary))
}

// GetCampaignByKeyHandler resolves a campaign from its (admin, name) key.
func (h *CampaignHandlers) GetCampaignByKeyHandler(w http.ResponseWriter, r *http.Request) {
	admin := chi.URLParam(r, "admin")
	name := chi.URLParam(r, "name")
	if admin == "" || name == "" {
		h.writeError(w, http.StatusBadRequest, "admin and name are required")
		return
	}
	summary, err := h.service.GetCampaignByKey(r.Context(), admin, name)
	if err != nil {
		h.writeServiceError(w, "get_campaign_by_key", err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.buildCampaignResponse(summary))
}

// DonateHandler moves funds from the caller into the campaign pool.
func (h *CampaignHandlers) DonateHandler(w http.ResponseWriter, r *http.Request) {
	contributor, ok := GetIdentity(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not identify user from token")
		return
	}
	campaignID, ok := h.campaignIDParam(w, r)
	if !ok {
		return
	}
	var req domain.AmountRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	contribution, err := h.service.Donate(r.Context(), campaignID, contributor, req.Amount)
	if err != nil {
		h.writeServiceError(w, "donate", err)
		return
	}
	log.Printf("level=info component=api endpoint=donate outcome=success campaign_id=%s user=%s amount=%d", campaignID, contributor, req.Amount)
	h.writeJSON(w, http.StatusOK, h.buildContributionResponse(contribution))
}

// WithdrawHandler pays funds from a funded campaign to its admin.
func (h *CampaignHandlers) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := GetIdentity(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not identify user from token")
		return
	}
	campaignID, ok := h.campaignIDParam(w, r)
	if !ok {
		return
	}
	var req domain.AmountRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	if _, err := h.service.Withdraw(r.Context(), campaignID, caller, req.Amount); err != nil {
		h.writeServiceError(w, "withdraw", err)
		return
	}
	summary, err := h.service.GetCampaign(r.Context(), campaignID)
	if err != nil {
		h.writeServiceError(w, "withdraw", err)
		return
	}
	log.Printf("level=info component=api endpoint=withdraw outcome=success campaign_id=%s admin=%s amount=%d", campaignID, caller, req.Amount)
	h.writeJSON(w, http.StatusOK, h.buildCampaignResponse(summary))
}

// RefundHandler returns the caller's stake from a campaign that missed its target.
func (h *CampaignHandlers) RefundHandler(w http.ResponseWriter, r *http.Request) {
	contributor, ok := GetIdentity(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not identify user from token")
		return
	}
	campaignID, ok := h.campaignIDParam(w, r)
	if !ok {
		return
	}

	refunded, err := h.service.Refund(r.Context(), campaignID, contributor)
	if err != nil {
		h.writeServiceError(w, "refund", err)
		return
	}
	log.Printf("level=info component=api endpoint=refund outcome=success campaign_id=%s user=%s amount=%d", campaignID, contributor, refunded)
	h.writeJSON(w, http.StatusOK, refundResponse{
		CampaignID: campaignID,
		User:       contributor,
		Refunded:   refunded,
		Display:    h.displayAmounts(map[string]int64{"refunded": refunded}),
	})
}

// ListContributionsHandler lists every open stake of a campaign.
func (h *CampaignHandlers) ListContributionsHandler(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := h.campaignIDParam(w, r)
	if !ok {
		return
	}
	contributions, err := h.service.ListContributions(r.Context(), campaignID)
	if err != nil {
		h.writeServiceError(w, "list_contributions", err)
		return
	}
	out := make([]contributionResponse, 0, len(contributions))
	for i := range contributions {
		out = append(out, h.buildContributionResponse(&contributions[i]))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// GetMyContributionHandler returns the caller's stake in a campaign.
func (h *CampaignHandlers) GetMyContributionHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := GetIdentity(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not identify user from token")
		return
	}
	campaignID, ok := h.campaignIDParam(w, r)
	if !ok {
		return
	}
	contribution, err := h.service.GetContribution(r.Context(), campaignID, user)
	if err != nil {
		h.writeServiceError(w, "get_my_contribution", err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.buildContributionResponse(contribution))
}

// ListActivityHandler returns the recorded events of a campaign, newest first.
func (h *CampaignHandlers) ListActivityHandler(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := h.campaignIDParam(w, r)
	if !ok {
		return
	}
	limit := defaultActivityLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if limit > maxActivityLimit {
		limit = maxActivityLimit
	}

	entries, err := h.service.ListActivity(r.Context(), campaignID, limit)
	if err != nil {
		h.writeServiceError(w, "list_activity", err)
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}

// DepositHandler credits an external balance. Internal use only.
func (h *CampaignHandlers) DepositHandler(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	var req domain.AmountRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	balance, err := h.service.Deposit(r.Context(), address, req.Amount)
	if err != nil {
		h.writeServiceError(w, "deposit", err)
		return
	}
	h.writeJSON(w, http.StatusOK, balanceResponse{
		Address: address,
		Balance: balance,
		Display: h.displayAmounts(map[string]int64{"balance": balance}),
	})
}

// GetBalanceHandler reports the balance held at an address. Internal use only.
func (h *CampaignHandlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	balance, err := h.service.Balance(r.Context(), address)
	if err != nil {
		h.writeServiceError(w, "get_balance", err)
		return
	}
	h.writeJSON(w, http.StatusOK, balanceResponse{
		Address: address,
		Balance: balance,
		Display: h.displayAmounts(map[string]int64{"balance": balance}),
	})
}

func (h *CampaignHandlers) campaignIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	campaignID, err := uuid.Parse(chi.URLParam(r, "campaign_id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid campaign ID")
		return uuid.Nil, false
	}
	return campaignID, true
}

func (h *CampaignHandlers) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// statusForError maps escrow errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrCampaignNotFound), errors.Is(err, domain.ErrNoContributionFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidAdmin):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrMissingIdentity):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidName),
		errors.Is(err, domain.ErrDescriptionTooLong),
		errors.Is(err, domain.ErrInvalidTarget),
		errors.Is(err, domain.ErrInvalidDuration),
		errors.Is(err, domain.ErrReservedIdentity):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrCampaignEnded),
		errors.Is(err, domain.ErrCampaignStillActive),
		errors.Is(err, domain.ErrTargetReachedNoRefund),
		errors.Is(err, domain.ErrTargetNotReached),
		errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrTransferFailed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *CampaignHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		log.Printf("level=error component=api endpoint=%s outcome=failure err=%v", endpoint, err)
		h.writeError(w, status, "Internal server error")
		return
	}
	log.Printf("level=info component=api endpoint=%s outcome=rejected status=%d err=%v", endpoint, status, err)
	h.writeError(w, status, err.Error())
}

// writeJSON is a helper for writing JSON responses.
func (h *CampaignHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *CampaignHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
