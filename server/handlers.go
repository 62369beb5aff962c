package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sig-0/p2pdesk/dispute"
	"github.com/sig-0/p2pdesk/engine"
	"github.com/sig-0/p2pdesk/ledger"
	"github.com/sig-0/p2pdesk/limits"
	"github.com/sig-0/p2pdesk/offerbook"
	"github.com/sig-0/p2pdesk/rating"
	"github.com/sig-0/p2pdesk/storage"
	"github.com/sig-0/p2pdesk/storage/types"
)

var (
	errInvalidBody   = errors.New("invalid request body")
	errInvalidLimit  = errors.New("invalid limit")
	errInvalidOffset = errors.New("invalid offset")
	errInternal      = errors.New("internal error")
)

func (s *Server) CreateOffer(w http.ResponseWriter, r *http.Request) {
	var req CreateOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody)

		return
	}

	spec := &offerbook.Spec{
		Side:           req.Side,
		Asset:          req.Asset,
		FiatCurrency:   req.FiatCurrency,
		PricePerUnit:   req.PricePerUnit,
		MinAmount:      req.MinAmount,
		MaxAmount:      req.MaxAmount,
		TotalAmount:    req.TotalAmount,
		PaymentMethods: req.PaymentMethods,
		Terms:          req.Terms,
		AutoReply:      req.AutoReply,
		PaymentWindow:  time.Duration(req.PaymentWindowMinutes) * time.Minute,
	}

	offer, err := s.book.Create(r.Context(), req.OwnerID, spec)
	if err != nil {
		s.writeDomainError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, offer)
}

func (s *Server) ListOffers(w http.ResponseWriter, r *http.Request) {
	query, err := parseOfferQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}

	page, err := s.book.List(r.Context(), query)
	if err != nil {
		s.writeDomainError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, page)
}

func (s *Server) GetOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := s.book.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, offer)
}

func (s *Server) CancelOffer(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody)

		return
	}

	offer, err := s.book.Cancel(r.Context(), chi.URLParam(r, "id"), req.ActorID)
	if err != nil {
		s.writeDomainError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, offer)
}

func (s *Server) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	var req AcceptOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody)

		return
	}

	trade, err := s.engine.AcceptOffer(
		r.Context(),
		chi.URLParam(r, "id"),
		req.ActorID,
		req.Amount,
		req.PaymentMethod,
	)
	if err != nil {
		s.writeDomainError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, trade)
}

func (s *Server) GetTrade(w http.ResponseWriter, r *http.Request) {
	trade, err := s.engine.Trade(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, trade)
}

func (s *Server) ClaimPayment(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody)

		return
	}

	trade, err := s.engine.ClaimPayment(r.Context(), chi.URLParam(r, "id"), req.ActorID)
	if err != nil {
		s.writeDomainError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, trade)
}

func (s *Server) ConfirmReceipt(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody)

		return
	}

	trade, err := s.engine.ConfirmReceipt(r.Context(), chi.URLParam(r, "id"), req.ActorID)
	if err != nil {
		s.writeDomainError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, trade)
}

func (s *Server) CancelTrade(w http.ResponseWriter, r *http.Request) {
	var req CancelTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody)

		return
	}

	trade, err := s.engine.Cancel(r.Context(), chi.URLParam(r, "id"), req.ActorID, req.Reason)
	if err != nil {
		s.writeDomainError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, trade)
}

func (s *Server) RaiseDispute(w http.ResponseWriter, r *http.Request) {
	var req RaiseDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody)

		return
	}

	d, err := s.engine.RaiseDispute(
		r.Context(),
		chi.URLParam(r, "id"),
		req.ActorID,
		req.Reason,
		req.Description,
	)
	if err != nil {
		s.writeDomainError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) GetDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.resolver.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, d)
}

func (s *Server) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req ResolveDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody)

		return
	}

	d, err := s.resolver.Resolve(
		r.Context(),
		chi.URLParam(r, "id"),
		req.ResolverID,
		dispute.Outcome{
			Resolution: req.Resolution,
			Shares:     req.Shares,
		},
	)
	if err != nil {
		s.writeDomainError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, d)
}

func (s *Server) SubmitRating(w http.ResponseWriter, r *http.Request) {
	var req SubmitRatingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody)

		return
	}

	tr, err := s.ratings.Submit(
		r.Context(),
		chi.URLParam(r, "id"),
		req.RaterID,
		req.Rating,
		req.Feedback,
	)
	if err != nil {
		s.writeDomainError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, tr)
}

func (s *Server) RatingSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.ratings.SummaryFor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) LimitsUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.limits.Usage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, usage)
}

// writeDomainError maps the core's typed errors onto HTTP statuses
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, offerbook.ErrInvalidOfferSpec),
		errors.Is(err, engine.ErrAmountOutOfRange),
		errors.Is(err, engine.ErrPaymentMethodNotOffered),
		errors.Is(err, engine.ErrSameParty),
		errors.Is(err, rating.ErrInvalidRating),
		errors.Is(err, dispute.ErrInvalidOutcome):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, offerbook.ErrNotOwner),
		errors.Is(err, engine.ErrWrongActor),
		errors.Is(err, rating.ErrNotParticipant),
		errors.Is(err, dispute.ErrNotParticipant):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, limits.ErrLimitExceeded),
		errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, offerbook.ErrOfferNotCancellable),
		errors.Is(err, offerbook.ErrOfferNotAcceptable),
		errors.Is(err, offerbook.ErrInsufficientRemaining),
		errors.Is(err, engine.ErrInvalidTransition),
		errors.Is(err, storage.ErrStaleState),
		errors.Is(err, dispute.ErrDisputeAlreadyOpen),
		errors.Is(err, dispute.ErrTradeNotDisputable),
		errors.Is(err, dispute.ErrAlreadyResolved),
		errors.Is(err, rating.ErrNotTerminal),
		errors.Is(err, rating.ErrDuplicateRating):
		writeError(w, http.StatusConflict, err)
	default:
		s.logger.Error("request failed", "err", err)

		writeError(w, http.StatusInternalServerError, errInternal)
	}
}

func parseOfferQuery(r *http.Request) (*types.OfferQuery, error) {
	var (
		sideParam   = r.URL.Query().Get("side")
		assetParam  = r.URL.Query().Get("asset")
		fiatParam   = r.URL.Query().Get("fiat")
		statusParam = r.URL.Query().Get("status")
		ownerParam  = r.URL.Query().Get("owner")

		limitParam  = r.URL.Query().Get("limit")
		offsetParam = r.URL.Query().Get("offset")
	)

	limit, offset, err := parseLimitOffset(limitParam, offsetParam)
	if err != nil {
		return nil, err
	}

	query := &types.OfferQuery{
		Limit:  limit,
		Offset: offset,
	}

	if v := strings.TrimSpace(sideParam); v != "" {
		side := types.OfferSide(strings.ToUpper(v))
		query.Side = &side
	}

	if v := strings.TrimSpace(assetParam); v != "" {
		asset := types.Asset(strings.ToUpper(v))
		query.Asset = &asset
	}

	if v := strings.TrimSpace(fiatParam); v != "" {
		fiat := types.FiatCurrency(strings.ToUpper(v))
		query.Fiat = &fiat
	}

	if v := strings.TrimSpace(statusParam); v != "" {
		status := types.OfferStatus(strings.ToUpper(v))
		query.Status = &status
	}

	if v := strings.TrimSpace(ownerParam); v != "" {
		query.OwnerID = &v
	}

	return query, nil
}

func parseLimitOffset(limitRaw, offsetRaw string) (int32, int64, error) {
	var (
		limit  int32
		offset int64
	)

	if v := strings.TrimSpace(limitRaw); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil || n < 0 {
			return 0, 0, errInvalidLimit
		}

		limit = int32(n)
	}

	if v := strings.TrimSpace(offsetRaw); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, 0, errInvalidOffset
		}

		offset = n
	}

	return limit, offset, nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, &ErrorResponse{
		Error: err.Error(),
	})
}
