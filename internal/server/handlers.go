package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shopspring/decimal"

	"ims/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch domain.Classify(err) {
	case domain.ClassValidation:
		status = http.StatusBadRequest
	case domain.ClassConflict:
		status = http.StatusConflict
	case domain.ClassQuarantine:
		status = http.StatusLocked
	case domain.ClassTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type subsystemHealth struct {
	Status    string `json:"status"` // Up, Degraded, Down
	LastError string `json:"last_error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	subsystems := map[string]subsystemHealth{}
	overall := "Up"

	check := func(name string, err error) {
		h := subsystemHealth{Status: "Up"}
		if err != nil {
			h.Status = "Down"
			h.LastError = err.Error()
			overall = "Degraded"
		}
		subsystems[name] = h
	}
	check("store", s.cfg.DB.QuickCheck(ctx))
	check("cache_store", s.cfg.CacheDB.QuickCheck(ctx))

	var depths map[string][]int
	if s.cfg.Depths != nil {
		depths = s.cfg.Depths()
	}

	deadLetters, _ := s.cfg.Stores.DeadLetter.Count(ctx)
	quarantined, _ := s.cfg.Stores.Quarantine.List(ctx)
	if len(quarantined) > 0 {
		overall = "Degraded"
	}

	body := map[string]interface{}{
		"status":       overall,
		"uptime":       time.Since(s.start).String(),
		"subsystems":   subsystems,
		"queue_depths": depths,
		"dead_letters": deadLetters,
		"quarantined":  len(quarantined),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		body["memory_used_percent"] = vm.UsedPercent
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		body["cpu_percent"] = pct[0]
	}

	status := http.StatusOK
	if overall == "Down" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

type validateOrderRequest struct {
	OrderID           string `json:"order_id"`
	SecurityID        string `json:"security_id"`
	ClientID          string `json:"client_id"`
	AggregationUnitID string `json:"aggregation_unit_id"`
	Side              string `json:"side"`
	Quantity          string `json:"quantity"`
}

func (s *Server) handleValidateOrder(w http.ResponseWriter, r *http.Request) {
	var req validateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewValidation("malformed order body"))
		return
	}
	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		writeError(w, domain.NewValidation("order quantity is not a decimal"))
		return
	}
	side := domain.OrderSide(req.Side)
	if side != domain.SideLongSell && side != domain.SideShortSell {
		writeError(w, domain.NewValidation("order side must be LONG_SELL or SHORT_SELL"))
		return
	}

	result, err := s.cfg.Validator.Validate(r.Context(), &domain.Order{
		OrderID:           req.OrderID,
		SecurityID:        req.SecurityID,
		ClientID:          req.ClientID,
		AggregationUnitID: req.AggregationUnitID,
		Side:              side,
		Quantity:          qty,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type submitLocateRequest struct {
	RequestID         string `json:"request_id"`
	SecurityID        string `json:"security_id"`
	RequestorID       string `json:"requestor_id"`
	ClientID          string `json:"client_id"`
	AggregationUnitID string `json:"aggregation_unit_id"`
	BusinessDate      string `json:"business_date"`
	Quantity          string `json:"quantity"`
	LocateType        string `json:"locate_type"`
	SwapCashIndicator string `json:"swap_cash_indicator"`
}

func (s *Server) handleSubmitLocate(w http.ResponseWriter, r *http.Request) {
	var req submitLocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewValidation("malformed locate body"))
		return
	}
	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		writeError(w, domain.NewValidation("locate quantity is not a decimal"))
		return
	}
	date, err := domain.ParseDate(req.BusinessDate)
	if err != nil {
		writeError(w, domain.NewValidation("locate business date is malformed"))
		return
	}

	locateReq := &domain.LocateRequest{
		RequestID:         req.RequestID,
		SecurityID:        req.SecurityID,
		RequestorID:       req.RequestorID,
		ClientID:          req.ClientID,
		AggregationUnitID: req.AggregationUnitID,
		BusinessDate:      date,
		RequestedQuantity: qty,
		LocateType:        domain.LocateType(req.LocateType),
		SwapCashIndicator: domain.SwapCashIndicator(req.SwapCashIndicator),
	}
	result, err := s.cfg.Locates.Submit(r.Context(), locateReq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetLocate(w http.ResponseWriter, r *http.Request) {
	req, err := s.cfg.Locates.Get(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if req == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "locate not found"})
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handlePendingLocates(w http.ResponseWriter, r *http.Request) {
	pending, err := s.cfg.Locates.PendingReview(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

type locateDecisionRequest struct {
	Quantity  string `json:"quantity,omitempty"`
	Reason    string `json:"reason,omitempty"`
	DecidedBy string `json:"decided_by"`
}

func (s *Server) handleApproveLocate(w http.ResponseWriter, r *http.Request) {
	var body locateDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, domain.NewValidation("malformed approval body"))
		return
	}
	qty, err := decimal.NewFromString(body.Quantity)
	if err != nil {
		writeError(w, domain.NewValidation("approved quantity is not a decimal"))
		return
	}
	req, err := s.cfg.Locates.Approve(r.Context(), chi.URLParam(r, "requestID"), qty, body.DecidedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleRejectLocate(w http.ResponseWriter, r *http.Request) {
	var body locateDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, domain.NewValidation("malformed rejection body"))
		return
	}
	req, err := s.cfg.Locates.Reject(r.Context(), chi.URLParam(r, "requestID"), body.Reason, body.DecidedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancelLocate(w http.ResponseWriter, r *http.Request) {
	var body locateDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, domain.NewValidation("malformed cancel body"))
		return
	}
	req, err := s.cfg.Locates.Cancel(r.Context(), chi.URLParam(r, "requestID"), body.DecidedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func positionKeyFromURL(r *http.Request) (domain.PositionKey, error) {
	date, err := domain.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		return domain.PositionKey{}, domain.NewValidation("malformed business date")
	}
	return domain.PositionKey{
		BookID:       chi.URLParam(r, "bookID"),
		SecurityID:   chi.URLParam(r, "securityID"),
		BusinessDate: date,
	}, nil
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	key, err := positionKeyFromURL(r)
	if err != nil {
		writeError(w, err)
		return
	}
	pos, err := s.cfg.Positions.GetPosition(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	if pos == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "position not found"})
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleGetLadder(w http.ResponseWriter, r *http.Request) {
	key, err := positionKeyFromURL(r)
	if err != nil {
		writeError(w, err)
		return
	}
	dates, nets, err := s.cfg.Positions.GetSettlementLadder(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}

	type rung struct {
		SettlementDate domain.Date `json:"settlement_date"`
		Net            string      `json:"net"`
	}
	ladder := make([]rung, domain.LadderDepth)
	for i := range ladder {
		ladder[i] = rung{SettlementDate: dates[i], Net: nets[i]}
	}
	writeJSON(w, http.StatusOK, ladder)
}

func (s *Server) handleListAvailability(w http.ResponseWriter, r *http.Request) {
	date, err := domain.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, domain.NewValidation("malformed business date"))
		return
	}
	records, err := s.cfg.Stores.Availability.ListBySecurityDate(r.Context(), chi.URLParam(r, "securityID"), date)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type rolloverRequest struct {
	BookID       string `json:"book_id,omitempty"`
	BusinessDate string `json:"business_date"`
}

// handleRollover rolls positions forward into a new business date. An empty
// book id rolls every book.
func (s *Server) handleRollover(w http.ResponseWriter, r *http.Request) {
	var body rolloverRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, domain.NewValidation("malformed rollover body"))
		return
	}
	date, err := domain.ParseDate(body.BusinessDate)
	if err != nil {
		writeError(w, domain.NewValidation("rollover business date is malformed"))
		return
	}
	count, err := s.cfg.Positions.RolloverStartOfDay(r.Context(), body.BookID, date)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info().Str("book", body.BookID).Str("date", string(date)).
		Int("rolled", count).Msg("start-of-day rollover applied")
	writeJSON(w, http.StatusOK, map[string]interface{}{"rolled": count})
}

func (s *Server) handleListQuarantine(w http.ResponseWriter, r *http.Request) {
	keys, err := s.cfg.Stores.Quarantine.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleClearQuarantine(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.cfg.Stores.Quarantine.Clear(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info().Str("key", key).Msg("quarantine cleared by operator")
	writeJSON(w, http.StatusOK, map[string]string{"cleared": key})
}
