// Package ingest serves the agent's HTTP API: transaction ingestion, operator
// controls and read-only views of the loop.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"payops-agent/internal/controlloop"
	"payops-agent/internal/decisionlog"
	apperrors "payops-agent/internal/errors"
	"payops-agent/internal/queue"
	"payops-agent/internal/schema"
)

// Agent is the part of the control loop the API drives.
type Agent interface {
	Enqueue(tx *schema.Transaction) error
	InjectTransaction(tx *schema.Transaction) error
	SetAgentEnabled(enabled bool) error
	CountDropped(n int)
	Status() controlloop.Status
	DecisionLog() *decisionlog.Log
}

// Handler handles the HTTP API.
type Handler struct {
	agent      Agent
	validator  *schema.Validator
	maxPayload int
	maxBatch   int
	maxPage    int
	startTime  time.Time
	accepted   atomic.Uint64
}

// NewHandler creates a new Handler.
func NewHandler(agent Agent, validator *schema.Validator) *Handler {
	return &Handler{
		agent:      agent,
		validator:  validator,
		maxPayload: 10 * 1024 * 1024, // 10MB default
		maxBatch:   1000,
		maxPage:    500,
		startTime:  time.Now(),
	}
}

// WithMaxPayload sets the maximum payload size.
func (h *Handler) WithMaxPayload(size int) *Handler {
	h.maxPayload = size
	return h
}

// WithMaxBatch sets the maximum batch size.
func (h *Handler) WithMaxBatch(size int) *Handler {
	h.maxBatch = size
	return h
}

// WithMaxPage sets the largest page the decisions endpoint returns.
func (h *Handler) WithMaxPage(size int) *Handler {
	h.maxPage = size
	return h
}

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/transactions", h.HandleTransactions)
	mux.HandleFunc("POST /v1/inject", h.HandleInject)
	mux.HandleFunc("POST /v1/agent", h.HandleAgent)
	mux.HandleFunc("GET /v1/decisions", h.HandleDecisions)
	mux.HandleFunc("GET /v1/status", h.HandleStatus)
	mux.HandleFunc("GET /health", h.HealthCheck)
}

// TransactionInput is the wire format of a transaction. A missing ID is
// generated and a zero timestamp is replaced by the receive time.
type TransactionInput struct {
	ID            *uuid.UUID     `json:"id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Outcome       schema.Outcome `json:"outcome"`
	LatencyMS     float64        `json:"latency_ms"`
	RetryCount    int            `json:"retry_count"`
	RiskScore     float64        `json:"risk_score"`
	Confidence    float64        `json:"confidence"`
	Amount        float64        `json:"amount,omitempty"`
	Currency      string         `json:"currency,omitempty"`
	Processor     string         `json:"processor,omitempty"`
	Issuer        string         `json:"issuer,omitempty"`
	PaymentMethod string         `json:"payment_method,omitempty"`
	ErrorCode     string         `json:"error_code,omitempty"`
}

// IngestRequest is the request body for transaction ingestion.
type IngestRequest struct {
	Transactions []TransactionInput `json:"transactions"`
}

// IngestResponse is the response for transaction ingestion.
type IngestResponse struct {
	Success   bool     `json:"success"`
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

// AgentRequest toggles the agent.
type AgentRequest struct {
	Enabled *bool `json:"enabled"`
}

// CommandResponse acknowledges a command applied at the next tick boundary.
type CommandResponse struct {
	Success   bool   `json:"success"`
	Enabled   *bool  `json:"enabled,omitempty"`
	ID        string `json:"id,omitempty"`
	AfterTick uint64 `json:"after_tick"`
	RequestID string `json:"request_id"`
}

// DecisionsResponse is a page of the decision log.
type DecisionsResponse struct {
	Records []decisionlog.Record `json:"records"`
	Count   int                  `json:"count"`
	Total   uint64               `json:"total"`
}

// HandleTransactions handles POST /v1/transactions.
func (h *Handler) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	var req IngestRequest
	if !h.decode(w, r, &req, requestID) {
		return
	}

	if len(req.Transactions) == 0 {
		respondError(w, http.StatusBadRequest, "no transactions provided", requestID)
		return
	}
	if len(req.Transactions) > h.maxBatch {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch), requestID)
		return
	}

	var accepted, rejected, invalid, full int
	var errs []string

	for i, input := range req.Transactions {
		tx := convertInput(input)

		if err := h.validator.Validate(tx); err != nil {
			rejected++
			invalid++
			errs = append(errs, fmt.Sprintf("transaction[%d]: %s", i, apperrors.SafeErrorMessage(err)))
			continue
		}

		if err := h.agent.Enqueue(tx); err != nil {
			rejected++
			if errors.Is(err, queue.ErrQueueFull) {
				full++
			}
			errs = append(errs, fmt.Sprintf("transaction[%d]: %s", i, apperrors.SafeErrorMessage(err)))
			continue
		}

		accepted++
	}
	h.accepted.Add(uint64(accepted))
	h.agent.CountDropped(invalid)

	resp := IngestResponse{
		Success:   rejected == 0,
		Accepted:  accepted,
		Rejected:  rejected,
		Errors:    errs,
		RequestID: requestID,
	}

	status := http.StatusOK
	switch {
	case accepted == 0 && full > 0:
		status = http.StatusServiceUnavailable
	case accepted == 0 && rejected > 0:
		status = http.StatusBadRequest
	case rejected > 0:
		status = http.StatusMultiStatus // partial success
	}

	respondJSON(w, status, resp)
}

// HandleInject handles POST /v1/inject. The transaction is folded in at the
// next tick ahead of the regular feed.
func (h *Handler) HandleInject(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	var input TransactionInput
	if !h.decode(w, r, &input, requestID) {
		return
	}

	tx := convertInput(input)
	if err := h.validator.Validate(tx); err != nil {
		h.agent.CountDropped(1)
		respondError(w, http.StatusBadRequest, apperrors.SafeErrorMessage(err), requestID)
		return
	}

	if err := h.agent.InjectTransaction(tx); err != nil {
		respondCommandError(w, err, requestID)
		return
	}

	respondJSON(w, http.StatusAccepted, CommandResponse{
		Success:   true,
		ID:        tx.ID.String(),
		AfterTick: h.agent.Status().Tick,
		RequestID: requestID,
	})
}

// HandleAgent handles POST /v1/agent.
func (h *Handler) HandleAgent(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	var req AgentRequest
	if !h.decode(w, r, &req, requestID) {
		return
	}
	if req.Enabled == nil {
		respondError(w, http.StatusBadRequest, "invalid request: enabled is required", requestID)
		return
	}

	if err := h.agent.SetAgentEnabled(*req.Enabled); err != nil {
		respondCommandError(w, err, requestID)
		return
	}

	respondJSON(w, http.StatusAccepted, CommandResponse{
		Success:   true,
		Enabled:   req.Enabled,
		AfterTick: h.agent.Status().Tick,
		RequestID: requestID,
	})
}

// HandleDecisions handles GET /v1/decisions?since=<tick>&limit=<n>.
func (h *Handler) HandleDecisions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var since uint64
	if v := query.Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid request: since must be a tick number", "")
			return
		}
		since = n
	}

	limit := h.maxPage
	if v := query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "invalid request: limit must be a positive integer", "")
			return
		}
		limit = min(n, h.maxPage)
	}

	log := h.agent.DecisionLog()
	records := log.Records(since, limit)

	respondJSON(w, http.StatusOK, DecisionsResponse{
		Records: records,
		Count:   len(records),
		Total:   log.Total(),
	})
}

// HandleStatus handles GET /v1/status.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.agent.Status())
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	st := h.agent.Status()

	status := "healthy"
	if st.Feed.Depth > int(float64(st.Feed.Capacity)*0.9) {
		status = "degraded"
	}

	resp := map[string]any{
		"status":                status,
		"tick":                  st.Tick,
		"agent_enabled":         st.Enabled,
		"feed_depth":            st.Feed.Depth,
		"feed_capacity":         st.Feed.Capacity,
		"transactions_accepted": h.accepted.Load(),
		"uptime_seconds":        int(time.Since(h.startTime).Seconds()),
	}

	respondJSON(w, http.StatusOK, resp)
}

// decode reads a JSON body into v, writing the error response on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any, requestID string) bool {
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return false
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return false
	}

	if err := json.Unmarshal(body, v); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), requestID)
		return false
	}
	return true
}

// convertInput converts a TransactionInput to a Transaction.
func convertInput(input TransactionInput) *schema.Transaction {
	tx := &schema.Transaction{
		Timestamp:     input.Timestamp,
		Outcome:       input.Outcome,
		LatencyMS:     input.LatencyMS,
		RetryCount:    input.RetryCount,
		RiskScore:     input.RiskScore,
		Confidence:    input.Confidence,
		Amount:        input.Amount,
		Currency:      input.Currency,
		Processor:     input.Processor,
		Issuer:        input.Issuer,
		PaymentMethod: input.PaymentMethod,
		ErrorCode:     input.ErrorCode,
	}

	if input.ID != nil {
		tx.ID = *input.ID
	} else {
		tx.ID = uuid.New()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}

	return tx
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message string, requestID string) {
	resp := map[string]any{
		"success": false,
		"error":   message,
	}
	if requestID != "" {
		resp["request_id"] = requestID
	}
	respondJSON(w, status, resp)
}

// respondCommandError maps a rejected command to a response.
func respondCommandError(w http.ResponseWriter, err error, requestID string) {
	status := http.StatusInternalServerError
	if errors.Is(err, queue.ErrQueueFull) || errors.Is(err, queue.ErrQueueClosed) {
		status = http.StatusServiceUnavailable
	}
	respondError(w, status, apperrors.SafeErrorMessage(err), requestID)
}
