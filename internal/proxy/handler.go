package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/query-gateway/internal/auth"
	"github.com/vnmchuo/query-gateway/internal/billing"
	"github.com/vnmchuo/query-gateway/internal/metrics"
	"github.com/vnmchuo/query-gateway/internal/plan"
	"github.com/vnmchuo/query-gateway/internal/provider"
	"github.com/vnmchuo/query-gateway/internal/quota"
	"github.com/vnmchuo/query-gateway/pkg/ratelimit"
)

// Machine-readable error kinds returned in the error_kind field.
const (
	KindQuotaExceeded  = "quota_exceeded"
	KindExhausted      = "all_providers_exhausted"
	KindRateLimited    = "rate_limited"
	KindInvalidRequest = "invalid_request"
	KindTenantNotFound = "tenant_not_found"
	KindUnauthorized   = "unauthorized"
	KindCanceled       = "canceled"
	KindInternal       = "internal"
)

const (
	defaultTPMEstimate  = 1000
	defaultUsageWindow  = 30 * 24 * time.Hour
	retryAfterRateLimit = "60"
)

type Handler struct {
	router  *Router
	billing billing.Store
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewHandler wires the HTTP surface. limiter and m may be nil.
func NewHandler(router *Router, billing billing.Store, limiter *ratelimit.Limiter, tracer trace.Tracer, m *metrics.Metrics, logger *zap.Logger) *Handler {
	return &Handler{
		router:  router,
		billing: billing,
		limiter: limiter,
		tracer:  tracer,
		metrics: m,
		logger:  logger,
	}
}

type queryRequest struct {
	Prompt    string `json:"prompt"`
	System    string `json:"system,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

type queryResponse struct {
	ProviderUsed provider.ID `json:"provider_used"`
	ModelUsed    string      `json:"model_used"`
	TokensUsed   int64       `json:"tokens_used"`
	Cost         string      `json:"cost"`
	ResponseText string      `json:"response_text"`
	RecordID     string      `json:"record_id"`
}

type errorResponse struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, route string, status int, kind, msg string) {
	h.metrics.RecordHTTPRequest(route, status)
	writeJSON(w, status, errorResponse{ErrorKind: kind, Message: msg})
}

func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	const route = "/v1/queries"
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		h.writeError(w, route, http.StatusUnauthorized, KindUnauthorized, "unauthorized")
		return
	}
	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var body queryRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, route, http.StatusBadRequest, KindInvalidRequest, "invalid request body")
		return
	}
	if body.Prompt == "" {
		h.writeError(w, route, http.StatusBadRequest, KindInvalidRequest, "prompt is required")
		return
	}
	if body.MaxTokens < 0 || body.MaxTokens > h.router.maxCompletion {
		h.writeError(w, route, http.StatusBadRequest, KindInvalidRequest,
			fmt.Sprintf("max_tokens must be between 0 and %d", h.router.maxCompletion))
		return
	}
	var preferred provider.ID
	if body.Provider != "" {
		id, err := provider.ParseID(body.Provider)
		if err != nil {
			h.writeError(w, route, http.StatusBadRequest, KindInvalidRequest, err.Error())
			return
		}
		preferred = id
	}

	ctx, span := h.tracer.Start(ctx, "proxy.query")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("request_id", requestID),
		attribute.String("model", body.Model),
	)

	if h.limiter != nil {
		estimate := body.MaxTokens
		if estimate <= 0 {
			estimate = defaultTPMEstimate
		}
		allowed, err := h.limiter.Allow(ctx, tenantID, estimate)
		if err != nil {
			h.logger.Warn("rate limiter unavailable", zap.String("tenant_id", tenantID), zap.Error(err))
		}
		if err != nil || !allowed {
			w.Header().Set("Retry-After", retryAfterRateLimit)
			h.writeError(w, route, http.StatusTooManyRequests, KindRateLimited, "rate limit exceeded")
			return
		}
	}

	res, err := h.router.Execute(ctx, &Query{
		TenantID:  tenantID,
		RequestID: requestID,
		Prompt:    body.Prompt,
		System:    body.System,
		Provider:  preferred,
		Model:     body.Model,
		MaxTokens: body.MaxTokens,
	})
	if err != nil {
		status, kind := classify(err)
		if kind == KindInternal {
			h.logger.Error("query failed", zap.String("tenant_id", tenantID), zap.String("request_id", requestID), zap.Error(err))
		}
		h.writeError(w, route, status, kind, err.Error())
		return
	}

	h.metrics.RecordHTTPRequest(route, http.StatusOK)
	writeJSON(w, http.StatusOK, queryResponse{
		ProviderUsed: res.Provider,
		ModelUsed:    res.Model,
		TokensUsed:   res.TokensUsed,
		Cost:         res.Cost.String(),
		ResponseText: res.Content,
		RecordID:     res.RecordID,
	})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, quota.ErrQuotaExceeded):
		return http.StatusTooManyRequests, KindQuotaExceeded
	case errors.Is(err, ErrAllProvidersExhausted):
		return http.StatusServiceUnavailable, KindExhausted
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, KindInvalidRequest
	case errors.Is(err, plan.ErrTenantNotFound):
		return http.StatusForbidden, KindTenantNotFound
	case errors.Is(err, ErrCanceled):
		return http.StatusServiceUnavailable, KindCanceled
	default:
		return http.StatusInternalServerError, KindInternal
	}
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	const route = "/v1/usage"
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		h.writeError(w, route, http.StatusUnauthorized, KindUnauthorized, "unauthorized")
		return
	}

	// Default: last 30 days
	to := time.Now().UTC()
	from := to.Add(-defaultUsageWindow)
	if s := r.URL.Query().Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			h.writeError(w, route, http.StatusBadRequest, KindInvalidRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
		from = t
	}
	if s := r.URL.Query().Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			h.writeError(w, route, http.StatusBadRequest, KindInvalidRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
		to = t
	}
	if to.Before(from) {
		h.writeError(w, route, http.StatusBadRequest, KindInvalidRequest, "'to' is before 'from'")
		return
	}

	records, err := h.billing.ListRecords(ctx, tenantID, from, to)
	if err != nil {
		h.logger.Error("list records", zap.String("tenant_id", tenantID), zap.Error(err))
		h.writeError(w, route, http.StatusInternalServerError, KindInternal, err.Error())
		return
	}
	daily, err := h.billing.DailyAggregates(ctx, tenantID, from, to)
	if err != nil {
		h.logger.Error("daily aggregates", zap.String("tenant_id", tenantID), zap.Error(err))
		h.writeError(w, route, http.StatusInternalServerError, KindInternal, err.Error())
		return
	}
	total, err := h.billing.TotalCost(ctx, tenantID, from, to)
	if err != nil {
		h.logger.Error("total cost", zap.String("tenant_id", tenantID), zap.Error(err))
		h.writeError(w, route, http.StatusInternalServerError, KindInternal, err.Error())
		return
	}
	if records == nil {
		records = []*billing.QueryRecord{}
	}
	if daily == nil {
		daily = []*billing.DailyAggregate{}
	}

	h.metrics.RecordHTTPRequest(route, http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":      tenantID,
		"total_requests": len(records),
		"total_cost_usd": total.String(),
		"records":        records,
		"daily":          daily,
		"from":           from,
		"to":             to,
	})
}

type quotaResponse struct {
	TenantID         string                `json:"tenant_id"`
	PlanID           string                `json:"plan_id"`
	PeriodID         string                `json:"period_id"`
	PeriodStart      time.Time             `json:"period_start"`
	PeriodEnd        time.Time             `json:"period_end"`
	QueryQuota       int64                 `json:"query_quota"`
	QueriesUsed      int64                 `json:"queries_used"`
	TokenQuota       int64                 `json:"token_quota"`
	TokensUsed       int64                 `json:"tokens_used"`
	TokensByProvider map[provider.ID]int64 `json:"tokens_by_provider"`
	ReservedQueries  int64                 `json:"reserved_queries"`
	ReservedTokens   int64                 `json:"reserved_tokens"`
}

func (h *Handler) HandleQuota(w http.ResponseWriter, r *http.Request) {
	const route = "/v1/quota"
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		h.writeError(w, route, http.StatusUnauthorized, KindUnauthorized, "unauthorized")
		return
	}

	st, err := h.router.QuotaStatus(ctx, tenantID)
	if err != nil {
		status, kind := classify(err)
		h.writeError(w, route, status, kind, err.Error())
		return
	}

	h.metrics.RecordHTTPRequest(route, http.StatusOK)
	writeJSON(w, http.StatusOK, quotaResponse{
		TenantID:         tenantID,
		PlanID:           st.Plan.ID,
		PeriodID:         st.Usage.PeriodID,
		PeriodStart:      st.Usage.PeriodStart,
		PeriodEnd:        st.Usage.PeriodEnd,
		QueryQuota:       st.Plan.QueryQuota,
		QueriesUsed:      st.Usage.Queries,
		TokenQuota:       st.Plan.TokenQuota,
		TokensUsed:       st.Usage.Tokens,
		TokensByProvider: st.Usage.TokensByProvider,
		ReservedQueries:  st.Usage.ReservedQueries,
		ReservedTokens:   st.Usage.ReservedTokens,
	})
}
