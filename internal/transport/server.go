// Package transport exposes the minimal HTTP surface callers need: job
// start/status/cancel, a per-job SSE progress stream, connector health
// rollups, and Prometheus metrics. The full product API (auth, CLI,
// tenant onboarding) lives in external services; this router only covers
// what the reconciliation core itself must answer for.
package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/opside/reconciler/internal/billing"
	"github.com/opside/reconciler/internal/circuitbreaker"
	"github.com/opside/reconciler/internal/claims"
	"github.com/opside/reconciler/internal/connectors"
	"github.com/opside/reconciler/internal/core"
	"github.com/opside/reconciler/internal/notify"
	"github.com/opside/reconciler/internal/orchestrator"
	"github.com/opside/reconciler/internal/progress"
)

// Server wires the job/health/metrics handlers onto a gorilla/mux router.
type Server struct {
	orch     *orchestrator.Orchestrator
	bus      *progress.Bus
	registry *connectors.Registry
	breakers *circuitbreaker.MarketplaceCircuitBreakers
	metrics  *Metrics
	logger   *slog.Logger

	claims   claims.Store
	ledger   *billing.Ledger
	notifier *notify.Dispatcher
}

// NewServer constructs a Server. breakers may be nil; /health then omits
// the upstream-breaker section.
func NewServer(orch *orchestrator.Orchestrator, bus *progress.Bus, registry *connectors.Registry, breakers *circuitbreaker.MarketplaceCircuitBreakers, metrics *Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		orch:     orch,
		bus:      bus,
		registry: registry,
		breakers: breakers,
		metrics:  metrics,
		logger:   logger,
	}
}

// WithPayouts enables the payout callback endpoint: claimStore resolves
// the claim, ledger charges the commission, notifier (optional) emits
// claim_paid.
func (s *Server) WithPayouts(claimStore claims.Store, ledger *billing.Ledger, notifier *notify.Dispatcher) *Server {
	s.claims = claimStore
	s.ledger = ledger
	s.notifier = notifier
	return s
}

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/jobs", s.handleStartJob).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods("POST")
	r.HandleFunc("/jobs/{id}/events", s.handleJobEvents).Methods("GET")
	if s.claims != nil && s.ledger != nil {
		r.HandleFunc("/claims/{id}/paid", s.handleClaimPaid).Methods("POST")
	}
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	r.Use(s.instrument)
	return r
}

// instrument records request counts and latency per route template.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(recorder.status)).Inc()
		s.metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush lets the SSE handler flush through the instrumented writer.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func tenantID(r *http.Request) string {
	if tid := r.Header.Get("X-Tenant-ID"); tid != "" {
		return tid
	}
	return "default"
}

type startJobRequest struct {
	Kind    string   `json:"kind"`
	Sources []string `json:"sources"`
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req startJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	kind := core.SyncKind(req.Kind)
	switch kind {
	case core.SyncFull, core.SyncIncremental, core.SyncDiscrepancyOnly:
	case "":
		kind = core.SyncFull
	default:
		http.Error(w, fmt.Sprintf("unknown sync kind %q", req.Kind), http.StatusBadRequest)
		return
	}

	jobID, err := s.orch.StartSync(r.Context(), tenantID(r), kind, req.Sources)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.metrics.JobsStarted.WithLabelValues(string(kind)).Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"job_id": jobID})
}

type jobResponse struct {
	ID          string                 `json:"id"`
	TenantID    string                 `json:"tenant_id"`
	Kind        string                 `json:"kind"`
	Sources     []string               `json:"sources,omitempty"`
	State       string                 `json:"state"`
	Progress    progressResponse       `json:"progress"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Errors      []string               `json:"errors"`
	Warnings    []string               `json:"warnings"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

type progressResponse struct {
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

func toJobResponse(job core.SyncJob) jobResponse {
	errs := job.Errors
	if errs == nil {
		errs = []string{}
	}
	warnings := job.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	return jobResponse{
		ID:          job.ID,
		TenantID:    job.TenantID,
		Kind:        string(job.Kind),
		Sources:     job.Sources,
		State:       string(job.State),
		Progress:    progressResponse{Current: job.Progress.Current, Total: job.Progress.Total, Percentage: job.Progress.Percentage},
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		Errors:      errs,
		Warnings:    warnings,
		Metadata:    job.Metadata,
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.orch.Get(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toJobResponse(job))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if err := s.orch.Cancel(jobID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.metrics.JobsCancelled.Inc()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "cancellation requested", "job_id": jobID})
}

// handleJobEvents streams the job's progress events as SSE frames until
// an event with a terminal state has been sent or the client disconnects.
// Reconnecting clients re-poll GET /jobs/{id} for
// catch-up; the stream itself is not durable.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	jobID := mux.Vars(r)["id"]
	if _, found := s.orch.Get(jobID); !found {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := s.bus.Subscribe(jobID)
	defer cancel()

	s.metrics.SSESubscribers.Inc()
	defer s.metrics.SSESubscribers.Dec()

	fmt.Fprintf(w, "event: connected\ndata: {\"job_id\":%q}\n\n", jobID)
	flusher.Flush()

	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			if ev.State.Terminal() {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

type claimPaidRequest struct {
	AmountRecoveredCents int64  `json:"amount_recovered_cents"`
	Currency             string `json:"currency"`
}

// handleClaimPaid is the payout callback from the downstream adjudicator:
// the claim is marked approved, the platform commission is charged on the
// recovered amount, and claim_paid is emitted. A claim that is already
// approved is answered with 409 and not charged again, so a retried
// callback does not double-charge.
func (s *Server) handleClaimPaid(w http.ResponseWriter, r *http.Request) {
	claimID := mux.Vars(r)["id"]

	var req claimPaidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.AmountRecoveredCents < 0 {
		http.Error(w, "amount_recovered_cents must be non-negative", http.StatusBadRequest)
		return
	}
	if req.Currency == "" {
		req.Currency = "usd"
	}

	claim, err := s.claims.Get(r.Context(), claimID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if claim == nil {
		http.Error(w, "claim not found", http.StatusNotFound)
		return
	}
	if claim.Status == core.ClaimApproved {
		http.Error(w, "claim already paid", http.StatusConflict)
		return
	}

	charge, err := s.ledger.Charge(r.Context(), claim.TenantID, claimID, req.AmountRecoveredCents, req.Currency, map[string]interface{}{
		"sku": claim.SKU,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	claim.Status = core.ClaimApproved
	claim.AuditTrail = append(claim.AuditTrail, fmt.Sprintf("payout recorded, stripe txn %s", charge.StripeTransactionID))
	if err := s.claims.Save(r.Context(), claim); err != nil {
		s.logger.Error("failed to persist paid claim", "claim_id", claimID, "error", err)
	}

	if s.notifier != nil {
		s.notifier.Emit(notify.Event{
			Type:   notify.EventClaimPaid,
			UserID: claim.TenantID,
			Data: map[string]interface{}{
				"claim_id":           claimID,
				"amount_recovered":   req.AmountRecoveredCents,
				"platform_fee":       charge.Fees.PlatformFeeCents,
				"seller_payout":      charge.Fees.SellerPayoutCents,
				"stripe_transaction": charge.StripeTransactionID,
			},
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"claim_id":            claimID,
		"status":              string(claim.Status),
		"platform_fee_cents":  charge.Fees.PlatformFeeCents,
		"seller_payout_cents": charge.Fees.SellerPayoutCents,
	})
}

type connectorHealth struct {
	Name      string     `json:"name"`
	Enabled   bool       `json:"enabled"`
	Healthy   bool       `json:"healthy"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// handleHealth reports per-connector health and upstream breaker states.
// A connector with a recorded error is unhealthy but the service stays
// up, so this endpoint always answers 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":  "healthy",
		"service": "reconciler",
	}

	var rollup []connectorHealth
	degraded := false
	for _, c := range s.registry.All() {
		h := c.Health()
		ch := connectorHealth{
			Name:    c.Name(),
			Enabled: c.IsEnabled(),
			Healthy: h.Healthy(),
		}
		if !h.LastRunAt.IsZero() {
			lastRun := h.LastRunAt
			ch.LastRunAt = &lastRun
		}
		if h.LastError != nil {
			ch.LastError = h.LastError.Error()
			degraded = true
		}
		rollup = append(rollup, ch)
	}
	resp["connectors"] = rollup

	if s.breakers != nil {
		status, states := s.breakers.HealthStatus()
		resp["upstreams"] = map[string]interface{}{"status": status, "breakers": states}
		if status != "HEALTHY" {
			degraded = true
		}
	}

	if degraded {
		resp["status"] = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
