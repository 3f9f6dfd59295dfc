// Package gateway exposes the orchestration pipeline over a versioned HTTP
// API and carries the service's auth, rate-limit, and observability
// middleware.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"agentpay/events"
	"agentpay/identity"
	"agentpay/journey"
	"agentpay/ledger"
	"agentpay/orchestrator"
	"agentpay/protocol/ap2"
	"agentpay/protocol/tap"
	"agentpay/protocol/x402"
	"agentpay/recon"
)

// webhookDedupTTL is how long a processed (provider, event_id) pair blocks
// redelivery.
const webhookDedupTTL = 24 * time.Hour

// Server is the HTTP front door.
type Server struct {
	orch      *orchestrator.Orchestrator
	verifier  *ap2.Verifier
	tap       *tap.Verifier
	x402      *x402.Validator
	ledger    *ledger.Ledger
	journeys  *journey.Store
	queue     recon.Queue
	holds     *HoldManager
	approvals *ApprovalManager
	bus       *events.Bus
	registry  *identity.Registry

	obs      *Observability
	payRate  *RateLimiter
	admRate  *RateLimiter
	apiAuth  *APIKeyAuth
	admAuth  *AdminAuth
	webhooks map[string]string

	logger *slog.Logger
}

// Options bundles the server's collaborators.
type Options struct {
	Orchestrator *orchestrator.Orchestrator
	Verifier     *ap2.Verifier
	TAP          *tap.Verifier
	X402         *x402.Validator
	Ledger       *ledger.Ledger
	Journeys     *journey.Store
	ReconQueue   recon.Queue
	Holds        *HoldManager
	Approvals    *ApprovalManager
	Bus          *events.Bus
	Registry     *identity.Registry

	APIKeys        map[string]string
	AdminSecret    string
	WebhookSecrets map[string]string
	PaymentRate    float64
	PaymentBurst   int
	AdminPerMinute int

	Logger *slog.Logger
}

// NewServer wires the middleware chain and route table.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	adminPerMinute := opts.AdminPerMinute
	if adminPerMinute <= 0 {
		adminPerMinute = 10
	}
	holds := opts.Holds
	if holds == nil {
		holds = NewHoldManager(0)
	}
	approvals := opts.Approvals
	if approvals == nil {
		approvals = NewApprovalManager(0)
	}
	return &Server{
		orch:      opts.Orchestrator,
		verifier:  opts.Verifier,
		tap:       opts.TAP,
		x402:      opts.X402,
		ledger:    opts.Ledger,
		journeys:  opts.Journeys,
		queue:     opts.ReconQueue,
		holds:     holds,
		approvals: approvals,
		bus:       opts.Bus,
		registry:  opts.Registry,
		obs:       NewObservability("agentpay-gateway"),
		payRate:   NewRateLimiter(opts.PaymentRate, opts.PaymentBurst),
		admRate:   NewRateLimiter(float64(adminPerMinute)/60.0, 2),
		apiAuth:   NewAPIKeyAuth(opts.APIKeys),
		admAuth:   NewAdminAuth(opts.AdminSecret),
		webhooks:  opts.WebhookSecrets,
		logger:    logger,
	}
}

// Holds exposes the hold manager for scheduler wiring.
func (s *Server) Holds() *HoldManager { return s.holds }

// Approvals exposes the approval manager for scheduler wiring.
func (s *Server) Approvals() *ApprovalManager { return s.approvals }

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.obs.MetricsHandler())

	r.Route("/api/v2", func(r chi.Router) {
		// Payment surfaces: API-key auth plus the per-agent payment budget.
		r.Group(func(r chi.Router) {
			r.Use(s.apiAuth.Middleware, s.payRate.Middleware)

			r.With(s.obs.Middleware("ap2_execute")).
				Post("/ap2/payments/execute", s.handleExecuteChain)
			r.With(s.obs.Middleware("mvp_validate")).
				Post("/mvp/mandates/validate", s.handleValidateMandate)
			r.With(s.obs.Middleware("mvp_execute")).
				Post("/mvp/payments/execute", s.handleExecutePayment)
			r.With(s.obs.Middleware("a2a_pay")).
				Post("/a2a/pay", s.handleA2APay)
			r.With(s.obs.Middleware("a2a_messages")).
				Post("/a2a/messages", s.handleA2AMessage)
			r.With(s.obs.Middleware("x402_verify")).
				Post("/x402/verify", s.handleX402Verify)

			r.With(s.obs.Middleware("ledger_list")).
				Get("/ledger/entries", s.handleListEntries)
			r.With(s.obs.Middleware("ledger_get")).
				Get("/ledger/entries/{txID}", s.handleGetEntry)
			r.With(s.obs.Middleware("ledger_verify")).
				Get("/ledger/entries/{txID}/verify", s.handleVerifyEntry)

			r.With(s.obs.Middleware("approvals_submit")).
				Post("/approvals", s.handleSubmitApproval)
			r.With(s.obs.Middleware("holds_create")).
				Post("/holds", s.handleCreateHold)
			r.With(s.obs.Middleware("holds_list")).
				Get("/holds", s.handleListHolds)
			r.With(s.obs.Middleware("holds_capture")).
				Post("/holds/{id}/capture", s.handleCaptureHold)
			r.With(s.obs.Middleware("holds_void")).
				Post("/holds/{id}/void", s.handleVoidHold)
		})

		// Webhooks authenticate by body signature, not API key.
		r.With(s.obs.Middleware("webhook")).
			Post("/webhooks/{provider}", s.handleWebhook)

		// Operator surfaces: JWT auth plus a strict rate limit.
		r.Group(func(r chi.Router) {
			r.Use(s.admAuth.Middleware, s.admRate.Middleware)

			r.With(s.obs.Middleware("approvals_list")).
				Get("/approvals", s.handleListApprovals)
			r.With(s.obs.Middleware("approvals_approve")).
				Post("/approvals/{id}/approve", s.handleApprove)
			r.With(s.obs.Middleware("approvals_deny")).
				Post("/approvals/{id}/deny", s.handleDeny)

			r.With(s.obs.Middleware("reviews_list")).
				Get("/reviews", s.handleListReviews)
			r.With(s.obs.Middleware("reviews_resolve")).
				Post("/reviews/{id}/resolve", s.handleResolveReview)

			r.With(s.obs.Middleware("recon_report")).
				Get("/recon/report", s.handleReconReport)

			r.With(s.obs.Middleware("agents_register_key")).
				Post("/agents/{id}/keys", s.handleRegisterKey)
			r.With(s.obs.Middleware("agents_rotate_key")).
				Post("/agents/{id}/keys/rotate", s.handleRotateKey)
			r.With(s.obs.Middleware("agents_revoke_key")).
				Delete("/agents/{id}/keys/{kid}", s.handleRevokeKey)
		})
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleExecuteChain(w http.ResponseWriter, r *http.Request) {
	var bundle ap2.Bundle
	if err := decodeJSON(r, &bundle); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request")
		return
	}
	result, err := s.orch.ExecuteChain(r.Context(), bundle)
	if err != nil {
		s.logger.Error("chain execution aborted", slog.Any("error", err))
		writeError(w, http.StatusServiceUnavailable, "execution_unavailable")
		return
	}
	writeJSON(w, statusFor(result), result)
}

func (s *Server) handleValidateMandate(w http.ResponseWriter, r *http.Request) {
	var mandate ap2.Mandate
	if err := decodeJSON(r, &mandate); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request")
		return
	}
	verdict := s.verifier.Verify(&mandate)
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted": verdict.Accepted,
		"reason":   verdict.Reason,
	})
}

func (s *Server) handleExecutePayment(w http.ResponseWriter, r *http.Request) {
	var mandate ap2.Mandate
	if err := decodeJSON(r, &mandate); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request")
		return
	}
	result, err := s.orch.ExecutePayment(r.Context(), &mandate)
	if err != nil {
		s.logger.Error("payment execution aborted", slog.Any("error", err))
		writeError(w, http.StatusServiceUnavailable, "execution_unavailable")
		return
	}
	writeJSON(w, statusFor(result), result)
}

// handleA2APay accepts a signed agent envelope whose body is a mandate chain.
// The envelope authenticates the sending agent; the bundle still runs the full
// pipeline.
func (s *Server) handleA2APay(w http.ResponseWriter, r *http.Request) {
	var envelope tap.Envelope
	if err := decodeJSON(r, &envelope); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request")
		return
	}
	if ok, reason := s.tap.Verify(&envelope); !ok {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"accepted": false, "reason": reason,
		})
		return
	}
	var bundle ap2.Bundle
	if err := json.Unmarshal([]byte(envelope.Body), &bundle); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"accepted": false, "reason": tap.ReasonInvalidEnvelope,
		})
		return
	}
	result, err := s.orch.ExecuteChain(r.Context(), bundle)
	if err != nil {
		s.logger.Error("a2a execution aborted", slog.Any("error", err))
		writeError(w, http.StatusServiceUnavailable, "execution_unavailable")
		return
	}
	writeJSON(w, statusFor(result), result)
}

func (s *Server) handleA2AMessage(w http.ResponseWriter, r *http.Request) {
	var envelope tap.Envelope
	if err := decodeJSON(r, &envelope); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request")
		return
	}
	ok, reason := s.tap.Verify(&envelope)
	if ok && s.bus != nil {
		s.bus.Publish("a2a.message", map[string]any{
			"message_id": envelope.MessageID,
			"sender":     envelope.Sender,
			"recipient":  envelope.Recipient,
			"purpose":    envelope.Purpose,
		})
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{"accepted": ok, "reason": reason})
}

type x402Request struct {
	Challenge x402.Challenge `json:"challenge"`
	Response  x402.Response  `json:"response"`
}

func (s *Server) handleX402Verify(w http.ResponseWriter, r *http.Request) {
	var req x402Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request")
		return
	}
	ok, reason := s.x402.Validate(req.Challenge, req.Response)
	status := http.StatusOK
	if !ok {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{"accepted": ok, "reason": reason})
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	wallet := strings.TrimSpace(r.URL.Query().Get("wallet"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	entries, err := s.ledger.ListEntries(r.Context(), wallet, limit, offset)
	if err != nil {
		s.logger.Error("ledger list failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "ledger_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":      entries,
		"current_root": s.ledger.CurrentRoot(),
	})
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txID")
	entry, receipt, err := s.ledger.GetEntry(r.Context(), txID)
	if err != nil {
		writeError(w, http.StatusNotFound, "entry_not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry": entry, "receipt": receipt})
}

func (s *Server) handleVerifyEntry(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txID")
	result, err := s.ledger.Verify(r.Context(), txID)
	if err != nil {
		writeError(w, http.StatusNotFound, "entry_not_found")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type approvalRequest struct {
	Bundle ap2.Bundle `json:"bundle"`
	Reason string     `json:"reason"`
}

func (s *Server) handleSubmitApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request")
		return
	}
	agent := strings.TrimSpace(r.Header.Get(agentHeader))
	approval, err := s.approvals.Submit(agent, req.Bundle, req.Reason)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_approval")
		return
	}
	writeJSON(w, http.StatusAccepted, approval)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"approvals": s.approvals.List()})
}

// handleApprove dispatches the parked bundle after the operator signs off.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	approval, err := s.approvals.Approve(id, operatorFrom(r))
	if err != nil {
		writeError(w, http.StatusConflict, "approval_not_pending")
		return
	}
	result, err := s.orch.ExecuteChain(r.Context(), approval.Bundle)
	if err != nil {
		s.logger.Error("approved execution aborted", slog.Any("error", err))
		writeError(w, http.StatusServiceUnavailable, "execution_unavailable")
		return
	}
	writeJSON(w, statusFor(result), map[string]any{"approval": approval, "result": result})
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	approval, err := s.approvals.Deny(id, operatorFrom(r))
	if err != nil {
		writeError(w, http.StatusConflict, "approval_not_pending")
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

type holdRequest struct {
	AmountMinor int64  `json:"amount_minor"`
	Token       string `json:"token"`
	Merchant    string `json:"merchant"`
}

func (s *Server) handleCreateHold(w http.ResponseWriter, r *http.Request) {
	var req holdRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request")
		return
	}
	agent := strings.TrimSpace(r.Header.Get(agentHeader))
	hold, err := s.holds.Create(agent, req.AmountMinor, req.Token, req.Merchant)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_hold")
		return
	}
	writeJSON(w, http.StatusCreated, hold)
}

func (s *Server) handleListHolds(w http.ResponseWriter, r *http.Request) {
	agent := strings.TrimSpace(r.Header.Get(agentHeader))
	writeJSON(w, http.StatusOK, map[string]any{"holds": s.holds.List(agent)})
}

func (s *Server) handleCaptureHold(w http.ResponseWriter, r *http.Request) {
	hold, err := s.holds.Capture(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusConflict, "hold_not_active")
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

func (s *Server) handleVoidHold(w http.ResponseWriter, r *http.Request) {
	hold, err := s.holds.Void(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusConflict, "hold_not_active")
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

type webhookPayload struct {
	EventID string         `json:"event_id"`
	Type    string         `json:"type"`
	Data    map[string]any `json:"data"`
}

// handleWebhook verifies the provider's body signature and suppresses
// redeliveries of the same event id for 24 hours.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(chi.URLParam(r, "provider"))
	secret, ok := s.webhooks[provider]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_provider")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request")
		return
	}
	if !VerifyWebhookSignature([]byte(secret), body, r.Header.Get("X-Webhook-Signature")) {
		writeError(w, http.StatusUnauthorized, "invalid_signature")
		return
	}
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || strings.TrimSpace(payload.EventID) == "" {
		writeError(w, http.StatusBadRequest, "malformed_request")
		return
	}
	fresh, err := s.journeys.MarkWebhookProcessed(provider, payload.EventID, webhookDedupTTL)
	if err != nil {
		s.logger.Error("webhook dedup check failed",
			slog.String("provider", provider), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "dedup_unavailable")
		return
	}
	if !fresh {
		writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
		return
	}
	if s.bus != nil {
		s.bus.Publish("webhook."+provider, map[string]any{
			"event_id": payload.EventID,
			"type":     payload.Type,
			"data":     payload.Data,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted"})
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	unresolvedOnly := r.URL.Query().Get("all") == ""
	items, err := s.journeys.ListManualReview(unresolvedOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reviews_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviews": items})
}

type resolveRequest struct {
	Detail string `json:"detail"`
}

func (s *Server) handleResolveReview(w http.ResponseWriter, r *http.Request) {
	itemID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_review_id")
		return
	}
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request")
		return
	}
	if err := s.journeys.ResolveManualReview(itemID, operatorFrom(r), req.Detail); err != nil {
		writeError(w, http.StatusConflict, "review_not_resolvable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

type registerKeyRequest struct {
	OrganizationID string `json:"organization_id"`
	PublicKey      string `json:"public_key"`
	Algorithm      string `json:"algorithm"`
	ExpiresAt      int64  `json:"expires_at"`
	Reason         string `json:"reason"`
}

func (s *Server) handleRegisterKey(w http.ResponseWriter, r *http.Request) {
	var req registerKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request")
		return
	}
	agentID := chi.URLParam(r, "id")
	var expires time.Time
	if req.ExpiresAt > 0 {
		expires = time.Unix(req.ExpiresAt, 0).UTC()
	}
	kid, err := s.registry.RegisterKey(agentID, req.OrganizationID, req.PublicKey, req.Algorithm, expires)
	if err != nil {
		writeError(w, http.StatusBadRequest, "key_not_registered")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"kid": kid})
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	var req registerKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request")
		return
	}
	kid, err := s.registry.RotateKey(chi.URLParam(r, "id"), req.PublicKey, req.Reason)
	if err != nil {
		writeError(w, http.StatusConflict, "key_not_rotated")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"kid": kid})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.RevokeKey(chi.URLParam(r, "id"), chi.URLParam(r, "kid")); err != nil {
		writeError(w, http.StatusNotFound, "key_not_revoked")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleReconReport(w http.ResponseWriter, r *http.Request) {
	since, until := reportWindow(r)
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="reconciliation.csv"`)
	if err := recon.ExportCSV(w, s.queue, since, until); err != nil {
		s.logger.Error("reconciliation report failed", slog.Any("error", err))
	}
}

func reportWindow(r *http.Request) (time.Time, time.Time) {
	since := time.Time{}
	until := time.Now().UTC()
	if raw := r.URL.Query().Get("since"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			since = t
		}
	}
	if raw := r.URL.Query().Get("until"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			until = t
		}
	}
	return since, until
}

// operatorFrom extracts the operator subject from the verified bearer token.
// Auth middleware already validated it; a parse failure here yields "".
func operatorFrom(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ""
	}
	var claims struct {
		Sub string `json:"sub"`
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ""
	}
	return claims.Sub
}

func statusFor(result orchestrator.Result) int {
	switch result.Status {
	case orchestrator.StatusSettled:
		return http.StatusOK
	case orchestrator.StatusReconciliationPending:
		return http.StatusAccepted
	default:
		return http.StatusUnprocessableEntity
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Default().Error("response encode failed", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// Serve runs the listener until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("gateway: shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("gateway: serve: %w", err)
		}
		return nil
	}
}
