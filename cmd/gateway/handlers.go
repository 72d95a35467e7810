package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/audit"
	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/auth"
	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/guard"
	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/httpx"
	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/models"
	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/stream"
	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/webhook"
)

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		s.Metrics.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// withRateLimit admits the request against the caller's fixed window.
// Identity is the authenticated subject; unauthenticated callers fall
// back to the remote address.
func (s *Server) withRateLimit(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.RateLimitEnabled || s.RateLimiter == nil {
			h(w, r)
			return
		}
		identity := r.RemoteAddr
		if principal, ok := auth.PrincipalFromContext(r.Context()); ok && principal.Subject != "" {
			identity = principal.Subject
		}
		decision := s.RateLimiter.Allow(identity, s.RateLimitPerWindow)
		s.Metrics.IncRateLimit(decision.Allowed)
		if !decision.Allowed {
			sec := int(decision.RetryAfter / time.Second)
			if sec < 1 {
				sec = 1
			}
			httpx.WriteError(w, models.RateLimited(sec))
			return
		}
		h(w, r)
	}
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var q models.ResolutionQuery
	if err := json.Unmarshal(body, &q); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	cacheKey := "resolve:" + string(q.TargetKind) + ":" + strings.ToLower(strings.TrimSpace(q.RawTerm))
	if cached, err := s.Cache.Get(r.Context(), cacheKey); err == nil && cached != "" {
		var cands []models.ResolutionCandidate
		if json.Unmarshal([]byte(cached), &cands) == nil {
			httpx.WriteJSON(w, 200, map[string]any{"candidates": cands})
			return
		}
	}
	cands, err := s.Resolver.Resolve(r.Context(), q)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	s.Metrics.IncTier(cands[0].Tier)
	if encoded, err := json.Marshal(cands); err == nil {
		_ = s.Cache.Set(r.Context(), cacheKey, string(encoded), s.CacheTTL)
	}
	httpx.WriteJSON(w, 200, map[string]any{"candidates": cands})
}

func kindParam(r *http.Request) (models.TargetKind, error) {
	kind := models.TargetKind(chi.URLParam(r, "kind"))
	if !models.ValidTargetKind(kind) {
		return "", models.Validation("unknown record kind", "kind")
	}
	return kind, nil
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		httpx.Error(w, http.StatusBadRequest, "record id must be a positive integer")
		return
	}
	records, err := s.Enricher.Enrich(r.Context(), kind, []int{id})
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	rec, ok := records[id]
	if !ok {
		httpx.WriteError(w, models.NotFound(string(kind), strconv.Itoa(id)))
		return
	}
	httpx.WriteJSON(w, 200, rec)
}

const maxBatchIDs = 50

func (s *Server) handleBatchRecords(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req struct {
		IDs []int `json:"ids"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.IDs) == 0 {
		httpx.WriteError(w, models.Validation("ids must not be empty", "ids"))
		return
	}
	if len(req.IDs) > maxBatchIDs {
		httpx.WriteError(w, models.Validation(fmt.Sprintf("at most %d ids per batch", maxBatchIDs), "ids"))
		return
	}
	records, err := s.Enricher.Enrich(r.Context(), kind, req.IDs)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	out := make([]*models.EnrichedRecord, 0, len(req.IDs))
	for _, id := range req.IDs {
		if rec, ok := records[id]; ok {
			out = append(out, rec)
		}
	}
	httpx.WriteJSON(w, 200, map[string]any{"records": out})
}

func (s *Server) handleMutate(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req models.MutationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Table) == "" {
		httpx.WriteError(w, models.Validation("table is required", "table"))
		return
	}
	switch req.Operation {
	case models.OpCreate, models.OpUpdate, models.OpDelete, models.OpPurge, models.OpReserve, models.OpAssign:
	default:
		httpx.WriteError(w, models.Validation("unknown operation", "operation"))
		return
	}
	if req.Operation != models.OpCreate && req.RecordID <= 0 {
		httpx.WriteError(w, models.Validation("record_id is required", "record_id"))
		return
	}
	if !s.admitGuarded(w, r, req) {
		return
	}
	rec, err := s.GLPI.Mutate(r.Context(), req.Table, req.Operation, req.RecordID, req.Fields)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if evt := eventFor(req.Table, req.Operation); evt != "" {
		id := req.RecordID
		if created, ok := rec.Int("id"); ok && id == 0 {
			id = created
		}
		s.Events.Publish(stream.NewEvent(evt, map[string]any{
			"table":     req.Table,
			"record_id": id,
			"operation": string(req.Operation),
		}))
	}
	httpx.WriteJSON(w, 200, map[string]any{"result": rec})
}

// admitGuarded runs the safety guard, records destructive decisions in
// the audit trail and writes the rejection if the operation may not
// proceed.
func (s *Server) admitGuarded(w http.ResponseWriter, r *http.Request, req models.MutationRequest) bool {
	decision := guard.Evaluate(req, s.Guard)
	if req.Operation.Destructive() {
		if decision.Approved {
			s.Metrics.IncGuard("approved")
		} else {
			s.Metrics.IncGuard(decision.Cause)
		}
		s.auditMutation(r, req, decision)
	}
	if decision.Approved {
		return true
	}
	e := models.PermissionDenied("destructive operation rejected")
	e.Data = map[string]any{"cause": decision.Cause}
	httpx.WriteError(w, e)
	return false
}

func (s *Server) auditMutation(r *http.Request, req models.MutationRequest, decision models.SafetyDecision) {
	if s.Audit == nil {
		return
	}
	actor := r.RemoteAddr
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok && principal.Subject != "" {
		actor = principal.Subject
	}
	rec := audit.Record{
		Actor:     actor,
		Table:     req.Table,
		Operation: string(req.Operation),
		RecordID:  req.RecordID,
		Fields:    req.Fields,
		Approved:  decision.Approved,
		Cause:     decision.Cause,
		Reason:    req.Reason,
	}
	if err := s.Audit.Append(r.Context(), rec); err != nil {
		log.Printf("audit append: %v", err)
	}
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.WriteJSON(w, 200, map[string]any{"records": []audit.Record{}})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.Audit.Recent(r.Context(), limit)
	if err != nil {
		httpx.WriteError(w, models.Upstream(0, "audit store unavailable"))
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"records": records})
}

// eventFor maps a mutation to the webhook event type it raises.
func eventFor(table string, op models.OperationKind) string {
	var family string
	switch strings.ToLower(table) {
	case "ticket":
		family = "ticket"
	case "user":
		family = "user"
	case "computer", "monitor", "printer", "networkequipment", "phone":
		family = "asset"
	default:
		return ""
	}
	switch op {
	case models.OpCreate:
		return family + ".created"
	case models.OpUpdate:
		return family + ".updated"
	case models.OpDelete, models.OpPurge:
		return family + ".deleted"
	case models.OpAssign:
		if family == "ticket" {
			return "ticket.assigned"
		}
		return family + ".updated"
	case models.OpReserve:
		if family == "asset" {
			return "asset.reserved"
		}
		return family + ".updated"
	default:
		return ""
	}
}

type webhookRequest struct {
	Name   *string `json:"name"`
	URL    *string `json:"url"`
	Event  *string `json:"event"`
	Secret *string `json:"secret"`
	Active *bool   `json:"active"`
}

func validWebhookURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (s *Server) createWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.URL == nil || !validWebhookURL(*req.URL) {
		httpx.WriteError(w, models.Validation("url must be a valid http(s) endpoint", "url"))
		return
	}
	if req.Event == nil || !webhook.ValidEvent(*req.Event) {
		httpx.WriteError(w, models.Validation("unknown event type", "event"))
		return
	}
	now := time.Now().UTC()
	sub := webhook.Subscription{
		ID:        uuid.NewString(),
		URL:       *req.URL,
		Event:     strings.TrimSpace(*req.Event),
		Secret:    uuid.NewString(),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Name != nil {
		sub.Name = strings.TrimSpace(*req.Name)
	}
	if req.Secret != nil && strings.TrimSpace(*req.Secret) != "" {
		sub.Secret = strings.TrimSpace(*req.Secret)
	}
	if req.Active != nil {
		sub.Active = *req.Active
	}
	if err := s.Webhooks.CreateSubscription(r.Context(), sub); err != nil {
		httpx.WriteError(w, err)
		return
	}
	// Secret is returned exactly once, at creation.
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"subscription": sub, "secret": sub.Secret})
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	subs, err := s.Webhooks.ListSubscriptions(r.Context())
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"subscriptions": subs})
}

func (s *Server) getWebhook(w http.ResponseWriter, r *http.Request) {
	sub, err := s.Webhooks.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"subscription": sub})
}

func (s *Server) updateWebhook(w http.ResponseWriter, r *http.Request) {
	sub, err := s.Webhooks.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.URL != nil {
		if !validWebhookURL(*req.URL) {
			httpx.WriteError(w, models.Validation("url must be a valid http(s) endpoint", "url"))
			return
		}
		sub.URL = *req.URL
	}
	if req.Event != nil {
		if !webhook.ValidEvent(*req.Event) {
			httpx.WriteError(w, models.Validation("unknown event type", "event"))
			return
		}
		sub.Event = strings.TrimSpace(*req.Event)
	}
	if req.Name != nil {
		sub.Name = strings.TrimSpace(*req.Name)
	}
	if req.Secret != nil && strings.TrimSpace(*req.Secret) != "" {
		sub.Secret = strings.TrimSpace(*req.Secret)
	}
	if req.Active != nil {
		sub.Active = *req.Active
	}
	sub.UpdatedAt = time.Now().UTC()
	if err := s.Webhooks.UpdateSubscription(r.Context(), sub); err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"subscription": sub})
}

// deleteWebhook is destructive and passes through the safety guard.
// Confirmation travels in the optional JSON body.
func (s *Server) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var confirm struct {
		ConfirmationToken string `json:"confirmation_token"`
		Reason            string `json:"reason"`
	}
	if body, err := io.ReadAll(r.Body); err == nil && len(body) > 0 {
		_ = json.Unmarshal(body, &confirm)
	}
	if !s.admitGuarded(w, r, models.MutationRequest{
		Table:             "webhook_subscription",
		Operation:         models.OpDeleteWebhook,
		ConfirmationToken: confirm.ConfirmationToken,
		Reason:            confirm.Reason,
	}) {
		return
	}
	if err := s.Webhooks.DeleteSubscription(r.Context(), id); err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"deleted": id})
}

func (s *Server) testWebhook(w http.ResponseWriter, r *http.Request) {
	sub, err := s.Webhooks.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"subscription_id": sub.ID,
		"fired_at":        time.Now().UTC().Format(time.RFC3339),
	})
	del, err := s.Dispatcher.Enqueue(r.Context(), sub.ID, "test", payload)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"delivery": del})
}

func (s *Server) listWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.Webhooks.GetSubscription(r.Context(), id); err != nil {
		httpx.WriteError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	deliveries, err := s.Webhooks.ListDeliveries(r.Context(), id, limit)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"deliveries": deliveries})
}

func (s *Server) retryWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.Webhooks.GetSubscription(r.Context(), id); err != nil {
		httpx.WriteError(w, err)
		return
	}
	n, err := s.Dispatcher.RetryFailed(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"requeued": n})
}

func (s *Server) webhookStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Webhooks.Stats(r.Context(), r.URL.Query().Get("subscription_id"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"stats": stats})
}
