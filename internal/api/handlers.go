package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/gmoralespe/wagateway/internal/cache"
	"github.com/gmoralespe/wagateway/internal/directory"
	"github.com/gmoralespe/wagateway/internal/model"
	"github.com/gmoralespe/wagateway/internal/pipeline"
	"github.com/gmoralespe/wagateway/internal/repo"
	"github.com/gmoralespe/wagateway/internal/scheduler"
	"github.com/gmoralespe/wagateway/internal/session"
	"github.com/gmoralespe/wagateway/internal/transport"
)

type Handler struct {
	auth     *Authenticator
	users    repo.UserRepository
	history  repo.HistoryRepository
	registry *session.Registry
	pipe     *pipeline.Pipeline
	runs     cache.RunCache    // nil when redis is disabled
	dir      *directory.Client // nil when no directory is configured
	reaper   *scheduler.Scheduler
	log      *slog.Logger
}

func NewHandler(
	auth *Authenticator,
	users repo.UserRepository,
	history repo.HistoryRepository,
	registry *session.Registry,
	pipe *pipeline.Pipeline,
	runs cache.RunCache,
	dir *directory.Client,
	reaper *scheduler.Scheduler,
	log *slog.Logger,
) *Handler {
	return &Handler{
		auth:     auth,
		users:    users,
		history:  history,
		registry: registry,
		pipe:     pipe,
		runs:     runs,
		dir:      dir,
		reaper:   reaper,
		log:      log,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DNI      string `json:"dni"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DNI == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "dni and password are required"})
		return
	}

	user, err := h.users.FindByDNI(r.Context(), req.DNI)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid credentials"})
			return
		}
		h.log.Error("user lookup failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	if !user.Active {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "account disabled"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid credentials"})
		return
	}

	token, err := h.auth.IssueToken(user)
	if err != nil {
		h.log.Error("token issue failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user": map[string]any{
			"id":       user.ID,
			"dni":      user.DNI,
			"nombre":   user.FirstName,
			"apellido": user.LastName,
			"rol":      string(user.Role),
		},
	})
}

func (h *Handler) Initialize(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())

	sess, err := h.registry.GetOrCreate(claims.TenantID())
	if err != nil {
		h.log.Error("session create failed", "tenant", claims.TenantID(), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "could not create session"})
		return
	}

	if err := sess.Initialize(r.Context(), false); err != nil {
		h.writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statusPayload(sess.Status()))
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())

	sess, ok := h.registry.Get(claims.TenantID())
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"state": string(model.StateUninitialized)})
		return
	}

	payload := statusPayload(sess.Status())
	if h.runs != nil {
		if last, ok, err := h.runs.LastRun(r.Context(), claims.TenantID()); err == nil && ok {
			payload["lastRun"] = last
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) SendBulk(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())

	var req struct {
		Recipients []struct {
			Name   string `json:"nombre"`
			Number string `json:"numero"`
		} `json:"recipients"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed body"})
		return
	}
	if len(req.Recipients) == 0 || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "recipients and message are required"})
		return
	}

	remaining, err := h.history.RemainingQuota(r.Context(), claims.UserID)
	if err != nil {
		h.log.Error("quota lookup failed", "user", claims.UserID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	if len(req.Recipients) > remaining {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":     "daily send limit reached",
			"remaining": remaining,
		})
		return
	}

	sess, ok := h.registry.Get(claims.TenantID())
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "session not initialized"})
		return
	}

	recipients := make([]model.Recipient, 0, len(req.Recipients))
	for _, rec := range req.Recipients {
		recipients = append(recipients, model.Recipient{DisplayName: rec.Name, RawNumber: rec.Number})
	}

	result, err := h.pipe.Run(r.Context(), sess, recipients, req.Message)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	succeeded := result.SentCount() > 0
	if err := h.history.RecordSend(r.Context(), claims.UserID, len(recipients), req.Message, succeeded); err != nil {
		h.log.Error("history record failed", "user", claims.UserID, "error", err)
	}
	if h.runs != nil {
		summary := cache.RunSummary{
			RunID:      result.RunID,
			Total:      len(recipients),
			Sent:       result.SentCount(),
			Failed:     len(result.Outcomes) - result.SentCount(),
			Aborted:    result.Aborted,
			FinishedAt: time.Now(),
		}
		if err := h.runs.StoreLastRun(r.Context(), claims.TenantID(), summary); err != nil {
			h.log.Warn("run summary cache failed", "tenant", claims.TenantID(), "error", err)
		}
	}

	outcomes := make([]map[string]any, 0, len(result.Outcomes))
	for _, o := range result.Outcomes {
		entry := map[string]any{
			"nombre": o.DisplayName,
			"numero": o.RawNumber,
			"estado": outcomeState(o),
		}
		if o.ErrorReason != "" {
			entry["detalle"] = o.ErrorReason
		}
		outcomes = append(outcomes, entry)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runId":       result.RunID,
		"sent":        result.SentCount(),
		"failed":      len(result.Outcomes) - result.SentCount(),
		"aborted":     result.Aborted,
		"abortReason": result.AbortReason,
		"results":     outcomes,
	})
}

func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())

	sess, ok := h.registry.Get(claims.TenantID())
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	if err := sess.Disconnect(r.Context()); err != nil {
		h.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) ForceNewSession(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())

	sess, err := h.registry.GetOrCreate(claims.TenantID())
	if err != nil {
		h.log.Error("session create failed", "tenant", claims.TenantID(), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "could not create session"})
		return
	}
	if err := sess.ForceNew(r.Context()); err != nil {
		h.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusPayload(sess.Status()))
}

func (h *Handler) Historial(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())

	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, err := h.history.ListHistory(r.Context(), claims.UserID, limit, offset)
	if err != nil {
		h.log.Error("history list failed", "user", claims.UserID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}

	entries := make([]map[string]any, 0, len(items))
	for _, it := range items {
		entries = append(entries, map[string]any{
			"id":             it.ID,
			"cantidad":       it.RecipientCount,
			"mensaje":        it.Message,
			"estado":         it.Status,
			"fecha_de_envio": it.SentAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	if claims.Role != string(model.RoleAdmin) {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "admin only"})
		return
	}

	snaps := h.registry.Snapshot()
	items := make([]map[string]any, 0, len(snaps))
	for _, s := range snaps {
		items = append(items, statusPayload(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": items})
}

func (h *Handler) VerifyDNI(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	if claims.Role != string(model.RoleAdmin) {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "admin only"})
		return
	}
	if h.dir == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "directory not configured"})
		return
	}

	dni := r.URL.Query().Get("dni")
	if dni == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "dni is required"})
		return
	}

	user, found, err := h.dir.VerifyDNI(r.Context(), dni)
	if err != nil {
		h.log.Error("directory verify failed", "dni", dni, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "directory unreachable"})
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]any{"found": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"found": true, "user": user})
}

func (h *Handler) ReaperStatus(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	if claims.Role != string(model.RoleAdmin) {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "admin only"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": h.reaper.IsRunning()})
}

func (h *Handler) ReaperStart(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	if claims.Role != string(model.RoleAdmin) {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "admin only"})
		return
	}
	h.reaper.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.reaper.IsRunning()})
}

func (h *Handler) ReaperStop(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	if claims.Role != string(model.RoleAdmin) {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "admin only"})
		return
	}
	h.reaper.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.reaper.IsRunning()})
}

func (h *Handler) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSendInProgress):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "bulk send in progress"})
	case errors.Is(err, pipeline.ErrNotReady), errors.Is(err, session.ErrNotReady):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "session not ready"})
	case errors.Is(err, transport.ErrAlreadyInitializing):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "initialization already in progress"})
	case errors.Is(err, session.ErrClosed):
		writeJSON(w, http.StatusGone, map[string]any{"error": "session closed"})
	default:
		h.log.Error("session operation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

func statusPayload(st model.SessionStatus) map[string]any {
	p := map[string]any{
		"tenant":     st.TenantID,
		"state":      string(st.State),
		"sending":    st.SendLocked,
		"createdAt":  st.CreatedAt,
		"lastChange": st.LastTransitionAt,
	}
	if st.PairingCode != "" {
		p["pairingCode"] = st.PairingCode
	}
	return p
}

func outcomeState(o model.SendOutcome) string {
	if o.Succeeded {
		return "enviado"
	}
	return "fallido"
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
