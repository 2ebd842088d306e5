package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dialcast/internal/apperrors"
	"dialcast/internal/auth"
	"dialcast/internal/config"
	"dialcast/internal/database"
	"dialcast/internal/dialer"
	"dialcast/internal/kvstore"
	"dialcast/internal/lease"
	"dialcast/internal/outgoing"
	"dialcast/internal/retry"
	"dialcast/internal/scheduler"
	"dialcast/internal/waitlist"
	"dialcast/internal/websocket"
)

// Server is the HTTP surface: operator API, vendor webhook and dashboard feed
type Server struct {
	cfg       *config.Config
	repo      *database.Repository
	store     *kvstore.Store
	leases    *lease.Registry
	wl        *waitlist.Waitlist
	tracker   *dialer.ActiveCallTracker
	outgoing  *outgoing.Service
	scheduler *scheduler.Service
	retries   *retry.Manager
	auth      *auth.Authenticator
	hub       *websocket.Hub
}

// NewServer creates the API server
func NewServer(cfg *config.Config, repo *database.Repository, store *kvstore.Store,
	leases *lease.Registry, wl *waitlist.Waitlist, tracker *dialer.ActiveCallTracker,
	out *outgoing.Service, sched *scheduler.Service, retries *retry.Manager,
	authn *auth.Authenticator, hub *websocket.Hub) *Server {
	return &Server{
		cfg:       cfg,
		repo:      repo,
		store:     store,
		leases:    leases,
		wl:        wl,
		tracker:   tracker,
		outgoing:  out,
		scheduler: sched,
		retries:   retries,
		auth:      authn,
		hub:       hub,
	}
}

// Start runs the HTTP server (blocking)
func (s *Server) Start() error {
	addr := s.cfg.API.Address()
	log.Printf("[API] Starting server on %s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// Handler builds the full route tree (exported for tests)
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints: login, health, metrics, dashboard feed and the
	// vendor callback (the vendor cannot carry our bearer token).
	mux.HandleFunc("/api/v1/login", s.handleLogin)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.hub.HandleWebSocket)
	mux.HandleFunc("/webhooks/telephony/status", s.handleTelephonyStatus)

	protectedMux := http.NewServeMux()

	protectedMux.HandleFunc("/api/v1/campaigns", s.handleCampaigns)
	protectedMux.HandleFunc("/api/v1/campaigns/contacts", s.handleCampaignContacts)
	protectedMux.HandleFunc("/api/v1/campaigns/contacts/cancel", s.handleContactCancel)
	protectedMux.HandleFunc("/api/v1/campaigns/activate", s.handleCampaignActivate)
	protectedMux.HandleFunc("/api/v1/campaigns/pause", s.handleCampaignPause)
	protectedMux.HandleFunc("/api/v1/campaigns/resume", s.handleCampaignResume)
	protectedMux.HandleFunc("/api/v1/campaigns/status", s.handleCampaignStatus)

	protectedMux.HandleFunc("/api/v1/calls/outbound", s.handleOutboundCall)
	protectedMux.HandleFunc("/api/v1/calls/cancel", s.handleCallCancel)

	protectedMux.HandleFunc("/api/v1/scheduling/schedule", s.handleSchedule)
	protectedMux.HandleFunc("/api/v1/scheduling/cancel", s.handleScheduleCancel)
	protectedMux.HandleFunc("/api/v1/scheduling/reschedule", s.handleReschedule)

	protectedMux.HandleFunc("/api/v1/maintenance/cleanup-slots", s.handleCleanupSlots)

	protectedMux.HandleFunc("/api/v1/users", s.handleUsers)

	mainHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/login" || !strings.HasPrefix(r.URL.Path, "/api/v1/") {
			mux.ServeHTTP(w, r)
			return
		}
		s.auth.Middleware(protectedMux).ServeHTTP(w, r)
	})

	return s.corsMiddleware(mainHandler)
}

// corsMiddleware adds CORS headers when enabled and recovers handler panics
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.API.EnableCORS {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
		}

		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("[API] PANIC RECOVERED: %v", rec)
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprintf(w, `{"error": "Internal Server Error"}`)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps tagged errors onto the HTTP surface
func writeError(w http.ResponseWriter, err error) {
	var e *apperrors.Error
	if errors.As(err, &e) {
		writeJSON(w, e.Kind.HTTPStatus(), map[string]string{
			"error": e.Msg,
			"code":  e.Code,
		})
		return
	}
	log.Printf("[API] Internal error: %v", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

// handleLogin exchanges operator credentials for a session token
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var creds struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	user, err := s.repo.GetUserByEmail(r.Context(), creds.Email)
	if err != nil {
		// Do not reveal whether the account exists
		log.Printf("[Auth] Failed login for %s", creds.Email)
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if err := auth.VerifyPassword(user.PasswordHash, creds.Password); err != nil {
		log.Printf("[Auth] Wrong password for %s", creds.Email)
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := s.auth.GenerateToken(user.ID, user.Email, user.Role)
	if err != nil {
		http.Error(w, "Error generating token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token": token,
		"user": map[string]string{
			"email": user.Email,
			"name":  user.Name,
			"role":  user.Role,
		},
	})
}

// handleCampaigns creates a campaign (with optional contact list) or fetches one
func (s *Server) handleCampaigns(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "id is required", http.StatusBadRequest)
			return
		}
		c, err := s.repo.GetCampaign(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Name            string   `json:"name"`
		ConcurrentLimit int      `json:"concurrent_limit"`
		AgentID         string   `json:"agent_id"`
		FromPhone       string   `json:"from_phone"`
		Contacts        []string `json:"contacts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		writeError(w, apperrors.New(apperrors.Validation, "MISSING_NAME", "campaign name is required"))
		return
	}

	userID := ""
	if claims, err := auth.GetUserFromContext(r.Context()); err == nil {
		userID = strconv.Itoa(claims.UserID)
	}

	c := &database.Campaign{
		Name:            req.Name,
		ConcurrentLimit: req.ConcurrentLimit,
		AgentID:         req.AgentID,
		UserID:          userID,
		FromPhone:       req.FromPhone,
	}
	if err := s.repo.CreateCampaign(r.Context(), c); err != nil {
		writeError(w, err)
		return
	}

	if len(req.Contacts) > 0 {
		n, err := s.repo.CreateContactsBulk(r.Context(), c.ID, req.Contacts)
		if err != nil {
			log.Printf("[API] Error loading contacts for campaign %s: %v", c.ID, err)
		}
		if n > 0 {
			if err := s.repo.ApplyCampaignDelta(r.Context(), c.ID, database.CounterDelta{Total: n}); err != nil {
				log.Printf("[API] Error updating contact total for %s: %v", c.ID, err)
			}
			c.TotalContacts = n
		}
	}

	log.Printf("[API] Created campaign %s (%d contacts)", c.ID, c.TotalContacts)
	writeJSON(w, http.StatusCreated, c)
}

// handleCampaignContacts appends contacts to an existing campaign
func (s *Server) handleCampaignContacts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		CampaignID string   `json:"campaign_id"`
		Phones     []string `json:"phones"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.CampaignID == "" || len(req.Phones) == 0 {
		writeError(w, apperrors.New(apperrors.Validation, "MISSING_FIELDS", "campaign_id and phones are required"))
		return
	}

	if _, err := s.repo.GetCampaign(r.Context(), req.CampaignID); err != nil {
		writeError(w, err)
		return
	}

	n, err := s.repo.CreateContactsBulk(r.Context(), req.CampaignID, req.Phones)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.repo.ApplyCampaignDelta(r.Context(), req.CampaignID, database.CounterDelta{Total: n}); err != nil {
		log.Printf("[API] Error updating contact total for %s: %v", req.CampaignID, err)
	}

	writeJSON(w, http.StatusOK, map[string]int{"inserted": n})
}

// handleContactCancel removes a pending contact from the dial plan (idempotent)
func (s *Server) handleContactCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	cancelled, err := s.repo.CancelContact(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// handleCampaignActivate moves a campaign into the active state and seeds its
// concurrent limit into the key-value store.
func (s *Server) handleCampaignActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	c, err := s.repo.GetCampaign(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if c.Status == database.CampaignCompleted {
		writeError(w, apperrors.New(apperrors.Conflict, "CAMPAIGN_COMPLETED", "completed campaigns cannot be reactivated"))
		return
	}

	if err := s.leases.SetLimit(r.Context(), id, c.ConcurrentLimit); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.Client().Del(r.Context(), kvstore.PausedKey(id)).Err(); err != nil {
		log.Printf("[API] Error clearing pause marker for %s: %v", id, err)
	}
	if err := s.repo.UpdateCampaignStatus(r.Context(), id, database.CampaignActive); err != nil {
		writeError(w, err)
		return
	}

	log.Printf("[API] Activated campaign %s (limit %d)", id, c.ConcurrentLimit)
	s.hub.Broadcast(websocket.EventCampaignUpdate, map[string]string{"campaign_id": id, "status": database.CampaignActive})
	writeJSON(w, http.StatusOK, map[string]string{"status": database.CampaignActive})
}

// handleCampaignPause pauses dispatch; in-flight calls drain naturally
func (s *Server) handleCampaignPause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	if err := s.store.Client().Set(r.Context(), kvstore.PausedKey(id), "1", 0).Err(); err != nil {
		writeError(w, err)
		return
	}
	if err := s.repo.UpdateCampaignStatus(r.Context(), id, database.CampaignPaused); err != nil {
		writeError(w, err)
		return
	}

	log.Printf("[API] Paused campaign %s", id)
	s.hub.Broadcast(websocket.EventCampaignUpdate, map[string]string{"campaign_id": id, "status": database.CampaignPaused})
	writeJSON(w, http.StatusOK, map[string]string{"status": database.CampaignPaused})
}

// handleCampaignResume clears the pause marker and resumes dispatch
func (s *Server) handleCampaignResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	if err := s.store.Client().Del(r.Context(), kvstore.PausedKey(id)).Err(); err != nil {
		writeError(w, err)
		return
	}
	if err := s.repo.UpdateCampaignStatus(r.Context(), id, database.CampaignActive); err != nil {
		writeError(w, err)
		return
	}

	log.Printf("[API] Resumed campaign %s", id)
	s.hub.Broadcast(websocket.EventCampaignUpdate, map[string]string{"campaign_id": id, "status": database.CampaignActive})
	writeJSON(w, http.StatusOK, map[string]string{"status": database.CampaignActive})
}

// handleCampaignStatus reports campaign counters, contact states and the live
// slot/waitlist depth from the key-value store.
func (s *Server) handleCampaignStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	c, err := s.repo.GetCampaign(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	contacts, err := s.repo.CountContactsByStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	inflight, _ := s.leases.InflightCount(r.Context(), id)
	high, _ := s.wl.Len(r.Context(), id, waitlist.PriorityHigh)
	normal, _ := s.wl.Len(r.Context(), id, waitlist.PriorityNormal)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"campaign":        c,
		"contacts":        contacts,
		"inflight":        inflight,
		"waitlist_high":   high,
		"waitlist_normal": normal,
	})
}

// handleOutboundCall places one direct (campaign-less) call
func (s *Server) handleOutboundCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		To      string `json:"to"`
		From    string `json:"from"`
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	callLog, err := s.outgoing.InitiateCall(r.Context(), outgoing.Request{
		To:      req.To,
		From:    req.From,
		AgentID: req.AgentID,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	s.hub.Broadcast(websocket.EventCallDispatched, map[string]string{
		"call_log_id": callLog.ID,
		"to":          callLog.ToPhone,
	})
	writeJSON(w, http.StatusCreated, callLog)
}

// handleCallCancel hangs up an in-flight direct call
func (s *Server) handleCallCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	if err := s.outgoing.CancelCall(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// handleSchedule books a future-dated (optionally recurring) call
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req scheduler.ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		if claims, err := auth.GetUserFromContext(r.Context()); err == nil {
			req.UserID = strconv.Itoa(claims.UserID)
		}
	}

	sc, err := s.scheduler.ScheduleCall(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

// handleScheduleCancel cancels a pending scheduled call (repeat cancel is OK)
func (s *Server) handleScheduleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	if err := s.scheduler.CancelCall(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// handleReschedule moves a pending scheduled call to a new fire time
func (s *Server) handleReschedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID           string    `json:"id"`
		ScheduledFor time.Time `json:"scheduled_for"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		writeError(w, apperrors.New(apperrors.Validation, "MISSING_ID", "id is required"))
		return
	}

	sc, err := s.scheduler.RescheduleCall(r.Context(), req.ID, req.ScheduledFor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// handleCleanupSlots wipes every lease of a campaign. Operator escape hatch
// for a wedged slot set; in-flight calls lose their leases.
func (s *Server) handleCleanupSlots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	campaignID := r.URL.Query().Get("campaign_id")
	if campaignID == "" {
		http.Error(w, "campaign_id is required", http.StatusBadRequest)
		return
	}

	removed, err := s.leases.CleanupAll(r.Context(), campaignID)
	if err != nil {
		writeError(w, err)
		return
	}
	remaining, _ := s.leases.InflightCount(r.Context(), campaignID)

	log.Printf("[API] Slot cleanup for campaign %s: removed %d, remaining %d", campaignID, removed, remaining)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"removed":   removed,
		"remaining": remaining,
	})
}

// handleUsers creates operator accounts (admin only)
func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.GetUserFromContext(r.Context())
	if claims == nil || (claims.Role != auth.RoleAdmin && claims.Role != auth.RoleSuperAdmin) {
		http.Error(w, "Admin role required", http.StatusForbidden)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, apperrors.New(apperrors.Validation, "MISSING_CREDENTIALS", "email and password are required"))
		return
	}
	if req.Role == "" {
		req.Role = auth.RoleAdmin
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		http.Error(w, "Error hashing password", http.StatusInternalServerError)
		return
	}

	u := &database.User{
		Email:        req.Email,
		PasswordHash: hash,
		Name:         req.Name,
		Role:         req.Role,
	}
	if err := s.repo.CreateUser(r.Context(), u); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"id": u.ID, "email": u.Email})
}

// handleHealth is the liveness endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
