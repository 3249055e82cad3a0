package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/lnal07857-arch/holo-wa-manager-sub000/internal/fingerprint"
	"github.com/lnal07857-arch/holo-wa-manager-sub000/internal/store"
	"github.com/lnal07857-arch/holo-wa-manager-sub000/internal/supervisor"
)

// Server exposes the session lifecycle operations to the external gateway.
// It validates request shapes synchronously; malformed requests never reach
// the registry.
type Server struct {
	registry *supervisor.Registry
}

// NewServer creates the control surface around a registry.
func NewServer(registry *supervisor.Registry) *Server {
	return &Server{registry: registry}
}

// RegisterRoutes registers HTTP routes
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/api/initialize", s.handleInitialize).Methods(http.MethodPost)
	r.HandleFunc("/api/send-message", s.handleSendMessage).Methods(http.MethodPost)
	r.HandleFunc("/api/status", s.handleServerStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/status/{accountId}", s.handleAccountStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	r.HandleFunc("/api/fingerprint", s.handleFingerprint).Methods(http.MethodPost)
	r.HandleFunc("/api/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "message": message})
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.registry.Count(),
	})
}

// InitializeRequest for POST /api/initialize
type InitializeRequest struct {
	AccountID string `json:"accountId"`
	UserID    string `json:"userId"`
	StoreURL  string `json:"storeUrl"`
	StoreKey  string `json:"storeKey"`
}

// POST /api/initialize
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.AccountID == "" || req.StoreURL == "" || req.StoreKey == "" {
		writeError(w, http.StatusBadRequest, "accountId, storeUrl, storeKey required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	if err := s.registry.Initialize(ctx, req.AccountID, req.StoreURL, req.StoreKey); err != nil {
		log.Printf("[API] Initialize %s failed: %v", req.AccountID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Session initializing",
	})
}

// SendMessageRequest for POST /api/send-message
type SendMessageRequest struct {
	AccountID   string `json:"accountId"`
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
}

// POST /api/send-message
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.AccountID == "" || req.PhoneNumber == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "accountId, phoneNumber, message required")
		return
	}

	err := s.registry.SendMessage(req.AccountID, req.PhoneNumber, req.Message)
	if errors.Is(err, supervisor.ErrNoSession) {
		writeError(w, http.StatusNotFound, "No active session for this account")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Message queued",
	})
}

// GET /api/status/{accountId}
func (s *Server) handleAccountStatus(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["accountId"]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connected": s.registry.Has(accountID),
	})
}

// GET /api/status
func (s *Server) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	states := s.registry.States()
	clients := make([]map[string]interface{}, 0, len(states))
	for _, st := range states {
		clients = append(clients, map[string]interface{}{
			"accountId":    st.AccountID,
			"lastActivity": st.LastActivity.Format(time.RFC3339),
			"idleMinutes":  st.IdleMinutes,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"activeClients": len(states),
		"clients":       clients,
		"memory":        supervisor.ProcessMemory(),
		"uptime":        s.registry.Uptime().Seconds(),
	})
}

// DisconnectRequest for POST /api/disconnect
type DisconnectRequest struct {
	AccountID string `json:"accountId"`
}

// POST /api/disconnect
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req DisconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "accountId required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := s.registry.Disconnect(ctx, req.AccountID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Session disconnected",
	})
}

// FingerprintRequest for POST /api/fingerprint
type FingerprintRequest struct {
	AccountID string `json:"accountId"`
	StoreURL  string `json:"storeUrl"`
	StoreKey  string `json:"storeKey"`
}

// POST /api/fingerprint - preview an account's device profile and proxy
func (s *Server) handleFingerprint(w http.ResponseWriter, r *http.Request) {
	var req FingerprintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "accountId required")
		return
	}

	fp := fingerprint.Generate(req.AccountID)

	var proxy interface{}
	if req.StoreURL != "" && req.StoreKey != "" {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		st := store.New(req.StoreURL, req.StoreKey)
		if raw, err := st.GetProxyServer(ctx, req.AccountID); err != nil {
			log.Printf("[API] Fingerprint proxy lookup failed for %s: %v", req.AccountID, err)
		} else if raw != nil {
			proxy = json.RawMessage(raw)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"fingerprint": fp.ToMap(),
		"proxy":       proxy,
	})
}

// POST /api/heartbeat - reconcile and report every live session
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	states := s.registry.Heartbeat(ctx)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"sessions": states,
	})
}
