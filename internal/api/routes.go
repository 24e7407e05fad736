package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sammyZi/smart-inventory-sync/internal/sync"
	"github.com/sammyZi/smart-inventory-sync/internal/ws"
)

type Handler struct {
	engine     *sync.Engine
	sendBuffer int
}

func NewHandler(engine *sync.Engine, sendBuffer int) *Handler {
	return &Handler{
		engine:     engine,
		sendBuffer: sendBuffer,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware)

	r.Get("/health", h.HealthCheck)
	r.Get("/ws", h.ServeWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sync/state/{tenantID}", h.GetSyncState)
		r.Get("/sync/online/{tenantID}", h.GetOnline)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws.ServeWS(h.engine, h.sendBuffer, w, r)
}

func (h *Handler) GetSyncState(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	state := h.engine.SyncState(tenantID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(state)
}

func (h *Handler) GetOnline(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	resp := map[string]interface{}{
		"tenantId":    tenantID,
		"onlineUsers": h.engine.CountOnline(tenantID),
	}
	if loc := r.URL.Query().Get("locationId"); loc != "" {
		resp["locationId"] = loc
		resp["onlineAtLocation"] = h.engine.CountOnlineAtLocation(tenantID, loc)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")

		if r.Method == "OPTIONS" {
			return
		}

		next.ServeHTTP(w, r)
	})
}
