package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"realtime-hub/domain"
	"realtime-hub/store"
)

// Registry is the read side of the hub plus the notification entry point.
type Registry interface {
	Stats() (connections, users, rooms int)
	Presence(userID string) (domain.Presence, bool)
	OnlineUsers() []domain.Presence
	RoomMembers(room string) []string
	Notify(userID string, n domain.Notification) int
}

// RequestObserver records HTTP request latency per route.
type RequestObserver interface {
	ObserveHTTP(method, route string, status int, d time.Duration)
}

type Options struct {
	AllowedOrigins []string
	// NotifyAPIKey guards POST /api/v1/notifications when set.
	NotifyAPIKey string
	WebSocket    http.Handler
	Metrics      http.Handler
	Observer     RequestObserver
}

type api struct {
	registry Registry
	store    store.Store
	apiKey   string
}

func NewRouter(reg Registry, st store.Store, opts Options) http.Handler {
	a := &api{registry: reg, store: st, apiKey: opts.NotifyAPIKey}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	if opts.Observer != nil {
		r.Use(observe(opts.Observer))
	}
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", a.health)
	r.Get("/stats", a.stats)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.WebSocket != nil {
		r.Method(http.MethodGet, "/ws", opts.WebSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/presence", a.listPresence)
		r.Get("/presence/{userId}", a.getPresence)
		r.Get("/rooms/{room}/members", a.roomMembers)
		r.With(a.requireAPIKey).Post("/notifications", a.notify)
	})

	return r
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	connections, users, rooms := a.registry.Stats()
	writeJSON(w, http.StatusOK, map[string]int{
		"connections": connections,
		"users":       users,
		"rooms":       rooms,
	})
}

// listPresence lists the live registry, or with ?source=store the persisted
// online set, which is shared by every hub writing to the same store.
func (a *api) listPresence(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("source") {
	case "", "live":
		writeJSON(w, http.StatusOK, map[string]any{"users": a.registry.OnlineUsers()})
	case "store":
		if a.store == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "no presence store configured")
			return
		}
		users, err := a.store.Online(r.Context())
		if err != nil {
			slog.Error("list stored presence", "error", err)
			writeError(w, http.StatusInternalServerError, "internal", "could not load presence")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
	default:
		writeError(w, http.StatusBadRequest, domain.CodeBadRequest, "source must be live or store")
	}
}

// getPresence answers from the live registry and falls back to the store for
// users that are offline.
func (a *api) getPresence(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if p, ok := a.registry.Presence(userID); ok {
		writeJSON(w, http.StatusOK, p)
		return
	}

	if a.store != nil {
		p, ok, err := a.store.Get(r.Context(), userID)
		if err != nil {
			slog.Error("load presence", "userId", userID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal", "could not load presence")
			return
		}
		if ok {
			// Only the registry knows who is connected right now.
			p.Status = domain.StatusOffline
			writeJSON(w, http.StatusOK, p)
			return
		}
	}
	writeError(w, http.StatusNotFound, "not_found", "unknown user")
}

func (a *api) roomMembers(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	if strings.HasPrefix(room, domain.UserRoomPrefix) {
		writeError(w, http.StatusForbidden, domain.CodeForbidden, "room name is reserved")
		return
	}
	writeJSON(w, http.StatusOK, domain.RoomMembers{Room: room, Members: a.registry.RoomMembers(room)})
}

type notifyRequest struct {
	UserID string `json:"userId"`
	domain.Notification
}

func (a *api) notify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeBadRequest, "invalid JSON body")
		return
	}
	if req.Type == "" || req.Title == "" {
		writeError(w, http.StatusBadRequest, domain.CodeBadRequest, "type and title are required")
		return
	}

	delivered := a.registry.Notify(req.UserID, req.Notification)
	slog.Info("notification pushed", "userId", req.UserID, "type", req.Type, "delivered", delivered)
	writeJSON(w, http.StatusAccepted, map[string]int{"delivered": delivered})
}

func (a *api) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.apiKey != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-API-Key")), []byte(a.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, domain.CodeUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func observe(o RequestObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			o.ObserveHTTP(r.Method, route, status, time.Since(start))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, domain.ErrorEvent{Code: code, Message: message})
}
