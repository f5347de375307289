package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/skip2/go-qrcode"

	"quizlive/internal/app"
	"quizlive/internal/domain"
)

const qrSize = 256

// RouterDeps bundles what the HTTP surface needs.
type RouterDeps struct {
	Service   *app.Service
	Hub       *Hub
	Auth      *Authenticator
	WS        *WSHandler
	PublicURL string
	Logger    *slog.Logger
}

// NewRouter mounts the websocket endpoint and the read-only REST API.
func NewRouter(deps RouterDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	api := &apiHandler{
		service:   deps.Service,
		hub:       deps.Hub,
		publicURL: strings.TrimRight(deps.PublicURL, "/"),
		log:       deps.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(deps.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/ws", deps.WS.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/rooms", api.listRooms)
		r.Get("/rooms/{code}", api.getRoom)
		r.Get("/rooms/{code}/participants", api.roomParticipants)
		r.Get("/rooms/{code}/qr.png", api.roomQR)
		r.Get("/quizzes", api.listQuizzes)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.requireOwner)
			r.Get("/stats/{owner}", api.ownerStats)
		})
	})
	return r
}

type apiHandler struct {
	service   *app.Service
	hub       *Hub
	publicURL string
	log       *slog.Logger
}

type roomStatus struct {
	Running bool `json:"running"`
	app.RoomState
	Connections map[app.Role]int `json:"connections"`
}

func (a *apiHandler) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms := a.service.PublicRooms()
	if rooms == nil {
		rooms = []app.RoomSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func (a *apiHandler) getRoom(w http.ResponseWriter, r *http.Request) {
	code := normalizeCode(chi.URLParam(r, "code"))
	state, err := a.service.RoomState(code)
	if errors.Is(err, domain.ErrSessionNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"running": false, "room_code": code})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	connections := make(map[app.Role]int, len(app.AllRoles))
	for _, role := range app.AllRoles {
		connections[role] = a.hub.Members(code, role)
	}
	writeJSON(w, http.StatusOK, roomStatus{Running: true, RoomState: state, Connections: connections})
}

func (a *apiHandler) roomParticipants(w http.ResponseWriter, r *http.Request) {
	code := normalizeCode(chi.URLParam(r, "code"))
	state, err := a.service.RoomState(code)
	if errors.Is(err, domain.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "room "+code+" is not running")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room_code": code, "participants": state.Participants})
}

// roomQR renders the participant join link of a running room as a PNG.
func (a *apiHandler) roomQR(w http.ResponseWriter, r *http.Request) {
	code := normalizeCode(chi.URLParam(r, "code"))
	if _, err := a.service.RoomState(code); err != nil {
		writeError(w, http.StatusNotFound, "room "+code+" is not running")
		return
	}
	png, err := qrcode.Encode(a.joinURL(r, code), qrcode.Medium, qrSize)
	if err != nil {
		a.log.Error("qr generation failed", "room", code, "err", err)
		writeError(w, http.StatusInternalServerError, "qr generation failed")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

func (a *apiHandler) joinURL(r *http.Request, code string) string {
	base := a.publicURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return base + "/join?room=" + code
}

func (a *apiHandler) listQuizzes(w http.ResponseWriter, r *http.Request) {
	quizzes, err := a.service.Quizzes(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		a.log.Error("list quizzes failed", "err", err)
		writeError(w, http.StatusInternalServerError, "could not list quizzes")
		return
	}
	if quizzes == nil {
		quizzes = []domain.QuizSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"quizzes": quizzes})
}

func (a *apiHandler) ownerStats(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	if ownerFromContext(r.Context()) != owner {
		writeError(w, http.StatusForbidden, "statistics are only visible to their quizmaster")
		return
	}
	stats, err := a.service.Stats(r.Context(), owner)
	if err != nil {
		a.log.Error("stats lookup failed", "owner", owner, "err", err)
		writeError(w, http.StatusInternalServerError, "could not load statistics")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, app.ErrorPayload{Message: message})
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
