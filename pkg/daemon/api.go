package daemon

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/crypto/bcrypt"

	"github.com/jamesainslie/forgevisor/pkg/daemon/store"
	"github.com/jamesainslie/forgevisor/pkg/forge/events"
	"github.com/jamesainslie/forgevisor/pkg/forge/moddiff"
	"github.com/jamesainslie/forgevisor/pkg/forge/supervisor"
	"github.com/jamesainslie/forgevisor/pkg/forge/world"
)

// APIPrefix is the path prefix of every API route.
const APIPrefix = "/api/v1"

// maxBodySize bounds request bodies.
const maxBodySize = 64 << 10

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// CommandRequest is the body of POST /server/command.
type CommandRequest struct {
	Command string `json:"command"`
}

// OKResponse acknowledges an accepted request.
type OKResponse struct {
	OK bool `json:"ok"`
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Route(APIPrefix, func(r chi.Router) {
		r.Use(tokenAuth(s.cfg.TokenHash))

		r.Get("/status", s.handleStatus)

		r.Route("/server", func(r chi.Router) {
			r.Post("/start", s.handleStart)
			r.Post("/stop", s.handleStop)
			r.Post("/command", s.handleCommand)
			r.Post("/op/{player}", s.handleOp)
			r.Post("/deop/{player}", s.handleDeop)
		})

		r.Delete("/worlds/{name}", s.handleRemoveWorld)

		r.Get("/mods", s.handleMods)
		r.Post("/mods/scan", s.handleScan)

		r.Get("/history", s.handleHistory)
		r.Post("/webhooks", s.handleRegisterWebhook)

		// Browsers cannot set headers on websocket requests; the token may
		// also arrive as ?token=.
		r.Get("/console", s.handleConsole)

		r.Post("/daemon/shutdown", s.handleShutdown)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// tokenAuth checks bearer tokens against a bcrypt hash. The last accepted
// token is remembered so bcrypt runs once per distinct token.
func tokenAuth(hash string) func(http.Handler) http.Handler {
	var (
		mu       sync.Mutex
		accepted []byte
	)

	check := func(token string) bool {
		mu.Lock()
		known := accepted
		mu.Unlock()
		if known != nil && subtle.ConstantTimeCompare(known, []byte(token)) == 1 {
			return true
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
			return false
		}
		mu.Lock()
		accepted = []byte(token)
		mu.Unlock()
		return true
	}

	return func(next http.Handler) http.Handler {
		if hash == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}
			if !check(token) {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeCommandError maps service command errors onto status codes.
func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidCommand):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	err := s.svc.StartServer(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, s.svc.Status().Server)
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, supervisor.ErrNoCommand):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, moddiff.ErrScanInProgress):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("start failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.svc.StopServer(); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, OKResponse{OK: true})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.svc.SendCommand(req.Command); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, OKResponse{OK: true})
}

func (s *Server) handleOp(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Op(chi.URLParam(r, "player")); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, OKResponse{OK: true})
}

func (s *Server) handleDeop(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Deop(chi.URLParam(r, "player")); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, OKResponse{OK: true})
}

func (s *Server) handleRemoveWorld(w http.ResponseWriter, r *http.Request) {
	err := s.svc.RemoveWorld(chi.URLParam(r, "name"))
	if err == nil {
		writeJSON(w, http.StatusOK, OKResponse{OK: true})
		return
	}

	reason := world.ReasonOf(err)
	status := http.StatusInternalServerError
	switch reason {
	case world.ReasonInvoke:
		status = http.StatusBadRequest
	case world.ReasonPTY:
		status = http.StatusConflict
	case world.ReasonNotExist:
		status = http.StatusNotFound
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Reason: string(reason)})
}

func (s *Server) handleMods(w http.ResponseWriter, _ *http.Request) {
	report, err := s.svc.Mods()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.ScanMods(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, report)
	case errors.Is(err, moddiff.ErrScanInProgress):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Warn("scan failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := store.Query{Event: r.URL.Query().Get("event")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 time")
			return
		}
		q.Since = t
	}

	entries, err := s.svc.History(q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []store.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var sub events.Subscription
	if !decodeJSON(w, r, &sub) {
		return
	}
	if err := s.svc.RegisterWebhook(sub); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusAccepted, OKResponse{OK: true})
	s.svc.requestShutdown()
}
