package httpapp

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/alphabot-ai/newsboard/internal/auth"
	"github.com/alphabot-ai/newsboard/internal/model"
	"github.com/alphabot-ai/newsboard/internal/moderation"
	"github.com/alphabot-ai/newsboard/internal/rank"
	"github.com/alphabot-ai/newsboard/internal/rate"
	"github.com/alphabot-ai/newsboard/internal/store"
	"github.com/alphabot-ai/newsboard/internal/tree"
	"github.com/alphabot-ai/newsboard/internal/vote"
)

// Services are the board components the HTTP layer drives.
type Services struct {
	Auth  *auth.Service
	Tree  *tree.Service
	Votes *vote.Processor
	Rank  *rank.Engine
	Gate  *moderation.Gate
}

// Options holds per-ip throttles for actions the core does not throttle
// itself. With TrustProxy the client ip is taken from X-Real-IP or
// X-Forwarded-For; otherwise the peer address is used.
type Options struct {
	Vote       rate.Limiter
	Flag       rate.Limiter
	TrustProxy bool
}

type Server struct {
	svc    Services
	opts   Options
	logger *slog.Logger
	router *chi.Mux
}

func NewServer(svc Services, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, opts: opts, logger: logger}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() *chi.Mux {
	mux := chi.NewRouter()

	mux.Use(middleware.RequestID)
	if s.opts.TrustProxy {
		mux.Use(middleware.RealIP)
	}
	mux.Use(s.requestLogger)
	mux.Use(middleware.Recoverer)

	mux.Route("/api", func(r chi.Router) {
		r.Get("/site", s.handleGetSite)

		r.Post("/accounts", s.handleCreateAccount)
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)

		r.Get("/listings/{name}", s.handleListing)
		r.Get("/leaders", s.handleLeaders)

		r.Post("/items", s.handleCreateItem)
		r.Post("/polls", s.handleCreatePoll)
		r.Route("/items/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetItem)
			r.Put("/", s.handleEditItem)
			r.Delete("/", s.handleDeleteItem)
			r.Get("/subtree", s.handleSubtree)
			r.Get("/ancestors", s.handleAncestors)
			r.Post("/vote", s.handleVote)
			r.Post("/flag", s.handleFlag)
			r.Delete("/flag", s.handleUnflag)
			r.Post("/kill", s.handleKill)
			r.Post("/revive", s.handleRevive)
		})

		r.Get("/users/{id}", s.handleGetUser)
		r.Get("/users/{id}/threads", s.handleThreads)
		r.Put("/users/{id}/settings", s.handleSettings)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/promote", s.handlePromote)
			r.Post("/ignore", s.handleIgnore)
			r.Post("/ban-ip", s.handleBanIP)
			r.Post("/ban-site", s.handleBanSite)
			r.Put("/scrub", s.handleScrub)
			r.Put("/site", s.handlePutSite)
		})
	})
	mux.NotFound(func(w http.ResponseWriter, r *http.Request) { notFound(w) })
	mux.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) { methodNotAllowed(w) })
	return mux
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// statusFor maps a core error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrSessionExpired):
		return http.StatusUnauthorized
	case errors.Is(err, vote.ErrIneligible), errors.Is(err, vote.ErrBanned),
		errors.Is(err, vote.ErrInsufficientKarma), errors.Is(err, moderation.ErrForbidden),
		errors.Is(err, tree.ErrNotEditable), errors.Is(err, auth.ErrProcrastinating):
		return http.StatusForbidden
	case errors.Is(err, tree.ErrInvalidParent), errors.Is(err, tree.ErrInvalidSubmission),
		errors.Is(err, auth.ErrInvalidUsername), errors.Is(err, auth.ErrWeakPassword):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrDuplicateName):
		return http.StatusConflict
	case errors.Is(err, tree.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err)
}

func (s *Server) allowRateLimit(w http.ResponseWriter, r *http.Request, action string, limiter rate.Limiter) bool {
	if limiter == nil {
		return true
	}
	if ok, retry := limiter.Allow(action + ":ip:" + clientIP(r)); !ok {
		writeRateLimit(w, retry)
		return false
	}
	return true
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}

func (s *Server) optionalAuth(r *http.Request) (model.Actor, bool) {
	token := bearer(r)
	if token == "" {
		return model.Actor{}, false
	}
	actor, err := s.svc.Auth.Authenticate(r.Context(), token)
	if err != nil {
		return model.Actor{}, false
	}
	return actor, true
}

func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) (model.Actor, bool) {
	token := bearer(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
		return model.Actor{}, false
	}
	actor, err := s.svc.Auth.Authenticate(r.Context(), token)
	if err != nil {
		s.fail(w, r, err)
		return model.Actor{}, false
	}
	return actor, true
}

// clientIP reads RemoteAddr, which middleware.RealIP rewrites behind a proxy.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func itemID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid item id")
	}
	return id, nil
}

func readJSON(body io.ReadCloser, dest any) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeRateLimit(w http.ResponseWriter, retry time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":       "rate limit exceeded",
		"retry_after": int(retry.Seconds()),
	})
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, errors.New("not found"))
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	return def
}
