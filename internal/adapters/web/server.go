// Package web serves the minting page and its JSON and websocket API.
package web

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/based-aa/aa-minter/internal/core/domain"
	"github.com/based-aa/aa-minter/internal/core/service"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

//go:embed templates/index.html
var indexHTML string

// Server exposes one controller per browser session over HTTP.
type Server struct {
	// ctx bounds background workflows started by requests; it outlives
	// the request that started them.
	ctx      context.Context
	sessions *Sessions
	// anonymous answers reads from requests without a session. No action
	// is ever run on it.
	anonymous *service.Controller
	page      *template.Template
	upgrader  websocket.Upgrader
	log       zerolog.Logger
}

type serverOptions struct {
	sessionTTL  time.Duration
	maxSessions int
}

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

// WithSessionTTL sets how long an unused session is kept.
func WithSessionTTL(d time.Duration) ServerOption {
	return func(o *serverOptions) { o.sessionTTL = d }
}

// WithMaxSessions caps the number of live sessions.
func WithMaxSessions(n int) ServerOption {
	return func(o *serverOptions) { o.maxSessions = n }
}

// NewServer builds the server and starts sweeping idle sessions until ctx
// is done.
func NewServer(ctx context.Context, factory ControllerFactory, log zerolog.Logger, opts ...ServerOption) (*Server, error) {
	options := serverOptions{sessionTTL: DefaultSessionTTL, maxSessions: DefaultMaxSessions}
	for _, opt := range opts {
		opt(&options)
	}

	page, err := template.New("index").Funcs(template.FuncMap{"label": methodLabel}).Parse(indexHTML)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page template: %w", err)
	}
	log = log.With().Str("component", "web").Logger()
	s := &Server{
		ctx:       ctx,
		sessions:  NewSessions(factory, options.sessionTTL, options.maxSessions, log),
		anonymous: factory(),
		page:      page,
		upgrader:  websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		log:       log,
	}
	go s.sessions.Run(ctx)
	return s, nil
}

// controller returns the request's session controller, or the anonymous
// one for reads without a session.
func (s *Server) controller(r *http.Request) *service.Controller {
	if ctrl := s.sessions.Get(r); ctrl != nil {
		return ctrl
	}
	return s.anonymous
}

// Router returns the HTTP handler with all routes registered.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter().StrictSlash(true)
	router.Use(s.logRequests)

	router.Methods(http.MethodGet).Path("/").HandlerFunc(s.handleIndex)
	router.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.handleHealth)
	router.Methods(http.MethodGet).Path("/ws").HandlerFunc(s.handleWebsocket)

	api := router.PathPrefix("/api").Subrouter()
	api.Methods(http.MethodGet).Path("/state").HandlerFunc(s.handleState)
	api.Methods(http.MethodPost).Path("/login").HandlerFunc(s.handleLogin)
	api.Methods(http.MethodPost).Path("/mint").HandlerFunc(s.handleMint)
	api.Methods(http.MethodPost).Path("/logout").HandlerFunc(s.handleLogout)

	return router
}

// HTTPServer wraps Router in an http.Server listening on addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type pageData struct {
	Methods  []domain.LoginMethod
	Snapshot domain.Snapshot
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.page.Execute(w, pageData{Methods: domain.LoginMethods, Snapshot: s.controller(r).Snapshot()}); err != nil {
		s.log.Error().Err(err).Msg("failed to render page")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "sessions": s.sessions.Len()})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller(r).Snapshot())
}

type loginRequest struct {
	Method string `json:"method"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	method, err := domain.ParseLoginMethod(req.Method)
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.UserMessage(err))
		return
	}
	// a degraded server rejects logins without opening sessions
	if err := s.anonymous.Ready(); err != nil {
		writeError(w, statusFor(err), domain.UserMessage(err))
		return
	}
	ctrl, err := s.sessions.Create(w, r)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if err := ctrl.LoginAsync(s.ctx, method); err != nil {
		writeError(w, statusFor(err), domain.UserMessage(err))
		return
	}
	writeJSON(w, http.StatusAccepted, ctrl.Snapshot())
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controller(r)
	if err := ctrl.MintAsync(s.ctx); err != nil {
		writeError(w, statusFor(err), domain.UserMessage(err))
		return
	}
	writeJSON(w, http.StatusAccepted, ctrl.Snapshot())
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctrl := s.sessions.Get(r)
	if ctrl == nil {
		writeJSON(w, http.StatusOK, s.anonymous.Snapshot())
		return
	}
	if err := ctrl.Logout(); err != nil {
		writeError(w, statusFor(err), domain.UserMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, ctrl.Snapshot())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrConfig), errors.Is(err, ErrTooManySessions):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrBusy), errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNoSession):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func methodLabel(m domain.LoginMethod) string {
	s := string(m)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// statusRecorder captures the response status for request logging. It
// forwards Hijack so websocket upgrades still work behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
