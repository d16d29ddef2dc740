package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"groupcast/internal/domain"
	"groupcast/internal/gateway"
	"groupcast/internal/lifecycle"
)

// SchedulerStats is what /health reports about the scheduler.
type SchedulerStats interface {
	ActiveCount() int
	InFlight() int
}

type Options struct {
	UploadDir      string
	MaxUploadBytes int64
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer  prometheus.Gatherer
	Scheduler SchedulerStats
	Debug     bool
}

type Server struct {
	r    *chi.Mux
	ctl  *lifecycle.Controller
	opts Options
	log  zerolog.Logger
}

func NewServer(ctl *lifecycle.Controller, opts Options, log zerolog.Logger) http.Handler {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 32 << 20
	}
	if opts.UploadDir == "" {
		opts.UploadDir = "uploads"
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, ctl: ctl, opts: opts, log: log.With().Str("component", "api").Logger()}

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	r.Post("/auth/login", s.login)
	r.Get("/auth/status", s.authStatus)
	r.Post("/auth/logout", s.logout)

	r.Get("/groups", s.groups)
	r.Post("/images", s.uploadImages)

	r.Post("/tasks", s.createTasks)
	r.Get("/tasks", s.listTasks)
	r.Get("/tasks/{id}", s.getTask)
	r.Patch("/tasks/{id}", s.editTask)
	r.Delete("/tasks/{id}", s.deleteTask)
	r.Get("/tasks/{id}/attempts", s.taskAttempts)
	r.Put("/tasks/{id}/stop", s.stopTask)
	r.Put("/tasks/{id}/resume", s.resumeTask)

	// Debug routes (pprof)
	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

type healthResp struct {
	Status             string `json:"status"`
	Authenticated      bool   `json:"authenticated"`
	Tasks              int    `json:"tasks"`
	UnitsActive        int    `json:"units_active"`
	DeliveriesInFlight int    `json:"deliveries_in_flight"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResp{
		Status:        "ok",
		Authenticated: s.ctl.Session().Authenticated,
		Tasks:         s.ctl.TaskCount(),
	}
	if s.opts.Scheduler != nil {
		resp.UnitsActive = s.opts.Scheduler.ActiveCount()
		resp.DeliveriesInFlight = s.opts.Scheduler.InFlight()
	}
	writeJSON(w, http.StatusOK, resp)
}

// loginReq takes either a Telegram bot token, or its two halves as api_id
// (the numeric bot id) and api_hash (the secret). Phone only labels the
// session.
type loginReq struct {
	BotToken string      `json:"bot_token"`
	APIID    json.Number `json:"api_id"`
	APIHash  string      `json:"api_hash"`
	Phone    string      `json:"phone"`
}

const loginUsage = "send bot_token (\"<bot id>:<secret>\"), or api_id (the bot id) and api_hash (the secret) with phone"

func (req loginReq) credentials() (gateway.Credentials, error) {
	if tok := strings.TrimSpace(req.BotToken); tok != "" {
		idPart, secret, ok := strings.Cut(tok, ":")
		id, err := strconv.ParseInt(idPart, 10, 64)
		if !ok || err != nil || id <= 0 || secret == "" {
			return gateway.Credentials{}, validationErr("bot_token is malformed: " + loginUsage)
		}
		return gateway.Credentials{APIID: id, APIHash: secret, Phone: req.Phone}, nil
	}
	apiID, err := strconv.ParseInt(req.APIID.String(), 10, 64)
	if err != nil || req.APIHash == "" || req.Phone == "" {
		return gateway.Credentials{}, validationErr(loginUsage)
	}
	return gateway.Credentials{APIID: apiID, APIHash: req.APIHash, Phone: req.Phone}, nil
}

type sessionResp struct {
	Success       bool      `json:"success"`
	Message       string    `json:"message,omitempty"`
	Authenticated bool      `json:"authenticated"`
	Phone         string    `json:"phone,omitempty"`
	APIID         int64     `json:"api_id,omitempty"`
	Since         time.Time `json:"since,omitzero"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	creds, err := req.credentials()
	if err != nil {
		s.writeError(w, err)
		return
	}
	info, err := s.ctl.Login(r.Context(), creds)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResp{
		Success:       true,
		Message:       "logged in",
		Authenticated: true,
		Phone:         info.Phone,
		APIID:         info.APIID,
		Since:         info.Since,
	})
}

func (s *Server) authStatus(w http.ResponseWriter, r *http.Request) {
	info := s.ctl.Session()
	writeJSON(w, http.StatusOK, sessionResp{
		Success:       true,
		Authenticated: info.Authenticated,
		Phone:         info.Phone,
		APIID:         info.APIID,
		Since:         info.Since,
	})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.Logout(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	ok(w, "logged out")
}

type groupResp struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

func (s *Server) groups(w http.ResponseWriter, r *http.Request) {
	chats, err := s.ctl.Groups(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]groupResp, 0, len(chats))
	for _, c := range chats {
		out = append(out, groupResp{ID: c.ID, Title: c.Title})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "groups": out})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrStorage):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrDelivery):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.log.Error().Err(err).Int("status", code).Msg("request failed")
	}
	fail(w, code, err.Error())
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func ok(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: msg})
}

func fail(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, envelope{Success: false, Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
