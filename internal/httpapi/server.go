// Package httpapi is the operator admin API: breaker health and reset, DLQ
// inspection, and manual processing and cleanup.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"notifyguard/internal/breaker"
	"notifyguard/internal/clock"
	"notifyguard/internal/dlq"
	"notifyguard/internal/notification"
	"notifyguard/internal/storage"
	logx "notifyguard/pkg/logx"
)

// Auditor receives one entry per mutating call. storage.Store satisfies it.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Deps struct {
	Breakers *breaker.Manager
	Queue    *dlq.Queue
	Audit    Auditor
	Clock    clock.Clock
	Log      logx.Logger
}

type Config struct {
	Addr         string
	Token        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Pprof mounts net/http/pprof under /debug/pprof behind the token.
	Pprof bool
}

type Server struct {
	deps  Deps
	token string
	pprof bool
	log   logx.Logger
	clock clock.Clock
	srv   *http.Server
}

func New(cfg Config, deps Deps) *Server {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{deps: deps, token: strings.TrimSpace(cfg.Token), pprof: cfg.Pprof, log: log, clock: clock.OrSystem(deps.Clock)}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.health)

	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/breakers", s.listBreakers)
		r.Post("/breakers/{type}/{name}/reset", s.resetBreaker)

		r.Route("/dlq", func(r chi.Router) {
			r.Get("/metrics", s.dlqMetrics)
			r.Get("/notifications", s.listNotifications)
			r.Get("/notifications/{id}", s.getNotification)
			r.Post("/process", s.process)
			r.Post("/cleanup", s.cleanup)
		})
		if s.pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

// Serve listens on Addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.log.Info("admin api listening", logx.String("addr", ln.Addr().String()), logx.Bool("auth", s.token != ""))

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.srv.Shutdown(sctx)
		<-errCh
		return err
	}
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) listBreakers(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Breakers == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": map[string]breaker.HealthStatus{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.deps.Breakers.AllHealthStatus()})
}

func (s *Server) resetBreaker(w http.ResponseWriter, r *http.Request) {
	typ, name := breaker.Type(chi.URLParam(r, "type")), chi.URLParam(r, "name")
	started := s.clock.Now()
	var err error
	if s.deps.Breakers == nil {
		err = breaker.ErrBreakerNotFound
	} else {
		err = s.deps.Breakers.ResetBreaker(name, typ)
	}
	s.audit(r, "breaker.reset", string(typ)+":"+name, started, err, nil)
	switch {
	case errors.Is(err, breaker.ErrBreakerNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"reset": string(typ) + ":" + name})
	}
}

func (s *Server) dlqMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.hasQueue(w) {
		return
	}
	m, err := s.deps.Queue.GetMetrics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	if !s.hasQueue(w) {
		return
	}
	q := r.URL.Query()
	f := dlq.ListFilter{}
	switch st := storage.State(strings.ToLower(q.Get("state"))); st {
	case storage.StateAny, storage.StatePending, storage.StateResolved, storage.StatePermanent, storage.StateTerminal:
		f.State = st
	default:
		writeError(w, http.StatusBadRequest, "state must be pending, resolved, permanent or terminal")
		return
	}
	if ch := q.Get("channel"); ch != "" {
		c, err := notification.ParseChannel(strings.ToUpper(ch))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Channel = c
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	rows, err := s.deps.Queue.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	items := make([]notificationView, 0, len(rows))
	for _, n := range rows {
		items = append(items, view(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) getNotification(w http.ResponseWriter, r *http.Request) {
	if !s.hasQueue(w) {
		return
	}
	n, err := s.deps.Queue.Get(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "notification not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, view(n))
	}
}

func (s *Server) process(w http.ResponseWriter, r *http.Request) {
	if !s.hasQueue(w) {
		return
	}
	started := s.clock.Now()
	rep, err := s.deps.Queue.ProcessPendingRetries(r.Context())
	s.audit(r, "dlq.process", "", started, err, map[string]any{"attempted": rep.Attempted, "succeeded": rep.Succeeded})
	switch {
	case errors.Is(err, dlq.ErrAlreadyProcessing):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) {
	if !s.hasQueue(w) {
		return
	}
	started := s.clock.Now()
	n, err := s.deps.Queue.Cleanup(r.Context())
	s.audit(r, "dlq.cleanup", "", started, err, map[string]any{"deleted": n})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) hasQueue(w http.ResponseWriter) bool {
	if s.deps.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "dead-letter queue disabled")
		return false
	}
	return true
}

// audit never fails the request.
func (s *Server) audit(r *http.Request, action, target string, started time.Time, err error, meta map[string]any) {
	if s.deps.Audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:     started,
		Actor:  "admin",
		Remote: r.RemoteAddr,
		Action: action,
		Target: target,
		TookMS: s.clock.Now().Sub(started).Milliseconds(),
	}
	if id := middleware.GetReqID(r.Context()); id != "" {
		if meta == nil {
			meta = map[string]any{}
		}
		meta["request_id"] = id
	}
	if err != nil {
		e.Fail, e.Error = 1, err.Error()
	} else {
		e.OK = 1
	}
	if len(meta) > 0 {
		if b, jerr := json.Marshal(meta); jerr == nil {
			e.MetaJSON = string(b)
		}
	}
	if aerr := s.deps.Audit.AppendAudit(r.Context(), e); aerr != nil {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}

type notificationView struct {
	storage.FailedNotification
	Payload  json.RawMessage `json:"payload"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	State    storage.State   `json:"state"`
}

// view renders stored JSON columns inline instead of base64.
func view(n storage.FailedNotification) notificationView {
	v := notificationView{FailedNotification: n, Payload: json.RawMessage(n.Payload), State: storage.StatePending}
	if len(n.Metadata) > 0 {
		v.Metadata = json.RawMessage(n.Metadata)
	}
	switch {
	case n.ResolvedAt != nil:
		v.State = storage.StateResolved
	case n.PermanentFailure:
		v.State = storage.StatePermanent
	}
	if len(v.Payload) == 0 {
		v.Payload = json.RawMessage("null")
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
