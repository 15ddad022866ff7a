package web

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/csrf"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/trial-sentinel/sentinel/internal/confidence"
	"github.com/trial-sentinel/sentinel/internal/config"
	"github.com/trial-sentinel/sentinel/internal/history"
	"github.com/trial-sentinel/sentinel/internal/inbox"
	"github.com/trial-sentinel/sentinel/internal/ledger"
	"github.com/trial-sentinel/sentinel/internal/scan"
	"github.com/trial-sentinel/sentinel/internal/trial"
)

const (
	defaultRateLimit  = 30
	defaultRateWindow = time.Minute
	maxBodyBytes      = 10 << 20
	inboxBatchSize    = 25
	jobRetention      = time.Hour
)

type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) filterRecent(times []time.Time, windowStart time.Time) []time.Time {
	n := 0
	for _, t := range times {
		if t.After(windowStart) {
			times[n] = t
			n++
		}
	}
	return times[:n]
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	recent := rl.filterRecent(rl.requests[key], now.Add(-rl.window))

	if len(recent) >= rl.limit {
		rl.requests[key] = recent
		return false
	}
	rl.requests[key] = append(recent, now)
	return true
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		windowStart := time.Now().Add(-rl.window)
		for key, times := range rl.requests {
			recent := rl.filterRecent(times, windowStart)
			if len(recent) == 0 {
				delete(rl.requests, key)
			} else {
				rl.requests[key] = recent
			}
		}
		rl.mu.Unlock()
	}
}

type Server struct {
	config      *config.Config
	pipeline    *scan.Pipeline
	store       *history.Store
	httpServer  *http.Server
	port        int
	csrfKey     []byte
	rateLimiter *RateLimiter
	jobs        *JobManager
	now         func() time.Time
}

func NewServer(port int, cfg *config.Config, pipeline *scan.Pipeline, store *history.Store) (*Server, error) {
	csrfKey := make([]byte, 32)
	if _, err := rand.Read(csrfKey); err != nil {
		return nil, eris.Wrap(err, "web: generate CSRF key")
	}

	return &Server{
		config:      cfg,
		pipeline:    pipeline,
		store:       store,
		port:        port,
		csrfKey:     csrfKey,
		rateLimiter: NewRateLimiter(defaultRateLimit, defaultRateWindow),
		jobs:        NewJobManager(),
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", s.port),
		Handler:      s.setupRouter(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	fmt.Printf("Starting Trial Sentinel API at http://localhost:%d/api\n", s.port)
	fmt.Println("Press Ctrl+C to stop")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "web: serve")
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	// CSRF protection - secure for localhost only
	r.Use(csrf.Protect(
		s.csrfKey,
		csrf.Secure(false), // Allow HTTP for localhost
		csrf.Path("/"),
		csrf.HttpOnly(true),
		csrf.SameSite(csrf.SameSiteLaxMode),
		csrf.RequestHeader("X-CSRF-Token"),
		csrf.TrustedOrigins([]string{"localhost", "127.0.0.1", fmt.Sprintf("localhost:%d", s.port), fmt.Sprintf("127.0.0.1:%d", s.port)}),
	))

	r.Mount("/api", s.routes())
	return r
}

// routes returns the API without CSRF so handlers can be driven directly.
func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/csrf", s.handleCSRF)
	r.Get("/stats", s.handleStats)
	r.Get("/trials", s.handleListTrials)
	r.Get("/trials/{id}", s.handleGetTrial)
	r.Get("/duplicates", s.handleDuplicates)
	r.Get("/jobs/{id}", s.handleJobStatus)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/trials/{id}/cancel", s.handleCancelTrial)
		r.Post("/scan/email", s.handleScanEmail)
		r.Post("/scan/transactions", s.handleScanTransactions)
		r.Post("/scan/inbox", s.handleScanInbox)
		r.Post("/jobs/{id}/cancel", s.handleJobCancel)
	})
	return r
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.rateLimiter.Allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded, try again shortly")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// securityHeaders adds security headers to all responses
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// storeError maps lookup failures to 404 and everything else to 500.
func storeError(w http.ResponseWriter, err error) {
	if eris.Is(err, scan.ErrNotFound) {
		writeError(w, http.StatusNotFound, "trial not found")
		return
	}
	if eris.Is(err, scan.ErrWrongSource) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	zap.L().Error("request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

// TrialView is a stored trial with its display badge.
type TrialView struct {
	trial.Record
	Badge confidence.Badge `json:"badge"`
}

func viewOf(r trial.Record) TrialView {
	return TrialView{Record: r, Badge: confidence.BadgeFor(r.Score)}
}

func (s *Server) handleCSRF(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"token": csrf.Token(r)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStatus(s.config.User.ID)
	if err != nil {
		storeError(w, err)
		return
	}
	sent, failed, err := s.store.NotificationStats()
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trials":              counts,
		"reminders_sent":      sent,
		"reminders_failed":    failed,
		"active_scan_running": s.jobs.GetActive() != nil,
	})
}

func (s *Server) handleListTrials(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "true"
	records, err := s.store.ListByUser(s.config.User.ID, all, 0)
	if err != nil {
		storeError(w, err)
		return
	}

	views := make([]TrialView, 0, len(records))
	for _, rec := range records {
		views = append(views, viewOf(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"trials": views})
}

func (s *Server) handleGetTrial(w http.ResponseWriter, r *http.Request) {
	rec, score, err := s.pipeline.Show(chi.URLParam(r, "id"), s.now())
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trial": viewOf(*rec),
		"score": score,
		"badge": confidence.BadgeFor(score.Overall),
		"show":  s.pipeline.Scorer().ShouldShowToUser(rec.Candidate, s.now()),
	})
}

func (s *Server) handleCancelTrial(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.pipeline.Cancel(id, s.now()); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(trial.StatusCancelled)})
}

func (s *Server) handleDuplicates(w http.ResponseWriter, r *http.Request) {
	pairs, err := s.pipeline.Duplicates()
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"duplicates": pairs, "count": len(pairs)})
}

// handleScanEmail classifies one raw RFC 822 message from the request body.
func (s *Server) handleScanEmail(w http.ResponseWriter, r *http.Request) {
	e, err := inbox.ParseMessage(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message: "+err.Error())
		return
	}

	rep, err := s.pipeline.Emails(r.Context(), []inbox.Email{*e}, s.now())
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleScanTransactions classifies a JSON array of transactions.
func (s *Server) handleScanTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := ledger.LoadJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid transactions: "+err.Error())
		return
	}

	rep, err := s.pipeline.Transactions(r.Context(), txs, s.now())
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleScanInbox starts a background IMAP scan and returns its job.
func (s *Server) handleScanInbox(w http.ResponseWriter, r *http.Request) {
	if s.config == nil || !s.config.Inbox.Enabled {
		writeError(w, http.StatusConflict, "inbox monitoring not configured")
		return
	}
	if active := s.jobs.GetActive(); active != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "a scan is already running", "job": active.View()})
		return
	}

	s.jobs.Cleanup(jobRetention)
	job := s.jobs.Create()
	go s.runInboxScan(job)

	writeJSON(w, http.StatusAccepted, map[string]any{"job": job.View()})
}

func (s *Server) runInboxScan(job *Job) {
	ctx, cancel := context.WithTimeout(job.Context(), 5*time.Minute)
	defer cancel()

	monitor := inbox.NewMonitor(s.config.Inbox)
	if err := monitor.Connect(ctx); err != nil {
		job.StopWithError(err.Error())
		return
	}
	defer monitor.Disconnect()

	emails, err := monitor.FetchRecentEmails(ctx, s.config.Inbox.Days)
	if err != nil {
		job.StopWithError(err.Error())
		return
	}
	s.processEmails(ctx, job, emails)
}

// processEmails feeds fetched messages through the pipeline in batches so
// the job reports progress and can be cancelled between batches.
func (s *Server) processEmails(ctx context.Context, job *Job, emails []inbox.Email) {
	job.SetTotal(len(emails))
	for start := 0; start < len(emails); start += inboxBatchSize {
		if job.IsCancelled() {
			return
		}
		end := min(start+inboxBatchSize, len(emails))

		rep, err := s.pipeline.Emails(ctx, emails[start:end], s.now())
		if err != nil {
			if job.IsCancelled() {
				return
			}
			job.StopWithError(err.Error())
			return
		}
		job.Update(rep.Examined, rep.Found, rep.Saved)
	}
	job.Complete()
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job := s.jobs.Get(chi.URLParam(r, "id"))
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job.View())
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	job := s.jobs.Get(chi.URLParam(r, "id"))
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	job.Cancel()
	writeJSON(w, http.StatusOK, job.View())
}
