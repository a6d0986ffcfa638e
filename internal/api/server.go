// Package api implements the Pennywise HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/pennywise/internal/buildinfo"
	"github.com/nugget/pennywise/internal/ledger"
	"github.com/nugget/pennywise/internal/query"
	"github.com/nugget/pennywise/internal/recommend"
	"github.com/nugget/pennywise/internal/usage"
)

// UserHeader carries the caller identity. Authentication happens in
// front of this server.
const UserHeader = "X-User-ID"

// Bounds on a single POST /v1/transactions body.
const (
	maxImportBatch = 1000
	maxImportBytes = 2 << 20
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Asker answers one question for one user.
type Asker interface {
	Ask(ctx context.Context, userID, question string) (query.Answer, error)
}

// Recommender reads and refreshes a user's recommendations.
type Recommender interface {
	Active(ctx context.Context, userID string) ([]recommend.Recommendation, error)
	ProcessUser(ctx context.Context, userID string) (recommend.Result, error)
}

// Importer accepts new transactions.
type Importer interface {
	Add(ctx context.Context, txns []ledger.Transaction) ([]ledger.Transaction, error)
}

// UsageReporter summarizes one user's token spend.
type UsageReporter interface {
	UserSummary(ctx context.Context, userID string, start, end time.Time) (*usage.Summary, error)
	UserSummaryByPolicy(ctx context.Context, userID string, start, end time.Time) (map[string]*usage.Summary, error)
}

// Deps are the services the server routes to. Nil members disable
// their endpoints with 503.
type Deps struct {
	Query           Asker
	Recommendations Recommender
	Ledger          Importer
	Usage           UsageReporter

	// Index, when set, runs after a successful import to embed the new
	// transactions. Failures are logged only.
	Index func(ctx context.Context) (int, error)
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	deps    Deps
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		deps:    deps,
		logger:  logger.With("component", "api"),
	}
}

// Handler returns the routed handler with request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("POST /v1/ask", s.handleAsk)
	mux.HandleFunc("GET /v1/recommendations", s.handleRecommendations)
	mux.HandleFunc("POST /v1/recommendations/refresh", s.handleRefresh)
	mux.HandleFunc("POST /v1/transactions", s.handleImport)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	return s.withLogging(mux)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // recommendation refresh runs a full policy
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"user", r.Header.Get(UserHeader),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"status": "healthy",
		"uptime": buildinfo.Uptime().String(),
	}, s.logger)
}

// AskRequest is the body of POST /v1/ask.
type AskRequest struct {
	Question string `json:"question"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if s.deps.Query == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "questions are not available")
		return
	}

	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	answer, err := s.deps.Query.Ask(r.Context(), user, req.Question)
	switch {
	case errors.Is(err, query.ErrEmptyQuestion):
		s.errorResponse(w, http.StatusBadRequest, "question is required")
		return
	case errors.Is(err, query.ErrQuestionTooLong):
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("question must be at most %d characters", query.MaxQuestionLength))
		return
	case err != nil:
		s.logger.Error("ask failed", "user", user, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, answer, s.logger)
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if s.deps.Recommendations == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "recommendations are not available")
		return
	}

	recs, err := s.deps.Recommendations.Active(r.Context(), user)
	if err != nil {
		s.logger.Error("list recommendations failed", "user", user, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}
	if recs == nil {
		recs = []recommend.Recommendation{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"recommendations": recs}, s.logger)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if s.deps.Recommendations == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "recommendations are not available")
		return
	}

	res, err := s.deps.Recommendations.ProcessUser(r.Context(), user)
	if err != nil {
		s.logger.Error("refresh recommendations failed", "user", user, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}

	body := map[string]any{
		"refreshed": res.OK(),
		"saved":     res.Saved,
	}
	if !res.OK() {
		body["reason"] = string(res.Reason)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, body, s.logger)
}

// ImportTransaction is one transaction in POST /v1/transactions.
type ImportTransaction struct {
	Date        string  `json:"date"` // YYYY-MM-DD
	Description string  `json:"description"`
	Merchant    string  `json:"merchant,omitempty"`
	Category    string  `json:"category,omitempty"`
	Amount      float64 `json:"amount"`
}

// ImportRequest is the body of POST /v1/transactions.
type ImportRequest struct {
	Transactions []ImportTransaction `json:"transactions"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if s.deps.Ledger == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "imports are not available")
		return
	}

	var req ImportRequest
	body := http.MaxBytesReader(w, r.Body, maxImportBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.errorResponse(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Transactions) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "transactions are required")
		return
	}
	if len(req.Transactions) > maxImportBatch {
		s.errorResponse(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d transactions per request", maxImportBatch))
		return
	}

	txns := make([]ledger.Transaction, 0, len(req.Transactions))
	for i, in := range req.Transactions {
		posted, err := time.Parse(time.DateOnly, in.Date)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("transactions[%d].date must be YYYY-MM-DD", i))
			return
		}
		if strings.TrimSpace(in.Description) == "" {
			s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("transactions[%d].description is required", i))
			return
		}
		txns = append(txns, ledger.Transaction{
			UserID:      user,
			PostedAt:    posted,
			Description: in.Description,
			Merchant:    in.Merchant,
			Category:    in.Category,
			Amount:      in.Amount,
		})
	}

	added, err := s.deps.Ledger.Add(r.Context(), txns)
	if err != nil {
		s.logger.Error("import failed", "user", user, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("transactions imported", "user", user, "count", len(added))

	if s.deps.Index != nil {
		if _, err := s.deps.Index(r.Context()); err != nil {
			s.logger.Warn("post-import indexing failed", "error", err)
		}
	}

	ids := make([]string, len(added))
	for i, t := range added {
		ids[i] = t.ID
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]any{"imported": len(added), "ids": ids}, s.logger)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if s.deps.Usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage is not available")
		return
	}

	days := parseIntParam(r, "days", 30)
	end := time.Now()
	start := end.AddDate(0, 0, -days)

	total, err := s.deps.Usage.UserSummary(r.Context(), user, start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}
	byPolicy, err := s.deps.Usage.UserSummaryByPolicy(r.Context(), user, start, end)
	if err != nil {
		s.logger.Error("usage by policy failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"days":      days,
		"total":     total,
		"by_policy": byPolicy,
	}, s.logger)
}

func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := strings.TrimSpace(r.Header.Get(UserHeader))
	if user == "" {
		s.errorResponse(w, http.StatusUnauthorized, "missing "+UserHeader+" header")
		return "", false
	}
	return user, true
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]string{"error": message}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}
