// Package api serves the latest summary and the stored history over HTTP.
package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/dust.report/internal/aggregate"
	"github.com/banshee-data/dust.report/internal/db"
	"github.com/banshee-data/dust.report/internal/monitoring"
)

// ANSI escape codes for the request log
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

const (
	defaultLimit = 100
	maxLimit     = 10000
	defaultSince = 24 * time.Hour
)

// History is the read side of the summary store.
type History interface {
	RecentSummaries(limit int) ([]db.SummaryRecord, error)
	StatsSince(since time.Time) (db.Stats, error)
}

type Server struct {
	latest  *aggregate.Latest
	history History
	now     func() time.Time
}

// NewServer returns a server reading from latest and, when history is not
// nil, from the stored windows.
func NewServer(latest *aggregate.Latest, history History) *Server {
	return &Server{
		latest:  latest,
		history: history,
		now:     time.Now,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Debugf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/latest", s.showLatest)
	mux.HandleFunc("/api/summaries", s.listSummaries)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/chart", s.showChart)
	mux.HandleFunc("/api/chart.png", s.showChartPNG)
}

// ServeMux returns a new mux with only the API routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

func (s *Server) showLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	summary, ok := s.latest.Load()
	if !ok {
		notFound(w, "no summary published yet")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) listSummaries(w http.ResponseWriter, r *http.Request) {
	if !s.historyRequest(w, r) {
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	recs, err := s.history.RecentSummaries(limit)
	if err != nil {
		internalServerError(w, fmt.Sprintf("failed to load summaries: %v", err))
		return
	}
	if recs == nil {
		recs = []db.SummaryRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if !s.historyRequest(w, r) {
		return
	}
	since, err := parseSince(r.URL.Query().Get("since"), s.now())
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	stats, err := s.history.StatsSince(since)
	if err != nil {
		internalServerError(w, fmt.Sprintf("failed to compute stats: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// historyRequest rejects non-GET requests and requests made while no history
// store is configured. It reports whether the handler should continue.
func (s *Server) historyRequest(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return false
	}
	if s.history == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "history storage is disabled; start with --db")
		return false
	}
	return true
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > maxLimit {
		return 0, fmt.Errorf("limit must be an integer between 1 and %d", maxLimit)
	}
	return n, nil
}

// parseSince accepts an RFC 3339 timestamp, a unix time in seconds or a Go
// duration counted back from now. Empty means the last 24 hours.
func parseSince(v string, now time.Time) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return now.Add(-defaultSince), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return now.Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("invalid since %q: want RFC 3339, unix seconds or a duration such as 6h", v)
}
