// Package db keeps the history of reporting windows and sensor commands in
// sqlite.
package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/dust.report/internal/aggregate"
	"github.com/banshee-data/dust.report/internal/monitoring"
	"github.com/banshee-data/dust.report/internal/sds011"
)

type DB struct {
	*sql.DB
	path  string
	runID string
	now   func() time.Time
}

// pragmas are applied by the driver to every new connection.
const pragmas = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=temp_store(MEMORY)"

// OpenDB opens the database with the connection pragmas applied, without
// touching the schema.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path+pragmas)
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &DB{DB: sqlDB, path: path, runID: uuid.NewString(), now: time.Now}, nil
}

// NewDB opens the database and migrates it to the latest schema.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// RunID identifies the process that wrote a row.
func (db *DB) RunID() string {
	return db.runID
}

// SummaryRecord is a stored reporting window.
type SummaryRecord struct {
	ID    int64  `json:"id"`
	RunID string `json:"run_id"`
	aggregate.Summary
}

// RecordSummary stores one reporting window.
func (db *DB) RecordSummary(s aggregate.Summary) error {
	_, err := db.Exec(
		`INSERT INTO summaries (
			run_id, window_start_ms, window_end_ms, avg_pm25, avg_pm10, reading_count
		) VALUES (?, ?, ?, ?, ?, ?)`,
		db.runID, s.WindowStart.UnixMilli(), s.WindowEnd.UnixMilli(), s.AvgPM25, s.AvgPM10, s.Count,
	)
	if err != nil {
		return fmt.Errorf("failed to record summary: %w", err)
	}
	return nil
}

// Summary implements the poll loop sink.
func (db *DB) Summary(s aggregate.Summary) error {
	return db.RecordSummary(s)
}

// RecentSummaries returns up to limit windows, newest first.
func (db *DB) RecentSummaries(limit int) ([]SummaryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return db.querySummaries(`SELECT summary_id, run_id, window_start_ms, window_end_ms, avg_pm25, avg_pm10, reading_count
		FROM summaries ORDER BY window_end_ms DESC, summary_id DESC LIMIT ?`, limit)
}

// SummariesSince returns every window that ended at or after since, oldest
// first.
func (db *DB) SummariesSince(since time.Time) ([]SummaryRecord, error) {
	return db.querySummaries(`SELECT summary_id, run_id, window_start_ms, window_end_ms, avg_pm25, avg_pm10, reading_count
		FROM summaries WHERE window_end_ms >= ? ORDER BY window_end_ms ASC, summary_id ASC`, since.UnixMilli())
}

func (db *DB) querySummaries(query string, args ...any) ([]SummaryRecord, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SummaryRecord
	for rows.Next() {
		var (
			r          SummaryRecord
			start, end int64
		)
		if err := rows.Scan(&r.ID, &r.RunID, &start, &end, &r.AvgPM25, &r.AvgPM10, &r.Count); err != nil {
			return nil, err
		}
		r.WindowStart = time.UnixMilli(start).UTC()
		r.WindowEnd = time.UnixMilli(end).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats describes the stored windows over a time range.
type Stats struct {
	Windows  int       `json:"windows"`
	Readings int       `json:"readings"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`

	PM25 Distribution `json:"pm25"`
	PM10 Distribution `json:"pm10"`
}

// Distribution summarises one pollutant. Mean is weighted by the number of
// readings in each window; the other values are over window averages.
type Distribution struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
}

// StatsSince computes Stats over windows ending at or after since. An empty
// range returns a zero Stats.
func (db *DB) StatsSince(since time.Time) (Stats, error) {
	recs, err := db.SummariesSince(since)
	if err != nil {
		return Stats{}, err
	}
	if len(recs) == 0 {
		return Stats{}, nil
	}

	pm25 := make([]float64, len(recs))
	pm10 := make([]float64, len(recs))
	weights := make([]float64, len(recs))
	st := Stats{Windows: len(recs), From: recs[0].WindowStart, To: recs[len(recs)-1].WindowEnd}
	for i, r := range recs {
		pm25[i] = r.AvgPM25
		pm10[i] = r.AvgPM10
		weights[i] = float64(r.Count)
		st.Readings += r.Count
	}
	st.PM25 = distribution(pm25, weights)
	st.PM10 = distribution(pm10, weights)
	return st, nil
}

func distribution(x, weights []float64) Distribution {
	d := Distribution{
		Mean: stat.Mean(x, weights),
		Min:  floats.Min(x),
		Max:  floats.Max(x),
	}
	if len(x) > 1 {
		d.StdDev = stat.StdDev(x, nil)
	}
	sorted := append([]float64(nil), x...)
	sort.Float64s(sorted)
	d.P50 = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	d.P95 = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	return d
}

// CommandRecord is a stored command outcome.
type CommandRecord struct {
	Command   string        `json:"command"`
	Result    string        `json:"result"`
	Error     string        `json:"error,omitempty"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	Timestamp time.Time     `json:"timestamp"`
}

// RecordCommand stores the outcome of one sensor command.
func (db *DB) RecordCommand(cmd sds011.Command, cmdErr error, elapsed time.Duration) error {
	var errText sql.NullString
	if cmdErr != nil {
		errText = sql.NullString{String: cmdErr.Error(), Valid: true}
	}
	_, err := db.Exec(
		`INSERT INTO commands (run_id, command, result, error, elapsed_ms, timestamp_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		db.runID, cmd.String(), sds011.ResultLabel(cmdErr), errText,
		float64(elapsed)/float64(time.Millisecond), db.now().UnixMilli(),
	)
	return err
}

// RecentCommands returns up to limit command outcomes, newest first.
func (db *DB) RecentCommands(limit int) ([]CommandRecord, error) {
	rows, err := db.Query(`SELECT command, result, error, elapsed_ms, timestamp_ms
		FROM commands ORDER BY timestamp_ms DESC, command_log_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		var (
			r       CommandRecord
			errText sql.NullString
			ms      float64
			ts      int64
		)
		if err := rows.Scan(&r.Command, &r.Result, &errText, &ms, &ts); err != nil {
			return nil, err
		}
		r.Error = errText.String
		r.Elapsed = time.Duration(ms * float64(time.Millisecond))
		r.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordProtocolError bumps the per-run counter for kind.
func (db *DB) RecordProtocolError(kind string) error {
	_, err := db.Exec(
		`INSERT INTO protocol_errors (run_id, kind, error_count, updated_ms) VALUES (?, ?, 1, ?)
		ON CONFLICT(run_id, kind) DO UPDATE SET error_count = error_count + 1, updated_ms = excluded.updated_ms`,
		db.runID, kind, db.now().UnixMilli(),
	)
	return err
}

// ProtocolErrors returns this run's error counts by kind.
func (db *DB) ProtocolErrors() (map[string]int, error) {
	rows, err := db.Query(`SELECT kind, error_count FROM protocol_errors WHERE run_id = ?`, db.runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		out[kind] = n
	}
	return out, rows.Err()
}

// ProtocolError and CommandResult let the database observe the controller.
// The observer interface has no error path, so failures are logged.
func (db *DB) ProtocolError(kind string) {
	if err := db.RecordProtocolError(kind); err != nil {
		monitoring.Warnf("db: record protocol error: %v", err)
	}
}

func (db *DB) CommandResult(cmd sds011.Command, err error, elapsed time.Duration) {
	if err := db.RecordCommand(cmd, err, elapsed); err != nil {
		monitoring.Warnf("db: record command: %v", err)
	}
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Air quality history",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))
	return nil
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	name := fmt.Sprintf("backup-%d.db", db.now().Unix())
	backupPath := filepath.Join(os.TempDir(), name)
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			monitoring.Warnf("Failed to remove backup file: %v", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
	w.Header().Set("Content-Type", "application/gzip")

	gzipWriter := gzip.NewWriter(w)
	defer gzipWriter.Close()
	if _, err := io.Copy(gzipWriter, backupFile); err != nil {
		monitoring.Warnf("Failed to write backup file: %v", err)
	}
}
