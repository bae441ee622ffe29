package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"chimera/internal/logging"
	"chimera/internal/metrics"

	"github.com/sony/gobreaker"
	_ "modernc.org/sqlite"
)

// ErrUnavailable is returned when the database cannot accept a write,
// either because the connection is broken or the write breaker is open.
// Callers decide whether to alert and continue or to fail the operation.
var ErrUnavailable = errors.New("store unavailable")

const (
	defaultMetricQueue  = 256
	metricFlushInterval = 500 * time.Millisecond
)

// Store persists evolution records, tool metrics, and model versions
// to SQLite. Evolution and model-version writes are synchronous and
// guarded by a circuit breaker; tool metrics go through a bounded
// queue and are flushed in batches so callers never block on disk.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string

	backupDir string
	breaker   *gobreaker.CircuitBreaker
	metrics   *metrics.Metrics

	bmu            sync.Mutex
	lastBackupPath string
	lastBackupTime time.Time

	qmu         sync.RWMutex
	closed      bool
	metricQueue chan ToolMetric
	flushEvery  time.Duration
	dropped     atomic.Uint64

	flushCh    chan chan struct{}
	writerStop chan struct{}
	writerDone chan struct{}
}

// Options tunes queue sizing and wiring. Zero values select defaults.
type Options struct {
	BackupDir       string // defaults to <db dir>/backups
	MetricQueueSize int
	FlushInterval   time.Duration // metric batch cadence, defaults to 500ms
	Metrics         *metrics.Metrics
}

// Evolution is one applied self-improvement, written once when a
// learning round completes with a measured delta.
type Evolution struct {
	ID                  int64
	Topic               string
	FailureReason       string
	AppliedFix          string
	ObservedImprovement float64
	CreatedAt           time.Time
}

// ToolMetric is one append-only tool execution sample.
type ToolMetric struct {
	ToolName   string
	Success    bool
	Latency    time.Duration
	Context    map[string]interface{}
	RecordedAt time.Time
}

// ModelVersion is one trained model generation for a topic. Rows are
// append-only; the newest row per topic is the current model.
type ModelVersion struct {
	ID         int64
	Topic      string
	Version    int64
	ParamsHash string
	Metrics    map[string]interface{}
	CreatedAt  time.Time
}

// New opens (or creates) the SQLite database at the given path and
// starts the metric writer.
func New(path string, opts Options) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	queueSize := opts.MetricQueueSize
	if queueSize <= 0 {
		queueSize = defaultMetricQueue
	}
	flushEvery := opts.FlushInterval
	if flushEvery <= 0 {
		flushEvery = metricFlushInterval
	}
	backupDir := opts.BackupDir
	if backupDir == "" {
		backupDir = filepath.Join(dir, "backups")
	}

	s := &Store{
		db:          db,
		dbPath:      path,
		backupDir:   backupDir,
		metrics:     opts.Metrics,
		metricQueue: make(chan ToolMetric, queueSize),
		flushEvery:  flushEvery,
		flushCh:     make(chan chan struct{}),
		writerStop:  make(chan struct{}),
		writerDone:  make(chan struct{}),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store-writes",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.StoreWarn("Write breaker %s: %s -> %s", name, from, to)
		},
	})

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	go s.metricWriter()

	logging.Store("Store initialized at %s", path)
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	evolutionsTable := `
	CREATE TABLE IF NOT EXISTS evolutions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		topic TEXT NOT NULL,
		failure_reason TEXT,
		applied_fix TEXT,
		observed_improvement REAL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_evolutions_topic ON evolutions(topic);
	CREATE INDEX IF NOT EXISTS idx_evolutions_created ON evolutions(created_at);
	`

	metricsTable := `
	CREATE TABLE IF NOT EXISTS tool_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tool_name TEXT NOT NULL,
		success INTEGER NOT NULL,
		latency_seconds REAL NOT NULL,
		context TEXT,
		recorded_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_metrics_tool ON tool_metrics(tool_name);
	CREATE INDEX IF NOT EXISTS idx_tool_metrics_recorded ON tool_metrics(recorded_at);
	`

	versionsTable := `
	CREATE TABLE IF NOT EXISTS model_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		topic TEXT NOT NULL,
		version INTEGER NOT NULL,
		params_hash TEXT,
		metrics TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_model_versions_topic ON model_versions(topic);
	`

	for _, table := range []string{evolutionsTable, metricsTable, versionsTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// Close flushes pending metrics, stops the writer, and closes the
// database. Safe to call once; writes after Close fail with
// ErrUnavailable.
func (s *Store) Close() error {
	s.qmu.Lock()
	if s.closed {
		s.qmu.Unlock()
		return nil
	}
	s.closed = true
	s.qmu.Unlock()

	close(s.writerStop)
	<-s.writerDone

	return s.db.Close()
}

// ========== Evolutions ==========

// RecordEvolution appends an evolution record and returns its id.
// Ids are assigned by the database and strictly increase.
func (s *Store) RecordEvolution(topic, failureReason, appliedFix string, improvement float64) (int64, error) {
	res, err := s.breaker.Execute(func() (interface{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		result, err := s.db.Exec(
			`INSERT INTO evolutions (topic, failure_reason, applied_fix, observed_improvement)
			 VALUES (?, ?, ?, ?)`,
			topic, failureReason, appliedFix, improvement,
		)
		if err != nil {
			return nil, err
		}
		return result.LastInsertId()
	})
	if err != nil {
		logging.StoreError("RecordEvolution failed for topic %s: %v", topic, err)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, fmt.Errorf("%w: write breaker open", ErrUnavailable)
		}
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	id := res.(int64)
	logging.StoreDebug("Evolution %d recorded for topic %s (improvement %+.4f)", id, topic, improvement)
	return id, nil
}

// LoadRecentEvolutions returns up to limit evolution records,
// newest-first.
func (s *Store) LoadRecentEvolutions(limit int) ([]Evolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT id, topic, failure_reason, applied_fix, observed_improvement, created_at
		 FROM evolutions ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var results []Evolution
	for rows.Next() {
		var ev Evolution
		if err := rows.Scan(&ev.ID, &ev.Topic, &ev.FailureReason, &ev.AppliedFix, &ev.ObservedImprovement, &ev.CreatedAt); err != nil {
			continue
		}
		results = append(results, ev)
	}

	return results, rows.Err()
}

// ========== Tool metrics ==========

// RecordToolMetric queues a metric sample for batched insertion. It
// never blocks: when the queue is full the oldest queued sample is
// dropped and counted.
func (s *Store) RecordToolMetric(m ToolMetric) error {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now().UTC()
	}

	s.qmu.RLock()
	defer s.qmu.RUnlock()
	if s.closed {
		return fmt.Errorf("%w: store closed", ErrUnavailable)
	}

	select {
	case s.metricQueue <- m:
		return nil
	default:
	}

	// Queue full. Make room by discarding the oldest queued sample.
	select {
	case <-s.metricQueue:
	default:
	}
	s.dropped.Add(1)
	s.metrics.StoreMetricDropped()
	logging.StoreDebug("Metric queue full, dropped oldest sample (total dropped %d)", s.dropped.Load())

	select {
	case s.metricQueue <- m:
	default:
		// Lost the race to a concurrent producer; the sample above
		// already accounts for one drop.
	}
	return nil
}

// Flush blocks until every currently queued metric has been written.
func (s *Store) Flush() {
	done := make(chan struct{})
	select {
	case s.flushCh <- done:
		<-done
	case <-s.writerDone:
	}
}

// DroppedMetrics reports how many queued samples were discarded due to
// backpressure.
func (s *Store) DroppedMetrics() uint64 {
	return s.dropped.Load()
}

// RecentToolMetrics returns up to limit samples for a tool,
// newest-first.
func (s *Store) RecentToolMetrics(toolName string, limit int) ([]ToolMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT tool_name, success, latency_seconds, context, recorded_at
		 FROM tool_metrics WHERE tool_name = ? ORDER BY id DESC LIMIT ?`,
		toolName, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var results []ToolMetric
	for rows.Next() {
		var m ToolMetric
		var latencySeconds float64
		var ctxJSON string
		if err := rows.Scan(&m.ToolName, &m.Success, &latencySeconds, &ctxJSON, &m.RecordedAt); err != nil {
			continue
		}
		m.Latency = time.Duration(latencySeconds * float64(time.Second))
		if ctxJSON != "" {
			json.Unmarshal([]byte(ctxJSON), &m.Context)
		}
		results = append(results, m)
	}

	return results, rows.Err()
}

// metricWriter drains the queue on a ticker, on flush requests, and
// once more on shutdown. Samples sit in the channel until a drain so
// the drop-oldest policy sees the true backlog.
func (s *Store) metricWriter() {
	defer close(s.writerDone)

	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.writerStop:
			s.drainAndWrite()
			return
		case <-ticker.C:
			s.drainAndWrite()
		case done := <-s.flushCh:
			s.drainAndWrite()
			close(done)
		}
	}
}

func (s *Store) drainAndWrite() {
	var batch []ToolMetric
	for {
		select {
		case m := <-s.metricQueue:
			batch = append(batch, m)
		default:
			if len(batch) > 0 {
				s.writeMetricBatch(batch)
			}
			return
		}
	}
}

func (s *Store) writeMetricBatch(batch []ToolMetric) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		logging.StoreError("Metric batch begin failed, %d samples lost: %v", len(batch), err)
		return
	}

	stmt, err := tx.Prepare(
		`INSERT INTO tool_metrics (tool_name, success, latency_seconds, context, recorded_at)
		 VALUES (?, ?, ?, ?, ?)`,
	)
	if err != nil {
		tx.Rollback()
		logging.StoreError("Metric batch prepare failed, %d samples lost: %v", len(batch), err)
		return
	}

	for _, m := range batch {
		ctxJSON, _ := json.Marshal(m.Context)
		if _, err := stmt.Exec(m.ToolName, m.Success, m.Latency.Seconds(), string(ctxJSON), m.RecordedAt); err != nil {
			logging.StoreWarn("Metric insert failed for tool %s: %v", m.ToolName, err)
		}
	}
	stmt.Close()

	if err := tx.Commit(); err != nil {
		logging.StoreError("Metric batch commit failed, %d samples lost: %v", len(batch), err)
		return
	}
	logging.StoreDebug("Flushed %d tool metric samples", len(batch))
}

// ========== Model versions ==========

// RecordModelVersion appends a trained model generation for a topic.
func (s *Store) RecordModelVersion(topic string, version int64, paramsHash string, modelMetrics map[string]interface{}) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		metricsJSON, _ := json.Marshal(modelMetrics)
		_, err := s.db.Exec(
			`INSERT INTO model_versions (topic, version, params_hash, metrics)
			 VALUES (?, ?, ?, ?)`,
			topic, version, paramsHash, string(metricsJSON),
		)
		return nil, err
	})
	if err != nil {
		logging.StoreError("RecordModelVersion failed for topic %s: %v", topic, err)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: write breaker open", ErrUnavailable)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// LatestModelVersion returns the newest version row for a topic, or
// nil when the topic has never been trained.
func (s *Store) LatestModelVersion(topic string) (*ModelVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var mv ModelVersion
	var metricsJSON string
	err := s.db.QueryRow(
		`SELECT id, topic, version, params_hash, metrics, created_at
		 FROM model_versions WHERE topic = ? ORDER BY id DESC LIMIT 1`,
		topic,
	).Scan(&mv.ID, &mv.Topic, &mv.Version, &mv.ParamsHash, &metricsJSON, &mv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if metricsJSON != "" {
		json.Unmarshal([]byte(metricsJSON), &mv.Metrics)
	}
	return &mv, nil
}

// ========== Statistics ==========

// GetStats returns row counts per table plus the metric queue counters
// (samples currently queued, samples dropped since startup).
func (s *Store) GetStats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"evolutions", "tool_metrics", "model_versions"} {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		stats[table] = count
	}
	stats["queued_metrics"] = int64(len(s.metricQueue))
	stats["dropped_metrics"] = int64(s.dropped.Load())

	return stats, nil
}
