package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/models"
)

// SQLiteRecordStore implements RecordStore on SQLite. Approval decisions use
// a conditional UPDATE against the pending status, which is the row-level
// locking discipline required for horizontally scaled deployments.
type SQLiteRecordStore struct {
	db *sql.DB
}

// NewSQLiteRecordStore opens (or creates) the record database at dbPath.
// Use ":memory:" for tests.
func NewSQLiteRecordStore(dbPath string) (*SQLiteRecordStore, error) {
	if strings.HasPrefix(dbPath, "~/") {
		home, _ := os.UserHomeDir()
		dbPath = filepath.Join(home, dbPath[2:])
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}

	s := &SQLiteRecordStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteRecordStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS execution_records (
		id TEXT PRIMARY KEY,
		pattern_id TEXT NOT NULL,
		event_snapshot TEXT,
		confidence_at_execution REAL,
		was_auto_executed BOOLEAN,
		was_human_modified BOOLEAN,
		status TEXT NOT NULL,
		duration_ms INTEGER,
		result TEXT,
		error TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_exec_pattern ON execution_records(pattern_id, created_at);

	CREATE TABLE IF NOT EXISTS approval_queue (
		id TEXT PRIMARY KEY,
		pattern_id TEXT NOT NULL,
		event_snapshot TEXT,
		confidence REAL,
		reasoning TEXT,
		status TEXT NOT NULL,
		decided_by TEXT,
		decided_at DATETIME,
		decision_reason TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_approval_status ON approval_queue(status, created_at);

	CREATE TABLE IF NOT EXISTS anomalies (
		id TEXT PRIMARY KEY,
		types TEXT NOT NULL,
		severity TEXT NOT NULL,
		confidence REAL,
		event_snapshot TEXT,
		reasons TEXT,
		requires_human BOOLEAN,
		escalated BOOLEAN,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_anomaly_severity ON anomalies(severity, created_at);

	CREATE TABLE IF NOT EXISTS escalations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		anomaly_id TEXT NOT NULL,
		severity TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS modifications (
		id TEXT PRIMARY KEY,
		pattern_id TEXT NOT NULL,
		changes TEXT,
		user_id TEXT,
		succeeded BOOLEAN,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_mod_pattern ON modifications(pattern_id, created_at);

	CREATE TABLE IF NOT EXISTS seen_signatures (
		signature TEXT PRIMARY KEY,
		occurrences INTEGER NOT NULL DEFAULT 0,
		last_seen DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AppendExecution inserts an execution record. Append-only; records are
// never updated.
func (s *SQLiteRecordStore) AppendExecution(ctx context.Context, rec *models.ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_records (
			id, pattern_id, event_snapshot, confidence_at_execution,
			was_auto_executed, was_human_modified, status, duration_ms,
			result, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PatternID, string(rec.EventSnapshot), rec.ConfidenceAtExecution,
		rec.WasAutoExecuted, rec.WasHumanModified, string(rec.Status), rec.DurationMs,
		rec.Result, rec.Error, rec.CreatedAt,
	)
	return err
}

// ExecutionStats aggregates a pattern's executions since the given time.
func (s *SQLiteRecordStore) ExecutionStats(ctx context.Context, patternID string, since time.Time) (ExecStats, error) {
	var stats ExecStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failure' THEN 1 ELSE 0 END)
		FROM execution_records
		WHERE pattern_id = ? AND created_at >= ?`,
		patternID, since,
	).Scan(&stats.Executions, nullableInt(&stats.Successes), nullableInt(&stats.Failures))
	if err != nil {
		return ExecStats{}, err
	}
	return stats, nil
}

// nullableInt scans a SUM() that may be NULL on empty sets.
func nullableInt(dst *int) *sqlNullIntScanner {
	return &sqlNullIntScanner{dst: dst}
}

type sqlNullIntScanner struct {
	dst *int
}

func (n *sqlNullIntScanner) Scan(value interface{}) error {
	if value == nil {
		*n.dst = 0
		return nil
	}
	switch v := value.(type) {
	case int64:
		*n.dst = int(v)
	case float64:
		*n.dst = int(v)
	default:
		return fmt.Errorf("unexpected sum type %T", value)
	}
	return nil
}

// InsertApproval persists a pending approval row.
func (s *SQLiteRecordStore) InsertApproval(ctx context.Context, entry *models.ApprovalEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Status == "" {
		entry.Status = models.ApprovalPending
	}
	var decidedAt interface{}
	if entry.DecidedAt != nil {
		decidedAt = *entry.DecidedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_queue (
			id, pattern_id, event_snapshot, confidence, reasoning, status,
			decided_by, decided_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.PatternID, string(entry.EventSnapshot), entry.Confidence,
		entry.Reasoning, string(entry.Status), entry.DecidedBy, decidedAt, entry.CreatedAt,
	)
	return err
}

// GetApproval retrieves an approval row by id.
func (s *SQLiteRecordStore) GetApproval(ctx context.Context, id string) (*models.ApprovalEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, pattern_id, event_snapshot, confidence, reasoning, status,
		       COALESCE(decided_by, ''), decided_at, created_at
		FROM approval_queue WHERE id = ?`, id)
	return scanApproval(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanApproval(row rowScanner) (*models.ApprovalEntry, error) {
	var entry models.ApprovalEntry
	var snapshot string
	var status string
	var decidedAt sql.NullTime

	err := row.Scan(&entry.ID, &entry.PatternID, &snapshot, &entry.Confidence,
		&entry.Reasoning, &status, &entry.DecidedBy, &decidedAt, &entry.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	entry.EventSnapshot = []byte(snapshot)
	entry.Status = models.ApprovalStatus(status)
	if decidedAt.Valid {
		entry.DecidedAt = &decidedAt.Time
	}
	return &entry, nil
}

// DecideApproval transitions a pending row to its terminal status. The
// conditional UPDATE makes a second decision a conflict, never a silent
// overwrite.
func (s *SQLiteRecordStore) DecideApproval(ctx context.Context, id string, status models.ApprovalStatus, decidedBy, reason string) error {
	if status != models.ApprovalApproved && status != models.ApprovalRejected {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_queue
		SET status = ?, decided_by = ?, decided_at = ?, decision_reason = ?
		WHERE id = ? AND status = 'pending'`,
		string(status), decidedBy, time.Now().UTC(), reason, id,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Distinguish a missing row from an already-decided one.
		if _, getErr := s.GetApproval(ctx, id); getErr != nil {
			return getErr
		}
		return ErrAlreadyDecided
	}
	return nil
}

// PendingApprovals lists pending rows oldest first.
func (s *SQLiteRecordStore) PendingApprovals(ctx context.Context, limit int) ([]*models.ApprovalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pattern_id, event_snapshot, confidence, reasoning, status,
		       COALESCE(decided_by, ''), decided_at, created_at
		FROM approval_queue WHERE status = 'pending'
		ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.ApprovalEntry
	for rows.Next() {
		entry, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// InsertAnomaly persists an anomaly. All anomalies are persisted regardless
// of severity.
func (s *SQLiteRecordStore) InsertAnomaly(ctx context.Context, a *models.Anomaly) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	types, _ := json.Marshal(a.Types)
	reasons, _ := json.Marshal(a.Reasons)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO anomalies (
			id, types, severity, confidence, event_snapshot, reasons,
			requires_human, escalated, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(types), string(a.Severity), a.Confidence,
		string(a.EventSnapshot), string(reasons), a.RequiresHuman, a.Escalated,
		a.CreatedAt,
	)
	return err
}

// InsertEscalation records that an anomaly was escalated outward.
func (s *SQLiteRecordStore) InsertEscalation(ctx context.Context, anomalyID string, severity models.Severity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escalations (anomaly_id, severity, created_at)
		VALUES (?, ?, ?)`,
		anomalyID, string(severity), time.Now().UTC(),
	)
	return err
}

// ListAnomalies returns anomalies at or above minSeverity since the given
// time, newest first.
func (s *SQLiteRecordStore) ListAnomalies(ctx context.Context, minSeverity models.Severity, since time.Time, limit int) ([]*models.Anomaly, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, types, severity, confidence, event_snapshot, reasons,
		       requires_human, escalated, created_at
		FROM anomalies WHERE created_at >= ?
		ORDER BY created_at DESC LIMIT ?`, since, limit*4)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	minRank := minSeverity.Rank()
	var out []*models.Anomaly
	for rows.Next() {
		var a models.Anomaly
		var types, reasons, snapshot, severity string
		if err := rows.Scan(&a.ID, &types, &severity, &a.Confidence, &snapshot,
			&reasons, &a.RequiresHuman, &a.Escalated, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Severity = models.Severity(severity)
		if a.Severity.Rank() < minRank {
			continue
		}
		a.EventSnapshot = []byte(snapshot)
		json.Unmarshal([]byte(types), &a.Types)
		json.Unmarshal([]byte(reasons), &a.Reasons)
		out = append(out, &a)
		if len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

// InsertModification persists a human edit for later fork analysis.
func (s *SQLiteRecordStore) InsertModification(ctx context.Context, mod *models.Modification) error {
	if mod.ID == "" {
		mod.ID = uuid.NewString()
	}
	if mod.CreatedAt.IsZero() {
		mod.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO modifications (id, pattern_id, changes, user_id, succeeded, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		mod.ID, mod.PatternID, string(mod.Changes), mod.UserID, mod.Succeeded, mod.CreatedAt,
	)
	return err
}

// CountModifications counts human edits to a pattern since the given time.
func (s *SQLiteRecordStore) CountModifications(ctx context.Context, patternID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM modifications
		WHERE pattern_id = ? AND created_at >= ?`,
		patternID, since,
	).Scan(&count)
	return count, err
}

// RecordSignature upserts an occurrence count for an event signature and
// returns the new total.
func (s *SQLiteRecordStore) RecordSignature(ctx context.Context, sig string) (int, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO seen_signatures (signature, occurrences, last_seen)
		VALUES (?, 1, ?)
		ON CONFLICT(signature) DO UPDATE SET
			occurrences = occurrences + 1,
			last_seen = excluded.last_seen`,
		sig, time.Now().UTC(),
	)
	if err != nil {
		return 0, err
	}
	var count int
	err = s.db.QueryRowContext(ctx,
		`SELECT occurrences FROM seen_signatures WHERE signature = ?`, sig,
	).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteRecordStore) Close() error {
	return s.db.Close()
}
