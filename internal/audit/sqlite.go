// Package audit persists an operation log in SQLite: who did what to
// which bucket/key, with outcome and timing. Queryable with filters,
// pruned by retention.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Log records and queries operation entries.
type Log struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewLog opens (and if needed initializes) the audit database.
func NewLog(dbPath string, logger *logrus.Logger) (*Log, error) {
	if logger == nil {
		logger = logrus.New()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	log := &Log{db: db, logger: logger}
	if err := log.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	logger.Info("Audit log initialized")
	return log, nil
}

func (l *Log) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS operations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		principal TEXT NOT NULL,
		operation TEXT NOT NULL,
		bucket TEXT,
		key TEXT,
		status TEXT NOT NULL,
		bytes INTEGER NOT NULL DEFAULT 0,
		duration_micros INTEGER NOT NULL DEFAULT 0,
		details TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_operations_timestamp ON operations(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_operations_principal ON operations(principal);
	CREATE INDEX IF NOT EXISTS idx_operations_operation ON operations(operation);
	CREATE INDEX IF NOT EXISTS idx_operations_bucket ON operations(bucket);
	CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);
	`

	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create audit schema: %w", err)
	}
	return nil
}

// Record inserts one entry. Timestamp defaults to now.
func (l *Log) Record(ctx context.Context, entry *Entry) error {
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().Unix()
	}

	detailsJSON := "{}"
	if len(entry.Details) > 0 {
		data, err := json.Marshal(entry.Details)
		if err != nil {
			l.logger.WithError(err).Warn("Failed to marshal audit details")
		} else {
			detailsJSON = string(data)
		}
	}

	query := `
		INSERT INTO operations (
			timestamp, principal, operation, bucket, key,
			status, bytes, duration_micros, details
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := l.db.ExecContext(ctx, query,
		entry.Timestamp,
		entry.Principal,
		entry.Operation,
		entry.Bucket,
		entry.Key,
		entry.Status,
		entry.Bytes,
		entry.DurationMicros,
		detailsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// Query returns entries newest-first with the total match count.
func (l *Log) Query(ctx context.Context, filters *Filters) ([]*Entry, int, error) {
	if filters == nil {
		filters = &Filters{}
	}
	if filters.Page < 1 {
		filters.Page = 1
	}
	if filters.PageSize < 1 {
		filters.PageSize = 50
	}

	whereClause, args := buildWhereClause(filters)

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM operations %s", whereClause)
	var total int
	if err := l.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit entries: %w", err)
	}

	offset := (filters.Page - 1) * filters.PageSize
	query := fmt.Sprintf(`
		SELECT id, timestamp, principal, operation, bucket, key,
		       status, bytes, duration_micros, details
		FROM operations %s
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, whereClause)

	args = append(args, filters.PageSize, offset)
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	entries, err := l.scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// Purge deletes entries older than the given number of days and
// reports how many went.
func (l *Log) Purge(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays).Unix()

	result, err := l.db.ExecContext(ctx, "DELETE FROM operations WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit entries: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted rows count: %w", err)
	}
	return int(deleted), nil
}

// Close closes the database connection.
func (l *Log) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

func buildWhereClause(filters *Filters) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if filters.Principal != "" {
		conditions = append(conditions, "principal = ?")
		args = append(args, filters.Principal)
	}
	if filters.Operation != "" {
		conditions = append(conditions, "operation = ?")
		args = append(args, filters.Operation)
	}
	if filters.Bucket != "" {
		conditions = append(conditions, "bucket = ?")
		args = append(args, filters.Bucket)
	}
	if filters.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filters.Status)
	}
	if filters.StartTime > 0 {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, filters.StartTime)
	}
	if filters.EndTime > 0 {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, filters.EndTime)
	}

	if len(conditions) == 0 {
		return "", args
	}
	whereClause := "WHERE " + conditions[0]
	for i := 1; i < len(conditions); i++ {
		whereClause += " AND " + conditions[i]
	}
	return whereClause, args
}

func (l *Log) scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		entry := &Entry{}
		var bucket, key, detailsJSON sql.NullString

		err := rows.Scan(
			&entry.ID,
			&entry.Timestamp,
			&entry.Principal,
			&entry.Operation,
			&bucket,
			&key,
			&entry.Status,
			&entry.Bytes,
			&entry.DurationMicros,
			&detailsJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		entry.Bucket = bucket.String
		entry.Key = key.String
		if detailsJSON.Valid && detailsJSON.String != "" && detailsJSON.String != "{}" {
			if err := json.Unmarshal([]byte(detailsJSON.String), &entry.Details); err != nil {
				l.logger.WithError(err).Warn("Failed to unmarshal audit details")
			}
		}

		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}
