// Package db holds the SQLite store shared by the pipeline: the training history and the
// durable handoff relay.
package db

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"modelops/errs"
)

const schema = `
    CREATE TABLE IF NOT EXISTS training_log (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        run_id TEXT NOT NULL,
        status VARCHAR(20) NOT NULL,
        model_name VARCHAR(50),
        train_accuracy REAL,
        test_accuracy REAL,
        training_samples INTEGER,
        test_samples INTEGER,
        artifact_sha256 TEXT,
        artifact_bytes INTEGER,
        trained_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_training_log_trained_at ON training_log(trained_at);
    CREATE TABLE IF NOT EXISTS handoff (
        run_id TEXT NOT NULL,
        stage_id TEXT NOT NULL,
        key TEXT NOT NULL,
        value BLOB NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        PRIMARY KEY (run_id, stage_id, key)
    );
    `

// DB wraps a SQLite connection pool.
type DB struct {
	conn *sql.DB
}

// Open creates the database file if needed and applies the schema.
func Open(path string) (*DB, error) {
	const op = "db.open"
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.E(errs.Unexpected, op, err)
		}
	}
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errs.E(errs.Unexpected, op, err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, errs.E(errs.Unexpected, op, err)
	}
	return &DB{conn: conn}, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

type TrainingLog struct {
	RunID           string    `json:"run_id"`
	Status          string    `json:"status"`
	ModelName       string    `json:"model_name"`
	TrainAccuracy   float64   `json:"train_accuracy"`
	TestAccuracy    float64   `json:"test_accuracy"`
	TrainingSamples int       `json:"training_samples"`
	TestSamples     int       `json:"test_samples"`
	ArtifactSHA256  string    `json:"artifact_sha256"`
	ArtifactBytes   int64     `json:"artifact_bytes"`
	TrainedAt       time.Time `json:"trained_at"`
}

// RecordTraining appends one row to the training history.
func (d *DB) RecordTraining(ctx context.Context, entry TrainingLog) error {
	if entry.TrainedAt.IsZero() {
		entry.TrainedAt = time.Now().UTC()
	}
	_, err := d.conn.ExecContext(ctx, `
        INSERT INTO training_log (
            run_id, status, model_name, train_accuracy, test_accuracy, training_samples,
            test_samples, artifact_sha256, artifact_bytes, trained_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID, entry.Status, entry.ModelName, entry.TrainAccuracy, entry.TestAccuracy, entry.TrainingSamples,
		entry.TestSamples, entry.ArtifactSHA256, entry.ArtifactBytes, entry.TrainedAt)
	if err != nil {
		return errs.E(errs.Unexpected, "db.record_training", err)
	}
	return nil
}

// LoadTrainingLog returns the newest entries first. A limit of zero returns everything.
func (d *DB) LoadTrainingLog(ctx context.Context, limit int) ([]TrainingLog, error) {
	const op = "db.load_training_log"
	if limit <= 0 {
		limit = -1
	}
	rows, err := d.conn.QueryContext(ctx, `
        SELECT run_id, status, model_name, train_accuracy, test_accuracy, training_samples,
               test_samples, artifact_sha256, artifact_bytes, trained_at
        FROM training_log
        ORDER BY trained_at DESC, id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, errs.E(errs.Unexpected, op, err)
	}
	defer rows.Close()

	logs := make([]TrainingLog, 0)
	for rows.Next() {
		var entry TrainingLog
		if err := rows.Scan(&entry.RunID, &entry.Status, &entry.ModelName, &entry.TrainAccuracy, &entry.TestAccuracy,
			&entry.TrainingSamples, &entry.TestSamples, &entry.ArtifactSHA256, &entry.ArtifactBytes,
			&entry.TrainedAt); err != nil {
			return nil, errs.E(errs.Unexpected, op, err)
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(errs.Unexpected, op, err)
	}
	return logs, nil
}

// InsertHandoff stores value unless the key already exists. It reports whether the row
// was written.
func (d *DB) InsertHandoff(ctx context.Context, runID, stageID, key string, value []byte) (bool, error) {
	res, err := d.conn.ExecContext(ctx, `
        INSERT OR IGNORE INTO handoff (run_id, stage_id, key, value) VALUES (?, ?, ?, ?)`,
		runID, stageID, key, value)
	if err != nil {
		return false, errs.E(errs.Unexpected, "db.insert_handoff", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.E(errs.Unexpected, "db.insert_handoff", err)
	}
	return n == 1, nil
}

// GetHandoff returns the stored value and whether it exists.
func (d *DB) GetHandoff(ctx context.Context, runID, stageID, key string) ([]byte, bool, error) {
	var value []byte
	err := d.conn.QueryRowContext(ctx, `
        SELECT value FROM handoff WHERE run_id = ? AND stage_id = ? AND key = ?`,
		runID, stageID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.E(errs.Unexpected, "db.get_handoff", err)
	}
	return value, true, nil
}

// PurgeHandoff drops every value published during runID.
func (d *DB) PurgeHandoff(ctx context.Context, runID string) error {
	if _, err := d.conn.ExecContext(ctx, `DELETE FROM handoff WHERE run_id = ?`, runID); err != nil {
		return errs.E(errs.Unexpected, "db.purge_handoff", err)
	}
	return nil
}
