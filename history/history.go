// Package history keeps a sqlite record of finished processing sessions.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	iface "TrafficDetServer/interface"
	"TrafficDetServer/logger"
	"TrafficDetServer/processor"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Record is one finished session as stored in the sessions table.
type Record struct {
	ID               string                 `json:"session_id"`
	Filename         string                 `json:"filename"`
	Status           processor.Status       `json:"status"`
	Message          string                 `json:"message"`
	TotalFrames      int                    `json:"total_frames"`
	ProcessedFrames  int                    `json:"processed_frames"`
	DetectedVehicles int                    `json:"detected_vehicles"`
	CumulativeTotal  int                    `json:"cumulative_total"`
	CumulativeCounts map[iface.Category]int `json:"cumulative_counts"`
	OutputFile       string                 `json:"output_file,omitempty"`
	StartedAt        time.Time              `json:"started_at"`
	FinishedAt       time.Time              `json:"finished_at"`
}

func RecordFromSnapshot(s processor.Snapshot) Record {
	r := Record{
		ID:               s.SessionID,
		Filename:         s.Filename,
		Status:           s.Status,
		Message:          s.Message,
		TotalFrames:      s.TotalFrames,
		ProcessedFrames:  s.CurrentFrame,
		DetectedVehicles: s.DetectedVehicles,
		CumulativeTotal:  s.CumulativeTotal,
		CumulativeCounts: s.CumulativeCounts,
		OutputFile:       s.OutputFile,
	}
	if s.StartedAt != nil {
		r.StartedAt = *s.StartedAt
	}
	if s.FinishedAt != nil {
		r.FinishedAt = *s.FinishedAt
	} else {
		r.FinishedAt = time.Now()
	}
	return r
}

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT,
			total_frames INTEGER DEFAULT 0,
			processed_frames INTEGER DEFAULT 0,
			detected_vehicles INTEGER DEFAULT 0,
			cumulative_total INTEGER DEFAULT 0,
			cumulative_counts TEXT,
			output_file TEXT,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_finished ON sessions(finished_at DESC)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Save inserts r, replacing an earlier record with the same id.
func (s *Store) Save(ctx context.Context, r Record) error {
	counts, err := json.Marshal(r.CumulativeCounts)
	if err != nil {
		return fmt.Errorf("failed to marshal counts: %w", err)
	}
	query := `INSERT INTO sessions (id, filename, status, message, total_frames, processed_frames,
			detected_vehicles, cumulative_total, cumulative_counts, output_file, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			message = excluded.message,
			total_frames = excluded.total_frames,
			processed_frames = excluded.processed_frames,
			detected_vehicles = excluded.detected_vehicles,
			cumulative_total = excluded.cumulative_total,
			cumulative_counts = excluded.cumulative_counts,
			output_file = excluded.output_file,
			finished_at = excluded.finished_at`
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.Filename, string(r.Status), r.Message, r.TotalFrames, r.ProcessedFrames,
		r.DetectedVehicles, r.CumulativeTotal, string(counts), r.OutputFile,
		r.StartedAt.UnixMilli(), r.FinishedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// List returns up to limit records, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, filename, status, message, total_frames, processed_frames,
			detected_vehicles, cumulative_total, cumulative_counts, output_file, started_at, finished_at
		FROM sessions ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var (
			r                 Record
			status            string
			message, output   sql.NullString
			counts            sql.NullString
			started, finished int64
		)
		if err := rows.Scan(&r.ID, &r.Filename, &status, &message, &r.TotalFrames, &r.ProcessedFrames,
			&r.DetectedVehicles, &r.CumulativeTotal, &counts, &output, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		r.Status = processor.Status(status)
		r.Message = message.String
		r.OutputFile = output.String
		r.StartedAt = time.UnixMilli(started)
		r.FinishedAt = time.UnixMilli(finished)
		r.CumulativeCounts = iface.NewCounts()
		if counts.Valid && counts.String != "" {
			if err := json.Unmarshal([]byte(counts.String), &r.CumulativeCounts); err != nil {
				return nil, fmt.Errorf("failed to unmarshal counts: %w", err)
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// SessionFinished stores the final snapshot of a session.
func (s *Store) SessionFinished(ctx context.Context, snap processor.Snapshot) error {
	if err := s.Save(ctx, RecordFromSnapshot(snap)); err != nil {
		return err
	}
	logger.Log().Debug("Session recorded", zap.String("session", snap.SessionID), zap.String("status", string(snap.Status)))
	return nil
}
