// Package broken persists the set of channels that failed every playback
// strategy, so auto-advance can skip them on later visits. The set is
// keyed by (country, channel id) and survives restarts in SQLite.
package broken

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pocket-tv/work/logger"
	"pocket-tv/work/metrics"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store is the persistent broken-channel set.
type Store struct {
	db *sql.DB
}

// Open creates or opens the store at path, applying the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS broken_channels (
			country    TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			marked_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (country, channel_id)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	logger.Info("{broken/broken - Open} store ready at %s", path)
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Mark records a channel as broken. Marking the same channel twice
// refreshes its timestamp and is not an error.
func (s *Store) Mark(country, channelID string) error {
	_, err := s.db.Exec(`
		INSERT INTO broken_channels (country, channel_id, marked_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (country, channel_id) DO UPDATE SET marked_at = CURRENT_TIMESTAMP
	`, country, channelID)
	if err != nil {
		return fmt.Errorf("mark broken %s/%s: %w", country, channelID, err)
	}

	if n, err := s.Count(country); err == nil {
		metrics.BrokenChannels.WithLabelValues(country).Set(float64(n))
	}
	return nil
}

// IDs returns the broken channel ids for a country, oldest mark first.
func (s *Store) IDs(country string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT channel_id FROM broken_channels
		WHERE country = ? ORDER BY marked_at
	`, country)
	if err != nil {
		return nil, fmt.Errorf("list broken for %s: %w", country, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan broken row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsBroken reports whether a single channel is marked.
func (s *Store) IsBroken(country, channelID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM broken_channels WHERE country = ? AND channel_id = ?)
	`, country, channelID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check broken %s/%s: %w", country, channelID, err)
	}
	return exists, nil
}

// Count returns the number of marked channels for a country.
func (s *Store) Count(country string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM broken_channels WHERE country = ?`, country).Scan(&n)
	return n, err
}

// Clear removes every mark for a country and returns how many were dropped.
func (s *Store) Clear(country string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM broken_channels WHERE country = ?`, country)
	if err != nil {
		return 0, fmt.Errorf("clear broken for %s: %w", country, err)
	}
	n, _ := res.RowsAffected()
	metrics.BrokenChannels.WithLabelValues(country).Set(0)
	return n, nil
}
