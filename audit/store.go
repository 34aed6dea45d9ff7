// Package audit keeps a local SQLite log of single-image checks
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Sandiematt/Medi-Care/predict"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS checks(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts REAL NOT NULL,
	image TEXT NOT NULL,
	class TEXT,
	confidence REAL NOT NULL,
	counterfeit INTEGER NOT NULL,
	model TEXT,
	error TEXT
)`

// Check is one recorded prediction
type Check struct {
	ID          int64
	Time        time.Time
	Image       string
	Class       string
	Confidence  float64
	Counterfeit bool
	Model       string
	Error       string
}

// FromPrediction converts a prediction on image into a check made with model
func FromPrediction(image, model string, p predict.Prediction) Check {
	c := Check{
		Time:        time.Now(),
		Image:       image,
		Class:       p.Class,
		Confidence:  p.Confidence,
		Counterfeit: p.IsCounterfeit(),
		Model:       model,
	}
	if p.Err != nil {
		c.Error = p.Err.Error()
	}
	return c
}

// Store appends checks to a SQLite database
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared across calls
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record appends c and returns its row id
func (s *Store) Record(ctx context.Context, c Check) (int64, error) {
	if c.Time.IsZero() {
		c.Time = time.Now()
	}
	counterfeit := 0
	if c.Counterfeit {
		counterfeit = 1
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO checks(ts, image, class, confidence, counterfeit, model, error) VALUES(?,?,?,?,?,?,?)",
		float64(c.Time.UnixMilli())/1000.0, c.Image, c.Class, c.Confidence, counterfeit, c.Model, c.Error)
	if err != nil {
		return 0, fmt.Errorf("failed to record check: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns up to limit checks, newest first
func (s *Store) Recent(ctx context.Context, limit int) ([]Check, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, ts, image, class, confidence, counterfeit, model, error FROM checks ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checks []Check
	for rows.Next() {
		var (
			c                   Check
			ts                  float64
			counterfeit         int
			class, model, cause sql.NullString
		)
		if err := rows.Scan(&c.ID, &ts, &c.Image, &class, &c.Confidence, &counterfeit, &model, &cause); err != nil {
			return nil, err
		}
		c.Time = time.UnixMilli(int64(ts * 1000))
		c.Class, c.Model, c.Error = class.String, model.String, cause.String
		c.Counterfeit = counterfeit != 0
		checks = append(checks, c)
	}
	return checks, rows.Err()
}

// Counts returns the number of checks per predicted class. Failed checks
// are counted under the empty class.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT COALESCE(class, ''), COUNT(*) FROM checks GROUP BY class")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var class string
		var n int
		if err := rows.Scan(&class, &n); err != nil {
			return nil, err
		}
		counts[class] += n
	}
	return counts, rows.Err()
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
