// Package history persists one row per completed run so past decisions stay
// queryable after the process exits.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	_ "github.com/mattn/go-sqlite3"

	"github.com/govpanel/govpanel/internal/report"
)

// Run is one stored run summary.
type Run struct {
	ID         string
	CreatedAt  time.Time
	Proposal   string
	Decision   string
	Median     float64
	Confidence string
}

// Store is a SQLite-backed run history.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the history database at the given path.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id         TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			proposal   TEXT NOT NULL,
			decision   TEXT NOT NULL,
			median     REAL NOT NULL,
			confidence TEXT NOT NULL,
			report     TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create runs table: %w", err)
	}

	return &Store{db: db}, nil
}

// SaveRun stores a finished run with its full report document.
func (s *Store) SaveRun(doc *report.Document) error {
	reportJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	d := doc.Decision
	_, err = s.db.Exec(
		`INSERT INTO runs (id, created_at, proposal, decision, median, confidence, report)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.RunID,
		doc.GeneratedAt.UTC().Format(time.RFC3339),
		excerpt(doc.Proposal, 200),
		string(d.Decision),
		d.MedianScore,
		string(d.Statistics.ConfidenceLevel),
		string(reportJSON),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(limit int) ([]Run, error) {
	rows, err := s.db.Query(
		`SELECT id, created_at, proposal, decision, median, confidence
		 FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var created string
		if err := rows.Scan(&r.ID, &created, &r.Proposal, &r.Decision, &r.Median, &r.Confidence); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, created)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Report loads the full report document for a stored run.
func (s *Store) Report(runID string) (*report.Document, error) {
	var raw string
	err := s.db.QueryRow(`SELECT report FROM runs WHERE id = ?`, runID).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("load report %s: %w", runID, err)
	}
	var doc report.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("parse stored report: %w", err)
	}
	return &doc, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// excerpt truncates to at most max bytes, backing up so a multi-byte rune is
// never split.
func excerpt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
