// Package index mirrors the knowledge store into a local SQLite document
// index so records survive across processes and can be served without
// re-running the pipeline.
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"compliancegraph/internal/domain"
)

// Document is one indexed record.
type Document struct {
	ID         string
	Kind       domain.RecordKind
	Title      string
	Body       string
	SourceFile string
	Payload    json.RawMessage
	RunID      string
	UpdatedAt  time.Time
}

// Record decodes the stored payload back into its variant.
func (d *Document) Record() (domain.Record, error) {
	var rec domain.Record
	switch d.Kind {
	case domain.KindSTIG, domain.KindSRG:
		rec = &domain.RuleRecord{}
	case domain.KindCCI:
		rec = &domain.CrossRefRecord{}
	default:
		return nil, fmt.Errorf("%w: unknown record kind %q", domain.ErrMalformed, d.Kind)
	}
	if err := json.Unmarshal(d.Payload, rec); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", domain.ErrMalformed, d.ID, err)
	}
	return rec, nil
}

// SyncStats reports what a Sync changed.
type SyncStats struct {
	RunID    string
	Upserted int
	Deleted  int
}

// Index is the SQLite-backed document index.
type Index struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func Open(dbPath string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &Index{db: db, logger: logger, now: time.Now}, nil
}

func (ix *Index) Close() error {
	return ix.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const upsertSQL = `
	INSERT INTO records (id, kind, title, body, source_file, payload, run_id, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		kind = excluded.kind,
		title = excluded.title,
		body = excluded.body,
		source_file = excluded.source_file,
		payload = excluded.payload,
		run_id = excluded.run_id,
		updated_at = excluded.updated_at`

// Upsert writes rec, replacing any document with the same id.
func (ix *Index) Upsert(ctx context.Context, rec domain.Record, runID string) error {
	return ix.upsert(ctx, ix.db, rec, runID)
}

func (ix *Index) upsert(ctx context.Context, ex execer, rec domain.Record, runID string) error {
	doc, err := newDocument(rec)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, upsertSQL,
		doc.ID, string(doc.Kind), doc.Title, doc.Body, doc.SourceFile, string(doc.Payload), runID, ix.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", doc.ID, err)
	}
	return nil
}

func newDocument(rec domain.Record) (*Document, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", rec.RecordID(), err)
	}
	doc := &Document{
		ID:         rec.RecordID(),
		Kind:       rec.Kind(),
		SourceFile: rec.Source(),
		Payload:    payload,
	}
	switch r := rec.(type) {
	case *domain.RuleRecord:
		doc.Title, doc.Body = r.Title, r.Description
	case *domain.CrossRefRecord:
		doc.Body = r.Definition
	}
	return doc, nil
}

// Get returns the document with id, or domain.ErrNotFound.
func (ix *Index) Get(ctx context.Context, id string) (*Document, error) {
	var (
		doc     Document
		kind    string
		payload string
	)
	err := ix.db.QueryRowContext(ctx,
		`SELECT id, kind, title, body, source_file, payload, run_id, updated_at FROM records WHERE id = ?`, id,
	).Scan(&doc.ID, &kind, &doc.Title, &doc.Body, &doc.SourceFile, &payload, &doc.RunID, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("index %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	doc.Kind = domain.RecordKind(kind)
	doc.Payload = json.RawMessage(payload)
	return &doc, nil
}

// Delete removes the document with id, or returns domain.ErrNotFound.
func (ix *Index) Delete(ctx context.Context, id string) error {
	res, err := ix.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("index %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (ix *Index) Count(ctx context.Context) (int, error) {
	var n int
	err := ix.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n)
	return n, err
}

// CountByKind returns document counts grouped by record kind.
func (ix *Index) CountByKind(ctx context.Context) (map[domain.RecordKind]int, error) {
	rows, err := ix.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM records GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.RecordKind]int)
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[domain.RecordKind(kind)] = n
	}
	return counts, rows.Err()
}

// Sync makes the index hold exactly records: every record is upserted under
// runID and documents not written by this run are deleted. The whole sync is
// one transaction.
func (ix *Index) Sync(ctx context.Context, records []domain.Record, runID string) (SyncStats, error) {
	st := SyncStats{RunID: runID}
	started := ix.now().UTC()

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return st, fmt.Errorf("begin sync: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		if err := ix.upsert(ctx, tx, rec, runID); err != nil {
			return st, err
		}
		st.Upserted++
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE run_id != ?`, runID)
	if err != nil {
		return st, fmt.Errorf("delete stale documents: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return st, err
	}
	st.Deleted = int(deleted)

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO sync_runs (run_id, upserted, deleted, started_at, finished_at) VALUES (?, ?, ?, ?, ?)`,
		runID, st.Upserted, st.Deleted, started, ix.now().UTC(),
	); err != nil {
		return st, fmt.Errorf("record sync run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return st, fmt.Errorf("commit sync: %w", err)
	}

	ix.logger.Info("index synced", "run_id", runID, "upserted", st.Upserted, "deleted", st.Deleted)
	return st, nil
}

// LastSync returns the id and finish time of the most recent sync.
func (ix *Index) LastSync(ctx context.Context) (string, time.Time, error) {
	var (
		runID    string
		finished time.Time
	)
	err := ix.db.QueryRowContext(ctx,
		`SELECT run_id, finished_at FROM sync_runs ORDER BY finished_at DESC LIMIT 1`,
	).Scan(&runID, &finished)
	if err == sql.ErrNoRows {
		return "", time.Time{}, fmt.Errorf("sync history: %w", domain.ErrNotFound)
	}
	return runID, finished, err
}
