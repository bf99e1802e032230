// Package history keeps a SQLite journal of update checks and apply sessions.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	appErrors "deltapatch/internal/errors"
	"deltapatch/internal/update"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, WAL-friendly
)

// Session kinds.
const (
	KindCheck = "check"
	KindApply = "apply"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	patch_dir    TEXT NOT NULL,
	from_version TEXT NOT NULL DEFAULT '',
	to_version   TEXT NOT NULL DEFAULT '',
	outcome      TEXT NOT NULL,
	files        INTEGER NOT NULL DEFAULT 0,
	bytes        INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	started_at   TEXT NOT NULL,
	finished_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS session_files (
	session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq         INTEGER NOT NULL,
	path        TEXT NOT NULL,
	size        INTEGER NOT NULL,
	fingerprint TEXT NOT NULL,
	bytes       INTEGER NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (session_id, seq)
);
`

// Session is one journal row.
type Session struct {
	ID          string
	Kind        string
	PatchDir    string
	FromVersion string
	ToVersion   string
	Outcome     string
	Files       int
	Bytes       int64
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// FileRecord is the journaled result of one download.
type FileRecord struct {
	Path        string
	Size        int64
	Fingerprint string
	Bytes       int64
	Error       string
}

// Journal implements update.Journal on a SQLite database.
type Journal struct {
	path string
	db   *sql.DB
}

var _ update.Journal = (*Journal)(nil)

// buildDSN creates a read-write WAL DSN for the given path.
func buildDSN(dbPath string) string {
	u := url.URL{
		Scheme: "file",
		Path:   filepath.ToSlash(dbPath),
	}
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(3000)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	u.RawQuery = q.Encode()
	return u.String()
}

// Open opens or creates the journal at path.
func Open(ctx context.Context, path string) (*Journal, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, appErrors.New(appErrors.CodeConfiguration, "history path is empty", nil)
	}
	//nolint:gosec // G301: journal lives in the user's config directory
	if err := os.MkdirAll(filepath.Dir(trimmed), 0755); err != nil {
		return nil, appErrors.New(appErrors.CodeLocalIO, "create history directory", err)
	}

	db, err := sql.Open("sqlite", buildDSN(trimmed))
	if err != nil {
		return nil, appErrors.New(appErrors.CodeLocalIO, "open history db", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, appErrors.New(appErrors.CodeLocalIO, "ping history db", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, appErrors.New(appErrors.CodeLocalIO, "create history schema", err)
	}
	return &Journal{path: trimmed, db: db}, nil
}

// Path returns the database file.
func (j *Journal) Path() string {
	return j.path
}

// Close releases the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordCheck implements update.Journal.
func (j *Journal) RecordCheck(ctx context.Context, res update.CheckResult) error {
	s := Session{
		ID:          uuid.NewString(),
		Kind:        KindCheck,
		PatchDir:    res.PatchDir,
		FromVersion: res.LocalVersion,
		ToVersion:   res.RemoteVersion,
		Outcome:     res.Outcome.String(),
		Files:       len(res.Diff),
		Bytes:       res.DiffSize(),
		Error:       errString(res.Err),
		StartedAt:   res.CheckedAt,
		FinishedAt:  res.CheckedAt,
	}
	return j.insert(ctx, s, nil)
}

// RecordApply implements update.Journal.
func (j *Journal) RecordApply(ctx context.Context, rep *update.ApplyReport) error {
	outcome := "applied"
	switch {
	case appErrors.IsCode(rep.Err, appErrors.CodeCancelled):
		outcome = "cancelled"
	case rep.Err != nil:
		outcome = "apply-failed"
	}
	s := Session{
		ID:          uuid.NewString(),
		Kind:        KindApply,
		PatchDir:    rep.PatchDir,
		FromVersion: rep.FromVersion,
		ToVersion:   rep.ToVersion,
		Outcome:     outcome,
		Files:       len(rep.Files),
		Bytes:       rep.Bytes(),
		Error:       errString(rep.Err),
		StartedAt:   rep.StartedAt,
		FinishedAt:  rep.FinishedAt,
	}
	files := make([]FileRecord, 0, len(rep.Files))
	for _, f := range rep.Files {
		files = append(files, FileRecord{
			Path:        f.Entry.Path,
			Size:        f.Entry.Size,
			Fingerprint: f.Entry.Fingerprint,
			Bytes:       f.Bytes,
			Error:       errString(f.Err),
		})
	}
	return j.insert(ctx, s, files)
}

func (j *Journal) insert(ctx context.Context, s Session, files []FileRecord) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, kind, patch_dir, from_version, to_version, outcome, files, bytes, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.Kind, s.PatchDir, s.FromVersion, s.ToVersion, s.Outcome, s.Files, s.Bytes, s.Error,
		formatTime(s.StartedAt), formatTime(s.FinishedAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	for i, f := range files {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_files (session_id, seq, path, size, fingerprint, bytes, error)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, s.ID, i, f.Path, f.Size, f.Fingerprint, f.Bytes, f.Error)
		if err != nil {
			return fmt.Errorf("insert session file %s: %w", f.Path, err)
		}
	}
	return tx.Commit()
}

// Recent returns up to limit sessions, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, kind, patch_dir, from_version, to_version, outcome, files, bytes, error, started_at, finished_at
		FROM sessions
		ORDER BY rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Session
	for rows.Next() {
		var s Session
		var started, finished string
		if err := rows.Scan(&s.ID, &s.Kind, &s.PatchDir, &s.FromVersion, &s.ToVersion, &s.Outcome,
			&s.Files, &s.Bytes, &s.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.StartedAt = parseTime(started)
		s.FinishedAt = parseTime(finished)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Files returns the per-file results of an apply session in download order.
func (j *Journal) Files(ctx context.Context, sessionID string) ([]FileRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT path, size, fingerprint, bytes, error
		FROM session_files
		WHERE session_id = ?
		ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session files: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []FileRecord
	for rows.Next() {
		var f FileRecord
		if err := rows.Scan(&f.Path, &f.Size, &f.Fingerprint, &f.Bytes, &f.Error); err != nil {
			return nil, fmt.Errorf("scan session file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
