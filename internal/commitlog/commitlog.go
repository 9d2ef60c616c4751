// Package commitlog is the durable journal of committed transactions, one
// SQLite file for all hosted databases. Commits append inside the host's
// commit path; restarts replay the tail that postdates the last snapshot.
package commitlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"pkt.systems/pslog"
	"pkt.systems/shellrelay/schema"
)

const createCommitsTable = `
CREATE TABLE IF NOT EXISTS commits (
	db      TEXT    NOT NULL,
	seq     INTEGER NOT NULL,
	reducer TEXT    NOT NULL,
	caller  TEXT    NOT NULL DEFAULT '',
	status  TEXT    NOT NULL,
	message TEXT    NOT NULL DEFAULT '',
	deltas  BLOB    NOT NULL,
	ts      INTEGER NOT NULL,
	PRIMARY KEY (db, seq)
);`

// Log stores commits in SQLite. One writer at a time is expected (the host
// appends under its database mutex); readers are safe anytime.
type Log struct {
	db     *sqlx.DB
	logger pslog.Logger
}

// Open opens or creates the journal at path and ensures the schema exists.
func Open(path string, logger pslog.Logger) (*Log, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("commit log path is required")
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create commit log dir: %w", err)
	}
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open commit log: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping commit log: %w", err)
	}
	if _, err := db.Exec(createCommitsTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create commits table: %w", err)
	}
	logger.Debug("commit log opened", "path", cleanPath)
	return &Log{db: db, logger: logger}, nil
}

// Close releases the underlying database.
func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Append journals one committed transaction. The (db, seq) primary key makes
// double-appends fail loudly instead of silently reordering history.
func (l *Log) Append(commit schema.Commit) error {
	deltas, err := json.Marshal(commit.Deltas)
	if err != nil {
		return fmt.Errorf("marshal deltas: %w", err)
	}
	_, err = l.db.Exec(
		`INSERT INTO commits (db, seq, reducer, caller, status, message, deltas, ts) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(commit.Database), uint64(commit.Seq), string(commit.Reducer), string(commit.Caller),
		string(commit.Status), commit.Message, deltas, toMillis(commit.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("append commit %s/%d: %w", commit.Database, commit.Seq, err)
	}
	return nil
}

type commitRow struct {
	DB      string `db:"db"`
	Seq     uint64 `db:"seq"`
	Reducer string `db:"reducer"`
	Caller  string `db:"caller"`
	Status  string `db:"status"`
	Message string `db:"message"`
	Deltas  []byte `db:"deltas"`
	TS      int64  `db:"ts"`
}

func (r commitRow) commit() (schema.Commit, error) {
	commit := schema.Commit{
		Database:  schema.DatabaseName(r.DB),
		Seq:       schema.CommitSeq(r.Seq),
		Reducer:   schema.ReducerName(r.Reducer),
		Caller:    schema.Identity(r.Caller),
		Status:    schema.CommitStatus(r.Status),
		Message:   r.Message,
		Timestamp: fromMillis(r.TS),
	}
	if err := json.Unmarshal(r.Deltas, &commit.Deltas); err != nil {
		return schema.Commit{}, fmt.Errorf("unmarshal deltas %s/%d: %w", r.DB, r.Seq, err)
	}
	return commit, nil
}

// After returns db's commits with seq greater than after, in seq order.
func (l *Log) After(db schema.DatabaseName, after schema.CommitSeq) ([]schema.Commit, error) {
	var rows []commitRow
	err := l.db.Select(&rows,
		`SELECT db, seq, reducer, caller, status, message, deltas, ts FROM commits WHERE db = ? AND seq > ? ORDER BY seq ASC`,
		string(db), uint64(after),
	)
	if err != nil {
		return nil, fmt.Errorf("select commits after %s/%d: %w", db, after, err)
	}
	commits := make([]schema.Commit, 0, len(rows))
	for _, row := range rows {
		commit, err := row.commit()
		if err != nil {
			return nil, err
		}
		commits = append(commits, commit)
	}
	return commits, nil
}

// LastSeq returns db's highest journaled seq, zero when none exist.
func (l *Log) LastSeq(db schema.DatabaseName) (schema.CommitSeq, error) {
	var seq uint64
	err := l.db.Get(&seq, `SELECT COALESCE(MAX(seq), 0) FROM commits WHERE db = ?`, string(db))
	if err != nil {
		return 0, fmt.Errorf("select last seq %s: %w", db, err)
	}
	return schema.CommitSeq(seq), nil
}

// DeleteDatabase drops db's whole journal. Deleting a database frees its name;
// a later publish under the same name restarts at seq 1.
func (l *Log) DeleteDatabase(db schema.DatabaseName) error {
	result, err := l.db.Exec(`DELETE FROM commits WHERE db = ?`, string(db))
	if err != nil {
		return fmt.Errorf("delete commits %s: %w", db, err)
	}
	if deleted, err := result.RowsAffected(); err == nil && deleted > 0 {
		l.logger.Debug("commit journal deleted", "db", db, "commits", deleted)
	}
	return nil
}

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}
