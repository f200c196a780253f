package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"topologyd/internal/storage"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	journalFile = "journal.db"

	journalSchema = `
CREATE TABLE IF NOT EXISTS journal (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	lsn INTEGER NOT NULL,
	event_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_time_utc_ns INTEGER NOT NULL,
	received_at_utc_ns INTEGER NOT NULL,
	payload BLOB NOT NULL,
	source TEXT NOT NULL,
	source_ref TEXT NOT NULL,
	UNIQUE(lsn)
);

CREATE INDEX IF NOT EXISTS idx_journal_event_id ON journal(event_id);

CREATE TABLE IF NOT EXISTS journal_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TRIGGER IF NOT EXISTS trg_journal_no_update
BEFORE UPDATE ON journal
BEGIN
	SELECT RAISE(ABORT, 'journal is append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_journal_no_delete
BEFORE DELETE ON journal
BEGIN
	SELECT RAISE(ABORT, 'journal is append-only: DELETE forbidden');
END;
`
)

// Store is a storage.Journal backed by a single SQLite file.
type Store struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

var _ storage.Journal = (*Store)(nil)

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	path := filepath.Join(baseDir, journalFile)
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(journalSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{path: path, db: db}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errors.New("journal closed")
	}
	return s.db, nil
}

// Append stores entry under its LSN. Reusing an LSN fails with
// storage.ErrDuplicateLSN; event ids may repeat. Entries without an event id
// get a random one.
func (s *Store) Append(ctx context.Context, e storage.JournalEntry) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	payload := e.Payload
	if payload == nil {
		payload = []byte{}
	}
	res, err := db.ExecContext(ctx, `
INSERT INTO journal(
	lsn, event_id, event_type, event_time_utc_ns, received_at_utc_ns,
	payload, source, source_ref
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(lsn) DO NOTHING`,
		int64(e.LSN), e.EventID, e.EventType, e.EventTimeUTCNs, e.ReceivedAtUTCNs,
		payload, e.Source, e.SourceRef)
	if err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %d", storage.ErrDuplicateLSN, e.LSN)
	}
	return nil
}

func (s *Store) Entries(ctx context.Context, afterLSN uint64) ([]storage.JournalEntry, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
SELECT lsn, event_id, event_type, event_time_utc_ns, received_at_utc_ns, payload, source, source_ref
FROM journal
WHERE lsn > ?
ORDER BY lsn ASC, seq ASC`, int64(afterLSN))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.JournalEntry
	for rows.Next() {
		var item storage.JournalEntry
		var lsn int64
		if err := rows.Scan(&lsn, &item.EventID, &item.EventType, &item.EventTimeUTCNs, &item.ReceivedAtUTCNs, &item.Payload, &item.Source, &item.SourceRef); err != nil {
			return nil, err
		}
		item.LSN = uint64(lsn)
		out = append(out, item)
	}
	return out, rows.Err()
}

// SetMeta records a key in the journal metadata table.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO journal_meta(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

func (s *Store) Meta(ctx context.Context, key string) (string, bool, error) {
	db, err := s.handle()
	if err != nil {
		return "", false, err
	}
	var v string
	err = db.QueryRowContext(ctx, `SELECT value FROM journal_meta WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// MarkReplayed stores the last LSN a process rebuilt its topology from.
func (s *Store) MarkReplayed(ctx context.Context, lsn uint64) error {
	return s.SetMeta(ctx, "replayed_lsn", strconv.FormatUint(lsn, 10))
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
