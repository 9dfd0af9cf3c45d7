package flow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	nferr "github.com/ggonzalez94/nameflow/internal/errors"
	_ "modernc.org/sqlite"
)

// Store is the durable flow store: at most one row per (user_id, thread_id).
// Its create/update preconditions act as the optimistic guard the concurrency
// model relies on; there is no distributed lock.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

func OpenStore(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create flow store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create flow lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open flow sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS flows (
			user_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (user_id, thread_id)
		);`,
		"CREATE INDEX IF NOT EXISTS idx_flows_user ON flows(user_id);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init flow schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath)}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) acquire() (func(), error) {
	locked, err := s.lock.TryLockContext(context.Background(), 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("lock flow store: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("lock flow store: timeout acquiring lock")
	}
	return func() { _ = s.lock.Unlock() }, nil
}

// Create fails with CodeConflict while a non-terminal flow occupies the key.
// A terminal leftover at the same key is replaced.
func (s *Store) Create(f Flow) error {
	if f.UserID == "" || f.ThreadID == "" {
		return nferr.New(nferr.CodeUsage, "create flow: missing user or thread id")
	}
	release, err := s.acquire()
	if err != nil {
		return nferr.Wrap(nferr.CodeInternal, "create flow", err)
	}
	defer release()

	existing, err := s.read(f.Key())
	if err != nil && !nferr.HasCode(err, nferr.CodeNotFound) {
		return err
	}
	if err == nil && !existing.Status.Terminal() {
		return nferr.New(nferr.CodeConflict, fmt.Sprintf("an active %s flow already exists for this conversation", existing.Kind))
	}
	return s.write(f)
}

func (s *Store) Get(key Key) (Flow, error) {
	return s.read(key)
}

// UpdateData applies mutate to the flow's payload without touching status.
func (s *Store) UpdateData(key Key, mutate func(*Data) error) (Flow, error) {
	release, err := s.acquire()
	if err != nil {
		return Flow{}, nferr.Wrap(nferr.CodeInternal, "update flow data", err)
	}
	defer release()

	f, err := s.read(key)
	if err != nil {
		return Flow{}, err
	}
	if err := mutate(&f.Data); err != nil {
		return Flow{}, err
	}
	f.Touch()
	if err := s.write(f); err != nil {
		return Flow{}, err
	}
	return f, nil
}

// UpdateStatus validates the transition against the flow kind's table.
func (s *Store) UpdateStatus(key Key, to Status) (Flow, error) {
	release, err := s.acquire()
	if err != nil {
		return Flow{}, nferr.Wrap(nferr.CodeInternal, "update flow status", err)
	}
	defer release()

	f, err := s.read(key)
	if err != nil {
		return Flow{}, err
	}
	if !CanTransition(f.Kind, f.Status, to) {
		return Flow{}, nferr.New(nferr.CodeTransition, fmt.Sprintf("%s flow cannot move %s -> %s", f.Kind, f.Status, to))
	}
	f.Status = to
	f.Touch()
	if err := s.write(f); err != nil {
		return Flow{}, err
	}
	return f, nil
}

// Clear removes the flow unconditionally and is idempotent.
func (s *Store) Clear(key Key) error {
	release, err := s.acquire()
	if err != nil {
		return nferr.Wrap(nferr.CodeInternal, "clear flow", err)
	}
	defer release()

	if _, err := s.db.Exec("DELETE FROM flows WHERE user_id = ? AND thread_id = ?", key.UserID, key.ThreadID); err != nil {
		return nferr.Wrap(nferr.CodeInternal, "clear flow", err)
	}
	return nil
}

// ThreadsForUser lists threads holding a non-terminal flow for the user,
// supporting the cross-conversation supersession check.
func (s *Store) ThreadsForUser(userID string) ([]string, error) {
	rows, err := s.db.Query("SELECT thread_id, status FROM flows WHERE user_id = ?", userID)
	if err != nil {
		return nil, nferr.Wrap(nferr.CodeInternal, "list user flows", err)
	}
	defer rows.Close()

	threads := make([]string, 0)
	for rows.Next() {
		var threadID string
		var status string
		if err := rows.Scan(&threadID, &status); err != nil {
			return nil, nferr.Wrap(nferr.CodeInternal, "scan user flow row", err)
		}
		if Status(status).Terminal() {
			continue
		}
		threads = append(threads, threadID)
	}
	if err := rows.Err(); err != nil {
		return nil, nferr.Wrap(nferr.CodeInternal, "iterate user flow rows", err)
	}
	return threads, nil
}

func (s *Store) read(key Key) (Flow, error) {
	var payload []byte
	err := s.db.QueryRow("SELECT payload FROM flows WHERE user_id = ? AND thread_id = ?", key.UserID, key.ThreadID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Flow{}, nferr.New(nferr.CodeNotFound, "no active flow for this conversation")
		}
		return Flow{}, nferr.Wrap(nferr.CodeInternal, "read flow", err)
	}
	var f Flow
	if err := json.Unmarshal(payload, &f); err != nil {
		return Flow{}, nferr.Wrap(nferr.CodeInternal, "decode flow payload", err)
	}
	return f, nil
}

func (s *Store) write(f Flow) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return nferr.Wrap(nferr.CodeInternal, "marshal flow", err)
	}
	createdUnix, _ := parseRFC3339Unix(f.CreatedAt)
	updatedUnix, _ := parseRFC3339Unix(f.UpdatedAt)
	if createdUnix == 0 {
		createdUnix = time.Now().UTC().Unix()
	}
	if updatedUnix == 0 {
		updatedUnix = time.Now().UTC().Unix()
	}

	_, err = s.db.Exec(`
		INSERT INTO flows (user_id, thread_id, kind, status, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, thread_id) DO UPDATE SET
			kind=excluded.kind,
			status=excluded.status,
			created_at=excluded.created_at,
			updated_at=excluded.updated_at,
			payload=excluded.payload
	`, f.UserID, f.ThreadID, string(f.Kind), string(f.Status), createdUnix, updatedUnix, payload)
	if err != nil {
		return nferr.Wrap(nferr.CodeInternal, "save flow", err)
	}
	return nil
}

func parseRFC3339Unix(v string) (int64, bool) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return 0, false
	}
	return t.UTC().Unix(), true
}
