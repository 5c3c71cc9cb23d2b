package medsync

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dosekeeper/medsync/internal/store/migrations"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

const schemaVersion = "1"

// Metadata keys.
const (
	MetaDeviceID    = "device_id"
	MetaLastRefresh = "last_refresh"
	metaSchema      = "schema_version"
)

// Store is the local durable store backing the mirror: one keyed table per
// logical table plus a metadata table.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewStore opens or creates a local store.
func NewStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL lets readers proceed while the mirror writes through.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("store: set goose dialect: %w", err)
	}
	if err := goose.Up(s.db, "."); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}

	_, err := s.db.Exec(`INSERT OR IGNORE INTO metadata (key, value) VALUES (?, ?)`, metaSchema, schemaVersion)
	return err
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func tableName(table Table) (string, error) {
	if !table.IsValid() {
		return "", fmt.Errorf("store: unknown table %q", table)
	}
	return string(table), nil
}

// Get returns the payload stored under id, or ErrNotFound.
func (s *Store) Get(table Table, id string) ([]byte, error) {
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var payload []byte
	err = s.db.QueryRow(`SELECT payload FROM `+name+` WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s/%s: %w", table, id, err)
	}
	return payload, nil
}

// Put upserts payload under id.
func (s *Store) Put(table Table, id string, payload []byte) error {
	name, err := tableName(table)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	_, err = s.db.Exec(`
		INSERT INTO `+name+` (id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, id, payload, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: put %s/%s: %w", table, id, err)
	}
	return nil
}

// Delete removes id. Deleting an absent id is not an error.
func (s *Store) Delete(table Table, id string) error {
	name, err := tableName(table)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.Exec(`DELETE FROM `+name+` WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete %s/%s: %w", table, id, err)
	}
	return nil
}

// Scan returns every payload in table keyed by id.
func (s *Store) Scan(table Table) (map[string][]byte, error) {
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`SELECT id, payload FROM ` + name)
	if err != nil {
		return nil, fmt.Errorf("store: scan %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var (
			id      string
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		out[id] = payload
	}
	return out, rows.Err()
}

// GetMetadata returns the value for key, or ErrNotFound.
func (s *Store) GetMetadata(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", ErrStoreClosed
	}

	var value string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: get metadata %s: %w", key, err)
	}
	return value, nil
}

// SetMetadata upserts a metadata value.
func (s *Store) SetMetadata(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("store: set metadata %s: %w", key, err)
	}
	return nil
}

// PurgeLocalState clears every table and every metadata key except the
// device identity and the schema version.
func (s *Store) PurgeLocalState() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin purge: %w", err)
	}
	defer tx.Rollback()

	for _, table := range Tables() {
		if _, err := tx.Exec(`DELETE FROM ` + string(table)); err != nil {
			return fmt.Errorf("store: purge %s: %w", table, err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM metadata WHERE key NOT IN (?, ?)`, MetaDeviceID, metaSchema); err != nil {
		return fmt.Errorf("store: purge metadata: %w", err)
	}

	return tx.Commit()
}

// Stats returns row counts and refresh bookkeeping.
func (s *Store) Stats() (*StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &StoreStats{SchemaVersion: schemaVersion}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM medications").Scan(&stats.Medications); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM medication_logs").Scan(&stats.Logs); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow(`
		SELECT COUNT(*) FROM medication_logs
		WHERE json_extract(payload, '$.sync_state') IN ('dirty', 'syncing', 'conflict')
	`).Scan(&stats.DirtyLogs); err != nil {
		return nil, err
	}

	var settings int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM user_settings").Scan(&settings); err != nil {
		return nil, err
	}
	stats.HasSettings = settings > 0

	var lastRefresh sql.NullString
	s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", MetaLastRefresh).Scan(&lastRefresh)
	if lastRefresh.Valid {
		stats.LastRefresh, _ = time.Parse(time.RFC3339, lastRefresh.String)
	}

	return stats, nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
