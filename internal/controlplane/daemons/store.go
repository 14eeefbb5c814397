// Package daemons keeps the directory of registered discovery daemons and the
// API keys they authenticate with.
package daemons

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/scanfleet/internal/protocol"
)

const keyPrefixLen = 12

// Key states.
const (
	KeyActive   = "active"
	KeyInactive = "inactive"
	KeyRevoked  = "revoked"
)

var (
	ErrInvalidKey    = errors.New("invalid api key")
	ErrKeyInactive   = errors.New("api key is not yet active")
	ErrKeyRevoked    = errors.New("api key has been revoked")
	ErrModeImmutable = errors.New("daemon mode cannot change after registration")
	ErrWrongNetwork  = errors.New("daemon belongs to another network")
)

// Daemon is the server's record of one discovery daemon.
type Daemon struct {
	ID           string              `json:"id"`
	NetworkID    string              `json:"network_id"`
	Name         string              `json:"name"`
	URL          string              `json:"url,omitempty"`
	Mode         protocol.DaemonMode `json:"mode"`
	Version      string              `json:"version,omitempty"`
	RegisteredAt time.Time           `json:"registered_at"`
	LastSeen     time.Time           `json:"last_seen"`
}

// APIKey is a daemon credential. The plaintext is returned once at creation.
type APIKey struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	NetworkID  string     `json:"network_id"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	State      string     `json:"state"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Store persists daemons and keys in SQLite.
type Store struct {
	db       *sql.DB
	hashCost int
}

// NewStore opens (or creates) the daemons database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open daemons db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS daemons (
		id            TEXT PRIMARY KEY,
		network_id    TEXT NOT NULL,
		name          TEXT NOT NULL,
		url           TEXT NOT NULL DEFAULT '',
		mode          TEXT NOT NULL,
		version       TEXT NOT NULL DEFAULT '',
		registered_at TEXT NOT NULL,
		last_seen     TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create daemons table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS daemon_keys (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		network_id TEXT NOT NULL,
		key_hash   TEXT NOT NULL,
		key_prefix TEXT NOT NULL,
		state      TEXT NOT NULL,
		created_at TEXT NOT NULL,
		last_used  TEXT
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create daemon_keys table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_daemon_keys_prefix ON daemon_keys(key_prefix)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_daemons_network ON daemons(network_id)`)

	return &Store{db: db, hashCost: bcrypt.DefaultCost}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Register records a daemon, or refreshes an existing one. The mode chosen at
// first registration sticks.
func (s *Store) Register(ctx context.Context, req protocol.RegisterRequest) (*Daemon, error) {
	if strings.TrimSpace(req.DaemonID) == "" {
		return nil, fmt.Errorf("daemon_id is required")
	}
	if strings.TrimSpace(req.NetworkID) == "" {
		return nil, fmt.Errorf("network_id is required")
	}
	if !req.Mode.Valid() {
		return nil, fmt.Errorf("invalid mode: %q", req.Mode)
	}
	if req.Mode == protocol.ModePush && strings.TrimSpace(req.URL) == "" {
		return nil, fmt.Errorf("url is required for push daemons")
	}

	existing, err := s.Get(ctx, req.DaemonID)
	switch {
	case err == nil:
		if existing.Mode != req.Mode {
			return nil, ErrModeImmutable
		}
		if existing.NetworkID != req.NetworkID {
			return nil, ErrWrongNetwork
		}
	case IsNotFound(err):
	default:
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `INSERT INTO daemons (id, network_id, name, url, mode, version, registered_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, url = excluded.url, version = excluded.version, last_seen = excluded.last_seen`,
		req.DaemonID,
		req.NetworkID,
		strings.TrimSpace(req.Name),
		strings.TrimSpace(req.URL),
		string(req.Mode),
		req.Version,
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("register daemon: %w", err)
	}
	return s.Get(ctx, req.DaemonID)
}

// Touch records daemon presence from a heartbeat or work poll. Mode is ignored.
func (s *Store) Touch(ctx context.Context, id string, presence protocol.DaemonPresence) error {
	res, err := s.db.ExecContext(ctx, `UPDATE daemons
		SET last_seen = ?, name = CASE WHEN ? <> '' THEN ? ELSE name END, url = CASE WHEN ? <> '' THEN ? ELSE url END
		WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano),
		presence.Name, presence.Name,
		presence.URL, presence.URL,
		id,
	)
	if err != nil {
		return fmt.Errorf("touch daemon: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetVersion records the version a daemon announced at startup.
func (s *Store) SetVersion(ctx context.Context, id, version string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE daemons SET version = ?, last_seen = ? WHERE id = ?`,
		version, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set daemon version: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Get returns one daemon by id.
func (s *Store) Get(ctx context.Context, id string) (*Daemon, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, network_id, name, url, mode, version, registered_at, last_seen
		FROM daemons WHERE id = ?`, id)
	return scanDaemon(row)
}

// List returns all daemons, most recently seen first.
func (s *Store) List(ctx context.Context) ([]Daemon, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, network_id, name, url, mode, version, registered_at, last_seen
		FROM daemons ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Daemon, 0)
	for rows.Next() {
		d, err := scanDaemon(rows)
		if err != nil {
			continue
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// Authorize returns the daemon when it belongs to the key's network.
func (s *Store) Authorize(ctx context.Context, key *APIKey, daemonID string) (*Daemon, error) {
	d, err := s.Get(ctx, daemonID)
	if err != nil {
		return nil, err
	}
	if key != nil && d.NetworkID != key.NetworkID {
		return nil, ErrWrongNetwork
	}
	return d, nil
}

// CreateKey generates a key for a network and returns the plaintext once.
func (s *Store) CreateKey(ctx context.Context, name, networkID string, active bool) (*APIKey, string, error) {
	if strings.TrimSpace(networkID) == "" {
		return nil, "", fmt.Errorf("network_id is required")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	plainKey := "sfd_" + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(plainKey), s.hashCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash key: %w", err)
	}

	state := KeyInactive
	if active {
		state = KeyActive
	}
	key := &APIKey{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(name),
		NetworkID: networkID,
		KeyHash:   string(hash),
		KeyPrefix: plainKey[:keyPrefixLen],
		State:     state,
		CreatedAt: time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO daemon_keys (id, name, network_id, key_hash, key_prefix, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.Name, key.NetworkID, key.KeyHash, key.KeyPrefix, key.State,
		key.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, "", fmt.Errorf("store key: %w", err)
	}
	return key, plainKey, nil
}

// ValidateKey checks a plaintext key. Inactive and revoked keys return their
// own sentinel so daemons can tell "wait" from "give up".
func (s *Store) ValidateKey(ctx context.Context, plainKey string) (*APIKey, error) {
	if len(plainKey) < keyPrefixLen {
		return nil, ErrInvalidKey
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, network_id, key_hash, key_prefix, state, created_at, last_used
		FROM daemon_keys WHERE key_prefix = ?`, plainKey[:keyPrefixLen])
	if err != nil {
		return nil, fmt.Errorf("lookup key: %w", err)
	}
	var candidates []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			continue
		}
		candidates = append(candidates, key)
	}
	_ = rows.Close()

	for _, key := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(plainKey)) != nil {
			continue
		}
		switch key.State {
		case KeyRevoked:
			return nil, ErrKeyRevoked
		case KeyInactive:
			return nil, ErrKeyInactive
		}
		now := time.Now().UTC()
		key.LastUsedAt = &now
		_, _ = s.db.ExecContext(ctx, `UPDATE daemon_keys SET last_used = ? WHERE id = ?`, now.Format(time.RFC3339Nano), key.ID)
		return key, nil
	}
	return nil, ErrInvalidKey
}

// ActivateKey moves an inactive key to active. Revoked keys stay revoked.
func (s *Store) ActivateKey(ctx context.Context, id string) (*APIKey, error) {
	return s.setKeyState(ctx, id, KeyActive, KeyInactive)
}

// RevokeKey permanently revokes a key.
func (s *Store) RevokeKey(ctx context.Context, id string) (*APIKey, error) {
	return s.setKeyState(ctx, id, KeyRevoked, KeyActive, KeyInactive)
}

func (s *Store) setKeyState(ctx context.Context, id, state string, from ...string) (*APIKey, error) {
	key, err := s.GetKey(ctx, id)
	if err != nil {
		return nil, err
	}
	allowed := false
	for _, f := range from {
		if key.State == f {
			allowed = true
			break
		}
	}
	if !allowed {
		if key.State == state {
			return key, nil
		}
		return nil, fmt.Errorf("cannot move key from %s to %s", key.State, state)
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE daemon_keys SET state = ? WHERE id = ?`, state, id); err != nil {
		return nil, fmt.Errorf("update key state: %w", err)
	}
	key.State = state
	return key, nil
}

// GetKey returns one key by id.
func (s *Store) GetKey(ctx context.Context, id string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, network_id, key_hash, key_prefix, state, created_at, last_used
		FROM daemon_keys WHERE id = ?`, id)
	return scanKey(row)
}

// ListKeys returns all keys without hashes, newest first.
func (s *Store) ListKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, network_id, key_hash, key_prefix, state, created_at, last_used
		FROM daemon_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]APIKey, 0)
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			continue
		}
		key.KeyHash = ""
		out = append(out, *key)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDaemon(row scanner) (*Daemon, error) {
	var (
		d            Daemon
		mode         string
		registeredAt string
		lastSeen     string
	)
	if err := row.Scan(&d.ID, &d.NetworkID, &d.Name, &d.URL, &mode, &d.Version, &registeredAt, &lastSeen); err != nil {
		return nil, err
	}
	d.Mode = protocol.DaemonMode(mode)
	d.RegisteredAt, _ = time.Parse(time.RFC3339Nano, registeredAt)
	d.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
	return &d, nil
}

func scanKey(row scanner) (*APIKey, error) {
	var (
		key       APIKey
		createdAt string
		lastUsed  sql.NullString
	)
	if err := row.Scan(&key.ID, &key.Name, &key.NetworkID, &key.KeyHash, &key.KeyPrefix, &key.State, &createdAt, &lastUsed); err != nil {
		return nil, err
	}
	key.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if lastUsed.Valid && lastUsed.String != "" {
		if ts, err := time.Parse(time.RFC3339Nano, lastUsed.String); err == nil {
			key.LastUsedAt = &ts
		}
	}
	return &key, nil
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
