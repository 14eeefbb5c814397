package definitions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/scanfleet/internal/protocol"
)

const (
	defaultListLimit = 200
	maxListLimit     = 1000
)

// Store persists discovery definitions in SQLite or PostgreSQL.
type Store struct {
	db       *sql.DB
	postgres bool
}

// NewStore opens (or creates) a SQLite definitions database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open definitions db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore connects to PostgreSQL through the pgx stdlib driver.
func NewPostgresStore(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open definitions db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{db: db, postgres: true}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS discovery_definitions (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		network_id     TEXT NOT NULL,
		daemon_id      TEXT NOT NULL,
		discovery_type TEXT NOT NULL,
		run_kind       TEXT NOT NULL,
		cron           TEXT NOT NULL DEFAULT '',
		enabled        INTEGER NOT NULL DEFAULT 0,
		last_run_at    TEXT,
		results        TEXT,
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create discovery_definitions table: %w", err)
	}

	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_definitions_kind ON discovery_definitions(run_kind, enabled)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_definitions_daemon ON discovery_definitions(daemon_id)`)
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const selectColumns = `SELECT id, name, network_id, daemon_id, discovery_type, run_kind, cron, enabled, last_run_at, results, created_at, updated_at
		FROM discovery_definitions`

// Create inserts a new scheduled or ad-hoc definition.
func (s *Store) Create(ctx context.Context, def Definition) (*Definition, error) {
	if def.RunType.Kind == RunKindHistorical {
		return nil, fmt.Errorf("historical definitions are written by the session historian")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if _, err := s.insert(ctx, def, false); err != nil {
		return nil, err
	}
	return s.Get(ctx, def.ID)
}

// CreateHistorical writes a historical record keyed by its session id. A second
// write for the same id is a no-op and reports created=false.
func (s *Store) CreateHistorical(ctx context.Context, def Definition) (bool, error) {
	if def.RunType.Kind != RunKindHistorical {
		return false, fmt.Errorf("expected historical run type, got %q", def.RunType.Kind)
	}
	if strings.TrimSpace(def.ID) == "" {
		return false, fmt.Errorf("historical definition id required")
	}
	if err := def.Validate(); err != nil {
		return false, err
	}
	return s.insert(ctx, def, true)
}

func (s *Store) insert(ctx context.Context, def Definition, ignoreConflict bool) (bool, error) {
	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now

	dt, err := json.Marshal(def.DiscoveryType)
	if err != nil {
		return false, fmt.Errorf("encode discovery type: %w", err)
	}
	results, err := nullableJSON(def.RunType.Results)
	if err != nil {
		return false, err
	}

	query := `INSERT INTO discovery_definitions (id, name, network_id, daemon_id, discovery_type, run_kind, cron, enabled, last_run_at, results, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if ignoreConflict {
		query += ` ON CONFLICT (id) DO NOTHING`
	}

	res, err := s.db.ExecContext(ctx, s.rebind(query),
		def.ID,
		strings.TrimSpace(def.Name),
		def.NetworkID,
		def.DaemonID,
		string(dt),
		def.RunType.Kind,
		strings.TrimSpace(def.RunType.Cron),
		boolInt(def.RunType.Enabled),
		nullableTime(def.RunType.LastRun),
		results,
		def.CreatedAt.Format(time.RFC3339Nano),
		def.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("insert definition: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

// Update replaces an existing scheduled or ad-hoc definition.
func (s *Store) Update(ctx context.Context, def Definition) (*Definition, error) {
	if strings.TrimSpace(def.ID) == "" {
		return nil, fmt.Errorf("definition id required")
	}
	existing, err := s.Get(ctx, def.ID)
	if err != nil {
		return nil, err
	}
	if existing.RunType.Kind == RunKindHistorical || def.RunType.Kind == RunKindHistorical {
		return nil, ErrHistoricalImmutable
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	dt, err := json.Marshal(def.DiscoveryType)
	if err != nil {
		return nil, fmt.Errorf("encode discovery type: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE discovery_definitions
		SET name = ?, network_id = ?, daemon_id = ?, discovery_type = ?, run_kind = ?, cron = ?, enabled = ?, updated_at = ?
		WHERE id = ? AND run_kind <> ?`),
		strings.TrimSpace(def.Name),
		def.NetworkID,
		def.DaemonID,
		string(dt),
		def.RunType.Kind,
		strings.TrimSpace(def.RunType.Cron),
		boolInt(def.RunType.Enabled),
		time.Now().UTC().Format(time.RFC3339Nano),
		def.ID,
		RunKindHistorical,
	)
	if err != nil {
		return nil, fmt.Errorf("update definition: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return nil, sql.ErrNoRows
	}
	return s.Get(ctx, def.ID)
}

// SetEnabled flips a scheduled definition's enabled flag.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) (*Definition, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("definition id required")
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE discovery_definitions SET enabled = ?, updated_at = ? WHERE id = ? AND run_kind = ?`),
		boolInt(enabled),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		RunKindScheduled,
	)
	if err != nil {
		return nil, fmt.Errorf("set enabled: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return nil, sql.ErrNoRows
	}
	return s.Get(ctx, id)
}

// SetLastRun records when a scheduled or ad-hoc definition last started a session.
func (s *Store) SetLastRun(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE discovery_definitions SET last_run_at = ? WHERE id = ? AND run_kind <> ?`),
		at.UTC().Format(time.RFC3339Nano),
		id,
		RunKindHistorical,
	)
	if err != nil {
		return fmt.Errorf("set last run: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Get returns one definition by id.
func (s *Store) Get(ctx context.Context, id string) (*Definition, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(selectColumns+` WHERE id = ?`), id)
	return scanDefinition(row)
}

// List returns definitions sorted by update time (newest first).
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Definition, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Kind != "" {
		clauses = append(clauses, "run_kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.DaemonID != "" {
		clauses = append(clauses, "daemon_id = ?")
		args = append(args, filter.DaemonID)
	}
	if filter.NetworkID != "" {
		clauses = append(clauses, "network_id = ?")
		args = append(args, filter.NetworkID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := selectColumns
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Definition, 0)
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			continue
		}
		out = append(out, *def)
	}
	return out, rows.Err()
}

// Delete removes a definition.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM discovery_definitions WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row scanner) (*Definition, error) {
	var (
		def       Definition
		dt        string
		enabled   int
		lastRunAt sql.NullString
		results   sql.NullString
		createdAt string
		updatedAt string
	)
	if err := row.Scan(
		&def.ID,
		&def.Name,
		&def.NetworkID,
		&def.DaemonID,
		&dt,
		&def.RunType.Kind,
		&def.RunType.Cron,
		&enabled,
		&lastRunAt,
		&results,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(dt), &def.DiscoveryType); err != nil {
		return nil, fmt.Errorf("decode discovery type: %w", err)
	}
	def.RunType.Enabled = enabled == 1
	if lastRunAt.Valid && lastRunAt.String != "" {
		if ts, err := time.Parse(time.RFC3339Nano, lastRunAt.String); err == nil {
			def.RunType.LastRun = &ts
		}
	}
	if results.Valid && results.String != "" {
		var sess protocol.DiscoverySession
		if err := json.Unmarshal([]byte(results.String), &sess); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
		def.RunType.Results = &sess
	}
	def.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	def.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &def, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableTime(ts *time.Time) sql.NullString {
	if ts == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: ts.UTC().Format(time.RFC3339Nano), Valid: true}
}

func nullableJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode results: %w", err)
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// IsNotFound reports whether err means the definition does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}
