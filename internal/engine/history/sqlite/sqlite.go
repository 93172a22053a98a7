// Package sqlite stores saga histories in an embedded SQLite database through comfylite3.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/davidroman0O/comfylite3"
	"github.com/sasha-s/go-deadlock"

	"github.com/davidroman0O/ordersaga/internal/engine/history"
	"github.com/davidroman0O/ordersaga/internal/logs"
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS instances (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	queue TEXT NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	deadline INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL DEFAULT 0,
	closed_at INTEGER NOT NULL DEFAULT 0,
	last_seq INTEGER NOT NULL DEFAULT 0,
	owner TEXT NOT NULL DEFAULT '',
	lease_until INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS instances_status ON instances (status)`,
	`CREATE TABLE IF NOT EXISTS events (
	instance_id TEXT NOT NULL REFERENCES instances (id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	type TEXT NOT NULL,
	step_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	peer TEXT NOT NULL DEFAULT '',
	payload BLOB,
	attempt INTEGER NOT NULL DEFAULT 0,
	kind TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	final INTEGER NOT NULL DEFAULT 0,
	timed_out INTEGER NOT NULL DEFAULT 0,
	at INTEGER NOT NULL DEFAULT 0,
	time INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (instance_id, seq)
)`,
}

// lease columns for databases created before runners took leases
var migrations = []string{
	`ALTER TABLE instances ADD COLUMN owner TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE instances ADD COLUMN lease_until INTEGER NOT NULL DEFAULT 0`,
}

type Store struct {
	// serializes writers, sqlite allows a single one anyway
	mu     deadlock.Mutex
	comfy  *comfylite3.ComfyDB
	db     *sql.DB
	logger logs.Logger
}

type storeConfig struct {
	path   string
	logger logs.Logger
}

type Option func(*storeConfig)

// WithPath persists to a file; the directory is created when missing.
func WithPath(path string) Option {
	return func(c *storeConfig) {
		c.path = path
	}
}

func WithLogger(logger logs.Logger) Option {
	return func(c *storeConfig) {
		c.logger = logger
	}
}

// New opens the database, in memory unless WithPath is given, and creates the schema.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	cfg := storeConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logs.Discard()
	}

	var comfyOpts []comfylite3.ComfyOption
	if cfg.path != "" {
		cfg.logger.Debug(ctx, "Creating directory recursively if necessary", "path", cfg.path)
		if err := os.MkdirAll(filepath.Dir(cfg.path), os.ModePerm); err != nil {
			return nil, fmt.Errorf("history directory: %w", err)
		}
		comfyOpts = append(comfyOpts, comfylite3.WithPath(cfg.path))
	} else {
		cfg.logger.Debug(ctx, "Memory database option")
		comfyOpts = append(comfyOpts, comfylite3.WithMemory())
	}

	comfy, err := comfylite3.New(comfyOpts...)
	if err != nil {
		cfg.logger.Error(ctx, "Error opening/creating database", "error", err)
		return nil, err
	}

	db := comfylite3.OpenDB(
		comfy,
		comfylite3.WithOption("_fk=1"),
		comfylite3.WithOption("cache=shared"),
		comfylite3.WithOption("mode=rwc"),
		comfylite3.WithOption("_busy_timeout=5000"),
		comfylite3.WithForeignKeys(),
	)

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			cfg.logger.Error(ctx, "Error creating schema", "error", err)
			db.Close()
			comfy.Close()
			return nil, fmt.Errorf("history schema: %w", err)
		}
	}
	for _, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil && !strings.Contains(err.Error(), "duplicate column") {
			cfg.logger.Error(ctx, "Error migrating schema", "error", err)
			db.Close()
			comfy.Close()
			return nil, fmt.Errorf("history migration: %w", err)
		}
	}

	return &Store{comfy: comfy, db: db, logger: cfg.logger}, nil
}

func (s *Store) Create(ctx context.Context, inst history.Instance, started history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM instances WHERE id = ?`, inst.ID).Scan(&exists)
	switch {
	case err == nil:
		return history.ErrInstanceExists
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO instances (id, kind, queue, parent_id, status, deadline, created_at, closed_at, last_seq) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		inst.ID, inst.Kind, inst.Queue, inst.ParentID, string(inst.Status), inst.Deadline, inst.CreatedAt, inst.ClosedAt,
	); err != nil {
		return fmt.Errorf("insert instance %s: %w", inst.ID, err)
	}

	started.InstanceID = inst.ID
	started.Seq = 1
	if err := insertEvent(ctx, tx, started); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Append(ctx context.Context, id string, ev history.Event) (history.Event, error) {
	return s.append(ctx, id, "", ev)
}

func (s *Store) AppendOwned(ctx context.Context, id, owner string, ev history.Event) (history.Event, error) {
	return s.append(ctx, id, owner, ev)
}

// append bumps last_seq first so the write lock is taken before the read,
// which keeps other processes on the same file from reusing a sequence.
func (s *Store) append(ctx context.Context, id, owner string, ev history.Event) (history.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return history.Event{}, err
	}
	defer tx.Rollback()

	query, args := `UPDATE instances SET last_seq = last_seq + 1 WHERE id = ?`, []any{id}
	if owner != "" {
		query += ` AND owner = ?`
		args = append(args, owner)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return history.Event{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return history.Event{}, err
	}

	var last uint64
	if err := tx.QueryRowContext(ctx, `SELECT last_seq FROM instances WHERE id = ?`, id).Scan(&last); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return history.Event{}, history.ErrInstanceNotFound
		}
		return history.Event{}, err
	}
	if affected == 0 {
		return history.Event{}, history.ErrLeaseLost
	}

	ev.InstanceID = id
	ev.Seq = last
	if err := insertEvent(ctx, tx, ev); err != nil {
		return history.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return history.Event{}, err
	}
	return ev, nil
}

func (s *Store) Claim(ctx context.Context, id, owner string, now, until int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET owner = ?, lease_until = ? WHERE id = ? AND (owner = '' OR owner = ? OR lease_until <= ?)`,
		owner, until, id, owner, now)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return history.ErrLeaseHeld
}

func (s *Store) Release(ctx context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE instances SET owner = '', lease_until = 0 WHERE id = ? AND owner = ?`, id, owner)
	return err
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev history.Event) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO events (instance_id, seq, type, step_id, name, peer, payload, attempt, kind, message, final, timed_out, at, time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.InstanceID, ev.Seq, string(ev.Type), ev.StepID, ev.Name, ev.Peer, ev.Payload,
		ev.Attempt, ev.Kind, ev.Message, ev.Final, ev.TimedOut, ev.At, ev.Time,
	)
	if err != nil {
		return fmt.Errorf("insert event %s#%d: %w", ev.InstanceID, ev.Seq, err)
	}
	return nil
}

const instanceColumns = `id, kind, queue, parent_id, status, deadline, created_at, closed_at, last_seq, owner, lease_until`

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (history.Instance, error) {
	var (
		inst   history.Instance
		status string
	)
	if err := row.Scan(&inst.ID, &inst.Kind, &inst.Queue, &inst.ParentID, &status, &inst.Deadline, &inst.CreatedAt, &inst.ClosedAt, &inst.LastSeq, &inst.Owner, &inst.LeaseUntil); err != nil {
		return history.Instance{}, err
	}
	inst.Status = history.Status(status)
	return inst, nil
}

func (s *Store) Get(ctx context.Context, id string) (history.Instance, error) {
	inst, err := scanInstance(s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return history.Instance{}, history.ErrInstanceNotFound
	}
	return inst, err
}

func (s *Store) Load(ctx context.Context, id string) (history.Instance, []history.Event, error) {
	inst, err := s.Get(ctx, id)
	if err != nil {
		return history.Instance{}, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, type, step_id, name, peer, payload, attempt, kind, message, final, timed_out, at, time
		 FROM events WHERE instance_id = ? ORDER BY seq`, id)
	if err != nil {
		return history.Instance{}, nil, err
	}
	defer rows.Close()

	var events []history.Event
	for rows.Next() {
		ev := history.Event{InstanceID: id}
		var kind string
		if err := rows.Scan(&ev.Seq, &kind, &ev.StepID, &ev.Name, &ev.Peer, &ev.Payload, &ev.Attempt, &ev.Kind, &ev.Message, &ev.Final, &ev.TimedOut, &ev.At, &ev.Time); err != nil {
			return history.Instance{}, nil, err
		}
		ev.Type = history.EventType(kind)
		events = append(events, ev)
	}
	return inst, events, rows.Err()
}

func (s *Store) SetStatus(ctx context.Context, id string, status history.Status, closedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE instances SET status = ?, closed_at = ? WHERE id = ?`, string(status), closedAt, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return history.ErrInstanceNotFound
	}
	return nil
}

func (s *Store) List(ctx context.Context, status history.Status) ([]history.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []history.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *Store) Purge(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE instance_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return history.ErrInstanceNotFound
	}
	return tx.Commit()
}

func (s *Store) Close() error {
	return errors.Join(s.db.Close(), s.comfy.Close())
}
