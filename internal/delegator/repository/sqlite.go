package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/awcp/awcp/internal/delegation"
)

// SQLiteRepository provides SQLite-based delegation storage. Records are
// stored as JSON with indexed columns for the fields queries filter on.
type SQLiteRepository struct {
	db *sql.DB
}

// Ensure SQLiteRepository implements Repository.
var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository opens (creating if needed) the database at dbPath.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS delegations (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		peer_url TEXT NOT NULL DEFAULT '',
		record TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_delegations_state ON delegations(state);
	CREATE INDEX IF NOT EXISTS idx_delegations_updated_at ON delegations(updated_at);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Create inserts a record.
func (r *SQLiteRepository) Create(ctx context.Context, d *delegation.Delegation) error {
	record, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO delegations (id, state, peer_url, record, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, string(d.State), d.PeerURL, string(record), d.CreatedAt, d.UpdatedAt)
	return err
}

// Get returns the record for an id.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*delegation.Delegation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT record FROM delegations WHERE id = ?`, id)
	var record string
	if err := row.Scan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return unmarshalRecord(record)
}

// List returns all records ordered by creation time.
func (r *SQLiteRepository) List(ctx context.Context) ([]*delegation.Delegation, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT record FROM delegations ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*delegation.Delegation
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		d, err := unmarshalRecord(record)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Update upserts the record: terminal records are written here after the
// live table forgets them.
func (r *SQLiteRepository) Update(ctx context.Context, d *delegation.Delegation) error {
	record, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO delegations (id, state, peer_url, record, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   state = excluded.state,
		   record = excluded.record,
		   updated_at = excluded.updated_at`,
		d.ID, string(d.State), d.PeerURL, string(record), d.CreatedAt, d.UpdatedAt)
	return err
}

// Delete removes a record.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM delegations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneTerminal removes terminal records last updated before the cutoff.
func (r *SQLiteRepository) PruneTerminal(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM delegations
		 WHERE state IN ('completed', 'error', 'cancelled', 'expired') AND updated_at < ?`,
		before)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the database.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func unmarshalRecord(record string) (*delegation.Delegation, error) {
	var d delegation.Delegation
	if err := json.Unmarshal([]byte(record), &d); err != nil {
		return nil, fmt.Errorf("corrupt delegation record: %w", err)
	}
	return &d, nil
}
