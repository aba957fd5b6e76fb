// Package store persists markov model snapshots in a SQLite database.
//
// Every snapshot is stored under a unique name. Saving under an existing name
// replaces the previous snapshot in a single transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/CTAG07/stoch/pkg/markov"
)

// ModelInfo holds the metadata of a stored snapshot.
type ModelInfo struct {
	Id          int       `json:"id"`
	Name        string    `json:"name"`
	LastByte    byte      `json:"last_byte"`
	Transitions int       `json:"transitions"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SetupSchema initializes the necessary tables in the provided database. It is
// idempotent and safe to call on an already-initialized database.
func SetupSchema(db *sql.DB) error {
	const (
		schemaModels = `
CREATE TABLE IF NOT EXISTS stoch_models (
    model_id INTEGER PRIMARY KEY,
    model_name TEXT NOT NULL UNIQUE,
    last_byte INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
);
`
		schemaTransitions = `
CREATE TABLE IF NOT EXISTS stoch_transitions (
    model_id INTEGER NOT NULL,
    prev_byte INTEGER NOT NULL,
    next_byte INTEGER NOT NULL,
    frequency INTEGER NOT NULL,
    PRIMARY KEY (model_id, prev_byte, next_byte)
);
`
	)

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	if _, err = tx.Exec(schemaModels); err != nil {
		return fmt.Errorf("could not create models schema: %w", err)
	}
	if _, err = tx.Exec(schemaTransitions); err != nil {
		return fmt.Errorf("could not create transitions schema: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}
	return nil
}

// Store reads and writes snapshots using prepared statements.
type Store struct {
	db                 *sql.DB
	stmtGetModel       *sql.Stmt
	stmtGetModels      *sql.Stmt
	stmtGetTransitions *sql.Stmt
	logger             *slog.Logger
}

// NewStore prepares all statements against db. SetupSchema must have been
// called on db first.
func NewStore(db *sql.DB) (*Store, error) {
	stmtGetModel, err := db.Prepare(`SELECT model_id, last_byte FROM stoch_models WHERE model_name = ?;`)
	if err != nil {
		return nil, err
	}

	stmtGetModels, err := db.Prepare(`
SELECT m.model_id, m.model_name, m.last_byte, m.updated_at, COUNT(t.model_id)
FROM stoch_models m LEFT JOIN stoch_transitions t ON t.model_id = m.model_id
GROUP BY m.model_id ORDER BY m.model_name;`)
	if err != nil {
		_ = stmtGetModel.Close()
		return nil, err
	}

	stmtGetTransitions, err := db.Prepare(`SELECT prev_byte, next_byte, frequency FROM stoch_transitions WHERE model_id = ? ORDER BY prev_byte, next_byte;`)
	if err != nil {
		_ = stmtGetModel.Close()
		_ = stmtGetModels.Close()
		return nil, err
	}

	return &Store{
		db:                 db,
		stmtGetModel:       stmtGetModel,
		stmtGetModels:      stmtGetModels,
		stmtGetTransitions: stmtGetTransitions,
		logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil
}

// Close releases all prepared statements held by the Store.
func (s *Store) Close() {
	_ = s.stmtGetModel.Close()
	_ = s.stmtGetModels.Close()
	_ = s.stmtGetTransitions.Close()
}

// SetLogger sets the logger for the Store. By default, all logs are discarded.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Save writes snap under name, replacing any snapshot already stored there.
// The operation is performed within a transaction.
func (s *Store) Save(ctx context.Context, name string, snap markov.Snapshot) error {
	if name == "" {
		return errors.New("store: empty model name")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction for save: %w", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	var modelID int
	err = tx.QueryRowContext(ctx, `
INSERT INTO stoch_models (model_name, last_byte, updated_at) VALUES (?, ?, ?)
ON CONFLICT(model_name) DO UPDATE SET last_byte = excluded.last_byte, updated_at = excluded.updated_at
RETURNING model_id;`, name, int(snap.LastByte), time.Now().Unix()).Scan(&modelID)
	if err != nil {
		return fmt.Errorf("failed to upsert model '%s': %w", name, err)
	}

	if _, err = tx.ExecContext(ctx, "DELETE FROM stoch_transitions WHERE model_id = ?", modelID); err != nil {
		return fmt.Errorf("failed to clear transitions for model '%s': %w", name, err)
	}

	stmtInsert, err := tx.PrepareContext(ctx, `INSERT INTO stoch_transitions (model_id, prev_byte, next_byte, frequency) VALUES (?, ?, ?, ?);`)
	if err != nil {
		return fmt.Errorf("failed to prepare transition insert statement: %w", err)
	}
	defer func(stmt *sql.Stmt) {
		_ = stmt.Close()
	}(stmtInsert)

	for _, t := range snap.Transitions {
		if _, err = stmtInsert.ExecContext(ctx, modelID, int(t.Prev), int(t.Next), int64(t.Count)); err != nil {
			return fmt.Errorf("failed to insert transition (%d -> %d): %w", t.Prev, t.Next, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("could not commit save of model '%s': %w", name, err)
	}

	s.logger.InfoContext(ctx, "Model saved",
		slog.String("model_name", name),
		slog.Int("model_id", modelID),
		slog.Int("transitions_saved", len(snap.Transitions)),
	)
	return nil
}

// Load reads the snapshot stored under name. It returns sql.ErrNoRows if no
// such snapshot exists.
func (s *Store) Load(ctx context.Context, name string) (markov.Snapshot, error) {
	var modelID, lastByte int
	if err := s.stmtGetModel.QueryRowContext(ctx, name).Scan(&modelID, &lastByte); err != nil {
		return markov.Snapshot{}, err
	}

	rows, err := s.stmtGetTransitions.QueryContext(ctx, modelID)
	if err != nil {
		return markov.Snapshot{}, fmt.Errorf("could not query transitions for model '%s': %w", name, err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	snap := markov.Snapshot{LastByte: byte(lastByte), Transitions: []markov.Transition{}}
	for rows.Next() {
		var prev, next int
		var freq int64
		if err = rows.Scan(&prev, &next, &freq); err != nil {
			return markov.Snapshot{}, err
		}
		if prev < 0 || prev > 255 || next < 0 || next > 255 || freq <= 0 || freq > int64(^uint32(0)) {
			return markov.Snapshot{}, fmt.Errorf("corrupt transition row (%d -> %d, %d) for model '%s'", prev, next, freq, name)
		}
		snap.Transitions = append(snap.Transitions, markov.Transition{Prev: byte(prev), Next: byte(next), Count: uint32(freq)})
	}
	if err = rows.Err(); err != nil {
		return markov.Snapshot{}, err
	}

	s.logger.DebugContext(ctx, "Model loaded",
		slog.String("model_name", name),
		slog.Int("model_id", modelID),
		slog.Int("transitions_loaded", len(snap.Transitions)),
	)
	return snap, nil
}

// List returns the metadata of every stored snapshot, ordered by name.
func (s *Store) List(ctx context.Context) ([]ModelInfo, error) {
	rows, err := s.stmtGetModels.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	models := make([]ModelInfo, 0)
	for rows.Next() {
		var info ModelInfo
		var lastByte int
		var updated int64
		if err = rows.Scan(&info.Id, &info.Name, &lastByte, &updated, &info.Transitions); err != nil {
			return nil, err
		}
		info.LastByte = byte(lastByte)
		info.UpdatedAt = time.Unix(updated, 0)
		models = append(models, info)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return models, nil
}

// Remove deletes the snapshot stored under name. It returns sql.ErrNoRows if
// no snapshot has that name.
func (s *Store) Remove(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction for remove: %w", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	var modelID int
	err = tx.QueryRowContext(ctx, "SELECT model_id FROM stoch_models WHERE model_name = ?", name).Scan(&modelID)
	if err != nil {
		return fmt.Errorf("failed to query for model '%s': %w", name, err)
	}

	if _, err = tx.ExecContext(ctx, "DELETE FROM stoch_transitions WHERE model_id = ?", modelID); err != nil {
		return fmt.Errorf("failed to remove transitions for model %d: %w", modelID, err)
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM stoch_models WHERE model_id = ?", modelID); err != nil {
		return fmt.Errorf("failed to remove model %d: %w", modelID, err)
	}

	s.logger.InfoContext(ctx, "Model removed successfully",
		slog.String("model_name", name),
		slog.Int("model_id", modelID),
	)
	return tx.Commit()
}
