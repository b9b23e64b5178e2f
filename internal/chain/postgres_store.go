package chain

import (
	"context"
	"database/sql"
	"time"
)

// PostgresEventStore persists contract events in PostgreSQL.
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore creates a new PostgreSQL-backed event store.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (p *PostgresEventStore) Append(ctx context.Context, e *Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return p.db.QueryRowContext(ctx, `
		INSERT INTO blockchain_events (
			escrow_id, event_name, block_number, log_index,
			transaction_hash, processed, created_at
		) VALUES ($1, $2, $3, $4, $5, FALSE, $6)
		RETURNING id`,
		nullString(e.EscrowID), e.Name, e.BlockNumber, e.LogIndex,
		e.TxHash, e.CreatedAt,
	).Scan(&e.ID)
}

const eventColumns = `id, escrow_id, event_name, block_number, log_index,
		       transaction_hash, processed, processed_at, error_message, created_at`

func (p *PostgresEventStore) UnprocessedByEscrow(ctx context.Context, escrowID string) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM blockchain_events
		WHERE processed = FALSE AND escrow_id = $1
		ORDER BY block_number ASC, id ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

func (p *PostgresEventStore) UnprocessedAll(ctx context.Context) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM blockchain_events
		WHERE processed = FALSE
		ORDER BY block_number ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

func (p *PostgresEventStore) MarkProcessed(ctx context.Context, id int64, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE blockchain_events
		SET processed = TRUE, processed_at = $1, error_message = NULL
		WHERE id = $2`, at, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresEventStore) MarkFailed(ctx context.Context, id int64, message string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE blockchain_events
		SET processed = FALSE, error_message = $1
		WHERE id = $2`, message, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(s scanner) (*Event, error) {
	e := &Event{}
	var (
		escrowID    sql.NullString
		processedAt sql.NullTime
		errMsg      sql.NullString
	)

	err := s.Scan(
		&e.ID, &escrowID, &e.Name, &e.BlockNumber, &e.LogIndex,
		&e.TxHash, &e.Processed, &processedAt, &errMsg, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.EscrowID = escrowID.String
	e.ErrorMessage = errMsg.String
	if processedAt.Valid {
		e.ProcessedAt = &processedAt.Time
	}
	return e, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var result []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEventNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// PostgresCursorStore persists the listener sync cursor in PostgreSQL.
// The table holds a single row keyed by the cursor name.
type PostgresCursorStore struct {
	db *sql.DB
}

// NewPostgresCursorStore creates a new PostgreSQL-backed cursor store.
func NewPostgresCursorStore(db *sql.DB) *PostgresCursorStore {
	return &PostgresCursorStore{db: db}
}

func (p *PostgresCursorStore) Get(ctx context.Context) (uint64, error) {
	var block uint64
	err := p.db.QueryRowContext(ctx, `
		SELECT last_block FROM chain_cursor WHERE name = 'escrow_listener'`).Scan(&block)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return block, err
}

func (p *PostgresCursorStore) Advance(ctx context.Context, block uint64) error {
	// GREATEST keeps the cursor monotonic even under a racing writer.
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO chain_cursor (name, last_block, updated_at)
		VALUES ('escrow_listener', $1, NOW())
		ON CONFLICT (name) DO UPDATE
		SET last_block = GREATEST(chain_cursor.last_block, EXCLUDED.last_block),
		    updated_at = NOW()`, block)
	return err
}

// Compile-time assertions.
var (
	_ EventStore  = (*PostgresEventStore)(nil)
	_ CursorStore = (*PostgresCursorStore)(nil)
)
