package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// PostgresStore persists escrow mirrors in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	errorsJSON := marshalErrors(e.ValidationErrors)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, escrow_id, order_id, contract_address,
			crypto_amount, crypto_currency, status,
			create_tx_hash, release_tx_hash, refund_tx_hash,
			locked_at, released_at, refunded_at,
			validation_errors, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5::NUMERIC(30,18), $6, $7,
			$8, $9, $10,
			$11, $12, $13,
			$14, $15, $16
		)`,
		e.ID, e.EscrowID, e.OrderID, e.ContractAddress,
		e.CryptoAmount, e.CryptoCurrency, string(e.Status),
		nullString(e.CreateTxHash), nullString(e.ReleaseTxHash), nullString(e.RefundTxHash),
		nullTime(e.LockedAt), nullTime(e.ReleasedAt), nullTime(e.RefundedAt),
		errorsJSON, e.CreatedAt, e.UpdatedAt,
	)
	return err
}

const escrowColumns = `id, escrow_id, order_id, contract_address,
		       crypto_amount, crypto_currency, status,
		       create_tx_hash, release_tx_hash, refund_tx_hash,
		       locked_at, released_at, refunded_at,
		       validation_errors, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByEscrowID(ctx context.Context, escrowID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE escrow_id = $1`, escrowID)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) ListByOrderID(ctx context.Context, orderID string) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE order_id = $1
		ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListPending(ctx context.Context, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status NOT IN ('RELEASED', 'REFUNDED')
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	errorsJSON := marshalErrors(e.ValidationErrors)
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1,
			release_tx_hash = $2, refund_tx_hash = $3,
			locked_at = $4, released_at = $5, refunded_at = $6,
			validation_errors = $7, updated_at = $8
		WHERE id = $9`,
		string(e.Status),
		nullString(e.ReleaseTxHash), nullString(e.RefundTxHash),
		nullTime(e.LockedAt), nullTime(e.ReleasedAt), nullTime(e.RefundedAt),
		errorsJSON, e.UpdatedAt,
		e.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status     string
		createTx   sql.NullString
		releaseTx  sql.NullString
		refundTx   sql.NullString
		lockedAt   sql.NullTime
		releasedAt sql.NullTime
		refundedAt sql.NullTime
		errorsJSON []byte
	)

	err := s.Scan(
		&e.ID, &e.EscrowID, &e.OrderID, &e.ContractAddress,
		&e.CryptoAmount, &e.CryptoCurrency, &status,
		&createTx, &releaseTx, &refundTx,
		&lockedAt, &releasedAt, &refundedAt,
		&errorsJSON, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.CreateTxHash = createTx.String
	e.ReleaseTxHash = releaseTx.String
	e.RefundTxHash = refundTx.String
	if lockedAt.Valid {
		e.LockedAt = &lockedAt.Time
	}
	if releasedAt.Valid {
		e.ReleasedAt = &releasedAt.Time
	}
	if refundedAt.Valid {
		e.RefundedAt = &refundedAt.Time
	}
	if len(errorsJSON) > 0 {
		_ = json.Unmarshal(errorsJSON, &e.ValidationErrors)
	}

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func marshalErrors(errs []string) []byte {
	if errs == nil {
		return []byte("[]")
	}
	b, _ := json.Marshal(errs)
	return b
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
