package order

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists orders in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, buyer_addr, seller_addr,
			crypto_amount, crypto_currency, fiat_amount, fiat_currency,
			status, completed_at, cancelled_at, created_at, updated_at
		) VALUES (
			$1, $2, $3,
			$4::NUMERIC(30,18), $5, $6, $7,
			$8, $9, $10, $11, $12
		)`,
		o.ID, o.BuyerAddr, o.SellerAddr,
		o.CryptoAmount, o.CryptoCurrency, nullString(o.FiatAmount), nullString(o.FiatCurrency),
		string(o.Status), nullTime(o.CompletedAt), nullTime(o.CancelledAt),
		o.CreatedAt, o.UpdatedAt,
	)
	return err
}

const orderColumns = `id, buyer_addr, seller_addr,
		       crypto_amount, crypto_currency, fiat_amount, fiat_currency,
		       status, completed_at, cancelled_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	o := &Order{}
	var (
		status       string
		fiatAmount   sql.NullString
		fiatCurrency sql.NullString
		completedAt  sql.NullTime
		cancelledAt  sql.NullTime
	)

	err := row.Scan(
		&o.ID, &o.BuyerAddr, &o.SellerAddr,
		&o.CryptoAmount, &o.CryptoCurrency, &fiatAmount, &fiatCurrency,
		&status, &completedAt, &cancelledAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	o.Status = Status(status)
	o.FiatAmount = fiatAmount.String
	o.FiatCurrency = fiatCurrency.String
	if completedAt.Valid {
		o.CompletedAt = &completedAt.Time
	}
	if cancelledAt.Valid {
		o.CancelledAt = &cancelledAt.Time
	}
	return o, nil
}

func (p *PostgresStore) Update(ctx context.Context, o *Order) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $1, completed_at = $2, cancelled_at = $3, updated_at = $4
		WHERE id = $5`,
		string(o.Status), nullTime(o.CompletedAt), nullTime(o.CancelledAt),
		o.UpdatedAt, o.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
