package payment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"paycore/internal/common/database"
	"paycore/internal/common/money"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const selectPayment = `
	SELECT id, payer_type, payer_id, payable_type, payable_id,
		   amount::text, currency, status, processor, external_reference,
		   metadata, refunded_amount::text, notes,
		   paid_at, failed_at, canceled_at, created_at, updated_at
	FROM payments
`

// Create inserts a new payment.
func (s *PostgresStore) Create(ctx context.Context, p *Record) error {
	query := `
		INSERT INTO payments (
			id, payer_type, payer_id, payable_type, payable_id,
			amount, currency, status, processor, external_reference,
			metadata, refunded_amount, notes,
			paid_at, failed_at, canceled_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18
		)
	`

	metadata, err := marshalMetadata(p.Metadata)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, query,
		p.ID, p.Payer.Type, p.Payer.ID, p.Payable.Type, p.Payable.ID,
		p.Amount.String(), string(p.Currency), string(p.Status), p.Processor, nullStr(p.ExternalReference),
		metadata, p.RefundedAmount.String(), p.Notes,
		p.PaidAt, p.FailedAt, p.CanceledAt, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return Validationf("payment %s or reference %q already exists", p.ID, p.ExternalReference)
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// Get retrieves a payment by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.pool.QueryRow(ctx, selectPayment+` WHERE id = $1`, id)
	return scanRecord(row)
}

// Update writes the mutable columns of a payment.
func (s *PostgresStore) Update(ctx context.Context, p *Record) error {
	query := `
		UPDATE payments SET
			status = $2, external_reference = $3, metadata = $4,
			refunded_amount = $5, notes = $6,
			paid_at = $7, failed_at = $8, canceled_at = $9, updated_at = $10
		WHERE id = $1
	`

	metadata, err := marshalMetadata(p.Metadata)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, query,
		p.ID, string(p.Status), nullStr(p.ExternalReference), metadata,
		p.RefundedAmount.String(), p.Notes,
		p.PaidAt, p.FailedAt, p.CanceledAt, p.UpdatedAt,
	)
	if err != nil {
		switch {
		case database.IsUniqueViolation(err):
			return Validationf("reference %q is already used by another %s payment", p.ExternalReference, p.Processor)
		case database.IsCheckViolation(err):
			return Validationf("payment %s violates %s", p.ID, database.ConstraintName(err))
		}
		return fmt.Errorf("update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update payment %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

// FindLatestPending returns the newest pending payment for a payable/payer pair.
func (s *PostgresStore) FindLatestPending(ctx context.Context, processor string, payable, payer PartyRef) (*Record, error) {
	query := selectPayment + `
		WHERE processor = $1 AND status = 'pending'
		  AND payable_type = $2 AND payable_id = $3
		  AND payer_type = $4 AND payer_id = $5
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	row := s.pool.QueryRow(ctx, query, processor, payable.Type, payable.ID, payer.Type, payer.ID)
	return scanRecord(row)
}

// FindByReference retrieves a payment by its processor reference.
func (s *PostgresStore) FindByReference(ctx context.Context, processor, reference string) (*Record, error) {
	row := s.pool.QueryRow(ctx, selectPayment+` WHERE processor = $1 AND external_reference = $2`, processor, reference)
	return scanRecord(row)
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		p             Record
		amount        string
		refunded      string
		currency      string
		status        string
		externalRef   *string
		metadataBytes []byte
	)

	err := row.Scan(
		&p.ID, &p.Payer.Type, &p.Payer.ID, &p.Payable.Type, &p.Payable.ID,
		&amount, &currency, &status, &p.Processor, &externalRef,
		&metadataBytes, &refunded, &p.Notes,
		&p.PaidAt, &p.FailedAt, &p.CanceledAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}

	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if p.RefundedAmount, err = decimal.NewFromString(refunded); err != nil {
		return nil, fmt.Errorf("parse refunded amount: %w", err)
	}
	p.Currency = money.Currency(currency)
	p.Status = Status(status)
	if externalRef != nil {
		p.ExternalReference = *externalRef
	}
	if len(metadataBytes) > 0 {
		if err := json.Unmarshal(metadataBytes, &p.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}

	return &p, nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte(`{}`), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
