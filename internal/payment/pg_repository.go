package payment

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/patient-appointments/internal/apperr"
	"github.com/hackgods/patient-appointments/internal/db"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const paymentCols = `id, user_id, appointment_id, amount_rwf, method, status, transaction_id,
	phone_number, reference_number, provider_response, paid_at, failed_reason,
	refunded_at, refund_reason, idempotency_key, created_at, updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var providerResponse []byte

	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.AppointmentID,
		&p.AmountRWF,
		&p.Method,
		&p.Status,
		&p.TransactionID,
		&p.PhoneNumber,
		&p.ReferenceNumber,
		&providerResponse,
		&p.PaidAt,
		&p.FailedReason,
		&p.RefundedAt,
		&p.RefundReason,
		&p.IdempotencyKey,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, apperr.Persistence("scan payment", err)
	}

	p.ProviderResponse = providerResponse
	return &p, nil
}

func (r *PgRepository) Create(ctx context.Context, p *Payment) (*Payment, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO payments (id, user_id, appointment_id, amount_rwf, method, status,
			phone_number, reference_number, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
		RETURNING `+paymentCols,
		p.ID, p.UserID, p.AppointmentID, p.AmountRWF, string(p.Method), string(p.Status),
		p.PhoneNumber, p.ReferenceNumber, p.IdempotencyKey)

	created, err := scanPayment(row)
	switch {
	case db.IsUniqueViolation(err, "payments_active_per_appointment"):
		return nil, ErrActivePaymentExists
	case db.IsUniqueViolation(err, "payments_idempotency"):
		return nil, ErrDuplicateKey
	case err != nil:
		return nil, apperr.Persistence("create payment", err)
	}
	return created, nil
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

func (r *PgRepository) GetByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*Payment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+paymentCols+`
		FROM payments
		WHERE user_id = $1 AND idempotency_key = $2
	`, userID, key)
	return scanPayment(row)
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, upd StatusUpdate) (*Payment, error) {
	var providerResponse []byte
	if len(upd.ProviderResponse) > 0 {
		providerResponse = upd.ProviderResponse
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE payments
		SET status            = $2,
		    transaction_id    = COALESCE($4, transaction_id),
		    paid_at           = CASE WHEN $2 = 'completed' THEN $5 ELSE paid_at END,
		    failed_reason     = COALESCE($6, failed_reason),
		    refunded_at       = CASE WHEN $2 = 'refunded' THEN $5 ELSE refunded_at END,
		    refund_reason     = COALESCE($7, refund_reason),
		    provider_response = COALESCE($8::jsonb, provider_response),
		    updated_at        = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+paymentCols,
		id, string(upd.To), string(upd.From), upd.TransactionID, upd.At,
		upd.FailedReason, upd.RefundReason, providerResponse)

	return scanPayment(row)
}
