package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hackgods/patient-appointments/internal/apperr"
)

var (
	ErrPaymentNotFound     = fmt.Errorf("payment %w", apperr.ErrNotFound)
	ErrActivePaymentExists = fmt.Errorf("%w: appointment already has an active payment", apperr.ErrConflict)
	ErrPaymentNotPending   = fmt.Errorf("%w: payment is not pending", apperr.ErrInvalidTransition)
	ErrUnsupportedMethod   = errors.New("payment method is not supported by any provider")
	ErrDuplicateKey        = errors.New("idempotency key already used")
	ErrIdempotencyConflict = fmt.Errorf("%w: idempotency key already used for a different payment", apperr.ErrConflict)
)

// Repository is the payments side of the persistence gateway.
type Repository interface {
	Create(ctx context.Context, p *Payment) (*Payment, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	GetByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*Payment, error)

	// UpdateStatus applies upd only if the stored status equals upd.From and
	// returns ErrPaymentNotFound otherwise.
	UpdateStatus(ctx context.Context, id uuid.UUID, upd StatusUpdate) (*Payment, error)
}
