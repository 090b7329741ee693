package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/patient-appointments/internal/apperr"
)

type MessageType string

const (
	MessageAppointmentReminder MessageType = "appointment_reminder"
	MessagePaymentConfirmation MessageType = "payment_confirmation"
	MessageSymptomAlert        MessageType = "symptom_alert"
	MessageGeneral             MessageType = "general"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageAppointmentReminder, MessagePaymentConfirmation, MessageSymptomAlert, MessageGeneral:
		return true
	}
	return false
}

type SMSStatus string

const (
	SMSQueued SMSStatus = "queued"
	SMSSent   SMSStatus = "sent"
	SMSFailed SMSStatus = "failed"
)

// SMSLog is one row of the sms_logs table.
type SMSLog struct {
	ID               uuid.UUID
	UserID           *uuid.UUID
	AppointmentID    *uuid.UUID
	PhoneNumber      string
	Type             MessageType
	Content          string
	Status           SMSStatus
	ProviderResponse json.RawMessage
	SentAt           *time.Time
	FailedReason     *string
	CreatedAt        time.Time
}

// Store persists SMS delivery attempts.
type Store interface {
	Insert(ctx context.Context, l *SMSLog) error
	MarkSent(ctx context.Context, id uuid.UUID, providerResponse []byte, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Insert(ctx context.Context, l *SMSLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sms_logs (id, user_id, phone_number, message_type, content, status, appointment_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, l.ID, l.UserID, l.PhoneNumber, string(l.Type), l.Content, string(l.Status), l.AppointmentID, l.CreatedAt)
	if err != nil {
		return apperr.Persistence("insert sms log", err)
	}
	return nil
}

func (s *PgStore) MarkSent(ctx context.Context, id uuid.UUID, providerResponse []byte, at time.Time) error {
	if len(providerResponse) == 0 {
		providerResponse = []byte(`{}`)
	}
	return s.mark(ctx, "mark sms sent", `
		UPDATE sms_logs
		SET status = 'sent', sent_at = $2, provider_response = $3::jsonb
		WHERE id = $1
	`, id, at, providerResponse)
}

func (s *PgStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return s.mark(ctx, "mark sms failed", `
		UPDATE sms_logs
		SET status = 'failed', failed_reason = $2
		WHERE id = $1
	`, id, reason)
}

func (s *PgStore) mark(ctx context.Context, op, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return apperr.Persistence(op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: sms log %v %w", op, args[0], apperr.ErrNotFound)
	}
	return nil
}
