// Package audit writes the event_logs trail for appointment and payment changes.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const (
	EventAppointmentBooked      = "APPOINTMENT_BOOKED"
	EventAppointmentConfirmed   = "APPOINTMENT_CONFIRMED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentCompleted   = "APPOINTMENT_COMPLETED"
	EventAppointmentNoShow      = "APPOINTMENT_NO_SHOW"
	EventAppointmentExpired     = "APPOINTMENT_EXPIRED"
	EventPaymentCreated         = "PAYMENT_CREATED"
	EventPaymentCompleted       = "PAYMENT_COMPLETED"
	EventPaymentFailed          = "PAYMENT_FAILED"
	EventPaymentRefunded        = "PAYMENT_REFUNDED"
)

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	PaymentID     *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// Store persists audit events.
type Store interface {
	InsertEvent(ctx context.Context, ev EventLog) error
}

// Recorder turns domain events into EventLog rows. Failures are logged and never
// propagate to the operation that emitted the event.
type Recorder struct {
	store  Store
	logger zerolog.Logger
}

func NewRecorder(store Store, logger zerolog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

func (r *Recorder) Appointment(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	id := appointmentID
	r.record(ctx, EventLog{EventType: eventType, AppointmentID: &id}, payload)
}

func (r *Recorder) Payment(ctx context.Context, paymentID uuid.UUID, appointmentID *uuid.UUID, eventType string, payload map[string]any) {
	id := paymentID
	r.record(ctx, EventLog{EventType: eventType, PaymentID: &id, AppointmentID: appointmentID}, payload)
}

func (r *Recorder) record(ctx context.Context, ev EventLog, payload map[string]any) {
	if r == nil || r.store == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error().Err(err).Str("event", ev.EventType).Msg("marshal event payload")
		data = nil
	}
	ev.Payload = data
	ev.CreatedAt = time.Now()

	if err := r.store.InsertEvent(ctx, ev); err != nil {
		r.logger.Error().Err(err).Str("event", ev.EventType).Msg("insert event log")
	}
}

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payment_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.EventType, ev.AppointmentID, ev.PaymentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
