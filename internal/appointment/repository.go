package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/patient-appointments/internal/apperr"
)

var (
	ErrAppointmentNotFound = fmt.Errorf("appointment %w", apperr.ErrNotFound)
	ErrSlotTaken           = fmt.Errorf("%w: doctor already has an active appointment in this slot", apperr.ErrConflict)
	ErrSlotBeingBooked     = fmt.Errorf("%w: slot is currently being booked, please retry", apperr.ErrConflict)
	ErrAlreadyPaid         = fmt.Errorf("%w: appointment already has an active payment", apperr.ErrConflict)
	ErrDuplicateKey        = fmt.Errorf("%w: idempotency key already used", apperr.ErrConflict)
	ErrIdempotencyConflict = fmt.Errorf("%w: idempotency key already used for a different request", apperr.ErrConflict)
)

// Repository is the appointments side of the persistence gateway.
type Repository interface {
	Create(ctx context.Context, a *Appointment) (*Appointment, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetByIdempotencyKey(ctx context.Context, patientID uuid.UUID, key string) (*Appointment, error)

	// ListByPatient orders by date then time, ascending. An empty status lists all.
	ListByPatient(ctx context.Context, patientID uuid.UUID, status AppointmentStatus) ([]Appointment, error)

	// For conflict checks
	FindActiveInSlot(ctx context.Context, doctorID uuid.UUID, date time.Time, timeOfDay string) (*Appointment, error)

	// Update returns ErrAppointmentNotFound when the row is missing or
	// patch.ExpectStatus no longer matches, and ErrSlotTaken on slot conflicts.
	Update(ctx context.Context, id uuid.UUID, patch Patch) (*Appointment, error)

	// Expiry worker. A pending appointment is unpaid when its payment failed
	// before failedBefore, or is a mobile-money payment still pending since
	// before pendingBefore.
	FindUnpaid(ctx context.Context, failedBefore, pendingBefore time.Time) ([]Appointment, error)

	// Reminder worker
	FindReminderCandidates(ctx context.Context, fromDate, toDate time.Time) ([]ReminderCandidate, error)
	MarkReminderSent(ctx context.Context, id uuid.UUID, window ReminderWindow) error
}
