package appointment

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/patient-appointments/internal/payment"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusNoShow    AppointmentStatus = "no_show"
)

var allowedTransitions = map[AppointmentStatus][]AppointmentStatus{
	StatusPending:   {StatusConfirmed, StatusCancelled, StatusNoShow},
	StatusConfirmed: {StatusCompleted, StatusCancelled, StatusNoShow},
	StatusCompleted: {},
	StatusCancelled: {},
	StatusNoShow:    {},
}

func (s AppointmentStatus) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// Active appointments hold their doctor's slot.
func (s AppointmentStatus) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

func (s AppointmentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

func (s AppointmentStatus) CanTransitionTo(next AppointmentStatus) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Method string

const (
	MethodInPerson Method = "in_person"
	MethodVideo    Method = "video"
	MethodPhone    Method = "phone"
	MethodSMS      Method = "sms"
)

func (m Method) Valid() bool {
	switch m {
	case MethodInPerson, MethodVideo, MethodPhone, MethodSMS:
		return true
	}
	return false
}

type Appointment struct {
	ID                 uuid.UUID
	PatientID          uuid.UUID
	DoctorID           uuid.UUID
	ClinicID           *uuid.UUID
	Date               time.Time // calendar date at UTC midnight
	Time               string    // HH:MM, clinic local time
	Method             Method
	Status             AppointmentStatus
	ReasonForVisit     *string
	Symptoms           []string
	Notes              *string
	ConsultationFeeRWF int
	PaymentID          *uuid.UUID
	ReminderSent24h    bool
	ReminderSent2h     bool
	CancelledReason    *string
	CancelledBy        *uuid.UUID
	CancelledAt        *time.Time
	CompletedAt        *time.Time
	IdempotencyKey     *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// StartsAt combines the calendar date and time of day in loc.
func (a *Appointment) StartsAt(loc *time.Location) (time.Time, error) {
	tod, err := time.Parse(TimeLayout, a.Time)
	if err != nil {
		return time.Time{}, fmt.Errorf("appointment %s has malformed time %q: %w", a.ID, a.Time, err)
	}
	y, m, d := a.Date.Date()
	return time.Date(y, m, d, tod.Hour(), tod.Minute(), 0, 0, loc), nil
}

// AppointmentDetail is an appointment with its linked payment, if any.
type AppointmentDetail struct {
	Appointment
	Payment *payment.Payment
}

// Patch is a partial update. ExpectStatus, when set, makes the update
// conditional on the stored status.
type Patch struct {
	ExpectStatus AppointmentStatus

	Status            *AppointmentStatus
	Date              *time.Time
	Time              *string
	PaymentID         *uuid.UUID
	CancelledReason   *string
	CancelledBy       *uuid.UUID
	CancelledAt       *time.Time
	ClearCancellation bool
	CompletedAt       *time.Time
	ResetReminders    bool
}

// ReminderWindow names one of the two reminder flags.
type ReminderWindow string

const (
	Reminder24h ReminderWindow = "24h"
	Reminder2h  ReminderWindow = "2h"
)

func (w ReminderWindow) Lead() time.Duration {
	if w == Reminder2h {
		return 2 * time.Hour
	}
	return 24 * time.Hour
}

// ReminderCandidate is an active appointment with at least one reminder unsent.
type ReminderCandidate struct {
	Appointment
	PatientPhone *string
}

// NormalizeDate truncates t to its calendar date at UTC midnight.
func NormalizeDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}

func ptr[T any](v T) *T {
	return &v
}
