package appointment

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/patient-appointments/internal/apperr"
	"github.com/hackgods/patient-appointments/internal/audit"
	"github.com/hackgods/patient-appointments/internal/db"
	"github.com/hackgods/patient-appointments/internal/metrics"
	"github.com/hackgods/patient-appointments/internal/payment"
	redisclient "github.com/hackgods/patient-appointments/internal/redis"
	"github.com/hackgods/patient-appointments/internal/session"
)

// ReasonUnpaid is recorded on appointments cancelled by ExpireUnpaid.
const ReasonUnpaid = "payment not completed"

var timeOfDayPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// Payments is the slice of payment.Service the manager depends on.
type Payments interface {
	Create(ctx context.Context, sess *session.Session, req payment.CreateRequest) (*payment.Payment, error)
	Get(ctx context.Context, sess *session.Session, id uuid.UUID) (*payment.Payment, error)
	Process(ctx context.Context, sess *session.Session, id uuid.UUID) (*payment.Task, error)
}

type Options struct {
	// UnpaidGracePeriod is how long a failed payment may sit before its
	// pending appointment is cancelled.
	UnpaidGracePeriod time.Duration
	// PaymentSettleTimeout bounds how long a mobile-money payment may stay
	// pending. Past it plus the grace period the payment counts as abandoned.
	PaymentSettleTimeout time.Duration
	ReadRetry            db.RetryPolicy
}

type BookRequest struct {
	// PatientID lets clinic staff book on behalf of a patient; ignored for patients.
	PatientID      uuid.UUID
	DoctorID       uuid.UUID
	ClinicID       *uuid.UUID
	Date           time.Time
	Time           string
	Method         Method
	FeeRWF         int
	ReasonForVisit string
	Symptoms       []string
	IdempotencyKey string
}

type PayRequest struct {
	Method         payment.Method
	PhoneNumber    string
	IdempotencyKey string
}

// Manager orchestrates the appointment lifecycle and its payment.
type Manager struct {
	repo     Repository
	locker   redisclient.Locker
	payments Payments
	audit    *audit.Recorder
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

func NewManager(repo Repository, locker redisclient.Locker, payments Payments, rec *audit.Recorder, opts Options, logger zerolog.Logger) *Manager {
	if opts.PaymentSettleTimeout <= 0 {
		opts.PaymentSettleTimeout = 10 * time.Minute
	}
	return &Manager{
		repo:     repo,
		locker:   locker,
		payments: payments,
		audit:    rec,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

func slotOf(doctorID uuid.UUID, date time.Time, timeOfDay string) redisclient.SlotKey {
	return redisclient.SlotKey{DoctorID: doctorID, Date: date.Format(DateLayout), Time: timeOfDay}
}

// withSlot runs fn under the distributed lock for the slot and maps lock
// contention to ErrSlotBeingBooked. A lock lost mid-write maps the same way;
// the unique slot index still rejects a second active booking.
func (m *Manager) withSlot(ctx context.Context, slot redisclient.SlotKey, fn func(ctx context.Context) error) error {
	err := m.locker.WithSlotLock(ctx, slot, fn)
	switch {
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		metrics.SlotLockContention()
		return ErrSlotBeingBooked
	case errors.Is(err, redisclient.ErrLockLost):
		m.logger.Warn().Str("slot", slot.String()).Err(err).Msg("slot lock lost before write finished")
		return ErrSlotBeingBooked
	}
	return err
}

func validateSlot(date time.Time, timeOfDay string) error {
	if date.IsZero() {
		return apperr.Validation("appointment date is required")
	}
	if !timeOfDayPattern.MatchString(timeOfDay) {
		return apperr.Validation("appointment time %q must be HH:MM", timeOfDay)
	}
	return nil
}

func validateBook(req BookRequest) error {
	if req.DoctorID == uuid.Nil {
		return apperr.Validation("doctor id is required")
	}
	if err := validateSlot(req.Date, req.Time); err != nil {
		return err
	}
	if !req.Method.Valid() {
		return apperr.Validation("unknown consultation method %q", req.Method)
	}
	if req.FeeRWF <= 0 {
		return apperr.Validation("consultation fee must be positive")
	}
	return nil
}

// Book creates a pending appointment. The slot is serialized by a Redis lock
// and the appointments_active_slot index is the final guard against double
// booking.
func (m *Manager) Book(ctx context.Context, sess *session.Session, req BookRequest) (*Appointment, error) {
	if err := session.Require(sess); err != nil {
		return nil, err
	}
	patientID := sess.UserID
	if sess.IsClinical() && req.PatientID != uuid.Nil {
		patientID = req.PatientID
	}
	if err := validateBook(req); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := m.repo.GetByIdempotencyKey(ctx, patientID, req.IdempotencyKey)
		if err == nil {
			return replayBook(existing, req)
		}
		if !errors.Is(err, ErrAppointmentNotFound) {
			return nil, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	a := &Appointment{
		ID:                 uuid.New(),
		PatientID:          patientID,
		DoctorID:           req.DoctorID,
		ClinicID:           req.ClinicID,
		Date:               NormalizeDate(req.Date),
		Time:               req.Time,
		Method:             req.Method,
		Status:             StatusPending,
		Symptoms:           req.Symptoms,
		ConsultationFeeRWF: req.FeeRWF,
	}
	if req.ReasonForVisit != "" {
		a.ReasonForVisit = ptr(req.ReasonForVisit)
	}
	if req.IdempotencyKey != "" {
		a.IdempotencyKey = ptr(req.IdempotencyKey)
	}

	var created *Appointment
	err := m.withSlot(ctx, slotOf(a.DoctorID, a.Date, a.Time), func(lockCtx context.Context) error {
		// Inside the critical section re-check the slot
		existing, err := m.repo.FindActiveInSlot(lockCtx, a.DoctorID, a.Date, a.Time)
		if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
			return fmt.Errorf("check slot: %w", err)
		}
		if existing != nil {
			return ErrSlotTaken
		}

		created, err = m.repo.Create(lockCtx, a)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			// lost a race with a request carrying the same key
			existing, err := m.repo.GetByIdempotencyKey(ctx, patientID, req.IdempotencyKey)
			if err != nil {
				return nil, fmt.Errorf("lookup idempotency key: %w", err)
			}
			return replayBook(existing, req)
		}
		return nil, err
	}

	metrics.AppointmentTransition("book", string(created.Status))
	m.audit.Appointment(ctx, created.ID, audit.EventAppointmentBooked, map[string]any{
		"patient_id": created.PatientID,
		"doctor_id":  created.DoctorID,
		"date":       created.Date.Format(DateLayout),
		"time":       created.Time,
		"method":     created.Method,
		"fee_rwf":    created.ConsultationFeeRWF,
		"booked_by":  sess.UserID,
	})
	m.logger.Info().
		Str("appointment_id", created.ID.String()).
		Str("doctor_id", created.DoctorID.String()).
		Str("slot", created.Date.Format(DateLayout)+" "+created.Time).
		Msg("appointment booked")

	return created, nil
}

// replayBook returns the appointment stored under req's idempotency key. A key
// reused for another doctor, slot, method or fee is a conflict.
func replayBook(existing *Appointment, req BookRequest) (*Appointment, error) {
	if existing.DoctorID != req.DoctorID ||
		!existing.Date.Equal(NormalizeDate(req.Date)) ||
		existing.Time != req.Time ||
		existing.Method != req.Method ||
		existing.ConsultationFeeRWF != req.FeeRWF {
		return nil, ErrIdempotencyConflict
	}
	return existing, nil
}

// load fetches an appointment the caller may see. Appointments of other
// patients are reported as not found.
func (m *Manager) load(ctx context.Context, sess *session.Session, id uuid.UUID) (*Appointment, error) {
	if err := session.Require(sess); err != nil {
		return nil, err
	}
	a, err := db.RetryRead(ctx, m.opts.ReadRetry, func(ctx context.Context) (*Appointment, error) {
		return m.repo.GetByID(ctx, id)
	})
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if !sess.CanAccess(a.PatientID) {
		return nil, ErrAppointmentNotFound
	}
	return a, nil
}

// Cancel moves a pending or confirmed appointment to cancelled. Cancelling an
// appointment that already reached a terminal status is an invalid transition.
func (m *Manager) Cancel(ctx context.Context, sess *session.Session, id uuid.UUID, reason string) (*Appointment, error) {
	a, err := m.load(ctx, sess, id)
	if err != nil {
		return nil, err
	}
	if !a.Status.CanTransitionTo(StatusCancelled) {
		return nil, fmt.Errorf("%w: appointment is already %s", apperr.ErrInvalidTransition, a.Status)
	}

	patch := Patch{
		ExpectStatus: a.Status,
		Status:       ptr(StatusCancelled),
		CancelledBy:  ptr(sess.UserID),
		CancelledAt:  ptr(m.now()),
	}
	if reason != "" {
		patch.CancelledReason = ptr(reason)
	}

	updated, err := m.update(ctx, a, patch)
	if err != nil {
		return nil, err
	}

	metrics.AppointmentTransition("cancel", string(updated.Status))
	m.audit.Appointment(ctx, updated.ID, audit.EventAppointmentCancelled, map[string]any{
		"from":         a.Status,
		"reason":       reason,
		"cancelled_by": sess.UserID,
	})
	return updated, nil
}

// Reschedule moves the appointment to a new slot and resets it to pending from
// any prior status, clearing cancellation details and reminder flags. The new
// slot must not be held by another active appointment of the same doctor.
func (m *Manager) Reschedule(ctx context.Context, sess *session.Session, id uuid.UUID, newDate time.Time, newTime string) (*Appointment, error) {
	if err := validateSlot(newDate, newTime); err != nil {
		return nil, err
	}
	a, err := m.load(ctx, sess, id)
	if err != nil {
		return nil, err
	}
	date := NormalizeDate(newDate)

	var updated *Appointment
	err = m.withSlot(ctx, slotOf(a.DoctorID, date, newTime), func(lockCtx context.Context) error {
		holder, err := m.repo.FindActiveInSlot(lockCtx, a.DoctorID, date, newTime)
		if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
			return fmt.Errorf("check slot: %w", err)
		}
		if holder != nil && holder.ID != a.ID {
			return ErrSlotTaken
		}

		updated, err = m.update(lockCtx, a, Patch{
			ExpectStatus:      a.Status,
			Status:            ptr(StatusPending),
			Date:              &date,
			Time:              &newTime,
			ClearCancellation: true,
			ResetReminders:    true,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.AppointmentTransition("reschedule", string(updated.Status))
	m.audit.Appointment(ctx, updated.ID, audit.EventAppointmentRescheduled, map[string]any{
		"from_status": a.Status,
		"from_date":   a.Date.Format(DateLayout),
		"from_time":   a.Time,
		"to_date":     date.Format(DateLayout),
		"to_time":     newTime,
	})
	return updated, nil
}

// update applies a conditional patch. A missing row after a successful load
// means the status changed underneath us.
func (m *Manager) update(ctx context.Context, a *Appointment, patch Patch) (*Appointment, error) {
	updated, err := m.repo.Update(ctx, a.ID, patch)
	switch {
	case errors.Is(err, ErrAppointmentNotFound):
		return nil, fmt.Errorf("%w: appointment %s changed concurrently", apperr.ErrInvalidTransition, a.ID)
	case errors.Is(err, ErrSlotTaken):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("update appointment: %w", err)
	}
	return updated, nil
}

// List returns the patient's appointments ordered by date then time. Access
// and the filter are checked eagerly; every range over the sequence fetches
// afresh from the store.
func (m *Manager) List(ctx context.Context, sess *session.Session, patientID uuid.UUID, status AppointmentStatus) (iter.Seq2[Appointment, error], error) {
	if err := session.Require(sess); err != nil {
		return nil, err
	}
	if patientID == uuid.Nil {
		patientID = sess.UserID
	}
	if !sess.CanAccess(patientID) {
		return nil, apperr.ErrForbidden
	}
	if status != "" && !status.Valid() {
		return nil, apperr.Validation("unknown appointment status %q", status)
	}

	return func(yield func(Appointment, error) bool) {
		items, err := db.RetryRead(ctx, m.opts.ReadRetry, func(ctx context.Context) ([]Appointment, error) {
			return m.repo.ListByPatient(ctx, patientID, status)
		})
		if err != nil {
			yield(Appointment{}, fmt.Errorf("list appointments: %w", err))
			return
		}
		for _, a := range items {
			if !yield(a, nil) {
				return
			}
		}
	}, nil
}

// Collect drains seq, stopping at the first error.
func Collect(seq iter.Seq2[Appointment, error]) ([]Appointment, error) {
	out := []Appointment{}
	for a, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Get returns the appointment with its linked payment.
func (m *Manager) Get(ctx context.Context, sess *session.Session, id uuid.UUID) (*AppointmentDetail, error) {
	a, err := m.load(ctx, sess, id)
	if err != nil {
		return nil, err
	}
	detail := &AppointmentDetail{Appointment: *a}
	if a.PaymentID == nil {
		return detail, nil
	}

	p, err := db.RetryRead(ctx, m.opts.ReadRetry, func(ctx context.Context) (*payment.Payment, error) {
		return m.payments.Get(ctx, sess, *a.PaymentID)
	})
	switch {
	case errors.Is(err, payment.ErrPaymentNotFound):
	case err != nil:
		return nil, fmt.Errorf("load linked payment: %w", err)
	default:
		detail.Payment = p
	}
	return detail, nil
}

func (m *Manager) Confirm(ctx context.Context, sess *session.Session, id uuid.UUID) (*Appointment, error) {
	return m.clinicalTransition(ctx, sess, id, StatusConfirmed, "confirm", audit.EventAppointmentConfirmed)
}

func (m *Manager) Complete(ctx context.Context, sess *session.Session, id uuid.UUID) (*Appointment, error) {
	return m.clinicalTransition(ctx, sess, id, StatusCompleted, "complete", audit.EventAppointmentCompleted)
}

func (m *Manager) MarkNoShow(ctx context.Context, sess *session.Session, id uuid.UUID) (*Appointment, error) {
	return m.clinicalTransition(ctx, sess, id, StatusNoShow, "no_show", audit.EventAppointmentNoShow)
}

func (m *Manager) clinicalTransition(ctx context.Context, sess *session.Session, id uuid.UUID, to AppointmentStatus, op, event string) (*Appointment, error) {
	if err := session.Require(sess); err != nil {
		return nil, err
	}
	if !sess.IsClinical() {
		return nil, apperr.ErrForbidden
	}
	a, err := m.load(ctx, sess, id)
	if err != nil {
		return nil, err
	}
	if !a.Status.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: appointment %s -> %s", apperr.ErrInvalidTransition, a.Status, to)
	}

	patch := Patch{ExpectStatus: a.Status, Status: ptr(to)}
	if to == StatusCompleted {
		patch.CompletedAt = ptr(m.now())
	}
	updated, err := m.update(ctx, a, patch)
	if err != nil {
		return nil, err
	}

	metrics.AppointmentTransition(op, string(updated.Status))
	m.audit.Appointment(ctx, updated.ID, event, map[string]any{
		"from":  a.Status,
		"actor": sess.UserID,
	})
	return updated, nil
}

// Pay creates the appointment's payment for its fee, links it, and starts
// provider processing for mobile money. The appointment itself stays in its
// current status whatever the payment outcome; ExpireUnpaid deals with
// payments that never settle. The returned task is nil for offline methods.
func (m *Manager) Pay(ctx context.Context, sess *session.Session, id uuid.UUID, req PayRequest) (*payment.Payment, *payment.Task, error) {
	a, err := m.load(ctx, sess, id)
	if err != nil {
		return nil, nil, err
	}
	if !a.Status.Active() {
		return nil, nil, fmt.Errorf("%w: cannot pay for a %s appointment", apperr.ErrInvalidTransition, a.Status)
	}

	if a.PaymentID != nil {
		current, err := m.payments.Get(ctx, sess, *a.PaymentID)
		if err != nil && !errors.Is(err, payment.ErrPaymentNotFound) {
			return nil, nil, fmt.Errorf("load current payment: %w", err)
		}
		if current != nil && current.Status.Active() {
			if req.IdempotencyKey != "" && current.IdempotencyKey != nil && *current.IdempotencyKey == req.IdempotencyKey {
				return m.resume(ctx, sess, current)
			}
			return nil, nil, ErrAlreadyPaid
		}
	}

	phone := req.PhoneNumber
	if phone == "" && sess.UserID == a.PatientID {
		phone = sess.Phone
	}

	p, err := m.payments.Create(ctx, sess, payment.CreateRequest{
		UserID:         a.PatientID,
		AppointmentID:  &a.ID,
		AmountRWF:      a.ConsultationFeeRWF,
		Method:         req.Method,
		PhoneNumber:    phone,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		if errors.Is(err, payment.ErrActivePaymentExists) {
			return nil, nil, ErrAlreadyPaid
		}
		return nil, nil, err
	}

	if p.AppointmentID == nil || *p.AppointmentID != a.ID {
		return nil, nil, ErrIdempotencyConflict
	}

	if _, err := m.update(ctx, a, Patch{ExpectStatus: a.Status, PaymentID: &p.ID}); err != nil {
		return nil, nil, fmt.Errorf("link payment: %w", err)
	}

	return m.resume(ctx, sess, p)
}

// resume returns the task tracking p: nil for offline methods, an already
// resolved task once settled, and the provider submission otherwise.
func (m *Manager) resume(ctx context.Context, sess *session.Session, p *payment.Payment) (*payment.Payment, *payment.Task, error) {
	if !p.Method.MobileMoney() {
		return p, nil, nil
	}
	if p.Status != payment.StatusPending {
		return p, payment.ResolvedTask(p, nil), nil
	}
	task, err := m.payments.Process(ctx, sess, p.ID)
	if err != nil {
		return p, nil, fmt.Errorf("start payment processing: %w", err)
	}
	return p, task, nil
}

// ExpireUnpaid cancels pending appointments whose payment failed more than the
// grace period before now, or whose mobile-money payment was abandoned in
// pending. It returns the number of appointments cancelled.
func (m *Manager) ExpireUnpaid(ctx context.Context, now time.Time) (int, error) {
	failedBefore := now.Add(-m.opts.UnpaidGracePeriod)
	pendingBefore := failedBefore.Add(-m.opts.PaymentSettleTimeout)
	candidates, err := m.repo.FindUnpaid(ctx, failedBefore, pendingBefore)
	if err != nil {
		return 0, fmt.Errorf("find unpaid appointments: %w", err)
	}

	count := 0
	for _, a := range candidates {
		updated, err := m.repo.Update(ctx, a.ID, Patch{
			ExpectStatus:    StatusPending,
			Status:          ptr(StatusCancelled),
			CancelledReason: ptr(ReasonUnpaid),
			CancelledAt:     ptr(now),
		})
		if err != nil {
			if errors.Is(err, ErrAppointmentNotFound) {
				// already moved on
				continue
			}
			m.logger.Error().Err(err).Str("appointment_id", a.ID.String()).Msg("expire unpaid appointment")
			continue
		}

		count++
		metrics.AppointmentTransition("expire", string(updated.Status))
		m.audit.Appointment(ctx, updated.ID, audit.EventAppointmentExpired, map[string]any{
			"reason":     ReasonUnpaid,
			"payment_id": a.PaymentID,
		})
	}
	return count, nil
}
