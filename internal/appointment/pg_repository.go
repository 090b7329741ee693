package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

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

var appointmentColumns = []string{
	"id", "patient_id", "doctor_id", "clinic_id", "appointment_date", "appointment_time",
	"method", "status", "reason_for_visit", "symptoms", "notes", "consultation_fee_rwf",
	"payment_id", "reminder_sent_24h", "reminder_sent_2h", "cancelled_reason",
	"cancelled_by", "cancelled_at", "completed_at", "idempotency_key", "created_at", "updated_at",
}

var (
	appointmentCols  = strings.Join(appointmentColumns, ", ")
	appointmentColsA = "a." + strings.Join(appointmentColumns, ", a.")
)

// Helpers

func scanInto(row pgx.Row, a *Appointment, extra ...any) error {
	dest := []any{
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.ClinicID,
		&a.Date,
		&a.Time,
		&a.Method,
		&a.Status,
		&a.ReasonForVisit,
		&a.Symptoms,
		&a.Notes,
		&a.ConsultationFeeRWF,
		&a.PaymentID,
		&a.ReminderSent24h,
		&a.ReminderSent2h,
		&a.CancelledReason,
		&a.CancelledBy,
		&a.CancelledAt,
		&a.CompletedAt,
		&a.IdempotencyKey,
		&a.CreatedAt,
		&a.UpdatedAt,
	}
	return row.Scan(append(dest, extra...)...)
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	if err := scanInto(row, &a); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var out []Appointment
	for rows.Next() {
		var a Appointment
		if err := scanInto(rows, &a); err != nil {
			return nil, apperr.Persistence("scan appointment", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("iterate appointments", err)
	}
	return out, nil
}

// Interface methods

func (r *PgRepository) Create(ctx context.Context, a *Appointment) (*Appointment, error) {
	symptoms := a.Symptoms
	if symptoms == nil {
		symptoms = []string{}
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, clinic_id, appointment_date, appointment_time,
			method, status, reason_for_visit, symptoms, notes, consultation_fee_rwf, idempotency_key,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now(), now())
		RETURNING `+appointmentCols,
		a.ID, a.PatientID, a.DoctorID, a.ClinicID, a.Date, a.Time,
		string(a.Method), string(a.Status), a.ReasonForVisit, symptoms, a.Notes,
		a.ConsultationFeeRWF, a.IdempotencyKey)

	created, err := scanAppointment(row)
	switch {
	case db.IsUniqueViolation(err, "appointments_active_slot"):
		return nil, ErrSlotTaken
	case db.IsUniqueViolation(err, "appointments_idempotency"):
		return nil, ErrDuplicateKey
	case err != nil:
		return nil, apperr.Persistence("create appointment", err)
	}
	return created, nil
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentCols+` FROM appointments WHERE id = $1`, id)
	a, err := scanAppointment(row)
	if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
		return nil, apperr.Persistence("get appointment", err)
	}
	return a, err
}

func (r *PgRepository) GetByIdempotencyKey(ctx context.Context, patientID uuid.UUID, key string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE patient_id = $1 AND idempotency_key = $2
	`, patientID, key)
	a, err := scanAppointment(row)
	if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
		return nil, apperr.Persistence("get appointment by idempotency key", err)
	}
	return a, err
}

func (r *PgRepository) ListByPatient(ctx context.Context, patientID uuid.UUID, status AppointmentStatus) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE patient_id = $1
		  AND ($2::text = '' OR status = $2::text)
		ORDER BY appointment_date ASC, appointment_time ASC
	`, patientID, string(status))
	if err != nil {
		return nil, apperr.Persistence("list appointments", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) FindActiveInSlot(ctx context.Context, doctorID uuid.UUID, date time.Time, timeOfDay string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE doctor_id = $1
		  AND appointment_date = $2
		  AND appointment_time = $3
		  AND status IN ('pending', 'confirmed')
		LIMIT 1
	`, doctorID, date, timeOfDay)
	a, err := scanAppointment(row)
	if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
		return nil, apperr.Persistence("find active appointment in slot", err)
	}
	return a, err
}

// Update builds a single conditional UPDATE from the non-empty patch fields.
func (r *PgRepository) Update(ctx context.Context, id uuid.UUID, p Patch) (*Appointment, error) {
	sets := []string{"updated_at = now()"}
	args := []any{id}
	set := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if p.Status != nil {
		set("status", string(*p.Status))
	}
	if p.Date != nil {
		set("appointment_date", *p.Date)
	}
	if p.Time != nil {
		set("appointment_time", *p.Time)
	}
	if p.PaymentID != nil {
		set("payment_id", *p.PaymentID)
	}
	if p.ClearCancellation {
		sets = append(sets, "cancelled_reason = NULL", "cancelled_by = NULL", "cancelled_at = NULL")
	} else {
		if p.CancelledReason != nil {
			set("cancelled_reason", *p.CancelledReason)
		}
		if p.CancelledBy != nil {
			set("cancelled_by", *p.CancelledBy)
		}
		if p.CancelledAt != nil {
			set("cancelled_at", *p.CancelledAt)
		}
	}
	if p.CompletedAt != nil {
		set("completed_at", *p.CompletedAt)
	}
	if p.ResetReminders {
		sets = append(sets, "reminder_sent_24h = false", "reminder_sent_2h = false")
	}

	where := "id = $1"
	if p.ExpectStatus != "" {
		args = append(args, string(p.ExpectStatus))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	row := r.pool.QueryRow(ctx,
		`UPDATE appointments SET `+strings.Join(sets, ", ")+` WHERE `+where+` RETURNING `+appointmentCols,
		args...)

	updated, err := scanAppointment(row)
	switch {
	case errors.Is(err, ErrAppointmentNotFound):
		return nil, err
	case db.IsUniqueViolation(err, "appointments_active_slot"):
		return nil, ErrSlotTaken
	case err != nil:
		return nil, apperr.Persistence("update appointment", err)
	}
	return updated, nil
}

// FindUnpaid returns pending appointments whose linked payment failed before
// failedBefore, or is a mobile-money payment left pending since pendingBefore,
// for example by a shutdown that interrupted its submission.
func (r *PgRepository) FindUnpaid(ctx context.Context, failedBefore, pendingBefore time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColsA+`
		FROM appointments a
		JOIN payments p ON p.id = a.payment_id
		WHERE a.status = 'pending'
		  AND (
		        (p.status = 'failed' AND p.updated_at < $1)
		     OR (p.status = 'pending' AND p.method IN ('mtn_momo', 'airtel_money') AND p.created_at < $2)
		  )
		ORDER BY p.updated_at ASC
		LIMIT 500
	`, failedBefore, pendingBefore)
	if err != nil {
		return nil, apperr.Persistence("find unpaid appointments", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) FindReminderCandidates(ctx context.Context, fromDate, toDate time.Time) ([]ReminderCandidate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColsA+`, u.phone_number
		FROM appointments a
		JOIN users u ON u.id = a.patient_id
		WHERE a.status IN ('pending', 'confirmed')
		  AND a.appointment_date BETWEEN $1 AND $2
		  AND (NOT a.reminder_sent_24h OR NOT a.reminder_sent_2h)
		ORDER BY a.appointment_date ASC, a.appointment_time ASC
	`, fromDate, toDate)
	if err != nil {
		return nil, apperr.Persistence("find reminder candidates", err)
	}
	defer rows.Close()

	var out []ReminderCandidate
	for rows.Next() {
		var c ReminderCandidate
		if err := scanInto(rows, &c.Appointment, &c.PatientPhone); err != nil {
			return nil, apperr.Persistence("scan reminder candidate", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("iterate reminder candidates", err)
	}
	return out, nil
}

func (r *PgRepository) MarkReminderSent(ctx context.Context, id uuid.UUID, window ReminderWindow) error {
	column := "reminder_sent_24h"
	if window == Reminder2h {
		column = "reminder_sent_2h"
	}

	tag, err := r.pool.Exec(ctx, `UPDATE appointments SET `+column+` = true, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return apperr.Persistence("mark reminder sent", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}
