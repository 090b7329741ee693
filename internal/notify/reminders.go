package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/patient-appointments/internal/appointment"
)

// ReminderSource is the part of the appointment repository the sweep needs.
type ReminderSource interface {
	FindReminderCandidates(ctx context.Context, fromDate, toDate time.Time) ([]appointment.ReminderCandidate, error)
	MarkReminderSent(ctx context.Context, id uuid.UUID, window appointment.ReminderWindow) error
}

// Reminders sends the 24 hour and 2 hour appointment reminders.
type Reminders struct {
	source   ReminderSource
	notifier *Notifier
	loc      *time.Location
	logger   zerolog.Logger
}

func NewReminders(source ReminderSource, notifier *Notifier, loc *time.Location, logger zerolog.Logger) *Reminders {
	if loc == nil {
		loc = time.UTC
	}
	return &Reminders{source: source, notifier: notifier, loc: loc, logger: logger}
}

// dueWindow picks the reminder owed for an appointment starting at start, or
// "" when none is. Once inside the 2 hour window only the 2 hour reminder is
// sent.
func dueWindow(c appointment.ReminderCandidate, start, now time.Time) appointment.ReminderWindow {
	until := start.Sub(now)
	switch {
	case until <= 0:
		return ""
	case until <= appointment.Reminder2h.Lead():
		if !c.ReminderSent2h {
			return appointment.Reminder2h
		}
	case until <= appointment.Reminder24h.Lead():
		if !c.ReminderSent24h {
			return appointment.Reminder24h
		}
	}
	return ""
}

// Run sends every reminder due at now and returns how many went out. A failed
// send leaves the flag unset so the next sweep retries it.
func (r *Reminders) Run(ctx context.Context, now time.Time) (int, error) {
	local := now.In(r.loc)
	from := appointment.NormalizeDate(local)
	to := appointment.NormalizeDate(local.Add(appointment.Reminder24h.Lead()))

	candidates, err := r.source.FindReminderCandidates(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("find reminder candidates: %w", err)
	}

	sent := 0
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		log := r.logger.With().Str("appointment_id", c.ID.String()).Logger()

		start, err := c.StartsAt(r.loc)
		if err != nil {
			log.Warn().Err(err).Msg("skip reminder")
			continue
		}
		window := dueWindow(c, start, now)
		if window == "" {
			continue
		}
		if c.PatientPhone == nil || *c.PatientPhone == "" {
			log.Debug().Msg("patient has no phone number")
			continue
		}

		patientID := c.PatientID
		apptID := c.ID
		_, err = r.notifier.Send(ctx, Message{
			UserID:        &patientID,
			AppointmentID: &apptID,
			PhoneNumber:   *c.PatientPhone,
			Type:          MessageAppointmentReminder,
			Content:       reminderText(c.Appointment, start, window),
		})
		if err != nil {
			log.Warn().Err(err).Str("window", string(window)).Msg("send reminder")
			continue
		}

		if err := r.source.MarkReminderSent(ctx, c.ID, window); err != nil {
			log.Error().Err(err).Str("window", string(window)).Msg("mark reminder sent")
			continue
		}
		if window == appointment.Reminder2h && !c.ReminderSent24h {
			if err := r.source.MarkReminderSent(ctx, c.ID, appointment.Reminder24h); err != nil {
				log.Error().Err(err).Msg("mark 24h reminder superseded")
			}
		}
		sent++
	}
	return sent, nil
}

var methodLabels = map[appointment.Method]string{
	appointment.MethodInPerson: "in-person",
	appointment.MethodVideo:    "video",
	appointment.MethodPhone:    "phone",
	appointment.MethodSMS:      "SMS",
}

func reminderText(a appointment.Appointment, start time.Time, window appointment.ReminderWindow) string {
	when := "within 24 hours"
	if window == appointment.Reminder2h {
		when = "in 2 hours"
	}
	return fmt.Sprintf("Reminder: your %s appointment is %s, %s at %s. Reply or call the clinic to reschedule.",
		methodLabels[a.Method], when, start.Format("Mon 2 Jan 2006"), a.Time)
}
