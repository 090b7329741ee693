package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/patient-appointments/internal/apperr"
	"github.com/hackgods/patient-appointments/internal/appointment"
	"github.com/hackgods/patient-appointments/internal/db"
	"github.com/hackgods/patient-appointments/internal/payment"
	"github.com/hackgods/patient-appointments/internal/session"
)

const idempotencyHeader = "Idempotency-Key"

// waitTimeout bounds ?wait=true on payment endpoints.
const waitTimeout = 30 * time.Second

var validate = validator.New(validator.WithRequiredStructEnabled())

type handlers struct {
	appointments AppointmentService
	payments     PaymentService
	logger       zerolog.Logger
}

// decode parses the JSON body into dst and runs the struct validators.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", describeValidation(err))
		return false
	}
	return true
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// optionalUUID parses s, treating an empty string as absent. The string
// was already checked by the validator.
func optionalUUID(s string) *uuid.UUID {
	if s == "" {
		return nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil
	}
	return &id
}

func wantsWait(r *http.Request) bool {
	v := r.URL.Query().Get("wait")
	return v == "true" || v == "1"
}

// Appointments

func (h *handlers) bookAppointment(w http.ResponseWriter, r *http.Request) {
	var req BookAppointmentRequest
	if !decode(w, r, &req) {
		return
	}
	sess := session.FromContext(r.Context())

	date, err := appointment.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "appointment_date must be YYYY-MM-DD")
		return
	}

	book := appointment.BookRequest{
		DoctorID:       uuid.MustParse(req.DoctorID),
		ClinicID:       optionalUUID(req.ClinicID),
		Date:           date,
		Time:           req.Time,
		Method:         appointment.Method(req.Method),
		FeeRWF:         req.FeeRWF,
		ReasonForVisit: req.ReasonForVisit,
		Symptoms:       req.Symptoms,
		IdempotencyKey: r.Header.Get(idempotencyHeader),
	}
	if id := optionalUUID(req.PatientID); id != nil {
		book.PatientID = *id
	}

	appt, err := h.appointments.Book(r.Context(), sess, book)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	resp := BookAppointmentResponse{Appointment: toAppointmentResponse(appt)}
	if req.Payment != nil {
		p, _, err := h.appointments.Pay(r.Context(), sess, appt.ID, appointment.PayRequest{
			Method:      payment.Method(req.Payment.Method),
			PhoneNumber: req.Payment.PhoneNumber,
		})
		if err != nil {
			// the booking stands; the client may retry the payment
			resp.PaymentError = err.Error()
		} else {
			resp.Payment = toPaymentResponse(p)
			resp.Appointment.PaymentID = &p.ID
		}
	}

	writeJSON(w, http.StatusCreated, resp)
}

func (h *handlers) listAppointments(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())

	var patientID uuid.UUID
	if raw := r.URL.Query().Get("patient_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}
		patientID = id
	}
	status := appointment.AppointmentStatus(r.URL.Query().Get("status"))

	seq, err := h.appointments.List(r.Context(), sess, patientID, status)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	resp := ListAppointmentsResponse{Appointments: []AppointmentResponse{}}
	for a, err := range seq {
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		resp.Appointments = append(resp.Appointments, toAppointmentResponse(&a))
	}
	resp.Count = len(resp.Appointments)

	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	detail, err := h.appointments.Get(r.Context(), session.FromContext(r.Context()), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	resp := toAppointmentResponse(&detail.Appointment)
	resp.Payment = toPaymentResponse(detail.Payment)
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req CancelAppointmentRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	appt, err := h.appointments.Cancel(r.Context(), session.FromContext(r.Context()), id, req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) rescheduleAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req RescheduleAppointmentRequest
	if !decode(w, r, &req) {
		return
	}
	date, err := appointment.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "appointment_date must be YYYY-MM-DD")
		return
	}
	appt, err := h.appointments.Reschedule(r.Context(), session.FromContext(r.Context()), id, date, req.Time)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

type transitionFunc func(ctx context.Context, sess *session.Session, id uuid.UUID) (*appointment.Appointment, error)

func (h *handlers) transition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		appt, err := fn(r.Context(), session.FromContext(r.Context()), id)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func (h *handlers) payAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req PayAppointmentRequest
	if !decode(w, r, &req) {
		return
	}
	sess := session.FromContext(r.Context())

	p, task, err := h.appointments.Pay(r.Context(), sess, id, appointment.PayRequest{
		Method:         payment.Method(req.Method),
		PhoneNumber:    req.PhoneNumber,
		IdempotencyKey: r.Header.Get(idempotencyHeader),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.respondTask(w, r, p, task)
}

// Payments

func (h *handlers) createPayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if !decode(w, r, &req) {
		return
	}
	create := payment.CreateRequest{
		AppointmentID:  optionalUUID(req.AppointmentID),
		AmountRWF:      req.AmountRWF,
		Method:         payment.Method(req.Method),
		PhoneNumber:    req.PhoneNumber,
		IdempotencyKey: r.Header.Get(idempotencyHeader),
	}
	if id := optionalUUID(req.UserID); id != nil {
		create.UserID = *id
	}

	p, err := h.payments.Create(r.Context(), session.FromContext(r.Context()), create)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentResponse(p))
}

func (h *handlers) getPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := h.payments.Get(r.Context(), session.FromContext(r.Context()), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

func (h *handlers) processPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	task, err := h.payments.Process(r.Context(), session.FromContext(r.Context()), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.respondTask(w, r, nil, task)
}

func (h *handlers) refundPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req RefundPaymentRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	p, err := h.payments.Refund(r.Context(), session.FromContext(r.Context()), id, req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

// respondTask answers 202 while the provider works, or waits for the
// outcome when the client asked for ?wait=true.
func (h *handlers) respondTask(w http.ResponseWriter, r *http.Request, p *payment.Payment, task *payment.Task) {
	if task == nil {
		writeJSON(w, http.StatusCreated, ProcessingResponse{PaymentID: p.ID, Status: string(p.Status), Payment: toPaymentResponse(p)})
		return
	}

	if !wantsWait(r) {
		resp := ProcessingResponse{PaymentID: task.PaymentID, Status: "processing", Payment: toPaymentResponse(p)}
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), waitTimeout)
	defer cancel()
	settled, err := task.Wait(ctx)

	var declined *apperr.PaymentDeclinedError
	switch {
	case err == nil, errors.As(err, &declined):
		writeJSON(w, http.StatusOK, ProcessingResponse{PaymentID: task.PaymentID, Status: string(settled.Status), Payment: toPaymentResponse(settled)})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusAccepted, ProcessingResponse{PaymentID: task.PaymentID, Status: "processing"})
	default:
		h.writeDomainError(w, r, err)
	}
}

// writeDomainError maps the error taxonomy to HTTP statuses.
func (h *handlers) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var declined *apperr.PaymentDeclinedError
	var persistence *apperr.PersistenceError

	switch {
	case errors.Is(err, apperr.ErrAuthenticationRequired), errors.Is(err, session.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "authentication_required", err.Error())
	case errors.Is(err, apperr.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, apperr.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, payment.ErrUnsupportedMethod):
		writeError(w, http.StatusBadRequest, "unsupported_payment_method", err.Error())
	case errors.Is(err, apperr.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, appointment.ErrSlotBeingBooked):
		writeError(w, http.StatusConflict, "slot_being_booked", "slot is currently being booked, please retry shortly")
	case errors.Is(err, appointment.ErrSlotTaken):
		writeError(w, http.StatusConflict, "slot_taken", err.Error())
	case errors.Is(err, appointment.ErrIdempotencyConflict), errors.Is(err, payment.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, "idempotency_key_reused", err.Error())
	case errors.Is(err, apperr.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, apperr.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.As(err, &declined):
		writeError(w, http.StatusPaymentRequired, "payment_declined", declined.Reason)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "request timed out")
	case errors.As(err, &persistence) && db.Transient(err):
		h.logRequestError(r, err)
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage temporarily unavailable, please retry")
	default:
		h.logRequestError(r, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func (h *handlers) logRequestError(r *http.Request, err error) {
	h.logger.Error().
		Err(err).
		Str("request_id", GetRequestID(r.Context())).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Msg("request failed")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
