package api

import (
	"context"
	"iter"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/patient-appointments/internal/appointment"
	"github.com/hackgods/patient-appointments/internal/metrics"
	"github.com/hackgods/patient-appointments/internal/payment"
	"github.com/hackgods/patient-appointments/internal/session"
)

// AppointmentService is implemented by *appointment.Manager.
type AppointmentService interface {
	Book(ctx context.Context, sess *session.Session, req appointment.BookRequest) (*appointment.Appointment, error)
	Cancel(ctx context.Context, sess *session.Session, id uuid.UUID, reason string) (*appointment.Appointment, error)
	Reschedule(ctx context.Context, sess *session.Session, id uuid.UUID, date time.Time, timeOfDay string) (*appointment.Appointment, error)
	List(ctx context.Context, sess *session.Session, patientID uuid.UUID, status appointment.AppointmentStatus) (iter.Seq2[appointment.Appointment, error], error)
	Get(ctx context.Context, sess *session.Session, id uuid.UUID) (*appointment.AppointmentDetail, error)
	Confirm(ctx context.Context, sess *session.Session, id uuid.UUID) (*appointment.Appointment, error)
	Complete(ctx context.Context, sess *session.Session, id uuid.UUID) (*appointment.Appointment, error)
	MarkNoShow(ctx context.Context, sess *session.Session, id uuid.UUID) (*appointment.Appointment, error)
	Pay(ctx context.Context, sess *session.Session, id uuid.UUID, req appointment.PayRequest) (*payment.Payment, *payment.Task, error)
}

// PaymentService is implemented by *payment.Service.
type PaymentService interface {
	Create(ctx context.Context, sess *session.Session, req payment.CreateRequest) (*payment.Payment, error)
	Get(ctx context.Context, sess *session.Session, id uuid.UUID) (*payment.Payment, error)
	Process(ctx context.Context, sess *session.Session, id uuid.UUID) (*payment.Task, error)
	Refund(ctx context.Context, sess *session.Session, id uuid.UUID, reason string) (*payment.Payment, error)
}

type RouterConfig struct {
	Appointments AppointmentService
	Payments     PaymentService
	Auth         *session.Authenticator
	PostgresPing PingFunc
	RedisPing    PingFunc
	Logger       zerolog.Logger
	Env          string
	Version      string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	// Health endpoints
	health := NewHealthHandler([]Check{
		{Name: "postgres", Ping: cfg.PostgresPing, Critical: true},
		{Name: "redis", Ping: cfg.RedisPing},
	}, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	h := &handlers{appointments: cfg.Appointments, payments: cfg.Payments, logger: cfg.Logger}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Auth))

		// Appointment endpoints
		r.Post("/appointments", h.bookAppointment)
		r.Get("/appointments", h.listAppointments)
		r.Get("/appointments/{id}", h.getAppointment)
		r.Post("/appointments/{id}/cancel", h.cancelAppointment)
		r.Post("/appointments/{id}/reschedule", h.rescheduleAppointment)
		r.Post("/appointments/{id}/confirm", h.transition(cfg.Appointments.Confirm))
		r.Post("/appointments/{id}/complete", h.transition(cfg.Appointments.Complete))
		r.Post("/appointments/{id}/no-show", h.transition(cfg.Appointments.MarkNoShow))
		r.Post("/appointments/{id}/pay", h.payAppointment)

		// Payment endpoints
		r.Post("/payments", h.createPayment)
		r.Get("/payments/{id}", h.getPayment)
		r.Post("/payments/{id}/process", h.processPayment)
		r.Post("/payments/{id}/refund", h.refundPayment)
	})

	return r
}
