package api

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/hackgods/patient-appointments/internal/appointment"
	"github.com/hackgods/patient-appointments/internal/payment"
	"github.com/hackgods/patient-appointments/internal/session"
)

var (
	_ AppointmentService = (*appointment.Manager)(nil)
	_ PaymentService     = (*payment.Service)(nil)
)

type MockAppointmentService struct {
	mock.Mock
}

func (m *MockAppointmentService) Book(ctx context.Context, sess *session.Session, req appointment.BookRequest) (*appointment.Appointment, error) {
	args := m.Called(ctx, sess, req)
	a, _ := args.Get(0).(*appointment.Appointment)
	return a, args.Error(1)
}

func (m *MockAppointmentService) Cancel(ctx context.Context, sess *session.Session, id uuid.UUID, reason string) (*appointment.Appointment, error) {
	args := m.Called(ctx, sess, id, reason)
	a, _ := args.Get(0).(*appointment.Appointment)
	return a, args.Error(1)
}

func (m *MockAppointmentService) Reschedule(ctx context.Context, sess *session.Session, id uuid.UUID, date time.Time, timeOfDay string) (*appointment.Appointment, error) {
	args := m.Called(ctx, sess, id, date, timeOfDay)
	a, _ := args.Get(0).(*appointment.Appointment)
	return a, args.Error(1)
}

func (m *MockAppointmentService) List(ctx context.Context, sess *session.Session, patientID uuid.UUID, status appointment.AppointmentStatus) (iter.Seq2[appointment.Appointment, error], error) {
	args := m.Called(ctx, sess, patientID, status)
	seq, _ := args.Get(0).(iter.Seq2[appointment.Appointment, error])
	return seq, args.Error(1)
}

func (m *MockAppointmentService) Get(ctx context.Context, sess *session.Session, id uuid.UUID) (*appointment.AppointmentDetail, error) {
	args := m.Called(ctx, sess, id)
	d, _ := args.Get(0).(*appointment.AppointmentDetail)
	return d, args.Error(1)
}

func (m *MockAppointmentService) Confirm(ctx context.Context, sess *session.Session, id uuid.UUID) (*appointment.Appointment, error) {
	args := m.Called(ctx, sess, id)
	a, _ := args.Get(0).(*appointment.Appointment)
	return a, args.Error(1)
}

func (m *MockAppointmentService) Complete(ctx context.Context, sess *session.Session, id uuid.UUID) (*appointment.Appointment, error) {
	args := m.Called(ctx, sess, id)
	a, _ := args.Get(0).(*appointment.Appointment)
	return a, args.Error(1)
}

func (m *MockAppointmentService) MarkNoShow(ctx context.Context, sess *session.Session, id uuid.UUID) (*appointment.Appointment, error) {
	args := m.Called(ctx, sess, id)
	a, _ := args.Get(0).(*appointment.Appointment)
	return a, args.Error(1)
}

func (m *MockAppointmentService) Pay(ctx context.Context, sess *session.Session, id uuid.UUID, req appointment.PayRequest) (*payment.Payment, *payment.Task, error) {
	args := m.Called(ctx, sess, id, req)
	p, _ := args.Get(0).(*payment.Payment)
	t, _ := args.Get(1).(*payment.Task)
	return p, t, args.Error(2)
}

type MockPaymentService struct {
	mock.Mock
}

func (m *MockPaymentService) Create(ctx context.Context, sess *session.Session, req payment.CreateRequest) (*payment.Payment, error) {
	args := m.Called(ctx, sess, req)
	p, _ := args.Get(0).(*payment.Payment)
	return p, args.Error(1)
}

func (m *MockPaymentService) Get(ctx context.Context, sess *session.Session, id uuid.UUID) (*payment.Payment, error) {
	args := m.Called(ctx, sess, id)
	p, _ := args.Get(0).(*payment.Payment)
	return p, args.Error(1)
}

func (m *MockPaymentService) Process(ctx context.Context, sess *session.Session, id uuid.UUID) (*payment.Task, error) {
	args := m.Called(ctx, sess, id)
	t, _ := args.Get(0).(*payment.Task)
	return t, args.Error(1)
}

func (m *MockPaymentService) Refund(ctx context.Context, sess *session.Session, id uuid.UUID, reason string) (*payment.Payment, error) {
	args := m.Called(ctx, sess, id, reason)
	p, _ := args.Get(0).(*payment.Payment)
	return p, args.Error(1)
}
