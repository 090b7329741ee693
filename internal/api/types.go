package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/patient-appointments/internal/appointment"
	"github.com/hackgods/patient-appointments/internal/payment"
)

type BookAppointmentRequest struct {
	PatientID      string                 `json:"patient_id" validate:"omitempty,uuid"`
	DoctorID       string                 `json:"doctor_id" validate:"required,uuid"`
	ClinicID       string                 `json:"clinic_id" validate:"omitempty,uuid"`
	Date           string                 `json:"appointment_date" validate:"required,datetime=2006-01-02"`
	Time           string                 `json:"appointment_time" validate:"required,datetime=15:04"`
	Method         string                 `json:"method" validate:"required,oneof=in_person video phone sms"`
	FeeRWF         int                    `json:"consultation_fee_rwf" validate:"required,gt=0"`
	ReasonForVisit string                 `json:"reason_for_visit" validate:"omitempty,max=500"`
	Symptoms       []string               `json:"symptoms" validate:"omitempty,max=20,dive,required,max=100"`
	Payment        *PayAppointmentRequest `json:"payment" validate:"omitempty"`
}

type PayAppointmentRequest struct {
	Method      string `json:"method" validate:"required,oneof=mtn_momo airtel_money cash insurance card"`
	PhoneNumber string `json:"phone_number" validate:"omitempty,min=9,max=16"`
}

type CancelAppointmentRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

type RescheduleAppointmentRequest struct {
	Date string `json:"appointment_date" validate:"required,datetime=2006-01-02"`
	Time string `json:"appointment_time" validate:"required,datetime=15:04"`
}

type CreatePaymentRequest struct {
	UserID        string `json:"user_id" validate:"omitempty,uuid"`
	AppointmentID string `json:"appointment_id" validate:"omitempty,uuid"`
	AmountRWF     int    `json:"amount_rwf" validate:"required,gt=0"`
	Method        string `json:"method" validate:"required,oneof=mtn_momo airtel_money cash insurance card"`
	PhoneNumber   string `json:"phone_number" validate:"omitempty,min=9,max=16"`
}

type RefundPaymentRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

type AppointmentResponse struct {
	ID                 uuid.UUID        `json:"id"`
	PatientID          uuid.UUID        `json:"patient_id"`
	DoctorID           uuid.UUID        `json:"doctor_id"`
	ClinicID           *uuid.UUID       `json:"clinic_id,omitempty"`
	Date               string           `json:"appointment_date"`
	Time               string           `json:"appointment_time"`
	Method             string           `json:"method"`
	Status             string           `json:"status"`
	ReasonForVisit     *string          `json:"reason_for_visit,omitempty"`
	Symptoms           []string         `json:"symptoms"`
	ConsultationFeeRWF int              `json:"consultation_fee_rwf"`
	PaymentID          *uuid.UUID       `json:"payment_id,omitempty"`
	CancelledReason    *string          `json:"cancelled_reason,omitempty"`
	CancelledBy        *uuid.UUID       `json:"cancelled_by,omitempty"`
	CancelledAt        *time.Time       `json:"cancelled_at,omitempty"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	Payment            *PaymentResponse `json:"payment,omitempty"`
}

type PaymentResponse struct {
	ID              uuid.UUID  `json:"id"`
	UserID          uuid.UUID  `json:"user_id"`
	AppointmentID   *uuid.UUID `json:"appointment_id,omitempty"`
	AmountRWF       int        `json:"amount_rwf"`
	Method          string     `json:"method"`
	Status          string     `json:"status"`
	TransactionID   *string    `json:"transaction_id,omitempty"`
	PhoneNumber     *string    `json:"phone_number,omitempty"`
	ReferenceNumber *string    `json:"reference_number,omitempty"`
	PaidAt          *time.Time `json:"paid_at,omitempty"`
	FailedReason    *string    `json:"failed_reason,omitempty"`
	RefundedAt      *time.Time `json:"refunded_at,omitempty"`
	RefundReason    *string    `json:"refund_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type BookAppointmentResponse struct {
	Appointment  AppointmentResponse `json:"appointment"`
	Payment      *PaymentResponse    `json:"payment,omitempty"`
	PaymentError string              `json:"payment_error,omitempty"`
}

type ProcessingResponse struct {
	PaymentID uuid.UUID        `json:"payment_id"`
	Status    string           `json:"status"`
	Payment   *PaymentResponse `json:"payment,omitempty"`
}

type ListAppointmentsResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
	Count        int                   `json:"count"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	symptoms := a.Symptoms
	if symptoms == nil {
		symptoms = []string{}
	}
	return AppointmentResponse{
		ID:                 a.ID,
		PatientID:          a.PatientID,
		DoctorID:           a.DoctorID,
		ClinicID:           a.ClinicID,
		Date:               a.Date.Format(appointment.DateLayout),
		Time:               a.Time,
		Method:             string(a.Method),
		Status:             string(a.Status),
		ReasonForVisit:     a.ReasonForVisit,
		Symptoms:           symptoms,
		ConsultationFeeRWF: a.ConsultationFeeRWF,
		PaymentID:          a.PaymentID,
		CancelledReason:    a.CancelledReason,
		CancelledBy:        a.CancelledBy,
		CancelledAt:        a.CancelledAt,
		CompletedAt:        a.CompletedAt,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
}

func toPaymentResponse(p *payment.Payment) *PaymentResponse {
	if p == nil {
		return nil
	}
	return &PaymentResponse{
		ID:              p.ID,
		UserID:          p.UserID,
		AppointmentID:   p.AppointmentID,
		AmountRWF:       p.AmountRWF,
		Method:          string(p.Method),
		Status:          string(p.Status),
		TransactionID:   p.TransactionID,
		PhoneNumber:     p.PhoneNumber,
		ReferenceNumber: p.ReferenceNumber,
		PaidAt:          p.PaidAt,
		FailedReason:    p.FailedReason,
		RefundedAt:      p.RefundedAt,
		RefundReason:    p.RefundReason,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}
