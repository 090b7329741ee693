package payment

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusCompleted, StatusFailed},
	StatusCompleted: {StatusRefunded},
	StatusFailed:    {},
	StatusRefunded:  {},
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Active payments block a second payment for the same appointment.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusCompleted
}

type Method string

const (
	MethodMTNMoMo     Method = "mtn_momo"
	MethodAirtelMoney Method = "airtel_money"
	MethodCash        Method = "cash"
	MethodInsurance   Method = "insurance"
	MethodCard        Method = "card"
)

func (m Method) Valid() bool {
	switch m {
	case MethodMTNMoMo, MethodAirtelMoney, MethodCash, MethodInsurance, MethodCard:
		return true
	}
	return false
}

func (m Method) MobileMoney() bool {
	return m == MethodMTNMoMo || m == MethodAirtelMoney
}

type Payment struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	AppointmentID    *uuid.UUID
	AmountRWF        int
	Method           Method
	Status           Status
	TransactionID    *string
	PhoneNumber      *string
	ReferenceNumber  *string
	ProviderResponse json.RawMessage
	PaidAt           *time.Time
	FailedReason     *string
	RefundedAt       *time.Time
	RefundReason     *string
	IdempotencyKey   *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// StatusUpdate is a conditional transition: it only applies while the stored
// status still equals From.
type StatusUpdate struct {
	From             Status
	To               Status
	At               time.Time
	TransactionID    *string
	FailedReason     *string
	RefundReason     *string
	ProviderResponse json.RawMessage
}
