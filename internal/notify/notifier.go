package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/patient-appointments/internal/apperr"
	"github.com/hackgods/patient-appointments/internal/metrics"
	"github.com/hackgods/patient-appointments/internal/payment"
)

// Message is an outgoing SMS before it is logged.
type Message struct {
	UserID        *uuid.UUID
	AppointmentID *uuid.UUID
	PhoneNumber   string
	Type          MessageType
	Content       string
}

// Notifier sends SMS through a Sender and records each attempt in the Store.
type Notifier struct {
	store  Store
	sender Sender
	logger zerolog.Logger
	now    func() time.Time
}

func NewNotifier(store Store, sender Sender, logger zerolog.Logger) *Notifier {
	return &Notifier{store: store, sender: sender, logger: logger, now: time.Now}
}

// Send logs the message as queued, hands it to the sender and records the
// outcome. A delivery failure is returned after it has been recorded.
func (n *Notifier) Send(ctx context.Context, msg Message) (*SMSLog, error) {
	if strings.TrimSpace(msg.PhoneNumber) == "" {
		return nil, apperr.Validation("phone number is required")
	}
	if !msg.Type.Valid() {
		return nil, apperr.Validation("unknown message type %q", msg.Type)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return nil, apperr.Validation("message content is required")
	}

	entry := &SMSLog{
		ID:            uuid.New(),
		UserID:        msg.UserID,
		AppointmentID: msg.AppointmentID,
		PhoneNumber:   msg.PhoneNumber,
		Type:          msg.Type,
		Content:       msg.Content,
		Status:        SMSQueued,
		CreatedAt:     n.now(),
	}
	if err := n.store.Insert(ctx, entry); err != nil {
		return nil, fmt.Errorf("log sms: %w", err)
	}

	log := n.logger.With().Str("sms_id", entry.ID.String()).Str("type", string(msg.Type)).Logger()

	receipt, err := n.sender.Send(ctx, msg.PhoneNumber, msg.Content)
	if err != nil {
		reason := err.Error()
		entry.Status = SMSFailed
		entry.FailedReason = &reason
		if markErr := n.store.MarkFailed(ctx, entry.ID, reason); markErr != nil {
			log.Error().Err(markErr).Msg("record sms failure")
		}
		metrics.SMS(string(msg.Type), string(SMSFailed))
		return entry, fmt.Errorf("send sms: %w", err)
	}

	raw, _ := encodeReceipt(receipt)
	at := n.now()
	entry.Status = SMSSent
	entry.SentAt = &at
	entry.ProviderResponse = raw
	if err := n.store.MarkSent(ctx, entry.ID, raw, at); err != nil {
		// the message went out; only the bookkeeping is behind
		log.Error().Err(err).Msg("record sms sent")
	}
	metrics.SMS(string(msg.Type), string(SMSSent))
	log.Debug().Str("provider_id", receipt.ProviderID).Msg("sms sent")
	return entry, nil
}

// PaymentCompleted sends the payment confirmation SMS. It satisfies
// payment.Notifier.
func (n *Notifier) PaymentCompleted(ctx context.Context, p *payment.Payment) error {
	if p.PhoneNumber == nil || *p.PhoneNumber == "" {
		return errors.New("payment has no phone number")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Payment of %s RWF received.", FormatRWF(p.AmountRWF))
	if p.TransactionID != nil {
		fmt.Fprintf(&b, " Transaction %s.", *p.TransactionID)
	}
	if p.ReferenceNumber != nil {
		fmt.Fprintf(&b, " Ref %s.", *p.ReferenceNumber)
	}

	userID := p.UserID
	_, err := n.Send(ctx, Message{
		UserID:        &userID,
		AppointmentID: p.AppointmentID,
		PhoneNumber:   *p.PhoneNumber,
		Type:          MessagePaymentConfirmation,
		Content:       b.String(),
	})
	return err
}

// FormatRWF groups thousands with commas: 15000 -> "15,000".
func FormatRWF(amount int) string {
	s := strconv.Itoa(amount)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var out []byte
	for i := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}

func encodeReceipt(r Receipt) ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	return json.Marshal(r)
}
