// Package notify sends patient SMS, keeps the sms_logs trail and runs the
// appointment reminder sweep.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Receipt is what a provider tells us about an accepted message.
type Receipt struct {
	ProviderID string          `json:"provider_id,omitempty"`
	Status     string          `json:"status,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// Sender delivers a single text message.
type Sender interface {
	Send(ctx context.Context, to, body string) (Receipt, error)
}

// TwilioSender delivers through the Twilio Messages API.
type TwilioSender struct {
	client *twilio.RestClient
	from   string
}

func NewTwilioSender(accountSID, authToken, from string) *TwilioSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioSender{client: client, from: from}
}

func (s *TwilioSender) Send(ctx context.Context, to, body string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(body)

	resp, err := s.client.Api.CreateMessage(params)
	if err != nil {
		return Receipt{}, fmt.Errorf("twilio create message: %w", err)
	}

	var rec Receipt
	if resp.Sid != nil {
		rec.ProviderID = *resp.Sid
	}
	if resp.Status != nil {
		rec.Status = *resp.Status
	}
	if raw, err := json.Marshal(resp); err == nil {
		rec.Raw = raw
	}
	if rec.ProviderID == "" {
		return rec, errors.New("twilio returned no message sid")
	}
	return rec, nil
}

// LogSender writes messages to the log instead of sending them. Used in
// development and whenever Twilio is not configured.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, to, body string) (Receipt, error) {
	id := fmt.Sprintf("LOG_%d", time.Now().UnixNano())
	s.logger.Info().Str("to", to).Str("message_id", id).Str("body", body).Msg("sms")
	return Receipt{ProviderID: id, Status: "logged"}, nil
}
