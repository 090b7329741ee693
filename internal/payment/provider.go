package payment

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SubmitRequest is what a mobile-money rail needs to charge a payer.
type SubmitRequest struct {
	PaymentID   uuid.UUID
	Method      Method
	PhoneNumber string
	AmountRWF   int
	Reference   string
}

// Result is a resolved provider call. Exactly one of TransactionID and
// FailureReason is set.
type Result struct {
	Provider      string    `json:"provider"`
	Success       bool      `json:"success"`
	TransactionID string    `json:"transaction_id,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Message       string    `json:"message,omitempty"`
	ResolvedAt    time.Time `json:"resolved_at"`
}

type Provider interface {
	Name() string
	Submit(ctx context.Context, req SubmitRequest) (Result, error)
}

// SimulatorConfig tunes a simulated rail.
type SimulatorConfig struct {
	Name          string
	TxPrefix      string
	FailureReason string
	Delay         time.Duration
	SuccessRate   float64
	Source        rand.Source
	Now           func() time.Time
}

// MobileMoneySimulator stands in for a real mobile-money API: after a fixed
// delay it approves the charge with probability SuccessRate.
type MobileMoneySimulator struct {
	cfg SimulatorConfig

	mu  sync.Mutex
	rng *rand.Rand
}

func NewMobileMoneySimulator(cfg SimulatorConfig) *MobileMoneySimulator {
	if cfg.Source == nil {
		cfg.Source = rand.NewSource(time.Now().UnixNano())
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &MobileMoneySimulator{cfg: cfg, rng: rand.New(cfg.Source)}
}

func NewMTNSimulator(delay time.Duration, successRate float64, src rand.Source) *MobileMoneySimulator {
	return NewMobileMoneySimulator(SimulatorConfig{
		Name:          "mtn_momo",
		TxPrefix:      "MTN",
		FailureReason: "Insufficient balance or invalid phone number",
		Delay:         delay,
		SuccessRate:   successRate,
		Source:        src,
	})
}

func NewAirtelSimulator(delay time.Duration, successRate float64, src rand.Source) *MobileMoneySimulator {
	return NewMobileMoneySimulator(SimulatorConfig{
		Name:          "airtel_money",
		TxPrefix:      "AIRTEL",
		FailureReason: "Transaction failed",
		Delay:         delay,
		SuccessRate:   successRate,
		Source:        src,
	})
}

func (s *MobileMoneySimulator) Name() string { return s.cfg.Name }

func (s *MobileMoneySimulator) Submit(ctx context.Context, req SubmitRequest) (Result, error) {
	if s.cfg.Delay > 0 {
		timer := time.NewTimer(s.cfg.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	roll := s.rng.Float64()
	s.mu.Unlock()

	now := s.cfg.Now()
	if roll < s.cfg.SuccessRate {
		return Result{
			Provider:      s.cfg.Name,
			Success:       true,
			TransactionID: fmt.Sprintf("%s_%d", s.cfg.TxPrefix, now.UnixMilli()),
			Message:       "Payment successful",
			ResolvedAt:    now,
		}, nil
	}

	return Result{
		Provider:      s.cfg.Name,
		Success:       false,
		FailureReason: s.cfg.FailureReason,
		Message:       s.cfg.FailureReason,
		ResolvedAt:    now,
	}, nil
}

// Gateway routes a submission to the provider registered for its method.
type Gateway struct {
	providers map[Method]Provider
}

func NewGateway() *Gateway {
	return &Gateway{providers: make(map[Method]Provider)}
}

func (g *Gateway) Register(m Method, p Provider) *Gateway {
	g.providers[m] = p
	return g
}

func (g *Gateway) Supports(m Method) bool {
	_, ok := g.providers[m]
	return ok
}

func (g *Gateway) Submit(ctx context.Context, req SubmitRequest) (Result, error) {
	p, ok := g.providers[req.Method]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedMethod, req.Method)
	}
	return p.Submit(ctx, req)
}

// ProviderName is used for metrics and error messages.
func (g *Gateway) ProviderName(m Method) string {
	if p, ok := g.providers[m]; ok {
		return p.Name()
	}
	return string(m)
}
