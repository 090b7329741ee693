package payment

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// -- Mock Repository --

type mockRepo struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*Payment
}

func newMockRepo() *mockRepo {
	return &mockRepo{payments: make(map[uuid.UUID]*Payment)}
}

func clonePayment(p *Payment) *Payment {
	c := *p
	return &c
}

func (m *mockRepo) Create(_ context.Context, p *Payment) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.payments {
		if p.AppointmentID != nil && existing.AppointmentID != nil &&
			*existing.AppointmentID == *p.AppointmentID && existing.Status.Active() {
			return nil, ErrActivePaymentExists
		}
		if p.IdempotencyKey != nil && existing.IdempotencyKey != nil &&
			existing.UserID == p.UserID && *existing.IdempotencyKey == *p.IdempotencyKey {
			return nil, ErrDuplicateKey
		}
	}

	c := clonePayment(p)
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	m.payments[c.ID] = c
	return clonePayment(c), nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (m *mockRepo) GetByIdempotencyKey(_ context.Context, userID uuid.UUID, key string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.UserID == userID && p.IdempotencyKey != nil && *p.IdempotencyKey == key {
			return clonePayment(p), nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (m *mockRepo) UpdateStatus(_ context.Context, id uuid.UUID, upd StatusUpdate) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok || p.Status != upd.From {
		return nil, ErrPaymentNotFound
	}

	p.Status = upd.To
	if upd.TransactionID != nil {
		p.TransactionID = upd.TransactionID
	}
	switch upd.To {
	case StatusCompleted:
		at := upd.At
		p.PaidAt = &at
	case StatusRefunded:
		at := upd.At
		p.RefundedAt = &at
	}
	if upd.FailedReason != nil {
		p.FailedReason = upd.FailedReason
	}
	if upd.RefundReason != nil {
		p.RefundReason = upd.RefundReason
	}
	if len(upd.ProviderResponse) > 0 {
		p.ProviderResponse = upd.ProviderResponse
	}
	p.UpdatedAt = time.Now()
	return clonePayment(p), nil
}

// -- Stub provider --

type stubSubmitter struct {
	calls       atomic.Int32
	submit      func(ctx context.Context, req SubmitRequest) (Result, error)
	unsupported []Method
}

func (s *stubSubmitter) Submit(ctx context.Context, req SubmitRequest) (Result, error) {
	s.calls.Add(1)
	return s.submit(ctx, req)
}

func (s *stubSubmitter) Supports(m Method) bool { return !slices.Contains(s.unsupported, m) }

func (s *stubSubmitter) ProviderName(m Method) string { return string(m) }

func approve(tx string) func(context.Context, SubmitRequest) (Result, error) {
	return func(context.Context, SubmitRequest) (Result, error) {
		return Result{Success: true, TransactionID: tx, ResolvedAt: time.Now()}, nil
	}
}

func decline(reason string) func(context.Context, SubmitRequest) (Result, error) {
	return func(context.Context, SubmitRequest) (Result, error) {
		return Result{Success: false, FailureReason: reason, ResolvedAt: time.Now()}, nil
	}
}

func hang(ctx context.Context, _ SubmitRequest) (Result, error) {
	<-ctx.Done()
	return Result{}, ctx.Err()
}

type recordingNotifier struct {
	mu   sync.Mutex
	paid []uuid.UUID
}

func (n *recordingNotifier) PaymentCompleted(_ context.Context, p *Payment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paid = append(n.paid, p.ID)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.paid)
}
