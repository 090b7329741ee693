package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/patient-appointments/internal/apperr"
	"github.com/hackgods/patient-appointments/internal/audit"
	"github.com/hackgods/patient-appointments/internal/metrics"
	"github.com/hackgods/patient-appointments/internal/session"
)

const (
	ReasonProviderTimeout     = "provider timeout"
	ReasonProviderUnavailable = "provider unavailable"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{9,15}$`)

// Submitter is the provider side of the service; *Gateway implements it.
type Submitter interface {
	Submit(ctx context.Context, req SubmitRequest) (Result, error)
	Supports(m Method) bool
	ProviderName(m Method) string
}

// Notifier is told about settled payments. Errors are logged only.
type Notifier interface {
	PaymentCompleted(ctx context.Context, p *Payment) error
}

type Options struct {
	ProviderTimeout    time.Duration
	ProviderRetries    int
	ProviderRetryDelay time.Duration
}

type CreateRequest struct {
	// UserID lets clinic staff record a payment for a patient; ignored for patients.
	UserID         uuid.UUID
	AppointmentID  *uuid.UUID
	AmountRWF      int
	Method         Method
	PhoneNumber    string
	IdempotencyKey string
}

type Service struct {
	repo     Repository
	provider Submitter
	audit    *audit.Recorder
	notifier Notifier
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	inFlight map[uuid.UUID]*Task
}

func NewService(repo Repository, provider Submitter, rec *audit.Recorder, notifier Notifier, opts Options, logger zerolog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 10 * time.Second
	}
	return &Service{
		repo:     repo,
		provider: provider,
		audit:    rec,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		baseCtx:  ctx,
		cancel:   cancel,
		inFlight: make(map[uuid.UUID]*Task),
	}
}

// Create records a pending payment owned by the caller.
func (s *Service) Create(ctx context.Context, sess *session.Session, req CreateRequest) (*Payment, error) {
	if err := session.Require(sess); err != nil {
		return nil, err
	}

	owner := sess.UserID
	if sess.IsClinical() && req.UserID != uuid.Nil {
		owner = req.UserID
	}

	if err := validateCreate(req); err != nil {
		return nil, err
	}
	if req.Method.MobileMoney() && !s.provider.Supports(req.Method) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, req.Method)
	}

	if req.IdempotencyKey != "" {
		existing, err := s.repo.GetByIdempotencyKey(ctx, owner, req.IdempotencyKey)
		if err == nil {
			return replay(existing, req)
		}
		if !errors.Is(err, ErrPaymentNotFound) {
			return nil, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	p := &Payment{
		ID:            uuid.New(),
		UserID:        owner,
		AppointmentID: req.AppointmentID,
		AmountRWF:     req.AmountRWF,
		Method:        req.Method,
		Status:        StatusPending,
	}
	ref := "PAY-" + strings.ToUpper(p.ID.String()[:8])
	p.ReferenceNumber = &ref
	if req.PhoneNumber != "" {
		phone := req.PhoneNumber
		p.PhoneNumber = &phone
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		p.IdempotencyKey = &key
	}

	created, err := s.repo.Create(ctx, p)
	if err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			// lost a race with a request carrying the same key
			existing, err := s.repo.GetByIdempotencyKey(ctx, owner, req.IdempotencyKey)
			if err != nil {
				return nil, fmt.Errorf("lookup idempotency key: %w", err)
			}
			return replay(existing, req)
		}
		return nil, fmt.Errorf("create payment: %w", err)
	}

	s.audit.Payment(ctx, created.ID, created.AppointmentID, audit.EventPaymentCreated, map[string]any{
		"amount_rwf": created.AmountRWF,
		"method":     created.Method,
	})

	return created, nil
}

// replay returns the payment stored under req's idempotency key. A key reused
// for another appointment, amount or method is a conflict.
func replay(existing *Payment, req CreateRequest) (*Payment, error) {
	sameAppointment := existing.AppointmentID == nil && req.AppointmentID == nil ||
		existing.AppointmentID != nil && req.AppointmentID != nil && *existing.AppointmentID == *req.AppointmentID
	if !sameAppointment || existing.AmountRWF != req.AmountRWF || existing.Method != req.Method {
		return nil, ErrIdempotencyConflict
	}
	return existing, nil
}

func validateCreate(req CreateRequest) error {
	if req.AmountRWF <= 0 {
		return apperr.Validation("amount must be positive")
	}
	if !req.Method.Valid() {
		return apperr.Validation("unknown payment method %q", req.Method)
	}
	if req.Method.MobileMoney() {
		if req.PhoneNumber == "" {
			return apperr.Validation("phone number is required for %s", req.Method)
		}
		if !phonePattern.MatchString(req.PhoneNumber) {
			return apperr.Validation("phone number %q is not valid", req.PhoneNumber)
		}
	}
	return nil
}

func (s *Service) Get(ctx context.Context, sess *session.Session, id uuid.UUID) (*Payment, error) {
	if err := session.Require(sess); err != nil {
		return nil, err
	}
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	if !sess.CanAccess(p.UserID) {
		return nil, ErrPaymentNotFound
	}
	return p, nil
}

// Process submits a pending mobile-money payment to its provider and returns
// immediately. The returned Task resolves after the outcome is persisted; a
// second Process call for a payment already in flight returns the same Task.
func (s *Service) Process(ctx context.Context, sess *session.Session, id uuid.UUID) (*Task, error) {
	p, err := s.Get(ctx, sess, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusPending {
		return nil, ErrPaymentNotPending
	}
	if !p.Method.MobileMoney() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, p.Method)
	}
	if p.PhoneNumber == nil || *p.PhoneNumber == "" {
		return nil, apperr.Validation("payment %s has no phone number", p.ID)
	}

	s.mu.Lock()
	if t, ok := s.inFlight[p.ID]; ok {
		s.mu.Unlock()
		return t, nil
	}
	task := newTask(p.ID)
	s.inFlight[p.ID] = task
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		updated, err := s.run(s.baseCtx, p)

		s.mu.Lock()
		delete(s.inFlight, p.ID)
		s.mu.Unlock()

		task.resolve(updated, err)
	}()

	return task, nil
}

func (s *Service) run(ctx context.Context, p *Payment) (*Payment, error) {
	provider := s.provider.ProviderName(p.Method)
	log := s.logger.With().Str("payment_id", p.ID.String()).Str("provider", provider).Logger()

	req := SubmitRequest{
		PaymentID:   p.ID,
		Method:      p.Method,
		PhoneNumber: *p.PhoneNumber,
		AmountRWF:   p.AmountRWF,
	}
	if p.ReferenceNumber != nil {
		req.Reference = *p.ReferenceNumber
	}

	start := s.now()
	res, err := s.submitWithRetry(ctx, req)
	elapsed := s.now().Sub(start)

	if err != nil {
		if ctx.Err() != nil {
			// shutting down: leave the payment pending for a later retry
			log.Warn().Err(err).Msg("payment processing interrupted")
			return p, err
		}
		reason := ReasonProviderUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			reason = ReasonProviderTimeout
		}
		log.Warn().Err(err).Str("reason", reason).Msg("provider retry budget exhausted")
		res = Result{Provider: provider, Success: false, FailureReason: reason, ResolvedAt: s.now()}
	}

	outcome := "failed"
	if res.Success {
		outcome = "completed"
	}
	metrics.PaymentOutcome(provider, outcome, elapsed)

	updated, err := s.applyResult(ctx, p, res)
	if err != nil {
		log.Error().Err(err).Msg("apply provider result")
		return p, err
	}

	if !res.Success {
		return updated, &apperr.PaymentDeclinedError{Provider: provider, Reason: res.FailureReason}
	}

	if s.notifier != nil {
		if err := s.notifier.PaymentCompleted(ctx, updated); err != nil {
			log.Warn().Err(err).Msg("payment confirmation sms")
		}
	}
	return updated, nil
}

// submitWithRetry bounds every attempt by ProviderTimeout and retries transport
// failures ProviderRetries times. A decline is a final answer and is not retried.
func (s *Service) submitWithRetry(ctx context.Context, req SubmitRequest) (Result, error) {
	var lastErr error
	for attempt := 0; attempt <= s.opts.ProviderRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(s.opts.ProviderRetryDelay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.ProviderTimeout)
		res, err := s.provider.Submit(attemptCtx, req)
		cancel()
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, ErrUnsupportedMethod) {
			return Result{}, err
		}
		s.logger.Debug().Err(err).Int("attempt", attempt+1).Str("payment_id", req.PaymentID.String()).Msg("provider attempt failed")
	}
	return Result{}, lastErr
}

func (s *Service) applyResult(ctx context.Context, p *Payment, res Result) (*Payment, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		raw = nil
	}

	if res.Success {
		return s.transition(ctx, p, StatusUpdate{
			To:               StatusCompleted,
			TransactionID:    &res.TransactionID,
			ProviderResponse: raw,
		})
	}

	reason := res.FailureReason
	return s.transition(ctx, p, StatusUpdate{
		To:               StatusFailed,
		FailedReason:     &reason,
		ProviderResponse: raw,
	})
}

// UpdateStatus is the system-level status write used by provider callbacks and
// workers: pending->completed requires a transaction id, pending->failed records
// the reason, completed->refunded records the refund reason.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, to Status, transactionID, reason string) (*Payment, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load payment: %w", err)
	}

	upd := StatusUpdate{To: to}
	switch to {
	case StatusCompleted:
		if transactionID == "" {
			return nil, apperr.Validation("transaction id is required to complete a payment")
		}
		upd.TransactionID = &transactionID
	case StatusFailed:
		if reason == "" {
			reason = "payment failed"
		}
		upd.FailedReason = &reason
	case StatusRefunded:
		if reason != "" {
			upd.RefundReason = &reason
		}
	default:
		return nil, fmt.Errorf("%w: %s -> %s", apperr.ErrInvalidTransition, p.Status, to)
	}

	return s.transition(ctx, p, upd)
}

// Refund moves a completed payment to refunded. Clinic staff only.
func (s *Service) Refund(ctx context.Context, sess *session.Session, id uuid.UUID, reason string) (*Payment, error) {
	if err := session.Require(sess); err != nil {
		return nil, err
	}
	if !sess.IsClinical() {
		return nil, apperr.ErrForbidden
	}
	return s.UpdateStatus(ctx, id, StatusRefunded, "", reason)
}

func (s *Service) transition(ctx context.Context, p *Payment, upd StatusUpdate) (*Payment, error) {
	if !p.Status.CanTransitionTo(upd.To) {
		return nil, fmt.Errorf("%w: payment %s -> %s", apperr.ErrInvalidTransition, p.Status, upd.To)
	}
	upd.From = p.Status
	upd.At = s.now()

	updated, err := s.repo.UpdateStatus(ctx, p.ID, upd)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			return nil, fmt.Errorf("%w: payment %s changed concurrently", apperr.ErrInvalidTransition, p.ID)
		}
		return nil, fmt.Errorf("update payment status: %w", err)
	}

	event := map[Status]string{
		StatusCompleted: audit.EventPaymentCompleted,
		StatusFailed:    audit.EventPaymentFailed,
		StatusRefunded:  audit.EventPaymentRefunded,
	}[upd.To]
	payload := map[string]any{"from": upd.From, "to": upd.To}
	if upd.FailedReason != nil {
		payload["failed_reason"] = *upd.FailedReason
	}
	if upd.TransactionID != nil {
		payload["transaction_id"] = *upd.TransactionID
	}
	s.audit.Payment(ctx, updated.ID, updated.AppointmentID, event, payload)

	return updated, nil
}

// Close waits for in-flight submissions until ctx ends, then cancels the rest.
func (s *Service) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
