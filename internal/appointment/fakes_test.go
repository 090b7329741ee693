package appointment

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/hackgods/patient-appointments/internal/payment"
	redisclient "github.com/hackgods/patient-appointments/internal/redis"
	"github.com/hackgods/patient-appointments/internal/session"
)

// -- In-memory appointment repository --

type memRepo struct {
	mu           sync.Mutex
	appointments map[uuid.UUID]*Appointment
	payments     *memPaymentRepo
	listCalls    int
	failGets     int
	phones       map[uuid.UUID]string
}

func newMemRepo() *memRepo {
	return &memRepo{appointments: make(map[uuid.UUID]*Appointment), phones: make(map[uuid.UUID]string)}
}

func cloneAppointment(a *Appointment) *Appointment {
	c := *a
	c.Symptoms = slices.Clone(a.Symptoms)
	return &c
}

func (r *memRepo) slotHeldByOther(id, doctorID uuid.UUID, date time.Time, tod string) bool {
	for _, a := range r.appointments {
		if a.ID != id && a.DoctorID == doctorID && a.Date.Equal(date) && a.Time == tod && a.Status.Active() {
			return true
		}
	}
	return false
}

func (r *memRepo) Create(_ context.Context, a *Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.slotHeldByOther(a.ID, a.DoctorID, a.Date, a.Time) {
		return nil, ErrSlotTaken
	}
	for _, existing := range r.appointments {
		if a.IdempotencyKey != nil && existing.IdempotencyKey != nil &&
			existing.PatientID == a.PatientID && *existing.IdempotencyKey == *a.IdempotencyKey {
			return nil, ErrDuplicateKey
		}
	}

	c := cloneAppointment(a)
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	r.appointments[c.ID] = c
	return cloneAppointment(c), nil
}

func (r *memRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failGets > 0 {
		r.failGets--
		return nil, transientErr{}
	}
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return cloneAppointment(a), nil
}

func (r *memRepo) GetByIdempotencyKey(_ context.Context, patientID uuid.UUID, key string) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.appointments {
		if a.PatientID == patientID && a.IdempotencyKey != nil && *a.IdempotencyKey == key {
			return cloneAppointment(a), nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (r *memRepo) ListByPatient(_ context.Context, patientID uuid.UUID, status AppointmentStatus) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++

	var out []Appointment
	for _, a := range r.appointments {
		if a.PatientID != patientID || (status != "" && a.Status != status) {
			continue
		}
		out = append(out, *cloneAppointment(a))
	}
	slices.SortFunc(out, func(x, y Appointment) int {
		if c := x.Date.Compare(y.Date); c != 0 {
			return c
		}
		switch {
		case x.Time < y.Time:
			return -1
		case x.Time > y.Time:
			return 1
		}
		return 0
	})
	return out, nil
}

func (r *memRepo) FindActiveInSlot(_ context.Context, doctorID uuid.UUID, date time.Time, tod string) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.appointments {
		if a.DoctorID == doctorID && a.Date.Equal(date) && a.Time == tod && a.Status.Active() {
			return cloneAppointment(a), nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (r *memRepo) Update(_ context.Context, id uuid.UUID, p Patch) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok || (p.ExpectStatus != "" && a.Status != p.ExpectStatus) {
		return nil, ErrAppointmentNotFound
	}

	next := cloneAppointment(a)
	if p.Status != nil {
		next.Status = *p.Status
	}
	if p.Date != nil {
		next.Date = *p.Date
	}
	if p.Time != nil {
		next.Time = *p.Time
	}
	if next.Status.Active() && r.slotHeldByOther(id, next.DoctorID, next.Date, next.Time) {
		return nil, ErrSlotTaken
	}
	if p.PaymentID != nil {
		next.PaymentID = p.PaymentID
	}
	if p.ClearCancellation {
		next.CancelledReason, next.CancelledBy, next.CancelledAt = nil, nil, nil
	} else {
		if p.CancelledReason != nil {
			next.CancelledReason = p.CancelledReason
		}
		if p.CancelledBy != nil {
			next.CancelledBy = p.CancelledBy
		}
		if p.CancelledAt != nil {
			next.CancelledAt = p.CancelledAt
		}
	}
	if p.CompletedAt != nil {
		next.CompletedAt = p.CompletedAt
	}
	if p.ResetReminders {
		next.ReminderSent24h, next.ReminderSent2h = false, false
	}
	next.UpdatedAt = time.Now()

	r.appointments[id] = next
	return cloneAppointment(next), nil
}

func (r *memRepo) FindUnpaid(_ context.Context, failedBefore, pendingBefore time.Time) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Appointment
	for _, a := range r.appointments {
		if a.Status != StatusPending || a.PaymentID == nil || r.payments == nil {
			continue
		}
		p, ok := r.payments.peek(*a.PaymentID)
		if !ok {
			continue
		}
		failed := p.Status == payment.StatusFailed && p.UpdatedAt.Before(failedBefore)
		abandoned := p.Status == payment.StatusPending && p.Method.MobileMoney() && p.CreatedAt.Before(pendingBefore)
		if failed || abandoned {
			out = append(out, *cloneAppointment(a))
		}
	}
	return out, nil
}

func (r *memRepo) FindReminderCandidates(_ context.Context, fromDate, toDate time.Time) ([]ReminderCandidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []ReminderCandidate
	for _, a := range r.appointments {
		if !a.Status.Active() || a.Date.Before(fromDate) || a.Date.After(toDate) {
			continue
		}
		if a.ReminderSent24h && a.ReminderSent2h {
			continue
		}
		c := ReminderCandidate{Appointment: *cloneAppointment(a)}
		if phone, ok := r.phones[a.PatientID]; ok {
			c.PatientPhone = &phone
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *memRepo) MarkReminderSent(_ context.Context, id uuid.UUID, window ReminderWindow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	if window == Reminder2h {
		a.ReminderSent2h = true
	} else {
		a.ReminderSent24h = true
	}
	return nil
}

func (r *memRepo) get(id uuid.UUID) *Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneAppointment(r.appointments[id])
}

type transientErr struct{}

func (transientErr) Error() string     { return "connection reset by peer" }
func (transientErr) SafeToRetry() bool { return true }

// -- In-memory payment repository --

type memPaymentRepo struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*payment.Payment
}

func newMemPaymentRepo() *memPaymentRepo {
	return &memPaymentRepo{payments: make(map[uuid.UUID]*payment.Payment)}
}

func (r *memPaymentRepo) peek(id uuid.UUID) (payment.Payment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return payment.Payment{}, false
	}
	return *p, true
}

// age moves a payment's creation and last update into the past.
func (r *memPaymentRepo) age(id uuid.UUID, by time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments[id].CreatedAt = r.payments[id].CreatedAt.Add(-by)
	r.payments[id].UpdatedAt = r.payments[id].UpdatedAt.Add(-by)
}

func (r *memPaymentRepo) Create(_ context.Context, p *payment.Payment) (*payment.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.payments {
		if p.AppointmentID != nil && existing.AppointmentID != nil &&
			*existing.AppointmentID == *p.AppointmentID && existing.Status.Active() {
			return nil, payment.ErrActivePaymentExists
		}
	}
	c := *p
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	r.payments[c.ID] = &c
	out := c
	return &out, nil
}

func (r *memPaymentRepo) GetByID(_ context.Context, id uuid.UUID) (*payment.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, payment.ErrPaymentNotFound
	}
	out := *p
	return &out, nil
}

func (r *memPaymentRepo) GetByIdempotencyKey(_ context.Context, userID uuid.UUID, key string) (*payment.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.UserID == userID && p.IdempotencyKey != nil && *p.IdempotencyKey == key {
			out := *p
			return &out, nil
		}
	}
	return nil, payment.ErrPaymentNotFound
}

func (r *memPaymentRepo) UpdateStatus(_ context.Context, id uuid.UUID, upd payment.StatusUpdate) (*payment.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok || p.Status != upd.From {
		return nil, payment.ErrPaymentNotFound
	}
	p.Status = upd.To
	if upd.TransactionID != nil {
		p.TransactionID = upd.TransactionID
	}
	if upd.To == payment.StatusCompleted {
		at := upd.At
		p.PaidAt = &at
	}
	if upd.FailedReason != nil {
		p.FailedReason = upd.FailedReason
	}
	p.UpdatedAt = time.Now()
	out := *p
	return &out, nil
}

// -- Slot locker --

type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
	keys []string
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]bool)}
}

func (l *memLocker) WithSlotLock(ctx context.Context, slot redisclient.SlotKey, fn func(ctx context.Context) error) error {
	key := slot.String()
	l.mu.Lock()
	if l.held[key] {
		l.mu.Unlock()
		return redisclient.ErrLockNotAcquired
	}
	l.held[key] = true
	l.keys = append(l.keys, key)
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()
	return fn(ctx)
}

func (l *memLocker) hold(slot redisclient.SlotKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[slot.String()] = true
}

// -- Mock payments --

type mockPayments struct {
	mock.Mock
}

func (m *mockPayments) Create(ctx context.Context, sess *session.Session, req payment.CreateRequest) (*payment.Payment, error) {
	args := m.Called(ctx, sess, req)
	p, _ := args.Get(0).(*payment.Payment)
	return p, args.Error(1)
}

func (m *mockPayments) Get(ctx context.Context, sess *session.Session, id uuid.UUID) (*payment.Payment, error) {
	args := m.Called(ctx, sess, id)
	p, _ := args.Get(0).(*payment.Payment)
	return p, args.Error(1)
}

func (m *mockPayments) Process(ctx context.Context, sess *session.Session, id uuid.UUID) (*payment.Task, error) {
	args := m.Called(ctx, sess, id)
	t, _ := args.Get(0).(*payment.Task)
	return t, args.Error(1)
}
