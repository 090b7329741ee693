package appointment

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/patient-appointments/internal/apperr"
	"github.com/hackgods/patient-appointments/internal/audit"
	"github.com/hackgods/patient-appointments/internal/db"
	"github.com/hackgods/patient-appointments/internal/payment"
	"github.com/hackgods/patient-appointments/internal/session"
)

type env struct {
	mgr      *Manager
	repo     *memRepo
	payRepo  *memPaymentRepo
	locker   *memLocker
	payments *payment.Service
	events   *eventStore
}

type eventStore struct {
	mu     sync.Mutex
	events []audit.EventLog
}

func (s *eventStore) InsertEvent(_ context.Context, ev audit.EventLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *eventStore) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.EventType)
	}
	return out
}

// newEnv wires a manager over in-memory stores and an MTN simulator that
// approves with the given rate.
func newEnv(t *testing.T, successRate float64) *env {
	t.Helper()

	repo := newMemRepo()
	payRepo := newMemPaymentRepo()
	repo.payments = payRepo
	locker := newMemLocker()
	events := &eventStore{}
	rec := audit.NewRecorder(events, zerolog.Nop())

	gw := payment.NewGateway().
		Register(payment.MethodMTNMoMo, payment.NewMTNSimulator(0, successRate, rand.NewSource(7))).
		Register(payment.MethodAirtelMoney, payment.NewAirtelSimulator(0, successRate, rand.NewSource(7)))
	payments := payment.NewService(payRepo, gw, rec, nil, payment.Options{ProviderTimeout: time.Second}, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = payments.Close(ctx)
	})

	mgr := NewManager(repo, locker, payments, rec, Options{
		UnpaidGracePeriod: 30 * time.Minute,
		ReadRetry:         db.RetryPolicy{Attempts: 3, Backoff: time.Millisecond},
	}, zerolog.Nop())

	return &env{mgr: mgr, repo: repo, payRepo: payRepo, locker: locker, payments: payments, events: events}
}

func patient() *session.Session {
	return &session.Session{UserID: uuid.New(), Role: session.RolePatient, Phone: "0788123456"}
}

func staff() *session.Session {
	return &session.Session{UserID: uuid.New(), Role: session.RoleStaff}
}

func jan15() time.Time {
	return time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)
}

func bookReq(doctorID uuid.UUID) BookRequest {
	return BookRequest{
		DoctorID: doctorID,
		Date:     jan15(),
		Time:     "10:00",
		Method:   MethodVideo,
		FeeRWF:   15000,
	}
}

func mustBook(t *testing.T, e *env, sess *session.Session, req BookRequest) *Appointment {
	t.Helper()
	a, err := e.mgr.Book(context.Background(), sess, req)
	require.NoError(t, err)
	return a
}

func waitTask(t *testing.T, task *payment.Task) (*payment.Payment, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return task.Wait(ctx)
}

func TestAppointmentStatusTransitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransitionTo(StatusConfirmed))
	assert.True(t, StatusPending.CanTransitionTo(StatusCancelled))
	assert.True(t, StatusConfirmed.CanTransitionTo(StatusCompleted))
	assert.True(t, StatusConfirmed.CanTransitionTo(StatusNoShow))

	assert.False(t, StatusPending.CanTransitionTo(StatusCompleted))
	for _, terminal := range []AppointmentStatus{StatusCompleted, StatusCancelled, StatusNoShow} {
		assert.True(t, terminal.Terminal())
		assert.False(t, terminal.CanTransitionTo(StatusCancelled), terminal)
	}
	assert.False(t, AppointmentStatus("archived").Valid())
}

func TestStartsAt(t *testing.T) {
	kigali := time.FixedZone("CAT", 2*60*60)
	a := &Appointment{Date: jan15(), Time: "10:30"}

	start, err := a.StartsAt(kigali)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 15, 8, 30, 0, 0, time.UTC), start.UTC())

	_, err = (&Appointment{Time: "late"}).StartsAt(kigali)
	assert.Error(t, err)
}

func TestBook_VideoConsultationScenario(t *testing.T) {
	e := newEnv(t, 0.9)
	sess := patient()
	doctor := uuid.New()

	a := mustBook(t, e, sess, bookReq(doctor))

	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, MethodVideo, a.Method)
	assert.Equal(t, 15000, a.ConsultationFeeRWF)
	assert.Equal(t, sess.UserID, a.PatientID)
	assert.Equal(t, "2024-01-15", a.Date.Format(DateLayout))
	assert.Equal(t, "10:00", a.Time)
	assert.Contains(t, e.events.types(), audit.EventAppointmentBooked)
}

func TestBook_StatusPendingAndFeePreserved(t *testing.T) {
	e := newEnv(t, 0.9)
	sess := patient()
	doctor := uuid.New()

	methods := []Method{MethodInPerson, MethodVideo, MethodPhone, MethodSMS}
	fees := []int{1, 5000, 15000, 250000}
	for i, m := range methods {
		req := bookReq(doctor)
		req.Method = m
		req.FeeRWF = fees[i]
		req.Time = []string{"08:00", "09:30", "13:15", "23:59"}[i]
		req.ReasonForVisit = "check-up"

		a := mustBook(t, e, sess, req)
		assert.Equal(t, StatusPending, a.Status)
		assert.Equal(t, fees[i], a.ConsultationFeeRWF)
		require.NotNil(t, a.ReasonForVisit)
		assert.Equal(t, "check-up", *a.ReasonForVisit)
	}
}

func TestBook_Validation(t *testing.T) {
	e := newEnv(t, 0.9)
	doctor := uuid.New()

	cases := map[string]func(r *BookRequest){
		"missing doctor":  func(r *BookRequest) { r.DoctorID = uuid.Nil },
		"missing date":    func(r *BookRequest) { r.Date = time.Time{} },
		"malformed time":  func(r *BookRequest) { r.Time = "10am" },
		"hour out of day": func(r *BookRequest) { r.Time = "24:00" },
		"unknown method":  func(r *BookRequest) { r.Method = "carrier_pigeon" },
		"zero fee":        func(r *BookRequest) { r.FeeRWF = 0 },
		"negative fee":    func(r *BookRequest) { r.FeeRWF = -10 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := bookReq(doctor)
			mutate(&req)
			_, err := e.mgr.Book(context.Background(), patient(), req)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestBook_RequiresSession(t *testing.T) {
	e := newEnv(t, 0.9)
	_, err := e.mgr.Book(context.Background(), nil, bookReq(uuid.New()))
	assert.ErrorIs(t, err, apperr.ErrAuthenticationRequired)
}

func TestBook_SlotTakenUntilHolderCancels(t *testing.T) {
	e := newEnv(t, 0.9)
	ctx := context.Background()
	doctor := uuid.New()
	first := patient()

	holder := mustBook(t, e, first, bookReq(doctor))

	_, err := e.mgr.Book(ctx, patient(), bookReq(doctor))
	assert.ErrorIs(t, err, ErrSlotTaken)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = e.mgr.Cancel(ctx, first, holder.ID, "")
	require.NoError(t, err)

	again := mustBook(t, e, patient(), bookReq(doctor))
	assert.Equal(t, StatusPending, again.Status)
}

func TestBook_SlotBeingBooked(t *testing.T) {
	e := newEnv(t, 0.9)
	doctor := uuid.New()
	e.locker.hold(slotOf(doctor, jan15(), "10:00"))

	_, err := e.mgr.Book(context.Background(), patient(), bookReq(doctor))
	assert.ErrorIs(t, err, ErrSlotBeingBooked)
}

func TestBook_ConcurrentRequestsForOneSlot(t *testing.T) {
	e := newEnv(t, 0.9)
	doctor := uuid.New()

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.mgr.Book(context.Background(), patient(), bookReq(doctor))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, ErrSlotTaken) || errors.Is(err, ErrSlotBeingBooked), err)
	}
	assert.Equal(t, 1, succeeded)
}

func TestBook_IdempotencyKey(t *testing.T) {
	e := newEnv(t, 0.9)
	sess := patient()
	req := bookReq(uuid.New())
	req.IdempotencyKey = "book-1"

	first := mustBook(t, e, sess, req)
	second := mustBook(t, e, sess, req)
	assert.Equal(t, first.ID, second.ID)
}

func TestBook_IdempotencyKeyReusedForDifferentBooking(t *testing.T) {
	e := newEnv(t, 0.9)
	sess := patient()
	req := bookReq(uuid.New())
	req.IdempotencyKey = "bk"
	first := mustBook(t, e, sess, req)

	otherDoctor := req
	otherDoctor.DoctorID = uuid.New()
	otherDoctor.Time = "15:00"
	otherDate := req
	otherDate.Date = jan15().AddDate(0, 0, 1)
	otherMethod := req
	otherMethod.Method = MethodInPerson
	otherFee := req
	otherFee.FeeRWF = 40000

	for name, replay := range map[string]BookRequest{
		"doctor and time": otherDoctor,
		"date":            otherDate,
		"method":          otherMethod,
		"fee":             otherFee,
	} {
		t.Run(name, func(t *testing.T) {
			a, err := e.mgr.Book(context.Background(), sess, replay)
			assert.ErrorIs(t, err, ErrIdempotencyConflict)
			assert.ErrorIs(t, err, apperr.ErrConflict)
			assert.Nil(t, a)
		})
	}

	again := mustBook(t, e, sess, req)
	assert.Equal(t, first.ID, again.ID)
	list, err := e.repo.ListByPatient(context.Background(), sess.UserID, "")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestBook_StaffOnBehalfOfPatient(t *testing.T) {
	e := newEnv(t, 0.9)
	p := patient()
	req := bookReq(uuid.New())
	req.PatientID = p.UserID

	a := mustBook(t, e, staff(), req)
	assert.Equal(t, p.UserID, a.PatientID)

	// patients cannot book for someone else
	other := patient()
	req.Time = "11:00"
	b := mustBook(t, e, other, req)
	assert.Equal(t, other.UserID, b.PatientID)
}

func TestCancel_FromActiveStatuses(t *testing.T) {
	for _, confirmFirst := range []bool{false, true} {
		e := newEnv(t, 0.9)
		ctx := context.Background()
		sess := patient()
		a := mustBook(t, e, sess, bookReq(uuid.New()))
		if confirmFirst {
			_, err := e.mgr.Confirm(ctx, staff(), a.ID)
			require.NoError(t, err)
		}

		cancelled, err := e.mgr.Cancel(ctx, sess, a.ID, "schedule conflict")
		require.NoError(t, err)

		assert.Equal(t, StatusCancelled, cancelled.Status)
		require.NotNil(t, cancelled.CancelledBy)
		assert.Equal(t, sess.UserID, *cancelled.CancelledBy)
		assert.NotNil(t, cancelled.CancelledAt)
		require.NotNil(t, cancelled.CancelledReason)
		assert.Equal(t, "schedule conflict", *cancelled.CancelledReason)
	}
}

func TestCancel_TerminalStatusIsInvalidTransition(t *testing.T) {
	e := newEnv(t, 0.9)
	ctx := context.Background()
	sess := patient()
	doc := staff()
	doctor := uuid.New()

	cancelled := mustBook(t, e, sess, bookReq(doctor))
	_, err := e.mgr.Cancel(ctx, sess, cancelled.ID, "")
	require.NoError(t, err)

	req := bookReq(doctor)
	req.Time = "11:00"
	completed := mustBook(t, e, sess, req)
	_, err = e.mgr.Confirm(ctx, doc, completed.ID)
	require.NoError(t, err)
	_, err = e.mgr.Complete(ctx, doc, completed.ID)
	require.NoError(t, err)

	req.Time = "12:00"
	noShow := mustBook(t, e, sess, req)
	_, err = e.mgr.MarkNoShow(ctx, doc, noShow.ID)
	require.NoError(t, err)

	for _, id := range []uuid.UUID{cancelled.ID, completed.ID, noShow.ID} {
		_, err := e.mgr.Cancel(ctx, sess, id, "again")
		assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	}
}

func TestCancel_NotFound(t *testing.T) {
	e := newEnv(t, 0.9)
	ctx := context.Background()

	_, err := e.mgr.Cancel(ctx, patient(), uuid.New(), "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	a := mustBook(t, e, patient(), bookReq(uuid.New()))
	_, err = e.mgr.Cancel(ctx, patient(), a.ID, "")
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
	assert.Equal(t, StatusPending, e.repo.get(a.ID).Status)
}

func TestReschedule_AlwaysPendingWithNewSlot(t *testing.T) {
	e := newEnv(t, 0.9)
	ctx := context.Background()
	sess := patient()
	doc := staff()
	doctor := uuid.New()

	prepare := map[AppointmentStatus]func(id uuid.UUID){
		StatusPending:   func(uuid.UUID) {},
		StatusConfirmed: func(id uuid.UUID) { _, _ = e.mgr.Confirm(ctx, doc, id) },
		StatusCancelled: func(id uuid.UUID) { _, _ = e.mgr.Cancel(ctx, sess, id, "changed mind") },
		StatusNoShow:    func(id uuid.UUID) { _, _ = e.mgr.MarkNoShow(ctx, doc, id) },
		StatusCompleted: func(id uuid.UUID) {
			_, _ = e.mgr.Confirm(ctx, doc, id)
			_, _ = e.mgr.Complete(ctx, doc, id)
		},
	}

	hour := 8
	for prior, setup := range prepare {
		req := bookReq(doctor)
		req.Time = time.Date(0, 1, 1, hour, 0, 0, 0, time.UTC).Format(TimeLayout)
		hour++
		a := mustBook(t, e, sess, req)
		setup(a.ID)
		require.Equal(t, prior, e.repo.get(a.ID).Status)

		newDate := time.Date(2024, 2, 1, 15, 45, 0, 0, time.UTC)
		newTime := time.Date(0, 1, 1, hour+8, 30, 0, 0, time.UTC).Format(TimeLayout)
		moved, err := e.mgr.Reschedule(ctx, sess, a.ID, newDate, newTime)
		require.NoError(t, err, prior)

		assert.Equal(t, StatusPending, moved.Status, prior)
		assert.Equal(t, "2024-02-01", moved.Date.Format(DateLayout))
		assert.Equal(t, newTime, moved.Time)
		assert.Nil(t, moved.CancelledReason)
		assert.Nil(t, moved.CancelledAt)
		assert.False(t, moved.ReminderSent24h)
	}
}

func TestReschedule_IntoTakenSlot(t *testing.T) {
	e := newEnv(t, 0.9)
	ctx := context.Background()
	sess := patient()
	doctor := uuid.New()

	mustBook(t, e, patient(), bookReq(doctor))
	req := bookReq(doctor)
	req.Time = "11:00"
	mine := mustBook(t, e, sess, req)

	_, err := e.mgr.Reschedule(ctx, sess, mine.ID, jan15(), "10:00")
	assert.ErrorIs(t, err, ErrSlotTaken)

	// moving within its own slot is fine
	same, err := e.mgr.Reschedule(ctx, sess, mine.ID, jan15(), "11:00")
	require.NoError(t, err)
	assert.Equal(t, "11:00", same.Time)

	_, err = e.mgr.Reschedule(ctx, sess, mine.ID, jan15(), "11h")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestList_OrderedFilteredAndRestartable(t *testing.T) {
	e := newEnv(t, 0.9)
	ctx := context.Background()
	sess := patient()

	slots := []struct {
		day int
		tod string
	}{{20, "09:00"}, {15, "14:00"}, {15, "08:30"}, {18, "10:00"}}
	var cancelID uuid.UUID
	for i, s := range slots {
		req := bookReq(uuid.New())
		req.Date = time.Date(2024, 1, s.day, 0, 0, 0, 0, time.UTC)
		req.Time = s.tod
		a := mustBook(t, e, sess, req)
		if i == 3 {
			cancelID = a.ID
		}
	}
	mustBook(t, e, patient(), bookReq(uuid.New()))
	_, err := e.mgr.Cancel(ctx, sess, cancelID, "")
	require.NoError(t, err)

	seq, err := e.mgr.List(ctx, sess, uuid.Nil, "")
	require.NoError(t, err)

	all, err := Collect(seq)
	require.NoError(t, err)
	require.Len(t, all, 4)
	var got []string
	for _, a := range all {
		got = append(got, a.Date.Format(DateLayout)+" "+a.Time)
	}
	assert.Equal(t, []string{"2024-01-15 08:30", "2024-01-15 14:00", "2024-01-18 10:00", "2024-01-20 09:00"}, got)

	// ranging again fetches again
	again, err := Collect(seq)
	require.NoError(t, err)
	assert.Len(t, again, 4)
	assert.Equal(t, 2, e.repo.listCalls)

	// early break stops the sequence
	seen := 0
	for range seq {
		seen++
		break
	}
	assert.Equal(t, 1, seen)

	pending, err := e.mgr.List(ctx, sess, sess.UserID, StatusPending)
	require.NoError(t, err)
	onlyPending, err := Collect(pending)
	require.NoError(t, err)
	assert.Len(t, onlyPending, 3)
}

func TestList_AccessAndFilterChecks(t *testing.T) {
	e := newEnv(t, 0.9)
	ctx := context.Background()

	_, err := e.mgr.List(ctx, patient(), uuid.New(), "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = e.mgr.List(ctx, patient(), uuid.Nil, "archived")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = e.mgr.List(ctx, nil, uuid.Nil, "")
	assert.ErrorIs(t, err, apperr.ErrAuthenticationRequired)

	seq, err := e.mgr.List(ctx, staff(), uuid.New(), "")
	require.NoError(t, err)
	items, err := Collect(seq)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestGet_RetriesTransientReads(t *testing.T) {
	e := newEnv(t, 0.9)
	sess := patient()
	a := mustBook(t, e, sess, bookReq(uuid.New()))

	e.repo.failGets = 2
	got, err := e.mgr.Get(context.Background(), sess, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Nil(t, got.Payment)

	e.repo.failGets = 5
	_, err = e.mgr.Get(context.Background(), sess, a.ID)
	assert.Error(t, err)
	assert.True(t, db.Transient(err))
}

func TestClinicalTransitions(t *testing.T) {
	e := newEnv(t, 0.9)
	ctx := context.Background()
	sess := patient()
	doc := &session.Session{UserID: uuid.New(), Role: session.RoleDoctor}
	a := mustBook(t, e, sess, bookReq(uuid.New()))

	_, err := e.mgr.Confirm(ctx, sess, a.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = e.mgr.Complete(ctx, doc, a.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	confirmed, err := e.mgr.Confirm(ctx, doc, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)

	completed, err := e.mgr.Complete(ctx, doc, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
	assert.NotNil(t, completed.CompletedAt)

	_, err = e.mgr.MarkNoShow(ctx, doc, a.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	assert.Subset(t, e.events.types(), []string{audit.EventAppointmentConfirmed, audit.EventAppointmentCompleted})
}

func TestPay_MTNScenarioLeavesAppointmentPending(t *testing.T) {
	cases := []struct {
		name        string
		successRate float64
	}{
		{"approved", 1},
		{"declined", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, tc.successRate)
			ctx := context.Background()
			sess := patient()
			a := mustBook(t, e, sess, bookReq(uuid.New()))

			p, task, err := e.mgr.Pay(ctx, sess, a.ID, PayRequest{Method: payment.MethodMTNMoMo})
			require.NoError(t, err)
			require.NotNil(t, task)
			assert.Equal(t, payment.StatusPending, p.Status)
			assert.Equal(t, 15000, p.AmountRWF)
			require.NotNil(t, p.PhoneNumber)
			assert.Equal(t, "0788123456", *p.PhoneNumber)

			settled, err := waitTask(t, task)
			require.NotNil(t, settled)
			if tc.successRate == 1 {
				require.NoError(t, err)
				assert.Equal(t, payment.StatusCompleted, settled.Status)
				require.NotNil(t, settled.TransactionID)
				assert.Regexp(t, `^MTN_\d+$`, *settled.TransactionID)
				assert.NotNil(t, settled.PaidAt)
			} else {
				var declined *apperr.PaymentDeclinedError
				require.ErrorAs(t, err, &declined)
				assert.Equal(t, payment.StatusFailed, settled.Status)
				require.NotNil(t, settled.FailedReason)
				assert.Equal(t, "Insufficient balance or invalid phone number", *settled.FailedReason)
				assert.Nil(t, settled.TransactionID)
			}

			detail, err := e.mgr.Get(ctx, sess, a.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusPending, detail.Status)
			require.NotNil(t, detail.Payment)
			assert.Equal(t, settled.Status, detail.Payment.Status)
		})
	}
}

func TestPay_SecondActivePaymentRejected(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()
	sess := patient()
	a := mustBook(t, e, sess, bookReq(uuid.New()))

	_, task, err := e.mgr.Pay(ctx, sess, a.ID, PayRequest{Method: payment.MethodMTNMoMo})
	require.NoError(t, err)
	_, err = waitTask(t, task)
	require.NoError(t, err)

	_, _, err = e.mgr.Pay(ctx, sess, a.ID, PayRequest{Method: payment.MethodAirtelMoney})
	assert.ErrorIs(t, err, ErrAlreadyPaid)
}

func TestPay_RetryAfterFailedPayment(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	sess := patient()
	a := mustBook(t, e, sess, bookReq(uuid.New()))

	first, task, err := e.mgr.Pay(ctx, sess, a.ID, PayRequest{Method: payment.MethodMTNMoMo})
	require.NoError(t, err)
	_, _ = waitTask(t, task)

	second, _, err := e.mgr.Pay(ctx, sess, a.ID, PayRequest{Method: payment.MethodCash})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	require.NotNil(t, e.repo.get(a.ID).PaymentID)
	assert.Equal(t, second.ID, *e.repo.get(a.ID).PaymentID)
}

func TestPay_IdempotencyKeyReusedAcrossAppointments(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()
	sess := patient()
	doctor := uuid.New()
	a := mustBook(t, e, sess, bookReq(doctor))
	reqB := bookReq(doctor)
	reqB.Time = "11:00"
	reqB.FeeRWF = 40000
	b := mustBook(t, e, sess, reqB)

	payA, _, err := e.mgr.Pay(ctx, sess, a.ID, PayRequest{Method: payment.MethodCash, IdempotencyKey: "k1"})
	require.NoError(t, err)

	payB, task, err := e.mgr.Pay(ctx, sess, b.ID, PayRequest{Method: payment.MethodCash, IdempotencyKey: "k1"})
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Nil(t, payB)
	assert.Nil(t, task)
	assert.Nil(t, e.repo.get(b.ID).PaymentID, "b must not be linked to a's payment")

	require.NotNil(t, e.repo.get(a.ID).PaymentID)
	assert.Equal(t, payA.ID, *e.repo.get(a.ID).PaymentID)

	// replaying the key for its own appointment returns the same payment
	again, _, err := e.mgr.Pay(ctx, sess, a.ID, PayRequest{Method: payment.MethodCash, IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, payA.ID, again.ID)
}

func TestPay_ForeignPaymentIsNotLinked(t *testing.T) {
	repo := newMemRepo()
	payments := &mockPayments{}
	mgr := NewManager(repo, newMemLocker(), payments, nil, Options{}, zerolog.Nop())

	sess := patient()
	a, err := mgr.Book(context.Background(), sess, bookReq(uuid.New()))
	require.NoError(t, err)

	other := uuid.New()
	payments.On("Create", mock.Anything, sess, mock.Anything).
		Return(&payment.Payment{ID: uuid.New(), AppointmentID: &other, Method: payment.MethodCash, Status: payment.StatusPending}, nil)

	_, _, err = mgr.Pay(context.Background(), sess, a.ID, PayRequest{Method: payment.MethodCash, IdempotencyKey: "k1"})
	assert.ErrorIs(t, err, ErrIdempotencyConflict)
	assert.Nil(t, repo.get(a.ID).PaymentID)
}

func TestPay_AppointmentCancelledBeforeLink(t *testing.T) {
	repo := newMemRepo()
	payments := &mockPayments{}
	mgr := NewManager(repo, newMemLocker(), payments, nil, Options{}, zerolog.Nop())

	sess := patient()
	a, err := mgr.Book(context.Background(), sess, bookReq(uuid.New()))
	require.NoError(t, err)

	payments.On("Create", mock.Anything, sess, mock.Anything).
		Run(func(mock.Arguments) {
			_, err := repo.Update(context.Background(), a.ID, Patch{Status: ptr(StatusCancelled)})
			require.NoError(t, err)
		}).
		Return(&payment.Payment{ID: uuid.New(), AppointmentID: &a.ID, Method: payment.MethodMTNMoMo, Status: payment.StatusPending}, nil)

	_, task, err := mgr.Pay(context.Background(), sess, a.ID, PayRequest{Method: payment.MethodMTNMoMo})
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Nil(t, task)
	assert.Nil(t, repo.get(a.ID).PaymentID)
	payments.AssertNotCalled(t, "Process", mock.Anything, mock.Anything, mock.Anything)
}

func TestPay_OfflineMethodHasNoTask(t *testing.T) {
	e := newEnv(t, 1)
	sess := patient()
	a := mustBook(t, e, sess, bookReq(uuid.New()))

	p, task, err := e.mgr.Pay(context.Background(), sess, a.ID, PayRequest{Method: payment.MethodCash})
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.Equal(t, payment.StatusPending, p.Status)
}

func TestPay_RequiresActiveAppointment(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()
	sess := patient()
	a := mustBook(t, e, sess, bookReq(uuid.New()))
	_, err := e.mgr.Cancel(ctx, sess, a.ID, "")
	require.NoError(t, err)

	_, _, err = e.mgr.Pay(ctx, sess, a.ID, PayRequest{Method: payment.MethodMTNMoMo})
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestPay_ConcurrentCreateMapsToAlreadyPaid(t *testing.T) {
	repo := newMemRepo()
	payments := &mockPayments{}
	mgr := NewManager(repo, newMemLocker(), payments, nil, Options{}, zerolog.Nop())

	sess := patient()
	a, err := mgr.Book(context.Background(), sess, bookReq(uuid.New()))
	require.NoError(t, err)

	payments.On("Create", mock.Anything, sess, mock.MatchedBy(func(req payment.CreateRequest) bool {
		return req.AmountRWF == 15000 && *req.AppointmentID == a.ID && req.UserID == sess.UserID
	})).Return(nil, payment.ErrActivePaymentExists)

	_, _, err = mgr.Pay(context.Background(), sess, a.ID, PayRequest{Method: payment.MethodMTNMoMo})
	assert.ErrorIs(t, err, ErrAlreadyPaid)
	payments.AssertExpectations(t)
	payments.AssertNotCalled(t, "Process", mock.Anything, mock.Anything, mock.Anything)
}

func TestExpireUnpaid(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	doctor := uuid.New()

	stale := patient()
	staleAppt := mustBook(t, e, stale, bookReq(doctor))
	p, task, err := e.mgr.Pay(ctx, stale, staleAppt.ID, PayRequest{Method: payment.MethodMTNMoMo})
	require.NoError(t, err)
	_, _ = waitTask(t, task)
	e.payRepo.age(p.ID, time.Hour)

	fresh := patient()
	req := bookReq(doctor)
	req.Time = "11:00"
	freshAppt := mustBook(t, e, fresh, req)
	_, task, err = e.mgr.Pay(ctx, fresh, freshAppt.ID, PayRequest{Method: payment.MethodMTNMoMo})
	require.NoError(t, err)
	_, _ = waitTask(t, task)

	n, err := e.mgr.ExpireUnpaid(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired := e.repo.get(staleAppt.ID)
	assert.Equal(t, StatusCancelled, expired.Status)
	require.NotNil(t, expired.CancelledReason)
	assert.Equal(t, ReasonUnpaid, *expired.CancelledReason)
	assert.Nil(t, expired.CancelledBy)
	assert.Equal(t, StatusPending, e.repo.get(freshAppt.ID).Status)
	assert.Contains(t, e.events.types(), audit.EventAppointmentExpired)

	// second run has nothing left to do
	n, err = e.mgr.ExpireUnpaid(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExpireUnpaid_AbandonedPendingMobileMoney(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()
	doctor := uuid.New()

	link := func(sess *session.Session, a *Appointment, req payment.CreateRequest) *payment.Payment {
		t.Helper()
		req.AppointmentID = &a.ID
		req.AmountRWF = a.ConsultationFeeRWF
		p, err := e.payments.Create(ctx, sess, req)
		require.NoError(t, err)
		_, err = e.repo.Update(ctx, a.ID, Patch{PaymentID: &p.ID})
		require.NoError(t, err)
		return p
	}

	// submission interrupted long ago: never processed, still pending
	abandoned := patient()
	abandonedAppt := mustBook(t, e, abandoned, bookReq(doctor))
	p := link(abandoned, abandonedAppt, payment.CreateRequest{Method: payment.MethodMTNMoMo, PhoneNumber: "0788123456"})
	e.payRepo.age(p.ID, 2*time.Hour)

	// cash is settled at the desk and may stay pending
	cash := patient()
	req := bookReq(doctor)
	req.Time = "11:00"
	cashAppt := mustBook(t, e, cash, req)
	p = link(cash, cashAppt, payment.CreateRequest{Method: payment.MethodCash})
	e.payRepo.age(p.ID, 2*time.Hour)

	// recent submission still inside its settle budget
	recent := patient()
	req.Time = "12:00"
	recentAppt := mustBook(t, e, recent, req)
	link(recent, recentAppt, payment.CreateRequest{Method: payment.MethodAirtelMoney, PhoneNumber: "0731234567"})

	n, err := e.mgr.ExpireUnpaid(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StatusCancelled, e.repo.get(abandonedAppt.ID).Status)
	assert.Equal(t, StatusPending, e.repo.get(cashAppt.ID).Status)
	assert.Equal(t, StatusPending, e.repo.get(recentAppt.ID).Status)
}
