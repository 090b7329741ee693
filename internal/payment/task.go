package payment

import (
	"context"

	"github.com/google/uuid"
)

// Task is the future of an asynchronous payment submission. It resolves once the
// provider outcome has been written back, or processing gave up.
type Task struct {
	PaymentID uuid.UUID

	done    chan struct{}
	payment *Payment
	err     error
}

func newTask(paymentID uuid.UUID) *Task {
	return &Task{PaymentID: paymentID, done: make(chan struct{})}
}

func (t *Task) resolve(p *Payment, err error) {
	t.payment = p
	t.err = err
	close(t.done)
}

// Done is closed when the task resolves.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task resolves or ctx ends. A declined payment returns
// the failed Payment together with an *apperr.PaymentDeclinedError.
func (t *Task) Wait(ctx context.Context) (*Payment, error) {
	select {
	case <-t.done:
		return t.payment, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolved reports whether the task has finished without blocking.
func (t *Task) Resolved() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// ResolvedTask returns a task that has already finished with p and err. It is
// handed out when a payment needs no further provider work.
func ResolvedTask(p *Payment, err error) *Task {
	var id uuid.UUID
	if p != nil {
		id = p.ID
	}
	t := newTask(id)
	t.resolve(p, err)
	return t
}
