package index

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrQueueClosed is returned by a Queue after Close.
var ErrQueueClosed = errors.New("index: queue closed")

// ErrUnchanged is returned by a Mutation that left the index as it was. Do
// reports success without saving.
var ErrUnchanged = errors.New("index: unchanged")

// SaveFunc persists a new version of the index.
type SaveFunc func(ctx context.Context, ix *Index) error

// Mutation changes the index in place. Returning an error discards it.
type Mutation func(ix *Index) error

// Settle runs on the loop once the outcome of a mutation is known, before
// the next operation starts. err is nil when the mutated index is current.
type Settle func(err error)

type queueOp struct {
	ctx    context.Context
	mutate Mutation
	settle Settle
	read   func(ix *Index)
	reply  chan error
}

// Queue serializes every structural change to one index. A single loop owns
// the index; Do applies mutations in FIFO order to a copy, saves the copy and
// only then makes it current, so a failed save leaves the index unchanged and
// two structural edits never interleave.
type Queue struct {
	ops     chan queueOp
	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewQueue starts the loop owning ix. save is called after every successful
// mutation that changed the index; it may be nil.
func NewQueue(ix *Index, save SaveFunc) *Queue {
	q := &Queue{
		ops:     make(chan queueOp),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go q.run(ix, save)
	return q
}

func (q *Queue) run(current *Index, save SaveFunc) {
	defer close(q.stopped)
	for {
		select {
		case <-q.stopCh:
			return
		case op := <-q.ops:
			if op.read != nil {
				op.read(current)
				op.reply <- nil
				continue
			}
			next, err := q.apply(op, current, save)
			if err == nil {
				current = next
			}
			if op.settle != nil {
				op.settle(err)
			}
			op.reply <- err
		}
	}
}

func (q *Queue) apply(op queueOp, current *Index, save SaveFunc) (*Index, error) {
	next := current.Clone()
	if err := op.mutate(next); err != nil {
		if errors.Is(err, ErrUnchanged) {
			return current, nil
		}
		return nil, err
	}
	if save != nil {
		if err := save(op.ctx, next); err != nil {
			return nil, err
		}
	}
	return next, nil
}

func (q *Queue) submit(ctx context.Context, op queueOp) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	op.ctx = ctx
	op.reply = make(chan error, 1)
	select {
	case q.ops <- op:
	case <-q.stopped:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	// Once accepted the operation runs to completion.
	return <-op.reply
}

// Do applies m and saves the result.
func (q *Queue) Do(ctx context.Context, m Mutation) error {
	return q.submit(ctx, queueOp{mutate: m})
}

// DoSettled is Do followed by settle, which finishes or undoes side effects
// of m depending on whether the new index was saved.
func (q *Queue) DoSettled(ctx context.Context, m Mutation, settle Settle) error {
	return q.submit(ctx, queueOp{mutate: m, settle: settle})
}

// Read runs fn against the current index. fn must not retain or modify it.
func (q *Queue) Read(ctx context.Context, fn func(ix *Index)) error {
	return q.submit(ctx, queueOp{read: fn})
}

// Snapshot returns a copy of the current index.
func (q *Queue) Snapshot(ctx context.Context) (*Index, error) {
	var out *Index
	err := q.Read(ctx, func(ix *Index) { out = ix.Clone() })
	return out, err
}

// Close stops the loop after the operation in progress.
func (q *Queue) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.stopCh)
	}
	<-q.stopped
}
