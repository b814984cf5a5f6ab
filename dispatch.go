// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package hostbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/joeycumines/logiface"
	"golang.org/x/sync/semaphore"
)

// Callback is a function run on the engine goroutine, within a managed
// Scope, by a [DispatchQueue].
type Callback func(s *Scope) error

// DispatchQueue schedules callbacks, from any goroutine, to run on the engine
// goroutine of one instance. It wraps the engine's [Dispatcher].
//
// Once closed, either explicitly or because the engine finalized the
// underlying dispatcher, every pending and future call fails with
// [ErrClosing]. Every call accepted before then is either run, or failed,
// exactly once.
type DispatchQueue struct {
	// Prevent copying
	_ [0]func()

	inst       *Instance
	logger     *logiface.Logger[logiface.Event]
	dispatcher Dispatcher

	// cleared once the dispatcher drops its token
	token weak.Pointer[queueToken]

	// nil if unbounded
	sem *semaphore.Weighted

	// cancelled on close, to unblock callers waiting for capacity
	closedCtx   context.Context
	closeCancel context.CancelFunc

	// accepted jobs that have not yet started
	jobs map[*dispatchJob]struct{}

	label string

	mu sync.Mutex

	// outstanding live handles
	live atomic.Int64

	keepAlive atomic.Bool
	closed    atomic.Bool
	finalized atomic.Bool

	// engine goroutine only
	referenced bool
}

// queueToken is retained, strongly, only by the engine's dispatcher.
type queueToken struct {
	label string
}

const (
	jobPending int32 = iota
	jobRunning
	jobFinished
)

type dispatchJob struct {
	fn   Callback
	done func(error)

	state atomic.Int32

	// holds one unit of the queue's semaphore
	permit bool
}

// NewDispatchQueue creates a queue bound to the instance of s, which must be
// the current Scope.
func NewDispatchQueue(s *Scope, label string, opts ...QueueOption) (*DispatchQueue, error) {
	s.checkCurrent()

	cfg, err := resolveQueueOptions(opts)
	if err != nil {
		return nil, err
	}

	inst := s.inst
	if inst.isTornDown() {
		return nil, ErrInstanceTornDown
	}

	tok := &queueToken{label: label}

	q := &DispatchQueue{
		inst:  inst,
		token: weak.Make(tok),
		jobs:  make(map[*dispatchJob]struct{}),
		label: label,
	}
	q.logger = inst.logger.Clone().
		Str(`queue`, label).
		Logger()
	q.closedCtx, q.closeCancel = context.WithCancel(context.Background())
	if cfg.maxDepth > 0 {
		q.sem = semaphore.NewWeighted(int64(cfg.maxDepth))
	}
	q.keepAlive.Store(cfg.keepAlive)

	q.dispatcher, err = inst.engine.NewDispatcher(DispatcherConfig{
		Token:    tok,
		Deliver:  q.deliver,
		Discard:  q.discard,
		Finalize: q.onFinalize,
		Label:    label,
	})
	if err != nil {
		q.closeCancel()
		return nil, fmt.Errorf("hostbridge: create dispatcher: %w", err)
	}

	if !inst.trackQueue(q) {
		q.closed.Store(true)
		q.closeCancel()
		_ = q.dispatcher.Abort()
		return nil, ErrInstanceTornDown
	}

	q.syncRef()

	q.logger.Debug().
		Int(`max_depth`, cfg.maxDepth).
		Bool(`keep_alive`, cfg.keepAlive).
		Log(`hostbridge: dispatch queue created`)

	return q, nil
}

// Label returns the label the queue was created with.
func (q *DispatchQueue) Label() string { return q.label }

// Instance returns the instance the queue is bound to.
func (q *DispatchQueue) Instance() *Instance { return q.inst }

// IsClosed reports whether the queue has been closed, or its dispatcher
// finalized.
func (q *DispatchQueue) IsClosed() bool {
	return q.closed.Load() || q.finalized.Load() || q.token.Value() == nil
}

// Call schedules fn to run on the engine goroutine. It is equivalent to
// CallContext with a background context and no completion callback.
func (q *DispatchQueue) Call(fn Callback, blocking bool) error {
	return q.CallContext(context.Background(), fn, blocking, nil)
}

// CallContext schedules fn to run on the engine goroutine, within a managed
// Scope. It may be called from any goroutine.
//
// If the queue is bounded (see [WithMaxQueueDepth]) and full, a blocking
// call waits for capacity, until ctx is done (failing with a
// [*CancellationError]) or the queue closes, while a non-blocking call fails
// immediately with [ErrQueueFull].
//
// If done is non-nil, it is called exactly once, on the engine goroutine
// after fn returns, with the error (if any) from fn, or on any goroutine,
// with [ErrClosing], if the queue closes before fn starts. In that case an
// error from fn is not thrown into the engine. A non-nil return value means
// the call was not accepted, and done will not be called.
func (q *DispatchQueue) CallContext(ctx context.Context, fn Callback, blocking bool, done func(error)) error {
	if fn == nil {
		return errors.New("hostbridge: nil callback")
	}
	return q.submit(ctx, &dispatchJob{fn: fn, done: done}, blocking, true)
}

// callInternal schedules a control callback, bypassing the depth bound.
func (q *DispatchQueue) callInternal(fn Callback) error {
	return q.submit(context.Background(), &dispatchJob{fn: fn}, false, false)
}

func (q *DispatchQueue) submit(ctx context.Context, job *dispatchJob, blocking, bounded bool) error {
	if q.IsClosed() {
		return ErrClosing
	}

	if bounded && q.sem != nil {
		if blocking {
			if err := q.acquire(ctx); err != nil {
				return err
			}
		} else if !q.sem.TryAcquire(1) {
			q.inst.warning(`queue_full`, q.label).
				Str(`queue`, q.label).
				Log(`hostbridge: dispatch queue full, call rejected`)
			return ErrQueueFull
		}
		job.permit = true
	}

	q.mu.Lock()
	if q.IsClosed() {
		q.mu.Unlock()
		q.releasePermit(job)
		return ErrClosing
	}
	q.jobs[job] = struct{}{}
	q.mu.Unlock()

	if err := q.dispatcher.Call(job, blocking); err != nil {
		q.forget(job)
		if !job.state.CompareAndSwap(jobPending, jobFinished) {
			// already failed via done, by a concurrent close
			return nil
		}
		q.releasePermit(job)
		if errors.Is(err, ErrClosing) {
			return ErrClosing
		}
		return fmt.Errorf("hostbridge: dispatch call: %w", err)
	}

	return nil
}

// acquire waits for capacity, until ctx is done or the queue closes.
func (q *DispatchQueue) acquire(ctx context.Context) error {
	if q.sem.TryAcquire(1) {
		return nil
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(q.closedCtx, cancel)
	defer stop()

	if err := q.sem.Acquire(waitCtx, 1); err != nil {
		if q.IsClosed() {
			return ErrClosing
		}
		return &CancellationError{Cause: ctx.Err()}
	}

	if q.IsClosed() {
		q.sem.Release(1)
		return ErrClosing
	}

	return nil
}

func (q *DispatchQueue) releasePermit(job *dispatchJob) {
	if job.permit {
		job.permit = false
		q.sem.Release(1)
	}
}

func (q *DispatchQueue) forget(job *dispatchJob) {
	q.mu.Lock()
	delete(q.jobs, job)
	q.mu.Unlock()
}

// cancel abandons job if it has not started, returning true if it will never
// run, and its done will never be called.
func (q *DispatchQueue) cancel(job *dispatchJob) bool {
	if !job.state.CompareAndSwap(jobPending, jobFinished) {
		return false
	}
	q.forget(job)
	q.releasePermit(job)
	return true
}

// deliver is the dispatcher's Deliver callback, on the engine goroutine.
func (q *DispatchQueue) deliver(payload any) {
	job := payload.(*dispatchJob)
	q.forget(job)
	if !job.state.CompareAndSwap(jobPending, jobRunning) {
		return
	}
	q.releasePermit(job)

	_, err := withManaged(q.inst, func(s *Scope) (struct{}, error) {
		return struct{}{}, job.fn(s)
	}, job.done == nil)

	job.state.Store(jobFinished)

	if job.done != nil {
		q.complete(job, err)
	}
}

// discard is the dispatcher's Discard callback, on any goroutine.
func (q *DispatchQueue) discard(payload any) {
	q.fail(payload.(*dispatchJob))
}

// fail completes job with ErrClosing, if it has not started.
func (q *DispatchQueue) fail(job *dispatchJob) {
	q.forget(job)
	if !job.state.CompareAndSwap(jobPending, jobFinished) {
		return
	}
	q.releasePermit(job)
	if job.done != nil {
		q.complete(job, ErrClosing)
	} else {
		q.logger.Debug().Log(`hostbridge: dropped call on closed dispatch queue`)
	}
}

func (q *DispatchQueue) complete(job *dispatchJob, err error) {
	defer func() {
		if r := recover(); r != nil {
			if fe, ok := r.(*FatalError); ok {
				panic(fe)
			}
			q.logger.Err().
				Err(&PanicError{Value: r}).
				Log(`hostbridge: completion callback panicked`)
		}
	}()
	job.done(err)
}

// onFinalize is the dispatcher's Finalize callback.
func (q *DispatchQueue) onFinalize() {
	q.finalized.Store(true)
	_ = q.shutdown(`finalized`)
}

// Close permanently closes the queue. Calls that have not yet started fail
// with [ErrClosing], as do all future calls. Safe to call from any
// goroutine, more than once.
func (q *DispatchQueue) Close() error {
	return q.shutdown(`closed`)
}

func (q *DispatchQueue) shutdown(reason string) error {
	first := q.closed.CompareAndSwap(false, true)
	if first {
		q.closeCancel()
	}

	q.mu.Lock()
	jobs := make([]*dispatchJob, 0, len(q.jobs))
	for job := range q.jobs {
		jobs = append(jobs, job)
	}
	clear(q.jobs)
	q.mu.Unlock()

	for _, job := range jobs {
		q.fail(job)
	}

	if !first {
		return nil
	}

	q.inst.untrackQueue(q)

	var err error
	if !q.finalized.Load() {
		if err = q.dispatcher.Abort(); err != nil {
			err = fmt.Errorf("hostbridge: abort dispatcher: %w", err)
		}
	}

	q.logger.Debug().
		Str(`reason`, reason).
		Int(`failed`, len(jobs)).
		Log(`hostbridge: dispatch queue closed`)

	return err
}

// SetKeepAlive sets whether the queue itself keeps the engine loop alive,
// independent of live handles. Must be called within s, which must be a
// current Scope of the queue's instance.
func (q *DispatchQueue) SetKeepAlive(s *Scope, keepAlive bool) {
	s.checkCurrent()
	if s.inst != q.inst {
		fatal(ErrInvalidThreadAccess, "scope belongs to instance %d, queue to %d", s.inst.id, q.inst.id)
	}
	q.keepAlive.Store(keepAlive)
	q.syncRef()
}

// syncRef refs or unrefs the dispatcher to match the desired state. Engine
// goroutine only.
func (q *DispatchQueue) syncRef() {
	if q.IsClosed() {
		return
	}
	want := q.keepAlive.Load() || q.live.Load() > 0
	if want == q.referenced {
		return
	}
	var err error
	if want {
		err = q.dispatcher.Ref()
	} else {
		err = q.dispatcher.Unref()
	}
	if err != nil {
		q.logger.Err().
			Err(err).
			Bool(`ref`, want).
			Log(`hostbridge: failed to update dispatcher keep-alive`)
		return
	}
	q.referenced = want
}
