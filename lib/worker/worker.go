// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package worker implements the long-lived worker primitive used by the
// stateful components: a goroutine owning a FIFO call queue, interleaved
// with a cooperative load function. Calls made while the worker runs are
// queued and executed on the worker goroutine; calls made against a stopped
// worker execute synchronously on the caller. Batches transfer a group of
// calls into the queue under a single lock and abort as a unit on failure.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/lancesync/lance/lib/sync"
)

const (
	defaultMaxCallsPerCycle = 20
	defaultIdleWait         = 100 * time.Millisecond
	defaultRetryDelay       = time.Second
)

// ErrLoadFinished is returned by a TickFunc to indicate the cooperative
// load is exhausted. The worker keeps serving queued calls.
var ErrLoadFinished = errors.New("load finished")

// ErrBatchAborted completes the remaining calls of a batch when an earlier
// call in the same batch failed.
var ErrBatchAborted = errors.New("batch aborted")

// A TickFunc runs one step of the worker's cooperative load. It should
// block only on ctx-aware operations. Any returned error other than
// ErrLoadFinished is logged and the loop continues; an error marked to
// terminate the supervisor tree aborts the worker instead.
type TickFunc func(ctx context.Context) error

type Worker struct {
	name string
	tick TickFunc

	batchBegin func()
	batchEnd   func(aborted error)

	maxCallsPerCycle int
	idleWait         time.Duration

	mut     sync.Mutex
	queue   []entry
	running bool
	signal  chan struct{}
}

// An entry is either a single call or a committed batch.
type entry struct {
	call  *Call
	batch *Batch
}

func New(name string, tick TickFunc) *Worker {
	return &Worker{
		name:             name,
		tick:             tick,
		maxCallsPerCycle: defaultMaxCallsPerCycle,
		idleWait:         defaultIdleWait,
		mut:              sync.NewMutex(),
		signal:           make(chan struct{}, 1),
	}
}

// SetBatchHooks installs functions run on the worker goroutine when a
// committed batch begins and ends. The end hook receives a non-nil error
// when the batch was aborted. Must be called before Serve.
func (w *Worker) SetBatchHooks(begin func(), end func(aborted error)) {
	w.batchBegin = begin
	w.batchEnd = end
}

func (w *Worker) String() string {
	return "worker/" + w.name
}

// Call enqueues fn for execution on the worker goroutine and returns its
// result handle. If the worker is not running the call executes
// synchronously on the caller's goroutine and the returned handle is
// already completed.
func (w *Worker) Call(name string, fn CallFunc, opts ...CallOption) *Result {
	c := newCall(name, fn, opts...)

	w.mut.Lock()
	if !w.running {
		w.mut.Unlock()
		w.runSync(c)
		return c.res
	}
	w.queue = append(w.queue, entry{call: c})
	w.mut.Unlock()

	metricCallsQueued.WithLabelValues(w.name).Inc()
	w.notify()
	return c.res
}

func (w *Worker) notify() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// runSync executes a call (and its retries) on the current goroutine,
// used when the worker is stopped.
func (w *Worker) runSync(c *Call) {
	ctx := context.Background()
	for {
		val, err := c.fn(ctx)
		if err == nil {
			c.res.complete(val, nil)
			return
		}
		if c.retryOn != nil && c.retryOn(err) && time.Now().Before(c.deadline) {
			metricCallsRetried.WithLabelValues(w.name).Inc()
			time.Sleep(c.retryDelay)
			continue
		}
		c.res.complete(nil, err)
		return
	}
}

// Serve runs the worker loop until ctx is cancelled. Pending and
// not-yet-executed calls complete with the context error on exit.
func (w *Worker) Serve(ctx context.Context) error {
	w.mut.Lock()
	w.running = true
	w.mut.Unlock()

	defer func() {
		w.mut.Lock()
		w.running = false
		rest := w.queue
		w.queue = nil
		w.mut.Unlock()
		for _, e := range rest {
			e.fail(ctx.Err())
		}
	}()

	l.Debugln(w, "starting")
	loadDone := w.tick == nil

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !loadDone {
			switch err := w.tick(ctx); {
			case err == nil:
			case errors.Is(err, ErrLoadFinished):
				l.Debugln(w, "load finished")
				loadDone = true
			case errors.Is(err, suture.ErrTerminateSupervisorTree):
				return err
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				l.Debugln(w, "tick:", err)
				metricTickErrors.WithLabelValues(w.name).Inc()
			}
		}

		executed := w.processQueue(ctx)

		// A worker without a live load has nothing to pace it, so block
		// until new calls arrive. One with a load only naps when the last
		// cycle was a no-op, to avoid spinning on deferred retries.
		if loadDone || !executed {
			select {
			case <-w.signal:
			case <-time.After(w.idleWait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// processQueue executes up to maxCallsPerCycle queued calls in FIFO order.
// Entries whose retry delay has not elapsed rotate to the tail. Returns
// whether anything was executed.
func (w *Worker) processQueue(ctx context.Context) bool {
	executed := false
	budget := w.maxCallsPerCycle

	w.mut.Lock()
	pending := len(w.queue)
	w.mut.Unlock()

	for budget > 0 && pending > 0 && ctx.Err() == nil {
		w.mut.Lock()
		if len(w.queue) == 0 {
			w.mut.Unlock()
			break
		}
		e := w.queue[0]
		w.queue = w.queue[1:]
		w.mut.Unlock()

		pending--

		if at := e.notBefore(); !at.IsZero() && at.After(time.Now()) {
			w.mut.Lock()
			w.queue = append(w.queue, e)
			w.mut.Unlock()
			continue
		}

		switch {
		case e.call != nil:
			budget--
			executed = true
			w.runQueued(ctx, e.call)
		case e.batch != nil:
			budget -= len(e.batch.calls)
			executed = true
			w.runBatch(ctx, e.batch)
		}
	}
	return executed
}

// runQueued executes one queued call on the worker goroutine.
func (w *Worker) runQueued(ctx context.Context, c *Call) {
	val, err := c.fn(ctx)
	if err == nil {
		metricCallsExecuted.WithLabelValues(w.name, "success").Inc()
		c.res.complete(val, nil)
		return
	}
	if c.retryOn != nil && c.retryOn(err) && time.Now().Before(c.deadline) {
		metricCallsRetried.WithLabelValues(w.name).Inc()
		c.notBefore = time.Now().Add(c.retryDelay)
		w.mut.Lock()
		w.queue = append(w.queue, entry{call: c})
		w.mut.Unlock()
		return
	}
	metricCallsExecuted.WithLabelValues(w.name, "error").Inc()
	if c.raiseImmediately {
		// There is no caller stack to propagate into; surface loudly on
		// the worker instead of waiting for someone to poll the handle.
		l.Warnln(w, "call", c.name, "failed:", err)
	}
	c.res.complete(nil, err)
}

// runBatch executes the calls of a committed batch in order. The first
// failure aborts the remainder: retryable failures re-queue the batch tail
// for a later cycle, others complete the remaining calls with
// ErrBatchAborted. The begin hook runs once per batch, the end hook exactly
// once, after the last call has completed or aborted.
func (w *Worker) runBatch(ctx context.Context, b *Batch) {
	if !b.begun {
		b.begun = true
		metricBatchesStarted.WithLabelValues(w.name).Inc()
		if w.batchBegin != nil {
			w.batchBegin()
		}
	}

	for i := 0; i < len(b.calls); i++ {
		c := b.calls[i]
		val, err := c.fn(ctx)
		if err == nil {
			metricCallsExecuted.WithLabelValues(w.name, "success").Inc()
			c.res.complete(val, nil)
			continue
		}

		if c.retryOn != nil && c.retryOn(err) && time.Now().Before(c.deadline) {
			// Requeue the failed call and the rest of the batch as a unit,
			// so the end hook still runs exactly once.
			metricCallsRetried.WithLabelValues(w.name).Inc()
			b.calls = b.calls[i:]
			b.notBefore = time.Now().Add(c.retryDelay)
			w.mut.Lock()
			w.queue = append(w.queue, entry{batch: b})
			w.mut.Unlock()
			return
		}

		metricCallsExecuted.WithLabelValues(w.name, "error").Inc()
		l.Warnln(w, "batch call", c.name, "failed, aborting batch:", err)
		c.res.complete(nil, err)
		for _, rest := range b.calls[i+1:] {
			rest.res.complete(nil, ErrBatchAborted)
		}
		metricBatchesAborted.WithLabelValues(w.name).Inc()
		w.finishBatch(b, err)
		return
	}

	w.finishBatch(b, nil)
}

func (w *Worker) finishBatch(b *Batch, aborted error) {
	if w.batchEnd != nil {
		w.batchEnd(aborted)
	}
}

func (e entry) notBefore() time.Time {
	if e.call != nil {
		return e.call.notBefore
	}
	return e.batch.notBefore
}

func (e entry) fail(err error) {
	if err == nil {
		err = context.Canceled
	}
	if e.call != nil {
		e.call.res.complete(nil, err)
		return
	}
	for _, c := range e.batch.calls {
		c.res.complete(nil, err)
	}
}
