// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package worker

import (
	"context"
	"time"

	"github.com/lancesync/lance/lib/sync"
)

// A CallFunc is the body of a queued call. It runs on the worker goroutine
// (or the caller's, when the worker is stopped).
type CallFunc func(ctx context.Context) (interface{}, error)

// A Call is one queued method invocation.
type Call struct {
	name string
	fn   CallFunc
	res  *Result

	retryOn    func(error) bool
	deadline   time.Time
	retryDelay time.Duration
	notBefore  time.Time

	raiseImmediately bool
}

type CallOption func(*Call)

// WithRetry re-enqueues the call when it fails with an error accepted by
// retryOn, until the window has elapsed.
func WithRetry(retryOn func(error) bool, window time.Duration) CallOption {
	return func(c *Call) {
		c.retryOn = retryOn
		c.deadline = time.Now().Add(window)
	}
}

// WithRetryDelay adjusts the pause before a retried call becomes runnable
// again. The default is one second.
func WithRetryDelay(d time.Duration) CallOption {
	return func(c *Call) {
		c.retryDelay = d
	}
}

// WithRaiseImmediately marks the call's failure as urgent: it is logged on
// the worker when it happens instead of waiting in the handle. Batched
// calls are always in this mode.
func WithRaiseImmediately() CallOption {
	return func(c *Call) {
		c.raiseImmediately = true
	}
}

func newCall(name string, fn CallFunc, opts ...CallOption) *Call {
	c := &Call{
		name:       name,
		fn:         fn,
		res:        newResult(),
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// A Result is the handle for an asynchronous call. It completes exactly
// once, with a value or an error.
type Result struct {
	mut       sync.Mutex
	done      chan struct{}
	val       interface{}
	err       error
	completed bool
	callbacks []func(*Result)
}

func newResult() *Result {
	return &Result{
		mut:  sync.NewMutex(),
		done: make(chan struct{}),
	}
}

func (r *Result) complete(val interface{}, err error) {
	r.mut.Lock()
	if r.completed {
		r.mut.Unlock()
		return
	}
	r.val = val
	r.err = err
	r.completed = true
	cbs := r.callbacks
	r.callbacks = nil
	r.mut.Unlock()

	close(r.done)
	for _, cb := range cbs {
		cb(r)
	}
}

// Done returns a channel closed when the call has completed.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Completed reports whether the call has finished.
func (r *Result) Completed() bool {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.completed
}

// Wait blocks until the call completes and returns the call's error, or
// the context error if ctx ends the wait first.
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the call's error. It is only meaningful after completion.
func (r *Result) Err() error {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.err
}

// Get waits for completion and returns the call's value or error.
func (r *Result) Get(ctx context.Context) (interface{}, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.val, r.err
}

// OnComplete registers fn to run when the call completes. The callback runs
// on the worker goroutine; if the call has already completed it runs
// immediately on the caller's goroutine.
func (r *Result) OnComplete(fn func(*Result)) {
	r.mut.Lock()
	if !r.completed {
		r.callbacks = append(r.callbacks, fn)
		r.mut.Unlock()
		return
	}
	r.mut.Unlock()
	fn(r)
}

// Get waits for the handle and asserts its value to T. A nil value yields
// the zero T.
func Get[T any](ctx context.Context, r *Result) (T, error) {
	var zero T
	val, err := r.Get(ctx)
	if err != nil {
		return zero, err
	}
	if val == nil {
		return zero, nil
	}
	return val.(T), nil
}
