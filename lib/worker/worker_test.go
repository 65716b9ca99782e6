// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"
)

// startWorker runs w until the test ends and blocks until the serve loop
// has actually taken over the queue.
func startWorker(t *testing.T, w *Worker) {
	t.Helper()
	w.idleWait = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	for {
		w.mut.Lock()
		running := w.running
		w.mut.Unlock()
		if running {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCallOnStoppedWorkerRunsSynchronously(t *testing.T) {
	w := New("test", nil)

	ran := false
	res := w.Call("op", func(_ context.Context) (interface{}, error) {
		ran = true
		return 42, nil
	})

	if !ran {
		t.Fatal("Call on a stopped worker should execute immediately")
	}
	if !res.Completed() {
		t.Fatal("Handle should be completed")
	}
	v, err := Get[int](context.Background(), res)
	if err != nil {
		t.Fatal(err)
	}
	if v != 42 {
		t.Errorf("Incorrect value %d != 42", v)
	}
}

func TestCallsRunFIFOOnWorkerGoroutine(t *testing.T) {
	w := New("test", nil)
	startWorker(t, w)

	var order []int
	var last *Result
	for i := 0; i < 10; i++ {
		i := i
		last = w.Call("op", func(_ context.Context) (interface{}, error) {
			order = append(order, i)
			return nil, nil
		})
	}

	if err := last.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("Out of order execution: %v", order)
		}
	}
}

func TestCallError(t *testing.T) {
	w := New("test", nil)
	startWorker(t, w)

	errFail := errors.New("fail")
	res := w.Call("op", func(_ context.Context) (interface{}, error) {
		return nil, errFail
	})

	if _, err := res.Get(context.Background()); !errors.Is(err, errFail) {
		t.Errorf("Incorrect error %v", err)
	}
}

func TestRetryUntilSuccess(t *testing.T) {
	w := New("test", nil)
	startWorker(t, w)

	errAgain := errors.New("again")
	attempts := 0
	res := w.Call("op", func(_ context.Context) (interface{}, error) {
		attempts++
		if attempts < 3 {
			return nil, errAgain
		}
		return "done", nil
	},
		WithRetry(func(err error) bool { return errors.Is(err, errAgain) }, time.Minute),
		WithRetryDelay(time.Millisecond))

	v, err := Get[string](context.Background(), res)
	if err != nil {
		t.Fatal(err)
	}
	if v != "done" {
		t.Errorf("Incorrect value %q", v)
	}
	if attempts != 3 {
		t.Errorf("Incorrect number of attempts %d != 3", attempts)
	}
}

func TestRetryWindowExpires(t *testing.T) {
	w := New("test", nil)
	startWorker(t, w)

	errAgain := errors.New("again")
	res := w.Call("op", func(_ context.Context) (interface{}, error) {
		return nil, errAgain
	},
		WithRetry(func(err error) bool { return errors.Is(err, errAgain) }, 10*time.Millisecond),
		WithRetryDelay(time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := res.Get(ctx); !errors.Is(err, errAgain) {
		t.Errorf("Incorrect error %v", err)
	}
}

func TestNonRetryableErrorNotRetried(t *testing.T) {
	w := New("test", nil)
	startWorker(t, w)

	errAgain := errors.New("again")
	errOther := errors.New("other")
	attempts := 0
	res := w.Call("op", func(_ context.Context) (interface{}, error) {
		attempts++
		return nil, errOther
	}, WithRetry(func(err error) bool { return errors.Is(err, errAgain) }, time.Minute))

	if _, err := res.Get(context.Background()); !errors.Is(err, errOther) {
		t.Errorf("Incorrect error %v", err)
	}
	if attempts != 1 {
		t.Errorf("Incorrect number of attempts %d != 1", attempts)
	}
}

func TestOnComplete(t *testing.T) {
	w := New("test", nil)
	startWorker(t, w)

	got := make(chan interface{}, 1)
	res := w.Call("op", func(_ context.Context) (interface{}, error) {
		return "hello", nil
	})
	res.OnComplete(func(r *Result) {
		v, _ := r.Get(context.Background())
		got <- v
	})

	select {
	case v := <-got:
		if v != "hello" {
			t.Errorf("Incorrect value %v", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for callback")
	}

	// Registering on an already completed handle fires immediately.
	fired := false
	res.OnComplete(func(*Result) { fired = true })
	if !fired {
		t.Error("Callback on completed handle should fire immediately")
	}
}

func TestTickInterleaving(t *testing.T) {
	var ticks atomic.Int32
	w := New("test", func(_ context.Context) error {
		if ticks.Add(1) >= 3 {
			return ErrLoadFinished
		}
		return nil
	})
	startWorker(t, w)

	deadline := time.Now().Add(5 * time.Second)
	for ticks.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := ticks.Load(); n != 3 {
		t.Fatalf("Incorrect number of ticks %d != 3", n)
	}

	// The load finished; further cycles must not tick it again, while
	// queued calls keep being served.
	time.Sleep(50 * time.Millisecond)
	if n := ticks.Load(); n != 3 {
		t.Errorf("Load ticked after finishing, %d != 3", n)
	}

	res := w.Call("op", func(_ context.Context) (interface{}, error) {
		return nil, nil
	})
	if err := res.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestFatalTickErrorStopsWorker(t *testing.T) {
	errBroken := fmt.Errorf("broken beyond repair: %w", suture.ErrTerminateSupervisorTree)
	var ticks atomic.Int32
	w := New("test", func(_ context.Context) error {
		ticks.Add(1)
		return errBroken
	})
	w.idleWait = time.Millisecond

	done := make(chan error, 1)
	go func() { done <- w.Serve(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, suture.ErrTerminateSupervisorTree) {
			t.Errorf("Incorrect error %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for Serve to return")
	}
	if n := ticks.Load(); n != 1 {
		t.Errorf("Tick ran %d times, want 1", n)
	}
}

func TestPendingCallsFailOnStop(t *testing.T) {
	w := New("test", nil)
	w.idleWait = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		w.Serve(ctx)
	}()

	// Wait for the worker to run, then occupy it with a blocking call and
	// queue another behind it.
	for {
		w.mut.Lock()
		running := w.running
		w.mut.Unlock()
		if running {
			break
		}
		time.Sleep(time.Millisecond)
	}

	blocking := w.Call("block", func(_ context.Context) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	})
	<-started
	pending := w.Call("pending", func(_ context.Context) (interface{}, error) {
		return nil, nil
	})

	cancel()
	close(release)
	<-serveDone

	if err := blocking.Err(); err != nil {
		t.Errorf("Blocking call should have completed cleanly, got %v", err)
	}
	if _, err := pending.Get(context.Background()); !errors.Is(err, context.Canceled) {
		t.Errorf("Pending call should fail with context.Canceled, got %v", err)
	}
}

func TestBatchRunsAsUnit(t *testing.T) {
	w := New("test", nil)

	var begins, ends atomic.Int32
	w.SetBatchHooks(
		func() { begins.Add(1) },
		func(error) { ends.Add(1) },
	)
	startWorker(t, w)

	var order []int
	b := w.NewBatch()
	var results []*Result
	for i := 0; i < 5; i++ {
		i := i
		results = append(results, b.Call("op", func(_ context.Context) (interface{}, error) {
			order = append(order, i)
			return nil, nil
		}))
	}
	b.Commit()

	for _, r := range results {
		if err := r.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("Out of order batch execution: %v", order)
		}
	}

	// Hooks fire on the worker goroutine; the last result completing
	// happens before the end hook, so give it a moment.
	deadline := time.Now().Add(5 * time.Second)
	for (begins.Load() != 1 || ends.Load() != 1) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if b, e := begins.Load(), ends.Load(); b != 1 || e != 1 {
		t.Errorf("Hooks fired begin=%d end=%d, want 1/1", b, e)
	}
}

func TestBatchAbortsOnFailure(t *testing.T) {
	w := New("test", nil)

	var aborted error
	endFired := make(chan struct{})
	w.SetBatchHooks(nil, func(err error) {
		aborted = err
		close(endFired)
	})
	startWorker(t, w)

	errBoom := errors.New("boom")
	b := w.NewBatch()
	first := b.Call("ok", func(_ context.Context) (interface{}, error) { return nil, nil })
	failing := b.Call("fail", func(_ context.Context) (interface{}, error) { return nil, errBoom })
	skipped := b.Call("skipped", func(_ context.Context) (interface{}, error) {
		t.Error("Call after a failed batch call should not run")
		return nil, nil
	})
	b.Commit()

	select {
	case <-endFired:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for batch end hook")
	}

	if err := first.Err(); err != nil {
		t.Errorf("First call should succeed, got %v", err)
	}
	if err := failing.Err(); !errors.Is(err, errBoom) {
		t.Errorf("Failing call error %v != boom", err)
	}
	if err := skipped.Err(); !errors.Is(err, ErrBatchAborted) {
		t.Errorf("Skipped call error %v != ErrBatchAborted", err)
	}
	if !errors.Is(aborted, errBoom) {
		t.Errorf("End hook aborted error %v != boom", aborted)
	}
}

func TestBatchRetryKeepsSingleEndHook(t *testing.T) {
	w := New("test", nil)

	var begins, ends atomic.Int32
	w.SetBatchHooks(
		func() { begins.Add(1) },
		func(error) { ends.Add(1) },
	)
	startWorker(t, w)

	errAgain := errors.New("again")
	attempts := 0
	b := w.NewBatch()
	b.Call("flaky", func(_ context.Context) (interface{}, error) {
		attempts++
		if attempts < 3 {
			return nil, errAgain
		}
		return nil, nil
	},
		WithRetry(func(err error) bool { return errors.Is(err, errAgain) }, time.Minute),
		WithRetryDelay(time.Millisecond))
	last := b.Call("after", func(_ context.Context) (interface{}, error) { return nil, nil })
	b.Commit()

	if err := last.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for ends.Load() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := begins.Load(); n != 1 {
		t.Errorf("Begin hook fired %d times, want 1", n)
	}
	if n := ends.Load(); n != 1 {
		t.Errorf("End hook fired %d times, want 1", n)
	}
	if attempts != 3 {
		t.Errorf("Incorrect number of attempts %d != 3", attempts)
	}
}

func TestBatchOnStoppedWorkerRunsSynchronously(t *testing.T) {
	w := New("test", nil)

	var begins, ends int
	w.SetBatchHooks(
		func() { begins++ },
		func(error) { ends++ },
	)

	b := w.NewBatch()
	res := b.Call("op", func(_ context.Context) (interface{}, error) { return 1, nil })
	b.Commit()

	if !res.Completed() {
		t.Fatal("Batch on stopped worker should execute during Commit")
	}
	if begins != 1 || ends != 1 {
		t.Errorf("Hooks fired begin=%d end=%d, want 1/1", begins, ends)
	}
}

func TestBatchDoubleCommitPanics(t *testing.T) {
	w := New("test", nil)
	b := w.NewBatch()
	b.Call("op", func(_ context.Context) (interface{}, error) { return nil, nil })
	b.Commit()

	defer func() {
		if recover() == nil {
			t.Error("Second commit should panic")
		}
	}()
	b.Commit()
}

func TestEmptyBatchCommitIsNoop(t *testing.T) {
	w := New("test", nil)

	hooks := 0
	w.SetBatchHooks(func() { hooks++ }, func(error) { hooks++ })

	b := w.NewBatch()
	b.Commit()

	if hooks != 0 {
		t.Errorf("Empty batch should not fire hooks, got %d", hooks)
	}
	if b.Len() != 0 {
		t.Errorf("Empty batch length %d != 0", b.Len())
	}
}
