// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package worker

import "time"

// A Batch accumulates calls without executing them. Commit transfers the
// whole group into the worker queue under a single lock; the worker then
// executes the calls back to back, framed by the batch hooks. A failing
// call aborts the remainder of the batch.
type Batch struct {
	w         *Worker
	calls     []*Call
	begun     bool
	committed bool
	notBefore time.Time
}

func (w *Worker) NewBatch() *Batch {
	return &Batch{w: w}
}

// Call queues fn into the batch and returns its handle. Nothing executes
// until Commit. Batched calls are implicitly in raise-immediately mode.
func (b *Batch) Call(name string, fn CallFunc, opts ...CallOption) *Result {
	if b.committed {
		panic("worker: call on committed batch")
	}
	c := newCall(name, fn, opts...)
	c.raiseImmediately = true
	b.calls = append(b.calls, c)
	return c.res
}

// Commit atomically transfers the batch into the worker's queue. On a
// stopped worker the batch executes synchronously on the caller's
// goroutine. Commit may be called once.
func (b *Batch) Commit() {
	if b.committed {
		panic("worker: batch committed twice")
	}
	b.committed = true

	if len(b.calls) == 0 {
		return
	}

	w := b.w
	w.mut.Lock()
	if !w.running {
		w.mut.Unlock()
		b.runSync(w)
		return
	}
	w.queue = append(w.queue, entry{batch: b})
	w.mut.Unlock()

	metricCallsQueued.WithLabelValues(w.name).Add(float64(len(b.calls)))
	w.notify()
}

// runSync executes the batch on the current goroutine, for stopped
// workers. Retries happen inline; the first definitive failure aborts the
// remainder.
func (b *Batch) runSync(w *Worker) {
	b.begun = true
	metricBatchesStarted.WithLabelValues(w.name).Inc()
	if w.batchBegin != nil {
		w.batchBegin()
	}
	var aborted error
	for i, c := range b.calls {
		w.runSync(c)
		if err := c.res.Err(); err != nil {
			aborted = err
			for _, rest := range b.calls[i+1:] {
				rest.res.complete(nil, ErrBatchAborted)
			}
			metricBatchesAborted.WithLabelValues(w.name).Inc()
			break
		}
	}
	if w.batchEnd != nil {
		w.batchEnd(aborted)
	}
}

// Len returns the number of calls accumulated so far.
func (b *Batch) Len() int {
	return len(b.calls)
}
