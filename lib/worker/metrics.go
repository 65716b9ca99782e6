// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCallsQueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lance",
		Subsystem: "worker",
		Name:      "calls_queued_total",
		Help:      "Number of calls enqueued on the worker queue.",
	}, []string{"worker"})
	metricCallsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lance",
		Subsystem: "worker",
		Name:      "calls_executed_total",
		Help:      "Number of calls executed, by result.",
	}, []string{"worker", "result"})
	metricCallsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lance",
		Subsystem: "worker",
		Name:      "calls_retried_total",
		Help:      "Number of call retries after retryable failures.",
	}, []string{"worker"})
	metricTickErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lance",
		Subsystem: "worker",
		Name:      "tick_errors_total",
		Help:      "Number of errors returned by the cooperative load.",
	}, []string{"worker"})
	metricBatchesStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lance",
		Subsystem: "worker",
		Name:      "batches_started_total",
		Help:      "Number of batches that began executing.",
	}, []string{"worker"})
	metricBatchesAborted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lance",
		Subsystem: "worker",
		Name:      "batches_aborted_total",
		Help:      "Number of batches aborted by a failing call.",
	}, []string{"worker"})
)
