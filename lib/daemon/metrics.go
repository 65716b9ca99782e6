// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package daemon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lance",
		Subsystem: "daemon",
		Name:      "api_requests_total",
	}, []string{"endpoint"})

	metricRequestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lance",
		Subsystem: "daemon",
		Name:      "api_request_errors_total",
	}, []string{"endpoint"})

	metricEventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lance",
		Subsystem: "daemon",
		Name:      "events_received_total",
	})

	metricStarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lance",
		Subsystem: "daemon",
		Name:      "process_starts_total",
	})

	metricStops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lance",
		Subsystem: "daemon",
		Name:      "process_stops_total",
	})
)
