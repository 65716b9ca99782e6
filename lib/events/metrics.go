// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEventsLogged = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lance",
		Subsystem: "events",
		Name:      "logged_total",
	}, []string{"type"})

	metricEventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lance",
		Subsystem: "dispatcher",
		Name:      "events_delivered_total",
	}, []string{"type"})

	metricProcessorsSpawned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lance",
		Subsystem: "dispatcher",
		Name:      "processors_spawned_total",
	}, []string{"factory"})

	metricFactoryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lance",
		Subsystem: "dispatcher",
		Name:      "factory_errors_total",
	}, []string{"factory"})
)
