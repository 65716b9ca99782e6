// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package project

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRescans = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lance",
		Subsystem: "project",
		Name:      "rescans_total",
		Help:      "Configuration rescans, by result.",
	}, []string{"project", "result"})

	metricEventsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lance",
		Subsystem: "project",
		Name:      "events_handled_total",
		Help:      "Bus events handled by project managers, by event type.",
	}, []string{"project", "type"})

	metricSettingsWrites = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lance",
		Subsystem: "project",
		Name:      "settings_writes_total",
		Help:      "Writes of per-project settings documents.",
	})

	metricShotParts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lance",
		Subsystem: "project",
		Name:      "shotparts",
		Help:      "Shot parts tracked, per project.",
	}, []string{"project"})

	metricUsers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lance",
		Subsystem: "project",
		Name:      "users",
		Help:      "Users configured, per project.",
	}, []string{"project"})
)
