// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequestSeconds = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: "lance",
		Subsystem: "api",
		Name:      "request_seconds",
		Help:      "Duration of handled REST requests.",
	}, []string{"path"})
	metricUnauthorized = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lance",
		Subsystem: "api",
		Name:      "unauthorized_total",
		Help:      "Number of REST requests rejected for a missing or wrong API key.",
	})
)
