// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricProjects = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lance",
		Subsystem: "server",
		Name:      "projects",
		Help:      "Number of projects currently tracked by this node.",
	})
	metricProjectsAdded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lance",
		Subsystem: "server",
		Name:      "projects_added_total",
		Help:      "Number of projects created locally.",
	})
	metricDiscoveryPasses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lance",
		Subsystem: "server",
		Name:      "project_discovery_passes_total",
		Help:      "Number of project discovery passes over the folder model.",
	})
)
