// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package sthandler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lance",
		Subsystem: "sthandler",
		Name:      "daemon_events_ingested_total",
		Help:      "Daemon events ingested by the handler, by event type.",
	}, []string{"type"})

	metricReloads = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lance",
		Subsystem: "sthandler",
		Name:      "configuration_reloads_total",
		Help:      "Reconciliations against the authoritative configuration.",
	})

	metricConfigSaves = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lance",
		Subsystem: "sthandler",
		Name:      "configuration_saves_total",
		Help:      "Saves of the authoritative configuration and device views.",
	})

	metricDaemonConfigSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lance",
		Subsystem: "sthandler",
		Name:      "daemon_config_saves_total",
		Help:      "Daemon configuration updates, by update path.",
	}, []string{"path"})

	metricSyncState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lance",
		Subsystem: "sthandler",
		Name:      "config_sync_state",
		Help:      "Configuration sync state: 0 unsynced_initial, 1 changing, 2 synced.",
	})

	metricDeviceEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lance",
		Subsystem: "sthandler",
		Name:      "device_evictions_total",
		Help:      "Device deletion protocol progress, by stage.",
	}, []string{"stage"})
)
