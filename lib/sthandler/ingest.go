// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package sthandler

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lancesync/lance/lib/daemon"
	"github.com/lancesync/lance/lib/events"
	"github.com/lancesync/lance/lib/locations"
)

// Items of interest inside configuration and control folders, as the
// daemon reports them.
const (
	configDocItem = configSubdir + "/" + configFileName
	syncHashItem  = configSyncSubdir + "/" + syncHashFileName
)

// ingest advances the configuration state machine by one daemon event.
func (h *Handler) ingest(ctx context.Context, ev daemon.Event) {
	metricEventsIngested.WithLabelValues(ev.Type).Inc()

	switch ev.Type {
	case daemon.EventStarting:
		if data, err := ev.Starting(); err == nil {
			l.Debugf("Daemon starting, home %s, ID %s", data.Home, data.MyID)
			if data.MyID != "" && data.MyID != h.myID {
				l.Warnf("Daemon identity changed: %s != %s", data.MyID, h.myID)
			}
		}

	case daemon.EventStartupComplete:
		h.onStartupComplete(ctx)

	case daemon.EventItemStarted:
		h.onItemStarted(ev)

	case daemon.EventItemFinished:
		h.onItemFinished(ctx, ev)

	case daemon.EventFolderSummary:
		h.onFolderSummary(ctx, ev)

	case daemon.EventDeviceConnected, daemon.EventDeviceDisconnected,
		daemon.EventDevicePaused, daemon.EventDeviceResumed:
		h.onDeviceEvent(ev)

	default:
		h.bus.Log(events.DaemonGeneric, ev)
	}
}

// onStartupComplete probes whether our configuration document is globally
// current. The daemon has just (re)started, so whatever we believed about
// sync state is stale.
func (h *Handler) onStartupComplete(ctx context.Context) {
	dbf, err := h.cli.DBFileModified(ctx, h.configFolderID(), configDocItem)
	if err != nil {
		var apiErr *daemon.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			// The daemon does not know the document, or the folder at
			// all. Push our configuration; the fast path restarts the
			// daemon if it cannot apply it live.
			l.Infoln("Daemon has no configuration document; pushing configuration")
			if err := h.saveDaemonConfig(ctx); err != nil {
				l.Warnln("Pushing configuration:", err)
			}
			return
		}
		l.Debugln("Probing configuration document:", err)
		return
	}

	switch insync := dbf.GlobalModified.Equal(dbf.LocalModified); {
	case insync && h.state != configSynced:
		h.onConfigApplied(ctx)
	case !insync && h.state == configSynced:
		h.setSyncState(configChanging)
	}
}

func (h *Handler) onItemStarted(ev daemon.Event) {
	data, err := ev.Item()
	if err != nil {
		l.Debugln("Decoding ItemStarted:", err)
		return
	}

	if data.Folder == h.configFolderID() {
		if data.Item == configDocItem && data.Action != "metadata" {
			l.Debugln("Configuration document incoming")
			h.setSyncState(configChanging)
		}
		return
	}

	if f, ok := h.folders[data.Folder]; ok {
		f.Volatile.State = "syncing"
		f.Volatile.Synced = false
		h.bus.Log(events.FoldersVolatileDataChanged, FolderEventData{Folders: []*Folder{f.Copy()}})
	}
}

func (h *Handler) onItemFinished(ctx context.Context, ev daemon.Event) {
	data, err := ev.Item()
	if err != nil {
		l.Debugln("Decoding ItemFinished:", err)
		return
	}
	if data.Error != nil && *data.Error != "" {
		l.Debugf("Skipping failed item %s in %s: %s", data.Item, data.Folder, *data.Error)
		return
	}

	if data.Folder == h.configFolderID() {
		if data.Item == configDocItem {
			h.onConfigApplied(ctx)
		}
		return
	}

	if h.isServer() {
		if dev := h.deviceByControlFolder(data.Folder); dev != nil {
			switch data.Item {
			case syncHashItem:
				h.onDeviceAck(ctx, dev)
			case configDocItem:
				h.onStaleControlConfig(ctx, dev)
			}
			return
		}
	}
}

// onConfigApplied runs when a complete authoritative document has landed:
// reconcile, persist the bootstrap cache, and acknowledge on clients.
func (h *Handler) onConfigApplied(ctx context.Context) {
	changed, err := h.reloadConfiguration(ctx, false)
	if err != nil {
		l.Infoln("Reloading configuration:", err)
		return
	}
	if err := h.writeBootstrapCache(); err != nil {
		l.Warnln("Writing bootstrap cache:", err)
	}
	h.setSyncState(configSynced)
	if changed {
		if err := h.saveDaemonConfig(ctx); err != nil {
			l.Infoln("Applying configuration to daemon:", err)
		}
	}
	if !h.isServer() {
		if err := h.writeSyncHash(ctx); err != nil {
			l.Warnln("Writing sync hash:", err)
		}
	}
}

// onDeviceAck checks a device's acknowledgement hash against the one we
// expect for the configuration we last published to it. A match on a
// device scheduled for deletion completes the eviction.
func (h *Handler) onDeviceAck(ctx context.Context, dev *Device) {
	bs, err := os.ReadFile(filepath.Join(locations.ControlFolder(dev.ID), configSyncSubdir, syncHashFileName))
	if err != nil {
		l.Debugln("Reading acknowledgement hash:", err)
		return
	}
	hash := strings.TrimSpace(string(bs))
	if hash != h.expectedHash[dev.ID] {
		l.Debugf("Device %s acknowledged a stale configuration", dev.ID)
		return
	}

	l.Debugf("Device %s in sync with its published configuration", dev.ID)
	if !dev.Volatile.Synced {
		dev.Volatile.Synced = true
		h.bus.Log(events.DevicesVolatileDataChanged, DeviceEventData{Devices: []*Device{dev.Copy()}})
	}

	if dev.ScheduledForDeletion() {
		l.Infof("Device %s acknowledged its removal", dev.ID)
		metricDeviceEvictions.WithLabelValues("acknowledged").Inc()
		if err := h.finishRemoveDevice(ctx, dev); err != nil {
			l.Warnln("Completing device removal:", err)
		}
	}
}

// onStaleControlConfig handles a device's control folder having synced a
// configuration document from before the device was added: the leftovers
// of an earlier life of the same ID. We republish the current view so the
// device does not act on the stale one.
func (h *Handler) onStaleControlConfig(ctx context.Context, dev *Device) {
	dbf, err := h.cli.DBFileModified(ctx, h.controlFolderID(dev.ID), configDocItem)
	if err != nil {
		l.Debugln("Probing control document:", err)
		return
	}
	if !dbf.GlobalModified.Before(time.Unix(dev.AddedAt, 0)) {
		return
	}
	l.Infof("Device %s synced a configuration from before it was added; rewriting", dev.ID)
	if err := h.writeDeviceView(dev.ID); err != nil {
		l.Warnln("Rewriting device configuration:", err)
		return
	}
	if err := h.cli.Scan(ctx, h.controlFolderID(dev.ID), configSubdir); err != nil {
		l.Debugln("Scanning control folder:", err)
	}
}

func (h *Handler) onFolderSummary(ctx context.Context, ev daemon.Event) {
	data, err := ev.FolderSummary()
	if err != nil {
		l.Debugln("Decoding FolderSummary:", err)
		return
	}

	if data.Folder == h.configFolderID() {
		// A missed ItemFinished still shows up as the configuration
		// folder having nothing left to do.
		if data.Summary.NeedTotalItems == 0 && h.state != configSynced {
			h.onConfigApplied(ctx)
		}
		return
	}

	f, ok := h.folders[data.Folder]
	if !ok {
		return
	}
	wasSynced := f.Volatile.Synced
	f.Volatile.State = data.Summary.State
	f.Volatile.NeedTotalItems = data.Summary.NeedTotalItems
	f.Volatile.GlobalFiles = data.Summary.GlobalFiles
	f.Volatile.GlobalBytes = data.Summary.GlobalBytes
	f.Volatile.LocalFiles = data.Summary.LocalFiles
	f.Volatile.LocalBytes = data.Summary.LocalBytes
	f.Volatile.Synced = data.Summary.NeedTotalItems == 0

	h.bus.Log(events.FoldersVolatileDataChanged, FolderEventData{Folders: []*Folder{f.Copy()}})
	if f.Volatile.Synced && !wasSynced {
		h.bus.Log(events.FoldersSynced, FolderEventData{Folders: []*Folder{f.Copy()}})
	}
}

func (h *Handler) onDeviceEvent(ev daemon.Event) {
	data, err := ev.Device()
	if err != nil {
		l.Debugln("Decoding device event:", err)
		return
	}
	dev, ok := h.devices[data.ID]
	if !ok {
		return
	}
	switch ev.Type {
	case daemon.EventDeviceConnected:
		dev.Volatile.Connected = true
		dev.Volatile.Address = data.Address
		dev.Volatile.ClientName = data.ClientName
		dev.Volatile.ClientVersion = data.ClientVersion
	case daemon.EventDeviceDisconnected:
		dev.Volatile.Connected = false
	case daemon.EventDevicePaused:
		dev.Volatile.Paused = true
	case daemon.EventDeviceResumed:
		dev.Volatile.Paused = false
	}
	h.bus.Log(events.DevicesVolatileDataChanged, DeviceEventData{Devices: []*Device{dev.Copy()}})
}
