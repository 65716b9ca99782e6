// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package project derives a shot/user model for one project from the sync
// handler's folder metadata and the project's settings document, and keeps
// the handler's device topology consistent with it. One Manager runs per
// project, attached to the event dispatcher.
package project

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"github.com/lancesync/lance/lib/events"
	"github.com/lancesync/lance/lib/sthandler"
	"github.com/lancesync/lance/lib/sync"
	"github.com/lancesync/lance/lib/worker"
)

// rescanRetryWindow bounds how long topology calls retry while the handler
// configuration is out of sync.
const rescanRetryWindow = 5 * time.Minute

func retryOnNotInSync(err error) bool {
	return errors.Is(err, sthandler.ErrConfigNotInSync)
}

// Manager tracks one project. It consumes folder and configuration events
// from the dispatcher, mirrors the project's shot parts and users, and on
// servers reconciles the sync handler's device topology against the user
// table.
type Manager struct {
	name string
	h    *sthandler.Handler
	w    *worker.Worker

	mut     sync.Mutex
	pending []events.Event

	dead atomic.Bool

	// Owned by the worker goroutine.
	shots          map[string]map[string]*ShotPart
	users          map[string]*User
	settingsFolder *sthandler.Folder
}

func NewManager(name string, h *sthandler.Handler) *Manager {
	m := &Manager{
		name:  name,
		h:     h,
		mut:   sync.NewMutex(),
		shots: make(map[string]map[string]*ShotPart),
		users: make(map[string]*User),
	}
	m.w = worker.New("project/"+name, m.tick)
	return m
}

func (m *Manager) String() string {
	return "project.Manager/" + m.name
}

func (m *Manager) Name() string {
	return m.name
}

// Serve runs the manager until ctx is cancelled. The dispatcher starts it
// when the manager is attached.
func (m *Manager) Serve(ctx context.Context) error {
	return m.w.Serve(ctx)
}

// Mask implements events.Processor.
func (m *Manager) Mask() events.EventType {
	return events.FolderEvents | events.ConfigSyncChanged
}

// Expects narrows delivery to this project: configuration sync transitions
// and folder events whose payload carries this project's stamp. Changed and
// removed folders are taken regardless of stamp: a folder leaving the
// project stops matching exactly when we need to hear about it, so those
// are resolved against tracked state on the worker instead.
func (m *Manager) Expects(ev events.Event) bool {
	switch data := ev.Data.(type) {
	case sthandler.ConfigSyncChangedData:
		return true
	case sthandler.FolderEventData:
		if ev.Type == events.FoldersConfigurationChanged || ev.Type == events.FoldersRemoved {
			return true
		}
		for _, f := range data.Folders {
			if pd, ok := ParseFolderData(f.Metadata); ok && pd.Project == m.name {
				return true
			}
		}
	}
	return false
}

// AddEvent queues an event for the worker goroutine. Never blocks.
func (m *Manager) AddEvent(ev events.Event) {
	m.mut.Lock()
	m.pending = append(m.pending, ev)
	m.mut.Unlock()
}

// Dead reports that the project's configuration folder is gone and the
// manager should be detached.
func (m *Manager) Dead() bool {
	return m.dead.Load()
}

// tick drains the pending event queue. It is the manager worker's load, so
// events and queued operations interleave on one goroutine.
func (m *Manager) tick(ctx context.Context) error {
	for {
		m.mut.Lock()
		if len(m.pending) == 0 {
			m.mut.Unlock()
			return nil
		}
		ev := m.pending[0]
		m.pending = m.pending[1:]
		m.mut.Unlock()

		m.handleEvent(ctx, ev)
	}
}

func (m *Manager) handleEvent(ctx context.Context, ev events.Event) {
	metricEventsHandled.WithLabelValues(m.name, ev.Type.String()).Inc()

	switch ev.Type {
	case events.ConfigSyncChanged:
		data, ok := ev.Data.(sthandler.ConfigSyncChangedData)
		if !ok || !data.InSync {
			return
		}
		// Back in sync; catch up on whatever changed in the meantime.
		if err := m.rescanConfiguration(ctx, true); err != nil {
			l.Debugln(m, "rescan after sync:", err)
		}

	case events.FoldersAdded:
		m.foldersAdded(folderPayload(ev))

	case events.FoldersSynced:
		m.foldersSynced(ctx, folderPayload(ev))

	case events.FoldersConfigurationChanged:
		m.foldersChanged(folderPayload(ev))

	case events.FoldersVolatileDataChanged:
		m.foldersRefreshed(folderPayload(ev))

	case events.FoldersRemoved:
		m.foldersRemoved(folderPayload(ev))
	}
}

func folderPayload(ev events.Event) []*sthandler.Folder {
	data, _ := ev.Data.(sthandler.FolderEventData)
	return data.Folders
}

func (m *Manager) foldersAdded(folders []*sthandler.Folder) {
	for _, f := range folders {
		pd, ok := ParseFolderData(f.Metadata)
		if !ok || pd.Project != m.name {
			continue
		}
		switch pd.Type {
		case TypeShotPart:
			m.insertShotPart(f, pd)
		case TypeConfiguration:
			m.settingsFolder = f.Copy()
		}
	}
	m.updateGauges()
}

func (m *Manager) foldersSynced(ctx context.Context, folders []*sthandler.Folder) {
	rescan := false
	for _, f := range folders {
		pd, ok := ParseFolderData(f.Metadata)
		if !ok || pd.Project != m.name {
			continue
		}
		switch pd.Type {
		case TypeShotPart:
			m.insertShotPart(f, pd)
		case TypeConfiguration:
			m.settingsFolder = f.Copy()
			rescan = true
		}
	}
	if rescan {
		// The settings document may have changed on another server.
		if err := m.rescanConfiguration(ctx, true); err != nil {
			l.Debugln(m, "rescan after settings sync:", err)
		}
	}
	m.updateGauges()
}

func (m *Manager) foldersChanged(folders []*sthandler.Folder) {
	for _, f := range folders {
		pd, pdOK := ParseFolderData(f.Metadata)
		inProject := pdOK && pd.Project == m.name

		if m.settingsFolder != nil && m.settingsFolder.ID == f.ID {
			if inProject && pd.Type == TypeConfiguration {
				m.settingsFolder = f.Copy()
			} else {
				l.Warnln(m, "configuration folder", f.ID, "re-identified, detaching it")
				m.settingsFolder = nil
			}
			continue
		}

		shotID, partID, sp := m.findShotPart(f.ID)
		switch {
		case sp == nil && inProject && pd.Type == TypeShotPart:
			m.insertShotPart(f, pd)
		case sp == nil && inProject && pd.Type == TypeConfiguration:
			m.settingsFolder = f.Copy()
		case sp == nil:
			// Not ours, never was.
		case !inProject || pd.Type != TypeShotPart:
			// One of ours moved to another project or lost its stamp.
			m.evictShotPart(shotID, partID)
		case pd.ShotID != shotID || pd.ShotPartID != partID:
			m.evictShotPart(shotID, partID)
			m.insertShotPart(f, pd)
		default:
			sp.Folder = f.Copy()
		}
	}
	m.updateGauges()
}

func (m *Manager) foldersRefreshed(folders []*sthandler.Folder) {
	for _, f := range folders {
		if m.settingsFolder != nil && m.settingsFolder.ID == f.ID {
			m.settingsFolder = f.Copy()
			continue
		}
		if _, _, sp := m.findShotPart(f.ID); sp != nil {
			sp.Folder = f.Copy()
		}
	}
}

func (m *Manager) foldersRemoved(folders []*sthandler.Folder) {
	for _, f := range folders {
		if m.settingsFolder != nil && m.settingsFolder.ID == f.ID {
			l.Infoln(m, "configuration folder removed, retiring")
			m.settingsFolder = nil
			m.dead.Store(true)
			continue
		}
		if shotID, partID, sp := m.findShotPart(f.ID); sp != nil {
			m.evictShotPart(shotID, partID)
		}
	}
	m.updateGauges()
}

func (m *Manager) insertShotPart(f *sthandler.Folder, pd FolderData) *ShotPart {
	parts := m.shots[pd.ShotID]
	if parts == nil {
		parts = make(map[string]*ShotPart)
		m.shots[pd.ShotID] = parts
	}
	sp, ok := parts[pd.ShotPartID]
	if !ok {
		sp = shotPartFromFolder(f, pd)
		parts[pd.ShotPartID] = sp
		l.Debugln(m, "tracking shot part", pd.ShotID, pd.ShotPartID, "folder", f.ID)
		return sp
	}
	sp.Folder = f.Copy()
	return sp
}

func (m *Manager) evictShotPart(shotID, shotPartID string) {
	parts := m.shots[shotID]
	delete(parts, shotPartID)
	if len(parts) == 0 {
		delete(m.shots, shotID)
	}
	l.Debugln(m, "dropped shot part", shotID, shotPartID)
}

func (m *Manager) findShotPart(folderID string) (shotID, shotPartID string, sp *ShotPart) {
	for sid, parts := range m.shots {
		for pid, cand := range parts {
			if cand.Folder.ID == folderID {
				return sid, pid, cand
			}
		}
	}
	return "", "", nil
}

func (m *Manager) updateGauges() {
	n := 0
	for _, parts := range m.shots {
		n += len(parts)
	}
	metricShotParts.WithLabelValues(m.name).Set(float64(n))
	metricUsers.WithLabelValues(m.name).Set(float64(len(m.users)))
}

func (m *Manager) rescanConfiguration(ctx context.Context, rescanSettings bool) error {
	if err := m.rescan(ctx, rescanSettings); err != nil {
		metricRescans.WithLabelValues(m.name, "error").Inc()
		return err
	}
	metricRescans.WithLabelValues(m.name, "success").Inc()
	return nil
}

// rescan rebuilds the shot and user model from a fresh folder snapshot
// and, on a server, computes and applies the device topology: per shot
// part the union of its users' devices, and the union of everything as the
// handler's device set. The topology goes out as one handler batch whose
// calls retry while the configuration is out of sync.
func (m *Manager) rescan(ctx context.Context, rescanSettings bool) error {
	folders, err := m.h.Folders(ctx)
	if err != nil {
		return &ConfigurationInconsistentError{Reason: fmt.Sprintf("folder snapshot: %v", err)}
	}

	// The snapshot is authoritative; events only keep the model warm
	// between rescans.
	shots := make(map[string]map[string]*ShotPart)
	var settings *sthandler.Folder
	for _, fid := range sortedKeys(folders) {
		f := folders[fid]
		pd, ok := ParseFolderData(f.Metadata)
		if !ok || pd.Project != m.name {
			continue
		}
		switch pd.Type {
		case TypeConfiguration:
			settings = f
		case TypeShotPart:
			parts := shots[pd.ShotID]
			if parts == nil {
				parts = make(map[string]*ShotPart)
				shots[pd.ShotID] = parts
			}
			parts[pd.ShotPartID] = shotPartFromFolder(f, pd)
		}
	}
	if settings == nil {
		return &ConfigurationInconsistentError{Reason: "no configuration folder for project " + m.name}
	}
	m.shots = shots
	m.settingsFolder = settings
	defer m.updateGauges()

	isServer, err := m.h.IsServer(ctx)
	if err != nil {
		return err
	}

	if isServer && rescanSettings {
		if settings.Path == "" {
			return &ConfigurationInconsistentError{Reason: "configuration folder has no local path"}
		}
		doc, err := loadSettings(filepath.Join(settings.Path, SettingsFileName))
		if err != nil {
			return err
		}
		users := make(map[string]*User, len(doc.Users))
		for id, ud := range doc.Users {
			users[id] = userFromDoc(id, ud)
		}
		m.users = users
	}

	// Cross-link user access to the shot parts actually present.
	for _, uid := range sortedKeys(m.users) {
		for _, ref := range m.users[uid].Access {
			if sp := m.shots[ref.ShotID][ref.ShotPartID]; sp != nil {
				sp.Users = append(sp.Users, uid)
			}
		}
	}

	if !isServer {
		// Clients mirror the model but do not command topology.
		return nil
	}

	myID, err := m.h.MyID(ctx)
	if err != nil {
		return err
	}

	// Per shot part the union of its users' devices, plus ourselves as the
	// hosting device. The handler's device set gets the union of all of it
	// and grows or shrinks membership as needed.
	folderDevices := make(map[string][]string)
	all := make(map[string]struct{})
	for _, parts := range m.shots {
		for _, sp := range parts {
			sp.Users = normalizeSet(sp.Users)
			devs := map[string]struct{}{myID: {}}
			for _, uid := range sp.Users {
				for _, did := range m.users[uid].Devices {
					devs[did] = struct{}{}
					all[did] = struct{}{}
				}
			}
			folderDevices[sp.FolderID()] = setToSlice(devs)
		}
	}

	b := m.h.NewBatch()
	b.SetDevices(setToSlice(all), worker.WithRetry(retryOnNotInSync, rescanRetryWindow))
	for _, fid := range sortedKeys(folderDevices) {
		b.SetFolderDevices(fid, folderDevices[fid], worker.WithRetry(retryOnNotInSync, rescanRetryWindow))
	}
	b.Commit()
	l.Debugln(m, "topology committed:", len(folderDevices), "folders,", len(all), "devices")
	return nil
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
