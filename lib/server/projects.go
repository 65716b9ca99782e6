// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/lancesync/lance/lib/events"
	"github.com/lancesync/lance/lib/locations"
	"github.com/lancesync/lance/lib/project"
	"github.com/lancesync/lance/lib/sthandler"
	"github.com/lancesync/lance/lib/sync"
	"github.com/lancesync/lance/lib/worker"
)

// rediscoverInterval bounds how long a configuration folder can sit in the
// model without a manager, should its announcing event have fired before
// the tracker was listening.
const rediscoverInterval = time.Minute

// ProjectsChangedData is the payload of events.ProjectsChanged.
type ProjectsChangedData struct {
	Projects []string `json:"projects"`
}

// projectTracker watches the folder model for project configuration folders
// and keeps one project.Manager per project attached to the dispatcher. It
// is itself an attached processor; a passing sync event, or the interval,
// triggers a discovery pass over the handler's folder snapshot.
type projectTracker struct {
	h   *sthandler.Handler
	d   *events.Dispatcher
	bus *events.Logger
	w   *worker.Worker

	mut    sync.Mutex
	kicked bool

	managers *xsync.MapOf[string, *project.Manager]

	// Only touched on the worker goroutine.
	lastPass time.Time
}

func newProjectTracker(h *sthandler.Handler, d *events.Dispatcher, bus *events.Logger) *projectTracker {
	t := &projectTracker{
		h:        h,
		d:        d,
		bus:      bus,
		mut:      sync.NewMutex(),
		managers: xsync.NewMapOf[string, *project.Manager](),
	}
	t.w = worker.New("server/projects", t.tick)
	return t
}

func (t *projectTracker) String() string {
	return "server.projectTracker"
}

// Serve runs the tracker loop. The dispatcher starts it when the tracker is
// attached.
func (t *projectTracker) Serve(ctx context.Context) error {
	return t.w.Serve(ctx)
}

// Mask implements events.Processor. FoldersAdded covers configuration
// folders arriving through a document or a local operation, FoldersSynced
// covers one finishing its content sync, FoldersRemoved retires managers
// promptly, and configuration sync transitions catch anything replayed in
// bulk.
func (t *projectTracker) Mask() events.EventType {
	return events.FoldersAdded | events.FoldersSynced | events.FoldersRemoved | events.ConfigSyncChanged
}

// Expects implements events.Processor.
func (t *projectTracker) Expects(ev events.Event) bool {
	switch data := ev.Data.(type) {
	case sthandler.ConfigSyncChangedData:
		return data.InSync
	case sthandler.FolderEventData:
		for _, f := range data.Folders {
			if pd, ok := project.ParseFolderData(f.Metadata); ok && pd.Type == project.TypeConfiguration {
				return true
			}
		}
	}
	return false
}

// AddEvent implements events.Processor. The event itself carries no more
// than the kick; discovery reads the authoritative folder snapshot.
func (t *projectTracker) AddEvent(_ events.Event) {
	t.mut.Lock()
	t.kicked = true
	t.mut.Unlock()
}

// Dead implements events.Processor. The tracker lives as long as the node.
func (t *projectTracker) Dead() bool {
	return false
}

func (t *projectTracker) tick(ctx context.Context) error {
	t.mut.Lock()
	kicked := t.kicked
	t.kicked = false
	t.mut.Unlock()

	if !kicked && time.Since(t.lastPass) < rediscoverInterval {
		return nil
	}
	t.lastPass = time.Now()
	return t.discover(ctx)
}

// discover reconciles the manager registry against the current folder
// model: a manager for every configuration folder, none for the rest.
func (t *projectTracker) discover(ctx context.Context) error {
	folders, err := t.h.Folders(ctx)
	if err != nil {
		return fmt.Errorf("project discovery: %w", err)
	}
	metricDiscoveryPasses.Inc()

	present := make(map[string]struct{})
	for _, f := range folders {
		pd, ok := project.ParseFolderData(f.Metadata)
		if !ok || pd.Type != project.TypeConfiguration {
			continue
		}
		present[pd.Project] = struct{}{}
	}

	changed := false

	// Retire managers whose configuration folder is gone. A dead manager
	// whose folder is back gets replaced by a fresh one below.
	t.managers.Range(func(name string, m *project.Manager) bool {
		if _, ok := present[name]; ok && !m.Dead() {
			return true
		}
		t.managers.Delete(name)
		t.d.RemoveProcessor(m)
		changed = true
		l.Infoln("No longer tracking project", name)
		return true
	})

	for name := range present {
		if t.ensure(name) {
			changed = true
		}
	}

	if changed {
		t.emitChanged()
	}
	return nil
}

// ensure instantiates, attaches and rescans the manager for a project not
// yet in the registry. Reports whether a new manager was created.
func (t *projectTracker) ensure(name string) bool {
	m, loaded := t.managers.LoadOrCompute(name, func() *project.Manager {
		return project.NewManager(name, t.h)
	})
	if loaded {
		return false
	}
	l.Infoln("Tracking project", name)
	t.d.AddProcessor(m)
	m.Rescan()
	return true
}

func (t *projectTracker) emitChanged() {
	names := t.Projects()
	metricProjects.Set(float64(len(names)))
	t.bus.Log(events.ProjectsChanged, ProjectsChangedData{Projects: names})
}

// Projects returns the sorted names of tracked projects.
func (t *projectTracker) Projects() []string {
	names := make([]string, 0, t.managers.Size())
	t.managers.Range(func(name string, _ *project.Manager) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)
	return names
}

// Manager returns the manager for the named project, if tracked.
func (t *projectTracker) Manager(name string) (*project.Manager, bool) {
	return t.managers.Load(name)
}

// AddProject creates a project: a configuration folder under the data root,
// seeded with an empty settings document and registered with the handler,
// shared with the servers. The folder ID is derived from the project name
// so every node agrees on it.
func (t *projectTracker) AddProject(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("empty project name")
	}
	if _, ok := t.managers.Load(name); ok {
		return fmt.Errorf("project %q already exists", name)
	}

	fid := configurationFolderID(name)
	dir := filepath.Join(locations.GetBaseDir(locations.DataBaseDir), fid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := project.WriteInitialSettings(dir); err != nil {
		return err
	}

	servers, err := t.h.Servers(ctx)
	if err != nil {
		return err
	}
	res := t.h.AddFolder(sthandler.FolderSpec{
		Path:     dir,
		Label:    fid,
		Devices:  servers,
		Metadata: project.ConfigurationMetadata(name),
		FolderID: fid,
	})
	if _, err := worker.Get[string](ctx, res); err != nil {
		return err
	}

	l.Infoln("Created project", name)
	metricProjectsAdded.Inc()
	if t.ensure(name) {
		t.emitChanged()
	}
	return nil
}

// safeName flattens a project name to the character set usable in folder
// IDs and directory names. Anything outside [A-Za-z0-9] becomes an
// underscore.
func safeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}

// configurationFolderID is the well-known folder ID of a project's
// configuration folder, derivable from the project name alone.
func configurationFolderID(name string) string {
	return "project_" + safeName(name) + "_configuration"
}
