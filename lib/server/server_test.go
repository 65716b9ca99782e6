// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/lancesync/lance/lib/daemon"
	"github.com/lancesync/lance/lib/events"
	"github.com/lancesync/lance/lib/locations"
	"github.com/lancesync/lance/lib/project"
	"github.com/lancesync/lance/lib/sthandler"
	"github.com/lancesync/lance/lib/svcutil"
	"github.com/lancesync/lance/lib/sync"
)

const (
	selfID     = "DEV-SELF"
	testSecret = "servertestsecretwxyz1234"
)

// fakeDaemon stands in for both the daemon process and its REST API, just
// enough of it for the app container to bootstrap and mutate topology.
type fakeDaemon struct {
	mut sync.Mutex

	running bool
	insync  bool

	cfg    daemon.Configuration
	events []daemon.Event
	nextID int
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{
		mut:    sync.NewMutex(),
		insync: true,
	}
}

func (fd *fakeDaemon) Start() error {
	fd.mut.Lock()
	defer fd.mut.Unlock()
	fd.running = true
	return nil
}

func (fd *fakeDaemon) Stop() {
	fd.mut.Lock()
	defer fd.mut.Unlock()
	fd.running = false
}

func (fd *fakeDaemon) Running() bool {
	fd.mut.Lock()
	defer fd.mut.Unlock()
	return fd.running
}

func (fd *fakeDaemon) DeviceID(context.Context) (string, error) {
	return selfID, nil
}

func (fd *fakeDaemon) GenerateConfig(context.Context) error {
	return nil
}

func (fd *fakeDaemon) Events(_ context.Context, since, _ int) ([]daemon.Event, error) {
	fd.mut.Lock()
	defer fd.mut.Unlock()
	if !fd.running {
		return nil, daemon.ErrDaemonNotReady
	}
	var out []daemon.Event
	for _, ev := range fd.events {
		if ev.ID > since {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (fd *fakeDaemon) Config(context.Context) (daemon.Configuration, error) {
	fd.mut.Lock()
	defer fd.mut.Unlock()
	return fd.cfg, nil
}

func (fd *fakeDaemon) SetConfig(_ context.Context, cfg daemon.Configuration) error {
	fd.mut.Lock()
	defer fd.mut.Unlock()
	fd.cfg = cfg
	return nil
}

func (fd *fakeDaemon) ConfigInSync(context.Context) (bool, error) {
	fd.mut.Lock()
	defer fd.mut.Unlock()
	return fd.insync, nil
}

func (fd *fakeDaemon) DBFileModified(context.Context, string, string) (daemon.DBFile, error) {
	return daemon.DBFile{}, &daemon.APIError{StatusCode: http.StatusNotFound, Status: "404 Not Found"}
}

func (fd *fakeDaemon) Scan(context.Context, string, ...string) error {
	return nil
}

func (fd *fakeDaemon) Restart(context.Context) error {
	return nil
}

func (fd *fakeDaemon) PauseAll(context.Context) error {
	return nil
}

func (fd *fakeDaemon) ResumeAll(context.Context) error {
	return nil
}

func (fd *fakeDaemon) AwaitReady(context.Context, int) error {
	fd.mut.Lock()
	defer fd.mut.Unlock()
	if !fd.running {
		return daemon.ErrDaemonNotReady
	}
	return nil
}

type appEnv struct {
	t       *testing.T
	ctx     context.Context
	app     *App
	fd      *fakeDaemon
	dataDir string
}

// newAppEnv builds and starts a whole app against a fake daemon and fresh
// temporary base directories, and blocks until bootstrap has completed. The
// location overrides are process globals, so these tests must not run in
// parallel.
func newAppEnv(t *testing.T) *appEnv {
	t.Helper()
	tmp := t.TempDir()
	if err := locations.SetBaseDir(locations.ConfigBaseDir, filepath.Join(tmp, "config")); err != nil {
		t.Fatal(err)
	}
	if err := locations.SetBaseDir(locations.DataBaseDir, filepath.Join(tmp, "data")); err != nil {
		t.Fatal(err)
	}

	fd := newFakeDaemon()
	app := New(Options{
		Daemon: sthandler.Options{
			Process:   fd,
			NewClient: func(_, _ string) sthandler.DaemonClient { return fd },
		},
		NoAPI: true,
	})
	if err := app.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { app.Stop(svcutil.ExitSuccess) })

	env := &appEnv{
		t:       t,
		ctx:     context.Background(),
		app:     app,
		fd:      fd,
		dataDir: filepath.Join(tmp, "data"),
	}
	waitFor(t, "bootstrap", func() bool {
		id, err := app.handler.MyID(env.ctx)
		return err == nil && id != ""
	})
	return env
}

func (env *appEnv) makeServer() {
	env.t.Helper()
	if err := env.app.handler.SetServerSecret(testSecret).Wait(env.ctx); err != nil {
		env.t.Fatal(err)
	}
	if err := env.app.handler.AddServer(selfID).Wait(env.ctx); err != nil {
		env.t.Fatal(err)
	}
	waitFor(env.t, "config in sync", func() bool {
		ok, err := env.app.handler.ConfigInSync(env.ctx)
		return err == nil && ok
	})
}

func (env *appEnv) subscribe(mask events.EventType) *events.Subscription {
	sub := env.app.bus.Subscribe(mask)
	env.t.Cleanup(func() { env.app.bus.Unsubscribe(sub) })
	return sub
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for", what)
}

func nextEvent(t *testing.T, sub *events.Subscription) events.Event {
	t.Helper()
	ev, err := sub.Poll(10 * time.Second)
	if err != nil {
		t.Fatalf("waiting for %v: %v", sub.Mask(), err)
	}
	return ev
}

func TestAppStartStop(t *testing.T) {
	env := newAppEnv(t)

	if err := env.app.Error(); err != nil {
		t.Fatal("unexpected error while running:", err)
	}
	if status := env.app.Stop(svcutil.ExitSuccess); status != svcutil.ExitSuccess {
		t.Fatal("expected success exit status, got", status)
	}
	if status := env.app.Wait(); status != svcutil.ExitSuccess {
		t.Fatal("expected success from Wait, got", status)
	}
	if err := env.app.Error(); err != nil {
		t.Fatal("unexpected error after stop:", err)
	}
}

func TestAddProjectCreatesLayout(t *testing.T) {
	env := newAppEnv(t)

	// Before this node is a server the topology is immutable.
	if err := env.app.AddProject(env.ctx, "too early"); !errors.Is(err, sthandler.ErrConfigNotInSync) {
		t.Fatal("expected ErrConfigNotInSync before server setup, got", err)
	}

	env.makeServer()

	const name = "Demo Project 01"
	if err := env.app.AddProject(env.ctx, name); err != nil {
		t.Fatal(err)
	}

	fid := configurationFolderID(name)
	if fid != "project_Demo_Project_01_configuration" {
		t.Fatal("unexpected folder ID:", fid)
	}

	// The configuration folder exists on disk with an empty settings
	// document.
	dir := filepath.Join(env.dataDir, fid)
	bs, err := os.ReadFile(filepath.Join(dir, project.SettingsFileName))
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(bs, &doc); err != nil {
		t.Fatal(err)
	}
	users, ok := doc["users"].(map[string]any)
	if !ok || len(users) != 0 {
		t.Fatalf("expected empty users object in settings, got %v", doc)
	}

	// The folder is registered, stamped and shared with the servers.
	folders, err := env.app.handler.Folders(env.ctx)
	if err != nil {
		t.Fatal(err)
	}
	f, ok := folders[fid]
	if !ok {
		t.Fatal("configuration folder not registered")
	}
	if f.Path != dir {
		t.Fatal("unexpected folder path:", f.Path)
	}
	if !slices.Equal(f.Devices, []string{selfID}) {
		t.Fatal("expected folder shared with the server, got", f.Devices)
	}
	pd, ok := project.ParseFolderData(f.Metadata)
	if !ok || pd.Type != project.TypeConfiguration || pd.Project != name {
		t.Fatalf("unexpected folder stamp: %+v", pd)
	}

	// The project is tracked immediately on the creating node.
	if got := env.app.Projects(); !slices.Equal(got, []string{name}) {
		t.Fatal("expected tracked project, got", got)
	}
	if _, ok := env.app.ProjectManager(name); !ok {
		t.Fatal("expected a manager for the new project")
	}

	if err := env.app.AddProject(env.ctx, name); err == nil {
		t.Fatal("expected error adding duplicate project")
	}
}

func TestProjectDiscoveredFromConfiguration(t *testing.T) {
	env := newAppEnv(t)
	env.makeServer()

	sub := env.subscribe(events.ProjectsChanged)

	// A configuration folder appearing in the model, as it would when
	// another server's document is applied, gets a manager without any
	// local AddProject.
	res := env.app.handler.AddFolder(sthandler.FolderSpec{
		Path:     filepath.Join(env.dataDir, "alpha-config"),
		Label:    "alpha-config",
		Devices:  []string{selfID},
		Metadata: project.ConfigurationMetadata("alpha"),
	})
	if err := res.Wait(env.ctx); err != nil {
		t.Fatal(err)
	}

	ev := nextEvent(t, sub)
	data, ok := ev.Data.(ProjectsChangedData)
	if !ok {
		t.Fatalf("unexpected event payload %T", ev.Data)
	}
	if !slices.Contains(data.Projects, "alpha") {
		t.Fatal("expected alpha in projects, got", data.Projects)
	}
	if got := env.app.Projects(); !slices.Equal(got, []string{"alpha"}) {
		t.Fatal("expected tracked project, got", got)
	}
}

func TestTrackerExpects(t *testing.T) {
	bus := events.NewLogger()
	tr := newProjectTracker(nil, events.NewDispatcher(bus), bus)

	cases := []struct {
		name string
		ev   events.Event
		want bool
	}{
		{
			"config in sync",
			events.Event{Type: events.ConfigSyncChanged, Data: sthandler.ConfigSyncChangedData{InSync: true}},
			true,
		},
		{
			"config out of sync",
			events.Event{Type: events.ConfigSyncChanged, Data: sthandler.ConfigSyncChangedData{InSync: false}},
			false,
		},
		{
			"configuration folder",
			events.Event{Type: events.FoldersAdded, Data: sthandler.FolderEventData{Folders: []*sthandler.Folder{
				{ID: "f1", Metadata: project.ConfigurationMetadata("alpha")},
			}}},
			true,
		},
		{
			"shot part folder",
			events.Event{Type: events.FoldersSynced, Data: sthandler.FolderEventData{Folders: []*sthandler.Folder{
				{ID: "f2", Metadata: project.ShotPartMetadata("alpha", "010", "main")},
			}}},
			false,
		},
		{
			"unstamped folder",
			events.Event{Type: events.FoldersRemoved, Data: sthandler.FolderEventData{Folders: []*sthandler.Folder{
				{ID: "f3"},
			}}},
			false,
		},
	}
	for _, tc := range cases {
		if got := tr.Expects(tc.ev); got != tc.want {
			t.Errorf("%s: Expects = %v, expected %v", tc.name, got, tc.want)
		}
	}
}

func TestProjectRetiredOnFolderRemoval(t *testing.T) {
	env := newAppEnv(t)
	env.makeServer()

	if err := env.app.AddProject(env.ctx, "gamma"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "project tracked", func() bool {
		return slices.Equal(env.app.Projects(), []string{"gamma"})
	})

	sub := env.subscribe(events.ProjectsChanged)

	fid := configurationFolderID("gamma")
	if err := env.app.handler.RemoveFolder(fid).Wait(env.ctx); err != nil {
		t.Fatal(err)
	}

	ev := nextEvent(t, sub)
	data, ok := ev.Data.(ProjectsChangedData)
	if !ok {
		t.Fatalf("unexpected event payload %T", ev.Data)
	}
	if len(data.Projects) != 0 {
		t.Fatal("expected no projects after removal, got", data.Projects)
	}
	if got := env.app.Projects(); len(got) != 0 {
		t.Fatal("expected empty registry, got", got)
	}
}

func TestSafeNames(t *testing.T) {
	cases := []struct {
		in, out string
	}{
		{"demo", "demo"},
		{"Demo Project 01", "Demo_Project_01"},
		{"shot/042", "shot_042"},
		{"Äventyr", "_ventyr"},
		{"a.b-c", "a_b_c"},
	}
	for _, tc := range cases {
		if got := safeName(tc.in); got != tc.out {
			t.Errorf("safeName(%q) = %q, expected %q", tc.in, got, tc.out)
		}
	}

	if got := configurationFolderID("Demo: S01"); got != "project_Demo__S01_configuration" {
		t.Fatal("unexpected configuration folder ID:", got)
	}
}
