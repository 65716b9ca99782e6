// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package sthandler

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

	"github.com/thejerf/suture/v4"

	"github.com/lancesync/lance/lib/daemon"
	"github.com/lancesync/lance/lib/events"
	"github.com/lancesync/lance/lib/locations"
	"github.com/lancesync/lance/lib/sync"
	"github.com/lancesync/lance/lib/worker"
)

const (
	selfID = "DEV-SELF"
	srvID  = "DEV-CENTRAL"
	peer1  = "DEV-PEER1"
	peer2  = "DEV-PEER2"
	peer3  = "DEV-PEER3"

	testSecret = "handlertestsecretwxyz1234"
)

// fakeDaemon stands in for both the daemon process and its REST API. Tests
// drive the handler by appending events and pre-seeding database answers.
type fakeDaemon struct {
	mut sync.Mutex

	deviceID   string
	identityOK bool
	running    bool
	insync     bool

	cfg     daemon.Configuration
	events  []daemon.Event
	nextID  int
	dbFiles map[string]daemon.DBFile
	scans   []scanRequest

	counts fakeCounts
}

type fakeCounts struct {
	starts, stops, restarts int
	generated               int
	configPushes            int
	pauses, resumes         int
}

type scanRequest struct {
	folder string
	subs   []string
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{
		mut:        sync.NewMutex(),
		deviceID:   selfID,
		identityOK: true,
		insync:     true,
		dbFiles:    make(map[string]daemon.DBFile),
	}
}

func (fd *fakeDaemon) Start() error {
	fd.mut.Lock()
	defer fd.mut.Unlock()
	fd.running = true
	fd.counts.starts++
	return nil
}

func (fd *fakeDaemon) Stop() {
	fd.mut.Lock()
	defer fd.mut.Unlock()
	fd.running = false
	fd.counts.stops++
}

func (fd *fakeDaemon) Running() bool {
	fd.mut.Lock()
	defer fd.mut.Unlock()
	return fd.running
}

func (fd *fakeDaemon) DeviceID(context.Context) (string, error) {
	fd.mut.Lock()
	defer fd.mut.Unlock()
	if !fd.identityOK {
		return "", daemon.ErrNoIdentity
	}
	return fd.deviceID, nil
}

func (fd *fakeDaemon) GenerateConfig(context.Context) error {
	fd.mut.Lock()
	defer fd.mut.Unlock()
	fd.identityOK = true
	fd.counts.generated++
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
	fd.counts.configPushes++
	return nil
}

func (fd *fakeDaemon) ConfigInSync(context.Context) (bool, error) {
	fd.mut.Lock()
	defer fd.mut.Unlock()
	return fd.insync, nil
}

func (fd *fakeDaemon) DBFileModified(_ context.Context, folder, file string) (daemon.DBFile, error) {
	fd.mut.Lock()
	defer fd.mut.Unlock()
	dbf, ok := fd.dbFiles[folder+"/"+file]
	if !ok {
		return daemon.DBFile{}, &daemon.APIError{StatusCode: http.StatusNotFound, Status: "404 Not Found"}
	}
	return dbf, nil
}

func (fd *fakeDaemon) Scan(_ context.Context, folder string, subs ...string) error {
	fd.mut.Lock()
	defer fd.mut.Unlock()
	fd.scans = append(fd.scans, scanRequest{folder: folder, subs: subs})
	return nil
}

func (fd *fakeDaemon) Restart(context.Context) error {
	fd.mut.Lock()
	defer fd.mut.Unlock()
	fd.counts.restarts++
	return nil
}

func (fd *fakeDaemon) PauseAll(context.Context) error {
	fd.mut.Lock()
	defer fd.mut.Unlock()
	fd.counts.pauses++
	return nil
}

func (fd *fakeDaemon) ResumeAll(context.Context) error {
	fd.mut.Lock()
	defer fd.mut.Unlock()
	fd.counts.resumes++
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

// pushEvent appends one event to the fake's feed; the handler picks it up on
// its next poll.
func (fd *fakeDaemon) pushEvent(t *testing.T, typ string, data any) {
	t.Helper()
	bs, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	fd.mut.Lock()
	defer fd.mut.Unlock()
	fd.nextID++
	fd.events = append(fd.events, daemon.Event{
		ID:       fd.nextID,
		GlobalID: fd.nextID,
		Time:     time.Now(),
		Type:     typ,
		Data:     bs,
	})
}

func (fd *fakeDaemon) setDBFile(folder, file string, global, local time.Time) {
	fd.mut.Lock()
	defer fd.mut.Unlock()
	fd.dbFiles[folder+"/"+file] = daemon.DBFile{GlobalModified: global, LocalModified: local}
}

func (fd *fakeDaemon) snapshot() fakeCounts {
	fd.mut.Lock()
	defer fd.mut.Unlock()
	return fd.counts
}

func (fd *fakeDaemon) lastConfig() daemon.Configuration {
	fd.mut.Lock()
	defer fd.mut.Unlock()
	return fd.cfg
}

func (fd *fakeDaemon) scanCount() int {
	fd.mut.Lock()
	defer fd.mut.Unlock()
	return len(fd.scans)
}

func (fd *fakeDaemon) lastScan() (scanRequest, bool) {
	fd.mut.Lock()
	defer fd.mut.Unlock()
	if len(fd.scans) == 0 {
		return scanRequest{}, false
	}
	return fd.scans[len(fd.scans)-1], true
}

type testEnv struct {
	t       *testing.T
	ctx     context.Context
	bus     *events.Logger
	h       *Handler
	fd      *fakeDaemon
	dataDir string
}

// newTestEnv builds an unstarted handler against a fake daemon and fresh
// temporary base directories. Tests seed disk state before calling start.
// The location overrides are process globals, so these tests must not run
// in parallel.
func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	tmp := t.TempDir()
	if err := locations.SetBaseDir(locations.ConfigBaseDir, filepath.Join(tmp, "config")); err != nil {
		t.Fatal(err)
	}
	if err := locations.SetBaseDir(locations.DataBaseDir, filepath.Join(tmp, "data")); err != nil {
		t.Fatal(err)
	}

	fd := newFakeDaemon()
	bus := events.NewLogger()
	opts.Process = fd
	opts.NewClient = func(_, _ string) DaemonClient { return fd }
	h := New(bus, opts)

	return &testEnv{
		t:       t,
		bus:     bus,
		h:       h,
		fd:      fd,
		dataDir: filepath.Join(tmp, "data"),
	}
}

// start runs the bus and the handler until test cleanup and blocks until
// bootstrap has completed.
func (env *testEnv) start() {
	env.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	env.ctx = ctx

	busDone := make(chan struct{})
	go func() {
		defer close(busDone)
		env.bus.Serve(ctx)
	}()
	hDone := make(chan struct{})
	go func() {
		defer close(hDone)
		env.h.Serve(ctx)
	}()
	env.t.Cleanup(func() {
		cancel()
		<-hDone
		<-busDone
	})

	// The daemon starting proves the worker loop is live, so calls below
	// queue instead of running inline on this goroutine.
	waitFor(env.t, "daemon start", env.fd.Running)
	waitFor(env.t, "bootstrap", func() bool {
		id, err := env.h.MyID(ctx)
		return err == nil && id != ""
	})
}

// peek runs fn on the worker goroutine, for white-box access to handler
// state.
func (env *testEnv) peek(fn func()) {
	env.t.Helper()
	res := env.h.w.Call("peek", func(context.Context) (interface{}, error) {
		fn()
		return nil, nil
	})
	if err := res.Wait(env.ctx); err != nil {
		env.t.Fatal(err)
	}
}

func (env *testEnv) makeServer() {
	env.t.Helper()
	if err := env.h.SetServerSecret(testSecret).Wait(env.ctx); err != nil {
		env.t.Fatal(err)
	}
	if err := env.h.AddServer(selfID).Wait(env.ctx); err != nil {
		env.t.Fatal(err)
	}
	waitFor(env.t, "config in sync", env.inSync)
}

func (env *testEnv) addDevice(id, name string) {
	env.t.Helper()
	if err := env.h.AddDevice(id, name).Wait(env.ctx); err != nil {
		env.t.Fatal(err)
	}
}

func (env *testEnv) addFolder(label string, deviceIDs ...string) string {
	env.t.Helper()
	res := env.h.AddFolder(FolderSpec{
		Path:    filepath.Join(env.dataDir, label),
		Label:   label,
		Devices: deviceIDs,
	})
	fid, err := worker.Get[string](env.ctx, res)
	if err != nil {
		env.t.Fatal(err)
	}
	return fid
}

func (env *testEnv) devices() map[string]*Device {
	env.t.Helper()
	devs, err := env.h.Devices(env.ctx)
	if err != nil {
		env.t.Fatal(err)
	}
	return devs
}

func (env *testEnv) folders() map[string]*Folder {
	env.t.Helper()
	folders, err := env.h.Folders(env.ctx)
	if err != nil {
		env.t.Fatal(err)
	}
	return folders
}

func (env *testEnv) inSync() bool {
	env.t.Helper()
	ok, err := env.h.ConfigInSync(env.ctx)
	if err != nil {
		env.t.Fatal(err)
	}
	return ok
}

func (env *testEnv) subscribe(mask events.EventType) *events.Subscription {
	sub := env.bus.Subscribe(mask)
	env.t.Cleanup(func() { env.bus.Unsubscribe(sub) })
	return sub
}

// fence pushes a throwaway daemon event and waits until the handler has
// republished it, guaranteeing every earlier event has been ingested.
func (env *testEnv) fence() {
	env.t.Helper()
	sub := env.bus.Subscribe(events.DaemonGeneric)
	defer env.bus.Unsubscribe(sub)
	env.fd.pushEvent(env.t, daemon.EventConfigSaved, map[string]any{})
	nextEvent(env.t, sub)
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

func seedCache(t *testing.T, bc bootstrapCache) {
	t.Helper()
	if bc.Devices == nil {
		bc.Devices = make(map[string]bootstrapDevice)
	}
	if bc.Folders == nil {
		bc.Folders = make(map[string]bootstrapFolder)
	}
	if err := bc.write(locations.Get(locations.BootstrapCache)); err != nil {
		t.Fatal(err)
	}
}

func readDoc(t *testing.T, path string) configDoc {
	t.Helper()
	doc, err := loadDocument(path)
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func viewPath(deviceID string) string {
	return filepath.Join(locations.ControlFolder(deviceID), configSubdir, configFileName)
}

func serverDocPath() string {
	return filepath.Join(locations.Get(locations.ServerFolder), configSubdir, configFileName)
}

func itemData(folder, item string) map[string]any {
	return map[string]any{
		"folder": folder,
		"item":   item,
		"type":   "file",
		"action": "update",
		"error":  nil,
	}
}

// writeAck drops an acknowledgement hash into a device's control folder, as
// synchronization from that device would.
func writeAck(t *testing.T, deviceID, hash string) {
	t.Helper()
	dir := filepath.Join(locations.ControlFolder(deviceID), configSyncSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, syncHashFileName), []byte(hash+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestBootstrapFreshGeneratesIdentity(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.fd.identityOK = false
	env.start()

	id, err := env.h.MyID(env.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if id != selfID {
		t.Errorf("got ID %q, want %q", id, selfID)
	}
	if got := env.fd.snapshot().generated; got != 1 {
		t.Errorf("generated keys %d times, want 1", got)
	}

	bc, err := loadBootstrapCache(locations.Get(locations.BootstrapCache))
	if err != nil {
		t.Fatal(err)
	}
	if len(bc.APIKey) != 40 {
		t.Errorf("api key %q does not look like a hex digest", bc.APIKey)
	}
	if len(bc.ServerSecret) != 24 {
		t.Errorf("server secret %q has the wrong length", bc.ServerSecret)
	}
	if _, ok := bc.Devices[selfID]; !ok {
		t.Error("local device missing from the bootstrap cache")
	}

	if is, err := env.h.IsServer(env.ctx); err != nil || is {
		t.Errorf("IsServer = %v, %v; a fresh node is not a server", is, err)
	}
	if env.inSync() {
		t.Error("a fresh node is not in sync before any server exists")
	}

	waitFor(t, "daemon start", env.fd.Running)
	if _, err := os.Stat(locations.Get(locations.DaemonConfigFile)); err != nil {
		t.Error("daemon configuration file not written:", err)
	}
}

func TestBootstrapFromSeededCache(t *testing.T) {
	env := newTestEnv(t, Options{})
	seedCache(t, bootstrapCache{
		APIKey:       "cachedapikey",
		ServerSecret: testSecret,
		Servers:      []string{selfID},
		Devices: map[string]bootstrapDevice{
			selfID: {ID: selfID, Name: "me"},
			peer1:  {ID: peer1, Name: "laptop"},
		},
	})
	env.start()

	if is, err := env.h.IsServer(env.ctx); err != nil || !is {
		t.Fatalf("IsServer = %v, %v; the cache lists this node as a server", is, err)
	}
	waitFor(t, "sole server in sync", env.inSync)

	devs := env.devices()
	if devs[peer1] == nil || devs[peer1].Name != "laptop" {
		t.Errorf("cached device not restored: %v", devs[peer1])
	}

	var apiKey, secret string
	env.peek(func() {
		apiKey = env.h.apiKey
		secret = env.h.secret
	})
	if apiKey != "cachedapikey" {
		t.Errorf("api key %q not taken from the cache", apiKey)
	}
	if secret != testSecret {
		t.Errorf("server secret %q not taken from the cache", secret)
	}
	if got := env.fd.snapshot().generated; got != 0 {
		t.Errorf("generated fresh keys %d times despite existing identity", got)
	}
}

func TestBrokenBootstrapCacheIsFatal(t *testing.T) {
	env := newTestEnv(t, Options{})
	path := locations.Get(locations.BootstrapCache)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{ not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- env.h.Serve(ctx) }()

	select {
	case err := <-done:
		var confErr *ConfigurationError
		if !errors.As(err, &confErr) {
			t.Fatalf("Serve returned %v, want a ConfigurationError", err)
		}
		if !errors.Is(err, suture.ErrTerminateSupervisorTree) {
			t.Error("the error should terminate the supervisor tree")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for Serve to give up")
	}
}

func TestSoleServerInSyncByDefinition(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.start()
	sub := env.subscribe(events.ConfigSyncChanged)

	if err := env.h.SetServerSecret(testSecret).Wait(env.ctx); err != nil {
		t.Fatal(err)
	}
	if err := env.h.AddServer(selfID).Wait(env.ctx); err != nil {
		t.Fatal(err)
	}

	ev := nextEvent(t, sub)
	if !ev.Data.(ConfigSyncChangedData).InSync {
		t.Error("expected the transition into sync")
	}
	if is, err := env.h.IsServer(env.ctx); err != nil || !is {
		t.Errorf("IsServer = %v, %v after AddServer", is, err)
	}

	doc := readDoc(t, serverDocPath())
	if !slices.Equal(doc.Servers, []string{selfID}) {
		t.Errorf("document servers %v, want [%s]", doc.Servers, selfID)
	}
	if len(doc.Devices) != 1 || doc.Devices[0].ID != selfID {
		t.Errorf("document devices %v, want just the local device", doc.Devices)
	}
}

func TestMutatorsRequireSyncedServer(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.start()

	if err := env.h.AddDevice(peer1, "").Wait(env.ctx); !errors.Is(err, ErrConfigNotInSync) {
		t.Errorf("AddDevice: %v, want ErrConfigNotInSync", err)
	}
	if err := env.h.RemoveDevice(peer1).Wait(env.ctx); !errors.Is(err, ErrConfigNotInSync) {
		t.Errorf("RemoveDevice: %v, want ErrConfigNotInSync", err)
	}
	res := env.h.AddFolder(FolderSpec{Path: filepath.Join(env.dataDir, "x"), Label: "x"})
	if err := res.Wait(env.ctx); !errors.Is(err, ErrConfigNotInSync) {
		t.Errorf("AddFolder: %v, want ErrConfigNotInSync", err)
	}
}

func TestAddDeviceWritesControlView(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.start()
	env.makeServer()
	sub := env.subscribe(events.DevicesAdded)

	env.addDevice(peer1, "laptop")

	ev := nextEvent(t, sub)
	added := ev.Data.(DeviceEventData).Devices
	if len(added) != 1 || added[0].ID != peer1 {
		t.Errorf("DevicesAdded carried %v", added)
	}

	// A device in no folder sees the servers and nothing else.
	view := readDoc(t, viewPath(peer1))
	if len(view.Devices) != 1 || view.Devices[0].ID != selfID {
		t.Errorf("view devices %v, want just the server", view.Devices)
	}
	if len(view.Folders) != 0 {
		t.Errorf("view folders %v, want none", view.Folders)
	}
	if !slices.Equal(view.Servers, []string{selfID}) {
		t.Errorf("view servers %v", view.Servers)
	}

	var expected string
	env.peek(func() { expected = env.h.expectedHash[peer1] })
	if got := documentHash(view); got != expected {
		t.Errorf("view hash %s, expected acknowledgement %s", got, expected)
	}

	cfg := env.fd.lastConfig()
	ctrl, ok := cfg.Folder(controlFolderID(testSecret, peer1))
	if !ok {
		t.Fatalf("daemon config lacks the control folder for %s", peer1)
	}
	if !ctrl.SharedWith(peer1) || !ctrl.SharedWith(selfID) {
		t.Errorf("control folder shared with %v, want the device and the server", ctrl.Devices)
	}
	if _, ok := cfg.Device(peer1); !ok {
		t.Error("daemon config lacks the added device")
	}
	if _, ok := cfg.Folder(serverFolderID(testSecret)); !ok {
		t.Error("daemon config lacks the server configuration folder")
	}
}

func TestAddFolderConventions(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.start()
	env.makeServer()

	path := filepath.Join(env.dataDir, "assets")
	res := env.h.AddFolder(FolderSpec{Path: path, Label: "assets", Devices: []string{selfID}})
	fid, err := worker.Get[string](env.ctx, res)
	if err != nil {
		t.Fatal(err)
	}
	if len(fid) != len("folder-")+16 || fid[:len("folder-")] != "folder-" {
		t.Errorf("unconventional folder id %q", fid)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("folder directory not created:", err)
	}

	// Adding the same path again returns the existing folder.
	res = env.h.AddFolder(FolderSpec{Path: path, Label: "other"})
	again, err := worker.Get[string](env.ctx, res)
	if err != nil {
		t.Fatal(err)
	}
	if again != fid {
		t.Errorf("same path produced a second folder %q != %q", again, fid)
	}
	if got := len(env.folders()); got != 1 {
		t.Errorf("%d folders in the model, want 1", got)
	}

	// An explicit folder id wins over the generated one.
	res = env.h.AddFolder(FolderSpec{
		Path:     filepath.Join(env.dataDir, "demo"),
		Label:    "demo",
		FolderID: "project_demo_configuration",
	})
	fixed, err := worker.Get[string](env.ctx, res)
	if err != nil {
		t.Fatal(err)
	}
	if fixed != "project_demo_configuration" {
		t.Errorf("explicit folder id not honored: %q", fixed)
	}
}

func TestFolderVisibleInMemberViews(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.start()
	env.makeServer()
	env.addDevice(peer1, "")
	env.addDevice(peer2, "")

	fid := env.addFolder("assets", selfID, peer1)

	view := readDoc(t, viewPath(peer1))
	if len(view.Folders) != 1 || view.Folders[0].ID != fid {
		t.Fatalf("member view folders %v, want [%s]", view.Folders, fid)
	}
	if !slices.Equal(view.Folders[0].Devices, []string{peer1, selfID}) {
		t.Errorf("member view folder devices %v", view.Folders[0].Devices)
	}

	// The raw document must not leak the server's local path.
	bs, err := os.ReadFile(viewPath(peer1))
	if err != nil {
		t.Fatal(err)
	}
	var raw struct {
		Folders []map[string]any `json:"folders"`
	}
	if err := json.Unmarshal(bs, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw.Folders[0]["path"]; ok {
		t.Error("view document leaks the folder path")
	}

	// The non-member still sees only the servers.
	view = readDoc(t, viewPath(peer2))
	if len(view.Folders) != 0 {
		t.Errorf("non-member view folders %v, want none", view.Folders)
	}

	cfg := env.fd.lastConfig()
	shared, ok := cfg.Folder(fid)
	if !ok {
		t.Fatal("daemon config lacks the shared folder")
	}
	if !shared.SharedWith(peer1) || !shared.SharedWith(selfID) || shared.SharedWith(peer2) {
		t.Errorf("shared folder devices %v", shared.Devices)
	}
}

func TestDeviceRemovalProtocol(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.start()
	env.makeServer()
	env.addDevice(peer1, "laptop")
	fid := env.addFolder("assets", selfID, peer1)
	subRemoved := env.subscribe(events.DevicesRemoved)

	if err := env.h.RemoveDevice(peer1).Wait(env.ctx); err != nil {
		t.Fatal(err)
	}

	dev := env.devices()[peer1]
	if dev == nil {
		t.Fatal("device left the model before acknowledging its removal")
	}
	if !dev.ScheduledForDeletion() {
		t.Fatal("device not scheduled for deletion")
	}
	if env.folders()[fid].HasDevice(peer1) {
		t.Error("folder still lists the removed device")
	}

	// Re-adding is refused while the eviction is pending.
	if err := env.h.AddDevice(peer1, "").Wait(env.ctx); !errors.Is(err, ErrDeviceDeleted) {
		t.Errorf("AddDevice during eviction: %v, want ErrDeviceDeleted", err)
	}
	if err := env.h.AddServer(peer1).Wait(env.ctx); !errors.Is(err, ErrDeviceDeleted) {
		t.Errorf("AddServer during eviction: %v, want ErrDeviceDeleted", err)
	}

	// The published view shrank to the servers alone; acknowledging it
	// completes the eviction.
	view := readDoc(t, viewPath(peer1))
	if len(view.Folders) != 0 {
		t.Fatalf("eviction view still carries folders: %v", view.Folders)
	}
	writeAck(t, peer1, documentHash(view))
	env.fd.pushEvent(t, daemon.EventItemFinished, itemData(controlFolderID(testSecret, peer1), syncHashItem))

	ev := nextEvent(t, subRemoved)
	removed := ev.Data.(DeviceEventData).Devices
	if len(removed) != 1 || removed[0].ID != peer1 {
		t.Errorf("DevicesRemoved carried %v", removed)
	}
	waitFor(t, "device eviction", func() bool {
		_, ok := env.devices()[peer1]
		return !ok
	})

	if _, ok := env.fd.lastConfig().Folder(controlFolderID(testSecret, peer1)); ok {
		t.Error("daemon config still carries the control folder after eviction")
	}
}

func TestStaleAcknowledgementIgnored(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.start()
	env.makeServer()
	env.addDevice(peer1, "")
	if err := env.h.RemoveDevice(peer1).Wait(env.ctx); err != nil {
		t.Fatal(err)
	}

	writeAck(t, peer1, "0:0:0:0")
	env.fd.pushEvent(t, daemon.EventItemFinished, itemData(controlFolderID(testSecret, peer1), syncHashItem))
	env.fence()

	if _, ok := env.devices()[peer1]; !ok {
		t.Error("device evicted on a stale acknowledgement")
	}
}

func TestRetentionForcesEviction(t *testing.T) {
	env := newTestEnv(t, Options{Retention: time.Nanosecond})
	env.start()
	env.makeServer()
	env.addDevice(peer1, "")

	if err := env.h.RemoveDevice(peer1).Wait(env.ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "forced eviction", func() bool {
		_, ok := env.devices()[peer1]
		return !ok
	})
}

func TestSetDevicesReconciles(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.start()
	env.makeServer()
	env.addDevice(peer1, "")
	env.addDevice(peer2, "")

	if err := env.h.SetDevices([]string{peer2, peer3}).Wait(env.ctx); err != nil {
		t.Fatal(err)
	}

	devs := env.devices()
	if devs[peer3] == nil || devs[peer3].ScheduledForDeletion() {
		t.Errorf("missing device not added: %v", devs[peer3])
	}
	if devs[peer1] == nil || !devs[peer1].ScheduledForDeletion() {
		t.Errorf("device outside the set not scheduled for deletion: %v", devs[peer1])
	}
	if devs[peer2] == nil || devs[peer2].ScheduledForDeletion() {
		t.Errorf("device inside the set disturbed: %v", devs[peer2])
	}
	if devs[selfID] == nil || devs[selfID].ScheduledForDeletion() {
		t.Error("the local server never leaves through SetDevices")
	}
}

func TestFolderMembershipValidation(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.start()
	env.makeServer()
	env.addDevice(peer1, "")
	fid := env.addFolder("assets", selfID)

	if err := env.h.SetFolderDevices(fid, []string{selfID, "DEV-GHOST"}).Wait(env.ctx); !errors.Is(err, ErrDeviceUnknown) {
		t.Errorf("unknown member: %v, want ErrDeviceUnknown", err)
	}
	if err := env.h.AddDeviceToFolder("folder-bogus", peer1).Wait(env.ctx); !errors.Is(err, ErrFolderUnknown) {
		t.Errorf("unknown folder: %v, want ErrFolderUnknown", err)
	}

	if err := env.h.RemoveDevice(peer1).Wait(env.ctx); err != nil {
		t.Fatal(err)
	}
	if err := env.h.AddDeviceToFolder(fid, peer1).Wait(env.ctx); !errors.Is(err, ErrDeviceDeleted) {
		t.Errorf("member under eviction: %v, want ErrDeviceDeleted", err)
	}
}

func TestSetDeviceName(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.start()
	env.makeServer()
	env.addDevice(peer1, "old")

	if err := env.h.SetDeviceName(peer1, "new").Wait(env.ctx); err != nil {
		t.Fatal(err)
	}
	if got := env.devices()[peer1].Name; got != "new" {
		t.Errorf("device name %q, want %q", got, "new")
	}

	doc := readDoc(t, serverDocPath())
	for _, dd := range doc.Devices {
		if dd.ID == peer1 && dd.Name != "new" {
			t.Errorf("persisted device name %q, want %q", dd.Name, "new")
		}
	}
}

func TestRepeatedAddsAreNoOps(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.start()
	env.makeServer()
	env.addDevice(peer1, "laptop")
	fid := env.addFolder("assets", selfID, peer1)

	sub := env.subscribe(events.DeviceEvents | events.FolderEvents)
	before := env.fd.snapshot()

	// Everything below already holds, so nothing may change, save or emit.
	if err := env.h.AddServer(selfID).Wait(env.ctx); err != nil {
		t.Fatal(err)
	}
	env.addDevice(peer1, "laptop")
	if err := env.h.AddDeviceToFolder(fid, peer1).Wait(env.ctx); err != nil {
		t.Fatal(err)
	}
	if err := env.h.RemoveDeviceFromFolder(fid, peer2).Wait(env.ctx); err != nil {
		t.Fatal(err)
	}

	if got, want := env.fd.snapshot().configPushes, before.configPushes; got != want {
		t.Errorf("%d daemon config saves for no-op mutations", got-want)
	}
	if ev, err := sub.Poll(100 * time.Millisecond); !errors.Is(err, events.ErrTimeout) {
		t.Errorf("no-op mutation emitted %v (poll: %v)", ev, err)
	}
}

func TestBatchCoalescesSaves(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.start()
	env.makeServer()
	before := env.fd.snapshot()

	b := env.h.NewBatch()
	b.AddDevice(peer1, "")
	b.AddDevice(peer2, "")
	last := b.AddFolder(FolderSpec{
		Path:    filepath.Join(env.dataDir, "assets"),
		Label:   "assets",
		Devices: []string{peer1, peer2},
	})
	b.Commit()
	if _, err := worker.Get[string](env.ctx, last); err != nil {
		t.Fatal(err)
	}
	// The batch end hook runs after the last result completes; synchronize
	// with the worker before counting.
	env.peek(func() {})

	after := env.fd.snapshot()
	if got := after.configPushes - before.configPushes; got != 1 {
		t.Errorf("%d daemon config pushes for the batch, want exactly 1", got)
	}
	if got := after.pauses - before.pauses; got != 1 {
		t.Errorf("%d daemon pauses for the batch, want exactly 1", got)
	}
	if got := after.resumes - before.resumes; got != 1 {
		t.Errorf("%d daemon resumes for the batch, want exactly 1", got)
	}

	doc := readDoc(t, serverDocPath())
	if len(doc.Devices) != 3 {
		t.Errorf("document has %d devices, want 3", len(doc.Devices))
	}
	if len(doc.Folders) != 1 {
		t.Errorf("document has %d folders, want 1", len(doc.Folders))
	}
}

func TestConfigItemTransitions(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.start()
	env.makeServer()
	sub := env.subscribe(events.ConfigSyncChanged)
	cfgFolder := serverFolderID(testSecret)

	env.fd.pushEvent(t, daemon.EventItemStarted, itemData(cfgFolder, configDocItem))
	ev := nextEvent(t, sub)
	if ev.Data.(ConfigSyncChangedData).InSync {
		t.Error("expected out of sync while the document transfers")
	}

	env.fd.pushEvent(t, daemon.EventItemFinished, itemData(cfgFolder, configDocItem))
	ev = nextEvent(t, sub)
	if !ev.Data.(ConfigSyncChangedData).InSync {
		t.Error("expected in sync once the document applied")
	}

	// Metadata-only changes do not touch the state machine.
	md := itemData(cfgFolder, configDocItem)
	md["action"] = "metadata"
	env.fd.pushEvent(t, daemon.EventItemStarted, md)
	env.fence()
	if !env.inSync() {
		t.Error("metadata change must not leave sync")
	}
}

func TestFailedItemDoesNotApplyConfig(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.start()
	env.makeServer()
	sub := env.subscribe(events.ConfigSyncChanged)
	cfgFolder := serverFolderID(testSecret)

	env.fd.pushEvent(t, daemon.EventItemStarted, itemData(cfgFolder, configDocItem))
	nextEvent(t, sub)

	failed := itemData(cfgFolder, configDocItem)
	failed["error"] = "pull: permission denied"
	env.fd.pushEvent(t, daemon.EventItemFinished, failed)
	env.fence()

	if env.inSync() {
		t.Error("an errored item must not mark the configuration applied")
	}
}

func TestStartupCompletePushesMissingConfig(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.start()
	env.makeServer()
	before := env.fd.snapshot()

	// No database entry for the configuration document: the daemon answers
	// 404 and the handler pushes its configuration.
	env.fd.pushEvent(t, daemon.EventStartupComplete, map[string]any{})
	waitFor(t, "config push", func() bool {
		return env.fd.snapshot().configPushes > before.configPushes
	})
	if got := env.fd.snapshot().restarts; got != 0 {
		t.Errorf("daemon restarted %d times; the push should apply live", got)
	}
}

func TestClientAppliesServerDocument(t *testing.T) {
	env := newTestEnv(t, Options{})
	seedCache(t, bootstrapCache{
		APIKey:       "clientapikey",
		ServerSecret: testSecret,
		Servers:      []string{srvID},
		Devices: map[string]bootstrapDevice{
			selfID: {ID: selfID},
			srvID:  {ID: srvID},
		},
	})
	env.start()

	if is, err := env.h.IsServer(env.ctx); err != nil || is {
		t.Fatalf("IsServer = %v, %v; this node is a client", is, err)
	}
	if env.inSync() {
		t.Fatal("client in sync before any document arrived")
	}
	subFolders := env.subscribe(events.FoldersAdded)

	const fid = "folder-0123456789abcdef"
	doc := configDoc{
		Devices: []deviceDoc{
			{ID: srvID, Name: "central", AddedAt: 100},
			{ID: selfID, AddedAt: 100},
		},
		Servers:        []string{srvID},
		Folders:        []folderDoc{{ID: fid, Label: "assets", Devices: []string{srvID, selfID}}},
		IgnoredDevices: []string{},
	}
	if err := writeDocument(viewPath(selfID), doc); err != nil {
		t.Fatal(err)
	}
	env.fd.pushEvent(t, daemon.EventItemFinished, itemData(controlFolderID(testSecret, selfID), configDocItem))

	waitFor(t, "config sync", env.inSync)
	nextEvent(t, subFolders)

	folder := env.folders()[fid]
	if folder == nil {
		t.Fatal("folder from the document missing from the model")
	}
	if want := filepath.Join(env.dataDir, "assets"); folder.Path != want {
		t.Errorf("local folder path %q, want %q", folder.Path, want)
	}

	// The client acknowledged with the hash of its own rendering of the
	// document, which must match the document itself.
	hashPath := filepath.Join(locations.ControlFolder(selfID), configSyncSubdir, syncHashFileName)
	var ack []byte
	waitFor(t, "acknowledgement hash", func() bool {
		bs, err := os.ReadFile(hashPath)
		ack = bs
		return err == nil
	})
	if got, want := string(ack), documentHash(doc)+"\n"; got != want {
		t.Errorf("acknowledged %q, want %q", got, want)
	}
	scan, ok := env.fd.lastScan()
	if !ok || scan.folder != controlFolderID(testSecret, selfID) || !slices.Equal(scan.subs, []string{configSyncSubdir}) {
		t.Errorf("acknowledgement scan nudge %v missing or wrong", scan)
	}

	// The daemon got the folder, shared with the server.
	cfg := env.fd.lastConfig()
	shared, ok := cfg.Folder(fid)
	if !ok {
		t.Fatal("daemon config lacks the synced folder")
	}
	if !shared.SharedWith(srvID) || !shared.SharedWith(selfID) {
		t.Errorf("folder devices %v", shared.Devices)
	}

	// The bootstrap cache follows the document for the next restart.
	bc, err := loadBootstrapCache(locations.Get(locations.BootstrapCache))
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(bc.Servers, []string{srvID}) {
		t.Errorf("cached servers %v", bc.Servers)
	}
	if bf, ok := bc.Folders[fid]; !ok || bf.Path != folder.Path {
		t.Errorf("cached folder path %v", bc.Folders)
	}

	// A client never mutates the configuration, in sync or not.
	if err := env.h.AddDevice(peer1, "").Wait(env.ctx); !errors.Is(err, ErrConfigNotInSync) {
		t.Errorf("AddDevice on a client: %v, want ErrConfigNotInSync", err)
	}
}

func TestClientRemovesDeletedFolder(t *testing.T) {
	env := newTestEnv(t, Options{})
	seedCache(t, bootstrapCache{
		APIKey:       "clientapikey",
		ServerSecret: testSecret,
		Servers:      []string{srvID},
		Devices: map[string]bootstrapDevice{
			selfID: {ID: selfID},
			srvID:  {ID: srvID},
		},
	})
	env.start()

	const fid = "folder-0123456789abcdef"
	doc := configDoc{
		Devices: []deviceDoc{
			{ID: srvID, AddedAt: 100},
			{ID: selfID, AddedAt: 100},
		},
		Servers:        []string{srvID},
		Folders:        []folderDoc{{ID: fid, Label: "assets", Devices: []string{srvID, selfID}}},
		IgnoredDevices: []string{},
	}
	if err := writeDocument(viewPath(selfID), doc); err != nil {
		t.Fatal(err)
	}
	env.fd.pushEvent(t, daemon.EventItemFinished, itemData(controlFolderID(testSecret, selfID), configDocItem))
	waitFor(t, "folder synced in", func() bool {
		return env.folders()[fid] != nil
	})

	// The daemon's folder marker is what licenses deletion.
	folderPath := filepath.Join(env.dataDir, "assets")
	if err := os.MkdirAll(filepath.Join(folderPath, ".stfolder"), 0o755); err != nil {
		t.Fatal(err)
	}

	doc.Folders = []folderDoc{}
	if err := writeDocument(viewPath(selfID), doc); err != nil {
		t.Fatal(err)
	}
	env.fd.pushEvent(t, daemon.EventItemFinished, itemData(controlFolderID(testSecret, selfID), configDocItem))

	waitFor(t, "folder removal", func() bool {
		return env.folders()[fid] == nil
	})
	waitFor(t, "local directory removal", func() bool {
		_, err := os.Stat(folderPath)
		return errors.Is(err, os.ErrNotExist)
	})
}

func TestStartupCompleteChecksDocumentCurrency(t *testing.T) {
	env := newTestEnv(t, Options{})
	seedCache(t, bootstrapCache{
		APIKey:       "clientapikey",
		ServerSecret: testSecret,
		Servers:      []string{srvID},
		Devices: map[string]bootstrapDevice{
			selfID: {ID: selfID},
			srvID:  {ID: srvID},
		},
	})
	env.start()

	doc := configDoc{
		Devices: []deviceDoc{
			{ID: srvID, AddedAt: 100},
			{ID: selfID, AddedAt: 100},
		},
		Servers:        []string{srvID},
		Folders:        []folderDoc{},
		IgnoredDevices: []string{},
	}
	if err := writeDocument(viewPath(selfID), doc); err != nil {
		t.Fatal(err)
	}

	// The daemon reports the document as globally current, so there is no
	// ItemFinished coming; the startup probe must pick it up.
	when := time.Unix(1700000000, 0)
	env.fd.setDBFile(controlFolderID(testSecret, selfID), configDocItem, when, when)
	env.fd.pushEvent(t, daemon.EventStartupComplete, map[string]any{})

	waitFor(t, "config sync via startup probe", env.inSync)
}

func TestStaleControlDocumentRewritten(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.start()
	env.makeServer()
	env.addDevice(peer1, "")

	var addedAt int64
	env.peek(func() { addedAt = env.h.devices[peer1].AddedAt })
	ctrl := controlFolderID(testSecret, peer1)

	// The control folder synced a document predating the device: leftovers
	// from an earlier life of the same ID. The handler republishes.
	stale := time.Unix(addedAt-3600, 0)
	env.fd.setDBFile(ctrl, configDocItem, stale, stale)
	before := env.fd.scanCount()
	env.fd.pushEvent(t, daemon.EventItemFinished, itemData(ctrl, configDocItem))
	waitFor(t, "view rewrite", func() bool {
		return env.fd.scanCount() > before
	})
	scan, _ := env.fd.lastScan()
	if scan.folder != ctrl || !slices.Equal(scan.subs, []string{configSubdir}) {
		t.Errorf("rewrite scan %v, want folder %s sub %s", scan, ctrl, configSubdir)
	}

	// A current document is left alone.
	current := time.Unix(addedAt+3600, 0)
	env.fd.setDBFile(ctrl, configDocItem, current, current)
	count := env.fd.scanCount()
	env.fd.pushEvent(t, daemon.EventItemFinished, itemData(ctrl, configDocItem))
	env.fence()
	if got := env.fd.scanCount(); got != count {
		t.Errorf("current document triggered %d extra scans", got-count)
	}
}

func TestFolderSummaryUpdatesVolatileData(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.start()
	env.makeServer()
	env.addDevice(peer1, "")
	fid := env.addFolder("assets", selfID, peer1)
	subVol := env.subscribe(events.FoldersVolatileDataChanged)
	subSynced := env.subscribe(events.FoldersSynced)

	env.fd.pushEvent(t, daemon.EventFolderSummary, map[string]any{
		"folder": fid,
		"summary": map[string]any{
			"state": "syncing", "needTotalItems": 3,
			"globalFiles": 12, "globalBytes": 4096, "localFiles": 9, "localBytes": 2048,
		},
	})
	ev := nextEvent(t, subVol)
	f := ev.Data.(FolderEventData).Folders[0]
	if f.Volatile.State != "syncing" || f.Volatile.NeedTotalItems != 3 || f.Volatile.Synced {
		t.Errorf("volatile state after summary: %+v", f.Volatile)
	}
	if f.Volatile.GlobalFiles != 12 || f.Volatile.GlobalBytes != 4096 || f.Volatile.LocalFiles != 9 {
		t.Errorf("volatile counters after summary: %+v", f.Volatile)
	}

	env.fd.pushEvent(t, daemon.EventFolderSummary, map[string]any{
		"folder": fid,
		"summary": map[string]any{
			"state": "idle", "needTotalItems": 0,
			"globalFiles": 12, "globalBytes": 4096, "localFiles": 12, "localBytes": 4096,
		},
	})
	ev = nextEvent(t, subSynced)
	if !ev.Data.(FolderEventData).Folders[0].Volatile.Synced {
		t.Error("folder not marked synced with nothing left to do")
	}

	// A new transfer starting flips it straight back.
	env.fd.pushEvent(t, daemon.EventItemStarted, itemData(fid, "seq010/sh0010/plate.exr"))
	waitFor(t, "folder syncing again", func() bool {
		f := env.folders()[fid]
		return f != nil && f.Volatile.State == "syncing" && !f.Volatile.Synced
	})
}

func TestDeviceEventsUpdateVolatileData(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.start()
	env.makeServer()
	env.addDevice(peer1, "laptop")

	env.fd.pushEvent(t, daemon.EventDeviceConnected, map[string]any{
		"id": peer1, "deviceName": "laptop",
		"addr": "192.0.2.1:22000", "clientName": "syncthing", "clientVersion": "v1.2.3",
	})
	waitFor(t, "device connected", func() bool {
		dev := env.devices()[peer1]
		return dev.Volatile.Connected && dev.Volatile.Address == "192.0.2.1:22000" &&
			dev.Volatile.ClientVersion == "v1.2.3"
	})

	env.fd.pushEvent(t, daemon.EventDevicePaused, map[string]any{"id": peer1})
	waitFor(t, "device paused", func() bool {
		return env.devices()[peer1].Volatile.Paused
	})

	env.fd.pushEvent(t, daemon.EventDeviceDisconnected, map[string]any{"id": peer1})
	waitFor(t, "device disconnected", func() bool {
		return !env.devices()[peer1].Volatile.Connected
	})

	env.fd.pushEvent(t, daemon.EventDeviceResumed, map[string]any{"id": peer1})
	waitFor(t, "device resumed", func() bool {
		return !env.devices()[peer1].Volatile.Paused
	})
}

func TestUnhandledDaemonEventsRepublished(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.start()
	sub := env.subscribe(events.DaemonGeneric)

	env.fd.pushEvent(t, daemon.EventFolderRejected, map[string]any{"folder": "f", "device": peer1})

	ev := nextEvent(t, sub)
	dev, ok := ev.Data.(daemon.Event)
	if !ok {
		t.Fatalf("republished data is %T, want daemon.Event", ev.Data)
	}
	if dev.Type != daemon.EventFolderRejected {
		t.Errorf("republished type %q", dev.Type)
	}
}
