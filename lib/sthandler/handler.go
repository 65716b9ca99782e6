// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package sthandler drives the sync daemon: it owns the child process and
// its REST client, keeps the in-memory model of devices, folders and
// servers, reconciles it against the authoritative configuration documents
// travelling through the daemon's own folders, and translates daemon
// events into bus events. All model access happens on the handler's worker
// goroutine; the public API is asynchronous.
package sthandler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lancesync/lance/lib/daemon"
	"github.com/lancesync/lance/lib/events"
	"github.com/lancesync/lance/lib/locations"
	"github.com/lancesync/lance/lib/osutil"
	"github.com/lancesync/lance/lib/svcutil"
	"github.com/lancesync/lance/lib/worker"
)

// ErrConfigNotInSync is returned by mutating operations when this node is
// not a server with its configuration in sync.
var ErrConfigNotInSync = errors.New("configuration not in sync")

// ErrDeviceUnknown is returned when an operation names a device that is
// not part of the model.
var ErrDeviceUnknown = errors.New("unknown device")

// ErrFolderUnknown is returned when an operation names a folder that is
// not part of the model.
var ErrFolderUnknown = errors.New("unknown folder")

// ErrDeviceDeleted is returned when re-adding a device whose eviction has
// not completed yet.
var ErrDeviceDeleted = errors.New("device scheduled for deletion")

// ConfigurationError means the persisted configuration is unusable and
// manual intervention or a fresh authoritative document is required.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

type configState int

const (
	configUnsyncedInitial configState = iota
	configChanging
	configSynced
)

func (s configState) String() string {
	switch s {
	case configUnsyncedInitial:
		return "unsynced_initial"
	case configChanging:
		return "changing"
	case configSynced:
		return "synced"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

const (
	bootstrapRetryDelay = time.Second
	// eventPollTimeout is the long-poll budget passed to the daemon's
	// events endpoint, in seconds. Short enough that queued calls are not
	// starved behind the poll.
	eventPollTimeout = 2
)

// Options configure a Handler.
type Options struct {
	// Binary is the path to the sync daemon executable.
	Binary string
	// GUIAddress is the daemon's REST API endpoint.
	GUIAddress string
	// ListenAddress is the daemon's sync protocol listen address.
	ListenAddress string
	// Retention bounds how long an unacknowledged device eviction stays
	// in the model before the device is forcibly forgotten.
	Retention time.Duration
	// Process, when set, is the daemon process to drive instead of one
	// spawned from Binary. Lets an embedder supervise an externally
	// managed daemon.
	Process DaemonProcess
	// NewClient, when set, constructs the daemon REST client for an API
	// address and key instead of daemon.NewClient.
	NewClient func(addr, apiKey string) DaemonClient
}

// DaemonProcess is the child process surface the handler needs; satisfied
// by *daemon.Process.
type DaemonProcess interface {
	Start() error
	Stop()
	Running() bool
	DeviceID(ctx context.Context) (string, error)
	GenerateConfig(ctx context.Context) error
}

// DaemonClient is the REST surface the handler needs; satisfied by
// *daemon.Client.
type DaemonClient interface {
	Events(ctx context.Context, since, timeout int) ([]daemon.Event, error)
	Config(ctx context.Context) (daemon.Configuration, error)
	SetConfig(ctx context.Context, cfg daemon.Configuration) error
	ConfigInSync(ctx context.Context) (bool, error)
	DBFileModified(ctx context.Context, folder, file string) (daemon.DBFile, error)
	Scan(ctx context.Context, folder string, subs ...string) error
	Restart(ctx context.Context) error
	PauseAll(ctx context.Context) error
	ResumeAll(ctx context.Context) error
	AwaitReady(ctx context.Context, attempts int) error
}

// Handler owns the sync daemon and the synchronized configuration model.
type Handler struct {
	bus  *events.Logger
	w    *worker.Worker
	opts Options

	proc      DaemonProcess
	cli       DaemonClient
	newClient func(addr, apiKey string) DaemonClient

	// runCtx is the context Serve was called with, for work triggered
	// outside a call, such as the batch end hook. Only touched on the
	// worker goroutine.
	runCtx context.Context

	// Everything below is owned by the worker goroutine.
	myID        string
	apiKey      string
	secret      string
	devices     map[string]*Device
	folders     map[string]*Folder
	servers     map[string]struct{}
	ignored     map[string]struct{}
	folderPaths map[string]string

	state            configState
	expectedHash     map[string]string
	lastEventID      int
	bootstrapped     bool
	lastBootstrapTry time.Time

	inBatch     bool
	savePending bool
	pauseDepth  int
	paused      bool
}

func New(bus *events.Logger, opts Options) *Handler {
	if opts.GUIAddress == "" {
		opts.GUIAddress = "127.0.0.1:8384"
	}
	if opts.ListenAddress == "" {
		opts.ListenAddress = "default"
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	h := &Handler{
		bus:          bus,
		opts:         opts,
		devices:      make(map[string]*Device),
		folders:      make(map[string]*Folder),
		servers:      make(map[string]struct{}),
		ignored:      make(map[string]struct{}),
		folderPaths:  make(map[string]string),
		expectedHash: make(map[string]string),
		state:        configUnsyncedInitial,
	}
	h.newClient = opts.NewClient
	if h.newClient == nil {
		h.newClient = func(addr, apiKey string) DaemonClient {
			return daemon.NewClient(addr, apiKey)
		}
	}
	h.proc = opts.Process
	if h.proc == nil {
		h.proc = daemon.NewProcess(opts.Binary, locations.Get(locations.DaemonHome), opts.GUIAddress)
	}
	h.w = worker.New("sthandler", h.tick)
	h.w.SetBatchHooks(h.batchBegin, h.batchEnd)
	return h
}

func (h *Handler) Serve(ctx context.Context) error {
	h.runCtx = ctx
	err := h.w.Serve(ctx)
	h.proc.Stop()
	return err
}

func (h *Handler) String() string {
	return "sthandler.Handler"
}

// tick is one round of the cooperative load: get bootstrapped, keep the
// daemon alive, drain its event feed, and sweep abandoned evictions.
func (h *Handler) tick(ctx context.Context) error {
	if !h.bootstrapped {
		if time.Since(h.lastBootstrapTry) < bootstrapRetryDelay {
			return nil
		}
		h.lastBootstrapTry = time.Now()
		if err := h.bootstrap(ctx); err != nil {
			var confErr *ConfigurationError
			if errors.As(err, &confErr) {
				// A broken persisted configuration does not heal by
				// retrying. Take the node down and let the operator fix or
				// remove it.
				l.Warnln("Unusable configuration:", err)
				return svcutil.AsFatalErr(err, svcutil.ExitError)
			}
			l.Infoln("Bootstrap:", err)
			return nil
		}
		h.bootstrapped = true
		l.Infof("Bootstrapped; device ID is %s", h.myID)
	}

	if !h.proc.Running() {
		if err := h.saveDaemonConfig(ctx); err != nil {
			l.Infoln("Starting daemon:", err)
			return nil
		}
	}

	evs, err := h.cli.Events(ctx, h.lastEventID, eventPollTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, daemon.ErrDaemonNotReady) {
			l.Debugln("Daemon not ready:", err)
			return nil
		}
		return fmt.Errorf("polling events: %w", err)
	}
	for _, ev := range evs {
		if ev.ID > h.lastEventID {
			h.lastEventID = ev.ID
		}
		h.ingest(ctx, ev)
	}

	return h.sweepRetention(ctx)
}

// bootstrap establishes the daemon identity and the local credentials,
// then loads the configuration. On a pristine machine it generates keys
// and synthesizes the initial single-device model.
func (h *Handler) bootstrap(ctx context.Context) error {
	cachePath := locations.Get(locations.BootstrapCache)
	_, err := loadBootstrapCache(cachePath)
	fresh := false
	switch {
	case err == nil:
	case bootstrapMissing(err):
		fresh = true
	default:
		return err
	}

	myID, err := h.proc.DeviceID(ctx)
	if errors.Is(err, daemon.ErrNoIdentity) {
		l.Infoln("No daemon identity yet, generating keys")
		if err := h.proc.GenerateConfig(ctx); err != nil {
			return fmt.Errorf("generating daemon keys: %w", err)
		}
		myID, err = h.proc.DeviceID(ctx)
	}
	if err != nil {
		return err
	}
	h.myID = myID

	if fresh {
		h.apiKey = newAPIKey(myID)
		h.secret = newServerSecret()
		h.devices[myID] = NewDevice(myID, "")
		if err := h.writeBootstrapCache(); err != nil {
			return err
		}
		l.Infoln("Wrote fresh bootstrap cache")
	}

	if _, err := h.reloadConfiguration(ctx, true); err != nil {
		return err
	}
	h.cli = h.newClient(h.opts.GUIAddress, h.apiKey)
	return nil
}

// reloadConfiguration rereads the bootstrap cache if requested, then the
// authoritative document, and reconciles the model against it. It reports
// whether the model changed.
func (h *Handler) reloadConfiguration(ctx context.Context, useBootstrap bool) (bool, error) {
	if useBootstrap {
		if err := h.applyBootstrapCache(); err != nil {
			return false, err
		}
	}

	docPath := filepath.Join(h.configFolderPath(), configSubdir, configFileName)
	var changed bool
	doc, err := loadDocument(docPath)
	switch {
	case err == nil:
		changed = h.applyDocument(doc)
	case errors.Is(err, os.ErrNotExist):
		// Nothing authoritative has synced in yet; the bootstrap-derived
		// model stands.
		l.Debugln("No authoritative document at", docPath)
	default:
		return false, err
	}

	h.checkSoleServer()
	metricReloads.Inc()
	return changed, nil
}

// applyBootstrapCache seeds credentials, membership and local folder
// paths from the bootstrap cache. Model entries already present win over
// cached ones; the cache only fills gaps left before the authoritative
// document was available.
func (h *Handler) applyBootstrapCache() error {
	bc, err := loadBootstrapCache(locations.Get(locations.BootstrapCache))
	if err != nil {
		return err
	}
	h.apiKey = bc.APIKey
	h.secret = bc.ServerSecret
	if len(h.servers) == 0 {
		for _, id := range bc.Servers {
			h.servers[id] = struct{}{}
		}
	}
	if len(h.ignored) == 0 {
		for _, id := range bc.IgnoredDevices {
			h.ignored[id] = struct{}{}
		}
	}
	for id, bf := range bc.Folders {
		if bf.Path != "" {
			h.folderPaths[id] = bf.Path
		}
	}
	for id, bd := range bc.Devices {
		if _, ok := h.devices[id]; !ok {
			h.devices[id] = NewDevice(id, bd.Name)
		}
	}
	for id := range h.servers {
		if _, ok := h.devices[id]; !ok {
			h.devices[id] = NewDevice(id, "")
		}
	}
	return nil
}

// applyDocument reconciles the model against an authoritative document.
// Existing object identities are reused: fields are replaced in place and
// volatile data survives. Set differences are emitted as bus events.
func (h *Handler) applyDocument(doc configDoc) bool {
	newServers := make(map[string]struct{}, len(doc.Servers))
	for _, id := range doc.Servers {
		newServers[id] = struct{}{}
	}
	newIgnored := make(map[string]struct{}, len(doc.IgnoredDevices))
	for _, id := range doc.IgnoredDevices {
		newIgnored[id] = struct{}{}
	}

	var dAdded, dRemoved, dChanged []*Device
	newDevices := make(map[string]*Device, len(doc.Devices))
	for _, dd := range doc.Devices {
		if old, ok := h.devices[dd.ID]; ok {
			if old.update(dd) {
				dChanged = append(dChanged, old.Copy())
			}
			newDevices[dd.ID] = old
			continue
		}
		dev := deviceFromDoc(dd)
		newDevices[dd.ID] = dev
		dAdded = append(dAdded, dev.Copy())
	}
	for id, old := range h.devices {
		if _, ok := newDevices[id]; !ok {
			dRemoved = append(dRemoved, old.Copy())
		}
	}

	for id := range newServers {
		if _, ok := newDevices[id]; !ok {
			l.Infof("Dropping server %s: not in the device list", id)
			delete(newServers, id)
		}
	}

	var fAdded, fRemoved, fChanged []*Folder
	newFolders := make(map[string]*Folder, len(doc.Folders))
	for _, fd := range doc.Folders {
		fd.Devices = knownDevices(fd.ID, fd.Devices, newDevices)
		if old, ok := h.folders[fd.ID]; ok {
			if old.update(fd) {
				fChanged = append(fChanged, old.Copy())
			}
			newFolders[fd.ID] = old
			continue
		}
		f := folderFromDoc(fd, h.localFolderPath(fd.ID, fd.Label))
		newFolders[fd.ID] = f
		fAdded = append(fAdded, f.Copy())
	}
	for id, old := range h.folders {
		if _, ok := newFolders[id]; !ok {
			fRemoved = append(fRemoved, old.Copy())
		}
	}

	h.devices = newDevices
	h.folders = newFolders
	h.servers = newServers
	h.ignored = newIgnored

	if !h.isServer() {
		h.removeDeletedFolders(fRemoved)
	}

	h.emitDeviceEvents(dAdded, dRemoved, dChanged)
	h.emitFolderEvents(fAdded, fRemoved, fChanged)

	return len(dAdded)+len(dRemoved)+len(dChanged)+len(fAdded)+len(fRemoved)+len(fChanged) > 0
}

func knownDevices(folderID string, ids []string, devices map[string]*Device) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := devices[id]; !ok {
			l.Infof("Dropping device %s from folder %s: not in the device list", id, folderID)
			continue
		}
		out = append(out, id)
	}
	return out
}

// localFolderPath resolves where a folder learned from a document lives on
// this machine: the bootstrap cache decides, with a default under the data
// directory.
func (h *Handler) localFolderPath(folderID, label string) string {
	if path, ok := h.folderPaths[folderID]; ok {
		return path
	}
	name := label
	if name == "" {
		name = folderID
	}
	return filepath.Join(locations.GetBaseDir(locations.DataBaseDir), name)
}

// removeDeletedFolders removes the local directories of folders that
// disappeared from the authoritative configuration. Only directories
// carrying the daemon's folder marker are touched.
func (h *Handler) removeDeletedFolders(removed []*Folder) {
	for _, f := range removed {
		if f.Path == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(f.Path, ".stfolder")); err != nil {
			l.Infof("Not deleting %s for removed folder %s: no folder marker", f.Path, f.ID)
			continue
		}
		l.Infof("Deleting %s for removed folder %s", f.Path, f.ID)
		if err := os.RemoveAll(f.Path); err != nil {
			l.Warnf("Deleting %s: %v", f.Path, err)
		}
		delete(h.folderPaths, f.ID)
	}
}

// checkSoleServer marks the configuration in sync when this node is the
// only server: there is no one to disagree with.
func (h *Handler) checkSoleServer() {
	if len(h.servers) != 1 {
		return
	}
	if _, ok := h.servers[h.myID]; ok && h.state != configSynced {
		l.Infoln("Sole server; configuration is in sync by definition")
		h.setSyncState(configSynced)
	}
}

func (h *Handler) setSyncState(state configState) {
	if h.state == state {
		return
	}
	wasInSync := h.state == configSynced
	l.Debugf("Sync state %v -> %v", h.state, state)
	h.state = state
	metricSyncState.Set(float64(state))
	if inSync := state == configSynced; inSync != wasInSync {
		h.bus.Log(events.ConfigSyncChanged, ConfigSyncChangedData{InSync: inSync})
	}
}

// requestSave persists the full configuration, or defers it to the end of
// the batch in progress.
func (h *Handler) requestSave(ctx context.Context) error {
	if h.inBatch {
		h.savePending = true
		return nil
	}
	return h.saveAll(ctx)
}

func (h *Handler) saveAll(ctx context.Context) error {
	if err := h.saveConfiguration(ctx); err != nil {
		return err
	}
	return h.saveDaemonConfig(ctx)
}

// saveConfiguration writes the bootstrap cache and, on a server, the
// authoritative document plus every device's scoped view. Daemon transfers
// pause around the writes so partially written documents never travel.
func (h *Handler) saveConfiguration(ctx context.Context) error {
	if err := h.writeBootstrapCache(); err != nil {
		return err
	}
	if !h.isServer() {
		return nil
	}
	return h.withPausedDaemon(ctx, func() error {
		doc := h.serverDocument()
		path := filepath.Join(locations.Get(locations.ServerFolder), configSubdir, configFileName)
		if err := writeDocument(path, doc); err != nil {
			return err
		}
		for _, id := range h.controlledDevices() {
			if err := h.writeDeviceView(id); err != nil {
				return err
			}
		}
		metricConfigSaves.Inc()
		return nil
	})
}

// writeDeviceView writes one device's scoped configuration into its
// control folder and records the acknowledgement hash we now expect back.
func (h *Handler) writeDeviceView(deviceID string) error {
	view := h.viewForDevice(deviceID)
	path := filepath.Join(locations.ControlFolder(deviceID), configSubdir, configFileName)
	if err := writeDocument(path, view); err != nil {
		return err
	}
	if hash := documentHash(view); h.expectedHash[deviceID] != hash {
		h.expectedHash[deviceID] = hash
		if dev, ok := h.devices[deviceID]; ok {
			dev.Volatile.Synced = false
		}
	}
	return nil
}

func (h *Handler) writeBootstrapCache() error {
	bc := bootstrapCache{
		APIKey:         h.apiKey,
		ServerSecret:   h.secret,
		Servers:        setToSlice(h.servers),
		Devices:        make(map[string]bootstrapDevice, len(h.devices)),
		Folders:        make(map[string]bootstrapFolder, len(h.folders)),
		IgnoredDevices: setToSlice(h.ignored),
	}
	for id, dev := range h.devices {
		bc.Devices[id] = bootstrapDevice{ID: id, Name: dev.Name}
	}
	for id, f := range h.folders {
		if f.Path != "" {
			bc.Folders[id] = bootstrapFolder{Path: f.Path}
		}
	}
	return bc.write(locations.Get(locations.BootstrapCache))
}

// writeSyncHash publishes this client's acknowledgement of the currently
// applied configuration into its control folder, where the daemon carries
// it back to the servers.
func (h *Handler) writeSyncHash(ctx context.Context) error {
	hash := documentHash(h.serverDocument())
	dir := filepath.Join(locations.ControlFolder(h.myID), configSyncSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := osutil.WriteFileAtomic(filepath.Join(dir, syncHashFileName), []byte(hash+"\n")); err != nil {
		return err
	}
	if h.proc.Running() && h.cli != nil {
		// Nudge the daemon so the acknowledgement travels without
		// waiting for the next rescan.
		if err := h.cli.Scan(ctx, h.controlFolderID(h.myID), configSyncSubdir); err != nil {
			l.Debugln("Scanning control folder:", err)
		}
	}
	return nil
}

// withPausedDaemon runs fn with the daemon's transfers paused. Nested uses
// coalesce into a single pause/resume pair.
func (h *Handler) withPausedDaemon(ctx context.Context, fn func() error) error {
	if h.pauseDepth == 0 && h.cli != nil && h.proc.Running() {
		if err := h.cli.PauseAll(ctx); err != nil {
			l.Debugln("Pausing daemon:", err)
		} else {
			h.paused = true
		}
	}
	h.pauseDepth++
	defer func() {
		h.pauseDepth--
		if h.pauseDepth == 0 && h.paused {
			h.paused = false
			if err := h.cli.ResumeAll(ctx); err != nil {
				l.Debugln("Resuming daemon:", err)
			}
		}
	}()
	return fn()
}

// sweepRetention forcibly forgets devices whose eviction was never
// acknowledged within the retention window.
func (h *Handler) sweepRetention(ctx context.Context) error {
	if !h.isServer() {
		return nil
	}
	now := time.Now().Unix()
	var expired []*Device
	for _, dev := range h.devices {
		if dev.ScheduledForDeletion() && now >= dev.DeleteAfter+int64(h.opts.Retention/time.Second) {
			expired = append(expired, dev)
		}
	}
	for _, dev := range expired {
		l.Infof("Device %s never acknowledged its removal; forcing it after the retention window", dev.ID)
		metricDeviceEvictions.WithLabelValues("forced").Inc()
		if err := h.finishRemoveDevice(ctx, dev); err != nil {
			return err
		}
	}
	return nil
}

// finishRemoveDevice forgets a device whose eviction has been acknowledged
// or abandoned, and persists the shrunken configuration.
func (h *Handler) finishRemoveDevice(ctx context.Context, dev *Device) error {
	delete(h.devices, dev.ID)
	delete(h.servers, dev.ID)
	delete(h.expectedHash, dev.ID)
	h.emitDeviceEvents(nil, []*Device{dev.Copy()}, nil)
	return h.requestSave(ctx)
}

func (h *Handler) batchBegin() {
	h.inBatch = true
	h.savePending = false
}

// batchEnd flushes the save coalesced over the batch. An aborted batch is
// not rolled back, so whatever the model says by now still gets persisted.
func (h *Handler) batchEnd(aborted error) {
	h.inBatch = false
	if !h.savePending {
		return
	}
	h.savePending = false
	ctx := h.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := h.saveAll(ctx); err != nil {
		l.Warnln("Saving configuration after batch:", err)
	}
}

func (h *Handler) isServer() bool {
	_, ok := h.servers[h.myID]
	return ok
}

func (h *Handler) serverFolderID() string {
	return serverFolderID(h.secret)
}

func (h *Handler) controlFolderID(deviceID string) string {
	return controlFolderID(h.secret, deviceID)
}

// configFolderID is the folder carrying this node's authoritative
// configuration: the server-configuration folder on a server, the node's
// own control folder on a client.
func (h *Handler) configFolderID() string {
	if h.isServer() {
		return h.serverFolderID()
	}
	return h.controlFolderID(h.myID)
}

func (h *Handler) configFolderPath() string {
	if h.isServer() {
		return locations.Get(locations.ServerFolder)
	}
	return locations.ControlFolder(h.myID)
}

// deviceByControlFolder maps a daemon folder id back to the device whose
// control folder it is, or nil.
func (h *Handler) deviceByControlFolder(folderID string) *Device {
	for id, dev := range h.devices {
		if h.controlFolderID(id) == folderID {
			return dev
		}
	}
	return nil
}

func (h *Handler) emitDeviceEvents(added, removed, changed []*Device) {
	if len(added) > 0 {
		h.bus.Log(events.DevicesAdded, DeviceEventData{Devices: added})
	}
	if len(removed) > 0 {
		h.bus.Log(events.DevicesRemoved, DeviceEventData{Devices: removed})
	}
	if len(changed) > 0 {
		h.bus.Log(events.DevicesChanged, DeviceEventData{Devices: changed})
	}
}

func (h *Handler) emitFolderEvents(added, removed, changed []*Folder) {
	if len(added) > 0 {
		h.bus.Log(events.FoldersAdded, FolderEventData{Folders: added})
	}
	if len(removed) > 0 {
		h.bus.Log(events.FoldersRemoved, FolderEventData{Folders: removed})
	}
	if len(changed) > 0 {
		h.bus.Log(events.FoldersConfigurationChanged, FolderEventData{Folders: changed})
	}
}
