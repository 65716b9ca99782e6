// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package sthandler

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/lancesync/lance/lib/worker"
)

// The public interface. Mutators enqueue onto the worker and return a
// result handle; snapshot accessors block for their deep copy. Everything
// here may be called from any goroutine.

// MyID returns the daemon identity, empty until bootstrapped.
func (h *Handler) MyID(ctx context.Context) (string, error) {
	return worker.Get[string](ctx, h.w.Call("my_id", func(context.Context) (interface{}, error) {
		return h.myID, nil
	}))
}

// Devices returns a deep-copy snapshot of the device model.
func (h *Handler) Devices(ctx context.Context) (map[string]*Device, error) {
	return worker.Get[map[string]*Device](ctx, h.w.Call("get_devices", func(context.Context) (interface{}, error) {
		out := make(map[string]*Device, len(h.devices))
		for id, dev := range h.devices {
			out[id] = dev.Copy()
		}
		return out, nil
	}))
}

// Folders returns a deep-copy snapshot of the folder model.
func (h *Handler) Folders(ctx context.Context) (map[string]*Folder, error) {
	return worker.Get[map[string]*Folder](ctx, h.w.Call("get_folders", func(context.Context) (interface{}, error) {
		out := make(map[string]*Folder, len(h.folders))
		for id, f := range h.folders {
			out[id] = f.Copy()
		}
		return out, nil
	}))
}

// Servers returns the sorted server IDs.
func (h *Handler) Servers(ctx context.Context) ([]string, error) {
	return worker.Get[[]string](ctx, h.w.Call("get_servers", func(context.Context) (interface{}, error) {
		return setToSlice(h.servers), nil
	}))
}

// IsServer reports whether this node is one of the servers.
func (h *Handler) IsServer(ctx context.Context) (bool, error) {
	return worker.Get[bool](ctx, h.w.Call("is_server", func(context.Context) (interface{}, error) {
		return h.isServer(), nil
	}))
}

// ConfigInSync reports whether the configuration state machine is in the
// synced state.
func (h *Handler) ConfigInSync(ctx context.Context) (bool, error) {
	return worker.Get[bool](ctx, h.w.Call("config_in_sync", func(context.Context) (interface{}, error) {
		return h.state == configSynced, nil
	}))
}

// AddServer promotes a device to server, adding it first if unknown. This
// and SetServerSecret are the bootstrap operations: they work before the
// node is a server, everything else requires it.
func (h *Handler) AddServer(id string, opts ...worker.CallOption) *worker.Result {
	return h.w.Call("add_server", h.opAddServer(id), opts...)
}

// SetServerSecret replaces the shared server secret, from which the
// configuration and control folder IDs derive.
func (h *Handler) SetServerSecret(secret string, opts ...worker.CallOption) *worker.Result {
	return h.w.Call("set_server_secret", h.opSetServerSecret(secret), opts...)
}

// AddDevice adds a device to the model.
func (h *Handler) AddDevice(id, name string, opts ...worker.CallOption) *worker.Result {
	return h.w.Call("add_device", h.opAddDevice(id, name), opts...)
}

// RemoveDevice schedules a device for deletion: it leaves every folder
// immediately but stays in the model until it acknowledges its new, empty
// configuration (or the retention window runs out).
func (h *Handler) RemoveDevice(id string, opts ...worker.CallOption) *worker.Result {
	return h.w.Call("remove_device", h.opRemoveDevice(id), opts...)
}

// SetDevices reconciles the device model against the given set. Missing
// devices are added; devices outside the set are scheduled for deletion.
// Servers and the local device never leave through here.
func (h *Handler) SetDevices(ids []string, opts ...worker.CallOption) *worker.Result {
	return h.w.Call("set_devices", h.opSetDevices(ids), opts...)
}

// FolderSpec describes a folder for AddFolder. Path and Label are
// required.
type FolderSpec struct {
	Path     string
	Label    string
	Devices  []string
	Metadata map[string]any
	// FolderID overrides the generated random id, for folders whose id
	// must be derivable by other parties.
	FolderID string
}

// AddFolder adds a folder; the result value is its folder id. Adding a
// path that is already a folder returns the existing id.
func (h *Handler) AddFolder(spec FolderSpec, opts ...worker.CallOption) *worker.Result {
	return h.w.Call("add_folder", h.opAddFolder(spec), opts...)
}

// RemoveFolder removes a folder from the configuration. Server-side data
// stays on disk; clients remove their local copy when the change reaches
// them.
func (h *Handler) RemoveFolder(id string, opts ...worker.CallOption) *worker.Result {
	return h.w.Call("remove_folder", h.opRemoveFolder(id), opts...)
}

func (h *Handler) AddDeviceToFolder(folderID, deviceID string, opts ...worker.CallOption) *worker.Result {
	return h.w.Call("add_device_to_folder", h.opAddDeviceToFolder(folderID, deviceID), opts...)
}

func (h *Handler) RemoveDeviceFromFolder(folderID, deviceID string, opts ...worker.CallOption) *worker.Result {
	return h.w.Call("remove_device_from_folder", h.opRemoveDeviceFromFolder(folderID, deviceID), opts...)
}

// SetFolderDevices replaces a folder's device set.
func (h *Handler) SetFolderDevices(folderID string, deviceIDs []string, opts ...worker.CallOption) *worker.Result {
	return h.w.Call("set_folder_devices", h.opSetFolderDevices(folderID, deviceIDs), opts...)
}

func (h *Handler) SetDeviceName(id, name string, opts ...worker.CallOption) *worker.Result {
	return h.w.Call("set_device_name", h.opSetDeviceName(id, name), opts...)
}

// ReloadConfiguration rereads the authoritative configuration, optionally
// seeding from the bootstrap cache first. The result value reports whether
// the model changed.
func (h *Handler) ReloadConfiguration(useBootstrap bool, opts ...worker.CallOption) *worker.Result {
	return h.w.Call("reload_configuration", h.opReload(useBootstrap), opts...)
}

// A Batch groups mutating operations: they run back to back on the worker,
// later calls are skipped after a failure, and the configuration saves
// coalesce into a single one on batch exit.
type Batch struct {
	h *Handler
	b *worker.Batch
}

func (h *Handler) NewBatch() *Batch {
	return &Batch{h: h, b: h.w.NewBatch()}
}

func (b *Batch) AddDevice(id, name string, opts ...worker.CallOption) *worker.Result {
	return b.b.Call("add_device", b.h.opAddDevice(id, name), opts...)
}

func (b *Batch) SetDevices(ids []string, opts ...worker.CallOption) *worker.Result {
	return b.b.Call("set_devices", b.h.opSetDevices(ids), opts...)
}

func (b *Batch) AddFolder(spec FolderSpec, opts ...worker.CallOption) *worker.Result {
	return b.b.Call("add_folder", b.h.opAddFolder(spec), opts...)
}

func (b *Batch) RemoveFolder(id string, opts ...worker.CallOption) *worker.Result {
	return b.b.Call("remove_folder", b.h.opRemoveFolder(id), opts...)
}

func (b *Batch) AddDeviceToFolder(folderID, deviceID string, opts ...worker.CallOption) *worker.Result {
	return b.b.Call("add_device_to_folder", b.h.opAddDeviceToFolder(folderID, deviceID), opts...)
}

func (b *Batch) RemoveDeviceFromFolder(folderID, deviceID string, opts ...worker.CallOption) *worker.Result {
	return b.b.Call("remove_device_from_folder", b.h.opRemoveDeviceFromFolder(folderID, deviceID), opts...)
}

func (b *Batch) SetFolderDevices(folderID string, deviceIDs []string, opts ...worker.CallOption) *worker.Result {
	return b.b.Call("set_folder_devices", b.h.opSetFolderDevices(folderID, deviceIDs), opts...)
}

// Commit hands the batch to the worker. Call once.
func (b *Batch) Commit() {
	b.b.Commit()
}

func (b *Batch) Len() int {
	return b.b.Len()
}

// requireMutable guards the mutating operations: only a server whose
// configuration is in sync may change membership.
func (h *Handler) requireMutable() error {
	if !h.isServer() || h.state != configSynced {
		return fmt.Errorf("%w: server=%v, state=%v", ErrConfigNotInSync, h.isServer(), h.state)
	}
	return nil
}

func (h *Handler) opAddServer(id string) worker.CallFunc {
	return func(ctx context.Context) (interface{}, error) {
		if _, ok := h.servers[id]; ok {
			return nil, nil
		}
		var added []*Device
		if dev, ok := h.devices[id]; ok {
			if dev.ScheduledForDeletion() {
				return nil, fmt.Errorf("%w: %s", ErrDeviceDeleted, id)
			}
		} else {
			dev := NewDevice(id, "")
			h.devices[id] = dev
			added = append(added, dev.Copy())
		}
		h.servers[id] = struct{}{}
		h.emitDeviceEvents(added, nil, nil)
		h.checkSoleServer()
		return nil, h.requestSave(ctx)
	}
}

func (h *Handler) opSetServerSecret(secret string) worker.CallFunc {
	return func(ctx context.Context) (interface{}, error) {
		if secret == h.secret {
			return nil, nil
		}
		h.secret = secret
		// Every derived folder id changed; hashes against the old ids
		// mean nothing anymore.
		for id := range h.expectedHash {
			delete(h.expectedHash, id)
		}
		return nil, h.requestSave(ctx)
	}
}

func (h *Handler) opAddDevice(id, name string) worker.CallFunc {
	return func(ctx context.Context) (interface{}, error) {
		if err := h.requireMutable(); err != nil {
			return nil, err
		}
		if dev, ok := h.devices[id]; ok {
			if dev.ScheduledForDeletion() {
				return nil, fmt.Errorf("%w: %s", ErrDeviceDeleted, id)
			}
			return nil, nil
		}
		dev := NewDevice(id, name)
		h.devices[id] = dev
		h.emitDeviceEvents([]*Device{dev.Copy()}, nil, nil)
		return nil, h.requestSave(ctx)
	}
}

func (h *Handler) opRemoveDevice(id string) worker.CallFunc {
	return func(ctx context.Context) (interface{}, error) {
		if err := h.requireMutable(); err != nil {
			return nil, err
		}
		dev, ok := h.devices[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrDeviceUnknown, id)
		}
		if id == h.myID {
			return nil, fmt.Errorf("cannot remove the local device %s", id)
		}
		if dev.ScheduledForDeletion() {
			return nil, nil
		}
		h.scheduleDeviceRemoval(dev)
		return nil, h.requestSave(ctx)
	}
}

func (h *Handler) opSetDevices(ids []string) worker.CallFunc {
	return func(ctx context.Context) (interface{}, error) {
		if err := h.requireMutable(); err != nil {
			return nil, err
		}
		target := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			target[id] = struct{}{}
		}
		target[h.myID] = struct{}{}
		for id := range h.servers {
			target[id] = struct{}{}
		}

		var added []*Device
		for _, id := range setToSlice(target) {
			if dev, ok := h.devices[id]; ok {
				if dev.ScheduledForDeletion() {
					return nil, fmt.Errorf("%w: %s", ErrDeviceDeleted, id)
				}
				continue
			}
			dev := NewDevice(id, "")
			h.devices[id] = dev
			added = append(added, dev.Copy())
		}
		for _, id := range sortedKeys(h.devices) {
			dev := h.devices[id]
			if _, ok := target[id]; !ok && !dev.ScheduledForDeletion() {
				h.scheduleDeviceRemoval(dev)
			}
		}

		h.emitDeviceEvents(added, nil, nil)
		return nil, h.requestSave(ctx)
	}
}

func (h *Handler) opAddFolder(spec FolderSpec) worker.CallFunc {
	return func(ctx context.Context) (interface{}, error) {
		if err := h.requireMutable(); err != nil {
			return nil, err
		}
		if spec.Path != "" {
			for _, fid := range sortedKeys(h.folders) {
				if h.folders[fid].Path == spec.Path {
					l.Debugf("Path %s is already folder %s", spec.Path, fid)
					return fid, nil
				}
			}
		}
		if err := h.checkFolderMembers(spec.Devices); err != nil {
			return nil, err
		}
		fid := spec.FolderID
		if fid == "" {
			fid = newFolderID()
		}
		if _, ok := h.folders[fid]; ok {
			return nil, fmt.Errorf("folder %s already exists", fid)
		}

		f := NewFolder(fid, spec.Label, spec.Path)
		f.SetDevices(spec.Devices)
		f.Metadata = spec.Metadata
		h.folders[fid] = f
		if spec.Path != "" {
			h.folderPaths[fid] = spec.Path
		}
		h.emitFolderEvents([]*Folder{f.Copy()}, nil, nil)
		return fid, h.requestSave(ctx)
	}
}

func (h *Handler) opRemoveFolder(id string) worker.CallFunc {
	return func(ctx context.Context) (interface{}, error) {
		if err := h.requireMutable(); err != nil {
			return nil, err
		}
		f, ok := h.folders[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrFolderUnknown, id)
		}
		delete(h.folders, id)
		delete(h.folderPaths, id)
		h.emitFolderEvents(nil, []*Folder{f.Copy()}, nil)
		return nil, h.requestSave(ctx)
	}
}

func (h *Handler) opAddDeviceToFolder(folderID, deviceID string) worker.CallFunc {
	return func(ctx context.Context) (interface{}, error) {
		if err := h.requireMutable(); err != nil {
			return nil, err
		}
		f, ok := h.folders[folderID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrFolderUnknown, folderID)
		}
		if err := h.checkFolderMembers([]string{deviceID}); err != nil {
			return nil, err
		}
		if !f.AddDevice(deviceID) {
			return nil, nil
		}
		h.emitFolderEvents(nil, nil, []*Folder{f.Copy()})
		return nil, h.requestSave(ctx)
	}
}

func (h *Handler) opRemoveDeviceFromFolder(folderID, deviceID string) worker.CallFunc {
	return func(ctx context.Context) (interface{}, error) {
		if err := h.requireMutable(); err != nil {
			return nil, err
		}
		f, ok := h.folders[folderID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrFolderUnknown, folderID)
		}
		if !f.RemoveDevice(deviceID) {
			return nil, nil
		}
		h.emitFolderEvents(nil, nil, []*Folder{f.Copy()})
		return nil, h.requestSave(ctx)
	}
}

func (h *Handler) opSetFolderDevices(folderID string, deviceIDs []string) worker.CallFunc {
	return func(ctx context.Context) (interface{}, error) {
		if err := h.requireMutable(); err != nil {
			return nil, err
		}
		f, ok := h.folders[folderID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrFolderUnknown, folderID)
		}
		if err := h.checkFolderMembers(deviceIDs); err != nil {
			return nil, err
		}
		next := normalizeSet(deviceIDs)
		if slices.Equal(f.Devices, next) {
			return nil, nil
		}
		f.Devices = next
		h.emitFolderEvents(nil, nil, []*Folder{f.Copy()})
		return nil, h.requestSave(ctx)
	}
}

func (h *Handler) opSetDeviceName(id, name string) worker.CallFunc {
	return func(ctx context.Context) (interface{}, error) {
		if err := h.requireMutable(); err != nil {
			return nil, err
		}
		dev, ok := h.devices[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrDeviceUnknown, id)
		}
		if dev.Name == name {
			return nil, nil
		}
		dev.Name = name
		h.emitDeviceEvents(nil, nil, []*Device{dev.Copy()})
		return nil, h.requestSave(ctx)
	}
}

func (h *Handler) opReload(useBootstrap bool) worker.CallFunc {
	return func(ctx context.Context) (interface{}, error) {
		changed, err := h.reloadConfiguration(ctx, useBootstrap)
		if err != nil {
			return false, err
		}
		if changed {
			return true, h.requestSave(ctx)
		}
		return false, nil
	}
}

// scheduleDeviceRemoval starts the deletion protocol for one device: out
// of every folder, out of the server set, marked with its deletion time.
func (h *Handler) scheduleDeviceRemoval(dev *Device) {
	var changed []*Folder
	for _, fid := range sortedKeys(h.folders) {
		f := h.folders[fid]
		if f.RemoveDevice(dev.ID) {
			changed = append(changed, f.Copy())
		}
	}
	delete(h.servers, dev.ID)
	dev.DeleteAfter = time.Now().Unix()
	dev.Volatile.Synced = false
	metricDeviceEvictions.WithLabelValues("scheduled").Inc()
	h.emitFolderEvents(nil, nil, changed)
	h.emitDeviceEvents(nil, nil, []*Device{dev.Copy()})
}

func (h *Handler) checkFolderMembers(ids []string) error {
	for _, id := range ids {
		dev, ok := h.devices[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrDeviceUnknown, id)
		}
		if dev.ScheduledForDeletion() {
			return fmt.Errorf("%w: %s", ErrDeviceDeleted, id)
		}
	}
	return nil
}
