// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package project

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/lancesync/lance/lib/sthandler"
	"github.com/lancesync/lance/lib/worker"
)

// Rescan rebuilds the model from a folder snapshot, re-reads the settings
// document and reconciles the device topology.
func (m *Manager) Rescan(opts ...worker.CallOption) *worker.Result {
	return m.w.Call("rescan", func(ctx context.Context) (interface{}, error) {
		return nil, m.rescanConfiguration(ctx, true)
	}, opts...)
}

// AddShot creates the folder for a new shot's default part and registers
// it with this project. The result value is the folder ID. Adding a path
// that already belongs to a folder outside the project is an error.
func (m *Manager) AddShot(shotName, shotID, path string, opts ...worker.CallOption) *worker.Result {
	return m.w.Call("add_shot", func(ctx context.Context) (interface{}, error) {
		spec := sthandler.FolderSpec{
			Path:     path,
			Label:    fmt.Sprintf("%s :%s", shotName, DefaultShotPartID),
			Metadata: ShotPartMetadata(m.name, shotID, DefaultShotPartID),
		}
		fid, err := worker.Get[string](ctx, m.h.AddFolder(spec))
		if err != nil {
			return nil, err
		}

		// Read back the canonical folder. AddFolder returns the existing
		// folder for an already registered path, which may not carry our
		// stamp at all.
		folders, err := m.h.Folders(ctx)
		if err != nil {
			return nil, err
		}
		f, ok := folders[fid]
		if !ok {
			return nil, &ConfigurationInconsistentError{Reason: "folder " + fid + " vanished after creation"}
		}
		pd, ok := ParseFolderData(f.Metadata)
		if !ok || pd.Project != m.name || pd.Type != TypeShotPart {
			return nil, fmt.Errorf("path %s already belongs to folder %s outside project %s", path, fid, m.name)
		}
		m.insertShotPart(f, pd)
		m.updateGauges()
		return fid, nil
	}, opts...)
}

// RemoveShot removes all parts of a shot and their folders.
func (m *Manager) RemoveShot(shotID string, opts ...worker.CallOption) *worker.Result {
	return m.w.Call("remove_shot", func(ctx context.Context) (interface{}, error) {
		parts, ok := m.shots[shotID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrShotUnknown, shotID)
		}
		for _, pid := range sortedKeys(parts) {
			if _, err := m.h.RemoveFolder(parts[pid].FolderID()).Get(ctx); err != nil {
				return nil, err
			}
			m.evictShotPart(shotID, pid)
		}
		m.updateGauges()
		return nil, nil
	}, opts...)
}

// RemoveShotPart removes a single shot part and its folder.
func (m *Manager) RemoveShotPart(shotID, shotPartID string, opts ...worker.CallOption) *worker.Result {
	return m.w.Call("remove_shotpart", func(ctx context.Context) (interface{}, error) {
		sp := m.shots[shotID][shotPartID]
		if sp == nil {
			return nil, fmt.Errorf("%w: %s/%s", ErrShotPartUnknown, shotID, shotPartID)
		}
		if _, err := m.h.RemoveFolder(sp.FolderID()).Get(ctx); err != nil {
			return nil, err
		}
		m.evictShotPart(shotID, shotPartID)
		m.updateGauges()
		return nil, nil
	}, opts...)
}

// Shots returns a deep copy of the current shot model, keyed by shot ID
// and then shot part ID.
func (m *Manager) Shots(ctx context.Context) (map[string]map[string]*ShotPart, error) {
	return worker.Get[map[string]map[string]*ShotPart](ctx, m.w.Call("get_shots", func(context.Context) (interface{}, error) {
		out := make(map[string]map[string]*ShotPart, len(m.shots))
		for sid, parts := range m.shots {
			ps := make(map[string]*ShotPart, len(parts))
			for pid, sp := range parts {
				ps[pid] = sp.Copy()
			}
			out[sid] = ps
		}
		return out, nil
	}))
}

// Users returns a deep copy of the current user table.
func (m *Manager) Users(ctx context.Context) (map[string]*User, error) {
	return worker.Get[map[string]*User](ctx, m.w.Call("get_users", func(context.Context) (interface{}, error) {
		out := make(map[string]*User, len(m.users))
		for uid, u := range m.users {
			out[uid] = u.Copy()
		}
		return out, nil
	}))
}

// SettingsFolder returns a copy of the project's configuration folder, or
// nil when none is known.
func (m *Manager) SettingsFolder(ctx context.Context) (*sthandler.Folder, error) {
	return worker.Get[*sthandler.Folder](ctx, m.w.Call("get_settings_folder", func(context.Context) (interface{}, error) {
		if m.settingsFolder == nil {
			return (*sthandler.Folder)(nil), nil
		}
		return m.settingsFolder.Copy(), nil
	}))
}

// AddUser creates or replaces a user in the settings document and
// reconciles the topology. Server only.
func (m *Manager) AddUser(id, name string, devices []string, access []AccessRef, opts ...worker.CallOption) *worker.Result {
	return m.w.Call("add_user", func(ctx context.Context) (interface{}, error) {
		return nil, m.mutateUsers(ctx, func(users map[string]*User) error {
			users[id] = &User{
				ID:      id,
				Name:    name,
				Devices: normalizeSet(devices),
				Access:  normalizeAccess(access),
			}
			return nil
		})
	}, opts...)
}

// RemoveUser deletes a user from the settings document. Server only.
func (m *Manager) RemoveUser(id string, opts ...worker.CallOption) *worker.Result {
	return m.w.Call("remove_user", func(ctx context.Context) (interface{}, error) {
		return nil, m.mutateUsers(ctx, func(users map[string]*User) error {
			if _, ok := users[id]; !ok {
				return fmt.Errorf("%w: %s", ErrUserUnknown, id)
			}
			delete(users, id)
			return nil
		})
	}, opts...)
}

// AddDevicesToUser grants additional devices to a user. Server only.
func (m *Manager) AddDevicesToUser(id string, devices []string, opts ...worker.CallOption) *worker.Result {
	return m.w.Call("add_user_devices", func(ctx context.Context) (interface{}, error) {
		return nil, m.mutateUsers(ctx, func(users map[string]*User) error {
			u, ok := users[id]
			if !ok {
				return fmt.Errorf("%w: %s", ErrUserUnknown, id)
			}
			u.Devices = normalizeSet(append(u.Devices, devices...))
			return nil
		})
	}, opts...)
}

// RemoveDevicesFromUser revokes devices from a user. Server only.
func (m *Manager) RemoveDevicesFromUser(id string, devices []string, opts ...worker.CallOption) *worker.Result {
	return m.w.Call("remove_user_devices", func(ctx context.Context) (interface{}, error) {
		return nil, m.mutateUsers(ctx, func(users map[string]*User) error {
			u, ok := users[id]
			if !ok {
				return fmt.Errorf("%w: %s", ErrUserUnknown, id)
			}
			drop := make(map[string]struct{}, len(devices))
			for _, d := range devices {
				drop[d] = struct{}{}
			}
			kept := u.Devices[:0]
			for _, d := range u.Devices {
				if _, gone := drop[d]; !gone {
					kept = append(kept, d)
				}
			}
			u.Devices = kept
			return nil
		})
	}, opts...)
}

// mutateUsers applies fn to a copy of the user table, persists the result
// to the settings document and rescans. Only servers may change users; the
// document travels to clients through the configuration folder.
func (m *Manager) mutateUsers(ctx context.Context, fn func(map[string]*User) error) error {
	isServer, err := m.h.IsServer(ctx)
	if err != nil {
		return err
	}
	if !isServer {
		return ErrNotServer
	}
	if m.settingsFolder == nil || m.settingsFolder.Path == "" {
		return &ConfigurationInconsistentError{Reason: "no configuration folder for project " + m.name}
	}

	users := make(map[string]*User, len(m.users)+1)
	for uid, u := range m.users {
		users[uid] = u.Copy()
	}
	if err := fn(users); err != nil {
		return err
	}

	doc := settingsDoc{Users: make(map[string]userDoc, len(users))}
	for uid, u := range users {
		doc.Users[uid] = u.toDoc()
	}
	if err := writeSettings(filepath.Join(m.settingsFolder.Path, SettingsFileName), doc); err != nil {
		return err
	}
	return m.rescanConfiguration(ctx, true)
}
