// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package sthandler

import (
	"context"
	"os"
	"path/filepath"
	"slices"

	"github.com/lancesync/lance/lib/daemon"
	"github.com/lancesync/lance/lib/locations"
	"github.com/lancesync/lance/lib/osutil"
)

// daemonReadyAttempts is how long we wait for the daemon API after
// starting the process, in one second steps.
const daemonReadyAttempts = 32

// buildDaemonConfig renders the model as the daemon's native
// configuration: the server-configuration folder (servers only), one
// control folder per client (all of them on a server, our own on a
// client), the shared folders, every device, the ignore list and the GUI
// endpoint.
func (h *Handler) buildDaemonConfig() daemon.Configuration {
	cfg := daemon.NewConfiguration()

	for _, id := range sortedKeys(h.devices) {
		cfg.Devices = append(cfg.Devices, daemon.NewDeviceConfiguration(id, h.devices[id].Name))
	}

	if h.isServer() {
		f := daemon.NewFolderConfiguration(h.serverFolderID(), "server configuration", locations.Get(locations.ServerFolder))
		f.Devices = folderDevices(setToSlice(h.servers))
		cfg.Folders = append(cfg.Folders, f)
	}

	for _, id := range h.controlledDevices() {
		f := daemon.NewFolderConfiguration(h.controlFolderID(id), "control "+shortID(id), locations.ControlFolder(id))
		f.Devices = folderDevices(normalizeSet(append(setToSlice(h.servers), id)))
		cfg.Folders = append(cfg.Folders, f)
	}

	for _, fid := range sortedKeys(h.folders) {
		folder := h.folders[fid]
		members := normalizeSet(append(slices.Clone(folder.Devices), setToSlice(h.servers)...))
		f := daemon.NewFolderConfiguration(fid, folder.Label, folder.Path)
		for _, id := range members {
			dev, ok := h.devices[id]
			if !ok || dev.ScheduledForDeletion() {
				continue
			}
			f.Devices = append(f.Devices, daemon.FolderDeviceConfiguration{DeviceID: id})
		}
		cfg.Folders = append(cfg.Folders, f)
	}

	for _, id := range setToSlice(h.ignored) {
		cfg.IgnoredDevices = append(cfg.IgnoredDevices, daemon.IgnoredDevice{ID: id})
	}

	cfg.GUI = daemon.GUIConfiguration{
		Enabled:   true,
		TLS:       false,
		Debugging: true,
		Address:   h.opts.GUIAddress,
		APIKey:    h.apiKey,
	}
	cfg.Options.ListenAddresses = []string{h.opts.ListenAddress}
	return cfg
}

// controlledDevices lists the devices whose control folders this node
// hosts: on a server every client, on a client just itself.
func (h *Handler) controlledDevices() []string {
	if !h.isServer() {
		if _, ok := h.devices[h.myID]; ok {
			return []string{h.myID}
		}
		return nil
	}
	var out []string
	for _, id := range sortedKeys(h.devices) {
		if _, isSrv := h.servers[id]; isSrv {
			continue
		}
		out = append(out, id)
	}
	return out
}

// ensureFolderPaths creates the on-disk directories the daemon config
// refers to. Control folders get their conventional subdirectory layout.
func (h *Handler) ensureFolderPaths() error {
	if h.isServer() {
		if err := os.MkdirAll(filepath.Join(locations.Get(locations.ServerFolder), configSubdir), 0o755); err != nil {
			return err
		}
	}
	for _, id := range h.controlledDevices() {
		root := locations.ControlFolder(id)
		for _, sub := range []string{"active", "archive", configSubdir} {
			if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
				return err
			}
		}
	}
	for _, fid := range sortedKeys(h.folders) {
		if path := h.folders[fid].Path; path != "" {
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
		}
	}
	return nil
}

// saveDaemonConfig pushes the rendered configuration into the daemon. With
// a running daemon it goes through the REST API and requests a restart if
// the daemon cannot apply it live; otherwise it writes the config file
// directly and starts the process.
func (h *Handler) saveDaemonConfig(ctx context.Context) error {
	if err := h.ensureFolderPaths(); err != nil {
		return err
	}
	target := h.buildDaemonConfig()

	if h.proc.Running() {
		cur, err := h.cli.Config(ctx)
		if err != nil {
			return err
		}
		cur.Version = target.Version
		cur.Folders = target.Folders
		cur.Devices = target.Devices
		cur.IgnoredDevices = target.IgnoredDevices
		cur.GUI = target.GUI
		if len(cur.Options.ListenAddresses) == 0 {
			cur.Options.ListenAddresses = target.Options.ListenAddresses
		}
		if err := h.cli.SetConfig(ctx, cur); err != nil {
			return err
		}
		insync, err := h.cli.ConfigInSync(ctx)
		if err != nil {
			return err
		}
		if !insync {
			l.Infoln("Daemon requires a restart to apply configuration")
			if err := h.cli.Restart(ctx); err != nil {
				return err
			}
			h.lastEventID = 0
		}
		metricDaemonConfigSaves.WithLabelValues("fast").Inc()
		return nil
	}

	home := locations.Get(locations.DaemonHome)
	if err := os.MkdirAll(home, 0o700); err != nil {
		return err
	}
	fd, err := osutil.CreateAtomic(locations.Get(locations.DaemonConfigFile))
	if err != nil {
		return err
	}
	if err := target.WriteXML(fd); err != nil {
		fd.Close()
		return err
	}
	if err := fd.Close(); err != nil {
		return err
	}

	if err := h.proc.Start(); err != nil {
		return err
	}
	h.lastEventID = 0
	metricDaemonConfigSaves.WithLabelValues("slow").Inc()
	return h.cli.AwaitReady(ctx, daemonReadyAttempts)
}

func folderDevices(ids []string) []daemon.FolderDeviceConfiguration {
	out := make([]daemon.FolderDeviceConfiguration, 0, len(ids))
	for _, id := range ids {
		out = append(out, daemon.FolderDeviceConfiguration{DeviceID: id})
	}
	return out
}

func shortID(deviceID string) string {
	if len(deviceID) > 7 {
		return deviceID[:7]
	}
	return deviceID
}
