// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package daemon

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewFolderConfigurationDefaults(t *testing.T) {
	f := NewFolderConfiguration("folder-abc", "a label", "/some/path")

	if f.Type != "sendreceive" {
		t.Error("Unexpected type:", f.Type)
	}
	if f.RescanIntervalS != 3600 {
		t.Error("Unexpected rescan interval:", f.RescanIntervalS)
	}
	if !f.FSWatcherEnabled || f.FSWatcherDelayS != 10 {
		t.Error("Unexpected watcher settings:", f.FSWatcherEnabled, f.FSWatcherDelayS)
	}
	if !f.IgnorePerms || !f.AutoNormalize {
		t.Error("Unexpected normalization settings")
	}
	if f.MaxConflicts != 0 {
		t.Error("Unexpected max conflicts:", f.MaxConflicts)
	}
}

func TestNewDeviceConfigurationDefaults(t *testing.T) {
	d := NewDeviceConfiguration("DEV-A", "workstation")

	if d.Compression != "metadata" {
		t.Error("Unexpected compression:", d.Compression)
	}
	if d.Introducer {
		t.Error("Devices are not introducers")
	}
	if len(d.Addresses) != 1 || d.Addresses[0] != "dynamic" {
		t.Error("Unexpected addresses:", d.Addresses)
	}
}

func TestWriteXML(t *testing.T) {
	cfg := NewConfiguration()
	folder := NewFolderConfiguration("folder-abc", "shot :sp01", "/data/shot")
	folder.Devices = []FolderDeviceConfiguration{{DeviceID: "DEV-A"}, {DeviceID: "DEV-B"}}
	cfg.Folders = append(cfg.Folders, folder)
	cfg.Devices = append(cfg.Devices, NewDeviceConfiguration("DEV-A", "workstation"))
	cfg.GUI = GUIConfiguration{Enabled: true, Debugging: true, Address: "127.0.0.1:8384", APIKey: "secret"}
	cfg.Options.ListenAddresses = []string{"default"}
	cfg.IgnoredDevices = []IgnoredDevice{{ID: "DEV-GONE"}}

	buf := new(bytes.Buffer)
	if err := cfg.WriteXML(buf); err != nil {
		t.Fatal("Unexpected error:", err)
	}
	out := buf.String()

	for _, want := range []string{
		`<configuration version="28">`,
		`id="folder-abc"`,
		`rescanIntervalS="3600"`,
		`fsWatcherEnabled="true"`,
		`fsWatcherDelayS="10"`,
		`ignorePerms="true"`,
		`autoNormalize="true"`,
		`<maxConflicts>0</maxConflicts>`,
		`<device id="DEV-A"></device>`,
		`compression="metadata"`,
		`<address>dynamic</address>`,
		`<apikey>secret</apikey>`,
		`<listenAddress>default</listenAddress>`,
		`<ignoredDevice>DEV-GONE</ignoredDevice>`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("XML output lacks %q:\n%s", want, out)
		}
	}
}

func TestConfigurationCopy(t *testing.T) {
	cfg := NewConfiguration()
	folder := NewFolderConfiguration("folder-abc", "label", "/path")
	folder.Devices = []FolderDeviceConfiguration{{DeviceID: "DEV-A"}}
	cfg.Folders = append(cfg.Folders, folder)
	cfg.Devices = append(cfg.Devices, NewDeviceConfiguration("DEV-A", "name"))
	cfg.IgnoredDevices = []IgnoredDevice{{ID: "DEV-X"}}
	cfg.Options.ListenAddresses = []string{"default"}

	bsOrig, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		t.Fatal(err)
	}

	c := cfg.Copy()
	c.Folders[0].Devices[0].DeviceID = "DEV-CHANGED"
	c.Folders[0].Path = "/changed"
	c.Devices[0].Addresses[0] = "tcp://changed"
	c.IgnoredDevices[0].ID = "DEV-CHANGED"
	c.Options.ListenAddresses[0] = "changed"

	bsAfter, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(bsOrig, bsAfter) {
		t.Error("Original configuration was changed through the copy")
	}
}

func TestConfigurationLookups(t *testing.T) {
	cfg := NewConfiguration()
	cfg.Folders = append(cfg.Folders, NewFolderConfiguration("folder-abc", "label", "/path"))
	cfg.Folders[0].Devices = []FolderDeviceConfiguration{{DeviceID: "DEV-A"}}
	cfg.Devices = append(cfg.Devices, NewDeviceConfiguration("DEV-A", "name"))

	if _, ok := cfg.Folder("folder-abc"); !ok {
		t.Error("Folder lookup failed")
	}
	if _, ok := cfg.Folder("nope"); ok {
		t.Error("Unexpected folder found")
	}
	if _, ok := cfg.Device("DEV-A"); !ok {
		t.Error("Device lookup failed")
	}
	if _, ok := cfg.Device("nope"); ok {
		t.Error("Unexpected device found")
	}
	if !cfg.Folders[0].SharedWith("DEV-A") {
		t.Error("SharedWith failed")
	}
	if cfg.Folders[0].SharedWith("DEV-B") {
		t.Error("Unexpected SharedWith")
	}
}
