// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package daemon

import (
	"encoding/xml"
	"io"
)

// ConfigVersion is the daemon configuration schema version we emit.
const ConfigVersion = 28

// Configuration is the daemon's own configuration document. The same
// structure serializes as XML for the on-disk config file and as JSON for
// the REST config endpoint.
type Configuration struct {
	XMLName        xml.Name              `xml:"configuration" json:"-"`
	Version        int                   `xml:"version,attr" json:"version"`
	Folders        []FolderConfiguration `xml:"folder" json:"folders"`
	Devices        []DeviceConfiguration `xml:"device" json:"devices"`
	GUI            GUIConfiguration      `xml:"gui" json:"gui"`
	Options        OptionsConfiguration  `xml:"options" json:"options"`
	IgnoredDevices []IgnoredDevice       `xml:"ignoredDevice" json:"ignoredDevices"`
}

type FolderConfiguration struct {
	ID               string                      `xml:"id,attr" json:"id"`
	Label            string                      `xml:"label,attr" json:"label"`
	Path             string                      `xml:"path,attr" json:"path"`
	Type             string                      `xml:"type,attr" json:"type"`
	RescanIntervalS  int                         `xml:"rescanIntervalS,attr" json:"rescanIntervalS"`
	FSWatcherEnabled bool                        `xml:"fsWatcherEnabled,attr" json:"fsWatcherEnabled"`
	FSWatcherDelayS  int                         `xml:"fsWatcherDelayS,attr" json:"fsWatcherDelayS"`
	IgnorePerms      bool                        `xml:"ignorePerms,attr" json:"ignorePerms"`
	AutoNormalize    bool                        `xml:"autoNormalize,attr" json:"autoNormalize"`
	MaxConflicts     int                         `xml:"maxConflicts" json:"maxConflicts"`
	Devices          []FolderDeviceConfiguration `xml:"device" json:"devices"`
}

type FolderDeviceConfiguration struct {
	DeviceID string `xml:"id,attr" json:"deviceID"`
}

type DeviceConfiguration struct {
	DeviceID    string   `xml:"id,attr" json:"deviceID"`
	Name        string   `xml:"name,attr,omitempty" json:"name"`
	Compression string   `xml:"compression,attr" json:"compression"`
	Introducer  bool     `xml:"introducer,attr" json:"introducer"`
	Addresses   []string `xml:"address,omitempty" json:"addresses"`
}

type GUIConfiguration struct {
	Enabled   bool   `xml:"enabled,attr" json:"enabled"`
	TLS       bool   `xml:"tls,attr" json:"useTLS"`
	Debugging bool   `xml:"debugging,attr" json:"debugging"`
	Address   string `xml:"address" json:"address"`
	APIKey    string `xml:"apikey,omitempty" json:"apiKey"`
}

type OptionsConfiguration struct {
	ListenAddresses []string `xml:"listenAddress" json:"listenAddresses"`
}

type IgnoredDevice struct {
	ID string `xml:",chardata" json:"id"`
}

// NewConfiguration returns an empty configuration document of the current
// schema version.
func NewConfiguration() Configuration {
	return Configuration{Version: ConfigVersion}
}

// NewFolderConfiguration returns a folder entry with the conventions every
// managed folder shares: send-receive, hourly rescan with the filesystem
// watcher doing the heavy lifting, permissions ignored for cross-platform
// trees, no conflict copies.
func NewFolderConfiguration(id, label, path string) FolderConfiguration {
	return FolderConfiguration{
		ID:               id,
		Label:            label,
		Path:             path,
		Type:             "sendreceive",
		RescanIntervalS:  3600,
		FSWatcherEnabled: true,
		FSWatcherDelayS:  10,
		IgnorePerms:      true,
		AutoNormalize:    true,
		MaxConflicts:     0,
	}
}

// NewDeviceConfiguration returns a device entry with the shared conventions:
// metadata-only compression, dynamic address resolution, no introductions.
func NewDeviceConfiguration(id, name string) DeviceConfiguration {
	return DeviceConfiguration{
		DeviceID:    id,
		Name:        name,
		Compression: "metadata",
		Introducer:  false,
		Addresses:   []string{"dynamic"},
	}
}

func (cfg Configuration) Copy() Configuration {
	newCfg := cfg

	newCfg.Folders = make([]FolderConfiguration, len(cfg.Folders))
	for i := range cfg.Folders {
		newCfg.Folders[i] = cfg.Folders[i].Copy()
	}

	newCfg.Devices = make([]DeviceConfiguration, len(cfg.Devices))
	for i := range cfg.Devices {
		newCfg.Devices[i] = cfg.Devices[i].Copy()
	}

	newCfg.Options = cfg.Options.Copy()

	newCfg.IgnoredDevices = make([]IgnoredDevice, len(cfg.IgnoredDevices))
	copy(newCfg.IgnoredDevices, cfg.IgnoredDevices)

	return newCfg
}

func (f FolderConfiguration) Copy() FolderConfiguration {
	c := f
	c.Devices = make([]FolderDeviceConfiguration, len(f.Devices))
	copy(c.Devices, f.Devices)
	return c
}

// SharedWith reports whether the folder is shared with the given device.
func (f FolderConfiguration) SharedWith(device string) bool {
	for _, d := range f.Devices {
		if d.DeviceID == device {
			return true
		}
	}
	return false
}

func (d DeviceConfiguration) Copy() DeviceConfiguration {
	c := d
	c.Addresses = make([]string, len(d.Addresses))
	copy(c.Addresses, d.Addresses)
	return c
}

func (o OptionsConfiguration) Copy() OptionsConfiguration {
	c := o
	c.ListenAddresses = make([]string, len(o.ListenAddresses))
	copy(c.ListenAddresses, o.ListenAddresses)
	return c
}

// Folder returns the folder configuration with the given ID, if present.
func (cfg Configuration) Folder(id string) (FolderConfiguration, bool) {
	for _, f := range cfg.Folders {
		if f.ID == id {
			return f, true
		}
	}
	return FolderConfiguration{}, false
}

// Device returns the device configuration with the given ID, if present.
func (cfg Configuration) Device(id string) (DeviceConfiguration, bool) {
	for _, d := range cfg.Devices {
		if d.DeviceID == id {
			return d, true
		}
	}
	return DeviceConfiguration{}, false
}

// WriteXML writes the configuration in the daemon's on-disk format.
func (cfg Configuration) WriteXML(w io.Writer) error {
	e := xml.NewEncoder(w)
	e.Indent("", "    ")
	if err := e.Encode(cfg); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n"))
	return err
}
