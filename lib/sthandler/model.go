// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package sthandler

import (
	"bytes"
	"encoding/json"
	"slices"
	"time"
)

// Device is one node participating in synchronization. ID is immutable.
// AddedAt discriminates re-adds of the same ID; DeleteAfter, when nonzero,
// marks the device as scheduled for deletion. Volatile state is never part
// of equality and never serialized into configuration documents.
type Device struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	AddedAt     int64          `json:"addedAt"` // unix seconds
	DeleteAfter int64          `json:"deleteAfter,omitempty"`
	Volatile    DeviceVolatile `json:"volatile"`
}

// DeviceVolatile is runtime-only device state, fed by daemon events.
type DeviceVolatile struct {
	Connected     bool   `json:"connected"`
	Address       string `json:"address"`
	ClientName    string `json:"clientName"`
	ClientVersion string `json:"clientVersion"`
	Paused        bool   `json:"paused"`
	// Synced means the device has acknowledged the configuration we most
	// recently published for it. Only meaningful on servers.
	Synced bool `json:"synced"`
}

func NewDevice(id, name string) *Device {
	return &Device{
		ID:      id,
		Name:    name,
		AddedAt: time.Now().Unix(),
	}
}

func (d *Device) Copy() *Device {
	cp := *d
	return &cp
}

// Equals compares the persisted fields only.
func (d *Device) Equals(other *Device) bool {
	return d.ID == other.ID &&
		d.Name == other.Name &&
		d.AddedAt == other.AddedAt &&
		d.DeleteAfter == other.DeleteAfter
}

// ScheduledForDeletion reports whether the device is awaiting removal
// acknowledgement from its own control folder.
func (d *Device) ScheduledForDeletion() bool {
	return d.DeleteAfter != 0
}

// update replaces the persisted fields in place, preserving identity and
// volatile data. Returns whether anything changed.
func (d *Device) update(doc deviceDoc) bool {
	changed := d.Name != doc.Name || d.AddedAt != doc.AddedAt || d.DeleteAfter != doc.DeleteAfter
	d.Name = doc.Name
	d.AddedAt = doc.AddedAt
	d.DeleteAfter = doc.DeleteAfter
	return changed
}

func (d *Device) serialize() deviceDoc {
	return deviceDoc{
		ID:          d.ID,
		Name:        d.Name,
		AddedAt:     d.AddedAt,
		DeleteAfter: d.DeleteAfter,
	}
}

func deviceFromDoc(doc deviceDoc) *Device {
	return &Device{
		ID:          doc.ID,
		Name:        doc.Name,
		AddedAt:     doc.AddedAt,
		DeleteAfter: doc.DeleteAfter,
	}
}

// Folder is one synchronized directory. Path is node-local and never
// leaves the machine; all other persisted fields are shared through the
// configuration documents. Devices is kept sorted.
type Folder struct {
	ID       string         `json:"id"`
	Label    string         `json:"label"`
	Path     string         `json:"path,omitempty"`
	Devices  []string       `json:"devices"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Volatile FolderVolatile `json:"volatile"`
}

// FolderVolatile is runtime-only folder state, fed by daemon events.
type FolderVolatile struct {
	State          string `json:"state"`
	Synced         bool   `json:"synced"`
	NeedTotalItems int    `json:"needTotalItems"`
	GlobalFiles    int    `json:"globalFiles"`
	GlobalBytes    int64  `json:"globalBytes"`
	LocalFiles     int    `json:"localFiles"`
	LocalBytes     int64  `json:"localBytes"`
}

func NewFolder(id, label, path string) *Folder {
	return &Folder{
		ID:    id,
		Label: label,
		Path:  path,
	}
}

func (f *Folder) Copy() *Folder {
	cp := *f
	cp.Devices = slices.Clone(f.Devices)
	if f.Metadata != nil {
		cp.Metadata = make(map[string]any, len(f.Metadata))
		for k, v := range f.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Equals compares the shared fields only: path is node-local and volatile
// data is runtime-only. Metadata is compared through its canonical JSON
// form so that values surviving a serialization round trip stay equal.
func (f *Folder) Equals(other *Folder) bool {
	if f.ID != other.ID || f.Label != other.Label {
		return false
	}
	if !slices.Equal(f.Devices, other.Devices) {
		return false
	}
	return bytes.Equal(marshalMetadata(f.Metadata), marshalMetadata(other.Metadata))
}

func marshalMetadata(md map[string]any) []byte {
	if len(md) == 0 {
		return nil
	}
	bs, err := json.Marshal(md)
	if err != nil {
		// Metadata comes from JSON documents or plain string maps; this
		// does not happen for values we accept.
		panic(err)
	}
	return bs
}

func (f *Folder) HasDevice(id string) bool {
	return slices.Contains(f.Devices, id)
}

// SetDevices replaces the device set, deduplicated and sorted.
func (f *Folder) SetDevices(ids []string) {
	f.Devices = normalizeSet(ids)
}

func (f *Folder) AddDevice(id string) bool {
	if f.HasDevice(id) {
		return false
	}
	f.Devices = append(f.Devices, id)
	slices.Sort(f.Devices)
	return true
}

func (f *Folder) RemoveDevice(id string) bool {
	idx := slices.Index(f.Devices, id)
	if idx < 0 {
		return false
	}
	f.Devices = slices.Delete(f.Devices, idx, idx+1)
	return true
}

// update replaces the shared fields in place, preserving identity, local
// path and volatile data. Returns whether anything changed.
func (f *Folder) update(doc folderDoc) bool {
	incoming := &Folder{
		ID:       doc.ID,
		Label:    doc.Label,
		Devices:  normalizeSet(doc.Devices),
		Metadata: doc.Metadata,
	}
	changed := !f.Equals(incoming)
	f.Label = incoming.Label
	f.Devices = incoming.Devices
	f.Metadata = incoming.Metadata
	return changed
}

// serialize returns the shared form of the folder. The local path is
// deliberately absent.
func (f *Folder) serialize() folderDoc {
	return folderDoc{
		ID:       f.ID,
		Label:    f.Label,
		Devices:  normalizeSet(f.Devices),
		Metadata: f.Metadata,
	}
}

func folderFromDoc(doc folderDoc, path string) *Folder {
	return &Folder{
		ID:       doc.ID,
		Label:    doc.Label,
		Path:     path,
		Devices:  normalizeSet(doc.Devices),
		Metadata: doc.Metadata,
	}
}

func normalizeSet(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
