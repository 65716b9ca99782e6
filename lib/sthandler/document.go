// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package sthandler

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/lancesync/lance/lib/osutil"
	"github.com/lancesync/lance/lib/rand"
)

// configFileName is the name of the authoritative configuration document
// inside a configuration folder.
const configFileName = "config.cfg"

// Subdirectories of a configuration folder. The document lives under
// configuration/; config_sync/ carries the client's acknowledgement hash.
const (
	configSubdir     = "configuration"
	configSyncSubdir = "config_sync"
	syncHashFileName = "hash"
)

type deviceDoc struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	AddedAt     int64  `json:"added_at"`
	DeleteAfter int64  `json:"delete_after,omitempty"`
}

type folderDoc struct {
	ID       string         `json:"id"`
	Label    string         `json:"label"`
	Devices  []string       `json:"devices"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// configDoc is the authoritative configuration document: the full model on
// a server, a scoped view inside each device's control folder. Folder
// paths never appear in it.
type configDoc struct {
	Devices        []deviceDoc `json:"devices"`
	Servers        []string    `json:"servers"`
	Folders        []folderDoc `json:"folders"`
	IgnoredDevices []string    `json:"ignoredevices"`
}

func loadDocument(path string) (configDoc, error) {
	var doc configDoc
	bs, err := os.ReadFile(path)
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(bs, &doc); err != nil {
		return doc, fmt.Errorf("parsing %s: %w", path, err)
	}
	return doc, nil
}

func writeDocument(path string, doc configDoc) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	bs, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return err
	}
	return osutil.WriteFileAtomic(path, append(bs, '\n'))
}

// documentHash is the compact configuration hash exchanged between servers
// and clients: one hex digest per document section, colon separated. Each
// section digest is the xor of the SHA-1 of every entry's canonical JSON
// form, so it is independent of entry order.
func documentHash(doc configDoc) string {
	var servers, devices, folders, ignored [sha1.Size]byte
	for _, id := range doc.Servers {
		xorInto(&servers, sha1.Sum([]byte(id)))
	}
	for _, d := range doc.Devices {
		xorInto(&devices, entityHash(d))
	}
	for _, f := range doc.Folders {
		xorInto(&folders, entityHash(f))
	}
	for _, id := range doc.IgnoredDevices {
		xorInto(&ignored, sha1.Sum([]byte(id)))
	}
	return fmt.Sprintf("%x:%x:%x:%x", servers, devices, folders, ignored)
}

func entityHash(v any) [sha1.Size]byte {
	bs, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return sha1.Sum(bs)
}

func xorInto(dst *[sha1.Size]byte, h [sha1.Size]byte) {
	for i := range dst {
		dst[i] ^= h[i]
	}
}

// serverFolderID derives the id of the server-configuration folder from
// the shared secret. All servers with the same secret agree on it.
func serverFolderID(secret string) string {
	return fmt.Sprintf("server_configuration-%x", sha1.Sum([]byte(secret)))
}

// controlFolderID derives the id of a device's control folder from the
// shared secret and the device id.
func controlFolderID(secret, deviceID string) string {
	return fmt.Sprintf("control-%x", sha1.Sum([]byte(secret+":"+deviceID)))
}

// newFolderID returns a fresh random id for a shared folder.
func newFolderID() string {
	return "folder-" + rand.LowerString(16)
}

// newAPIKey derives a daemon API key from the local identity and a random
// nonce.
func newAPIKey(myID string) string {
	return fmt.Sprintf("%x", sha1.Sum([]byte(myID+"-apikey-"+rand.String(16))))
}

// newServerSecret returns a fresh shared secret for a server group.
func newServerSecret() string {
	return rand.Letters(24)
}

// serverDocument serializes the full model: the document stored in the
// server-configuration folder.
func (h *Handler) serverDocument() configDoc {
	doc := configDoc{
		Devices:        make([]deviceDoc, 0, len(h.devices)),
		Servers:        setToSlice(h.servers),
		Folders:        make([]folderDoc, 0, len(h.folders)),
		IgnoredDevices: setToSlice(h.ignored),
	}
	for _, id := range sortedKeys(h.devices) {
		doc.Devices = append(doc.Devices, h.devices[id].serialize())
	}
	for _, id := range sortedKeys(h.folders) {
		doc.Folders = append(doc.Folders, h.folders[id].serialize())
	}
	return doc
}

// viewForDevice scopes the model down to what one device may see: its own
// folders, the devices sharing those folders, every server, and the full
// ignore list. A device scheduled for deletion is in no folder, so its
// view shrinks to the servers alone; the shrunken document is what it
// acknowledges before being forgotten.
func (h *Handler) viewForDevice(deviceID string) configDoc {
	visible := make(map[string]struct{}, len(h.devices))
	for id := range h.servers {
		visible[id] = struct{}{}
	}

	doc := configDoc{
		Servers:        setToSlice(h.servers),
		Folders:        []folderDoc{},
		IgnoredDevices: setToSlice(h.ignored),
	}
	for _, fid := range sortedKeys(h.folders) {
		f := h.folders[fid]
		if !f.HasDevice(deviceID) {
			continue
		}
		doc.Folders = append(doc.Folders, f.serialize())
		for _, id := range f.Devices {
			visible[id] = struct{}{}
		}
	}

	doc.Devices = make([]deviceDoc, 0, len(visible))
	for _, id := range setToSlice(visible) {
		if dev, ok := h.devices[id]; ok {
			doc.Devices = append(doc.Devices, dev.serialize())
		}
	}
	return doc
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
