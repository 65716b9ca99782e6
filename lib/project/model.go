// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/lancesync/lance/lib/osutil"
	"github.com/lancesync/lance/lib/sthandler"
)

const (
	// DataKey is the folder metadata key under which the project manager
	// keeps its stamp.
	DataKey = "__ProjectManager_data__"

	// TypeShotPart marks a folder carrying one shot part.
	TypeShotPart = "shotpart"
	// TypeConfiguration marks a project's server-configuration folder.
	TypeConfiguration = "server.configuration"

	// SettingsFileName is the per-project settings document inside the
	// server-configuration folder.
	SettingsFileName = "config.cfg"

	// DefaultShotPartID is the shot part a shot starts with.
	DefaultShotPartID = "main"
)

var (
	ErrNotServer       = errors.New("not a server")
	ErrShotUnknown     = errors.New("unknown shot")
	ErrShotPartUnknown = errors.New("unknown shot part")
	ErrUserUnknown     = errors.New("unknown user")
)

// ConfigurationInconsistentError reports a project configuration that
// cannot be acted on: a missing settings document, a contradictory or
// unparseable users object. The next relevant event retries.
type ConfigurationInconsistentError struct {
	Reason string
}

func (e *ConfigurationInconsistentError) Error() string {
	return "project configuration inconsistent: " + e.Reason
}

// FolderData is the decoded project stamp from folder metadata.
type FolderData struct {
	Type       string
	Project    string
	ShotID     string
	ShotPartID string
}

// ParseFolderData extracts the project stamp from folder metadata. Values
// may come from typed maps or from JSON documents; only string fields are
// recognized.
func ParseFolderData(md map[string]any) (FolderData, bool) {
	raw, ok := md[DataKey].(map[string]any)
	if !ok {
		return FolderData{}, false
	}
	pd := FolderData{
		Type:       stringField(raw, "type"),
		Project:    stringField(raw, "project"),
		ShotID:     stringField(raw, "shotid"),
		ShotPartID: stringField(raw, "shotpartid"),
	}
	return pd, pd.Type != "" && pd.Project != ""
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// ShotPartMetadata builds the metadata stamp for a shot part folder. The
// stamp is plain string maps so it compares stably after a round trip
// through the configuration document.
func ShotPartMetadata(project, shotID, shotPartID string) map[string]any {
	return map[string]any{
		DataKey: map[string]any{
			"type":       TypeShotPart,
			"project":    project,
			"shotid":     shotID,
			"shotpartid": shotPartID,
		},
	}
}

// ConfigurationMetadata builds the metadata stamp for a project's
// server-configuration folder.
func ConfigurationMetadata(project string) map[string]any {
	return map[string]any{
		DataKey: map[string]any{
			"type":    TypeConfiguration,
			"project": project,
		},
	}
}

// A ShotPart is one synchronized folder of a shot. Folder is the latest
// reported copy, not a live view.
type ShotPart struct {
	Project    string
	ShotID     string
	ShotPartID string
	Folder     *sthandler.Folder

	// Users holds the ids of users with access, computed during rescans.
	Users []string
}

func shotPartFromFolder(f *sthandler.Folder, pd FolderData) *ShotPart {
	return &ShotPart{
		Project:    pd.Project,
		ShotID:     pd.ShotID,
		ShotPartID: pd.ShotPartID,
		Folder:     f.Copy(),
	}
}

func (sp *ShotPart) FolderID() string {
	return sp.Folder.ID
}

func (sp *ShotPart) Copy() *ShotPart {
	cp := *sp
	cp.Folder = sp.Folder.Copy()
	cp.Users = slices.Clone(sp.Users)
	return &cp
}

// An AccessRef names one shot part a user may reach. It serializes as a
// two-element array.
type AccessRef struct {
	ShotID     string
	ShotPartID string
}

func (a AccessRef) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{a.ShotID, a.ShotPartID})
}

func (a *AccessRef) UnmarshalJSON(bs []byte) error {
	var pair [2]string
	if err := json.Unmarshal(bs, &pair); err != nil {
		return fmt.Errorf("access entry: %w", err)
	}
	a.ShotID, a.ShotPartID = pair[0], pair[1]
	return nil
}

func compareAccess(a, b AccessRef) int {
	if c := strings.Compare(a.ShotID, b.ShotID); c != 0 {
		return c
	}
	return strings.Compare(a.ShotPartID, b.ShotPartID)
}

// A User is one entry of the per-project settings document: a set of
// devices and the shot parts they may reach.
type User struct {
	ID      string
	Name    string
	Devices []string
	Access  []AccessRef
}

func (u *User) Copy() *User {
	cp := *u
	cp.Devices = slices.Clone(u.Devices)
	cp.Access = slices.Clone(u.Access)
	return &cp
}

func (u *User) HasAccess(shotID, shotPartID string) bool {
	_, ok := slices.BinarySearchFunc(u.Access, AccessRef{shotID, shotPartID}, compareAccess)
	return ok
}

type userDoc struct {
	Name    string      `json:"name,omitempty"`
	Devices []string    `json:"deviceids"`
	Access  []AccessRef `json:"access"`
}

// settingsDoc is the per-project settings document, config.cfg in the
// server-configuration folder.
type settingsDoc struct {
	Users map[string]userDoc `json:"users"`
}

func (u *User) toDoc() userDoc {
	return userDoc{
		Name:    u.Name,
		Devices: normalizeSet(u.Devices),
		Access:  normalizeAccess(u.Access),
	}
}

func userFromDoc(id string, doc userDoc) *User {
	return &User{
		ID:      id,
		Name:    doc.Name,
		Devices: normalizeSet(doc.Devices),
		Access:  normalizeAccess(doc.Access),
	}
}

func loadSettings(path string) (settingsDoc, error) {
	var doc settingsDoc
	bs, err := os.ReadFile(path)
	if err != nil {
		return doc, &ConfigurationInconsistentError{Reason: fmt.Sprintf("reading settings: %v", err)}
	}
	if err := json.Unmarshal(bs, &doc); err != nil {
		return doc, &ConfigurationInconsistentError{Reason: fmt.Sprintf("parsing %s: %v", path, err)}
	}
	if doc.Users == nil {
		return doc, &ConfigurationInconsistentError{Reason: "settings document has no users object"}
	}
	return doc, nil
}

func writeSettings(path string, doc settingsDoc) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	bs, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return err
	}
	if err := osutil.WriteFileAtomic(path, append(bs, '\n')); err != nil {
		return err
	}
	metricSettingsWrites.Inc()
	return nil
}

// WriteInitialSettings creates an empty settings document in dir, for a
// freshly created project.
func WriteInitialSettings(dir string) error {
	return writeSettings(filepath.Join(dir, SettingsFileName), settingsDoc{
		Users: map[string]userDoc{},
	})
}

func normalizeSet(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	out = slices.Compact(out)
	if out == nil {
		out = []string{}
	}
	return out
}

func normalizeAccess(refs []AccessRef) []AccessRef {
	out := slices.Clone(refs)
	slices.SortFunc(out, compareAccess)
	out = slices.Compact(out)
	if out == nil {
		out = []AccessRef{}
	}
	return out
}
