// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package sthandler

// ConfigSyncChangedData is the payload of events.ConfigSyncChanged.
type ConfigSyncChangedData struct {
	InSync bool `json:"inSync"`
}

// DeviceEventData is the payload of the events.DevicesAdded, Removed,
// Changed and VolatileDataChanged bus events. The devices are copies; the
// receiver may keep them.
type DeviceEventData struct {
	Devices []*Device `json:"devices"`
}

// FolderEventData is the payload of the events.FoldersAdded, Removed,
// ConfigurationChanged, VolatileDataChanged and Synced bus events. The
// folders are copies; the receiver may keep them.
type FolderEventData struct {
	Folders []*Folder `json:"folders"`
}
