// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package daemon

import (
	"encoding/json"
	"time"
)

// Event is one entry from the daemon's /rest/events feed. Data stays raw
// until the caller picks a typed decode for the event type at hand.
type Event struct {
	ID       int             `json:"id"`
	GlobalID int             `json:"globalID"`
	Time     time.Time       `json:"time"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
}

// Daemon event type names, as they appear on the event feed.
const (
	EventStarting           = "Starting"
	EventStartupComplete    = "StartupComplete"
	EventConfigSaved        = "ConfigSaved"
	EventStateChanged       = "StateChanged"
	EventItemStarted        = "ItemStarted"
	EventItemFinished       = "ItemFinished"
	EventFolderSummary      = "FolderSummary"
	EventFolderCompletion   = "FolderCompletion"
	EventFolderScanProgress = "FolderScanProgress"
	EventDeviceConnected    = "DeviceConnected"
	EventDeviceDisconnected = "DeviceDisconnected"
	EventDevicePaused       = "DevicePaused"
	EventDeviceResumed      = "DeviceResumed"
	EventDeviceRejected     = "DeviceRejected"
	EventFolderRejected     = "FolderRejected"
)

type StartingData struct {
	Home string `json:"home"`
	MyID string `json:"myID"`
}

func (e Event) Starting() (StartingData, error) {
	var d StartingData
	err := json.Unmarshal(e.Data, &d)
	return d, err
}

type StateChangedData struct {
	Folder   string  `json:"folder"`
	From     string  `json:"from"`
	To       string  `json:"to"`
	Duration float64 `json:"duration"`
}

func (e Event) StateChanged() (StateChangedData, error) {
	var d StateChangedData
	err := json.Unmarshal(e.Data, &d)
	return d, err
}

type ItemData struct {
	Folder string `json:"folder"`
	Item   string `json:"item"`
	Type   string `json:"type"`
	Action string `json:"action"`
	// Error is set on ItemFinished only; null means success.
	Error *string `json:"error"`
}

func (e Event) Item() (ItemData, error) {
	var d ItemData
	err := json.Unmarshal(e.Data, &d)
	return d, err
}

type FolderSummaryData struct {
	Folder  string `json:"folder"`
	Summary struct {
		State          string `json:"state"`
		NeedTotalItems int    `json:"needTotalItems"`
		GlobalFiles    int    `json:"globalFiles"`
		GlobalBytes    int64  `json:"globalBytes"`
		LocalFiles     int    `json:"localFiles"`
		LocalBytes     int64  `json:"localBytes"`
	} `json:"summary"`
}

func (e Event) FolderSummary() (FolderSummaryData, error) {
	var d FolderSummaryData
	err := json.Unmarshal(e.Data, &d)
	return d, err
}

type FolderCompletionData struct {
	Folder      string  `json:"folder"`
	Device      string  `json:"device"`
	Completion  float64 `json:"completion"`
	NeedItems   int     `json:"needItems"`
	NeedDeletes int     `json:"needDeletes"`
}

func (e Event) FolderCompletion() (FolderCompletionData, error) {
	var d FolderCompletionData
	err := json.Unmarshal(e.Data, &d)
	return d, err
}

type DeviceData struct {
	ID            string `json:"id"`
	DeviceName    string `json:"deviceName"`
	Address       string `json:"addr"`
	ClientName    string `json:"clientName"`
	ClientVersion string `json:"clientVersion"`
}

func (e Event) Device() (DeviceData, error) {
	var d DeviceData
	err := json.Unmarshal(e.Data, &d)
	return d, err
}
