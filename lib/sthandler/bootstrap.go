// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package sthandler

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lancesync/lance/lib/osutil"
)

// bootstrapCache is the local JSON file that survives restarts before the
// synchronized authoritative document is available. It carries the daemon
// credentials, the last known membership and the node-local folder paths,
// which never travel inside configuration documents.
type bootstrapCache struct {
	APIKey         string                     `json:"apikey"`
	ServerSecret   string                     `json:"server_secret"`
	Servers        []string                   `json:"servers"`
	Devices        map[string]bootstrapDevice `json:"devices"`
	Folders        map[string]bootstrapFolder `json:"folders"`
	IgnoredDevices []string                   `json:"ignoredDevices"`
}

type bootstrapDevice struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type bootstrapFolder struct {
	Path string `json:"path"`
}

func loadBootstrapCache(path string) (bootstrapCache, error) {
	var bc bootstrapCache
	bs, err := os.ReadFile(path)
	if err != nil {
		return bc, err
	}
	if err := json.Unmarshal(bs, &bc); err != nil {
		return bc, &ConfigurationError{Reason: fmt.Sprintf("parsing %s: %v", path, err)}
	}
	if bc.APIKey == "" {
		return bc, &ConfigurationError{Reason: "bootstrap cache lacks apikey"}
	}
	if bc.ServerSecret == "" {
		return bc, &ConfigurationError{Reason: "bootstrap cache lacks server_secret"}
	}
	return bc, nil
}

func (bc bootstrapCache) write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	bs, err := json.MarshalIndent(bc, "", "    ")
	if err != nil {
		return err
	}
	return osutil.WriteFileAtomic(path, append(bs, '\n'))
}

// bootstrapMissing reports whether the error from loadBootstrapCache means
// there is no cache at all, as opposed to a broken one.
func bootstrapMissing(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
