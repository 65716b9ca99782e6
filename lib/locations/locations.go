// Copyright (C) 2024 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package locations resolves the paths used by a node: the configuration
// root keeps node-local state (bootstrap cache, the sync daemon's home
// directory), the data root keeps synchronized folder contents.
package locations

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

type LocationEnum string

// Use strings as keys to make printout and serialization of the locations map
// more meaningful.
const (
	BootstrapCache   LocationEnum = "bootstrapCache"
	DaemonHome       LocationEnum = "daemonHome"
	DaemonConfigFile LocationEnum = "daemonConfigFile"
	ServerFolder     LocationEnum = "serverFolder"
	ControlRoot      LocationEnum = "controlRoot"
	LogFile          LocationEnum = "logFile"
	PanicLog         LocationEnum = "panicLog"
)

type BaseDirEnum string

const (
	// Overridden by --config-root and --data-root flags
	ConfigBaseDir BaseDirEnum = "config"
	DataBaseDir   BaseDirEnum = "data"
	// User's home directory, not a flag
	UserHomeBaseDir BaseDirEnum = "userHome"
)

// Platform dependent directories
var baseDirs = make(map[BaseDirEnum]string, 3)

func init() {
	userHome := userHomeDir()
	config := defaultConfigDir(userHome)
	baseDirs[UserHomeBaseDir] = userHome
	baseDirs[ConfigBaseDir] = config
	baseDirs[DataBaseDir] = defaultDataDir(userHome, config)

	if err := expandLocations(); err != nil {
		fmt.Println(err)
		panic("Failed to expand locations at init time")
	}
}

func SetBaseDir(baseDirName BaseDirEnum, path string) error {
	_, ok := baseDirs[baseDirName]
	if !ok {
		return fmt.Errorf("unknown base dir: %s", baseDirName)
	}
	baseDirs[baseDirName] = filepath.Clean(path)
	return expandLocations()
}

func Get(location LocationEnum) string {
	return locations[location]
}

func GetBaseDir(baseDir BaseDirEnum) string {
	return baseDirs[baseDir]
}

// ControlFolder returns the local path of the control folder for the given
// device id.
func ControlFolder(deviceID string) string {
	return filepath.Join(Get(ControlRoot), deviceID)
}

// Use the variables from baseDirs here
var locationTemplates = map[LocationEnum]string{
	BootstrapCache:   "${config}/syncthinghandler_config.json",
	DaemonHome:       "${config}/daemon",
	DaemonConfigFile: "${config}/daemon/config.xml",
	ServerFolder:     "${data}/server",
	ControlRoot:      "${data}/control",
	LogFile:          "${config}/lance.log",
	PanicLog:         "${config}/panic-${timestamp}.log",
}

var locations = make(map[LocationEnum]string)

// expandLocations replaces the variables in the locations map with actual
// directory locations.
func expandLocations() error {
	newLocations := make(map[LocationEnum]string)
	for key, dir := range locationTemplates {
		for varName, value := range baseDirs {
			dir = strings.Replace(dir, "${"+string(varName)+"}", value, -1)
		}
		newLocations[key] = filepath.Clean(dir)
	}
	locations = newLocations
	return nil
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// defaultConfigDir returns the default configuration directory, as figured
// out by various environment variables present on each platform.
func defaultConfigDir(userHome string) string {
	switch runtime.GOOS {
	case "windows":
		if p := os.Getenv("LocalAppData"); p != "" {
			return filepath.Join(p, "Lance")
		}
		return filepath.Join(os.Getenv("AppData"), "Lance")

	case "darwin":
		return filepath.Join(userHome, "Library/Application Support/Lance")

	default:
		if xdgCfg := os.Getenv("XDG_CONFIG_HOME"); xdgCfg != "" {
			return filepath.Join(xdgCfg, "lance")
		}
		return filepath.Join(userHome, ".config/lance")
	}
}

// defaultDataDir returns the default data directory, which usually is the
// config directory but might be something else.
func defaultDataDir(userHome, config string) string {
	switch runtime.GOOS {
	case "windows", "darwin":
		return config

	default:
		// Always use this env var, as it's explicitly set by the user
		if xdgHome := os.Getenv("XDG_DATA_HOME"); xdgHome != "" {
			return filepath.Join(xdgHome, "lance")
		}
		// Only use the XDG default if a lance specific dir already exists.
		// Existence of ~/.local/share is not deemed enough, as it may also
		// exist erroneously on non-XDG systems.
		xdgDefault := filepath.Join(userHome, ".local/share/lance")
		if _, err := os.Lstat(xdgDefault); err == nil {
			return xdgDefault
		}
		return config
	}
}

func GetTimestamped(key LocationEnum) string {
	// We take the roundtrip via "${timestamp}" instead of passing the path
	// directly through time.Format() to avoid issues when the path we are
	// expanding contains numbers; otherwise for example
	// /home/user2006/.../panic-20060102-150405.log would get both instances of
	// 2006 replaced by 2015...
	tpl := locations[key]
	now := time.Now().Format("20060102-150405")
	return strings.Replace(tpl, "${timestamp}", now, -1)
}
