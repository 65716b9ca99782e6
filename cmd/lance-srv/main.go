// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command lance-srv runs a collaboration node. It supervises the sync
// daemon, keeps the shared configuration document reconciled with the
// daemon's view of the cluster, and tracks the projects published
// through it.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/lancesync/lance/lib/api"
	_ "github.com/lancesync/lance/lib/automaxprocs"
	"github.com/lancesync/lance/lib/build"
	"github.com/lancesync/lance/lib/daemon"
	"github.com/lancesync/lance/lib/locations"
	"github.com/lancesync/lance/lib/logger"
	"github.com/lancesync/lance/lib/server"
	"github.com/lancesync/lance/lib/sthandler"
	"github.com/lancesync/lance/lib/svcutil"
)

var l = logger.DefaultLogger.NewFacility("main", "Startup and command line handling")

type cli struct {
	ConfDir string `name:"config" short:"C" placeholder:"PATH" env:"LANCE_CONFIG_DIR" help:"Set configuration directory (bootstrap cache and daemon keys)"`
	DataDir string `name:"data" short:"D" placeholder:"PATH" env:"LANCE_DATA_DIR" help:"Set data directory (server folder and project folders)"`
	HomeDir string `name:"home" short:"H" placeholder:"PATH" env:"LANCE_HOME_DIR" help:"Set configuration and data directory at once"`

	Serve    serveCommand    `cmd:"" default:"withargs" help:"Run the node (default)"`
	Version  versionCommand  `cmd:"" help:"Show version information"`
	DeviceID deviceIDCommand `cmd:"" name:"device-id" help:"Print the node's device ID, generating keys on first use"`
}

func (c cli) AfterApply() error {
	if err := setLocationsFromFlags(c.HomeDir, c.ConfDir, c.DataDir); err != nil {
		return fmt.Errorf("command line options: %w", err)
	}
	return nil
}

func setLocationsFromFlags(homeDir, confDir, dataDir string) error {
	if homeDir != "" {
		if confDir != "" || dataDir != "" {
			return errors.New("-home must not be used together with -config or -data")
		}
		confDir = homeDir
		dataDir = homeDir
	}
	if confDir != "" {
		if err := locations.SetBaseDir(locations.ConfigBaseDir, confDir); err != nil {
			return err
		}
	}
	if dataDir != "" {
		return locations.SetBaseDir(locations.DataBaseDir, dataDir)
	}
	return nil
}

func main() {
	var params cli
	ctx := kong.Parse(&params,
		kong.Name("lance-srv"),
		kong.Description("Lance collaboration node: project aware supervision of the sync daemon."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}

type serveCommand struct {
	DaemonBinary    string        `name:"daemon-binary" placeholder:"PATH" env:"LANCE_DAEMON_BINARY" default:"syncthing" help:"Sync daemon executable to supervise"`
	GUIAddress      string        `name:"gui-address" placeholder:"ADDR" env:"LANCE_GUI_ADDRESS" default:"127.0.0.1:8384" help:"Daemon REST API address"`
	ListenAddress   string        `name:"listen-address" placeholder:"ADDR" env:"LANCE_LISTEN_ADDRESS" default:"default" help:"Daemon sync protocol listen address"`
	DeviceRetention time.Duration `name:"device-retention" placeholder:"DUR" default:"720h" help:"Forget evicted devices that never acknowledged their removal after this long"`
	APIAddress      string        `name:"api-address" placeholder:"ADDR" env:"LANCE_API_ADDRESS" default:"127.0.0.1:8394" help:"Local REST API listen address"`
	APIKey          string        `name:"api-key" env:"LANCE_API_KEY" help:"Require this key on local REST API requests"`
	NoAPI           bool          `name:"no-api" help:"Disable the local REST API"`
	LogFile         string        `name:"log-file" placeholder:"PATH" default:"-" help:"Log file name (use - for stdout only, or the word default for the standard location)"`
}

func (c *serveCommand) Run() error {
	if err := os.MkdirAll(locations.GetBaseDir(locations.ConfigBaseDir), 0o700); err != nil {
		return fmt.Errorf("config directory: %w", err)
	}
	if err := os.MkdirAll(locations.GetBaseDir(locations.DataBaseDir), 0o755); err != nil {
		return fmt.Errorf("data directory: %w", err)
	}

	if c.LogFile != "-" {
		path := c.LogFile
		if path == "default" {
			path = locations.Get(locations.LogFile)
		}
		fd, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("log file: %w", err)
		}
		defer fd.Close()
		addFileLogging(fd)
		l.Infof(`Log output saved to file "%s"`, path)
	}

	l.Infoln(build.LongVersion)

	app := server.New(server.Options{
		Daemon: sthandler.Options{
			Binary:        c.DaemonBinary,
			GUIAddress:    c.GUIAddress,
			ListenAddress: c.ListenAddress,
			Retention:     c.DeviceRetention,
		},
		API: api.Options{
			Address: c.APIAddress,
			APIKey:  c.APIKey,
		},
		NoAPI: c.NoAPI,
	})

	if err := app.Start(); err != nil {
		return err
	}

	stopSig := make(chan os.Signal, 1)
	signal.Notify(stopSig, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-stopSig
		l.Infof("Received signal %s; shutting down", sig)
		app.Stop(svcutil.ExitSuccess)
	}()

	status := app.Wait()
	if err := app.Error(); err != nil {
		l.Warnln("Node failed:", err)
	}
	os.Exit(status.AsInt())
	return nil
}

// addFileLogging copies everything the default logger emits to w. The
// handler runs under the logger's lock, so writes are serialized.
func addFileLogging(w io.Writer) {
	logger.DefaultLogger.AddHandler(logger.LevelDebug, func(level logger.LogLevel, message string) {
		fmt.Fprintf(w, "%s %s %s\n", time.Now().Format("2006-01-02 15:04:05"), levelPrefix(level), message)
	})
}

func levelPrefix(level logger.LogLevel) string {
	switch level {
	case logger.LevelDebug:
		return "DEBUG:"
	case logger.LevelVerbose:
		return "VERBOSE:"
	case logger.LevelWarn:
		return "WARNING:"
	default:
		return "INFO:"
	}
}

type versionCommand struct{}

func (versionCommand) Run() error {
	fmt.Println(build.LongVersion)
	return nil
}

type deviceIDCommand struct {
	DaemonBinary string        `name:"daemon-binary" placeholder:"PATH" env:"LANCE_DAEMON_BINARY" default:"syncthing" help:"Sync daemon executable to consult"`
	GUIAddress   string        `name:"gui-address" placeholder:"ADDR" env:"LANCE_GUI_ADDRESS" default:"127.0.0.1:8384" help:"Daemon REST API address"`
	Timeout      time.Duration `placeholder:"DUR" default:"30s" help:"Give up after this long"`
}

func (c *deviceIDCommand) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	proc := daemon.NewProcess(c.DaemonBinary, locations.Get(locations.DaemonHome), c.GUIAddress)
	id, err := proc.DeviceID(ctx)
	if errors.Is(err, daemon.ErrNoIdentity) {
		l.Infoln("No daemon identity yet, generating keys")
		if err := proc.GenerateConfig(ctx); err != nil {
			return fmt.Errorf("generating daemon keys: %w", err)
		}
		id, err = proc.DeviceID(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}
