// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package server assembles a node: the event bus, the dispatcher, the sync
// daemon handler and the REST API run under one supervisor, and a project
// discovery processor keeps one project manager per tracked project.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/thejerf/suture/v4"

	"github.com/lancesync/lance/lib/api"
	"github.com/lancesync/lance/lib/events"
	"github.com/lancesync/lance/lib/locations"
	"github.com/lancesync/lance/lib/logger"
	"github.com/lancesync/lance/lib/project"
	"github.com/lancesync/lance/lib/sthandler"
	"github.com/lancesync/lance/lib/svcutil"
)

const (
	maxSystemErrors  = 5
	initialSystemLog = 10
	maxSystemLog     = 250
)

// Options configure an App.
type Options struct {
	// Daemon is handed to the sync daemon handler.
	Daemon sthandler.Options
	// API configures the local REST surface.
	API api.Options
	// NoAPI disables the REST surface entirely.
	NoAPI bool
}

// App is a node wired together and ready to run.
type App struct {
	opts Options

	bus        *events.Logger
	dispatcher *events.Dispatcher
	handler    *sthandler.Handler
	projects   *projectTracker

	mainService       *suture.Supervisor
	mainServiceCancel context.CancelFunc
	exitStatus        svcutil.ExitStatus
	err               error
	stopOnce          sync.Once
	stopped           chan struct{}
}

// New assembles a node from the given options. The returned App does
// nothing until Start is called.
func New(opts Options) *App {
	bus := events.NewLogger()
	dispatcher := events.NewDispatcher(bus)
	handler := sthandler.New(bus, opts.Daemon)

	a := &App{
		opts:       opts,
		bus:        bus,
		dispatcher: dispatcher,
		handler:    handler,
		stopped:    make(chan struct{}),
	}
	a.projects = newProjectTracker(handler, dispatcher, bus)
	close(a.stopped) // Hasn't been started, so shouldn't block on Wait.
	return a
}

// Start executes the app and returns once the startup operations are done,
// e.g. the API is ready for use. Must be called once only.
func (a *App) Start() error {
	// Create a main service manager. We'll add things to this as we go
	// along. We want any logging it does to go through our log system.
	spec := svcutil.SpecWithDebugLogger(l)
	a.mainService = suture.New("main", spec)

	// Start the supervisor and wait for it to stop to handle cleanup.
	a.stopped = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	a.mainServiceCancel = cancel
	errChan := a.mainService.ServeBackground(ctx)
	go a.wait(errChan)

	if err := a.startup(); err != nil {
		a.stopWithErr(svcutil.ExitError, err)
		return err
	}

	return nil
}

func (a *App) startup() error {
	a.mainService.Add(a.bus)
	a.mainService.Add(a.dispatcher)

	a.bus.Log(events.Starting, map[string]string{
		"configRoot": locations.GetBaseDir(locations.ConfigBaseDir),
		"dataRoot":   locations.GetBaseDir(locations.DataBaseDir),
	})

	// The tracker must be listening before the handler replays its first
	// configuration state, or early projects wait for the rediscovery
	// interval.
	a.dispatcher.AddProcessor(a.projects)
	a.mainService.Add(a.handler)

	if !a.opts.NoAPI {
		if err := a.setupAPI(); err != nil {
			l.Warnln("Failed starting API:", err)
			return err
		}
	}

	myID := ""
	ctx, cancel := context.WithTimeout(context.Background(), svcutil.ServiceTimeout)
	defer cancel()
	if id, err := a.handler.MyID(ctx); err == nil {
		// Empty until the daemon identity exists; the bus carries the
		// DevicesChanged that follows bootstrap.
		myID = id
	}
	a.bus.Log(events.StartupComplete, map[string]string{"myID": myID})

	return nil
}

func (a *App) setupAPI() error {
	errorsRec := logger.NewRecorder(l, logger.LevelWarn, maxSystemErrors, 0)
	systemLog := logger.NewRecorder(l, logger.LevelDebug, maxSystemLog, initialSystemLog)

	apiSvc := api.New(a.opts.API, a.handler, a.projects, a.bus, errorsRec, systemLog)
	a.mainService.Add(apiSvc)

	return apiSvc.WaitForStart()
}

// AddProject creates a project on this node: the configuration folder on
// disk, seeded with an empty settings document, registered with the handler
// and shared with the servers.
func (a *App) AddProject(ctx context.Context, name string) error {
	return a.projects.AddProject(ctx, name)
}

// Projects returns the sorted names of all tracked projects.
func (a *App) Projects() []string {
	return a.projects.Projects()
}

// ProjectManager returns the manager for the named project, if tracked.
func (a *App) ProjectManager(name string) (*project.Manager, bool) {
	return a.projects.Manager(name)
}

// Handler exposes the sync daemon handler for embedders.
func (a *App) Handler() *sthandler.Handler {
	return a.handler
}

func (a *App) wait(errChan <-chan error) {
	err := <-errChan
	a.handleMainServiceError(err)

	l.Infoln("Exiting")

	close(a.stopped)
}

func (a *App) handleMainServiceError(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	var fatalErr *svcutil.FatalErr
	if errors.As(err, &fatalErr) {
		a.exitStatus = fatalErr.Status
		a.err = fatalErr.Err
		return
	}
	a.err = err
	a.exitStatus = svcutil.ExitError
}

// Wait blocks until the app stops running. Also returns if the app hasn't
// been started yet.
func (a *App) Wait() svcutil.ExitStatus {
	<-a.stopped
	return a.exitStatus
}

// Error returns an error if one occurred while running the app. It does not
// wait for the app to stop before returning.
func (a *App) Error() error {
	select {
	case <-a.stopped:
		return a.err
	default:
	}
	return nil
}

// Stop stops the app and sets its exit status to given reason, unless the
// app was already stopped before. In any case it returns the effective exit
// status.
func (a *App) Stop(stopReason svcutil.ExitStatus) svcutil.ExitStatus {
	return a.stopWithErr(stopReason, nil)
}

func (a *App) stopWithErr(stopReason svcutil.ExitStatus, err error) svcutil.ExitStatus {
	a.stopOnce.Do(func() {
		// ExitSuccess is the default value for a.exitStatus. If another
		// status was already set, ignore the stop reason given as argument
		// to Stop.
		select {
		case <-a.stopped:
		default:
			a.exitStatus = stopReason
			a.err = err
		}
		if shouldDebug() {
			l.Debugln("Services before stop:")
			printServiceTree(os.Stdout, a.mainService, 0)
		}
		a.mainServiceCancel()
	})
	<-a.stopped
	return a.exitStatus
}

type supervisor interface{ Services() []suture.Service }

func printServiceTree(w io.Writer, sup supervisor, level int) {
	printService(w, sup, level)

	svcs := sup.Services()
	sort.Slice(svcs, func(a, b int) bool {
		return fmt.Sprint(svcs[a]) < fmt.Sprint(svcs[b])
	})

	for _, svc := range svcs {
		if sub, ok := svc.(supervisor); ok {
			printServiceTree(w, sub, level+1)
		} else {
			printService(w, svc, level+1)
		}
	}
}

func printService(w io.Writer, svc interface{}, level int) {
	type errorer interface{ Error() error }

	t := "-"
	if _, ok := svc.(supervisor); ok {
		t = "+"
	}
	fmt.Fprintln(w, strings.Repeat("  ", level), t, svc)
	if es, ok := svc.(errorer); ok {
		if err := es.Error(); err != nil {
			fmt.Fprintln(w, strings.Repeat("  ", level), "  ->", err)
		}
	}
}
