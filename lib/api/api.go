// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package api serves the read-only REST surface of a node: event long
// polling, status and model snapshots, and Prometheus metrics. Everything
// here observes; mutations go through the handler's own API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"

	"github.com/lancesync/lance/lib/build"
	"github.com/lancesync/lance/lib/events"
	"github.com/lancesync/lance/lib/logger"
	"github.com/lancesync/lance/lib/sthandler"
	"github.com/lancesync/lance/lib/sync"
)

const (
	// DefaultAddress is where the REST API listens when not configured
	// otherwise.
	DefaultAddress = "127.0.0.1:8394"

	// DefaultEventMask is the set of events /rest/events serves when the
	// request names none.
	DefaultEventMask = events.AllEvents

	// EventSubBufferSize is the number of events a long poll subscription
	// buffers between requests.
	EventSubBufferSize = 1000

	defaultEventTimeout = time.Minute
)

// Options configure the REST service.
type Options struct {
	// Address is the listen address, host:port.
	Address string
	// APIKey, when non-empty, must accompany every request outside
	// /rest/noauth in the X-API-Key header or as a bearer token.
	APIKey string
}

// Model is the handler surface the API reads. Satisfied by
// *sthandler.Handler.
type Model interface {
	MyID(ctx context.Context) (string, error)
	IsServer(ctx context.Context) (bool, error)
	ConfigInSync(ctx context.Context) (bool, error)
	Servers(ctx context.Context) ([]string, error)
	Devices(ctx context.Context) (map[string]*sthandler.Device, error)
	Folders(ctx context.Context) (map[string]*sthandler.Folder, error)
}

// ProjectLister enumerates the projects tracked by this node.
type ProjectLister interface {
	Projects() []string
}

// Service is the API service. Calling WaitForStart once the service is
// added to a supervisor ensures that it is ready as soon as possible, and
// returns any error from the initial listen.
type Service interface {
	suture.Service
	fmt.Stringer
	WaitForStart() error
}

type service struct {
	opts     Options
	model    Model
	projects ProjectLister
	bus      *events.Logger

	errorsRec logger.Recorder
	systemLog logger.Recorder

	eventSubs    map[events.EventType]events.BufferedSubscription
	eventSubsMut sync.Mutex

	startedOnce chan struct{} // the service has started at least once
	startupErr  error
	started     chan string // only used by tests, for the listener address
	startTime   time.Time
}

// New constructs a REST service around the given model. The service is
// inert until it is added to a running supervisor.
func New(opts Options, model Model, projects ProjectLister, bus *events.Logger, errorsRec, systemLog logger.Recorder) Service {
	if opts.Address == "" {
		opts.Address = DefaultAddress
	}
	return &service{
		opts:         opts,
		model:        model,
		projects:     projects,
		bus:          bus,
		errorsRec:    errorsRec,
		systemLog:    systemLog,
		eventSubs:    make(map[events.EventType]events.BufferedSubscription),
		eventSubsMut: sync.NewMutex(),
		startedOnce:  make(chan struct{}),
		startTime:    time.Now(),
	}
}

func (s *service) WaitForStart() error {
	<-s.startedOnce
	return s.startupErr
}

// Complete implements suture.IsCompletable, which signifies to the supervisor
// whether to stop restarting the service.
func (s *service) Complete() bool {
	select {
	case <-s.startedOnce:
		return s.startupErr != nil
	default:
	}
	return false
}

func (s *service) String() string {
	return fmt.Sprintf("api.service@%p", s)
}

func (s *service) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		select {
		case <-s.startedOnce:
			l.Warnln("Starting API:", err)
		default:
			// During initialization. There is no point in a node nobody
			// can observe, so fail loudly.
			s.startupErr = err
			close(s.startedOnce)
		}
		return err
	}
	defer listener.Close()

	restMux := httprouter.New()
	restMux.HandlerFunc(http.MethodGet, "/rest/events", s.getEvents)                // [since] [limit] [timeout] [events]
	restMux.HandlerFunc(http.MethodGet, "/rest/devices", s.getDevices)              // -
	restMux.HandlerFunc(http.MethodGet, "/rest/folders", s.getFolders)              // -
	restMux.HandlerFunc(http.MethodGet, "/rest/projects", s.getProjects)            // -
	restMux.HandlerFunc(http.MethodGet, "/rest/noauth/health", s.getHealth)         // -
	restMux.HandlerFunc(http.MethodGet, "/rest/system/error", s.getSystemError)     // -
	restMux.HandlerFunc(http.MethodGet, "/rest/system/log", s.getSystemLog)         // [since]
	restMux.HandlerFunc(http.MethodGet, "/rest/system/ping", s.restPing)            // -
	restMux.HandlerFunc(http.MethodGet, "/rest/system/status", s.getSystemStatus)   // -
	restMux.HandlerFunc(http.MethodGet, "/rest/system/version", s.getSystemVersion) // -

	mux := http.NewServeMux()
	mux.Handle("/rest/", noCacheMiddleware(metricsMiddleware(restMux)))
	mux.Handle("/metrics", promhttp.Handler())

	handler := apiKeyMiddleware(s.opts.APIKey, mux)

	srv := http.Server{
		Handler: handler,
		// Prevent the HTTP server from logging stuff on its own. The
		// things we care about we log ourselves from the handlers.
		ErrorLog:    log.New(io.Discard, "", 0),
		ReadTimeout: 15 * time.Second,
	}

	l.Infoln("API listening on", listener.Addr())
	if s.started != nil {
		// only set when run by the tests
		select {
		case <-ctx.Done(): // Shouldn't return directly due to cleanup below
		case s.started <- listener.Addr().String():
		}
	}

	// Indicate successful initial startup to interested listeners.
	select {
	case <-s.startedOnce:
	default:
		close(s.startedOnce)
	}

	// Serve in the background

	serveError := make(chan error, 1)
	go func() {
		select {
		case serveError <- srv.Serve(listener):
		case <-ctx.Done():
		}
	}()

	// Wait for stop or error signals

	err = nil
	select {
	case <-ctx.Done():
		// Shutting down permanently
		l.Debugln("shutting down (stop)")
	case err = <-serveError:
		// Restart due to listen/serve failure
		l.Warnln("API:", err, "(restarting)")
	}
	// Give it a moment to shut down gracefully.
	timeout, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := srv.Shutdown(timeout); err == timeout.Err() {
		srv.Close()
	}

	return err
}

func (s *service) getHealth(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, map[string]string{"status": "OK"})
}

func (*service) restPing(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, map[string]string{"ping": "pong"})
}

func (s *service) getSystemVersion(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, map[string]interface{}{
		"version":     build.Version,
		"codename":    build.Codename,
		"longVersion": build.LongVersion,
		"os":          runtime.GOOS,
		"arch":        runtime.GOARCH,
	})
}

func (s *service) getSystemStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	myID, err := s.model.MyID(ctx)
	if err != nil {
		httpError(w, err)
		return
	}
	server, err := s.model.IsServer(ctx)
	if err != nil {
		httpError(w, err)
		return
	}
	inSync, err := s.model.ConfigInSync(ctx)
	if err != nil {
		httpError(w, err)
		return
	}
	servers, err := s.model.Servers(ctx)
	if err != nil {
		httpError(w, err)
		return
	}
	devices, err := s.model.Devices(ctx)
	if err != nil {
		httpError(w, err)
		return
	}
	folders, err := s.model.Folders(ctx)
	if err != nil {
		httpError(w, err)
		return
	}

	res := make(map[string]interface{})
	res["myID"] = myID
	res["server"] = server
	res["configInSync"] = inSync
	res["servers"] = servers
	res["deviceCount"] = len(devices)
	res["folderCount"] = len(folders)
	res["projectCount"] = len(s.projects.Projects())
	res["goroutines"] = runtime.NumGoroutine()
	res["startTime"] = s.startTime
	res["uptime"] = int(time.Since(s.startTime).Seconds())
	sendJSON(w, res)
}

func (s *service) getDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.model.Devices(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	out := make([]*sthandler.Device, 0, len(devices))
	for _, dev := range devices {
		out = append(out, dev)
	}
	slices.SortFunc(out, func(a, b *sthandler.Device) int {
		return strings.Compare(a.ID, b.ID)
	})
	sendJSON(w, out)
}

func (s *service) getFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := s.model.Folders(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	out := make([]*sthandler.Folder, 0, len(folders))
	for _, f := range folders {
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b *sthandler.Folder) int {
		return strings.Compare(a.ID, b.ID)
	})
	sendJSON(w, out)
}

func (s *service) getProjects(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, s.projects.Projects())
}

func (s *service) getSystemError(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, map[string][]logger.Line{
		"errors": s.errorsRec.Since(time.Time{}),
	})
}

func (s *service) getSystemLog(w http.ResponseWriter, r *http.Request) {
	since, err := time.Parse(time.RFC3339, r.URL.Query().Get("since"))
	if err != nil {
		l.Debugln(err)
	}
	sendJSON(w, map[string][]logger.Line{
		"messages": s.systemLog.Since(since),
	})
}

func (s *service) getEvents(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	eventSub := s.getEventSub(s.getEventMask(qs.Get("events")))

	since, _ := strconv.Atoi(qs.Get("since"))
	limit, _ := strconv.Atoi(qs.Get("limit"))

	timeout := defaultEventTimeout
	timeoutSec, timeoutErr := strconv.Atoi(qs.Get("timeout"))
	if timeoutErr == nil && timeoutSec >= 0 { // 0 is a valid timeout
		timeout = time.Duration(timeoutSec) * time.Second
	}

	// Flush before blocking, to indicate that we've received the request
	// and that it should not be retried. Must set Content-Type header
	// before flushing.
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	evs := eventSub.Since(since, []events.Event{}, timeout)
	if 0 < limit && limit < len(evs) {
		evs = evs[len(evs)-limit:]
	}

	sendJSON(w, evs)
}

func (s *service) getEventMask(evs string) events.EventType {
	eventMask := DefaultEventMask
	if evs != "" {
		eventMask = 0
		for _, ev := range strings.Split(evs, ",") {
			eventMask |= events.UnmarshalEventType(strings.TrimSpace(ev))
		}
	}
	return eventMask
}

func (s *service) getEventSub(mask events.EventType) events.BufferedSubscription {
	s.eventSubsMut.Lock()
	bufsub, ok := s.eventSubs[mask]
	if !ok {
		evsub := s.bus.Subscribe(mask)
		bufsub = events.NewBufferedSubscription(evsub, EventSubBufferSize)
		s.eventSubs[mask] = bufsub
	}
	s.eventSubsMut.Unlock()
	return bufsub
}

func sendJSON(w http.ResponseWriter, obj interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	// Marshalling might fail, in which case we should return a 500 with
	// the actual error.
	bs, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		// This Marshal() can't fail though.
		bs, _ = json.Marshal(map[string]string{"error": err.Error()})
		http.Error(w, string(bs), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "%s\n", bs)
}

func httpError(w http.ResponseWriter, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func noCacheMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=0, no-cache, no-store")
		w.Header().Set("Expires", time.Now().UTC().Format(http.TimeFormat))
		w.Header().Set("Pragma", "no-cache")
		h.ServeHTTP(w, r)
	})
}

func metricsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t0 := time.Now()
		h.ServeHTTP(w, r)
		metricRequestSeconds.WithLabelValues(r.URL.Path).Observe(time.Since(t0).Seconds())
	})
}

// apiKeyMiddleware requires the configured key on everything outside
// /rest/noauth. With no key configured requests pass through; the API
// binds to localhost by default.
func apiKeyMiddleware(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/rest/noauth/") {
			next.ServeHTTP(w, r)
			return
		}
		if !hasValidAPIKeyHeader(r, apiKey) {
			metricUnauthorized.Inc()
			http.Error(w, "Not Authorized", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hasValidAPIKeyHeader(r *http.Request, apiKey string) bool {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key == apiKey
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return auth[len("bearer "):] == apiKey
	}
	return false
}
