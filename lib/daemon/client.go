// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package daemon owns the child sync daemon: starting and stopping the
// process, talking to its REST API, and the configuration documents the two
// sides exchange.
package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrDaemonNotReady wraps transport-level failures talking to the daemon:
// the process is starting, restarting or gone. Callers retry on it.
var ErrDaemonNotReady = errors.New("daemon not ready")

// APIError is a non-200 response from the daemon API.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return e.Status
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Body)
}

// Client talks to the daemon REST API at a fixed address, authenticating
// every request with the API key.
type Client struct {
	addr    string
	apiKey  string
	httpcli *http.Client
}

func NewClient(addr, apiKey string) *Client {
	return &Client{
		addr:   addr,
		apiKey: apiKey,
		httpcli: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				Proxy:             http.ProxyFromEnvironment,
				DisableKeepAlives: true,
			},
		},
	}
}

// Get performs an HTTP GET and returns the bytes and/or an error. Any
// non-200 return code is returned as an *APIError.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+c.addr+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req, path)
}

// Post performs an HTTP POST and returns the bytes and/or an error. Any
// non-200 return code is returned as an *APIError.
func (c *Client) Post(ctx context.Context, path string, data io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+c.addr+path, data)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path)
}

func (c *Client) do(req *http.Request, path string) ([]byte, error) {
	req.Header.Set("X-API-Key", c.apiKey)

	endpoint := metricEndpoint(path)
	metricRequests.WithLabelValues(endpoint).Inc()

	resp, err := c.httpcli.Do(req)
	if err != nil {
		metricRequestErrors.WithLabelValues(endpoint).Inc()
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrDaemonNotReady, err)
	}

	bs, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		metricRequestErrors.WithLabelValues(endpoint).Inc()
		return bs, fmt.Errorf("%w: %w", ErrDaemonNotReady, err)
	}
	if resp.StatusCode != http.StatusOK {
		metricRequestErrors.WithLabelValues(endpoint).Inc()
		return bs, &APIError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(bs)),
		}
	}
	return bs, nil
}

// metricEndpoint trims query strings so the metric label set stays small.
func metricEndpoint(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

// Events long-polls the daemon event feed, returning the events after the
// given ID. The daemon holds the request until an event arrives or timeout
// (in seconds) expires, whichever is first.
func (c *Client) Events(ctx context.Context, since int, timeout int) ([]Event, error) {
	bs, err := c.Get(ctx, fmt.Sprintf("/rest/events?since=%d&timeout=%d", since, timeout))
	if err != nil {
		return nil, err
	}

	var evs []Event
	if err := json.Unmarshal(bs, &evs); err != nil {
		return nil, fmt.Errorf("events: %w in %q", err, bs)
	}
	metricEventsReceived.Add(float64(len(evs)))
	return evs, nil
}

func (c *Client) Config(ctx context.Context) (Configuration, error) {
	var cfg Configuration
	bs, err := c.Get(ctx, "/rest/system/config")
	if err != nil {
		return cfg, err
	}
	err = json.Unmarshal(bs, &cfg)
	return cfg, err
}

func (c *Client) SetConfig(ctx context.Context, cfg Configuration) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(cfg); err != nil {
		return err
	}
	_, err := c.Post(ctx, "/rest/system/config", buf)
	return err
}

// ConfigInSync reports whether the daemon's running configuration matches
// the one most recently posted; false means a restart is pending.
func (c *Client) ConfigInSync(ctx context.Context) (bool, error) {
	bs, err := c.Get(ctx, "/rest/system/config/insync")
	if err != nil {
		return false, err
	}
	var res struct {
		ConfigInSync bool `json:"configInSync"`
	}
	if err := json.Unmarshal(bs, &res); err != nil {
		// Older daemons answer with a bare boolean body.
		return bytes.Contains(bs, []byte("true")), nil
	}
	return res.ConfigInSync, nil
}

// SystemStatus is the daemon's /rest/system/status answer, trimmed to the
// fields we read.
type SystemStatus struct {
	MyID      string    `json:"myID"`
	StartTime time.Time `json:"startTime"`
	Uptime    int       `json:"uptime"`
}

func (c *Client) Status(ctx context.Context) (SystemStatus, error) {
	var res SystemStatus
	bs, err := c.Get(ctx, "/rest/system/status")
	if err != nil {
		return res, err
	}
	err = json.Unmarshal(bs, &res)
	return res, err
}

type SystemVersion struct {
	Arch        string `json:"arch"`
	LongVersion string `json:"longVersion"`
	OS          string `json:"os"`
	Version     string `json:"version"`
}

func (c *Client) Version(ctx context.Context) (SystemVersion, error) {
	var res SystemVersion
	bs, err := c.Get(ctx, "/rest/system/version")
	if err != nil {
		return res, err
	}
	err = json.Unmarshal(bs, &res)
	return res, err
}

// FolderStatus is the daemon's per-folder database summary, trimmed to the
// fields we read.
type FolderStatus struct {
	GlobalFiles   int       `json:"globalFiles"`
	GlobalBytes   int64     `json:"globalBytes"`
	LocalFiles    int       `json:"localFiles"`
	LocalBytes    int64     `json:"localBytes"`
	NeedFiles     int       `json:"needFiles"`
	NeedBytes     int64     `json:"needBytes"`
	NeedDeletes   int       `json:"needDeletes"`
	State         string    `json:"state"`
	StateChanged  time.Time `json:"stateChanged"`
	GlobalModTime time.Time `json:"globalModTime"`
}

func (c *Client) DBStatus(ctx context.Context, folder string) (FolderStatus, error) {
	var res FolderStatus
	bs, err := c.Get(ctx, "/rest/db/status?folder="+url.QueryEscape(folder))
	if err != nil {
		return res, err
	}
	err = json.Unmarshal(bs, &res)
	return res, err
}

// DBFile is the daemon's view of one file in a folder, global and local.
type DBFile struct {
	GlobalModified time.Time `json:"globalModified"`
	LocalModified  time.Time `json:"localModified"`
}

func (c *Client) DBFileModified(ctx context.Context, folder, file string) (DBFile, error) {
	data := url.Values{}
	data.Set("folder", folder)
	data.Set("file", file)
	bs, err := c.Get(ctx, "/rest/db/file?"+data.Encode())
	if err != nil {
		return DBFile{}, err
	}
	var res struct {
		Global struct {
			Modified time.Time `json:"modified"`
		} `json:"global"`
		Local struct {
			Modified time.Time `json:"modified"`
		} `json:"local"`
	}
	if err := json.Unmarshal(bs, &res); err != nil {
		return DBFile{}, err
	}
	return DBFile{GlobalModified: res.Global.Modified, LocalModified: res.Local.Modified}, nil
}

// Scan asks the daemon to rescan a folder, or just the given subdirectories
// of it.
func (c *Client) Scan(ctx context.Context, folder string, subs ...string) error {
	data := url.Values{}
	data.Set("folder", folder)
	for _, sub := range subs {
		data.Add("sub", sub)
	}
	_, err := c.Post(ctx, "/rest/db/scan?"+data.Encode(), nil)
	return err
}

// ScanDelay schedules the next periodic rescan of the folder.
func (c *Client) ScanDelay(ctx context.Context, folder string, delaySeconds int) error {
	data := url.Values{}
	data.Set("folder", folder)
	data.Set("next", strconv.Itoa(delaySeconds))
	_, err := c.Post(ctx, "/rest/db/scan?"+data.Encode(), nil)
	return err
}

func (c *Client) Restart(ctx context.Context) error {
	_, err := c.Post(ctx, "/rest/system/restart", nil)
	return err
}

func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.Post(ctx, "/rest/system/shutdown", nil)
	if err != nil && errors.Is(err, io.ErrUnexpectedEOF) {
		// The process may exit before finishing the response.
		return nil
	}
	return err
}

func (c *Client) PauseAll(ctx context.Context) error {
	_, err := c.Post(ctx, "/rest/system/pause", nil)
	return err
}

func (c *Client) ResumeAll(ctx context.Context) error {
	_, err := c.Post(ctx, "/rest/system/resume", nil)
	return err
}

func (c *Client) PauseDevice(ctx context.Context, device string) error {
	_, err := c.Post(ctx, "/rest/system/pause?device="+url.QueryEscape(device), nil)
	return err
}

func (c *Client) ResumeDevice(ctx context.Context, device string) error {
	_, err := c.Post(ctx, "/rest/system/resume?device="+url.QueryEscape(device), nil)
	return err
}

// AwaitReady polls the daemon until its API answers, for at most the given
// number of one second attempts.
func (c *Client) AwaitReady(ctx context.Context, attempts int) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}

		if _, err := c.Status(ctx); err == nil {
			return nil
		} else if !errors.Is(err, ErrDaemonNotReady) {
			return err
		} else {
			lastErr = err
		}
	}
	return lastErr
}
