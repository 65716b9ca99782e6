// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command lance-events tails the event stream of a running node and
// prints each event as indented JSON. It long-polls /rest/events on the
// local REST API, so it sees everything a GUI or detail viewer would.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/alecthomas/kong"
)

type event struct {
	ID       int             `json:"id"`
	GlobalID int             `json:"globalID"`
	Time     time.Time       `json:"time"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
}

type cli struct {
	Address string `placeholder:"ADDR" env:"LANCE_API_ADDRESS" default:"127.0.0.1:8394" help:"Node REST API address"`
	APIKey  string `name:"api-key" env:"LANCE_API_KEY" help:"Node REST API key, when one is required"`
	Events  string `placeholder:"TYPES" help:"Comma separated event types to subscribe to (default all)"`
	Since   int    `placeholder:"ID" help:"Start after this event ID"`
}

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(0)

	var params cli
	kong.Parse(&params,
		kong.Name("lance-events"),
		kong.Description("Tail the event stream of a running Lance node."),
		kong.UsageOnError(),
	)

	// Long polls block up to a minute server side; the client timeout
	// just needs to exceed that.
	client := &http.Client{Timeout: 90 * time.Second}

	since := params.Since
	for {
		evs, err := poll(client, params, since)
		if err != nil {
			log.Fatal(err)
		}
		for _, ev := range evs {
			bs, _ := json.MarshalIndent(ev, "", "    ")
			log.Printf("%s", bs)
			since = ev.ID
		}
	}
}

func poll(client *http.Client, params cli, since int) ([]event, error) {
	qs := url.Values{}
	qs.Set("since", strconv.Itoa(since))
	if params.Events != "" {
		qs.Set("events", params.Events)
	}

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/rest/events?%s", params.Address, qs.Encode()), nil)
	if err != nil {
		return nil, err
	}
	if params.APIKey != "" {
		req.Header.Set("X-API-Key", params.APIKey)
	}

	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return nil, fmt.Errorf("%s: %s", res.Status, string(msg))
	}

	var evs []event
	if err := json.NewDecoder(res.Body).Decode(&evs); err != nil {
		return nil, err
	}
	return evs, nil
}
