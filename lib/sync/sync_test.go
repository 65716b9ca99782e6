// Copyright (C) 2024 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package sync

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lancesync/lance/lib/logger"
)

func TestTypes(t *testing.T) {
	debug = false

	if _, ok := NewMutex().(*sync.Mutex); !ok {
		t.Error("Expected plain mutex without debugging")
	}
	if _, ok := NewRWMutex().(*sync.RWMutex); !ok {
		t.Error("Expected plain RWMutex without debugging")
	}
	if _, ok := NewWaitGroup().(*sync.WaitGroup); !ok {
		t.Error("Expected plain WaitGroup without debugging")
	}

	debug = true

	if _, ok := NewMutex().(*loggedMutex); !ok {
		t.Error("Expected logged mutex with debugging")
	}
	if _, ok := NewRWMutex().(*loggedRWMutex); !ok {
		t.Error("Expected logged RWMutex with debugging")
	}
	if _, ok := NewWaitGroup().(*loggedWaitGroup); !ok {
		t.Error("Expected logged WaitGroup with debugging")
	}

	debug = false
}

// enableDebug turns on both the package debug flag and facility debugging,
// returning a restore func and a counter of mutex log lines seen since.
func enableDebug(t *testing.T) func() {
	t.Helper()
	oldThreshold := threshold
	debug = true
	threshold = 25 * time.Millisecond
	logger.DefaultLogger.SetDebug("sync", true)
	return func() {
		debug = false
		threshold = oldThreshold
		logger.DefaultLogger.SetDebug("sync", false)
	}
}

func countLines(counter *int, substr string) logger.MessageHandler {
	return func(_ logger.LogLevel, msg string) {
		if strings.Contains(msg, substr) {
			*counter++
		}
	}
}

func TestMutex(t *testing.T) {
	defer enableDebug(t)()

	msgs := 0
	l.AddHandler(logger.LevelDebug, countLines(&msgs, "Mutex held"))

	mut := NewMutex()
	mut.Lock()
	time.Sleep(100 * time.Millisecond)
	mut.Unlock()

	if msgs != 1 {
		t.Errorf("Unexpected number of messages %d != 1 for a slow hold", msgs)
	}

	msgs = 0
	mut.Lock()
	mut.Unlock()

	if msgs != 0 {
		t.Errorf("Unexpected number of messages %d != 0 for a fast hold", msgs)
	}
}

func TestRWMutex(t *testing.T) {
	defer enableDebug(t)()

	msgs := 0
	l.AddHandler(logger.LevelDebug, countLines(&msgs, "RWMutex held"))

	mut := NewRWMutex()
	mut.Lock()
	time.Sleep(100 * time.Millisecond)
	mut.Unlock()

	if msgs != 1 {
		t.Errorf("Unexpected number of messages %d != 1 for a slow hold", msgs)
	}

	// RLock by itself does not log.
	msgs = 0
	mut.RLock()
	time.Sleep(100 * time.Millisecond)
	mut.RUnlock()

	if msgs != 0 {
		t.Errorf("Unexpected number of messages %d != 0 for a read hold", msgs)
	}
}

func TestWaitGroup(t *testing.T) {
	defer enableDebug(t)()

	msgs := 0
	l.AddHandler(logger.LevelDebug, countLines(&msgs, "WaitGroup took"))

	wg := NewWaitGroup()
	wg.Add(1)
	go func() {
		time.Sleep(100 * time.Millisecond)
		wg.Done()
	}()
	wg.Wait()

	if msgs != 1 {
		t.Errorf("Unexpected number of messages %d != 1 for a slow wait", msgs)
	}
}
