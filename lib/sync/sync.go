// Copyright (C) 2024 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package sync provides mutexes and wait groups that can optionally log
// slow lock acquisition and long hold times, for debugging contention.
package sync

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

type Mutex interface {
	Lock()
	Unlock()
}

type RWMutex interface {
	Mutex
	RLock()
	RUnlock()
}

type WaitGroup interface {
	Add(int)
	Done()
	Wait()
}

func NewMutex() Mutex {
	if debug {
		return &loggedMutex{}
	}
	return &sync.Mutex{}
}

func NewRWMutex() RWMutex {
	if debug {
		return &loggedRWMutex{}
	}
	return &sync.RWMutex{}
}

func NewWaitGroup() WaitGroup {
	if debug {
		return &loggedWaitGroup{}
	}
	return &sync.WaitGroup{}
}

type holder struct {
	at   string
	time time.Time
}

func (h holder) String() string {
	if h.at == "" {
		return "not held"
	}
	return fmt.Sprintf("at %s held for %v", h.at, time.Since(h.time))
}

func newHolder(skip int) holder {
	_, file, line, _ := runtime.Caller(skip)
	return holder{
		at:   fmt.Sprintf("%s:%d", filepathBase(file), line),
		time: time.Now(),
	}
}

// filepathBase is a cheap filepath.Base that avoids importing path/filepath
// in this hot path.
func filepathBase(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}

type loggedMutex struct {
	sync.Mutex
	holder atomic.Value
}

func (m *loggedMutex) Lock() {
	start := time.Now()
	m.Mutex.Lock()
	if dur := time.Since(start); dur >= threshold {
		l.Debugf("Mutex took %v to lock at %s", dur, newHolder(2).at)
	}
	m.holder.Store(newHolder(2))
}

func (m *loggedMutex) Unlock() {
	if h, ok := m.holder.Load().(holder); ok && h.at != "" {
		if dur := time.Since(h.time); dur >= threshold {
			l.Debugf("Mutex held for %v, locked at %s", dur, h.at)
		}
	}
	m.holder.Store(holder{})
	m.Mutex.Unlock()
}

func (m *loggedMutex) Holder() string {
	h, _ := m.holder.Load().(holder)
	return h.String()
}

type loggedRWMutex struct {
	sync.RWMutex
	holder  atomic.Value
	readers atomic.Int32
}

func (m *loggedRWMutex) Lock() {
	start := time.Now()
	m.RWMutex.Lock()
	if dur := time.Since(start); dur >= threshold {
		readers := m.readers.Load()
		l.Debugf("RWMutex took %v to lock at %s (%d readers at start)", dur, newHolder(2).at, readers)
	}
	m.holder.Store(newHolder(2))
}

func (m *loggedRWMutex) Unlock() {
	if h, ok := m.holder.Load().(holder); ok && h.at != "" {
		if dur := time.Since(h.time); dur >= threshold {
			l.Debugf("RWMutex held for %v, locked at %s", dur, h.at)
		}
	}
	m.holder.Store(holder{})
	m.RWMutex.Unlock()
}

func (m *loggedRWMutex) RLock() {
	m.RWMutex.RLock()
	m.readers.Add(1)
}

func (m *loggedRWMutex) RUnlock() {
	m.readers.Add(-1)
	m.RWMutex.RUnlock()
}

func (m *loggedRWMutex) Holder() string {
	h, _ := m.holder.Load().(holder)
	return h.String()
}

type loggedWaitGroup struct {
	sync.WaitGroup
}

func (wg *loggedWaitGroup) Wait() {
	start := time.Now()
	wg.WaitGroup.Wait()
	if dur := time.Since(start); dur >= threshold {
		l.Debugf("WaitGroup took %v to complete at %s", dur, newHolder(2).at)
	}
}
