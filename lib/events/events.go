// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package events provides the in-process event bus: producers log typed
// events, subscribers poll them in global FIFO order. Subscriptions are
// unbounded; the bus never drops an event, as the configuration state
// machines downstream depend on seeing every transition.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/lancesync/lance/lib/sync"
)

type EventType int64

const (
	Starting EventType = 1 << iota
	StartupComplete
	ConfigSyncChanged
	DevicesAdded
	DevicesRemoved
	DevicesChanged
	DevicesVolatileDataChanged
	FoldersAdded
	FoldersRemoved
	FoldersConfigurationChanged
	FoldersVolatileDataChanged
	FoldersSynced
	ProjectsChanged
	DaemonGeneric
	Failure

	AllEvents EventType = (1 << iota) - 1
)

// Mask unions for subscription filters. These replace the class hierarchy
// of event kinds: a "device event" is anything in DeviceEvents, and so on.
const (
	DeviceEvents = DevicesAdded | DevicesRemoved | DevicesChanged |
		DevicesVolatileDataChanged
	FolderEvents = FoldersAdded | FoldersRemoved | FoldersConfigurationChanged |
		FoldersVolatileDataChanged | FoldersSynced
	ConfigurationEvents = DeviceEvents | FolderEvents | ConfigSyncChanged
)

func (t EventType) String() string {
	switch t {
	case Starting:
		return "Starting"
	case StartupComplete:
		return "StartupComplete"
	case ConfigSyncChanged:
		return "ConfigSyncChanged"
	case DevicesAdded:
		return "DevicesAdded"
	case DevicesRemoved:
		return "DevicesRemoved"
	case DevicesChanged:
		return "DevicesChanged"
	case DevicesVolatileDataChanged:
		return "DevicesVolatileDataChanged"
	case FoldersAdded:
		return "FoldersAdded"
	case FoldersRemoved:
		return "FoldersRemoved"
	case FoldersConfigurationChanged:
		return "FoldersConfigurationChanged"
	case FoldersVolatileDataChanged:
		return "FoldersVolatileDataChanged"
	case FoldersSynced:
		return "FoldersSynced"
	case ProjectsChanged:
		return "ProjectsChanged"
	case DaemonGeneric:
		return "DaemonGeneric"
	case Failure:
		return "Failure"
	default:
		return "Unknown"
	}
}

func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalEventType returns the event type for the given name, or 0 for an
// unknown name.
func UnmarshalEventType(s string) EventType {
	for t := Starting; t < AllEvents; t <<= 1 {
		if t.String() == s {
			return t
		}
	}
	return 0
}

type Event struct {
	// Per-subscription sequential event ID.
	SubscriptionID int `json:"id"`
	// Global ID of the event across all subscriptions
	GlobalID int         `json:"globalID"`
	Time     time.Time   `json:"time"`
	Type     EventType   `json:"type"`
	Data     interface{} `json:"data"`
}

// BufferSize is the default ring capacity for buffered subscriptions.
const BufferSize = 64

var (
	ErrTimeout = errors.New("timeout")
	ErrClosed  = errors.New("closed")
)

type Logger struct {
	subs                []*Subscription
	nextSubscriptionIDs []int
	nextGlobalID        int
	closed              bool
	mutex               sync.Mutex
}

func NewLogger() *Logger {
	return &Logger{
		mutex: sync.NewMutex(),
	}
}

// Serve keeps the bus open until ctx is cancelled, then closes all
// subscriptions. Log on a closed bus is a no-op.
func (l *Logger) Serve(ctx context.Context) error {
	<-ctx.Done()

	l.mutex.Lock()
	l.closed = true
	for _, s := range l.subs {
		s.close()
	}
	l.subs = nil
	l.nextSubscriptionIDs = nil
	l.mutex.Unlock()

	return ctx.Err()
}

func (l *Logger) String() string {
	return "events.Logger"
}

func (l *Logger) Log(t EventType, data interface{}) {
	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		return
	}
	dl.Debugln("log", l.nextGlobalID, t, data)
	l.nextGlobalID++

	e := Event{
		GlobalID: l.nextGlobalID,
		Time:     time.Now(),
		Type:     t,
		Data:     data,
	}

	for i, s := range l.subs {
		if s.mask&t != 0 {
			e.SubscriptionID = l.nextSubscriptionIDs[i]
			l.nextSubscriptionIDs[i]++
			s.push(e)
		}
	}
	l.mutex.Unlock()

	metricEventsLogged.WithLabelValues(t.String()).Inc()
}

func (l *Logger) Subscribe(mask EventType) *Subscription {
	l.mutex.Lock()
	dl.Debugln("subscribe", mask)

	s := &Subscription{
		mask:   mask,
		mut:    sync.NewMutex(),
		notify: make(chan struct{}, 1),
	}

	if l.closed {
		s.close()
		l.mutex.Unlock()
		return s
	}

	l.subs = append(l.subs, s)
	l.nextSubscriptionIDs = append(l.nextSubscriptionIDs, 1)
	l.mutex.Unlock()
	return s
}

func (l *Logger) Unsubscribe(s *Subscription) {
	l.mutex.Lock()
	dl.Debugln("unsubscribe")
	for i, ss := range l.subs {
		if s == ss {
			last := len(l.subs) - 1

			l.subs[i] = l.subs[last]
			l.subs[last] = nil
			l.subs = l.subs[:last]

			l.nextSubscriptionIDs[i] = l.nextSubscriptionIDs[last]
			l.nextSubscriptionIDs[last] = 0
			l.nextSubscriptionIDs = l.nextSubscriptionIDs[:last]

			break
		}
	}
	s.close()
	l.mutex.Unlock()
}

// A Subscription delivers the events matching its mask in FIFO order. The
// queue is unbounded; a slow consumer delays only itself.
type Subscription struct {
	mask   EventType
	mut    sync.Mutex
	queue  []Event
	closed bool
	notify chan struct{}
	c      chan Event
}

func (s *Subscription) push(e Event) {
	s.mut.Lock()
	if s.closed {
		s.mut.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.mut.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) close() {
	s.mut.Lock()
	s.closed = true
	s.mut.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Poll returns the next event from the subscription, or an error if the
// poll times out or the subscription is closed. Queued events are still
// delivered after closing, until the queue is drained. Poll should not be
// called concurrently from multiple goroutines for a single subscription.
func (s *Subscription) Poll(timeout time.Duration) (Event, error) {
	dl.Debugln("poll", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mut.Lock()
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			if len(s.queue) == 0 {
				s.queue = nil
			}
			s.mut.Unlock()
			return e, nil
		}
		closed := s.closed
		s.mut.Unlock()

		if closed {
			return Event{}, ErrClosed
		}

		select {
		case <-s.notify:
		case <-timer.C:
			return Event{}, ErrTimeout
		}
	}
}

// C returns a channel carrying the subscription's events, for use in
// select loops. The channel is fed by a pump goroutine started on first
// use and closed once the subscription is unsubscribed and its queue
// drained, so the consumer must keep receiving until then. Mixing C and
// Poll on one subscription splits the stream between the two.
func (s *Subscription) C() <-chan Event {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.c == nil {
		s.c = make(chan Event)
		go s.pump()
	}
	return s.c
}

func (s *Subscription) pump() {
	for {
		e, err := s.Poll(time.Minute)
		switch {
		case err == nil:
			s.c <- e
		case errors.Is(err, ErrClosed):
			close(s.c)
			return
		}
	}
}

// Mask returns the subscription's event mask.
func (s *Subscription) Mask() EventType {
	return s.mask
}

type bufferedSubscription struct {
	sub     *Subscription
	buf     []Event
	next    int
	cur     int // Current SubscriptionID
	mut     sync.Mutex
	changed chan struct{}
}

type BufferedSubscription interface {
	Since(id int, into []Event, timeout time.Duration) []Event
}

func NewBufferedSubscription(s *Subscription, size int) BufferedSubscription {
	bs := &bufferedSubscription{
		sub:     s,
		buf:     make([]Event, size),
		mut:     sync.NewMutex(),
		changed: make(chan struct{}),
	}
	go bs.pollingLoop()
	return bs
}

func (s *bufferedSubscription) pollingLoop() {
	for {
		ev, err := s.sub.Poll(time.Minute)
		if err == ErrTimeout {
			continue
		}
		if err == ErrClosed {
			return
		}

		s.mut.Lock()
		s.buf[s.next] = ev
		s.next = (s.next + 1) % len(s.buf)
		s.cur = ev.SubscriptionID
		close(s.changed)
		s.changed = make(chan struct{})
		s.mut.Unlock()
	}
}

// Since returns the buffered events with a SubscriptionID greater than id,
// waiting up to timeout for one to arrive when none is buffered yet.
func (s *bufferedSubscription) Since(id int, into []Event, timeout time.Duration) []Event {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mut.Lock()
		if s.cur > id {
			for i := s.next; i < len(s.buf); i++ {
				if s.buf[i].SubscriptionID > id {
					into = append(into, s.buf[i])
				}
			}
			for i := 0; i < s.next; i++ {
				if s.buf[i].SubscriptionID > id {
					into = append(into, s.buf[i])
				}
			}
			s.mut.Unlock()
			return into
		}
		changed := s.changed
		s.mut.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return into
		}
	}
}

// Error returns a string pointer suitable for JSON marshalling errors. It
// retains the "null on success" semantics, but ensures the error result is a
// string regardless of the underlying concrete error type.
func Error(err error) *string {
	if err == nil {
		return nil
	}
	str := err.Error()
	return &str
}
