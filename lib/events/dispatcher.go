// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package events

import (
	"context"
	"fmt"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/lancesync/lance/lib/svcutil"
	"github.com/lancesync/lance/lib/sync"
)

var dispatcherPollInterval = 500 * time.Millisecond

// A Processor consumes events handed to it by the Dispatcher. AddEvent is
// called from the dispatcher goroutine and must not block for long; a
// processor that needs to do real work queues the event internally.
type Processor interface {
	// Mask returns the event types the processor wants to see at all.
	Mask() EventType
	// Expects reports whether this specific event concerns the processor.
	// It is only called for events matching the mask.
	Expects(ev Event) bool
	// AddEvent hands a matching event to the processor.
	AddEvent(ev Event)
	// Dead reports that the processor has permanently stopped and should
	// be detached.
	Dead() bool
}

// A Factory creates processors on demand when an event arrives that no
// attached processor expects.
type Factory interface {
	// IsInitEvent reports whether the event warrants creating a new
	// processor.
	IsInitEvent(ev Event) bool
	// New creates the processor for the given initiating event. The event
	// itself is delivered to the new processor by the dispatcher.
	New(ev Event) (Processor, error)
	fmt.Stringer
}

// The Dispatcher routes bus events to processors. Processors are attached
// explicitly with AddProcessor or created by registered factories when an
// unclaimed initiating event arrives. Processors that are also suture
// services run under the dispatcher's supervisor for as long as they are
// attached.
type Dispatcher struct {
	bus *Logger
	sup *suture.Supervisor

	mut         sync.Mutex
	addQueue    []Processor
	removeQueue []Processor

	// Owned by the dispatch loop goroutine.
	processors []Processor
	factories  []Factory
	tokens     map[Processor]suture.ServiceToken
}

func NewDispatcher(bus *Logger) *Dispatcher {
	d := &Dispatcher{
		bus:    bus,
		sup:    suture.New("events.Dispatcher", svcutil.SpecWithDebugLogger(dl)),
		mut:    sync.NewMutex(),
		tokens: make(map[Processor]suture.ServiceToken),
	}
	d.sup.Add(svcutil.AsService(d.dispatch, "events.Dispatcher/loop"))
	return d
}

func (d *Dispatcher) Serve(ctx context.Context) error {
	return d.sup.Serve(ctx)
}

func (d *Dispatcher) String() string {
	return "events.Dispatcher"
}

// RegisterFactory adds a factory consulted for events no attached processor
// expects. Factories must be registered before the dispatcher starts.
func (d *Dispatcher) RegisterFactory(f Factory) {
	d.factories = append(d.factories, f)
}

// AddProcessor attaches a processor. The attachment is asynchronous: it
// takes effect on the next pass of the dispatch loop.
func (d *Dispatcher) AddProcessor(p Processor) {
	d.mut.Lock()
	d.addQueue = append(d.addQueue, p)
	d.mut.Unlock()
}

// RemoveProcessor detaches a processor previously attached by AddProcessor
// or created by a factory. Asynchronous, like AddProcessor.
func (d *Dispatcher) RemoveProcessor(p Processor) {
	d.mut.Lock()
	d.removeQueue = append(d.removeQueue, p)
	d.mut.Unlock()
}

func (d *Dispatcher) dispatch(ctx context.Context) error {
	sub := d.bus.Subscribe(AllEvents)
	defer d.bus.Unsubscribe(sub)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ev, err := sub.Poll(dispatcherPollInterval)

		d.processRemoveQueue()
		d.pruneDead()

		switch err {
		case nil:
		case ErrTimeout:
			d.processAddQueue()
			continue
		case ErrClosed:
			return suture.ErrDoNotRestart
		default:
			return err
		}

		handled := false
		for _, p := range d.processors {
			if p.Mask()&ev.Type != 0 && p.Expects(ev) {
				dl.Debugln("deliver", ev.Type, "to", p)
				p.AddEvent(ev)
				handled = true
				metricEventsDelivered.WithLabelValues(ev.Type.String()).Inc()
			}
		}

		if !handled {
			d.spawn(ev)
		}

		d.processAddQueue()
	}
}

func (d *Dispatcher) spawn(ev Event) {
	for _, f := range d.factories {
		if !f.IsInitEvent(ev) {
			continue
		}
		p, err := f.New(ev)
		if err != nil {
			dl.Warnf("Creating processor (%v) for %v: %v", f, ev.Type, err)
			d.bus.Log(Failure, fmt.Sprintf("creating processor (%v): %v", f, err))
			metricFactoryErrors.WithLabelValues(f.String()).Inc()
			continue
		}
		dl.Debugln("spawned", p, "for", ev.Type)
		d.attach(p)
		p.AddEvent(ev)
		metricEventsDelivered.WithLabelValues(ev.Type.String()).Inc()
		metricProcessorsSpawned.WithLabelValues(f.String()).Inc()
	}
}

func (d *Dispatcher) attach(p Processor) {
	d.processors = append(d.processors, p)
	if svc, ok := p.(suture.Service); ok {
		d.tokens[p] = d.sup.Add(svc)
	}
}

func (d *Dispatcher) detach(p Processor) {
	for i, pp := range d.processors {
		if pp == p {
			last := len(d.processors) - 1
			d.processors[i] = d.processors[last]
			d.processors[last] = nil
			d.processors = d.processors[:last]
			break
		}
	}
	if token, ok := d.tokens[p]; ok {
		delete(d.tokens, p)
		d.sup.Remove(token)
	}
}

func (d *Dispatcher) processAddQueue() {
	d.mut.Lock()
	queue := d.addQueue
	d.addQueue = nil
	d.mut.Unlock()

	for _, p := range queue {
		dl.Debugln("attach", p)
		d.attach(p)
	}
}

func (d *Dispatcher) processRemoveQueue() {
	d.mut.Lock()
	queue := d.removeQueue
	d.removeQueue = nil
	d.mut.Unlock()

	for _, p := range queue {
		dl.Debugln("detach", p)
		d.detach(p)
	}
}

func (d *Dispatcher) pruneDead() {
	for i := 0; i < len(d.processors); {
		if d.processors[i].Dead() {
			dl.Debugln("prune dead", d.processors[i])
			d.detach(d.processors[i])
			continue
		}
		i++
	}
}
