/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tma

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/trustmodel/trustmodel/tma/digest"
	"github.com/trustmodel/trustmodel/tma/event"
	"github.com/trustmodel/trustmodel/tma/magazine"
)

const (
	RecordAggregate RecordKind = iota
	RecordEvent
	RecordAsyncEvent
	RecordLog
)

var (
	ErrNoRecords    = errors.New("Export queue is empty")
	errFullQueue    = errors.New("Export queue is full")
	ErrNoPendingSet = errors.New("No trust-pending caller to resolve")
)

type RecordKind int

func (k RecordKind) String() string {
	switch k {
	case RecordAggregate:
		return `aggregate`
	case RecordEvent:
		return `event`
	case RecordAsyncEvent:
		return `async_event`
	case RecordLog:
		return `log`
	}
	return `unknown`
}

// Record is one export queue element.  Event records retain their event
// until the consumer takes the record; sync records carry the channel the
// parked caller is waiting on.
type Record struct {
	Kind      RecordKind
	Ev        *event.Event
	Aggregate []byte
	LogType   event.Type
	LogAction Action
	LogComm   string
	resolve   chan event.TrustStatus
}

// external is the per-domain exporter: a bounded FIFO fed in locked
// context from a record magazine, a wake channel for the draining agent,
// and the trust-pending rendezvous state.
type external struct {
	mtx   sync.Mutex
	buff  []*Record
	head  int
	count int
	wake  chan struct{}
	mags  *magazine.Magazine[Record]
	// the resolve channel of the last sync record handed to the agent,
	// SetTrust completes it
	lastSync chan event.TrustStatus
	authKey  []byte
}

func newExternal(capacity int, mags *magazine.Magazine[Record]) *external {
	return &external{
		buff: make([]*Record, capacity),
		wake: make(chan struct{}, 1),
		mags: mags,
	}
}

// add appends a record, the caller holds the mutex.  The queue never
// blocks; a full ring is an allocation style failure for the producer.
func (x *external) add(rec *Record) error {
	if x.count >= len(x.buff) {
		return errFullQueue
	}
	tail := (x.head + x.count) % len(x.buff)
	x.buff[tail] = rec
	x.count++
	return nil
}

// pop removes the oldest record, the caller holds the mutex
func (x *external) pop() (*Record, error) {
	if x.count <= 0 {
		return nil, ErrNoRecords
	}
	rec := x.buff[x.head]
	x.buff[x.head] = nil
	x.head++
	x.count--
	if x.head == len(x.buff) {
		x.head = 0
	}
	return rec, nil
}

func (x *external) wakeOne() {
	select {
	case x.wake <- struct{}{}:
	default:
	}
}

// enqueue allocates a record from the magazine, fills it via fill, and
// wakes one waiter.  It never blocks and reports exhaustion as an out of
// memory condition for the caller's policy to handle.
func (x *external) enqueue(locked bool, fill func(*Record)) error {
	rec := x.mags.Acquire(locked)
	if rec == nil {
		return ErrOutOfMemory
	}
	fill(rec)
	x.mtx.Lock()
	if err := x.add(rec); err != nil {
		x.mtx.Unlock()
		if rec.Ev != nil {
			rec.Ev.Release()
		}
		x.mags.Free(rec)
		return ErrOutOfMemory
	}
	x.mtx.Unlock()
	x.wakeOne()
	return nil
}

// ExportEvent streams an event at the external agent.  Locked callers get
// an async record and return immediately; unlocked callers go trust
// pending and park until the agent renders a verdict.  A fatal signal
// (context cancellation) while pending forces the untrusted status, the
// queued record stays put.
func (d *Domain) ExportEvent(ctx context.Context, ev *event.Event) (event.TrustStatus, error) {
	x := d.ext
	if x == nil {
		return event.StatusUntrusted, ErrNotExternal
	}
	kind := RecordEvent
	if ev.Locked {
		kind = RecordAsyncEvent
	}
	var resolve chan event.TrustStatus
	err := x.enqueue(ev.Locked, func(rec *Record) {
		rec.Kind = kind
		rec.Ev = ev
		ev.Ref()
		if kind == RecordEvent {
			resolve = make(chan event.TrustStatus, 1)
			rec.resolve = resolve
		}
	})
	if err != nil {
		return event.StatusUntrusted, err
	}
	if kind != RecordEvent {
		return event.StatusTrusted, nil
	}
	select {
	case st := <-resolve:
		return st, nil
	case <-ctx.Done():
		return event.StatusUntrusted, ErrCancelled
	}
}

// exportAggregate queues the platform aggregate record, it is the first
// record of every external domain.
func (d *Domain) exportAggregate(agg []byte) error {
	return d.ext.enqueue(false, func(rec *Record) {
		rec.Kind = RecordAggregate
		rec.Aggregate = append([]byte(nil), agg...)
	})
}

// ExportLog queues a log record describing an action table disposition
func (d *Domain) ExportLog(typ event.Type, act Action, comm string) error {
	if d.ext == nil {
		return ErrNotExternal
	}
	return d.ext.enqueue(true, func(rec *Record) {
		rec.Kind = RecordLog
		rec.LogType = typ
		rec.LogAction = act
		rec.LogComm = comm
	})
}

// Wait parks the external agent until a record is available or the
// context ends.
func (d *Domain) Wait(ctx context.Context) error {
	x := d.ext
	if x == nil {
		return ErrNotExternal
	}
	for {
		x.mtx.Lock()
		n := x.count
		x.mtx.Unlock()
		if n > 0 {
			return nil
		}
		select {
		case <-x.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Show dequeues at most one export record and writes its textual form.
// Event bodies render in the trajectory format.  Consuming a sync event
// record arms the trust verdict for SetTrust.
func (d *Domain) Show(w io.Writer) error {
	x := d.ext
	if x == nil {
		return ErrNotExternal
	}
	x.mtx.Lock()
	rec, err := x.pop()
	if err != nil {
		x.mtx.Unlock()
		return err
	}
	if rec.Kind == RecordEvent {
		x.lastSync = rec.resolve
	}
	x.mtx.Unlock()

	switch rec.Kind {
	case RecordAggregate:
		_, err = fmt.Fprintf(w, "{export: {type: aggregate, value: %s}}\n",
			digest.Encode(rec.Aggregate))
	case RecordEvent, RecordAsyncEvent:
		_, err = fmt.Fprintf(w, "{export: {type: %s, event: %s}}\n",
			rec.Kind, rec.Ev)
	case RecordLog:
		_, err = fmt.Fprintf(w, "{export: {type: log, process: %s, event: %s, action: %s}}\n",
			rec.LogComm, rec.LogType, rec.LogAction)
	}
	if rec.Ev != nil {
		rec.Ev.Release()
	}
	x.mags.Free(rec)
	return err
}

// SetTrust delivers the external agent's verdict for the last sync event
// record taken via Show, waking the parked caller.
func (d *Domain) SetTrust(st event.TrustStatus) error {
	x := d.ext
	if x == nil {
		return ErrNotExternal
	}
	x.mtx.Lock()
	resolve := x.lastSync
	x.lastSync = nil
	x.mtx.Unlock()
	if resolve == nil {
		return ErrNoPendingSet
	}
	select {
	case resolve <- st:
	default:
	}
	return nil
}

// Pending reports how many records sit in the export queue
func (d *Domain) Pending() int {
	if d.ext == nil {
		return 0
	}
	d.ext.mtx.Lock()
	defer d.ext.mtx.Unlock()
	return d.ext.count
}

// drain releases every queued record during teardown
func (x *external) drain() {
	x.mtx.Lock()
	defer x.mtx.Unlock()
	for {
		rec, err := x.pop()
		if err != nil {
			return
		}
		if rec.Ev != nil {
			rec.Ev.Release()
		}
		x.mags.Free(rec)
	}
}
