/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package trust binds the modeling engine to the platform hardware root
// of trust: it derives the per-digest platform aggregate over the first
// eight PCRs and chains event coefficients into a configured PCR through
// an ordered background worker.
package trust

import (
	"errors"
	"sync"

	"github.com/trustmodel/trustmodel/tma/digest"
	"github.com/trustmodel/trustmodel/tma/event"
	"github.com/trustmodel/trustmodel/tma/log"
)

const (
	// the aggregate covers PCR 0 through 7, the platform firmware range
	aggregatePCRs = 8

	DefaultPCRIndex = 11

	extendQueueDepth = 128
)

var (
	ErrNotAvailable = errors.New("Hardware trust device not available")
	ErrClosed       = errors.New("Trust root is closed")
)

// Bank identifies one algorithm bank on the hardware device
type Bank struct {
	Alg  string
	Size int
}

// Chip is the hardware trust device surface consumed by the root.  An
// empty bank list means no usable hardware is present.
type Chip interface {
	Banks() []Bank
	ReadPCR(bank Bank, idx int) ([]byte, error)
	ExtendPCR(bank Bank, idx int, d []byte) error
}

// NullChip is the no-hardware chip, aggregates degrade to zero
type NullChip struct{}

func (NullChip) Banks() []Bank                     { return nil }
func (NullChip) ReadPCR(Bank, int) ([]byte, error) { return nil, ErrNotAvailable }
func (NullChip) ExtendPCR(Bank, int, []byte) error { return ErrNotAvailable }

// Root computes platform aggregates and serializes PCR extensions.
// Aggregates are memoized per digest name; extensions ride an ordered
// worker queue and never fail the caller.
type Root struct {
	chip Chip
	pcr  int
	lg   *log.Logger

	aggMtx sync.Mutex
	aggs   map[string][]byte
	noHW   bool

	work   chan *event.Event
	done   chan struct{}
	wg     sync.WaitGroup
	closed sync.Once
}

// NewRoot builds a trust root over the given chip, extending into the
// given PCR index.  The extension worker starts immediately.
func NewRoot(chip Chip, pcrIndex int, lg *log.Logger) *Root {
	if chip == nil {
		chip = NullChip{}
	}
	if lg == nil {
		lg = log.NewDiscard()
	}
	r := &Root{
		chip: chip,
		pcr:  pcrIndex,
		lg:   lg,
		aggs: make(map[string][]byte),
		work: make(chan *event.Event, extendQueueDepth),
		done: make(chan struct{}),
	}
	r.wg.Add(1)
	go r.extendRoutine()
	return r
}

// Aggregate computes and memoizes the hash chain over the first eight
// PCR readings of the primary bank.  Absent hardware yields the fixed
// zero aggregate and logs exactly once.
func (r *Root) Aggregate(h *digest.Handle) ([]byte, error) {
	r.aggMtx.Lock()
	defer r.aggMtx.Unlock()
	if v, ok := r.aggs[h.Name()]; ok {
		return append([]byte(nil), v...), nil
	}
	banks := r.chip.Banks()
	if len(banks) == 0 {
		if !r.noHW {
			r.noHW = true
			r.lg.Warn("hardware trust device absent, using zero aggregate")
		}
		agg := make([]byte, h.Size())
		r.aggs[h.Name()] = agg
		return append([]byte(nil), agg...), nil
	}
	primary := banks[0]
	agg := make([]byte, h.Size())
	for idx := 0; idx < aggregatePCRs; idx++ {
		v, err := r.chip.ReadPCR(primary, idx)
		if err != nil {
			return nil, err
		}
		s := h.Stream()
		s.Update(agg)
		agg = s.Finup(v)
	}
	r.aggs[h.Name()] = agg
	return append([]byte(nil), agg...), nil
}

// Extend queues an event coefficient for PCR extension.  The event is
// retained until the worker finishes with it; a saturated queue drops
// the extension with a log line rather than stalling the model.
func (r *Root) Extend(ev *event.Event) {
	if ev == nil || len(ev.Coefficient) == 0 {
		return
	}
	ev.Ref()
	select {
	case r.work <- ev:
	default:
		r.lg.Error("pcr extension queue saturated, dropping extension",
			log.KV("event", ev.Type))
		ev.Release()
	}
}

// Close drains the extension queue and stops the worker
func (r *Root) Close() error {
	r.closed.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
	return nil
}

func (r *Root) extendRoutine() {
	defer r.wg.Done()
	for {
		select {
		case ev := <-r.work:
			r.extendOne(ev)
		case <-r.done:
			//drain whatever is left so refcounts settle
			for {
				select {
				case ev := <-r.work:
					r.extendOne(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Root) extendOne(ev *event.Event) {
	defer ev.Release()
	banks := r.chip.Banks()
	if len(banks) == 0 {
		return
	}
	for _, b := range banks {
		d := fit(ev.Coefficient, b.Size)
		if err := r.chip.ExtendPCR(b, r.pcr, d); err != nil {
			r.lg.Error("pcr extension failed",
				log.KV("bank", b.Alg),
				log.KV("pcr", r.pcr),
				log.KV("error", err))
		}
	}
}

// fit truncates or zero-pads a coefficient to a bank's digest size
func fit(d []byte, size int) []byte {
	r := make([]byte, size)
	copy(r, d)
	return r
}
