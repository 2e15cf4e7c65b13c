/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package model holds the per-domain security state: the content addressed
// coefficient set, the trajectory of admitted events, the forensic log of
// rejected events in sealed domains, file pseudonyms, and the rolling and
// canonical model digests.
package model

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	"github.com/trustmodel/trustmodel/tma/digest"
	"github.com/trustmodel/trustmodel/tma/event"
	"github.com/trustmodel/trustmodel/tma/log"
	"github.com/trustmodel/trustmodel/tma/magazine"
)

var (
	ErrOutOfMemory   = errors.New("Coefficient magazine exhausted")
	ErrBadDigestSize = errors.New("Digest size mismatch")
	ErrNoAggregate   = errors.New("No platform aggregate source")
)

// AggregateFunc supplies the platform hardware aggregate for a digest
// handle, the trust root provides one per host.
type AggregateFunc func(h *digest.Handle) ([]byte, error)

// ExtendFunc pushes an admitted event at the hardware trust chain
type ExtendFunc func(ev *event.Event)

// Point is one member of the coefficient set.  Identity is byte equality
// on the coefficient; a point inserted after seal carries Valid=false.
type Point struct {
	Coefficient []byte
	Valid       bool
	Count       uint64
}

// Model is the per-domain state machine.  The coefficient set keeps
// insertion order so the canonical state walk can snapshot a stable
// prefix; measurement is order sensitive, state is not.
type Model struct {
	h    *digest.Handle
	base []byte

	ptLock      sync.Mutex
	points      map[string]*Point
	order       []*Point
	measurement []byte
	state       []byte
	haveAgg     bool
	extended    bool

	trajLock   sync.Mutex
	trajectory []*event.Event

	forLock   sync.Mutex
	forensics []*event.Event

	pseudonymMtx sync.Mutex
	pseudonyms   map[string]bool

	aggregate AggregateFunc
	extend    ExtendFunc
	mags      *magazine.Magazine[Point]
}

// New builds an empty model for the given digest handle.  The aggregate
// source seeds the first synthetic event and the state computation; the
// extend callback, when non-nil, fires once on the first admitted event.
func New(h *digest.Handle, magSize int, lg *log.Logger, tag string, agg AggregateFunc, ext ExtendFunc) (*Model, error) {
	mags, err := magazine.New[Point](magSize, lg, tag)
	if err != nil {
		return nil, err
	}
	return &Model{
		h:           h,
		base:        make([]byte, h.Size()),
		measurement: make([]byte, h.Size()),
		state:       make([]byte, h.Size()),
		points:      make(map[string]*Point),
		pseudonyms:  make(map[string]bool),
		aggregate:   agg,
		extend:      ext,
		mags:        mags,
	}, nil
}

// chain folds a coefficient into a running digest as
// H( cur || H(base || mu) ), the base point domain-separates identical
// coefficients across domains.
func (m *Model) chain(cur, mu []byte) []byte {
	s := m.h.Stream()
	s.Update(m.base)
	inner := s.Finup(mu)
	s = m.h.Stream()
	s.Update(cur)
	return s.Finup(inner)
}

// LoadBase sets the per-domain base point, no chaining occurs
func (m *Model) LoadBase(d []byte) error {
	if len(d) != m.h.Size() {
		return ErrBadDigestSize
	}
	m.ptLock.Lock()
	m.base = append([]byte(nil), d...)
	m.ptLock.Unlock()
	return nil
}

// AddAggregate injects the platform aggregate as the synthetic first
// event of the model.  It is idempotent.
func (m *Model) AddAggregate() error {
	m.ptLock.Lock()
	defer m.ptLock.Unlock()
	return m.addAggregateLocked()
}

func (m *Model) addAggregateLocked() error {
	if m.haveAgg {
		return nil
	}
	if m.aggregate == nil {
		return ErrNoAggregate
	}
	agg, err := m.aggregate(m.h)
	if err != nil {
		return err
	}
	m.haveAgg = true
	if _, ok := m.points[string(agg)]; ok {
		return nil
	}
	m.measurement = m.chain(m.measurement, agg)
	m.insertLocked(agg, true, 0, false)
	return nil
}

// insertLocked adds a novel coefficient to the set, the caller holds the
// point lock and has verified novelty.  The point structure comes from
// the magazine when the caller cannot sleep.
func (m *Model) insertLocked(mu []byte, valid bool, count uint64, locked bool) *Point {
	p := m.mags.Acquire(locked)
	if p == nil {
		return nil
	}
	p.Coefficient = append([]byte(nil), mu...)
	p.Valid = valid
	p.Count = count
	m.points[string(p.Coefficient)] = p
	m.order = append(m.order, p)
	return p
}

// LoadPoint admits a known-trusted coefficient into an unsealed model,
// folding it into the measurement.  The first load also injects the
// platform aggregate.
func (m *Model) LoadPoint(mu []byte) error {
	if len(mu) != m.h.Size() {
		return ErrBadDigestSize
	}
	m.ptLock.Lock()
	defer m.ptLock.Unlock()
	if !m.haveAgg && m.aggregate != nil {
		if err := m.addAggregateLocked(); err != nil {
			return err
		}
	}
	if _, ok := m.points[string(mu)]; ok {
		return nil
	}
	m.measurement = m.chain(m.measurement, mu)
	if p := m.insertLocked(mu, true, 0, false); p == nil {
		return ErrOutOfMemory
	}
	return nil
}

// LoadPseudonym installs a pseudonym digest, duplicates are a no-op
func (m *Model) LoadPseudonym(d []byte) error {
	if len(d) != m.h.Size() {
		return ErrBadDigestSize
	}
	m.pseudonymMtx.Lock()
	m.pseudonyms[string(d)] = true
	m.pseudonymMtx.Unlock()
	return nil
}

// HasPseudonym reports whether the model holds a pseudonym matching the
// file's pathname.
func (m *Model) HasPseudonym(fp *event.FileParams) bool {
	if fp == nil {
		return false
	}
	m.pseudonymMtx.Lock()
	defer m.pseudonymMtx.Unlock()
	if len(m.pseudonyms) == 0 {
		return false
	}
	d := event.PseudonymDigest(m.h, fp.Path)
	return m.pseudonyms[string(d)]
}

// Event is the hot path.  A duplicate coefficient bumps its count and
// only degrades trust if the point was forensic; a novel coefficient is
// folded into the measurement and then admitted to the trajectory or, in
// a sealed domain, captured as forensics with the caller untrusted.
func (m *Model) Event(ev *event.Event, sealed bool) (event.TrustStatus, error) {
	mu := ev.Coefficient
	if len(mu) != m.h.Size() {
		return event.StatusUntrusted, ErrBadDigestSize
	}
	m.ptLock.Lock()
	if p, ok := m.points[string(mu)]; ok {
		p.Count++
		valid := p.Valid
		m.ptLock.Unlock()
		if !valid {
			return event.StatusUntrusted, nil
		}
		return event.StatusTrusted, nil
	}
	m.measurement = m.chain(m.measurement, mu)
	if sealed {
		if p := m.insertLocked(mu, false, 1, ev.Locked); p == nil {
			m.ptLock.Unlock()
			return event.StatusUntrusted, ErrOutOfMemory
		}
		m.ptLock.Unlock()
		ev.Ref()
		m.forLock.Lock()
		m.forensics = append(m.forensics, ev)
		m.forLock.Unlock()
		return event.StatusUntrusted, nil
	}
	if p := m.insertLocked(mu, true, 1, ev.Locked); p == nil {
		m.ptLock.Unlock()
		return event.StatusUntrusted, ErrOutOfMemory
	}
	first := !m.extended
	m.extended = true
	m.ptLock.Unlock()
	ev.Ref()
	m.trajLock.Lock()
	m.trajectory = append(m.trajectory, ev)
	m.trajLock.Unlock()
	if first && m.extend != nil {
		m.extend(ev)
	}
	return event.StatusTrusted, nil
}

// ComputeState computes the canonical order-independent state digest:
// a seed over the base and platform aggregate, then a chain over the
// coefficient set sorted byte-lexicographically.  The walk covers only
// the snapshot taken under the point lock.  A failure poisons the state
// to all zeroes.
func (m *Model) ComputeState() ([]byte, error) {
	var agg []byte
	var err error
	if m.aggregate == nil {
		err = ErrNoAggregate
	} else {
		agg, err = m.aggregate(m.h)
	}
	if err != nil {
		m.ptLock.Lock()
		m.state = make([]byte, m.h.Size())
		m.ptLock.Unlock()
		return nil, err
	}
	m.ptLock.Lock()
	snap := make([][]byte, len(m.order))
	for i, p := range m.order {
		snap[i] = p.Coefficient
	}
	base := m.base
	m.ptLock.Unlock()

	zero := make([]byte, m.h.Size())
	seed := m.h.Sum(zero)
	s := m.h.Stream()
	s.Update(base)
	inner := s.Finup(agg)
	s = m.h.Stream()
	s.Update(seed)
	state := s.Finup(inner)

	sort.Slice(snap, func(i, j int) bool {
		return bytes.Compare(snap[i], snap[j]) < 0
	})
	for _, mu := range snap {
		st := m.h.Stream()
		st.Update(base)
		inner = st.Finup(mu)
		st = m.h.Stream()
		st.Update(state)
		state = st.Finup(inner)
	}
	m.ptLock.Lock()
	m.state = state
	m.ptLock.Unlock()
	return state, nil
}

// Measurement hands back a copy of the rolling measurement digest
func (m *Model) Measurement() []byte {
	m.ptLock.Lock()
	defer m.ptLock.Unlock()
	return append([]byte(nil), m.measurement...)
}

// State hands back a copy of the last computed canonical state
func (m *Model) State() []byte {
	m.ptLock.Lock()
	defer m.ptLock.Unlock()
	return append([]byte(nil), m.state...)
}

// Base hands back a copy of the base point
func (m *Model) Base() []byte {
	m.ptLock.Lock()
	defer m.ptLock.Unlock()
	return append([]byte(nil), m.base...)
}

// Count reports the coefficient set cardinality
func (m *Model) Count() int {
	m.ptLock.Lock()
	defer m.ptLock.Unlock()
	return len(m.order)
}

// Points snapshots the coefficient set in insertion order
func (m *Model) Points() []Point {
	m.ptLock.Lock()
	defer m.ptLock.Unlock()
	r := make([]Point, len(m.order))
	for i, p := range m.order {
		r[i] = Point{
			Coefficient: append([]byte(nil), p.Coefficient...),
			Valid:       p.Valid,
			Count:       p.Count,
		}
	}
	return r
}

// Lookup finds a point by coefficient
func (m *Model) Lookup(mu []byte) (Point, bool) {
	m.ptLock.Lock()
	defer m.ptLock.Unlock()
	p, ok := m.points[string(mu)]
	if !ok {
		return Point{}, false
	}
	return Point{
		Coefficient: append([]byte(nil), p.Coefficient...),
		Valid:       p.Valid,
		Count:       p.Count,
	}, true
}

// Trajectory snapshots the admitted event list in admission order
func (m *Model) Trajectory() []*event.Event {
	m.trajLock.Lock()
	defer m.trajLock.Unlock()
	return append([]*event.Event(nil), m.trajectory...)
}

// Forensics snapshots the rejected event list in rejection order
func (m *Model) Forensics() []*event.Event {
	m.forLock.Lock()
	defer m.forLock.Unlock()
	return append([]*event.Event(nil), m.forensics...)
}

// PseudonymCount reports how many pseudonyms are installed
func (m *Model) PseudonymCount() int {
	m.pseudonymMtx.Lock()
	defer m.pseudonymMtx.Unlock()
	return len(m.pseudonyms)
}

// Close releases every retained event and point and stops the magazine
// worker, it is invoked from domain teardown.
func (m *Model) Close() error {
	m.trajLock.Lock()
	traj := m.trajectory
	m.trajectory = nil
	m.trajLock.Unlock()
	for _, ev := range traj {
		ev.Release()
	}
	m.forLock.Lock()
	fors := m.forensics
	m.forensics = nil
	m.forLock.Unlock()
	for _, ev := range fors {
		ev.Release()
	}
	m.ptLock.Lock()
	order := m.order
	m.order = nil
	m.points = make(map[string]*Point)
	m.ptLock.Unlock()
	for _, p := range order {
		m.mags.Free(p)
	}
	return m.mags.Close()
}
