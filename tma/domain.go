/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package tma is the trusted modeling agent: it owns modeling domains,
// routes security hook events through the coefficient mapper into either
// the in-kernel style model or an external export queue, and manages the
// domain registry with its monotonic id space and authentication keys.
package tma

import (
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/trustmodel/trustmodel/tma/digest"
	"github.com/trustmodel/trustmodel/tma/event"
	"github.com/trustmodel/trustmodel/tma/log"
	"github.com/trustmodel/trustmodel/tma/magazine"
	"github.com/trustmodel/trustmodel/tma/model"
	"github.com/trustmodel/trustmodel/tma/trust"
)

const (
	Internal DomainType = iota
	External
)

const (
	NSInitial NSRef = iota
	NSCurrent
)

const (
	DefaultMagazineSize = 96
)

type DomainType int

func (t DomainType) String() string {
	if t == External {
		return `external`
	}
	return `internal`
}

type NSRef int

// DomainConfig carries the control-surface arguments for domain creation
type DomainConfig struct {
	Type         DomainType
	DigestName   string
	NS           NSRef
	AuthKeyHex   string
	MagazineSize int
	Actions      ActionTable
}

// Domain is one modeling namespace, either internal (adjudicated by the
// in-engine model) or external (streamed to an orchestrator).
type Domain struct {
	id     uint64
	uuid   uuid.UUID
	typ    DomainType
	useCur bool
	sealed atomic.Bool
	kref   atomic.Int32

	h      *digest.Handle
	zero   []byte
	mapper event.Mapper

	actMtx  sync.Mutex
	actions ActionTable

	mdl    *model.Model
	ext    *external
	evMags *magazine.Magazine[event.Event]

	eng *Engine
}

// Engine is the guarded domain registry plus the shared collaborators:
// the trust root, the namespace translator and the logger.  Domain ids
// are monotonic under the registry mutex, which also guards the live
// authentication key table.
type Engine struct {
	mtx     sync.Mutex
	nextID  uint64
	domains map[uint64]*Domain
	keys    map[string]*Domain

	root       *trust.Root
	translator event.Translator
	lg         *log.Logger
}

// NewEngine builds an engine around a trust root.  A nil root degrades
// to the null chip, a nil logger discards.
func NewEngine(root *trust.Root, translator event.Translator, lg *log.Logger) *Engine {
	if lg == nil {
		lg = log.NewDiscard()
	}
	if root == nil {
		root = trust.NewRoot(trust.NullChip{}, trust.DefaultPCRIndex, lg)
	}
	if translator == nil {
		translator = event.IdentityTranslator{}
	}
	return &Engine{
		domains:    make(map[uint64]*Domain),
		keys:       make(map[string]*Domain),
		root:       root,
		translator: translator,
		lg:         lg,
	}
}

// NewDomain creates a modeling domain.  Internal domains get a model
// seeded with the platform aggregate; external domains derive their
// authentication key and queue the aggregate export record.  A configured
// action table is used as is; otherwise the parent, when given, donates
// its per-event action table.
func (e *Engine) NewDomain(cfg DomainConfig, parent *Domain) (*Domain, error) {
	h, err := digest.New(cfg.DigestName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	size := cfg.MagazineSize
	if size <= 0 {
		size = DefaultMagazineSize
	}
	d := &Domain{
		uuid:   uuid.New(),
		typ:    cfg.Type,
		useCur: cfg.NS == NSCurrent,
		h:      h,
		zero:   h.Zero(),
		mapper: event.NewMapper(h),
		eng:    e,
	}
	d.kref.Store(1)
	switch {
	case cfg.Actions != nil:
		d.actions = cfg.Actions.Clone()
	case parent != nil:
		d.actions = parent.CloneActions()
	default:
		d.actions = make(ActionTable)
	}

	tag := fmt.Sprintf("%s/%s", cfg.Type, d.uuid)
	if d.evMags, err = magazine.New[event.Event](size, e.lg, tag+`/event`); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case Internal:
		var ext model.ExtendFunc
		if parent != nil {
			ext = e.root.Extend
		}
		d.mdl, err = model.New(h, size, e.lg, tag+`/point`, e.root.Aggregate, ext)
		if err != nil {
			d.evMags.Close()
			return nil, err
		}
		if err = d.mdl.AddAggregate(); err != nil {
			d.rollback()
			return nil, err
		}
	case External:
		var key []byte
		if key, err = d.deriveAuthKey(cfg.AuthKeyHex); err != nil {
			d.evMags.Close()
			return nil, err
		}
		var recMags *magazine.Magazine[Record]
		if recMags, err = magazine.New[Record](size, e.lg, tag+`/export`); err != nil {
			d.evMags.Close()
			return nil, err
		}
		d.ext = newExternal(2*size, recMags)
		d.ext.authKey = key
		var agg []byte
		if agg, err = e.root.Aggregate(h); err != nil {
			d.rollback()
			return nil, err
		}
		if err = d.exportAggregate(agg); err != nil {
			d.rollback()
			return nil, err
		}
	default:
		d.evMags.Close()
		return nil, ErrInvalidArgument
	}

	e.mtx.Lock()
	if d.ext != nil {
		if _, ok := e.keys[string(d.ext.authKey)]; ok {
			e.mtx.Unlock()
			d.rollback()
			return nil, ErrKeyCollision
		}
		e.keys[string(d.ext.authKey)] = d
	}
	e.nextID++
	d.id = e.nextID
	e.domains[d.id] = d
	e.mtx.Unlock()

	e.lg.Info("domain created",
		log.KV("id", d.id),
		log.KV("uuid", d.uuid),
		log.KV("type", d.typ),
		log.KV("digest", cfg.DigestName))
	return d, nil
}

// deriveAuthKey validates the configured hex key and strengthens it with
// a random task key: key = H(task_key || decode_hex(auth)).
func (d *Domain) deriveAuthKey(authHex string) ([]byte, error) {
	if len(authHex) != 2*d.h.Size() {
		return nil, fmt.Errorf("%w: auth key must be %d hex characters",
			ErrInvalidArgument, 2*d.h.Size())
	}
	raw, err := digest.Decode(authHex, d.h.Size())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	taskKey := make([]byte, d.h.Size())
	if _, err = rand.Read(taskKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	s := d.h.Stream()
	s.Update(taskKey)
	return s.Finup(raw), nil
}

// rollback tears down a partially constructed domain
func (d *Domain) rollback() {
	if d.mdl != nil {
		d.mdl.Close()
	}
	if d.ext != nil {
		d.ext.drain()
		d.ext.mags.Close()
	}
	if d.evMags != nil {
		d.evMags.Close()
	}
}

// ID is the monotonic domain id assigned at creation
func (d *Domain) ID() uint64 {
	return d.id
}

// UUID is the stable external identity of the domain
func (d *Domain) UUID() uuid.UUID {
	return d.uuid
}

func (d *Domain) Type() DomainType {
	return d.typ
}

// DigestName reports the configured hash primitive
func (d *Domain) DigestName() string {
	return d.h.Name()
}

// ZeroDigest is the digest of empty input under the domain's primitive
func (d *Domain) ZeroDigest() []byte {
	return d.zero
}

// Model exposes the internal model query surface
func (d *Domain) Model() (*model.Model, error) {
	if d.mdl == nil {
		return nil, ErrNotInternal
	}
	return d.mdl, nil
}

// LoadBase sets the model base point of an internal domain
func (d *Domain) LoadBase(v []byte) error {
	if d.mdl == nil {
		return ErrNotInternal
	}
	return d.mdl.LoadBase(v)
}

// LoadPoint admits a known-trusted coefficient into an internal domain
func (d *Domain) LoadPoint(mu []byte) error {
	if d.mdl == nil {
		return ErrNotInternal
	}
	return d.mdl.LoadPoint(mu)
}

// LoadPseudonym installs a file pseudonym in an internal domain
func (d *Domain) LoadPseudonym(v []byte) error {
	if d.mdl == nil {
		return ErrNotInternal
	}
	return d.mdl.LoadPseudonym(v)
}

// Seal is the one-way transition after which novel coefficients are
// treated as policy violations.
func (d *Domain) Seal() {
	if d.sealed.CompareAndSwap(false, true) {
		d.eng.lg.Info("domain sealed", log.KV("id", d.id))
	}
}

func (d *Domain) Sealed() bool {
	return d.sealed.Load()
}

// SetAction overrides the disposition for one event type
func (d *Domain) SetAction(typ event.Type, act Action) {
	d.actMtx.Lock()
	d.actions[typ] = act
	d.actMtx.Unlock()
}

// Action looks up the disposition for an event type
func (d *Domain) Action(typ event.Type) Action {
	d.actMtx.Lock()
	defer d.actMtx.Unlock()
	return d.actions.Get(typ)
}

// CloneActions copies the table for inheritance into children
func (d *Domain) CloneActions() ActionTable {
	d.actMtx.Lock()
	defer d.actMtx.Unlock()
	return d.actions.Clone()
}

// Get takes an additional domain reference
func (d *Domain) Get() {
	d.kref.Add(1)
}

// Put drops a domain reference; the last release unregisters the domain
// and hands teardown to a worker that destroys retained events, points,
// pseudonyms, magazines and the digest handle binding.
func (d *Domain) Put() {
	if d.kref.Add(-1) != 0 {
		return
	}
	e := d.eng
	e.mtx.Lock()
	delete(e.domains, d.id)
	if d.ext != nil {
		delete(e.keys, string(d.ext.authKey))
	}
	e.mtx.Unlock()
	go func() {
		if d.mdl != nil {
			if err := d.mdl.Close(); err != nil {
				e.lg.Error("model teardown failed",
					log.KV("id", d.id), log.KV("error", err))
			}
		}
		if d.ext != nil {
			d.ext.drain()
			d.ext.mags.Close()
		}
		d.evMags.Close()
		e.lg.Info("domain released", log.KV("id", d.id))
	}()
}

// Domain looks a live domain up by id
func (e *Engine) Domain(id uint64) (*Domain, bool) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	d, ok := e.domains[id]
	return d, ok
}

// Domains snapshots the live domain set
func (e *Engine) Domains() []*Domain {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	r := make([]*Domain, 0, len(e.domains))
	for _, d := range e.domains {
		r = append(r, d)
	}
	return r
}

// Close releases the trust root; live domains keep working against the
// registry but no further extensions occur.
func (e *Engine) Close() error {
	return e.root.Close()
}
