/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package event carries the security event descriptor and the canonical
// mapper that turns a descriptor into its coefficient.  A descriptor holds
// the caller's context of execution, the action cell for the hook, and an
// optional file identity block; descriptors are shared across model lists
// and export queues via an explicit reference count.
package event

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/trustmodel/trustmodel/tma/digest"
)

const (
	CommLen = 16
)

var (
	ErrUnknownType   = errors.New("Unknown event type")
	ErrMissingParams = errors.New("Missing event parameters")
	ErrNoCoefficient = errors.New("Event has not been mapped")
)

type Type uint16

const (
	FileOpen Type = iota
	BprmSetCreds
	MmapFile
	SocketCreate
	SocketConnect
	SocketBind
	SocketAccept
	TaskKill
	GenericEvent
)

var typeNames = map[Type]string{
	FileOpen:      `file_open`,
	BprmSetCreds:  `bprm_set_creds`,
	MmapFile:      `mmap_file`,
	SocketCreate:  `socket_create`,
	SocketConnect: `socket_connect`,
	SocketBind:    `socket_bind`,
	SocketAccept:  `socket_accept`,
	TaskKill:      `task_kill`,
	GenericEvent:  `generic_event`,
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return `unknown`
}

func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// ParseType resolves a canonical event type name
func ParseType(v string) (Type, error) {
	for t, n := range typeNames {
		if n == v {
			return t, nil
		}
	}
	return 0, ErrUnknownType
}

// COE is the caller's context of execution: the eight credential ids after
// namespace translation plus the effective capability mask.
type COE struct {
	UID    uint32
	EUID   uint32
	SUID   uint32
	GID    uint32
	EGID   uint32
	SGID   uint32
	FSUID  uint32
	FSGID  uint32
	CapEff uint64
}

// canon writes the fixed little-endian layout of the COE
func (c COE) canon(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, c.UID)
	buf = binary.LittleEndian.AppendUint32(buf, c.EUID)
	buf = binary.LittleEndian.AppendUint32(buf, c.SUID)
	buf = binary.LittleEndian.AppendUint32(buf, c.GID)
	buf = binary.LittleEndian.AppendUint32(buf, c.EGID)
	buf = binary.LittleEndian.AppendUint32(buf, c.SGID)
	buf = binary.LittleEndian.AppendUint32(buf, c.FSUID)
	buf = binary.LittleEndian.AppendUint32(buf, c.FSGID)
	buf = binary.LittleEndian.AppendUint64(buf, c.CapEff)
	return buf
}

// Translator maps credential ids through a user namespace.  The engine is
// handed one per domain; translation against the initial namespace is the
// identity map on most hosts.
type Translator interface {
	UID(current bool, id uint32) uint32
	GID(current bool, id uint32) uint32
}

// IdentityTranslator translates every id to itself
type IdentityTranslator struct{}

func (IdentityTranslator) UID(current bool, id uint32) uint32 { return id }
func (IdentityTranslator) GID(current bool, id uint32) uint32 { return id }

// Task identifies the calling task at hook time.  The hook dispatch layer
// fills this from the current task, tests fill it by hand.
type Task struct {
	PID       uint32
	StartTime uint64
	Comm      string
	UID       uint32
	EUID      uint32
	SUID      uint32
	GID       uint32
	EGID      uint32
	SGID      uint32
	FSUID     uint32
	FSGID     uint32
	CapEff    uint64
}

// ID derives the stable per-task identity digest
func (t Task) ID(h *digest.Handle) []byte {
	s := h.Stream()
	var hdr [16]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(t.PID))
	binary.LittleEndian.PutUint64(hdr[8:16], t.StartTime)
	s.Update(hdr[:])
	return s.Finup([]byte(t.Comm))
}

// Params bundles the hook arguments for descriptor construction, exactly
// one of the action members is consulted based on the event type.
type Params struct {
	Task    Task
	File    *FileParams
	Mmap    *MmapParams
	Socket  *SocketParams
	Kill    *KillParams
	Generic string
}

// Options configure construction for the owning domain
type Options struct {
	Handle       *digest.Handle
	Translator   Translator
	UseCurrentNS bool
	// HasPseudonym reports whether the domain holds a pseudonym for the
	// given file, nil means no pseudonyms are installed
	HasPseudonym func(fp *FileParams) bool
}

// Event is the full descriptor for one security relevant operation.
type Event struct {
	Type        Type
	PID         uint32
	Comm        [CommLen]byte
	TaskID      []byte
	COE         COE
	Cell        Cell
	Path        string
	Locked      bool
	Coefficient []byte

	digestSize int
	refs       int32
	free       func(*Event)
}

// New constructs a descriptor for the given hook.  The caller context is
// captured immediately, the cell is built per event type, and file bearing
// events resolve their content digest through the inode cache.
func New(typ Type, p Params, locked bool, opt Options) (*Event, error) {
	ev := &Event{}
	if err := Init(ev, typ, p, locked, opt); err != nil {
		return nil, err
	}
	return ev, nil
}

// Init populates a caller supplied descriptor, the domain layer feeds it
// structures drawn from the event magazine.
func Init(ev *Event, typ Type, p Params, locked bool, opt Options) error {
	if !typ.Valid() {
		return ErrUnknownType
	}
	if opt.Handle == nil {
		return ErrMissingParams
	}
	tr := opt.Translator
	if tr == nil {
		tr = IdentityTranslator{}
	}
	ev.Type = typ
	ev.PID = p.Task.PID
	ev.Locked = locked
	ev.digestSize = opt.Handle.Size()
	copy(ev.Comm[:], p.Task.Comm)
	ev.TaskID = p.Task.ID(opt.Handle)
	ev.COE = COE{
		UID:    tr.UID(opt.UseCurrentNS, p.Task.UID),
		EUID:   tr.UID(opt.UseCurrentNS, p.Task.EUID),
		SUID:   tr.UID(opt.UseCurrentNS, p.Task.SUID),
		GID:    tr.GID(opt.UseCurrentNS, p.Task.GID),
		EGID:   tr.GID(opt.UseCurrentNS, p.Task.EGID),
		SGID:   tr.GID(opt.UseCurrentNS, p.Task.SGID),
		FSUID:  tr.UID(opt.UseCurrentNS, p.Task.FSUID),
		FSGID:  tr.GID(opt.UseCurrentNS, p.Task.FSGID),
		CapEff: p.Task.CapEff,
	}
	cell, path, err := buildCell(typ, p, opt)
	if err != nil {
		return err
	}
	ev.Cell = cell
	ev.Path = path
	atomic.StoreInt32(&ev.refs, 1)
	return nil
}

// Ref takes an additional reference on the event
func (ev *Event) Ref() {
	atomic.AddInt32(&ev.refs, 1)
}

// SetFree installs the destructor invoked when the last reference drops,
// magazine backed events hand themselves back to their pool with it.
func (ev *Event) SetFree(f func(*Event)) {
	ev.free = f
}

// Release drops a reference, returning true when the caller held the last
// one; the destructor, if any, runs at that point.
func (ev *Event) Release() bool {
	if atomic.AddInt32(&ev.refs, -1) != 0 {
		return false
	}
	if f := ev.free; f != nil {
		ev.free = nil
		f(ev)
	}
	return true
}

// DigestSize reports the coefficient width for the owning domain
func (ev *Event) DigestSize() int {
	return ev.digestSize
}

// CommString renders the fixed-width comm field without trailing zeroes
func (ev *Event) CommString() string {
	for i, b := range ev.Comm {
		if b == 0 {
			return string(ev.Comm[:i])
		}
	}
	return string(ev.Comm[:])
}

// String renders the stable single-line trajectory form of the event
func (ev *Event) String() string {
	s := fmt.Sprintf("%s pid=%d comm=%s coefficient=%s",
		ev.Type, ev.PID, ev.CommString(), digest.Encode(ev.Coefficient))
	if ev.Path != `` {
		s += fmt.Sprintf(" path=%s", ev.Path)
	}
	return s
}
