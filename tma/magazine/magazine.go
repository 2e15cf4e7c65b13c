/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package magazine implements a fixed-capacity cache of pre-zeroed objects
// that can be drawn from non-sleeping contexts.  Each taken slot is handed
// to a background worker for replenishment, so a magazine under steady load
// keeps serving as long as the worker gets cycles between bursts.
package magazine

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/trustmodel/trustmodel/tma/log"
)

const (
	//sanity cap, nobody needs a bigger atomic-context cache than this
	ABSOLUTE_MAX_MAGAZINE_SIZE int = 0xffff

	wordBits = 64
)

var (
	ErrInvalidSize = errors.New("Invalid magazine size")
	ErrClosed      = errors.New("Magazine is closed")
)

// Magazine is a fixed pool of preallocated objects of type T.  The slot
// bitmap is manipulated with per-word atomics; a set bit means the slot is
// reserved and awaiting refill.  The object install in the refill worker
// happens before the bit clear that republishes the slot.
type Magazine[T any] struct {
	tag    string
	size   int
	slots  []atomic.Pointer[T]
	bits   []atomic.Uint64
	refill chan int
	pool   sync.Pool
	warn   *rate.Limiter
	lg     *log.Logger
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New builds a magazine of the given immutable size.  The tag shows up in
// exhaustion warnings, callers typically bake the owning domain id into it.
func New[T any](size int, lg *log.Logger, tag string) (*Magazine[T], error) {
	if size < 1 || size > ABSOLUTE_MAX_MAGAZINE_SIZE {
		return nil, ErrInvalidSize
	}
	if lg == nil {
		lg = log.NewDiscard()
	}
	m := &Magazine[T]{
		tag:    tag,
		size:   size,
		slots:  make([]atomic.Pointer[T], size),
		bits:   make([]atomic.Uint64, (size+wordBits-1)/wordBits),
		refill: make(chan int, size),
		warn:   rate.NewLimiter(rate.Limit(1), 1),
		lg:     lg,
		done:   make(chan struct{}),
	}
	m.pool.New = func() interface{} {
		return new(T)
	}
	for i := 0; i < size; i++ {
		m.slots[i].Store(m.pool.Get().(*T))
	}
	m.wg.Add(1)
	go m.refillRoutine()
	return m, nil
}

// Size returns the immutable capacity of the magazine
func (m *Magazine[T]) Size() int {
	return m.size
}

// Acquire hands back a zeroed object.  Callers that may sleep allocate
// directly from the backing pool; locked callers draw from the magazine
// and may get nil if every slot is reserved and the refill worker has not
// caught up.
func (m *Magazine[T]) Acquire(locked bool) *T {
	if m.closed.Load() {
		return nil
	}
	if !locked {
		return m.pool.Get().(*T)
	}
	for w := range m.bits {
		base := w * wordBits
		for {
			v := m.bits[w].Load()
			if v == ^uint64(0) {
				break //word is full
			}
			var bit int
			for bit = 0; bit < wordBits; bit++ {
				if base+bit >= m.size {
					bit = wordBits
					break
				}
				if v&(uint64(1)<<uint(bit)) == 0 {
					break
				}
			}
			if bit == wordBits {
				break
			}
			mask := uint64(1) << uint(bit)
			if !m.bits[w].CompareAndSwap(v, v|mask) {
				continue //lost the race, rescan the word
			}
			idx := base + bit
			obj := m.slots[idx].Swap(nil)
			if obj == nil {
				//the bit was stale, push the slot at the worker and move on
				m.queueRefill(idx)
				continue
			}
			m.queueRefill(idx)
			return obj
		}
	}
	m.warnExhausted()
	return nil
}

// Free returns an object to the backing pool, zeroed.  Objects never go
// back into a magazine slot directly.
func (m *Magazine[T]) Free(obj *T) {
	if obj == nil {
		return
	}
	var zero T
	*obj = zero
	m.pool.Put(obj)
}

// Close stops the refill worker.  Outstanding objects stay valid, further
// locked acquires return nil.
func (m *Magazine[T]) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	close(m.done)
	m.wg.Wait()
	return nil
}

func (m *Magazine[T]) queueRefill(idx int) {
	select {
	case m.refill <- idx:
	default:
		//channel capacity equals slot count, this cannot hit unless a
		//slot got queued twice, drop it and let the bit stay reserved
	}
}

func (m *Magazine[T]) refillRoutine() {
	defer m.wg.Done()
	for {
		select {
		case idx := <-m.refill:
			m.slots[idx].Store(m.pool.Get().(*T))
			w := idx / wordBits
			mask := uint64(1) << uint(idx%wordBits)
			m.bits[w].And(^mask)
		case <-m.done:
			return
		}
	}
}

func (m *Magazine[T]) warnExhausted() {
	if !m.warn.Allow() {
		return
	}
	m.lg.Warn("magazine exhausted",
		log.KV("comm", comm()),
		log.KV("magazine", m.tag))
}

func comm() string {
	if args := os.Args; len(args) > 0 {
		c := filepath.Base(args[0])
		if len(c) > 16 {
			c = c[0:16]
		}
		return c
	}
	return ``
}
