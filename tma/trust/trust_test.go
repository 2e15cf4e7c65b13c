/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package trust

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/trustmodel/trustmodel/tma/digest"
	"github.com/trustmodel/trustmodel/tma/event"
)

type extension struct {
	bank Bank
	idx  int
	d    []byte
}

type fakeChip struct {
	mtx     sync.Mutex
	banks   []Bank
	pcrs    map[int][]byte
	extends []extension
}

func newFakeChip() *fakeChip {
	c := &fakeChip{
		banks: []Bank{
			{Alg: `sha256`, Size: 32},
			{Alg: `sha1`, Size: 20},
		},
		pcrs: make(map[int][]byte),
	}
	for i := 0; i < aggregatePCRs; i++ {
		v := make([]byte, 32)
		v[0] = byte(i + 1)
		c.pcrs[i] = v
	}
	return c
}

func (c *fakeChip) Banks() []Bank {
	return c.banks
}

func (c *fakeChip) ReadPCR(bank Bank, idx int) ([]byte, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	v, ok := c.pcrs[idx]
	if !ok {
		return nil, fmt.Errorf("no pcr %d", idx)
	}
	return append([]byte(nil), v...), nil
}

func (c *fakeChip) ExtendPCR(bank Bank, idx int, d []byte) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.extends = append(c.extends, extension{bank, idx, append([]byte(nil), d...)})
	return nil
}

func (c *fakeChip) extensions() []extension {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]extension(nil), c.extends...)
}

func testEvent(t *testing.T, h *digest.Handle, name string) *event.Event {
	t.Helper()
	tsk := event.Task{PID: 9, StartTime: 3, Comm: `t`}
	ev, err := event.New(event.GenericEvent, event.Params{Task: tsk, Generic: name},
		false, event.Options{Handle: h})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = event.NewMapper(h).Map(ev); err != nil {
		t.Fatal(err)
	}
	return ev
}

func TestAggregateChain(t *testing.T) {
	h, err := digest.New(`sha256`)
	if err != nil {
		t.Fatal(err)
	}
	chip := newFakeChip()
	r := NewRoot(chip, DefaultPCRIndex, nil)
	defer r.Close()
	agg, err := r.Aggregate(h)
	if err != nil {
		t.Fatal(err)
	}
	want := make([]byte, h.Size())
	for i := 0; i < aggregatePCRs; i++ {
		s := h.Stream()
		s.Update(want)
		want = s.Finup(chip.pcrs[i])
	}
	if !bytes.Equal(agg, want) {
		t.Fatal("aggregate chain mismatch")
	}
}

func TestAggregateMemoized(t *testing.T) {
	h, err := digest.New(`sha256`)
	if err != nil {
		t.Fatal(err)
	}
	chip := newFakeChip()
	r := NewRoot(chip, DefaultPCRIndex, nil)
	defer r.Close()
	a1, err := r.Aggregate(h)
	if err != nil {
		t.Fatal(err)
	}
	//mutate the hardware, the memoized value must hold
	chip.mtx.Lock()
	chip.pcrs[0][0] = 0xff
	chip.mtx.Unlock()
	a2, err := r.Aggregate(h)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a1, a2) {
		t.Fatal("aggregate was recomputed")
	}
}

func TestAggregateNoHardware(t *testing.T) {
	h, err := digest.New(`sha256`)
	if err != nil {
		t.Fatal(err)
	}
	r := NewRoot(NullChip{}, DefaultPCRIndex, nil)
	defer r.Close()
	agg, err := r.Aggregate(h)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(agg, make([]byte, h.Size())) {
		t.Fatal("absent hardware should yield the zero aggregate")
	}
}

func TestExtendOrdering(t *testing.T) {
	h, err := digest.New(`sha256`)
	if err != nil {
		t.Fatal(err)
	}
	chip := newFakeChip()
	r := NewRoot(chip, DefaultPCRIndex, nil)
	events := []*event.Event{
		testEvent(t, h, `one`),
		testEvent(t, h, `two`),
		testEvent(t, h, `three`),
	}
	for _, ev := range events {
		r.Extend(ev)
	}
	r.Close()
	exts := chip.extensions()
	//every event extends both banks in order
	if len(exts) != 2*len(events) {
		t.Fatalf("extension count %d != %d", len(exts), 2*len(events))
	}
	for i, ev := range events {
		sha256Ext := exts[2*i]
		sha1Ext := exts[2*i+1]
		if sha256Ext.idx != DefaultPCRIndex {
			t.Fatalf("bad pcr index %d", sha256Ext.idx)
		}
		if !bytes.Equal(sha256Ext.d, ev.Coefficient) {
			t.Fatalf("extension %d out of order", i)
		}
		if len(sha1Ext.d) != 20 {
			t.Fatalf("sha1 bank extension size %d", len(sha1Ext.d))
		}
		if !bytes.Equal(sha1Ext.d, ev.Coefficient[:20]) {
			t.Fatalf("sha1 bank extension not truncated from the coefficient")
		}
	}
}

func TestExtendRetainsEvent(t *testing.T) {
	h, err := digest.New(`sha256`)
	if err != nil {
		t.Fatal(err)
	}
	chip := newFakeChip()
	r := NewRoot(chip, DefaultPCRIndex, nil)
	ev := testEvent(t, h, `retained`)
	freed := make(chan struct{})
	ev.SetFree(func(*event.Event) {
		close(freed)
	})
	r.Extend(ev)
	ev.Release() //drop the constructor reference, the worker holds its own
	select {
	case <-freed:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never released the event")
	}
	r.Close()
}

func TestFit(t *testing.T) {
	d := []byte{1, 2, 3, 4}
	if got := fit(d, 2); !bytes.Equal(got, []byte{1, 2}) {
		t.Fatal("truncation failed")
	}
	if got := fit(d, 6); !bytes.Equal(got, []byte{1, 2, 3, 4, 0, 0}) {
		t.Fatal("zero padding failed")
	}
}
