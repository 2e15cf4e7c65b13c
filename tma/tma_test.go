/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tma

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/trustmodel/trustmodel/tma/digest"
	"github.com/trustmodel/trustmodel/tma/event"
)

const testAuthKey = `00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff`

func testEngine() *Engine {
	return NewEngine(nil, nil, nil)
}

func testTask() event.Task {
	return event.Task{
		PID:       555,
		StartTime: 42,
		Comm:      `worker`,
		UID:       1000,
		EUID:      1000,
		GID:       1000,
		EGID:      1000,
		FSUID:     1000,
		FSGID:     1000,
	}
}

func internalDomain(t *testing.T, e *Engine) *Domain {
	t.Helper()
	d, err := e.NewDomain(DomainConfig{
		Type:         Internal,
		DigestName:   `sha256`,
		MagazineSize: 8,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func externalDomain(t *testing.T, e *Engine) *Domain {
	t.Helper()
	d, err := e.NewDomain(DomainConfig{
		Type:         External,
		DigestName:   `sha256`,
		AuthKeyHex:   testAuthKey,
		MagazineSize: 8,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestDomainIDsMonotonic(t *testing.T) {
	e := testEngine()
	defer e.Close()
	d1 := internalDomain(t, e)
	d2 := internalDomain(t, e)
	if d2.ID() <= d1.ID() {
		t.Fatalf("ids are not monotonic: %d then %d", d1.ID(), d2.ID())
	}
	if d1.UUID() == d2.UUID() {
		t.Fatal("uuids collide")
	}
	if got, ok := e.Domain(d1.ID()); !ok || got != d1 {
		t.Fatal("registry lookup failed")
	}
}

func TestBadDomainConfig(t *testing.T) {
	e := testEngine()
	defer e.Close()
	if _, err := e.NewDomain(DomainConfig{Type: Internal, DigestName: `nope`}, nil); err == nil {
		t.Fatal("expected an error on an unknown digest")
	}
	if _, err := e.NewDomain(DomainConfig{
		Type:       External,
		DigestName: `sha256`,
		AuthKeyHex: `abcd`,
	}, nil); err == nil {
		t.Fatal("expected an error on a short auth key")
	}
	if _, err := e.NewDomain(DomainConfig{
		Type:       External,
		DigestName: `sha256`,
		AuthKeyHex: strings.Repeat(`zz`, 32),
	}, nil); err == nil {
		t.Fatal("expected an error on a non-hex auth key")
	}
}

// Two externals configured with the same key hex still get distinct
// derived keys, the random task key separates them.
func TestAuthKeyDerivation(t *testing.T) {
	e := testEngine()
	defer e.Close()
	d1 := externalDomain(t, e)
	d2 := externalDomain(t, e)
	if bytes.Equal(d1.ext.authKey, d2.ext.authKey) {
		t.Fatal("derived keys collide")
	}
}

func TestInternalHotPath(t *testing.T) {
	e := testEngine()
	defer e.Close()
	d := internalDomain(t, e)
	mdl, err := d.Model()
	if err != nil {
		t.Fatal(err)
	}
	//the aggregate point is injected at creation
	if mdl.Count() != 1 {
		t.Fatalf("fresh internal domain set cardinality %d != 1", mdl.Count())
	}
	p := event.Params{Task: testTask(), Generic: `probe`}
	st, err := d.HandleHook(context.Background(), event.GenericEvent, p, false)
	if err != nil || st != event.StatusTrusted {
		t.Fatalf("first hook: %v %v", st, err)
	}
	st, err = d.HandleHook(context.Background(), event.GenericEvent, p, false)
	if err != nil || st != event.StatusTrusted {
		t.Fatalf("duplicate hook: %v %v", st, err)
	}
	if mdl.Count() != 2 {
		t.Fatalf("set cardinality %d != 2", mdl.Count())
	}
	if len(mdl.Trajectory()) != 1 {
		t.Fatalf("trajectory length %d != 1", len(mdl.Trajectory()))
	}
}

func TestSealedDomainForensics(t *testing.T) {
	e := testEngine()
	defer e.Close()
	d := internalDomain(t, e)
	p := event.Params{Task: testTask(), Generic: `before`}
	if _, err := d.HandleHook(context.Background(), event.GenericEvent, p, false); err != nil {
		t.Fatal(err)
	}
	d.Seal()
	if !d.Sealed() {
		t.Fatal("seal did not take")
	}
	d.Seal() //one way, idempotent
	p2 := event.Params{Task: testTask(), Generic: `after`}
	st, err := d.HandleHook(context.Background(), event.GenericEvent, p2, false)
	if err != nil {
		t.Fatal(err)
	}
	if st != event.StatusUntrusted {
		t.Fatal("novel event in a sealed domain must be untrusted")
	}
	mdl, _ := d.Model()
	if len(mdl.Forensics()) != 1 {
		t.Fatalf("forensics length %d != 1", len(mdl.Forensics()))
	}
}

func TestExternalAggregateRecord(t *testing.T) {
	e := testEngine()
	defer e.Close()
	d := externalDomain(t, e)
	if d.Pending() != 1 {
		t.Fatalf("expected the aggregate record, pending %d", d.Pending())
	}
	var bb bytes.Buffer
	if err := d.Show(&bb); err != nil {
		t.Fatal(err)
	}
	out := bb.String()
	if !strings.HasPrefix(out, `{export: {type: aggregate, value: `) {
		t.Fatalf("bad aggregate record %q", out)
	}
}

func TestAsyncExport(t *testing.T) {
	e := testEngine()
	defer e.Close()
	d := externalDomain(t, e)
	p := event.Params{Task: testTask(), Generic: `locked-op`}
	st, err := d.HandleHook(context.Background(), event.GenericEvent, p, true)
	if err != nil {
		t.Fatal(err)
	}
	if st != event.StatusTrusted {
		t.Fatal("async export should not degrade trust")
	}
	if d.Pending() != 2 {
		t.Fatalf("pending %d != 2", d.Pending())
	}
	var bb bytes.Buffer
	if err = d.Show(&bb); err != nil { //aggregate
		t.Fatal(err)
	}
	bb.Reset()
	if err = d.Show(&bb); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(bb.String(), `{export: {type: async_event, event: generic_event`) {
		t.Fatalf("bad async record %q", bb.String())
	}
}

func TestSyncExportVerdict(t *testing.T) {
	e := testEngine()
	defer e.Close()
	d := externalDomain(t, e)
	type result struct {
		st  event.TrustStatus
		err error
	}
	rch := make(chan result, 1)
	go func() {
		p := event.Params{Task: testTask(), Generic: `sync-op`}
		st, err := d.HandleHook(context.Background(), event.GenericEvent, p, false)
		rch <- result{st, err}
	}()
	//drain the aggregate and the event record, then render the verdict
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var bb bytes.Buffer
	for i := 0; i < 2; i++ {
		if err := d.Wait(ctx); err != nil {
			t.Fatal(err)
		}
		if err := d.Show(&bb); err != nil {
			t.Fatal(err)
		}
	}
	if err := d.SetTrust(event.StatusTrusted); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-rch:
		if r.err != nil || r.st != event.StatusTrusted {
			t.Fatalf("sync caller: %v %v", r.st, r.err)
		}
	case <-ctx.Done():
		t.Fatal("sync caller never woke")
	}
	if err := d.SetTrust(event.StatusTrusted); err == nil {
		t.Fatal("expected an error with no pending caller")
	}
}

// Scenario: a fatal signal while trust pending forces the untrusted
// status and the exported record stays queued.
func TestSyncExportCancelled(t *testing.T) {
	e := testEngine()
	defer e.Close()
	d := externalDomain(t, e)
	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		st  event.TrustStatus
		err error
	}
	rch := make(chan result, 1)
	go func() {
		p := event.Params{Task: testTask(), Generic: `doomed-op`}
		st, err := d.HandleHook(ctx, event.GenericEvent, p, false)
		rch <- result{st, err}
	}()
	deadline := time.Now().Add(5 * time.Second)
	for d.Pending() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if d.Pending() != 2 {
		t.Fatal("event record never queued")
	}
	cancel()
	select {
	case r := <-rch:
		if r.st != event.StatusUntrusted {
			t.Fatalf("cancelled caller status %v", r.st)
		}
		if r.err != ErrCancelled {
			t.Fatalf("cancelled caller error %v", r.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller never woke")
	}
	if d.Pending() != 2 {
		t.Fatalf("record vanished on cancellation, pending %d", d.Pending())
	}
}

func TestDenyActionLogRecord(t *testing.T) {
	e := testEngine()
	defer e.Close()
	d := externalDomain(t, e)
	d.SetAction(event.GenericEvent, ActionDeny)
	p := event.Params{Task: testTask(), Generic: `denied-op`}
	if _, err := d.HandleHook(context.Background(), event.GenericEvent, p, true); err != nil {
		t.Fatal(err)
	}
	//aggregate, log, async event
	if d.Pending() != 3 {
		t.Fatalf("pending %d != 3", d.Pending())
	}
	var bb bytes.Buffer
	if err := d.Show(&bb); err != nil {
		t.Fatal(err)
	}
	bb.Reset()
	if err := d.Show(&bb); err != nil {
		t.Fatal(err)
	}
	out := bb.String()
	if !strings.HasPrefix(out, `{export: {type: log, process: worker, event: generic_event, action: DENY}}`) {
		t.Fatalf("bad log record %q", out)
	}
}

func TestActionInheritance(t *testing.T) {
	e := testEngine()
	defer e.Close()
	parent := internalDomain(t, e)
	parent.SetAction(event.TaskKill, ActionDeny)
	child, err := e.NewDomain(DomainConfig{
		Type:         Internal,
		DigestName:   `sha256`,
		MagazineSize: 8,
	}, parent)
	if err != nil {
		t.Fatal(err)
	}
	if child.Action(event.TaskKill) != ActionDeny {
		t.Fatal("child did not inherit the action table")
	}
	if child.Action(event.FileOpen) != ActionLog {
		t.Fatal("default disposition should be LOG")
	}
	//the tables are independent after inheritance
	parent.SetAction(event.FileOpen, ActionDeny)
	if child.Action(event.FileOpen) != ActionLog {
		t.Fatal("child table is aliased to the parent")
	}
}

func TestDomainRelease(t *testing.T) {
	e := testEngine()
	defer e.Close()
	d := internalDomain(t, e)
	if _, err := d.HandleHook(context.Background(), event.GenericEvent,
		event.Params{Task: testTask(), Generic: `x`}, false); err != nil {
		t.Fatal(err)
	}
	id := d.ID()
	d.Get()
	d.Put()
	if _, ok := e.Domain(id); !ok {
		t.Fatal("domain vanished with a live reference")
	}
	d.Put()
	if _, ok := e.Domain(id); ok {
		t.Fatal("released domain still registered")
	}
}

func TestMagazineExhaustionReported(t *testing.T) {
	e := testEngine()
	defer e.Close()
	d, err := e.NewDomain(DomainConfig{
		Type:         Internal,
		DigestName:   `sha256`,
		MagazineSize: 1,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	//stop the event magazine so the locked hook path has nothing to draw
	d.evMags.Close()
	p := event.Params{Task: testTask(), Generic: `a`}
	if _, err = d.HandleHook(context.Background(), event.GenericEvent, p, true); err != ErrOutOfMemory {
		t.Fatalf("expected out of memory, got %v", err)
	}
}

// Scenario: a pseudonym installed before any digesting makes the file's
// coefficient independent of its bytes.
func TestPseudonymThroughHook(t *testing.T) {
	e := testEngine()
	defer e.Close()
	d := internalDomain(t, e)
	h, err := digest.New(d.DigestName())
	if err != nil {
		t.Fatal(err)
	}
	if err = d.LoadPseudonym(event.PseudonymDigest(h, `/etc/passwd`)); err != nil {
		t.Fatal(err)
	}
	mdl, _ := d.Model()
	before := mdl.Count()
	open := func(content string) {
		p := event.Params{Task: testTask(), File: &event.FileParams{
			Path:   `/etc/passwd`,
			Mode:   0644,
			Reader: bytes.NewReader([]byte(content)),
		}}
		st, err := d.HandleHook(context.Background(), event.FileOpen, p, false)
		if err != nil || st != event.StatusTrusted {
			t.Fatalf("hook: %v %v", st, err)
		}
	}
	open(`root:x:0:0`)
	open(`tampered contents entirely`)
	if mdl.Count() != before+1 {
		t.Fatalf("pseudonymized opens were not coalesced, set grew to %d", mdl.Count())
	}
	if len(mdl.Trajectory()) != 1 {
		t.Fatalf("trajectory length %d != 1", len(mdl.Trajectory()))
	}
}

func TestControlSurfaceTypeChecks(t *testing.T) {
	e := testEngine()
	defer e.Close()
	d := externalDomain(t, e)
	if err := d.LoadPoint(make([]byte, 32)); err != ErrNotInternal {
		t.Fatalf("expected ErrNotInternal, got %v", err)
	}
	if err := d.LoadBase(make([]byte, 32)); err != ErrNotInternal {
		t.Fatalf("expected ErrNotInternal, got %v", err)
	}
	if err := d.LoadPseudonym(make([]byte, 32)); err != ErrNotInternal {
		t.Fatalf("expected ErrNotInternal, got %v", err)
	}
	if _, err := d.Model(); err != ErrNotInternal {
		t.Fatalf("expected ErrNotInternal, got %v", err)
	}
	i := internalDomain(t, e)
	if err := i.Wait(context.Background()); err != ErrNotExternal {
		t.Fatalf("expected ErrNotExternal, got %v", err)
	}
	if err := i.Show(&bytes.Buffer{}); err != ErrNotExternal {
		t.Fatalf("expected ErrNotExternal, got %v", err)
	}
}

func TestParseAction(t *testing.T) {
	if a, err := ParseAction(`deny`); err != nil || a != ActionDeny {
		t.Fatalf("deny parse: %v %v", a, err)
	}
	if a, err := ParseAction(` LOG `); err != nil || a != ActionLog {
		t.Fatalf("log parse: %v %v", a, err)
	}
	if _, err := ParseAction(`explode`); err == nil {
		t.Fatal("expected an error on an unknown action")
	}
}
