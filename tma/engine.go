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

	"github.com/trustmodel/trustmodel/tma/event"
	"github.com/trustmodel/trustmodel/tma/log"
)

// HandleHook dispatches one security hook invocation through the engine:
// the descriptor is built from the hook parameters, mapped to its
// coefficient, and either adjudicated by the domain model or streamed to
// the external agent.  The locked flag threads the caller's non-sleeping
// context through allocation and export.
func (d *Domain) HandleHook(ctx context.Context, typ event.Type, p event.Params, locked bool) (event.TrustStatus, error) {
	ev := d.evMags.Acquire(locked)
	if ev == nil {
		return event.StatusUntrusted, ErrOutOfMemory
	}
	opt := event.Options{
		Handle:       d.h,
		Translator:   d.eng.translator,
		UseCurrentNS: d.useCur,
	}
	if d.mdl != nil {
		opt.HasPseudonym = d.mdl.HasPseudonym
	}
	if err := event.Init(ev, typ, p, locked, opt); err != nil {
		d.evMags.Free(ev)
		return event.StatusUntrusted, err
	}
	mags := d.evMags
	ev.SetFree(func(e *event.Event) {
		mags.Free(e)
	})
	defer ev.Release()

	if _, err := d.mapper.Map(ev); err != nil {
		return event.StatusUntrusted, err
	}
	if d.Action(typ) == ActionDeny && d.ext != nil {
		//the disposition itself is reported, enforcement is elsewhere
		if err := d.ExportLog(typ, ActionDeny, ev.CommString()); err != nil {
			d.eng.lg.Warn("failed to export log record",
				log.KV("id", d.id), log.KV("error", err))
		}
	}
	if d.ext != nil {
		return d.ExportEvent(ctx, ev)
	}
	return d.mdl.Event(ev, d.sealed.Load())
}
