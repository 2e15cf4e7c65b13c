/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package event

import (
	"github.com/trustmodel/trustmodel/tma/digest"
)

// Mapper deterministically folds a descriptor into its coefficient.  Two
// field-equal descriptors map to byte-identical coefficients on any host,
// the canonical byte layouts in the cells guarantee it.
type Mapper struct {
	h *digest.Handle
}

func NewMapper(h *digest.Handle) Mapper {
	return Mapper{h: h}
}

// Map computes the coefficient
//
//	H( name(type) || task_id || H(COE) || H(CELL) )
//
// and stores it on the event.  The task id participates whenever the
// descriptor carries one.
func (m Mapper) Map(ev *Event) ([]byte, error) {
	if ev == nil || ev.Cell == nil {
		return nil, ErrMissingParams
	}
	s := m.h.Stream()
	s.Update([]byte(ev.Type.String()))
	if len(ev.TaskID) > 0 {
		s.Update(ev.TaskID)
	}
	s.Update(m.h.Sum(ev.COE.canon(nil)))
	mu := s.Finup(m.h.Sum(ev.Cell.canon(nil)))
	ev.Coefficient = mu
	return mu, nil
}
