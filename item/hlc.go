// Copyright (c) 2018 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package item

import (
	"sync"
	"time"

	"github.com/couchbase/kvcore/base"
)

// HLC generates hybrid-logical-clock CAS values. The top 48 bits carry
// wall-clock seconds, the low 16 bits a logical counter so CAS stays strictly
// monotonic even within one second.
type HLC struct {
	lock   sync.Mutex
	maxCas uint64
	now    func() time.Time
}

func NewHLC() *HLC {
	return &HLC{now: time.Now}
}

func NewHLCWithClock(now func() time.Time) *HLC {
	return &HLC{now: now}
}

func (h *HLC) NextCas() uint64 {
	h.lock.Lock()
	defer h.lock.Unlock()
	physical := uint64(h.now().Unix()) << base.CasBitsNotTime
	if physical > h.maxCas {
		h.maxCas = physical
	} else {
		h.maxCas++
	}
	return h.maxCas
}

// ObserveCas folds an externally supplied CAS (replica traffic) into the
// clock so later generated values stay above it
func (h *HLC) ObserveCas(cas uint64) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if cas > h.maxCas {
		h.maxCas = cas
	}
}

func (h *HLC) MaxCas() uint64 {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.maxCas
}
