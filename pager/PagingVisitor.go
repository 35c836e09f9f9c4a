// Copyright (c) 2018 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package pager

import (
	"math"
	"time"

	xdcrLog "github.com/couchbase/goxdcr/v8/log"
	"github.com/couchbase/kvcore/base"
	"github.com/couchbase/kvcore/hashtable"
	"github.com/couchbase/kvcore/item"
	"github.com/couchbase/kvcore/stats"
)

// ItemPagerPhase alternates which vbucket states a pager pass evicts from
type ItemPagerPhase int

const (
	PhaseReplicaOnly      ItemPagerPhase = iota
	PhaseActiveAndPending ItemPagerPhase = iota
)

// PagedVbucket is the view of a vbucket the pager works against
type PagedVbucket interface {
	Vbid() base.Vbid
	State() base.VBState
	HashTable() *hashtable.HashTable
	MaxCas() uint64
	// DeleteExpired queues deletions for items the pager found expired
	DeleteExpired(items []*item.Item)
	// RemoveClosedUnrefCheckpoints reclaims checkpoint memory in passing
	RemoveClosedUnrefCheckpoints() (int, bool)
}

// PagingVisitor visits hash tables evicting cold items by frequency and age.
// One visitor instance serves one pass over a set of vbuckets.
type PagingVisitor struct {
	stats  *stats.EPStats
	logger *xdcrLog.CommonLogger

	percent       float64
	activeBias    float64
	agePercentage float64
	freqCounterAgeThreshold uint8

	itemEviction  *ItemEviction
	freqCounterThreshold uint8
	ageThreshold  uint64

	currentState base.VBState
	maxCas       uint64
	startTime    uint32

	expired []*item.Item
	ejected int64

	// set when memory dropped below the low watermark and eviction stopped
	IsBelowLowWaterMark bool
}

func NewPagingVisitor(st *stats.EPStats, percent, activeBias float64,
	agePercentage int, freqCounterAgeThreshold uint8, logger *xdcrLog.CommonLogger) *PagingVisitor {
	return &PagingVisitor{
		stats:         st,
		logger:        logger,
		percent:       percent,
		activeBias:    activeBias,
		agePercentage: float64(agePercentage),
		freqCounterAgeThreshold: freqCounterAgeThreshold,
		itemEviction:  NewItemEviction(),
		startTime:     uint32(time.Now().Unix()),
	}
}

// adjustPercent biases eviction away from active vbuckets and toward
// replicas, capping the replica probability at 0.9
func (pv *PagingVisitor) adjustPercent(prob float64, state base.VBState) float64 {
	if state == base.VBStateReplica || state == base.VBStateDead {
		p := prob * (2 - pv.activeBias)
		if p < 0.9 {
			return p
		}
		return 0.9
	}
	return prob * pv.activeBias
}

// VisitBucket runs one hash-table sweep over vb. memUsed/lowWat decide the
// local eviction pressure; skipActive suppresses active vbuckets when their
// resident ratio is already below the replicas'.
func (pv *PagingVisitor) VisitBucket(vb PagedVbucket, memUsed, lowWat, highWat int64, skipActive bool) {
	pv.update(vb)
	vb.RemoveClosedUnrefCheckpoints()

	state := vb.State()
	if state == base.VBStateActive && memUsed < highWat && skipActive {
		return
	}

	if memUsed <= lowWat {
		// stop eviction whenever memory usage is below the low watermark
		pv.IsBelowLowWaterMark = true
		return
	}

	p := (float64(memUsed) - float64(lowWat)) / float64(memUsed)
	pv.percent = pv.adjustPercent(p, state)

	pv.currentState = state
	pv.maxCas = vb.MaxCas()
	pv.itemEviction.Reset()
	pv.freqCounterThreshold = 0
	pv.ageThreshold = 0

	// recompute thresholds after visiting 0.1% of the table, with the
	// learning population as the floor
	numItems := vb.HashTable().NumItems()
	interval := uint64(math.Ceil(float64(numItems) * 0.001))
	pv.itemEviction.SetUpdateInterval(interval)

	vb.HashTable().Visit(pv)

	snapshot := pv.stats.ReplicaFrequencyValuesEvicted
	if state == base.VBStateActive || state == base.VBStatePending {
		snapshot = pv.stats.ActiveFrequencyValuesEvicted
	}
	pv.itemEviction.SnapshotFreqHistogram(snapshot)

	// reclaim closed checkpoints freed up by this sweep before moving on
	vb.RemoveClosedUnrefCheckpoints()
	pv.update(vb)
}

// Visit decides one stored value. Satisfies hashtable.Visitor.
func (pv *PagingVisitor) Visit(lh *hashtable.HashBucketLock, sv *hashtable.StoredValue) bool {
	// never touch a prepare; completed and pending prepares are purged by
	// the tombstone purger, not the pager
	if sv.Pending {
		return true
	}

	if pv.currentState == base.VBStateActive && sv.IsExpired(pv.startTime) {
		pv.expired = append(pv.expired, sv.ToItem())
		return true
	}

	if pv.percent <= 0 {
		return true
	}

	// keep the visited counter; eviction wipes the stored value but the
	// histogram wants the pre-eviction frequency
	freq := sv.FreqCounter()

	var age uint64
	if pv.maxCas > sv.Cas {
		age = (pv.maxCas - sv.Cas) >> base.CasBitsNotTime
	}

	evicted := false
	if freq <= pv.freqCounterThreshold &&
		(freq < pv.freqCounterAgeThreshold || age >= pv.ageThreshold) {
		if lh.PageOut(sv) {
			evicted = true
			pv.ejected++
		} else {
			// ineligible values report the maximum frequency so the
			// threshold keeps targeting the evictable population
			freq = math.MaxUint8
		}
	} else {
		if !lh.EligibleToPageOut(sv) {
			freq = math.MaxUint8
		} else if sv.FreqCounter() > 0 {
			// decay items spared only by their high frequency so repeated
			// visits eventually page them out
			sv.SetFreqCounter(sv.FreqCounter() - 1)
		}
	}
	pv.itemEviction.AddFreqAndAge(freq, age)

	if evicted {
		hist := pv.stats.ReplicaFrequencyValuesEvicted
		if pv.currentState == base.VBStateActive || pv.currentState == base.VBStatePending {
			hist = pv.stats.ActiveFrequencyValuesEvicted
		}
		hist.Update(int64(freq))
	}

	if pv.itemEviction.IsLearning() || pv.itemEviction.IsRequiredToUpdate() {
		pv.freqCounterThreshold, pv.ageThreshold =
			pv.itemEviction.GetThresholds(pv.percent*100.0, pv.agePercentage)
	}

	return true
}

// PauseVisitor yields to the flusher once the persistence backlog is too deep
func (pv *PagingVisitor) PauseVisitor() bool {
	return pv.stats.GetDiskQueueSize() >= base.MaxPersistenceQueueSize
}

// update flushes the collected expired items into the vbucket
func (pv *PagingVisitor) update(vb PagedVbucket) {
	if pv.ejected > 0 {
		pv.stats.NumEjected.Inc(pv.ejected)
		pv.logger.Debugf("paged out %v values", pv.ejected)
		pv.ejected = 0
	}
	if len(pv.expired) > 0 {
		vb.DeleteExpired(pv.expired)
		pv.stats.NumExpiredByPager.Inc(int64(len(pv.expired)))
		pv.expired = nil
	}
}

func (pv *PagingVisitor) NumEjected() int64 {
	return pv.ejected
}
