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
	"time"

	xdcrLog "github.com/couchbase/goxdcr/v8/log"
	"github.com/couchbase/kvcore/base"
	"github.com/couchbase/kvcore/config"
	"github.com/couchbase/kvcore/stats"
	"github.com/couchbase/kvcore/task"
)

// PagerStore is the engine surface the pager tasks iterate over
type PagerStore interface {
	AllVbuckets() []PagedVbucket
	ActiveResidentRatio() float64
	ReplicaResidentRatio() float64
}

// ItemPagerTask drives paging passes whenever memory exceeds the high
// watermark. Passes alternate between replica-only and active+pending
// phases; ephemeral buckets never leave the replica phase.
type ItemPagerTask struct {
	store     PagerStore
	stats     *stats.EPStats
	cfg       *config.Config
	logger    *xdcrLog.CommonLogger
	scheduler *task.Scheduler
	handle    *task.Handle

	phase ItemPagerPhase
	// round-robin resume point when a pass yields mid-way
	resumeIndex int
	visitor     *PagingVisitor
}

func NewItemPagerTask(store PagerStore, st *stats.EPStats, cfg *config.Config,
	scheduler *task.Scheduler, logger *xdcrLog.CommonLogger) *ItemPagerTask {
	t := &ItemPagerTask{
		store:     store,
		stats:     st,
		cfg:       cfg,
		logger:    logger,
		scheduler: scheduler,
		phase:     PhaseReplicaOnly,
	}
	t.handle = scheduler.Schedule(t, base.DefaultPagerInterval)
	return t
}

func (t *ItemPagerTask) Description() string {
	return "ItemPager"
}

// Wake forces a pass, used by the memory recovery controller
func (t *ItemPagerTask) Wake() {
	t.scheduler.Wake(t.handle)
}

func (t *ItemPagerTask) phaseMatches(state base.VBState) bool {
	switch t.phase {
	case PhaseReplicaOnly:
		return state == base.VBStateReplica || state == base.VBStateDead
	case PhaseActiveAndPending:
		return state == base.VBStateActive || state == base.VBStatePending
	}
	return false
}

func (t *ItemPagerTask) Run() (time.Duration, bool) {
	if t.stats.IsShuttingDown() {
		return 0, false
	}

	memUsed := t.stats.GetEstimatedTotalMemory()
	highWat := int64(float64(t.cfg.MaxSize) * t.cfg.MemHighWat)
	lowWat := int64(float64(t.cfg.MaxSize) * t.cfg.MemLowWat)

	if t.visitor == nil {
		if memUsed <= highWat {
			return base.DefaultPagerInterval, true
		}
		t.visitor = NewPagingVisitor(t.stats, 0, t.cfg.PagerActiveVbBias,
			t.cfg.ItemEvictionAgePercentage, t.cfg.ItemEvictionFreqCounterAgeThreshold, t.logger)
		t.resumeIndex = 0
	}

	// skip active vbuckets entirely while their resident ratio is below the
	// replicas'; replicas then carry the whole pass
	skipActive := t.store.ActiveResidentRatio() < t.store.ReplicaResidentRatio()

	taskStart := time.Now()
	vbuckets := t.store.AllVbuckets()
	for ; t.resumeIndex < len(vbuckets); t.resumeIndex++ {
		if t.visitor.PauseVisitor() {
			// let the flusher catch up, resume from the same vbucket
			return base.DefaultFlusherInterval, true
		}
		vb := vbuckets[t.resumeIndex]
		if !t.phaseMatches(vb.State()) {
			continue
		}
		memUsed = t.stats.GetEstimatedTotalMemory()
		t.visitor.VisitBucket(vb, memUsed, lowWat, highWat, skipActive)
		if t.visitor.IsBelowLowWaterMark {
			break
		}
		if time.Since(taskStart) > base.VisitorMaxChunkDuration {
			t.resumeIndex++
			t.scheduler.Wake(t.handle)
			return task.SnoozeForever, true
		}
	}

	t.complete(taskStart)
	return base.DefaultPagerInterval, true
}

func (t *ItemPagerTask) complete(taskStart time.Time) {
	t.stats.ItemPagerRuntime.Update(time.Since(taskStart).Microseconds())

	if !t.visitor.IsBelowLowWaterMark {
		if t.phase == PhaseReplicaOnly && !t.cfg.Ephemeral {
			t.phase = PhaseActiveAndPending
		} else if t.phase == PhaseActiveAndPending {
			t.phase = PhaseReplicaOnly
		}
	}
	t.visitor = nil
	t.resumeIndex = 0
}

func (t *ItemPagerTask) Cancel() {
	t.handle.Cancel()
}

// ItemFreqDecayerTask scales the frequency counters of a vbucket whose
// Morris counters saturated down to the configured percent (half by
// default), keeping increments meaningful for hot items
type ItemFreqDecayerTask struct {
	store     PagerStore
	stats     *stats.EPStats
	percent   int
	logger    *xdcrLog.CommonLogger
	scheduler *task.Scheduler
	handle    *task.Handle
}

func NewItemFreqDecayerTask(store PagerStore, st *stats.EPStats, percent int,
	scheduler *task.Scheduler, logger *xdcrLog.CommonLogger) *ItemFreqDecayerTask {
	t := &ItemFreqDecayerTask{
		store:     store,
		stats:     st,
		percent:   percent,
		logger:    logger,
		scheduler: scheduler,
	}
	t.handle = scheduler.Schedule(t, base.DefaultPagerInterval)
	return t
}

func (t *ItemFreqDecayerTask) Description() string {
	return "ItemFreqDecayer"
}

func (t *ItemFreqDecayerTask) Run() (time.Duration, bool) {
	if t.stats.IsShuttingDown() {
		return 0, false
	}
	for _, vb := range t.store.AllVbuckets() {
		ht := vb.HashTable()
		if ht.ConsumeFreqCounterSaturated() {
			ht.DecayFreqCounters(t.percent)
			t.logger.Debugf("%v decayed frequency counters to %v%%", vb.Vbid(), t.percent)
		}
	}
	return base.DefaultPagerInterval, true
}

func (t *ItemFreqDecayerTask) Cancel() {
	t.handle.Cancel()
}
