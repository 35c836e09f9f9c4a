// Copyright (c) 2018 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package recovery

import (
	"sync/atomic"
	"time"

	xdcrLog "github.com/couchbase/goxdcr/v8/log"
	"github.com/couchbase/kvcore/base"
	"github.com/couchbase/kvcore/checkpoint"
	"github.com/couchbase/kvcore/config"
	"github.com/couchbase/kvcore/stats"
	"github.com/couchbase/kvcore/task"
)

// RecoverableVbucket is the per-vbucket surface memory recovery works on
type RecoverableVbucket interface {
	Vbid() base.Vbid
	CheckpointMemUsage() int64
	ExpelUnreferencedCheckpointItems() checkpoint.ExpelResult
	GetListOfCursorsToDrop() []string
	MemoryUsageOfUnrefCheckpoints() int64
	RemoveClosedUnrefCheckpoints() (int, bool)
}

// RecoveryStore is the engine surface: vbucket listing plus the DCP hook
// that moves a dropped cursor's stream to backfill
type RecoveryStore interface {
	VbucketsSortedByChkMgrMem() []RecoverableVbucket
	// HandleSlowStream asks the stream layer to drop the cursor and rebuild
	// from disk; returns true when the cursor was dropped
	HandleSlowStream(vbid base.Vbid, cursorName string) bool
}

type recoveryMechanism int

const (
	mechanismExpel      recoveryMechanism = iota
	mechanismCursorDrop recoveryMechanism = iota
)

// MemoryRecoveryTask is the periodic controller that, on watermark breach,
// expels already-consumed checkpoint items and, if that is not enough, drops
// slow cursors. Each pass is bounded; unreached targets roll to the next run.
type MemoryRecoveryTask struct {
	store     RecoveryStore
	stats     *stats.EPStats
	cfg       *config.Config
	logger    *xdcrLog.CommonLogger
	scheduler *task.Scheduler
	handle    *task.Handle

	// only one recovery pass plus visitor sweep in flight at a time
	available int32

	visitor *CheckpointVisitor
}

func NewMemoryRecoveryTask(store RecoveryStore, st *stats.EPStats, cfg *config.Config,
	scheduler *task.Scheduler, logger *xdcrLog.CommonLogger) *MemoryRecoveryTask {
	t := &MemoryRecoveryTask{
		store:     store,
		stats:     st,
		cfg:       cfg,
		logger:    logger,
		scheduler: scheduler,
		available: 1,
	}
	t.visitor = NewCheckpointVisitor(store, st, &t.available, scheduler, logger)
	t.handle = scheduler.Schedule(t, base.DefaultMemoryRecoveryInterval)
	return t
}

func (t *MemoryRecoveryTask) Description() string {
	return "ClosedUnrefCheckpointRemover"
}

// isReductionInCheckpointMemoryNeeded evaluates the two trigger conditions:
// total memory above cursor_dropping_upper_mark, or checkpoint memory above
// cursor_dropping_checkpoint_mem_upper_mark while the low watermark is hit.
// Returns the amount to clear down to the corresponding lower mark.
func (t *MemoryRecoveryTask) isReductionInCheckpointMemoryNeeded() (bool, int64) {
	quota := t.cfg.MaxSize
	memUsed := t.stats.GetEstimatedTotalMemory()
	chkptMem := t.stats.GetCheckpointMemory()

	chkptMemLimit := int64(float64(quota) * t.cfg.CursorDroppingChkMemUpperMark)
	aboveLowWatermark := memUsed >= int64(float64(quota)*t.cfg.MemLowWat)
	chkptMemExceeds := aboveLowWatermark && chkptMem >= chkptMemLimit

	upperMark := int64(float64(quota) * t.cfg.CursorDroppingUpperMark)
	memUsedExceeds := memUsed > upperMark

	toMB := func(b int64) int64 { return b / (1024 * 1024) }
	if chkptMemExceeds {
		amount := memUsed - int64(float64(quota)*t.cfg.CursorDroppingChkMemLowerMark)
		t.logger.Infof("triggering memory recovery as checkpoint memory (%v MB) exceeds "+
			"cursor_dropping_checkpoint_mem_upper_mark (%v MB); attempting to free %v MB",
			toMB(chkptMem), toMB(chkptMemLimit), toMB(amount))
		return true, amount
	}
	if memUsedExceeds {
		amount := memUsed - int64(float64(quota)*t.cfg.CursorDroppingLowerMark)
		t.logger.Infof("triggering memory recovery as mem_used (%v MB) exceeds "+
			"cursor_dropping_upper_mark (%v MB); attempting to free %v MB",
			toMB(memUsed), toMB(upperMark), toMB(amount))
		return true, amount
	}
	return false, 0
}

func (t *MemoryRecoveryTask) attemptMemoryRecovery(mechanism recoveryMechanism, amountToClear int64) int64 {
	var cleared int64
	for _, vb := range t.store.VbucketsSortedByChkMgrMem() {
		if cleared >= amountToClear {
			break
		}
		switch mechanism {
		case mechanismExpel:
			res := vb.ExpelUnreferencedCheckpointItems()
			if res.Count > 0 {
				t.logger.Debugf("expelled %v unreferenced checkpoint items from %v, "+
					"estimated to have recovered %v bytes", res.Count, vb.Vbid(), res.EstimatedBytes)
			}
			cleared += res.EstimatedBytes
		case mechanismCursorDrop:
			for _, cursorName := range vb.GetListOfCursorsToDrop() {
				if cleared >= amountToClear {
					break
				}
				if t.store.HandleSlowStream(vb.Vbid(), cursorName) {
					freed := vb.MemoryUsageOfUnrefCheckpoints()
					t.stats.CursorsDropped.Inc(1)
					t.stats.CursorMemoryFreed.Inc(freed)
					cleared += freed
				}
			}
		}
	}
	return cleared
}

func (t *MemoryRecoveryTask) Run() (time.Duration, bool) {
	if t.stats.IsShuttingDown() {
		return 0, false
	}

	if atomic.CompareAndSwapInt32(&t.available, 1, 0) {
		start := time.Now()
		shouldReduce, amountToClear := t.isReductionInCheckpointMemoryNeeded()
		if shouldReduce {
			var recovered int64
			if t.cfg.ChkExpelEnabled {
				recovered = t.attemptMemoryRecovery(mechanismExpel, amountToClear)
			}
			if amountToClear > recovered {
				t.attemptMemoryRecovery(mechanismCursorDrop, amountToClear-recovered)
			}
		}
		t.stats.MemoryRecoveryRuntime.Update(time.Since(start).Microseconds())

		// sweep closed unreferenced checkpoints across all vbuckets; the
		// visitor flips `available` back once done
		t.visitor.Start()
	}

	return base.DefaultMemoryRecoveryInterval, true
}

func (t *MemoryRecoveryTask) Cancel() {
	t.handle.Cancel()
	t.visitor.Cancel()
}
