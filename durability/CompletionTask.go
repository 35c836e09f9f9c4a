// Copyright (c) 2018 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package durability

import (
	"sync/atomic"
	"time"

	xdcrLog "github.com/couchbase/goxdcr/v8/log"
	"github.com/couchbase/kvcore/base"
	"github.com/couchbase/kvcore/stats"
	"github.com/couchbase/kvcore/task"
)

// ResolvedSyncWriteProcessor is the engine-side hook the completion task
// drives; it drains one vbucket's resolved queue into its checkpoint manager
type ResolvedSyncWriteProcessor interface {
	ProcessResolvedSyncWrites(vbid base.Vbid)
}

// CompletionTask is the single per-engine task that moves resolved sync
// writes out of the durability monitors. Monitors flag their vbucket and wake
// the task at most once; the task drains flagged vbuckets in round-robin
// order, yielding every 25 ms.
type CompletionTask struct {
	stats     *stats.EPStats
	logger    *xdcrLog.CommonLogger
	processor ResolvedSyncWriteProcessor
	scheduler *task.Scheduler
	handle    *task.Handle

	pendingVBs []int32
	// guards against wake storms: the task is woken at most once until it
	// runs and clears the flag
	wakeUpScheduled int32
	// round-robin resume point across runs
	vbid int

	maxChunkDuration time.Duration
}

func NewCompletionTask(numVbuckets int, st *stats.EPStats, processor ResolvedSyncWriteProcessor,
	scheduler *task.Scheduler, logger *xdcrLog.CommonLogger) *CompletionTask {
	t := &CompletionTask{
		stats:            st,
		logger:           logger,
		processor:        processor,
		scheduler:        scheduler,
		pendingVBs:       make([]int32, numVbuckets),
		maxChunkDuration: base.CompletionMaxChunkDuration,
	}
	t.handle = scheduler.Schedule(t, task.SnoozeForever)
	return t
}

func (t *CompletionTask) Description() string {
	return "DurabilityCompletionTask"
}

// NotifySyncWritesToComplete satisfies CompletionNotifier. Only a flag flip
// false→true triggers a wake, and only if no wake is already scheduled.
func (t *CompletionTask) NotifySyncWritesToComplete(vbid base.Vbid) {
	if int(vbid) >= len(t.pendingVBs) {
		return
	}
	if atomic.CompareAndSwapInt32(&t.pendingVBs[vbid], 0, 1) {
		if atomic.CompareAndSwapInt32(&t.wakeUpScheduled, 0, 1) {
			t.scheduler.Wake(t.handle)
		}
	}
}

func (t *CompletionTask) Run() (time.Duration, bool) {
	if t.stats.IsShuttingDown() {
		return 0, false
	}

	// allow new notifications to schedule the next wake before we start, so
	// a vbucket flagged mid-run is not lost
	atomic.StoreInt32(&t.wakeUpScheduled, 0)

	startTime := time.Now()
	for count := 0; count < len(t.pendingVBs); count++ {
		if atomic.CompareAndSwapInt32(&t.pendingVBs[t.vbid], 1, 0) {
			t.processor.ProcessResolvedSyncWrites(base.Vbid(t.vbid))
		}
		t.vbid = (t.vbid + 1) % len(t.pendingVBs)
		if time.Since(startTime) > t.maxChunkDuration {
			// out of budget; hand the worker back and resume where we left
			t.scheduler.Wake(t.handle)
			break
		}
	}

	return task.SnoozeForever, true
}

func (t *CompletionTask) Cancel() {
	t.handle.Cancel()
}
