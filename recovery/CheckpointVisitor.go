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
	"github.com/couchbase/kvcore/stats"
	"github.com/couchbase/kvcore/task"
)

// CheckpointVisitor sweeps every vbucket removing closed unreferenced
// checkpoints. It runs as its own task so the recovery controller can move
// on; the shared `available` flag keeps a single sweep in flight and is
// released when the sweep completes.
type CheckpointVisitor struct {
	store     RecoveryStore
	stats     *stats.EPStats
	available *int32
	logger    *xdcrLog.CommonLogger
	scheduler *task.Scheduler
	handle    *task.Handle

	resumeIndex int
	sweeping    int32
}

func NewCheckpointVisitor(store RecoveryStore, st *stats.EPStats, available *int32,
	scheduler *task.Scheduler, logger *xdcrLog.CommonLogger) *CheckpointVisitor {
	v := &CheckpointVisitor{
		store:     store,
		stats:     st,
		available: available,
		logger:    logger,
		scheduler: scheduler,
	}
	v.handle = scheduler.Schedule(v, task.SnoozeForever)
	return v
}

func (v *CheckpointVisitor) Description() string {
	return "CheckpointRemoverVisitor"
}

// Start begins a new sweep from the first vbucket
func (v *CheckpointVisitor) Start() {
	atomic.StoreInt32(&v.sweeping, 1)
	v.resumeIndex = 0
	v.scheduler.Wake(v.handle)
}

func (v *CheckpointVisitor) Run() (time.Duration, bool) {
	if v.stats.IsShuttingDown() {
		return 0, false
	}
	if atomic.LoadInt32(&v.sweeping) == 0 {
		return task.SnoozeForever, true
	}

	startTime := time.Now()
	vbuckets := v.store.VbucketsSortedByChkMgrMem()
	for ; v.resumeIndex < len(vbuckets); v.resumeIndex++ {
		removed, _ := vbuckets[v.resumeIndex].RemoveClosedUnrefCheckpoints()
		if removed > 0 {
			v.logger.Debugf("%v removed %v items with closed unreferenced checkpoints",
				vbuckets[v.resumeIndex].Vbid(), removed)
		}
		if time.Since(startTime) > base.VisitorMaxChunkDuration {
			v.resumeIndex++
			v.scheduler.Wake(v.handle)
			return task.SnoozeForever, true
		}
	}

	atomic.StoreInt32(&v.sweeping, 0)
	atomic.StoreInt32(v.available, 1)
	return task.SnoozeForever, true
}

func (v *CheckpointVisitor) Cancel() {
	v.handle.Cancel()
}
