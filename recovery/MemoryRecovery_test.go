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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xdcrLog "github.com/couchbase/goxdcr/v8/log"
	"github.com/stretchr/testify/assert"

	"github.com/couchbase/kvcore/base"
	"github.com/couchbase/kvcore/checkpoint"
	"github.com/couchbase/kvcore/config"
	"github.com/couchbase/kvcore/stats"
	"github.com/couchbase/kvcore/task"
)

type fakeVbucket struct {
	lock        sync.Mutex
	vbid        base.Vbid
	chkptMem    int64
	expelBytes  int64
	expelCalls  int
	cursors     []string
	unrefMem    int64
	removeCalls int
}

func (f *fakeVbucket) Vbid() base.Vbid {
	return f.vbid
}

func (f *fakeVbucket) CheckpointMemUsage() int64 {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.chkptMem
}

func (f *fakeVbucket) ExpelUnreferencedCheckpointItems() checkpoint.ExpelResult {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.expelCalls++
	return checkpoint.ExpelResult{Count: 1, EstimatedBytes: f.expelBytes}
}

func (f *fakeVbucket) GetListOfCursorsToDrop() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.cursors
}

func (f *fakeVbucket) MemoryUsageOfUnrefCheckpoints() int64 {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.unrefMem
}

func (f *fakeVbucket) RemoveClosedUnrefCheckpoints() (int, bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.removeCalls++
	return 0, false
}

type fakeStore struct {
	lock     sync.Mutex
	vbuckets []*fakeVbucket
	dropped  []string
}

func (f *fakeStore) VbucketsSortedByChkMgrMem() []RecoverableVbucket {
	f.lock.Lock()
	defer f.lock.Unlock()
	out := make([]RecoverableVbucket, 0, len(f.vbuckets))
	for _, vb := range f.vbuckets {
		out = append(out, vb)
	}
	return out
}

func (f *fakeStore) HandleSlowStream(vbid base.Vbid, cursorName string) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.dropped = append(f.dropped, cursorName)
	return true
}

func (f *fakeStore) droppedCursors() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]string(nil), f.dropped...)
}

func newRecoveryHarness(quota int64) (*MemoryRecoveryTask, *fakeStore, *stats.EPStats, *task.Scheduler) {
	testLogger := xdcrLog.NewLogger("testLogger", xdcrLog.DefaultLoggerContext)
	scheduler := task.NewScheduler(2, testLogger)
	st := stats.NewEPStats()
	cfg := config.Default()
	cfg.MaxSize = quota
	store := &fakeStore{}
	// the constructor schedules the task; tests drive Run directly and the
	// scheduled instance stays parked on its interval
	rt := NewMemoryRecoveryTask(store, st, cfg, scheduler, testLogger)
	return rt, store, st, scheduler
}

func TestNoRecoveryBelowWatermarks(t *testing.T) {
	assert := assert.New(t)
	rt, store, st, scheduler := newRecoveryHarness(1000)
	defer scheduler.Stop()

	store.vbuckets = []*fakeVbucket{{vbid: 0, chkptMem: 10, expelBytes: 5}}
	st.AddMemory(100)

	_, keep := rt.Run()
	assert.True(keep)
	assert.Equal(0, store.vbuckets[0].expelCalls)
	assert.Equal(0, len(store.droppedCursors()))
}

func TestExpelSatisfiesTarget(t *testing.T) {
	assert := assert.New(t)
	rt, store, st, scheduler := newRecoveryHarness(1000)
	defer scheduler.Stop()

	// memory above cursor_dropping_upper_mark (0.95 * 1000)
	st.AddMemory(980)
	store.vbuckets = []*fakeVbucket{
		{vbid: 0, chkptMem: 500, expelBytes: 400, cursors: []string{"replication:a"}},
	}

	rt.Run()
	assert.Equal(1, store.vbuckets[0].expelCalls)
	// expelling freed enough (target 980-800=180), no cursor was dropped
	assert.Equal(0, len(store.droppedCursors()))
}

func TestCursorDropWhenExpelFallsShort(t *testing.T) {
	assert := assert.New(t)
	rt, store, st, scheduler := newRecoveryHarness(1000)
	defer scheduler.Stop()

	st.AddMemory(980)
	store.vbuckets = []*fakeVbucket{
		{vbid: 0, chkptMem: 500, expelBytes: 10,
			cursors: []string{"replication:a", "replication:b"}, unrefMem: 400},
	}

	rt.Run()
	assert.Equal(1, store.vbuckets[0].expelCalls)
	// the first drop frees 400, meeting the 170 remaining target
	assert.Equal([]string{"replication:a"}, store.droppedCursors())
}

func TestExpelDisabledGoesStraightToCursorDrop(t *testing.T) {
	assert := assert.New(t)
	testLogger := xdcrLog.NewLogger("testLogger", xdcrLog.DefaultLoggerContext)
	scheduler := task.NewScheduler(2, testLogger)
	defer scheduler.Stop()

	st := stats.NewEPStats()
	cfg := config.Default()
	cfg.MaxSize = 1000
	cfg.ChkExpelEnabled = false
	store := &fakeStore{vbuckets: []*fakeVbucket{
		{vbid: 0, chkptMem: 500, expelBytes: 400,
			cursors: []string{"replication:a"}, unrefMem: 400},
	}}
	rt := NewMemoryRecoveryTask(store, st, cfg, scheduler, testLogger)

	st.AddMemory(980)
	rt.Run()
	assert.Equal(0, store.vbuckets[0].expelCalls)
	assert.Equal([]string{"replication:a"}, store.droppedCursors())
}

func TestCheckpointMemoryTrigger(t *testing.T) {
	assert := assert.New(t)
	rt, store, st, scheduler := newRecoveryHarness(1000)
	defer scheduler.Stop()

	// total memory at the low watermark and checkpoint memory above the
	// checkpoint upper mark (0.30 * 1000)
	st.AddMemory(450)
	st.AddCheckpointMemory(310)
	store.vbuckets = []*fakeVbucket{
		{vbid: 0, chkptMem: 310, expelBytes: 600, cursors: []string{"replication:a"}},
	}

	rt.Run()
	assert.Equal(1, store.vbuckets[0].expelCalls)
}

func TestVisitorSweepReleasesAvailableFlag(t *testing.T) {
	assert := assert.New(t)
	rt, store, st, scheduler := newRecoveryHarness(1000)
	defer scheduler.Stop()

	st.AddMemory(980)
	store.vbuckets = []*fakeVbucket{
		{vbid: 0, chkptMem: 500, expelBytes: 400},
	}

	rt.Run()
	// the visitor sweep runs on the scheduler and releases the flag when
	// it has visited every vbucket
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		store.vbuckets[0].lock.Lock()
		swept := store.vbuckets[0].removeCalls > 0
		store.vbuckets[0].lock.Unlock()
		if swept {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	store.vbuckets[0].lock.Lock()
	assert.True(store.vbuckets[0].removeCalls > 0)
	store.vbuckets[0].lock.Unlock()

	// the flag is set once the sweep has finished
	for time.Now().Before(deadline) && atomic.LoadInt32(&rt.available) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(int32(1), atomic.LoadInt32(&rt.available))
}
