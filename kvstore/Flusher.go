// Copyright (c) 2018 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package kvstore

import (
	"sync"
	"sync/atomic"
	"time"

	xdcrLog "github.com/couchbase/goxdcr/v8/log"
	"github.com/couchbase/kvcore/base"
	"github.com/couchbase/kvcore/checkpoint"
	"github.com/couchbase/kvcore/item"
	"github.com/couchbase/kvcore/stats"
	"github.com/couchbase/kvcore/task"
	"github.com/couchbase/kvcore/utils"
)

// Flushable is one vbucket's persistence surface: the flusher drains the
// persistence cursor through it and reports completion back so the vbucket
// can notify its durability monitor and mark hash-table entries clean.
type Flushable interface {
	Vbid() base.Vbid
	GetItemsForPersistence(approxLimit int) ([]*item.Item, checkpoint.ItemsForCursor)
	// PersistedUpTo is invoked after a successful flush with the highest
	// seqno in the batch and the items that were written
	PersistedUpTo(highSeqno uint64, flushed []*item.Item)
}

// Flusher is the background task that turns persistence-cursor batches into
// KVStore flushes. Vbuckets flag themselves via Notify and the task drains
// them round-robin with a bounded chunk per run.
type Flusher struct {
	store     KVStore
	stats     *stats.EPStats
	logger    *xdcrLog.CommonLogger
	scheduler *task.Scheduler
	handle    *task.Handle

	lock       sync.RWMutex
	vbuckets   map[base.Vbid]Flushable
	pending    []int32
	wakeUpScheduled int32
	vbid       int

	batchLimit int
}

func NewFlusher(numVbuckets int, store KVStore, st *stats.EPStats,
	scheduler *task.Scheduler, logger *xdcrLog.CommonLogger) *Flusher {
	f := &Flusher{
		store:      store,
		stats:      st,
		logger:     logger,
		scheduler:  scheduler,
		vbuckets:   make(map[base.Vbid]Flushable),
		pending:    make([]int32, numVbuckets),
		batchLimit: base.DefaultGetItemsLimit,
	}
	f.handle = scheduler.Schedule(f, task.SnoozeForever)
	return f
}

func (f *Flusher) Description() string {
	return "Flusher"
}

func (f *Flusher) RegisterVbucket(fl Flushable) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.vbuckets[fl.Vbid()] = fl
}

func (f *Flusher) DeregisterVbucket(vbid base.Vbid) {
	f.lock.Lock()
	defer f.lock.Unlock()
	delete(f.vbuckets, vbid)
}

// Notify flags a vbucket as having persistence work. Wakes the task at most
// once until it next runs.
func (f *Flusher) Notify(vbid base.Vbid) {
	if int(vbid) >= len(f.pending) {
		return
	}
	if atomic.CompareAndSwapInt32(&f.pending[vbid], 0, 1) {
		if atomic.CompareAndSwapInt32(&f.wakeUpScheduled, 0, 1) {
			f.scheduler.Wake(f.handle)
		}
	}
}

func (f *Flusher) Run() (time.Duration, bool) {
	if f.stats.IsShuttingDown() {
		return 0, false
	}
	atomic.StoreInt32(&f.wakeUpScheduled, 0)

	startTime := time.Now()
	for count := 0; count < len(f.pending); count++ {
		if atomic.CompareAndSwapInt32(&f.pending[f.vbid], 1, 0) {
			f.flushVbucket(base.Vbid(f.vbid))
		}
		f.vbid = (f.vbid + 1) % len(f.pending)
		if time.Since(startTime) > base.VisitorMaxChunkDuration {
			f.scheduler.Wake(f.handle)
			break
		}
	}
	return task.SnoozeForever, true
}

// flushVbucket drains one vbucket until its backlog is empty
func (f *Flusher) flushVbucket(vbid base.Vbid) {
	f.lock.RLock()
	fl, ok := f.vbuckets[vbid]
	f.lock.RUnlock()
	if !ok {
		return
	}

	for {
		items, res := fl.GetItemsForPersistence(f.batchLimit)
		if len(items) == 0 {
			return
		}

		batch := NewFlushBatch()
		var flushed []*item.Item
		for _, qi := range items {
			if qi.Op.IsMeta() {
				qi.Release()
				continue
			}
			batch.AddItem(qi)
			flushed = append(flushed, qi)
		}
		for _, r := range res.Ranges {
			if r.HighCompletedSeqno != nil {
				batch.HighCompletedSeqno = r.HighCompletedSeqno
			}
		}

		if batch.Len() > 0 || batch.HighSeqno > 0 {
			err := utils.ExponentialBackoffExecutor("flusher", base.FlushRetryInterval,
				base.FlushMaxRetries, 2, base.FlushRetryMaxBackoff, func() error {
					return f.store.Flush(vbid, batch)
				})
			if err != nil {
				// the cursor has already advanced; surface loudly, the next
				// notification retries from the new position
				f.logger.Errorf("%v flush failed: %v", vbid, err)
				for _, qi := range flushed {
					qi.Release()
				}
				return
			}
			f.stats.FlusherBatchSize.Update(int64(batch.Len()))
		}

		fl.PersistedUpTo(batch.HighSeqno, flushed)
		f.stats.AddDiskQueueSize(-int64(len(flushed)))
		for _, qi := range flushed {
			qi.Release()
		}

		if !res.MoreAvailable {
			return
		}
	}
}

func (f *Flusher) Cancel() {
	f.handle.Cancel()
}
