// Copyright (c) 2018 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package engine

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/couchbase/kvcore/base"
	"github.com/couchbase/kvcore/task"
)

// StreamProducerTask drains checkpoint cursors into their streams. Vbuckets
// flag themselves on new data; the task round-robins flagged vbuckets with a
// bounded chunk per run, honoring each stream's buffer log.
type StreamProducerTask struct {
	bucket *KVBucket
	handle *task.Handle

	pending         []int32
	wakeUpScheduled int32
	vbid            int
}

func NewStreamProducerTask(bucket *KVBucket) *StreamProducerTask {
	t := &StreamProducerTask{
		bucket:  bucket,
		pending: make([]int32, bucket.cfg.MaxVbuckets),
	}
	t.handle = bucket.scheduler.Schedule(t, task.SnoozeForever)
	return t
}

func (t *StreamProducerTask) Description() string {
	return "StreamProducer"
}

func (t *StreamProducerTask) Notify(vbid base.Vbid) {
	if int(vbid) >= len(t.pending) {
		return
	}
	if atomic.CompareAndSwapInt32(&t.pending[vbid], 0, 1) {
		if atomic.CompareAndSwapInt32(&t.wakeUpScheduled, 0, 1) {
			t.bucket.scheduler.Wake(t.handle)
		}
	}
}

func (t *StreamProducerTask) Run() (time.Duration, bool) {
	if t.bucket.stats.IsShuttingDown() {
		return 0, false
	}
	atomic.StoreInt32(&t.wakeUpScheduled, 0)

	startTime := time.Now()
	for count := 0; count < len(t.pending); count++ {
		if atomic.CompareAndSwapInt32(&t.pending[t.vbid], 1, 0) {
			t.stepVbucket(base.Vbid(t.vbid))
		}
		t.vbid = (t.vbid + 1) % len(t.pending)
		if time.Since(startTime) > base.CompletionMaxChunkDuration {
			t.bucket.scheduler.Wake(t.handle)
			break
		}
	}
	return task.SnoozeForever, true
}

func (t *StreamProducerTask) stepVbucket(vbid base.Vbid) {
	vb := t.bucket.GetVBucket(vbid)
	if vb == nil {
		return
	}
	for _, s := range t.bucket.connMap.StreamsFor(vbid) {
		if s.State() != StreamStateInMemory {
			continue
		}
		// the cursor only advances as far as flow control lets events out;
		// anything further stays in the checkpoint list so a lagging
		// consumer's cursor genuinely lags (and can be dropped)
		for s.flushPending() {
			items, res, err := vb.checkpointMgr.GetItemsForCursor(s.name, base.StreamBatchSize)
			if err != nil {
				if !errors.Is(err, base.ErrorCursorNotFound) {
					t.bucket.logger.Errorf("%v stream %v cursor read failed: %v", vbid, s.name, err)
				}
				break
			}
			if len(items) > 0 {
				r := res.Ranges[0].Range
				for _, sr := range res.Ranges[1:] {
					if sr.Range.End > r.End {
						r.End = sr.Range.End
					}
				}
				s.sendSnapshot(r, items)
			}
			if !res.MoreAvailable {
				break
			}
		}
	}
}

func (t *StreamProducerTask) Cancel() {
	t.handle.Cancel()
}
