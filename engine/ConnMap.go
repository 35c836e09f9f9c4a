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
	"sync"
	"time"

	xdcrLog "github.com/couchbase/goxdcr/v8/log"
	"github.com/couchbase/kvcore/base"
)

// ConnMap is the registry of streams per vbucket, the stand-in for the DCP
// connection layer the core hands stream notifications to
type ConnMap struct {
	logger *xdcrLog.CommonLogger

	lock    sync.RWMutex
	streams map[base.Vbid]map[string]*Stream
}

func NewConnMap(logger *xdcrLog.CommonLogger) *ConnMap {
	return &ConnMap{
		logger:  logger,
		streams: make(map[base.Vbid]map[string]*Stream),
	}
}

func (cm *ConnMap) AddStream(s *Stream) {
	cm.lock.Lock()
	defer cm.lock.Unlock()
	vbStreams, ok := cm.streams[s.vbid]
	if !ok {
		vbStreams = make(map[string]*Stream)
		cm.streams[s.vbid] = vbStreams
	}
	vbStreams[s.name] = s
}

func (cm *ConnMap) RemoveStream(vbid base.Vbid, name string) *Stream {
	cm.lock.Lock()
	defer cm.lock.Unlock()
	vbStreams, ok := cm.streams[vbid]
	if !ok {
		return nil
	}
	s, ok := vbStreams[name]
	if !ok {
		return nil
	}
	delete(vbStreams, name)
	return s
}

func (cm *ConnMap) FindStream(vbid base.Vbid, name string) *Stream {
	cm.lock.RLock()
	defer cm.lock.RUnlock()
	vbStreams, ok := cm.streams[vbid]
	if !ok {
		return nil
	}
	return vbStreams[name]
}

func (cm *ConnMap) StreamsFor(vbid base.Vbid) []*Stream {
	cm.lock.RLock()
	defer cm.lock.RUnlock()
	out := make([]*Stream, 0, len(cm.streams[vbid]))
	for _, s := range cm.streams[vbid] {
		out = append(out, s)
	}
	return out
}

func (cm *ConnMap) AllStreams() []*Stream {
	cm.lock.RLock()
	defer cm.lock.RUnlock()
	var out []*Stream
	for _, vbStreams := range cm.streams {
		for _, s := range vbStreams {
			out = append(out, s)
		}
	}
	return out
}

// BackfillTask replays one vbucket's persisted snapshot into a stream whose
// cursor was dropped, then re-registers the cursor so the stream returns to
// in-memory streaming. One-shot.
type BackfillTask struct {
	bucket *KVBucket
	stream *Stream
	start  uint64
	logger *xdcrLog.CommonLogger
}

func NewBackfillTask(bucket *KVBucket, stream *Stream, start uint64,
	logger *xdcrLog.CommonLogger) *BackfillTask {
	return &BackfillTask{bucket: bucket, stream: stream, start: start, logger: logger}
}

func (t *BackfillTask) Description() string {
	return "BackfillTask"
}

func (t *BackfillTask) Run() (time.Duration, bool) {
	vb := t.bucket.GetVBucket(t.stream.vbid)
	if vb == nil || t.stream.State() == StreamStateDead {
		return 0, false
	}

	end := t.bucket.store.HighSeqno(t.stream.vbid)
	if end >= t.start {
		items, err := t.bucket.store.SnapshotRange(t.stream.vbid, t.start, end)
		if err != nil {
			t.logger.Errorf("%v backfill read failed for stream %v: %v",
				t.stream.vbid, t.stream.name, err)
			return 0, false
		}
		snapshot := base.SnapshotRange{Start: t.start, End: end}
		t.stream.enqueue(StreamEvent{OpCode: snapshotMarkerOpcode, Range: &snapshot})
		for _, qi := range items {
			t.stream.enqueue(StreamEvent{OpCode: opcodeFor(qi), Item: qi.Retain()})
		}
		t.stream.resumeSeqno = end + 1
	}

	// back to in-memory streaming from the end of the backfill
	res, err := vb.checkpointMgr.RegisterCursorBySeqno(t.stream.name, t.stream.resumeSeqno)
	if err != nil {
		t.logger.Errorf("%v backfill cursor re-registration failed for %v: %v",
			t.stream.vbid, t.stream.name, err)
		return 0, false
	}
	t.stream.resumeSeqno = res.Seqno
	t.stream.setState(StreamStateInMemory)
	t.bucket.NotifyVBConnections(t.stream.vbid)
	return 0, false
}
