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

	"github.com/couchbase/gomemcached"
	xdcrLog "github.com/couchbase/goxdcr/v8/log"
	"github.com/couchbase/kvcore/base"
	"github.com/couchbase/kvcore/item"
)

// wire opcode used for snapshot marker events
const snapshotMarkerOpcode = gomemcached.UPR_SNAPSHOT

type StreamState int

const (
	StreamStateInMemory    StreamState = iota
	StreamStateBackfilling StreamState = iota
	StreamStateDead        StreamState = iota
)

// StreamEvent is one message toward a stream consumer. Snapshot markers
// carry a range; mutations and deletions carry an item the consumer must
// Release once sent.
type StreamEvent struct {
	OpCode gomemcached.CommandCode
	Item   *item.Item
	Range  *base.SnapshotRange
}

func (e StreamEvent) size() int64 {
	if e.Item != nil {
		return e.Item.Size()
	}
	return 32
}

// Stream is one replication/backfill consumer of a vbucket's checkpoint
// list. Its cursor shares the stream name. When the cursor is dropped under
// memory pressure the stream transitions to backfill and rebuilds from the
// persisted snapshot before re-registering in memory.
type Stream struct {
	name   string
	vbid   base.Vbid
	logger *xdcrLog.CommonLogger

	stateLock sync.RWMutex
	state     StreamState

	bufferLog *BufferLog
	eventCh   chan StreamEvent

	// seqno streaming resumes from; advanced only when an item event is
	// actually handed to the consumer, so a backfill after a cursor drop
	// covers everything not yet delivered
	resumeSeqno uint64

	// invoked when an acknowledgement frees space and parked events exist,
	// so the producer gets re-driven
	resumeHook func()

	// events refused by flow control, retried after acknowledgements
	pendingLock sync.Mutex
	pending     []StreamEvent
}

func NewStream(name string, vbid base.Vbid, bufferBytes int64, chanSize int,
	logger *xdcrLog.CommonLogger) *Stream {
	return &Stream{
		name:      name,
		vbid:      vbid,
		logger:    logger,
		state:     StreamStateInMemory,
		bufferLog: NewBufferLog(bufferBytes),
		eventCh:   make(chan StreamEvent, chanSize),
	}
}

func (s *Stream) Name() string {
	return s.name
}

func (s *Stream) Vbid() base.Vbid {
	return s.vbid
}

func (s *Stream) State() StreamState {
	s.stateLock.RLock()
	defer s.stateLock.RUnlock()
	return s.state
}

func (s *Stream) setState(state StreamState) {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	s.state = state
}

// Events is consumed by the connection layer
func (s *Stream) Events() <-chan StreamEvent {
	return s.eventCh
}

// AcknowledgeBytes is called when the consumer confirms receipt; it may
// unblock a paused producer
func (s *Stream) AcknowledgeBytes(bytes int64) bool {
	resumed := s.bufferLog.Acknowledge(bytes)
	if (resumed || s.hasPending()) && s.resumeHook != nil {
		s.resumeHook()
	}
	return resumed
}

// send pushes one event within the flow-control cap. Returns false when the
// buffer log is full or the channel cannot take more; the caller pauses.
func (s *Stream) send(ev StreamEvent) bool {
	if !s.bufferLog.Insert(ev.size()) {
		return false
	}
	select {
	case s.eventCh <- ev:
		if ev.Item != nil {
			s.resumeSeqno = uint64(ev.Item.BySeqno) + 1
		}
		return true
	default:
		s.bufferLog.Acknowledge(ev.size())
		return false
	}
}

func opcodeFor(qi *item.Item) gomemcached.CommandCode {
	if qi.Deleted {
		return gomemcached.UPR_DELETION
	}
	return gomemcached.UPR_MUTATION
}

// sendSnapshot emits a marker followed by the items of one snapshot range.
// Events refused by flow control are parked and retried after the consumer
// acknowledges bytes.
func (s *Stream) sendSnapshot(r base.SnapshotRange, items []*item.Item) {
	s.enqueue(StreamEvent{OpCode: snapshotMarkerOpcode, Range: &r})
	for _, qi := range items {
		if qi.Op.IsMeta() {
			qi.Release()
			continue
		}
		s.enqueue(StreamEvent{OpCode: opcodeFor(qi), Item: qi})
	}
}

func (s *Stream) enqueue(ev StreamEvent) {
	s.pendingLock.Lock()
	defer s.pendingLock.Unlock()
	if len(s.pending) == 0 && s.send(ev) {
		return
	}
	s.pending = append(s.pending, ev)
}

// flushPending retries parked events; returns true once nothing is parked
func (s *Stream) flushPending() bool {
	s.pendingLock.Lock()
	defer s.pendingLock.Unlock()
	for len(s.pending) > 0 {
		if !s.send(s.pending[0]) {
			return false
		}
		s.pending = s.pending[1:]
	}
	return true
}

func (s *Stream) hasPending() bool {
	s.pendingLock.Lock()
	defer s.pendingLock.Unlock()
	return len(s.pending) > 0
}

// clearPending discards parked, undelivered events. Used when the stream
// falls back to backfill, which re-reads everything past resumeSeqno.
func (s *Stream) clearPending() {
	s.pendingLock.Lock()
	defer s.pendingLock.Unlock()
	for _, ev := range s.pending {
		if ev.Item != nil {
			ev.Item.Release()
		}
	}
	s.pending = nil
}

func (s *Stream) close() {
	s.setState(StreamStateDead)
}
