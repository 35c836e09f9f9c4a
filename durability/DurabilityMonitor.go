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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/gocbcore/v10/memd"
	xdcrLog "github.com/couchbase/goxdcr/v8/log"
	"github.com/couchbase/kvcore/base"
	"github.com/couchbase/kvcore/item"
	"github.com/couchbase/kvcore/stats"
)

// CompletionNotifier is implemented by the completion task; the monitor pokes
// it whenever a vbucket gains resolved sync writes to drain
type CompletionNotifier interface {
	NotifySyncWritesToComplete(vbid base.Vbid)
}

// ClientCookie identifies the client connection waiting on a sync write.
// A cookie is notified exactly once with the final outcome; duplicate
// notifications are suppressed.
type ClientCookie struct {
	ConnID   string
	notified int32
	outcome  chan base.StatusCode
}

func NewClientCookie(connID string) *ClientCookie {
	return &ClientCookie{
		ConnID:  connID,
		outcome: make(chan base.StatusCode, 1),
	}
}

// Notify delivers the final status. Returns false if the cookie was already
// notified, in which case nothing is delivered.
func (c *ClientCookie) Notify(status base.StatusCode) bool {
	if c == nil {
		return false
	}
	if !atomic.CompareAndSwapInt32(&c.notified, 0, 1) {
		return false
	}
	c.outcome <- status
	return true
}

// Outcome is the channel the connection layer selects on
func (c *ClientCookie) Outcome() <-chan base.StatusCode {
	return c.outcome
}

// ReplicationTopology names the nodes in the replication chains. The first
// entry of the first chain is the active node.
type ReplicationTopology struct {
	FirstChain  []string
	SecondChain []string
}

// Majority is the quorum size over the first chain
func (t *ReplicationTopology) Majority() int {
	return len(t.FirstChain)/2 + 1
}

func (t *ReplicationTopology) active() string {
	if len(t.FirstChain) == 0 {
		return ""
	}
	return t.FirstChain[0]
}

func (t *ReplicationTopology) contains(node string) bool {
	for _, n := range t.FirstChain {
		if n == node {
			return true
		}
	}
	for _, n := range t.SecondChain {
		if n == node {
			return true
		}
	}
	return false
}

type SyncWriteStatus int

const (
	SyncWritePending  SyncWriteStatus = iota
	SyncWriteToCommit SyncWriteStatus = iota
	SyncWriteToAbort  SyncWriteStatus = iota
)

type trackedWrite struct {
	qi       *item.Item
	level    base.DurabilityLevel
	deadline time.Time
	cookie   *ClientCookie
	acks     map[string]bool
	status   SyncWriteStatus
	// set when a topology change made the level unsatisfiable
	impossible bool
}

func (w *trackedWrite) seqno() uint64 {
	return uint64(w.qi.BySeqno)
}

// Resolution is one resolved prepare handed to the completion task. The item
// reference is transferred: the receiver queues the commit/abort and releases
// the prepare.
type Resolution struct {
	Prepare   *item.Item
	Committed bool
	Cookie    *ClientCookie
}

// DurabilityMonitor tracks prepared sync writes on one active vbucket until
// enough acknowledgements arrive to commit them, or a timeout/state change
// aborts them. It has its own lock and never calls into the checkpoint
// manager while holding it.
type DurabilityMonitor struct {
	vbid     base.Vbid
	stats    *stats.EPStats
	logger   *xdcrLog.CommonLogger
	notifier CompletionNotifier

	lock          sync.Mutex
	topology      *ReplicationTopology
	trackedWrites []*trackedWrite
	lastAckSeqno  map[string]uint64
	highPersistedSeqno uint64
	highPreparedSeqno  uint64
	highCompletedSeqno uint64
	resolved      []*trackedWrite
}

func NewDurabilityMonitor(vbid base.Vbid, st *stats.EPStats, topology *ReplicationTopology,
	notifier CompletionNotifier, logger *xdcrLog.CommonLogger) *DurabilityMonitor {
	return &DurabilityMonitor{
		vbid:         vbid,
		stats:        st,
		logger:       logger,
		notifier:     notifier,
		topology:     topology,
		lastAckSeqno: make(map[string]uint64),
	}
}

// durabilityPossibleLocked reports whether the current topology can satisfy
// any majority level. A chain with no replica cannot.
func (m *DurabilityMonitor) durabilityPossibleLocked() bool {
	return m.topology != nil && len(m.topology.FirstChain) >= 2
}

// CheckDurabilityPossible is consulted before a prepare is queued so the
// client gets a synchronous DurabilityImpossible instead of a doomed wait
func (m *DurabilityMonitor) CheckDurabilityPossible(level base.DurabilityLevel) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if level == base.DurabilityNone {
		return fmt.Errorf("%w: not a sync write", base.ErrorInvalidArgument)
	}
	if !m.durabilityPossibleLocked() {
		return base.ErrorDurabilityImpossible
	}
	return nil
}

// AddPrepare records a queued pending_sync_write. The item must already carry
// its seqno from the checkpoint manager. The monitor takes its own reference.
func (m *DurabilityMonitor) AddPrepare(qi *item.Item, cookie *ClientCookie) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if qi.Op != base.QueueOpPendingSyncWrite {
		return fmt.Errorf("%w: op %v is not a prepare", base.ErrorInvalidArgument, qi.Op)
	}
	if !m.durabilityPossibleLocked() {
		return base.ErrorDurabilityImpossible
	}
	if n := len(m.trackedWrites); n > 0 && m.trackedWrites[n-1].seqno() >= uint64(qi.BySeqno) {
		return fmt.Errorf("%w: prepare seqno %v not above tracked high %v",
			base.ErrorInternal, qi.BySeqno, m.trackedWrites[n-1].seqno())
	}

	w := &trackedWrite{
		qi:       qi.Retain(),
		level:    qi.Level,
		deadline: qi.Deadline,
		cookie:   cookie,
		acks:     make(map[string]bool),
	}
	m.trackedWrites = append(m.trackedWrites, w)
	m.highPreparedSeqno = w.seqno()
	return nil
}

// SeqnoAcknowledged records that replica has everything up to preparedSeqno.
// Acks are monotonic per replica; a lower ack than previously seen is
// ignored. For persist-level prepares the ack means the replica persisted.
func (m *DurabilityMonitor) SeqnoAcknowledged(replica string, preparedSeqno uint64) {
	m.lock.Lock()
	if prev, ok := m.lastAckSeqno[replica]; ok && preparedSeqno <= prev {
		m.lock.Unlock()
		return
	}
	m.lastAckSeqno[replica] = preparedSeqno

	if m.topology == nil || !m.topology.contains(replica) {
		// topology races leave straggler acks behind; harmless
		m.logger.Warnf("%v ack from %v which is not in the topology, ignoring", m.vbid, replica)
		m.lock.Unlock()
		return
	}
	for _, w := range m.trackedWrites {
		if w.seqno() <= preparedSeqno {
			w.acks[replica] = true
		}
	}
	m.resolveLocked()
	resolved := len(m.resolved) > 0
	m.lock.Unlock()

	if resolved {
		m.notifier.NotifySyncWritesToComplete(m.vbid)
	}
}

// NotifyLocalPersistence tells the monitor the flusher persisted up to seqno
func (m *DurabilityMonitor) NotifyLocalPersistence(seqno uint64) {
	m.lock.Lock()
	if seqno > m.highPersistedSeqno {
		m.highPersistedSeqno = seqno
	}
	m.resolveLocked()
	resolved := len(m.resolved) > 0
	m.lock.Unlock()

	if resolved {
		m.notifier.NotifySyncWritesToComplete(m.vbid)
	}
}

// requirementsMetLocked evaluates one prepare against the topology
func (m *DurabilityMonitor) requirementsMetLocked(w *trackedWrite) bool {
	majority := m.topology.Majority()
	active := m.topology.active()

	count := 0
	for _, node := range m.topology.FirstChain {
		if node == active {
			// the active's own contribution: in-memory for Majority levels,
			// persisted for PersistToMajority
			if w.level == base.DurabilityPersistToMajority {
				if m.highPersistedSeqno >= w.seqno() {
					count++
				}
			} else {
				count++
			}
			continue
		}
		if w.acks[node] {
			count++
		}
	}
	if count < majority {
		return false
	}
	if w.level == base.DurabilityMajorityAndPersistOnMaster &&
		m.highPersistedSeqno < w.seqno() {
		return false
	}
	return true
}

// resolveLocked scans the tracked list in seqno order and moves satisfied
// prepares onto the resolved queue. Resolution is strictly in-order: a later
// prepare never resolves before an earlier one still pending.
func (m *DurabilityMonitor) resolveLocked() {
	i := 0
	for ; i < len(m.trackedWrites); i++ {
		w := m.trackedWrites[i]
		if w.impossible || !m.requirementsMetLocked(w) {
			break
		}
		w.status = SyncWriteToCommit
		m.resolved = append(m.resolved, w)
	}
	if i > 0 {
		m.trackedWrites = m.trackedWrites[i:]
	}
}

// ProcessTimeout aborts every tracked prepare whose deadline elapsed. The
// periodic sweep calls this; aborts do not wait for in-order resolution.
func (m *DurabilityMonitor) ProcessTimeout(now time.Time) {
	m.lock.Lock()
	var kept []*trackedWrite
	var aborted int
	for _, w := range m.trackedWrites {
		if !w.deadline.IsZero() && !now.Before(w.deadline) {
			w.status = SyncWriteToAbort
			m.resolved = append(m.resolved, w)
			aborted++
			continue
		}
		kept = append(kept, w)
	}
	if aborted > 0 {
		m.trackedWrites = kept
	}
	resolved := len(m.resolved) > 0
	m.lock.Unlock()

	if aborted > 0 {
		m.logger.Infof("%v aborted %v sync writes on timeout", m.vbid, aborted)
	}
	if resolved {
		m.notifier.NotifySyncWritesToComplete(m.vbid)
	}
}

// SetTopology installs a new replication topology and re-evaluates every
// tracked prepare against the new acker set. Prepares whose level became
// unsatisfiable stay tracked but their clients learn DurabilityImpossible.
func (m *DurabilityMonitor) SetTopology(topology *ReplicationTopology) {
	m.lock.Lock()
	m.topology = topology

	var impossibleCookies []*ClientCookie
	if !m.durabilityPossibleLocked() {
		for _, w := range m.trackedWrites {
			if !w.impossible {
				w.impossible = true
				impossibleCookies = append(impossibleCookies, w.cookie)
			}
		}
	} else {
		for _, w := range m.trackedWrites {
			w.impossible = false
			// drop acks from nodes that left the chain
			for node := range w.acks {
				if !topology.contains(node) {
					delete(w.acks, node)
				}
			}
		}
		m.resolveLocked()
	}
	resolved := len(m.resolved) > 0
	m.lock.Unlock()

	for _, cookie := range impossibleCookies {
		cookie.Notify(memd.StatusDurabilityImpossible)
	}
	if resolved {
		m.notifier.NotifySyncWritesToComplete(m.vbid)
	}
}

// NotifyStateChangeToNonActive completes all waiting clients with
// SyncWriteAmbiguous. The tracked list itself is preserved for the new
// active to reconcile.
func (m *DurabilityMonitor) NotifyStateChangeToNonActive() {
	m.lock.Lock()
	cookies := make([]*ClientCookie, 0, len(m.trackedWrites))
	for _, w := range m.trackedWrites {
		if w.cookie != nil {
			cookies = append(cookies, w.cookie)
			w.cookie = nil
		}
	}
	m.lock.Unlock()

	for _, cookie := range cookies {
		cookie.Notify(memd.StatusSyncWriteAmbiguous)
	}
}

// AbortAll force-aborts every tracked prepare, e.g. on vbucket teardown
func (m *DurabilityMonitor) AbortAll(reason string) {
	m.lock.Lock()
	aborted := len(m.trackedWrites)
	for _, w := range m.trackedWrites {
		w.status = SyncWriteToAbort
		m.resolved = append(m.resolved, w)
	}
	m.trackedWrites = nil
	resolved := len(m.resolved) > 0
	m.lock.Unlock()

	if aborted > 0 {
		m.logger.Infof("%v aborted %v tracked sync writes: %v", m.vbid, aborted, reason)
	}
	if resolved {
		m.notifier.NotifySyncWritesToComplete(m.vbid)
	}
}

// DrainResolved transfers ownership of the resolved queue to the caller. The
// prepare item references move with the resolutions.
func (m *DurabilityMonitor) DrainResolved() []Resolution {
	m.lock.Lock()
	writes := m.resolved
	m.resolved = nil
	if n := len(writes); n > 0 {
		last := writes[n-1]
		if s := last.seqno(); s > m.highCompletedSeqno {
			m.highCompletedSeqno = s
		}
	}
	m.lock.Unlock()

	out := make([]Resolution, 0, len(writes))
	for _, w := range writes {
		out = append(out, Resolution{
			Prepare:   w.qi,
			Committed: w.status == SyncWriteToCommit,
			Cookie:    w.cookie,
		})
	}
	return out
}

func (m *DurabilityMonitor) NumTracked() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.trackedWrites)
}

func (m *DurabilityMonitor) HighPreparedSeqno() uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.highPreparedSeqno
}

func (m *DurabilityMonitor) HighCompletedSeqno() uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.highCompletedSeqno
}
