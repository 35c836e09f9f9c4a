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
	"sync"
	"testing"
	"time"

	"github.com/couchbase/gocbcore/v10/memd"
	xdcrLog "github.com/couchbase/goxdcr/v8/log"
	"github.com/stretchr/testify/assert"

	"github.com/couchbase/kvcore/base"
	"github.com/couchbase/kvcore/item"
	"github.com/couchbase/kvcore/stats"
	"github.com/couchbase/kvcore/task"
)

type notifierRecorder struct {
	lock     sync.Mutex
	notified []base.Vbid
}

func (n *notifierRecorder) NotifySyncWritesToComplete(vbid base.Vbid) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.notified = append(n.notified, vbid)
}

func (n *notifierRecorder) count() int {
	n.lock.Lock()
	defer n.lock.Unlock()
	return len(n.notified)
}

func newTestMonitor(topology *ReplicationTopology) (*DurabilityMonitor, *notifierRecorder) {
	testLogger := xdcrLog.NewLogger("testLogger", xdcrLog.DefaultLoggerContext)
	notifier := &notifierRecorder{}
	return NewDurabilityMonitor(base.Vbid(0), stats.NewEPStats(), topology, notifier, testLogger), notifier
}

func activeReplicaTopology() *ReplicationTopology {
	return &ReplicationTopology{FirstChain: []string{"active", "replica"}}
}

func makePrepare(key string, seqno int64, level base.DurabilityLevel) *item.Item {
	qi := item.NewItem([]byte(key), []byte("value"), base.QueueOpPendingSyncWrite)
	qi.BySeqno = seqno
	qi.Level = level
	return qi
}

func TestMajorityAckTriggersCommit(t *testing.T) {
	assert := assert.New(t)
	m, notifier := newTestMonitor(activeReplicaTopology())

	for i := int64(1); i <= 3; i++ {
		err := m.AddPrepare(makePrepare("key", i, base.DurabilityMajority), NewClientCookie("conn1"))
		assert.Nil(err)
	}
	assert.Equal(3, m.NumTracked())

	m.SeqnoAcknowledged("replica", 3)

	resolved := m.DrainResolved()
	assert.Equal(3, len(resolved))
	for _, res := range resolved {
		assert.True(res.Committed)
	}
	assert.Equal(0, m.NumTracked())
	assert.True(notifier.count() > 0)
}

func TestPersistToMajorityNeedsLocalPersistence(t *testing.T) {
	assert := assert.New(t)
	m, _ := newTestMonitor(activeReplicaTopology())

	for i := int64(1); i <= 3; i++ {
		err := m.AddPrepare(makePrepare("key", i, base.DurabilityPersistToMajority), NewClientCookie("conn1"))
		assert.Nil(err)
	}

	// the replica has persisted everything, the active has not
	m.SeqnoAcknowledged("replica", 3)
	assert.Equal(0, len(m.DrainResolved()))
	assert.Equal(3, m.NumTracked())

	m.NotifyLocalPersistence(3)
	resolved := m.DrainResolved()
	assert.Equal(3, len(resolved))
	for _, res := range resolved {
		assert.True(res.Committed)
	}
}

func TestMajorityAndPersistOnMaster(t *testing.T) {
	assert := assert.New(t)
	m, _ := newTestMonitor(activeReplicaTopology())

	err := m.AddPrepare(makePrepare("key", 1, base.DurabilityMajorityAndPersistOnMaster),
		NewClientCookie("conn1"))
	assert.Nil(err)

	m.SeqnoAcknowledged("replica", 1)
	assert.Equal(0, len(m.DrainResolved()))

	m.NotifyLocalPersistence(1)
	assert.Equal(1, len(m.DrainResolved()))
}

func TestResolutionIsInPrepareOrder(t *testing.T) {
	assert := assert.New(t)
	m, _ := newTestMonitor(activeReplicaTopology())

	// the first prepare needs local persistence, the second does not
	err := m.AddPrepare(makePrepare("k1", 1, base.DurabilityPersistToMajority), NewClientCookie("conn1"))
	assert.Nil(err)
	err = m.AddPrepare(makePrepare("k2", 2, base.DurabilityMajority), NewClientCookie("conn1"))
	assert.Nil(err)

	// the second prepare's requirements are met, but it must wait for the
	// first so commit order equals prepare order
	m.SeqnoAcknowledged("replica", 2)
	assert.Equal(0, len(m.DrainResolved()))
	assert.Equal(2, m.NumTracked())

	m.NotifyLocalPersistence(1)
	resolved := m.DrainResolved()
	assert.Equal(2, len(resolved))
	assert.Equal([]byte("k1"), resolved[0].Prepare.Key)
	assert.Equal([]byte("k2"), resolved[1].Prepare.Key)
}

func TestAcksAreMonotonicPerReplica(t *testing.T) {
	assert := assert.New(t)
	m, _ := newTestMonitor(activeReplicaTopology())

	err := m.AddPrepare(makePrepare("k1", 5, base.DurabilityMajority), NewClientCookie("conn1"))
	assert.Nil(err)

	m.SeqnoAcknowledged("replica", 7)
	assert.Equal(1, len(m.DrainResolved()))

	err = m.AddPrepare(makePrepare("k2", 8, base.DurabilityMajority), NewClientCookie("conn1"))
	assert.Nil(err)

	// a lower ack than previously seen is ignored
	m.SeqnoAcknowledged("replica", 6)
	assert.Equal(0, len(m.DrainResolved()))
	assert.Equal(1, m.NumTracked())
}

func TestAckFromUnknownReplicaIgnored(t *testing.T) {
	assert := assert.New(t)
	m, _ := newTestMonitor(activeReplicaTopology())

	err := m.AddPrepare(makePrepare("k1", 1, base.DurabilityMajority), NewClientCookie("conn1"))
	assert.Nil(err)

	m.SeqnoAcknowledged("stranger", 1)
	assert.Equal(0, len(m.DrainResolved()))
	assert.Equal(1, m.NumTracked())
}

func TestTimeoutAbortsPrepare(t *testing.T) {
	assert := assert.New(t)
	m, _ := newTestMonitor(activeReplicaTopology())

	qi := makePrepare("k1", 1, base.DurabilityMajority)
	qi.Deadline = time.Now().Add(-time.Second)
	err := m.AddPrepare(qi, NewClientCookie("conn1"))
	assert.Nil(err)

	m.ProcessTimeout(time.Now())
	resolved := m.DrainResolved()
	assert.Equal(1, len(resolved))
	assert.False(resolved[0].Committed)
	assert.Equal(0, m.NumTracked())
}

func TestDurabilityImpossibleOnSingletonTopology(t *testing.T) {
	assert := assert.New(t)
	m, _ := newTestMonitor(&ReplicationTopology{FirstChain: []string{"active"}})

	err := m.CheckDurabilityPossible(base.DurabilityMajority)
	assert.ErrorIs(err, base.ErrorDurabilityImpossible)

	err = m.AddPrepare(makePrepare("k1", 1, base.DurabilityMajority), NewClientCookie("conn1"))
	assert.ErrorIs(err, base.ErrorDurabilityImpossible)
}

func TestTopologyShrinkNotifiesImpossible(t *testing.T) {
	assert := assert.New(t)
	m, _ := newTestMonitor(activeReplicaTopology())

	cookie := NewClientCookie("conn1")
	err := m.AddPrepare(makePrepare("k1", 1, base.DurabilityMajority), cookie)
	assert.Nil(err)

	m.SetTopology(&ReplicationTopology{FirstChain: []string{"active"}})

	select {
	case status := <-cookie.Outcome():
		assert.Equal(memd.StatusDurabilityImpossible, status)
	default:
		assert.Fail("expected DurabilityImpossible notification")
	}
	// the prepare stays tracked for reconciliation
	assert.Equal(1, m.NumTracked())
}

func TestTopologyGrowthReevaluates(t *testing.T) {
	assert := assert.New(t)
	m, _ := newTestMonitor(activeReplicaTopology())

	err := m.AddPrepare(makePrepare("k1", 1, base.DurabilityMajority), NewClientCookie("conn1"))
	assert.Nil(err)
	m.SeqnoAcknowledged("replica2", 1)
	assert.Equal(0, len(m.DrainResolved()))

	// replica2 joins the chain; its earlier ack was dropped as unknown, a
	// fresh ack resolves the prepare
	m.SetTopology(&ReplicationTopology{FirstChain: []string{"active", "replica2"}})
	m.SeqnoAcknowledged("replica2", 2)
	assert.Equal(1, len(m.DrainResolved()))
}

func TestStateChangeToNonActiveNotifiesOnce(t *testing.T) {
	assert := assert.New(t)
	m, _ := newTestMonitor(activeReplicaTopology())

	cookie := NewClientCookie("conn1")
	err := m.AddPrepare(makePrepare("k1", 1, base.DurabilityMajority), cookie)
	assert.Nil(err)

	m.NotifyStateChangeToNonActive()
	select {
	case status := <-cookie.Outcome():
		assert.Equal(memd.StatusSyncWriteAmbiguous, status)
	default:
		assert.Fail("expected SyncWriteAmbiguous notification")
	}

	// duplicate notifications are suppressed
	m.NotifyStateChangeToNonActive()
	assert.False(cookie.Notify(memd.StatusSuccess))
	select {
	case <-cookie.Outcome():
		assert.Fail("cookie must only be notified once")
	default:
	}

	// the tracked list is preserved for the new active
	assert.Equal(1, m.NumTracked())
}

type processorRecorder struct {
	lock      sync.Mutex
	processed []base.Vbid
}

func (p *processorRecorder) ProcessResolvedSyncWrites(vbid base.Vbid) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.processed = append(p.processed, vbid)
}

func (p *processorRecorder) snapshot() []base.Vbid {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]base.Vbid(nil), p.processed...)
}

func TestCompletionTaskDrainsNotifiedVbuckets(t *testing.T) {
	assert := assert.New(t)
	testLogger := xdcrLog.NewLogger("testLogger", xdcrLog.DefaultLoggerContext)
	scheduler := task.NewScheduler(2, testLogger)
	defer scheduler.Stop()

	recorder := &processorRecorder{}
	ct := NewCompletionTask(8, stats.NewEPStats(), recorder, scheduler, testLogger)
	defer ct.Cancel()

	ct.NotifySyncWritesToComplete(base.Vbid(3))
	ct.NotifySyncWritesToComplete(base.Vbid(5))
	// duplicate notification while pending must not double-process
	ct.NotifySyncWritesToComplete(base.Vbid(3))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(recorder.snapshot()) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	processed := recorder.snapshot()
	assert.Equal(2, len(processed))
	assert.Contains(processed, base.Vbid(3))
	assert.Contains(processed, base.Vbid(5))
}
