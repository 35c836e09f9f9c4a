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

	"github.com/couchbase/gocbcore/v10/memd"
	xdcrLog "github.com/couchbase/goxdcr/v8/log"
	"github.com/couchbase/kvcore/base"
	"github.com/couchbase/kvcore/checkpoint"
	"github.com/couchbase/kvcore/durability"
	"github.com/couchbase/kvcore/hashtable"
	"github.com/couchbase/kvcore/item"
	"github.com/couchbase/kvcore/stats"
	"github.com/couchbase/kvcore/utils"
)

// VBucket composes one partition's hash table, checkpoint manager and
// durability monitor. Client-facing operations check the vbucket state;
// background tasks reach the subsystems through the focused interfaces this
// type satisfies (Flushable, PagedVbucket, RecoverableVbucket).
type VBucket struct {
	id     base.Vbid
	bucket *KVBucket
	stats  *stats.EPStats
	logger *xdcrLog.CommonLogger

	stateLock sync.RWMutex
	state     base.VBState

	ht            *hashtable.HashTable
	checkpointMgr *checkpoint.CheckpointManager
	monitor       *durability.DurabilityMonitor

	highPersistedSeqno utils.SeqnoWithLock
}

func NewVBucket(id base.Vbid, state base.VBState, bucket *KVBucket,
	topology *durability.ReplicationTopology, logger *xdcrLog.CommonLogger) *VBucket {
	vb := &VBucket{
		id:     id,
		bucket: bucket,
		stats:  bucket.stats,
		logger: logger,
		state:  state,
	}
	vb.ht = hashtable.NewHashTable(bucket.stats.AddMemory)
	vb.checkpointMgr = checkpoint.NewCheckpointManager(bucket.stats, id,
		bucket.checkpointConfig(), 0, 0, 0, bucket.flusher.Notify, logger)
	vb.monitor = durability.NewDurabilityMonitor(id, bucket.stats, topology,
		bucket.completionTask, logger)
	return vb
}

func (vb *VBucket) Vbid() base.Vbid {
	return vb.id
}

func (vb *VBucket) State() base.VBState {
	vb.stateLock.RLock()
	defer vb.stateLock.RUnlock()
	return vb.state
}

func (vb *VBucket) HashTable() *hashtable.HashTable {
	return vb.ht
}

func (vb *VBucket) CheckpointManager() *checkpoint.CheckpointManager {
	return vb.checkpointMgr
}

func (vb *VBucket) DurabilityMonitor() *durability.DurabilityMonitor {
	return vb.monitor
}

func (vb *VBucket) MaxCas() uint64 {
	return vb.checkpointMgr.MaxCas()
}

func (vb *VBucket) HighSeqno() int64 {
	return vb.checkpointMgr.HighSeqno()
}

func (vb *VBucket) requireActive() error {
	vb.stateLock.RLock()
	defer vb.stateLock.RUnlock()
	if vb.state != base.VBStateActive {
		return base.ErrorNotMyVbucket
	}
	return nil
}

// SetState transitions the vbucket, queueing the transition in-band. Moving
// away from active completes all waiting sync-write clients ambiguously; the
// tracked prepares survive for the new active to reconcile.
func (vb *VBucket) SetState(newState base.VBState, topology *durability.ReplicationTopology) {
	vb.stateLock.Lock()
	oldState := vb.state
	vb.state = newState
	vb.stateLock.Unlock()

	vb.checkpointMgr.QueueSetVBState()

	if oldState == base.VBStateActive && newState != base.VBStateActive {
		vb.monitor.NotifyStateChangeToNonActive()
	}
	if newState == base.VBStateActive && topology != nil {
		vb.monitor.SetTopology(topology)
	}
	vb.logger.Infof("%v state change %v -> %v", vb.id, oldState, newState)
}

// SetReplicationTopology re-evaluates all tracked prepares against the new
// chain and forces a checkpoint boundary, as a topology change does
func (vb *VBucket) SetReplicationTopology(topology *durability.ReplicationTopology) {
	vb.checkpointMgr.CreateNewCheckpoint()
	vb.monitor.SetTopology(topology)
}

// Set stores a committed mutation
func (vb *VBucket) Set(key, value []byte, datatype uint8) (uint64, error) {
	if err := vb.requireActive(); err != nil {
		return 0, err
	}
	qi := item.NewItem(key, value, base.QueueOpMutation)
	qi.Datatype = datatype
	if _, err := vb.checkpointMgr.QueueDirty(qi, base.GenerateBySeqnoYes, base.GenerateCasYes); err != nil {
		return 0, err
	}
	vb.ht.Set(qi)
	vb.bucket.NotifyVBConnections(vb.id)
	return qi.Cas, nil
}

// Delete stores a deletion tombstone
func (vb *VBucket) Delete(key []byte) (uint64, error) {
	if err := vb.requireActive(); err != nil {
		return 0, err
	}
	sv, err := vb.ht.Get(key)
	if err != nil {
		return 0, err
	}
	qi := item.NewItem(key, nil, base.QueueOpDeletion)
	qi.Deleted = true
	qi.RevSeqno = sv.RevSeqno + 1
	if _, err = vb.checkpointMgr.QueueDirty(qi, base.GenerateBySeqnoYes, base.GenerateCasYes); err != nil {
		return 0, err
	}
	vb.ht.Set(qi)
	vb.bucket.NotifyVBConnections(vb.id)
	return qi.Cas, nil
}

// Get reads the committed entry, fetching the value from the store when it
// was paged out
func (vb *VBucket) Get(key []byte) (*item.Item, error) {
	if err := vb.requireActive(); err != nil {
		return nil, err
	}
	sv, err := vb.ht.Get(key)
	if err != nil {
		return nil, err
	}
	if !sv.IsResident() {
		stored, err := vb.bucket.store.Get(vb.id, key)
		if err != nil {
			return nil, err
		}
		return stored, nil
	}
	qi := item.NewItem(sv.Key, sv.Value, base.QueueOpMutation)
	qi.Cas = sv.Cas
	qi.BySeqno = sv.BySeqno
	qi.RevSeqno = sv.RevSeqno
	qi.Flags = sv.Flags
	qi.Expiry = sv.Expiry
	qi.Datatype = sv.Datatype
	return qi, nil
}

// SetWithDurability accepts a sync write. On success the client holds a
// cookie and will be notified exactly once with the final outcome; the call
// itself returns ErrorWouldBlock to signal the asynchronous completion.
func (vb *VBucket) SetWithDurability(key, value []byte, level base.DurabilityLevel,
	timeout time.Duration, cookie *durability.ClientCookie) error {
	if err := vb.requireActive(); err != nil {
		return err
	}
	if level == base.DurabilityPersistToMajority && vb.bucket.cfg.Ephemeral {
		return base.ErrorDurabilityInvalidLevel
	}
	if err := vb.monitor.CheckDurabilityPossible(level); err != nil {
		return err
	}
	if vb.ht.HasPrepare(key) {
		return base.ErrorSyncWriteInProgress
	}

	qi := item.NewItem(key, value, base.QueueOpPendingSyncWrite)
	qi.Level = level
	if timeout == 0 {
		timeout = base.DefaultDurabilityTimeout
	}
	qi.Deadline = time.Now().Add(timeout)

	if _, err := vb.checkpointMgr.QueueDirty(qi, base.GenerateBySeqnoYes, base.GenerateCasYes); err != nil {
		return err
	}
	vb.ht.SetPrepare(qi)
	if err := vb.monitor.AddPrepare(qi, cookie); err != nil {
		return err
	}
	vb.bucket.NotifyVBConnections(vb.id)
	return base.ErrorWouldBlock
}

// SeqnoAcknowledged feeds a replica's ack into the durability monitor
func (vb *VBucket) SeqnoAcknowledged(replica string, seqno uint64) {
	vb.monitor.SeqnoAcknowledged(replica, seqno)
}

// ProcessResolvedSyncWrites drains the monitor's resolved queue into the
// checkpoint manager. Invoked from the completion task.
func (vb *VBucket) ProcessResolvedSyncWrites() {
	for _, res := range vb.monitor.DrainResolved() {
		prepare := res.Prepare
		if res.Committed {
			commit := item.NewItem(prepare.Key, prepare.Value, base.QueueOpCommitSyncWrite)
			commit.RevSeqno = prepare.RevSeqno
			commit.Flags = prepare.Flags
			commit.Expiry = prepare.Expiry
			commit.Datatype = prepare.Datatype
			commit.Deleted = prepare.Deleted
			if _, err := vb.checkpointMgr.QueueDirty(commit, base.GenerateBySeqnoYes, base.GenerateCasYes); err != nil {
				vb.logger.Errorf("%v failed to queue commit for key %s: %v", vb.id, prepare.Key, err)
				res.Cookie.Notify(memd.StatusSyncWriteAmbiguous)
				prepare.Release()
				continue
			}
			vb.ht.Commit(commit)
			vb.stats.SyncWritesCommitted.Inc(1)
			res.Cookie.Notify(memd.StatusSuccess)
		} else {
			abort := item.NewItem(prepare.Key, nil, base.QueueOpAbortSyncWrite)
			abort.Deleted = true
			abort.RevSeqno = prepare.RevSeqno
			if _, err := vb.checkpointMgr.QueueDirty(abort, base.GenerateBySeqnoYes, base.GenerateCasYes); err != nil {
				vb.logger.Errorf("%v failed to queue abort for key %s: %v", vb.id, prepare.Key, err)
			}
			vb.ht.Abort(prepare.Key)
			vb.stats.SyncWritesAborted.Inc(1)
			res.Cookie.Notify(memd.StatusSyncWriteAmbiguous)
		}
		prepare.Release()
	}
}

// --- kvstore.Flushable ---

func (vb *VBucket) GetItemsForPersistence(approxLimit int) ([]*item.Item, checkpoint.ItemsForCursor) {
	return vb.checkpointMgr.GetItemsForPersistence(approxLimit)
}

// PersistedUpTo propagates flusher completion: hash-table entries become
// clean (evictable) and the durability monitor learns the persisted seqno
func (vb *VBucket) PersistedUpTo(highSeqno uint64, flushed []*item.Item) {
	for _, qi := range flushed {
		vb.ht.MarkClean(qi.Key, qi.BySeqno)
	}
	if vb.highPersistedSeqno.SetIfGreater(highSeqno) {
		vb.monitor.NotifyLocalPersistence(highSeqno)
	}
}

// HighPersistedSeqno is the highest seqno the flusher has written for this
// vbucket
func (vb *VBucket) HighPersistedSeqno() uint64 {
	return vb.highPersistedSeqno.GetSeqno()
}

// --- pager.PagedVbucket ---

// DeleteExpired queues deletions for items the pager found expired
func (vb *VBucket) DeleteExpired(items []*item.Item) {
	for _, qi := range items {
		if vb.State() != base.VBStateActive {
			return
		}
		if _, err := vb.checkpointMgr.QueueDirty(qi, base.GenerateBySeqnoYes, base.GenerateCasYes); err != nil {
			vb.logger.Errorf("%v failed to queue expiry deletion for key %s: %v", vb.id, qi.Key, err)
			continue
		}
		vb.ht.Set(qi)
	}
	vb.bucket.NotifyVBConnections(vb.id)
}

func (vb *VBucket) RemoveClosedUnrefCheckpoints() (int, bool) {
	removed, newOpenCreated := vb.checkpointMgr.RemoveClosedUnrefCheckpoints(int(^uint(0) >> 1))
	if newOpenCreated {
		vb.bucket.NotifyVBConnections(vb.id)
	}
	return removed, newOpenCreated
}

// --- recovery.RecoverableVbucket ---

func (vb *VBucket) CheckpointMemUsage() int64 {
	return vb.checkpointMgr.MemoryUsage()
}

func (vb *VBucket) ExpelUnreferencedCheckpointItems() checkpoint.ExpelResult {
	return vb.checkpointMgr.ExpelUnreferencedCheckpointItems()
}

func (vb *VBucket) GetListOfCursorsToDrop() []string {
	return vb.checkpointMgr.GetListOfCursorsToDrop()
}

func (vb *VBucket) MemoryUsageOfUnrefCheckpoints() int64 {
	return vb.checkpointMgr.MemoryUsageOfUnrefCheckpoints()
}
