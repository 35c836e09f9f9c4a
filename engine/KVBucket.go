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
	"fmt"
	"sort"
	"sync"
	"time"

	xdcrLog "github.com/couchbase/goxdcr/v8/log"
	"github.com/couchbase/kvcore/base"
	"github.com/couchbase/kvcore/checkpoint"
	"github.com/couchbase/kvcore/config"
	"github.com/couchbase/kvcore/durability"
	"github.com/couchbase/kvcore/kvstore"
	"github.com/couchbase/kvcore/pager"
	"github.com/couchbase/kvcore/recovery"
	"github.com/couchbase/kvcore/stats"
	"github.com/couchbase/kvcore/task"
)

// KVShard groups a subset of vbuckets so iterating tasks spread their work
// evenly; vbuckets are assigned round-robin by id
type KVShard struct {
	id      int
	lock    sync.RWMutex
	vbuckets map[base.Vbid]*VBucket
}

func (s *KVShard) get(vbid base.Vbid) *VBucket {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.vbuckets[vbid]
}

func (s *KVShard) set(vb *VBucket) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.vbuckets[vb.id] = vb
}

func (s *KVShard) remove(vbid base.Vbid) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.vbuckets, vbid)
}

// KVBucket is the engine: the vbucket map plus every background task the
// core runs. The scheduler and stats are passed down explicitly.
type KVBucket struct {
	cfg    *config.Config
	stats  *stats.EPStats
	logger *xdcrLog.CommonLogger

	scheduler *task.Scheduler
	store     kvstore.KVStore
	flusher   *kvstore.Flusher
	connMap   *ConnMap

	completionTask *durability.CompletionTask
	recoveryTask   *recovery.MemoryRecoveryTask
	pagerTask      *pager.ItemPagerTask
	decayerTask    *pager.ItemFreqDecayerTask
	timeoutHandle  *task.Handle
	producerTask   *StreamProducerTask

	shards []*KVShard
}

func NewKVBucket(cfg *config.Config, store kvstore.KVStore, logger *xdcrLog.CommonLogger) *KVBucket {
	b := &KVBucket{
		cfg:       cfg,
		stats:     stats.NewEPStats(),
		logger:    logger,
		scheduler: task.NewScheduler(base.DefaultSchedulerWorkers, logger),
		store:     store,
		connMap:   NewConnMap(logger),
	}
	b.shards = make([]*KVShard, base.NumberOfShards)
	for i := range b.shards {
		b.shards[i] = &KVShard{id: i, vbuckets: make(map[base.Vbid]*VBucket)}
	}

	b.flusher = kvstore.NewFlusher(cfg.MaxVbuckets, store, b.stats, b.scheduler, logger)
	b.completionTask = durability.NewCompletionTask(cfg.MaxVbuckets, b.stats, b, b.scheduler, logger)
	b.recoveryTask = recovery.NewMemoryRecoveryTask(b, b.stats, cfg, b.scheduler, logger)
	b.pagerTask = pager.NewItemPagerTask(b, b.stats, cfg, b.scheduler, logger)
	b.decayerTask = pager.NewItemFreqDecayerTask(b, b.stats, cfg.ItemFreqDecayerPercent,
		b.scheduler, logger)
	b.timeoutHandle = b.scheduler.Schedule(&durabilityTimeoutTask{bucket: b},
		base.DurabilityTimeoutSweepInterval)
	b.producerTask = NewStreamProducerTask(b)
	return b
}

func (b *KVBucket) Stats() *stats.EPStats {
	return b.stats
}

func (b *KVBucket) Store() kvstore.KVStore {
	return b.store
}

func (b *KVBucket) checkpointConfig() checkpoint.CheckpointConfig {
	return checkpoint.CheckpointConfig{
		ChkMaxItems:    b.cfg.ChkMaxItems,
		ChkMaxBytes:    b.cfg.ChkMaxBytes,
		MaxCheckpoints: b.cfg.MaxCheckpoints,
	}
}

func (b *KVBucket) shardFor(vbid base.Vbid) *KVShard {
	return b.shards[int(vbid)%len(b.shards)]
}

// CreateVBucket adds a vbucket in the given state. Flusher registration makes
// it persistable immediately.
func (b *KVBucket) CreateVBucket(vbid base.Vbid, state base.VBState,
	topology *durability.ReplicationTopology) (*VBucket, error) {
	if int(vbid) >= b.cfg.MaxVbuckets {
		return nil, fmt.Errorf("%w: vbucket %v beyond max_vbuckets %v",
			base.ErrorInvalidArgument, vbid, b.cfg.MaxVbuckets)
	}
	shard := b.shardFor(vbid)
	if shard.get(vbid) != nil {
		return nil, fmt.Errorf("%w: %v already exists", base.ErrorInvalidArgument, vbid)
	}
	vb := NewVBucket(vbid, state, b, topology, b.logger)
	shard.set(vb)
	b.flusher.RegisterVbucket(vb)
	b.logger.Infof("created %v in state %v", vbid, state)
	return vb, nil
}

func (b *KVBucket) GetVBucket(vbid base.Vbid) *VBucket {
	if int(vbid) >= b.cfg.MaxVbuckets {
		return nil
	}
	return b.shardFor(vbid).get(vbid)
}

func (b *KVBucket) DeleteVBucket(vbid base.Vbid) error {
	vb := b.GetVBucket(vbid)
	if vb == nil {
		return base.ErrorNotMyVbucket
	}
	vb.monitor.AbortAll("vbucket deletion")
	for _, s := range b.connMap.StreamsFor(vbid) {
		s.close()
		b.connMap.RemoveStream(vbid, s.name)
	}
	b.flusher.DeregisterVbucket(vbid)
	b.shardFor(vbid).remove(vbid)
	return b.store.DelVBucket(vbid)
}

// ProcessResolvedSyncWrites satisfies durability.ResolvedSyncWriteProcessor
func (b *KVBucket) ProcessResolvedSyncWrites(vbid base.Vbid) {
	if vb := b.GetVBucket(vbid); vb != nil {
		vb.ProcessResolvedSyncWrites()
		b.NotifyVBConnections(vbid)
	}
}

func (b *KVBucket) allVBuckets() []*VBucket {
	var out []*VBucket
	for _, shard := range b.shards {
		shard.lock.RLock()
		for _, vb := range shard.vbuckets {
			out = append(out, vb)
		}
		shard.lock.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// --- pager.PagerStore ---

func (b *KVBucket) AllVbuckets() []pager.PagedVbucket {
	vbs := b.allVBuckets()
	out := make([]pager.PagedVbucket, 0, len(vbs))
	for _, vb := range vbs {
		out = append(out, vb)
	}
	return out
}

func (b *KVBucket) ActiveResidentRatio() float64 {
	return b.residentRatioFor(base.VBStateActive)
}

func (b *KVBucket) ReplicaResidentRatio() float64 {
	return b.residentRatioFor(base.VBStateReplica)
}

func (b *KVBucket) residentRatioFor(state base.VBState) float64 {
	var sum float64
	var n int
	for _, vb := range b.allVBuckets() {
		if vb.State() == state {
			sum += vb.ht.ResidentRatio()
			n++
		}
	}
	if n == 0 {
		return 1.0
	}
	return sum / float64(n)
}

// --- recovery.RecoveryStore ---

// VbucketsSortedByChkMgrMem lists vbuckets by checkpoint memory descending so
// recovery attacks the biggest consumers first
func (b *KVBucket) VbucketsSortedByChkMgrMem() []recovery.RecoverableVbucket {
	vbs := b.allVBuckets()
	sort.Slice(vbs, func(i, j int) bool {
		return vbs[i].CheckpointMemUsage() > vbs[j].CheckpointMemUsage()
	})
	out := make([]recovery.RecoverableVbucket, 0, len(vbs))
	for _, vb := range vbs {
		out = append(out, vb)
	}
	return out
}

// HandleSlowStream drops the named cursor and, if a stream owns it, moves
// that stream to backfill so it rebuilds from disk
func (b *KVBucket) HandleSlowStream(vbid base.Vbid, cursorName string) bool {
	if cursorName == base.PersistenceCursorName {
		return false
	}
	vb := b.GetVBucket(vbid)
	if vb == nil {
		return false
	}
	if !vb.checkpointMgr.RemoveCursor(cursorName) {
		return false
	}
	if stream := b.connMap.FindStream(vbid, cursorName); stream != nil {
		stream.setState(StreamStateBackfilling)
		// parked events are re-read from disk past resumeSeqno
		stream.clearPending()
		b.scheduler.Schedule(NewBackfillTask(b, stream, stream.resumeSeqno, b.logger), 0)
		b.logger.Infof("%v dropped cursor %v, stream moved to backfill", vbid, cursorName)
	} else {
		b.logger.Infof("%v dropped cursor %v", vbid, cursorName)
	}
	return true
}

// --- streams ---

// StreamRequest opens a replication/backfill stream from startSeqno. The
// stream's checkpoint cursor shares the stream name.
func (b *KVBucket) StreamRequest(name string, vbid base.Vbid, startSeqno uint64) (*Stream, error) {
	vb := b.GetVBucket(vbid)
	if vb == nil {
		return nil, base.ErrorNotMyVbucket
	}
	res, err := vb.checkpointMgr.RegisterCursorBySeqno(name, startSeqno)
	if err != nil {
		return nil, err
	}
	s := NewStream(name, vbid, b.cfg.StreamBufferBytes, base.DefaultGetItemsLimit, b.logger)
	s.resumeSeqno = res.Seqno
	s.resumeHook = func() { b.NotifyVBConnections(vbid) }
	b.connMap.AddStream(s)
	b.NotifyVBConnections(vbid)
	return s, nil
}

func (b *KVBucket) CloseStream(vbid base.Vbid, name string) bool {
	s := b.connMap.RemoveStream(vbid, name)
	if s == nil {
		return false
	}
	s.close()
	if vb := b.GetVBucket(vbid); vb != nil {
		vb.checkpointMgr.RemoveCursor(name)
	}
	return true
}

// NotifyVBConnections wakes the stream producer for new in-band data
func (b *KVBucket) NotifyVBConnections(vbid base.Vbid) {
	b.producerTask.Notify(vbid)
}

// Shutdown cancels every task and waits for the scheduler to drain
func (b *KVBucket) Shutdown() {
	b.stats.Shutdown()
	b.completionTask.Cancel()
	b.recoveryTask.Cancel()
	b.pagerTask.Cancel()
	b.decayerTask.Cancel()
	b.timeoutHandle.Cancel()
	b.flusher.Cancel()
	b.producerTask.Cancel()
	b.scheduler.Stop()
	b.logger.Infof("kv bucket shut down")
}

// durabilityTimeoutTask periodically aborts prepares whose deadline elapsed
type durabilityTimeoutTask struct {
	bucket *KVBucket
}

func (t *durabilityTimeoutTask) Description() string {
	return "DurabilityTimeoutTask"
}

func (t *durabilityTimeoutTask) Run() (time.Duration, bool) {
	if t.bucket.stats.IsShuttingDown() {
		return 0, false
	}
	now := time.Now()
	for _, vb := range t.bucket.allVBuckets() {
		if vb.State() == base.VBStateActive {
			vb.monitor.ProcessTimeout(now)
		}
	}
	return base.DurabilityTimeoutSweepInterval, true
}
