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
	"sort"
	"sync"

	"github.com/couchbase/kvcore/base"
	"github.com/couchbase/kvcore/item"
)

// DiskKey separates the prepare namespace from committed documents on disk.
// Prepares and aborts share the namespace: an abort overwrites the prepare.
type DiskKey struct {
	Key     string
	Prepare bool
}

// FlushBatch is one persistence-cursor drain prepared for the back-end.
// AddItem performs the disk-level de-duplication: the last write per disk key
// wins, so a prepare followed by its abort leaves only the abort, and
// multiple prepares for a key leave only the latest.
type FlushBatch struct {
	order []DiskKey
	byKey map[DiskKey]*item.Item

	HighSeqno          uint64
	HighCompletedSeqno *uint64
	VBState            *base.VBState
}

func NewFlushBatch() *FlushBatch {
	return &FlushBatch{byKey: make(map[DiskKey]*item.Item)}
}

func diskKeyFor(qi *item.Item) DiskKey {
	return DiskKey{
		Key:     string(qi.Key),
		Prepare: qi.Op.IsSyncWrite(),
	}
}

func (b *FlushBatch) AddItem(qi *item.Item) {
	dk := diskKeyFor(qi)
	if _, ok := b.byKey[dk]; !ok {
		b.order = append(b.order, dk)
	}
	b.byKey[dk] = qi
	if uint64(qi.BySeqno) > b.HighSeqno {
		b.HighSeqno = uint64(qi.BySeqno)
	}
}

// Items returns the de-duplicated batch in first-touch key order
func (b *FlushBatch) Items() []*item.Item {
	out := make([]*item.Item, 0, len(b.order))
	for _, dk := range b.order {
		out = append(out, b.byKey[dk])
	}
	return out
}

func (b *FlushBatch) Len() int {
	return len(b.byKey)
}

// KVStore is the flush-side capability interface. The core only needs these
// operations; concrete back-ends (couchstore, rocksdb, ephemeral) live
// behind it.
type KVStore interface {
	// Flush atomically applies a de-duplicated batch for one vbucket
	Flush(vbid base.Vbid, batch *FlushBatch) error
	// Get returns the committed entry for a key
	Get(vbid base.Vbid, key []byte) (*item.Item, error)
	// GetPrepare returns the persisted prepare-namespace entry for a key
	GetPrepare(vbid base.Vbid, key []byte) (*item.Item, error)
	// SnapshotRange streams persisted committed items within [start, end]
	// in seqno order; backfill reads go through this
	SnapshotRange(vbid base.Vbid, start, end uint64) ([]*item.Item, error)
	HighSeqno(vbid base.Vbid) uint64
	DelVBucket(vbid base.Vbid) error
}

// MemoryKVStore is the in-process back-end used by the ephemeral bucket type
// and by tests. It honors the same namespace rules as the on-disk stores.
type MemoryKVStore struct {
	lock sync.RWMutex
	vbs  map[base.Vbid]*memoryVbucket
}

type memoryVbucket struct {
	committed map[string]*item.Item
	prepares  map[string]*item.Item
	highSeqno uint64
	state     base.VBState
}

func NewMemoryKVStore() *MemoryKVStore {
	return &MemoryKVStore{vbs: make(map[base.Vbid]*memoryVbucket)}
}

func (s *MemoryKVStore) vbucket(vbid base.Vbid) *memoryVbucket {
	vb, ok := s.vbs[vbid]
	if !ok {
		vb = &memoryVbucket{
			committed: make(map[string]*item.Item),
			prepares:  make(map[string]*item.Item),
		}
		s.vbs[vbid] = vb
	}
	return vb
}

func (s *MemoryKVStore) Flush(vbid base.Vbid, batch *FlushBatch) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	vb := s.vbucket(vbid)
	for _, qi := range batch.Items() {
		key := string(qi.Key)
		switch qi.Op {
		case base.QueueOpPendingSyncWrite:
			vb.prepares[key] = snapshotItem(qi)
		case base.QueueOpAbortSyncWrite:
			// abort is a deletion tombstone in the prepare namespace
			tomb := snapshotItem(qi)
			tomb.Deleted = true
			vb.prepares[key] = tomb
		case base.QueueOpCommitSyncWrite, base.QueueOpMutation, base.QueueOpDeletion:
			vb.committed[key] = snapshotItem(qi)
			// a commit supersedes the persisted prepare
			if qi.Op == base.QueueOpCommitSyncWrite {
				delete(vb.prepares, key)
			}
		}
	}
	if batch.HighSeqno > vb.highSeqno {
		vb.highSeqno = batch.HighSeqno
	}
	if batch.VBState != nil {
		vb.state = *batch.VBState
	}
	return nil
}

// snapshotItem copies the fields the store owns so later in-memory reuse of
// the queued item cannot alias persisted state
func snapshotItem(qi *item.Item) *item.Item {
	cp := item.NewItem(append([]byte(nil), qi.Key...), qi.Value, qi.Op)
	cp.Cas = qi.Cas
	cp.BySeqno = qi.BySeqno
	cp.RevSeqno = qi.RevSeqno
	cp.Flags = qi.Flags
	cp.Expiry = qi.Expiry
	cp.Datatype = qi.Datatype
	cp.Deleted = qi.Deleted
	return cp
}

func (s *MemoryKVStore) Get(vbid base.Vbid, key []byte) (*item.Item, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	vb, ok := s.vbs[vbid]
	if !ok {
		return nil, base.ErrorKeyNotFound
	}
	qi, ok := vb.committed[string(key)]
	if !ok || qi.Deleted {
		return nil, base.ErrorKeyNotFound
	}
	return qi, nil
}

func (s *MemoryKVStore) GetPrepare(vbid base.Vbid, key []byte) (*item.Item, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	vb, ok := s.vbs[vbid]
	if !ok {
		return nil, base.ErrorKeyNotFound
	}
	qi, ok := vb.prepares[string(key)]
	if !ok {
		return nil, base.ErrorKeyNotFound
	}
	return qi, nil
}

func (s *MemoryKVStore) SnapshotRange(vbid base.Vbid, start, end uint64) ([]*item.Item, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	vb, ok := s.vbs[vbid]
	if !ok {
		return nil, nil
	}
	var out []*item.Item
	for _, qi := range vb.committed {
		seqno := uint64(qi.BySeqno)
		if seqno >= start && seqno <= end {
			out = append(out, qi)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BySeqno < out[j].BySeqno })
	return out, nil
}

func (s *MemoryKVStore) HighSeqno(vbid base.Vbid) uint64 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	vb, ok := s.vbs[vbid]
	if !ok {
		return 0
	}
	return vb.highSeqno
}

func (s *MemoryKVStore) DelVBucket(vbid base.Vbid) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.vbs, vbid)
	return nil
}
