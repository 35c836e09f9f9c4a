// Copyright (c) 2018 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package hashtable

import (
	"math"
	mrand "math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/couchbase/kvcore/base"
	"github.com/couchbase/kvcore/item"
)

const numPartitions = 16

// StoredValue is the hash table resident form of a document. Prepares live in
// their own namespace next to the committed entry for the same key.
type StoredValue struct {
	Key      []byte
	Value    []byte
	Cas      uint64
	BySeqno  int64
	RevSeqno uint64
	Flags    uint32
	Expiry   uint32
	Datatype uint8
	Deleted  bool

	// true while the entry is a pending sync write
	Pending bool
	// false once the value is evicted and only metadata is kept
	resident bool
	// not yet persisted; dirty values are not eligible for eviction
	dirty bool

	freqCounter uint8
}

func (sv *StoredValue) IsResident() bool {
	return sv.resident
}

func (sv *StoredValue) IsDirty() bool {
	return sv.dirty
}

func (sv *StoredValue) FreqCounter() uint8 {
	return sv.freqCounter
}

func (sv *StoredValue) SetFreqCounter(v uint8) {
	sv.freqCounter = v
}

func (sv *StoredValue) IsExpired(t uint32) bool {
	return sv.Expiry != 0 && sv.Expiry <= t && !sv.Deleted
}

func (sv *StoredValue) size() int64 {
	return int64(len(sv.Key) + len(sv.Value) + 64)
}

// ToItem materializes a deletion-ready copy for the expiry path
func (sv *StoredValue) ToItem() *item.Item {
	qi := item.NewItem(append([]byte(nil), sv.Key...), nil, base.QueueOpDeletion)
	qi.Cas = sv.Cas
	qi.RevSeqno = sv.RevSeqno + 1
	qi.Deleted = true
	return qi
}

type partition struct {
	lock      sync.Mutex
	committed map[string]*StoredValue
	prepared  map[string]*StoredValue
	rng       *mrand.Rand
}

// HashBucketLock witnesses that the holder is inside a locked partition;
// eviction entry points require it so they are only called under the lock
type HashBucketLock struct {
	p *partition
	h *HashTable
}

// MemoryHook receives the table's byte delta so the engine-wide accountant
// stays current
type MemoryHook func(delta int64)

// HashTable is one vbucket's in-memory document index, partitioned by key
// hash so visits and point lookups take short fine-grained locks.
type HashTable struct {
	partitions [numPartitions]partition
	memHook    MemoryHook

	numItems       int64
	numNonResident int64
	numPrepares    int64

	// set when any frequency counter saturates; the decayer task consumes it
	freqCounterSaturated int32
}

func NewHashTable(memHook MemoryHook) *HashTable {
	ht := &HashTable{memHook: memHook}
	for i := range ht.partitions {
		ht.partitions[i].committed = make(map[string]*StoredValue)
		ht.partitions[i].prepared = make(map[string]*StoredValue)
		ht.partitions[i].rng = mrand.New(mrand.NewSource(time.Now().UnixNano() + int64(i)))
	}
	return ht
}

func (ht *HashTable) partitionFor(key []byte) *partition {
	return &ht.partitions[xxhash.Sum64(key)%numPartitions]
}

func (ht *HashTable) account(delta int64) {
	if ht.memHook != nil {
		ht.memHook(delta)
	}
}

// Set upserts the committed entry for the item's key
func (ht *HashTable) Set(qi *item.Item) {
	p := ht.partitionFor(qi.Key)
	p.lock.Lock()
	defer p.lock.Unlock()
	ht.setCommittedLocked(p, qi)
}

func (ht *HashTable) setCommittedLocked(p *partition, qi *item.Item) {
	key := string(qi.Key)
	old, existed := p.committed[key]
	if existed {
		ht.account(-old.size())
		if !old.resident {
			atomic.AddInt64(&ht.numNonResident, -1)
		}
		if !old.Deleted {
			atomic.AddInt64(&ht.numItems, -1)
		}
	}
	sv := &StoredValue{
		Key:      append([]byte(nil), qi.Key...),
		Value:    qi.Value,
		Cas:      qi.Cas,
		BySeqno:  qi.BySeqno,
		RevSeqno: qi.RevSeqno,
		Flags:    qi.Flags,
		Expiry:   qi.Expiry,
		Datatype: qi.Datatype,
		Deleted:  qi.Deleted,
		resident: true,
		dirty:    true,
		freqCounter: base.InitialFreqCounterValue,
	}
	if existed {
		sv.freqCounter = old.freqCounter
	}
	p.committed[key] = sv
	ht.account(sv.size())
	if !sv.Deleted {
		atomic.AddInt64(&ht.numItems, 1)
	}
}

// SetPrepare installs the pending sync write for the key
func (ht *HashTable) SetPrepare(qi *item.Item) {
	p := ht.partitionFor(qi.Key)
	p.lock.Lock()
	defer p.lock.Unlock()
	key := string(qi.Key)
	if old, ok := p.prepared[key]; ok {
		ht.account(-old.size())
		atomic.AddInt64(&ht.numPrepares, -1)
	}
	sv := &StoredValue{
		Key:      append([]byte(nil), qi.Key...),
		Value:    qi.Value,
		Cas:      qi.Cas,
		BySeqno:  qi.BySeqno,
		RevSeqno: qi.RevSeqno,
		Flags:    qi.Flags,
		Expiry:   qi.Expiry,
		Datatype: qi.Datatype,
		Deleted:  qi.Deleted,
		Pending:  true,
		resident: true,
		dirty:    true,
		freqCounter: base.InitialFreqCounterValue,
	}
	p.prepared[key] = sv
	ht.account(sv.size())
	atomic.AddInt64(&ht.numPrepares, 1)
}

// HasPrepare reports whether a sync write is in flight on the key
func (ht *HashTable) HasPrepare(key []byte) bool {
	p := ht.partitionFor(key)
	p.lock.Lock()
	defer p.lock.Unlock()
	_, ok := p.prepared[string(key)]
	return ok
}

// Commit moves the prepared entry into the committed namespace, stamped with
// the commit item's seqno and cas
func (ht *HashTable) Commit(commit *item.Item) bool {
	p := ht.partitionFor(commit.Key)
	p.lock.Lock()
	defer p.lock.Unlock()
	key := string(commit.Key)
	prep, ok := p.prepared[key]
	if !ok {
		return false
	}
	delete(p.prepared, key)
	ht.account(-prep.size())
	atomic.AddInt64(&ht.numPrepares, -1)

	qi := item.NewItem(prep.Key, prep.Value, base.QueueOpMutation)
	qi.Cas = commit.Cas
	qi.BySeqno = commit.BySeqno
	qi.RevSeqno = prep.RevSeqno
	qi.Flags = prep.Flags
	qi.Expiry = prep.Expiry
	qi.Datatype = prep.Datatype
	qi.Deleted = prep.Deleted
	ht.setCommittedLocked(p, qi)
	return true
}

// Abort drops the prepared entry, if any
func (ht *HashTable) Abort(key []byte) bool {
	p := ht.partitionFor(key)
	p.lock.Lock()
	defer p.lock.Unlock()
	prep, ok := p.prepared[string(key)]
	if !ok {
		return false
	}
	delete(p.prepared, string(key))
	ht.account(-prep.size())
	atomic.AddInt64(&ht.numPrepares, -1)
	return true
}

// Get returns the committed entry and bumps its frequency counter with a
// Morris-style probabilistic increment
func (ht *HashTable) Get(key []byte) (*StoredValue, error) {
	p := ht.partitionFor(key)
	p.lock.Lock()
	defer p.lock.Unlock()
	sv, ok := p.committed[string(key)]
	if !ok || sv.Deleted {
		return nil, base.ErrorKeyNotFound
	}
	ht.bumpFreqLocked(p, sv)
	return sv, nil
}

func (ht *HashTable) bumpFreqLocked(p *partition, sv *StoredValue) {
	if sv.freqCounter == math.MaxUint8 {
		atomic.StoreInt32(&ht.freqCounterSaturated, 1)
		return
	}
	prob := 1.0 / (float64(sv.freqCounter)*base.FreqCounterIncrementFactor + 1.0)
	if p.rng.Float64() < prob {
		sv.freqCounter++
		if sv.freqCounter == math.MaxUint8 {
			atomic.StoreInt32(&ht.freqCounterSaturated, 1)
		}
	}
}

// MarkClean clears the dirty flag on entries persisted up to seqno
func (ht *HashTable) MarkClean(key []byte, seqno int64) {
	p := ht.partitionFor(key)
	p.lock.Lock()
	defer p.lock.Unlock()
	if sv, ok := p.committed[string(key)]; ok && sv.BySeqno <= seqno {
		sv.dirty = false
	}
}

// Delete removes the committed entry outright, used by the expiry path after
// the deletion has been queued
func (ht *HashTable) Delete(key []byte) bool {
	p := ht.partitionFor(key)
	p.lock.Lock()
	defer p.lock.Unlock()
	sv, ok := p.committed[string(key)]
	if !ok {
		return false
	}
	delete(p.committed, string(key))
	ht.account(-sv.size())
	if !sv.resident {
		atomic.AddInt64(&ht.numNonResident, -1)
	}
	if !sv.Deleted {
		atomic.AddInt64(&ht.numItems, -1)
	}
	return true
}

// EligibleToPageOut mirrors the pager's preconditions: committed, resident,
// persisted, and not a tombstone
func (lh *HashBucketLock) EligibleToPageOut(sv *StoredValue) bool {
	return sv.resident && !sv.dirty && !sv.Pending && !sv.Deleted
}

// PageOut evicts the value, keeping metadata. Must be called under the
// partition lock the visitor holds.
func (lh *HashBucketLock) PageOut(sv *StoredValue) bool {
	if !lh.EligibleToPageOut(sv) {
		return false
	}
	freed := int64(len(sv.Value))
	sv.Value = nil
	sv.resident = false
	atomic.AddInt64(&lh.h.numNonResident, 1)
	lh.h.account(-freed)
	return true
}

// Visitor sees every stored value, prepares included, under the partition
// lock. Returning false stops the visit.
type Visitor interface {
	Visit(lh *HashBucketLock, sv *StoredValue) bool
}

func (ht *HashTable) Visit(v Visitor) {
	for i := range ht.partitions {
		p := &ht.partitions[i]
		p.lock.Lock()
		lh := &HashBucketLock{p: p, h: ht}
		cont := true
		for _, sv := range p.committed {
			if cont = v.Visit(lh, sv); !cont {
				break
			}
		}
		if cont {
			for _, sv := range p.prepared {
				if cont = v.Visit(lh, sv); !cont {
					break
				}
			}
		}
		p.lock.Unlock()
		if !cont {
			return
		}
	}
}

// DecayFreqCounters multiplies every counter by percent/100. The decayer task
// runs this when a counter saturates.
func (ht *HashTable) DecayFreqCounters(percent int) {
	for i := range ht.partitions {
		p := &ht.partitions[i]
		p.lock.Lock()
		for _, sv := range p.committed {
			sv.freqCounter = uint8(int(sv.freqCounter) * percent / 100)
		}
		for _, sv := range p.prepared {
			sv.freqCounter = uint8(int(sv.freqCounter) * percent / 100)
		}
		p.lock.Unlock()
	}
	atomic.StoreInt32(&ht.freqCounterSaturated, 0)
}

// ConsumeFreqCounterSaturated returns true at most once per saturation event
func (ht *HashTable) ConsumeFreqCounterSaturated() bool {
	return atomic.CompareAndSwapInt32(&ht.freqCounterSaturated, 1, 0)
}

func (ht *HashTable) NumItems() int64 {
	return atomic.LoadInt64(&ht.numItems)
}

func (ht *HashTable) NumPrepares() int64 {
	return atomic.LoadInt64(&ht.numPrepares)
}

// ResidentRatio is the fraction of committed items whose value is in memory
func (ht *HashTable) ResidentRatio() float64 {
	items := atomic.LoadInt64(&ht.numItems)
	if items == 0 {
		return 1.0
	}
	nonRes := atomic.LoadInt64(&ht.numNonResident)
	if nonRes >= items {
		return 0.0
	}
	return float64(items-nonRes) / float64(items)
}
