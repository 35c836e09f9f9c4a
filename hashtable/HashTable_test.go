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
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/couchbase/kvcore/base"
	"github.com/couchbase/kvcore/item"
)

func makeItem(key, value string, seqno int64) *item.Item {
	qi := item.NewItem([]byte(key), []byte(value), base.QueueOpMutation)
	qi.BySeqno = seqno
	qi.Cas = uint64(seqno) << base.CasBitsNotTime
	return qi
}

func TestSetGet(t *testing.T) {
	assert := assert.New(t)
	ht := NewHashTable(nil)

	ht.Set(makeItem("k1", "v1", 1))
	sv, err := ht.Get([]byte("k1"))
	assert.Nil(err)
	assert.Equal("v1", string(sv.Value))
	assert.Equal(int64(1), ht.NumItems())

	_, err = ht.Get([]byte("missing"))
	assert.ErrorIs(err, base.ErrorKeyNotFound)

	// overwrite keeps the item count stable
	ht.Set(makeItem("k1", "v2", 2))
	assert.Equal(int64(1), ht.NumItems())
}

func TestPrepareNamespaceIsSeparate(t *testing.T) {
	assert := assert.New(t)
	ht := NewHashTable(nil)

	ht.Set(makeItem("k", "committed", 1))

	prep := makeItem("k", "prepared", 2)
	prep.Op = base.QueueOpPendingSyncWrite
	ht.SetPrepare(prep)

	assert.True(ht.HasPrepare([]byte("k")))
	assert.Equal(int64(1), ht.NumPrepares())

	// reads see the committed value while the prepare is in flight
	sv, err := ht.Get([]byte("k"))
	assert.Nil(err)
	assert.Equal("committed", string(sv.Value))
}

func TestCommitMovesPrepare(t *testing.T) {
	assert := assert.New(t)
	ht := NewHashTable(nil)

	prep := makeItem("k", "prepared", 1)
	prep.Op = base.QueueOpPendingSyncWrite
	ht.SetPrepare(prep)

	commit := makeItem("k", "prepared", 2)
	commit.Op = base.QueueOpCommitSyncWrite
	assert.True(ht.Commit(commit))

	assert.False(ht.HasPrepare([]byte("k")))
	sv, err := ht.Get([]byte("k"))
	assert.Nil(err)
	assert.Equal("prepared", string(sv.Value))
	assert.Equal(int64(2), sv.BySeqno)

	// committing again is a no-op
	assert.False(ht.Commit(commit))
}

func TestAbortDropsPrepare(t *testing.T) {
	assert := assert.New(t)
	ht := NewHashTable(nil)

	prep := makeItem("k", "prepared", 1)
	prep.Op = base.QueueOpPendingSyncWrite
	ht.SetPrepare(prep)

	assert.True(ht.Abort([]byte("k")))
	assert.False(ht.HasPrepare([]byte("k")))
	assert.False(ht.Abort([]byte("k")))

	_, err := ht.Get([]byte("k"))
	assert.ErrorIs(err, base.ErrorKeyNotFound)
}

type pageOutVisitor struct {
	paged int
}

func (v *pageOutVisitor) Visit(lh *HashBucketLock, sv *StoredValue) bool {
	if lh.PageOut(sv) {
		v.paged++
	}
	return true
}

func TestPageOutRequiresCleanValue(t *testing.T) {
	assert := assert.New(t)
	var mem int64
	ht := NewHashTable(func(delta int64) { atomic.AddInt64(&mem, delta) })

	for i := 0; i < 10; i++ {
		ht.Set(makeItem(fmt.Sprintf("k%v", i), "value", int64(i+1)))
	}

	// dirty (unpersisted) values are not evictable
	v := &pageOutVisitor{}
	ht.Visit(v)
	assert.Equal(0, v.paged)
	assert.Equal(1.0, ht.ResidentRatio())

	for i := 0; i < 10; i++ {
		ht.MarkClean([]byte(fmt.Sprintf("k%v", i)), 100)
	}
	before := atomic.LoadInt64(&mem)
	ht.Visit(v)
	assert.Equal(10, v.paged)
	assert.Equal(0.0, ht.ResidentRatio())
	assert.True(atomic.LoadInt64(&mem) < before)

	// metadata survives eviction
	sv, err := ht.Get([]byte("k3"))
	assert.Nil(err)
	assert.False(sv.IsResident())
	assert.Nil(sv.Value)
}

func TestFreqCounterDecay(t *testing.T) {
	assert := assert.New(t)
	ht := NewHashTable(nil)

	ht.Set(makeItem("k", "v", 1))
	sv, err := ht.Get([]byte("k"))
	assert.Nil(err)
	sv.SetFreqCounter(200)

	ht.DecayFreqCounters(50)
	assert.Equal(uint8(100), sv.FreqCounter())
}

func TestFreqCounterSaturationFlag(t *testing.T) {
	assert := assert.New(t)
	ht := NewHashTable(nil)

	ht.Set(makeItem("k", "v", 1))
	sv, _ := ht.Get([]byte("k"))
	sv.SetFreqCounter(255)

	// the next access observes saturation and raises the flag
	_, err := ht.Get([]byte("k"))
	assert.Nil(err)
	assert.True(ht.ConsumeFreqCounterSaturated())
	// consuming is one-shot
	assert.False(ht.ConsumeFreqCounterSaturated())
}
