// Copyright (c) 2018 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package pager

import (
	"fmt"
	"testing"
	"time"

	xdcrLog "github.com/couchbase/goxdcr/v8/log"
	"github.com/stretchr/testify/assert"

	"github.com/couchbase/kvcore/base"
	"github.com/couchbase/kvcore/hashtable"
	"github.com/couchbase/kvcore/item"
	"github.com/couchbase/kvcore/stats"
)

type fakePagedVbucket struct {
	vbid    base.Vbid
	state   base.VBState
	ht      *hashtable.HashTable
	maxCas  uint64
	expired []*item.Item
	removed int
}

func (f *fakePagedVbucket) Vbid() base.Vbid {
	return f.vbid
}

func (f *fakePagedVbucket) State() base.VBState {
	return f.state
}

func (f *fakePagedVbucket) HashTable() *hashtable.HashTable {
	return f.ht
}

func (f *fakePagedVbucket) MaxCas() uint64 {
	return f.maxCas
}

func (f *fakePagedVbucket) DeleteExpired(items []*item.Item) {
	f.expired = append(f.expired, items...)
}

func (f *fakePagedVbucket) RemoveClosedUnrefCheckpoints() (int, bool) {
	f.removed++
	return 0, false
}

func populate(ht *hashtable.HashTable, n int, freq uint8, casSecs uint64) {
	for i := 0; i < n; i++ {
		qi := item.NewItem([]byte(fmt.Sprintf("key_%v", i)), []byte("value"), base.QueueOpMutation)
		qi.BySeqno = int64(i + 1)
		qi.Cas = casSecs << base.CasBitsNotTime
		ht.Set(qi)
		ht.MarkClean(qi.Key, qi.BySeqno)
		sv, _ := ht.Get(qi.Key)
		sv.SetFreqCounter(freq)
	}
}

func newVisitor(st *stats.EPStats) *PagingVisitor {
	testLogger := xdcrLog.NewLogger("testLogger", xdcrLog.DefaultLoggerContext)
	return NewPagingVisitor(st, 0, base.DefaultActiveBias,
		base.DefaultItemEvictionAgePercentage,
		base.DefaultItemEvictionFreqCounterAgeThreshold, testLogger)
}

func TestVisitBucketEvictsColdItems(t *testing.T) {
	assert := assert.New(t)
	st := stats.NewEPStats()

	vb := &fakePagedVbucket{
		vbid:   0,
		state:  base.VBStateReplica,
		ht:     hashtable.NewHashTable(st.AddMemory),
		maxCas: uint64(time.Now().Unix()) << base.CasBitsNotTime,
	}
	// old, never-accessed items
	populate(vb.ht, 500, 0, uint64(time.Now().Unix())-3600)

	pv := newVisitor(st)
	// memory well above the low watermark forces a high eviction percentage
	pv.VisitBucket(vb, 1000, 100, 900, false)

	assert.True(vb.ht.ResidentRatio() < 1.0)
	assert.True(st.NumEjected.Count() > 0)
	// the checkpoint reclaim hook runs around each sweep
	assert.True(vb.removed >= 2)
}

func TestVisitSkipsPrepares(t *testing.T) {
	assert := assert.New(t)
	st := stats.NewEPStats()
	ht := hashtable.NewHashTable(st.AddMemory)

	prep := item.NewItem([]byte("prep"), []byte("v"), base.QueueOpPendingSyncWrite)
	prep.BySeqno = 1
	ht.SetPrepare(prep)

	vb := &fakePagedVbucket{vbid: 0, state: base.VBStateReplica, ht: ht,
		maxCas: uint64(time.Now().Unix()) << base.CasBitsNotTime}

	pv := newVisitor(st)
	pv.VisitBucket(vb, 1000, 100, 900, false)

	// prepares are left for the tombstone purger
	assert.True(ht.HasPrepare([]byte("prep")))
	assert.Equal(int64(0), st.NumEjected.Count())
}

func TestVisitCollectsExpired(t *testing.T) {
	assert := assert.New(t)
	st := stats.NewEPStats()
	ht := hashtable.NewHashTable(st.AddMemory)

	qi := item.NewItem([]byte("gone"), []byte("v"), base.QueueOpMutation)
	qi.BySeqno = 1
	qi.Expiry = 1
	ht.Set(qi)

	vb := &fakePagedVbucket{vbid: 0, state: base.VBStateActive, ht: ht,
		maxCas: uint64(time.Now().Unix()) << base.CasBitsNotTime}

	pv := newVisitor(st)
	pv.VisitBucket(vb, 1000, 100, 900, false)

	assert.Equal(1, len(vb.expired))
	assert.Equal("gone", string(vb.expired[0].Key))
	assert.True(vb.expired[0].Deleted)
}

func TestVisitStopsBelowLowWatermark(t *testing.T) {
	assert := assert.New(t)
	st := stats.NewEPStats()
	ht := hashtable.NewHashTable(st.AddMemory)
	populate(ht, 10, 0, uint64(time.Now().Unix()))

	vb := &fakePagedVbucket{vbid: 0, state: base.VBStateReplica, ht: ht,
		maxCas: uint64(time.Now().Unix()) << base.CasBitsNotTime}

	pv := newVisitor(st)
	pv.VisitBucket(vb, 50, 100, 900, false)

	assert.True(pv.IsBelowLowWaterMark)
	assert.Equal(int64(0), st.NumEjected.Count())
}

func TestSkipActiveWhenResidencyLower(t *testing.T) {
	assert := assert.New(t)
	st := stats.NewEPStats()
	ht := hashtable.NewHashTable(st.AddMemory)
	populate(ht, 10, 0, uint64(time.Now().Unix()))

	vb := &fakePagedVbucket{vbid: 0, state: base.VBStateActive, ht: ht,
		maxCas: uint64(time.Now().Unix()) << base.CasBitsNotTime}

	pv := newVisitor(st)
	// memory between the watermarks and active residency already below
	// replica: the active vbucket is skipped entirely
	pv.VisitBucket(vb, 500, 100, 900, true)
	assert.Equal(int64(0), st.NumEjected.Count())
}

func TestAdjustPercentBiasesReplicas(t *testing.T) {
	assert := assert.New(t)
	pv := newVisitor(stats.NewEPStats())

	replica := pv.adjustPercent(0.5, base.VBStateReplica)
	active := pv.adjustPercent(0.5, base.VBStateActive)
	assert.True(replica < 0.9+1e-9)
	assert.True(active < replica)

	// the replica probability is capped
	assert.Equal(0.9, pv.adjustPercent(5.0, base.VBStateReplica))
}

func TestThresholdsTargetEvictionPercentage(t *testing.T) {
	assert := assert.New(t)
	e := NewItemEviction()

	// uniform frequency population 0..255
	for i := 0; i < 4096; i++ {
		e.AddFreqAndAge(uint8(i%256), uint64(i%1000))
	}

	freq40, _ := e.GetThresholds(40.0, 30.0)
	freq90, _ := e.GetThresholds(90.0, 30.0)
	// a higher eviction percentage admits higher frequency counters
	assert.True(freq40 < freq90)
	// roughly the requested share of the population falls at or below the
	// threshold; the histograms are sampled so allow slack
	assert.InDelta(102, int(freq40), 26)
}

func TestItemEvictionLearningCadence(t *testing.T) {
	assert := assert.New(t)
	e := NewItemEviction()

	assert.True(e.IsLearning())
	for i := 0; i < base.EvictionLearningPopulation; i++ {
		e.AddFreqAndAge(uint8(i), uint64(i))
	}
	assert.False(e.IsLearning())

	e.SetUpdateInterval(200)
	assert.False(e.IsRequiredToUpdate())
	for i := 0; i < 100; i++ {
		e.AddFreqAndAge(0, 0)
	}
	// 200 samples total, right on the update interval
	assert.True(e.IsRequiredToUpdate())
}
