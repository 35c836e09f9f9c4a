// Copyright (c) 2018 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package item

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/couchbase/kvcore/base"
)

func TestRefCounting(t *testing.T) {
	assert := assert.New(t)

	qi := NewItem([]byte("k"), []byte("v"), base.QueueOpMutation)
	released := 0
	qi.SetReleaseHook(func(*Item) { released++ })

	qi.Retain()
	qi.Retain()
	assert.Equal(int32(3), qi.RefCount())

	qi.Release()
	qi.Release()
	assert.Equal(0, released)
	assert.NotNil(qi.Value)

	qi.Release()
	assert.Equal(1, released)
	assert.Nil(qi.Value)
}

func TestHLCMonotonic(t *testing.T) {
	assert := assert.New(t)
	h := NewHLC()

	var last uint64
	for i := 0; i < 1000; i++ {
		cas := h.NextCas()
		assert.True(cas > last)
		last = cas
	}

	// the top 48 bits carry wall-clock seconds
	now := uint64(time.Now().Unix())
	secs := last >> base.CasBitsNotTime
	assert.True(secs >= now-1 && secs <= now+1)
}

func TestHLCObservesExternalCas(t *testing.T) {
	assert := assert.New(t)
	fixed := time.Unix(1000, 0)
	h := NewHLCWithClock(func() time.Time { return fixed })

	first := h.NextCas()
	assert.Equal(uint64(1000)<<base.CasBitsNotTime, first)

	// an item from a future-clocked node pushes the HLC forward
	external := uint64(2000) << base.CasBitsNotTime
	h.ObserveCas(external)
	assert.Equal(external+1, h.NextCas())
}

func TestIsExpired(t *testing.T) {
	assert := assert.New(t)
	qi := NewItem([]byte("k"), []byte("v"), base.QueueOpMutation)
	assert.False(qi.IsExpired(100))

	qi.Expiry = 50
	assert.True(qi.IsExpired(100))
	assert.False(qi.IsExpired(49))
}
