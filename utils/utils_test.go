// Copyright (c) 2018 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package utils

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBalanceLoad(t *testing.T) {
	assert := assert.New(t)

	dist := BalanceLoad(4, 10)
	assert.Equal(4, len(dist))
	assert.Equal([]int{0, 3}, dist[0])
	assert.Equal([]int{3, 6}, dist[1])
	assert.Equal([]int{6, 8}, dist[2])
	assert.Equal([]int{8, 10}, dist[3])
}

func TestSeqnoWithLock(t *testing.T) {
	assert := assert.New(t)

	s := &SeqnoWithLock{}
	s.SetSeqno(10)
	assert.Equal(uint64(10), s.GetSeqno())

	assert.False(s.SetIfGreater(5))
	assert.Equal(uint64(10), s.GetSeqno())
	assert.True(s.SetIfGreater(20))
	assert.Equal(uint64(20), s.GetSeqno())
}

func TestExponentialBackoffExecutor(t *testing.T) {
	assert := assert.New(t)

	calls := 0
	err := ExponentialBackoffExecutor("test", time.Millisecond, 3, 2, 10*time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	assert.Nil(err)
	assert.Equal(3, calls)

	calls = 0
	err = ExponentialBackoffExecutor("test", time.Millisecond, 2, 2, 10*time.Millisecond, func() error {
		calls++
		return errors.New("always")
	})
	assert.NotNil(err)
	assert.Equal(3, calls)
}
