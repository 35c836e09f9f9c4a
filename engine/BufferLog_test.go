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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferLogDisabled(t *testing.T) {
	assert := assert.New(t)
	l := NewBufferLog(0)
	assert.Equal(BufferLogDisabled, l.State())
	// a disabled log never pushes back
	for i := 0; i < 100; i++ {
		assert.True(l.Insert(1 << 20))
	}
	assert.Equal(BufferLogDisabled, l.State())
}

func TestBufferLogFillAndDrain(t *testing.T) {
	assert := assert.New(t)
	l := NewBufferLog(100)
	assert.Equal(BufferLogSpaceAvailable, l.State())

	assert.True(l.Insert(60))
	assert.Equal(BufferLogSpaceAvailable, l.State())
	assert.True(l.Insert(60))
	assert.Equal(BufferLogFull, l.State())
	assert.False(l.Insert(1))

	// draining below the cap reports the transition exactly once
	assert.True(l.Acknowledge(60))
	assert.Equal(BufferLogSpaceAvailable, l.State())
	assert.False(l.Acknowledge(60))
	assert.Equal(int64(0), l.BytesOutstanding())
}
