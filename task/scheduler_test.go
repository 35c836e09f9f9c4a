// Copyright (c) 2018 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package task

import (
	"sync/atomic"
	"testing"
	"time"

	xdcrLog "github.com/couchbase/goxdcr/v8/log"
	"github.com/stretchr/testify/assert"
)

type countingTask struct {
	runs   int64
	snooze time.Duration
	keep   bool
}

func (t *countingTask) Description() string {
	return "countingTask"
}

func (t *countingTask) Run() (time.Duration, bool) {
	atomic.AddInt64(&t.runs, 1)
	return t.snooze, t.keep
}

func (t *countingTask) count() int64 {
	return atomic.LoadInt64(&t.runs)
}

func waitFor(cond func() bool, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func newTestScheduler() *Scheduler {
	testLogger := xdcrLog.NewLogger("testLogger", xdcrLog.DefaultLoggerContext)
	return NewScheduler(2, testLogger)
}

func TestTaskRunsAndReschedules(t *testing.T) {
	assert := assert.New(t)
	s := newTestScheduler()
	defer s.Stop()

	ct := &countingTask{snooze: 5 * time.Millisecond, keep: true}
	s.Schedule(ct, 0)
	assert.True(waitFor(func() bool { return ct.count() >= 3 }, 2*time.Second))
}

func TestTaskDropsWhenDone(t *testing.T) {
	assert := assert.New(t)
	s := newTestScheduler()
	defer s.Stop()

	ct := &countingTask{keep: false}
	s.Schedule(ct, 0)
	assert.True(waitFor(func() bool { return ct.count() == 1 }, 2*time.Second))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(int64(1), ct.count())
}

func TestWakeCutsSnoozeShort(t *testing.T) {
	assert := assert.New(t)
	s := newTestScheduler()
	defer s.Stop()

	ct := &countingTask{snooze: SnoozeForever, keep: true}
	h := s.Schedule(ct, SnoozeForever)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(int64(0), ct.count())

	s.Wake(h)
	assert.True(waitFor(func() bool { return ct.count() == 1 }, 2*time.Second))

	// parked again until the next wake
	time.Sleep(20 * time.Millisecond)
	assert.Equal(int64(1), ct.count())
	s.Wake(h)
	assert.True(waitFor(func() bool { return ct.count() == 2 }, 2*time.Second))
}

func TestCancelIsSticky(t *testing.T) {
	assert := assert.New(t)
	s := newTestScheduler()
	defer s.Stop()

	ct := &countingTask{snooze: time.Millisecond, keep: true}
	h := s.Schedule(ct, time.Hour)
	h.Cancel()
	s.Wake(h)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(int64(0), ct.count())
}

type panickyTask struct {
	ran int64
}

func (t *panickyTask) Description() string {
	return "panickyTask"
}

func (t *panickyTask) Run() (time.Duration, bool) {
	atomic.AddInt64(&t.ran, 1)
	panic("boom")
}

func TestPanicInTaskDoesNotKillWorker(t *testing.T) {
	assert := assert.New(t)
	s := newTestScheduler()
	defer s.Stop()

	pt := &panickyTask{}
	s.Schedule(pt, 0)
	assert.True(waitFor(func() bool { return atomic.LoadInt64(&pt.ran) == 1 }, 2*time.Second))

	// the pool still runs other tasks afterwards
	ct := &countingTask{keep: false}
	s.Schedule(ct, 0)
	assert.True(waitFor(func() bool { return ct.count() == 1 }, 2*time.Second))
}
