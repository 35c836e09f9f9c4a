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
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	xdcrLog "github.com/couchbase/goxdcr/v8/log"
)

// SnoozeForever parks a task until an explicit Wake
const SnoozeForever = 100 * 365 * 24 * time.Hour

// Task is a unit of cooperative background work. Run does a bounded chunk,
// then returns how long to snooze and whether to stay scheduled. Long scans
// chunk their work and re-wake themselves rather than holding a worker.
type Task interface {
	Description() string
	Run() (snooze time.Duration, keep bool)
}

// Handle is the scheduler's view of one scheduled task
type Handle struct {
	task      Task
	wakeAt    time.Time
	index     int
	cancelled int32
	running   bool
	// a Wake that arrives mid-run re-runs the task immediately after
	wakePending bool
}

// Cancel marks the task; the flag is sticky and checked before every run
func (h *Handle) Cancel() {
	atomic.StoreInt32(&h.cancelled, 1)
}

func (h *Handle) isCancelled() bool {
	return atomic.LoadInt32(&h.cancelled) == 1
}

type taskHeap []*Handle

func (t taskHeap) Len() int            { return len(t) }
func (t taskHeap) Less(i, j int) bool  { return t[i].wakeAt.Before(t[j].wakeAt) }
func (t taskHeap) Swap(i, j int)       { t[i], t[j] = t[j], t[i]; t[i].index = i; t[j].index = j }
func (t *taskHeap) Push(x interface{}) { h := x.(*Handle); h.index = len(*t); *t = append(*t, h) }
func (t *taskHeap) Pop() interface{} {
	old := *t
	n := len(old)
	h := old[n-1]
	old[n-1] = nil
	*t = old[:n-1]
	return h
}

// Scheduler runs tasks on a fixed pool of workers. Tasks suspend only at
// Run boundaries; Wake moves a parked task to the front of the queue.
type Scheduler struct {
	logger  *xdcrLog.CommonLogger
	lock    sync.Mutex
	tasks   taskHeap
	signal  chan struct{}
	runCh   chan *Handle
	stopped bool
	wg      sync.WaitGroup
}

func NewScheduler(workers int, logger *xdcrLog.CommonLogger) *Scheduler {
	s := &Scheduler{
		logger: logger,
		signal: make(chan struct{}, 1),
		runCh:  make(chan *Handle),
	}
	s.wg.Add(1)
	go s.dispatch()
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Schedule registers a task to first run after delay
func (s *Scheduler) Schedule(t Task, delay time.Duration) *Handle {
	h := &Handle{task: t, wakeAt: time.Now().Add(delay)}
	s.lock.Lock()
	if s.stopped {
		s.lock.Unlock()
		return h
	}
	heap.Push(&s.tasks, h)
	s.lock.Unlock()
	s.kick()
	return h
}

// Wake runs the task as soon as a worker is free, regardless of its snooze
func (s *Scheduler) Wake(h *Handle) {
	s.lock.Lock()
	if h.running {
		h.wakePending = true
	} else if h.index >= 0 && h.index < len(s.tasks) && s.tasks[h.index] == h {
		h.wakeAt = time.Now()
		heap.Fix(&s.tasks, h.index)
	}
	s.lock.Unlock()
	s.kick()
}

func (s *Scheduler) kick() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatch() {
	defer s.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.lock.Lock()
		if s.stopped {
			s.lock.Unlock()
			close(s.runCh)
			return
		}
		var next *Handle
		var wait time.Duration
		if len(s.tasks) > 0 {
			d := time.Until(s.tasks[0].wakeAt)
			if d <= 0 {
				next = heap.Pop(&s.tasks).(*Handle)
				next.running = true
			} else {
				wait = d
			}
		} else {
			wait = time.Hour
		}
		s.lock.Unlock()

		if next != nil {
			if next.isCancelled() {
				s.finish(next, 0, false)
				continue
			}
			s.runCh <- next
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-s.signal:
		case <-timer.C:
		}
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for h := range s.runCh {
		snooze, keep := s.safeRun(h)
		s.finish(h, snooze, keep)
	}
}

func (s *Scheduler) safeRun(h *Handle) (snooze time.Duration, keep bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("task %v panicked: %v", h.task.Description(), r)
			snooze, keep = 0, false
		}
	}()
	return h.task.Run()
}

func (s *Scheduler) finish(h *Handle, snooze time.Duration, keep bool) {
	s.lock.Lock()
	h.running = false
	if keep && !h.isCancelled() && !s.stopped {
		if h.wakePending {
			h.wakePending = false
			h.wakeAt = time.Now()
		} else {
			h.wakeAt = time.Now().Add(snooze)
		}
		heap.Push(&s.tasks, h)
	}
	s.lock.Unlock()
	s.kick()
}

// Stop cancels everything and waits for in-flight runs to return
func (s *Scheduler) Stop() {
	s.lock.Lock()
	if s.stopped {
		s.lock.Unlock()
		return
	}
	s.stopped = true
	for _, h := range s.tasks {
		atomic.StoreInt32(&h.cancelled, 1)
	}
	s.tasks = nil
	s.lock.Unlock()
	s.kick()
	s.wg.Wait()
}
