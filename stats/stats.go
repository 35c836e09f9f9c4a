// Copyright (c) 2018 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package stats

import (
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
)

// EPStats is the engine-wide stats collaborator. It is passed explicitly into
// every component that needs it; nothing reads it through a global.
type EPStats struct {
	// estimated total memory used by the bucket, maintained by the memory
	// accountant hooks on items and hash tables
	EstimatedTotalMemory int64

	// total bytes held by checkpoint structures across all vbuckets
	CheckpointMemory int64

	// items sitting in front of the persistence cursor across all vbuckets
	DiskQueueSize int64

	TotalItemsQueued       metrics.Counter
	TotalDeduplicated      metrics.Counter
	ItemsExpelledFromCheckpoints metrics.Counter
	ItemsRemovedFromCheckpoints  metrics.Counter
	CursorsDropped         metrics.Counter
	CursorMemoryFreed      metrics.Counter
	NumEjected             metrics.Counter
	NumExpiredByPager      metrics.Counter
	SyncWritesCommitted    metrics.Counter
	SyncWritesAborted      metrics.Counter

	ItemPagerRuntime      metrics.Histogram
	MemoryRecoveryRuntime metrics.Histogram
	FlusherBatchSize      metrics.Histogram

	ActiveFrequencyValuesEvicted  metrics.Histogram
	ReplicaFrequencyValuesEvicted metrics.Histogram

	IsShutdown int32
}

func NewEPStats() *EPStats {
	return &EPStats{
		TotalItemsQueued:             metrics.NewCounter(),
		TotalDeduplicated:            metrics.NewCounter(),
		ItemsExpelledFromCheckpoints: metrics.NewCounter(),
		ItemsRemovedFromCheckpoints:  metrics.NewCounter(),
		CursorsDropped:               metrics.NewCounter(),
		CursorMemoryFreed:            metrics.NewCounter(),
		NumEjected:                   metrics.NewCounter(),
		NumExpiredByPager:            metrics.NewCounter(),
		SyncWritesCommitted:          metrics.NewCounter(),
		SyncWritesAborted:            metrics.NewCounter(),
		ItemPagerRuntime:             metrics.NewHistogram(metrics.NewUniformSample(1028)),
		MemoryRecoveryRuntime:        metrics.NewHistogram(metrics.NewUniformSample(1028)),
		FlusherBatchSize:             metrics.NewHistogram(metrics.NewUniformSample(1028)),
		ActiveFrequencyValuesEvicted:  metrics.NewHistogram(metrics.NewUniformSample(1028)),
		ReplicaFrequencyValuesEvicted: metrics.NewHistogram(metrics.NewUniformSample(1028)),
	}
}

func (s *EPStats) AddMemory(bytes int64) {
	atomic.AddInt64(&s.EstimatedTotalMemory, bytes)
}

func (s *EPStats) GetEstimatedTotalMemory() int64 {
	return atomic.LoadInt64(&s.EstimatedTotalMemory)
}

func (s *EPStats) AddCheckpointMemory(bytes int64) {
	atomic.AddInt64(&s.CheckpointMemory, bytes)
	atomic.AddInt64(&s.EstimatedTotalMemory, bytes)
}

func (s *EPStats) GetCheckpointMemory() int64 {
	return atomic.LoadInt64(&s.CheckpointMemory)
}

func (s *EPStats) AddDiskQueueSize(delta int64) {
	atomic.AddInt64(&s.DiskQueueSize, delta)
}

func (s *EPStats) GetDiskQueueSize() int64 {
	return atomic.LoadInt64(&s.DiskQueueSize)
}

func (s *EPStats) Shutdown() {
	atomic.StoreInt32(&s.IsShutdown, 1)
}

func (s *EPStats) IsShuttingDown() bool {
	return atomic.LoadInt32(&s.IsShutdown) == 1
}
