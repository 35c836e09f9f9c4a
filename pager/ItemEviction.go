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
	"github.com/rcrowley/go-metrics"

	"github.com/couchbase/kvcore/base"
)

// ItemEviction maintains the frequency and age histograms one hash-table
// visit accumulates, and derives the eviction thresholds from them. While the
// histograms are still learning the thresholds are recomputed on every
// sample, afterwards at the configured interval.
type ItemEviction struct {
	freqHistogram metrics.Histogram
	ageHistogram  metrics.Histogram
	totalSamples  uint64
	updateInterval uint64
}

func NewItemEviction() *ItemEviction {
	e := &ItemEviction{}
	e.Reset()
	return e
}

func (e *ItemEviction) Reset() {
	e.freqHistogram = metrics.NewHistogram(metrics.NewUniformSample(4096))
	e.ageHistogram = metrics.NewHistogram(metrics.NewUniformSample(4096))
	e.totalSamples = 0
	e.updateInterval = base.EvictionLearningPopulation
}

// SetUpdateInterval sets how many samples pass between threshold updates
// once learning completes
func (e *ItemEviction) SetUpdateInterval(interval uint64) {
	if interval < base.EvictionLearningPopulation {
		interval = base.EvictionLearningPopulation
	}
	e.updateInterval = interval
}

// AddFreqAndAge records one visited item. Items that cannot be evicted are
// recorded with the maximum frequency so the thresholds stay biased toward
// evicting the intended share of the evictable population.
func (e *ItemEviction) AddFreqAndAge(freq uint8, age uint64) {
	e.freqHistogram.Update(int64(freq))
	e.ageHistogram.Update(int64(age))
	e.totalSamples++
}

// IsLearning is true until the histograms have seen a meaningful population
func (e *ItemEviction) IsLearning() bool {
	return e.totalSamples < base.EvictionLearningPopulation
}

// IsRequiredToUpdate is true on every updateInterval-th sample
func (e *ItemEviction) IsRequiredToUpdate() bool {
	return e.totalSamples > 0 && e.totalSamples%e.updateInterval == 0
}

// GetThresholds derives the freq counter threshold at the eviction
// percentile and the age threshold at the age percentile
func (e *ItemEviction) GetThresholds(percent float64, agePercentage float64) (uint8, uint64) {
	freq := e.freqHistogram.Percentile(percent / 100.0)
	age := e.ageHistogram.Percentile(agePercentage / 100.0)
	if freq < 0 {
		freq = 0
	}
	if freq > 255 {
		freq = 255
	}
	if age < 0 {
		age = 0
	}
	return uint8(freq), uint64(age)
}

// SnapshotFreqHistogram copies the observed frequencies into the target
// stats histogram for external visibility
func (e *ItemEviction) SnapshotFreqHistogram(target metrics.Histogram) {
	for _, v := range e.freqHistogram.Sample().Values() {
		target.Update(v)
	}
}
