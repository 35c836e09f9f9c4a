// Copyright (c) 2018 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package base

import (
	"time"
)

const NumberOfVbuckets = 1024
const NumberOfShards = 4

// name of the privileged cursor created together with every checkpoint manager
const PersistenceCursorName = "persistence"

// checkpoint sizing defaults
const DefaultChkMaxItems = 500
const DefaultChkMaxBytes = 10 * 1024 * 1024
const DefaultChkPeriod = 5 * time.Second
const DefaultMaxCheckpoints = 10

// bucket quota and watermark defaults, fractions of quota
const DefaultMaxSize = 256 * 1024 * 1024
const DefaultMemLowWat = 0.75
const DefaultMemHighWat = 0.85
const DefaultCursorDroppingUpperMark = 0.95
const DefaultCursorDroppingLowerMark = 0.80
const DefaultCursorDroppingChkMemUpperMark = 0.30
const DefaultCursorDroppingChkMemLowerMark = 0.25

// item pager defaults
const DefaultItemEvictionAgePercentage = 30
const DefaultItemEvictionFreqCounterAgeThreshold = 1
const DefaultItemFreqDecayerPercent = 50
const DefaultActiveBias = 0.8

// the flusher is given this much room before the pager starts yielding to it
const MaxPersistenceQueueSize = 1000000

// the top 48 bits of a CAS carry wall-clock time; shifting by this many bits
// turns a CAS delta into an age
const CasBitsNotTime = 16

// number of freq/age samples the item eviction histograms collect before the
// thresholds are considered meaningful
const EvictionLearningPopulation = 100

// Morris counter increment probability is 1/(counter*IncrementFactor + 1)
const FreqCounterIncrementFactor = 0.012

// initial frequency counter value for newly stored items
const InitialFreqCounterValue = 4

const CompletionMaxChunkDuration = 25 * time.Millisecond
const VisitorMaxChunkDuration = 50 * time.Millisecond

const DefaultSchedulerWorkers = 4

const DefaultDurabilityTimeout = 30 * time.Second
const DurabilityTimeoutSweepInterval = 1 * time.Second
const DefaultMemoryRecoveryInterval = 1 * time.Second
const DefaultPagerInterval = 5 * time.Second
const DefaultFlusherInterval = 100 * time.Millisecond
const FlushRetryInterval = 10 * time.Millisecond
const FlushMaxRetries = 5
const FlushRetryMaxBackoff = 500 * time.Millisecond

// default per-stream backpressure cap; 0 disables the buffer log
const DefaultStreamBufferBytes = 20 * 1024 * 1024

// pbkdf2 iterations for hashed sync-write cookies in the SASL layer
const DefaultHmacIterationCount = 4096

const DefaultGetItemsLimit = 1000

// per-round cursor batch for stream producers; small so flow control keeps
// a slow consumer's cursor honestly behind
const StreamBatchSize = 16
