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
	"fmt"
	"sync"
	"time"
)

func WaitForWaitGroup(waitGroup *sync.WaitGroup, doneChan chan bool) {
	waitGroup.Wait()
	close(doneChan)
}

type ExponentialOpFunc func() error

/**
 * Executes a anonymous function that returns an error. If the error is non nil, retry with exponential backoff.
 * Returns the last recorded error if operation times out, nil otherwise.
 * Max retries == the times to retry in additional to the initial try, should the initial try fail
 * initialWait == Initial time with which to start
 * Factor == exponential backoff factor based off of initialWait
 */
func ExponentialBackoffExecutor(name string, initialWait time.Duration, maxRetries int, factor int, maxBackoff time.Duration, op ExponentialOpFunc) error {
	waitTime := initialWait
	var opErr error
	for i := 0; i <= maxRetries; i++ {
		opErr = op()
		if opErr == nil {
			return nil
		} else if i != maxRetries {
			time.Sleep(waitTime)
			waitTime *= time.Duration(factor)
			if waitTime > maxBackoff {
				waitTime = maxBackoff
			}
		}
	}
	opErr = fmt.Errorf("%v Operation failed after max retries. Last error: %v", name, opErr.Error())
	return opErr
}

// add to error chan without blocking
func AddToErrorChan(errChan chan error, err error) {
	select {
	case errChan <- err:
	default:
		// some error already sent to errChan. no op
	}
}

// BalanceLoad distributes numLoad work units over numWorker workers and
// returns the [start, end) range each worker owns
func BalanceLoad(numWorker int, numLoad int) [][]int {
	loadDistribution := make([][]int, 0)

	numLoadPerWorker := numLoad / numWorker
	numWorkersWithExtraLoad := numLoad % numWorker

	index := 0
	var numLoadForWorker int
	for i := 0; i < numWorker; i++ {
		if i < numWorkersWithExtraLoad {
			numLoadForWorker = numLoadPerWorker + 1
		} else {
			numLoadForWorker = numLoadPerWorker
		}
		loadForWorker := make([]int, 2)
		loadForWorker[0] = index
		index += numLoadForWorker
		loadForWorker[1] = index
		loadDistribution = append(loadDistribution, loadForWorker)
	}

	if index != numLoad {
		panic(fmt.Sprintf("number of load processed %v does not match total number of load %v", index, numLoad))
	}

	return loadDistribution
}

type SeqnoWithLock struct {
	Seqno uint64
	Lock  sync.RWMutex
}

func (s *SeqnoWithLock) SetSeqno(seqno uint64) {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	s.Seqno = seqno
}

func (s *SeqnoWithLock) GetSeqno() uint64 {
	s.Lock.RLock()
	defer s.Lock.RUnlock()
	return s.Seqno
}

// SetIfGreater raises the seqno monotonically and reports whether it moved
func (s *SeqnoWithLock) SetIfGreater(seqno uint64) bool {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	if seqno > s.Seqno {
		s.Seqno = seqno
		return true
	}
	return false
}
