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
	"sync"
)

type BufferLogState int

const (
	BufferLogDisabled       BufferLogState = iota
	BufferLogSpaceAvailable BufferLogState = iota
	BufferLogFull           BufferLogState = iota
)

// BufferLog tracks a connection's outstanding (sent, unacknowledged) bytes.
// Producers pause when the log is full and resume once acknowledgements
// bring the backlog under the cap. A cap of zero disables flow control.
type BufferLog struct {
	lock        sync.Mutex
	maxBytes    int64
	bytesOutstanding int64
	ackedBytes  int64
}

func NewBufferLog(maxBytes int64) *BufferLog {
	return &BufferLog{maxBytes: maxBytes}
}

func (l *BufferLog) State() BufferLogState {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.stateLocked()
}

func (l *BufferLog) stateLocked() BufferLogState {
	if l.maxBytes == 0 {
		return BufferLogDisabled
	}
	if l.bytesOutstanding < l.maxBytes {
		return BufferLogSpaceAvailable
	}
	return BufferLogFull
}

// Insert accounts bytes about to be sent. Returns false when the log is
// full; the caller must pause and retry after an acknowledgement.
func (l *BufferLog) Insert(bytes int64) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.stateLocked() == BufferLogFull {
		return false
	}
	l.bytesOutstanding += bytes
	return true
}

// Acknowledge releases bytes the consumer confirmed. Returns true when the
// log transitioned away from full, i.e. the producer may resume.
func (l *BufferLog) Acknowledge(bytes int64) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	wasFull := l.stateLocked() == BufferLogFull
	if bytes > l.bytesOutstanding {
		bytes = l.bytesOutstanding
	}
	l.bytesOutstanding -= bytes
	l.ackedBytes += bytes
	return wasFull && l.stateLocked() != BufferLogFull
}

func (l *BufferLog) BytesOutstanding() int64 {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.bytesOutstanding
}
