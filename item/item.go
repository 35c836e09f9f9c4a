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
	"sync/atomic"
	"time"

	"github.com/couchbase/kvcore/base"
)

// Item is one queued write. Items are shared between the checkpoint list,
// cursors mid-send and the durability monitor, so ownership is tracked with
// an atomic reference count. The party that drops the last reference may
// return the value bytes to a memory accountant via the release hook.
type Item struct {
	Key      []byte
	Value    []byte
	Cas      uint64
	BySeqno  int64
	RevSeqno uint64
	Flags    uint32
	Expiry   uint32
	Datatype uint8
	Deleted  bool
	Op       base.QueueOp

	// durability requirements, only meaningful for pending_sync_write
	Level    base.DurabilityLevel
	Deadline time.Time

	FreqCounter uint8

	refs      int32
	onRelease func(*Item)
}

func NewItem(key, value []byte, op base.QueueOp) *Item {
	return &Item{
		Key:   key,
		Value: value,
		Op:    op,
		refs:  1,
	}
}

// NewMetaItem builds a checkpoint bookkeeping item
func NewMetaItem(op base.QueueOp, seqno int64) *Item {
	return &Item{
		Op:      op,
		BySeqno: seqno,
		refs:    1,
	}
}

func (i *Item) Retain() *Item {
	atomic.AddInt32(&i.refs, 1)
	return i
}

func (i *Item) Release() {
	if atomic.AddInt32(&i.refs, -1) == 0 {
		if i.onRelease != nil {
			i.onRelease(i)
		}
		i.Value = nil
	}
}

func (i *Item) SetReleaseHook(hook func(*Item)) {
	i.onRelease = hook
}

func (i *Item) RefCount() int32 {
	return atomic.LoadInt32(&i.refs)
}

// Size is the queued-memory contribution of the item, key + value plus a
// fixed overhead for the struct and list linkage
const itemOverhead = 96

func (i *Item) Size() int64 {
	return int64(len(i.Key) + len(i.Value) + itemOverhead)
}

// IsExpired reports whether a non-zero expiry has elapsed at t (unix seconds)
func (i *Item) IsExpired(t uint32) bool {
	return i.Expiry != 0 && i.Expiry <= t
}

func (i *Item) IsCommitted() bool {
	return i.Op == base.QueueOpMutation || i.Op == base.QueueOpDeletion ||
		i.Op == base.QueueOpCommitSyncWrite
}
