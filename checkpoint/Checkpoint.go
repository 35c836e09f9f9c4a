// Copyright (c) 2018 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package checkpoint

import (
	"container/list"
	"fmt"

	"github.com/couchbase/kvcore/base"
	"github.com/couchbase/kvcore/item"
)

// IndexKey is the de-duplication key within one checkpoint. Prepares and
// aborts live in their own key-space so a prepare never dedupes against the
// committed mutation for the same document key.
type IndexKey struct {
	Key     string
	Prepare bool
}

func indexKeyForItem(qi *item.Item) IndexKey {
	return IndexKey{
		Key:     string(qi.Key),
		Prepare: qi.Op.IsSyncWrite(),
	}
}

// ckptElem wraps a queued item with a manager-wide insertion order stamp.
// Cursor positions are compared through the stamp, which stays valid across
// de-duplication and expelling.
type ckptElem struct {
	qi    *item.Item
	order uint64
}

// Checkpoint is one bounded segment of the in-memory write log. The list
// always starts with an empty anchor element followed by a checkpoint_start
// meta item; a checkpoint_end meta item is appended when the checkpoint is
// closed.
type Checkpoint struct {
	id        uint64
	state     base.CheckpointState
	ctype     base.CheckpointType
	snapStart uint64
	snapEnd   uint64
	// only set for Disk checkpoints, flushed alongside the items
	highCompletedSeqno *uint64

	items    *list.List
	keyIndex map[IndexKey]*list.Element

	// counts exclude meta items
	numItems      int
	numMetaItems  int
	queuedBytes   int64
	numExpelled   int
	highSeqno     int64
	maxDeletedRev uint64
	hasDeletions  bool
}

func newCheckpoint(id uint64, snapStart, snapEnd uint64, hcs *uint64,
	ctype base.CheckpointType, nextOrder func() uint64) *Checkpoint {
	c := &Checkpoint{
		id:                 id,
		state:              base.CheckpointStateOpen,
		ctype:              ctype,
		snapStart:          snapStart,
		snapEnd:            snapEnd,
		highCompletedSeqno: hcs,
		items:              list.New(),
		keyIndex:           make(map[IndexKey]*list.Element),
	}
	empty := item.NewMetaItem(base.QueueOpEmpty, int64(snapStart))
	start := item.NewMetaItem(base.QueueOpCheckpointStart, int64(snapStart))
	c.items.PushBack(&ckptElem{qi: empty, order: nextOrder()})
	c.items.PushBack(&ckptElem{qi: start, order: nextOrder()})
	c.numMetaItems = 2
	c.queuedBytes += empty.Size() + start.Size()
	return c
}

func (c *Checkpoint) ID() uint64 {
	return c.id
}

func (c *Checkpoint) State() base.CheckpointState {
	return c.state
}

func (c *Checkpoint) Type() base.CheckpointType {
	return c.ctype
}

func (c *Checkpoint) SnapshotRange() base.SnapshotRange {
	return base.SnapshotRange{Start: c.snapStart, End: c.snapEnd}
}

func (c *Checkpoint) HighCompletedSeqno() *uint64 {
	return c.highCompletedSeqno
}

func (c *Checkpoint) NumItems() int {
	return c.numItems
}

func (c *Checkpoint) NumTotalItems() int {
	return c.numItems + c.numMetaItems
}

func (c *Checkpoint) QueuedBytes() int64 {
	return c.queuedBytes
}

func (c *Checkpoint) HighSeqno() int64 {
	return c.highSeqno
}

func (c *Checkpoint) front() *list.Element {
	return c.items.Front()
}

func (c *Checkpoint) back() *list.Element {
	return c.items.Back()
}

// queueResult describes what happened to a queued item within the checkpoint
type queueResult struct {
	// true if an older entry for the same de-dup key was replaced
	deduped bool
	// insertion stamp of the replaced entry, meaningful when deduped
	replacedOrder uint64
	// list element holding the newly queued item
	element *list.Element
}

// queueItem appends qi to the checkpoint, de-duplicating by key within this
// checkpoint only. The caller holds the manager lock and has already decided
// this checkpoint accepts the item (rollover rules live in the manager).
// Cursors pointing at a replaced element are stepped back one element so
// their next read continues with the replacement's successor set.
func (c *Checkpoint) queueItem(qi *item.Item, order uint64,
	cursors map[string]*CheckpointCursor) (queueResult, error) {
	if c.state != base.CheckpointStateOpen {
		return queueResult{}, fmt.Errorf("%w: queueing into a closed checkpoint %v", base.ErrorInternal, c.id)
	}

	var res queueResult
	if !qi.Op.IsMeta() {
		ik := indexKeyForItem(qi)
		if old, ok := c.keyIndex[ik]; ok {
			if ik.Prepare {
				// the manager forces a rollover before a prepare-namespace
				// collision can reach this checkpoint
				return queueResult{}, fmt.Errorf("%w: prepare-namespace collision on key %s in checkpoint %v",
					base.ErrorInternal, ik.Key, c.id)
			}
			oldElem := old.Value.(*ckptElem)
			res.deduped = true
			res.replacedOrder = oldElem.order
			for _, cursor := range cursors {
				if cursor.ckpt == c && cursor.elem == old {
					cursor.elem = old.Prev()
				}
			}
			c.queuedBytes -= oldElem.qi.Size()
			c.numItems--
			c.items.Remove(old)
			oldElem.qi.Release()
		}
		elem := c.items.PushBack(&ckptElem{qi: qi, order: order})
		c.keyIndex[ik] = elem
		res.element = elem
		c.numItems++
	} else {
		res.element = c.items.PushBack(&ckptElem{qi: qi, order: order})
		c.numMetaItems++
	}

	c.queuedBytes += qi.Size()
	if !qi.Op.IsMeta() {
		c.highSeqno = qi.BySeqno
		if qi.Deleted && qi.RevSeqno > c.maxDeletedRev {
			c.maxDeletedRev = qi.RevSeqno
			c.hasDeletions = true
		}
	}
	return res, nil
}

// close marks the checkpoint closed and appends the checkpoint_end meta item
func (c *Checkpoint) close(lastBySeqno int64, order uint64) {
	end := item.NewMetaItem(base.QueueOpCheckpointEnd, lastBySeqno+1)
	c.items.PushBack(&ckptElem{qi: end, order: order})
	c.numMetaItems++
	c.queuedBytes += end.Size()
	c.state = base.CheckpointStateClosed
}

// hasPrepareForKey reports whether the prepare key-space already holds an
// entry for key. Used by the manager's rollover rules.
func (c *Checkpoint) hasPrepareForKey(key []byte) bool {
	_, ok := c.keyIndex[IndexKey{Key: string(key), Prepare: true}]
	return ok
}

// expelUpTo removes every element from the front of the list strictly before
// bound, keeping the anchor element. Index entries of expelled items are
// dropped; a later write for the same key starts a fresh de-dup entry, which
// is safe because every cursor has already consumed the expelled one.
// Returns the number of items removed and an estimate of the bytes freed.
func (c *Checkpoint) expelUpTo(bound *list.Element) (int, int64) {
	var count int
	var bytes int64
	e := c.items.Front()
	if e == nil || e == bound {
		return 0, 0
	}
	// the anchor stays; cursors parked on it are position markers only
	e = e.Next()
	for e != nil && e != bound {
		next := e.Next()
		ce := e.Value.(*ckptElem)
		bytes += ce.qi.Size()
		if !ce.qi.Op.IsMeta() {
			delete(c.keyIndex, indexKeyForItem(ce.qi))
			c.numItems--
		} else {
			c.numMetaItems--
		}
		c.items.Remove(e)
		ce.qi.Release()
		count++
		c.numExpelled++
		e = next
	}
	c.queuedBytes -= bytes
	return count, bytes
}

// releaseAll drops the checkpoint's reference on every remaining item. Called
// when the checkpoint itself is removed from the manager's list.
func (c *Checkpoint) releaseAll() {
	for e := c.items.Front(); e != nil; e = e.Next() {
		e.Value.(*ckptElem).qi.Release()
	}
	c.items.Init()
	c.keyIndex = make(map[IndexKey]*list.Element)
	c.numItems = 0
	c.numMetaItems = 0
	c.queuedBytes = 0
}
