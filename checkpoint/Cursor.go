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
)

// CheckpointCursor is a named, forward-only position in the checkpoint list.
// elem points at the last element the cursor has processed; the next read
// starts with its successor. The manager owns all cursors and every access
// happens under the manager lock.
type CheckpointCursor struct {
	name string
	ckpt *Checkpoint
	elem *list.Element

	// set when the cursor moved into a new checkpoint since the last read,
	// so the consumer knows to emit a snapshot marker
	crossedBoundary bool

	// the persistence cursor is created with the manager and is never
	// droppable
	droppable bool

	numVisits uint64
}

func (c *CheckpointCursor) Name() string {
	return c.name
}

func (c *CheckpointCursor) Checkpoint() *Checkpoint {
	return c.ckpt
}

func (c *CheckpointCursor) Droppable() bool {
	return c.droppable
}

// order is the insertion stamp of the element the cursor sits on
func (c *CheckpointCursor) order() uint64 {
	return c.elem.Value.(*ckptElem).order
}

// atCheckpointStart reports whether the cursor is parked on the anchor
// element, i.e. it has not consumed anything from its checkpoint yet
func (c *CheckpointCursor) atCheckpointStart() bool {
	return c.elem == c.ckpt.front()
}

// CursorRegResult is returned from cursor registration: the seqno the cursor
// actually starts on, and whether it landed on a checkpoint boundary (the
// consumer then needs to emit a snapshot marker before any item).
type CursorRegResult struct {
	Seqno              uint64
	OnCheckpointBoundary bool
}
