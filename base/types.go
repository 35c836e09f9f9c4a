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
	"fmt"

	"github.com/couchbase/gocbcore/v10/memd"
)

// Vbid identifies one vbucket
type Vbid uint16

func (v Vbid) String() string {
	return fmt.Sprintf("vb:%v", uint16(v))
}

type VBState int

const (
	VBStateActive  VBState = iota
	VBStateReplica VBState = iota
	VBStatePending VBState = iota
	VBStateDead    VBState = iota
)

func (s VBState) String() string {
	switch s {
	case VBStateActive:
		return "active"
	case VBStateReplica:
		return "replica"
	case VBStatePending:
		return "pending"
	case VBStateDead:
		return "dead"
	}
	return "unknown"
}

// QueueOp is the operation kind carried by a queued item
type QueueOp int

const (
	QueueOpMutation        QueueOp = iota
	QueueOpDeletion        QueueOp = iota
	QueueOpPendingSyncWrite QueueOp = iota
	QueueOpCommitSyncWrite  QueueOp = iota
	QueueOpAbortSyncWrite   QueueOp = iota
	QueueOpCheckpointStart  QueueOp = iota
	QueueOpCheckpointEnd    QueueOp = iota
	QueueOpSetVBState       QueueOp = iota
	QueueOpEmpty            QueueOp = iota
)

func (op QueueOp) String() string {
	switch op {
	case QueueOpMutation:
		return "mutation"
	case QueueOpDeletion:
		return "deletion"
	case QueueOpPendingSyncWrite:
		return "pending_sync_write"
	case QueueOpCommitSyncWrite:
		return "commit_sync_write"
	case QueueOpAbortSyncWrite:
		return "abort_sync_write"
	case QueueOpCheckpointStart:
		return "checkpoint_start"
	case QueueOpCheckpointEnd:
		return "checkpoint_end"
	case QueueOpSetVBState:
		return "set_vbucket_state"
	case QueueOpEmpty:
		return "empty"
	}
	return "unknown"
}

// IsMeta returns true for checkpoint bookkeeping ops that do not represent
// user data but are still emitted in-band to cursors
func (op QueueOp) IsMeta() bool {
	switch op {
	case QueueOpCheckpointStart, QueueOpCheckpointEnd, QueueOpSetVBState, QueueOpEmpty:
		return true
	}
	return false
}

// IsSyncWrite returns true for the prepare/abort key-space ops. Commits are
// regular committed items for de-dup purposes.
func (op QueueOp) IsSyncWrite() bool {
	return op == QueueOpPendingSyncWrite || op == QueueOpAbortSyncWrite
}

type CheckpointType int

const (
	CheckpointTypeMemory CheckpointType = iota
	CheckpointTypeDisk   CheckpointType = iota
)

func (t CheckpointType) String() string {
	if t == CheckpointTypeDisk {
		return "Disk"
	}
	return "Memory"
}

type CheckpointState int

const (
	CheckpointStateOpen   CheckpointState = iota
	CheckpointStateClosed CheckpointState = iota
)

// GenerateBySeqno tells queueDirty whether to assign the next seqno or to
// trust the one already on the item (replica streams carry their own)
type GenerateBySeqno bool

const (
	GenerateBySeqnoYes GenerateBySeqno = true
	GenerateBySeqnoNo  GenerateBySeqno = false
)

type GenerateCas bool

const (
	GenerateCasYes GenerateCas = true
	GenerateCasNo  GenerateCas = false
)

// SnapshotRange is the [start, end] seqno range a checkpoint covers
type SnapshotRange struct {
	Start uint64
	End   uint64
}

// DurabilityLevel reuses the memcached protocol levels
type DurabilityLevel = memd.DurabilityLevel

const (
	DurabilityNone                       DurabilityLevel = 0
	DurabilityMajority                                   = memd.DurabilityLevelMajority
	DurabilityMajorityAndPersistOnMaster                 = memd.DurabilityLevelMajorityAndPersistOnMaster
	DurabilityPersistToMajority                          = memd.DurabilityLevelPersistToMajority
)

// StatusCode is the client-visible outcome of an operation
type StatusCode = memd.StatusCode
