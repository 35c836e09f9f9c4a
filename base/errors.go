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
	"errors"

	"github.com/couchbase/gocbcore/v10/memd"
)

var ErrorInvalidArgument = errors.New("invalid argument")
var ErrorNameInUse = errors.New("cursor name is already in use")
var ErrorCursorNotFound = errors.New("cursor not found")
var ErrorKeyNotFound = errors.New("key not found")
var ErrorNotMyVbucket = errors.New("vbucket is not in the required state")
var ErrorWouldBlock = errors.New("sync write accepted, completion is asynchronous")
var ErrorDurabilityImpossible = errors.New("replication topology cannot satisfy the durability level")
var ErrorDurabilityInvalidLevel = errors.New("durability level is not supported by this bucket")
var ErrorSyncWriteAmbiguous = errors.New("sync write neither committed nor aborted")
var ErrorSyncWriteInProgress = errors.New("a sync write is already in progress on this key")
var ErrorInternal = errors.New("internal invariant violation")
var ErrorShutdown = errors.New("shutting down")

// StatusForError maps a core error onto the memcached status returned to
// clients. Unrecognized errors surface as an internal failure.
func StatusForError(err error) StatusCode {
	switch {
	case err == nil:
		return memd.StatusSuccess
	case errors.Is(err, ErrorInvalidArgument):
		return memd.StatusInvalidArgs
	case errors.Is(err, ErrorKeyNotFound):
		return memd.StatusKeyNotFound
	case errors.Is(err, ErrorNotMyVbucket):
		return memd.StatusNotMyVBucket
	case errors.Is(err, ErrorWouldBlock), errors.Is(err, ErrorSyncWriteInProgress):
		return memd.StatusSyncWriteInProgress
	case errors.Is(err, ErrorDurabilityImpossible):
		return memd.StatusDurabilityImpossible
	case errors.Is(err, ErrorDurabilityInvalidLevel):
		return memd.StatusDurabilityInvalidLevel
	case errors.Is(err, ErrorSyncWriteAmbiguous):
		return memd.StatusSyncWriteAmbiguous
	}
	return memd.StatusInternalError
}
