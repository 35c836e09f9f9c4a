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
	"fmt"
	"sort"
	"sync"

	xdcrLog "github.com/couchbase/goxdcr/v8/log"
	"github.com/couchbase/kvcore/base"
	"github.com/couchbase/kvcore/item"
	"github.com/couchbase/kvcore/stats"
)

// CheckpointConfig carries the per-manager sizing knobs
type CheckpointConfig struct {
	ChkMaxItems    int
	ChkMaxBytes    int64
	MaxCheckpoints int
}

func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		ChkMaxItems:    base.DefaultChkMaxItems,
		ChkMaxBytes:    base.DefaultChkMaxBytes,
		MaxCheckpoints: base.DefaultMaxCheckpoints,
	}
}

// CheckpointSnapshotRange is a snapshot range plus the HCS that must be
// flushed with it. The HCS is only set for Disk checkpoints, where a correct
// completed seqno cannot be recomputed on a replica due to de-duplication.
type CheckpointSnapshotRange struct {
	Range              base.SnapshotRange
	HighCompletedSeqno *uint64
}

// ItemsForCursor is the result of one batched cursor read
type ItemsForCursor struct {
	Ranges         []CheckpointSnapshotRange
	MoreAvailable  bool
	CheckpointType base.CheckpointType
	// highest revSeqno among deletions in the batch, nil if none seen
	MaxDeletedRevSeqno *uint64
}

// ExpelResult reports what expelUnreferencedCheckpointItems reclaimed
type ExpelResult struct {
	Count          int
	EstimatedBytes int64
}

// CheckpointManager owns the FIFO list of checkpoints for one vbucket, the
// cursor registry and the seqno counter. A single mutex guards all of it;
// readers take bounded batches under the lock and never hold it across I/O.
type CheckpointManager struct {
	stats  *stats.EPStats
	config CheckpointConfig
	vbid   base.Vbid
	logger *xdcrLog.CommonLogger

	lock           sync.Mutex
	checkpointList []*Checkpoint
	cursors        map[string]*CheckpointCursor
	persistenceCursor *CheckpointCursor

	lastBySeqno  int64
	nextCkptID   uint64
	orderCounter uint64
	hlc          *item.HLC

	// woken when queueDirty grows the persistence backlog
	flusherCb func(base.Vbid)
}

func NewCheckpointManager(st *stats.EPStats, vbid base.Vbid, config CheckpointConfig,
	lastSeqno int64, lastSnapStart, lastSnapEnd uint64,
	flusherCb func(base.Vbid), logger *xdcrLog.CommonLogger) *CheckpointManager {
	m := &CheckpointManager{
		stats:       st,
		config:      config,
		vbid:        vbid,
		logger:      logger,
		cursors:     make(map[string]*CheckpointCursor),
		lastBySeqno: lastSeqno,
		nextCkptID:  1,
		hlc:         item.NewHLC(),
		flusherCb:   flusherCb,
	}
	ckpt := newCheckpoint(m.nextCkptID, lastSnapStart, lastSnapEnd, nil,
		base.CheckpointTypeMemory, m.nextOrder)
	m.nextCkptID++
	m.checkpointList = []*Checkpoint{ckpt}
	m.stats.AddCheckpointMemory(ckpt.QueuedBytes())

	m.persistenceCursor = &CheckpointCursor{
		name:      base.PersistenceCursorName,
		ckpt:      ckpt,
		elem:      ckpt.front(),
		droppable: false,
	}
	m.cursors[base.PersistenceCursorName] = m.persistenceCursor
	return m
}

func (m *CheckpointManager) nextOrder() uint64 {
	m.orderCounter++
	return m.orderCounter
}

func (m *CheckpointManager) openCheckpoint() *Checkpoint {
	return m.checkpointList[len(m.checkpointList)-1]
}

func (m *CheckpointManager) Vbid() base.Vbid {
	return m.vbid
}

func (m *CheckpointManager) HighSeqno() int64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.lastBySeqno
}

func (m *CheckpointManager) NextBySeqno() int64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.lastBySeqno++
	return m.lastBySeqno
}

func (m *CheckpointManager) MaxCas() uint64 {
	return m.hlc.MaxCas()
}

func (m *CheckpointManager) OpenCheckpointID() uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.openCheckpoint().id
}

func (m *CheckpointManager) NumCheckpoints() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.checkpointList)
}

// NumItems returns the total item count, meta items included
func (m *CheckpointManager) NumItems() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	var n int
	for _, c := range m.checkpointList {
		n += c.NumTotalItems()
	}
	return n
}

func (m *CheckpointManager) NumOpenChkItems() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.openCheckpoint().NumItems()
}

func (m *CheckpointManager) MemoryUsage() int64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.memoryUsageLocked()
}

func (m *CheckpointManager) memoryUsageLocked() int64 {
	var b int64
	for _, c := range m.checkpointList {
		b += c.QueuedBytes()
	}
	return b
}

// MemoryUsageOfUnrefCheckpoints returns the bytes held by closed checkpoints
// that no cursor points into, i.e. what removeClosedUnrefCheckpoints frees
func (m *CheckpointManager) MemoryUsageOfUnrefCheckpoints() int64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	var b int64
	for _, c := range m.checkpointList {
		if c.state != base.CheckpointStateClosed {
			break
		}
		if m.numCursorsInLocked(c) > 0 {
			break
		}
		b += c.QueuedBytes()
	}
	return b
}

func (m *CheckpointManager) numCursorsInLocked(c *Checkpoint) int {
	var n int
	for _, cursor := range m.cursors {
		if cursor.ckpt == c {
			n++
		}
	}
	return n
}

// QueueDirty appends an item to the open checkpoint. It returns true iff the
// write increased the persistence backlog by exactly one, i.e. it was not
// de-duplicated against an entry the persistence cursor had not read yet.
func (m *CheckpointManager) QueueDirty(qi *item.Item, genSeqno base.GenerateBySeqno,
	genCas base.GenerateCas) (bool, error) {
	m.lock.Lock()

	// prepares and aborts share the persistence key-space; they are never
	// allowed to coexist in one checkpoint so neither is lost in-memory
	if qi.Op.IsSyncWrite() && m.openCheckpoint().hasPrepareForKey(qi.Key) {
		m.addNewCheckpointLocked()
	}

	// commit must not land in a checkpoint preceding its prepare; since the
	// open checkpoint is always the newest this holds by construction

	if m.isOpenCheckpointFullLocked() {
		m.addNewCheckpointLocked()
	}

	if bool(genSeqno) {
		m.lastBySeqno++
		qi.BySeqno = m.lastBySeqno
	} else {
		if qi.BySeqno <= m.lastBySeqno {
			m.lock.Unlock()
			m.logger.Errorf("%v seqno regression: got %v, high seqno is %v", m.vbid, qi.BySeqno, m.lastBySeqno)
			return false, fmt.Errorf("%w: seqno regression on %v (%v <= %v)",
				base.ErrorInternal, m.vbid, qi.BySeqno, m.lastBySeqno)
		}
		m.lastBySeqno = qi.BySeqno
	}

	if bool(genCas) {
		qi.Cas = m.hlc.NextCas()
	} else {
		m.hlc.ObserveCas(qi.Cas)
	}

	open := m.openCheckpoint()
	// capture the persistence position before queueing: de-duplication may
	// step the cursor back when it sits exactly on the replaced element
	pCursorOrder := m.persistenceCursor.order()
	res, err := open.queueItem(qi, m.nextOrder(), m.cursors)
	if err != nil {
		m.lock.Unlock()
		return false, err
	}

	// the open memory checkpoint's snapshot tracks the high seqno; replica
	// (disk or replicated memory) snapshots are set via CreateSnapshot
	if bool(genSeqno) && open.ctype == base.CheckpointTypeMemory {
		open.snapEnd = uint64(m.lastBySeqno)
	}

	grewBacklog := true
	if res.deduped {
		m.stats.TotalDeduplicated.Inc(1)
		// if the persistence cursor had not consumed the replaced entry the
		// backlog merely shifted position; order stamps are manager-wide so
		// the comparison holds whichever checkpoint the cursor sits in
		if pCursorOrder < res.replacedOrder {
			grewBacklog = false
		}
	}
	m.stats.TotalItemsQueued.Inc(1)
	m.stats.AddCheckpointMemory(qi.Size())
	if grewBacklog {
		m.stats.AddDiskQueueSize(1)
	}

	cb := m.flusherCb
	vbid := m.vbid
	m.lock.Unlock()

	if grewBacklog && cb != nil {
		cb(vbid)
	}
	return grewBacklog, nil
}

// QueueSetVBState queues the set_vbucket_state meta item into the open
// checkpoint so downstream consumers observe the transition in-band
func (m *CheckpointManager) QueueSetVBState() {
	m.lock.Lock()
	defer m.lock.Unlock()
	qi := item.NewMetaItem(base.QueueOpSetVBState, m.lastBySeqno+1)
	if _, err := m.openCheckpoint().queueItem(qi, m.nextOrder(), m.cursors); err != nil {
		m.logger.Errorf("%v failed to queue set_vbucket_state: %v", m.vbid, err)
		return
	}
	m.stats.AddCheckpointMemory(qi.Size())
}

func (m *CheckpointManager) isOpenCheckpointFullLocked() bool {
	open := m.openCheckpoint()
	return open.NumItems() >= m.config.ChkMaxItems || open.QueuedBytes() >= m.config.ChkMaxBytes
}

// addNewCheckpointLocked closes the open checkpoint and opens the next one
// with a snapshot starting right after the current high seqno
func (m *CheckpointManager) addNewCheckpointLocked() uint64 {
	open := m.openCheckpoint()
	open.close(m.lastBySeqno, m.nextOrder())

	next := newCheckpoint(m.nextCkptID, uint64(m.lastBySeqno)+1, uint64(m.lastBySeqno)+1,
		nil, base.CheckpointTypeMemory, m.nextOrder)
	m.nextCkptID++
	m.checkpointList = append(m.checkpointList, next)
	m.stats.AddCheckpointMemory(next.QueuedBytes())
	return next.id
}

// CreateNewCheckpoint forces a checkpoint boundary, e.g. on a replication
// topology change or takeover. Returns the new open checkpoint id.
func (m *CheckpointManager) CreateNewCheckpoint() uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.addNewCheckpointLocked()
}

// CreateSnapshot installs a new snapshot range, used on replicas receiving a
// snapshot marker. If the open checkpoint holds no items yet it is re-labeled
// in place, otherwise a fresh checkpoint is opened.
func (m *CheckpointManager) CreateSnapshot(snapStart, snapEnd uint64,
	highCompletedSeqno *uint64, ctype base.CheckpointType) {
	m.lock.Lock()
	defer m.lock.Unlock()
	open := m.openCheckpoint()
	if open.NumItems() == 0 {
		open.snapStart = snapStart
		open.snapEnd = snapEnd
		open.ctype = ctype
		open.highCompletedSeqno = highCompletedSeqno
		return
	}
	open.close(m.lastBySeqno, m.nextOrder())
	next := newCheckpoint(m.nextCkptID, snapStart, snapEnd, highCompletedSeqno, ctype, m.nextOrder)
	m.nextCkptID++
	m.checkpointList = append(m.checkpointList, next)
	m.stats.AddCheckpointMemory(next.QueuedBytes())
}

// UpdateCurrentSnapshot extends the open snapshot end, used when a replica
// receives a marker extending the current snapshot
func (m *CheckpointManager) UpdateCurrentSnapshot(snapEnd uint64, ctype base.CheckpointType) {
	m.lock.Lock()
	defer m.lock.Unlock()
	open := m.openCheckpoint()
	open.snapEnd = snapEnd
	open.ctype = ctype
}

// GetSnapshotInfo returns the open checkpoint's snapshot range
func (m *CheckpointManager) GetSnapshotInfo() base.SnapshotRange {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.openCheckpoint().SnapshotRange()
}

// RegisterCursorBySeqno registers a named cursor at the requested seqno. The
// cursor lands in the earliest checkpoint whose snapshot contains the seqno,
// on the last position before the first item at or after it.
func (m *CheckpointManager) RegisterCursorBySeqno(name string, startSeqno uint64) (CursorRegResult, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.cursors[name]; ok {
		return CursorRegResult{}, fmt.Errorf("%w: %v", base.ErrorNameInUse, name)
	}

	cursor := &CheckpointCursor{name: name, droppable: name != base.PersistenceCursorName}
	res := m.positionCursorLocked(cursor, startSeqno)
	m.cursors[name] = cursor
	m.logger.Debugf("%v registered cursor %v at seqno %v (requested %v)",
		m.vbid, name, res.Seqno, startSeqno)
	return res, nil
}

func (m *CheckpointManager) positionCursorLocked(cursor *CheckpointCursor, startSeqno uint64) CursorRegResult {
	// find the earliest checkpoint whose snapshot can contain startSeqno
	target := m.openCheckpoint()
	for _, c := range m.checkpointList {
		if startSeqno <= c.snapEnd {
			target = c
			break
		}
	}

	idx := m.indexOfLocked(target)
	for i := idx; i < len(m.checkpointList); i++ {
		c := m.checkpointList[i]
		// pos trails the last item below startSeqno; it only moves past
		// non-meta items so a cursor landing on a boundary still emits the
		// checkpoint_start meta item
		pos := c.front()
		for e := pos.Next(); e != nil; e = e.Next() {
			ce := e.Value.(*ckptElem)
			if ce.qi.Op.IsMeta() {
				continue
			}
			if uint64(ce.qi.BySeqno) >= startSeqno {
				cursor.ckpt = c
				cursor.elem = pos
				return CursorRegResult{
					Seqno:              uint64(ce.qi.BySeqno),
					OnCheckpointBoundary: pos == c.front(),
				}
			}
			pos = e
		}
	}
	// nothing at or after startSeqno yet; park at the open tail and start
	// with whatever arrives next
	open := m.openCheckpoint()
	cursor.ckpt = open
	cursor.elem = open.back()
	return CursorRegResult{Seqno: uint64(m.lastBySeqno) + 1}
}

func (m *CheckpointManager) indexOfLocked(c *Checkpoint) int {
	for i, ck := range m.checkpointList {
		if ck == c {
			return i
		}
	}
	return -1
}

func (m *CheckpointManager) RemoveCursor(name string) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.removeCursorLocked(name)
}

func (m *CheckpointManager) removeCursorLocked(name string) bool {
	if name == base.PersistenceCursorName {
		return false
	}
	if _, ok := m.cursors[name]; !ok {
		return false
	}
	delete(m.cursors, name)
	return true
}

func (m *CheckpointManager) GetCursor(name string) (*CheckpointCursor, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	c, ok := m.cursors[name]
	return c, ok
}

// NumItemsForCursor counts the non-meta items between the cursor position and
// the end of the last checkpoint
func (m *CheckpointManager) NumItemsForCursor(name string) int {
	m.lock.Lock()
	defer m.lock.Unlock()
	cursor, ok := m.cursors[name]
	if !ok {
		return 0
	}
	return m.numItemsForCursorLocked(cursor)
}

func (m *CheckpointManager) NumItemsForPersistence() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.numItemsForCursorLocked(m.persistenceCursor)
}

func (m *CheckpointManager) numItemsForCursorLocked(cursor *CheckpointCursor) int {
	var n int
	idx := m.indexOfLocked(cursor.ckpt)
	if idx < 0 {
		return 0
	}
	for e := cursor.elem.Next(); e != nil; e = e.Next() {
		if !e.Value.(*ckptElem).qi.Op.IsMeta() {
			n++
		}
	}
	for i := idx + 1; i < len(m.checkpointList); i++ {
		n += m.checkpointList[i].NumItems()
	}
	return n
}

// GetItemsForCursor advances the cursor, appending items to the returned
// slice until the approximate limit is reached or the next checkpoint is of a
// different type than where the batch started. Meta items are emitted
// in-band. Emitted items carry an extra reference for the caller.
func (m *CheckpointManager) GetItemsForCursor(name string, approxLimit int) ([]*item.Item, ItemsForCursor, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	cursor, ok := m.cursors[name]
	if !ok {
		return nil, ItemsForCursor{}, fmt.Errorf("%w: %v", base.ErrorCursorNotFound, name)
	}
	items, res := m.getItemsForCursorLocked(cursor, approxLimit)
	return items, res, nil
}

func (m *CheckpointManager) GetItemsForPersistence(approxLimit int) ([]*item.Item, ItemsForCursor) {
	m.lock.Lock()
	defer m.lock.Unlock()
	items, res := m.getItemsForCursorLocked(m.persistenceCursor, approxLimit)
	return items, res
}

func (m *CheckpointManager) getItemsForCursorLocked(cursor *CheckpointCursor,
	approxLimit int) ([]*item.Item, ItemsForCursor) {
	var out []*item.Item
	res := ItemsForCursor{CheckpointType: cursor.ckpt.ctype}

	rangeAdded := make(map[*Checkpoint]bool)
	addRange := func(c *Checkpoint) {
		if !rangeAdded[c] {
			rangeAdded[c] = true
			res.Ranges = append(res.Ranges, CheckpointSnapshotRange{
				Range:              c.SnapshotRange(),
				HighCompletedSeqno: c.highCompletedSeqno,
			})
		}
	}

	count := 0
	for {
		if count >= approxLimit {
			res.MoreAvailable = m.cursorHasMoreLocked(cursor)
			break
		}
		next := cursor.elem.Next()
		if next == nil {
			idx := m.indexOfLocked(cursor.ckpt)
			if idx < 0 || idx+1 >= len(m.checkpointList) {
				break
			}
			nextCkpt := m.checkpointList[idx+1]
			// never mix Memory and Disk checkpoints in one batch; an empty
			// batch instead adopts the next checkpoint's type
			if nextCkpt.ctype != res.CheckpointType {
				if len(out) > 0 {
					res.MoreAvailable = true
					break
				}
				res.CheckpointType = nextCkpt.ctype
			}
			cursor.ckpt = nextCkpt
			cursor.elem = nextCkpt.front()
			cursor.crossedBoundary = true
			continue
		}
		cursor.elem = next
		ce := next.Value.(*ckptElem)
		if ce.qi.Op == base.QueueOpEmpty {
			continue
		}
		addRange(cursor.ckpt)
		if ce.qi.Deleted {
			rev := ce.qi.RevSeqno
			if res.MaxDeletedRevSeqno == nil || rev > *res.MaxDeletedRevSeqno {
				res.MaxDeletedRevSeqno = &rev
			}
		}
		out = append(out, ce.qi.Retain())
		count++
		cursor.numVisits++
	}

	if len(out) > 0 && !res.MoreAvailable {
		// a later checkpoint of a different type still counts as more work
		res.MoreAvailable = m.cursorHasMoreLocked(cursor)
	}
	return out, res
}

func (m *CheckpointManager) cursorHasMoreLocked(cursor *CheckpointCursor) bool {
	if cursor.elem.Next() != nil {
		return true
	}
	idx := m.indexOfLocked(cursor.ckpt)
	return idx >= 0 && idx+1 < len(m.checkpointList)
}

// ExpelUnreferencedCheckpointItems removes, from the front of the oldest
// checkpoint that still has a cursor, every item strictly before the earliest
// cursor's position. Memory is freed without breaking cursor invariants.
func (m *CheckpointManager) ExpelUnreferencedCheckpointItems() ExpelResult {
	m.lock.Lock()
	defer m.lock.Unlock()

	var target *Checkpoint
	for _, c := range m.checkpointList {
		if m.numCursorsInLocked(c) > 0 {
			target = c
			break
		}
	}
	if target == nil {
		return ExpelResult{}
	}

	var earliest *CheckpointCursor
	for _, cursor := range m.cursors {
		if cursor.ckpt != target {
			continue
		}
		if earliest == nil || cursor.order() < earliest.order() {
			earliest = cursor
		}
	}

	count, bytes := target.expelUpTo(earliest.elem)
	if count > 0 {
		m.stats.ItemsExpelledFromCheckpoints.Inc(int64(count))
		m.stats.AddCheckpointMemory(-bytes)
	}
	return ExpelResult{Count: count, EstimatedBytes: bytes}
}

// RemoveClosedUnrefCheckpoints walks closed checkpoints from the front and
// removes each one no cursor points into, up to limit. If everything closed
// was removed and the open checkpoint has crossed the item limit, a new open
// checkpoint is created so the (now closed) one can be reclaimed next pass.
func (m *CheckpointManager) RemoveClosedUnrefCheckpoints(limit int) (int, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	var itemsRemoved int
	removed := 0
	for len(m.checkpointList) > 1 && removed < limit {
		front := m.checkpointList[0]
		if front.state != base.CheckpointStateClosed || m.numCursorsInLocked(front) > 0 {
			break
		}
		itemsRemoved += front.NumTotalItems()
		m.stats.AddCheckpointMemory(-front.QueuedBytes())
		front.releaseAll()
		m.checkpointList = m.checkpointList[1:]
		removed++
	}

	newOpenCreated := false
	if removed > 0 && len(m.checkpointList) == 1 &&
		m.openCheckpoint().NumItems() >= m.config.ChkMaxItems {
		m.addNewCheckpointLocked()
		newOpenCreated = true
	}

	if itemsRemoved > 0 {
		m.stats.ItemsRemovedFromCheckpoints.Inc(int64(itemsRemoved))
	}
	return itemsRemoved, newOpenCreated
}

// HasClosedCheckpointWhichCanBeRemoved reports whether the oldest checkpoint
// is closed and unreferenced
func (m *CheckpointManager) HasClosedCheckpointWhichCanBeRemoved() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	if len(m.checkpointList) < 2 {
		return false
	}
	front := m.checkpointList[0]
	return front.state == base.CheckpointStateClosed && m.numCursorsInLocked(front) == 0
}

// GetListOfCursorsToDrop returns the names of droppable cursors lagging in
// closed checkpoints, most-lagging first. The persistence cursor is never in
// the list.
func (m *CheckpointManager) GetListOfCursorsToDrop() []string {
	m.lock.Lock()
	defer m.lock.Unlock()

	open := m.openCheckpoint()
	type lag struct {
		name   string
		ckptID uint64
		order  uint64
	}
	var lags []lag
	for name, cursor := range m.cursors {
		if !cursor.droppable || cursor.ckpt == open {
			continue
		}
		lags = append(lags, lag{name: name, ckptID: cursor.ckpt.id, order: cursor.order()})
	}
	sort.Slice(lags, func(i, j int) bool {
		if lags[i].ckptID != lags[j].ckptID {
			return lags[i].ckptID < lags[j].ckptID
		}
		return lags[i].order < lags[j].order
	})
	names := make([]string, 0, len(lags))
	for _, l := range lags {
		names = append(names, l.name)
	}
	return names
}

// TakeAndResetCursors moves the other manager's dynamically registered
// cursors into this manager, repositioning them at the very beginning. Used
// on vbucket reset so streams keep their registrations.
func (m *CheckpointManager) TakeAndResetCursors(other *CheckpointManager) {
	if m == other {
		return
	}
	// consistent order: other's lock first, it is the one being drained
	other.lock.Lock()
	names := make([]string, 0, len(other.cursors))
	for name := range other.cursors {
		if name != base.PersistenceCursorName {
			names = append(names, name)
		}
	}
	for _, name := range names {
		delete(other.cursors, name)
	}
	other.lock.Unlock()

	m.lock.Lock()
	defer m.lock.Unlock()
	for _, name := range names {
		if _, ok := m.cursors[name]; ok {
			continue
		}
		cursor := &CheckpointCursor{name: name, droppable: true}
		m.positionCursorLocked(cursor, 0)
		m.cursors[name] = cursor
	}
}

// Clear drops all checkpoints and reopens a single empty one at seqno,
// repositioning every cursor at its start. Used on vbucket reset/rollback.
func (m *CheckpointManager) Clear(seqno int64) {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, c := range m.checkpointList {
		m.stats.AddCheckpointMemory(-c.QueuedBytes())
		c.releaseAll()
	}
	m.lastBySeqno = seqno
	ckpt := newCheckpoint(m.nextCkptID, uint64(seqno), uint64(seqno),
		nil, base.CheckpointTypeMemory, m.nextOrder)
	m.nextCkptID++
	m.checkpointList = []*Checkpoint{ckpt}
	m.stats.AddCheckpointMemory(ckpt.QueuedBytes())
	for _, cursor := range m.cursors {
		cursor.ckpt = ckpt
		cursor.elem = ckpt.front()
		cursor.crossedBoundary = false
	}
}

// CheckpointIDs exposes the id list for introspection and tests
func (m *CheckpointManager) CheckpointIDs() []uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	ids := make([]uint64, 0, len(m.checkpointList))
	for _, c := range m.checkpointList {
		ids = append(ids, c.id)
	}
	return ids
}
