// Copyright 2024 The Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dpif

import (
	"github.com/aepifanov/dpif-netdev/flowtable"
	"github.com/aepifanov/dpif-netdev/odp"
)

// FlowPutFlags are the behavior modifiers accepted by FlowPut, mirroring
// spec section 4.7's flow_put(key, actions, flags).
type FlowPutFlags uint8

const (
	// FlowCreate fails with ErrExists if the key is already installed.
	FlowCreate FlowPutFlags = 1 << iota
	// FlowModify fails with ErrNoEntry if the key is not installed.
	FlowModify
	// FlowZeroStats zeroes the entry's counters after reporting their
	// pre-update value in FlowPutResult.
	FlowZeroStats
)

// FlowPutResult reports the flow's statistics from immediately before the
// put took effect, per spec section 4.7: "returns the flow's previous
// stats."
type FlowPutResult struct {
	Stats flowtable.Stats
}

// FlowPut installs or updates the flow matching keyBytes (a canonical
// odp.FlowKey attribute stream) with the given action attribute stream.
// Exactly one of FlowCreate or FlowModify must be set.
func (h *Handle) FlowPut(keyBytes, actionsBytes []byte, flags FlowPutFlags) (FlowPutResult, error) {
	dp := h.dp
	key, err := odp.FromAttrs(keyBytes)
	if err != nil {
		return FlowPutResult{}, err
	}

	var entry *flowtable.Entry
	switch {
	case flags&FlowCreate != 0:
		entry, err = dp.table.Insert(key, actionsBytes)
	case flags&FlowModify != 0:
		entry, err = dp.table.Modify(key, actionsBytes)
	default:
		return FlowPutResult{}, ErrInvalid
	}
	if err != nil {
		return FlowPutResult{}, err
	}

	stats := entry.Stats()
	if flags&FlowZeroStats != 0 {
		entry.ZeroStats()
	}
	return FlowPutResult{Stats: stats}, nil
}

// FlowGetResult is a snapshot of an installed flow's actions and stats.
type FlowGetResult struct {
	Actions []byte
	Stats   flowtable.Stats
}

// FlowGet returns the actions and stats of the flow matching keyBytes.
func (h *Handle) FlowGet(keyBytes []byte) (FlowGetResult, error) {
	key, err := odp.FromAttrs(keyBytes)
	if err != nil {
		return FlowGetResult{}, err
	}
	entry, err := h.dp.table.Lookup(key)
	if err != nil {
		return FlowGetResult{}, err
	}
	if entry == nil {
		return FlowGetResult{}, ErrNoEntry
	}
	return FlowGetResult{Actions: entry.Actions(), Stats: entry.Stats()}, nil
}

// FlowDel removes the flow matching keyBytes, returning its final stats.
func (h *Handle) FlowDel(keyBytes []byte) (flowtable.Stats, error) {
	key, err := odp.FromAttrs(keyBytes)
	if err != nil {
		return flowtable.Stats{}, err
	}
	entry, err := h.dp.table.Remove(key)
	if err != nil {
		return flowtable.Stats{}, err
	}
	return entry.Stats(), nil
}

// FlowDumpCursor is a resumable position into the flow table, wrapping
// flowtable.Table.IterAt's (bucket, offset) coordinates.
type FlowDumpCursor struct {
	bucket, offset int
	done           bool
}

// FlowDumpStart returns a cursor positioned at the first bucket.
func (h *Handle) FlowDumpStart() *FlowDumpCursor {
	return &FlowDumpCursor{}
}

// FlowDumpEntry is one flow returned from FlowDumpNext: the key and
// actions are copied out so the caller owns them independent of any
// later mutation to the underlying entry.
type FlowDumpEntry struct {
	Key     odp.FlowKey
	Actions []byte
	Stats   flowtable.Stats
}

// FlowDumpNext returns the next flow in the table, or false once the dump
// is exhausted. As with PortDumpNext, concurrent inserts or removes may
// cause a flow to be seen more than once, once, or not at all.
func (h *Handle) FlowDumpNext(c *FlowDumpCursor) (FlowDumpEntry, bool) {
	if c.done {
		return FlowDumpEntry{}, false
	}
	e, nb, no, ok := h.dp.table.IterAt(c.bucket, c.offset)
	if !ok {
		c.done = true
		return FlowDumpEntry{}, false
	}
	c.bucket, c.offset = nb, no
	return FlowDumpEntry{
		Key:     e.Key,
		Actions: append([]byte(nil), e.Actions()...),
		Stats:   e.Stats(),
	}, true
}

// FlowDumpDone releases cursor c. There is nothing to release; it exists
// for API symmetry with the port dump.
func (h *Handle) FlowDumpDone(c *FlowDumpCursor) {}
