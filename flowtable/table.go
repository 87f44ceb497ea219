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

// Package flowtable implements the datapath's concurrent exact-match flow
// table: a hash map from canonical flow key to flow entry, with a
// resumable positional cursor so a dump can be paused and resumed across
// calls without holding the table lock for the whole dump.
package flowtable

import (
	"hash/maphash"
	"sync"
	"sync/atomic"

	"github.com/aepifanov/dpif-netdev/odp"
)

// DefaultMaxFlows is MAX_FLOWS: the hard capacity bound on the table.
const DefaultMaxFlows = 65536

// nbuckets is fixed at construction; the table never rehashes, since the
// bound on total entries is fixed (MAX_FLOWS) and chains simply absorb
// whatever collisions occur. This also keeps iter_at's (bucket, offset)
// coordinates stable across the table's lifetime.
const nbuckets = 4096

// Entry is an installed flow: an exact key, an owned action attribute
// blob, and hit counters. Counters are written without the table lock
// from the packet-reception hit path (only the worker writes them) and
// read without it by control-plane operations, so they are atomics
// rather than plain fields.
type Entry struct {
	Key odp.FlowKey

	actions     atomic.Pointer[[]byte]
	packetCount atomic.Uint64
	byteCount   atomic.Uint64
	usedMs      atomic.Int64
	tcpFlags    atomic.Uint32
}

// Actions returns the entry's current action attribute blob.
func (e *Entry) Actions() []byte {
	p := e.actions.Load()
	if p == nil {
		return nil
	}
	return *p
}

// SetActions atomically replaces the entry's action attribute blob. Used
// by flow_put MODIFY; never called from the hit path.
func (e *Entry) SetActions(actions []byte) {
	e.actions.Store(&actions)
}

// Hit records one packet of size bytes with the given observed TCP flag
// bits at nowMs. Only the I/O worker calls this, so no lock is required;
// each field is updated with its own atomic operation rather than under
// a shared lock, matching the "no torn reads of counters" guarantee the
// flow table makes to concurrent stat readers.
func (e *Entry) Hit(size int, tcpFlags uint8, nowMs int64) {
	e.packetCount.Add(1)
	e.byteCount.Add(uint64(size))
	e.usedMs.Store(nowMs)
	if tcpFlags != 0 {
		for {
			old := e.tcpFlags.Load()
			next := old | uint32(tcpFlags)
			if next == old || e.tcpFlags.CompareAndSwap(old, next) {
				break
			}
		}
	}
}

// Stats is a point-in-time snapshot of an entry's counters.
type Stats struct {
	Packets  uint64
	Bytes    uint64
	UsedMs   int64
	TCPFlags uint8
}

// Stats returns a snapshot of the entry's counters.
func (e *Entry) Stats() Stats {
	return Stats{
		Packets:  e.packetCount.Load(),
		Bytes:    e.byteCount.Load(),
		UsedMs:   e.usedMs.Load(),
		TCPFlags: uint8(e.tcpFlags.Load()),
	}
}

// ZeroStats resets the entry's counters to zero, as flow_put's
// ZERO_STATS flag does after the previous values have been reported to
// the caller.
func (e *Entry) ZeroStats() {
	e.packetCount.Store(0)
	e.byteCount.Store(0)
	e.usedMs.Store(0)
	e.tcpFlags.Store(0)
}

// Table is the concurrent exact-match flow hash map.
type Table struct {
	seed     maphash.Seed
	buckets  [][]*Entry
	count    int
	maxFlows int

	mu sync.RWMutex
}

// New returns an empty table bounded at maxFlows entries.
func New(maxFlows int) *Table {
	return &Table{
		seed:     maphash.MakeSeed(),
		buckets:  make([][]*Entry, nbuckets),
		maxFlows: maxFlows,
	}
}

func (t *Table) bucketFor(key odp.FlowKey) (int, []byte, error) {
	canon, err := key.ToAttrs()
	if err != nil {
		return 0, nil, err
	}
	var h maphash.Hash
	h.SetSeed(t.seed)
	h.Write(canon)
	return int(h.Sum64() % nbuckets), canon, nil
}

func findInChain(chain []*Entry, canon []byte) (int, error) {
	for i, e := range chain {
		ec, err := e.Key.ToAttrs()
		if err != nil {
			return -1, err
		}
		if string(ec) == string(canon) {
			return i, nil
		}
	}
	return -1, nil
}

// Lookup returns the entry matching key, or nil if none exists. This is
// the hit-path call; it only needs read access to the bucket chain.
func (t *Table) Lookup(key odp.FlowKey) (*Entry, error) {
	bucket, canon, err := t.bucketFor(key)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	idx, err := findInChain(t.buckets[bucket], canon)
	if err != nil {
		return nil, err
	}
	if idx < 0 {
		return nil, nil
	}
	return t.buckets[bucket][idx], nil
}

// Insert adds a new entry for key with the given action blob. It returns
// odp.ErrExists if key is already installed, and odp.ErrTooBig if the
// table is already at maxFlows.
func (t *Table) Insert(key odp.FlowKey, actions []byte) (*Entry, error) {
	bucket, canon, err := t.bucketFor(key)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	idx, err := findInChain(t.buckets[bucket], canon)
	if err != nil {
		return nil, err
	}
	if idx >= 0 {
		return nil, odp.ErrExists
	}
	if t.count >= t.maxFlows {
		return nil, odp.ErrTooBig
	}

	e := &Entry{Key: key}
	e.SetActions(actions)
	t.buckets[bucket] = append(t.buckets[bucket], e)
	t.count++
	return e, nil
}

// Modify replaces the action blob of the entry matching key. It returns
// odp.ErrNoEntry if no such entry exists.
func (t *Table) Modify(key odp.FlowKey, actions []byte) (*Entry, error) {
	bucket, canon, err := t.bucketFor(key)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	idx, err := findInChain(t.buckets[bucket], canon)
	if err != nil {
		return nil, err
	}
	if idx < 0 {
		return nil, odp.ErrNoEntry
	}
	e := t.buckets[bucket][idx]
	e.SetActions(actions)
	return e, nil
}

// Remove deletes the entry matching key and returns it. It returns
// odp.ErrNoEntry if no such entry exists.
func (t *Table) Remove(key odp.FlowKey) (*Entry, error) {
	bucket, canon, err := t.bucketFor(key)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	chain := t.buckets[bucket]
	idx, err := findInChain(chain, canon)
	if err != nil {
		return nil, err
	}
	if idx < 0 {
		return nil, odp.ErrNoEntry
	}

	e := chain[idx]
	chain[idx] = chain[len(chain)-1]
	t.buckets[bucket] = chain[:len(chain)-1]
	t.count--
	return e, nil
}

// Count returns the number of installed entries.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// IterAt returns the entry at position (bucket, offset) if one exists,
// along with the coordinates of the following entry. Each call takes
// and releases the table lock once, so a caller that stashes
// (nextBucket, nextOffset) between calls never holds the lock across a
// dump; inserts and removes that happen in between may cause an entry
// to be seen twice, once, or not at all, same as the original's
// hmap_at_position.
func (t *Table) IterAt(bucket, offset int) (e *Entry, nextBucket, nextOffset int, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for b := bucket; b < len(t.buckets); b++ {
		chain := t.buckets[b]
		start := 0
		if b == bucket {
			start = offset
		}
		if start < len(chain) {
			nb, no := b, start+1
			if no >= len(chain) {
				nb, no = b+1, 0
			}
			return chain[start], nb, no, true
		}
	}
	return nil, 0, 0, false
}
