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

package flowtable

import (
	"testing"

	"github.com/aepifanov/dpif-netdev/odp"
)

func keyFor(inPort uint32) odp.FlowKey {
	return odp.FlowKey{
		InPort:  inPort,
		EthSrc:  odp.EthAddr{0x02, 0, 0, 0, 0, byte(inPort)},
		EthDst:  odp.EthAddr{0x02, 0, 0, 0, 0, 0xff},
		EthType: 0x0800,
	}
}

func TestInsertLookupRemove(t *testing.T) {
	tbl := New(DefaultMaxFlows)
	k := keyFor(1)

	if e, err := tbl.Lookup(k); err != nil || e != nil {
		t.Fatalf("Lookup on empty table = (%v, %v), want (nil, nil)", e, err)
	}

	e, err := tbl.Insert(k, []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if string(e.Actions()) != "\x01\x02\x03" {
		t.Fatalf("Actions() = %q", e.Actions())
	}

	if _, err := tbl.Insert(k, []byte{9}); !odp.IsExists(err) {
		t.Fatalf("second Insert: got err %v, want ErrExists", err)
	}

	got, err := tbl.Lookup(k)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != e {
		t.Fatalf("Lookup returned different entry")
	}

	if _, err := tbl.Modify(k, []byte{7, 8}); err != nil {
		t.Fatalf("Modify: %v", err)
	}
	if string(e.Actions()) != "\x07\x08" {
		t.Fatalf("Actions() after Modify = %q", e.Actions())
	}

	if tbl.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", tbl.Count())
	}

	removed, err := tbl.Remove(k)
	if err != nil || removed != e {
		t.Fatalf("Remove = (%v, %v)", removed, err)
	}
	if tbl.Count() != 0 {
		t.Fatalf("Count() after Remove = %d, want 0", tbl.Count())
	}
	if _, err := tbl.Remove(k); !odp.IsNoEntry(err) {
		t.Fatalf("Remove on missing key: got err %v, want ErrNoEntry", err)
	}
}

func TestCapacityBound(t *testing.T) {
	const max = 4
	tbl := New(max)

	for i := uint32(0); i < max; i++ {
		if _, err := tbl.Insert(keyFor(i), nil); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	if _, err := tbl.Insert(keyFor(100), nil); !odp.IsTooBig(err) {
		t.Fatalf("Insert at capacity: got err %v, want ErrTooBig", err)
	}

	if _, err := tbl.Remove(keyFor(0)); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, err := tbl.Insert(keyFor(100), nil); err != nil {
		t.Fatalf("Insert after Remove: %v", err)
	}
}

func TestHitUpdatesCountersAtomically(t *testing.T) {
	tbl := New(DefaultMaxFlows)
	e, err := tbl.Insert(keyFor(1), []byte{1})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	e.Hit(64, 0x02, 1000)
	e.Hit(128, 0x10, 2000)

	stats := e.Stats()
	if stats.Packets != 2 {
		t.Fatalf("Packets = %d, want 2", stats.Packets)
	}
	if stats.Bytes != 192 {
		t.Fatalf("Bytes = %d, want 192", stats.Bytes)
	}
	if stats.UsedMs != 2000 {
		t.Fatalf("UsedMs = %d, want 2000", stats.UsedMs)
	}
	if stats.TCPFlags != 0x12 {
		t.Fatalf("TCPFlags = %#x, want 0x12", stats.TCPFlags)
	}

	e.ZeroStats()
	stats = e.Stats()
	if stats.Packets != 0 || stats.Bytes != 0 || stats.UsedMs != 0 || stats.TCPFlags != 0 {
		t.Fatalf("Stats() after ZeroStats = %+v, want zero", stats)
	}
}

func TestIterAtVisitsEveryEntryAtLeastOnceWithoutMutation(t *testing.T) {
	tbl := New(DefaultMaxFlows)
	want := map[uint32]bool{}
	for i := uint32(0); i < 50; i++ {
		if _, err := tbl.Insert(keyFor(i), nil); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
		want[i] = true
	}

	seen := map[uint32]bool{}
	bucket, offset := 0, 0
	for {
		e, nb, no, ok := tbl.IterAt(bucket, offset)
		if !ok {
			break
		}
		seen[e.Key.InPort] = true
		bucket, offset = nb, no
	}

	if len(seen) != len(want) {
		t.Fatalf("dump visited %d entries, want %d", len(seen), len(want))
	}
	for k := range want {
		if !seen[k] {
			t.Fatalf("dump did not visit in_port %d", k)
		}
	}
}
