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

// Package packet implements the datapath's packet buffer: a single
// allocation holding headroom, packet data, and tailroom, grown on demand
// as actions push headers onto either end.
package packet

// HeadroomLen is the space reserved before the packet payload so that
// encapsulating actions (PUSH_VLAN, PUSH_MPLS, tunnel encap) can prepend
// a header without reallocating. 2 bytes keeps the payload 4-byte aligned
// once a VLAN header (4 bytes) is pushed, mirroring DP_NETDEV_HEADROOM.
const HeadroomLen = 2 + VlanHeaderLen

// VlanHeaderLen is the length in bytes of an 802.1Q tag.
const VlanHeaderLen = 4

// Buffer is a packet under construction or in flight through the
// datapath. data[start:start+len(data)-start] is not how this is modeled;
// instead base holds the full backing array and start/end mark the
// occupied region, so Push and Put can grow into headroom or tailroom
// without copying.
type Buffer struct {
	base  []byte
	start int
	end   int

	// InPort is a slot for the ingress port number this packet arrived
	// on. The datapath does not set it: PortInput receives the port
	// number as an argument instead.
	InPort uint32
}

// New returns a Buffer wrapping payload, reserving HeadroomLen bytes
// before it and capacity bytes after it.
func New(payload []byte, capacity int) *Buffer {
	base := make([]byte, HeadroomLen+len(payload)+capacity)
	copy(base[HeadroomLen:], payload)
	return &Buffer{
		base:  base,
		start: HeadroomLen,
		end:   HeadroomLen + len(payload),
	}
}

// Data returns the occupied region of the buffer.
func (b *Buffer) Data() []byte {
	return b.base[b.start:b.end]
}

// Len returns the number of occupied bytes.
func (b *Buffer) Len() int {
	return b.end - b.start
}

// Headroom returns the number of unused bytes available before Data().
func (b *Buffer) Headroom() int {
	return b.start
}

// Tailroom returns the number of unused bytes available after Data().
func (b *Buffer) Tailroom() int {
	return len(b.base) - b.end
}

// Reserve ensures at least n bytes of headroom are available, growing
// and copying the backing array if necessary. It mirrors ofpbuf_reserve
// used ahead of header pushes in the original datapath.
func (b *Buffer) Reserve(n int) {
	if b.start >= n {
		return
	}
	b.grow(n-b.start, 0)
}

// Push prepends header to the front of the occupied region, growing
// headroom first if needed.
func (b *Buffer) Push(header []byte) {
	b.Reserve(len(header))
	b.start -= len(header)
	copy(b.base[b.start:], header)
}

// Put appends data to the back of the occupied region, growing tailroom
// first if needed.
func (b *Buffer) Put(data []byte) {
	if b.Tailroom() < len(data) {
		b.grow(0, len(data)-b.Tailroom())
	}
	copy(b.base[b.end:], data)
	b.end += len(data)
}

// PutZeros appends n zero bytes to the back of the occupied region.
func (b *Buffer) PutZeros(n int) {
	if b.Tailroom() < n {
		b.grow(0, n-b.Tailroom())
	}
	b.end += n
}

// Pull removes n bytes from the front of the occupied region and returns
// them. It panics if n exceeds Len, a programmer error in an action
// that pops more header than is present.
func (b *Buffer) Pull(n int) []byte {
	if n > b.Len() {
		panic("packet: Pull exceeds buffer length")
	}
	out := b.base[b.start : b.start+n]
	b.start += n
	return out
}

// Clear empties the occupied region without releasing the backing array,
// so the buffer can be reused for the next receive.
func (b *Buffer) Clear() {
	b.start = HeadroomLen
	b.end = HeadroomLen
}

// grow reallocates the backing array to add at least extraHead bytes of
// headroom and extraTail bytes of tailroom, preserving the occupied
// region's content and relative headroom.
func (b *Buffer) grow(extraHead, extraTail int) {
	newHead := b.start + extraHead
	newLen := newHead + b.Len() + b.Tailroom() + extraTail
	base := make([]byte, newLen)
	copy(base[newHead:], b.Data())
	n := b.Len()
	b.base = base
	b.start = newHead
	b.end = newHead + n
}
