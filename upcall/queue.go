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

// Package upcall implements the datapath's upcall queues: fixed-capacity
// single-producer/single-consumer rings that decouple the I/O worker's
// fast path from control-plane consumers of recv.
package upcall

import (
	"github.com/aepifanov/dpif-netdev/odp"
)

// Class distinguishes why an upcall was generated.
type Class int

const (
	// ClassMiss is a packet with no matching flow entry.
	ClassMiss Class = iota
	// ClassAction is a packet delivered by an explicit USERSPACE action.
	ClassAction

	// NumClasses is the number of upcall classes (N_QUEUES).
	NumClasses
)

// MaxQueueLen is MAX_QUEUE_LEN: the fixed capacity of each ring, a power
// of two so index wrapping is a mask rather than a modulo.
const MaxQueueLen = 128

// queueMask is QUEUE_MASK.
const queueMask = MaxQueueLen - 1

// Record is one upcall: a flow key, optional userdata, and a copy of the
// packet that triggered it. The three fields are independently owned
// copies rather than pointers into a shared buffer, since Go has no
// cheap equivalent of the original's single contiguous allocation with
// pointers delimiting regions, and copying out at enqueue time keeps the
// ring's slots simple zero-value-safe structs.
type Record struct {
	Class    Class
	Key      odp.FlowKey
	Userdata []byte
	Packet   []byte
}

// Queue is a fixed-capacity ring buffer of upcall records. push is called
// from the datapath's packet path (PortInput misses, and USERSPACE
// actions run by PortInput or by Execute); pop is called by recv. A Queue
// does no locking of its own: the owning datapath serializes every push
// and pop under its queue mutex.
type Queue struct {
	slots [MaxQueueLen]Record
	head  uint32
	tail  uint32

	// lost counts records dropped at this queue due to overflow, mirrored
	// up into the owning datapath's n_lost by the caller.
	lost uint64
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Len returns the number of pending records.
func (q *Queue) Len() int {
	return int(q.head - q.tail)
}

// Lost returns the number of records dropped at this queue due to
// overflow.
func (q *Queue) Lost() uint64 {
	return q.lost
}

// Push enqueues rec. It returns odp.ErrNoBuffer and increments the lost
// counter iff the queue is already at MaxQueueLen capacity.
func (q *Queue) Push(rec Record) error {
	if q.head-q.tail == MaxQueueLen {
		q.lost++
		return odp.ErrNoBuffer
	}
	q.slots[q.head&queueMask] = rec
	q.head++
	return nil
}

// Pop dequeues and returns the oldest pending record. It returns
// odp.ErrRetry iff the queue is empty.
func (q *Queue) Pop() (Record, error) {
	if q.head == q.tail {
		return Record{}, odp.ErrRetry
	}
	rec := q.slots[q.tail&queueMask]
	q.slots[q.tail&queueMask] = Record{}
	q.tail++
	return rec, nil
}

// Purge drops all pending records without delivering them.
func (q *Queue) Purge() {
	for q.head != q.tail {
		q.slots[q.tail&queueMask] = Record{}
		q.tail++
	}
}
