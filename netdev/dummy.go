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

package netdev

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/aepifanov/dpif-netdev/odp"
)

// DefaultMTU is the MTU a dummy device reports absent other
// configuration, matching a standard Ethernet MTU.
const DefaultMTU = 1500

// Dummy is an in-memory loopback device: Inject feeds frames into its
// receive queue, Recv/Dispatch drain it, and Send records transmitted
// frames for a test to assert against. It is the "dummy" class
// referenced throughout spec section 9's provider registry design and
// grounded on dpif_dummy_register__'s role of swapping in a
// no-real-I/O class for tests.
type Dummy struct {
	name string
	typ  string
	mtu  int

	mu      sync.Mutex
	rx      [][]byte
	sent    [][]byte
	closed  bool
	promisc bool

	rfd, wfd int
}

// NewDummy returns a Dummy device named name with declared type typ.
func NewDummy(name, typ string) (*Dummy, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK); err != nil {
		return nil, odp.ErrIO
	}
	return &Dummy{
		name: name,
		typ:  typ,
		mtu:  DefaultMTU,
		rfd:  p[0],
		wfd:  p[1],
	}, nil
}

// Inject enqueues frame for a subsequent Recv/Dispatch to deliver, and
// signals the device's poll fd. It is a test-only helper standing in for
// real packet arrival.
func (d *Dummy) Inject(frame []byte) {
	d.mu.Lock()
	cp := append([]byte(nil), frame...)
	d.rx = append(d.rx, cp)
	d.mu.Unlock()

	var b [1]byte
	_, _ = unix.Write(d.wfd, b[:])
}

// Sent returns the frames passed to Send so far, in order.
func (d *Dummy) Sent() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.sent))
	copy(out, d.sent)
	return out
}

// Promisc reports whether TurnFlagsOn(PromiscFlag) has been called.
func (d *Dummy) Promisc() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.promisc
}

func (d *Dummy) drainOne() {
	var b [1]byte
	_, _ = unix.Read(d.rfd, b[:])
}

// Close releases the device's signaling pipe.
func (d *Dummy) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	_ = unix.Close(d.rfd)
	_ = unix.Close(d.wfd)
	return nil
}

// Listen is a no-op: a Dummy is always receive-ready.
func (d *Dummy) Listen() error { return nil }

// Recv returns the oldest injected frame, or odp.ErrRetry if none is
// pending.
func (d *Dummy) Recv(buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.rx) == 0 {
		return 0, odp.ErrRetry
	}
	frame := d.rx[0]
	d.rx = d.rx[1:]
	n := copy(buf, frame)
	d.drainOne()
	return n, nil
}

// Send records buf as transmitted.
func (d *Dummy) Send(buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, append([]byte(nil), buf...))
	return nil
}

// Dispatch delivers up to batch pending frames to cb.
func (d *Dummy) Dispatch(batch int, cb func(payload []byte)) (int, error) {
	d.mu.Lock()
	n := len(d.rx)
	if n > batch {
		n = batch
	}
	frames := d.rx[:n]
	d.rx = d.rx[n:]
	d.mu.Unlock()

	for _, f := range frames {
		d.drainOne()
		cb(f)
	}
	return n, nil
}

// PollFD returns the read end of the device's signaling pipe.
func (d *Dummy) PollFD() int {
	return d.rfd
}

// MTU returns the device's configured MTU.
func (d *Dummy) MTU() int {
	return d.mtu
}

// Type returns the device's declared type string.
func (d *Dummy) Type() string {
	return d.typ
}

// TurnFlagsOn records that flags were requested; PromiscFlag is the only
// flag this datapath ever sets.
func (d *Dummy) TurnFlagsOn(flags int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if flags&PromiscFlag != 0 {
		d.promisc = true
	}
	return nil
}

// RecvWait is a no-op: PollFD already identifies the fd to watch.
func (d *Dummy) RecvWait() {}

// Open is a netdev.Factory opening Dummy devices, suitable for
// Registry.Register("dummy", netdev.Open) or
// Registry.RegisterDummyOverride(netdev.Open).
func Open(name, typ string) (NetDev, error) {
	return NewDummy(name, typ)
}
