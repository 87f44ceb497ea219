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
	"testing"

	"github.com/aepifanov/dpif-netdev/netdev"
	"github.com/aepifanov/dpif-netdev/odp"
)

func ethFrame(dst, src [6]byte, ethType uint16, payload []byte) []byte {
	f := make([]byte, 14+len(payload))
	copy(f[0:6], dst[:])
	copy(f[6:12], src[:])
	f[12] = byte(ethType >> 8)
	f[13] = byte(ethType)
	copy(f[14:], payload)
	return f
}

func newTestHandle(t *testing.T, name string) (*Handle, *netdev.Dummy) {
	t.Helper()
	reg := netdev.NewRegistry()
	dev, err := netdev.NewDummy("p1", "dummy")
	if err != nil {
		t.Fatalf("NewDummy: %v", err)
	}
	reg.RegisterDummyOverride(func(n, typ string) (netdev.NetDev, error) { return dev, nil })

	h, err := Open(DefaultClass, name, true, WithMaxFlows(4), WithNetdevRegistry(reg))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		_ = h.Destroy()
		_ = h.Close()
	})

	if _, err := h.PortAdd("p1", "dummy", nil); err != nil {
		t.Fatalf("PortAdd: %v", err)
	}
	return h, dev
}

func keyBytes(t *testing.T, inPort uint32) []byte {
	t.Helper()
	k := odp.FlowKey{InPort: inPort, EthType: 0x0800}
	b, err := k.ToAttrs()
	if err != nil {
		t.Fatalf("ToAttrs: %v", err)
	}
	return b
}

// S1: a miss on an unmatched frame enqueues an upcall; installing a flow
// for that key then makes the next identical frame a hit that runs its
// actions.
func TestMissInstallHit(t *testing.T) {
	h, _ := newTestHandle(t, "dp-s1")
	dp := h.Datapath()

	frame := ethFrame([6]byte{0xaa}, [6]byte{0xbb}, 0x0800, make([]byte, 20))
	dp.PortInput(1, frame)

	if dp.GetStats().NMissed != 1 {
		t.Fatalf("expected 1 miss, got %+v", dp.GetStats())
	}
	rec, err := h.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if rec.Key.InPort != 1 {
		t.Fatalf("upcall key in_port = %d, want 1", rec.Key.InPort)
	}

	actions, err := odp.ActionsToAttrs([]odp.Action{odp.Output(2)})
	if err != nil {
		t.Fatalf("ActionsToAttrs: %v", err)
	}
	kb, err := rec.Key.ToAttrs()
	if err != nil {
		t.Fatalf("ToAttrs: %v", err)
	}
	if _, err := h.FlowPut(kb, actions, FlowCreate); err != nil {
		t.Fatalf("FlowPut: %v", err)
	}

	dp.PortInput(1, frame)
	if dp.GetStats().NHit != 1 {
		t.Fatalf("expected 1 hit, got %+v", dp.GetStats())
	}
}

// S2: the flow table refuses inserts past its configured capacity.
func TestCapacityBound(t *testing.T) {
	h, _ := newTestHandle(t, "dp-s2")

	for i := 0; i < 4; i++ {
		kb := keyBytes(t, uint32(i+1))
		actions, _ := odp.ActionsToAttrs([]odp.Action{odp.Output(1)})
		if _, err := h.FlowPut(kb, actions, FlowCreate); err != nil {
			t.Fatalf("FlowPut #%d: %v", i, err)
		}
	}

	kb := keyBytes(t, 99)
	actions, _ := odp.ActionsToAttrs([]odp.Action{odp.Output(1)})
	_, err := h.FlowPut(kb, actions, FlowCreate)
	if !IsTooBig(err) {
		t.Fatalf("FlowPut past capacity: got %v, want ErrTooBig", err)
	}
}

// S3: more upcalls than the queue holds counts a loss without growing
// the queue or blocking the caller.
func TestUpcallOverflowCountsLoss(t *testing.T) {
	h, _ := newTestHandle(t, "dp-s3")
	dp := h.Datapath()

	for i := 0; i < 200; i++ {
		frame := ethFrame([6]byte{byte(i)}, [6]byte{0xbb}, 0x0800, make([]byte, 20))
		dp.PortInput(1, frame)
	}

	stats := dp.GetStats()
	if stats.NLost == 0 {
		t.Fatalf("expected some upcalls lost under sustained misses, got %+v", stats)
	}
}

// S4: port_poll reports NO_BUFFER exactly once per mutation, then RETRY
// until the next one; port dumps enumerate ascending slot order.
func TestPortPollAndDump(t *testing.T) {
	h, _ := newTestHandle(t, "dp-s4")

	if err := h.PortPoll(); !IsNoBuffer(err) {
		t.Fatalf("first PortPoll = %v, want ErrNoBuffer (port_add above already mutated the set)", err)
	}
	if err := h.PortPoll(); !IsRetry(err) {
		t.Fatalf("second PortPoll = %v, want ErrRetry", err)
	}

	if _, err := h.PortAdd("p2", "dummy", nil); err != nil {
		t.Fatalf("PortAdd: %v", err)
	}
	if err := h.PortPoll(); !IsNoBuffer(err) {
		t.Fatalf("PortPoll after add = %v, want ErrNoBuffer", err)
	}

	var names []string
	c := h.PortDumpStart()
	for {
		p, ok := h.PortDumpNext(c)
		if !ok {
			break
		}
		names = append(names, p.Name)
	}
	if len(names) != 2 || names[0] != "p1" || names[1] != "p2" {
		t.Fatalf("port dump = %v, want [p1 p2] in ascending slot order", names)
	}
}

// S6: SAMPLE at probability 0 always skips, and at the maximum uint32
// value always executes.
func TestSampleDeterministicBounds(t *testing.T) {
	h, dev := newTestHandle(t, "dp-s6")
	dp := h.Datapath()

	for trial := 0; trial < 20; trial++ {
		frame := ethFrame([6]byte{0xaa}, [6]byte{0xbb}, 0x0800, make([]byte, 20))
		key, _, err := extractKey(frame, 1)
		if err != nil {
			t.Fatalf("extractKey: %v", err)
		}

		// Sent accumulates across trials, so count relative to this point.
		before := len(dev.Sent())

		dp.executeActions(newExecuteBuffer(frame), &key, []odp.Action{
			odp.Sample(0, []odp.Action{odp.Output(1)}),
		})
		if len(dev.Sent()) != before {
			t.Fatalf("trial %d: SAMPLE probability 0 executed inner actions", trial)
		}

		dp.executeActions(newExecuteBuffer(frame), &key, []odp.Action{
			odp.Sample(^uint32(0), []odp.Action{odp.Output(1)}),
		})
		if len(dev.Sent()) != before+1 {
			t.Fatalf("trial %d: SAMPLE probability max did not execute inner actions", trial)
		}
	}
}

func TestFlowDumpAndDel(t *testing.T) {
	h, _ := newTestHandle(t, "dp-dump")

	for i := 0; i < 3; i++ {
		kb := keyBytes(t, uint32(i+1))
		actions, _ := odp.ActionsToAttrs([]odp.Action{odp.Output(1)})
		if _, err := h.FlowPut(kb, actions, FlowCreate); err != nil {
			t.Fatalf("FlowPut: %v", err)
		}
	}

	seen := map[uint32]bool{}
	c := h.FlowDumpStart()
	for {
		e, ok := h.FlowDumpNext(c)
		if !ok {
			break
		}
		seen[e.Key.InPort] = true
	}
	if len(seen) != 3 {
		t.Fatalf("flow dump saw %d flows, want 3", len(seen))
	}

	kb := keyBytes(t, 1)
	if _, err := h.FlowDel(kb); err != nil {
		t.Fatalf("FlowDel: %v", err)
	}
	if _, err := h.FlowGet(kb); !IsNoEntry(err) {
		t.Fatalf("FlowGet after del: got %v, want ErrNoEntry", err)
	}
}

func TestPortDelRejectsLocal(t *testing.T) {
	h, _ := newTestHandle(t, "dp-local")
	if err := h.PortDel(LocalPort); !IsInvalid(err) {
		t.Fatalf("PortDel(LOCAL) = %v, want ErrInvalid", err)
	}
}

func TestChoosePortNumberPrefersEmbeddedDigits(t *testing.T) {
	dp, err := newDatapath("dp-choose", DefaultClass, nil)
	if err != nil {
		t.Fatalf("newDatapath: %v", err)
	}
	n, ok := dp.choosePortNumber("eth3")
	if !ok || n != 3 {
		t.Fatalf("choosePortNumber(eth3) = (%d, %v), want (3, true)", n, ok)
	}
}
