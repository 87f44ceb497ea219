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
	"regexp"
	"strconv"
	"strings"

	"github.com/aepifanov/dpif-netdev/netdev"
	"github.com/aepifanov/dpif-netdev/odp"
	"github.com/aepifanov/dpif-netdev/packet"
	"github.com/aepifanov/dpif-netdev/upcall"
)

// LocalPort is the reserved slot for the datapath's internal port, whose
// name equals the datapath's own name. It can never be deleted.
const LocalPort = 0

// Port binds a port number to a device for the lifetime it is attached
// to a datapath.
type Port struct {
	Number uint32
	Name   string
	Type   string
	Dev    netdev.NetDev
}

var portNameDigits = regexp.MustCompile(`\d+`)

// choosePortNumber implements spec section 4.7's choose_port: a
// non-default class whose name starts with "br" searches from 100; a
// name containing digits tries that number first; otherwise the lowest
// free slot in [1, maxPorts) is used, wrapping around to fill any gap
// below the search start. ok is false iff no slot is free.
func (dp *Datapath) choosePortNumber(name string) (n uint32, ok bool) {
	start := 1
	if dp.class != DefaultClass && strings.HasPrefix(name, "br") {
		start = 100
	}

	if m := portNameDigits.FindString(name); m != "" {
		if v, err := strconv.Atoi(m); err == nil && v >= 1 && v < dp.maxPorts && dp.ports[v] == nil {
			return uint32(v), true
		}
	}

	for i := start; i < dp.maxPorts; i++ {
		if dp.ports[i] == nil {
			return uint32(i), true
		}
	}
	for i := 1; i < start && i < dp.maxPorts; i++ {
		if dp.ports[i] == nil {
			return uint32(i), true
		}
	}
	return 0, false
}

// openType translates a port's declared type to the provider class it is
// actually opened under: dpif_netdev_port_open_type's rule that an
// "internal" port opens as "dummy" when a dummy class is active (tests)
// and as "tap" otherwise (a real deployment).
func (dp *Datapath) openType(typ string) string {
	if typ != "internal" {
		return typ
	}
	if dp.netdevs.Dummy() {
		return "dummy"
	}
	return "tap"
}

// PortAdd opens a device named name of declared type typ through the
// datapath's netdev registry and attaches it, assigning portNo if
// non-nil or choosing one via choosePortNumber otherwise. The device is
// put into promiscuous mode as part of attach, per spec section 3's Port
// lifecycle.
func (h *Handle) PortAdd(name, typ string, portNo *uint32) (*Port, error) {
	dp := h.dp
	dp.portsMu.Lock()
	defer dp.portsMu.Unlock()

	var n uint32
	if portNo != nil {
		n = *portNo
		if n >= uint32(dp.maxPorts) {
			return nil, ErrTooBig
		}
		if dp.ports[n] != nil {
			return nil, ErrBusy
		}
	} else {
		found, ok := dp.choosePortNumber(name)
		if !ok {
			return nil, ErrTooBig
		}
		n = found
	}

	dev, err := dp.netdevs.Open(name, dp.openType(typ))
	if err != nil {
		return nil, err
	}

	if err := dev.TurnFlagsOn(netdev.PromiscFlag); err != nil {
		dp.logf("dpif: port %s: turn_flags_on failed: %v", name, err)
	}

	p := &Port{Number: n, Name: name, Type: typ, Dev: dev}
	dp.ports[n] = p
	dp.nPorts++
	dp.serial.Add(1)

	if mtu := int32(dev.MTU()); mtu > dp.maxMTU.Load() {
		dp.maxMTU.Store(mtu)
	}

	return p, nil
}

// PortDel detaches and closes the port at number n. Port 0 (LOCAL)
// cannot be deleted.
func (h *Handle) PortDel(n uint32) error {
	if n == LocalPort {
		return ErrInvalid
	}

	dp := h.dp
	dp.portsMu.Lock()
	defer dp.portsMu.Unlock()

	if n >= uint32(dp.maxPorts) || dp.ports[n] == nil {
		return ErrNoEntry
	}

	p := dp.ports[n]
	_ = p.Dev.Close()
	dp.ports[n] = nil
	dp.nPorts--
	dp.serial.Add(1)
	return nil
}

// PortQueryByNumber returns the port at number n.
func (h *Handle) PortQueryByNumber(n uint32) (*Port, error) {
	dp := h.dp
	dp.portsMu.RLock()
	defer dp.portsMu.RUnlock()

	if n >= uint32(dp.maxPorts) || dp.ports[n] == nil {
		return nil, ErrNoEntry
	}
	return dp.ports[n], nil
}

// PortQueryByName returns the port named name.
func (h *Handle) PortQueryByName(name string) (*Port, error) {
	dp := h.dp
	dp.portsMu.RLock()
	defer dp.portsMu.RUnlock()

	for _, p := range dp.ports {
		if p != nil && p.Name == name {
			return p, nil
		}
	}
	return nil, ErrNoEntry
}

// PortDumpCursor is a resumable position into the port slot array.
type PortDumpCursor struct {
	idx int
}

// PortDumpStart returns a cursor positioned before the first slot.
func (h *Handle) PortDumpStart() *PortDumpCursor {
	return &PortDumpCursor{}
}

// PortDumpNext returns the next live port in ascending slot order, and
// false once the dump is exhausted.
func (h *Handle) PortDumpNext(c *PortDumpCursor) (*Port, bool) {
	dp := h.dp
	dp.portsMu.RLock()
	defer dp.portsMu.RUnlock()

	for c.idx < len(dp.ports) {
		p := dp.ports[c.idx]
		c.idx++
		if p != nil {
			return p, true
		}
	}
	return nil, false
}

// PortDumpDone releases cursor c. There is nothing to release; it
// exists so callers have a symmetric start/next/done API matching spec
// section 4.7.
func (h *Handle) PortDumpDone(c *PortDumpCursor) {}

// PortPoll reports odp.ErrNoBuffer exactly once per client per port-set
// mutation, comparing the handle's cached serial against the datapath's
// current one; otherwise it reports odp.ErrRetry.
func (h *Handle) PortPoll() error {
	cur := h.dp.serial.Load()
	if cur != h.lastSerial.Load() {
		h.lastSerial.Store(cur)
		return ErrNoBuffer
	}
	return ErrRetry
}

// portByNumber returns the port at number n for the action engine's
// OUTPUT handling.
func (dp *Datapath) portByNumber(n uint32) (*Port, bool) {
	dp.portsMu.RLock()
	defer dp.portsMu.RUnlock()

	if n >= uint32(len(dp.ports)) {
		return nil, false
	}
	p := dp.ports[n]
	return p, p != nil
}

// PortInput is port_input, spec section 4.4: classify frame (received
// on portNo) against the flow table and either run its installed
// actions (hit) or enqueue a MISS upcall (miss).
func (dp *Datapath) PortInput(portNo uint32, frame []byte) {
	key, tcpFlags, err := extractKey(frame, portNo)
	if err != nil {
		dp.logf("dpif: port %d: dropping undersized frame: %v", portNo, err)
		return
	}

	entry, err := dp.table.Lookup(key)
	if err != nil {
		dp.logf("dpif: port %d: flow lookup error: %v", portNo, err)
		return
	}

	if entry != nil {
		entry.Hit(len(frame), tcpFlags, nowMs())
		dp.nHit.Add(1)

		actions, err := odp.ActionsFromAttrs(entry.Actions())
		if err != nil {
			dp.logf("dpif: port %d: malformed installed actions: %v", portNo, err)
			return
		}
		buf := packet.New(frame, executeBufferSlack)
		dp.executeActions(buf, &key, actions)
		return
	}

	dp.nMissed.Add(1)
	_ = dp.pushUpcall(upcall.ClassMiss, upcall.Record{
		Class:  upcall.ClassMiss,
		Key:    key,
		Packet: append([]byte(nil), frame...),
	})
}
