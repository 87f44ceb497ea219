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

// Package vport implements tunnel-type ports that wrap an underlying
// netdev.NetDev transport with an encapsulating header, the way the
// kernel datapath layers GRE over an IP route rather than talking
// straight to a physical device.
package vport

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/aepifanov/dpif-netdev/netdev"
	"github.com/aepifanov/dpif-netdev/odp"
)

const (
	greFlagChecksum uint16 = 1 << 15
	greFlagKey      uint16 = 1 << 13
	greFlagSeq      uint16 = 1 << 12

	// etherTypeTEB is ETH_P_TEB: the GRE protocol field value for
	// Transparent Ethernet Bridging, used because the tunneled payload
	// is a full Ethernet frame rather than a raw IP packet.
	etherTypeTEB uint16 = 0x6558
)

// TypeGRE and TypeGRE64 are the declared port types a GRE device reports
// through Type() and that Open accepts.
const (
	TypeGRE   = "gre"
	TypeGRE64 = "gre64"
)

var (
	refMu sync.Mutex
	refs  = map[string]int{}
)

// acquire increments the reference count for the (namespace, typ)
// protocol handler and reports whether this is the first reference,
// mirroring gre_init's "only register the protocol once" behavior.
func acquire(ns, typ string) bool {
	refMu.Lock()
	defer refMu.Unlock()
	key := ns + "/" + typ
	refs[key]++
	return refs[key] == 1
}

// release decrements the reference count and reports whether it reached
// zero, mirroring gre_exit's last-detach unregistration.
func release(ns, typ string) bool {
	refMu.Lock()
	defer refMu.Unlock()
	key := ns + "/" + typ
	refs[key]--
	if refs[key] <= 0 {
		delete(refs, key)
		return true
	}
	return false
}

// GRE is a tunnel netdev.NetDev layering a GRE (or GRE64) header over an
// underlying transport device. Every frame Send writes is wrapped in a
// GRE header carrying tunnelID before being handed to transport; every
// frame transport delivers is unwrapped before being handed to a caller
// of Recv/Dispatch.
type GRE struct {
	ns        string
	name      string
	typ       string
	tunnelID  uint64
	transport netdev.NetDev

	lastTunnelID atomic.Uint64
	closed       atomic.Bool
}

// Open attaches a GRE (typ TypeGRE) or GRE64 (typ TypeGRE64) tunnel
// device named name over transport, tagging every frame it sends with
// tunnelID. ns scopes the reference-counted singleton the way a network
// namespace scopes the kernel's GRE protocol handler; callers that don't
// need namespace isolation can pass "".
func Open(ns, name, typ string, transport netdev.NetDev, tunnelID uint64) (*GRE, error) {
	if typ != TypeGRE && typ != TypeGRE64 {
		return nil, odp.ErrInvalid
	}
	acquire(ns, typ)
	return &GRE{
		ns:        ns,
		name:      name,
		typ:       typ,
		tunnelID:  tunnelID,
		transport: transport,
	}, nil
}

func headerLen(gre64 bool) int {
	if gre64 {
		return 12
	}
	return 8
}

func buildHeader(tunnelID uint64, gre64 bool) []byte {
	flags := greFlagKey
	hdr := make([]byte, 4, headerLen(gre64))
	binary.BigEndian.PutUint16(hdr[2:4], etherTypeTEB)

	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, uint32(tunnelID))
	hdr = append(hdr, key...)

	if gre64 {
		flags |= greFlagSeq
		seq := make([]byte, 4)
		binary.BigEndian.PutUint32(seq, uint32(tunnelID>>32))
		hdr = append(hdr, seq...)
	}

	binary.BigEndian.PutUint16(hdr[0:2], flags)
	return hdr
}

// parseHeader strips a GRE header from data, returning the reconstructed
// 64-bit tunnel id (key in the low 32 bits, sequence number, if present,
// in the high 32 bits, per key_to_tunnel_id) and the remaining payload.
func parseHeader(data []byte) (tunnelID uint64, payload []byte, err error) {
	if len(data) < 4 {
		return 0, nil, odp.ErrInvalid
	}
	flags := binary.BigEndian.Uint16(data[0:2])
	proto := binary.BigEndian.Uint16(data[2:4])
	if proto != etherTypeTEB {
		return 0, nil, odp.ErrInvalid
	}

	off := 4
	if flags&greFlagChecksum != 0 {
		if len(data) < off+4 {
			return 0, nil, odp.ErrInvalid
		}
		off += 4
	}

	var key, seq uint32
	if flags&greFlagKey != 0 {
		if len(data) < off+4 {
			return 0, nil, odp.ErrInvalid
		}
		key = binary.BigEndian.Uint32(data[off : off+4])
		off += 4
	}
	if flags&greFlagSeq != 0 {
		if len(data) < off+4 {
			return 0, nil, odp.ErrInvalid
		}
		seq = binary.BigEndian.Uint32(data[off : off+4])
		off += 4
	}

	return uint64(seq)<<32 | uint64(key), data[off:], nil
}

// LastTunnelID returns the tunnel id decoded from the most recently
// received frame, standing in for the per-packet OVS_CB(skb)->tun_key
// the kernel attaches alongside the decapsulated skb.
func (g *GRE) LastTunnelID() uint64 { return g.lastTunnelID.Load() }

// Close releases g's reference to its transport, closing it once the
// last GRE/GRE64 device sharing its namespace and type has closed.
func (g *GRE) Close() error {
	if g.closed.Swap(true) {
		return nil
	}
	if release(g.ns, g.typ) {
		return g.transport.Close()
	}
	return nil
}

// Listen delegates to the underlying transport.
func (g *GRE) Listen() error { return g.transport.Listen() }

// Recv reads one encapsulated frame from the transport, decapsulates it,
// and copies the inner Ethernet frame into buf.
func (g *GRE) Recv(buf []byte) (int, error) {
	raw := make([]byte, len(buf)+headerLen(true))
	n, err := g.transport.Recv(raw)
	if err != nil {
		return 0, err
	}
	tunnelID, payload, err := parseHeader(raw[:n])
	if err != nil {
		return 0, err
	}
	g.lastTunnelID.Store(tunnelID)
	return copy(buf, payload), nil
}

// Send encapsulates buf in a GRE header carrying g's tunnel id and
// transmits it on the underlying transport.
func (g *GRE) Send(buf []byte) error {
	hdr := buildHeader(g.tunnelID, g.typ == TypeGRE64)
	out := make([]byte, 0, len(hdr)+len(buf))
	out = append(out, hdr...)
	out = append(out, buf...)
	return g.transport.Send(out)
}

// Dispatch delivers up to batch decapsulated frames to cb, dropping (and
// not counting) any frame whose GRE header fails to parse.
func (g *GRE) Dispatch(batch int, cb func(payload []byte)) (int, error) {
	delivered := 0
	_, err := g.transport.Dispatch(batch, func(raw []byte) {
		tunnelID, payload, perr := parseHeader(raw)
		if perr != nil {
			return
		}
		g.lastTunnelID.Store(tunnelID)
		cb(payload)
		delivered++
	})
	return delivered, err
}

// PollFD delegates to the underlying transport.
func (g *GRE) PollFD() int { return g.transport.PollFD() }

// MTU returns the transport's MTU less this tunnel's header overhead.
func (g *GRE) MTU() int {
	m := g.transport.MTU() - headerLen(g.typ == TypeGRE64)
	if m < 0 {
		return 0
	}
	return m
}

// Type returns "gre" or "gre64".
func (g *GRE) Type() string { return g.typ }

// TurnFlagsOn delegates to the underlying transport.
func (g *GRE) TurnFlagsOn(flags int) error { return g.transport.TurnFlagsOn(flags) }

// RecvWait delegates to the underlying transport.
func (g *GRE) RecvWait() { g.transport.RecvWait() }
