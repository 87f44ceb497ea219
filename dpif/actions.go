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
	"encoding/binary"
	"math/rand"

	"github.com/aepifanov/dpif-netdev/odp"
	"github.com/aepifanov/dpif-netdev/packet"
	"github.com/aepifanov/dpif-netdev/upcall"
)

// executeActions interprets actions in order against buf and key, which
// actions may mutate in place: pushes/pops rewrite both the wire bytes
// and the structured key that later actions (and any USERSPACE delivery)
// observe, mirroring the "mutable flow key" description in spec section
// 4.3. Unknown action kinds are a programmer error and panic rather than
// returning an error, matching the fail-fast policy for the action
// engine specifically (control operations never panic).
func (dp *Datapath) executeActions(buf *packet.Buffer, key *odp.FlowKey, actions []odp.Action) {
	for _, a := range actions {
		switch a.Kind {
		case odp.ActionAttrOutput:
			dp.outputPort(buf, a.OutputPort)

		case odp.ActionAttrUserspace:
			dp.enqueueUpcall(upcall.ClassAction, *key, a.UserspaceUserdata, buf.Data())

		case odp.ActionAttrPushVlan:
			pushVlan(buf, key, a.PushVlanTCI)

		case odp.ActionAttrPopVlan:
			popVlan(buf, key)

		case odp.ActionAttrPushMpls:
			pushMpls(buf, key, a.PushMplsEthertype, a.PushMplsLSE)

		case odp.ActionAttrPopMpls:
			popMpls(buf, key, a.PopMplsEthertype)

		case odp.ActionAttrSet:
			applySet(buf, key, a.SetKeyAttr, a.SetData)

		case odp.ActionAttrSample:
			if rand.Uint32() < a.SampleProbability {
				dp.executeActions(buf, key, a.SampleActions)
			}

		default:
			panic("dpif: unrecognized action kind")
		}
	}
}

// outputPort transmits buf on the named port if it is still attached. A
// port number with no live netdev (removed between flow install and
// execution) is silently dropped, per Open Question (c).
func (dp *Datapath) outputPort(buf *packet.Buffer, portNo uint32) {
	p, ok := dp.portByNumber(portNo)
	if !ok {
		return
	}
	_ = p.Dev.Send(buf.Data())
}

func (dp *Datapath) enqueueUpcall(class upcall.Class, key odp.FlowKey, userdata, pkt []byte) {
	rec := upcall.Record{
		Class:    class,
		Key:      key,
		Userdata: append([]byte(nil), userdata...),
		Packet:   append([]byte(nil), pkt...),
	}
	dp.pushUpcall(class, rec)
}

func ethertypeOffset(key *odp.FlowKey) int {
	off := 2 * odp.EthAddrLen
	if key.HasVlan {
		off += 4
	}
	return off
}

func pushVlan(buf *packet.Buffer, key *odp.FlowKey, tci uint16) {
	header := []byte{0x81, 0x00, byte(tci >> 8), byte(tci)}
	data := insertAt(buf.Data(), 2*odp.EthAddrLen, header)
	buf.Clear()
	buf.Put(data)

	key.HasVlan = true
	key.VlanTCI = tci &^ odp.VlanTagPresent
}

func popVlan(buf *packet.Buffer, key *odp.FlowKey) {
	if !key.HasVlan {
		return
	}
	data := removeAt(buf.Data(), 2*odp.EthAddrLen, 4)
	buf.Clear()
	buf.Put(data)

	key.HasVlan = false
	key.VlanTCI = 0
}

func pushMpls(buf *packet.Buffer, key *odp.FlowKey, ethertype uint16, lse uint32) {
	ethOff := ethertypeOffset(key)
	data := buf.Data()
	if len(data) >= ethOff+2 {
		binary.BigEndian.PutUint16(data[ethOff:ethOff+2], ethertype)
	}

	lseBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(lseBytes, lse)
	data = insertAt(buf.Data(), ethOff+2, lseBytes)
	buf.Clear()
	buf.Put(data)

	key.EthType = ethertype
	key.MPLS = &odp.MPLSKey{LSE: lse}
}

func popMpls(buf *packet.Buffer, key *odp.FlowKey, ethertype uint16) {
	if key.MPLS == nil {
		return
	}
	ethOff := ethertypeOffset(key)
	data := removeAt(buf.Data(), ethOff+2, 4)
	if len(data) >= ethOff+2 {
		binary.BigEndian.PutUint16(data[ethOff:ethOff+2], ethertype)
	}
	buf.Clear()
	buf.Put(data)

	key.EthType = ethertype
	key.MPLS = nil
}

// applySet rewrites the header field named by keyAttr from data, in both
// the wire bytes and the structured key. PRIORITY, SKB_MARK, and TUNNEL
// are accepted and ignored, per spec section 4.3's action table.
func applySet(buf *packet.Buffer, key *odp.FlowKey, keyAttr uint16, data []byte) {
	switch keyAttr {
	case odp.KeyAttrPriority, odp.KeyAttrSkbMark, odp.KeyAttrTunnel:
		return

	case odp.KeyAttrEthernet:
		if len(data) != 2*odp.EthAddrLen {
			return
		}
		copy(key.EthSrc[:], data[0:odp.EthAddrLen])
		copy(key.EthDst[:], data[odp.EthAddrLen:])
		raw := buf.Data()
		if len(raw) >= 2*odp.EthAddrLen {
			copy(raw[0:odp.EthAddrLen], key.EthDst[:])
			copy(raw[odp.EthAddrLen:2*odp.EthAddrLen], key.EthSrc[:])
		}

	case odp.KeyAttrIPv4:
		if len(data) != 12 || key.IPv4 == nil {
			return
		}
		v := *key.IPv4
		copy(v.Src[:], data[0:4])
		copy(v.Dst[:], data[4:8])
		v.Proto, v.TOS, v.TTL = data[8], data[9], data[10]
		key.IPv4 = &v

		l3 := ethertypeOffset(key) + 2
		raw := buf.Data()
		if len(raw) >= l3+20 {
			raw[l3+1] = v.TOS
			raw[l3+8] = v.TTL
			raw[l3+9] = v.Proto
			copy(raw[l3+12:l3+16], v.Src[:])
			copy(raw[l3+16:l3+20], v.Dst[:])
		}

	case odp.KeyAttrIPv6:
		if len(data) != 40 || key.IPv6 == nil {
			return
		}
		v := *key.IPv6
		copy(v.Src[:], data[0:16])
		copy(v.Dst[:], data[16:32])
		v.Label = binary.BigEndian.Uint32(data[32:36])
		v.Proto, v.TClass, v.HLimit = data[36], data[37], data[38]
		key.IPv6 = &v

		l3 := ethertypeOffset(key) + 2
		raw := buf.Data()
		if len(raw) >= l3+40 {
			word := uint32(6)<<28 | uint32(v.TClass)<<20 | (v.Label & 0xfffff)
			binary.BigEndian.PutUint32(raw[l3:l3+4], word)
			raw[l3+6] = v.Proto
			raw[l3+7] = v.HLimit
			copy(raw[l3+8:l3+24], v.Src[:])
			copy(raw[l3+24:l3+40], v.Dst[:])
		}

	case odp.KeyAttrTCP, odp.KeyAttrUDP:
		if len(data) != 4 {
			return
		}
		port := &odp.PortKey{
			Src: binary.BigEndian.Uint16(data[0:2]),
			Dst: binary.BigEndian.Uint16(data[2:4]),
		}
		if keyAttr == odp.KeyAttrTCP {
			key.TCP = port
		} else {
			key.UDP = port
		}

		raw := buf.Data()
		l4 := l4Offset(key, raw)
		if l4 >= 0 && len(raw) >= l4+4 {
			copy(raw[l4:l4+4], data)
		}

	case odp.KeyAttrMPLS:
		if len(data) != 4 || key.MPLS == nil {
			return
		}
		key.MPLS = &odp.MPLSKey{LSE: binary.BigEndian.Uint32(data)}
		off := ethertypeOffset(key) + 2
		raw := buf.Data()
		if len(raw) >= off+4 {
			copy(raw[off:off+4], data)
		}

	default:
		panic("dpif: unrecognized SET key attribute")
	}
}

// l4Offset returns the byte offset of the transport header within the
// packet raw, or -1 if key carries no IPv4/IPv6 layer.
func l4Offset(key *odp.FlowKey, raw []byte) int {
	l3 := ethertypeOffset(key) + 2
	switch {
	case key.IPv4 != nil:
		ihl := 20
		if len(raw) > l3 {
			if n := int(raw[l3]&0x0f) * 4; n > ihl {
				ihl = n
			}
		}
		return l3 + ihl
	case key.IPv6 != nil:
		return l3 + 40
	default:
		return -1
	}
}

func insertAt(data []byte, pos int, ins []byte) []byte {
	if pos > len(data) {
		pos = len(data)
	}
	out := make([]byte, len(data)+len(ins))
	copy(out, data[:pos])
	copy(out[pos:], ins)
	copy(out[pos+len(ins):], data[pos:])
	return out
}

func removeAt(data []byte, pos, n int) []byte {
	if pos > len(data) {
		return data
	}
	if pos+n > len(data) {
		n = len(data) - pos
	}
	out := make([]byte, len(data)-n)
	copy(out, data[:pos])
	copy(out[pos:], data[pos+n:])
	return out
}
