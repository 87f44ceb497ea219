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

package odp

import (
	"encoding/binary"
	"fmt"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
)

// EthAddr is a 6-byte Ethernet hardware address.
type EthAddr [EthAddrLen]byte

// IPv4Key is the IPv4 portion of a FlowKey.
type IPv4Key struct {
	Src, Dst         [4]byte
	Proto, TOS, TTL  uint8
	Frag             uint8
}

// IPv6Key is the IPv6 portion of a FlowKey.
type IPv6Key struct {
	Src, Dst          [16]byte
	Label             uint32
	Proto, TClass     uint8
	HLimit, Frag      uint8
}

// PortKey holds a transport-layer source/destination port pair, used for
// both TCP and UDP flow keys.
type PortKey struct {
	Src, Dst uint16
}

// MPLSKey is a single MPLS label stack entry.
type MPLSKey struct {
	LSE uint32
}

// FlowKey is the canonical exact-match tuple extracted from a packet. Two
// keys match iff their ToAttrs encodings are byte-for-byte identical; it
// is the unit of lookup in the flow table.
type FlowKey struct {
	InPort   uint32
	EthSrc   EthAddr
	EthDst   EthAddr
	HasVlan  bool
	VlanTCI  uint16
	EthType  uint16
	IPv4     *IPv4Key
	IPv6     *IPv6Key
	TCP      *PortKey
	UDP      *PortKey
	MPLS     *MPLSKey
}

// ToAttrs serializes the key into its canonical Netlink attribute stream.
// This is key_from_flow; the attribute order is fixed so that equal keys
// always produce identical byte strings.
func (k FlowKey) ToAttrs() ([]byte, error) {
	attrs := []netlink.Attribute{
		{Type: KeyAttrInPort, Data: nlenc.Uint32Bytes(k.InPort)},
	}

	eth := make([]byte, 2*EthAddrLen)
	copy(eth[0:EthAddrLen], k.EthSrc[:])
	copy(eth[EthAddrLen:], k.EthDst[:])
	attrs = append(attrs, netlink.Attribute{Type: KeyAttrEthernet, Data: eth})

	if k.HasVlan {
		vlanTCI := make([]byte, 2)
		binary.BigEndian.PutUint16(vlanTCI, k.VlanTCI|VlanTagPresent)

		innerType := make([]byte, 2)
		binary.BigEndian.PutUint16(innerType, k.EthType)

		encapData, err := netlink.MarshalAttributes([]netlink.Attribute{
			{Type: KeyAttrVlan, Data: vlanTCI},
			{Type: KeyAttrEthertype, Data: innerType},
		})
		if err != nil {
			return nil, err
		}

		outerType := make([]byte, 2)
		binary.BigEndian.PutUint16(outerType, 0x8100)
		attrs = append(attrs,
			netlink.Attribute{Type: KeyAttrEthertype, Data: outerType},
			netlink.Attribute{Type: KeyAttrEncap, Data: encapData},
		)
	} else {
		ethType := make([]byte, 2)
		binary.BigEndian.PutUint16(ethType, k.EthType)
		attrs = append(attrs, netlink.Attribute{Type: KeyAttrEthertype, Data: ethType})
	}

	if k.IPv4 != nil {
		b := make([]byte, 8)
		copy(b[0:4], k.IPv4.Src[:])
		copy(b[4:8], k.IPv4.Dst[:])
		b = append(b, k.IPv4.Proto, k.IPv4.TOS, k.IPv4.TTL, k.IPv4.Frag)
		attrs = append(attrs, netlink.Attribute{Type: KeyAttrIPv4, Data: b})
	}

	if k.IPv6 != nil {
		b := make([]byte, 0, 40)
		b = append(b, k.IPv6.Src[:]...)
		b = append(b, k.IPv6.Dst[:]...)
		label := make([]byte, 4)
		binary.BigEndian.PutUint32(label, k.IPv6.Label)
		b = append(b, label...)
		b = append(b, k.IPv6.Proto, k.IPv6.TClass, k.IPv6.HLimit, k.IPv6.Frag)
		attrs = append(attrs, netlink.Attribute{Type: KeyAttrIPv6, Data: b})
	}

	if k.TCP != nil {
		b := make([]byte, 4)
		binary.BigEndian.PutUint16(b[0:2], k.TCP.Src)
		binary.BigEndian.PutUint16(b[2:4], k.TCP.Dst)
		attrs = append(attrs, netlink.Attribute{Type: KeyAttrTCP, Data: b})
	}

	if k.UDP != nil {
		b := make([]byte, 4)
		binary.BigEndian.PutUint16(b[0:2], k.UDP.Src)
		binary.BigEndian.PutUint16(b[2:4], k.UDP.Dst)
		attrs = append(attrs, netlink.Attribute{Type: KeyAttrUDP, Data: b})
	}

	if k.MPLS != nil {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, k.MPLS.LSE)
		attrs = append(attrs, netlink.Attribute{Type: KeyAttrMPLS, Data: b})
	}

	return netlink.MarshalAttributes(attrs)
}

// FromAttrs parses a FlowKey from its canonical Netlink attribute stream.
// It is key_to_flow. Unrecognized attribute types return ErrInvalid,
// matching spec section 7's "malformed flow keys...return INVALID."
func FromAttrs(b []byte) (FlowKey, error) {
	var k FlowKey

	attrs, err := netlink.UnmarshalAttributes(b)
	if err != nil {
		return FlowKey{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	for _, a := range attrs {
		switch a.Type {
		case KeyAttrInPort:
			if len(a.Data) != 4 {
				return FlowKey{}, ErrInvalid
			}
			k.InPort = nlenc.Uint32(a.Data)
		case KeyAttrEthernet:
			if len(a.Data) != 2*EthAddrLen {
				return FlowKey{}, ErrInvalid
			}
			copy(k.EthSrc[:], a.Data[0:EthAddrLen])
			copy(k.EthDst[:], a.Data[EthAddrLen:])
		case KeyAttrEthertype:
			if len(a.Data) != 2 {
				return FlowKey{}, ErrInvalid
			}
			et := binary.BigEndian.Uint16(a.Data)
			if et != 0x8100 {
				k.EthType = et
			}
		case KeyAttrEncap:
			k.HasVlan = true
			inner, err := netlink.UnmarshalAttributes(a.Data)
			if err != nil {
				return FlowKey{}, fmt.Errorf("%w: %v", ErrInvalid, err)
			}
			for _, ia := range inner {
				switch ia.Type {
				case KeyAttrVlan:
					if len(ia.Data) != 2 {
						return FlowKey{}, ErrInvalid
					}
					k.VlanTCI = binary.BigEndian.Uint16(ia.Data) &^ VlanTagPresent
				case KeyAttrEthertype:
					if len(ia.Data) != 2 {
						return FlowKey{}, ErrInvalid
					}
					k.EthType = binary.BigEndian.Uint16(ia.Data)
				default:
					return FlowKey{}, ErrInvalid
				}
			}
		case KeyAttrIPv4:
			if len(a.Data) != 12 {
				return FlowKey{}, ErrInvalid
			}
			v := &IPv4Key{}
			copy(v.Src[:], a.Data[0:4])
			copy(v.Dst[:], a.Data[4:8])
			v.Proto, v.TOS, v.TTL, v.Frag = a.Data[8], a.Data[9], a.Data[10], a.Data[11]
			k.IPv4 = v
		case KeyAttrIPv6:
			if len(a.Data) != 40 {
				return FlowKey{}, ErrInvalid
			}
			v := &IPv6Key{}
			copy(v.Src[:], a.Data[0:16])
			copy(v.Dst[:], a.Data[16:32])
			v.Label = binary.BigEndian.Uint32(a.Data[32:36])
			v.Proto, v.TClass, v.HLimit, v.Frag = a.Data[36], a.Data[37], a.Data[38], a.Data[39]
			k.IPv6 = v
		case KeyAttrTCP:
			if len(a.Data) != 4 {
				return FlowKey{}, ErrInvalid
			}
			k.TCP = &PortKey{
				Src: binary.BigEndian.Uint16(a.Data[0:2]),
				Dst: binary.BigEndian.Uint16(a.Data[2:4]),
			}
		case KeyAttrUDP:
			if len(a.Data) != 4 {
				return FlowKey{}, ErrInvalid
			}
			k.UDP = &PortKey{
				Src: binary.BigEndian.Uint16(a.Data[0:2]),
				Dst: binary.BigEndian.Uint16(a.Data[2:4]),
			}
		case KeyAttrMPLS:
			if len(a.Data) != 4 {
				return FlowKey{}, ErrInvalid
			}
			k.MPLS = &MPLSKey{LSE: binary.BigEndian.Uint32(a.Data)}
		case KeyAttrSkbMark, KeyAttrTunnel, KeyAttrPriority:
			// Accepted and ignored: not part of the exact-match tuple
			// this datapath classifies on.
		default:
			return FlowKey{}, ErrInvalid
		}
	}

	return k, nil
}
