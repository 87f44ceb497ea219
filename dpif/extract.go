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

	"github.com/aepifanov/dpif-netdev/odp"
)

const (
	ethVlanTPID  = 0x8100
	ethTypeIPv4  = 0x0800
	ethTypeIPv6  = 0x86DD
	ethTypeMPLS  = 0x8847
	ipProtoTCP   = 6
	ipProtoUDP   = 17
	minEthLen    = 2 * odp.EthAddrLen + 2 // dst + src + ethertype
	tcpFlagsByte = 13                     // offset of the flags byte within a TCP header
)

// extractKey builds the canonical flow key for frame, a raw Ethernet
// frame, stamping in_port. It also returns the bitwise-OR-able TCP flags
// byte observed, if the frame carries a TCP segment. Frames shorter than
// an Ethernet header are rejected with odp.ErrInvalid; anything shorter
// than a given header's fixed length simply stops parsing at that point
// rather than erroring; spec's Open Question (a) makes the frame's
// captured length authoritative, so a truncated header is not a
// malformed one, just an incomplete key.
func extractKey(frame []byte, inPort uint32) (odp.FlowKey, uint8, error) {
	if len(frame) < minEthLen {
		return odp.FlowKey{}, 0, odp.ErrInvalid
	}

	var key odp.FlowKey
	key.InPort = inPort
	copy(key.EthDst[:], frame[0:odp.EthAddrLen])
	copy(key.EthSrc[:], frame[odp.EthAddrLen:2*odp.EthAddrLen])

	off := 2 * odp.EthAddrLen
	ethType := binary.BigEndian.Uint16(frame[off : off+2])
	off += 2

	if ethType == ethVlanTPID && len(frame) >= off+4 {
		tci := binary.BigEndian.Uint16(frame[off : off+2])
		off += 2
		key.HasVlan = true
		key.VlanTCI = tci &^ odp.VlanTagPresent
		ethType = binary.BigEndian.Uint16(frame[off : off+2])
		off += 2
	}
	key.EthType = ethType

	var tcpFlags uint8

	switch ethType {
	case ethTypeIPv4:
		if len(frame) < off+20 {
			break
		}
		ihl := int(frame[off]&0x0f) * 4
		if ihl < 20 {
			ihl = 20
		}
		v := &odp.IPv4Key{
			TOS:   frame[off+1],
			TTL:   frame[off+8],
			Proto: frame[off+9],
		}
		copy(v.Src[:], frame[off+12:off+16])
		copy(v.Dst[:], frame[off+16:off+20])
		key.IPv4 = v

		l4 := off + ihl
		switch v.Proto {
		case ipProtoTCP:
			if len(frame) >= l4+4 {
				key.TCP = &odp.PortKey{
					Src: binary.BigEndian.Uint16(frame[l4 : l4+2]),
					Dst: binary.BigEndian.Uint16(frame[l4+2 : l4+4]),
				}
				if len(frame) > l4+tcpFlagsByte {
					tcpFlags = frame[l4+tcpFlagsByte]
				}
			}
		case ipProtoUDP:
			if len(frame) >= l4+4 {
				key.UDP = &odp.PortKey{
					Src: binary.BigEndian.Uint16(frame[l4 : l4+2]),
					Dst: binary.BigEndian.Uint16(frame[l4+2 : l4+4]),
				}
			}
		}

	case ethTypeIPv6:
		if len(frame) < off+40 {
			break
		}
		v := &odp.IPv6Key{
			Label:  binary.BigEndian.Uint32(frame[off:off+4]) & 0x000fffff,
			TClass: byte(binary.BigEndian.Uint32(frame[off:off+4])>>20) & 0xff,
			Proto:  frame[off+6],
			HLimit: frame[off+7],
		}
		copy(v.Src[:], frame[off+8:off+24])
		copy(v.Dst[:], frame[off+24:off+40])
		key.IPv6 = v

		l4 := off + 40
		switch v.Proto {
		case ipProtoTCP:
			if len(frame) >= l4+4 {
				key.TCP = &odp.PortKey{
					Src: binary.BigEndian.Uint16(frame[l4 : l4+2]),
					Dst: binary.BigEndian.Uint16(frame[l4+2 : l4+4]),
				}
				if len(frame) > l4+tcpFlagsByte {
					tcpFlags = frame[l4+tcpFlagsByte]
				}
			}
		case ipProtoUDP:
			if len(frame) >= l4+4 {
				key.UDP = &odp.PortKey{
					Src: binary.BigEndian.Uint16(frame[l4 : l4+2]),
					Dst: binary.BigEndian.Uint16(frame[l4+2 : l4+4]),
				}
			}
		}

	case ethTypeMPLS:
		if len(frame) >= off+4 {
			key.MPLS = &odp.MPLSKey{LSE: binary.BigEndian.Uint32(frame[off : off+4])}
		}
	}

	return key, tcpFlags, nil
}
