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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFlowKeyRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		key  FlowKey
	}{
		{
			name: "bare ethernet",
			key: FlowKey{
				InPort:  1,
				EthSrc:  EthAddr{0x02, 0, 0, 0, 0, 1},
				EthDst:  EthAddr{0x02, 0, 0, 0, 0, 2},
				EthType: 0x0800,
			},
		},
		{
			name: "ipv4 tcp",
			key: FlowKey{
				InPort:  3,
				EthSrc:  EthAddr{0x02, 0, 0, 0, 0, 1},
				EthDst:  EthAddr{0x02, 0, 0, 0, 0, 2},
				EthType: 0x0800,
				IPv4: &IPv4Key{
					Src:   [4]byte{10, 0, 0, 1},
					Dst:   [4]byte{10, 0, 0, 2},
					Proto: 6,
					TOS:   0,
					TTL:   64,
				},
				TCP: &PortKey{Src: 1234, Dst: 80},
			},
		},
		{
			name: "vlan tagged ipv6 udp",
			key: FlowKey{
				InPort:  7,
				EthSrc:  EthAddr{0x02, 0, 0, 0, 0, 3},
				EthDst:  EthAddr{0x02, 0, 0, 0, 0, 4},
				HasVlan: true,
				VlanTCI: 100,
				EthType: 0x86DD,
				IPv6: &IPv6Key{
					Src:    [16]byte{0xfe, 0x80},
					Dst:    [16]byte{0xfe, 0x80, 1},
					HLimit: 64,
					Proto:  17,
				},
				UDP: &PortKey{Src: 5000, Dst: 5001},
			},
		},
		{
			name: "mpls",
			key: FlowKey{
				InPort:  2,
				EthSrc:  EthAddr{0x02, 0, 0, 0, 0, 5},
				EthDst:  EthAddr{0x02, 0, 0, 0, 0, 6},
				EthType: 0x8847,
				MPLS:    &MPLSKey{LSE: 0x00010100},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.key.ToAttrs()
			if err != nil {
				t.Fatalf("ToAttrs: %v", err)
			}

			got, err := FromAttrs(b)
			if err != nil {
				t.Fatalf("FromAttrs: %v", err)
			}

			if diff := cmp.Diff(tt.key, got); diff != "" {
				t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFromAttrsRejectsUnknownType(t *testing.T) {
	key := FlowKey{InPort: 1, EthType: 0x0800}
	b, err := key.ToAttrs()
	if err != nil {
		t.Fatalf("ToAttrs: %v", err)
	}

	// Corrupt the stream by appending an attribute of a type FromAttrs
	// does not recognize.
	b = append(b, 8, 0, 0xff, 0x7f, 0, 0, 0, 0)

	if _, err := FromAttrs(b); !IsInvalid(err) {
		t.Fatalf("FromAttrs with unknown attribute type: got err %v, want ErrInvalid", err)
	}
}
