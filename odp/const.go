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

// Package odp implements the on-the-wire flow key and action attribute
// streams exchanged between a datapath and its control plane. The
// encoding is the Netlink TLV attribute stream used by the real Linux
// Open vSwitch datapath (include/uapi/linux/openvswitch.h); this package
// only borrows the wire format, not the netlink socket transport.
package odp

// Flow key attribute types, as defined in openvswitch.h's ovs_key_attr
// enumeration. Only the subset this datapath extracts or rewrites is
// named; others are rejected by FromAttrs.
const (
	KeyAttrUnspec    = 0
	KeyAttrEncap     = 1
	KeyAttrPriority  = 2
	KeyAttrInPort    = 3
	KeyAttrEthernet  = 4
	KeyAttrVlan      = 5
	KeyAttrEthertype = 6
	KeyAttrIPv4      = 7
	KeyAttrIPv6      = 8
	KeyAttrTCP       = 9
	KeyAttrUDP       = 10
	KeyAttrSkbMark   = 15
	KeyAttrTunnel    = 16
	KeyAttrTCPFlags  = 18
	KeyAttrMPLS      = 21
)

// Action attribute types, as defined in openvswitch.h's ovs_action_attr
// enumeration.
const (
	ActionAttrUnspec    = 0
	ActionAttrOutput    = 1
	ActionAttrUserspace = 2
	ActionAttrSet       = 3
	ActionAttrPushVlan  = 4
	ActionAttrPopVlan   = 5
	ActionAttrSample    = 6
	ActionAttrPushMpls  = 9
	ActionAttrPopMpls   = 10
)

// Nested attribute types of ActionAttrUserspace.
const (
	UserspaceAttrUnspec   = 0
	UserspaceAttrPid      = 1
	UserspaceAttrUserdata = 2
)

// Nested attribute types of ActionAttrSample.
const (
	SampleAttrUnspec      = 0
	SampleAttrProbability = 1
	SampleAttrActions     = 2
)

// EthAddrLen is the length in bytes of an Ethernet hardware address.
const EthAddrLen = 6

// TCI bit for the presence of an 802.1Q tag, mirrored from VLAN_TAG_PRESENT.
const VlanTagPresent = 0x1000
