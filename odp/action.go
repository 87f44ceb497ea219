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

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
)

// Action is one step of an action plan attached to a flow entry. Kind
// selects which of the fields below is meaningful, mirroring the way the
// real ovs_action_attr stream tags each attribute with its type rather
// than using a Go interface per action kind.
type Action struct {
	Kind uint16

	// ActionAttrOutput
	OutputPort uint32

	// ActionAttrUserspace
	UserspacePID      uint32
	UserspaceUserdata []byte

	// ActionAttrPushVlan
	PushVlanTCI uint16

	// ActionAttrPushMpls
	PushMplsEthertype uint16
	PushMplsLSE       uint32

	// ActionAttrPopMpls
	PopMplsEthertype uint16

	// ActionAttrSet
	SetKeyAttr uint16
	SetData    []byte

	// ActionAttrSample
	SampleProbability uint32
	SampleActions     []Action
}

// Output returns an OUTPUT action targeting port.
func Output(port uint32) Action {
	return Action{Kind: ActionAttrOutput, OutputPort: port}
}

// Userspace returns a USERSPACE action that delivers a copy of the packet
// to the control plane along with userdata.
func Userspace(pid uint32, userdata []byte) Action {
	return Action{Kind: ActionAttrUserspace, UserspacePID: pid, UserspaceUserdata: userdata}
}

// PushVlan returns a PUSH_VLAN action inserting an 802.1Q tag with the
// given TCI (VlanTagPresent is set automatically).
func PushVlan(tci uint16) Action {
	return Action{Kind: ActionAttrPushVlan, PushVlanTCI: tci | VlanTagPresent}
}

// PopVlan returns a POP_VLAN action.
func PopVlan() Action {
	return Action{Kind: ActionAttrPopVlan}
}

// PushMpls returns a PUSH_MPLS action pushing label stack entry lse and
// exposing ethertype as the new outermost ethertype.
func PushMpls(ethertype uint16, lse uint32) Action {
	return Action{Kind: ActionAttrPushMpls, PushMplsEthertype: ethertype, PushMplsLSE: lse}
}

// PopMpls returns a POP_MPLS action exposing ethertype as the new
// outermost ethertype.
func PopMpls(ethertype uint16) Action {
	return Action{Kind: ActionAttrPopMpls, PopMplsEthertype: ethertype}
}

// Set returns a SET action overwriting the keyAttr-typed header field
// with data.
func Set(keyAttr uint16, data []byte) Action {
	return Action{Kind: ActionAttrSet, SetKeyAttr: keyAttr, SetData: data}
}

// Sample returns a SAMPLE action executing inner with probability
// probability/2^32.
func Sample(probability uint32, inner []Action) Action {
	return Action{Kind: ActionAttrSample, SampleProbability: probability, SampleActions: inner}
}

// ActionsToAttrs serializes an action plan into its canonical Netlink
// attribute stream.
func ActionsToAttrs(actions []Action) ([]byte, error) {
	attrs, err := actionsToAttrSlice(actions)
	if err != nil {
		return nil, err
	}
	return netlink.MarshalAttributes(attrs)
}

func actionsToAttrSlice(actions []Action) ([]netlink.Attribute, error) {
	attrs := make([]netlink.Attribute, 0, len(actions))
	for _, a := range actions {
		attr, err := actionToAttr(a)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

func actionToAttr(a Action) (netlink.Attribute, error) {
	switch a.Kind {
	case ActionAttrOutput:
		return netlink.Attribute{Type: ActionAttrOutput, Data: nlenc.Uint32Bytes(a.OutputPort)}, nil

	case ActionAttrUserspace:
		nested, err := netlink.MarshalAttributes([]netlink.Attribute{
			{Type: UserspaceAttrPid, Data: nlenc.Uint32Bytes(a.UserspacePID)},
			{Type: UserspaceAttrUserdata, Data: a.UserspaceUserdata},
		})
		if err != nil {
			return netlink.Attribute{}, err
		}
		return netlink.Attribute{Type: ActionAttrUserspace, Data: nested}, nil

	case ActionAttrPushVlan:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, a.PushVlanTCI)
		return netlink.Attribute{Type: ActionAttrPushVlan, Data: b}, nil

	case ActionAttrPopVlan:
		return netlink.Attribute{Type: ActionAttrPopVlan, Data: nil}, nil

	case ActionAttrPushMpls:
		b := make([]byte, 6)
		binary.BigEndian.PutUint32(b[0:4], a.PushMplsLSE)
		binary.BigEndian.PutUint16(b[4:6], a.PushMplsEthertype)
		return netlink.Attribute{Type: ActionAttrPushMpls, Data: b}, nil

	case ActionAttrPopMpls:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, a.PopMplsEthertype)
		return netlink.Attribute{Type: ActionAttrPopMpls, Data: b}, nil

	case ActionAttrSet:
		nested, err := netlink.MarshalAttributes([]netlink.Attribute{
			{Type: a.SetKeyAttr, Data: a.SetData},
		})
		if err != nil {
			return netlink.Attribute{}, err
		}
		return netlink.Attribute{Type: ActionAttrSet, Data: nested}, nil

	case ActionAttrSample:
		innerAttrs, err := actionsToAttrSlice(a.SampleActions)
		if err != nil {
			return netlink.Attribute{}, err
		}
		innerData, err := netlink.MarshalAttributes(innerAttrs)
		if err != nil {
			return netlink.Attribute{}, err
		}
		nested, err := netlink.MarshalAttributes([]netlink.Attribute{
			{Type: SampleAttrProbability, Data: nlenc.Uint32Bytes(a.SampleProbability)},
			{Type: SampleAttrActions, Data: innerData},
		})
		if err != nil {
			return netlink.Attribute{}, err
		}
		return netlink.Attribute{Type: ActionAttrSample, Data: nested}, nil

	default:
		return netlink.Attribute{}, ErrInvalid
	}
}

// ActionsFromAttrs parses an action plan from its canonical Netlink
// attribute stream. An attribute type the engine does not recognize is a
// programmer/control-plane error and is reported as ErrInvalid rather
// than silently skipped, matching the fail-fast action engine design.
func ActionsFromAttrs(b []byte) ([]Action, error) {
	attrs, err := netlink.UnmarshalAttributes(b)
	if err != nil {
		return nil, ErrInvalid
	}
	return attrsToActions(attrs)
}

func attrsToActions(attrs []netlink.Attribute) ([]Action, error) {
	actions := make([]Action, 0, len(attrs))
	for _, attr := range attrs {
		a, err := attrToAction(attr)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func attrToAction(attr netlink.Attribute) (Action, error) {
	switch attr.Type {
	case ActionAttrOutput:
		if len(attr.Data) != 4 {
			return Action{}, ErrInvalid
		}
		return Output(nlenc.Uint32(attr.Data)), nil

	case ActionAttrUserspace:
		nested, err := netlink.UnmarshalAttributes(attr.Data)
		if err != nil {
			return Action{}, ErrInvalid
		}
		var pid uint32
		var userdata []byte
		for _, n := range nested {
			switch n.Type {
			case UserspaceAttrPid:
				if len(n.Data) != 4 {
					return Action{}, ErrInvalid
				}
				pid = nlenc.Uint32(n.Data)
			case UserspaceAttrUserdata:
				userdata = n.Data
			default:
				return Action{}, ErrInvalid
			}
		}
		return Userspace(pid, userdata), nil

	case ActionAttrPushVlan:
		if len(attr.Data) != 2 {
			return Action{}, ErrInvalid
		}
		return Action{Kind: ActionAttrPushVlan, PushVlanTCI: binary.BigEndian.Uint16(attr.Data)}, nil

	case ActionAttrPopVlan:
		return PopVlan(), nil

	case ActionAttrPushMpls:
		if len(attr.Data) != 6 {
			return Action{}, ErrInvalid
		}
		lse := binary.BigEndian.Uint32(attr.Data[0:4])
		ethertype := binary.BigEndian.Uint16(attr.Data[4:6])
		return PushMpls(ethertype, lse), nil

	case ActionAttrPopMpls:
		if len(attr.Data) != 2 {
			return Action{}, ErrInvalid
		}
		return PopMpls(binary.BigEndian.Uint16(attr.Data)), nil

	case ActionAttrSet:
		nested, err := netlink.UnmarshalAttributes(attr.Data)
		if err != nil || len(nested) != 1 {
			return Action{}, ErrInvalid
		}
		return Set(nested[0].Type, nested[0].Data), nil

	case ActionAttrSample:
		nested, err := netlink.UnmarshalAttributes(attr.Data)
		if err != nil {
			return Action{}, ErrInvalid
		}
		var probability uint32
		var inner []Action
		for _, n := range nested {
			switch n.Type {
			case SampleAttrProbability:
				if len(n.Data) != 4 {
					return Action{}, ErrInvalid
				}
				probability = nlenc.Uint32(n.Data)
			case SampleAttrActions:
				innerAttrs, err := netlink.UnmarshalAttributes(n.Data)
				if err != nil {
					return Action{}, ErrInvalid
				}
				inner, err = attrsToActions(innerAttrs)
				if err != nil {
					return Action{}, err
				}
			default:
				return Action{}, ErrInvalid
			}
		}
		return Sample(probability, inner), nil

	default:
		return Action{}, ErrInvalid
	}
}
