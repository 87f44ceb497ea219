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

package vport

import (
	"testing"

	"github.com/aepifanov/dpif-netdev/netdev"
)

func TestHeaderRoundTripGRE(t *testing.T) {
	hdr := buildHeader(0x1234, false)
	tunnelID, payload, err := parseHeader(append(hdr, []byte("hello")...))
	if err != nil {
		t.Fatalf("parseHeader: %v", err)
	}
	if tunnelID != 0x1234 {
		t.Fatalf("tunnelID = %#x, want 0x1234", tunnelID)
	}
	if string(payload) != "hello" {
		t.Fatalf("payload = %q, want %q", payload, "hello")
	}
}

func TestHeaderRoundTripGRE64(t *testing.T) {
	const want = uint64(0xaabbccdd11223344)
	hdr := buildHeader(want, true)
	tunnelID, payload, err := parseHeader(append(hdr, []byte("world")...))
	if err != nil {
		t.Fatalf("parseHeader: %v", err)
	}
	if tunnelID != want {
		t.Fatalf("tunnelID = %#x, want %#x", tunnelID, want)
	}
	if string(payload) != "world" {
		t.Fatalf("payload = %q, want %q", payload, "world")
	}
}

func TestParseHeaderRejectsWrongProtocol(t *testing.T) {
	hdr := buildHeader(1, false)
	hdr[2], hdr[3] = 0x08, 0x00 // ETH_P_IP instead of ETH_P_TEB
	if _, _, err := parseHeader(hdr); err == nil {
		t.Fatal("parseHeader accepted a non-TEB protocol field")
	}
}

func TestSendRecvThroughDummyTransport(t *testing.T) {
	dev, err := netdev.NewDummy("eth0", "dummy")
	if err != nil {
		t.Fatalf("NewDummy: %v", err)
	}

	g, err := Open("", "gre0", TypeGRE64, dev, 0xdeadbeef00000042)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer g.Close()

	frame := []byte("an ethernet frame")
	if err := g.Send(frame); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent := dev.Sent()
	if len(sent) != 1 {
		t.Fatalf("dummy transport recorded %d frames, want 1", len(sent))
	}

	dev.Inject(sent[0])
	buf := make([]byte, 1500)
	n, err := g.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf[:n]) != string(frame) {
		t.Fatalf("Recv = %q, want %q", buf[:n], frame)
	}
	if g.LastTunnelID() != 0xdeadbeef00000042 {
		t.Fatalf("LastTunnelID = %#x, want %#x", g.LastTunnelID(), uint64(0xdeadbeef00000042))
	}
}

func TestRefcountedCloseReleasesOnlyOnLastClose(t *testing.T) {
	dev, err := netdev.NewDummy("eth1", "dummy")
	if err != nil {
		t.Fatalf("NewDummy: %v", err)
	}

	a, err := Open("ns1", "gre-a", TypeGRE, dev, 1)
	if err != nil {
		t.Fatalf("Open a: %v", err)
	}
	b, err := Open("ns1", "gre-b", TypeGRE, dev, 2)
	if err != nil {
		t.Fatalf("Open b: %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("a.Close: %v", err)
	}
	if refs["ns1/gre"] != 1 {
		t.Fatalf("refs[ns1/gre] = %d after first close, want 1", refs["ns1/gre"])
	}

	if err := b.Close(); err != nil {
		t.Fatalf("b.Close: %v", err)
	}
	if _, ok := refs["ns1/gre"]; ok {
		t.Fatalf("refs[ns1/gre] still present after last close: %d", refs["ns1/gre"])
	}
}
