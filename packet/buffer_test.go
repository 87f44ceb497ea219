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

package packet

import (
	"bytes"
	"testing"
)

func TestNewReservesHeadroom(t *testing.T) {
	b := New([]byte{1, 2, 3}, 16)
	if got := b.Headroom(); got != HeadroomLen {
		t.Fatalf("Headroom() = %d, want %d", got, HeadroomLen)
	}
	if !bytes.Equal(b.Data(), []byte{1, 2, 3}) {
		t.Fatalf("Data() = %v, want [1 2 3]", b.Data())
	}
}

func TestPushIntoHeadroom(t *testing.T) {
	b := New([]byte{0xAA, 0xBB}, 0)
	b.Push([]byte{1, 2, 3, 4})

	want := []byte{1, 2, 3, 4, 0xAA, 0xBB}
	if !bytes.Equal(b.Data(), want) {
		t.Fatalf("Data() = %v, want %v", b.Data(), want)
	}
}

func TestPushBeyondHeadroomGrows(t *testing.T) {
	b := New([]byte{0xAA}, 0)
	// HeadroomLen is 6; push more than that to force a grow.
	header := make([]byte, HeadroomLen+10)
	for i := range header {
		header[i] = byte(i)
	}
	b.Push(header)

	if b.Len() != len(header)+1 {
		t.Fatalf("Len() = %d, want %d", b.Len(), len(header)+1)
	}
	if !bytes.Equal(b.Data()[:len(header)], header) {
		t.Fatalf("grown push did not preserve header bytes")
	}
	if b.Data()[len(header)] != 0xAA {
		t.Fatalf("grown push lost original payload")
	}
}

func TestPutAppendsAndGrows(t *testing.T) {
	b := New([]byte{1, 2}, 1)
	b.Put([]byte{3})
	if !bytes.Equal(b.Data(), []byte{1, 2, 3}) {
		t.Fatalf("Data() = %v, want [1 2 3]", b.Data())
	}

	// Exceed the reserved tailroom to force a grow.
	b.Put([]byte{4, 5, 6, 7, 8})
	if !bytes.Equal(b.Data(), []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Fatalf("Data() after grow = %v", b.Data())
	}
}

func TestPullRemovesFromFront(t *testing.T) {
	b := New([]byte{1, 2, 3, 4}, 0)
	got := b.Pull(2)
	if !bytes.Equal(got, []byte{1, 2}) {
		t.Fatalf("Pull() = %v, want [1 2]", got)
	}
	if !bytes.Equal(b.Data(), []byte{3, 4}) {
		t.Fatalf("Data() after Pull = %v, want [3 4]", b.Data())
	}
}

func TestClearResetsToHeadroom(t *testing.T) {
	b := New([]byte{1, 2, 3}, 4)
	b.Clear()
	if b.Len() != 0 {
		t.Fatalf("Len() after Clear = %d, want 0", b.Len())
	}
	if b.Headroom() != HeadroomLen {
		t.Fatalf("Headroom() after Clear = %d, want %d", b.Headroom(), HeadroomLen)
	}
}
