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

// Package netdev defines the device-I/O interface ports bind to, and a
// provider registry keyed by declared device type.
package netdev

import (
	"sync"

	"github.com/aepifanov/dpif-netdev/odp"
)

// PromiscFlag is the flag value turn_flags_on accepts to enable
// promiscuous reception; it is the only flag this datapath ever sets,
// since every attached port is made promiscuous on attach (spec section
// 3's Port lifecycle).
const PromiscFlag = 1 << 0

// NetDev is the device I/O abstraction a Port binds to. Device I/O
// itself (the actual syscalls against a kernel network device) is out of
// scope; this interface and its dummy implementation are what the
// datapath core is built and tested against.
type NetDev interface {
	// Close releases the device. Further calls on it are undefined.
	Close() error

	// Listen prepares the device for reception; a no-op for devices that
	// are always receive-ready.
	Listen() error

	// Recv reads one frame into buf and returns its length. It returns
	// odp.ErrRetry if no frame is currently available.
	Recv(buf []byte) (int, error)

	// Send transmits buf as a single frame.
	Send(buf []byte) error

	// Dispatch invokes cb with up to batch received frames and returns
	// the number delivered.
	Dispatch(batch int, cb func(payload []byte)) (int, error)

	// PollFD returns a file descriptor that becomes readable when a
	// frame is available to Recv/Dispatch, or -1 if the device has none.
	PollFD() int

	// MTU returns the device's maximum transmission unit.
	MTU() int

	// Type returns the device's declared type string (e.g. "internal",
	// "gre", "dummy").
	Type() string

	// TurnFlagsOn sets the given device flags (see PromiscFlag).
	TurnFlagsOn(flags int) error

	// RecvWait registers the device's poll fd for readability with the
	// caller's poll loop. For devices whose PollFD is already
	// sufficient this may be a no-op.
	RecvWait()
}

// Factory opens a NetDev of the given declared type under name.
type Factory func(name, typ string) (NetDev, error)

// Registry is a provider registry: a mapping from declared device type
// to the factory that opens it. Each Registry is independent (every
// Datapath holds its own, from WithNetdevRegistry or a default built at
// construction); there is no package-level instance. It is modeled on the
// original's global netdev_class table. A dummy override replaces every
// lookup with a single factory regardless of the requested type, the way
// dpif_dummy_register__ clones the default class under arbitrary type
// names to let tests avoid real device I/O entirely.
type Registry struct {
	mu       sync.RWMutex
	classes  map[string]Factory
	override Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{classes: make(map[string]Factory)}
}

// Register installs f as the factory for typ, replacing any existing
// registration.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[typ] = f
}

// RegisterDummyOverride makes every subsequent Open, regardless of
// requested type, go through f. Clearing it restores normal per-type
// dispatch; pass nil to clear.
func (r *Registry) RegisterDummyOverride(f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.override = f
}

// Dummy reports whether a dummy override is currently installed. Used by
// the datapath's choose-open-type logic (SPEC_FULL's port-open-type
// supplement): "internal" ports open as "dummy" when a dummy class is
// active and as "tap" otherwise.
func (r *Registry) Dummy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.override != nil
}

// Open opens a device named name of declared type typ.
func (r *Registry) Open(name, typ string) (NetDev, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.override != nil {
		return r.override(name, typ)
	}
	f, ok := r.classes[typ]
	if !ok {
		return nil, odp.ErrNoEntry
	}
	return f(name, typ)
}
