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

// Package dpif implements the datapath control surface: a Datapath owns
// a port set, a flow table, and a pair of upcall queues; Handle is the
// per-caller reference returned by Open, through which every control
// operation in spec section 4.7 is invoked.
package dpif

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/aepifanov/dpif-netdev/flowtable"
	"github.com/aepifanov/dpif-netdev/netdev"
	"github.com/aepifanov/dpif-netdev/odp"
	"github.com/aepifanov/dpif-netdev/packet"
	"github.com/aepifanov/dpif-netdev/upcall"
)

// executeBufferSlack is extra tailroom reserved when building a fresh
// buffer for the execute control operation, so a handful of SET/PUSH
// actions never need to reallocate.
const executeBufferSlack = 64

func newExecuteBuffer(payload []byte) *packet.Buffer {
	return packet.New(payload, executeBufferSlack)
}

// DefaultMaxPorts is MAX_PORTS.
const DefaultMaxPorts = 256

// DefaultClass is the provider class name datapaths are registered
// under absent an override.
const DefaultClass = "netdev"

// Option configures a Datapath at construction, in the style of the
// teacher's ovsdb.OptionFunc / ovs.New(options ...OptionFunc).
type Option func(*Datapath)

// WithLogger installs ll as the datapath's error logger. Every message is
// written; there is no rate limiting. A nil logger (the default) disables
// logging entirely.
func WithLogger(ll *log.Logger) Option {
	return func(dp *Datapath) { dp.logger = ll }
}

// WithMaxFlows overrides MAX_FLOWS, mainly so tests can exercise the
// TOO_BIG bound without installing 65,536 flows.
func WithMaxFlows(n int) Option {
	return func(dp *Datapath) { dp.maxFlows = n }
}

// WithMaxPorts overrides MAX_PORTS.
func WithMaxPorts(n int) Option {
	return func(dp *Datapath) { dp.maxPorts = n }
}

// WithNetdevRegistry installs the provider registry port_add resolves
// declared device types against. Absent this option, a registry with
// only the "dummy" type registered is used, which is enough to run the
// datapath entirely against netdev.Dummy devices.
func WithNetdevRegistry(r *netdev.Registry) Option {
	return func(dp *Datapath) { dp.netdevs = r }
}

// Datapath owns a port set, a flow table, and the upcall queues feeding
// recv. Control operations run on it through a Handle returned by Open;
// the I/O worker (package-level RunWorker) drives packet reception and
// action execution directly against it.
type Datapath struct {
	name  string
	class string

	logger   *log.Logger
	maxFlows int
	maxPorts int
	netdevs  *netdev.Registry

	openCount int32
	destroyed atomic.Bool

	portsMu sync.RWMutex
	ports   []*Port // index == port number
	nPorts  int
	serial  atomic.Uint64
	maxMTU  atomic.Int32

	table *flowtable.Table

	queuesMu sync.Mutex
	queues   [upcall.NumClasses]*upcall.Queue

	nHit    atomic.Uint64
	nMissed atomic.Uint64
	nLost   atomic.Uint64

	pipeR, pipeW int
}

func newDatapath(name, class string, opts []Option) (*Datapath, error) {
	dp := &Datapath{
		name:     name,
		class:    class,
		maxFlows: flowtable.DefaultMaxFlows,
		maxPorts: DefaultMaxPorts,
	}
	for _, opt := range opts {
		opt(dp)
	}
	if dp.netdevs == nil {
		dp.netdevs = netdev.NewRegistry()
		dp.netdevs.Register("dummy", netdev.Open)
	}

	dp.ports = make([]*Port, dp.maxPorts)
	dp.table = flowtable.New(dp.maxFlows)
	for i := range dp.queues {
		dp.queues[i] = upcall.NewQueue()
	}

	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK); err != nil {
		return nil, ErrIO
	}
	dp.pipeR, dp.pipeW = p[0], p[1]

	return dp, nil
}

func (dp *Datapath) logf(format string, args ...interface{}) {
	if dp.logger != nil {
		dp.logger.Printf(format, args...)
	}
}

// Name returns the datapath's name.
func (dp *Datapath) Name() string { return dp.name }

// pushUpcall enqueues rec on the named queue class, signaling the
// datapath's wakeup pipe on success and counting a loss on overflow. It
// is the single point where queue pushes and the pipe write are kept in
// the same critical section, per spec section 5's "the signaling pipe
// is written inside the critical section."
func (dp *Datapath) pushUpcall(class upcall.Class, rec upcall.Record) error {
	dp.queuesMu.Lock()
	defer dp.queuesMu.Unlock()

	if err := dp.queues[class].Push(rec); err != nil {
		dp.nLost.Add(1)
		return err
	}

	var b [1]byte
	_, _ = unix.Write(dp.pipeW, b[:])
	return nil
}

// Stats is a point-in-time snapshot of a datapath's counters.
type Stats struct {
	NFlows  int
	NHit    uint64
	NMissed uint64
	NLost   uint64
	// MaxMTU is the largest MTU seen across all ports ever added to the
	// datapath, per dpif_netdev_port_open_type's max_mtu tracking.
	MaxMTU int32
}

// GetStats returns an atomic snapshot of the datapath's counters.
func (dp *Datapath) GetStats() Stats {
	return Stats{
		NFlows:  dp.table.Count(),
		NHit:    dp.nHit.Load(),
		NMissed: dp.nMissed.Load(),
		NLost:   dp.nLost.Load(),
		MaxMTU:  dp.maxMTU.Load(),
	}
}

// Handle is the per-open reference to a Datapath returned by Open. It
// tracks the caller's last-seen port-set serial for PortPoll.
type Handle struct {
	dp         *Datapath
	lastSerial atomic.Uint64
}

// Datapath returns the underlying datapath this handle refers to.
func (h *Handle) Datapath() *Datapath { return h.dp }

var (
	registryMu sync.Mutex
	registry   = map[string]*Datapath{}
)

// Open opens or creates the datapath named name under class, per spec
// section 4.7: create=false on a missing datapath is NO_ENTRY;
// create=true on an existing one is EXISTS; opening an existing
// datapath registered under a different class is INVALID.
func Open(class, name string, create bool, opts ...Option) (*Handle, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	existing, ok := registry[name]
	if ok {
		if existing.class != class {
			return nil, ErrInvalid
		}
		if create {
			return nil, ErrExists
		}
		existing.openCount++
		return &Handle{dp: existing}, nil
	}

	if !create {
		return nil, ErrNoEntry
	}

	dp, err := newDatapath(name, class, opts)
	if err != nil {
		return nil, err
	}
	dp.openCount = 1
	registry[name] = dp
	return &Handle{dp: dp}, nil
}

// Close decrements the handle's open count; the last close on a
// destroyed datapath frees it.
func (h *Handle) Close() error {
	registryMu.Lock()
	defer registryMu.Unlock()

	dp := h.dp
	dp.openCount--
	if dp.openCount <= 0 && dp.destroyed.Load() {
		delete(registry, dp.name)
		_ = unix.Close(dp.pipeR)
		_ = unix.Close(dp.pipeW)
	}
	return nil
}

// Destroy marks the datapath destroyed; it is actually freed on the
// last Close.
func (h *Handle) Destroy() error {
	registryMu.Lock()
	defer registryMu.Unlock()
	h.dp.destroyed.Store(true)
	return nil
}

// Execute deep-copies packetBytes into a fresh buffer, uses the supplied
// key in place of extraction (Open Question (b)), and runs the action
// engine against the copy.
func (h *Handle) Execute(packetBytes, keyBytes, actionsBytes []byte) error {
	key, err := odp.FromAttrs(keyBytes)
	if err != nil {
		h.dp.logf("dpif: execute: malformed key: %v", err)
		return err
	}
	actions, err := odp.ActionsFromAttrs(actionsBytes)
	if err != nil {
		return err
	}

	buf := newExecuteBuffer(packetBytes)
	h.dp.executeActions(buf, &key, actions)
	return nil
}

// Recv pops the first nonempty queue in fixed order {MISS, ACTION}. It
// returns ErrRetry if both queues are empty.
func (h *Handle) Recv() (upcall.Record, error) {
	dp := h.dp
	dp.queuesMu.Lock()
	for class := upcall.Class(0); class < upcall.NumClasses; class++ {
		if rec, err := dp.queues[class].Pop(); err == nil {
			dp.queuesMu.Unlock()
			var b [1]byte
			_, _ = unix.Read(dp.pipeR, b[:])
			return rec, nil
		}
	}
	dp.queuesMu.Unlock()
	return upcall.Record{}, ErrRetry
}

// RecvWaitFD returns the fd a caller's poll loop should watch for
// readability to know recv has something pending.
func (h *Handle) RecvWaitFD() int {
	return h.dp.pipeR
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
