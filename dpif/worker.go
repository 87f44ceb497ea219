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
	"golang.org/x/sys/unix"
)

// pollTimeoutMs and maxDispatchBatch are PMD_POLL_INTERVAL and the
// dispatch batch size from spec section 4.6.
const (
	pollTimeoutMs    = 2000
	maxDispatchBatch = 50
)

// RunWorker drives packet reception across every open datapath until
// cancel is closed: for each datapath it polls its live ports' fds with
// a 2s timeout, retrying on EINTR, then dispatches up to
// maxDispatchBatch frames per ready port through PortInput. It checks
// cancel between datapaths so a shutdown request is honored without
// waiting for a full poll cycle on every datapath first.
func RunWorker(cancel <-chan struct{}) error {
	for {
		select {
		case <-cancel:
			return nil
		default:
		}

		for _, dp := range snapshotDatapaths() {
			select {
			case <-cancel:
				return nil
			default:
			}
			if err := dp.pollOnce(); err != nil {
				dp.logf("dpif: worker: datapath %s: %v", dp.name, err)
			}
		}
	}
}

func snapshotDatapaths() []*Datapath {
	registryMu.Lock()
	defer registryMu.Unlock()

	out := make([]*Datapath, 0, len(registry))
	for _, dp := range registry {
		out = append(out, dp)
	}
	return out
}

// pollOnce builds the poll descriptor array over dp's live ports, waits
// up to pollTimeoutMs, and dispatches a batch from every ready port.
func (dp *Datapath) pollOnce() error {
	dp.portsMu.RLock()
	fds := make([]unix.PollFd, 0, dp.nPorts)
	ports := make([]*Port, 0, dp.nPorts)
	for _, p := range dp.ports {
		if p == nil {
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(p.Dev.PollFD()), Events: unix.POLLIN})
		ports = append(ports, p)
	}
	dp.portsMu.RUnlock()

	if len(fds) == 0 {
		return nil
	}

	n, err := unix.Poll(fds, pollTimeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	if n == 0 {
		return nil
	}

	for i, pfd := range fds {
		if pfd.Revents&unix.POLLIN == 0 {
			continue
		}
		p := ports[i]
		if _, err := p.Dev.Dispatch(maxDispatchBatch, func(payload []byte) {
			dp.PortInput(p.Number, payload)
		}); err != nil && !IsRetry(err) {
			dp.logf("dpif: worker: port %s dispatch: %v", p.Name, err)
		}
	}
	return nil
}
