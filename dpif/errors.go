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

import "github.com/aepifanov/dpif-netdev/odp"

// Errno is the datapath's abstract control-operation error kind. It is
// an alias of odp.Errno so that the flow-key codec's errors and a
// control op's errors are the same type at every package boundary; a
// caller testing IsNoEntry never needs to know whether the NO_ENTRY
// came from the flow table, the wire codec, or a control op.
type Errno = odp.Errno

// Error kinds, aliased from package odp. See odp.Errno for definitions.
const (
	ErrNoEntry  = odp.ErrNoEntry
	ErrExists   = odp.ErrExists
	ErrInvalid  = odp.ErrInvalid
	ErrBusy     = odp.ErrBusy
	ErrTooBig   = odp.ErrTooBig
	ErrNoBuffer = odp.ErrNoBuffer
	ErrRetry    = odp.ErrRetry
	ErrIO       = odp.ErrIO
	ErrFatal    = odp.ErrFatal
)

// IsNoEntry reports whether err is (or wraps) ErrNoEntry.
func IsNoEntry(err error) bool { return odp.IsNoEntry(err) }

// IsExists reports whether err is (or wraps) ErrExists.
func IsExists(err error) bool { return odp.IsExists(err) }

// IsInvalid reports whether err is (or wraps) ErrInvalid.
func IsInvalid(err error) bool { return odp.IsInvalid(err) }

// IsBusy reports whether err is (or wraps) ErrBusy.
func IsBusy(err error) bool { return odp.IsBusy(err) }

// IsTooBig reports whether err is (or wraps) ErrTooBig.
func IsTooBig(err error) bool { return odp.IsTooBig(err) }

// IsNoBuffer reports whether err is (or wraps) ErrNoBuffer.
func IsNoBuffer(err error) bool { return odp.IsNoBuffer(err) }

// IsRetry reports whether err is (or wraps) ErrRetry.
func IsRetry(err error) bool { return odp.IsRetry(err) }
