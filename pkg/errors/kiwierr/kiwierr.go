// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package kiwierr contains kernel status codes exported as error interface
// pointers. This allows for fast comparison and return operations comparable
// to unix.Errno constants.
package kiwierr

import (
	"errors"

	"kiwi.dev/rtld/pkg/abi/kiwi"
	kerrors "kiwi.dev/rtld/pkg/errors"
)

// The following errors are the generic kernel failures reported by address
// spaces and file systems.
var (
	NotSupported  = kerrors.New(kiwi.StatusNotSupported, "operation not supported")
	Interrupted   = kerrors.New(kiwi.StatusInterrupted, "interrupted while blocking")
	InvalidArg    = kerrors.New(kiwi.StatusInvalidArg, "invalid argument")
	InvalidHandle = kerrors.New(kiwi.StatusInvalidHandle, "invalid handle")
	InvalidAddr   = kerrors.New(kiwi.StatusInvalidAddr, "invalid memory location")
	Overflow      = kerrors.New(kiwi.StatusOverflow, "integer overflow")
	NoMemory      = kerrors.New(kiwi.StatusNoMemory, "out of memory")
	ReadOnly      = kerrors.New(kiwi.StatusReadOnly, "object cannot be modified")
	PermDenied    = kerrors.New(kiwi.StatusPermDenied, "permission denied")
	NotFound      = kerrors.New(kiwi.StatusNotFound, "requested object could not be found")
	TooLong       = kerrors.New(kiwi.StatusTooLong, "provided string is too long")
	TryAgain      = kerrors.New(kiwi.StatusTryAgain, "attempt the operation again")
)

// StatusOf returns the status carried by the first *errors.Error in err's
// chain, or StatusSuccess for a nil err.
func StatusOf(err error) (kiwi.Status, bool) {
	if err == nil {
		return kiwi.StatusSuccess, true
	}
	var e *kerrors.Error
	if errors.As(err, &e) {
		return e.Status(), true
	}
	return 0, false
}
