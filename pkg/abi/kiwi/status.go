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

// Package kiwi contains the constants and types of the Kiwi kernel ABI that
// the userspace runtime loader consumes.
package kiwi

import "fmt"

// Status is a kernel status code. Zero is success; failures are positive.
// A process terminated by the runtime loader exits with the negated status.
type Status int32

// Kernel status codes, from kernel/include/public/status.h.
const (
	StatusSuccess        Status = 0
	StatusNotImplemented Status = 1
	StatusNotSupported   Status = 2
	StatusInterrupted    Status = 4
	StatusInvalidArg     Status = 7
	StatusInvalidHandle  Status = 8
	StatusInvalidAddr    Status = 9
	StatusOverflow       Status = 12
	StatusNoMemory       Status = 13
	StatusReadOnly       Status = 18
	StatusPermDenied     Status = 19
	StatusNotFound       Status = 24
	StatusTooSmall       Status = 26
	StatusTooLong        Status = 27
	StatusUnknownImage   Status = 37
	StatusMalformedImage Status = 38
	StatusMissingLibrary Status = 39
	StatusMissingSymbol  Status = 40
	StatusTryAgain       Status = 42
)

var statusNames = map[Status]string{
	StatusSuccess:        "STATUS_SUCCESS",
	StatusNotImplemented: "STATUS_NOT_IMPLEMENTED",
	StatusNotSupported:   "STATUS_NOT_SUPPORTED",
	StatusInterrupted:    "STATUS_INTERRUPTED",
	StatusInvalidArg:     "STATUS_INVALID_ARG",
	StatusInvalidHandle:  "STATUS_INVALID_HANDLE",
	StatusInvalidAddr:    "STATUS_INVALID_ADDR",
	StatusOverflow:       "STATUS_OVERFLOW",
	StatusNoMemory:       "STATUS_NO_MEMORY",
	StatusReadOnly:       "STATUS_READ_ONLY",
	StatusPermDenied:     "STATUS_PERM_DENIED",
	StatusNotFound:       "STATUS_NOT_FOUND",
	StatusTooSmall:       "STATUS_TOO_SMALL",
	StatusTooLong:        "STATUS_TOO_LONG",
	StatusUnknownImage:   "STATUS_UNKNOWN_IMAGE",
	StatusMalformedImage: "STATUS_MALFORMED_IMAGE",
	StatusMissingLibrary: "STATUS_MISSING_LIBRARY",
	StatusMissingSymbol:  "STATUS_MISSING_SYMBOL",
	StatusTryAgain:       "STATUS_TRY_AGAIN",
}

// String implements fmt.Stringer.String.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS_%d", int32(s))
}

// ExitCode returns the process exit status reporting s.
func (s Status) ExitCode() int32 {
	return -int32(s)
}
