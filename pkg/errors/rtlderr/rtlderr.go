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

// Package rtlderr contains the failures the runtime loader can report,
// exported as error interface pointers so they can be compared by identity.
//
// Each error belongs to one Class; the startup driver terminates the process
// with the negated status of the error.
package rtlderr

import (
	"errors"
	"fmt"

	"kiwi.dev/rtld/pkg/abi/kiwi"
	kerrors "kiwi.dev/rtld/pkg/errors"
)

// Class groups errors by the part of loading that failed.
type Class int

const (
	// ClassUnknown is an error that did not originate in the loader.
	ClassUnknown Class = iota

	// ClassInput is a missing program path or a malformed arguments block.
	ClassInput

	// ClassElfIntegrity is a malformed or incompatible image.
	ClassElfIntegrity

	// ClassVM is a failed reservation or mapping.
	ClassVM

	// ClassDependency is a needed library absent from every search path.
	ClassDependency

	// ClassSymbol is an undefined non-weak symbol.
	ClassSymbol
)

// String implements fmt.Stringer.String.
func (c Class) String() string {
	switch c {
	case ClassInput:
		return "Input"
	case ClassElfIntegrity:
		return "ElfIntegrity"
	case ClassVM:
		return "VM"
	case ClassDependency:
		return "Dependency"
	case ClassSymbol:
		return "Symbol"
	default:
		return "Unknown"
	}
}

// Input errors.
var (
	InvalidArgs = kerrors.New(kiwi.StatusInvalidArg, "malformed process arguments")
	NoPath      = kerrors.New(kiwi.StatusInvalidArg, "program path missing")
	OpenFailed  = kerrors.New(kiwi.StatusNotFound, "unable to open image")
)

// ELF validation errors.
var (
	BadMagic           = kerrors.New(kiwi.StatusUnknownImage, "not a valid ELF file")
	BadClass           = kerrors.New(kiwi.StatusUnknownImage, "ELF class or byte order does not match host")
	BadMachine         = kerrors.New(kiwi.StatusUnknownImage, "not for the machine we are running on")
	BadVersion         = kerrors.New(kiwi.StatusUnknownImage, "not correct ELF version")
	NotExecutableOrDyn = kerrors.New(kiwi.StatusUnknownImage, "ELF file is neither executable nor shared object")
)

// Image loader errors.
var (
	NotElf              = kerrors.New(kiwi.StatusUnknownImage, "not an ELF image")
	Incompatible        = kerrors.New(kiwi.StatusUnknownImage, "incompatible ELF image")
	KindMismatch        = kerrors.New(kiwi.StatusUnknownImage, "incorrect ELF file type")
	NoDynamic           = kerrors.New(kiwi.StatusMalformedImage, "could not find DYNAMIC segment")
	TruncatedImage      = kerrors.New(kiwi.StatusMalformedImage, "image is truncated")
	BadSegment          = kerrors.New(kiwi.StatusMalformedImage, "malformed LOAD segment")
	OverlappingSegments = kerrors.New(kiwi.StatusMalformedImage, "LOAD segments overlap")
	BadDynamic          = kerrors.New(kiwi.StatusMalformedImage, "malformed dynamic section")
	BadHashTable        = kerrors.New(kiwi.StatusMalformedImage, "malformed symbol hash table")
	ReservationFailed   = kerrors.New(kiwi.StatusNoMemory, "unable to reserve address range")
	MapFailed           = kerrors.New(kiwi.StatusNoMemory, "unable to map image data")
)

// Dependency, symbol and relocation errors.
var (
	MissingLibrary        = kerrors.New(kiwi.StatusMissingLibrary, "required library not found")
	MissingSymbol         = kerrors.New(kiwi.StatusMissingSymbol, "cannot resolve symbol")
	BadRelocation         = kerrors.New(kiwi.StatusMalformedImage, "malformed relocation")
	UnsupportedRelocation = kerrors.New(kiwi.StatusNotSupported, "unhandled relocation type")
)

var classes = map[*kerrors.Error]Class{
	InvalidArgs:           ClassInput,
	NoPath:                ClassInput,
	OpenFailed:            ClassInput,
	BadMagic:              ClassElfIntegrity,
	BadClass:              ClassElfIntegrity,
	BadMachine:            ClassElfIntegrity,
	BadVersion:            ClassElfIntegrity,
	NotExecutableOrDyn:    ClassElfIntegrity,
	NotElf:                ClassElfIntegrity,
	Incompatible:          ClassElfIntegrity,
	KindMismatch:          ClassElfIntegrity,
	NoDynamic:             ClassElfIntegrity,
	TruncatedImage:        ClassElfIntegrity,
	BadSegment:            ClassElfIntegrity,
	OverlappingSegments:   ClassElfIntegrity,
	BadDynamic:            ClassElfIntegrity,
	BadHashTable:          ClassElfIntegrity,
	BadRelocation:         ClassElfIntegrity,
	UnsupportedRelocation: ClassElfIntegrity,
	ReservationFailed:     ClassVM,
	MapFailed:             ClassVM,
	MissingLibrary:        ClassDependency,
	MissingSymbol:         ClassSymbol,
}

// wrapped attaches context and an optional cause to a loader error while
// keeping the identity of both for errors.Is.
type wrapped struct {
	kind    *kerrors.Error
	cause   error
	context string
}

// Error implements error.Error.
func (w *wrapped) Error() string {
	msg := w.kind.Error()
	if w.context != "" {
		msg = w.context + ": " + msg
	}
	if w.cause != nil {
		msg += ": " + w.cause.Error()
	}
	return msg
}

// Unwrap returns the loader error first so that errors.As finds its status
// before that of the cause.
func (w *wrapped) Unwrap() []error {
	if w.cause == nil {
		return []error{w.kind}
	}
	return []error{w.kind, w.cause}
}

// Wrap returns kind with a formatted context prefix, typically the path or
// soname of the image and the name of the symbol involved.
func Wrap(kind *kerrors.Error, format string, v ...any) error {
	return &wrapped{kind: kind, context: fmt.Sprintf(format, v...)}
}

// WrapCause is Wrap with an underlying cause, e.g. the platform error that
// made a mapping fail.
func WrapCause(kind *kerrors.Error, cause error, format string, v ...any) error {
	return &wrapped{kind: kind, cause: cause, context: fmt.Sprintf(format, v...)}
}

// ClassOf returns the class of the outermost loader error in err's chain.
func ClassOf(err error) Class {
	var e *kerrors.Error
	if !errors.As(err, &e) {
		return ClassUnknown
	}
	return classes[e]
}

// StatusOf returns the status of the outermost loader error in err's chain.
// Errors without a status are reported as STATUS_NOT_SUPPORTED.
func StatusOf(err error) kiwi.Status {
	if err == nil {
		return kiwi.StatusSuccess
	}
	var e *kerrors.Error
	if !errors.As(err, &e) {
		return kiwi.StatusNotSupported
	}
	return e.Status()
}
