// Copyright 2020 The gVisor Authors.
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

package usermem

import (
	"sync/atomic"
	"unsafe"

	"kiwi.dev/rtld/pkg/errors/kiwierr"
	"kiwi.dev/rtld/pkg/hostarch"
)

// StoreWord implements WordStorer.StoreWord.
func (b *BytesIO) StoreWord(addr hostarch.Addr, size int, val uint64) error {
	if _, err := b.rangeCheck(addr, size); err != nil {
		return err
	}
	p := unsafe.Pointer(&b.Bytes[int(addr)])
	switch size {
	case 4:
		atomic.StoreUint32((*uint32)(p), uint32(val))
	case 8:
		atomic.StoreUint64((*uint64)(p), val)
	default:
		return kiwierr.InvalidArg
	}
	return nil
}

// LoadWord atomically reads the size-byte word at addr.
func (b *BytesIO) LoadWord(addr hostarch.Addr, size int) (uint64, error) {
	if _, err := b.rangeCheck(addr, size); err != nil {
		return 0, err
	}
	p := unsafe.Pointer(&b.Bytes[int(addr)])
	switch size {
	case 4:
		return uint64(atomic.LoadUint32((*uint32)(p))), nil
	case 8:
		return atomic.LoadUint64((*uint64)(p)), nil
	default:
		return 0, kiwierr.InvalidArg
	}
}
