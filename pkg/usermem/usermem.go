// Copyright 2018 The gVisor Authors.
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

// Package usermem governs access to the memory of the process the runtime
// loader is populating.
package usermem

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"kiwi.dev/rtld/pkg/errors/kiwierr"
	"kiwi.dev/rtld/pkg/hostarch"
)

// IO provides access to the contents of a virtual memory space.
//
// Addresses passed to IO are absolute. Transfers that touch an unmapped or
// inaccessible location stop at that location and return the number of
// bytes transferred so far together with a non-nil error.
type IO interface {
	// CopyOut copies len(src) bytes from src to the memory mapped at addr.
	// It returns the number of bytes copied. If the number of bytes copied
	// is < len(src), it returns a non-nil error explaining why.
	CopyOut(addr hostarch.Addr, src []byte) (int, error)

	// CopyIn copies len(dst) bytes from the memory mapped at addr to dst.
	// It returns the number of bytes copied. If the number of bytes copied
	// is < len(dst), it returns a non-nil error explaining why.
	CopyIn(addr hostarch.Addr, dst []byte) (int, error)

	// ZeroOut sets toZero bytes to 0, starting at addr. It returns the
	// number of bytes zeroed. If the number of bytes zeroed is < toZero, it
	// returns a non-nil error explaining why.
	ZeroOut(addr hostarch.Addr, toZero int64) (int64, error)
}

// WordStorer is implemented by an IO that can publish a naturally aligned
// word atomically. Lazily bound GOT slots are written through it because
// other threads may be reading the slot at the same time.
type WordStorer interface {
	// StoreWord atomically writes the size-byte word val at addr. size is
	// 4 or 8.
	StoreWord(addr hostarch.Addr, size int, val uint64) error
}

// ByteOrder is the byte order of every machine the loader supports.
var ByteOrder = binary.LittleEndian

// ReadWord reads a size-byte little-endian word at addr.
func ReadWord(io IO, addr hostarch.Addr, size int) (uint64, error) {
	var buf [8]byte
	if size != 4 && size != 8 {
		return 0, kiwierr.InvalidArg
	}
	if _, err := io.CopyIn(addr, buf[:size]); err != nil {
		return 0, err
	}
	if size == 4 {
		return uint64(ByteOrder.Uint32(buf[:4])), nil
	}
	return ByteOrder.Uint64(buf[:]), nil
}

// WriteWord writes val as a size-byte little-endian word at addr. Values
// wider than size are truncated.
func WriteWord(io IO, addr hostarch.Addr, size int, val uint64) error {
	var buf [8]byte
	switch size {
	case 4:
		ByteOrder.PutUint32(buf[:4], uint32(val))
	case 8:
		ByteOrder.PutUint64(buf[:], val)
	default:
		return kiwierr.InvalidArg
	}
	_, err := io.CopyOut(addr, buf[:size])
	return err
}

// StoreWord is equivalent to WriteWord, but uses io's atomic store when io
// implements WordStorer and addr is aligned to size.
func StoreWord(io IO, addr hostarch.Addr, size int, val uint64) error {
	if ws, ok := io.(WordStorer); ok && uint64(addr)%uint64(size) == 0 {
		return ws.StoreWord(addr, size, val)
	}
	return WriteWord(io, addr, size, val)
}

const (
	// copyStringIncrement is the maximum number of bytes that are copied
	// from memory at a time by CopyStringIn.
	copyStringIncrement = 64

	// copyStringMaxInitBufLen is the maximum size of the buffer that
	// CopyStringIn allocates before it has seen the terminator.
	copyStringMaxInitBufLen = 256
)

// CopyStringIn tries to copy a NUL-terminated string of at most maxlen bytes
// from the memory mapped at addr and returns it. If the string is longer
// than maxlen, CopyStringIn returns the truncated string and
// kiwierr.TooLong. If a fault occurs first, CopyStringIn returns the bytes
// read so far and the fault.
//
// Reads never cross a page boundary in a single CopyIn, so a string that
// ends just before an unmapped page is read successfully.
func CopyStringIn(io IO, addr hostarch.Addr, maxlen int) (string, error) {
	initLen := maxlen
	if initLen > copyStringMaxInitBufLen {
		initLen = copyStringMaxInitBufLen
	}
	buf := make([]byte, initLen)
	var done int
	for done < maxlen {
		start, ok := addr.AddLength(uint64(done))
		if !ok {
			return string(buf[:done]), kiwierr.InvalidAddr
		}
		// Read up to copyStringIncrement bytes at a time.
		readlen := copyStringIncrement
		if readlen > maxlen-done {
			readlen = maxlen - done
		}
		if end, ok := start.AddLength(uint64(readlen)); !ok {
			return string(buf[:done]), kiwierr.InvalidAddr
		} else if end.RoundDown() > start && end.PageOffset() != 0 {
			// Don't cross a page boundary in one read.
			readlen = int(end.RoundDown() - start)
		}
		// Ensure that our buffer is large enough to accommodate the read.
		if done+readlen > len(buf) {
			newBufLen := len(buf) * 2
			if newBufLen > maxlen {
				newBufLen = maxlen
			}
			buf = append(buf, make([]byte, newBufLen-len(buf))...)
		}
		n, err := io.CopyIn(start, buf[done:done+readlen])
		// Look for the terminating zero byte, which may have occurred
		// before hitting err.
		if i := bytes.IndexByte(buf[done:done+n], byte(0)); i >= 0 {
			return string(buf[:done+i]), nil
		}
		done += n
		if err != nil {
			return string(buf[:done]), err
		}
	}
	return string(buf), kiwierr.TooLong
}

// CopyStringsIn reads count pointer-sized string addresses starting at addr
// and returns the strings they point to.
func CopyStringsIn(io IO, addr hostarch.Addr, count int, ptrSize int, maxlen int) ([]string, error) {
	strs := make([]string, 0, count)
	for i := 0; i < count; i++ {
		ptr, err := ReadWord(io, addr+hostarch.Addr(i*ptrSize), ptrSize)
		if err != nil {
			return nil, fmt.Errorf("reading pointer %d at %v: %w", i, addr, err)
		}
		s, err := CopyStringIn(io, hostarch.Addr(ptr), maxlen)
		if err != nil {
			return nil, fmt.Errorf("reading string %d at %#x: %w", i, ptr, err)
		}
		strs = append(strs, s)
	}
	return strs, nil
}
