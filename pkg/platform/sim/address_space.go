// Copyright 2024 The gVisor Authors.
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

package sim

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"kiwi.dev/rtld/pkg/errors/kiwierr"
	"kiwi.dev/rtld/pkg/hostarch"
	"kiwi.dev/rtld/pkg/platform"
	"kiwi.dev/rtld/pkg/usermem"
)

// DefaultBase is where the first reservation without a usable hint is
// placed. It is low enough for 32-bit images.
const DefaultBase hostarch.Addr = 0x40000000

// guardSize separates consecutive placements.
const guardSize = hostarch.PageSize

type page struct {
	data [hostarch.PageSize]byte
	at   hostarch.AccessType
}

// AddressSpace is a simulated address space. Memory exists only in pages
// that have been mapped with MapFile or AnonMap, and is accessible only as
// far as the page permissions allow.
type AddressSpace struct {
	mu sync.Mutex

	// reservations is ordered by start address. Reservations never overlap.
	reservations *btree.BTreeG[hostarch.AddrRange]

	// pages maps page-aligned addresses to backed pages.
	pages map[hostarch.Addr]*page

	// next is the placement cursor.
	next hostarch.Addr
}

var _ platform.AddressSpace = (*AddressSpace)(nil)
var _ usermem.WordStorer = (*AddressSpace)(nil)

// NewAddressSpace returns an empty address space that places reservations
// from base upwards.
func NewAddressSpace(base hostarch.Addr) *AddressSpace {
	return &AddressSpace{
		reservations: btree.NewG(8, func(a, b hostarch.AddrRange) bool {
			return a.Start < b.Start
		}),
		pages: make(map[hostarch.Addr]*page),
		next:  base.RoundDown(),
	}
}

// overlapping returns the reservation overlapping ar, if any.
//
// Preconditions: as.mu is locked. ar.Length() > 0.
func (as *AddressSpace) overlapping(ar hostarch.AddrRange) (hostarch.AddrRange, bool) {
	var found hostarch.AddrRange
	ok := false
	as.reservations.DescendLessOrEqual(hostarch.AddrRange{Start: ar.End - 1}, func(r hostarch.AddrRange) bool {
		if r.Overlaps(ar) {
			found, ok = r, true
		}
		return false
	})
	return found, ok
}

// reserved returns true if ar lies entirely within one reservation.
//
// Preconditions: as.mu is locked.
func (as *AddressSpace) reserved(ar hostarch.AddrRange) bool {
	ok := false
	as.reservations.DescendLessOrEqual(hostarch.AddrRange{Start: ar.Start}, func(r hostarch.AddrRange) bool {
		ok = r.IsSupersetOf(ar)
		return false
	})
	return ok
}

// Reserve implements platform.AddressSpace.Reserve.
func (as *AddressSpace) Reserve(hint hostarch.Addr, length uint64, fixed bool) (hostarch.Addr, error) {
	if length == 0 || length%hostarch.PageSize != 0 {
		return 0, kiwierr.InvalidArg
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	if fixed || hint != 0 {
		ar, ok := hint.ToRange(length)
		if ok && hint.IsPageAligned() && hint != 0 {
			if _, busy := as.overlapping(ar); !busy {
				as.reservations.ReplaceOrInsert(ar)
				return hint, nil
			}
		}
		if fixed {
			return 0, kiwierr.NoMemory
		}
	}

	start := as.next
	for {
		ar, ok := start.ToRange(length)
		if !ok {
			return 0, kiwierr.NoMemory
		}
		r, busy := as.overlapping(ar)
		if !busy {
			as.reservations.ReplaceOrInsert(ar)
			as.next = ar.End + guardSize
			return ar.Start, nil
		}
		start = r.End + guardSize
	}
}

// Unreserve implements platform.AddressSpace.Unreserve.
func (as *AddressSpace) Unreserve(addr hostarch.Addr, length uint64) {
	as.mu.Lock()
	defer as.mu.Unlock()
	r, ok := as.reservations.Get(hostarch.AddrRange{Start: addr})
	if !ok {
		return
	}
	as.reservations.Delete(r)
	for a := r.Start; a < r.End; a += hostarch.PageSize {
		delete(as.pages, a)
	}
}

// MapFile implements platform.AddressSpace.MapFile.
func (as *AddressSpace) MapFile(addr hostarch.Addr, f platform.File, fr platform.FileRange, at hostarch.AccessType) error {
	if !addr.IsPageAligned() || fr.Start%hostarch.PageSize != 0 || !fr.WellFormed() || fr.Length() == 0 {
		return kiwierr.InvalidArg
	}
	if _, ok := f.(*File); !ok {
		return kiwierr.InvalidHandle
	}
	length, ok := hostarch.PageRoundUp(fr.Length())
	if !ok {
		return kiwierr.Overflow
	}
	ar, ok := addr.ToRange(length)
	if !ok {
		return kiwierr.Overflow
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	if !as.reserved(ar) {
		return kiwierr.InvalidAddr
	}
	off := fr.Start
	for a := ar.Start; a < ar.End; a += hostarch.PageSize {
		p := &page{at: at}
		// Short reads leave the rest of the page zeroed.
		n := uint64(hostarch.PageSize)
		if rem := fr.End - off; rem < n {
			n = rem
		}
		if _, err := f.ReadAt(p.data[:n], int64(off)); err != nil && !isEOF(err) {
			return fmt.Errorf("reading %v at %#x: %w", f, off, err)
		}
		as.pages[a] = p
		off += n
	}
	return nil
}

// AnonMap implements platform.AddressSpace.AnonMap.
func (as *AddressSpace) AnonMap(addr hostarch.Addr, length uint64, at hostarch.AccessType) error {
	ar, ok := addr.ToRange(length)
	if !ok || !ar.IsPageAligned() || length == 0 {
		return kiwierr.InvalidArg
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if !as.reserved(ar) {
		return kiwierr.InvalidAddr
	}
	for a := ar.Start; a < ar.End; a += hostarch.PageSize {
		as.pages[a] = &page{at: at}
	}
	return nil
}

// Protect implements platform.AddressSpace.Protect.
func (as *AddressSpace) Protect(addr hostarch.Addr, length uint64, at hostarch.AccessType) error {
	if !addr.IsPageAligned() {
		return kiwierr.InvalidArg
	}
	end, ok := addr.AddLength(length)
	if !ok {
		return kiwierr.Overflow
	}
	end, ok = end.RoundUp()
	if !ok {
		return kiwierr.Overflow
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	for a := addr; a < end; a += hostarch.PageSize {
		if _, ok := as.pages[a]; !ok {
			return kiwierr.InvalidAddr
		}
	}
	for a := addr; a < end; a += hostarch.PageSize {
		as.pages[a].at = at
	}
	return nil
}

// access walks [addr, addr+n) page by page, calling fn with each page and the
// byte range within it, and stops at the first page that is missing or
// lacks the access want. It returns the number of bytes walked.
//
// Preconditions: as.mu is locked.
func (as *AddressSpace) access(addr hostarch.Addr, n int, want hostarch.AccessType, fn func(p *page, off, done, count int)) (int, error) {
	done := 0
	for done < n {
		a := addr + hostarch.Addr(done)
		if a < addr {
			return done, kiwierr.InvalidAddr
		}
		p, ok := as.pages[a.RoundDown()]
		if !ok {
			return done, kiwierr.InvalidAddr
		}
		if !p.at.SupersetOf(want) {
			return done, kiwierr.PermDenied
		}
		off := int(a.PageOffset())
		count := hostarch.PageSize - off
		if count > n-done {
			count = n - done
		}
		fn(p, off, done, count)
		done += count
	}
	return done, nil
}

// CopyOut implements usermem.IO.CopyOut.
func (as *AddressSpace) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.access(addr, len(src), hostarch.Write, func(p *page, off, done, count int) {
		copy(p.data[off:off+count], src[done:done+count])
	})
}

// CopyIn implements usermem.IO.CopyIn.
func (as *AddressSpace) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.access(addr, len(dst), hostarch.Read, func(p *page, off, done, count int) {
		copy(dst[done:done+count], p.data[off:off+count])
	})
}

// ZeroOut implements usermem.IO.ZeroOut.
func (as *AddressSpace) ZeroOut(addr hostarch.Addr, toZero int64) (int64, error) {
	if toZero < 0 || toZero > int64(^uint(0)>>1) {
		return 0, kiwierr.InvalidArg
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	n, err := as.access(addr, int(toZero), hostarch.Write, func(p *page, off, _, count int) {
		clear(p.data[off : off+count])
	})
	return int64(n), err
}

// StoreWord implements usermem.WordStorer.StoreWord. The store is a single
// critical section, so concurrent readers never observe a torn word.
func (as *AddressSpace) StoreWord(addr hostarch.Addr, size int, val uint64) error {
	var buf [8]byte
	switch size {
	case 4:
		usermem.ByteOrder.PutUint32(buf[:], uint32(val))
	case 8:
		usermem.ByteOrder.PutUint64(buf[:], val)
	default:
		return kiwierr.InvalidArg
	}
	_, err := as.CopyOut(addr, buf[:size])
	return err
}

// Peek copies memory at addr into dst regardless of page permissions. It
// stops at the first unmapped page.
func (as *AddressSpace) Peek(addr hostarch.Addr, dst []byte) (int, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.access(addr, len(dst), hostarch.NoAccess, func(p *page, off, done, count int) {
		copy(dst[done:done+count], p.data[off:off+count])
	})
}

// AccessAt returns the permissions of the page containing addr, and false if
// the page is not mapped.
func (as *AddressSpace) AccessAt(addr hostarch.Addr) (hostarch.AccessType, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	p, ok := as.pages[addr.RoundDown()]
	if !ok {
		return hostarch.NoAccess, false
	}
	return p.at, true
}

// Reservations returns all reservations in address order.
func (as *AddressSpace) Reservations() []hostarch.AddrRange {
	as.mu.Lock()
	defer as.mu.Unlock()
	var rs []hostarch.AddrRange
	as.reservations.Ascend(func(r hostarch.AddrRange) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

// MappedPages returns the number of backed pages.
func (as *AddressSpace) MappedPages() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return len(as.pages)
}
