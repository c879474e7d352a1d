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

package rtld

import (
	"debug/elf"
	"fmt"
	"path"

	"kiwi.dev/rtld/pkg/cleanup"
	"kiwi.dev/rtld/pkg/errors/rtlderr"
	"kiwi.dev/rtld/pkg/hostarch"
	"kiwi.dev/rtld/pkg/log"
	"kiwi.dev/rtld/pkg/platform"
	"kiwi.dev/rtld/pkg/rtld/elfview"
)

// layout is the page-rounded extent of an image's PT_LOAD segments.
type layout struct {
	loads   []elf.ProgHeader
	dynamic *elf.ProgHeader
	relro   *elf.ProgHeader

	// start and end are the page-rounded link addresses spanned by loads.
	start hostarch.Addr
	end   hostarch.Addr
}

// Load maps the image at path, registers it in state Loading and returns it
// with its biased entry point.
//
// requester is the image whose dependency is being loaded, or nil for the
// program. If an image with the same soname is already registered, the new
// mapping is discarded and the registered image is returned instead, with
// one more reference.
func (l *Linker) Load(path string, requester *Image, kind Kind) (*Image, hostarch.Addr, error) {
	img, _, err := l.load(path, requester, kind)
	if err != nil {
		return nil, 0, err
	}
	return img, img.Entry(), nil
}

// load is Load, also returning true if the image was not registered before.
func (l *Linker) load(p string, requester *Image, kind Kind) (*Image, bool, error) {
	log.Debugf("rtld: %s: loading image (%v)", p, kind)
	f, err := l.p.FS.Open(p)
	if err != nil {
		return nil, false, rtlderr.WrapCause(rtlderr.OpenFailed, err, "%s", p)
	}
	defer f.Close()

	size, err := f.Size()
	if err != nil {
		return nil, false, rtlderr.WrapCause(rtlderr.OpenFailed, err, "%s", p)
	}
	hdrBuf := make([]byte, elfview.HeaderSize(l.arch.target.Class))
	n, err := f.ReadAt(hdrBuf, 0)
	if n < elf.EI_NIDENT {
		return nil, false, rtlderr.WrapCause(rtlderr.NotElf, err, "%s", p)
	}
	hdr, err := elfview.Validate(hdrBuf[:n], l.arch.target)
	if err != nil {
		log.Debugf("rtld: %s: invalid header: %v", p, err)
		return nil, false, fmt.Errorf("%s: %w", p, err)
	}
	if !kind.accepts(hdr.Type) {
		return nil, false, rtlderr.Wrap(rtlderr.KindMismatch, "%s: %v is not a valid %v", p, hdr.Type, kind)
	}
	phdrs, err := elfview.ProgramHeaders(f, size, hdr)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", p, err)
	}
	lay, err := plan(phdrs, uint64(size))
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", p, err)
	}

	// Reserve the whole span first, so that the segments of the image
	// keep their relative placement.
	length := uint64(lay.end - lay.start)
	fixed := hdr.Type == elf.ET_EXEC
	start, err := l.p.AS.Reserve(lay.start, length, fixed)
	if err != nil {
		return nil, false, rtlderr.WrapCause(rtlderr.ReservationFailed, err, "%s: %#x bytes at %v", p, length, lay.start)
	}
	cu := cleanup.Make(func() { l.p.AS.Unreserve(start, length) })
	defer cu.Clean()

	img := &Image{
		path:  p,
		typ:   hdr.Type,
		entry: hdr.Entry,
		span:  hostarch.AddrRange{Start: start, End: start + hostarch.Addr(length)},
		state: StateLoading,
	}
	if !fixed {
		img.base = start - lay.start
	}
	log.Debugf("rtld: %s: reserved %v, load base %v", p, img.span, img.base)

	for i := range lay.loads {
		if err := l.mapSegment(img, f, &lay.loads[i]); err != nil {
			return nil, false, fmt.Errorf("%s: %w", p, err)
		}
	}
	if lay.relro != nil {
		start := img.addr(lay.relro.Vaddr).RoundDown()
		end := img.addr(lay.relro.Vaddr + lay.relro.Memsz).RoundDown()
		if start < end {
			img.relro = hostarch.AddrRange{Start: start, End: end}
		}
	}

	if err := l.readDynamic(img, requester, lay.dynamic); err != nil {
		return nil, false, fmt.Errorf("%s: %w", p, err)
	}

	if exist := l.reg.Contains(img.soname); exist != nil {
		log.Debugf("rtld: %s: increasing reference count on %s", p, exist.Name())
		reference(requester, exist)
		return exist, false, nil
	}

	l.reg.Insert(img)
	cu.Release()
	if requester != nil {
		reference(requester, img)
	}
	log.Debugf("rtld: %s: loaded %s at %v", p, img.Name(), img.base)
	return img, true, nil
}

// plan validates the program headers and computes the span of the PT_LOAD
// segments.
func plan(phdrs []elf.ProgHeader, size uint64) (*layout, error) {
	lay := &layout{}
	for i := range phdrs {
		ph := &phdrs[i]
		switch ph.Type {
		case elf.PT_DYNAMIC:
			lay.dynamic = ph
		case elf.PT_GNU_RELRO:
			lay.relro = ph
		case elf.PT_LOAD:
			if ph.Memsz == 0 {
				continue
			}
			if err := checkSegment(ph, size); err != nil {
				return nil, err
			}
			for _, other := range lay.loads {
				if segmentRange(&other).Overlaps(segmentRange(ph)) {
					return nil, rtlderr.Wrap(rtlderr.OverlappingSegments, "segments at %#x and %#x", other.Vaddr, ph.Vaddr)
				}
			}
			lay.loads = append(lay.loads, *ph)
		}
	}
	if len(lay.loads) == 0 {
		return nil, rtlderr.Wrap(rtlderr.BadSegment, "no loadable segments")
	}
	if lay.dynamic == nil {
		return nil, rtlderr.NoDynamic
	}

	lay.start = ^hostarch.Addr(0)
	for i := range lay.loads {
		ar := segmentRange(&lay.loads[i])
		if ar.Start < lay.start {
			lay.start = ar.Start
		}
		if ar.End > lay.end {
			lay.end = ar.End
		}
	}
	dyn := lay.dynamic
	if end, ok := hostarch.Addr(dyn.Vaddr).AddLength(dyn.Memsz); !ok || hostarch.Addr(dyn.Vaddr) < lay.start || end > lay.end {
		return nil, rtlderr.Wrap(rtlderr.BadDynamic, "dynamic section at %#x of %#x bytes outside the loaded segments", dyn.Vaddr, dyn.Memsz)
	}
	return lay, nil
}

// checkSegment validates a non-empty PT_LOAD segment of a file of size bytes.
func checkSegment(ph *elf.ProgHeader, size uint64) error {
	if ph.Filesz > ph.Memsz {
		return rtlderr.Wrap(rtlderr.BadSegment, "segment at %#x has file size %#x beyond memory size %#x", ph.Vaddr, ph.Filesz, ph.Memsz)
	}
	if ph.Flags&(elf.PF_R|elf.PF_W|elf.PF_X) == 0 {
		return rtlderr.Wrap(rtlderr.BadSegment, "segment at %#x has no access", ph.Vaddr)
	}
	if hostarch.Addr(ph.Vaddr).PageOffset() != hostarch.Addr(ph.Off).PageOffset() {
		return rtlderr.Wrap(rtlderr.BadSegment, "segment at %#x is not congruent with file offset %#x", ph.Vaddr, ph.Off)
	}
	end, ok := hostarch.Addr(ph.Vaddr).AddLength(ph.Memsz)
	if ok {
		_, ok = end.RoundUp()
	}
	if !ok {
		return rtlderr.Wrap(rtlderr.BadSegment, "segment at %#x of %#x bytes overflows", ph.Vaddr, ph.Memsz)
	}
	if end := ph.Off + ph.Filesz; end < ph.Off || end > size {
		return rtlderr.Wrap(rtlderr.TruncatedImage, "segment data at %#x+%#x beyond file size %#x", ph.Off, ph.Filesz, size)
	}
	return nil
}

// segmentRange returns the page-rounded link addresses of a segment.
func segmentRange(ph *elf.ProgHeader) hostarch.AddrRange {
	start := hostarch.Addr(ph.Vaddr)
	end := start + hostarch.Addr(ph.Memsz)
	return hostarch.AddrRange{Start: start.RoundDown(), End: end.MustRoundUp()}
}

// mapSegment maps one PT_LOAD segment of img from f.
func (l *Linker) mapSegment(img *Image, f platform.File, ph *elf.ProgHeader) error {
	at := hostarch.ProgFlagsAsPerms(ph.Flags)
	start := img.addr(ph.Vaddr)
	fileEnd := start + hostarch.Addr(ph.Filesz)
	memEnd := start + hostarch.Addr(ph.Memsz)
	log.Debugf("rtld: %s: mapping %v-%v (%v) from offset %#x", img.path, start, memEnd, at, ph.Off)

	if ph.Filesz > 0 {
		fr := platform.FileRange{
			Start: ph.Off - start.PageOffset(),
			End:   ph.Off + ph.Filesz,
		}
		if err := l.p.AS.MapFile(start.RoundDown(), f, fr, at); err != nil {
			return rtlderr.WrapCause(rtlderr.MapFailed, err, "segment at %v", start)
		}
	}

	anonStart := start.RoundDown()
	if ph.Filesz > 0 {
		anonStart = fileEnd.MustRoundUp()
		// The rest of the last file page belongs to the zero fill.
		if ph.Memsz > ph.Filesz && !fileEnd.IsPageAligned() {
			if err := l.zeroTail(fileEnd, anonStart, at); err != nil {
				return err
			}
		}
	}
	if anonEnd := memEnd.MustRoundUp(); anonEnd > anonStart {
		if err := l.p.AS.AnonMap(anonStart, uint64(anonEnd-anonStart), at); err != nil {
			return rtlderr.WrapCause(rtlderr.MapFailed, err, "zero fill at %v", anonStart)
		}
	}

	img.segments = append(img.segments, segment{
		ar: hostarch.AddrRange{Start: start.RoundDown(), End: memEnd.MustRoundUp()},
		at: at,
	})
	return nil
}

// zeroTail zeroes [start, end) within a single file-backed page mapped with
// access at, making it writable for the duration.
func (l *Linker) zeroTail(start, end hostarch.Addr, at hostarch.AccessType) error {
	page := start.RoundDown()
	if !at.Write {
		if err := l.p.AS.Protect(page, hostarch.PageSize, at.Union(hostarch.Write)); err != nil {
			return rtlderr.WrapCause(rtlderr.MapFailed, err, "making %v writable", page)
		}
	}
	if _, err := l.p.AS.ZeroOut(start, int64(end-start)); err != nil {
		return rtlderr.WrapCause(rtlderr.MapFailed, err, "zeroing %v-%v", start, end)
	}
	if !at.Write {
		if err := l.p.AS.Protect(page, hostarch.PageSize, at); err != nil {
			return rtlderr.WrapCause(rtlderr.MapFailed, err, "restoring %v", page)
		}
	}
	return nil
}

// readDynamic indexes the dynamic section of img and reads the names it
// refers to.
func (l *Linker) readDynamic(img *Image, requester *Image, ph *elf.ProgHeader) error {
	img.view = &elfview.View{IO: l.p.AS, Base: img.base, Class: l.arch.target.Class, Span: img.span}
	img.dynamicOff = ph.Vaddr
	dyn, err := img.view.ReadDynamic(ph.Vaddr, ph.Memsz)
	if err != nil {
		return err
	}
	img.dyn = dyn

	hashOff, ok := dyn.Value(elf.DT_HASH)
	if !ok {
		return rtlderr.Wrap(rtlderr.BadHashTable, "no DT_HASH")
	}
	if img.hash, err = img.view.ReadHash(hashOff); err != nil {
		return err
	}
	if img.syms, err = img.view.NewSymbols(dyn, img.hash); err != nil {
		return err
	}

	if off, ok := dyn.Value(elf.DT_SONAME); ok {
		if img.soname, err = img.view.String(dyn, off); err != nil {
			return err
		}
	} else if requester != nil || l.reg.Len() > 0 {
		img.soname = path.Base(img.path)
	}
	for _, off := range dyn.All(elf.DT_NEEDED) {
		name, err := img.view.String(dyn, off)
		if err != nil {
			return err
		}
		img.needed = append(img.needed, name)
	}
	for _, tag := range []elf.DynTag{elf.DT_RPATH, elf.DT_RUNPATH} {
		for _, off := range dyn.All(tag) {
			list, err := img.view.String(dyn, off)
			if err != nil {
				return err
			}
			img.rpath = append(img.rpath, list)
		}
	}
	return nil
}
