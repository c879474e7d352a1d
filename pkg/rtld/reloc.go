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
	"math"

	"kiwi.dev/rtld/pkg/errors/rtlderr"
	"kiwi.dev/rtld/pkg/hostarch"
	"kiwi.dev/rtld/pkg/log"
	"kiwi.dev/rtld/pkg/rtld/elfview"
	"kiwi.dev/rtld/pkg/usermem"
)

// Relocate applies the relocations of every registered image, in reverse
// load order, then promotes every image to Loaded and write-protects RELRO
// ranges.
//
// The first failure stops the pass and is reported with the name of the
// image being relocated.
func (l *Linker) Relocate() error {
	images := l.reg.InReverseLoadOrder()
	for _, img := range images {
		if img.state == StateLoaded {
			continue
		}
		if err := l.relocate(img); err != nil {
			return fmt.Errorf("%s: %w", img.Name(), err)
		}
	}
	for _, img := range images {
		if img.state == StateLoaded {
			continue
		}
		img.state = StateLoaded
		if img.relro.Length() > 0 {
			log.Debugf("rtld: %s: protecting RELRO %v", img.Name(), img.relro)
			if err := l.p.AS.Protect(img.relro.Start, img.relro.Length(), hostarch.Read); err != nil {
				return rtlderr.WrapCause(rtlderr.MapFailed, err, "%s: RELRO %v", img.Name(), img.relro)
			}
		}
	}
	return nil
}

// bindLazily returns true if the PLT entries of img are to be bound on
// first call.
func (l *Linker) bindLazily(img *Image) bool {
	if !l.conf.LazyBinding || l.p.Trampoline == 0 || img.dyn.BindNow() {
		return false
	}
	return img.dyn.Has(elf.DT_PLTGOT) && img.dyn.Has(elf.DT_JMPREL)
}

// relocate applies the relocations of img.
func (l *Linker) relocate(img *Image) (err error) {
	img.lazy = l.bindLazily(img)
	tables, err := elfview.RelocTables(img.dyn, !img.lazy)
	if err != nil {
		return err
	}

	if img.dyn.TextRel() {
		restore, uerr := l.unprotect(img)
		defer func() {
			if rerr := restore(); err == nil {
				err = rerr
			}
		}()
		if uerr != nil {
			return uerr
		}
	}

	for _, t := range tables {
		relocs, err := img.view.Relocs(t)
		if err != nil {
			return err
		}
		log.Debugf("rtld: %s: applying %d relocations from %s", img.Name(), len(relocs), t.Name)
		for i := range relocs {
			if err := l.apply(img, &relocs[i], t.Rela); err != nil {
				return err
			}
		}
	}
	if img.lazy {
		return l.prepareLazy(img)
	}
	return nil
}

// unprotect makes the read-only segments of img writable, returning a
// function that restores them.
func (l *Linker) unprotect(img *Image) (func() error, error) {
	var changed []segment
	restore := func() error {
		for _, s := range changed {
			if err := l.p.AS.Protect(s.ar.Start, s.ar.Length(), s.at); err != nil {
				return rtlderr.WrapCause(rtlderr.MapFailed, err, "restoring %v", s.ar)
			}
		}
		return nil
	}
	for _, s := range img.segments {
		if s.at.Write {
			continue
		}
		log.Debugf("rtld: %s: text relocations, making %v writable", img.Name(), s.ar)
		if err := l.p.AS.Protect(s.ar.Start, s.ar.Length(), s.at.Union(hostarch.Write)); err != nil {
			return restore, rtlderr.WrapCause(rtlderr.MapFailed, err, "unprotecting %v", s.ar)
		}
		changed = append(changed, s)
	}
	return restore, nil
}

// apply applies the relocation r of img.
func (l *Linker) apply(img *Image, r *elfview.Reloc, rela bool) error {
	kind, ok := l.arch.kinds[r.Type]
	if !ok {
		return rtlderr.Wrap(rtlderr.UnsupportedRelocation, "type %s at %#x", l.arch.name(r.Type), r.Offset)
	}
	if kind == relocNone {
		return nil
	}

	w := l.arch.wordSize()
	size := w
	if kind == relocPC32 {
		size = 4
	}
	slot := img.addr(r.Offset)
	if end, ok := slot.AddLength(uint64(size)); !ok || !img.span.Contains(slot) || end > img.span.End {
		return rtlderr.Wrap(rtlderr.BadRelocation, "%s slot %v outside image %v", l.arch.name(r.Type), slot, img.span)
	}

	addend := r.Addend
	if !rela {
		switch kind {
		case relocAbsolute, relocPC32, relocRelative:
			v, err := usermem.ReadWord(l.p.AS, slot, size)
			if err != nil {
				return rtlderr.WrapCause(rtlderr.BadRelocation, err, "reading addend at %v", slot)
			}
			addend = signExtend(v, size)
		}
	}

	var (
		ref elfview.Symbol
		def Definition
	)
	if kind.needsSymbol() {
		if r.Sym == 0 {
			return rtlderr.Wrap(rtlderr.BadRelocation, "%s at %#x without a symbol", l.arch.name(r.Type), r.Offset)
		}
		var err error
		if ref, err = img.syms.Symbol(r.Sym); err != nil {
			return err
		}
		if def, err = l.bind(img, &ref, kind == relocCopy); err != nil {
			return err
		}
	}

	var val uint64
	switch kind {
	case relocRelative:
		val = uint64(img.base) + uint64(addend)
	case relocAbsolute:
		val = uint64(def.Addr) + uint64(addend)
	case relocGlobData, relocJumpSlot:
		val = uint64(def.Addr)
		if l.arch.gotAddend {
			val += uint64(addend)
		}
	case relocPC32:
		pcrel := int64(uint64(def.Addr) + uint64(addend) - uint64(slot))
		if w == 8 && (pcrel < math.MinInt32 || pcrel > math.MaxInt32) {
			return rtlderr.Wrap(rtlderr.BadRelocation, "%s to %s out of range at %v", l.arch.name(r.Type), def.Symbol.Name, slot)
		}
		val = uint64(uint32(pcrel))
	case relocCopy:
		return l.copySymbol(img, slot, ref.Size, &def)
	}

	if def.Image != nil {
		log.Debugf("rtld: %s: %s %s => %v (%s)", img.Name(), l.arch.name(r.Type), def.Symbol.Name, def.Addr, def.Image.Name())
	}
	if err := usermem.WriteWord(l.p.AS, slot, size, val); err != nil {
		return rtlderr.WrapCause(rtlderr.BadRelocation, err, "writing %s at %v", l.arch.name(r.Type), slot)
	}
	return nil
}

// copySymbol copies size bytes of the data of def into slot.
func (l *Linker) copySymbol(img *Image, slot hostarch.Addr, size uint64, def *Definition) error {
	if def.Image == nil {
		return nil
	}
	if end, ok := slot.AddLength(size); !ok || end > img.span.End {
		return rtlderr.Wrap(rtlderr.BadRelocation, "copy of %s (%d bytes) overflows %s", def.Symbol.Name, size, img.Name())
	}
	if end, ok := def.Addr.AddLength(size); !ok || !def.Image.span.Contains(def.Addr) || end > def.Image.span.End {
		return rtlderr.Wrap(rtlderr.BadRelocation, "copy of %s (%d bytes) reads beyond %s", def.Symbol.Name, size, def.Image.Name())
	}
	buf := make([]byte, size)
	if _, err := l.p.AS.CopyIn(def.Addr, buf); err != nil {
		return rtlderr.WrapCause(rtlderr.BadRelocation, err, "copying %s from %s", def.Symbol.Name, def.Image.Name())
	}
	if _, err := l.p.AS.CopyOut(slot, buf); err != nil {
		return rtlderr.WrapCause(rtlderr.BadRelocation, err, "copying %s to %v", def.Symbol.Name, slot)
	}
	log.Debugf("rtld: %s: copied %d bytes of %s from %s", img.Name(), size, def.Symbol.Name, def.Image.Name())
	return nil
}

// signExtend interprets the low size bytes of v as a signed integer.
func signExtend(v uint64, size int) int64 {
	switch size {
	case 4:
		return int64(int32(v))
	default:
		return int64(v)
	}
}
