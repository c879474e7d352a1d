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

	"kiwi.dev/rtld/pkg/errors/rtlderr"
	"kiwi.dev/rtld/pkg/hostarch"
	"kiwi.dev/rtld/pkg/log"
	"kiwi.dev/rtld/pkg/rtld/elfview"
	"kiwi.dev/rtld/pkg/usermem"
)

// Reserved words at the start of the PLT GOT.
const (
	gotHandle     = 1
	gotTrampoline = 2
)

// prepareLazy seeds the PLT GOT of img for lazy binding: the reserved words
// receive the image handle and the trampoline, and each jump slot keeps
// pointing at its PLT stub, biased by the load base. Other relocations in
// DT_JMPREL are applied at once.
func (l *Linker) prepareLazy(img *Image) error {
	t, _, err := elfview.PLTRelocTable(img.dyn)
	if err != nil {
		return err
	}
	if img.plt, err = img.view.Relocs(t); err != nil {
		return err
	}
	got, err := l.pltGOT(img)
	if err != nil {
		return err
	}
	w := l.arch.wordSize()
	if err := usermem.WriteWord(l.p.AS, got+hostarch.Addr(gotHandle*w), w, img.handle()); err != nil {
		return rtlderr.WrapCause(rtlderr.BadRelocation, err, "writing PLT GOT at %v", got)
	}
	if err := usermem.WriteWord(l.p.AS, got+hostarch.Addr(gotTrampoline*w), w, uint64(l.p.Trampoline)); err != nil {
		return rtlderr.WrapCause(rtlderr.BadRelocation, err, "writing PLT GOT at %v", got)
	}

	for i := range img.plt {
		r := &img.plt[i]
		if l.arch.kinds[r.Type] != relocJumpSlot {
			if err := l.apply(img, r, t.Rela); err != nil {
				return err
			}
			continue
		}
		if img.base == 0 {
			continue
		}
		slot := img.addr(r.Offset)
		if !img.span.Contains(slot) {
			return rtlderr.Wrap(rtlderr.BadRelocation, "PLT slot %v outside image %v", slot, img.span)
		}
		stub, err := usermem.ReadWord(l.p.AS, slot, w)
		if err != nil {
			return rtlderr.WrapCause(rtlderr.BadRelocation, err, "reading PLT slot %v", slot)
		}
		if err := usermem.WriteWord(l.p.AS, slot, w, stub+uint64(img.base)); err != nil {
			return rtlderr.WrapCause(rtlderr.BadRelocation, err, "writing PLT slot %v", slot)
		}
	}
	log.Debugf("rtld: %s: %d PLT entries bound lazily", img.Name(), len(img.plt))
	return nil
}

// pltGOT returns the address of the PLT GOT of img.
func (l *Linker) pltGOT(img *Image) (hostarch.Addr, error) {
	off, ok := img.dyn.Value(elf.DT_PLTGOT)
	if !ok {
		return 0, rtlderr.Wrap(rtlderr.BadDynamic, "no DT_PLTGOT")
	}
	return img.addr(off), nil
}

// ResolveLazy binds the PLT entry identified by the trampoline arguments:
// handle, read by the PLT stub from the PLT GOT, and arg, the
// machine-specific entry selector. It stores the resolved address in the
// entry's slot with a single word store and returns it.
func (l *Linker) ResolveLazy(handle, arg uint64) (hostarch.Addr, error) {
	img := l.reg.ImageAt(hostarch.Addr(handle))
	if img == nil || img.handle() != handle || !img.lazy {
		return 0, rtlderr.Wrap(rtlderr.BadRelocation, "no lazily bound image with handle %#x", handle)
	}
	got, err := l.pltGOT(img)
	if err != nil {
		return 0, err
	}
	idx, err := l.arch.pltIndex(got, arg)
	if err != nil {
		return 0, err
	}
	if idx >= uint64(len(img.plt)) {
		return 0, rtlderr.Wrap(rtlderr.BadRelocation, "%s: PLT entry %d of %d", img.Name(), idx, len(img.plt))
	}
	r := &img.plt[idx]
	if l.arch.kinds[r.Type] != relocJumpSlot {
		return 0, rtlderr.Wrap(rtlderr.BadRelocation, "%s: PLT entry %d is %s", img.Name(), idx, l.arch.name(r.Type))
	}
	ref, err := img.syms.Symbol(r.Sym)
	if err != nil {
		return 0, err
	}
	def, err := l.bind(img, &ref, false)
	if err != nil {
		return 0, err
	}
	val := uint64(def.Addr)
	if l.arch.gotAddend {
		val += uint64(r.Addend)
	}
	slot := img.addr(r.Offset)
	if err := usermem.StoreWord(l.p.AS, slot, l.arch.wordSize(), val); err != nil {
		return 0, rtlderr.WrapCause(rtlderr.BadRelocation, err, "%s: binding %s at %v", img.Name(), ref.Name, slot)
	}
	l.lazyLog.Debugf("rtld: %s: lazily bound %s => %#x", img.Name(), ref.Name, val)
	return hostarch.Addr(val), nil
}

// BindLazy is the entry point of the lazy-binding trampoline. It returns the
// address to continue at. A failure terminates the process; on platforms
// where termination returns, BindLazy returns 0.
func (l *Linker) BindLazy(handle, arg uint64) hostarch.Addr {
	addr, err := l.ResolveLazy(handle, arg)
	if err != nil {
		log.Warningf("rtld: lazy binding failed: %v", err)
		l.p.Process.Exit(rtlderr.StatusOf(err).ExitCode())
		return 0
	}
	return addr
}
