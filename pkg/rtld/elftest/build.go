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

package elftest

import (
	"debug/elf"
	"fmt"

	"kiwi.dev/rtld/pkg/rtld/elfview"
)

// slot is a relocation slot being laid out.
type slot struct {
	name string
	off  uint64
	size uint64
}

// Build lays out and encodes the image.
func (b *Builder) Build() (*Image, error) {
	m, ok := machines[b.Machine]
	if !ok {
		return nil, fmt.Errorf("unsupported machine %v", b.Machine)
	}
	typ := b.Type
	if typ == elf.ET_NONE {
		typ = elf.ET_DYN
	}
	base := b.Base
	if base == 0 && typ == elf.ET_EXEC {
		base = m.execBase
	}
	w := &writer{class: m.class}
	word := w.word()

	img := &Image{
		Base:  base,
		Syms:  make(map[string]uint64),
		Slots: make(map[string]uint64),
	}

	// Symbol indices and strings.
	strs := newStrtab()
	symIndex := make(map[string]uint32)
	for i, s := range b.Syms {
		strs.add(s.Name)
		if _, dup := symIndex[s.Name]; !dup {
			symIndex[s.Name] = uint32(i + 1)
		}
	}
	var neededOffs []uint64
	for _, n := range b.Needed {
		neededOffs = append(neededOffs, strs.add(n))
	}
	var sonameOff, rpathOff uint64
	if b.Soname != "" {
		sonameOff = strs.add(b.Soname)
	}
	if b.RPath != "" {
		rpathOff = strs.add(b.RPath)
	}

	isFunc := func(name string) bool {
		i, ok := symIndex[name]
		return ok && b.Syms[i-1].Type == elf.STT_FUNC && !b.Syms[i-1].Undef
	}

	// Code stubs: the default entry, function symbols, initializer names
	// that are not symbols, then PLT stubs.
	var stubNames []string
	stubNames = append(stubNames, "_entry")
	for _, s := range b.Syms {
		if s.Type == elf.STT_FUNC && !s.Undef && !s.Abs {
			stubNames = append(stubNames, s.Name)
		}
	}
	seenStub := make(map[string]bool)
	for _, n := range stubNames {
		seenStub[n] = true
	}
	var inits []string
	if b.Init != "" {
		inits = append(inits, b.Init)
	}
	inits = append(inits, b.InitArray...)
	inits = append(inits, b.PreinitArray...)
	for _, n := range inits {
		if !isFunc(n) && !seenStub[n] {
			stubNames = append(stubNames, n)
			seenStub[n] = true
		}
	}

	// Relative relocations for the initializer arrays of position
	// independent images.
	relocs := append([]Reloc(nil), b.Relocs...)
	pic := typ == elf.ET_DYN
	arraySlot := func(array string, i int) string { return fmt.Sprintf("%s[%d]", array, i) }
	arrayTargets := make(map[string]string)
	if pic {
		for i := range b.InitArray {
			relocs = append(relocs, Reloc{Type: m.relative, Slot: arraySlot("init_array", i)})
		}
		for i := range b.PreinitArray {
			relocs = append(relocs, Reloc{Type: m.relative, Slot: arraySlot("preinit_array", i)})
		}
	}
	plt := append([]Reloc(nil), b.PLT...)
	for i := range plt {
		if plt[i].Type == 0 {
			plt[i].Type = m.jumpSlot
		}
	}
	for _, r := range append(append([]Reloc(nil), relocs...), plt...) {
		if r.Sym != "" {
			if _, ok := symIndex[r.Sym]; !ok {
				return nil, fmt.Errorf("relocation against unknown symbol %q", r.Sym)
			}
		}
	}

	relEnt := uint64(16)
	switch {
	case m.class == elf.ELFCLASS32 && m.rela:
		relEnt = 12
	case m.class == elf.ELFCLASS32:
		relEnt = 8
	case m.rela:
		relEnt = 24
	}
	symEnt := uint64(elf.Sym64Size)
	ehdrSize := uint64(64)
	phEnt := uint64(56)
	dynEnt := uint64(16)
	if m.class == elf.ELFCLASS32 {
		symEnt, ehdrSize, phEnt, dynEnt = elf.Sym32Size, 52, 32, 8
	}

	// Program headers.
	nphdr := 2 + len(b.ExtraProgs)
	if !b.NoDynamic {
		nphdr++
	}
	if b.RELRO {
		nphdr++
	}

	// Dynamic entries; values are filled in below.
	ndyn := len(b.Needed) + 6 // HASH, STRTAB, SYMTAB, STRSZ, SYMENT, NULL
	if b.Soname != "" {
		ndyn++
	}
	if b.RPath != "" {
		ndyn++
	}
	if len(relocs) > 0 {
		ndyn += 3
	}
	if len(plt) > 0 {
		ndyn += 4
	}
	if b.Init != "" {
		ndyn++
	}
	if len(b.InitArray) > 0 {
		ndyn += 2
	}
	if len(b.PreinitArray) > 0 {
		ndyn += 2
	}
	if b.BindNow {
		ndyn += 2
	}
	if b.TextRel {
		ndyn++
	}

	// Read-only segment layout.
	nsyms := uint64(len(b.Syms) + 1)
	nbucket := nsyms/2 + 1
	off := ehdrSize
	img.PhOff = off
	off += uint64(nphdr) * phEnt
	off = align(off, 8)
	img.HashOff = off
	off += 4 * (2 + nbucket + nsyms)
	off = align(off, 8)
	img.DynsymOff = off
	off += nsyms * symEnt
	strOff := off
	off += uint64(len(strs.data))
	off = align(off, 8)
	relOff := off
	off += uint64(len(relocs)) * relEnt
	pltRelOff := off
	off += uint64(len(plt)) * relEnt
	off = align(off, stubSize)
	stubs := make(map[string]uint64)
	for _, n := range stubNames {
		stubs[n] = off
		off += stubSize
	}
	pltStubs := make([]uint64, len(plt))
	for i := range plt {
		pltStubs[i] = off
		off += stubSize
	}
	slotFor := func(i int, r Reloc) slot {
		name := r.Slot
		if name == "" {
			name = r.Sym
		}
		if name == "" {
			name = fmt.Sprintf("reloc%d", i)
		}
		size := r.Size
		if size == 0 {
			size = word
		}
		return slot{name: name, size: size}
	}
	var slots []slot
	for i, r := range relocs {
		if !r.InText {
			continue
		}
		s := slotFor(i, r)
		off = align(off, word)
		s.off = off
		off += s.size
		slots = append(slots, s)
	}
	textEnd := off

	// Writable segment layout.
	dataOff := align(textEnd, pageSize)
	off = dataOff
	img.DataOff = dataOff
	dynOff := off
	img.DynamicOff = dynOff
	off += uint64(ndyn) * dynEnt
	initArrayOff := off
	off += uint64(len(b.InitArray)) * word
	preinitArrayOff := off
	off += uint64(len(b.PreinitArray)) * word
	arraySlots := make(map[string]uint64)
	for i, n := range b.InitArray {
		arraySlots[arraySlot("init_array", i)] = initArrayOff + uint64(i)*word
		arrayTargets[arraySlot("init_array", i)] = n
	}
	for i, n := range b.PreinitArray {
		arraySlots[arraySlot("preinit_array", i)] = preinitArrayOff + uint64(i)*word
		arrayTargets[arraySlot("preinit_array", i)] = n
	}
	objects := make(map[string]uint64)
	for _, s := range b.Syms {
		if s.Undef || s.Abs || s.Type == elf.STT_FUNC {
			continue
		}
		off = align(off, 8)
		objects[s.Name] = off
		size := s.Size
		if size == 0 {
			size = word
		}
		off += size
	}
	for i, r := range relocs {
		if r.InText {
			continue
		}
		s := slotFor(i, r)
		if r.Slot == "" && r.Type == m.copy {
			if o, ok := objects[r.Sym]; ok {
				s.off = o
				slots = append(slots, s)
				continue
			}
		}
		if o, ok := arraySlots[s.name]; ok {
			s.off = o
			slots = append(slots, s)
			continue
		}
		off = align(off, word)
		s.off = off
		off += s.size
		slots = append(slots, s)
	}
	relroEnd := off
	if b.RELRO {
		relroEnd = align(off, pageSize)
		off = relroEnd
	}
	gotOff := uint64(0)
	if len(plt) > 0 {
		off = align(off, word)
		gotOff = off
		off += (3 + uint64(len(plt))) * word
	}
	dataFileEnd := off
	img.DataEnd = dataFileEnd + b.BSS

	w.buf = make([]byte, dataFileEnd)
	la := func(fileOff uint64) uint64 { return base + fileOff }

	// File header.
	copy(w.buf, elf.ELFMAG)
	w.buf[elf.EI_CLASS] = byte(m.class)
	w.buf[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	w.buf[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	w.u16(16, uint16(typ))
	w.u16(18, uint16(b.Machine))
	w.u32(20, uint32(elf.EV_CURRENT))
	entry := la(stubs["_entry"])
	if b.Entry != "" {
		a, ok := stubs[b.Entry]
		if !ok {
			return nil, fmt.Errorf("entry %q is not a function", b.Entry)
		}
		entry = la(a)
	}
	img.Entry = entry
	if m.class == elf.ELFCLASS32 {
		w.u32(24, uint32(entry))
		w.u32(28, uint32(img.PhOff))
		w.u16(40, uint16(ehdrSize))
		w.u16(42, uint16(phEnt))
		w.u16(44, uint16(nphdr))
	} else {
		w.u64(24, entry)
		w.u64(32, img.PhOff)
		w.u16(52, uint16(ehdrSize))
		w.u16(54, uint16(phEnt))
		w.u16(56, uint16(nphdr))
	}

	// Program headers.
	phdrs := []elf.ProgHeader{
		{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Off: 0, Vaddr: base, Paddr: base, Filesz: textEnd, Memsz: textEnd, Align: pageSize},
		{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W, Off: dataOff, Vaddr: la(dataOff), Paddr: la(dataOff), Filesz: dataFileEnd - dataOff, Memsz: img.DataEnd - dataOff, Align: pageSize},
	}
	if !b.NoDynamic {
		size := uint64(ndyn) * dynEnt
		phdrs = append(phdrs, elf.ProgHeader{Type: elf.PT_DYNAMIC, Flags: elf.PF_R | elf.PF_W, Off: dynOff, Vaddr: la(dynOff), Paddr: la(dynOff), Filesz: size, Memsz: size, Align: word})
	}
	if b.RELRO {
		phdrs = append(phdrs, elf.ProgHeader{Type: elf.PT_GNU_RELRO, Flags: elf.PF_R, Off: dataOff, Vaddr: la(dataOff), Paddr: la(dataOff), Filesz: relroEnd - dataOff, Memsz: relroEnd - dataOff, Align: 1})
	}
	phdrs = append(phdrs, b.ExtraProgs...)
	for i, p := range phdrs {
		o := img.PhOff + uint64(i)*phEnt
		if m.class == elf.ELFCLASS32 {
			w.u32(o, uint32(p.Type))
			w.u32(o+4, uint32(p.Off))
			w.u32(o+8, uint32(p.Vaddr))
			w.u32(o+12, uint32(p.Paddr))
			w.u32(o+16, uint32(p.Filesz))
			w.u32(o+20, uint32(p.Memsz))
			w.u32(o+24, uint32(p.Flags))
			w.u32(o+28, uint32(p.Align))
		} else {
			w.u32(o, uint32(p.Type))
			w.u32(o+4, uint32(p.Flags))
			w.u64(o+8, p.Off)
			w.u64(o+16, p.Vaddr)
			w.u64(o+24, p.Paddr)
			w.u64(o+32, p.Filesz)
			w.u64(o+40, p.Memsz)
			w.u64(o+48, p.Align)
		}
	}

	// Symbols.
	for i, s := range b.Syms {
		var value uint64
		var shndx elf.SectionIndex
		switch {
		case s.Undef:
			shndx = elf.SHN_UNDEF
		case s.Abs:
			value, shndx = s.Value, elf.SHN_ABS
		case s.Type == elf.STT_FUNC:
			value, shndx = la(stubs[s.Name]), 1
		default:
			value, shndx = la(objects[s.Name]), 2
			copy(w.buf[objects[s.Name]:], s.Data)
		}
		if !s.Undef {
			img.Syms[s.Name] = value
		}
		size := s.Size
		if size == 0 && !s.Undef && s.Type != elf.STT_FUNC {
			size = word
		}
		info := byte(s.Bind)<<4 | byte(s.Type)&0xf
		o := img.DynsymOff + uint64(i+1)*symEnt
		name := strs.offs[s.Name]
		if m.class == elf.ELFCLASS32 {
			w.u32(o, uint32(name))
			w.u32(o+4, uint32(value))
			w.u32(o+8, uint32(size))
			w.buf[o+12] = info
			w.buf[o+13] = byte(s.Vis)
			w.u16(o+14, uint16(shndx))
		} else {
			w.u32(o, uint32(name))
			w.buf[o+4] = info
			w.buf[o+5] = byte(s.Vis)
			w.u16(o+6, uint16(shndx))
			w.u64(o+8, value)
			w.u64(o+16, size)
		}
	}
	for n, a := range stubs {
		if _, ok := img.Syms[n]; !ok {
			img.Syms[n] = la(a)
		}
	}
	copy(w.buf[strOff:], strs.data)

	// Hash table.
	buckets := make([]uint32, nbucket)
	chains := make([]uint32, nsyms)
	for i := len(b.Syms) - 1; i >= 0; i-- {
		idx := uint32(i + 1)
		h := elfview.Hash(b.Syms[i].Name) % uint32(nbucket)
		chains[idx] = buckets[h]
		buckets[h] = idx
	}
	w.u32(img.HashOff, uint32(nbucket))
	w.u32(img.HashOff+4, uint32(nsyms))
	for i, v := range buckets {
		w.u32(img.HashOff+8+4*uint64(i), v)
	}
	for i, v := range chains {
		w.u32(img.HashOff+8+4*(nbucket+uint64(i)), v)
	}

	// Code stubs are filled with breakpoints.
	for _, a := range stubs {
		for i := uint64(0); i < stubSize; i++ {
			w.buf[a+i] = 0xcc
		}
	}
	for _, a := range pltStubs {
		for i := uint64(0); i < stubSize; i++ {
			w.buf[a+i] = 0xcc
		}
	}

	// Initializer arrays hold link addresses, made absolute by the relative
	// relocations above for position independent images.
	for i, n := range b.InitArray {
		w.addr(initArrayOff+uint64(i)*word, la(stubs[n]))
	}
	for i, n := range b.PreinitArray {
		w.addr(preinitArrayOff+uint64(i)*word, la(stubs[n]))
	}

	// Relocations. REL entries keep their addend in the slot.
	slotByName := make(map[string]slot)
	for _, s := range slots {
		slotByName[s.name] = s
	}
	writeReloc := func(o uint64, slotOff uint64, r Reloc) {
		var sym uint32
		if r.Sym != "" {
			sym = symIndex[r.Sym]
		}
		if m.class == elf.ELFCLASS32 {
			w.u32(o, uint32(la(slotOff)))
			w.u32(o+4, sym<<8|r.Type&0xff)
			if m.rela {
				w.u32(o+8, uint32(r.Addend))
			}
		} else {
			w.u64(o, la(slotOff))
			w.u64(o+8, uint64(sym)<<32|uint64(r.Type))
			if m.rela {
				w.u64(o+16, uint64(r.Addend))
			}
		}
	}
	for i, r := range relocs {
		s := slotByName[slotFor(i, r).name]
		if r.Slot == "" && r.Type == m.copy {
			if o, ok := objects[r.Sym]; ok {
				s.off = o
			}
		}
		img.Slots[s.name] = la(s.off)
		if target, ok := arrayTargets[s.name]; ok && m.rela && r.Type == m.relative {
			r.Addend = int64(la(stubs[target]))
		}
		writeReloc(relOff+uint64(i)*relEnt, s.off, r)
		if !m.rela && r.Addend != 0 {
			w.addr(s.off, uint64(r.Addend))
		}
	}
	for i, r := range plt {
		slotOff := gotOff + (3+uint64(i))*word
		name := r.Slot
		if name == "" {
			name = r.Sym
		}
		img.Slots[name] = la(slotOff)
		writeReloc(pltRelOff+uint64(i)*relEnt, slotOff, r)
		w.addr(slotOff, la(pltStubs[i]))
	}
	if gotOff != 0 {
		img.GOT = la(gotOff)
		w.addr(gotOff, la(dynOff))
	}

	// Dynamic section.
	var dyn []elf.DynTag
	var vals []uint64
	add := func(tag elf.DynTag, v uint64) {
		dyn = append(dyn, tag)
		vals = append(vals, v)
	}
	for _, n := range neededOffs {
		add(elf.DT_NEEDED, n)
	}
	if b.Soname != "" {
		add(elf.DT_SONAME, sonameOff)
	}
	if b.RPath != "" {
		add(elf.DT_RPATH, rpathOff)
	}
	add(elf.DT_HASH, la(img.HashOff))
	add(elf.DT_STRTAB, la(strOff))
	add(elf.DT_SYMTAB, la(img.DynsymOff))
	add(elf.DT_STRSZ, uint64(len(strs.data)))
	add(elf.DT_SYMENT, symEnt)
	if len(relocs) > 0 {
		if m.rela {
			add(elf.DT_RELA, la(relOff))
			add(elf.DT_RELASZ, uint64(len(relocs))*relEnt)
			add(elf.DT_RELAENT, relEnt)
		} else {
			add(elf.DT_REL, la(relOff))
			add(elf.DT_RELSZ, uint64(len(relocs))*relEnt)
			add(elf.DT_RELENT, relEnt)
		}
	}
	if len(plt) > 0 {
		add(elf.DT_JMPREL, la(pltRelOff))
		add(elf.DT_PLTRELSZ, uint64(len(plt))*relEnt)
		if m.rela {
			add(elf.DT_PLTREL, uint64(elf.DT_RELA))
		} else {
			add(elf.DT_PLTREL, uint64(elf.DT_REL))
		}
		add(elf.DT_PLTGOT, la(gotOff))
	}
	if b.Init != "" {
		add(elf.DT_INIT, la(stubs[b.Init]))
	}
	if len(b.InitArray) > 0 {
		add(elf.DT_INIT_ARRAY, la(initArrayOff))
		add(elf.DT_INIT_ARRAYSZ, uint64(len(b.InitArray))*word)
	}
	if len(b.PreinitArray) > 0 {
		add(elf.DT_PREINIT_ARRAY, la(preinitArrayOff))
		add(elf.DT_PREINIT_ARRAYSZ, uint64(len(b.PreinitArray))*word)
	}
	if b.BindNow {
		add(elf.DT_BIND_NOW, 0)
		add(elf.DT_FLAGS, uint64(elf.DF_BIND_NOW))
	}
	if b.TextRel {
		add(elf.DT_TEXTREL, 0)
	}
	add(elf.DT_NULL, 0)
	if len(dyn) != ndyn {
		return nil, fmt.Errorf("internal error: %d dynamic entries, expected %d", len(dyn), ndyn)
	}
	for i, tag := range dyn {
		o := dynOff + uint64(i)*dynEnt
		if m.class == elf.ELFCLASS32 {
			w.u32(o, uint32(tag))
			w.u32(o+4, uint32(vals[i]))
		} else {
			w.u64(o, uint64(tag))
			w.u64(o+8, vals[i])
		}
	}

	img.Bytes = w.buf
	return img, nil
}
