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

package elfview

import (
	"debug/elf"
	"encoding/binary"

	"kiwi.dev/rtld/pkg/errors/rtlderr"
)

// Reloc is a relocation entry.
type Reloc struct {
	// Offset is the image offset of the slot to patch.
	Offset uint64

	// Type is the machine-specific relocation type.
	Type uint32

	// Sym is the symbol index, 0 for none.
	Sym uint32

	// Addend is the explicit addend of RELA entries. It is zero for REL
	// entries, whose addend is stored in the slot.
	Addend int64
}

// RelocTable names one relocation table of an image.
type RelocTable struct {
	Name string
	Off  uint64
	Size uint64
	Rela bool
}

// RelocTables returns the tables named by d: DT_REL, DT_RELA and, when
// withPLT is set, DT_JMPREL, in that order. Absent tables are omitted.
func RelocTables(d *Dynamic, withPLT bool) ([]RelocTable, error) {
	var tables []RelocTable
	if off, ok := d.Value(elf.DT_REL); ok {
		size, _ := d.Value(elf.DT_RELSZ)
		tables = append(tables, RelocTable{Name: "DT_REL", Off: off, Size: size})
	}
	if off, ok := d.Value(elf.DT_RELA); ok {
		size, _ := d.Value(elf.DT_RELASZ)
		tables = append(tables, RelocTable{Name: "DT_RELA", Off: off, Size: size, Rela: true})
	}
	if withPLT {
		if t, ok, err := PLTRelocTable(d); err != nil {
			return nil, err
		} else if ok {
			tables = append(tables, t)
		}
	}
	return tables, nil
}

// PLTRelocTable returns the DT_JMPREL table, if any.
func PLTRelocTable(d *Dynamic) (RelocTable, bool, error) {
	off, ok := d.Value(elf.DT_JMPREL)
	if !ok {
		return RelocTable{}, false, nil
	}
	size, _ := d.Value(elf.DT_PLTRELSZ)
	kind, _ := d.Value(elf.DT_PLTREL)
	switch elf.DynTag(kind) {
	case elf.DT_REL:
		return RelocTable{Name: "DT_JMPREL", Off: off, Size: size}, true, nil
	case elf.DT_RELA:
		return RelocTable{Name: "DT_JMPREL", Off: off, Size: size, Rela: true}, true, nil
	default:
		return RelocTable{}, false, rtlderr.Wrap(rtlderr.BadDynamic, "DT_PLTREL %d", kind)
	}
}

// EntrySize returns the size of one entry of a table of this view's class.
func (v *View) EntrySize(rela bool) uint64 {
	switch {
	case v.Class == elf.ELFCLASS32 && rela:
		return 12
	case v.Class == elf.ELFCLASS32:
		return 8
	case rela:
		return 24
	default:
		return 16
	}
}

// Relocs decodes the relocation table t.
func (v *View) Relocs(t RelocTable) ([]Reloc, error) {
	entSize := v.EntrySize(t.Rela)
	if t.Size%entSize != 0 {
		return nil, rtlderr.Wrap(rtlderr.BadRelocation, "%s size %#x is not a multiple of %d", t.Name, t.Size, entSize)
	}
	if t.Size == 0 {
		return nil, nil
	}
	if err := v.CheckRange(t.Off, t.Size, rtlderr.BadRelocation); err != nil {
		return nil, err
	}
	buf := make([]byte, t.Size)
	if err := v.read(t.Off, buf, rtlderr.BadRelocation); err != nil {
		return nil, err
	}
	relocs := make([]Reloc, 0, t.Size/entSize)
	for i := uint64(0); i < t.Size; i += entSize {
		e := buf[i : i+entSize]
		var r Reloc
		if v.Class == elf.ELFCLASS32 {
			info := binary.LittleEndian.Uint32(e[4:])
			r.Offset = uint64(binary.LittleEndian.Uint32(e[0:]))
			r.Sym = elf.R_SYM32(info)
			r.Type = elf.R_TYPE32(info)
			if t.Rela {
				r.Addend = int64(int32(binary.LittleEndian.Uint32(e[8:])))
			}
		} else {
			info := binary.LittleEndian.Uint64(e[8:])
			r.Offset = binary.LittleEndian.Uint64(e[0:])
			r.Sym = elf.R_SYM64(info)
			r.Type = elf.R_TYPE64(info)
			if t.Rela {
				r.Addend = int64(binary.LittleEndian.Uint64(e[16:]))
			}
		}
		relocs = append(relocs, r)
	}
	return relocs, nil
}
