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

// stnUndef terminates hash chains.
const stnUndef = 0

// maxHashEntries bounds the bucket and chain counts of a hash table.
const maxHashEntries = 1 << 24

// HashTable is the classic DT_HASH symbol hash table.
type HashTable struct {
	NBucket uint32
	NChain  uint32
	Buckets []uint32
	Chains  []uint32
}

// Hash computes the standard ELF hash of name.
func Hash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		if g := h & 0xf0000000; g != 0 {
			h ^= g >> 24
		}
		h &^= 0xf0000000
	}
	return h
}

// ReadHash reads the hash table at image offset off.
func (v *View) ReadHash(off uint64) (*HashTable, error) {
	var hdr [8]byte
	if err := v.read(off, hdr[:], rtlderr.BadHashTable); err != nil {
		return nil, err
	}
	t := &HashTable{
		NBucket: binary.LittleEndian.Uint32(hdr[0:]),
		NChain:  binary.LittleEndian.Uint32(hdr[4:]),
	}
	if t.NBucket == 0 || t.NBucket > maxHashEntries || t.NChain > maxHashEntries {
		return nil, rtlderr.Wrap(rtlderr.BadHashTable, "nbucket %d, nchain %d", t.NBucket, t.NChain)
	}
	n := 4 * (uint64(t.NBucket) + uint64(t.NChain))
	if err := v.CheckRange(off+8, n, rtlderr.BadHashTable); err != nil {
		return nil, err
	}
	words := make([]byte, n)
	if err := v.read(off+8, words, rtlderr.BadHashTable); err != nil {
		return nil, err
	}
	t.Buckets = make([]uint32, t.NBucket)
	t.Chains = make([]uint32, t.NChain)
	for i := range t.Buckets {
		t.Buckets[i] = binary.LittleEndian.Uint32(words[4*i:])
	}
	words = words[4*t.NBucket:]
	for i := range t.Chains {
		t.Chains[i] = binary.LittleEndian.Uint32(words[4*i:])
	}
	return t, nil
}

// Symbol is an entry of the dynamic symbol table.
type Symbol struct {
	Name    string
	Value   uint64
	Size    uint64
	Bind    elf.SymBind
	Type    elf.SymType
	Vis     elf.SymVis
	Section elf.SectionIndex
}

// Defined returns true if the symbol is defined in its image.
func (s *Symbol) Defined() bool {
	return s.Section != elf.SHN_UNDEF
}

// Absolute returns true if the symbol value is not relative to the load
// base.
func (s *Symbol) Absolute() bool {
	return s.Section == elf.SHN_ABS
}

// Symbols reads dynamic symbols using the tables named by d.
type Symbols struct {
	view    *View
	dyn     *Dynamic
	hash    *HashTable
	symtab  uint64
	entSize uint64
}

// NewSymbols returns the symbol table of an image. The number of symbols is
// taken from the hash table's chain count.
func (v *View) NewSymbols(d *Dynamic, hash *HashTable) (*Symbols, error) {
	symtab, ok := d.Value(elf.DT_SYMTAB)
	if !ok {
		return nil, rtlderr.Wrap(rtlderr.BadDynamic, "no DT_SYMTAB")
	}
	want := uint64(elf.Sym64Size)
	if v.Class == elf.ELFCLASS32 {
		want = elf.Sym32Size
	}
	if ent, ok := d.Value(elf.DT_SYMENT); ok && ent != want {
		return nil, rtlderr.Wrap(rtlderr.BadDynamic, "DT_SYMENT %d, want %d", ent, want)
	}
	return &Symbols{view: v, dyn: d, hash: hash, symtab: symtab, entSize: want}, nil
}

// Count returns the number of symbols.
func (s *Symbols) Count() uint32 {
	return s.hash.NChain
}

// Symbol reads symbol i.
func (s *Symbols) Symbol(i uint32) (Symbol, error) {
	if i >= s.hash.NChain {
		return Symbol{}, rtlderr.Wrap(rtlderr.BadHashTable, "symbol index %d beyond %d symbols", i, s.hash.NChain)
	}
	buf := make([]byte, s.entSize)
	if err := s.view.read(s.symtab+uint64(i)*s.entSize, buf, rtlderr.BadDynamic); err != nil {
		return Symbol{}, err
	}
	var (
		name  uint32
		info  byte
		other byte
		sym   Symbol
	)
	if s.view.Class == elf.ELFCLASS32 {
		name = binary.LittleEndian.Uint32(buf[0:])
		sym.Value = uint64(binary.LittleEndian.Uint32(buf[4:]))
		sym.Size = uint64(binary.LittleEndian.Uint32(buf[8:]))
		info, other = buf[12], buf[13]
		sym.Section = elf.SectionIndex(binary.LittleEndian.Uint16(buf[14:]))
	} else {
		name = binary.LittleEndian.Uint32(buf[0:])
		info, other = buf[4], buf[5]
		sym.Section = elf.SectionIndex(binary.LittleEndian.Uint16(buf[6:]))
		sym.Value = binary.LittleEndian.Uint64(buf[8:])
		sym.Size = binary.LittleEndian.Uint64(buf[16:])
	}
	sym.Bind = elf.ST_BIND(info)
	sym.Type = elf.ST_TYPE(info)
	sym.Vis = elf.ST_VISIBILITY(other)
	if name != 0 {
		str, err := s.view.String(s.dyn, uint64(name))
		if err != nil {
			return Symbol{}, err
		}
		sym.Name = str
	}
	return sym, nil
}

// Lookup finds the symbol called name through the hash table. It returns
// false if no symbol has that name.
func (s *Symbols) Lookup(name string) (uint32, Symbol, bool, error) {
	h := s.hash
	i := h.Buckets[Hash(name)%h.NBucket]
	// A well-formed chain visits each symbol at most once.
	for steps := uint32(0); i != stnUndef; steps++ {
		if steps >= h.NChain || i >= h.NChain {
			return 0, Symbol{}, false, rtlderr.Wrap(rtlderr.BadHashTable, "chain for %q is corrupt", name)
		}
		sym, err := s.Symbol(i)
		if err != nil {
			return 0, Symbol{}, false, err
		}
		if sym.Name == name {
			return i, sym, true, nil
		}
		i = h.Chains[i]
	}
	return 0, Symbol{}, false, nil
}
