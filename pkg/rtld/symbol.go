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
	"kiwi.dev/rtld/pkg/rtld/elfview"
)

// Definition is the resolution of a symbol reference.
type Definition struct {
	// Image defines the symbol. It is nil for an unresolved weak reference.
	Image *Image

	// Symbol is the defining symbol.
	Symbol elfview.Symbol

	// Addr is the resolved address: the biased value, or the raw value of
	// an absolute symbol.
	Addr hostarch.Addr
}

// Resolve finds the definition of name for a reference from requester.
//
// Images are searched in load order from the program, whatever the
// requester. A global definition is taken at once; the first weak definition
// is taken if no global one exists. Local, hidden, internal and undefined
// symbols never match.
func (l *Linker) Resolve(name string, requester *Image) (Definition, error) {
	def, ok, err := l.lookup(name, nil)
	if err != nil {
		return Definition{}, err
	}
	if !ok {
		from := "rtld"
		if requester != nil {
			from = requester.Name()
		}
		return Definition{}, rtlderr.Wrap(rtlderr.MissingSymbol, "%s: %s", from, name)
	}
	return def, nil
}

// lookup searches the registry for name, skipping the image skip.
func (l *Linker) lookup(name string, skip *Image) (Definition, bool, error) {
	var weak Definition
	found := false
	for _, img := range l.reg.images {
		if img == skip {
			continue
		}
		_, sym, ok, err := img.syms.Lookup(name)
		if err != nil {
			return Definition{}, false, err
		}
		if !ok || !sym.Defined() || !exported(&sym) {
			continue
		}
		switch sym.Bind {
		case elf.STB_GLOBAL:
			return Definition{Image: img, Symbol: sym, Addr: img.symbolAddr(&sym)}, true, nil
		case elf.STB_WEAK:
			if !found {
				weak = Definition{Image: img, Symbol: sym, Addr: img.symbolAddr(&sym)}
				found = true
			}
		}
	}
	return weak, found, nil
}

// bind resolves the symbol sym of img referenced by a relocation. Local
// symbols and hidden definitions bind to img's own definition; copy
// relocations never bind to img.
// An unresolved weak reference binds to address 0.
func (l *Linker) bind(img *Image, sym *elfview.Symbol, copyReloc bool) (Definition, error) {
	if (sym.Bind == elf.STB_LOCAL || (sym.Defined() && !exported(sym))) && !copyReloc {
		return Definition{Image: img, Symbol: *sym, Addr: img.symbolAddr(sym)}, nil
	}
	var skip *Image
	if copyReloc {
		skip = img
	}
	def, ok, err := l.lookup(sym.Name, skip)
	if err != nil {
		return Definition{}, err
	}
	if ok {
		return def, nil
	}
	if sym.Bind == elf.STB_WEAK {
		return Definition{Symbol: *sym}, nil
	}
	return Definition{}, rtlderr.Wrap(rtlderr.MissingSymbol, "%s: %s", img.Name(), sym.Name)
}

// exported returns true if sym can satisfy references from other images.
func exported(sym *elfview.Symbol) bool {
	return sym.Vis != elf.STV_HIDDEN && sym.Vis != elf.STV_INTERNAL
}
