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
	"kiwi.dev/rtld/pkg/usermem"
)

// DynEntry is one entry of the dynamic section.
type DynEntry struct {
	Tag elf.DynTag
	Val uint64
}

// Dynamic is the indexed dynamic section of an image.
type Dynamic struct {
	// Entries holds every entry before DT_NULL, in section order.
	Entries []DynEntry

	// values collects the values of each tag in section order. Most tags
	// occur at most once; DT_NEEDED occurs once per dependency.
	values map[elf.DynTag][]uint64
}

// Value returns the first value of tag.
func (d *Dynamic) Value(tag elf.DynTag) (uint64, bool) {
	vals := d.values[tag]
	if len(vals) == 0 {
		return 0, false
	}
	return vals[0], true
}

// Has returns true if tag is present.
func (d *Dynamic) Has(tag elf.DynTag) bool {
	return len(d.values[tag]) != 0
}

// All returns every value of tag, in section order.
func (d *Dynamic) All(tag elf.DynTag) []uint64 {
	return d.values[tag]
}

// Flags returns DT_FLAGS, or 0 if absent.
func (d *Dynamic) Flags() elf.DynFlag {
	v, _ := d.Value(elf.DT_FLAGS)
	return elf.DynFlag(v)
}

// BindNow returns true if the image asks for all bindings to be done at
// load time.
func (d *Dynamic) BindNow() bool {
	return d.Has(elf.DT_BIND_NOW) || d.Flags()&elf.DF_BIND_NOW != 0
}

// TextRel returns true if relocations may write to non-writable segments.
func (d *Dynamic) TextRel() bool {
	return d.Has(elf.DT_TEXTREL) || d.Flags()&elf.DF_TEXTREL != 0
}

// NewDynamic indexes entries.
func NewDynamic(entries []DynEntry) *Dynamic {
	d := &Dynamic{
		Entries: entries,
		values:  make(map[elf.DynTag][]uint64),
	}
	for _, e := range entries {
		d.values[e.Tag] = append(d.values[e.Tag], e.Val)
	}
	return d
}

// ReadDynamic reads the dynamic section at image offset off, of at most size
// bytes, up to the DT_NULL terminator.
func (v *View) ReadDynamic(off, size uint64) (*Dynamic, error) {
	entSize := uint64(2 * v.WordSize())
	if size < entSize {
		return nil, rtlderr.Wrap(rtlderr.BadDynamic, "dynamic section of %d bytes", size)
	}
	size -= size % entSize
	if err := v.CheckRange(off, size, rtlderr.BadDynamic); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if err := v.read(off, buf, rtlderr.BadDynamic); err != nil {
		return nil, err
	}

	var entries []DynEntry
	for i := uint64(0); i < uint64(len(buf)); i += entSize {
		var e DynEntry
		if v.Class == elf.ELFCLASS32 {
			e.Tag = elf.DynTag(int32(binary.LittleEndian.Uint32(buf[i:])))
			e.Val = uint64(binary.LittleEndian.Uint32(buf[i+4:]))
		} else {
			e.Tag = elf.DynTag(int64(binary.LittleEndian.Uint64(buf[i:])))
			e.Val = binary.LittleEndian.Uint64(buf[i+8:])
		}
		if e.Tag == elf.DT_NULL {
			return NewDynamic(entries), nil
		}
		entries = append(entries, e)
	}
	return nil, rtlderr.Wrap(rtlderr.BadDynamic, "no DT_NULL terminator")
}

// String returns the NUL-terminated string at offset off of the string
// table named by DT_STRTAB and DT_STRSZ.
func (v *View) String(d *Dynamic, off uint64) (string, error) {
	strtab, ok := d.Value(elf.DT_STRTAB)
	if !ok {
		return "", rtlderr.Wrap(rtlderr.BadDynamic, "no DT_STRTAB")
	}
	strsz, _ := d.Value(elf.DT_STRSZ)
	if off >= strsz {
		return "", rtlderr.Wrap(rtlderr.BadDynamic, "string offset %#x beyond table size %#x", off, strsz)
	}
	str, err := usermem.CopyStringIn(v.IO, v.Addr(strtab+off), int(strsz-off))
	if err != nil {
		return "", rtlderr.WrapCause(rtlderr.BadDynamic, err, "string at %#x", off)
	}
	return str, nil
}
