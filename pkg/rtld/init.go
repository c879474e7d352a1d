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

	"kiwi.dev/rtld/pkg/errors/rtlderr"
	"kiwi.dev/rtld/pkg/hostarch"
	"kiwi.dev/rtld/pkg/log"
	"kiwi.dev/rtld/pkg/usermem"
)

// InitOrder returns the images in the order their initializers run: a
// depth-first post-order over dependency edges from the program, so that
// every image follows the images it depends on, except where a cycle makes
// that impossible. Ties follow DT_NEEDED order. Images not reachable from
// the program follow in reverse load order.
func (l *Linker) InitOrder() []*Image {
	var (
		order   []*Image
		visited = make(map[*Image]bool)
		visit   func(img *Image)
	)
	visit = func(img *Image) {
		if visited[img] {
			return
		}
		// Marked before descending, so that a cycle stops here.
		visited[img] = true
		for _, dep := range img.deps {
			visit(dep)
		}
		order = append(order, img)
	}
	if root := l.reg.Root(); root != nil {
		visit(root)
	}
	for _, img := range l.reg.InReverseLoadOrder() {
		visit(img)
	}
	return order
}

// RunInitializers calls the DT_PREINIT_ARRAY functions of the program, then,
// for each image in InitOrder, its DT_INIT function and DT_INIT_ARRAY
// functions.
func (l *Linker) RunInitializers() error {
	if root := l.reg.Root(); root != nil {
		if err := l.runArray(root, elf.DT_PREINIT_ARRAY, elf.DT_PREINIT_ARRAYSZ); err != nil {
			return err
		}
	}
	for _, img := range l.InitOrder() {
		if off, ok := img.dyn.Value(elf.DT_INIT); ok && off != 0 {
			fn := img.addr(off)
			log.Debugf("rtld: %s: calling INIT function %v...", img.Name(), fn)
			if err := l.p.Caller.Call(fn); err != nil {
				return fmt.Errorf("%s: INIT function %v: %w", img.Name(), fn, err)
			}
		}
		if err := l.runArray(img, elf.DT_INIT_ARRAY, elf.DT_INIT_ARRAYSZ); err != nil {
			return err
		}
	}
	return nil
}

// runArray calls the functions of an initializer array of img. Entries are
// absolute addresses after relocation; 0 and -1 are skipped.
func (l *Linker) runArray(img *Image, tag, sizeTag elf.DynTag) error {
	off, ok := img.dyn.Value(tag)
	if !ok {
		return nil
	}
	size, _ := img.dyn.Value(sizeTag)
	w := l.arch.wordSize()
	skip := ^uint64(0) >> (64 - 8*w)
	for i := uint64(0); i < size/uint64(w); i++ {
		addr := img.addr(off + i*uint64(w))
		fn, err := usermem.ReadWord(l.p.AS, addr, w)
		if err != nil {
			return rtlderr.WrapCause(rtlderr.BadDynamic, err, "%s: reading %v entry %d", img.Name(), tag, i)
		}
		if fn == 0 || fn == skip {
			continue
		}
		log.Debugf("rtld: %s: calling %v function %#x...", img.Name(), tag, fn)
		if err := l.p.Caller.Call(hostarch.Addr(fn)); err != nil {
			return fmt.Errorf("%s: %v function %#x: %w", img.Name(), tag, fn, err)
		}
	}
	return nil
}
