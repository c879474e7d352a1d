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
	"fmt"

	"github.com/google/btree"
	"kiwi.dev/rtld/pkg/hostarch"
	"kiwi.dev/rtld/pkg/log"
)

// Registry is the set of loaded images. It owns every image record.
//
// Images are kept in load order, which is the global symbol search order.
// An index of reservations by address answers ImageAt.
type Registry struct {
	images []*Image
	spans  *btree.BTreeG[*Image]
}

func lessSpan(a, b *Image) bool {
	return a.span.Start < b.span.Start
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{spans: btree.NewG(8, lessSpan)}
}

// Insert appends img to the load order.
//
// Precondition: no image with the same non-empty soname is registered, and
// img's span does not overlap that of a registered image.
func (r *Registry) Insert(img *Image) {
	if img.soname != "" && r.Contains(img.soname) != nil {
		panic(fmt.Sprintf("duplicate image %q", img.soname))
	}
	if _, dup := r.spans.ReplaceOrInsert(img); dup {
		panic(fmt.Sprintf("image %q reuses span %v", img.Name(), img.span))
	}
	r.images = append(r.images, img)
}

// Contains returns the image called soname, or nil.
func (r *Registry) Contains(soname string) *Image {
	if soname == "" {
		return nil
	}
	for _, img := range r.images {
		if img.soname == soname {
			return img
		}
	}
	return nil
}

// Len returns the number of images.
func (r *Registry) Len() int {
	return len(r.images)
}

// Root returns the first image loaded, or nil.
func (r *Registry) Root() *Image {
	if len(r.images) == 0 {
		return nil
	}
	return r.images[0]
}

// InLoadOrder returns the images in load order.
func (r *Registry) InLoadOrder() []*Image {
	return append([]*Image(nil), r.images...)
}

// InReverseLoadOrder returns the images in reverse load order.
func (r *Registry) InReverseLoadOrder() []*Image {
	images := make([]*Image, len(r.images))
	for i, img := range r.images {
		images[len(images)-1-i] = img
	}
	return images
}

// ImageAt returns the image whose reservation contains addr, or nil.
func (r *Registry) ImageAt(addr hostarch.Addr) *Image {
	var found *Image
	key := &Image{span: hostarch.AddrRange{Start: addr}}
	r.spans.DescendLessOrEqual(key, func(img *Image) bool {
		if img.span.Contains(addr) {
			found = img
		}
		return false
	})
	return found
}

// Release drops a reference to img. Images stay mapped; the program, which
// nothing depends on, is never released.
func (r *Registry) Release(img *Image) {
	if img == r.Root() || img.refCount == 0 {
		return
	}
	img.refCount--
	log.Debugf("rtld: %s: reference count now %d", img.Name(), img.refCount)
}
