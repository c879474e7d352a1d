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
	"path"
	"strings"

	"kiwi.dev/rtld/pkg/errors/rtlderr"
	"kiwi.dev/rtld/pkg/log"
	"kiwi.dev/rtld/pkg/rtld/config"
)

// originToken in a DT_RPATH entry stands for the directory of the image.
const originToken = "$ORIGIN"

// LoadDependencies loads the DT_NEEDED closure of root, breadth first.
//
// A needed name matching the soname of a registered image binds to it
// without a search. Images enter the registry before their own dependencies
// are visited, so cycles terminate.
func (l *Linker) LoadDependencies(root *Image) error {
	queue := []*Image{root}
	for len(queue) > 0 {
		img := queue[0]
		queue = queue[1:]
		for _, name := range img.needed {
			log.Debugf("rtld: %s: dependency on %s", img.Name(), name)
			if dep := l.reg.Contains(name); dep != nil {
				reference(img, dep)
				continue
			}
			p, err := l.search(name, img)
			if err != nil {
				log.Warningf("rtld: could not find required library: %s", name)
				return err
			}
			dep, fresh, err := l.load(p, img, KindSharedObject)
			if err != nil {
				return err
			}
			if fresh {
				queue = append(queue, dep)
			}
		}
	}
	return nil
}

// SearchPath returns the directories searched for the dependencies of img,
// in order.
func (l *Linker) SearchPath(img *Image) []string {
	var dirs []string
	for _, list := range img.rpath {
		for _, dir := range config.SplitPath(list) {
			dirs = append(dirs, expandOrigin(dir, img))
		}
	}
	dirs = append(dirs, l.conf.SearchPaths...)
	if l.conf.SystemLibraryDir != "" {
		dirs = append(dirs, l.conf.SystemLibraryDir)
	}
	return dirs
}

// expandOrigin replaces $ORIGIN in dir with the directory of img.
func expandOrigin(dir string, img *Image) string {
	if !strings.Contains(dir, originToken) {
		return dir
	}
	return strings.ReplaceAll(dir, originToken, path.Dir(img.path))
}

// search returns the path of the library name needed by requester. Names
// containing a slash are used as is.
func (l *Linker) search(name string, requester *Image) (string, error) {
	if strings.Contains(name, "/") {
		if l.exists(name) {
			return name, nil
		}
		return "", rtlderr.Wrap(rtlderr.MissingLibrary, "%s: %s", requester.Name(), name)
	}
	for _, dir := range l.SearchPath(requester) {
		p := path.Join(dir, name)
		if l.exists(p) {
			return p, nil
		}
	}
	return "", rtlderr.Wrap(rtlderr.MissingLibrary, "%s: %s", requester.Name(), name)
}

// exists probes p by opening it.
func (l *Linker) exists(p string) bool {
	log.Debugf("rtld: trying %s...", p)
	f, err := l.p.FS.Open(p)
	if err != nil {
		return false
	}
	f.Close()
	return true
}
