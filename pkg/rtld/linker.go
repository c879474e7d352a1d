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
	"time"

	"kiwi.dev/rtld/pkg/log"
	"kiwi.dev/rtld/pkg/platform"
	"kiwi.dev/rtld/pkg/rtld/config"
)

// lazyLogInterval bounds the rate of lazy binding traces.
const lazyLogInterval = 100 * time.Millisecond

// Linker loads and links the images of one process.
type Linker struct {
	p    *platform.Platform
	conf *config.Config
	arch *arch
	reg  *Registry

	// lazyLog traces lazy bindings, which happen while the program runs.
	lazyLog log.Logger
}

// New returns a Linker for the process behind p.
func New(p *platform.Platform, conf *config.Config) (*Linker, error) {
	a, err := archFor(conf.Machine)
	if err != nil {
		return nil, err
	}
	return &Linker{
		p:       p,
		conf:    conf,
		arch:    a,
		reg:     NewRegistry(),
		lazyLog: log.RateLimitedLogger(log.Log(), lazyLogInterval),
	}, nil
}

// Registry returns the images loaded so far.
func (l *Linker) Registry() *Registry {
	return l.reg
}

// Config returns the configuration of l.
func (l *Linker) Config() *config.Config {
	return l.conf
}
