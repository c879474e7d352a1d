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

package sim

import (
	"sync"

	"kiwi.dev/rtld/pkg/hostarch"
)

// Process records the exit status requested by the runtime loader.
type Process struct {
	mu     sync.Mutex
	exited bool
	status int32
}

// Exit implements platform.Process.Exit. Only the first call is recorded.
func (p *Process) Exit(status int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited = true
	p.status = status
}

// Exited returns the recorded exit status and whether Exit was called.
func (p *Process) Exited() (int32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, p.exited
}

// Caller records every call made through it.
type Caller struct {
	mu    sync.Mutex
	calls []hostarch.Addr
	funcs map[hostarch.Addr]func() error
}

// Register arranges for fn to run when addr is called.
func (c *Caller) Register(addr hostarch.Addr, fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.funcs == nil {
		c.funcs = make(map[hostarch.Addr]func() error)
	}
	c.funcs[addr] = fn
}

// Call implements platform.Caller.Call.
func (c *Caller) Call(addr hostarch.Addr) error {
	c.mu.Lock()
	c.calls = append(c.calls, addr)
	fn := c.funcs[addr]
	c.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil
}

// Calls returns the addresses called so far, in order.
func (c *Caller) Calls() []hostarch.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]hostarch.Addr(nil), c.calls...)
}
