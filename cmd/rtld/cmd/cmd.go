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

// Package cmd holds implementations of the rtld commands.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"kiwi.dev/rtld/pkg/log"
	"kiwi.dev/rtld/pkg/platform"
	"kiwi.dev/rtld/pkg/platform/host"
	"kiwi.dev/rtld/pkg/platform/sim"
	"kiwi.dev/rtld/pkg/rtld/config"
)

// Platform names accepted by Options.Platform.
const (
	PlatformSim  = "sim"
	PlatformHost = "host"
)

// Options is passed to every command.
type Options struct {
	// Config is the loader configuration.
	Config *config.Config

	// Platform selects the backend images are loaded into.
	Platform string

	// Root is the host directory mounted as / of the simulated file
	// system.
	Root string
}

// backend is an instantiated platform. sim is nil for the host platform.
type backend struct {
	p   *platform.Platform
	sim *sim.Sim
}

// newBackend returns the platform selected by o.
func (o *Options) newBackend() (*backend, error) {
	switch o.Platform {
	case PlatformSim:
		if o.Root == "" {
			return nil, fmt.Errorf("the %s platform needs a root directory", PlatformSim)
		}
		s := sim.New()
		if err := s.FS.AddHostTree(o.Root, "/"); err != nil {
			return nil, fmt.Errorf("mounting %q: %w", o.Root, err)
		}
		log.Debugf("Mounted %d files from %s", len(s.FS.Paths()), o.Root)
		p := s.Platform()
		p.Output = os.Stdout
		return &backend{p: p, sim: s}, nil
	case PlatformHost:
		return &backend{p: host.New()}, nil
	default:
		return nil, fmt.Errorf("unknown platform %q, must be %q or %q", o.Platform, PlatformSim, PlatformHost)
	}
}

// stringFlags can be used with string flags that appear multiple times.
type stringFlags []string

// String implements flag.Value.
func (s *stringFlags) String() string {
	return strings.Join(*s, ",")
}

// Get implements flag.Getter.
func (s *stringFlags) Get() any {
	return s
}

// Set implements flag.Value.
func (s *stringFlags) Set(v string) error {
	if !strings.Contains(v, "=") {
		return fmt.Errorf("invalid environment entry %q, want KEY=VALUE", v)
	}
	*s = append(*s, v)
	return nil
}

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, "rtld: "+format+"\n", args...)
	os.Exit(128)
}
