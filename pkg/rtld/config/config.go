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

// Package config holds the runtime loader configuration.
//
// A configuration starts from Default, may be overlaid with a TOML file, and
// is finally adjusted by the environment vector of the process being
// started. Later sources win.
package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"kiwi.dev/rtld/pkg/abi/kiwi"
)

// Config is the runtime loader configuration.
type Config struct {
	// SearchPaths are searched for libraries after the requester's
	// DT_RPATH and before SystemLibraryDir.
	SearchPaths []string `toml:"search_paths"`

	// SystemLibraryDir is the last directory searched.
	SystemLibraryDir string `toml:"system_library_dir"`

	// LazyBinding defers binding of PLT entries to their first call.
	LazyBinding bool `toml:"lazy_binding"`

	// DryRun prints the loaded images and exits before any initializer
	// runs.
	DryRun bool `toml:"dry_run"`

	// Debug enables loader diagnostics.
	Debug bool `toml:"debug"`

	// Machine is the GOARCH name of the architecture images must be built
	// for.
	Machine string `toml:"machine"`
}

// Default returns the default configuration for the host architecture.
func Default() *Config {
	return &Config{
		SystemLibraryDir: kiwi.SystemLibraryDir,
		Machine:          runtime.GOARCH,
	}
}

// Load returns the default configuration overlaid with the TOML file at
// path. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("loading %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("loading %q: unknown keys %v", path, undecoded)
	}
	return c, nil
}

// ApplyEnv adjusts c for the environment vector env of KEY=VALUE strings.
//
// Library directories from LIBRARY_PATH are searched before the configured
// ones. The flags RTLD_DRYRUN, LIBKERNEL_DEBUG and RTLD_LAZY are set by the
// presence of their variable, whatever the value. RTLD_BIND_NOW overrides
// RTLD_LAZY.
func (c *Config) ApplyEnv(env []string) {
	bindNow := false
	var paths []string
	for _, kv := range env {
		key, value, _ := strings.Cut(kv, "=")
		switch key {
		case kiwi.EnvLibraryPath:
			paths = append(paths, SplitPath(value)...)
		case kiwi.EnvDryRun:
			c.DryRun = true
		case kiwi.EnvDebug:
			c.Debug = true
		case kiwi.EnvLazy:
			c.LazyBinding = true
		case kiwi.EnvBindNow:
			bindNow = true
		}
	}
	if bindNow {
		c.LazyBinding = false
	}
	if len(paths) > 0 {
		c.SearchPaths = append(paths, c.SearchPaths...)
	}
}

// SplitPath splits a colon separated directory list, dropping empty
// elements.
func SplitPath(list string) []string {
	var dirs []string
	for _, dir := range strings.Split(list, ":") {
		if dir != "" {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// Copy returns a deep copy of c.
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}
