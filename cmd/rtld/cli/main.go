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

// Package cli is the main entrypoint for rtld.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/google/subcommands"
	"github.com/xyproto/env/v2"
	"kiwi.dev/rtld/cmd/rtld/cmd"
	"kiwi.dev/rtld/pkg/log"
	"kiwi.dev/rtld/pkg/rtld/config"
)

// Environment variables providing flag defaults.
const (
	envConfig    = "KIWI_RTLD_CONFIG"
	envPlatform  = "KIWI_RTLD_PLATFORM"
	envRoot      = "KIWI_RTLD_ROOT"
	envLog       = "KIWI_RTLD_LOG"
	envLogFormat = "KIWI_RTLD_LOG_FORMAT"
	envDebug     = "KIWI_RTLD_DEBUG"
)

var (
	configFile = flag.String("config", env.Str(envConfig), "path to a TOML loader configuration file.")
	platform   = flag.String("platform", env.Str(envPlatform, cmd.PlatformSim), "platform to load images into: sim or host.")
	root       = flag.String("root", env.Str(envRoot), "host directory mounted as / on the sim platform.")
	machine    = flag.String("machine", "", "machine to link for, as a GOARCH name. Defaults to the configuration or the host.")
	lazy       = flag.Bool("lazy", false, "bind PLT entries on first call where the platform allows it.")

	// Debugging flags.
	debug     = flag.Bool("debug", env.Bool(envDebug), "enable loader diagnostics.")
	logFile   = flag.String("log", env.Str(envLog), "file to write logs to, instead of stderr. %TIMESTAMP%, %COMMAND% and %PID% are expanded.")
	logFormat = flag.String("log-format", env.Str(envLogFormat, "text"), "log format: text or json.")
)

// Main is the main entrypoint.
func Main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(new(cmd.Load), "")
	subcommands.Register(new(cmd.Ldd), "")
	const debugGroup = "debug"
	subcommands.Register(new(cmd.Resolve), debugGroup)
	subcommands.Register(new(cmd.ReadDyn), debugGroup)

	flag.Parse()

	conf := config.Default()
	if *configFile != "" {
		var err error
		if conf, err = config.Load(*configFile); err != nil {
			cmd.Fatalf("%v", err)
		}
	}
	if *machine != "" {
		conf.Machine = *machine
	}
	if *debug {
		conf.Debug = true
	}
	if *lazy {
		conf.LazyBinding = true
	}

	out := io.Writer(os.Stderr)
	f, err := log.OpenFile(*logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, log.PatternOpts{
		Command: flag.CommandLine.Arg(0),
		Start:   time.Now(),
	})
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	if f != nil {
		out = f
	}
	log.SetTarget(newEmitter(*logFormat, out))
	if conf.Debug {
		log.SetLevel(log.Debug)
	}
	if err := log.CopyStandardLogTo(log.Info); err != nil {
		cmd.Fatalf("%v", err)
	}

	log.Debugf("rtld %s, %s/%s, args: %v", runtime.Version(), runtime.GOOS, runtime.GOARCH, os.Args)
	log.Debugf("Configuration: %+v", conf)

	opts := &cmd.Options{
		Config:   conf,
		Platform: *platform,
		Root:     *root,
	}
	status := subcommands.Execute(context.Background(), opts)
	if f != nil {
		f.Close()
	}
	os.Exit(int(status))
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	}
	cmd.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
