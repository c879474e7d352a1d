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
	"io"

	"github.com/mohae/deepcopy"
	"kiwi.dev/rtld/pkg/abi/kiwi"
	"kiwi.dev/rtld/pkg/errors/rtlderr"
	"kiwi.dev/rtld/pkg/hostarch"
	"kiwi.dev/rtld/pkg/log"
	"kiwi.dev/rtld/pkg/platform"
	"kiwi.dev/rtld/pkg/rtld/config"
	"kiwi.dev/rtld/pkg/usermem"
)

const (
	// maxPathLen bounds the program path.
	maxPathLen = 4096

	// maxStringLen bounds each argument and environment string.
	maxStringLen = 128 << 10

	// maxVectorLen bounds the argument and environment counts.
	maxVectorLen = 1 << 16
)

// ReadProcessArgs decodes the process arguments block at addr, with
// pointers of ptrSize bytes. The strings are copied out of the block.
func ReadProcessArgs(mem usermem.IO, addr hostarch.Addr, ptrSize int) (*kiwi.ProcessArgs, error) {
	lay := kiwi.LayoutFor(ptrSize)
	buf := make([]byte, lay.Size)
	if _, err := mem.CopyIn(addr, buf); err != nil {
		return nil, rtlderr.WrapCause(rtlderr.InvalidArgs, err, "block at %v", addr)
	}
	ptr := func(off int) hostarch.Addr {
		if ptrSize == 4 {
			return hostarch.Addr(usermem.ByteOrder.Uint32(buf[off:]))
		}
		return hostarch.Addr(usermem.ByteOrder.Uint64(buf[off:]))
	}
	argc := int32(usermem.ByteOrder.Uint32(buf[lay.ArgsCount:]))
	envc := int32(usermem.ByteOrder.Uint32(buf[lay.EnvCount:]))
	if argc < 0 || argc > maxVectorLen || envc < 0 || envc > maxVectorLen {
		return nil, rtlderr.Wrap(rtlderr.InvalidArgs, "%d arguments, %d environment strings", argc, envc)
	}

	args := &kiwi.ProcessArgs{LoadBase: uint64(ptr(lay.LoadBase))}
	if p := ptr(lay.Path); p != 0 {
		path, err := usermem.CopyStringIn(mem, p, maxPathLen)
		if err != nil {
			return nil, rtlderr.WrapCause(rtlderr.InvalidArgs, err, "path at %v", p)
		}
		args.Path = path
	}
	var err error
	if args.Args, err = readVector(mem, ptr(lay.Args), int(argc), ptrSize); err != nil {
		return nil, rtlderr.WrapCause(rtlderr.InvalidArgs, err, "arguments")
	}
	if args.Env, err = readVector(mem, ptr(lay.Env), int(envc), ptrSize); err != nil {
		return nil, rtlderr.WrapCause(rtlderr.InvalidArgs, err, "environment")
	}
	return args, nil
}

// readVector reads a counted, NULL terminated string array.
func readVector(mem usermem.IO, addr hostarch.Addr, count, ptrSize int) ([]string, error) {
	if addr == 0 {
		if count != 0 {
			return nil, fmt.Errorf("NULL array of %d strings", count)
		}
		return nil, nil
	}
	strs, err := usermem.CopyStringsIn(mem, addr, count, ptrSize, maxStringLen)
	if err != nil {
		return nil, err
	}
	end := addr + hostarch.Addr(count*ptrSize)
	term, err := usermem.ReadWord(mem, end, ptrSize)
	if err != nil {
		return nil, err
	}
	if term != 0 {
		return nil, fmt.Errorf("array of %d strings not NULL terminated", count)
	}
	return strs, nil
}

// Main loads the program described by args, with its dependencies, and
// returns its entry point.
//
// conf is adjusted by the environment of args. In a dry run, Main reports
// the loaded images to p.Output, exits the process with status 0 and
// returns 0 without running any initializer.
func Main(p *platform.Platform, args *kiwi.ProcessArgs, conf *config.Config) (hostarch.Addr, error) {
	// The block may be overwritten once images are mapped.
	args = deepcopy.Copy(args).(*kiwi.ProcessArgs)
	conf = conf.Copy()
	conf.ApplyEnv(args.Env)
	if conf.Debug {
		log.SetLevel(log.Debug)
	}
	if args.Path == "" {
		return 0, rtlderr.NoPath
	}

	l, err := New(p, conf)
	if err != nil {
		return 0, rtlderr.WrapCause(rtlderr.Incompatible, err, "%s", args.Path)
	}
	log.Debugf("rtld: loading program %s...", args.Path)
	root, entry, err := l.Load(args.Path, nil, KindExecutable)
	if err != nil {
		return 0, err
	}
	if err := l.LoadDependencies(root); err != nil {
		return 0, err
	}
	if err := l.Relocate(); err != nil {
		return 0, err
	}
	if log.IsLogging(log.Debug) {
		l.logImages()
	}

	if conf.DryRun {
		if p.Output != nil {
			if err := l.Report(p.Output); err != nil {
				log.Warningf("rtld: writing image list: %v", err)
			}
		}
		p.Process.Exit(0)
		return 0, nil
	}

	if err := l.RunInitializers(); err != nil {
		return 0, err
	}
	log.Debugf("rtld: %s: entry point %v", root.Name(), entry)
	return entry, nil
}

// Start is the loader entry: it decodes the process arguments block at
// block and runs Main. On failure it exits the process with the negated
// status of the error and returns 0.
func Start(p *platform.Platform, block hostarch.Addr, conf *config.Config) hostarch.Addr {
	a, err := archFor(conf.Machine)
	if err != nil {
		log.Warningf("rtld: %v", err)
		p.Process.Exit(rtlderr.StatusOf(rtlderr.Incompatible).ExitCode())
		return 0
	}
	args, err := ReadProcessArgs(p.AS, block, a.wordSize())
	if err == nil {
		var entry hostarch.Addr
		if entry, err = Main(p, args, conf); err == nil {
			return entry
		}
	}
	status := rtlderr.StatusOf(err)
	log.Warningf("rtld: failed to load program (%v, %v): %v", status, rtlderr.ClassOf(err), err)
	p.Process.Exit(status.ExitCode())
	return 0
}

// Report writes one line per image in load order: its name, the path it was
// loaded from, and its load base.
func (l *Linker) Report(w io.Writer) error {
	for _, img := range l.reg.images {
		var err error
		if img.path != "" {
			_, err = fmt.Fprintf(w, "  %s => %s (%v)\n", img.Name(), img.path, img.base)
		} else {
			_, err = fmt.Fprintf(w, "  %s (%v)\n", img.Name(), img.base)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// logImages logs the final image list.
func (l *Linker) logImages() {
	log.Debugf("rtld: final image list:")
	for _, img := range l.reg.images {
		log.Debugf("rtld:   %s => %s (%v, %d references, %v)", img.Name(), img.path, img.base, img.refCount, img.state)
	}
}
