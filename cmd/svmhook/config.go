// Copyright 2024 The svmhook Authors.
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

package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"svmhook.dev/svmhook/pkg/hook"
	"svmhook.dev/svmhook/pkg/physmem"
	"svmhook.dev/svmhook/pkg/vmm"
)

// handlerBase is where synthetic hook handler addresses are assigned
// from, one page apart.
const handlerBase = 0xffff_a000_0000_0000

// Config is the TOML machine description.
type Config struct {
	// Processors is the number of logical processors, default 1.
	Processors int `toml:"processors"`

	// LogLevel is a logrus level name, default "info".
	LogLevel string `toml:"log-level"`

	// APICBase overrides the local APIC window.
	APICBase uint64 `toml:"apic-base"`

	Memory  []MemoryRun `toml:"memory"`
	Symbols []Symbol    `toml:"symbols"`
	Hooks   []Hook      `toml:"hooks"`
	Script  []Step      `toml:"script"`
}

// MemoryRun is one contiguous range of RAM.
type MemoryRun struct {
	BasePage  uint64 `toml:"base-page"`
	PageCount uint64 `toml:"page-count"`
}

// Symbol plants a function at a physical address.
type Symbol struct {
	Name    string `toml:"name"`
	Address uint64 `toml:"address"`
	// Prologue is the function's first bytes; it must start with a
	// recognizable first instruction to be hookable.
	Prologue []byte `toml:"prologue"`
}

// Hook asks for a symbol to be hooked.
type Hook struct {
	Symbol  string `toml:"symbol"`
	Handler string `toml:"handler"`
}

// Step is one scripted guest action.
type Step struct {
	// Op is one of enable, disable, call, read, exec, state, unload.
	Op string `toml:"op"`

	// Symbol names the target of call and read steps.
	Symbol string `toml:"symbol"`

	// Address is the physical address an exec step fetches from. It may
	// lie outside RAM; device windows are mapped on demand.
	Address uint64 `toml:"address"`

	// Processor selects which processor acts, default 0. Enable,
	// disable and unload always run on every processor, the way a
	// loader driver does.
	Processor int `toml:"processor"`
}

// loadConfig parses and validates the TOML file.
func loadConfig(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if cfg.Processors == 0 {
		cfg.Processors = 1
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if len(cfg.Memory) == 0 {
		return nil, fmt.Errorf("%s: no memory runs", path)
	}
	names := make(map[string]bool)
	for _, sym := range cfg.Symbols {
		if sym.Name == "" {
			return nil, fmt.Errorf("%s: symbol with no name", path)
		}
		if names[sym.Name] {
			return nil, fmt.Errorf("%s: symbol %q defined twice", path, sym.Name)
		}
		names[sym.Name] = true
	}
	for _, h := range cfg.Hooks {
		if !names[h.Symbol] {
			return nil, fmt.Errorf("%s: hook on undefined symbol %q", path, h.Symbol)
		}
		if h.Handler == "" {
			return nil, fmt.Errorf("%s: hook on %q has no handler name", path, h.Symbol)
		}
	}
	for i, step := range cfg.Script {
		switch step.Op {
		case "enable", "disable", "state", "unload", "exec":
		case "call", "read":
			if !names[step.Symbol] {
				return nil, fmt.Errorf("%s: script step %d targets undefined symbol %q", path, i, step.Symbol)
			}
		default:
			return nil, fmt.Errorf("%s: script step %d has unknown op %q", path, i, step.Op)
		}
		if step.Processor < 0 || step.Processor >= cfg.Processors {
			return nil, fmt.Errorf("%s: script step %d on processor %d of %d", path, i, step.Processor, cfg.Processors)
		}
	}
	return &cfg, nil
}

// world is the assembled machine plus the name tables the script runs
// against.
type world struct {
	space    *physmem.Space
	registry *hook.Registry
	machine  *vmm.Machine
	log      *logrus.Entry

	symbolVA    map[string]uint64
	handlerName map[uint64]string
}

// build assembles physical memory, symbols, hooks and the machine from
// the config.
func build(cfg *Config, log *logrus.Entry) (*world, error) {
	runs := make([]physmem.Run, 0, len(cfg.Memory))
	for _, r := range cfg.Memory {
		runs = append(runs, physmem.Run{BasePage: r.BasePage, PageCount: r.PageCount})
	}
	desc, err := physmem.NewDescriptor(runs)
	if err != nil {
		return nil, err
	}
	space := physmem.NewSpace(desc)

	w := &world{
		space:       space,
		log:         log,
		symbolVA:    make(map[string]uint64),
		handlerName: make(map[uint64]string),
	}
	resolver := hook.StaticResolver{}
	for _, sym := range cfg.Symbols {
		if err := space.WriteAt(sym.Address, sym.Prologue); err != nil {
			return nil, fmt.Errorf("planting symbol %q: %w", sym.Name, err)
		}
		va := physmem.VirtualFor(sym.Address)
		w.symbolVA[sym.Name] = va
		resolver[sym.Name] = va
	}

	regs := make([]hook.Registration, 0, len(cfg.Hooks))
	for i, h := range cfg.Hooks {
		handler := uint64(handlerBase) + uint64(i)*0x1000
		w.handlerName[handler] = h.Handler
		regs = append(regs, hook.Registration{Name: h.Symbol, Handler: handler})
	}
	w.registry, err = hook.NewRegistry(space, resolver, regs, log)
	if err != nil {
		return nil, err
	}

	w.machine, err = vmm.New(vmm.Config{
		Space:      space,
		Registry:   w.registry,
		Processors: cfg.Processors,
		APICBase:   cfg.APICBase,
		Log:        log,
	})
	if err != nil {
		w.registry.Release()
		return nil, err
	}
	return w, nil
}
