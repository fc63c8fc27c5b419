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
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"svmhook.dev/svmhook/pkg/physmem"
	"svmhook.dev/svmhook/pkg/vmm"
)

// runCmd virtualizes the configured machine and plays its script.
type runCmd struct {
	config string
}

// Name implements subcommands.Command.
func (*runCmd) Name() string { return "run" }

// Synopsis implements subcommands.Command.
func (*runCmd) Synopsis() string {
	return "virtualize the configured machine and run its script"
}

// Usage implements subcommands.Command.
func (*runCmd) Usage() string {
	return `run -config=<path>: virtualize the machine described by the config and run its script.
`
}

// SetFlags implements subcommands.Command.
func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.config, "config", "", "path to the machine config (TOML)")
}

// Execute implements subcommands.Command.
func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if r.config == "" {
		logrus.Error("run needs -config")
		return subcommands.ExitUsageError
	}
	cfg, err := loadConfig(r.config)
	if err != nil {
		logrus.WithError(err).Error("Loading config")
		return subcommands.ExitFailure
	}
	log, err := newLog(cfg.LogLevel)
	if err != nil {
		logrus.WithError(err).Error("Configuring logging")
		return subcommands.ExitUsageError
	}

	w, err := build(cfg, log)
	if err != nil {
		log.WithError(err).Error("Building machine")
		return subcommands.ExitFailure
	}
	defer w.registry.Release()

	if err := w.machine.Virtualize(ctx); err != nil {
		log.WithError(err).Error("Virtualizing")
		return subcommands.ExitFailure
	}
	defer w.machine.Devirtualize()

	for i, step := range cfg.Script {
		if err := w.runStep(step); err != nil {
			log.WithError(err).Errorf("Script step %d (%s)", i, step.Op)
			return subcommands.ExitFailure
		}
	}
	return subcommands.ExitSuccess
}

func (w *world) runStep(step Step) error {
	switch step.Op {
	case "enable":
		return w.hypercallAll(vmm.CommandEnableHooks)
	case "disable":
		return w.hypercallAll(vmm.CommandDisableHooks)
	case "unload":
		return w.hypercallAll(vmm.CommandUnload)
	case "call":
		return w.call(step.Processor, step.Symbol)
	case "read":
		return w.read(step.Processor, step.Symbol)
	case "exec":
		return w.exec(step.Processor, step.Address)
	case "state":
		w.dumpState()
		return nil
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
}

// hypercallAll issues the hypercall on every processor, the way a
// loader driver broadcasts through a DPC.
func (w *world) hypercallAll(cmd vmm.Command) error {
	for _, p := range w.machine.Processors() {
		if err := p.Hypercall(cmd); err != nil {
			return fmt.Errorf("processor %d: %w", p.ID(), err)
		}
	}
	return nil
}

// call simulates the guest calling a symbol and reports where execution
// landed. When a hook diverts the call, the handler's stub is followed
// so the original function still runs.
func (w *world) call(processor int, symbol string) error {
	p := w.machine.Processors()[processor]
	va := w.symbolVA[symbol]
	rip, err := p.Execute(va)
	if err != nil {
		return err
	}
	fields := logrus.Fields{
		"processor": processor,
		"symbol":    symbol,
		"state":     p.Hooks().State(),
	}
	if name, diverted := w.handlerName[rip]; diverted {
		stub, _ := w.registry.StubForHandler(rip)
		w.log.WithFields(fields).WithFields(logrus.Fields{
			"handler": name,
			"stub":    fmt.Sprintf("%#x", stub),
		}).Info("Call diverted to handler")
		// The handler calls through the stub: original prologue, then a
		// jump past the hooked address.
		if _, err := p.Execute(stub); err != nil {
			return fmt.Errorf("running stub: %w", err)
		}
		return nil
	}
	w.log.WithFields(fields).Info("Call ran the original")
	return nil
}

// read shows what the guest sees at a symbol.
func (w *world) read(processor int, symbol string) error {
	p := w.machine.Processors()[processor]
	va := w.symbolVA[symbol]
	var b [8]byte
	if err := p.Read(va, b[:]); err != nil {
		return err
	}
	w.log.WithFields(logrus.Fields{
		"processor": processor,
		"symbol":    symbol,
		"bytes":     fmt.Sprintf("% x", b),
		"state":     p.Hooks().State(),
	}).Info("Guest read")
	return nil
}

// exec fetches from a raw physical address, faulting in the translation
// if the page was never touched. Addresses outside RAM exercise the
// demand-map path that device windows take.
func (w *world) exec(processor int, address uint64) error {
	p := w.machine.Processors()[processor]
	rip, err := p.Execute(physmem.VirtualFor(address))
	if err != nil {
		return err
	}
	w.log.WithFields(logrus.Fields{
		"processor": processor,
		"address":   fmt.Sprintf("%#x", address),
		"rip":       fmt.Sprintf("%#x", rip),
		"state":     p.Hooks().State(),
	}).Info("Guest fetch")
	return nil
}

func (w *world) dumpState() {
	for _, p := range w.machine.Processors() {
		w.log.WithFields(logrus.Fields{
			"processor": p.ID(),
			"state":     p.Hooks().State(),
			"unloaded":  p.Unloaded(),
		}).Info("Processor state")
	}
	for _, e := range w.registry.Entries() {
		w.log.WithFields(logrus.Fields{
			"hook":  e.Name,
			"calls": e.Calls(),
		}).Info("Hook state")
	}
}
