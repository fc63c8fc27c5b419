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

	"svmhook.dev/svmhook/pkg/hook"
)

// validateCmd checks a config without virtualizing: memory layout,
// symbol placement, and that every hooked prologue is recognizable.
type validateCmd struct {
	config string
}

// Name implements subcommands.Command.
func (*validateCmd) Name() string { return "validate" }

// Synopsis implements subcommands.Command.
func (*validateCmd) Synopsis() string { return "validate a machine config" }

// Usage implements subcommands.Command.
func (*validateCmd) Usage() string {
	return `validate -config=<path>: parse the config and check its memory layout and hooks.
`
}

// SetFlags implements subcommands.Command.
func (v *validateCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&v.config, "config", "", "path to the machine config (TOML)")
}

// Execute implements subcommands.Command.
func (v *validateCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if v.config == "" {
		logrus.Error("validate needs -config")
		return subcommands.ExitUsageError
	}
	cfg, err := loadConfig(v.config)
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

	w.space.Descriptor().DumpRanges(log)
	for _, e := range w.registry.Entries() {
		length, err := hook.FirstInstructionLength(w.space.Page(e.PagePA)[e.HookVA&0xfff:])
		if err != nil {
			log.WithError(err).WithField("hook", e.Name).Error("Prologue not hookable")
			return subcommands.ExitFailure
		}
		log.WithFields(logrus.Fields{
			"hook":     e.Name,
			"address":  fmt.Sprintf("%#x", e.HookVA),
			"prologue": length,
			"stub":     fmt.Sprintf("%#x", e.StubVA),
		}).Info("Hook validated")
	}
	log.WithFields(logrus.Fields{
		"processors": cfg.Processors,
		"hooks":      len(w.registry.Entries()),
		"steps":      len(cfg.Script),
	}).Info("Config is valid")
	return subcommands.ExitSuccess
}
