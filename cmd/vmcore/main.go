// Copyright 2026 The vmcore Authors.
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

// Binary vmcore boots an emulated RISC-V machine and runs user processes on
// it through the trampoline and the portal.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"strconv"

	"github.com/google/subcommands"
	"portalkernel.dev/vmcore/pkg/config"
	"portalkernel.dev/vmcore/pkg/log"
)

var (
	configPath = flag.String("config", "", "path to a TOML machine configuration.")
	debug      = flag.Bool("debug", false, "enable debug logging.")
	logFormat  = flag.String("log-format", "", "log format: text or json. Overrides the configuration.")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Run), "")
	subcommands.Register(new(Load), "")
	subcommands.Register(new(Offsets), "debug")

	flag.Parse()

	conf := config.Default()
	if *configPath != "" {
		var err error
		if conf, err = config.Load(*configPath); err != nil {
			Fatalf("%v", err)
		}
	}
	if *debug {
		conf.Debug = true
	}
	if *logFormat != "" {
		conf.LogFormat = *logFormat
	}
	if err := conf.Validate(); err != nil {
		Fatalf("invalid configuration: %v", err)
	}

	log.SetTarget(newEmitter(conf, os.Stderr))
	if conf.Debug {
		log.SetLevel(log.Debug)
	}
	log.Debugf("configuration: %+v", conf)

	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}

func newEmitter(conf *config.Config, w io.Writer) log.Emitter {
	switch conf.LogFormat {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: w}}
	case "json":
		return log.JSONEmitter{
			Writer: &log.Writer{Next: w},
			Labels: map[string]string{
				"format": conf.Format,
				"harts":  strconv.Itoa(conf.Harts),
			},
		}
	}
	Fatalf("invalid log format %q, must be 'text' or 'json'", conf.LogFormat)
	panic("unreachable")
}
