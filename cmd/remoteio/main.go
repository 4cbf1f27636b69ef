// Command remoteio runs and talks to remote I/O nodes on a CAN bus.
package main

import (
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenRemoteIO/internal/config"
)

type command struct {
	usage string
	run   func(args []string) error
}

var commands = map[string]command{
	"serve":        {"run the host service (REST, websocket, gRPC health, MQTT)", runServe},
	"mock":         {"run a simulated node on the bus", runMock},
	"monitor":      {"show all nodes seen on the bus", runMonitor},
	"inspect":      {"decode the frames of one node: inspect NODE", runInspect},
	"output":       {"set the output mask: output NODE HEX", runOutput},
	"clear-errors": {"clear latched faults: clear-errors NODE", runClearErrors},
	"command":      {"send a generic command: command NODE CODE [ARG]", runCommand},
	"scenario":     {"play a scenario file against a stepped mock", runScenario},
	"schema":       {"print the protocol schema as YAML", runSchema},
	"token":        {"issue an API token", runToken},
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "help", "-h", "--help":
		usage()
		return
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err := cmd.run(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "remoteio %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: remoteio <command> [flags]")
	fmt.Fprintln(os.Stderr)
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %-13s %s\n", name, commands[name].usage)
	}
}

// globalFlags are accepted by every command.
type globalFlags struct {
	config string
	debug  bool
}

func newFlagSet(name string) (*pflag.FlagSet, *globalFlags) {
	g := &globalFlags{}
	fs := pflag.NewFlagSet(name, pflag.ExitOnError)
	fs.StringVarP(&g.config, "config", "c", os.Getenv("RIO_CONFIG"), "config file (YAML)")
	fs.BoolVar(&g.debug, "debug", false, "development logging")
	return fs, g
}

func (g *globalFlags) logger() *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if g.debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	return logger
}

func (g *globalFlags) load() (*config.Config, error) {
	return config.Load(g.config)
}
