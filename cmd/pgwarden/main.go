// Command pgwarden monitors PostgreSQL primary/standby pairs and performs
// failover, switchover and standby rebuilds.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/FairForge/pgwarden/internal/config"
)

// Exit codes.
const (
	exitOK    = 0
	exitUsage = 1

	exitPrimaryUnreachable = 2
	exitStandbyUnreachable = 3
	exitBothUnreachable    = 4
	exitLagging            = 5
	exitSplitBrain         = 6

	exitAborted  = 10
	exitFailed   = 11
	exitLockBusy = 12
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type command struct {
	name    string
	summary string
	run     func(a *app, args []string) int
}

var commands = []command{
	{"check-replication", "probe a cluster and report its health", cmdCheckReplication},
	{"promote", "emergency failover to the standby", cmdPromote},
	{"switchover", "planned role swap with the primary stopped first", cmdSwitchover},
	{"rebuild-standby", "re-seed a node as a standby of the current primary", cmdRebuildStandby},
	{"monitor", "watch clusters and fail over automatically", cmdMonitor},
	{"history", "print audit records", cmdHistory},
	{"unlock", "release a stale promotion lock", cmdUnlock},
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("pgwarden", flag.ContinueOnError)
	global.SetOutput(stderr)
	configPath := global.String("config", config.GetEnvOrDefault(config.EnvPrefix+"_CONFIG", ""), "config file (default: ./pgwarden.yaml or /etc/pgwarden/pgwarden.yaml)")
	global.Usage = func() { printUsage(stderr, global) }
	if err := global.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	rest := global.Args()
	if len(rest) == 0 {
		printUsage(stderr, global)
		return exitUsage
	}

	name := rest[0]
	switch name {
	case "help", "--help", "-h":
		printUsage(stdout, global)
		return exitOK
	case "version", "--version":
		fmt.Fprintf(stdout, "pgwarden %s\n", version)
		return exitOK
	}

	for _, c := range commands {
		if c.name != name {
			continue
		}
		a, err := newApp(*configPath, stdin, stdout, stderr)
		if err != nil {
			fmt.Fprintf(stderr, "pgwarden: %v\n", err)
			return exitUsage
		}
		defer a.close()
		a.argv = args
		return c.run(a, rest[1:])
	}

	fmt.Fprintf(stderr, "Unknown command: %s\n\n", name)
	printUsage(stderr, global)
	return exitUsage
}

func printUsage(w io.Writer, global *flag.FlagSet) {
	fmt.Fprintf(w, "pgwarden - PostgreSQL failover controller\n\nUsage:\n  pgwarden [-config file] <command> [options]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-18s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(w, "\nGlobal flags:\n")
	global.SetOutput(w)
	global.PrintDefaults()
	fmt.Fprintf(w, "\nUse \"pgwarden <command> -h\" for command options.\n")
}
