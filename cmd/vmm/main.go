//go:build linux

// Command vmm runs flat binary guests on KVM and inspects the traces they
// leave behind.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

var logLevel = flag.String("log-level", "info", "log level: debug, info, warn or error")

func newLogHandler(f *os.File, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(f.Fd())) {
		return slog.NewTextHandler(f, opts)
	}
	return slog.NewJSONHandler(f, opts)
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&capsCmd{}, "")
	subcommands.Register(&runCmd{}, "")
	subcommands.Register(&traceCmd{}, "")

	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "vmm: %v\n", err)
		os.Exit(int(subcommands.ExitUsageError))
	}
	slog.SetDefault(slog.New(newLogHandler(os.Stderr, level)))

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	status := subcommands.Execute(ctx)
	stop()
	os.Exit(int(status))
}

func fatalf(format string, args ...any) subcommands.ExitStatus {
	slog.Error(fmt.Sprintf(format, args...))
	return subcommands.ExitFailure
}
