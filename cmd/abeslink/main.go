// Package main provides the abeslink command line client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gdg-abesec/abeslink/internal/client"
	"github.com/gdg-abesec/abeslink/internal/config"
	"github.com/gdg-abesec/abeslink/internal/control/protocol"
	"github.com/gdg-abesec/abeslink/internal/logging"
)

var version = "dev"

const usage = `Usage: abeslink [-socket path] [-json] <command> [options]

Commands:
  status        Show the connection status and recent activity
  probe         Run a connectivity check now
  login         Log in to the captive portal now
  watch         Stream status changes until interrupted
  settings      Show or change settings
  credentials   Store portal credentials (password read from stdin)
  clear         Remove credentials, settings and history
  start         Start the monitoring engine
  stop          Stop the monitoring engine
  version       Print the client version
`

// exit codes
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	logging.SetupFromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// cli carries the per-invocation streams and global options.
type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	json   bool
	socket string
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr}

	fs := flag.NewFlagSet("abeslink", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	fs.StringVar(&c.socket, "socket", config.DefaultSocketPath(), "Path to the daemon control socket")
	fs.BoolVar(&c.json, "json", false, "Print JSON instead of text")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	if fs.NArg() == 0 {
		fs.Usage()
		return exitUsage
	}
	name, rest := fs.Arg(0), fs.Args()[1:]

	if name == "version" {
		fmt.Fprintf(stdout, "abeslink %s\n", version)
		return exitOK
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "abeslink: unknown command %q\n\n", name)
		fs.Usage()
		return exitUsage
	}

	conn, err := client.Dial(c.socket)
	if err != nil {
		fmt.Fprintf(stderr, "abeslink: %v\nIs abeslinkd running?\n", err)
		return exitError
	}
	defer conn.Close()

	if err := cmd(ctx, c, conn, rest); err != nil {
		var usageErr usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintf(stderr, "abeslink %s: %v\n", name, err)
			return exitUsage
		}
		fmt.Fprintf(stderr, "abeslink %s: %s\n", name, describe(err))
		return exitError
	}
	return exitOK
}

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

// describe turns daemon error codes into readable text.
func describe(err error) string {
	var info *protocol.ErrorInfo
	if !errors.As(err, &info) {
		return err.Error()
	}
	switch info.Code {
	case protocol.ErrCodeBusy:
		return "a probe or login is already in progress, try again shortly"
	case protocol.ErrCodeNotRunning:
		return "the engine is stopped, run 'abeslink start' first"
	default:
		return info.Message
	}
}
