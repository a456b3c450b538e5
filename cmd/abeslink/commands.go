package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/gdg-abesec/abeslink/internal/client"
	"github.com/gdg-abesec/abeslink/internal/config"
	"github.com/gdg-abesec/abeslink/internal/control/protocol"
	"github.com/gdg-abesec/abeslink/internal/engine"
)

type command func(ctx context.Context, c *cli, conn *client.Client, args []string) error

var commands = map[string]command{
	"status":      cmdStatus,
	"probe":       cmdProbe,
	"login":       cmdLogin,
	"watch":       cmdWatch,
	"settings":    cmdSettings,
	"credentials": cmdCredentials,
	"clear":       cmdClear,
	"start":       cmdStart,
	"stop":        cmdStop,
}

// statusLogEntries is how many activity entries status prints.
const statusLogEntries = 3

func cmdStatus(ctx context.Context, c *cli, conn *client.Client, args []string) error {
	fs := c.flagSet("status")
	entries := fs.Int("n", statusLogEntries, "Number of activity entries to show")
	if err := parse(fs, args); err != nil {
		return err
	}

	status, err := conn.Status(ctx)
	if err != nil {
		return err
	}
	if c.json {
		return writeJSON(c.stdout, status)
	}
	renderStatus(c.stdout, status, *entries, now())
	return nil
}

func cmdProbe(ctx context.Context, c *cli, conn *client.Client, args []string) error {
	if err := parse(c.flagSet("probe"), args); err != nil {
		return err
	}
	if err := conn.Probe(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, "Probe started")
	return nil
}

func cmdLogin(ctx context.Context, c *cli, conn *client.Client, args []string) error {
	if err := parse(c.flagSet("login"), args); err != nil {
		return err
	}
	if err := conn.Login(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, "Login started")
	return nil
}

func cmdWatch(ctx context.Context, c *cli, conn *client.Client, args []string) error {
	if err := parse(c.flagSet("watch"), args); err != nil {
		return err
	}

	states := make(chan engine.State, engine.DefaultSubscriberBuffer)
	conn.OnState(func(st engine.State) {
		select {
		case states <- st:
		default:
		}
	})

	status, err := conn.Status(ctx)
	if err != nil {
		return err
	}
	w := &watcher{out: c.stdout, json: c.json}
	if err := w.show(status.State); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.Done():
			return errors.New("daemon closed the connection")
		case st := <-states:
			if err := w.show(st); err != nil {
				return err
			}
		}
	}
}

func cmdSettings(ctx context.Context, c *cli, conn *client.Client, args []string) error {
	fs := c.flagSet("settings")
	interval := fs.Int("interval", 0, "Probe interval in minutes (15, 30 or 60)")
	probeURL := fs.String("url", "", "Probe URL")
	autoLogin := fs.Bool("auto-login", false, "Log in automatically when a portal is detected")
	foreground := fs.Bool("foreground", false, "Keep the foreground service enabled")
	if err := parse(fs, args); err != nil {
		return err
	}

	var params protocol.UpdateSettingsParams
	changed := false
	fs.Visit(func(f *flag.Flag) {
		changed = true
		switch f.Name {
		case "interval":
			params.ProbeIntervalMinutes = interval
		case "url":
			params.ProbeURL = probeURL
		case "auto-login":
			params.AutoLoginEnabled = autoLogin
		case "foreground":
			params.ForegroundServiceEnabled = foreground
		}
	})

	var (
		s   config.Settings
		err error
	)
	if changed {
		s, err = conn.UpdateSettings(ctx, params)
	} else {
		s, err = conn.Settings(ctx)
	}
	if err != nil {
		return err
	}
	if c.json {
		return writeJSON(c.stdout, s)
	}
	renderSettings(c.stdout, s)
	return nil
}

func cmdCredentials(ctx context.Context, c *cli, conn *client.Client, args []string) error {
	fs := c.flagSet("credentials")
	username := fs.String("username", "", "Portal username")
	if err := parse(fs, args); err != nil {
		return err
	}
	if strings.TrimSpace(*username) == "" {
		return usageError{"-username is required"}
	}

	password, err := readPassword(c.stdin)
	if err != nil {
		return err
	}
	if err := conn.SetCredentials(ctx, *username, password); err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, "Credentials saved")
	return nil
}

func cmdClear(ctx context.Context, c *cli, conn *client.Client, args []string) error {
	fs := c.flagSet("clear")
	yes := fs.Bool("yes", false, "Confirm removal of all stored data")
	if err := parse(fs, args); err != nil {
		return err
	}
	if !*yes {
		return usageError{"refusing to clear without -yes"}
	}
	if err := conn.ClearAll(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, "All data cleared")
	return nil
}

func cmdStart(ctx context.Context, c *cli, conn *client.Client, args []string) error {
	fs := c.flagSet("start")
	interval := fs.Int("interval", 0, "Probe interval in minutes (15, 30 or 60)")
	if err := parse(fs, args); err != nil {
		return err
	}

	var params protocol.UpdateSettingsParams
	if *interval != 0 {
		params.ProbeIntervalMinutes = interval
	}
	st, err := conn.Start(ctx, params)
	if err != nil {
		return err
	}
	if c.json {
		return writeJSON(c.stdout, st)
	}
	fmt.Fprintln(c.stdout, "Engine running")
	return nil
}

func cmdStop(ctx context.Context, c *cli, conn *client.Client, args []string) error {
	if err := parse(c.flagSet("stop"), args); err != nil {
		return err
	}
	st, err := conn.Stop(ctx)
	if err != nil {
		return err
	}
	if c.json {
		return writeJSON(c.stdout, st)
	}
	fmt.Fprintln(c.stdout, "Engine stopped")
	return nil
}

func (c *cli) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("abeslink "+name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return usageError{err.Error()}
	}
	if fs.NArg() > 0 {
		return usageError{fmt.Sprintf("unexpected argument %q", fs.Arg(0))}
	}
	return nil
}

// readPassword reads the first line of r.
func readPassword(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return "", usageError{"no password on stdin"}
	}
	return strings.TrimRight(scanner.Text(), "\r"), nil
}
