package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/gdg-abesec/abeslink/internal/activity"
	"github.com/gdg-abesec/abeslink/internal/config"
	"github.com/gdg-abesec/abeslink/internal/control/protocol"
	"github.com/gdg-abesec/abeslink/internal/engine"
)

// now is replaced in tests.
var now = time.Now

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func onOff(b bool, on, off string) string {
	if b {
		return on
	}
	return off
}

func renderStatus(w io.Writer, res protocol.StatusResult, entries int, at time.Time) {
	st := res.State
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	status := st.Status.Label()
	if st.Status.IsConnected() && st.LatencyMs > 0 {
		status += " (" + activity.FormatLatency(time.Duration(st.LatencyMs)*time.Millisecond) + ")"
	}
	switch {
	case st.IsProbing:
		status += ", probing"
	case st.IsLoggingIn:
		status += ", logging in"
	}
	fmt.Fprintf(tw, "Status:\t%s\n", status)
	fmt.Fprintf(tw, "Engine:\t%s\n", onOff(st.Running, "Running", "Stopped"))
	fmt.Fprintf(tw, "Auto-login:\t%s\n", onOff(res.Settings.AutoLoginEnabled, "Enabled", "Disabled"))
	fmt.Fprintf(tw, "Credentials:\t%s\n", onOff(st.HasCredentials, "Stored", "Not stored"))

	var lastProbe time.Time
	if st.LastProbe != nil {
		lastProbe = *st.LastProbe
	}
	fmt.Fprintf(tw, "Last probe:\t%s\n", activity.FormatAgo(lastProbe, at))
	if res.NextProbe != nil {
		fmt.Fprintf(tw, "Next probe:\tin %s\n", activity.FormatDuration(res.NextProbe.Sub(at).Round(time.Second)))
	}
	if st.PortalURL != "" {
		fmt.Fprintf(tw, "Portal:\t%s\n", st.PortalURL)
	}
	if st.LastAttempt != nil {
		fmt.Fprintf(tw, "Last login:\t%s, %d attempt(s), %s\n",
			st.LastAttempt.Outcome.Label(), st.LastAttempt.Attempts, activity.FormatAgo(st.LastAttempt.Time, at))
	}
	_ = tw.Flush()

	if entries <= 0 || len(st.Log) == 0 {
		return
	}
	if entries > len(st.Log) {
		entries = len(st.Log)
	}
	fmt.Fprintln(w, "\nRecent activity:")
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, e := range st.Log[:entries] {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", activity.FormatClock(e.Time), e.Kind.Label(), e.Message)
	}
	_ = tw.Flush()
}

func renderSettings(w io.Writer, s config.Settings) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Probe interval:\t%d minutes\n", s.ProbeIntervalMinutes)
	fmt.Fprintf(tw, "Probe URL:\t%s\n", s.ProbeURL)
	fmt.Fprintf(tw, "Auto-login:\t%s\n", onOff(s.AutoLoginEnabled, "Enabled", "Disabled"))
	fmt.Fprintf(tw, "Foreground service:\t%s\n", onOff(s.ForegroundServiceEnabled, "Enabled", "Disabled"))
	_ = tw.Flush()
}

// watcher prints a line whenever the visible status changes.
type watcher struct {
	out  io.Writer
	json bool
	last string
	seen bool
}

func (w *watcher) show(st engine.State) error {
	if w.json {
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w.out, "%s\n", data)
		return err
	}

	line := watchLine(st)
	if w.seen && line == w.last {
		return nil
	}
	w.last, w.seen = line, true
	_, err := fmt.Fprintf(w.out, "%s  %s\n", activity.FormatClock(now()), line)
	return err
}

func watchLine(st engine.State) string {
	switch {
	case !st.Running:
		return "Stopped"
	case st.IsProbing:
		return st.Status.Label() + " (probing)"
	case st.IsLoggingIn:
		return "Logging in"
	case st.Status.IsConnected() && st.LatencyMs > 0:
		return st.Status.Label() + " - " + activity.FormatLatency(time.Duration(st.LatencyMs)*time.Millisecond)
	default:
		return st.Status.Label()
	}
}
