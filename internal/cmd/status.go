package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/amurg-ai/botgate/internal/gateway"
	"github.com/amurg-ai/botgate/internal/operator"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			bot, _ := cmd.Flags().GetString("bot")
			return runStatus(cmd.OutOrStdout(), addr, bot)
		},
	}
	cmd.Flags().String("addr", "localhost:7780", "gateway address (host:port or URL)")
	cmd.Flags().StringP("bot", "b", "", "show the run status of one bot identity")
	return cmd
}

func runStatus(w io.Writer, addr, bot string) error {
	statusURL, err := statusEndpoint(addr, bot)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(statusURL)
	if err != nil {
		_, _ = color.New(color.FgYellow).Fprint(w, "  Gateway:  ")
		_, _ = color.New(color.FgRed).Fprintf(w, "UNREACHABLE (%v)\n", err)
		return fmt.Errorf("gateway at %s is unreachable", addr)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}

	if bot != "" {
		var st operator.Status
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}
		printBotStatus(w, st)
		return nil
	}

	var snap gateway.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	printSnapshot(w, addr, snap)
	return nil
}

func statusEndpoint(addr, bot string) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("parse gateway address: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/status"
	u.RawQuery = ""
	if bot != "" {
		u.RawQuery = url.Values{"bot": {bot}}.Encode()
	}
	return u.String(), nil
}

func printSnapshot(w io.Writer, addr string, snap gateway.Snapshot) {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	dim := color.New(color.Faint)

	_, _ = green.Fprint(w, "  Gateway:        ")
	_, _ = fmt.Fprintf(w, "%s at %s\n", snap.Status, addr)
	_, _ = green.Fprint(w, "  Agent service:  ")
	if snap.AgentServiceConnected {
		_, _ = green.Fprintln(w, "connected")
	} else {
		_, _ = red.Fprintln(w, "disconnected")
	}
	_, _ = fmt.Fprintf(w, "  Bots: %d | SDKs: %d | UIs: %d\n", snap.ConnectedBots, snap.ConnectedSDKs, snap.ConnectedUIs)

	if len(snap.Bots) > 0 {
		_, _ = cyan.Fprintln(w, "\n  Bots")
		for _, id := range sortedKeys(snap.Bots) {
			b := snap.Bots[id]
			dot := red.Sprint("○")
			if b.Connected {
				dot = green.Sprint("●")
			}
			player := "-"
			if b.Player != nil {
				player = *b.Player
			}
			_, _ = fmt.Fprintf(w, "    %s %-16s tick %-8.0f in game %-5v player %s %s\n",
				dot, id, b.LastTick, b.InGame, player, dim.Sprint(b.ClientID))
		}
	}

	if len(snap.SDKs) > 0 {
		_, _ = cyan.Fprintln(w, "\n  SDK clients")
		for _, id := range sortedKeys(snap.SDKs) {
			_, _ = fmt.Fprintf(w, "    %-40s → %s\n", id, snap.SDKs[id].TargetUsername)
		}
	}

	if len(snap.UIs) > 0 {
		_, _ = cyan.Fprintln(w, "\n  Operators")
		for _, id := range sortedKeys(snap.UIs) {
			op := snap.UIs[id]
			state := dim.Sprint("idle")
			if op.Running {
				state = green.Sprint("running")
			}
			goal := ""
			if op.Goal != nil {
				goal = *op.Goal
			}
			_, _ = fmt.Fprintf(w, "    %-16s %s  consoles %d  %s\n", id, state, op.Clients, goal)
		}
	}
	_, _ = fmt.Fprintln(w)
}

func printBotStatus(w io.Writer, st operator.Status) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	label := func(s string) { _, _ = green.Fprintf(w, "  %-15s", s) }

	label("Bot:")
	_, _ = fmt.Fprintln(w, st.Bot)
	label("Run:")
	if st.Running {
		_, _ = green.Fprintln(w, "running")
	} else {
		_, _ = yellow.Fprintln(w, "idle")
	}
	if st.Goal != nil {
		label("Goal:")
		_, _ = fmt.Fprintln(w, *st.Goal)
	}
	if st.SessionID != nil {
		label("Session:")
		_, _ = fmt.Fprintln(w, *st.SessionID)
	}
	if st.StartedAt != nil {
		label("Started:")
		_, _ = fmt.Fprintln(w, time.UnixMilli(*st.StartedAt).Format(time.RFC3339))
	}
	label("Log entries:")
	_, _ = fmt.Fprintln(w, st.LogCount)
	label("Agent service:")
	if st.AgentServiceConnected {
		_, _ = green.Fprintln(w, "connected")
	} else {
		_, _ = color.New(color.FgRed).Fprintln(w, "disconnected")
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
