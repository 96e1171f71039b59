package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/todomcp/internal/config"
	"go.klb.dev/todomcp/internal/model"
	"go.klb.dev/todomcp/internal/supervisor"
)

func newServeCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Join the replica mesh and accept commands on stdin",
		Long: `Starts discovery, both peer transports, and persistence, then reads
line-oriented commands from stdin as a stand-in for the UI/MCP surface
this repo doesn't implement.

Commands (space-separated, one per line)
  add-list <title>                 add a new list
  remove-list <list>                remove a list by index
  rename-list <list> <title>        rename a list
  add <list> <text...>               add a todo to a list
  rename <list> <item> <text...>     rename a todo
  toggle <list> <item>               toggle a todo's completed state
  remove <list> <item>               remove a todo
  clear-completed <list>             drop all completed todos on a list
  quit                                flush and shut down

Flags, environment variables, and config-file keys
  Flag          Env var              Config key
  ────────────────────────────────────────────────
  --data-dir    TODOMCP_DATA_DIR     data-dir
  --overlay     TODOMCP_OVERLAY      overlay
  --log-level   TODOMCP_LOG_LEVEL    log-level
  --log-format  TODOMCP_LOG_FORMAT   log-format
  --config      (flag only)

Config file (--config names one directly; otherwise first found wins)
  /etc/todomcp/todomcp.toml
  $HOME/.config/todomcp/todomcp.toml

Precedence: defaults → config file → TODOMCP_* env vars → CLI flags`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return config.Bind(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runServe(v) },
	}

	f := cmd.Flags()
	f.String("data-dir", config.DefaultDataDir(), "directory for the snapshot, identity key, known peers, and named sockets")
	f.String("overlay", ":4433", "UDP listen address for the authenticated overlay")
	addLoggingFlags(cmd)
	config.AddFlag(cmd)

	return cmd
}

func runServe(v *viper.Viper) error {
	interactive := v.GetBool("no-background")
	resolveLogging(interactive, v.GetString("log-format"), v.GetString("log-level"))

	sup := supervisor.New(supervisor.Config{
		DataDir:     v.GetString("data-dir"),
		OverlayAddr: v.GetString("overlay"),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go logEvents(sup)
	go readStdinCommands(ctx, sup, cancel)

	return sup.Run(ctx)
}

func logEvents(sup *supervisor.Supervisor) {
	for ev := range sup.Events {
		switch e := ev.(type) {
		case model.StateUpdate:
			slog.Debug("state updated", "lists", len(e.State.Lists))
		case model.ConnectionStatus:
			slog.Info("connection status", "message", e.Message)
		}
	}
}

func readStdinCommands(ctx context.Context, sup *supervisor.Supervisor, cancel context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, quit, err := parseStdinCommand(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "todomcp: %v\n", err)
			continue
		}
		select {
		case sup.Commands <- cmd:
		case <-ctx.Done():
			return
		}
		if quit {
			return
		}
	}
	// EOF on stdin ends the interactive session without tearing down the
	// mesh — a detached "serve" invocation is expected to keep running.
}

// parseStdinCommand turns one line of the serve stand-in syntax into a
// model.Command. "quit" returns a Shutdown command with no ack — the
// caller that issued it isn't waiting synchronously, unlike the ingest
// adapter's one-shot flush.
func parseStdinCommand(line string) (cmd model.Command, quit bool, err error) {
	fields := strings.Fields(line)
	verb := fields[0]
	rest := fields[1:]

	switch verb {
	case "quit":
		return model.Shutdown(nil), true, nil
	case "add-list":
		return model.AddList(strings.Join(rest, " "), nil), false, nil
	case "remove-list":
		idx, err := intArg(rest, 0, "remove-list")
		if err != nil {
			return model.Command{}, false, err
		}
		return model.RemoveList(idx), false, nil
	case "rename-list":
		idx, err := intArg(rest, 0, "rename-list")
		if err != nil {
			return model.Command{}, false, err
		}
		return model.RenameList(idx, strings.Join(rest[1:], " ")), false, nil
	case "add":
		idx, err := intArg(rest, 0, "add")
		if err != nil {
			return model.Command{}, false, err
		}
		return model.AddTodo(idx, strings.Join(rest[1:], " "), nil), false, nil
	case "rename":
		listIdx, itemIdx, err := twoIntArgs(rest, "rename")
		if err != nil {
			return model.Command{}, false, err
		}
		return model.RenameTodo(listIdx, itemIdx, strings.Join(rest[2:], " ")), false, nil
	case "toggle":
		listIdx, itemIdx, err := twoIntArgs(rest, "toggle")
		if err != nil {
			return model.Command{}, false, err
		}
		return model.ToggleTodo(listIdx, itemIdx), false, nil
	case "remove":
		listIdx, itemIdx, err := twoIntArgs(rest, "remove")
		if err != nil {
			return model.Command{}, false, err
		}
		return model.RemoveTodo(listIdx, itemIdx), false, nil
	case "clear-completed":
		idx, err := intArg(rest, 0, "clear-completed")
		if err != nil {
			return model.Command{}, false, err
		}
		return model.ClearCompleted(idx), false, nil
	default:
		return model.Command{}, false, fmt.Errorf("unrecognised command %q", verb)
	}
}

func intArg(fields []string, pos int, verb string) (int, error) {
	if pos >= len(fields) {
		return 0, fmt.Errorf("%s: missing argument", verb)
	}
	n, err := strconv.Atoi(fields[pos])
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a number", verb, fields[pos])
	}
	return n, nil
}

func twoIntArgs(fields []string, verb string) (int, int, error) {
	a, err := intArg(fields, 0, verb)
	if err != nil {
		return 0, 0, err
	}
	b, err := intArg(fields, 1, verb)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}
