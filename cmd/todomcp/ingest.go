package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/todomcp/internal/config"
	"go.klb.dev/todomcp/internal/model"
	"go.klb.dev/todomcp/internal/persistence"
	"go.klb.dev/todomcp/internal/replica"
	"go.klb.dev/todomcp/internal/tlsconf"
)

func newIngestCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Apply one coding-assistant hook event from stdin",
		Long: `Reads one line of JSON from stdin shaped like a Claude Code hook
payload (session_id, hook_event_name, cwd, and a tool_name/tool_input
pair for TaskCreate or TaskUpdate), translates it into a single
AddTodo/RenameTodo/ToggleTodo mutation, saves, and exits.

This is a thin stand-in for a real hook adapter, not a general parser:
unrecognised tool_name values and malformed payloads are silently
ignored (no mutation, exit 0), matching the protocol-level no-op policy
the rest of this system uses for unknown input.

ingest mutates the on-disk snapshot directly rather than talking to a
running "todomcp serve" daemon over the wire — there is no command-
submission message in the peer protocol, only CRDT sync traffic. Run it
against a data directory with no "serve" process currently attached, or
restart "serve" afterward to pick up the change.

Flags, environment variables, and config-file keys
  --data-dir    TODOMCP_DATA_DIR    data-dir`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return config.Bind(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runIngest(v) },
	}

	f := cmd.Flags()
	f.String("data-dir", config.DefaultDataDir(), "directory holding the identity key and snapshot")
	config.AddFlag(cmd)

	return cmd
}

// claudeHook mirrors the shape _examples/original_source/src/backends/hook.rs
// parses, trimmed to the fields this thin adapter actually uses.
type claudeHook struct {
	SessionID     string          `json:"session_id"`
	HookEventName string          `json:"hook_event_name"`
	Cwd           string          `json:"cwd"`
	ToolName      string          `json:"tool_name"`
	ToolInput     json.RawMessage `json:"tool_input"`
	ToolResponse  json.RawMessage `json:"tool_response"`
}

type taskCreateInput struct {
	Subject string `json:"subject"`
}

type taskUpdateInput struct {
	TaskID  string `json:"taskId"`
	Status  string `json:"status"`
	Subject string `json:"subject"`
}

func runIngest(v *viper.Viper) error {
	dataDir := v.GetString("data-dir")

	line, err := readOneLine(os.Stdin)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}

	var hook claudeHook
	if err := json.Unmarshal(line, &hook); err != nil {
		return nil // malformed payload: silent no-op, per protocol-level no-op policy
	}

	identity, _, err := tlsconf.LoadOrCreate(filepath.Join(dataDir, "identity.key"))
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	snapshotPath := filepath.Join(dataDir, "state.automerge")
	events := make(chan model.Event, 1)
	go func() {
		for range events {
		}
	}()
	rep, err := replica.LoadOrNew(snapshotPath, identity.SiteID(), events)
	if err != nil {
		return fmt.Errorf("load replica: %w", err)
	}

	rep.Lock()
	state, err := rep.Hydrate()
	if err != nil {
		rep.Unlock()
		return fmt.Errorf("hydrate: %w", err)
	}
	if !applyHook(&state, hook) {
		rep.Unlock()
		return nil
	}
	if err := rep.Reconcile(state); err != nil {
		rep.Unlock()
		return fmt.Errorf("reconcile: %w", err)
	}
	rep.Unlock()

	persist := persistence.New(snapshotPath, rep)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go persist.Run(ctx)

	ack := make(chan struct{})
	persist.RequestSave(ack)
	<-ack
	return nil
}

// applyHook mutates state per hook, returning false if the payload named an
// unrecognised tool or couldn't be matched to a mutation.
func applyHook(state *model.TodoState, hook claudeHook) bool {
	listIdx := ensureList(state, hook.SessionID, listNameFromCwd(hook.Cwd))

	switch hook.ToolName {
	case "TaskCreate":
		var in taskCreateInput
		if json.Unmarshal(hook.ToolInput, &in) != nil || in.Subject == "" {
			return false
		}
		taskID := taskIDFromResponse(hook.ToolResponse)
		if taskID == "" {
			taskID = guessTaskID(state.Lists[listIdx], hook.SessionID)
		}
		state.Lists[listIdx].Items = append(state.Lists[listIdx].Items, model.TodoItem{
			Text: in.Subject,
			Metadata: map[string]string{
				model.MetaSessionID: hook.SessionID,
				model.MetaTaskID:    taskID,
			},
		})
		return true

	case "TaskUpdate":
		var in taskUpdateInput
		if json.Unmarshal(hook.ToolInput, &in) != nil || in.TaskID == "" {
			return false
		}
		itemIdx := findItemByTaskID(state.Lists[listIdx], hook.SessionID, in.TaskID)
		if itemIdx < 0 {
			return false
		}
		item := &state.Lists[listIdx].Items[itemIdx]
		changed := false
		if in.Subject != "" && in.Subject != item.Text {
			item.Text = in.Subject
			changed = true
		}
		wantCompleted := in.Status == "completed"
		if wantCompleted != item.Completed {
			item.Completed = wantCompleted
			changed = true
		}
		return changed

	default:
		return false
	}
}

// taskIDFromResponse extracts taskId from a TaskCreate's tool_response, the
// primary source; guessTaskID is only the fallback when it's absent.
func taskIDFromResponse(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var resp struct {
		TaskID string `json:"taskId"`
	}
	if json.Unmarshal(raw, &resp) != nil {
		return ""
	}
	return resp.TaskID
}

func listNameFromCwd(cwd string) string {
	if cwd == "" {
		return "Claude Tasks"
	}
	return "Claude: " + filepath.Base(cwd)
}

// ensureList finds a list tagged with sessionID, or one titled name,
// creating it if neither exists, and returns its index.
func ensureList(state *model.TodoState, sessionID, name string) int {
	for i, l := range state.Lists {
		if l.Metadata[model.MetaSessionID] == sessionID {
			return i
		}
	}
	for i, l := range state.Lists {
		if l.Title == name {
			return i
		}
	}
	state.Lists = append(state.Lists, model.TodoList{
		Title:    name,
		Metadata: map[string]string{model.MetaSessionID: sessionID},
	})
	return len(state.Lists) - 1
}

// guessTaskID assigns the next sequential 1-based id among items already
// tagged with sessionID, matching the original hook adapter's scheme.
func guessTaskID(list model.TodoList, sessionID string) string {
	count := 0
	for _, it := range list.Items {
		if it.Metadata[model.MetaSessionID] == sessionID {
			count++
		}
	}
	return fmt.Sprintf("%d", count+1)
}

func findItemByTaskID(list model.TodoList, sessionID, taskID string) int {
	for i, it := range list.Items {
		if it.Metadata[model.MetaSessionID] == sessionID && it.Metadata[model.MetaTaskID] == taskID {
			return i
		}
	}
	return -1
}

func readOneLine(f *os.File) ([]byte, error) {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("no input")
	}
	return scanner.Bytes(), nil
}
