// Package model defines the replicated document shape and the command/event
// pair that external collaborators (UI, MCP tool-call server, ingest
// adapter) use to drive and observe it.
package model

// TodoItem is a single entry on a list.
type TodoItem struct {
	Text      string            `json:"text"`
	Completed bool              `json:"completed"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Recognised TodoItem.Metadata keys.
const (
	MetaSessionID = "session_id"
	MetaTaskID    = "task_id"
)

// TodoList is an ordered sequence of items under a title.
type TodoList struct {
	Title    string            `json:"title"`
	Items    []TodoItem        `json:"items"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TodoState is the full replicated document: every list, in order.
type TodoState struct {
	Lists []TodoList `json:"lists"`
}

// Clone returns a deep copy so callers can mutate without aliasing the
// version a concurrent reader might still be holding.
func (s TodoState) Clone() TodoState {
	out := TodoState{Lists: make([]TodoList, len(s.Lists))}
	for i, l := range s.Lists {
		items := make([]TodoItem, len(l.Items))
		for j, it := range l.Items {
			items[j] = TodoItem{
				Text:      it.Text,
				Completed: it.Completed,
				Metadata:  cloneMeta(it.Metadata),
			}
		}
		out.Lists[i] = TodoList{
			Title:    l.Title,
			Items:    items,
			Metadata: cloneMeta(l.Metadata),
		}
	}
	return out
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Command is the sealed set of mutations an external collaborator may
// request. Only the fields its constructor sets are meaningful; the
// package constructors below are the only supported way to build one.
type Command struct {
	kind commandKind

	ListIndex int
	ItemIndex int
	Title     string
	Text      string
	Metadata  map[string]string
	Ack       chan<- struct{}
}

type commandKind int

const (
	CmdAddList commandKind = iota
	CmdRemoveList
	CmdRenameList
	CmdAddTodo
	CmdRenameTodo
	CmdToggleTodo
	CmdRemoveTodo
	CmdClearCompleted
	CmdShutdown
)

// Kind reports which mutation a Command carries.
func (c Command) Kind() commandKind { return c.kind }

func AddList(title string, metadata map[string]string) Command {
	return Command{kind: CmdAddList, Title: title, Metadata: metadata}
}

func RemoveList(listIndex int) Command {
	return Command{kind: CmdRemoveList, ListIndex: listIndex}
}

func RenameList(listIndex int, title string) Command {
	return Command{kind: CmdRenameList, ListIndex: listIndex, Title: title}
}

func AddTodo(listIndex int, text string, metadata map[string]string) Command {
	return Command{kind: CmdAddTodo, ListIndex: listIndex, Text: text, Metadata: metadata}
}

func RenameTodo(listIndex, itemIndex int, text string) Command {
	return Command{kind: CmdRenameTodo, ListIndex: listIndex, ItemIndex: itemIndex, Text: text}
}

func ToggleTodo(listIndex, itemIndex int) Command {
	return Command{kind: CmdToggleTodo, ListIndex: listIndex, ItemIndex: itemIndex}
}

func RemoveTodo(listIndex, itemIndex int) Command {
	return Command{kind: CmdRemoveTodo, ListIndex: listIndex, ItemIndex: itemIndex}
}

func ClearCompleted(listIndex int) Command {
	return Command{kind: CmdClearCompleted, ListIndex: listIndex}
}

func Shutdown(ack chan<- struct{}) Command {
	return Command{kind: CmdShutdown, Ack: ack}
}

// Event is published to external collaborators on load, on every accepted
// local mutation, and on every accepted remote update.
type Event interface{ isEvent() }

// StateUpdate carries the full current document.
type StateUpdate struct{ State TodoState }

func (StateUpdate) isEvent() {}

// ConnectionStatus carries a human-readable description of an alive-count
// or transport-health change.
type ConnectionStatus struct{ Message string }

func (ConnectionStatus) isEvent() {}
