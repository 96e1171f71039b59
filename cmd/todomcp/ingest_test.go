package main

import (
	"testing"

	"go.klb.dev/todomcp/internal/model"
)

func TestListNameFromCwd(t *testing.T) {
	cases := []struct {
		cwd  string
		want string
	}{
		{"", "Claude Tasks"},
		{"/home/user/projects/todomcp", "Claude: todomcp"},
		{"/home/user/projects/todomcp/", "Claude: todomcp"},
	}
	for _, c := range cases {
		if got := listNameFromCwd(c.cwd); got != c.want {
			t.Errorf("listNameFromCwd(%q) = %q, want %q", c.cwd, got, c.want)
		}
	}
}

func TestEnsureListReusesExistingSessionList(t *testing.T) {
	state := &model.TodoState{Lists: []model.TodoList{
		{Title: "Claude Tasks", Metadata: map[string]string{model.MetaSessionID: "sess-1"}},
	}}

	idx := ensureList(state, "sess-1", "Claude: other")
	if idx != 0 {
		t.Fatalf("ensureList should reuse the list already tagged with this session, got index %d", idx)
	}
	if len(state.Lists) != 1 {
		t.Fatalf("ensureList should not have created a new list, have %d", len(state.Lists))
	}
}

func TestEnsureListReusesListByTitleWhenNoSessionMatch(t *testing.T) {
	state := &model.TodoState{Lists: []model.TodoList{
		{Title: "Claude: todomcp", Metadata: map[string]string{model.MetaSessionID: "other-session"}},
	}}

	idx := ensureList(state, "sess-2", "Claude: todomcp")
	if idx != 0 {
		t.Fatalf("ensureList should match by title when no session tag matches, got index %d", idx)
	}
}

func TestEnsureListCreatesNewListWhenNoMatch(t *testing.T) {
	state := &model.TodoState{}
	idx := ensureList(state, "sess-3", "Claude: fresh")
	if idx != 0 || len(state.Lists) != 1 {
		t.Fatalf("ensureList should append exactly one new list, got index %d, %d lists", idx, len(state.Lists))
	}
	if state.Lists[0].Title != "Claude: fresh" {
		t.Fatalf("new list title = %q, want %q", state.Lists[0].Title, "Claude: fresh")
	}
	if state.Lists[0].Metadata[model.MetaSessionID] != "sess-3" {
		t.Fatal("new list should be tagged with the session id")
	}
}

func TestGuessTaskIDCountsOnlyMatchingSession(t *testing.T) {
	list := model.TodoList{Items: []model.TodoItem{
		{Metadata: map[string]string{model.MetaSessionID: "sess-a"}},
		{Metadata: map[string]string{model.MetaSessionID: "sess-b"}},
		{Metadata: map[string]string{model.MetaSessionID: "sess-a"}},
	}}
	if got := guessTaskID(list, "sess-a"); got != "3" {
		t.Fatalf("guessTaskID = %q, want %q", got, "3")
	}
	if got := guessTaskID(list, "sess-c"); got != "1" {
		t.Fatalf("guessTaskID for an unseen session = %q, want %q", got, "1")
	}
}

func TestFindItemByTaskID(t *testing.T) {
	list := model.TodoList{Items: []model.TodoItem{
		{Text: "a", Metadata: map[string]string{model.MetaSessionID: "s1", model.MetaTaskID: "1"}},
		{Text: "b", Metadata: map[string]string{model.MetaSessionID: "s1", model.MetaTaskID: "2"}},
		{Text: "c", Metadata: map[string]string{model.MetaSessionID: "s2", model.MetaTaskID: "1"}},
	}}

	if idx := findItemByTaskID(list, "s1", "2"); idx != 1 {
		t.Fatalf("findItemByTaskID(s1, 2) = %d, want 1", idx)
	}
	if idx := findItemByTaskID(list, "s2", "1"); idx != 2 {
		t.Fatalf("findItemByTaskID(s2, 1) = %d, want 2", idx)
	}
	if idx := findItemByTaskID(list, "s1", "99"); idx != -1 {
		t.Fatalf("findItemByTaskID for a missing task = %d, want -1", idx)
	}
}

func TestTaskIDFromResponse(t *testing.T) {
	if got := taskIDFromResponse(nil); got != "" {
		t.Fatalf("taskIDFromResponse(nil) = %q, want empty", got)
	}
	if got := taskIDFromResponse([]byte(`{"taskId":"abc-123"}`)); got != "abc-123" {
		t.Fatalf("taskIDFromResponse = %q, want abc-123", got)
	}
	if got := taskIDFromResponse([]byte(`not json`)); got != "" {
		t.Fatalf("taskIDFromResponse(malformed) = %q, want empty", got)
	}
}

func TestApplyHookTaskCreateAppendsItem(t *testing.T) {
	state := &model.TodoState{}
	hook := claudeHook{
		SessionID: "sess-1",
		Cwd:       "/home/user/proj",
		ToolName:  "TaskCreate",
		ToolInput: []byte(`{"subject":"write tests"}`),
	}

	if !applyHook(state, hook) {
		t.Fatal("applyHook(TaskCreate) should report a mutation")
	}
	if len(state.Lists) != 1 || len(state.Lists[0].Items) != 1 {
		t.Fatalf("expected exactly one list with one item, got %+v", state.Lists)
	}
	item := state.Lists[0].Items[0]
	if item.Text != "write tests" {
		t.Fatalf("item text = %q, want %q", item.Text, "write tests")
	}
	if item.Metadata[model.MetaTaskID] != "1" {
		t.Fatalf("item task id = %q, want %q (guessed fallback)", item.Metadata[model.MetaTaskID], "1")
	}
}

func TestApplyHookTaskCreateUsesResponseTaskID(t *testing.T) {
	state := &model.TodoState{}
	hook := claudeHook{
		SessionID:    "sess-1",
		ToolName:     "TaskCreate",
		ToolInput:    []byte(`{"subject":"ship it"}`),
		ToolResponse: []byte(`{"taskId":"srv-42"}`),
	}

	if !applyHook(state, hook) {
		t.Fatal("applyHook(TaskCreate) should report a mutation")
	}
	if got := state.Lists[0].Items[0].Metadata[model.MetaTaskID]; got != "srv-42" {
		t.Fatalf("item task id = %q, want %q", got, "srv-42")
	}
}

func TestApplyHookTaskCreateRejectsEmptySubject(t *testing.T) {
	state := &model.TodoState{}
	hook := claudeHook{SessionID: "sess-1", ToolName: "TaskCreate", ToolInput: []byte(`{"subject":""}`)}
	if applyHook(state, hook) {
		t.Fatal("applyHook should reject a TaskCreate with an empty subject")
	}
}

func TestApplyHookTaskUpdateTogglesCompleted(t *testing.T) {
	state := &model.TodoState{Lists: []model.TodoList{{
		Title:    "Claude Tasks",
		Metadata: map[string]string{model.MetaSessionID: "sess-1"},
		Items: []model.TodoItem{
			{Text: "write tests", Metadata: map[string]string{model.MetaSessionID: "sess-1", model.MetaTaskID: "1"}},
		},
	}}}
	hook := claudeHook{
		SessionID: "sess-1",
		ToolName:  "TaskUpdate",
		ToolInput: []byte(`{"taskId":"1","status":"completed"}`),
	}

	if !applyHook(state, hook) {
		t.Fatal("applyHook(TaskUpdate) should report a mutation")
	}
	if !state.Lists[0].Items[0].Completed {
		t.Fatal("item should now be marked completed")
	}
}

func TestApplyHookTaskUpdateNoopWhenNothingChanges(t *testing.T) {
	state := &model.TodoState{Lists: []model.TodoList{{
		Title:    "Claude Tasks",
		Metadata: map[string]string{model.MetaSessionID: "sess-1"},
		Items: []model.TodoItem{
			{Text: "write tests", Completed: true, Metadata: map[string]string{model.MetaSessionID: "sess-1", model.MetaTaskID: "1"}},
		},
	}}}
	hook := claudeHook{
		SessionID: "sess-1",
		ToolName:  "TaskUpdate",
		ToolInput: []byte(`{"taskId":"1","status":"completed","subject":"write tests"}`),
	}

	if applyHook(state, hook) {
		t.Fatal("applyHook(TaskUpdate) should report no mutation when nothing actually changed")
	}
}

func TestApplyHookTaskUpdateMissingTaskIsNoop(t *testing.T) {
	state := &model.TodoState{Lists: []model.TodoList{{
		Metadata: map[string]string{model.MetaSessionID: "sess-1"},
	}}}
	hook := claudeHook{
		SessionID: "sess-1",
		ToolName:  "TaskUpdate",
		ToolInput: []byte(`{"taskId":"missing","status":"completed"}`),
	}
	if applyHook(state, hook) {
		t.Fatal("applyHook(TaskUpdate) for an unknown task id should report no mutation")
	}
}

func TestApplyHookUnknownToolNameIsNoop(t *testing.T) {
	state := &model.TodoState{}
	hook := claudeHook{SessionID: "sess-1", ToolName: "SomethingElse"}
	if applyHook(state, hook) {
		t.Fatal("applyHook should report no mutation for an unrecognised tool_name")
	}
}
