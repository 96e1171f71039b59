package localcmd

import (
	"testing"

	"go.klb.dev/todomcp/internal/model"
)

func TestApplyCommandAddListAndTodo(t *testing.T) {
	var state model.TodoState

	if !applyCommand(&state, model.AddList("groceries", nil)) {
		t.Fatal("AddList should apply")
	}
	if len(state.Lists) != 1 || state.Lists[0].Title != "groceries" {
		t.Fatalf("unexpected state after AddList: %+v", state)
	}

	if !applyCommand(&state, model.AddTodo(0, "milk", nil)) {
		t.Fatal("AddTodo should apply")
	}
	if len(state.Lists[0].Items) != 1 || state.Lists[0].Items[0].Text != "milk" {
		t.Fatalf("unexpected state after AddTodo: %+v", state)
	}
}

func TestApplyCommandToggleAndRemove(t *testing.T) {
	state := model.TodoState{Lists: []model.TodoList{
		{Title: "L", Items: []model.TodoItem{{Text: "a"}, {Text: "b"}}},
	}}

	if !applyCommand(&state, model.ToggleTodo(0, 0)) {
		t.Fatal("ToggleTodo should apply")
	}
	if !state.Lists[0].Items[0].Completed {
		t.Fatal("item 0 should be completed after toggle")
	}

	if !applyCommand(&state, model.RemoveTodo(0, 0)) {
		t.Fatal("RemoveTodo should apply")
	}
	if len(state.Lists[0].Items) != 1 || state.Lists[0].Items[0].Text != "b" {
		t.Fatalf("unexpected state after RemoveTodo: %+v", state)
	}
}

func TestApplyCommandOutOfRangeIsNoOp(t *testing.T) {
	state := model.TodoState{Lists: []model.TodoList{{Title: "L"}}}

	if applyCommand(&state, model.RenameList(5, "new title")) {
		t.Fatal("RenameList with out-of-range index should be a no-op")
	}
	if applyCommand(&state, model.ToggleTodo(0, 9)) {
		t.Fatal("ToggleTodo with out-of-range item index should be a no-op")
	}
	if state.Lists[0].Title != "L" {
		t.Fatalf("state should be unchanged, got %+v", state)
	}
}

func TestApplyCommandClearCompleted(t *testing.T) {
	state := model.TodoState{Lists: []model.TodoList{
		{Title: "L", Items: []model.TodoItem{
			{Text: "a", Completed: true},
			{Text: "b", Completed: false},
			{Text: "c", Completed: true},
		}},
	}}

	if !applyCommand(&state, model.ClearCompleted(0)) {
		t.Fatal("ClearCompleted should apply")
	}
	if len(state.Lists[0].Items) != 1 || state.Lists[0].Items[0].Text != "b" {
		t.Fatalf("unexpected state after ClearCompleted: %+v", state)
	}
}
