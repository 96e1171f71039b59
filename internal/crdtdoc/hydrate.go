package crdtdoc

import (
	"fmt"

	"github.com/automerge/automerge-go"

	"go.klb.dev/todomcp/internal/model"
)

const listsKey = "lists"

// Hydrate materialises the document's current content as a plain
// model.TodoState.
func (d *Document) Hydrate() (model.TodoState, error) {
	listsPath := d.doc.Path(listsKey)
	n, err := listsPath.Count()
	if err != nil {
		// A brand new document has no "lists" key yet — that is an empty
		// state, not an error.
		return model.TodoState{}, nil
	}

	state := model.TodoState{Lists: make([]model.TodoList, 0, n)}
	for i := 0; i < n; i++ {
		listPath := listsPath.Path(i)

		title, err := getString(listPath, "title")
		if err != nil {
			return model.TodoState{}, fmt.Errorf("crdtdoc: hydrate list %d: %w", i, err)
		}
		meta, err := getStringMap(listPath, "metadata")
		if err != nil {
			return model.TodoState{}, fmt.Errorf("crdtdoc: hydrate list %d metadata: %w", i, err)
		}

		itemsPath := listPath.Path("items")
		itemCount, _ := itemsPath.Count()
		items := make([]model.TodoItem, 0, itemCount)
		for j := 0; j < itemCount; j++ {
			itemPath := itemsPath.Path(j)
			text, err := getString(itemPath, "text")
			if err != nil {
				return model.TodoState{}, fmt.Errorf("crdtdoc: hydrate item %d/%d: %w", i, j, err)
			}
			completed, _ := getBool(itemPath, "completed")
			itemMeta, err := getStringMap(itemPath, "metadata")
			if err != nil {
				return model.TodoState{}, fmt.Errorf("crdtdoc: hydrate item %d/%d metadata: %w", i, j, err)
			}
			items = append(items, model.TodoItem{Text: text, Completed: completed, Metadata: itemMeta})
		}

		state.Lists = append(state.Lists, model.TodoList{Title: title, Items: items, Metadata: meta})
	}
	return state, nil
}

// Reconcile rewrites the document's "lists" sequence to match state.
//
// This is a full clear-and-rebuild rather than an element-wise diff (the
// Rust original uses autosurgeon's Reconcile derive, which walks the prior
// tree and emits the minimal set of automerge ops; automerge-go has no
// equivalent). The CRDT merge contract is unaffected — automerge tolerates
// whole-subtree replacement the same way it tolerates targeted edits — the
// only cost is less granular history inside one local transaction.
func (d *Document) Reconcile(state model.TodoState) error {
	listsPath := d.doc.Path(listsKey)
	if err := listsPath.Set(automerge.NewList()); err != nil {
		return fmt.Errorf("crdtdoc: reconcile: reset lists: %w", err)
	}

	for i, l := range state.Lists {
		if err := listsPath.Insert(i, automerge.NewMap()); err != nil {
			return fmt.Errorf("crdtdoc: reconcile: insert list %d: %w", i, err)
		}
		listPath := listsPath.Path(i)
		if err := listPath.Set("title", l.Title); err != nil {
			return fmt.Errorf("crdtdoc: reconcile: list %d title: %w", i, err)
		}
		if err := setStringMap(listPath, "metadata", l.Metadata); err != nil {
			return fmt.Errorf("crdtdoc: reconcile: list %d metadata: %w", i, err)
		}
		if err := listPath.Set("items", automerge.NewList()); err != nil {
			return fmt.Errorf("crdtdoc: reconcile: list %d items: %w", i, err)
		}
		itemsPath := listPath.Path("items")
		for j, it := range l.Items {
			if err := itemsPath.Insert(j, automerge.NewMap()); err != nil {
				return fmt.Errorf("crdtdoc: reconcile: insert item %d/%d: %w", i, j, err)
			}
			itemPath := itemsPath.Path(j)
			if err := itemPath.Set("text", it.Text); err != nil {
				return fmt.Errorf("crdtdoc: reconcile: item %d/%d text: %w", i, j, err)
			}
			if err := itemPath.Set("completed", it.Completed); err != nil {
				return fmt.Errorf("crdtdoc: reconcile: item %d/%d completed: %w", i, j, err)
			}
			if err := setStringMap(itemPath, "metadata", it.Metadata); err != nil {
				return fmt.Errorf("crdtdoc: reconcile: item %d/%d metadata: %w", i, j, err)
			}
		}
	}
	return nil
}

func getString(p *automerge.Path, key string) (string, error) {
	v, err := p.Path(key).Get()
	if err != nil {
		return "", nil //nolint:nilerr // missing key == zero value, per additive-field schema evolution
	}
	s, err := v.Str()
	if err != nil {
		return "", fmt.Errorf("%s: not a string: %w", key, err)
	}
	return s, nil
}

func getBool(p *automerge.Path, key string) (bool, error) {
	v, err := p.Path(key).Get()
	if err != nil {
		return false, nil //nolint:nilerr
	}
	b, err := v.Bool()
	if err != nil {
		return false, fmt.Errorf("%s: not a bool: %w", key, err)
	}
	return b, nil
}

func getStringMap(p *automerge.Path, key string) (map[string]string, error) {
	mp := p.Path(key)
	n, err := mp.Count()
	if err != nil {
		return nil, nil //nolint:nilerr // no metadata map present yet
	}
	if n == 0 {
		return nil, nil
	}
	keys, err := mp.Keys()
	if err != nil {
		return nil, fmt.Errorf("%s: keys: %w", key, err)
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v, err := mp.Path(k).Get()
		if err != nil {
			continue
		}
		s, err := v.Str()
		if err != nil {
			continue
		}
		out[k] = s
	}
	return out, nil
}

func setStringMap(p *automerge.Path, key string, m map[string]string) error {
	mapPath := p.Path(key)
	if err := mapPath.Set(automerge.NewMap()); err != nil {
		return err
	}
	for k, v := range m {
		if err := mapPath.Path(k).Set(v); err != nil {
			return err
		}
	}
	return nil
}
