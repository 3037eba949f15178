package registry

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// Edit reports the text of a tab immediately before and after a local edit,
// observed under the same lock as the edit itself. Positions are unicode code
// points, matching automerge's text indexing.
type Edit struct {
	Before string
	After  string
	// Pos is the clamped position the edit was applied at.
	Pos int
	// Removed holds the text a delete took out.
	Removed string
}

// Text returns the content of the tab with the given id.
func (r *Registry) Text(tabID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	text, err := r.textFor(tabID)
	if err != nil {
		return "", err
	}
	return text.Get()
}

// InsertText inserts s at pos in the tab's content.
func (r *Registry) InsertText(tabID string, pos int, s string) (Edit, error) {
	return r.Splice(tabID, func(string) (int, int, string) { return pos, 0, s })
}

// DeleteText removes n code points starting at pos from the tab's content.
func (r *Registry) DeleteText(tabID string, pos, n int) (Edit, error) {
	return r.Splice(tabID, func(string) (int, int, string) { return pos, n, "" })
}

// Splice reads the tab's current text and hands it to plan, which returns
// where to delete and what to insert. Reading and editing happen under one
// lock, so plan sees exactly the text the edit is applied to. plan must not
// call back into the registry.
func (r *Registry) Splice(tabID string, plan func(current string) (pos, del int, ins string)) (Edit, error) {
	r.mu.Lock()
	edit, changed, err := r.spliceLocked(tabID, plan)
	r.mu.Unlock()
	if changed {
		r.notify()
	}
	return edit, err
}

func (r *Registry) spliceLocked(tabID string, plan func(string) (int, int, string)) (Edit, bool, error) {
	var edit Edit
	text, err := r.textFor(tabID)
	if err != nil {
		return edit, false, err
	}
	if edit.Before, err = text.Get(); err != nil {
		return edit, false, fmt.Errorf("failed to read text: %w", err)
	}
	pos, del, ins := plan(edit.Before)
	runes := []rune(edit.Before)
	pos = clamp(pos, 0, len(runes))
	del = clamp(del, 0, len(runes)-pos)
	edit.Pos = pos
	edit.Removed = string(runes[pos : pos+del])

	if del == 0 && ins == "" {
		edit.After = edit.Before
		return edit, false, nil
	}
	if del > 0 {
		if err := text.Delete(pos, del); err != nil {
			return edit, false, fmt.Errorf("failed to delete text: %w", err)
		}
	}
	if ins != "" {
		if err := text.Insert(pos, ins); err != nil {
			return edit, true, fmt.Errorf("failed to insert text: %w", err)
		}
	}
	if _, err := r.doc.Commit("edit text"); err != nil {
		return edit, true, fmt.Errorf("failed to commit: %w", err)
	}
	if edit.After, err = text.Get(); err != nil {
		return edit, true, fmt.Errorf("failed to read text: %w", err)
	}
	return edit, true, nil
}

func (r *Registry) textFor(tabID string) (*automerge.Text, error) {
	list, ok := existingList(r.doc)
	if !ok {
		return nil, fmt.Errorf("tab %s: %w", tabID, ErrTabNotFound)
	}
	for i := 0; i < list.Len(); i++ {
		v, err := list.Get(i)
		if err != nil {
			return nil, fmt.Errorf("failed to read tab %d: %w", i, err)
		}
		if v.Kind() != automerge.KindMap {
			continue
		}
		m := v.Map()
		id, err := m.Get(idKey)
		if err != nil || id.Kind() != automerge.KindStr || id.Str() != tabID {
			continue
		}
		content, err := m.Get(contentKey)
		if err != nil {
			return nil, fmt.Errorf("failed to read content of tab %s: %w", tabID, err)
		}
		if content.Kind() != automerge.KindText {
			return nil, fmt.Errorf("content of tab %s is a %v", tabID, content.Kind())
		}
		return content.Text(), nil
	}
	return nil, fmt.Errorf("tab %s: %w", tabID, ErrTabNotFound)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
