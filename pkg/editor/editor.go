package editor

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/astromechza/snowcode/pkg/presence"
	"github.com/astromechza/snowcode/pkg/registry"
)

// State is Unbound when TabID is empty, Bound(TabID) otherwise.
type State struct {
	TabID string
	Index int
}

func (s State) Bound() bool { return s.TabID != "" }

// Editor owns one surface and keeps at most one Binding alive for it.
// Switching tabs always detaches the old binding before the new one attaches.
type Editor struct {
	mu      sync.Mutex
	reg     *registry.Registry
	tracker *presence.Tracker
	surface Surface
	opts    Options
	binding *Binding
	index   int
	unsub   func()
	closed  bool
}

func New(reg *registry.Registry, tracker *presence.Tracker, surface Surface, opts Options) *Editor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := &Editor{reg: reg, tracker: tracker, surface: surface, opts: opts, index: -1}
	e.unsub = reg.Subscribe(e.onTabs)
	return e
}

// State returns the current binding state.
func (e *Editor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.binding == nil {
		return State{Index: -1}
	}
	return State{TabID: e.binding.TabID(), Index: e.index}
}

// Binding returns the active binding, or nil when unbound.
func (e *Editor) Binding() *Binding {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.binding
}

// SwitchIndex binds the tab at index.
func (e *Editor) SwitchIndex(index int) error {
	tabs, err := e.reg.Tabs()
	if err != nil {
		return err
	}
	if index < 0 || index >= len(tabs) {
		return fmt.Errorf("tab %d: %w", index, registry.ErrTabNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.switchLocked(tabs[index].ID, index)
}

// Switch binds the tab with the given id.
func (e *Editor) Switch(tabID string) error {
	tabs, err := e.reg.Tabs()
	if err != nil {
		return err
	}
	for i, t := range tabs {
		if t.ID == tabID {
			e.mu.Lock()
			defer e.mu.Unlock()
			return e.switchLocked(tabID, i)
		}
	}
	return fmt.Errorf("tab %s: %w", tabID, registry.ErrTabNotFound)
}

// Detach returns the editor to Unbound.
func (e *Editor) Detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detachLocked()
}

// Close detaches and stops following the registry.
func (e *Editor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.detachLocked()
	e.mu.Unlock()
	e.unsub()
}

func (e *Editor) switchLocked(tabID string, index int) error {
	if e.closed {
		return ErrUnbound
	}
	if e.binding != nil && e.binding.TabID() == tabID {
		e.index = index
		return nil
	}
	e.detachLocked()
	b, err := Bind(e.reg, e.tracker, e.surface, tabID, e.opts)
	if err != nil {
		return err
	}
	e.binding = b
	e.index = index
	return nil
}

func (e *Editor) detachLocked() {
	if e.binding != nil {
		e.binding.Close()
		e.binding = nil
	}
	e.index = -1
}

// onTabs follows the bound tab as its index moves and falls back to the
// previous tab when it is removed.
func (e *Editor) onTabs(tabs []registry.Tab) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.binding == nil {
		return
	}
	for i, t := range tabs {
		if t.ID == e.binding.TabID() {
			e.index = i
			return
		}
	}
	if len(tabs) == 0 {
		e.detachLocked()
		return
	}
	next := e.index - 1
	if next < 0 {
		next = 0
	}
	if next >= len(tabs) {
		next = len(tabs) - 1
	}
	if err := e.switchLocked(tabs[next].ID, next); err != nil {
		e.opts.Logger.Error("failed to rebind after tab removal", "err", err)
	}
}
