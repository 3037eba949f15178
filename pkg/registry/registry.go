// Package registry holds a room's ordered set of tabs inside a single automerge document.
//
// The document layout is:
//
//	{ "tabs": [ { "id": "<uuid>", "name": "Tab 1", "content": <text> }, ... ] }
//
// All mutations are committed as automerge changes, so replicas that exchange
// changes converge on the same tab order and the same text, no matter the
// order the changes arrive in.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

const (
	// MaxTabs is the capacity of a registry.
	MaxTabs = 10

	tabsKey    = "tabs"
	idKey      = "id"
	nameKey    = "name"
	contentKey = "content"

	// genesisActor is the hex encoding of "snowcode". With a fixed commit
	// time it makes the genesis change hash identical in every process.
	genesisActor = "736e6f77636f6465"
)

var genesisTime = time.UnixMilli(0)

// ErrTabNotFound is returned for an index or id with no tab behind it.
var ErrTabNotFound = errors.New("tab not found")

// ErrNoTabsList is returned when the document was not built from NewGenesis.
var ErrNoTabsList = errors.New("document has no tabs list")

// Tab is one converged tab as seen by a replica.
type Tab struct {
	ID      string
	Name    string
	Content string
}

// Registry is safe for concurrent use. Subscribers are called from a single
// dispatcher goroutine and must treat the slice they receive as read only.
type Registry struct {
	mu     sync.Mutex
	doc    *automerge.Doc
	seeded bool

	subMu   sync.Mutex
	subs    map[int]func([]Tab)
	nextSub int

	changed   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	last      []Tab

	log *slog.Logger
}

// New wraps doc, or a fresh genesis document when doc is nil, and starts the
// notification dispatcher. Call Close to stop it.
func New(doc *automerge.Doc, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if doc == nil {
		var err error
		if doc, err = NewGenesis(); err != nil {
			logger.Error("failed to build genesis, every mutation will fail", "err", err)
			doc = automerge.New()
		}
	}
	r := &Registry{
		doc:     doc,
		subs:    make(map[int]func([]Tab)),
		changed: make(chan struct{}, 1),
		done:    make(chan struct{}),
		log:     logger,
	}
	r.wg.Add(1)
	go r.dispatch()
	return r
}

// NewGenesis returns a document holding only the empty tabs list. The change
// is written by a fixed actor at a fixed time, so every process builds the
// same change and all replicas append into the same list object, even ones
// that started offline. The returned document writes as a fresh actor.
func NewGenesis() (*automerge.Doc, error) {
	doc := automerge.New()
	if err := doc.SetActorID(genesisActor); err != nil {
		return nil, fmt.Errorf("failed to set genesis actor: %w", err)
	}
	if err := doc.Path(tabsKey).Set(automerge.NewList()); err != nil {
		return nil, fmt.Errorf("failed to create tabs list: %w", err)
	}
	if _, err := doc.Commit("genesis", automerge.CommitOptions{Time: &genesisTime}); err != nil {
		return nil, fmt.Errorf("failed to commit genesis: %w", err)
	}
	if err := doc.SetActorID(automerge.NewActorID()); err != nil {
		return nil, fmt.Errorf("failed to set actor: %w", err)
	}
	return doc, nil
}

// Close stops change notifications. It is safe to call more than once.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}

// Tabs returns the current converged tab list.
func (r *Registry) Tabs() ([]Tab, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return readTabs(r.doc)
}

// Len returns the number of tabs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, ok := existingList(r.doc)
	if !ok {
		return 0
	}
	return list.Len()
}

// EnsureSeeded appends "Tab 1" if the registry is empty. It must only be
// called once the initial sync has been observed, otherwise two joining
// clients would each add a seed tab.
func (r *Registry) EnsureSeeded() (bool, error) {
	r.mu.Lock()
	r.seeded = true
	added, err := r.seedLocked()
	r.mu.Unlock()
	if added {
		r.notify()
	}
	return added, err
}

func (r *Registry) seedLocked() (bool, error) {
	list, err := r.tabList()
	if err != nil {
		return false, err
	}
	if list.Len() > 0 {
		return false, nil
	}
	if err := list.Append(newTab("Tab 1")); err != nil {
		return false, fmt.Errorf("failed to seed tab: %w", err)
	}
	if _, err := r.doc.Commit("seed tab"); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

// AddTab appends "Tab {n+1}" and returns its index. Once MaxTabs is reached it
// does nothing and returns false.
func (r *Registry) AddTab() (int, bool, error) {
	r.mu.Lock()
	list, err := r.tabList()
	if err != nil {
		r.mu.Unlock()
		return -1, false, err
	}
	n := list.Len()
	if n >= MaxTabs {
		r.mu.Unlock()
		return -1, false, nil
	}
	if err := list.Append(newTab(fmt.Sprintf("Tab %d", n+1))); err != nil {
		r.mu.Unlock()
		return -1, false, fmt.Errorf("failed to append tab: %w", err)
	}
	if _, err := r.doc.Commit("add tab"); err != nil {
		r.mu.Unlock()
		return -1, false, fmt.Errorf("failed to commit: %w", err)
	}
	r.mu.Unlock()
	r.notify()
	return n, true, nil
}

// RemoveTab deletes the tab at index. The last remaining tab is never
// removed and out of range indexes are ignored.
func (r *Registry) RemoveTab(index int) (bool, error) {
	r.mu.Lock()
	list, ok := existingList(r.doc)
	if !ok || list.Len() <= 1 || index < 0 || index >= list.Len() {
		r.mu.Unlock()
		return false, nil
	}
	if err := list.Delete(index); err != nil {
		r.mu.Unlock()
		return false, fmt.Errorf("failed to delete tab %d: %w", index, err)
	}
	if _, err := r.doc.Commit("remove tab"); err != nil {
		r.mu.Unlock()
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	r.mu.Unlock()
	r.notify()
	return true, nil
}

// RenameTab sets the name of the tab at index. Concurrent renames resolve
// last-writer-wins.
func (r *Registry) RenameTab(index int, name string) error {
	r.mu.Lock()
	tab, err := r.tabAt(index)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if err := tab.Set(nameKey, name); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("failed to rename tab: %w", err)
	}
	if _, err := r.doc.Commit("rename tab"); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("failed to commit: %w", err)
	}
	r.mu.Unlock()
	r.notify()
	return nil
}

// Transact runs fn against the underlying document while holding the
// registry lock, then schedules a change notification. The session uses it to
// feed received sync messages into the document.
//
// A merge can leave the registry outside [1, MaxTabs]. Afterwards the
// trailing surplus is removed, which every replica computes identically, and
// an emptied registry is reseeded once it has been seeded before.
func (r *Registry) Transact(fn func(doc *automerge.Doc) error) error {
	r.mu.Lock()
	err := fn(r.doc)
	if removed, terr := r.trimLocked(); terr != nil {
		r.log.Error("failed to trim registry", "err", terr)
	} else if removed > 0 {
		r.log.Info("trimmed registry to capacity", "removed", removed)
	}
	if r.seeded {
		// concurrent removals can empty the list after a merge
		if added, serr := r.seedLocked(); serr != nil {
			r.log.Error("failed to reseed empty registry", "err", serr)
		} else if added {
			r.log.Info("reseeded empty registry")
		}
	}
	r.mu.Unlock()
	r.notify()
	return err
}

func (r *Registry) trimLocked() (int, error) {
	list, ok := existingList(r.doc)
	if !ok || list.Len() <= MaxTabs {
		return 0, nil
	}
	removed := 0
	for list.Len() > MaxTabs {
		if err := list.Delete(list.Len() - 1); err != nil {
			return removed, fmt.Errorf("failed to delete surplus tab: %w", err)
		}
		removed++
	}
	if _, err := r.doc.Commit("trim tabs"); err != nil {
		return removed, fmt.Errorf("failed to commit: %w", err)
	}
	return removed, nil
}

// View runs fn against the underlying document under the registry lock
// without scheduling a notification. fn must not modify the document.
func (r *Registry) View(fn func(doc *automerge.Doc) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r.doc)
}

// Snapshot reads the tab list straight out of doc.
func Snapshot(doc *automerge.Doc) ([]Tab, error) {
	return readTabs(doc)
}

// Save returns the full encoded document.
func (r *Registry) Save() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Save()
}

// Subscribe registers fn for change notifications and returns a function that
// removes it.
func (r *Registry) Subscribe(fn func([]Tab)) func() {
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.subMu.Unlock()
	return func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
	}
}

func (r *Registry) notify() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

func (r *Registry) dispatch() {
	defer r.wg.Done()
	for {
		select {
		case <-r.changed:
			r.deliver()
		case <-r.done:
			return
		}
	}
}

func (r *Registry) deliver() {
	tabs, err := r.Tabs()
	if err != nil {
		r.log.Error("failed to read tabs", "err", err)
		return
	}
	if equalTabs(tabs, r.last) {
		return
	}
	r.last = tabs

	r.subMu.Lock()
	subs := make([]func([]Tab), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.subMu.Unlock()
	for _, fn := range subs {
		fn(tabs)
	}
}

func (r *Registry) tabList() (*automerge.List, error) {
	list, ok := existingList(r.doc)
	if !ok {
		return nil, ErrNoTabsList
	}
	return list, nil
}

func (r *Registry) tabAt(index int) (*automerge.Map, error) {
	list, ok := existingList(r.doc)
	if !ok || index < 0 || index >= list.Len() {
		return nil, fmt.Errorf("tab %d: %w", index, ErrTabNotFound)
	}
	v, err := list.Get(index)
	if err != nil {
		return nil, fmt.Errorf("failed to read tab %d: %w", index, err)
	}
	if v.Kind() != automerge.KindMap {
		return nil, fmt.Errorf("tab %d is a %v: %w", index, v.Kind(), ErrTabNotFound)
	}
	return v.Map(), nil
}

func newTab(name string) map[string]any {
	return map[string]any{
		idKey:      uuid.NewString(),
		nameKey:    name,
		contentKey: automerge.NewText(""),
	}
}

func existingList(doc *automerge.Doc) (*automerge.List, bool) {
	v, err := doc.Path(tabsKey).Get()
	if err != nil || v.Kind() != automerge.KindList {
		return nil, false
	}
	return v.List(), true
}

func readTabs(doc *automerge.Doc) ([]Tab, error) {
	list, ok := existingList(doc)
	if !ok {
		return []Tab{}, nil
	}
	out := make([]Tab, 0, list.Len())
	for i := 0; i < list.Len(); i++ {
		v, err := list.Get(i)
		if err != nil {
			return nil, fmt.Errorf("failed to read tab %d: %w", i, err)
		}
		if v.Kind() != automerge.KindMap {
			out = append(out, Tab{})
			continue
		}
		tab, err := readTab(v.Map())
		if err != nil {
			return nil, fmt.Errorf("failed to read tab %d: %w", i, err)
		}
		out = append(out, tab)
	}
	return out, nil
}

func readTab(m *automerge.Map) (Tab, error) {
	var tab Tab
	if v, err := m.Get(idKey); err != nil {
		return tab, err
	} else if v.Kind() == automerge.KindStr {
		tab.ID = v.Str()
	}
	if v, err := m.Get(nameKey); err != nil {
		return tab, err
	} else if v.Kind() == automerge.KindStr {
		tab.Name = v.Str()
	}
	if v, err := m.Get(contentKey); err != nil {
		return tab, err
	} else if v.Kind() == automerge.KindText {
		content, err := v.Text().Get()
		if err != nil {
			return tab, err
		}
		tab.Content = content
	}
	return tab, nil
}

func equalTabs(a, b []Tab) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
