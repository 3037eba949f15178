// Package editor binds one editing surface to one tab's replicated text.
//
// A Binding turns local edits into registry edits, renders remote edits back
// onto the surface and keeps a local undo scope that only ever reverts edits
// made through this binding.
package editor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/astromechza/snowcode/pkg/presence"
	"github.com/astromechza/snowcode/pkg/registry"
	"github.com/astromechza/snowcode/pkg/wire"
)

// DefaultCaptureTimeout merges bursts of typing into a single undo step.
const DefaultCaptureTimeout = 500 * time.Millisecond

// ErrUnbound is returned by edits on a closed binding or editor.
var ErrUnbound = errors.New("binding is closed")

// Surface is the visible editing area. Calls arrive with the binding's lock
// held, so implementations must not call back into the binding.
type Surface interface {
	SetText(text string)
	// SetCursors receives the remote participants with a cursor in this tab.
	SetCursors(cursors []presence.Entry)
}

type Options struct {
	// CaptureTimeout of zero makes every edit its own undo step.
	CaptureTimeout time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

type Binding struct {
	mu      sync.Mutex
	reg     *registry.Registry
	tracker *presence.Tracker
	surface Surface
	tabID   string
	known   string
	scope   *scope
	closed  bool

	unsubTabs     func()
	unsubPresence func()
	log           *slog.Logger
}

// Bind attaches surface to the tab with the given id. tracker may be nil.
func Bind(reg *registry.Registry, tracker *presence.Tracker, surface Surface, tabID string, opts Options) (*Binding, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	text, err := reg.Text(tabID)
	if err != nil {
		return nil, fmt.Errorf("failed to bind tab: %w", err)
	}
	b := &Binding{
		reg:     reg,
		tracker: tracker,
		surface: surface,
		tabID:   tabID,
		known:   text,
		scope:   newScope(opts.CaptureTimeout, opts.Now),
		log:     opts.Logger.With("tab", tabID),
	}
	b.mu.Lock()
	surface.SetText(text)
	b.unsubTabs = reg.Subscribe(func([]registry.Tab) { b.refresh() })
	if tracker != nil {
		b.unsubPresence = tracker.Observe(func(presence.Event) {
			b.mu.Lock()
			defer b.mu.Unlock()
			if !b.closed {
				b.renderCursorsLocked()
			}
		})
		b.renderCursorsLocked()
	}
	b.mu.Unlock()
	return b, nil
}

// TabID returns the id of the bound tab.
func (b *Binding) TabID() string {
	return b.tabID
}

// Text returns the text as last rendered on the surface.
func (b *Binding) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.known
}

// Insert types s at pos, where pos is a position in the text the surface
// currently shows.
func (b *Binding) Insert(pos int, s string) error {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrUnbound
	}
	edit, err := b.reg.Splice(b.tabID, func(current string) (int, int, string) {
		for _, c := range b.reconcileLocked(current, nil) {
			pos = shiftPoint(pos, c)
		}
		return pos, 0, s
	})
	if err != nil {
		return fmt.Errorf("failed to insert: %w", err)
	}
	b.scope.transform(insertion(edit.Pos, n), nil)
	b.scope.pushLocal(&op{spans: []span{{edit.Pos, edit.Pos + n}}})
	b.renderLocked(edit.After)
	return nil
}

// Delete removes n code points starting at pos.
func (b *Binding) Delete(pos, n int) error {
	if n <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrUnbound
	}
	end := pos + n
	edit, err := b.reg.Splice(b.tabID, func(current string) (int, int, string) {
		for _, c := range b.reconcileLocked(current, nil) {
			pos, end = shiftPoint(pos, c), shiftPoint(end, c)
		}
		return pos, end - pos, ""
	})
	if err != nil {
		return fmt.Errorf("failed to delete: %w", err)
	}
	if edit.Removed == "" {
		return nil
	}
	removed := utf8.RuneCountInString(edit.Removed)
	claims := b.scope.claimsFor(edit.Pos, edit.Pos+removed, nil, nil)
	b.scope.transform(deletion(edit.Pos, edit.Pos+removed), nil)
	b.scope.pushLocal(&op{pos: edit.Pos, text: edit.Removed, claims: claims})
	b.renderLocked(edit.After)
	return nil
}

// SetSelection publishes the local cursor for this tab.
func (b *Binding) SetSelection(anchor, head int) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrUnbound
	}
	if b.tracker == nil {
		return nil
	}
	return b.tracker.SetCursor(&wire.Cursor{TabID: b.tabID, Anchor: anchor, Head: head})
}

// Undo reverts the most recent local undo step. It reports false when there
// is nothing to undo.
func (b *Binding) Undo() (bool, error) {
	return b.replay(true)
}

// Redo reapplies the most recently undone step.
func (b *Binding) Redo() (bool, error) {
	return b.replay(false)
}

// CanUndo and CanRedo report whether a step is available.
func (b *Binding) CanUndo() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return hasLive(b.scope.undo)
}

func (b *Binding) CanRedo() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return hasLive(b.scope.redo)
}

func hasLive(stack []*entry) bool {
	for _, e := range stack {
		if !e.empty() {
			return true
		}
	}
	return false
}

func (b *Binding) replay(undo bool) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, ErrUnbound
	}
	from, to := &b.scope.undo, &b.scope.redo
	if !undo {
		from, to = to, from
	}
	e := pop(from)
	if e == nil {
		return false, nil
	}
	b.scope.stopCapturing()

	inverse := &entry{}
	for i := len(e.ops) - 1; i >= 0; i-- {
		pending := append(append([]*op{}, e.ops[:i+1]...), inverse.ops...)
		if err := b.applyLocked(e.ops[i], pending, inverse); err != nil {
			return true, err
		}
	}
	if !inverse.empty() {
		*to = append(*to, inverse)
	}
	return true, nil
}

// applyLocked performs one stored op against the registry and appends its
// inverse to inverse. pending are ops not in the stacks that must follow
// every change made along the way.
func (b *Binding) applyLocked(o *op, pending []*op, inverse *entry) error {
	if !o.deletes() {
		var n int
		edit, err := b.reg.Splice(b.tabID, func(current string) (int, int, string) {
			b.reconcileLocked(current, pending)
			n = utf8.RuneCountInString(o.text)
			return o.pos, 0, o.text
		})
		if err != nil {
			return fmt.Errorf("failed to reinsert: %w", err)
		}
		if n == 0 {
			return nil
		}
		b.scope.transform(insertion(edit.Pos, n), pending)
		for _, c := range o.claims {
			c.target.addSpan(span{edit.Pos + c.start, edit.Pos + c.end})
		}
		inverse.ops = append(inverse.ops, &op{spans: []span{{edit.Pos, edit.Pos + n}}})
		b.renderLocked(edit.After)
		return nil
	}

	for len(o.spans) > 0 {
		var target span
		edit, err := b.reg.Splice(b.tabID, func(current string) (int, int, string) {
			b.reconcileLocked(current, pending)
			if len(o.spans) == 0 {
				return 0, 0, ""
			}
			target = o.spans[len(o.spans)-1]
			return target.start, target.end - target.start, ""
		})
		if err != nil {
			return fmt.Errorf("failed to remove: %w", err)
		}
		if len(o.spans) == 0 {
			return nil
		}
		o.spans = o.spans[:len(o.spans)-1]
		if edit.Removed == "" {
			continue
		}
		removed := utf8.RuneCountInString(edit.Removed)
		claims := b.scope.claimsFor(edit.Pos, edit.Pos+removed, pending, o)
		b.scope.transform(deletion(edit.Pos, edit.Pos+removed), pending)
		inv := &op{pos: edit.Pos, text: edit.Removed, claims: claims}
		inverse.ops = append(inverse.ops, inv)
		pending = append(pending, inv)
		b.renderLocked(edit.After)
	}
	return nil
}

// reconcileLocked folds any text the binding has not seen yet into the undo
// scope and returns the changes it found. Everything the binding did itself
// is already in known, so the difference is remote.
func (b *Binding) reconcileLocked(current string, pending []*op) []change {
	if current == b.known {
		return nil
	}
	changes := diffChanges(b.known, current)
	for _, c := range changes {
		b.scope.transform(c, pending)
	}
	b.known = current
	return changes
}

func (b *Binding) renderLocked(text string) {
	b.known = text
	b.surface.SetText(text)
}

// refresh runs on registry notifications.
func (b *Binding) refresh() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	current, err := b.reg.Text(b.tabID)
	if err != nil {
		if !errors.Is(err, registry.ErrTabNotFound) {
			b.log.Error("failed to read bound text", "err", err)
		}
		return
	}
	if current == b.known {
		return
	}
	b.reconcileLocked(current, nil)
	b.surface.SetText(current)
	if b.tracker != nil {
		b.renderCursorsLocked()
	}
}

func (b *Binding) renderCursorsLocked() {
	var out []presence.Entry
	for _, e := range b.tracker.Remote() {
		if e.Cursor != nil && e.Cursor.TabID == b.tabID {
			out = append(out, e)
		}
	}
	b.surface.SetCursors(out)
}

// Close detaches the surface and drops the undo scope. It is safe to call more
// than once.
func (b *Binding) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.scope = newScope(0, time.Now)
	unsubTabs, unsubPresence := b.unsubTabs, b.unsubPresence
	b.mu.Unlock()

	unsubTabs()
	if unsubPresence != nil {
		unsubPresence()
	}
	if b.tracker != nil {
		if err := b.tracker.SetCursor(nil); err != nil {
			b.log.Warn("failed to clear cursor", "err", err)
		}
	}
}

// shiftPoint moves a caret position past c. Text inserted exactly at the
// caret lands before it.
func shiftPoint(p int, c change) int {
	if c.insert {
		if c.pos <= p {
			return p + c.n
		}
		return p
	}
	return mapPoint(p, c.pos, c.end)
}
