// Package presence tracks who is connected to a room and where their cursor is.
//
// Presence is ephemeral: it is never written into the room document, it is
// lost on disconnect and rebuilt by re-announcing after a reconnect.
package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/astromechza/snowcode/pkg/wire"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultHeartbeat = 15 * time.Second
)

// Identity is what a participant announces about themselves.
type Identity struct {
	Name  string
	Color string
}

// Entry is one remote participant.
type Entry struct {
	ConnectionID string
	Name         string
	Color        string
	Cursor       *wire.Cursor
	LastSeen     time.Time
}

type EventKind int

const (
	Join EventKind = iota
	Update
	Leave
)

func (k EventKind) String() string {
	switch k {
	case Join:
		return "join"
	case Update:
		return "update"
	case Leave:
		return "leave"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind  EventKind
	Entry Entry
}

type Options struct {
	// Timeout drops remote entries that have not been refreshed for this long.
	Timeout time.Duration
	Logger  *slog.Logger
	Now     func() time.Time
}

// Tracker holds the local identity and the remote entries for one room.
type Tracker struct {
	mu        sync.Mutex
	local     wire.Message
	selfID    string
	announced bool
	publish   func(wire.Message) error
	remote    map[string]*Entry

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int

	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger
}

func NewTracker(opts Options) *Tracker {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Tracker{
		local:   wire.Message{Type: wire.TypePresence},
		remote:  make(map[string]*Entry),
		subs:    make(map[int]func(Event)),
		timeout: opts.Timeout,
		now:     opts.Now,
		log:     opts.Logger,
	}
}

// SetPublisher sets where local presence is sent. A nil publisher keeps the
// state local until one is set.
func (t *Tracker) SetPublisher(fn func(wire.Message) error) {
	t.mu.Lock()
	t.publish = fn
	t.mu.Unlock()
}

// Announce publishes the local identity. An empty colour is derived from the
// name.
func (t *Tracker) Announce(id Identity) error {
	if id.Color == "" {
		id.Color = DarkColor(id.Name)
	}
	t.mu.Lock()
	t.local.Name = id.Name
	t.local.Color = id.Color
	t.announced = true
	t.mu.Unlock()
	return t.Republish()
}

// SetCursor publishes the local cursor, or clears it when c is nil.
func (t *Tracker) SetCursor(c *wire.Cursor) error {
	t.mu.Lock()
	if c != nil {
		cp := *c
		c = &cp
	}
	t.local.Cursor = c
	t.mu.Unlock()
	return t.Republish()
}

// Republish sends the current local state again. It is the heartbeat and the
// re-announce after a reconnect. Nothing is sent before Announce.
func (t *Tracker) Republish() error {
	t.mu.Lock()
	msg, ok, publish := t.local, t.announced, t.publish
	t.mu.Unlock()
	if !ok || publish == nil {
		return nil
	}
	return publish(msg)
}

// Local returns the local identity and cursor.
func (t *Tracker) Local() wire.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.local
	m.ConnectionID = t.selfID
	return m
}

// Apply folds one control message from the relay into the remote state.
func (t *Tracker) Apply(m wire.Message) {
	var events []Event
	t.mu.Lock()
	switch m.Type {
	case wire.TypeWelcome:
		t.selfID = m.ConnectionID
	case wire.TypePresence:
		if m.ConnectionID == "" || m.ConnectionID == t.selfID {
			break
		}
		e, ok := t.remote[m.ConnectionID]
		kind := Update
		if !ok {
			e = &Entry{ConnectionID: m.ConnectionID}
			t.remote[m.ConnectionID] = e
			kind = Join
		}
		e.Name, e.Color, e.Cursor = m.Name, m.Color, m.Cursor
		e.LastSeen = t.now()
		events = append(events, Event{Kind: kind, Entry: *e})
	case wire.TypeLeave:
		if e, ok := t.remote[m.ConnectionID]; ok {
			delete(t.remote, m.ConnectionID)
			events = append(events, Event{Kind: Leave, Entry: *e})
		}
	default:
		t.log.Warn("ignoring unknown control message", "type", m.Type)
	}
	t.mu.Unlock()
	t.emit(events)
}

// Expire drops remote entries that missed their heartbeat window.
func (t *Tracker) Expire() {
	var events []Event
	t.mu.Lock()
	cutoff := t.now().Add(-t.timeout)
	for id, e := range t.remote {
		if e.LastSeen.Before(cutoff) {
			delete(t.remote, id)
			events = append(events, Event{Kind: Leave, Entry: *e})
		}
	}
	t.mu.Unlock()
	t.emit(events)
}

// Disconnected drops every remote entry. The relay replays current presence
// on the next connection.
func (t *Tracker) Disconnected() {
	var events []Event
	t.mu.Lock()
	for id, e := range t.remote {
		delete(t.remote, id)
		events = append(events, Event{Kind: Leave, Entry: *e})
	}
	t.selfID = ""
	t.mu.Unlock()
	t.emit(events)
}

// Remote returns the remote entries ordered by connection id.
func (t *Tracker) Remote() []Entry {
	t.mu.Lock()
	out := make([]Entry, 0, len(t.remote))
	for _, e := range t.remote {
		out = append(out, *e)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

// Observe registers fn for remote join, update and leave events.
func (t *Tracker) Observe(fn func(Event)) func() {
	t.subMu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.subMu.Unlock()
	return func() {
		t.subMu.Lock()
		delete(t.subs, id)
		t.subMu.Unlock()
	}
}

func (t *Tracker) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Entry.ConnectionID < events[j].Entry.ConnectionID
	})
	t.subMu.Lock()
	subs := make([]func(Event), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.subMu.Unlock()
	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}
