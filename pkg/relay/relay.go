// Package relay is the transport hub every client of a room connects to.
//
// The relay holds one authoritative automerge document per room in memory and
// runs automerge's sync protocol with each connected peer, so a change from
// one peer reaches every other peer through the relay's copy. Presence frames
// are forwarded untouched apart from the sender's connection id and never
// touch the document.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/astromechza/snowcode/pkg/registry"
	"github.com/astromechza/snowcode/pkg/wire"
)

const (
	DefaultPingInterval  = 10 * time.Second
	DefaultPongTimeout   = 25 * time.Second
	DefaultRoomIdleTTL   = 10 * time.Minute
	DefaultPresenceRate  = 20
	DefaultPresenceBurst = 40

	writeWait      = 5 * time.Second
	controlBacklog = 64
)

type Options struct {
	// PingInterval is how often peers are pinged. A peer that has not answered
	// within PongTimeout is dropped and its leave is broadcast.
	PingInterval time.Duration
	PongTimeout  time.Duration
	// RoomIdleTTL is how long a room without peers is kept. Negative keeps
	// rooms forever.
	RoomIdleTTL time.Duration
	// PresenceRate and PresenceBurst bound presence frames per peer.
	PresenceRate  rate.Limit
	PresenceBurst int
	Logger        *slog.Logger
	// Now drives room idle tracking.
	Now func() time.Time
}

type Relay struct {
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	name string

	mu        sync.Mutex
	doc       *automerge.Doc
	peers     map[string]*peer
	presence  map[string]wire.Message
	idleSince time.Time
}

type peer struct {
	id        string
	conn      *wire.Conn
	syncState *automerge.SyncState
	poke      chan struct{}
	control   chan wire.Message
	limiter   *rate.Limiter
}

func New(opts Options) *Relay {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = DefaultPongTimeout
	}
	if opts.RoomIdleTTL == 0 {
		opts.RoomIdleTTL = DefaultRoomIdleTTL
	}
	if opts.PresenceRate <= 0 {
		opts.PresenceRate = DefaultPresenceRate
	}
	if opts.PresenceBurst <= 0 {
		opts.PresenceBurst = DefaultPresenceBurst
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Relay{
		opts: opts,
		log:  opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms: make(map[string]*room),
	}
}

// Rooms returns the names of the rooms currently held.
func (r *Relay) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.rooms))
	for name := range r.rooms {
		out = append(out, name)
	}
	return out
}

// Run evicts idle rooms until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	if r.opts.RoomIdleTTL < 0 {
		<-ctx.Done()
		return
	}
	interval := r.opts.RoomIdleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.evictIdle()
		case <-ctx.Done():
			return
		}
	}
}

func (r *Relay) evictIdle() int {
	if r.opts.RoomIdleTTL < 0 {
		return 0
	}
	now := r.opts.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for name, rm := range r.rooms {
		rm.mu.Lock()
		idle := len(rm.peers) == 0 && now.Sub(rm.idleSince) >= r.opts.RoomIdleTTL
		rm.mu.Unlock()
		if idle {
			delete(r.rooms, name)
			evicted++
			r.log.Info("evicted idle room", "room", name)
		}
	}
	return evicted
}

func (r *Relay) lookup(name string) (*room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[name]
	return rm, ok
}

// join finds or creates the room and registers p in it. Both happen under the
// relay lock so the janitor cannot evict the room in between.
func (r *Relay) join(name string, p *peer) (*room, []wire.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[name]
	if !ok {
		doc, err := registry.NewGenesis()
		if err != nil {
			return nil, nil, err
		}
		rm = &room{
			name:      name,
			doc:       doc,
			peers:     make(map[string]*peer),
			presence:  make(map[string]wire.Message),
			idleSince: r.opts.Now(),
		}
		r.rooms[name] = rm
		r.log.Info("created room", "room", name)
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	p.syncState = automerge.NewSyncState(rm.doc)
	rm.peers[p.id] = p
	existing := make([]wire.Message, 0, len(rm.presence))
	for _, m := range rm.presence {
		existing = append(existing, m)
	}
	return rm, existing, nil
}

func (r *Relay) leave(rm *room, p *peer) {
	rm.mu.Lock()
	delete(rm.peers, p.id)
	_, announced := rm.presence[p.id]
	delete(rm.presence, p.id)
	if len(rm.peers) == 0 {
		rm.idleSince = r.opts.Now()
	}
	rm.mu.Unlock()
	if announced {
		r.broadcast(rm, p.id, wire.Message{Type: wire.TypeLeave, ConnectionID: p.id})
	}
	r.log.Info("peer left", "room", rm.name, "peer", p.id)
}

// broadcast queues m for every peer in the room except the one with id skip.
// A peer whose backlog is full misses the frame; presence is refreshed by
// heartbeats anyway.
func (r *Relay) broadcast(rm *room, skip string, m wire.Message) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for id, p := range rm.peers {
		if id == skip {
			continue
		}
		select {
		case p.control <- m:
		default:
			r.log.Warn("dropped control frame", "room", rm.name, "peer", id, "type", m.Type)
		}
	}
}

func (rm *room) pokeAll() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for _, p := range rm.peers {
		select {
		case p.poke <- struct{}{}:
		default:
		}
	}
}

func (r *Relay) serve(ctx context.Context, name string, conn *wire.Conn) error {
	p := &peer{
		id:      uuid.NewString(),
		conn:    conn,
		poke:    make(chan struct{}, 1),
		control: make(chan wire.Message, controlBacklog),
		limiter: rate.NewLimiter(r.opts.PresenceRate, r.opts.PresenceBurst),
	}
	rm, existing, err := r.join(name, p)
	if err != nil {
		return fmt.Errorf("failed to join room: %w", err)
	}
	defer r.leave(rm, p)
	log := r.log.With("room", name, "peer", p.id)
	log.Info("peer joined")

	p.control <- wire.Message{Type: wire.TypeWelcome, ConnectionID: p.id}
	for _, m := range existing {
		select {
		case p.control <- m:
		default:
		}
	}
	p.poke <- struct{}{}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		if err := r.writeLoop(ctx, rm, p); err != nil {
			log.Warn("write loop stopped", "err", err)
		}
	}()

	err = r.readLoop(ctx, rm, p)
	cancel()
	_ = conn.Close()
	wg.Wait()
	return err
}

func (r *Relay) readLoop(ctx context.Context, rm *room, p *peer) error {
	extend := func() error {
		return p.conn.SetReadDeadline(time.Now().Add(r.opts.PongTimeout))
	}
	if err := extend(); err != nil {
		return err
	}
	p.conn.SetPongHandler(func(string) error { return extend() })

	for {
		frame, err := p.conn.ReadFrame()
		if err != nil {
			return err
		}
		if err := extend(); err != nil {
			return err
		}
		if frame.Control != nil {
			if frame.Control.Type != wire.TypePresence {
				continue
			}
			if err := p.limiter.Wait(ctx); err != nil {
				return err
			}
			m := *frame.Control
			m.ConnectionID = p.id
			rm.mu.Lock()
			rm.presence[p.id] = m
			rm.mu.Unlock()
			r.broadcast(rm, p.id, m)
			continue
		}

		rm.mu.Lock()
		_, err = wire.Receive(p.syncState, frame.Sync)
		rm.mu.Unlock()
		if err != nil {
			return err
		}
		rm.pokeAll()
	}
}

func (r *Relay) writeLoop(ctx context.Context, rm *room, p *peer) error {
	t := time.NewTicker(r.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-p.poke:
			rm.mu.Lock()
			msgs := wire.Drain(p.syncState)
			rm.mu.Unlock()
			if err := p.conn.WriteSync(msgs); err != nil {
				return err
			}
		case m := <-p.control:
			if err := p.conn.WriteJSONMessage(m); err != nil {
				return err
			}
		case <-t.C:
			if err := p.conn.WritePing(writeWait); err != nil {
				return fmt.Errorf("failed to ping: %w", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// save returns the encoded document of a room.
func (rm *room) save() []byte {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.doc.Save()
}

// fork returns a private copy of the room document for slow readers.
func (rm *room) fork() (*automerge.Doc, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.doc.Fork()
}
