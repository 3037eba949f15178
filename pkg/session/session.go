// Package session connects one room's registry and presence to a relay.
//
// A session keeps working while the relay is unreachable: edits land in the
// local registry and are exchanged through automerge's sync protocol once a
// connection is re-established.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/astromechza/snowcode/pkg/presence"
	"github.com/astromechza/snowcode/pkg/registry"
	"github.com/astromechza/snowcode/pkg/wire"
)

const (
	DefaultSyncTimeout = 10 * time.Second
	flushInterval      = time.Second
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session is closed")

// State is the connectivity indicator.
type State int

const (
	Connecting State = iota
	Connected
	Disconnected
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

type Options struct {
	// Server is the relay base url, for example http://127.0.0.1:8080.
	Server   string
	Room     string
	Identity presence.Identity

	// SyncTimeout fires OnSynced anyway when the relay cannot be reached, so
	// the room can be used offline. Zero means DefaultSyncTimeout, negative
	// waits forever.
	SyncTimeout     time.Duration
	Heartbeat       time.Duration
	PresenceTimeout time.Duration

	Dialer *websocket.Dialer
	// Backoff overrides the reconnect schedule.
	Backoff backoff.BackOff
	Logger  *slog.Logger
}

// Session is one client's membership of one room.
type Session struct {
	opts    Options
	syncURL string
	reg     *registry.Registry
	tracker *presence.Tracker
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	poke   chan struct{}

	mu              sync.Mutex
	conn            *wire.Conn
	state           State
	closed          bool
	synced          bool
	syncedCh        chan struct{}
	onSynced        []func()
	pendingPresence *wire.Message
}

// Open starts connecting to the room and returns straight away. Connection
// problems are logged and retried; they never fail Open.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.Room == "" {
		return nil, fmt.Errorf("room is required")
	}
	u, err := url.Parse(opts.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	if opts.SyncTimeout == 0 {
		opts.SyncTimeout = DefaultSyncTimeout
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = presence.DefaultHeartbeat
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Backoff == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 250 * time.Millisecond
		b.MaxInterval = 10 * time.Second
		b.MaxElapsedTime = 0
		opts.Backoff = b
	}
	logger := opts.Logger.With("room", opts.Room)

	// a nil doc starts from the genesis the relay uses, so offline edits merge
	s := &Session{
		opts:     opts,
		syncURL:  u.JoinPath("rooms", opts.Room, "sync").String(),
		reg:      registry.New(nil, logger),
		log:      logger,
		poke:     make(chan struct{}, 1),
		syncedCh: make(chan struct{}),
	}
	s.tracker = presence.NewTracker(presence.Options{Timeout: opts.PresenceTimeout, Logger: logger})
	s.tracker.SetPublisher(s.publish)
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.reg.Subscribe(func([]registry.Tab) { s.kick() })
	s.OnSynced(func() {
		if _, err := s.reg.EnsureSeeded(); err != nil {
			s.log.Error("failed to seed registry", "err", err)
		}
	})
	if err := s.tracker.Announce(opts.Identity); err != nil {
		s.log.Warn("failed to announce", "err", err)
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.connectAndSyncContinuously()
	}()
	go func() {
		defer s.wg.Done()
		s.heartbeat()
	}()
	go func() {
		defer s.wg.Done()
		s.syncDeadline()
	}()
	return s, nil
}

func (s *Session) Room() string                { return s.opts.Room }
func (s *Session) Registry() *registry.Registry { return s.reg }
func (s *Session) Presence() *presence.Tracker  { return s.tracker }

// State returns the current connectivity.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnSynced registers fn to run once the initial catch-up is done. If that
// already happened fn runs immediately.
func (s *Session) OnSynced(fn func()) {
	s.mu.Lock()
	if !s.synced {
		s.onSynced = append(s.onSynced, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn()
}

// WaitSynced blocks until the initial catch-up is done, ctx is cancelled or
// the session is closed.
func (s *Session) WaitSynced(ctx context.Context) error {
	select {
	case <-s.syncedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrClosed
	}
}

// Close disconnects and stops every background goroutine. It is safe to call
// more than once. Edits made concurrently with Close may never reach the relay.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = Closed
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	s.wg.Wait()
	s.reg.Close()
	return nil
}

func (s *Session) markSynced() {
	s.mu.Lock()
	if s.synced || s.closed {
		s.mu.Unlock()
		return
	}
	s.synced = true
	close(s.syncedCh)
	fns := s.onSynced
	s.onSynced = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *Session) syncDeadline() {
	if s.opts.SyncTimeout < 0 {
		return
	}
	t := time.NewTimer(s.opts.SyncTimeout)
	defer t.Stop()
	select {
	case <-t.C:
		s.log.Warn("initial sync timed out, continuing offline", "timeout", s.opts.SyncTimeout)
		s.markSynced()
	case <-s.syncedCh:
	case <-s.ctx.Done():
	}
}

func (s *Session) heartbeat() {
	t := time.NewTicker(s.opts.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := s.tracker.Republish(); err != nil && !errors.Is(err, ErrClosed) {
				s.log.Warn("failed to republish presence", "err", err)
			}
			s.tracker.Expire()
		case <-s.ctx.Done():
			return
		}
	}
}

// publish queues the latest local presence for the writer. Only the newest
// state matters, so older queued states are replaced.
func (s *Session) publish(m wire.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.pendingPresence = &m
	s.mu.Unlock()
	s.kick()
	return nil
}

func (s *Session) kick() {
	select {
	case s.poke <- struct{}{}:
	default:
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if !s.closed {
		s.state = st
	}
	s.mu.Unlock()
}

func (s *Session) connectAndSyncContinuously() {
	for {
		connected, err := s.connectAndSync()
		if s.ctx.Err() != nil {
			return
		}
		if connected {
			s.opts.Backoff.Reset()
		}
		s.setState(Disconnected)
		wait := s.opts.Backoff.NextBackOff()
		if wait == backoff.Stop {
			wait = time.Second
		}
		s.log.Error("failed to sync", "err", err, "retry", wait)
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-s.ctx.Done():
			t.Stop()
			return
		}
	}
}

func (s *Session) connectAndSync() (bool, error) {
	s.setState(Connecting)
	raw, _, err := s.opts.Dialer.DialContext(s.ctx, s.syncURL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to dial: %w", err)
	}
	conn := wire.NewConn(raw)

	var syncState *automerge.SyncState
	_ = s.reg.View(func(doc *automerge.Doc) error {
		syncState = automerge.NewSyncState(doc)
		return nil
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return false, ErrClosed
	}
	s.conn = conn
	s.state = Connected
	s.mu.Unlock()
	s.log.Info("connected", "url", s.syncURL)

	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		_ = conn.Close()
		s.tracker.Disconnected()
	}()

	ctx, cancel := context.WithCancel(s.ctx)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer conn.Close()
		s.writeLoop(ctx, conn, syncState)
	}()

	// re-announce on every connection, the relay forgot us when we left
	if err := s.tracker.Republish(); err != nil {
		s.log.Warn("failed to announce", "err", err)
	}
	err = s.readLoop(conn, syncState)
	cancel()
	_ = conn.Close()
	<-writerDone
	return true, err
}

func (s *Session) readLoop(conn *wire.Conn, syncState *automerge.SyncState) error {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return err
		}
		if frame.Control != nil {
			s.tracker.Apply(*frame.Control)
			continue
		}
		var caughtUp bool
		if err := s.reg.Transact(func(doc *automerge.Doc) error {
			heads, err := wire.Receive(syncState, frame.Sync)
			if err != nil {
				return err
			}
			caughtUp = wire.SameHeads(heads, doc.Heads())
			return nil
		}); err != nil {
			return err
		}
		if caughtUp {
			s.markSynced()
		}
		s.kick()
	}
}

func (s *Session) writeLoop(ctx context.Context, conn *wire.Conn, syncState *automerge.SyncState) {
	t := time.NewTicker(flushInterval)
	defer t.Stop()
	for {
		if err := s.flush(conn, syncState); err != nil {
			if !errors.Is(err, ErrClosed) {
				s.log.Error("failed to write", "err", err)
			}
			return
		}
		select {
		case <-s.poke:
		case <-t.C:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) flush(conn *wire.Conn, syncState *automerge.SyncState) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	pending := s.pendingPresence
	s.pendingPresence = nil
	s.mu.Unlock()

	var msgs [][]byte
	_ = s.reg.View(func(*automerge.Doc) error {
		msgs = wire.Drain(syncState)
		return nil
	})
	if err := conn.WriteSync(msgs); err != nil {
		return err
	}
	if pending != nil {
		if err := conn.WriteJSONMessage(*pending); err != nil {
			return err
		}
	}
	return nil
}
