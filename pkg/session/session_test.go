package session

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/snowcode/pkg/presence"
	"github.com/astromechza/snowcode/pkg/registry"
	"github.com/astromechza/snowcode/pkg/relay"
)

func newRelay(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(relay.New(relay.Options{}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func open(t *testing.T, server, room, name string) *Session {
	t.Helper()
	s, err := Open(context.Background(), Options{
		Server:    server,
		Room:      room,
		Identity:  presence.Identity{Name: name},
		Heartbeat: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitSynced(ctx))
	return s
}

func relayTabs(t *testing.T, srv *httptest.Server, room string) []registry.Tab {
	t.Helper()
	resp, err := http.Get(srv.URL + "/rooms/" + room + "/latest")
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	doc, err := automerge.Load(raw)
	require.NoError(t, err)
	tabs, err := registry.Snapshot(doc)
	require.NoError(t, err)
	return tabs
}

func tabs(s *Session) []registry.Tab {
	out, _ := s.Registry().Tabs()
	return out
}

func TestFirstJoinSeedsSingleTab(t *testing.T) {
	srv := newRelay(t)
	s := open(t, srv.URL, "1111111111", "ada")

	assert.Eventually(t, func() bool {
		got := tabs(s)
		return len(got) == 1 && got[0].Name == "Tab 1" && got[0].Content == ""
	}, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(relayTabs(t, srv, "1111111111")) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, Connected, s.State())
}

func TestSecondJoinSeesFirstEdits(t *testing.T) {
	srv := newRelay(t)
	a := open(t, srv.URL, "2222222222", "ada")
	require.Eventually(t, func() bool { return len(tabs(a)) == 1 }, 5*time.Second, 10*time.Millisecond)
	tabID := tabs(a)[0].ID
	_, err := a.Registry().InsertText(tabID, 0, "hello")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got := relayTabs(t, srv, "2222222222")
		return len(got) == 1 && got[0].Content == "hello"
	}, 5*time.Second, 10*time.Millisecond)

	b := open(t, srv.URL, "2222222222", "bob")
	assert.Eventually(t, func() bool {
		got := tabs(b)
		return len(got) == 1 && got[0].ID == tabID && got[0].Content == "hello"
	}, 5*time.Second, 10*time.Millisecond)

	// and back again
	_, err = b.Registry().InsertText(tabID, 5, " world")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		got := tabs(a)
		return len(got) == 1 && got[0].Content == "hello world"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPresenceAcrossSessions(t *testing.T) {
	srv := newRelay(t)
	a := open(t, srv.URL, "3333333333", "ada")
	b := open(t, srv.URL, "3333333333", "bob")

	require.Eventually(t, func() bool {
		remote := b.Presence().Remote()
		return len(remote) == 1 && remote[0].Name == "ada" && presence.IsDark(remote[0].Color)
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		remote := a.Presence().Remote()
		return len(remote) == 1 && remote[0].Name == "bob"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Close())
	assert.Eventually(t, func() bool {
		return len(b.Presence().Remote()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := newRelay(t)
	s := open(t, srv.URL, "4444444444", "ada")
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, Closed, s.State())
	assert.ErrorIs(t, s.Presence().SetCursor(nil), ErrClosed)
}

func TestOfflineStartFallsBackToTimeout(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s, err := Open(context.Background(), Options{
		Server:      url,
		Room:        "5555555555",
		SyncTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitSynced(ctx))
	assert.Eventually(t, func() bool { return len(tabs(s)) == 1 }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return s.State() == Disconnected }, time.Second, 10*time.Millisecond)

	// OnSynced after the fact fires immediately
	fired := false
	s.OnSynced(func() { fired = true })
	assert.True(t, fired)
}

func TestOfflineEditsReconcileOnReconnect(t *testing.T) {
	const room = "6666666666"
	rl := relay.New(relay.Options{})

	// the relay already holds a room with someone else's work
	online := httptest.NewServer(rl.Handler())
	t.Cleanup(online.Close)
	a := open(t, online.URL, room, "ada")
	require.Eventually(t, func() bool { return len(tabs(a)) == 1 }, 5*time.Second, 10*time.Millisecond)
	_, err := a.Registry().InsertText(tabs(a)[0].ID, 0, "online work")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got := relayTabs(t, online, room)
		return len(got) == 1 && got[0].Content == "online work"
	}, 5*time.Second, 10*time.Millisecond)

	// reserve an address nobody listens on yet
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	b, err := Open(context.Background(), Options{
		Server:      "http://" + addr,
		Room:        room,
		Identity:    presence.Identity{Name: "bob"},
		SyncTimeout: 20 * time.Millisecond,
		Backoff:     backoff.NewConstantBackOff(20 * time.Millisecond),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.WaitSynced(ctx))
	require.Eventually(t, func() bool { return len(tabs(b)) == 1 }, 5*time.Second, 10*time.Millisecond)
	_, err = b.Registry().InsertText(tabs(b)[0].ID, 0, "offline work")
	require.NoError(t, err)
	assert.NotEqual(t, Connected, b.State())

	// now the same relay becomes reachable at bob's address
	l, err = net.Listen("tcp", addr)
	require.NoError(t, err)
	late := httptest.NewUnstartedServer(rl.Handler())
	require.NoError(t, late.Listener.Close())
	late.Listener = l
	late.Start()
	t.Cleanup(late.Close)

	contents := func(s *Session) []string {
		var out []string
		for _, tab := range tabs(s) {
			out = append(out, tab.Content)
		}
		sort.Strings(out)
		return out
	}
	for _, s := range []*Session{a, b} {
		assert.Eventually(t, func() bool {
			return assert.ObjectsAreEqual([]string{"offline work", "online work"}, contents(s))
		}, 10*time.Second, 20*time.Millisecond)
	}
	assert.Equal(t, Connected, b.State())
	assert.Equal(t, tabs(a), tabs(b))
	assert.Len(t, relayTabs(t, late, room), 2)
}

func TestOpenValidation(t *testing.T) {
	_, err := Open(context.Background(), Options{Server: "http://localhost"})
	assert.Error(t, err)
	_, err = Open(context.Background(), Options{Server: "ftp://localhost", Room: "1"})
	assert.Error(t, err)
}

func TestRoomCodes(t *testing.T) {
	for i := 0; i < 100; i++ {
		code := NewRoomCode()
		assert.Len(t, code, 10)
		assert.True(t, ValidRoomCode(code), code)
	}
	for _, code := range []string{"", "123", "12345678901", "12345abcde", " 1234567890"} {
		assert.False(t, ValidRoomCode(code), code)
	}
}
