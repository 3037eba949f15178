package registry

import (
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// link exchanges automerge sync messages between two registries until
// neither side has anything left to say.
type link struct {
	a, b     *Registry
	ssA, ssB *automerge.SyncState
}

func newLink(t *testing.T, a, b *Registry) *link {
	t.Helper()
	l := &link{a: a, b: b}
	require.NoError(t, a.Transact(func(doc *automerge.Doc) error {
		l.ssA = automerge.NewSyncState(doc)
		return nil
	}))
	require.NoError(t, b.Transact(func(doc *automerge.Doc) error {
		l.ssB = automerge.NewSyncState(doc)
		return nil
	}))
	return l
}

func (l *link) sync(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		moved := pump(t, l.a, l.ssA, l.b, l.ssB)
		if pump(t, l.b, l.ssB, l.a, l.ssA) {
			moved = true
		}
		if !moved {
			return
		}
	}
	t.Fatal("replicas did not settle")
}

func pump(t *testing.T, from *Registry, fromState *automerge.SyncState, to *Registry, toState *automerge.SyncState) bool {
	t.Helper()
	var msgs [][]byte
	require.NoError(t, from.Transact(func(*automerge.Doc) error {
		for {
			msg, valid := fromState.GenerateMessage()
			if !valid {
				return nil
			}
			msgs = append(msgs, msg.Bytes())
		}
	}))
	require.NoError(t, to.Transact(func(*automerge.Doc) error {
		for _, m := range msgs {
			if _, err := toState.ReceiveMessage(m); err != nil {
				return err
			}
		}
		return nil
	}))
	return len(msgs) > 0
}

func newRoomReplicas(t *testing.T, n int) []*Registry {
	t.Helper()
	genesis, err := NewGenesis()
	require.NoError(t, err)
	out := make([]*Registry, n)
	for i := range out {
		doc, err := automerge.Load(genesis.Save())
		require.NoError(t, err)
		out[i] = New(doc, nil)
		t.Cleanup(out[i].Close)
	}
	return out
}

func mustTabs(t *testing.T, r *Registry) []Tab {
	t.Helper()
	tabs, err := r.Tabs()
	require.NoError(t, err)
	return tabs
}

func TestEnsureSeeded(t *testing.T) {
	t.Run("fresh room gets exactly one empty tab", func(t *testing.T) {
		r := newRoomReplicas(t, 1)[0]
		added, err := r.EnsureSeeded()
		require.NoError(t, err)
		assert.True(t, added)

		tabs := mustTabs(t, r)
		require.Len(t, tabs, 1)
		assert.Equal(t, "Tab 1", tabs[0].Name)
		assert.Equal(t, "", tabs[0].Content)
		assert.NotEmpty(t, tabs[0].ID)
	})

	t.Run("seeding twice is a no-op", func(t *testing.T) {
		r := newRoomReplicas(t, 1)[0]
		_, err := r.EnsureSeeded()
		require.NoError(t, err)
		added, err := r.EnsureSeeded()
		require.NoError(t, err)
		assert.False(t, added)
		assert.Equal(t, 1, r.Len())
	})

	t.Run("joiner after sync does not add a second seed", func(t *testing.T) {
		rs := newRoomReplicas(t, 2)
		_, err := rs[0].EnsureSeeded()
		require.NoError(t, err)
		newLink(t, rs[0], rs[1]).sync(t)

		added, err := rs[1].EnsureSeeded()
		require.NoError(t, err)
		assert.False(t, added)
		assert.Equal(t, 1, rs[1].Len())
	})

	t.Run("nil document starts from the genesis", func(t *testing.T) {
		r := New(nil, nil)
		defer r.Close()
		_, err := r.EnsureSeeded()
		require.NoError(t, err)
		assert.Equal(t, 1, r.Len())
	})

	t.Run("document without a tabs list is rejected", func(t *testing.T) {
		r := New(automerge.New(), nil)
		defer r.Close()
		_, err := r.EnsureSeeded()
		assert.ErrorIs(t, err, ErrNoTabsList)
		_, _, err = r.AddTab()
		assert.ErrorIs(t, err, ErrNoTabsList)
		assert.Equal(t, 0, r.Len())
	})
}

func TestGenesisIsIdenticalEverywhere(t *testing.T) {
	a, err := NewGenesis()
	require.NoError(t, err)
	b, err := NewGenesis()
	require.NoError(t, err)
	assert.Equal(t, a.Heads(), b.Heads())
	assert.NotEqual(t, a.ActorID(), b.ActorID(), "replicas write as their own actor")
	assert.NotEqual(t, genesisActor, a.ActorID())
}

func TestIndependentlySeededReplicasKeepBothTabs(t *testing.T) {
	online := New(nil, nil)
	t.Cleanup(online.Close)
	offline := New(nil, nil)
	t.Cleanup(offline.Close)

	for r, text := range map[*Registry]string{online: "online work", offline: "offline work"} {
		_, err := r.EnsureSeeded()
		require.NoError(t, err)
		_, err = r.InsertText(mustTabs(t, r)[0].ID, 0, text)
		require.NoError(t, err)
	}

	newLink(t, online, offline).sync(t)

	for _, r := range []*Registry{online, offline} {
		var contents []string
		for _, tab := range mustTabs(t, r) {
			contents = append(contents, tab.Content)
		}
		assert.ElementsMatch(t, []string{"online work", "offline work"}, contents)
	}
	assert.Equal(t, mustTabs(t, online), mustTabs(t, offline))
}

func TestCapacity(t *testing.T) {
	r := newRoomReplicas(t, 1)[0]
	_, err := r.EnsureSeeded()
	require.NoError(t, err)

	for i := 1; i < MaxTabs; i++ {
		idx, added, err := r.AddTab()
		require.NoError(t, err)
		require.True(t, added)
		assert.Equal(t, i, idx)
	}
	assert.Equal(t, MaxTabs, r.Len())

	idx, added, err := r.AddTab()
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, -1, idx)
	assert.Equal(t, MaxTabs, r.Len())

	tabs := mustTabs(t, r)
	assert.Equal(t, "Tab 10", tabs[9].Name)

	for i := 0; i < MaxTabs+3; i++ {
		_, err := r.RemoveTab(0)
		require.NoError(t, err)
		n := r.Len()
		assert.GreaterOrEqual(t, n, 1)
		assert.LessOrEqual(t, n, MaxTabs)
	}
	assert.Equal(t, 1, r.Len())

	removed, err := r.RemoveTab(0)
	require.NoError(t, err)
	assert.False(t, removed, "last tab must survive")
}

func TestCapacityAfterConcurrentAdds(t *testing.T) {
	rs := newRoomReplicas(t, 2)
	_, err := rs[0].EnsureSeeded()
	require.NoError(t, err)
	for i := 1; i < MaxTabs-1; i++ {
		_, _, err := rs[0].AddTab()
		require.NoError(t, err)
	}
	l := newLink(t, rs[0], rs[1])
	l.sync(t)
	require.Equal(t, MaxTabs-1, rs[1].Len())

	for _, r := range rs {
		_, added, err := r.AddTab()
		require.NoError(t, err)
		require.True(t, added)
	}
	l.sync(t)

	assert.Equal(t, MaxTabs, rs[0].Len())
	assert.Equal(t, MaxTabs, rs[1].Len())
	assert.Equal(t, mustTabs(t, rs[0]), mustTabs(t, rs[1]))
}

func TestRemoveTabOutOfRange(t *testing.T) {
	r := newRoomReplicas(t, 1)[0]
	_, err := r.EnsureSeeded()
	require.NoError(t, err)
	_, _, err = r.AddTab()
	require.NoError(t, err)

	for _, idx := range []int{-1, 2, 50} {
		removed, err := r.RemoveTab(idx)
		require.NoError(t, err)
		assert.False(t, removed)
	}
	assert.Equal(t, 2, r.Len())
}

func TestRenameTab(t *testing.T) {
	rs := newRoomReplicas(t, 2)
	_, err := rs[0].EnsureSeeded()
	require.NoError(t, err)
	l := newLink(t, rs[0], rs[1])
	l.sync(t)

	require.NoError(t, rs[1].RenameTab(0, "main.py"))
	l.sync(t)
	assert.Equal(t, "main.py", mustTabs(t, rs[0])[0].Name)

	assert.ErrorIs(t, rs[0].RenameTab(4, "nope"), ErrTabNotFound)
}

func TestTextEdits(t *testing.T) {
	r := newRoomReplicas(t, 1)[0]
	_, err := r.EnsureSeeded()
	require.NoError(t, err)
	id := mustTabs(t, r)[0].ID

	edit, err := r.InsertText(id, 0, "hello")
	require.NoError(t, err)
	assert.Equal(t, "", edit.Before)
	assert.Equal(t, "hello", edit.After)

	edit, err = r.InsertText(id, 99, " wörld")
	require.NoError(t, err)
	assert.Equal(t, 5, edit.Pos, "insert position is clamped")
	assert.Equal(t, "hello wörld", edit.After)

	edit, err = r.DeleteText(id, 5, 3)
	require.NoError(t, err)
	assert.Equal(t, " wö", edit.Removed)
	assert.Equal(t, "hellorld", edit.After)

	text, err := r.Text(id)
	require.NoError(t, err)
	assert.Equal(t, "hellorld", text)

	_, err = r.InsertText("missing", 0, "x")
	assert.ErrorIs(t, err, ErrTabNotFound)
}

func TestConvergence(t *testing.T) {
	t.Run("concurrent text edits merge without loss", func(t *testing.T) {
		rs := newRoomReplicas(t, 2)
		_, err := rs[0].EnsureSeeded()
		require.NoError(t, err)
		l := newLink(t, rs[0], rs[1])
		l.sync(t)
		id := mustTabs(t, rs[0])[0].ID

		_, err = rs[0].InsertText(id, 0, "abc")
		require.NoError(t, err)
		_, err = rs[1].InsertText(id, 0, "xyz")
		require.NoError(t, err)
		l.sync(t)

		a, b := mustTabs(t, rs[0]), mustTabs(t, rs[1])
		assert.Equal(t, a, b)
		assert.Len(t, a[0].Content, 6)
		assert.Contains(t, a[0].Content, "abc")
		assert.Contains(t, a[0].Content, "xyz")
	})

	t.Run("delivery order does not matter", func(t *testing.T) {
		rs := newRoomReplicas(t, 3)
		_, err := rs[0].EnsureSeeded()
		require.NoError(t, err)
		newLink(t, rs[0], rs[1]).sync(t)
		newLink(t, rs[0], rs[2]).sync(t)
		id := mustTabs(t, rs[0])[0].ID

		_, err = rs[0].InsertText(id, 0, "one")
		require.NoError(t, err)
		_, _, err = rs[1].AddTab()
		require.NoError(t, err)
		_, err = rs[1].InsertText(id, 0, "two")
		require.NoError(t, err)
		_, _, err = rs[2].AddTab()
		require.NoError(t, err)
		_, err = rs[2].DeleteText(id, 0, 1)
		require.NoError(t, err)

		// 0 hears 2 then 1, 1 hears 0 then 2, 2 hears 1 then 0
		newLink(t, rs[0], rs[2]).sync(t)
		newLink(t, rs[0], rs[1]).sync(t)
		newLink(t, rs[1], rs[2]).sync(t)

		a, b, c := mustTabs(t, rs[0]), mustTabs(t, rs[1]), mustTabs(t, rs[2])
		assert.Equal(t, a, b)
		assert.Equal(t, b, c)
		assert.Len(t, a, 3)
	})

	t.Run("concurrent delete of the same tab is absorbed", func(t *testing.T) {
		rs := newRoomReplicas(t, 2)
		_, err := rs[0].EnsureSeeded()
		require.NoError(t, err)
		_, _, err = rs[0].AddTab()
		require.NoError(t, err)
		_, _, err = rs[0].AddTab()
		require.NoError(t, err)
		l := newLink(t, rs[0], rs[1])
		l.sync(t)

		_, err = rs[0].RemoveTab(1)
		require.NoError(t, err)
		_, err = rs[1].RemoveTab(1)
		require.NoError(t, err)
		l.sync(t)

		a := mustTabs(t, rs[0])
		assert.Equal(t, a, mustTabs(t, rs[1]))
		require.Len(t, a, 2)
		assert.Equal(t, "Tab 1", a[0].Name)
		assert.Equal(t, "Tab 3", a[1].Name)
	})

	t.Run("registry reseeds after concurrent removals empty it", func(t *testing.T) {
		rs := newRoomReplicas(t, 2)
		_, err := rs[0].EnsureSeeded()
		require.NoError(t, err)
		_, _, err = rs[0].AddTab()
		require.NoError(t, err)
		l := newLink(t, rs[0], rs[1])
		l.sync(t)
		_, err = rs[1].EnsureSeeded()
		require.NoError(t, err)

		_, err = rs[0].RemoveTab(0)
		require.NoError(t, err)
		_, err = rs[1].RemoveTab(1)
		require.NoError(t, err)
		l.sync(t)

		assert.GreaterOrEqual(t, rs[0].Len(), 1)
		assert.Equal(t, mustTabs(t, rs[0]), mustTabs(t, rs[1]))
	})
}

func TestSubscribe(t *testing.T) {
	rs := newRoomReplicas(t, 2)
	got := make(chan []Tab, 16)
	cancel := rs[1].Subscribe(func(tabs []Tab) { got <- tabs })

	_, err := rs[0].EnsureSeeded()
	require.NoError(t, err)
	newLink(t, rs[0], rs[1]).sync(t)

	select {
	case tabs := <-got:
		require.Len(t, tabs, 1)
		assert.Equal(t, "Tab 1", tabs[0].Name)
	case <-time.After(2 * time.Second):
		t.Fatal("remote change was not observed")
	}

	cancel()
	_, _, err = rs[1].AddTab()
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return rs[1].Len() == 2 }, time.Second, 10*time.Millisecond)
	select {
	case tabs := <-got:
		// a notification already in flight before cancel is fine, later ones are not
		assert.Len(t, tabs, 1)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	r := New(nil, nil)
	r.Close()
	r.Close()
}
