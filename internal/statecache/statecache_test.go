package statecache

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutThenGetPerTenant(t *testing.T) {
	c := New()
	c.PutChannel(1, 100, []byte(`{"name":"general"}`))
	c.PutChannel(2, 100, []byte(`{"name":"other-guilds-channel"}`))

	v, ok := c.Channel(1, 100)
	require.True(t, ok)
	require.Equal(t, []byte(`{"name":"general"}`), v)

	v, ok = c.Channel(2, 100)
	require.True(t, ok)
	require.Equal(t, []byte(`{"name":"other-guilds-channel"}`), v)

	_, ok = c.Channel(3, 100)
	require.False(t, ok)
}

func TestDeleteRemovesEntry(t *testing.T) {
	c := New()
	c.PutMember(1, 7, []byte(`{}`))
	c.DeleteMember(1, 7)
	_, ok := c.Member(1, 7)
	require.False(t, ok)
}

func TestDropGuildEvictsEverything(t *testing.T) {
	c := New()
	c.PutChannel(1, 100, []byte(`{}`))
	c.PutRole(1, 200, []byte(`{}`))
	c.SetHeader(1, GuildHeader{Name: "g"})

	c.DropGuild(1)

	_, ok := c.Channel(1, 100)
	require.False(t, ok)
	_, ok = c.Role(1, 200)
	require.False(t, ok)
	require.Equal(t, GuildHeader{}, c.Header(1))
}

type fakeL2 struct {
	entries map[string][]byte
	puts    int
}

func newFakeL2() *fakeL2 { return &fakeL2{entries: map[string][]byte{}} }

func (f *fakeL2) k(guildID uint64, kind string, id uint64) string {
	return fmt.Sprintf("%d:%s:%d", guildID, kind, id)
}

func (f *fakeL2) Get(_ context.Context, guildID uint64, kind string, id uint64) ([]byte, bool) {
	v, ok := f.entries[f.k(guildID, kind, id)]
	return v, ok
}

func (f *fakeL2) Put(_ context.Context, guildID uint64, kind string, id uint64, v []byte) error {
	f.puts++
	f.entries[f.k(guildID, kind, id)] = v
	return nil
}

func (f *fakeL2) Delete(_ context.Context, guildID uint64, kind string, id uint64) error {
	delete(f.entries, f.k(guildID, kind, id))
	return nil
}

func (f *fakeL2) DropGuild(_ context.Context, guildID uint64) error {
	for k := range f.entries {
		var g uint64
		fmt.Sscanf(k, "%d:", &g)
		if g == guildID {
			delete(f.entries, k)
		}
	}
	return nil
}

func TestL2WriteThroughAndMissFallthrough(t *testing.T) {
	l2 := newFakeL2()
	c := NewWithL2(l2)

	c.PutChannel(1, 100, []byte(`{"a":1}`))
	require.Equal(t, 1, l2.puts)

	// a fresh cache sharing the same L2 misses locally and falls through
	c2 := NewWithL2(l2)
	v, ok := c2.Channel(1, 100)
	require.True(t, ok)
	require.Equal(t, []byte(`{"a":1}`), v)

	// the fallthrough repopulated the local shard; delete from L2 and the
	// local copy still answers
	require.NoError(t, l2.Delete(context.Background(), 1, "channel", 100))
	_, ok = c2.Channel(1, 100)
	require.True(t, ok)
}
