package seen

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/themadorg/mailappend/internal/db"
)

func TestSerializeParseRoundTrip(t *testing.T) {
	set := NewUIDSet(1, 2, 3, 5, 9, 10)
	serialized := set.Serialize()
	require.Equal(t, "1:3,5,9:10", serialized)

	parsed := Parse(serialized)
	require.Equal(t, set, parsed)
}

func TestParseSkipsMalformedRanges(t *testing.T) {
	parsed := Parse("1,bogus,3:2,5")
	_, ok5 := parsed[5]
	_, ok1 := parsed[1]
	require.True(t, ok1)
	require.True(t, ok5)
	require.Len(t, parsed, 2)
}

func TestUnion(t *testing.T) {
	a := NewUIDSet(1, 2)
	b := NewUIDSet(2, 3)
	u := a.Union(b)
	require.Equal(t, NewUIDSet(1, 2, 3), u)
}

func TestAccumulatorInternalPolicy(t *testing.T) {
	a := NewAccumulator(true)
	a.Set(5)
	require.True(t, a.Internal())
	require.Len(t, a.Pending(), 0)
}

func TestAccumulatorExternalPolicy(t *testing.T) {
	a := NewAccumulator(false)
	a.Set(5)
	a.Set(6)
	require.False(t, a.Internal())
	require.Equal(t, NewUIDSet(5, 6), a.Pending())

	a.Discard()
	require.Len(t, a.Pending(), 0)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := db.New(db.Config{Driver: "sqlite", InMemory: true})
	require.NoError(t, err)
	// The shared in-memory database lives while any connection is open;
	// closing it here gives the next test an empty one.
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	store, err := NewStore(gdb)
	require.NoError(t, err)
	return store
}

func TestStoreMergeIsUnion(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Merge("alice", "mbox-1", NewUIDSet(1, 2, 3), 1000))
	require.NoError(t, store.Merge("alice", "mbox-1", NewUIDSet(4, 5), 1001))

	got, err := store.Read("alice", "mbox-1")
	require.NoError(t, err)
	require.Equal(t, NewUIDSet(1, 2, 3, 4, 5), got)
}

func TestStoreMergeEmptyPendingIsNoop(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Merge("alice", "mbox-1", NewUIDSet(), 1000))

	got, err := store.Read("alice", "mbox-1")
	require.NoError(t, err)
	require.Len(t, got, 0)
}

func TestStoreMergeScopedPerMailbox(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Merge("alice", "mbox-1", NewUIDSet(1), 1000))
	require.NoError(t, store.Merge("alice", "mbox-2", NewUIDSet(9), 1000))

	got1, err := store.Read("alice", "mbox-1")
	require.NoError(t, err)
	require.Equal(t, NewUIDSet(1), got1)

	got2, err := store.Read("alice", "mbox-2")
	require.NoError(t, err)
	require.Equal(t, NewUIDSet(9), got2)
}
