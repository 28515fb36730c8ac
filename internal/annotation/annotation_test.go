package annotation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/themadorg/mailappend/internal/db"
	"github.com/themadorg/mailappend/framework/log"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := db.New(db.Config{Driver: "sqlite", InMemory: true})
	require.NoError(t, err)
	store, err := NewStore(gdb, log.Logger{Name: "test"})
	require.NoError(t, err)
	return store
}

func TestStoreUserAndSystemAreDisjoint(t *testing.T) {
	store := newTestStore(t)
	state := store.State("INBOX", 1)

	require.NoError(t, state.StoreUser(map[string]map[string]string{
		"/vendor/note": {"value": "user-set"},
	}))

	user, system, err := store.Get("INBOX", 1)
	require.NoError(t, err)
	require.Equal(t, "user-set", user["/vendor/note"]["value"])
	require.Empty(t, system)
}

func TestAnnotationDirectiveReplacesUserWithSystem(t *testing.T) {
	store := newTestStore(t)
	state := store.State("INBOX", 1)

	require.NoError(t, state.StoreUser(map[string]map[string]string{
		"/vendor/note": {"value": "user-set"},
	}))
	require.NoError(t, store.DeleteUser("INBOX", 1, "/vendor/note", "value"))
	require.NoError(t, state.StoreSystem(map[string]map[string]string{
		"/vendor/note": {"value": "callout-set"},
	}))

	user, system, err := store.Get("INBOX", 1)
	require.NoError(t, err)
	require.Empty(t, user)
	require.Equal(t, "callout-set", system["/vendor/note"]["value"])
}

func TestCopyAnnotations(t *testing.T) {
	store := newTestStore(t)
	state := store.State("INBOX", 1)
	require.NoError(t, state.StoreUser(map[string]map[string]string{
		"/vendor/note": {"value": "hello"},
	}))

	require.NoError(t, store.CopyAnnotations("INBOX", 1, "Archive", 42, "alice"))

	user, _, err := store.Get("Archive", 42)
	require.NoError(t, err)
	require.Equal(t, "hello", user["/vendor/note"]["value"])

	// The source annotation is untouched by a copy.
	srcUser, _, err := store.Get("INBOX", 1)
	require.NoError(t, err)
	require.Equal(t, "hello", srcUser["/vendor/note"]["value"])
}
