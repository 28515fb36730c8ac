package stage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/themadorg/mailappend/framework/log"
)

func TestNewCreatesFirstPart(t *testing.T) {
	dir := t.TempDir()
	f, st, err := New(dir, 123, 1700000000)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString("hello world")
	require.NoError(t, err)

	require.Len(t, st.Parts(), 1)
	require.Equal(t, st.Parts()[0], st.FirstPart())
	require.True(t, st.Contains(st.FirstPart()))
	require.False(t, st.Contains(filepath.Join(dir, "nonexistent")))
}

func TestContainsIsStringEquality(t *testing.T) {
	dir := t.TempDir()
	f, st, err := New(dir, 1, 2)
	require.NoError(t, err)
	f.Close()

	// A path that resolves to the same file but isn't byte-identical to
	// the recorded one must not be reported as contained.
	abs, err := filepath.Abs(st.FirstPart())
	require.NoError(t, err)
	if abs != st.FirstPart() {
		require.False(t, st.Contains(abs))
	}
}

func TestAddPartAndHashConsistency(t *testing.T) {
	dir := t.TempDir()
	f, st, err := New(dir, 1, 2)
	require.NoError(t, err)
	_, err = f.WriteString("identical content")
	require.NoError(t, err)
	f.Close()

	secondPath := filepath.Join(dir, "second-part")
	require.NoError(t, CopyOrLinkPart(st.FirstPart(), secondPath))
	st.AddPart(secondPath)

	require.Len(t, st.Parts(), 2)

	h1, err := st.Hash()
	require.NoError(t, err)

	contents, err := os.ReadFile(secondPath)
	require.NoError(t, err)
	require.Equal(t, "identical content", string(contents))

	// Hash is memoized: calling again returns the same value without
	// re-reading.
	h2, err := st.Hash()
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestCopyOrLinkPartIntoOtherDirectory(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	src := filepath.Join(srcDir, "src")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o600))

	dst := filepath.Join(dstDir, "dst")
	require.NoError(t, CopyOrLinkPart(src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))
}

func TestRemoveIsIdempotentAgainstNil(t *testing.T) {
	require.NotPanics(t, func() {
		Remove(nil, log.Logger{Name: "test"})
	})
}

func TestRemoveUnlinksAllParts(t *testing.T) {
	dir := t.TempDir()
	f, st, err := New(dir, 1, 2)
	require.NoError(t, err)
	f.Close()

	second := filepath.Join(dir, "second")
	require.NoError(t, CopyOrLinkPart(st.FirstPart(), second))
	st.AddPart(second)

	Remove(st, log.Logger{Name: "test"})

	_, err = os.Stat(st.FirstPart())
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(second)
	require.True(t, os.IsNotExist(err))

	// Idempotent against a second call.
	require.NotPanics(t, func() {
		Remove(st, log.Logger{Name: "test"})
	})
}
