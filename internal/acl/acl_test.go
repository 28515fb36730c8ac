package acl

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/themadorg/mailappend/internal/apperr"
)

func TestParseString(t *testing.T) {
	r := Parse("lrwi")
	require.True(t, r.Has(Lookup))
	require.True(t, r.Has(Read))
	require.True(t, r.Has(Write))
	require.True(t, r.Has(Insert))
	require.False(t, r.Has(Admin))
	require.Equal(t, "lrwi", r.String())
}

func TestParseIgnoresUnknownLetters(t *testing.T) {
	r := Parse("lrz")
	require.True(t, r.Has(Lookup | Read))
}

func TestGateGranted(t *testing.T) {
	require.NoError(t, Gate("op", Lookup|Write, Write))
}

func TestGatePermissionDenied(t *testing.T) {
	err := Gate("op", Lookup, Write)
	require.True(t, apperr.Is(err, apperr.PermissionDenied))
}

func TestGateMailboxNonexistent(t *testing.T) {
	err := Gate("op", Read, Write)
	require.True(t, apperr.Is(err, apperr.MailboxNonexistent))
}
