package mailbox

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/themadorg/mailappend/internal/apperr"
)

func TestOpenReadNonexistentMailbox(t *testing.T) {
	s := NewMemStore(t.TempDir())
	_, err := s.OpenRead("INBOX")
	require.True(t, apperr.Is(err, apperr.MailboxNonexistent))
}

func TestOpenWriteCreatesMailbox(t *testing.T) {
	s := NewMemStore(t.TempDir())
	h, err := s.OpenWrite("INBOX")
	require.NoError(t, err)
	defer h.Close()

	require.Equal(t, "INBOX", h.Name())
	require.Equal(t, uint32(0), h.LastUID())
}

func TestAppendIndexRecordAdvancesLastUID(t *testing.T) {
	s := NewMemStore(t.TempDir())
	h, err := s.OpenWrite("INBOX")
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.AppendIndexRecord(&Record{UID: 1, Size: 10}))
	require.NoError(t, h.AppendIndexRecord(&Record{UID: 2, Size: 20}))
	require.Equal(t, uint32(2), h.LastUID())

	recs := s.Records("INBOX")
	require.Len(t, recs, 2)
	require.Equal(t, uint32(1), recs[0].UID)
	require.Equal(t, uint32(2), recs[1].UID)
}

func TestQuotaCheckRejectsOverage(t *testing.T) {
	s := NewMemStore(t.TempDir())
	s.SetQuota("INBOX", "storage", 100)
	s.SetUsed("INBOX", "storage", 90)

	h, err := s.OpenWrite("INBOX")
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.QuotaCheck(map[string]int64{"storage": 10}))
	err = h.QuotaCheck(map[string]int64{"storage": 11})
	require.True(t, apperr.Is(err, apperr.QuotaExceeded))
}

func TestQuotaCheckIgnoresResourcesWithoutCeiling(t *testing.T) {
	s := NewMemStore(t.TempDir())
	h, err := s.OpenWrite("INBOX")
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.QuotaCheck(map[string]int64{"storage": 1 << 40}))
}

func TestSetInternalSeenTogglesPolicy(t *testing.T) {
	s := NewMemStore(t.TempDir())
	h, err := s.OpenWrite("INBOX")
	require.NoError(t, err)
	defer h.Close()

	require.True(t, h.InternalSeen("alice"))
	s.SetInternalSeen("INBOX", false)
	require.False(t, h.InternalSeen("alice"))
}

func TestRecordsSnapshotIsOrderedByUID(t *testing.T) {
	s := NewMemStore(t.TempDir())
	h, err := s.OpenWrite("INBOX")
	require.NoError(t, err)

	require.NoError(t, h.AppendIndexRecord(&Record{UID: 5}))
	require.NoError(t, h.AppendIndexRecord(&Record{UID: 1}))
	require.NoError(t, h.AppendIndexRecord(&Record{UID: 3}))
	h.Close()

	recs := s.Records("INBOX")
	require.Len(t, recs, 3)
	require.Equal(t, []uint32{1, 3, 5}, []uint32{recs[0].UID, recs[1].UID, recs[2].UID})
}

func TestCacheRecordReturnsCopy(t *testing.T) {
	s := NewMemStore(t.TempDir())
	h, err := s.OpenWrite("INBOX")
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.AppendIndexRecord(&Record{UID: 1, Size: 10}))
	rec, err := h.CacheRecord(1)
	require.NoError(t, err)
	rec.Size = 999

	rec2, err := h.CacheRecord(1)
	require.NoError(t, err)
	require.Equal(t, int64(10), rec2.Size)
}
