package session

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/themadorg/mailappend/framework/log"
	"github.com/themadorg/mailappend/framework/metrics"
	"github.com/themadorg/mailappend/internal/acl"
	"github.com/themadorg/mailappend/internal/annotation"
	"github.com/themadorg/mailappend/internal/annotator"
	"github.com/themadorg/mailappend/internal/apperr"
	"github.com/themadorg/mailappend/internal/db"
	"github.com/themadorg/mailappend/internal/events"
	"github.com/themadorg/mailappend/internal/flags"
	"github.com/themadorg/mailappend/internal/mailbox"
	"github.com/themadorg/mailappend/internal/msgbody"
	"github.com/themadorg/mailappend/internal/seen"
	"github.com/themadorg/mailappend/internal/stage"
	"github.com/themadorg/mailappend/internal/synclog"
)

func stubParseBody(path string) (msgbody.Tree, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return msgbody.Stub{ByteSize: fi.Size()}, nil
}

func newTestConfig(t *testing.T, store mailbox.Store) Config {
	t.Helper()
	return Config{
		Store:     store,
		Events:    events.NopDispatcher{},
		Metrics:   metrics.New(),
		Log:       log.Logger{Name: "test"},
		ParseBody: stubParseBody,
	}
}

func TestCheckRejectsMissingRight(t *testing.T) {
	store := mailbox.NewMemStore(t.TempDir())
	require.NoError(t, store.Create("INBOX"))
	store.SetRights(acl.Lookup)

	cfg := newTestConfig(t, store)
	err := Check(cfg, "INBOX", mailbox.AccessInfo{UserID: "alice"}, acl.Insert, nil)
	require.True(t, apperr.Is(err, apperr.PermissionDenied))
}

func TestSetupFailsAtQuota(t *testing.T) {
	store := mailbox.NewMemStore(t.TempDir())
	store.SetQuota("INBOX", "messages", 1)
	store.SetUsed("INBOX", "messages", 1)

	cfg := newTestConfig(t, store)
	s, err := Setup(cfg, "INBOX", mailbox.AccessInfo{UserID: "alice"}, acl.Insert|acl.Lookup, map[string]int64{"messages": 1}, events.MessageNew)
	require.Nil(t, s)
	require.True(t, apperr.Is(err, apperr.QuotaExceeded))
	require.Equal(t, float64(1), testutil.ToFloat64(cfg.Metrics.QuotaRejections))
}

func TestFromStreamAppendsAndAppliesSeen(t *testing.T) {
	store := mailbox.NewMemStore(t.TempDir())
	cfg := newTestConfig(t, store)

	s, err := Setup(cfg, "INBOX", mailbox.AccessInfo{UserID: "alice"}, acl.Insert|acl.Lookup, nil, events.MessageNew)
	require.NoError(t, err)

	body := strings.NewReader("From: a\r\n\r\nhello")
	require.NoError(t, s.FromStream(body, int64(body.Len()), time.Now(), []string{`\Seen`}))
	require.NoError(t, s.Commit())

	recs := store.Records("INBOX")
	require.Len(t, recs, 1)
	require.Equal(t, uint32(1), recs[0].UID)
	require.True(t, recs[0].SystemFlags.Has(flags.Seen))
	require.Equal(t, float64(1), testutil.ToFloat64(cfg.Metrics.MessagesAppended))
}

func TestFromStreamUIDsAreMonotonic(t *testing.T) {
	store := mailbox.NewMemStore(t.TempDir())
	cfg := newTestConfig(t, store)

	s, err := Setup(cfg, "INBOX", mailbox.AccessInfo{UserID: "alice"}, acl.Insert|acl.Lookup, nil, events.MessageNew)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		body := strings.NewReader("msg")
		require.NoError(t, s.FromStream(body, int64(body.Len()), time.Now(), nil))
	}
	require.NoError(t, s.Commit())

	recs := store.Records("INBOX")
	require.Len(t, recs, 3)
	require.Equal(t, []uint32{1, 2, 3}, []uint32{recs[0].UID, recs[1].UID, recs[2].UID})
}

func TestAbortIsIdempotentAndLeavesNoEvents(t *testing.T) {
	store := mailbox.NewMemStore(t.TempDir())
	cfg := newTestConfig(t, store)

	s, err := Setup(cfg, "INBOX", mailbox.AccessInfo{UserID: "alice"}, acl.Insert|acl.Lookup, nil, events.MessageNew)
	require.NoError(t, err)

	body := strings.NewReader("msg")
	require.NoError(t, s.FromStream(body, int64(body.Len()), time.Now(), nil))

	s.Abort()
	require.Equal(t, 0, s.queue.Len())

	// Idempotent: a second Abort must not panic or double-count metrics.
	require.NotPanics(t, func() { s.Abort() })
	require.Equal(t, float64(1), testutil.ToFloat64(cfg.Metrics.SessionsAborted))
}

func TestCopySameUserPreservesSeen(t *testing.T) {
	store := mailbox.NewMemStore(t.TempDir())
	cfg := newTestConfig(t, store)

	srcHandle, err := store.OpenWrite("Archive")
	require.NoError(t, err)
	require.NoError(t, srcHandle.AppendIndexRecord(&mailbox.Record{UID: 1, SystemFlags: flags.Seen, Size: 10}))
	srcHandle.Close()

	srcRead, err := store.OpenRead("Archive")
	require.NoError(t, err)
	defer srcRead.Close()
	src, err := srcRead.CacheRecord(1)
	require.NoError(t, err)

	s, err := Setup(cfg, "INBOX", mailbox.AccessInfo{UserID: "alice"}, acl.Insert|acl.Lookup, nil, events.MessageCopy)
	require.NoError(t, err)
	require.NoError(t, s.Copy(context.Background(), srcRead, []*mailbox.Record{src}, false, true))
	require.NoError(t, s.Commit())

	recs := store.Records("INBOX")
	require.Len(t, recs, 1)
	require.True(t, recs[0].SystemFlags.Has(flags.Seen))
}

func TestCopyWithoutWriteMasksFlags(t *testing.T) {
	store := mailbox.NewMemStore(t.TempDir())
	store.SetRights(acl.Lookup | acl.Read | acl.Insert | acl.DeleteMsg)
	cfg := newTestConfig(t, store)

	srcHandle, err := store.OpenWrite("Archive")
	require.NoError(t, err)
	userSlot, err := srcHandle.UserFlags().LookupOrAlloc("custom")
	require.NoError(t, err)
	var uf flags.Bitset
	uf.Set(userSlot)
	require.NoError(t, srcHandle.AppendIndexRecord(&mailbox.Record{UID: 1, SystemFlags: flags.Deleted | flags.Flagged, UserFlags: uf, Size: 10}))
	srcHandle.Close()

	srcRead, err := store.OpenRead("Archive")
	require.NoError(t, err)
	defer srcRead.Close()
	src, err := srcRead.CacheRecord(1)
	require.NoError(t, err)

	s, err := Setup(cfg, "INBOX", mailbox.AccessInfo{UserID: "alice"}, acl.Insert|acl.Lookup, nil, events.MessageCopy)
	require.NoError(t, err)
	require.NoError(t, s.Copy(context.Background(), srcRead, []*mailbox.Record{src}, false, true))
	require.NoError(t, s.Commit())

	recs := store.Records("INBOX")
	require.Len(t, recs, 1)
	require.True(t, recs[0].UserFlags.IsZero())
	require.True(t, recs[0].SystemFlags.Has(flags.Deleted))
	require.False(t, recs[0].SystemFlags.Has(flags.Flagged))
}

func TestCopyWithoutDeleteMsgStripsDeleted(t *testing.T) {
	store := mailbox.NewMemStore(t.TempDir())
	store.SetRights(acl.Lookup | acl.Read | acl.Insert | acl.Write)
	cfg := newTestConfig(t, store)

	srcHandle, err := store.OpenWrite("Archive")
	require.NoError(t, err)
	require.NoError(t, srcHandle.AppendIndexRecord(&mailbox.Record{UID: 1, SystemFlags: flags.Deleted, Size: 10}))
	srcHandle.Close()

	srcRead, err := store.OpenRead("Archive")
	require.NoError(t, err)
	defer srcRead.Close()
	src, err := srcRead.CacheRecord(1)
	require.NoError(t, err)

	s, err := Setup(cfg, "INBOX", mailbox.AccessInfo{UserID: "alice"}, acl.Insert|acl.Lookup, nil, events.MessageCopy)
	require.NoError(t, err)
	require.NoError(t, s.Copy(context.Background(), srcRead, []*mailbox.Record{src}, false, true))
	require.NoError(t, s.Commit())

	recs := store.Records("INBOX")
	require.False(t, recs[0].SystemFlags.Has(flags.Deleted))
}

func TestCopyEmptyRecordsAbortsSuccessfully(t *testing.T) {
	store := mailbox.NewMemStore(t.TempDir())
	cfg := newTestConfig(t, store)

	srcHandle, err := store.OpenWrite("Archive")
	require.NoError(t, err)
	srcHandle.Close()
	srcRead, err := store.OpenRead("Archive")
	require.NoError(t, err)
	defer srcRead.Close()

	s, err := Setup(cfg, "INBOX", mailbox.AccessInfo{UserID: "alice"}, acl.Insert|acl.Lookup, nil, events.MessageCopy)
	require.NoError(t, err)
	require.NoError(t, s.Copy(context.Background(), srcRead, nil, false, true))
}

func TestSeenUnionAcrossSessions(t *testing.T) {
	store := mailbox.NewMemStore(t.TempDir())
	store.SetInternalSeen("INBOX", false)

	gdb, err := db.New(db.Config{Driver: "sqlite", InMemory: true})
	require.NoError(t, err)
	seenStore, err := seen.NewStore(gdb)
	require.NoError(t, err)

	cfg := newTestConfig(t, store)
	cfg.SeenStore = seenStore

	s1, err := Setup(cfg, "INBOX", mailbox.AccessInfo{UserID: "alice"}, acl.Insert|acl.Lookup, nil, events.MessageNew)
	require.NoError(t, err)
	require.NoError(t, s1.FromStream(strings.NewReader("a"), 1, time.Now(), []string{`\Seen`}))
	require.NoError(t, s1.Commit())

	s2, err := Setup(cfg, "INBOX", mailbox.AccessInfo{UserID: "alice"}, acl.Insert|acl.Lookup, nil, events.MessageNew)
	require.NoError(t, err)
	require.NoError(t, s2.FromStream(strings.NewReader("b"), 1, time.Now(), []string{`\Seen`}))
	require.NoError(t, s2.Commit())

	got, err := seenStore.Read("alice", "INBOX")
	require.NoError(t, err)
	require.Equal(t, seen.NewUIDSet(1, 2), got)

	// The record itself carries no SEEN bit: it's tracked externally.
	recs := store.Records("INBOX")
	for _, r := range recs {
		require.False(t, r.SystemFlags.Has(flags.Seen))
	}
}

func TestCalloutFailureIsSuppressedAndCounted(t *testing.T) {
	store := mailbox.NewMemStore(t.TempDir())
	cfg := newTestConfig(t, store)
	cfg.AnnotatorPath = filepath.Join(t.TempDir(), "does-not-exist")

	s, err := Setup(cfg, "INBOX", mailbox.AccessInfo{UserID: "alice"}, acl.Insert|acl.Lookup, nil, events.MessageNew)
	require.NoError(t, err)

	st := stageOneMessage(t, s, "hello world")
	require.NoError(t, s.FromStage(context.Background(), st, msgbody.Stub{ByteSize: int64(len("hello world"))}, time.Now(), []string{`\Flagged`}, false, nil))
	require.NoError(t, s.Commit())

	recs := store.Records("INBOX")
	require.Len(t, recs, 1)
	require.True(t, recs[0].SystemFlags.Has(flags.Flagged))
	require.Equal(t, float64(1), testutil.ToFloat64(cfg.Metrics.CalloutFailures))
}

func TestFromStageAppliesCalloutReply(t *testing.T) {
	store := mailbox.NewMemStore(t.TempDir())
	cfg := newTestConfig(t, store)
	cfg.AnnotatorPath = mockAnnotatorServer(t, `(+FLAGS \Flagged)`)

	s, err := Setup(cfg, "INBOX", mailbox.AccessInfo{UserID: "alice"}, acl.Insert|acl.Lookup, nil, events.MessageNew)
	require.NoError(t, err)

	st := stageOneMessage(t, s, "hello world")
	require.NoError(t, s.FromStage(context.Background(), st, msgbody.Stub{ByteSize: int64(len("hello world"))}, time.Now(), nil, false, nil))
	require.NoError(t, s.Commit())

	recs := store.Records("INBOX")
	require.Len(t, recs, 1)
	require.True(t, recs[0].SystemFlags.Has(flags.Flagged))
}

func TestRunAnnotatorPersistsDisjointAnnotations(t *testing.T) {
	store := mailbox.NewMemStore(t.TempDir())
	cfg := newTestConfig(t, store)
	cfg.AnnotatorPath = mockAnnotatorServer(t, `(ANNOTATION "/vendor/note" ("value" "hi"))`)

	gdb, err := db.New(db.Config{Driver: "sqlite", InMemory: true})
	require.NoError(t, err)
	annStore, err := annotation.NewStore(gdb, log.Logger{Name: "test"})
	require.NoError(t, err)
	cfg.Annotations = annStore

	s, err := Setup(cfg, "INBOX", mailbox.AccessInfo{UserID: "alice"}, acl.Insert|acl.Lookup, nil, events.MessageNew)
	require.NoError(t, err)
	defer s.Abort()

	rec := &mailbox.Record{UID: 1, Size: 11}
	require.NoError(t, s.handle.AppendIndexRecord(rec))

	finalPath := filepath.Join(t.TempDir(), "msg1")
	require.NoError(t, os.WriteFile(finalPath, []byte("hello world"), 0o644))

	require.NoError(t, annStore.State("INBOX", 1).StoreUser(map[string]map[string]string{
		"/vendor/note": {"value": "old"},
	}))

	userAnnotations := map[string]map[string]string{"/vendor/note": {"value": "old"}}
	systemAnnotations := map[string]map[string]string{}
	require.NoError(t, s.RunAnnotator(rec, finalPath, nil, userAnnotations, systemAnnotations))

	user, system, err := annStore.Get("INBOX", 1)
	require.NoError(t, err)
	require.Empty(t, user["/vendor/note"])
	require.Equal(t, "hi", system["/vendor/note"]["value"])
}

func TestCommitWritesSyncLogOnlyWhenMessagesLand(t *testing.T) {
	store := mailbox.NewMemStore(t.TempDir())
	cfg := newTestConfig(t, store)
	sl := &recordingSyncLog{}
	cfg.SyncLog = sl

	s, err := Setup(cfg, "INBOX", mailbox.AccessInfo{UserID: "alice"}, acl.Insert|acl.Lookup, nil, events.MessageNew)
	require.NoError(t, err)
	require.NoError(t, s.FromStream(strings.NewReader("msg"), 3, time.Now(), nil))
	require.NoError(t, s.Commit())
	require.Equal(t, []string{"INBOX"}, sl.mailboxes)

	s2, err := Setup(cfg, "INBOX", mailbox.AccessInfo{UserID: "alice"}, acl.Insert|acl.Lookup, nil, events.MessageNew)
	require.NoError(t, err)
	require.NoError(t, s2.Commit())
	require.Equal(t, []string{"INBOX"}, sl.mailboxes) // unchanged: nummsg was 0
}

type recordingSyncLog struct {
	mailboxes []string
}

func (r *recordingSyncLog) LogMailbox(name string) error {
	r.mailboxes = append(r.mailboxes, name)
	return nil
}

var _ synclog.Log = (*recordingSyncLog)(nil)

// mockAnnotatorServer starts a one-shot unix-socket annotator that drains
// the incoming chunked request and replies with a single chunk containing
// reply, returning the socket path to pass as Config.AnnotatorPath.
func mockAnnotatorServer(t *testing.T, reply string) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "annotator.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			_, err := annotator.ReadChunk(r)
			if err == io.EOF || err != nil {
				break
			}
		}
		var buf bytes.Buffer
		_ = annotator.WriteChunk(&buf, []byte(reply))
		conn.Write(buf.Bytes())
	}()

	return sockPath
}

// stageOneMessage writes content into a real stage file and pre-creates
// the mailbox's eventual record path, since MemStore's CopyOrLink is a
// bookkeeping no-op and never actually materializes the file a real store
// would — but FromStage calls fsyncPath against that path regardless of
// store kind, so the test has to put something there itself.
func stageOneMessage(t *testing.T, s *Session, content string) *stage.Stage {
	t.Helper()

	stageDir := s.handle.StageDir()
	require.NoError(t, os.MkdirAll(stageDir, 0o755))
	f, st, err := stage.New(stageDir, 1, time.Now().Unix())
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	finalPath := s.handle.RecordFilename(&mailbox.Record{UID: s.nextUID()})
	require.NoError(t, os.MkdirAll(filepath.Dir(finalPath), 0o755))
	require.NoError(t, os.WriteFile(finalPath, []byte(content), 0o644))

	return st
}
