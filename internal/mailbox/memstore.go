/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Mail Append contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package mailbox

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/themadorg/mailappend/internal/acl"
	"github.com/themadorg/mailappend/internal/apperr"
	"github.com/themadorg/mailappend/internal/flags"
)

// MemStore is an in-process Store, generalized from an
// in-memory IMAP backend shape (storage/memory/{storage,user,mailbox}.go)
// the imapbackend.Mailbox protocol surface onto this package's Handle
// contract. It exists so the append core can be exercised and tested
// without a database, the same role an in-memory storage module
// plays for an IMAP frontend.
type MemStore struct {
	mu        sync.Mutex
	mailboxes map[string]*memMailbox
	partition string
	rights    acl.Rights // rights granted to every access context; tests override via SetRights
	baseDir   string
}

// NewMemStore creates an empty store rooted at baseDir (used to derive
// stage/record paths; nothing is actually written to disk by MemStore
// itself — CopyOrLink is a bookkeeping no-op — but the paths are
// deterministic so tests can assert on them).
func NewMemStore(baseDir string) *MemStore {
	return &MemStore{
		mailboxes: make(map[string]*memMailbox),
		partition: "default",
		rights:    acl.Lookup | acl.Read | acl.Seen | acl.Write | acl.Insert | acl.Post | acl.DeleteMsg,
		baseDir:   baseDir,
	}
}

// Create registers a new, empty mailbox under name. Returns an error if
// it already exists.
func (s *MemStore) Create(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mailboxes[name]; ok {
		return fmt.Errorf("mailbox: %s already exists", name)
	}
	s.mailboxes[name] = newMemMailbox(name, s)
	return nil
}

// SetRights overrides the rights every AccessInfo resolves to, letting
// tests exercise ACL masking (e.g. acl.Write withheld).
func (s *MemStore) SetRights(r acl.Rights) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rights = r
}

func (s *MemStore) getOrCreate(name string) *memMailbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mailboxes[name]
	if !ok {
		m = newMemMailbox(name, s)
		s.mailboxes[name] = m
	}
	return m
}

func (s *MemStore) OpenRead(name string) (Handle, error) {
	s.mu.Lock()
	m, ok := s.mailboxes[name]
	s.mu.Unlock()
	if !ok {
		return nil, apperr.New(apperr.MailboxNonexistent, "memstore.OpenRead", nil)
	}
	m.mu.RLock()
	return &memHandle{m: m, write: false}, nil
}

func (s *MemStore) OpenWrite(name string) (Handle, error) {
	m := s.getOrCreate(name)
	m.mu.Lock()
	return &memHandle{m: m, write: true}, nil
}

// memMailbox is the in-memory mailbox state, protected by mu. Modeled on
// storage/memory.Mailbox (messages []*Message, nextUID).
type memMailbox struct {
	store *MemStore
	mu    sync.RWMutex

	name           string
	lastUID        uint32
	lastAppendDate time.Time
	records        map[uint32]*Record
	userFlags      *flags.SimpleTable
	quota          map[string]int64 // resource -> max
	used           map[string]int64 // resource -> used
	internalSeen   bool
}

func newMemMailbox(name string, store *MemStore) *memMailbox {
	return &memMailbox{
		store:        store,
		name:         name,
		records:      make(map[uint32]*Record),
		userFlags:    flags.NewSimpleTable(),
		quota:        make(map[string]int64),
		used:         make(map[string]int64),
		internalSeen: true,
	}
}

// SetQuota sets resource's ceiling; used by tests driving scenario 6
// (quota fail at setup).
func (s *MemStore) SetQuota(mailboxName, resource string, max int64) {
	m := s.getOrCreate(mailboxName)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quota[resource] = max
}

// SetUsed sets resource's current usage.
func (s *MemStore) SetUsed(mailboxName, resource string, used int64) {
	m := s.getOrCreate(mailboxName)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used[resource] = used
}

// SetInternalSeen configures whether the mailbox stores Seen internally
// or externally.
func (s *MemStore) SetInternalSeen(mailboxName string, v bool) {
	m := s.getOrCreate(mailboxName)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.internalSeen = v
}

// memHandle is a locked view of a memMailbox. write indicates whether the
// underlying lock held is mu.Lock() (true) or mu.RLock() (false), so
// Close releases the matching one.
type memHandle struct {
	m     *memMailbox
	write bool
	closed bool
}

func (h *memHandle) Name() string      { return h.m.name }
func (h *memHandle) Partition() string { return h.m.store.partition }
func (h *memHandle) UniqueID() string  { return h.m.name }

func (h *memHandle) Rights(access AccessInfo) acl.Rights {
	if access.Admin {
		return acl.Lookup | acl.Read | acl.Seen | acl.Write | acl.Insert | acl.Post |
			acl.CreateMailbox | acl.DeleteMailbox | acl.DeleteMsg | acl.Admin
	}
	return h.m.store.rights
}

func (h *memHandle) LastUID() uint32 {
	h.m.mu.RLock()
	defer h.m.mu.RUnlock()
	return h.m.lastUID
}

func (h *memHandle) QuotaCheck(deltas map[string]int64) error {
	h.m.mu.RLock()
	defer h.m.mu.RUnlock()
	for resource, delta := range deltas {
		max, hasMax := h.m.quota[resource]
		if !hasMax {
			continue
		}
		if h.m.used[resource]+delta > max {
			return apperr.New(apperr.QuotaExceeded, "memstore.QuotaCheck", fmt.Errorf("resource %s over quota", resource))
		}
	}
	return nil
}

func (h *memHandle) RecordFilename(rec *Record) string {
	return filepath.Join(h.m.store.baseDir, h.m.name, fmt.Sprintf("%d.", rec.UID))
}

func (h *memHandle) CopyOrLink(srcPath, dstPath string, nolink bool) error {
	// MemStore never touches a real filesystem; this bookkeeping no-op
	// keeps the call-site shape identical to a real store's.
	return nil
}

func (h *memHandle) AppendIndexRecord(rec *Record) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	h.m.records[rec.UID] = rec
	if rec.UID > h.m.lastUID {
		h.m.lastUID = rec.UID
	}
	h.m.used["storage"] += rec.Size
	return nil
}

func (h *memHandle) CacheRecord(uid uint32) (*Record, error) {
	h.m.mu.RLock()
	defer h.m.mu.RUnlock()
	rec, ok := h.m.records[uid]
	if !ok {
		return nil, apperr.New(apperr.IOError, "memstore.CacheRecord", fmt.Errorf("no such uid %d", uid))
	}
	cp := *rec
	return &cp, nil
}

func (h *memHandle) ShouldArchive(rec *Record) bool { return false }

func (h *memHandle) UserFlags() flags.Table { return h.m.userFlags }

func (h *memHandle) InternalSeen(userID string) bool {
	h.m.mu.RLock()
	defer h.m.mu.RUnlock()
	return h.m.internalSeen
}

func (h *memHandle) StageDir() string {
	return filepath.Join(h.m.store.baseDir, "stage", h.m.store.partition)
}

func (h *memHandle) SetLastAppendDate(t time.Time) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	h.m.lastAppendDate = t
}

func (h *memHandle) Commit() error { return nil }

func (h *memHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	if h.write {
		h.m.mu.Unlock()
	} else {
		h.m.mu.RUnlock()
	}
	return nil
}

// Records returns a snapshot of every record currently indexed, sorted by
// UID, for test assertions.
func (s *MemStore) Records(mailboxName string) []*Record {
	s.mu.Lock()
	m, ok := s.mailboxes[mailboxName]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, len(m.records))
	for _, r := range m.records {
		cp := *r
		out = append(out, &cp)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].UID < out[i].UID {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}
