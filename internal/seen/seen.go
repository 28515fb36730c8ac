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

// Package seen implements the seen-state accumulator and external seen
// database (spec §4.5). A session accumulates internal or external seen
// state per message, then commit merges the external set into the
// per-user seen db under its own lock.
package seen

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gorm.io/gorm"

	"github.com/themadorg/mailappend/internal/apperr"
	"github.com/themadorg/mailappend/internal/db"
)

// UIDSet is a sparse set of UIDs, serialized as comma-separated ranges
// (the same run-length shape as an IMAP sequence set) for storage.
type UIDSet map[uint32]struct{}

// NewUIDSet builds a UIDSet from individual UIDs.
func NewUIDSet(uids ...uint32) UIDSet {
	s := make(UIDSet, len(uids))
	for _, u := range uids {
		s[u] = struct{}{}
	}
	return s
}

// Add inserts uid into the set.
func (s UIDSet) Add(uid uint32) { s[uid] = struct{}{} }

// Union returns a new set containing every UID in s or other.
func (s UIDSet) Union(other UIDSet) UIDSet {
	out := make(UIDSet, len(s)+len(other))
	for u := range s {
		out[u] = struct{}{}
	}
	for u := range other {
		out[u] = struct{}{}
	}
	return out
}

// Serialize renders the set as sorted, run-length-collapsed ranges:
// "1,3:5,9".
func (s UIDSet) Serialize() string {
	if len(s) == 0 {
		return ""
	}
	uids := make([]uint32, 0, len(s))
	for u := range s {
		uids = append(uids, u)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	var parts []string
	start := uids[0]
	prev := uids[0]
	for _, u := range uids[1:] {
		if u == prev+1 {
			prev = u
			continue
		}
		parts = append(parts, rangeStr(start, prev))
		start, prev = u, u
	}
	parts = append(parts, rangeStr(start, prev))
	return strings.Join(parts, ",")
}

func rangeStr(start, end uint32) string {
	if start == end {
		return strconv.FormatUint(uint64(start), 10)
	}
	return fmt.Sprintf("%d:%d", start, end)
}

// Parse decodes the Serialize format back into a UIDSet. Malformed
// ranges are skipped rather than failing the whole parse, since a seen db
// read should degrade gracefully.
func Parse(s string) UIDSet {
	out := make(UIDSet)
	if s == "" {
		return out
	}
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		if idx := strings.IndexByte(part, ':'); idx >= 0 {
			lo, err1 := strconv.ParseUint(part[:idx], 10, 32)
			hi, err2 := strconv.ParseUint(part[idx+1:], 10, 32)
			if err1 != nil || err2 != nil || hi < lo {
				continue
			}
			for u := lo; u <= hi; u++ {
				out[uint32(u)] = struct{}{}
			}
			continue
		}
		u, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			continue
		}
		out[uint32(u)] = struct{}{}
	}
	return out
}

// Accumulator tracks a single append session's seen-state policy and
// pending UID set. internal is derived once at session setup from the
// mailbox/user policy query and never changes for the session's lifetime.
type Accumulator struct {
	internal bool
	pending  UIDSet
}

// NewAccumulator builds an Accumulator for a session under the given
// internal-seen policy.
func NewAccumulator(internal bool) *Accumulator {
	return &Accumulator{internal: internal, pending: make(UIDSet)}
}

// Internal reports whether this session stores Seen on the record itself.
func (a *Accumulator) Internal() bool { return a.internal }

// Set records uid as seen: either the caller should set the SEEN bit on
// the record in place (Internal() == true) or it's added to the pending
// external set. Set mirrors append_setseen's branch but leaves the
// actual record-bit mutation to the caller, since Accumulator doesn't
// hold a mailbox.Record reference.
func (a *Accumulator) Set(uid uint32) {
	if a.internal {
		return
	}
	a.pending.Add(uid)
}

// Pending returns the accumulated external-seen UID set.
func (a *Accumulator) Pending() UIDSet { return a.pending }

// Discard clears the accumulated set, used by abort.
func (a *Accumulator) Discard() { a.pending = make(UIDSet) }

// Store is the external, per-user seen database (spec §6 "Seen store").
type Store struct {
	gdb   *gorm.DB
	locks sync.Map // key: userID+"\x00"+mailboxUniqueID -> *sync.Mutex
}

// NewStore wraps gdb, auto-migrating the SeenEntry table.
func NewStore(gdb *gorm.DB) (*Store, error) {
	if err := gdb.AutoMigrate(&db.SeenEntry{}); err != nil {
		return nil, apperr.New(apperr.IOError, "seen.NewStore", err)
	}
	return &Store{gdb: gdb}, nil
}

func (s *Store) lockFor(userID, mailboxUniqueID string) *sync.Mutex {
	key := userID + "\x00" + mailboxUniqueID
	v, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Merge unions pending into the user's seen set for mailboxUniqueID,
// stamping lastchange, under the per-(user,mailbox) lock (spec §4.5:
// "open/create the user's seen db, take the lock... union... write back,
// release"). Callers must ensure pending's UIDs are all strictly greater
// than any the db already holds for this mailbox (the append-session
// caller contract this precondition assumes, per design note §9).
func (s *Store) Merge(userID, mailboxUniqueID string, pending UIDSet, now int64) error {
	if len(pending) == 0 || userID == "" {
		return nil
	}
	mu := s.lockFor(userID, mailboxUniqueID)
	mu.Lock()
	defer mu.Unlock()

	var row db.SeenEntry
	err := s.gdb.First(&row, "user_id = ? AND mailbox_unique_id = ?", userID, mailboxUniqueID).Error
	existing := NewUIDSet()
	if err == nil {
		existing = Parse(row.SeenRanges)
	} else if err != gorm.ErrRecordNotFound {
		return apperr.New(apperr.IOError, "seen.Merge", err)
	}

	merged := existing.Union(pending)
	row = db.SeenEntry{
		UserID:          userID,
		MailboxUniqueID: mailboxUniqueID,
		SeenRanges:      merged.Serialize(),
		LastChange:      now,
	}
	if err := s.gdb.Save(&row).Error; err != nil {
		return apperr.New(apperr.IOError, "seen.Merge", err)
	}
	return nil
}

// Read returns the current seen set for (userID, mailboxUniqueID),
// primarily for tests asserting the seen-union property.
func (s *Store) Read(userID, mailboxUniqueID string) (UIDSet, error) {
	var row db.SeenEntry
	err := s.gdb.First(&row, "user_id = ? AND mailbox_unique_id = ?", userID, mailboxUniqueID).Error
	if err == gorm.ErrRecordNotFound {
		return NewUIDSet(), nil
	}
	if err != nil {
		return nil, apperr.New(apperr.IOError, "seen.Read", err)
	}
	return Parse(row.SeenRanges), nil
}
