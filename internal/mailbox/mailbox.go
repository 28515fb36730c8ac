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

// Package mailbox defines the Mailbox Store contract the append core
// consumes (spec §6) — record allocation, index append, quota accounting,
// copy-file link-or-copy — and is explicitly not responsible for
// implementing. Two implementations are provided: gormstore (durable,
// SQL-backed) and memstore (in-process, used in tests and as the
// teacher's own `storage.memory` stands in for a database backend).
package mailbox

import (
	"time"

	"github.com/themadorg/mailappend/internal/acl"
	"github.com/themadorg/mailappend/internal/flags"
)

// Record is the mutated subset of an index record the append core owns
// until it is appended to the mailbox index (spec §3).
type Record struct {
	UID              uint32
	InternalDate     time.Time
	SystemFlags      flags.SystemFlags
	UserFlags        flags.Bitset
	ConversationID   string
	CacheOffset      int64
	ContentHash      [32]byte
	Size             int64
	ExternallyStored bool
}

// AccessInfo is the authentication context a session is opened under: the
// invoking userid (empty for admin delivery), an opaque auth token, and
// whether the caller is acting with admin authority.
type AccessInfo struct {
	UserID string
	Auth   string
	Admin  bool
}

// Handle is a single open, lock-held mailbox. setup/check obtain one;
// commit/abort release it.
type Handle interface {
	// Name is the mailbox's full hierarchical name.
	Name() string
	// Partition is the storage volume this mailbox's files live on,
	// used to resolve stage directories for single-instance staging.
	Partition() string
	// UniqueID is a stable identifier used as the external seen db key,
	// distinct from Name (renames do not change it).
	UniqueID() string

	// Rights computes the ACL rights bitset for access against this
	// mailbox. Computed once at setup and cached by the session.
	Rights(access AccessInfo) acl.Rights

	// LastUID returns the mailbox's last-allocated UID.
	LastUID() uint32

	// QuotaCheck returns apperr.QuotaExceeded if any named resource's
	// projected usage (current + delta) would exceed its floor.
	QuotaCheck(deltas map[string]int64) error

	// RecordFilename resolves the final on-disk path for rec once it is
	// assigned a UID.
	RecordFilename(rec *Record) string

	// CopyOrLink materializes srcPath at dstPath, hard-linking unless
	// nolink forces a copy.
	CopyOrLink(srcPath, dstPath string, nolink bool) error

	// AppendIndexRecord durably appends rec to the in-memory index held
	// by this handle; Commit flushes it.
	AppendIndexRecord(rec *Record) error

	// CacheRecord loads uid's current record, e.g. for the copy path's
	// "read before mutation" step.
	CacheRecord(uid uint32) (*Record, error)

	// ShouldArchive asks the archive policy whether rec should be
	// archived immediately on ingestion.
	ShouldArchive(rec *Record) bool

	// UserFlags returns this mailbox's user-flag slot table.
	UserFlags() flags.Table

	// InternalSeen reports this mailbox/user's seen-storage policy:
	// true stores Seen on the record, false routes through the external
	// seen db.
	InternalSeen(userID string) bool

	// StageDir resolves this mailbox's partition's stage directory.
	StageDir() string

	// SetLastAppendDate stamps the mailbox's last-appenddate on commit.
	SetLastAppendDate(t time.Time)

	// Commit durably flushes the index and releases resources acquired
	// since the handle was opened. It does not release the lock; Close
	// does.
	Commit() error

	// Close releases the mailbox lock.
	Close() error
}

// Store opens mailbox handles by name.
type Store interface {
	// OpenRead opens name read-locked, for check() and copy-path sources.
	OpenRead(name string) (Handle, error)
	// OpenWrite opens name write-locked, for setup()'s destination.
	OpenWrite(name string) (Handle, error)
}
