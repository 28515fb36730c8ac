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

// Package flags models system flags as a bitmask and per-name flag
// requests as a small sum type, per design note §9 ("use a sum type for
// flag variants... plus a small bitset for ACL rights").
package flags

import (
	"strings"
	"sync"

	imap "github.com/emersion/go-imap"

	"github.com/themadorg/mailappend/internal/acl"
	"github.com/themadorg/mailappend/internal/apperr"
)

// SystemFlags is the record-level bitmask subset of {Seen, Deleted, Draft,
// Flagged, Answered, Archived}.
type SystemFlags uint32

const (
	Seen SystemFlags = 1 << iota
	Deleted
	Draft
	Flagged
	Answered
	Archived
)

// Has reports whether all bits of want are set.
func (f SystemFlags) Has(want SystemFlags) bool { return f&want == want }

// Names renders the set bits as their RFC 3501 flag strings, reusing the
// go-imap flag name constants instead of re-declaring them.
func (f SystemFlags) Names() []string {
	var out []string
	if f.Has(Seen) {
		out = append(out, imap.SeenFlag)
	}
	if f.Has(Deleted) {
		out = append(out, imap.DeletedFlag)
	}
	if f.Has(Draft) {
		out = append(out, imap.DraftFlag)
	}
	if f.Has(Flagged) {
		out = append(out, imap.FlaggedFlag)
	}
	if f.Has(Answered) {
		out = append(out, imap.AnsweredFlag)
	}
	return out
}

// ResetToSeenOnly masks a record's system flags down to just SEEN, the
// policy append_run_annotator applies before replaying a callout against
// an already-indexed record.
func ResetToSeenOnly(f SystemFlags) SystemFlags {
	if f.Has(Seen) {
		return Seen
	}
	return 0
}

// Kind discriminates the Flag sum type.
type Kind int

const (
	KindSeen Kind = iota
	KindDeleted
	KindDraft
	KindFlagged
	KindAnswered
	KindUser
)

// Flag is a single parsed flag-name request: one of the fixed system
// variants, or a User variant carrying the mailbox-local flag name.
type Flag struct {
	Kind Kind
	Name string // valid only when Kind == KindUser
}

// Parse maps a case-insensitive flag name onto its Flag variant. Anything
// that isn't one of the five fixed system flags becomes a KindUser flag
// named after the (case-preserved) input.
func Parse(name string) Flag {
	switch strings.ToLower(name) {
	case imap.SeenFlag, `\seen`:
		return Flag{Kind: KindSeen}
	case imap.DeletedFlag, `\deleted`:
		return Flag{Kind: KindDeleted}
	case imap.DraftFlag, `\draft`:
		return Flag{Kind: KindDraft}
	case imap.FlaggedFlag, `\flagged`:
		return Flag{Kind: KindFlagged}
	case imap.AnsweredFlag, `\answered`:
		return Flag{Kind: KindAnswered}
	default:
		return Flag{Kind: KindUser, Name: name}
	}
}

// MaxUserFlags is the width of the per-mailbox user-flag slot space.
const MaxUserFlags = 128

// Bitset is a fixed-width 128-bit set of user-flag slots.
type Bitset [2]uint64

func (b *Bitset) word(slot int) (*uint64, uint) {
	if slot >= 64 {
		return &b[1], uint(slot - 64)
	}
	return &b[0], uint(slot)
}

// Set marks slot as present.
func (b *Bitset) Set(slot int) {
	w, bit := b.word(slot)
	*w |= 1 << bit
}

// Clear unmarks slot.
func (b *Bitset) Clear(slot int) {
	w, bit := b.word(slot)
	*w &^= 1 << bit
}

// Has reports whether slot is present.
func (b Bitset) Has(slot int) bool {
	w, bit := b.word(slot)
	return *w&(1<<bit) != 0
}

// IsZero reports whether no slot is set.
func (b Bitset) IsZero() bool { return b[0] == 0 && b[1] == 0 }

// ErrUserFlagsExhausted is an apperr.UserFlagsExhausted error value.
// Table implementations return their own error of that kind rather than
// this value, so callers test for it with apperr.Is.
var ErrUserFlagsExhausted = apperr.New(apperr.UserFlagsExhausted, "flags.LookupOrAlloc", nil)

// Table is the per-mailbox user-flag name<->slot mapping, stored in the
// mailbox header and mutated only under the mailbox write lock.
type Table interface {
	// LookupOrAlloc returns name's slot, allocating a new one from the
	// 128-slot table if name is unseen. Returns apperr.UserFlagsExhausted
	// if the table is full.
	LookupOrAlloc(name string) (slot int, err error)
	// Lookup returns name's slot without allocating.
	Lookup(name string) (slot int, ok bool)
	// Name returns the flag name bound to slot, if any.
	Name(slot int) (string, bool)
}

// SimpleTable is an in-process Table backed by a name slice indexed by
// slot, matching the header-resident slot table's shape.
type SimpleTable struct {
	mu    sync.Mutex
	names []string // index == slot; "" means free
}

// NewSimpleTable returns an empty slot table.
func NewSimpleTable() *SimpleTable {
	return &SimpleTable{names: make([]string, 0, 16)}
}

func (t *SimpleTable) LookupOrAlloc(name string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, n := range t.names {
		if n == name {
			return i, nil
		}
	}
	for i, n := range t.names {
		if n == "" {
			t.names[i] = name
			return i, nil
		}
	}
	if len(t.names) >= MaxUserFlags {
		return 0, apperr.New(apperr.UserFlagsExhausted, "flags.LookupOrAlloc", nil)
	}
	t.names = append(t.names, name)
	return len(t.names) - 1, nil
}

func (t *SimpleTable) Lookup(name string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, n := range t.names {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

func (t *SimpleTable) Name(slot int) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot < 0 || slot >= len(t.names) || t.names[slot] == "" {
		return "", false
	}
	return t.names[slot], true
}

// ApplyResult is the outcome of Apply: the flags that actually took
// effect (for the event record) plus whether \Seen was among them (the
// caller routes that through the seen accumulator rather than a bit here).
type ApplyResult struct {
	System       SystemFlags
	User         Bitset
	Applied      []string
	SeenRequested bool
}

// Apply maps flag names onto the record's working system-flag bitmask and
// user-flag bitset, gated by rights, starting from base/baseUser. Disallowed
// flags are silently dropped, matching the "no error" policy for unauthorized flags;
// UserFlagsExhausted is the only fatal outcome.
func Apply(names []string, rights acl.Rights, table Table, base SystemFlags, baseUser Bitset) (ApplyResult, error) {
	res := ApplyResult{System: base, User: baseUser}

	for _, raw := range names {
		f := Parse(raw)
		switch f.Kind {
		case KindSeen:
			res.SeenRequested = true
			res.Applied = append(res.Applied, imap.SeenFlag)
		case KindDeleted:
			if !rights.Has(acl.DeleteMsg) {
				continue
			}
			res.System |= Deleted
			res.Applied = append(res.Applied, imap.DeletedFlag)
		case KindDraft:
			if !rights.Has(acl.Write) {
				continue
			}
			res.System |= Draft
			res.Applied = append(res.Applied, imap.DraftFlag)
		case KindFlagged:
			if !rights.Has(acl.Write) {
				continue
			}
			res.System |= Flagged
			res.Applied = append(res.Applied, imap.FlaggedFlag)
		case KindAnswered:
			if !rights.Has(acl.Write) {
				continue
			}
			res.System |= Answered
			res.Applied = append(res.Applied, imap.AnsweredFlag)
		case KindUser:
			if !rights.Has(acl.Write) {
				continue
			}
			slot, err := table.LookupOrAlloc(f.Name)
			if err != nil {
				return res, err
			}
			res.User.Set(slot)
			res.Applied = append(res.Applied, f.Name)
		}
	}

	return res, nil
}
