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

// Package acl models mailbox access rights as a small bitset, per the
// design note directing a sum-type/bitset rewrite of the original's raw
// integer ACL masks.
package acl

import (
	"strings"

	"github.com/themadorg/mailappend/internal/apperr"
)

// Rights is a bitset of the rights a session's access context holds
// against a mailbox.
type Rights uint16

const (
	Lookup Rights = 1 << iota
	Read
	Seen
	Write
	Insert
	Post
	CreateMailbox
	DeleteMailbox
	DeleteMsg
	Admin
)

// Has reports whether all bits of want are present in r.
func (r Rights) Has(want Rights) bool {
	return r&want == want
}

// Any reports whether any bit of want is present in r.
func (r Rights) Any(want Rights) bool {
	return r&want != 0
}

var letters = []struct {
	b Rights
	c byte
}{
	{Lookup, 'l'},
	{Read, 'r'},
	{Seen, 's'},
	{Write, 'w'},
	{Insert, 'i'},
	{Post, 'p'},
	{CreateMailbox, 'k'},
	{DeleteMailbox, 'x'},
	{DeleteMsg, 't'},
	{Admin, 'a'},
}

// Parse decodes an RFC 4314-style rights string ("lrswipkxta") into a
// Rights bitset. Unknown letters are ignored.
func Parse(s string) Rights {
	var r Rights
	s = strings.ToLower(s)
	for _, l := range letters {
		if strings.IndexByte(s, l.c) >= 0 {
			r |= l.b
		}
	}
	return r
}

// String renders r back into its letter form, in canonical order.
func (r Rights) String() string {
	var sb strings.Builder
	for _, l := range letters {
		if r.Has(l.b) {
			sb.WriteByte(l.c)
		}
	}
	return sb.String()
}

// Gate implements the append_check/append_setup ACL gate: returns nil if
// every bit of required is present; apperr.PermissionDenied if Lookup is
// present but required isn't fully satisfied; apperr.MailboxNonexistent if
// Lookup itself is absent.
func Gate(op string, rights, required Rights) error {
	if rights.Has(required) {
		return nil
	}
	if rights.Has(Lookup) {
		return apperr.New(apperr.PermissionDenied, op, nil)
	}
	return apperr.New(apperr.MailboxNonexistent, op, nil)
}
