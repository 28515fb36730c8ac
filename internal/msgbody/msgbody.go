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

// Package msgbody defines the minimal shape the append core needs from a
// parsed message body. MIME body-tree construction itself is out of scope
// (§1); session.Config accepts a ParseBody function so a real parser can
// be plugged in without this module depending on one.
package msgbody

// Tree is a parsed message body, reduced to what from_stage's index-record
// construction and the annotator's BODY directive need.
type Tree interface {
	// GUID is the message's content hash, hex-ready.
	GUID() [32]byte
	// Size is the decoded body size in bytes.
	Size() int64
	// Canonical renders the project's depth-2 canonical body representation
	// used in the annotator request payload's BODY field.
	Canonical() []byte
}

// Stub is a trivial Tree used where no real MIME parser is wired in
// (tests, and callers that only need the size/hash fields).
type Stub struct {
	Hash      [32]byte
	ByteSize  int64
	Canon     []byte
}

func (s Stub) GUID() [32]byte   { return s.Hash }
func (s Stub) Size() int64      { return s.ByteSize }
func (s Stub) Canonical() []byte { return s.Canon }
