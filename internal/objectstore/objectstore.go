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

// Package objectstore implements the content-addressed blob store the
// append core treats as an external collaborator (spec §1, §6): "put is
// idempotent; add-refcount on content hash".
package objectstore

import (
	"context"
	"encoding/hex"
	"io"

	"golang.org/x/sync/singleflight"
)

// Store is the object-storage contract §6 names: put(mailbox, record,
// path) idempotent with add-refcount semantics. Get/Release round out the
// contract for the copy path (§4.6 step 8, "bump the refcount") and for
// tests.
type Store interface {
	// Put uploads (or, if hash already exists, just bumps the refcount
	// of) the content at hash. Concurrent Puts of the same hash are
	// deduped by the caller via Deduped.
	Put(ctx context.Context, hash [32]byte, r io.Reader, size int64) error
	// AddRef bumps hash's refcount without re-uploading — the copy
	// path's "archived + object storage: bump refcount" step (§4.6.8).
	AddRef(ctx context.Context, hash [32]byte) error
	// Get opens hash's content for reading.
	Get(ctx context.Context, hash [32]byte) (io.ReadCloser, error)
}

func hashKey(hash [32]byte) string {
	return hex.EncodeToString(hash[:])
}

// Deduped wraps a Store so concurrent Put calls for the same content hash
// collapse into a single upload, per the domain-stack wiring notes
// (singleflight).
type Deduped struct {
	Store
	group singleflight.Group
}

// NewDeduped wraps inner with singleflight-based Put deduplication.
func NewDeduped(inner Store) *Deduped {
	return &Deduped{Store: inner}
}

func (d *Deduped) Put(ctx context.Context, hash [32]byte, r io.Reader, size int64) error {
	leader := false
	_, err, _ := d.group.Do(hashKey(hash), func() (interface{}, error) {
		leader = true
		return nil, d.Store.Put(ctx, hash, r, size)
	})
	if err == nil && !leader {
		// This call joined another caller's upload; it still adds a reference.
		err = d.Store.AddRef(ctx, hash)
	}
	return err
}
