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

package objectstore

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/themadorg/mailappend/internal/apperr"
)

// FSStore keeps archived blobs on local disk, sharded two levels deep by
// the first bytes of the content hash, with refcounts tracked by Refs.
type FSStore struct {
	Dir  string
	Refs RefCounter
}

// NewFSStore builds an FSStore rooted at dir.
func NewFSStore(dir string, refs RefCounter) *FSStore {
	return &FSStore{Dir: dir, Refs: refs}
}

func (f *FSStore) path(hash [32]byte) string {
	key := hashKey(hash)
	return filepath.Join(f.Dir, key[:2], key[2:4], key)
}

func (f *FSStore) Put(ctx context.Context, hash [32]byte, r io.Reader, size int64) error {
	first, err := f.Refs.Acquire(ctx, hash, size, false)
	if err != nil {
		return err
	}
	if !first {
		// Already stored under this hash; nothing further to write.
		return nil
	}

	p := f.path(hash)
	if err := os.MkdirAll(filepath.Dir(p), 0o770); err != nil {
		return apperr.New(apperr.IOError, "objectstore.FSStore.Put", err)
	}
	tmp := p + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o660)
	if err != nil {
		return apperr.New(apperr.IOError, "objectstore.FSStore.Put", err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(tmp)
		return apperr.New(apperr.IOError, "objectstore.FSStore.Put", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return apperr.New(apperr.IOError, "objectstore.FSStore.Put", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return apperr.New(apperr.IOError, "objectstore.FSStore.Put", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return apperr.New(apperr.IOError, "objectstore.FSStore.Put", err)
	}
	return nil
}

func (f *FSStore) AddRef(ctx context.Context, hash [32]byte) error {
	return f.Refs.IncRef(ctx, hash)
}

func (f *FSStore) Get(ctx context.Context, hash [32]byte) (io.ReadCloser, error) {
	file, err := os.Open(f.path(hash))
	if err != nil {
		return nil, apperr.New(apperr.IOError, "objectstore.FSStore.Get", err)
	}
	return file, nil
}
