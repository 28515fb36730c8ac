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
	"bytes"
	"context"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/minio/minio-go/v7"

	"github.com/themadorg/mailappend/internal/apperr"
)

// S3Store archives blobs to an S3-compatible bucket, optionally
// zstd-compressing them before upload. The refcount row records the
// "compressed" flag; Get decides whether to unwrap from the store's own
// Compress setting, not from that row.
type S3Store struct {
	Client   *minio.Client
	Bucket   string
	Refs     RefCounter
	Compress bool
	zstdEnc  *zstd.Encoder
}

// NewS3Store wraps an existing minio client. compress turns on zstd
// compression of blob content before upload.
func NewS3Store(client *minio.Client, bucket string, refs RefCounter, compress bool) (*S3Store, error) {
	s := &S3Store{Client: client, Bucket: bucket, Refs: refs, Compress: compress}
	if compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, apperr.New(apperr.IOError, "objectstore.NewS3Store", err)
		}
		s.zstdEnc = enc
	}
	return s, nil
}

func (s *S3Store) Put(ctx context.Context, hash [32]byte, r io.Reader, size int64) error {
	first, err := s.Refs.Acquire(ctx, hash, size, s.Compress)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	key := hashKey(hash)
	body := r
	uploadSize := size
	if s.Compress {
		raw, err := io.ReadAll(r)
		if err != nil {
			return apperr.New(apperr.IOError, "objectstore.S3Store.Put", err)
		}
		compressed := s.zstdEnc.EncodeAll(raw, nil)
		body = bytes.NewReader(compressed)
		uploadSize = int64(len(compressed))
	}

	_, err = s.Client.PutObject(ctx, s.Bucket, key, body, uploadSize, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return apperr.New(apperr.IOError, "objectstore.S3Store.Put", err)
	}
	return nil
}

func (s *S3Store) AddRef(ctx context.Context, hash [32]byte) error {
	return s.Refs.IncRef(ctx, hash)
}

func (s *S3Store) Get(ctx context.Context, hash [32]byte) (io.ReadCloser, error) {
	key := hashKey(hash)
	obj, err := s.Client.GetObject(ctx, s.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, apperr.New(apperr.IOError, "objectstore.S3Store.Get", err)
	}
	if !s.Compress {
		return obj, nil
	}

	raw, err := io.ReadAll(obj)
	obj.Close()
	if err != nil {
		return nil, apperr.New(apperr.IOError, "objectstore.S3Store.Get", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, apperr.New(apperr.IOError, "objectstore.S3Store.Get", err)
	}
	defer dec.Close()
	plain, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, apperr.New(apperr.IOError, "objectstore.S3Store.Get", err)
	}
	return io.NopCloser(bytes.NewReader(plain)), nil
}
