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

	"gorm.io/gorm"

	"github.com/themadorg/mailappend/internal/apperr"
	"github.com/themadorg/mailappend/internal/db"
)

// RefCounter tracks how many mailbox records reference a given content
// hash, backing the "idempotent; add-refcount on content hash" contract
// shared by every Store implementation.
type RefCounter interface {
	// Acquire registers one more reference to hash, creating its row
	// with size/compressed metadata if this is the first. firstRef is
	// true only on that first call, telling the Store whether it still
	// needs to write the blob.
	Acquire(ctx context.Context, hash [32]byte, size int64, compressed bool) (firstRef bool, err error)
	// IncRef bumps an existing hash's refcount without touching its
	// stored metadata (the copy path's "bump the refcount" step).
	IncRef(ctx context.Context, hash [32]byte) error
}

// GormRefCounter is a RefCounter backed by the db.ObjectRef table.
type GormRefCounter struct {
	gdb *gorm.DB
}

// NewGormRefCounter wraps gdb, auto-migrating db.ObjectRef.
func NewGormRefCounter(gdb *gorm.DB) (*GormRefCounter, error) {
	if err := gdb.AutoMigrate(&db.ObjectRef{}); err != nil {
		return nil, apperr.New(apperr.IOError, "objectstore.NewGormRefCounter", err)
	}
	return &GormRefCounter{gdb: gdb}, nil
}

func (c *GormRefCounter) Acquire(ctx context.Context, hash [32]byte, size int64, compressed bool) (bool, error) {
	key := hashKey(hash)
	var row db.ObjectRef
	err := c.gdb.WithContext(ctx).First(&row, "content_hash = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		row = db.ObjectRef{ContentHash: key, RefCount: 1, Size: size, Compressed: compressed}
		if err := c.gdb.WithContext(ctx).Create(&row).Error; err != nil {
			return false, apperr.New(apperr.IOError, "objectstore.Acquire", err)
		}
		return true, nil
	}
	if err != nil {
		return false, apperr.New(apperr.IOError, "objectstore.Acquire", err)
	}
	if err := c.gdb.WithContext(ctx).Model(&db.ObjectRef{}).
		Where("content_hash = ?", key).
		Update("ref_count", gorm.Expr("ref_count + 1")).Error; err != nil {
		return false, apperr.New(apperr.IOError, "objectstore.Acquire", err)
	}
	return false, nil
}

func (c *GormRefCounter) IncRef(ctx context.Context, hash [32]byte) error {
	_, err := c.Acquire(ctx, hash, 0, false)
	return err
}
