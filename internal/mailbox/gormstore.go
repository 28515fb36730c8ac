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

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/themadorg/mailappend/internal/acl"
	"github.com/themadorg/mailappend/internal/apperr"
	"github.com/themadorg/mailappend/internal/db"
	"github.com/themadorg/mailappend/internal/flags"
	"github.com/themadorg/mailappend/framework/log"
)

// GormStore is the durable mailbox store, built on the
// multi-driver GORM opener (internal/db.New) and GORM models
// (internal/db.{MailboxMeta,Record,UserFlagSlot,Quota}).
type GormStore struct {
	gdb       *gorm.DB
	log       log.Logger
	partition string
	baseDir   string

	locksMu sync.Mutex
	locks   map[string]*sync.RWMutex
}

// OpenGormStore opens (and migrates) a GORM-backed store per cfg.
func OpenGormStore(cfg db.Config, partition, baseDir string, logger log.Logger) (*GormStore, error) {
	gdb, err := db.New(cfg)
	if err != nil {
		return nil, apperr.New(apperr.IOError, "gormstore.Open", err)
	}
	if err := gdb.AutoMigrate(
		&db.MailboxMeta{}, &db.Record{}, &db.UserFlagSlot{}, &db.Quota{},
	); err != nil {
		return nil, apperr.New(apperr.IOError, "gormstore.Migrate", err)
	}
	return &GormStore{
		gdb:       gdb,
		log:       logger,
		partition: partition,
		baseDir:   baseDir,
		locks:     make(map[string]*sync.RWMutex),
	}, nil
}

// DB exposes the underlying connection, matching the
// GORMProvider interface (framework/module.GORMProvider) so other
// components can share one database instead of opening separate files.
func (s *GormStore) DB() *gorm.DB { return s.gdb }

func (s *GormStore) lockFor(name string) *sync.RWMutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[name]
	if !ok {
		mu = &sync.RWMutex{}
		s.locks[name] = mu
	}
	return mu
}

func (s *GormStore) ensureMeta(name string) (*db.MailboxMeta, error) {
	var meta db.MailboxMeta
	err := s.gdb.First(&meta, "name = ?", name).Error
	if err == gorm.ErrRecordNotFound {
		meta = db.MailboxMeta{Name: name, Partition: s.partition, InternalSeen: true}
		if err := s.gdb.Create(&meta).Error; err != nil {
			return nil, err
		}
		return &meta, nil
	}
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *GormStore) OpenRead(name string) (Handle, error) {
	mu := s.lockFor(name)
	mu.RLock()
	meta, err := s.ensureMeta(name)
	if err != nil {
		mu.RUnlock()
		return nil, apperr.New(apperr.IOError, "gormstore.OpenRead", err)
	}
	return &gormHandle{store: s, mu: mu, write: false, meta: meta}, nil
}

func (s *GormStore) OpenWrite(name string) (Handle, error) {
	mu := s.lockFor(name)
	mu.Lock()
	meta, err := s.ensureMeta(name)
	if err != nil {
		mu.Unlock()
		return nil, apperr.New(apperr.IOError, "gormstore.OpenWrite", err)
	}
	return &gormHandle{store: s, mu: mu, write: true, meta: meta}, nil
}

type gormHandle struct {
	store  *GormStore
	mu     *sync.RWMutex
	write  bool
	closed bool
	meta   *db.MailboxMeta

	userFlags *gormUserFlagTable
}

func (h *gormHandle) Name() string      { return h.meta.Name }
func (h *gormHandle) Partition() string { return h.meta.Partition }
func (h *gormHandle) UniqueID() string  { return h.meta.Name }

func (h *gormHandle) Rights(access AccessInfo) acl.Rights {
	if access.Admin {
		return acl.Lookup | acl.Read | acl.Seen | acl.Write | acl.Insert | acl.Post |
			acl.CreateMailbox | acl.DeleteMailbox | acl.DeleteMsg | acl.Admin
	}
	return acl.Parse(access.Auth)
}

func (h *gormHandle) LastUID() uint32 { return h.meta.LastUID }

func (h *gormHandle) QuotaCheck(deltas map[string]int64) error {
	for resource, delta := range deltas {
		var q db.Quota
		err := h.store.gdb.First(&q, "mailbox_name = ? AND resource = ?", h.meta.Name, resource).Error
		if err == gorm.ErrRecordNotFound {
			continue
		}
		if err != nil {
			return apperr.New(apperr.IOError, "gormstore.QuotaCheck", err)
		}
		if q.Used+delta > q.Max {
			return apperr.New(apperr.QuotaExceeded, "gormstore.QuotaCheck", fmt.Errorf("resource %s over quota", resource))
		}
	}
	return nil
}

func (h *gormHandle) RecordFilename(rec *Record) string {
	return filepath.Join(h.store.baseDir, h.meta.Name, fmt.Sprintf("%d.", rec.UID))
}

func (h *gormHandle) CopyOrLink(srcPath, dstPath string, nolink bool) error {
	return copyOrLinkFile(srcPath, dstPath, nolink)
}

func (h *gormHandle) AppendIndexRecord(rec *Record) error {
	row := db.Record{
		MailboxName:      h.meta.Name,
		UID:              rec.UID,
		InternalDate:     rec.InternalDate,
		SystemFlags:      uint32(rec.SystemFlags),
		UserFlagsLo:      rec.UserFlags[0],
		UserFlagsHi:      rec.UserFlags[1],
		ConversationID:   rec.ConversationID,
		CacheOffset:      rec.CacheOffset,
		ContentHash:      rec.ContentHash[:],
		Size:             rec.Size,
		ExternallyStored: rec.ExternallyStored,
	}
	if err := h.store.gdb.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return apperr.New(apperr.IOError, "gormstore.AppendIndexRecord", err)
	}
	if rec.UID > h.meta.LastUID {
		h.meta.LastUID = rec.UID
	}
	if err := h.store.gdb.Model(&db.Quota{}).
		Where("mailbox_name = ? AND resource = ?", h.meta.Name, "storage").
		Update("used", gorm.Expr("used + ?", rec.Size)).Error; err != nil {
		h.store.log.Error("gormstore: bump storage usage", err)
	}
	return nil
}

func (h *gormHandle) CacheRecord(uid uint32) (*Record, error) {
	var row db.Record
	err := h.store.gdb.First(&row, "mailbox_name = ? AND uid = ?", h.meta.Name, uid).Error
	if err != nil {
		return nil, apperr.New(apperr.IOError, "gormstore.CacheRecord", err)
	}
	rec := &Record{
		UID:              row.UID,
		InternalDate:     row.InternalDate,
		SystemFlags:      flags.SystemFlags(row.SystemFlags),
		UserFlags:        flags.Bitset{row.UserFlagsLo, row.UserFlagsHi},
		ConversationID:   row.ConversationID,
		CacheOffset:      row.CacheOffset,
		Size:             row.Size,
		ExternallyStored: row.ExternallyStored,
	}
	copy(rec.ContentHash[:], row.ContentHash)
	return rec, nil
}

func (h *gormHandle) ShouldArchive(rec *Record) bool { return false }

func (h *gormHandle) UserFlags() flags.Table {
	if h.userFlags == nil {
		h.userFlags = &gormUserFlagTable{gdb: h.store.gdb, mailbox: h.meta.Name}
	}
	return h.userFlags
}

func (h *gormHandle) InternalSeen(userID string) bool { return h.meta.InternalSeen }

func (h *gormHandle) StageDir() string {
	return filepath.Join(h.store.baseDir, "stage", h.meta.Partition)
}

func (h *gormHandle) SetLastAppendDate(t time.Time) { h.meta.LastAppendDate = t }

func (h *gormHandle) Commit() error {
	if err := h.store.gdb.Save(h.meta).Error; err != nil {
		return apperr.New(apperr.IOError, "gormstore.Commit", err)
	}
	return nil
}

func (h *gormHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	if h.write {
		h.mu.Unlock()
	} else {
		h.mu.RUnlock()
	}
	return nil
}

// gormUserFlagTable implements flags.Table against db.UserFlagSlot.
type gormUserFlagTable struct {
	mu      sync.Mutex
	gdb     *gorm.DB
	mailbox string
}

func (t *gormUserFlagTable) LookupOrAlloc(name string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var row db.UserFlagSlot
	err := t.gdb.First(&row, "mailbox_name = ? AND name = ?", t.mailbox, name).Error
	if err == nil {
		return row.Slot, nil
	}
	if err != gorm.ErrRecordNotFound {
		return 0, apperr.New(apperr.IOError, "gormstore.LookupOrAlloc", err)
	}

	var count int64
	if err := t.gdb.Model(&db.UserFlagSlot{}).Where("mailbox_name = ?", t.mailbox).Count(&count).Error; err != nil {
		return 0, apperr.New(apperr.IOError, "gormstore.LookupOrAlloc", err)
	}
	if int(count) >= flags.MaxUserFlags {
		return 0, apperr.New(apperr.UserFlagsExhausted, "gormstore.LookupOrAlloc", nil)
	}
	slot := int(count)
	row = db.UserFlagSlot{MailboxName: t.mailbox, Slot: slot, Name: name}
	if err := t.gdb.Create(&row).Error; err != nil {
		return 0, apperr.New(apperr.IOError, "gormstore.LookupOrAlloc", err)
	}
	return slot, nil
}

func (t *gormUserFlagTable) Lookup(name string) (int, bool) {
	var row db.UserFlagSlot
	if err := t.gdb.First(&row, "mailbox_name = ? AND name = ?", t.mailbox, name).Error; err != nil {
		return 0, false
	}
	return row.Slot, true
}

func (t *gormUserFlagTable) Name(slot int) (string, bool) {
	var row db.UserFlagSlot
	if err := t.gdb.First(&row, "mailbox_name = ? AND slot = ?", t.mailbox, slot).Error; err != nil {
		return "", false
	}
	return row.Name, true
}
