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

// Package annotation implements the per-UID annotation state store (spec
// §6 "Annotation store"), keeping user and system annotations in
// disjoint namespaces (§3).
package annotation

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/themadorg/mailappend/internal/apperr"
	"github.com/themadorg/mailappend/internal/db"
	"github.com/themadorg/mailappend/framework/log"
)

const (
	kindUser   = "user"
	kindSystem = "system"
)

// Store is the GORM-backed annotation state store.
type Store struct {
	gdb *gorm.DB
	log log.Logger
}

// NewStore wraps gdb, auto-migrating the AnnotationEntry table.
func NewStore(gdb *gorm.DB, logger log.Logger) (*Store, error) {
	if err := gdb.AutoMigrate(&db.AnnotationEntry{}); err != nil {
		return nil, apperr.New(apperr.IOError, "annotation.NewStore", err)
	}
	return &Store{gdb: gdb, log: logger}, nil
}

// State is a handle bound to one (mailbox, uid) pair, obtained fresh for
// each record that needs annotations stored (spec §6 "get_annotate_state").
type State struct {
	store       *Store
	mailboxName string
	uid         uint32
}

// State returns a handle bound to (mailboxName, uid).
func (s *Store) State(mailboxName string, uid uint32) *State {
	return &State{store: s, mailboxName: mailboxName, uid: uid}
}

// StoreUser writes user annotations under ACL enforcement — callers are
// responsible for having already checked write access; this layer just
// persists under the "user" kind.
func (st *State) StoreUser(annots map[string]map[string]string) error {
	return st.store.write(st.mailboxName, st.uid, kindUser, annots)
}

// StoreSystem writes system annotations with admin authority (ACL
// bypassed per spec §3). Failures here are logged by the caller and are
// never fatal to ingestion.
func (st *State) StoreSystem(annots map[string]map[string]string) error {
	return st.store.write(st.mailboxName, st.uid, kindSystem, annots)
}

func (s *Store) write(mailboxName string, uid uint32, kind string, annots map[string]map[string]string) error {
	for entry, attribs := range annots {
		for attrib, value := range attribs {
			row := db.AnnotationEntry{
				MailboxName: mailboxName,
				UID:         uid,
				Entry:       entry,
				Attrib:      attrib,
				Kind:        kind,
				Value:       value,
			}
			if err := s.gdb.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
				return apperr.New(apperr.IOError, "annotation.write", err)
			}
		}
	}
	return nil
}

// DeleteUser removes the (entry, attrib) pair from the user namespace,
// the step ANNOTATION directives perform before setting the system value
// (spec §3's disjointness invariant).
func (s *Store) DeleteUser(mailboxName string, uid uint32, entry, attrib string) error {
	err := s.gdb.Where(
		"mailbox_name = ? AND uid = ? AND entry = ? AND attrib = ? AND kind = ?",
		mailboxName, uid, entry, attrib, kindUser,
	).Delete(&db.AnnotationEntry{}).Error
	if err != nil {
		return apperr.New(apperr.IOError, "annotation.DeleteUser", err)
	}
	return nil
}

// Get returns every annotation stored for (mailboxName, uid), split by
// kind, for tests asserting the callout-reply disjointness property.
func (s *Store) Get(mailboxName string, uid uint32) (user, system map[string]map[string]string, err error) {
	var rows []db.AnnotationEntry
	if err := s.gdb.Where("mailbox_name = ? AND uid = ?", mailboxName, uid).Find(&rows).Error; err != nil {
		return nil, nil, apperr.New(apperr.IOError, "annotation.Get", err)
	}
	user = make(map[string]map[string]string)
	system = make(map[string]map[string]string)
	for _, r := range rows {
		dst := user
		if r.Kind == kindSystem {
			dst = system
		}
		if dst[r.Entry] == nil {
			dst[r.Entry] = make(map[string]string)
		}
		dst[r.Entry][r.Attrib] = r.Value
	}
	return user, system, nil
}

// CopyAnnotations copies every annotation from (srcMailbox, srcUID) to
// (dstMailbox, dstUID) (spec §4.6 step 9, §6 "annotate_msg_copy").
// userID is accepted for call-site parity and is not consulted; no
// access check is made here.
func (s *Store) CopyAnnotations(srcMailbox string, srcUID uint32, dstMailbox string, dstUID uint32, userID string) error {
	var rows []db.AnnotationEntry
	if err := s.gdb.Where("mailbox_name = ? AND uid = ?", srcMailbox, srcUID).Find(&rows).Error; err != nil {
		return apperr.New(apperr.IOError, "annotation.CopyAnnotations", err)
	}
	for _, r := range rows {
		r.MailboxName = dstMailbox
		r.UID = dstUID
		if err := s.gdb.Clauses(clause.OnConflict{UpdateAll: true}).Create(&r).Error; err != nil {
			return apperr.New(apperr.IOError, "annotation.CopyAnnotations", err)
		}
	}
	return nil
}
