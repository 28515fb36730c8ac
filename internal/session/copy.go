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

package session

import (
	"context"
	"os"

	"github.com/themadorg/mailappend/internal/acl"
	"github.com/themadorg/mailappend/internal/apperr"
	"github.com/themadorg/mailappend/internal/events"
	"github.com/themadorg/mailappend/internal/flags"
	"github.com/themadorg/mailappend/internal/mailbox"
)

// Copy bulk-copies records from srcHandle (which the caller must hold at
// least read-locked) into the session's destination mailbox, renumbering
// UIDs and applying the masking/remap rules of spec §4.6. An empty
// records slice aborts the session immediately and returns nil (spec §4.6:
// "Empty records[] aborts the session immediately with success").
func (s *Session) Copy(ctx context.Context, srcHandle mailbox.Handle, records []*mailbox.Record, nolink bool, sameUser bool) error {
	if len(records) == 0 {
		s.Abort()
		return nil
	}

	for _, src := range records {
		if err := s.copyOne(ctx, srcHandle, src, nolink, sameUser); err != nil {
			s.Abort()
			return err
		}
	}
	return nil
}

func (s *Session) copyOne(ctx context.Context, srcHandle mailbox.Handle, src *mailbox.Record, nolink bool, sameUser bool) error {
	// Step 1: re-read the source record fresh, so it is current even when
	// src == dst (src and dst mailboxes may be the same for a renumbering
	// copy).
	current, err := srcHandle.CacheRecord(src.UID)
	if err != nil {
		return err
	}

	// Step 2: clone and strip.
	rec := *current
	rec.SystemFlags &^= flags.Seen
	if !sameUser {
		rec.ConversationID = ""
	}
	rec.CacheOffset = 0
	rec.UserFlags = flags.Bitset{}

	// Step 3: fresh UID.
	rec.UID = s.nextUID()

	// Step 4/5: remap user flags (if ACL_WRITE) else keep only DELETED;
	// clear DELETED too without ACL_DELETEMSG.
	if s.rights.Has(acl.Write) {
		remapped := flags.Bitset{}
		table := s.handle.UserFlags()
		for slot := 0; slot < flags.MaxUserFlags; slot++ {
			if !current.UserFlags.Has(slot) {
				continue
			}
			name, ok := srcHandle.UserFlags().Name(slot)
			if !ok {
				continue
			}
			newSlot, err := table.LookupOrAlloc(name)
			if err != nil {
				return err
			}
			remapped.Set(newSlot)
		}
		rec.UserFlags = remapped
	} else {
		rec.SystemFlags = current.SystemFlags & flags.Deleted
	}
	if !s.rights.Has(acl.DeleteMsg) {
		rec.SystemFlags &^= flags.Deleted
	}

	// Step 6: re-apply SEEN under the destination's own policy.
	if current.SystemFlags.Has(flags.Seen) {
		s.applySeen(&rec)
	}

	// Step 7: materialize the message file at the destination path.
	finalPath := s.handle.RecordFilename(&rec)
	srcPath := srcHandle.RecordFilename(current)
	if err := s.handle.CopyOrLink(srcPath, finalPath, nolink); err != nil {
		return err
	}

	// Step 8: object storage refcount bump.
	if rec.SystemFlags.Has(flags.Archived) && s.cfg.Objects != nil {
		if err := s.cfg.Objects.AddRef(ctx, rec.ContentHash); err != nil {
			s.cfg.Log.Error("session: copy refcount bump", err)
			rec.SystemFlags &^= flags.Archived
		}
	}

	// Step 9: append, copy annotations, enqueue.
	if err := s.handle.AppendIndexRecord(&rec); err != nil {
		return err
	}
	if rec.SystemFlags.Has(flags.Archived) && rec.ExternallyStored {
		if err := os.Remove(finalPath); err != nil && !os.IsNotExist(err) {
			s.cfg.Log.Error("session: remove archived local copy after copy", err)
		}
	}
	if s.cfg.Annotations != nil {
		if err := s.cfg.Annotations.CopyAnnotations(srcHandle.Name(), current.UID, s.mailboxName, rec.UID, s.access.UserID); err != nil {
			return apperr.New(apperr.IOError, "session.copyOne", err)
		}
	}

	s.enqueue(events.MessageCopy, rec.UID, srcHandle.Name(), current.UID, nil)
	s.nummsg++
	s.copyCount++
	return nil
}
