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
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/themadorg/mailappend/internal/acl"
	"github.com/themadorg/mailappend/internal/annotator"
	"github.com/themadorg/mailappend/internal/apperr"
	"github.com/themadorg/mailappend/internal/events"
	"github.com/themadorg/mailappend/internal/flags"
	"github.com/themadorg/mailappend/internal/mailbox"
	"github.com/themadorg/mailappend/internal/msgbody"
	"github.com/themadorg/mailappend/internal/stage"
)

// FromStream ingests a message streamed directly into the mailbox's final
// record path, bypassing staging; it never invokes the annotator or object
// storage (spec §4.1 `from_stream`). Any failure aborts the whole session.
func (s *Session) FromStream(body io.Reader, size int64, internalDate time.Time, flagNames []string) error {
	uid := s.nextUID()
	rec := &mailbox.Record{UID: uid, InternalDate: internalDate}
	finalPath := s.handle.RecordFilename(rec)

	if err := writeStream(finalPath, body); err != nil {
		s.Abort()
		return err
	}

	tree, err := s.cfg.ParseBody(finalPath)
	if err != nil {
		s.Abort()
		return apperr.New(apperr.ParseError, "session.FromStream", err)
	}
	rec.Size = tree.Size()
	rec.ContentHash = tree.GUID()
	if rec.Size == 0 {
		rec.Size = size
	}

	res, err := flags.Apply(flagNames, s.rights, s.handle.UserFlags(), 0, flags.Bitset{})
	if err != nil {
		s.Abort()
		return err
	}
	rec.SystemFlags = res.System
	rec.UserFlags = res.User
	if res.SeenRequested {
		s.applySeen(rec)
	}

	if err := s.handle.AppendIndexRecord(rec); err != nil {
		s.Abort()
		return err
	}

	s.enqueue(eventForIngest(s.eventType), uid, "", 0, res.Applied)
	s.nummsg++
	s.appendCount++
	return nil
}

func eventForIngest(requested events.Type) events.Type {
	if requested == events.None {
		return events.None
	}
	if requested == events.MessageCopy {
		return events.MessageAppend
	}
	return requested
}

func writeStream(path string, body io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o770); err != nil {
		return apperr.New(apperr.IOError, "session.writeStream", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o660)
	if err != nil {
		return apperr.New(apperr.IOError, "session.writeStream", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return apperr.New(apperr.IOError, "session.writeStream", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return apperr.New(apperr.IOError, "session.writeStream", err)
	}
	if err := f.Close(); err != nil {
		return apperr.New(apperr.IOError, "session.writeStream", err)
	}
	return nil
}

// FromStage is the primary ingestion path: single-instance-links the
// staged content into this mailbox's partition, runs the annotator
// callout, optionally archives to object storage, applies flags, and
// stores annotations (spec §4.1/§4.2 `from_stage`). bodyTree may be nil,
// in which case the first stage part is parsed from disk. userAnnotations
// is consumed and mutated in place (ANNOTATION directives remove entries
// from it as they promote them to system annotations).
func (s *Session) FromStage(ctx context.Context, st *stage.Stage, bodyTree msgbody.Tree, internalDate time.Time, flagNames []string, nolink bool, userAnnotations map[string]map[string]string) error {
	tree := bodyTree
	if tree == nil {
		parsed, err := s.cfg.ParseBody(st.FirstPart())
		if err != nil {
			s.Abort()
			return apperr.New(apperr.ParseError, "session.FromStage", err)
		}
		tree = parsed
	}

	destPath := filepath.Join(s.handle.StageDir(), filepath.Base(st.FirstPart()))
	if !st.Contains(destPath) {
		if err := copyStagePart(s.handle.StageDir(), st.FirstPart(), destPath); err != nil {
			s.Abort()
			return err
		}
		st.AddPart(destPath)
	}

	uid := s.nextUID()
	rec := &mailbox.Record{
		UID:          uid,
		InternalDate: internalDate,
		Size:         tree.Size(),
		ContentHash:  tree.GUID(),
	}

	if s.handle.ShouldArchive(rec) {
		rec.SystemFlags |= flags.Archived
	}

	finalPath := s.handle.RecordFilename(rec)
	if err := s.handle.CopyOrLink(destPath, finalPath, nolink); err != nil {
		s.Abort()
		return err
	}
	if err := fsyncPath(finalPath); err != nil {
		s.Abort()
		return err
	}

	workingFlags := flagNames
	systemAnnotations := make(map[string]map[string]string)
	if s.cfg.AnnotatorPath != "" {
		workingFlags = s.runAnnotator(tree, finalPath, flagNames, userAnnotations, systemAnnotations)
	}

	if rec.SystemFlags.Has(flags.Archived) && s.cfg.Objects != nil {
		if err := s.archive(ctx, finalPath, rec); err != nil {
			rec.SystemFlags &^= flags.Archived
		}
	}

	res, err := flags.Apply(workingFlags, s.rights, s.handle.UserFlags(), rec.SystemFlags, rec.UserFlags)
	if err != nil {
		s.Abort()
		return err
	}
	rec.SystemFlags = res.System
	rec.UserFlags = res.User
	if res.SeenRequested {
		s.applySeen(rec)
	}

	if err := s.handle.AppendIndexRecord(rec); err != nil {
		s.Abort()
		return err
	}
	if rec.ExternallyStored {
		if err := os.Remove(finalPath); err != nil && !os.IsNotExist(err) {
			s.cfg.Log.Error("session: remove archived local copy", err)
		}
	}

	if (len(userAnnotations) > 0 || len(systemAnnotations) > 0) && s.cfg.Annotations != nil {
		state := s.cfg.Annotations.State(s.mailboxName, uid)
		if len(userAnnotations) > 0 && s.rights.Has(acl.Write) {
			if err := state.StoreUser(userAnnotations); err != nil {
				s.cfg.Log.Error("session: store user annotations", err)
			}
		}
		if len(systemAnnotations) > 0 {
			if err := state.StoreSystem(systemAnnotations); err != nil {
				s.cfg.Log.Error("session: store system annotations", err)
			}
		}
	}

	s.enqueue(eventForIngest(s.eventType), uid, "", 0, res.Applied)
	s.nummsg++
	s.appendCount++
	return nil
}

// runAnnotator executes the callout and folds its reply into workingFlags
// and the annotation maps. Callout failures (timeout, spawn error,
// malformed reply) are logged and suppressed — never fatal to ingestion
// (spec §4.3, §7).
func (s *Session) runAnnotator(tree msgbody.Tree, finalPath string, flagNames []string, userAnnotations, systemAnnotations map[string]map[string]string) []string {
	transport, err := annotator.Select(s.cfg.AnnotatorPath)
	if err != nil {
		s.cfg.Log.Error("session: annotator transport selection", err)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.CalloutFailures.Inc()
		}
		return flagNames
	}

	name := filepath.Base(finalPath)
	req := annotator.Request{
		Filename: &name,
		Flags:    flagNames,
		Body:     tree.Canonical(),
		GUID:     tree.GUID(),
	}
	reply, err := annotator.Run(transport, req)
	if err != nil {
		s.cfg.Log.Error("session: annotator callout", err)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.CalloutFailures.Inc()
			if apperr.Is(err, apperr.IOError) {
				s.cfg.Metrics.CalloutTimeouts.Inc()
			}
		}
		return flagNames
	}

	return annotator.Apply(reply, flagNames, userAnnotations, systemAnnotations)
}

func (s *Session) archive(ctx context.Context, finalPath string, rec *mailbox.Record) error {
	f, err := os.Open(finalPath)
	if err != nil {
		return apperr.New(apperr.IOError, "session.archive", err)
	}
	defer f.Close()

	if err := s.cfg.Objects.Put(ctx, rec.ContentHash, f, rec.Size); err != nil {
		s.cfg.Log.Error("session: object store put", err)
		return err
	}
	rec.ExternallyStored = true
	return nil
}

// copyStagePart materializes a second hard-linked (or, failing that,
// copied) instance of src at dst, creating dst's parent directory on
// demand with the same one-shot retry new_stage uses (spec §4.2 step 2).
func copyStagePart(stageDir, src, dst string) error {
	err := stage.CopyOrLinkPart(src, dst)
	if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(stageDir, 0o755); mkErr != nil {
			return apperr.New(apperr.IOError, "session.copyStagePart", mkErr)
		}
		err = stage.CopyOrLinkPart(src, dst)
	}
	if err != nil {
		return apperr.New(apperr.IOError, "session.copyStagePart", err)
	}
	return nil
}

func fsyncPath(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return apperr.New(apperr.IOError, "session.fsyncPath", err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return apperr.New(apperr.IOError, "session.fsyncPath", err)
	}
	return nil
}
