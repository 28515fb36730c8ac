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
	"github.com/themadorg/mailappend/internal/acl"
	"github.com/themadorg/mailappend/internal/apperr"
	"github.com/themadorg/mailappend/internal/flags"
	"github.com/themadorg/mailappend/internal/mailbox"
)

// RunAnnotator re-runs the annotator callout against an already-indexed
// record, used by admin tooling outside the normal delivery path (e.g. a
// reindex/reprocess command). It masks the record's system flags down to
// just SEEN (flags.ResetToSeenOnly) before reapplying the callout's
// directives, then writes the updated record back through the session's
// handle. The session must not yet have committed or aborted.
func (s *Session) RunAnnotator(rec *mailbox.Record, finalPath string, currentFlagNames []string, userAnnotations, systemAnnotations map[string]map[string]string) error {
	if s.cfg.AnnotatorPath == "" {
		return nil
	}

	tree, err := s.cfg.ParseBody(finalPath)
	if err != nil {
		return apperr.New(apperr.ParseError, "session.RunAnnotator", err)
	}

	rec.SystemFlags = flags.ResetToSeenOnly(rec.SystemFlags)
	before := cloneAnnotations(userAnnotations)
	workingFlags := s.runAnnotator(tree, finalPath, currentFlagNames, userAnnotations, systemAnnotations)

	res, err := flags.Apply(workingFlags, s.rights, s.handle.UserFlags(), rec.SystemFlags, rec.UserFlags)
	if err != nil {
		return err
	}
	rec.SystemFlags = res.System
	rec.UserFlags = res.User
	if res.SeenRequested {
		s.applySeen(rec)
	}

	if err := s.handle.AppendIndexRecord(rec); err != nil {
		return err
	}

	if s.cfg.Annotations != nil {
		state := s.cfg.Annotations.State(s.mailboxName, rec.UID)
		// An ANNOTATION directive removes an (entry, attrib) pair from
		// userAnnotations in place (annotator.Apply) before adding it to
		// systemAnnotations; the stale row already persisted for that pair
		// from a previous run must be deleted explicitly, since StoreUser
		// only upserts what's still in the map.
		for _, pair := range removedAnnotations(before, userAnnotations) {
			if err := s.cfg.Annotations.DeleteUser(s.mailboxName, rec.UID, pair.Entry, pair.Attrib); err != nil {
				s.cfg.Log.Error("session: delete superseded user annotation (reannotate)", err)
			}
		}
		if len(userAnnotations) > 0 && s.rights.Has(acl.Write) {
			if err := state.StoreUser(userAnnotations); err != nil {
				s.cfg.Log.Error("session: store user annotations (reannotate)", err)
			}
		}
		if len(systemAnnotations) > 0 {
			if err := state.StoreSystem(systemAnnotations); err != nil {
				s.cfg.Log.Error("session: store system annotations (reannotate)", err)
			}
		}
	}
	return nil
}

// cloneAnnotations deep-copies an annotation map so callers can diff it
// against the post-mutation state (annotator.Apply edits its input maps in
// place).
func cloneAnnotations(m map[string]map[string]string) map[string]map[string]string {
	out := make(map[string]map[string]string, len(m))
	for entry, attribs := range m {
		cp := make(map[string]string, len(attribs))
		for attrib, value := range attribs {
			cp[attrib] = value
		}
		out[entry] = cp
	}
	return out
}

// annotationPair is one (entry, attrib) key.
type annotationPair struct {
	Entry, Attrib string
}

// removedAnnotations returns every (entry, attrib) pair present in before
// but no longer present in after.
func removedAnnotations(before, after map[string]map[string]string) []annotationPair {
	var out []annotationPair
	for entry, attribs := range before {
		for attrib := range attribs {
			if _, stillThere := after[entry][attrib]; !stillThere {
				out = append(out, annotationPair{Entry: entry, Attrib: attrib})
			}
		}
	}
	return out
}
