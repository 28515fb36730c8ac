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

// Package session orchestrates the append session lifecycle: setup, N
// ingestions (from a stream, from stage, or as a copy), then commit or
// abort (spec §4.1). It is the one package that wires together every other
// component — mailbox store, flags, events, seen state, annotations, the
// annotator callout, and object storage.
package session

import (
	"time"

	"github.com/themadorg/mailappend/framework/log"
	"github.com/themadorg/mailappend/framework/metrics"
	"github.com/themadorg/mailappend/internal/acl"
	"github.com/themadorg/mailappend/internal/annotation"
	"github.com/themadorg/mailappend/internal/apperr"
	"github.com/themadorg/mailappend/internal/events"
	"github.com/themadorg/mailappend/internal/flags"
	"github.com/themadorg/mailappend/internal/mailbox"
	"github.com/themadorg/mailappend/internal/msgbody"
	"github.com/themadorg/mailappend/internal/objectstore"
	"github.com/themadorg/mailappend/internal/seen"
	"github.com/themadorg/mailappend/internal/synclog"
)

// Config bundles the session's external collaborators. Every append
// session in a process shares one Config; AnnotatorPath and Objects are
// optional (empty path / nil store disable those steps).
type Config struct {
	Store         mailbox.Store
	AnnotatorPath string
	Objects       objectstore.Store
	SeenStore     *seen.Store
	Annotations   *annotation.Store
	SyncLog       synclog.Log
	Events        events.Dispatcher
	Metrics       *metrics.Collectors
	Log           log.Logger

	// ParseBody builds a msgbody.Tree from a file on disk. Message parsing
	// is out of scope for this module (spec §1); callers supply a real
	// MIME parser here.
	ParseBody func(path string) (msgbody.Tree, error)

	// Now returns the current time; overridable in tests. Defaults to
	// time.Now when zero.
	Now func() time.Time

	// PID is the process id callers pass to stage.New for staging
	// filenames (spec §3). The session itself never reads it and applies
	// no default.
	PID int
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Config) dispatcher() events.Dispatcher {
	if c.Events != nil {
		return c.Events
	}
	return events.NopDispatcher{}
}

func (c Config) syncLog() synclog.Log {
	if c.SyncLog != nil {
		return c.SyncLog
	}
	return synclog.Nop{}
}

type lifecycle int

const (
	ready lifecycle = iota
	done
)

// Session is one append session: a write-locked mailbox handle plus the
// accumulated state of the messages ingested into it so far (spec §3).
type Session struct {
	cfg Config

	mailboxName string
	handle      mailbox.Handle
	owned       bool
	access      mailbox.AccessInfo
	rights      acl.Rights

	firstUID uint32
	nummsg   uint32

	eventType events.Type
	queue     events.Queue
	seenAcc   *seen.Accumulator

	appendCount uint32
	copyCount   uint32

	state lifecycle
}

// Check performs the read-only ACL/quota precheck (spec §4.1 `check`): no
// session is created, no state changes, the mailbox lock is released
// before returning.
func Check(cfg Config, mailboxName string, access mailbox.AccessInfo, required acl.Rights, quotaDeltas map[string]int64) error {
	h, err := cfg.Store.OpenRead(mailboxName)
	if err != nil {
		return err
	}
	defer h.Close()

	rights := h.Rights(access)
	if err := acl.Gate("session.Check", rights, required); err != nil {
		return err
	}
	if err := h.QuotaCheck(quotaDeltas); err != nil {
		if cfg.Metrics != nil {
			cfg.Metrics.QuotaRejections.Inc()
		}
		return err
	}
	return nil
}

// Setup opens mailboxName write-locked and gates it exactly as Check,
// populating a ready Session on success (spec §4.1 `setup`). On any
// failure the mailbox lock is released and no Session is returned.
func Setup(cfg Config, mailboxName string, access mailbox.AccessInfo, required acl.Rights, quotaDeltas map[string]int64, eventType events.Type) (*Session, error) {
	h, err := cfg.Store.OpenWrite(mailboxName)
	if err != nil {
		return nil, err
	}
	s, err := gate(cfg, mailboxName, h, access, required, quotaDeltas, eventType, true)
	if err != nil {
		h.Close()
		return nil, err
	}
	return s, nil
}

// SetupFromExisting is Setup against a handle the caller already holds
// write-locked; commit/abort will not close it (spec §4.1
// `setup_from_existing`).
func SetupFromExisting(cfg Config, mailboxName string, h mailbox.Handle, access mailbox.AccessInfo, required acl.Rights, quotaDeltas map[string]int64, eventType events.Type) (*Session, error) {
	return gate(cfg, mailboxName, h, access, required, quotaDeltas, eventType, false)
}

func gate(cfg Config, mailboxName string, h mailbox.Handle, access mailbox.AccessInfo, required acl.Rights, quotaDeltas map[string]int64, eventType events.Type, owned bool) (*Session, error) {
	rights := h.Rights(access)
	if err := acl.Gate("session.Setup", rights, required); err != nil {
		return nil, err
	}
	if err := h.QuotaCheck(quotaDeltas); err != nil {
		if cfg.Metrics != nil {
			cfg.Metrics.QuotaRejections.Inc()
		}
		return nil, err
	}

	return &Session{
		cfg:         cfg,
		mailboxName: mailboxName,
		handle:      h,
		owned:       owned,
		access:      access,
		rights:      rights,
		firstUID:    h.LastUID() + 1,
		eventType:   eventType,
		seenAcc:     seen.NewAccumulator(h.InternalSeen(access.UserID)),
		state:       ready,
	}, nil
}

// Rights returns the ACL rights computed at setup.
func (s *Session) Rights() acl.Rights { return s.rights }

// MailboxName returns the session's destination mailbox name.
func (s *Session) MailboxName() string { return s.mailboxName }

func (s *Session) nextUID() uint32 { return s.firstUID + s.nummsg }

// applySeen routes a just-ingested record's SEEN request per the
// session's internal/external policy (spec §4.5).
func (s *Session) applySeen(rec *mailbox.Record) {
	if s.seenAcc.Internal() {
		rec.SystemFlags |= flags.Seen
		return
	}
	s.seenAcc.Set(rec.UID)
}

func (s *Session) enqueue(typ events.Type, uid uint32, srcMailbox string, srcUID uint32, applied []string) {
	if s.eventType == events.None {
		return
	}
	s.queue.Enqueue(events.Event{
		Type:         typ,
		Mailbox:      s.mailboxName,
		UID:          uid,
		SrcMailbox:   srcMailbox,
		SrcUID:       srcUID,
		Access:       events.AccessInfo{UserID: s.access.UserID, Admin: s.access.Admin},
		AppliedFlags: applied,
		NumUnseen:    -1,
	})
}

// Commit flushes accumulated seen state and the mailbox index, records a
// sync-log "mailbox changed" entry when at least one message landed,
// dispatches queued events, and transitions the session to done (spec §4.1
// `commit`). It is a no-op if already done.
func (s *Session) Commit() error {
	if s.state == done {
		return nil
	}

	now := s.cfg.now()
	if s.nummsg > 0 {
		s.handle.SetLastAppendDate(now)
		if s.access.UserID != "" && len(s.seenAcc.Pending()) > 0 && s.cfg.SeenStore != nil {
			if err := s.cfg.SeenStore.Merge(s.access.UserID, s.handle.UniqueID(), s.seenAcc.Pending(), now.Unix()); err != nil {
				s.finish()
				return err
			}
		}
		if err := s.cfg.syncLog().LogMailbox(s.mailboxName); err != nil {
			s.cfg.Log.Error("session: sync log write failed", err)
		}
	}

	if err := s.handle.Commit(); err != nil {
		s.cfg.Log.Error("session: index commit failed, mailbox state may be inconsistent", err)
		s.finish()
		return apperr.New(apperr.IOError, "session.Commit", err)
	}

	evs := s.queue.Drain()
	if err := s.cfg.dispatcher().Dispatch(evs); err != nil {
		s.cfg.Log.Error("session: event dispatch failed", err)
	}

	if s.cfg.Metrics != nil {
		if s.appendCount > 0 {
			s.cfg.Metrics.MessagesAppended.Add(float64(s.appendCount))
		}
		if s.copyCount > 0 {
			s.cfg.Metrics.MessagesCopied.Add(float64(s.copyCount))
		}
	}

	s.finish()
	return nil
}

// Abort discards pending events and accumulated seen state and releases
// the mailbox lock, transitioning to done. Always succeeds and is
// idempotent (spec §4.1 `abort`, §8 "idempotent abort").
func (s *Session) Abort() {
	if s.state == done {
		return
	}
	s.queue.Discard()
	s.seenAcc.Discard()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SessionsAborted.Inc()
	}
	s.finish()
}

func (s *Session) finish() {
	if s.owned {
		s.handle.Close()
	}
	s.state = done
}
