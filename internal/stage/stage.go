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

// Package stage implements single-instance staging: one on-disk copy per
// delivered message, hard-linked into every mailbox partition that needs
// it (spec §3, §4.2).
package stage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"github.com/themadorg/mailappend/internal/apperr"
	"github.com/themadorg/mailappend/framework/log"
)

// Stage is the single-instance buffer for one incoming message: an
// ordered list of absolute paths naming hard-linked copies of the same
// content on distinct partitions, plus the content hash.
type Stage struct {
	mu    sync.Mutex
	parts []string
	hash  [32]byte
	hashed bool
}

// New resolves stageDir/filename, unlinks any prior file there, and
// creates it for read+write. internalDate and serial (a uuid rather than
// the original's process-local counter — see DESIGN.md) build the
// filename; pid is embedded for parity with the original naming scheme
// and for collision diagnostics, not uniqueness.
func New(stageDir string, pid int, internalDateUnix int64) (*os.File, *Stage, error) {
	serial := uuid.New().String()
	name := fmt.Sprintf("%d.%d.%s", pid, internalDateUnix, serial)
	path := filepath.Join(stageDir, name)

	f, err := create(path)
	if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(stageDir, 0o755); mkErr != nil {
			return nil, nil, apperr.New(apperr.IOError, "stage.New", mkErr)
		}
		f, err = create(path)
	}
	if err != nil {
		return nil, nil, apperr.New(apperr.IOError, "stage.New", err)
	}

	return f, &Stage{parts: []string{path}}, nil
}

func create(path string) (*os.File, error) {
	_ = os.Remove(path)
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
}

// CopyOrLinkPart materializes a second instance of the staged content at
// dst, hard-linking when possible and falling back to a copy across
// partition boundaries (spec §4.2 step 2: "create it by copying the first
// part"). Unlike copy's final record files, stage parts are always safe
// to hard-link when same-device, since they are never mutated in place.
func CopyOrLinkPart(src, dst string) error {
	_ = os.Remove(dst)
	if err := os.Link(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := out.ReadFrom(in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Contains reports whether path is already one of this stage's parts,
// via string equality — the original's contract (design note §9:
// "the source does string compare — retain that contract"), not a map.
func (s *Stage) Contains(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.parts {
		if p == path {
			return true
		}
	}
	return false
}

// AddPart appends path to the stage's part list. Callers must have
// already materialized the file at path (via copy) before calling this.
func (s *Stage) AddPart(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parts = append(s.parts, path)
}

// Parts returns a snapshot of the current part list.
func (s *Stage) Parts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.parts))
	copy(out, s.parts)
	return out
}

// FirstPart returns the first-created spool file path, the one from New.
func (s *Stage) FirstPart() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.parts) == 0 {
		return ""
	}
	return s.parts[0]
}

// Hash computes (and memoizes) the content hash of the first part, used
// both for the single-instance content identity and as the object-store
// key when archiving.
func (s *Stage) Hash() ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hashed {
		return s.hash, nil
	}
	f, err := os.Open(s.parts[0])
	if err != nil {
		return [32]byte{}, apperr.New(apperr.IOError, "stage.Hash", err)
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := f.WriteTo(h); err != nil {
		return [32]byte{}, apperr.New(apperr.IOError, "stage.Hash", err)
	}
	copy(s.hash[:], h.Sum(nil))
	s.hashed = true
	return s.hash, nil
}

// Remove unlinks every path in parts, logging (but not failing on)
// individual unlink errors. A nil stage is a no-op, making remove
// idempotent against double-calls and against sessions that never staged
// anything.
func Remove(s *Stage, logger log.Logger) {
	if s == nil {
		return
	}
	s.mu.Lock()
	parts := s.parts
	s.parts = nil
	s.mu.Unlock()

	for _, p := range parts {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.Error("stage: remove part", err)
		}
	}
}
