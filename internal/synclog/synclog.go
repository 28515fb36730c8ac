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

// Package synclog records "mailbox changed" entries for external indexers
// (e.g. a search indexer watching for mailboxes to re-scan) to consume,
// mirroring append.c's sync_log_append call at commit time (spec §4.1).
package synclog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/themadorg/mailappend/internal/apperr"
)

// Log records mailbox-changed entries. Implementations must be safe for
// concurrent use by multiple sessions committing at once.
type Log interface {
	LogMailbox(name string) error
}

// Nop discards every entry; the default when sync-log recording isn't
// configured.
type Nop struct{}

// LogMailbox implements Log.
func (Nop) LogMailbox(string) error { return nil }

// FileLog appends one line per mailbox-changed entry to a single file, the
// same rolling-indexer-feed role sync_log_append plays for the original's
// squatter/search indexer. Entries are newline-delimited
// "<unix-seconds> MAILBOX <name>" records; a consumer tails the file and
// truncates it once processed.
type FileLog struct {
	Path string

	mu sync.Mutex
	// Now is overridable in tests; defaults to time.Now.
	Now func() time.Time
}

// NewFileLog returns a FileLog writing to path, creating its parent
// directory if necessary.
func NewFileLog(path string) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperr.New(apperr.IOError, "synclog.NewFileLog", err)
	}
	return &FileLog{Path: path}, nil
}

func (f *FileLog) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// LogMailbox appends a MAILBOX entry for name, fsyncing before return so a
// consumer reading the file after a successful commit always sees it.
func (f *FileLog) LogMailbox(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := os.OpenFile(f.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return apperr.New(apperr.IOError, "synclog.LogMailbox", err)
	}
	defer fh.Close()

	line := fmt.Sprintf("%d MAILBOX %s\n", f.now().Unix(), name)
	if _, err := fh.WriteString(line); err != nil {
		return apperr.New(apperr.IOError, "synclog.LogMailbox", err)
	}
	return fh.Sync()
}
