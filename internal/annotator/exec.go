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

package annotator

import (
	"bufio"
	"fmt"
	"os/exec"
	"time"

	"github.com/themadorg/mailappend/internal/apperr"
)

// ExecTransport spawns the annotator fresh per call: stdin carries the
// request, stdout carries the reply, exit status is ignored (spec §4.3's
// executable mode — no arguments, exec with fd 0/1 wired to the pipes).
type ExecTransport struct {
	Path string
}

func (t ExecTransport) RoundTrip(req []byte) ([]byte, error) {
	cmd := exec.Command(t.Path)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperr.New(apperr.IOError, "annotator.ExecTransport", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperr.New(apperr.IOError, "annotator.ExecTransport", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, apperr.New(apperr.IOError, "annotator.ExecTransport", err)
	}

	writeErrCh := make(chan error, 1)
	go func() {
		_, err := stdin.Write(req)
		stdin.Close()
		writeErrCh <- err
	}()

	payload, readErr := readReplyWithFirstByteTimeout(stdout, FirstByteTimeout)
	if readErr != nil {
		// A child that missed the deadline is killed so Wait cannot hang.
		_ = cmd.Process.Kill()
	}

	// Reap the child, tolerating it having already exited.
	waitErr := cmd.Wait()

	if err := <-writeErrCh; err != nil && readErr == nil {
		return nil, apperr.New(apperr.IOError, "annotator.ExecTransport", fmt.Errorf("write request: %w", err))
	}
	if readErr != nil {
		return nil, readErr
	}
	_ = waitErr // exit status ignored per spec
	return payload, nil
}

// readReplyWithFirstByteTimeout reads exactly one chunk-framed record
// from r, enforcing timeout only against the wait for the first byte.
// Pipes created by os/exec don't support SetReadDeadline, so the first
// read races a timer in a goroutine instead of socket-style deadlines.
func readReplyWithFirstByteTimeout(r interface{ Read([]byte) (int, error) }, timeout time.Duration) ([]byte, error) {
	type firstRead struct {
		n   int
		buf []byte
		err error
	}
	ch := make(chan firstRead, 1)
	go func() {
		buf := make([]byte, 4096)
		n, err := r.Read(buf)
		ch <- firstRead{n: n, buf: buf[:n], err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil && res.n == 0 {
			return nil, apperr.New(apperr.IOError, "annotator.ExecTransport", res.err)
		}
		br := bufio.NewReader(&prefixedReader{prefix: res.buf, rest: r})
		return ReadChunk(br)
	case <-time.After(timeout):
		return nil, apperr.New(apperr.IOError, "annotator.ExecTransport", fmt.Errorf("callout reply timed out after %s", timeout))
	}
}

// prefixedReader replays an already-read prefix before continuing to
// read from rest.
type prefixedReader struct {
	prefix []byte
	rest   interface{ Read([]byte) (int, error) }
}

func (p *prefixedReader) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.rest.Read(b)
}
