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
	"net"
	"time"

	"github.com/themadorg/mailappend/internal/apperr"
)

// SocketTransport talks to a long-lived annotator service over an
// AF_UNIX stream socket: connect, send, read reply, close (spec §4.3).
type SocketTransport struct {
	Path string
}

// firstByteConn applies a read deadline only to the first Read call,
// matching the "10 seconds on first-byte wait" contract: once the reply
// starts arriving, the rest is read without a deadline.
type firstByteConn struct {
	net.Conn
	timeout time.Duration
	started bool
}

func (c *firstByteConn) Read(p []byte) (int, error) {
	if !c.started {
		c.started = true
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	} else {
		_ = c.Conn.SetReadDeadline(time.Time{})
	}
	return c.Conn.Read(p)
}

func (t SocketTransport) RoundTrip(req []byte) ([]byte, error) {
	conn, err := net.Dial("unix", t.Path)
	if err != nil {
		return nil, apperr.New(apperr.IOError, "annotator.SocketTransport", err)
	}
	defer conn.Close()

	if _, err := conn.Write(req); err != nil {
		return nil, apperr.New(apperr.IOError, "annotator.SocketTransport", err)
	}

	r := bufio.NewReader(&firstByteConn{Conn: conn, timeout: FirstByteTimeout})
	payload, err := ReadChunk(r)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, apperr.New(apperr.IOError, "annotator.SocketTransport", err)
		}
		return nil, apperr.New(apperr.IOError, "annotator.SocketTransport", err)
	}
	return payload, nil
}
