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

// Package annotator implements the external annotator callout (spec
// §4.3): a synchronous RPC, over either a long-lived Unix socket or a
// short-lived child process, that may mutate a message's flags and
// annotations before its index record is finalized.
package annotator

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/themadorg/mailappend/internal/apperr"
)

// FirstByteTimeout is the hard deadline on waiting for the callout's
// first reply byte (spec §4.3, §5).
const FirstByteTimeout = 10 * time.Second

// Request is the annotator request payload (spec §4.3's request grammar).
type Request struct {
	Filename    *string // nil encodes as NIL
	Annotations map[string]map[string]string
	Flags       []string
	Body        []byte
	GUID        [32]byte
}

// Encode renders req as the list-form request payload:
// (FILENAME <nstring> ANNOTATIONS (entry (attrib value …)…) FLAGS (name …) BODY <body-repr> GUID <hex>)
func (req Request) Encode() []byte {
	w := &listWriter{}
	w.open()
	w.atom("FILENAME")
	w.nstring(req.Filename)

	w.atom("ANNOTATIONS")
	w.open()
	for entry, attribs := range req.Annotations {
		w.atom(entry)
		w.open()
		for attrib, value := range attribs {
			w.atom(attrib)
			v := value
			w.nstring(&v)
		}
		w.close()
	}
	w.close()

	w.atom("FLAGS")
	w.open()
	for _, f := range req.Flags {
		w.atom(f)
	}
	w.close()

	w.atom("BODY")
	body := string(req.Body)
	w.nstring(&body)

	w.atom("GUID")
	w.hex(req.GUID[:])
	w.close()

	return []byte(w.String())
}

// DirectiveKind discriminates a reply Directive.
type DirectiveKind int

const (
	PlusFlags DirectiveKind = iota
	MinusFlags
	AnnotationSet
)

// Directive is one parsed reply instruction (spec §4.3's reply grammar).
type Directive struct {
	Kind    DirectiveKind
	Names   []string          // +FLAGS / -FLAGS
	Entry   string            // ANNOTATION
	Attribs map[string]string // ANNOTATION: attrib -> value
}

// Reply is the callout's full set of directives, applied in order.
type Reply struct {
	Directives []Directive
}

// ParseReply decodes the annotator's structured-list reply. Unknown keys
// or structurally malformed directives stop parsing and return the
// directives successfully parsed so far, plus an error the caller should
// log as a warning (spec §4.3: "partial prior effects are kept").
func ParseReply(data []byte) (Reply, error) {
	nodes, err := parseList(data)
	if err != nil {
		return Reply{}, err
	}
	// The reply is one parenthesized list; its members are the directives.
	if len(nodes) == 1 {
		if inner, ok := nodes[0].([]node); ok {
			nodes = inner
		}
	}

	var reply Reply
	i := 0
	for i < len(nodes) {
		tag, ok := nodes[i].(string)
		if !ok {
			return reply, apperr.New(apperr.ParseError, "annotator.ParseReply", fmt.Errorf("expected directive tag at index %d", i))
		}
		switch strings.ToUpper(tag) {
		case "+FLAGS", "-FLAGS":
			if i+1 >= len(nodes) {
				return reply, apperr.New(apperr.ParseError, "annotator.ParseReply", fmt.Errorf("%s missing operand", tag))
			}
			names, err := flagNames(nodes[i+1])
			if err != nil {
				return reply, err
			}
			kind := PlusFlags
			if strings.ToUpper(tag) == "-FLAGS" {
				kind = MinusFlags
			}
			reply.Directives = append(reply.Directives, Directive{Kind: kind, Names: names})
			i += 2
		case "ANNOTATION":
			if i+2 >= len(nodes) {
				return reply, apperr.New(apperr.ParseError, "annotator.ParseReply", fmt.Errorf("ANNOTATION missing operands"))
			}
			entry, ok := nodes[i+1].(string)
			if !ok {
				return reply, apperr.New(apperr.ParseError, "annotator.ParseReply", fmt.Errorf("ANNOTATION entry must be an atom"))
			}
			pairs, ok := nodes[i+2].([]node)
			if !ok {
				return reply, apperr.New(apperr.ParseError, "annotator.ParseReply", fmt.Errorf("ANNOTATION attrib/value list malformed"))
			}
			attribs := make(map[string]string)
			for j := 0; j+1 < len(pairs); j += 2 {
				attrib, ok1 := pairs[j].(string)
				value, ok2 := pairs[j+1].(string)
				if !ok1 || !ok2 {
					return reply, apperr.New(apperr.ParseError, "annotator.ParseReply", fmt.Errorf("ANNOTATION attrib/value must be atoms"))
				}
				attribs[attrib] = value
			}
			reply.Directives = append(reply.Directives, Directive{Kind: AnnotationSet, Entry: entry, Attribs: attribs})
			i += 3
		default:
			return reply, apperr.New(apperr.ParseError, "annotator.ParseReply", fmt.Errorf("unknown directive %q", tag))
		}
	}
	return reply, nil
}

func flagNames(n node) ([]string, error) {
	switch v := n.(type) {
	case string:
		return []string{v}, nil
	case []node:
		var out []string
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, apperr.New(apperr.ParseError, "annotator.flagNames", fmt.Errorf("flag name must be an atom"))
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, apperr.New(apperr.ParseError, "annotator.flagNames", fmt.Errorf("unexpected flag operand type"))
	}
}

// Apply mutates workingFlags/userAnnotations/systemAnnotations according
// to reply, in directive order, preserving the invariant that each
// ANNOTATION directive's (entry, attrib) pair ends up only in
// systemAnnotations.
func Apply(reply Reply, workingFlags []string, userAnnotations, systemAnnotations map[string]map[string]string) []string {
	flagSet := make(map[string]bool, len(workingFlags))
	order := append([]string(nil), workingFlags...)
	for _, f := range order {
		flagSet[strings.ToLower(f)] = true
	}

	for _, d := range reply.Directives {
		switch d.Kind {
		case PlusFlags:
			for _, name := range d.Names {
				key := strings.ToLower(name)
				if !flagSet[key] {
					flagSet[key] = true
					order = append(order, name)
				}
			}
		case MinusFlags:
			for _, name := range d.Names {
				delete(flagSet, strings.ToLower(name))
			}
			filtered := order[:0:0]
			for _, f := range order {
				if flagSet[strings.ToLower(f)] {
					filtered = append(filtered, f)
				}
			}
			order = filtered
		case AnnotationSet:
			if userAnnotations[d.Entry] != nil {
				for attrib := range d.Attribs {
					delete(userAnnotations[d.Entry], attrib)
				}
			}
			if systemAnnotations[d.Entry] == nil {
				systemAnnotations[d.Entry] = make(map[string]string)
			}
			for attrib, value := range d.Attribs {
				systemAnnotations[d.Entry][attrib] = value
			}
		}
	}
	return order
}

// Transport is the small trait design note §9 asks for: the callout's
// blocking-RPC shape, with exactly two implementations selected by a
// stat() on the configured path.
type Transport interface {
	RoundTrip(req []byte) ([]byte, error)
}

// Select stats path and returns the matching Transport: SocketTransport
// for a Unix domain socket, ExecTransport for a regular file with any
// execute bit set. Anything else is an IOError.
func Select(path string) (Transport, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, apperr.New(apperr.IOError, "annotator.Select", err)
	}
	switch {
	case fi.Mode()&os.ModeSocket != 0:
		return SocketTransport{Path: path}, nil
	case fi.Mode().IsRegular() && fi.Mode().Perm()&0o111 != 0:
		return ExecTransport{Path: path}, nil
	default:
		return nil, apperr.New(apperr.IOError, "annotator.Select", fmt.Errorf("%s is neither a socket nor an executable file", path))
	}
}

// Run sends req over t and parses the structured-list reply. t.RoundTrip
// is responsible for the chunk framing on both sides: writing the request
// as one non-empty chunk followed by the zero terminator, and reading the
// reply's single chunk record back to its raw payload (spec §4.3).
func Run(t Transport, req Request) (Reply, error) {
	var buf bytes.Buffer
	if err := WriteChunk(&buf, req.Encode()); err != nil {
		return Reply{}, apperr.New(apperr.IOError, "annotator.Run", err)
	}
	if err := WriteTerminator(&buf); err != nil {
		return Reply{}, apperr.New(apperr.IOError, "annotator.Run", err)
	}

	payload, err := t.RoundTrip(buf.Bytes())
	if err != nil {
		return Reply{}, err
	}
	return ParseReply(payload)
}
