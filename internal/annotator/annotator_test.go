package annotator

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteChunk(&buf, []byte("hello")))
	require.NoError(t, WriteTerminator(&buf))

	r := bufio.NewReader(&buf)
	got, err := ReadChunk(r)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	_, err = ReadChunk(r)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadChunkMalformedLength(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("notanumber\n"))
	_, err := ReadChunk(r)
	require.Error(t, err)
}

func TestParseReplyPlusMinusFlags(t *testing.T) {
	reply, err := ParseReply([]byte(`(+FLAGS (foo bar) -FLAGS baz)`))
	require.NoError(t, err)
	require.Len(t, reply.Directives, 2)
	require.Equal(t, PlusFlags, reply.Directives[0].Kind)
	require.Equal(t, []string{"foo", "bar"}, reply.Directives[0].Names)
	require.Equal(t, MinusFlags, reply.Directives[1].Kind)
	require.Equal(t, []string{"baz"}, reply.Directives[1].Names)
}

func TestParseReplyAnnotation(t *testing.T) {
	reply, err := ParseReply([]byte(`(ANNOTATION "/vendor/note" ("value" "hi" "content-type" "text/plain"))`))
	require.NoError(t, err)
	require.Len(t, reply.Directives, 1)
	d := reply.Directives[0]
	require.Equal(t, AnnotationSet, d.Kind)
	require.Equal(t, "/vendor/note", d.Entry)
	require.Equal(t, "hi", d.Attribs["value"])
	require.Equal(t, "text/plain", d.Attribs["content-type"])
}

func TestParseReplyUnknownDirectiveErrors(t *testing.T) {
	_, err := ParseReply([]byte(`(BOGUS foo)`))
	require.Error(t, err)
}

func TestParseReplyTruncatedDirectiveErrors(t *testing.T) {
	_, err := ParseReply([]byte(`(+FLAGS)`))
	require.Error(t, err)
}

func TestApplyDisjointness(t *testing.T) {
	reply := Reply{Directives: []Directive{
		{Kind: AnnotationSet, Entry: "/vendor/note", Attribs: map[string]string{"value": "set-by-callout"}},
	}}
	userAnn := map[string]map[string]string{
		"/vendor/note": {"value": "set-by-user"},
	}
	sysAnn := map[string]map[string]string{}

	Apply(reply, nil, userAnn, sysAnn)

	require.Equal(t, "set-by-callout", sysAnn["/vendor/note"]["value"])
	_, stillPresent := userAnn["/vendor/note"]["value"]
	require.False(t, stillPresent, "ANNOTATION must clear the user-set value for the same entry/attrib")
}

func TestApplyFlagMerge(t *testing.T) {
	reply := Reply{Directives: []Directive{
		{Kind: PlusFlags, Names: []string{`\Flagged`}},
		{Kind: MinusFlags, Names: []string{`\Seen`}},
	}}
	result := Apply(reply, []string{`\Seen`, `\Draft`}, nil, map[string]map[string]string{})
	require.Equal(t, []string{`\Draft`, `\Flagged`}, result)
}

func TestRequestEncodeShape(t *testing.T) {
	req := Request{
		Filename:    nil,
		Annotations: map[string]map[string]string{},
		Flags:       []string{`\Seen`},
		Body:        []byte("x"),
	}
	encoded := string(req.Encode())
	require.Contains(t, encoded, "FILENAME NIL")
	require.Contains(t, encoded, "FLAGS (")
	require.Contains(t, encoded, "GUID")
	require.True(t, encoded[0] == '(' && encoded[len(encoded)-1] == ')')
}

type stubTransport struct {
	reply []byte
	err   error
}

func (s stubTransport) RoundTrip(req []byte) ([]byte, error) {
	return s.reply, s.err
}

func TestRunDecodesReply(t *testing.T) {
	reply, err := Run(stubTransport{reply: []byte(`(+FLAGS foo)`)}, Request{})
	require.NoError(t, err)
	require.Len(t, reply.Directives, 1)
	require.Equal(t, PlusFlags, reply.Directives[0].Kind)
}
