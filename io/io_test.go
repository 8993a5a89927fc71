package io

import (
	"bytes"
	"errors"
	"testing"
)

func TestIsASCII(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected bool
	}{
		{name: "empty slice", input: []byte{}, expected: true},
		{name: "ASCII with CRLF", input: []byte("hello\r\n"), expected: true},
		{name: "boundary ASCII (127)", input: []byte{127}, expected: true},
		{name: "non-ASCII single byte (128)", input: []byte{128}, expected: false},
		{name: "mixed ASCII with UTF-8", input: []byte("hello wörld"), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsASCII(tt.input); got != tt.expected {
				t.Errorf("IsASCII(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

// feedLines drives a LineBuffer with the given chunks and collects results.
func feedLines(b *LineBuffer, chunks ...string) (lines []string, errs []error) {
	for _, chunk := range chunks {
		data := []byte(chunk)
		for len(data) > 0 {
			line, n, ok, err := b.Feed(data)
			data = data[n:]
			if !ok {
				continue
			}
			if err != nil {
				errs = append(errs, err)
				continue
			}
			lines = append(lines, string(line))
		}
	}
	return lines, errs
}

func TestLineBufferSplitsChunks(t *testing.T) {
	b := NewLineBuffer(512)
	lines, errs := feedLines(b, "EHLO exa", "mple.com\r", "\nNOOP\r\nQUIT\r\n")
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	want := []string{"EHLO example.com", "NOOP", "QUIT"}
	if len(lines) != len(want) {
		t.Fatalf("got %q, want %q", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
	if b.Pending() {
		t.Error("buffer should be empty")
	}
}

func TestLineBufferPartial(t *testing.T) {
	b := NewLineBuffer(512)
	lines, _ := feedLines(b, "HELO")
	if len(lines) != 0 {
		t.Fatalf("got %q before terminator", lines)
	}
	if !b.Pending() {
		t.Error("expected pending partial line")
	}
	b.Reset()
	if b.Pending() {
		t.Error("reset should drop partial line")
	}
}

func TestLineBufferTooLong(t *testing.T) {
	b := NewLineBuffer(16)
	long := string(bytes.Repeat([]byte("A"), 40))
	lines, errs := feedLines(b, long[:20], long[20:]+"\r\nNOOP\r\n")
	if len(errs) != 1 || !errors.Is(errs[0], ErrLineTooLong) {
		t.Fatalf("errs = %v, want one ErrLineTooLong", errs)
	}
	if len(lines) != 1 || lines[0] != "NOOP" {
		t.Errorf("lines = %q, want [NOOP]", lines)
	}
}

func TestLineBufferBareLF(t *testing.T) {
	b := NewLineBuffer(512)
	lines, errs := feedLines(b, "NOOP\nRSET\r\n")
	if len(errs) != 1 || !errors.Is(errs[0], ErrBadLineEnding) {
		t.Fatalf("errs = %v, want one ErrBadLineEnding", errs)
	}
	if len(lines) != 1 || lines[0] != "RSET" {
		t.Errorf("lines = %q, want [RSET]", lines)
	}
}

func TestDataReader(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		body   string
		rest   string
	}{
		{
			name:   "simple",
			chunks: []string{"Subject: hi\r\n\r\nbody\r\n.\r\n"},
			body:   "Subject: hi\r\n\r\nbody\r\n",
		},
		{
			name:   "empty message",
			chunks: []string{".\r\n"},
			body:   "",
		},
		{
			name:   "dot stuffing",
			chunks: []string{"..leading dot\r\n.\r\n"},
			body:   ".leading dot\r\n",
		},
		{
			name:   "terminator split across chunks",
			chunks: []string{"line\r", "\n.", "\r", "\nQUIT\r\n"},
			body:   "line\r\n",
			rest:   "QUIT\r\n",
		},
		{
			name:   "dot CR without LF",
			chunks: []string{".\rx\r\n.\r\n"},
			body:   "\rx\r\n",
		},
		{
			name:   "dot not at line start",
			chunks: []string{"a.b\r\n.\r\n"},
			body:   "a.b\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewDataReader(0, false)
			var rest []byte
			done := false
			for _, chunk := range tt.chunks {
				if done {
					rest = append(rest, chunk...)
					continue
				}
				n, ok := r.Feed([]byte(chunk))
				if ok {
					done = true
					rest = append(rest, chunk[n:]...)
				}
			}
			if !done {
				t.Fatal("terminator not detected")
			}
			if string(r.Body()) != tt.body {
				t.Errorf("body = %q, want %q", r.Body(), tt.body)
			}
			if string(rest) != tt.rest {
				t.Errorf("rest = %q, want %q", rest, tt.rest)
			}
			if r.Err() != nil {
				t.Errorf("unexpected error: %v", r.Err())
			}
		})
	}
}

func TestDataReaderLimits(t *testing.T) {
	r := NewDataReader(4, false)
	if _, done := r.Feed([]byte("0123456789\r\n.\r\n")); !done {
		t.Fatal("terminator not detected")
	}
	if !errors.Is(r.Err(), ErrMessageTooLarge) {
		t.Errorf("err = %v, want ErrMessageTooLarge", r.Err())
	}
	if len(r.Body()) != 4 || r.Size() != 12 {
		t.Errorf("body len = %d size = %d", len(r.Body()), r.Size())
	}

	r = NewDataReader(0, true)
	r.Feed([]byte("caf\xc3\xa9\r\n.\r\n"))
	if !errors.Is(r.Err(), Err8BitIn7BitMode) {
		t.Errorf("err = %v, want Err8BitIn7BitMode", r.Err())
	}
}

func TestChunkReader(t *testing.T) {
	r := NewChunkReader(5, []byte("ab"))
	n, done := r.Feed([]byte("cd"))
	if n != 2 || done {
		t.Fatalf("n=%d done=%v", n, done)
	}
	n, done = r.Feed([]byte("efgNOOP"))
	if n != 3 || !done {
		t.Fatalf("n=%d done=%v", n, done)
	}
	if string(r.Bytes()) != "abcdefg" {
		t.Errorf("bytes = %q", r.Bytes())
	}
}

func TestChunkDiscarder(t *testing.T) {
	r := NewChunkDiscarder(6)
	n, done := r.Feed([]byte("abcd"))
	if n != 4 || done || r.Remaining() != 2 {
		t.Fatalf("n=%d done=%v remaining=%d", n, done, r.Remaining())
	}
	n, done = r.Feed([]byte("efQUIT"))
	if n != 2 || !done {
		t.Fatalf("n=%d done=%v", n, done)
	}
	if len(r.Bytes()) != 0 {
		t.Errorf("discarded chunk kept %d bytes", len(r.Bytes()))
	}
}
