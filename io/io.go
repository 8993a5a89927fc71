// Package io frames the SMTP byte stream. Input arrives in arbitrary
// chunks off the wire, so every decoder here is incremental: it keeps its
// own state between Feed calls and reports how much of each chunk it used.
package io

import (
	"bytes"
	"errors"
)

var (
	ErrLineTooLong     = errors.New("smtp: line too long")
	ErrBadLineEnding   = errors.New("smtp: line not terminated by CRLF")
	Err8BitIn7BitMode  = errors.New("smtp: 8-bit data in 7BIT mode")
	ErrMessageTooLarge = errors.New("smtp: message too large")
)

// LineBuffer splits command input into CRLF terminated lines.
type LineBuffer struct {
	buf        []byte
	max        int
	discarding bool
}

// NewLineBuffer creates a line splitter accepting lines of at most max
// bytes, terminator included.
func NewLineBuffer(max int) *LineBuffer {
	return &LineBuffer{max: max}
}

// Feed consumes bytes from data until one line is complete. It returns the
// line without its terminator, the number of bytes consumed and whether a
// line was produced. When ok is false all of data was buffered.
//
// An overlong line is skipped up to its terminator and reported as
// ErrLineTooLong; a bare LF is reported as ErrBadLineEnding. Both leave the
// buffer ready for the next line.
func (b *LineBuffer) Feed(data []byte) (line []byte, consumed int, ok bool, err error) {
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		if !b.discarding {
			if len(b.buf)+len(data) > b.max {
				b.discarding = true
				b.buf = b.buf[:0]
			} else {
				b.buf = append(b.buf, data...)
			}
		}
		return nil, len(data), false, nil
	}

	consumed = idx + 1
	if b.discarding {
		b.discarding = false
		return nil, consumed, true, ErrLineTooLong
	}
	if len(b.buf)+consumed > b.max {
		b.buf = b.buf[:0]
		return nil, consumed, true, ErrLineTooLong
	}

	b.buf = append(b.buf, data[:consumed]...)
	line = b.buf
	b.buf = nil
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, consumed, true, ErrBadLineEnding
	}
	return line[:len(line)-2], consumed, true, nil
}

// Pending reports whether a partial line is buffered.
func (b *LineBuffer) Pending() bool {
	return len(b.buf) > 0 || b.discarding
}

// Reset drops any partial line.
func (b *LineBuffer) Reset() {
	b.buf = nil
	b.discarding = false
}

const (
	dataLineStart = iota
	dataText
	dataCR
	dataDot
	dataDotCR
)

// DataReader decodes a DATA body: it removes dot-stuffing and stops at the
// CRLF.CRLF terminator. Bytes past max are counted but not stored.
type DataReader struct {
	state    int
	body     []byte
	size     int64
	max      int64
	enforce7 bool
	bad8bit  bool
}

// NewDataReader creates a body decoder. max <= 0 disables the size limit.
// With enforce7 set, any octet above 127 marks the body invalid.
func NewDataReader(max int64, enforce7 bool) *DataReader {
	return &DataReader{max: max, enforce7: enforce7}
}

func (r *DataReader) emit(c byte) {
	r.size++
	if r.enforce7 && c > 127 {
		r.bad8bit = true
	}
	if r.max > 0 && r.size > r.max {
		return
	}
	r.body = append(r.body, c)
}

// Feed consumes body bytes. done is true once the terminator has been read;
// consumed then points just past it.
func (r *DataReader) Feed(data []byte) (consumed int, done bool) {
	for i, c := range data {
		switch r.state {
		case dataLineStart:
			if c == '.' {
				r.state = dataDot
				continue
			}
			r.emit(c)
			r.state = next(c)
		case dataText:
			r.emit(c)
			if c == '\r' {
				r.state = dataCR
			}
		case dataCR:
			r.emit(c)
			switch c {
			case '\n':
				r.state = dataLineStart
			case '\r':
				r.state = dataCR
			default:
				r.state = dataText
			}
		case dataDot:
			if c == '\r' {
				r.state = dataDotCR
				continue
			}
			r.emit(c)
			r.state = next(c)
		case dataDotCR:
			if c == '\n' {
				r.state = dataLineStart
				return i + 1, true
			}
			r.emit('\r')
			r.emit(c)
			switch c {
			case '\r':
				r.state = dataCR
			default:
				r.state = dataText
			}
		}
	}
	return len(data), false
}

func next(c byte) int {
	if c == '\r' {
		return dataCR
	}
	return dataText
}

// Body returns the decoded message.
func (r *DataReader) Body() []byte { return r.body }

// Size returns the decoded size including bytes dropped past the limit.
func (r *DataReader) Size() int64 { return r.size }

// Err reports a size or encoding violation seen while decoding.
func (r *DataReader) Err() error {
	if r.bad8bit {
		return Err8BitIn7BitMode
	}
	if r.max > 0 && r.size > r.max {
		return ErrMessageTooLarge
	}
	return nil
}

// ChunkReader collects exactly n bytes of a BDAT chunk.
type ChunkReader struct {
	remaining int64
	buf       []byte
	discard   bool
}

// NewChunkReader expects size bytes. Chunks are appended to buf, which may
// already hold earlier chunks of the same message.
func NewChunkReader(size int64, buf []byte) *ChunkReader {
	return &ChunkReader{remaining: size, buf: buf}
}

// NewChunkDiscarder consumes size bytes without keeping any of them.
func NewChunkDiscarder(size int64) *ChunkReader {
	return &ChunkReader{remaining: size, discard: true}
}

// Feed consumes up to the remaining chunk size.
func (r *ChunkReader) Feed(data []byte) (consumed int, done bool) {
	n := int64(len(data))
	if n > r.remaining {
		n = r.remaining
	}
	if !r.discard {
		r.buf = append(r.buf, data[:n]...)
	}
	r.remaining -= n
	return int(n), r.remaining == 0
}

// Remaining is the number of chunk bytes still expected.
func (r *ChunkReader) Remaining() int64 { return r.remaining }

// Bytes returns everything collected so far.
func (r *ChunkReader) Bytes() []byte { return r.buf }

// IsASCII checks whether b holds only 7-bit octets.
func IsASCII(b []byte) bool {
	for _, c := range b {
		if c > 127 {
			return false
		}
	}
	return true
}
