package resp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

var (
	// ErrIncomplete is returned by Decoder.Next when more input is needed.
	ErrIncomplete = errors.New("resp: incomplete frame")
	// ErrProtocol is returned for input that can never become a valid frame.
	ErrProtocol = errors.New("resp: protocol error")
)

// AppendBlob appends data as a blob frame to dst.
func AppendBlob(dst, data []byte) []byte {
	dst = append(dst, TypeBlob)
	dst = strconv.AppendInt(dst, int64(len(data)), 10)
	dst = append(dst, CRLF...)
	dst = append(dst, data...)
	return append(dst, CRLF...)
}

// AppendError appends an error frame to dst. CR and LF in msg are replaced by spaces.
func AppendError(dst []byte, msg string) []byte {
	dst = append(dst, TypeError)
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		if c == '\r' || c == '\n' {
			c = ' '
		}
		dst = append(dst, c)
	}
	return append(dst, CRLF...)
}

// Decoder turns a byte stream fed in arbitrary chunks into frames.
// It is not safe for concurrent use.
type Decoder struct {
	buf     []byte
	maxSize int
}

func NewDecoder(maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Decoder{maxSize: maxSize}
}

// Feed appends raw input.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes not yet consumed.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete frame. The returned data is a copy.
func (d *Decoder) Next() (Frame, error) {
	if len(d.buf) == 0 {
		return Frame{}, ErrIncomplete
	}

	line := bytes.Index(d.buf, []byte(CRLF))
	if line < 0 {
		// a header can never be longer than the type byte plus the max length digits
		if len(d.buf) > d.maxSize+len(CRLF)+24 {
			return Frame{}, fmt.Errorf("%w: header too long", ErrProtocol)
		}
		return Frame{}, ErrIncomplete
	}

	switch d.buf[0] {
	case TypeError:
		f := Frame{Type: TypeError, Data: append([]byte(nil), d.buf[1:line]...)}
		d.consume(line + len(CRLF))
		return f, nil

	case TypeBlob:
		n, err := strconv.Atoi(string(d.buf[1:line]))
		if err != nil || n < 0 {
			return Frame{}, fmt.Errorf("%w: bad blob length %q", ErrProtocol, d.buf[1:line])
		}
		if n > d.maxSize {
			return Frame{}, fmt.Errorf("%w: frame of %d bytes exceeds limit %d", ErrProtocol, n, d.maxSize)
		}
		start := line + len(CRLF)
		end := start + n
		if len(d.buf) < end+len(CRLF) {
			return Frame{}, ErrIncomplete
		}
		if !bytes.Equal(d.buf[end:end+len(CRLF)], []byte(CRLF)) {
			return Frame{}, fmt.Errorf("%w: missing blob terminator", ErrProtocol)
		}
		f := Frame{Type: TypeBlob, Data: append([]byte(nil), d.buf[start:end]...)}
		d.consume(end + len(CRLF))
		return f, nil

	default:
		return Frame{}, fmt.Errorf("%w: unexpected type byte %q", ErrProtocol, d.buf[0])
	}
}

func (d *Decoder) consume(n int) {
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}

// ReadFrame reads exactly one frame from a blocking reader.
func ReadFrame(r *bufio.Reader, maxSize int) (Frame, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	header, err := r.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return Frame{}, fmt.Errorf("%w: header too long", ErrProtocol)
		}
		return Frame{}, err
	}
	if len(header) < 3 || header[len(header)-2] != '\r' {
		return Frame{}, fmt.Errorf("%w: malformed header", ErrProtocol)
	}
	body := header[1 : len(header)-2]

	switch header[0] {
	case TypeError:
		return Frame{Type: TypeError, Data: append([]byte(nil), body...)}, nil
	case TypeBlob:
		n, err := strconv.Atoi(string(body))
		if err != nil || n < 0 {
			return Frame{}, fmt.Errorf("%w: bad blob length %q", ErrProtocol, body)
		}
		if n > maxSize {
			return Frame{}, fmt.Errorf("%w: frame of %d bytes exceeds limit %d", ErrProtocol, n, maxSize)
		}
		data := make([]byte, n+len(CRLF))
		if _, err := io.ReadFull(r, data); err != nil {
			return Frame{}, err
		}
		if !bytes.Equal(data[n:], []byte(CRLF)) {
			return Frame{}, fmt.Errorf("%w: missing blob terminator", ErrProtocol)
		}
		return Frame{Type: TypeBlob, Data: data[:n]}, nil
	default:
		return Frame{}, fmt.Errorf("%w: unexpected type byte %q", ErrProtocol, header[0])
	}
}
