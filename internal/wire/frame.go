// Package wire implements the fixed 16-byte header framing shared by every
// transport: messageId | bodyLength | version | correlationId, each a
// little-endian int32, followed by bodyLength bytes of payload.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the encoded size of a frame header.
	HeaderSize = 16
	// Version is the protocol version written into every header.
	Version int32 = 1
	// MaxBodyLength bounds the body a peer may announce.
	MaxBodyLength = 1 << 20
)

var (
	// ErrMalformed reports a truncated header or a body length that does not
	// match the bytes available.
	ErrMalformed = errors.New("wire: malformed frame")
	// ErrOutOfRange reports a message id outside the valid interval or a
	// version mismatch.
	ErrOutOfRange = errors.New("wire: frame out of range")
)

// FrameError describes why a buffer could not be decoded.
type FrameError struct {
	Kind   error
	Detail string
}

func (e *FrameError) Error() string { return e.Kind.Error() + ": " + e.Detail }

func (e *FrameError) Unwrap() error { return e.Kind }

func malformed(format string, args ...any) error {
	return &FrameError{Kind: ErrMalformed, Detail: fmt.Sprintf(format, args...)}
}

func outOfRange(format string, args ...any) error {
	return &FrameError{Kind: ErrOutOfRange, Detail: fmt.Sprintf(format, args...)}
}

// Bounds is the open interval (Min, Max) of accepted message ids.
type Bounds struct {
	Min int32
	Max int32
}

// Contains reports whether id lies strictly between Min and Max.
func (b Bounds) Contains(id int32) bool { return id > b.Min && id < b.Max }

// Header is the decoded fixed-size prefix of a frame.
type Header struct {
	MessageID     int32
	BodyLength    int32
	Version       int32
	CorrelationID int32
}

// Frame is one message on the wire. It is not modified after construction.
type Frame struct {
	MessageID     int32
	Version       int32
	CorrelationID int32
	Body          []byte
}

// Encode builds a frame for id, checking it against bounds.
func Encode(bounds Bounds, id, correlationID int32, body []byte) (Frame, error) {
	if !bounds.Contains(id) {
		return Frame{}, outOfRange("message id %d not in (%d, %d)", id, bounds.Min, bounds.Max)
	}
	if len(body) > MaxBodyLength {
		return Frame{}, malformed("body length %d exceeds %d", len(body), MaxBodyLength)
	}
	return Frame{MessageID: id, Version: Version, CorrelationID: correlationID, Body: body}, nil
}

// BodyLength is the length written into the header.
func (f Frame) BodyLength() int32 { return int32(len(f.Body)) }

// Len is the encoded size of f.
func (f Frame) Len() int { return HeaderSize + len(f.Body) }

// AppendTo appends the encoded frame to dst.
func (f Frame) AppendTo(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(f.MessageID))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(f.Body)))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(f.Version))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(f.CorrelationID))
	return append(dst, f.Body...)
}

// Bytes returns the encoded frame.
func (f Frame) Bytes() []byte { return f.AppendTo(make([]byte, 0, f.Len())) }

// ParseHeader decodes and validates the fixed header in b.
func ParseHeader(b []byte, bounds Bounds) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, malformed("need %d header bytes, have %d", HeaderSize, len(b))
	}
	h := Header{
		MessageID:     int32(binary.LittleEndian.Uint32(b[0:4])),
		BodyLength:    int32(binary.LittleEndian.Uint32(b[4:8])),
		Version:       int32(binary.LittleEndian.Uint32(b[8:12])),
		CorrelationID: int32(binary.LittleEndian.Uint32(b[12:16])),
	}
	if h.BodyLength < 0 || h.BodyLength > MaxBodyLength {
		return h, malformed("body length %d", h.BodyLength)
	}
	if h.Version != Version {
		return h, outOfRange("version %d, want %d", h.Version, Version)
	}
	if !bounds.Contains(h.MessageID) {
		return h, outOfRange("message id %d not in (%d, %d)", h.MessageID, bounds.Min, bounds.Max)
	}
	return h, nil
}

// Decode parses a complete frame from b. The buffer must hold exactly one
// frame: trailing bytes are treated as malformed.
func Decode(b []byte, bounds Bounds) (Frame, error) {
	h, err := ParseHeader(b, bounds)
	if err != nil {
		return Frame{}, err
	}
	if want := HeaderSize + int(h.BodyLength); len(b) != want {
		return Frame{}, malformed("frame of %d bytes, header announces %d", len(b), want)
	}
	body := make([]byte, h.BodyLength)
	copy(body, b[HeaderSize:])
	return Frame{MessageID: h.MessageID, Version: h.Version, CorrelationID: h.CorrelationID, Body: body}, nil
}

// ReadFrame reads one frame from r: the header, then exactly the announced
// body. Header validation failures are returned as *FrameError; any I/O
// failure, including a short read, is returned as is. When only the id or
// version is rejected the body is still consumed, so the reader stays
// aligned on the next header.
func ReadFrame(r io.Reader, bounds Bounds) (Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	h, err := ParseHeader(hdr[:], bounds)
	if errors.Is(err, ErrOutOfRange) {
		if _, cerr := io.CopyN(io.Discard, r, int64(h.BodyLength)); cerr != nil {
			if errors.Is(cerr, io.EOF) {
				cerr = io.ErrUnexpectedEOF
			}
			return Frame{}, cerr
		}
		return Frame{}, err
	}
	if err != nil {
		return Frame{}, err
	}
	body := make([]byte, h.BodyLength)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	return Frame{MessageID: h.MessageID, Version: h.Version, CorrelationID: h.CorrelationID, Body: body}, nil
}

// PutSessionID writes a 4-byte little-endian session id.
func PutSessionID(b []byte, id int32) { binary.LittleEndian.PutUint32(b, uint32(id)) }

// SessionID reads a 4-byte little-endian session id.
func SessionID(b []byte) int32 { return int32(binary.LittleEndian.Uint32(b)) }
