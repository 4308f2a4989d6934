package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrFraming is returned when the byte stream cannot be framed. The
// connection it came from is unusable afterwards.
var ErrFraming = errors.New("framing error")

// Content encodings carried in the frame header.
const (
	EncodingUTF8   = "utf8"
	EncodingBinary = "binary"
)

// MimeJSON is the content type of every server-built frame.
const MimeJSON = "application/json"

// Default decoder limits.
const (
	DefaultMaxHeaderLength = 64 << 10
	DefaultMaxBodyLength   = 16 << 20
)

const lengthPrefixSize = 4

// Header is the JSON header that follows the length prefix.
type Header struct {
	Action          Action `json:"action"`
	ContentEncoding string `json:"contentEncoding"`
	ContentLength   uint32 `json:"contentLength"`
	ContentMime     string `json:"contentMime"`
}

// Frame is one decoded protocol unit.
type Frame struct {
	Header Header
	Body   []byte
}

// Encode serializes f as length prefix, header JSON and body. The header's
// ContentLength is always taken from len(f.Body).
func Encode(f Frame) ([]byte, error) {
	if uint64(len(f.Body)) > math.MaxUint32 {
		return nil, fmt.Errorf("encode frame: body too large (%d bytes)", len(f.Body))
	}
	h := f.Header
	h.ContentLength = uint32(len(f.Body))
	header, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode frame header: %w", err)
	}

	out := make([]byte, lengthPrefixSize, lengthPrefixSize+len(header)+len(f.Body))
	binary.LittleEndian.PutUint32(out, uint32(len(header)))
	out = append(out, header...)
	out = append(out, f.Body...)
	return out, nil
}

// EncodeJSON builds a server frame for action with v marshalled as the body.
func EncodeJSON(action Action, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", action, err)
	}
	return Encode(Frame{
		Header: Header{Action: action, ContentEncoding: EncodingUTF8, ContentMime: MimeJSON},
		Body:   body,
	})
}

// Decoder incrementally extracts frames from an arbitrary chunked stream.
// It is not safe for concurrent use.
type Decoder struct {
	maxHeader uint32
	maxBody   uint32

	buf []byte
	off int

	headerLen uint32
	haveLen   bool
	header    *Header

	err error
}

// NewDecoder returns a decoder enforcing the given limits. Zero selects the
// package defaults.
func NewDecoder(maxHeader, maxBody uint32) *Decoder {
	if maxHeader == 0 {
		maxHeader = DefaultMaxHeaderLength
	}
	if maxBody == 0 {
		maxBody = DefaultMaxBodyLength
	}
	return &Decoder{maxHeader: maxHeader, maxBody: maxBody}
}

// Buffered returns the number of residual bytes not yet part of a frame.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Feed appends chunk to the residual buffer and returns every frame that is
// now complete, in stream order. Frames completed before a framing error are
// returned together with the error; after an error the decoder rejects all
// further input.
func (d *Decoder) Feed(chunk []byte) ([]Frame, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	for {
		f, ok, err := d.next()
		if err != nil {
			d.err = err
			d.buf, d.off = nil, 0
			return frames, err
		}
		if !ok {
			break
		}
		frames = append(frames, f)
	}

	if d.off > 0 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	return frames, nil
}

func (d *Decoder) next() (Frame, bool, error) {
	if !d.haveLen {
		if d.Buffered() < lengthPrefixSize {
			return Frame{}, false, nil
		}
		n := binary.LittleEndian.Uint32(d.buf[d.off:])
		if n > d.maxHeader {
			return Frame{}, false, fmt.Errorf("%w: header length %d exceeds %d", ErrFraming, n, d.maxHeader)
		}
		d.headerLen = n
		d.haveLen = true
		d.off += lengthPrefixSize
	}

	if d.header == nil {
		if d.Buffered() < int(d.headerLen) {
			return Frame{}, false, nil
		}
		var h Header
		if d.headerLen > 0 {
			raw := d.buf[d.off : d.off+int(d.headerLen)]
			if err := json.Unmarshal(raw, &h); err != nil {
				return Frame{}, false, fmt.Errorf("%w: header json: %v", ErrFraming, err)
			}
		}
		switch h.ContentEncoding {
		case "", EncodingUTF8, EncodingBinary:
		default:
			return Frame{}, false, fmt.Errorf("%w: unknown content encoding %q", ErrFraming, h.ContentEncoding)
		}
		if h.ContentLength > d.maxBody {
			return Frame{}, false, fmt.Errorf("%w: content length %d exceeds %d", ErrFraming, h.ContentLength, d.maxBody)
		}
		d.header = &h
		d.off += int(d.headerLen)
	}

	n := int(d.header.ContentLength)
	if d.Buffered() < n {
		return Frame{}, false, nil
	}
	body := make([]byte, n)
	copy(body, d.buf[d.off:d.off+n])
	d.off += n

	f := Frame{Header: *d.header, Body: body}
	d.haveLen = false
	d.headerLen = 0
	d.header = nil
	return f, true, nil
}
