package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func sampleFrames() []Frame {
	return []Frame{
		{
			Header: Header{Action: ActionEnter, ContentEncoding: EncodingUTF8, ContentMime: MimeJSON},
			Body:   []byte(`{"roomId":"r1","memberId":"m1","displayName":"alice","avatar":""}`),
		},
		{
			Header: Header{Action: ActionSendMessage, ContentEncoding: EncodingBinary, ContentMime: "image/png"},
			Body:   []byte{0x89, 'P', 'N', 'G', 0x00, 0xff},
		},
		{
			Header: Header{Action: ActionLeave, ContentEncoding: EncodingUTF8},
			Body:   []byte{},
		},
	}
}

func mustEncode(t *testing.T, f Frame) []byte {
	t.Helper()
	b, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func assertFrame(t *testing.T, got, want Frame) {
	t.Helper()
	want.Header.ContentLength = uint32(len(want.Body))
	if got.Header != want.Header {
		t.Fatalf("header mismatch: got %#v want %#v", got.Header, want.Header)
	}
	if !bytes.Equal(got.Body, want.Body) {
		t.Fatalf("body mismatch: got %q want %q", got.Body, want.Body)
	}
}

func TestEncodeLayout(t *testing.T) {
	b := mustEncode(t, Frame{Header: Header{Action: ActionLeave}, Body: []byte("xy")})

	headerLen := binary.LittleEndian.Uint32(b[:4])
	if int(headerLen) != len(b)-4-2 {
		t.Fatalf("expected header length %d, got %d", len(b)-6, headerLen)
	}
	if string(b[len(b)-2:]) != "xy" {
		t.Fatalf("expected body at tail, got %q", b[len(b)-2:])
	}
	if !bytes.Contains(b[4:4+headerLen], []byte(`"contentLength":2`)) {
		t.Fatalf("expected contentLength in header, got %s", b[4:4+headerLen])
	}
}

func TestRoundTrip(t *testing.T) {
	for _, f := range sampleFrames() {
		d := NewDecoder(0, 0)
		frames, err := d.Feed(mustEncode(t, f))
		if err != nil {
			t.Fatalf("feed: %v", err)
		}
		if len(frames) != 1 {
			t.Fatalf("expected 1 frame, got %d", len(frames))
		}
		assertFrame(t, frames[0], f)
		if d.Buffered() != 0 {
			t.Fatalf("expected empty residual buffer, got %d bytes", d.Buffered())
		}
	}
}

func TestFeedSplitAtEveryBoundary(t *testing.T) {
	want := sampleFrames()[0]
	raw := mustEncode(t, want)

	for split := 1; split < len(raw); split++ {
		d := NewDecoder(0, 0)
		first, err := d.Feed(raw[:split])
		if err != nil {
			t.Fatalf("split %d: first feed: %v", split, err)
		}
		if len(first) != 0 {
			t.Fatalf("split %d: expected no frame from partial input, got %d", split, len(first))
		}
		second, err := d.Feed(raw[split:])
		if err != nil {
			t.Fatalf("split %d: second feed: %v", split, err)
		}
		if len(second) != 1 {
			t.Fatalf("split %d: expected 1 frame, got %d", split, len(second))
		}
		assertFrame(t, second[0], want)
	}
}

func TestFeedByteAtATime(t *testing.T) {
	var stream []byte
	want := sampleFrames()
	for _, f := range want {
		stream = append(stream, mustEncode(t, f)...)
	}

	d := NewDecoder(0, 0)
	var got []Frame
	for i := range stream {
		frames, err := d.Feed(stream[i : i+1])
		if err != nil {
			t.Fatalf("feed byte %d: %v", i, err)
		}
		got = append(got, frames...)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d frames, got %d", len(want), len(got))
	}
	for i := range want {
		assertFrame(t, got[i], want[i])
	}
}

func TestFeedCoalescedFrames(t *testing.T) {
	const n = 25
	var stream []byte
	for i := 0; i < n; i++ {
		f := Frame{
			Header: Header{Action: ActionSendMessage, ContentEncoding: EncodingUTF8},
			Body:   []byte{byte('a' + i%26)},
		}
		stream = append(stream, mustEncode(t, f)...)
	}

	d := NewDecoder(0, 0)
	frames, err := d.Feed(stream)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(frames) != n {
		t.Fatalf("expected %d frames, got %d", n, len(frames))
	}
	for i, f := range frames {
		if f.Body[0] != byte('a'+i%26) {
			t.Fatalf("frame %d out of order: body %q", i, f.Body)
		}
	}
}

func TestFeedKeepsTrailingPartialFrame(t *testing.T) {
	a := mustEncode(t, sampleFrames()[0])
	b := mustEncode(t, sampleFrames()[1])
	stream := append(append([]byte{}, a...), b[:7]...)

	d := NewDecoder(0, 0)
	frames, err := d.Feed(stream)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 complete frame, got %d", len(frames))
	}
	if d.Buffered() != 3 {
		t.Fatalf("expected 3 residual bytes past the length prefix, got %d", d.Buffered())
	}

	frames, err = d.Feed(b[7:])
	if err != nil {
		t.Fatalf("feed rest: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected second frame, got %d", len(frames))
	}
	assertFrame(t, frames[0], sampleFrames()[1])
}

func TestZeroLengthHeaderAndBody(t *testing.T) {
	d := NewDecoder(0, 0)
	frames, err := d.Feed([]byte{0, 0, 0, 0})
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Header != (Header{}) || len(frames[0].Body) != 0 {
		t.Fatalf("expected empty frame, got %#v", frames[0])
	}
}

func TestMalformedHeaderIsFramingError(t *testing.T) {
	raw := []byte("{not json")
	stream := make([]byte, 4, 4+len(raw))
	binary.LittleEndian.PutUint32(stream, uint32(len(raw)))
	stream = append(stream, raw...)

	good := mustEncode(t, sampleFrames()[2])
	d := NewDecoder(0, 0)
	frames, err := d.Feed(append(good, stream...))
	if !errors.Is(err, ErrFraming) {
		t.Fatalf("expected ErrFraming, got %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected frame decoded before the error, got %d", len(frames))
	}

	if _, err := d.Feed(good); !errors.Is(err, ErrFraming) {
		t.Fatalf("expected decoder to stay failed, got %v", err)
	}
}

func TestLengthLimits(t *testing.T) {
	t.Run("header", func(t *testing.T) {
		d := NewDecoder(8, 0)
		_, err := d.Feed(mustEncode(t, sampleFrames()[0]))
		if !errors.Is(err, ErrFraming) {
			t.Fatalf("expected ErrFraming, got %v", err)
		}
	})
	t.Run("body", func(t *testing.T) {
		d := NewDecoder(0, 4)
		_, err := d.Feed(mustEncode(t, sampleFrames()[0]))
		if !errors.Is(err, ErrFraming) {
			t.Fatalf("expected ErrFraming, got %v", err)
		}
	})
}

func TestUnknownEncodingIsFramingError(t *testing.T) {
	b := mustEncode(t, Frame{Header: Header{Action: ActionLeave, ContentEncoding: "gzip"}})
	_, err := NewDecoder(0, 0).Feed(b)
	if !errors.Is(err, ErrFraming) {
		t.Fatalf("expected ErrFraming, got %v", err)
	}
}

func TestEncodeJSON(t *testing.T) {
	b, err := EncodeJSON(ActionRefuse, Notice{Msg: "no", Action: ActionEnter})
	if err != nil {
		t.Fatalf("encode json: %v", err)
	}
	frames, err := NewDecoder(0, 0).Feed(b)
	if err != nil || len(frames) != 1 {
		t.Fatalf("decode: frames=%d err=%v", len(frames), err)
	}
	h := frames[0].Header
	if h.Action != ActionRefuse || h.ContentEncoding != EncodingUTF8 || h.ContentMime != MimeJSON {
		t.Fatalf("unexpected header: %#v", h)
	}
	if string(frames[0].Body) != `{"msg":"no","action":"enter"}` {
		t.Fatalf("unexpected body: %s", frames[0].Body)
	}
}
