package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

var testBounds = Bounds{Min: 0, Max: 1000}

func TestEncodeDecode(t *testing.T) {
	bodies := [][]byte{nil, {}, {0x01}, bytes.Repeat([]byte{0xAB}, 4096)}
	for _, id := range []int32{1, 42, 999} {
		for _, body := range bodies {
			f, err := Encode(testBounds, id, 7, body)
			if err != nil {
				t.Fatalf("Encode(%d): %v", id, err)
			}
			got, err := Decode(f.Bytes(), testBounds)
			if err != nil {
				t.Fatalf("Decode(%d, %d bytes): %v", id, len(body), err)
			}
			if got.MessageID != id || got.CorrelationID != 7 || got.Version != Version || !bytes.Equal(got.Body, body) {
				t.Fatalf("decoded %+v", got)
			}
		}
	}
}

func TestHeaderLayout(t *testing.T) {
	f, err := Encode(testBounds, 3, 42, []byte{9, 8})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{
		3, 0, 0, 0,
		2, 0, 0, 0,
		1, 0, 0, 0,
		42, 0, 0, 0,
		9, 8,
	}
	if got := f.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("bytes = %v, want %v", got, want)
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	for n := 0; n < HeaderSize; n++ {
		_, err := Decode(make([]byte, n), testBounds)
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("len %d: err = %v, want ErrMalformed", n, err)
		}
	}
}

func TestDecodeRejects(t *testing.T) {
	good, _ := Encode(testBounds, 5, 0, []byte{1, 2, 3})
	cases := []struct {
		name string
		mut  func([]byte) []byte
		want error
	}{
		{"id at min", func(b []byte) []byte { PutSessionID(b[0:], 0); return b }, ErrOutOfRange},
		{"id at max", func(b []byte) []byte { PutSessionID(b[0:], 1000); return b }, ErrOutOfRange},
		{"version", func(b []byte) []byte { PutSessionID(b[8:], 2); return b }, ErrOutOfRange},
		{"negative length", func(b []byte) []byte { PutSessionID(b[4:], -1); return b }, ErrMalformed},
		{"truncated body", func(b []byte) []byte { return b[:len(b)-1] }, ErrMalformed},
		{"trailing bytes", func(b []byte) []byte { return append(b, 0) }, ErrMalformed},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b := c.mut(good.Bytes())
			_, err := Decode(b, testBounds)
			if !errors.Is(err, c.want) {
				t.Fatalf("err = %v, want %v", err, c.want)
			}
			var fe *FrameError
			if !errors.As(err, &fe) {
				t.Fatalf("err %T is not *FrameError", err)
			}
		})
	}
}

func TestEncodeOutOfRange(t *testing.T) {
	if _, err := Encode(testBounds, 0, 0, nil); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("err = %v", err)
	}
}

func TestReadFrameShortBody(t *testing.T) {
	hdr := make([]byte, HeaderSize)
	PutSessionID(hdr[0:], 5)
	PutSessionID(hdr[4:], 1000)
	PutSessionID(hdr[8:], Version)
	r := io.MultiReader(bytes.NewReader(hdr), bytes.NewReader(make([]byte, 10)))
	_, err := ReadFrame(r, testBounds)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want unexpected EOF", err)
	}
}

func TestReadFrameSequence(t *testing.T) {
	var buf bytes.Buffer
	for i := int32(1); i <= 3; i++ {
		f, _ := Encode(testBounds, i, i*10, bytes.Repeat([]byte{byte(i)}, int(i)))
		buf.Write(f.Bytes())
	}
	for i := int32(1); i <= 3; i++ {
		f, err := ReadFrame(&buf, testBounds)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if f.MessageID != i || f.CorrelationID != i*10 || len(f.Body) != int(i) {
			t.Fatalf("frame %d = %+v", i, f)
		}
	}
	if _, err := ReadFrame(&buf, testBounds); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want EOF", err)
	}
}

func TestReadFrameSkipsRejectedBody(t *testing.T) {
	var buf bytes.Buffer
	bad := Frame{MessageID: 5000, Version: Version, Body: []byte{1, 2, 3}}
	buf.Write(bad.Bytes())
	good, _ := Encode(testBounds, 9, 0, []byte{4})
	buf.Write(good.Bytes())

	if _, err := ReadFrame(&buf, testBounds); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("first read err = %v", err)
	}
	f, err := ReadFrame(&buf, testBounds)
	if err != nil || f.MessageID != 9 || !bytes.Equal(f.Body, []byte{4}) {
		t.Fatalf("second read = %+v, %v", f, err)
	}
}
