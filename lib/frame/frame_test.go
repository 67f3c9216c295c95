package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestWriteRead(t *testing.T) {
	var buf bytes.Buffer
	fw := NewWriter(&buf)

	frames := [][]byte{
		[]byte("first"),
		[]byte(""),
		[]byte("third frame with more content"),
	}
	for _, f := range frames {
		if err := fw.Write(f); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	fr := NewReader(&buf, 0)
	for i, want := range frames {
		got, err := fr.Read()
		if err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d: got %q, want %q", i, got, want)
		}
	}

	if _, err := fr.Read(); err != io.EOF {
		t.Errorf("expected io.EOF at stream end, got %v", err)
	}
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	fw := NewWriter(&buf)
	if err := fw.Write(make([]byte, 128)); err != nil {
		t.Fatalf("write: %v", err)
	}

	fr := NewReader(&buf, 64)
	if _, err := fr.Read(); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestWriteTooLarge(t *testing.T) {
	var buf bytes.Buffer
	fw := NewWriter(&buf)
	if err := fw.Write(make([]byte, DefaultMaxSize+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("a refused frame must not reach the wire, wrote %d bytes", buf.Len())
	}
}

func TestTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	fw := NewWriter(&buf)
	if err := fw.Write([]byte("complete")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Chop off the tail of the body.
	data := buf.Bytes()[:buf.Len()-3]

	fr := NewReader(bytes.NewReader(data), 0)
	if _, err := fr.Read(); err == nil {
		t.Error("truncated frame body should error")
	}
}
