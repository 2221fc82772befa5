package tfrecord

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

// writeRecords writes each payload to path with the given compression.
func writeRecords(t *testing.T, path string, compression Compression, payloads [][]byte) {
	t.Helper()
	w, err := Create(path, compression)
	if err != nil {
		t.Fatalf("Create(%s, %q) failed: %v", path, compression, err)
	}
	for i, p := range payloads {
		if err := w.Write(p); err != nil {
			t.Fatalf("Write record %d failed: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte("alpha"),
		{},
		[]byte("a longer payload with some repetition repetition repetition"),
		{0x00, 0xff, 0x7f, 0x80},
	}

	for _, compression := range []Compression{CompressionNone, CompressionZLIB, CompressionGZIP} {
		t.Run(string("codec="+compression), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "shard.tfrec")
			writeRecords(t, path, compression, payloads)

			r, err := Open(path, compression)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			defer r.Close()

			for i, want := range payloads {
				got, err := r.Next()
				if err != nil {
					t.Fatalf("Next record %d failed: %v", i, err)
				}
				if !bytes.Equal(got, want) {
					t.Errorf("record %d: got %q, want %q", i, got, want)
				}
			}
			if _, err := r.Next(); err != io.EOF {
				t.Fatalf("expected io.EOF after last record, got %v", err)
			}
		})
	}
}

func TestEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.tfrec")
	writeRecords(t, path, CompressionNone, nil)

	r, err := Open(path, CompressionNone)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF for empty file, got %v", err)
	}
}

func TestCorruptPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.tfrec")
	writeRecords(t, path, CompressionNone, [][]byte{[]byte("hello world")})

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	// Flip a bit inside the payload (after the 12-byte header).
	raw[12+3] ^= 0x01
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	r, err := Open(path, CompressionNone)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()
	if _, err := r.Next(); err == nil || err == io.EOF {
		t.Fatalf("expected checksum error, got %v", err)
	}
}

func TestCorruptLengthHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.tfrec")
	writeRecords(t, path, CompressionNone, [][]byte{[]byte("hello world")})

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	raw[0] ^= 0x01
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	r, err := Open(path, CompressionNone)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()
	if _, err := r.Next(); err == nil || err == io.EOF {
		t.Fatalf("expected checksum error, got %v", err)
	}
}

func TestTruncatedRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.tfrec")
	writeRecords(t, path, CompressionNone, [][]byte{[]byte("first"), []byte("second")})

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	// Drop the last few bytes so the second record is cut mid-payload.
	if err := os.WriteFile(path, raw[:len(raw)-7], 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	r, err := Open(path, CompressionNone)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()
	if got, err := r.Next(); err != nil || string(got) != "first" {
		t.Fatalf("first record: got %q, %v", got, err)
	}
	_, err = r.Next()
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF for truncated record, got %v", err)
	}
}

func TestCompressionValid(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionZLIB, CompressionGZIP} {
		if !c.Valid() {
			t.Errorf("Compression(%q).Valid() = false, want true", c)
		}
	}
	if Compression("SNAPPY").Valid() {
		t.Error(`Compression("SNAPPY").Valid() = true, want false`)
	}
}
