// Package tfrecord reads and writes record-framed shard files in the TFRecord
// on-disk format: each record is a length-prefixed payload with masked CRC32C
// checksums over both the length header and the payload.
//
// The framing per record is
//
//	uint64  length       (little endian)
//	uint32  masked crc32c of the 8 length bytes
//	length  payload bytes
//	uint32  masked crc32c of the payload
//
// Shard files may additionally be compressed whole-file with ZLIB or GZIP,
// matching the codecs supported by TFRecordDataset.
package tfrecord

import (
	"bufio"
	"compress/gzip"
	"compress/zlib"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Compression selects the whole-file codec applied on top of the record framing.
type Compression string

const (
	CompressionNone Compression = ""
	CompressionZLIB Compression = "ZLIB"
	CompressionGZIP Compression = "GZIP"
)

// Valid reports whether c is one of the supported codecs.
func (c Compression) Valid() bool {
	switch c {
	case CompressionNone, CompressionZLIB, CompressionGZIP:
		return true
	}
	return false
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// maskedCRC computes the masked CRC32C used by the TFRecord format.
func maskedCRC(b []byte) uint32 {
	crc := crc32.Checksum(b, castagnoli)
	return ((crc >> 15) | (crc << 17)) + 0xa282ead8
}

// Reader decodes consecutive records from an io.Reader.
//
// Next returns io.EOF at a clean end of stream. A stream that ends in the
// middle of a record yields io.ErrUnexpectedEOF, and a checksum mismatch
// yields an error; neither is recoverable.
type Reader struct {
	r      *bufio.Reader
	header [12]byte
	footer [4]byte
}

// NewReader returns a Reader framing records out of r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the payload of the next record. The returned slice is owned by
// the caller.
func (r *Reader) Next() ([]byte, error) {
	if _, err := io.ReadFull(r.r, r.header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return nil, errors.Wrap(io.ErrUnexpectedEOF, "truncated record header")
		}
		return nil, errors.Wrap(err, "reading record header")
	}
	length := binary.LittleEndian.Uint64(r.header[:8])
	lengthCRC := binary.LittleEndian.Uint32(r.header[8:12])
	if got := maskedCRC(r.header[:8]); got != lengthCRC {
		return nil, errors.Errorf("corrupted record: length checksum mismatch (want %08x, got %08x)", lengthCRC, got)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errors.Wrap(io.ErrUnexpectedEOF, "truncated record payload")
		}
		return nil, errors.Wrap(err, "reading record payload")
	}
	if _, err := io.ReadFull(r.r, r.footer[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errors.Wrap(io.ErrUnexpectedEOF, "truncated record footer")
		}
		return nil, errors.Wrap(err, "reading record footer")
	}
	payloadCRC := binary.LittleEndian.Uint32(r.footer[:])
	if got := maskedCRC(payload); got != payloadCRC {
		return nil, errors.Errorf("corrupted record: payload checksum mismatch (want %08x, got %08x)", payloadCRC, got)
	}
	return payload, nil
}

// Writer frames records onto an io.Writer.
type Writer struct {
	w      io.Writer
	header [12]byte
	footer [4]byte
}

// NewWriter returns a Writer framing records onto w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write appends one record holding payload.
func (w *Writer) Write(payload []byte) error {
	binary.LittleEndian.PutUint64(w.header[:8], uint64(len(payload)))
	binary.LittleEndian.PutUint32(w.header[8:12], maskedCRC(w.header[:8]))
	if _, err := w.w.Write(w.header[:]); err != nil {
		return errors.Wrap(err, "writing record header")
	}
	if _, err := w.w.Write(payload); err != nil {
		return errors.Wrap(err, "writing record payload")
	}
	binary.LittleEndian.PutUint32(w.footer[:], maskedCRC(payload))
	if _, err := w.w.Write(w.footer[:]); err != nil {
		return errors.Wrap(err, "writing record footer")
	}
	return nil
}

// FileReader is a Reader over a shard file, stacking the decompressor when the
// shard is compressed. Close releases the decompressor and the file.
type FileReader struct {
	*Reader
	file *os.File
	dec  io.ReadCloser
}

// Open opens a shard file for sequential reading.
func Open(path string, compression Compression) (*FileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening shard %s", path)
	}
	fr := &FileReader{file: f}
	switch compression {
	case CompressionNone:
		fr.Reader = NewReader(f)
	case CompressionZLIB:
		dec, err := zlib.NewReader(f)
		if err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "opening zlib shard %s", path)
		}
		fr.dec = dec
		fr.Reader = NewReader(dec)
	case CompressionGZIP:
		dec, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "opening gzip shard %s", path)
		}
		fr.dec = dec
		fr.Reader = NewReader(dec)
	default:
		f.Close()
		return nil, errors.Errorf("unknown compression %q", compression)
	}
	return fr, nil
}

// Close releases the underlying file handle.
func (r *FileReader) Close() error {
	if r.dec != nil {
		if err := r.dec.Close(); err != nil {
			r.file.Close()
			return errors.Wrap(err, "closing decompressor")
		}
	}
	return r.file.Close()
}

// FileWriter is a Writer over a shard file, stacking the compressor when a
// codec is requested. Close flushes the compressor and closes the file.
type FileWriter struct {
	*Writer
	file *os.File
	comp io.WriteCloser
}

// Create creates (or truncates) a shard file for writing.
func Create(path string, compression Compression) (*FileWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "creating shard %s", path)
	}
	fw := &FileWriter{file: f}
	switch compression {
	case CompressionNone:
		fw.Writer = NewWriter(f)
	case CompressionZLIB:
		fw.comp = zlib.NewWriter(f)
		fw.Writer = NewWriter(fw.comp)
	case CompressionGZIP:
		fw.comp = gzip.NewWriter(f)
		fw.Writer = NewWriter(fw.comp)
	default:
		f.Close()
		return nil, errors.Errorf("unknown compression %q", compression)
	}
	return fw, nil
}

// Close flushes any compressor and closes the file.
func (w *FileWriter) Close() error {
	if w.comp != nil {
		if err := w.comp.Close(); err != nil {
			w.file.Close()
			return errors.Wrap(err, "flushing compressor")
		}
	}
	return w.file.Close()
}
