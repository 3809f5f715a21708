package importer

// streaming.go provides streaming readers applied to uploaded sheets.
//
// These readers wrap io.Reader to handle common spreadsheet export issues
// without a second copy of the file:
//
//   - utf8Sanitizer: replaces invalid UTF-8 bytes with '?'
//   - bomSkippingReader: removes the UTF-8 BOM (0xEF 0xBB 0xBF) written by Excel
//   - fingerprintReader: counts bytes and hashes them for the audit log
//
// Use wrapForStreaming to apply the CSV transforms in the correct order.

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"unicode/utf8"
)

// utf8Sanitizer replaces invalid UTF-8 sequences on the fly. Multi-byte
// sequences split across reads are carried over to the next call.
type utf8Sanitizer struct {
	reader  io.Reader
	pending []byte
}

func newUTF8Sanitizer(r io.Reader) *utf8Sanitizer {
	return &utf8Sanitizer{reader: r, pending: make([]byte, 0, utf8.UTFMax)}
}

func (s *utf8Sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	offset := 0
	if len(s.pending) > 0 {
		offset = copy(p, s.pending)
		s.pending = s.pending[:0]
	}

	n, err := s.reader.Read(p[offset:])
	n += offset
	if n == 0 {
		return 0, err
	}

	if isAllASCII(p[:n]) {
		return n, err
	}
	return s.sanitize(p[:n], err == io.EOF), err
}

func isAllASCII(data []byte) bool {
	for _, b := range data {
		if b >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// sanitize rewrites data in place and returns the number of bytes to hand
// out. Unless atEOF, an incomplete trailing sequence is kept in pending.
func (s *utf8Sanitizer) sanitize(data []byte, atEOF bool) int {
	if utf8.Valid(data) {
		if !atEOF {
			if trailing := incompleteTrailingBytes(data); trailing > 0 {
				s.pending = append(s.pending, data[len(data)-trailing:]...)
				return len(data) - trailing
			}
		}
		return len(data)
	}

	write := 0
	for read := 0; read < len(data); {
		r, size := utf8.DecodeRune(data[read:])

		if !atEOF && read+size >= len(data) && isIncompleteRune(data[read:]) {
			s.pending = append(s.pending, data[read:]...)
			return write
		}

		if r == utf8.RuneError && size == 1 {
			// '?' keeps the rewrite in place; U+FFFD would need 3 bytes.
			data[write] = '?'
			write++
			read++
			continue
		}
		copy(data[write:], data[read:read+size])
		write += size
		read += size
	}
	return write
}

// incompleteTrailingBytes returns how many bytes at the end of data start a
// multi-byte sequence that is not finished yet.
func incompleteTrailingBytes(data []byte) int {
	for i := 1; i <= 3 && i <= len(data); i++ {
		b := data[len(data)-i]
		if b >= 0xC0 {
			if i < runeLen(b) {
				return i
			}
			return 0
		}
		if b&0xC0 != 0x80 {
			return 0
		}
	}
	return 0
}

// runeLen returns the expected length of a UTF-8 sequence starting with b.
func runeLen(b byte) int {
	switch {
	case b < 0x80:
		return 1
	case b < 0xC0:
		return 0
	case b < 0xE0:
		return 2
	case b < 0xF0:
		return 3
	default:
		return 4
	}
}

func isIncompleteRune(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	return runeLen(data[0]) > len(data)
}

// bomSkippingReader drops a leading UTF-8 BOM.
type bomSkippingReader struct {
	reader  io.Reader
	checked bool
	buf     [3]byte
	rest    []byte
}

func newBOMSkippingReader(r io.Reader) *bomSkippingReader {
	return &bomSkippingReader{reader: r}
}

func (r *bomSkippingReader) Read(p []byte) (int, error) {
	if !r.checked {
		r.checked = true

		n, err := io.ReadFull(r.reader, r.buf[:])
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		if err != nil && err != io.EOF {
			return 0, err
		}
		if n == 3 && r.buf[0] == 0xEF && r.buf[1] == 0xBB && r.buf[2] == 0xBF {
			r.rest = nil
		} else {
			r.rest = r.buf[:n]
		}
		if len(r.rest) == 0 && err == io.EOF {
			return 0, io.EOF
		}
	}

	if len(r.rest) > 0 {
		copied := copy(p, r.rest)
		r.rest = r.rest[copied:]
		return copied, nil
	}
	return r.reader.Read(p)
}

// fingerprintReader counts and hashes the bytes read through it.
type fingerprintReader struct {
	reader    io.Reader
	hash      hash.Hash
	BytesRead int64
}

func newFingerprintReader(r io.Reader) *fingerprintReader {
	return &fingerprintReader{reader: r, hash: sha256.New()}
}

func (r *fingerprintReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.hash.Write(p[:n])
		r.BytesRead += int64(n)
	}
	return n, err
}

// Sum returns the hex SHA-256 of everything read so far.
func (r *fingerprintReader) Sum() string {
	return hex.EncodeToString(r.hash.Sum(nil))
}

// wrapForStreaming strips the BOM first, then sanitises UTF-8.
func wrapForStreaming(r io.Reader) io.Reader {
	return newUTF8Sanitizer(newBOMSkippingReader(r))
}
