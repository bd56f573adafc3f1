// Package codec implements the ingest/digest wire-level primitives: gzip
// compression with hard byte caps and SHA-256 content hashing. Compression
// concurrency is bounded by a process-wide counting semaphore (spec §5).
package codec

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/pkg/errors"
)

// ErrOversize is returned when compressed or decompressed output would
// exceed the caller's configured cap.
var ErrOversize = errors.New("codec: payload exceeds size cap")

// ErrBadCompression is returned when gzip decoding fails outright.
var ErrBadCompression = errors.New("codec: invalid gzip stream")

// Semaphore bounds concurrent compressions process-wide
// (MAX_CONCURRENT_COMPRESSIONS, spec §5). The digest path's decompression is
// intentionally not gated by it — it is already bounded by the worker batch
// size.
type Semaphore chan struct{}

// NewSemaphore creates a counting semaphore with n permits.
func NewSemaphore(n int) Semaphore {
	if n <= 0 {
		n = 1
	}
	return make(Semaphore, n)
}

// Acquire blocks until a permit is available.
func (s Semaphore) Acquire() { s <- struct{}{} }

// Release returns a permit.
func (s Semaphore) Release() { <-s }

// Compress gzip-compresses b, failing with ErrOversize if the resulting
// stream would exceed maxCompressed bytes. maxCompressed <= 0 means no cap.
func Compress(b []byte, maxCompressed int64) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		zw.Close()
		return nil, errors.Wrap(err, "codec: gzip write")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "codec: gzip close")
	}
	if maxCompressed > 0 && int64(buf.Len()) > maxCompressed {
		return nil, ErrOversize
	}
	return buf.Bytes(), nil
}

// Decompress streams gzip decoding, failing with ErrOversize as soon as the
// running output length exceeds maxUncompressed — it never buffers the full
// output before checking the cap. maxUncompressed <= 0 means no cap.
func Decompress(b []byte, maxUncompressed int64) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, errors.Wrap(ErrBadCompression, err.Error())
	}
	defer zr.Close()

	var out bytes.Buffer
	var lr io.Reader = zr
	if maxUncompressed > 0 {
		// Read one byte past the limit so an exact-size payload doesn't trip
		// the cap while a genuinely oversize one does.
		lr = io.LimitReader(zr, maxUncompressed+1)
	}
	n, err := io.Copy(&out, lr)
	if err != nil {
		return nil, errors.Wrap(ErrBadCompression, err.Error())
	}
	if maxUncompressed > 0 && n > maxUncompressed {
		return nil, ErrOversize
	}
	return out.Bytes(), nil
}

// Hash returns the lowercase hex SHA-256 digest of b.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
