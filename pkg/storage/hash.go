package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
)

// HashLen is the length of a hex encoded SHA-256 digest.
const HashLen = sha256.Size * 2

// ValidHash reports whether h looks like a lowercase hex SHA-256 digest.
// Anything else is rejected before it can be turned into a path.
func ValidHash(h string) bool {
	if len(h) != HashLen {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func HashChunk(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile hashes the whole file and rewinds it.
func HashFile(f *os.File) (string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	sum, err := HashChunk(f)
	if err != nil {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return sum, nil
}

// HashingWriter tees everything written to it into a digest.
type HashingWriter struct {
	main io.Writer
	hash hash.Hash
	n    int64
}

func NewHashingWriter(main io.Writer) *HashingWriter {
	return &HashingWriter{main: main, hash: sha256.New()}
}

func (w *HashingWriter) Write(p []byte) (int, error) {
	n, err := w.main.Write(p)
	w.hash.Write(p[:n])
	w.n += int64(n)
	return n, err
}

func (w *HashingWriter) Written() int64 {
	return w.n
}

func (w *HashingWriter) Checksum() string {
	return hex.EncodeToString(w.hash.Sum(nil))
}
