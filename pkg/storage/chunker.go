package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const DefaultChunkSize = 4 * 1024 * 1024

// DivideToChunk splits r into chunkSize pieces, commits each one to the
// store and returns the ordered hash list along with the total size.
func (s *Store) DivideToChunk(r io.Reader, chunkSize int) ([]string, int64, error) {
	if chunkSize <= 0 {
		return nil, 0, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	buf := make([]byte, chunkSize)
	var hashes []string
	var total int64
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			hash, putErr := s.Put(buf[:n])
			if putErr != nil {
				return nil, 0, fmt.Errorf("store chunk %d: %w", len(hashes), putErr)
			}
			hashes = append(hashes, hash)
			total += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return nil, 0, err
		}
	}
	return hashes, total, nil
}

// ReassembleFile concatenates the chunks in order into outPath. The output
// is written to a temporary file next to outPath and renamed at the end.
// Every chunk is re-hashed on the way out.
func (s *Store) ReassembleFile(hashes []string, outPath string) error {
	dir := filepath.Dir(outPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	out, err := os.CreateTemp(dir, filepath.Base(outPath)+".part-*")
	if err != nil {
		return err
	}
	tmpPath := out.Name()
	done := false
	defer func() {
		if !done {
			out.Close()
			os.Remove(tmpPath)
		}
	}()

	for i, hash := range hashes {
		data, err := s.Read(hash)
		if err != nil {
			return fmt.Errorf("read chunk %d (%s): %w", i, hash, err)
		}
		if got := HashBytes(data); got != hash {
			return fmt.Errorf("chunk %d: %w: expected %s, got %s", i, ErrHashMismatch, hash, got)
		}
		if _, err := out.Write(data); err != nil {
			return err
		}
	}

	if err := out.Sync(); err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return err
	}
	done = true
	return nil
}
