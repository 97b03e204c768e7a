package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"tarun-kavipurapu/chunk-fabric/pkg/logger"
)

const (
	chunkSuffix = ".chunk"
	tempPrefix  = ".incoming-"
)

var (
	ErrHashMismatch = errors.New("chunk hash mismatch")
	ErrSizeMismatch = errors.New("chunk size mismatch")
	ErrNotFound     = errors.New("chunk not found")
	ErrInvalidHash  = errors.New("invalid chunk hash")
)

// Store is a content-addressed directory of chunk files. Only fully
// verified chunks are ever visible under their hash.
type Store struct {
	dir string
}

// NewStore opens (creating if needed) a chunk directory and clears out
// temporary files left behind by an earlier crash.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create chunk directory: %w", err)
	}

	s := &Store{dir: dir}

	leftovers, err := filepath.Glob(filepath.Join(dir, tempPrefix+"*"))
	if err != nil {
		return nil, err
	}
	for _, path := range leftovers {
		if err := os.Remove(path); err != nil {
			logger.Sugar.Warnf("[Store] failed to remove stale temp file: path=%s err=%v", path, err)
		}
	}
	return s, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(hash string) string {
	return filepath.Join(s.dir, hash+chunkSuffix)
}

func (s *Store) Has(hash string) bool {
	if !ValidHash(hash) {
		return false
	}
	info, err := os.Stat(s.path(hash))
	return err == nil && info.Mode().IsRegular()
}

// Open returns the chunk file and its size. The caller closes it.
func (s *Store) Open(hash string) (*os.File, int64, error) {
	if !ValidHash(hash) {
		return nil, 0, ErrInvalidHash
	}
	f, err := os.Open(s.path(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, ErrNotFound
	} else if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// Read returns the chunk bytes.
func (s *Store) Read(hash string) ([]byte, error) {
	f, _, err := s.Open(hash)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Commit reads exactly size bytes from r into a temporary file, checks that
// they hash to hash and only then renames the file into place. On any
// failure the temporary file is removed and the store is unchanged.
//
// Concurrent commits of the same hash are fine: both renames carry the same
// bytes.
func (s *Store) Commit(hash string, r io.Reader, size int64) error {
	if !ValidHash(hash) {
		return ErrInvalidHash
	}
	if size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrSizeMismatch, size)
	}

	tmp, err := os.CreateTemp(s.dir, tempPrefix+hash[:8]+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	hw := NewHashingWriter(tmp)
	n, err := io.CopyN(hw, r, size)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: expected %d bytes, got %d", ErrSizeMismatch, size, n)
		}
		return fmt.Errorf("write chunk data: %w", err)
	}

	if got := hw.Checksum(); got != hash {
		return fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, hash, got)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path(hash)); err != nil {
		return fmt.Errorf("commit chunk: %w", err)
	}
	committed = true
	return nil
}

// Put hashes data and commits it, returning the hash.
func (s *Store) Put(data []byte) (string, error) {
	hash := HashBytes(data)
	if s.Has(hash) {
		return hash, nil
	}
	if err := s.Commit(hash, bytes.NewReader(data), int64(len(data))); err != nil {
		return "", err
	}
	return hash, nil
}

// List returns the hashes of all committed chunks, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || !strings.HasSuffix(name, chunkSuffix) {
			continue
		}
		hash := strings.TrimSuffix(name, chunkSuffix)
		if ValidHash(hash) {
			hashes = append(hashes, hash)
		}
	}
	sort.Strings(hashes)
	return hashes, nil
}
