package transfer

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/edsrzf/mmap-go"

	"github.com/dannyzb/dignat/common"
)

// chunkStorage is a flat chunk-file on a POSIX filesystem, the only storage engine
// in scope: a single pre-sized file per download, written through an
// edsrzf/mmap-go mapping.
type chunkStorage struct {
	fd   FileDescriptor
	dir  string
	path string

	mu   sync.Mutex
	file *os.File
	mm   mmap.MMap
}

// newChunkStorage creates (or truncates) a pre-sized temp file for fd under dir and
// maps it. A TotalBytes of 0 still creates an empty,
// zero-length mapping-free file.
func newChunkStorage(dir string, fd FileDescriptor) (*chunkStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("transfer: mkdir chunk dir: %w", err)
	}
	path := filepath.Join(dir, fd.Hash.String()+".part")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("transfer: open chunk file: %w", err)
	}
	if fd.TotalBytes > 0 {
		if err := f.Truncate(fd.TotalBytes); err != nil {
			f.Close()
			return nil, fmt.Errorf("transfer: truncate chunk file: %w", err)
		}
	}
	cs := &chunkStorage{fd: fd, dir: dir, path: path, file: f}
	if fd.TotalBytes > 0 {
		mm, err := mmap.Map(f, mmap.RDWR, 0)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("transfer: mmap chunk file: %w", err)
		}
		cs.mm = mm
	}
	return cs, nil
}

// WriteChunk writes data at chunk index's byte offset. Caller guarantees data's
// length matches fd.chunkLen(index); the final chunk may be short.
func (cs *chunkStorage) WriteChunk(index uint32, data []byte) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.mm == nil {
		return fmt.Errorf("transfer: write to empty-file storage")
	}
	want := cs.fd.chunkLen(index)
	if int64(len(data)) != want {
		return fmt.Errorf("transfer: chunk %d size mismatch: got %d want %d", index, len(data), want)
	}
	off := int64(index) * cs.fd.ChunkSize
	copy(cs.mm[off:off+want], data)
	return nil
}

// VerifyAndFinalize computes the SHA-256 over the full mapping in index order and,
// on a match, renames the temp file to finalPath and releases the mapping; on
// mismatch it returns ErrIntegrityFailed and leaves the temp file untouched for
// resume.
func (cs *chunkStorage) VerifyAndFinalize(finalPath string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	var got common.ContentHash
	if cs.fd.TotalBytes == 0 {
		got = common.HashBytes(nil)
	} else {
		h := sha256.Sum256(cs.mm)
		got = common.ContentHash(h)
	}
	if !got.Equal(cs.fd.Hash) {
		return fmt.Errorf("%w: expected %s got %s", ErrIntegrityFailed, cs.fd.Hash, got)
	}
	if cs.mm != nil {
		if err := cs.mm.Flush(); err != nil {
			return fmt.Errorf("transfer: flush chunk file: %w", err)
		}
		if err := cs.mm.Unmap(); err != nil {
			return fmt.Errorf("transfer: unmap chunk file: %w", err)
		}
		cs.mm = nil
	}
	if err := cs.file.Close(); err != nil {
		return fmt.Errorf("transfer: close chunk file: %w", err)
	}
	if err := os.Rename(cs.path, finalPath); err != nil {
		return fmt.Errorf("transfer: finalize output: %w", err)
	}
	return nil
}

// Abandon releases the mapping without deleting the temp file, preserving chunks
// for a later resume attempt.
func (cs *chunkStorage) Abandon() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.mm != nil {
		cs.mm.Unmap()
		cs.mm = nil
	}
	if cs.file != nil {
		cs.file.Close()
	}
}
