package splitfat

import (
	"os"

	"golang.org/x/sys/unix"
)

// LowLevelStorage is the capability set required from the platform layer:
// cluster-aligned pread/pwrite, fsync, stat for size discovery, truncate
// and close. Rename/unlink for the transaction-intent protocol are not
// part of it; TransactionStorage provides those. One instance backs the
// control area, a second backs the bulk area.
type LowLevelStorage interface {
	ReadAt(buf []byte, offset int64) error
	WriteAt(buf []byte, offset int64) error
	Sync() error
	Size() (int64, error)
	Truncate(size int64) error
	Close() error
}

// BulkStorage additionally exposes a block-prepare hint that the control
// area has no use for.
type BulkStorage interface {
	LowLevelStorage
	// AllocateBlockHint asks the OS to pre-reserve size bytes starting at
	// offset, so that the chunk-sized pwrites that follow land on already
	// backed pages. Implementations may treat this as a no-op.
	AllocateBlockHint(offset, size int64) error
}

// fileStorage implements LowLevelStorage/BulkStorage over a regular
// *os.File using pread/pwrite/fsync/fallocate from golang.org/x/sys/unix:
// a thin interface with os.File plus x/sys underneath for raw disk access.
type fileStorage struct {
	path string
	f    *os.File
}

// OpenFileStorage opens (creating if necessary) the file at path for
// pread/pwrite access.
func OpenFileStorage(path string) (*fileStorage, error) {
	const op = "storage.open"
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, wrapErr(op, KindStorageIO, err, "open %s", path)
	}
	return &fileStorage{path: path, f: f}, nil
}

func (s *fileStorage) ReadAt(buf []byte, offset int64) error {
	const op = "storage.read"
	n, err := unix.Pread(int(s.f.Fd()), buf, offset)
	if err != nil {
		return offsetError(op, offset, err)
	}
	if n != len(buf) {
		return newErr(op, KindStorageIO, "short read at %s:%d: got %d of %d bytes", s.path, offset, n, len(buf))
	}
	return nil
}

func (s *fileStorage) WriteAt(buf []byte, offset int64) error {
	const op = "storage.write"
	n, err := unix.Pwrite(int(s.f.Fd()), buf, offset)
	if err != nil {
		return offsetError(op, offset, err)
	}
	if n != len(buf) {
		return newErr(op, KindStorageIO, "short write at %s:%d: wrote %d of %d bytes", s.path, offset, n, len(buf))
	}
	return nil
}

func (s *fileStorage) Sync() error {
	const op = "storage.sync"
	if err := unix.Fsync(int(s.f.Fd())); err != nil {
		return wrapErr(op, KindStorageIO, err, "fsync %s", s.path)
	}
	return nil
}

func (s *fileStorage) Size() (int64, error) {
	const op = "storage.size"
	info, err := s.f.Stat()
	if err != nil {
		return 0, wrapErr(op, KindStorageIO, err, "stat %s", s.path)
	}
	return info.Size(), nil
}

func (s *fileStorage) Truncate(size int64) error {
	const op = "storage.truncate"
	if err := s.f.Truncate(size); err != nil {
		return wrapErr(op, KindStorageIO, err, "truncate %s to %d", s.path, size)
	}
	return nil
}

func (s *fileStorage) Close() error {
	const op = "storage.close"
	if err := s.f.Close(); err != nil {
		return wrapErr(op, KindStorageIO, err, "close %s", s.path)
	}
	return nil
}

// AllocateBlockHint pre-reserves size bytes at offset with fallocate, so
// the subsequent chunk-aligned pwrites that make up a block commit don't
// extend the file one page at a time. This may be a no-op on platforms
// that don't support it; ENOTSUP/ENOSYS are swallowed rather than
// surfaced as a storage-io error.
func (s *fileStorage) AllocateBlockHint(offset, size int64) error {
	const op = "storage.allocate_hint"
	err := unix.Fallocate(int(s.f.Fd()), 0, offset, size)
	if err == nil || err == unix.ENOTSUP || err == unix.ENOSYS {
		return nil
	}
	return wrapErr(op, KindStorageIO, err, "fallocate %s at %d len %d", s.path, offset, size)
}

var _ BulkStorage = (*fileStorage)(nil)

func validateBufferLen(buf []byte, size int, op string) error {
	if len(buf) != size {
		return newErr(op, KindUsage, "buffer length %d does not match expected size %d", len(buf), size)
	}
	return nil
}

// sizeToPosition converts a byte size to the number of whole units of
// unitSize it spans, rounding up, mirroring Common.h's sizeToPosition.
func sizeToPosition(size, unitSize int) int {
	if unitSize <= 0 {
		return 0
	}
	return (size + unitSize - 1) / unitSize
}

func offsetError(op string, offset int64, err error) error {
	return wrapErr(op, KindStorageIO, err, "at offset %d", offset)
}
