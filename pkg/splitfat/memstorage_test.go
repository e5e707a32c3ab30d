package splitfat

// memStorage is an in-memory LowLevelStorage/BulkStorage fake, a
// buffer-backed test double for the real pread/pwrite-based storage.
// cutAfter, when >= 0, makes the cutAfter'th WriteAt call the last one
// that actually lands in buf, simulating a power cut mid-commit for the
// transaction-atomicity tests.
type memStorage struct {
	buf       []byte
	writes    int
	cutAfter  int
	allocated []allocRange
	closed    bool
}

type allocRange struct {
	offset, size int64
}

func newMemStorage(size int) *memStorage {
	return &memStorage{buf: make([]byte, size), cutAfter: -1}
}

func (m *memStorage) ReadAt(buf []byte, offset int64) error {
	const op = "memstorage.read"
	if offset < 0 || offset+int64(len(buf)) > int64(len(m.buf)) {
		return newErr(op, KindStorageIO, "read [%d,%d) out of range (size %d)", offset, offset+int64(len(buf)), len(m.buf))
	}
	copy(buf, m.buf[offset:offset+int64(len(buf))])
	return nil
}

func (m *memStorage) WriteAt(buf []byte, offset int64) error {
	const op = "memstorage.write"
	if offset < 0 || offset+int64(len(buf)) > int64(len(m.buf)) {
		return newErr(op, KindStorageIO, "write [%d,%d) out of range (size %d)", offset, offset+int64(len(buf)), len(m.buf))
	}
	m.writes++
	if m.cutAfter >= 0 && m.writes > m.cutAfter {
		return newErr(op, KindStorageIO, "simulated power cut after %d writes", m.cutAfter)
	}
	copy(m.buf[offset:offset+int64(len(buf))], buf)
	return nil
}

func (m *memStorage) Sync() error { return nil }

func (m *memStorage) Size() (int64, error) { return int64(len(m.buf)), nil }

func (m *memStorage) Truncate(size int64) error {
	if int64(len(m.buf)) >= size {
		m.buf = m.buf[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, m.buf)
	m.buf = grown
	return nil
}

func (m *memStorage) Close() error {
	m.closed = true
	return nil
}

func (m *memStorage) AllocateBlockHint(offset, size int64) error {
	m.allocated = append(m.allocated, allocRange{offset, size})
	if int64(len(m.buf)) < offset+size {
		return m.Truncate(offset + size)
	}
	return nil
}

// cutAfterWrites arranges for the (n+1)th WriteAt call onward to fail,
// simulating the storage disappearing partway through a commit.
func (m *memStorage) cutAfterWrites(n int) {
	m.cutAfter = n
}

var (
	_ LowLevelStorage = (*memStorage)(nil)
	_ BulkStorage     = (*memStorage)(nil)
)
