package splitfat

import (
	"bytes"
	"sync"

	"github.com/vorteil/splitfat/pkg/splitfatlog"
)

// fatBlockEntry is one cached, possibly-dirty FAT block: C FATCells plus
// the BlockControlData describing the free-cluster bitmap and expected
// CRC-32 for that same block.
type fatBlockEntry struct {
	cells   []FATCell
	control *BlockControlData
	dirty   bool
}

// FATBlockCache caches FAT blocks read from the control area, verifies
// their CRC-32 on load, and defers writes until Flush. It is the only
// owner of cached FATCell state; callers never see a fatBlockEntry
// directly.
type FATBlockCache struct {
	mu      sync.Mutex
	cfg     Config
	layout  Layout
	storage LowLevelStorage
	log     splitfatlog.Logger

	entries map[int]*fatBlockEntry
}

// NewFATBlockCache constructs an empty cache over the control-area
// storage.
func NewFATBlockCache(cfg Config, layout Layout, storage LowLevelStorage, log splitfatlog.Logger) *FATBlockCache {
	if log == nil {
		log = splitfatlog.Discard
	}
	return &FATBlockCache{
		cfg:     cfg,
		layout:  layout,
		storage: storage,
		log:     log,
		entries: make(map[int]*fatBlockEntry),
	}
}

func (f *FATBlockCache) split(idx ClusterIndex) (blockIndex, localIndex int) {
	perBlock := f.cfg.ClustersPerBlock()
	return int(idx) / perBlock, int(idx) % perBlock
}

// loadBlock reads a FAT block and its control data from storage and
// verifies the stored CRC-32, populating the cache entry. Callers must
// hold f.mu.
func (f *FATBlockCache) loadBlock(blockIndex int) (*fatBlockEntry, error) {
	const op = "fatcache.load_block"

	controlBuf := make([]byte, blockControlByteLen(f.cfg.ClustersPerBlock()))
	if err := f.storage.ReadAt(controlBuf, f.layout.BlockControlOffset(blockIndex)); err != nil {
		return nil, wrapErr(op, KindStorageIO, err, "read block control for block %d", blockIndex)
	}
	control, err := ReadBlockControlData(bytes.NewReader(controlBuf))
	if err != nil {
		return nil, wrapErr(op, KindStorageIO, err, "decode block control for block %d", blockIndex)
	}

	fatBuf := make([]byte, f.layout.fatBlockLen())
	if err := f.storage.ReadAt(fatBuf, f.layout.FATBlockOffset(blockIndex)); err != nil {
		return nil, wrapErr(op, KindStorageIO, err, "read fat block %d", blockIndex)
	}

	if !control.VerifyFATCRC32(fatBuf) {
		return nil, wrapErr(op, KindIntegrity, ErrFATIntegrity, "block %d", blockIndex)
	}

	cells := make([]FATCell, f.cfg.ClustersPerBlock())
	for i := range cells {
		cells[i] = FATCellFromBytes(fatBuf[i*FATCellSize : (i+1)*FATCellSize])
	}

	entry := &fatBlockEntry{cells: cells, control: control}
	f.entries[blockIndex] = entry
	f.log.Debugf("fatcache: loaded block %d (%d free clusters)", blockIndex, control.FreeCount)
	return entry, nil
}

func (f *FATBlockCache) entry(blockIndex int) (*fatBlockEntry, error) {
	if e, ok := f.entries[blockIndex]; ok {
		return e, nil
	}
	return f.loadBlock(blockIndex)
}

// GetCell returns the FAT cell for the given global cluster index.
func (f *FATBlockCache) GetCell(idx ClusterIndex) (FATCell, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	blockIndex, localIndex := f.split(idx)
	e, err := f.entry(blockIndex)
	if err != nil {
		return FATCell{}, err
	}
	return e.cells[localIndex], nil
}

// SetCell overwrites the FAT cell for the given global cluster index and
// marks its block dirty. The write is not synced to storage until Flush.
func (f *FATBlockCache) SetCell(idx ClusterIndex, value FATCell) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blockIndex, localIndex := f.split(idx)
	e, err := f.entry(blockIndex)
	if err != nil {
		return err
	}
	e.cells[localIndex] = value
	e.dirty = true
	return nil
}

// BlockControl returns the BlockControlData for blockIndex, loading it if
// necessary. Callers (DataPlacementStrategy, DataBlockManager) use this to
// inspect or mutate the free-cluster bitmap directly.
func (f *FATBlockCache) BlockControl(blockIndex int) (*BlockControlData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, err := f.entry(blockIndex)
	if err != nil {
		return nil, err
	}
	return e.control, nil
}

// MarkDirty flags blockIndex's cached entry as needing to be written on
// the next Flush, without changing any cell (used when only the block's
// control data, e.g. its free-cluster bitmap, changed).
func (f *FATBlockCache) MarkDirty(blockIndex int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[blockIndex]; ok {
		e.dirty = true
	}
}

// DirtyBlocks returns the block indices with unflushed changes, in
// ascending order.
func (f *FATBlockCache) DirtyBlocks() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var dirty []int
	for idx, e := range f.entries {
		if e.dirty {
			dirty = append(dirty, idx)
		}
	}
	sortInts(dirty)
	return dirty
}

// EncodeBlock returns the raw FAT-cell bytes for blockIndex, recomputing
// and storing the block's CRC-32 over that payload. It does not touch
// storage; TransactionLog uses this to build the intent-file payload.
func (f *FATBlockCache) EncodeBlock(blockIndex int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[blockIndex]
	if !ok {
		return nil, newErr("fatcache.encode_block", KindUsage, "block %d is not cached", blockIndex)
	}
	buf := make([]byte, len(e.cells)*FATCellSize)
	for i, cell := range e.cells {
		b := cell.Bytes()
		copy(buf[i*FATCellSize:], b[:])
	}
	e.control.ComputeFATCRC32(buf)
	return buf, nil
}

// Flush writes every dirty block's FAT bytes and control data to storage,
// clearing the dirty flag on success.
func (f *FATBlockCache) Flush() error {
	const op = "fatcache.flush"
	f.mu.Lock()
	defer f.mu.Unlock()

	flushed := 0
	for blockIndex, e := range f.entries {
		if !e.dirty {
			continue
		}
		buf := make([]byte, len(e.cells)*FATCellSize)
		for i, cell := range e.cells {
			b := cell.Bytes()
			copy(buf[i*FATCellSize:], b[:])
		}
		e.control.ComputeFATCRC32(buf)

		if err := f.storage.WriteAt(buf, f.layout.FATBlockOffset(blockIndex)); err != nil {
			return wrapErr(op, KindStorageIO, err, "write fat block %d", blockIndex)
		}

		var controlBuf bytes.Buffer
		if _, err := e.control.WriteTo(&controlBuf); err != nil {
			return wrapErr(op, KindStorageIO, err, "encode block control for block %d", blockIndex)
		}
		if err := f.storage.WriteAt(controlBuf.Bytes(), f.layout.BlockControlOffset(blockIndex)); err != nil {
			return wrapErr(op, KindStorageIO, err, "write block control for block %d", blockIndex)
		}

		e.dirty = false
		flushed++
	}
	f.log.Debugf("fatcache: flushed %d block(s)", flushed)
	return nil
}

// clearDirty clears the dirty flag on the listed blocks' cached entries
// without writing them, used by BlockVirtualization once it has already
// written their FAT bytes and control data itself from an Intent (so
// Flush would otherwise redundantly rewrite identical content on the next
// call).
func (f *FATBlockCache) clearDirty(blockIndices []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, idx := range blockIndices {
		if e, ok := f.entries[idx]; ok {
			e.dirty = false
		}
	}
}

// Discard drops every cached entry without writing it, the FATBlockCache
// analogue of an uncommitted-write rollback. It is primarily a test aid
// for simulating a transaction abort.
func (f *FATBlockCache) Discard() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = make(map[int]*fatBlockEntry)
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
