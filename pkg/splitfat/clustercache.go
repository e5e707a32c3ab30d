package splitfat

import (
	"github.com/vorteil/splitfat/pkg/splitfatlog"
)

// blockControlSource is the slice of FATBlockCache that ClusterDataCache
// needs: the free-cluster bitmap for a block, used to decide which chunks
// require a read and which can be zero-filled on load.
type blockControlSource interface {
	BlockControl(blockIndex int) (*BlockControlData, error)
}

// physicalBlockSource is the slice of VolumeControlData/BlockVirtualization
// that ClusterDataCache needs to resolve a virtual block to the physical
// slot it must pread from.
type physicalBlockSource interface {
	PhysicalOf(virtual int) uint32
}

// ClusterDataCache holds exactly one bulk block's worth of data in memory
// at a time, divided into
// ChunksPerBlock 256 KiB chunks, with per-chunk dirty tracking
// (ChangedChunks). Commit does not use it to skip chunks: it writes every
// chunk up to the last one holding live data.
type ClusterDataCache struct {
	cfg    Config
	layout Layout
	bulk   BulkStorage
	blocks blockControlSource
	phys   physicalBlockSource
	log    splitfatlog.Logger

	buffer         []byte
	changedChunks  *BitSet
	cachedBlock    int // virtual block index, or -1 if nothing is cached
	inSync         bool
	initialFree    *BitSet // snapshot of the free-cluster bitmap at load time
}

// NewClusterDataCache constructs an empty (unloaded) cache.
func NewClusterDataCache(cfg Config, layout Layout, bulk BulkStorage, blocks blockControlSource, phys physicalBlockSource, log splitfatlog.Logger) *ClusterDataCache {
	if log == nil {
		log = splitfatlog.Discard
	}
	return &ClusterDataCache{
		cfg:           cfg,
		layout:        layout,
		bulk:          bulk,
		blocks:        blocks,
		phys:          phys,
		log:           log,
		buffer:        make([]byte, cfg.BlockSize),
		changedChunks: NewBitSet(cfg.ChunksPerBlock()),
		cachedBlock:   -1,
	}
}

// CachedBlock returns the virtual block index currently resident, or
// (-1, false) if nothing is cached.
func (c *ClusterDataCache) CachedBlock() (int, bool) {
	if c.cachedBlock < 0 {
		return -1, false
	}
	return c.cachedBlock, true
}

// InSync reports whether every change made to the cached block has
// already been committed to disk.
func (c *ClusterDataCache) InSync() bool {
	return c.inSync
}

// InitialFreeClusters returns the free-cluster bitmap snapshot taken when
// the current block was loaded; DataPlacementStrategy needs this to
// distinguish the conservative policy's legal move targets.
func (c *ClusterDataCache) InitialFreeClusters() *BitSet {
	return c.initialFree
}

// ChangedChunks exposes the dirty-chunk bitmap. BlockVirtualization.Commit
// does not consult it.
func (c *ClusterDataCache) ChangedChunks() *BitSet {
	return c.changedChunks
}

// Buffer exposes the raw block image; DataPlacementStrategy moves clusters
// within it directly (memcpy-style) during defragmentation.
func (c *ClusterDataCache) Buffer() []byte {
	return c.buffer
}

// ReadCluster copies the cluster at block-local byte offset localPos into
// buf.
func (c *ClusterDataCache) ReadCluster(localPos int, buf []byte) error {
	const op = "clustercache.read_cluster"
	if err := c.checkRange(localPos, len(buf), op); err != nil {
		return err
	}
	copy(buf, c.buffer[localPos:localPos+len(buf)])
	return nil
}

// WriteCluster copies buf into the cached block image at block-local byte
// offset localPos, marks the containing chunk dirty, and clears InSync.
func (c *ClusterDataCache) WriteCluster(localPos int, buf []byte) error {
	const op = "clustercache.write_cluster"
	if err := c.checkRange(localPos, len(buf), op); err != nil {
		return err
	}
	copy(c.buffer[localPos:localPos+len(buf)], buf)
	c.changedChunks.Set(localPos/c.cfg.ChunkSize, true)
	c.inSync = false
	return nil
}

func (c *ClusterDataCache) checkRange(localPos, length int, op string) error {
	if localPos < 0 || length != c.cfg.ClusterSize || localPos+length > len(c.buffer) {
		return newErr(op, KindUsage, "local position %d (len %d) out of range for a %d-byte block", localPos, length, len(c.buffer))
	}
	return nil
}

// LoadBlock evicts whatever is cached (if anything) and loads virtual
// block index. It asks blockControlSource for the block's currently-free
// clusters, snapshots that bitmap as InitialFreeClusters, preads any chunk
// containing a live cluster from the block's physical slot, and zero-fills
// the rest with a recognizable debug pattern. Callers must ensure any
// prior dirty block was already committed — LoadBlock does not do that
// itself (DataBlockManager owns that sequencing).
func (c *ClusterDataCache) LoadBlock(virtual int) error {
	const op = "clustercache.load_block"

	control, err := c.blocks.BlockControl(virtual)
	if err != nil {
		return wrapErr(op, KindStorageIO, err, "block control for virtual block %d", virtual)
	}

	free := control.FreeClusters
	c.initialFree = free.Clone()

	physical := c.phys.PhysicalOf(virtual)
	blockOffset := c.layout.BulkBlockOffset(physical)
	clustersPerChunk := c.cfg.ClustersPerChunk()

	for chunk := 0; chunk < c.cfg.ChunksPerBlock(); chunk++ {
		firstCluster := chunk * clustersPerChunk
		needsRead := !allFreeInRange(free, firstCluster, clustersPerChunk)
		chunkOffset := chunk * c.cfg.ChunkSize
		region := c.buffer[chunkOffset : chunkOffset+c.cfg.ChunkSize]

		if needsRead {
			if err := c.bulk.ReadAt(region, blockOffset+int64(chunkOffset)); err != nil {
				return wrapErr(op, KindStorageIO, err, "read chunk %d of physical block %d", chunk, physical)
			}
		} else {
			fillPattern(region, virtual)
		}
	}

	c.changedChunks.SetAll(false)
	c.cachedBlock = virtual
	c.inSync = true
	c.log.Debugf("clustercache: loaded virtual block %d (physical %d)", virtual, physical)
	return nil
}

// MarkClean clears dirty tracking on the resident block without touching
// its contents, used once BlockVirtualization has durably committed every
// changed chunk.
func (c *ClusterDataCache) MarkClean() {
	c.changedChunks.SetAll(false)
	c.inSync = true
}

// allFreeInRange reports whether every cluster in [first, first+count) is
// free according to bitmap (a free-cluster bitmap, where a set bit means
// free).
func allFreeInRange(bitmap *BitSet, first, count int) bool {
	return bitmap.CountOnesInRange(first, count) == count
}

// fillPattern fills region with a block-identifiable debug pattern
// (0x80 | (blockIndex & 0x3F)) rather than raw zero, so that reading
// uninitialized data is visually obvious in a hex dump.
func fillPattern(region []byte, blockIndex int) {
	pattern := byte(0x80 | (blockIndex & 0x3F))
	for i := range region {
		region[i] = pattern
	}
}
