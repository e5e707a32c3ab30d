package splitfat

import (
	"github.com/vorteil/splitfat/pkg/splitfatlog"
)

// CommitFunc performs the full transactional commit sequence for the
// currently-cached virtual block, after which the cache is free to be
// evicted and reloaded with a different block. DataBlockManager never
// implements the sequence itself; it only decides when eviction must
// trigger it.
type CommitFunc func(virtual int) error

// DataBlockManager routes cluster reads and writes to either the
// control-area directory file (block 0) or the bulk-area ClusterDataCache:
// block 0 clusters are randomly writable and go straight to the
// directory file; everything else funnels
// through the single resident bulk block, evicting (committing) whatever
// was cached before loading a different virtual block.
type DataBlockManager struct {
	cfg       Config
	layout    Layout
	directory LowLevelStorage
	cache     *ClusterDataCache
	fat       *FATBlockCache
	commit    CommitFunc
	log       splitfatlog.Logger
}

// NewDataBlockManager constructs a manager over the directory-area storage
// and a single ClusterDataCache for the bulk area. fat supplies the FAT
// cell carrying each cluster's CRC-16, used by ReadCluster/WriteCluster
// when Config.EnablePerClusterCRC is set.
func NewDataBlockManager(cfg Config, layout Layout, directory LowLevelStorage, cache *ClusterDataCache, fat *FATBlockCache, commit CommitFunc, log splitfatlog.Logger) *DataBlockManager {
	if log == nil {
		log = splitfatlog.Discard
	}
	return &DataBlockManager{
		cfg:       cfg,
		layout:    layout,
		directory: directory,
		cache:     cache,
		fat:       fat,
		commit:    commit,
		log:       log,
	}
}

// clustersInBlockZero is the boundary cluster index: everything below it
// lives in the control-area directory file, everything at or above it is
// bulk-area file data.
func (m *DataBlockManager) clustersInBlockZero() int {
	return m.cfg.ClustersPerBlock()
}

// resolve splits a global cluster index into the virtual bulk-block index
// and the block-local byte offset within it. The virtual index is the raw
// FAT/control block index (the same value FATBlockCache.split derives from
// a ClusterIndex, and the value BlockVirtualization, ClusterDataCache, and
// DataPlacementStrategy all key off of): since idx is only resolved for
// clusters at or above clustersInBlockZero(), it never collides with block
// 0's own reserved index. Callers must check isBlockZero first.
func (m *DataBlockManager) resolve(idx ClusterIndex) (virtual int, localPos int) {
	c := m.cfg.ClustersPerBlock()
	virtual = int(idx) / c
	localPos = (int(idx) % c) * m.cfg.ClusterSize
	return virtual, localPos
}

func (m *DataBlockManager) isBlockZero(idx ClusterIndex) bool {
	return int(idx) < m.clustersInBlockZero()
}

// ensureLoaded makes sure the bulk cache holds virtual block `virtual`,
// committing whatever it currently holds first if that block has
// unflushed changes.
func (m *DataBlockManager) ensureLoaded(virtual int) error {
	const op = "blockmanager.ensure_loaded"

	if cached, ok := m.cache.CachedBlock(); ok {
		if cached == virtual {
			return nil
		}
		if !m.cache.InSync() {
			if err := m.commit(cached); err != nil {
				return wrapErr(op, KindTransaction, err, "commit evicted block %d", cached)
			}
		}
	}
	if err := m.cache.LoadBlock(virtual); err != nil {
		return wrapErr(op, KindStorageIO, err, "load virtual block %d", virtual)
	}
	return nil
}

// ReadCluster reads the cluster-sized payload at the global cluster index
// idx into buf, then, when per-cluster CRC is enabled, verifies it against
// the CRC-16 recorded in idx's FAT cell (skipped for a cell whose CRC has
// never been initialized, i.e. the cluster was never written).
func (m *DataBlockManager) ReadCluster(idx ClusterIndex, buf []byte) error {
	const op = "blockmanager.read_cluster"
	if err := validateBufferLen(buf, m.cfg.ClusterSize, op); err != nil {
		return err
	}

	if m.isBlockZero(idx) {
		if err := m.directory.ReadAt(buf, m.layout.DirectoryClusterOffset(idx)); err != nil {
			return wrapErr(op, KindStorageIO, err, "read directory cluster %d", idx)
		}
	} else {
		virtual, localPos := m.resolve(idx)
		if err := m.ensureLoaded(virtual); err != nil {
			return err
		}
		if err := m.cache.ReadCluster(localPos, buf); err != nil {
			return wrapErr(op, KindStorageIO, err, "read cluster %d (virtual block %d)", idx, virtual)
		}
	}

	if err := m.verifyClusterCRC(idx, buf); err != nil {
		return err
	}
	return nil
}

// WriteCluster writes buf to the global cluster index idx and, when
// per-cluster CRC is enabled, records its CRC-16 in idx's FAT cell.
func (m *DataBlockManager) WriteCluster(idx ClusterIndex, buf []byte) error {
	const op = "blockmanager.write_cluster"
	if err := validateBufferLen(buf, m.cfg.ClusterSize, op); err != nil {
		return err
	}

	if m.isBlockZero(idx) {
		if err := m.directory.WriteAt(buf, m.layout.DirectoryClusterOffset(idx)); err != nil {
			return wrapErr(op, KindStorageIO, err, "write directory cluster %d", idx)
		}
	} else {
		virtual, localPos := m.resolve(idx)
		if err := m.ensureLoaded(virtual); err != nil {
			return err
		}
		if err := m.cache.WriteCluster(localPos, buf); err != nil {
			return wrapErr(op, KindStorageIO, err, "write cluster %d (virtual block %d)", idx, virtual)
		}
	}

	return m.recordClusterCRC(idx, buf)
}

// verifyClusterCRC checks buf against idx's recorded CRC-16, if any.
func (m *DataBlockManager) verifyClusterCRC(idx ClusterIndex, buf []byte) error {
	const op = "blockmanager.verify_cluster_crc"
	if !m.cfg.EnablePerClusterCRC || m.fat == nil {
		return nil
	}
	cell, err := m.fat.GetCell(idx)
	if err != nil {
		return wrapErr(op, KindStorageIO, err, "fetch fat cell for cluster %d", idx)
	}
	if !cell.CRCInitialized() {
		return nil
	}
	if crc16(buf) != cell.DecodeCRC() {
		return wrapErr(op, KindIntegrity, ErrClusterCRC, "cluster %d", idx)
	}
	return nil
}

// recordClusterCRC stamps buf's CRC-16 into idx's FAT cell.
func (m *DataBlockManager) recordClusterCRC(idx ClusterIndex, buf []byte) error {
	const op = "blockmanager.record_cluster_crc"
	if !m.cfg.EnablePerClusterCRC || m.fat == nil {
		return nil
	}
	cell, err := m.fat.GetCell(idx)
	if err != nil {
		return wrapErr(op, KindStorageIO, err, "fetch fat cell for cluster %d", idx)
	}
	cell.EncodeCRC(crc16(buf))
	cell.SetClusterInitialized(true)
	if err := m.fat.SetCell(idx, cell); err != nil {
		return wrapErr(op, KindStorageIO, err, "store fat cell for cluster %d", idx)
	}
	return nil
}
