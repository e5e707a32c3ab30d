package splitfat

// PlacementMode selects how aggressively DataPlacementStrategy is allowed
// to rearrange a block's live clusters when compacting it: an aggressive
// mode that treats any scratch-block commit as safe to fully rearrange,
// and a conservative mode for placement strategies that cannot rely on a
// scratch-block swap to make compaction safe.
type PlacementMode int

const (
	// PlacementAggressive may move any live cluster into any slot free at
	// commit time, including one freed earlier in the same transaction.
	// Safe here because every commit writes a fresh scratch block rather
	// than rearranging data in place, so a crash mid-compaction simply
	// leaves the old physical block as the recoverable state.
	PlacementAggressive PlacementMode = iota
	// PlacementConservative only moves a cluster into a slot that was
	// already free when the block was loaded into the cache and is still
	// free at the time of the move; which live clusters may be moved is
	// not restricted, only where they go. This is the stricter policy used
	// when a placement strategy cannot rely on a scratch-block swap to
	// make compaction safe.
	PlacementConservative
)

// DataPlacementStrategy implements PlacementStrategy: it compacts a
// dirty block's cached image toward the front before BlockVirtualization
// writes it to the scratch block, and scores how fragmented a block's free
// space is (CalculateDegradationScore) for forced defragmentation passes.
// It keeps no per-block state of its own.
type DataPlacementStrategy struct {
	cfg  Config
	mode PlacementMode
}

// NewDataPlacementStrategy constructs a strategy for the given geometry
// and compaction mode.
func NewDataPlacementStrategy(cfg Config, mode PlacementMode) *DataPlacementStrategy {
	return &DataPlacementStrategy{cfg: cfg, mode: mode}
}

// globalCluster converts a (virtual block, block-local index) pair into
// the global cluster index FATBlockCache addresses FAT cells by. virtual
// is the raw FAT/control block index — DataBlockManager.resolve's inverse
// — so it applies unchanged to block 0 (the directory, local indices
// 0..ClustersPerBlock()-1) as well as every bulk block above it.
func globalCluster(cfg Config, virtual, local int) ClusterIndex {
	return ClusterIndex(cfg.ClustersPerBlock()*virtual + local)
}

// OptimizeBlockContent implements PlacementStrategy. It walks the block's
// live clusters in ascending order and slides each one down to the lowest
// legal free slot, patching the FAT chain pointers of its neighbors (which
// may live in a different block) so the chain stays intact, then reports
// the highest chunk index still holding live data after compaction.
func (s *DataPlacementStrategy) OptimizeBlockContent(virtual int, cache *ClusterDataCache, fat *FATBlockCache, control *BlockControlData) (int, error) {
	const op = "placement.optimize_block_content"

	if !s.cfg.EnableDefragmentation {
		return defaultLastUsedChunk(control, s.cfg.ClustersPerChunk()), nil
	}

	clustersPerBlock := s.cfg.ClustersPerBlock()
	initialFree := cache.InitialFreeClusters()

	target := 0
	for src := 0; src < clustersPerBlock; src++ {
		if control.FreeClusters.Get(src) {
			continue
		}
		// Find the lowest legal destination at or before src.
		for target < src && !s.destinationAllowed(control, initialFree, target) {
			target++
		}
		if target >= src {
			target = src + 1
			continue
		}
		if err := s.moveCluster(fat, control, virtual, src, target, cache.Buffer()); err != nil {
			return 0, wrapErr(op, KindIntegrity, err, "move cluster %d to %d in block %d", src, target, virtual)
		}
		target++
	}

	return defaultLastUsedChunk(control, s.cfg.ClustersPerChunk()), nil
}

// destinationAllowed reports whether block-local index is a legal
// compaction target under the configured mode.
func (s *DataPlacementStrategy) destinationAllowed(control *BlockControlData, initialFree *BitSet, index int) bool {
	if !control.FreeClusters.Get(index) {
		return false
	}
	if s.mode == PlacementAggressive {
		return true
	}
	return initialFree == nil || initialFree.Get(index)
}

// moveCluster relocates the live cluster at block-local index src to
// block-local index dst within buffer, retargeting the FAT chain pointers
// of its chain neighbors (GetPrev/GetNext address global cluster indices,
// so a neighbor may live in any block) and updating the free-cluster
// bitmap.
func (s *DataPlacementStrategy) moveCluster(fat *FATBlockCache, control *BlockControlData, virtual, src, dst int, buffer []byte) error {
	clusterSize := s.cfg.ClusterSize
	srcOff := src * clusterSize
	dstOff := dst * clusterSize
	copy(buffer[dstOff:dstOff+clusterSize], buffer[srcOff:srcOff+clusterSize])

	srcGlobal := globalCluster(s.cfg, virtual, src)
	dstGlobal := globalCluster(s.cfg, virtual, dst)

	cell, err := fat.GetCell(srcGlobal)
	if err != nil {
		return err
	}

	if !cell.IsStart() {
		prevGlobal := cell.GetPrev()
		prevCell, err := fat.GetCell(prevGlobal)
		if err != nil {
			return err
		}
		prevCell.SetNext(dstGlobal)
		if err := fat.SetCell(prevGlobal, prevCell); err != nil {
			return err
		}
	}
	if !cell.IsEnd() {
		nextGlobal := cell.GetNext()
		nextCell, err := fat.GetCell(nextGlobal)
		if err != nil {
			return err
		}
		nextCell.SetPrev(dstGlobal)
		if err := fat.SetCell(nextGlobal, nextCell); err != nil {
			return err
		}
	}

	if err := fat.SetCell(dstGlobal, cell); err != nil {
		return err
	}
	if err := fat.SetCell(srcGlobal, FreeCell()); err != nil {
		return err
	}

	if err := control.FreeCluster(src); err != nil {
		return err
	}
	if err := control.AllocateCluster(dst); err != nil {
		return err
	}
	return nil
}

// FindFreeCluster finds the lowest free block-local cluster in block
// virtual, allocates it in that block's control record, marks the block
// dirty and returns its global cluster index. It returns ok=false, with the control record
// untouched, when the block is full.
func (s *DataPlacementStrategy) FindFreeCluster(fat *FATBlockCache, virtual int) (index ClusterIndex, ok bool, err error) {
	const op = "placement.find_free_cluster"

	control, err := fat.BlockControl(virtual)
	if err != nil {
		return 0, false, wrapErr(op, KindStorageIO, err, "block control for block %d", virtual)
	}
	local, found := control.FreeClusters.FindFirstOne(0)
	if !found {
		return 0, false, nil
	}
	if err := control.AllocateCluster(local); err != nil {
		return 0, false, wrapErr(op, KindIntegrity, err, "allocate cluster %d in block %d", local, virtual)
	}
	fat.MarkDirty(virtual)
	return globalCluster(s.cfg, virtual, local), true, nil
}

// CalculateDegradationScore reports how fragmented a block's free space
// is, in [0,1]: 0 means every free cluster is in one contiguous run
// (ideal), 1 means the free clusters are split into as many separate runs
// as their count and the block size allow. VolumeManager.ForceDefragment
// compares it against a caller-supplied threshold to decide which
// allocated blocks to recompact.
func (s *DataPlacementStrategy) CalculateDegradationScore(control *BlockControlData) float64 {
	free := control.FreeClusters
	size := free.Size()
	if size == 0 || control.FreeCount == 0 {
		return 0
	}

	runs := 0
	prev := false
	for i := 0; i < size; i++ {
		cur := free.Get(i)
		if cur && !prev {
			runs++
		}
		prev = cur
	}

	maxRuns := int(control.FreeCount)
	if limit := size - maxRuns + 1; limit < maxRuns {
		maxRuns = limit
	}
	if maxRuns <= 1 {
		return 0
	}
	return float64(runs-1) / float64(maxRuns-1)
}
