package splitfat

import (
	"bytes"

	"github.com/vorteil/splitfat/pkg/splitfatlog"
)

// PlacementStrategy decides, at commit time, which chunks of a dirty
// block's image actually need to be written to the new physical slot and
// (when defragmentation is enabled) rearranges live clusters within the
// cached image first so the final layout is contiguous. It is satisfied
// by DataPlacementStrategy; BlockVirtualization depends only on this
// narrow interface so the two can be tested independently.
type PlacementStrategy interface {
	// OptimizeBlockContent may rewrite cache's buffer in place (moving live
	// clusters to lower chunks, updating the corresponding FAT cells through
	// fat) and returns the index of the highest chunk that still needs to be
	// written to the new physical block.
	OptimizeBlockContent(virtual int, cache *ClusterDataCache, fat *FATBlockCache, control *BlockControlData) (lastUsedChunk int, err error)
}

// BlockVirtualization owns the transactional commit sequence: it never
// mutates the bulk area's current physical block in place, instead
// writing the new content to the scratch block,
// recording the resulting phys_map swap durably in a transaction-intent
// file, and only then updating VolumeControlData and the FAT/control
// records. A crash at any point leaves either the old physical block
// (untouched) or the new one (fully written and recorded) as the
// reachable state.
type BlockVirtualization struct {
	cfg       Config
	layout    Layout
	control   LowLevelStorage
	bulk      BulkStorage
	fat       *FATBlockCache
	cache     *ClusterDataCache
	vcd       *VolumeControlData
	tx        *TransactionLog
	placement PlacementStrategy
	log       splitfatlog.Logger
}

// NewBlockVirtualization wires the commit sequence over its dependencies.
// placement may be nil, in which case commit writes every chunk through
// the highest one touching a live cluster without attempting to
// compact the block first.
func NewBlockVirtualization(cfg Config, layout Layout, control LowLevelStorage, bulk BulkStorage, fat *FATBlockCache, cache *ClusterDataCache, vcd *VolumeControlData, tx *TransactionLog, placement PlacementStrategy, log splitfatlog.Logger) *BlockVirtualization {
	if log == nil {
		log = splitfatlog.Discard
	}
	return &BlockVirtualization{
		cfg:       cfg,
		layout:    layout,
		control:   control,
		bulk:      bulk,
		fat:       fat,
		cache:     cache,
		vcd:       vcd,
		tx:        tx,
		placement: placement,
		log:       log,
	}
}

// PhysicalOf implements physicalBlockSource for ClusterDataCache.
func (v *BlockVirtualization) PhysicalOf(virtual int) uint32 {
	return v.vcd.PhysicalOf(virtual)
}

// Commit runs the full transactional swap for the currently-cached virtual
// block and is used as DataBlockManager's CommitFunc.
func (v *BlockVirtualization) Commit(virtual int) error {
	const op = "virtualization.commit"

	control, err := v.fat.BlockControl(virtual)
	if err != nil {
		return wrapErr(op, KindStorageIO, err, "block control for virtual block %d", virtual)
	}

	lastUsedChunk, err := v.optimize(virtual, control)
	if err != nil {
		return wrapErr(op, KindTransaction, err, "optimize block %d content", virtual)
	}

	scratchPhysical := v.vcd.ScratchIndex
	scratchOffset := v.layout.BulkBlockOffset(scratchPhysical)

	if err := v.bulk.AllocateBlockHint(scratchOffset, int64(v.cfg.BlockSize)); err != nil {
		return wrapErr(op, KindStorageIO, err, "preallocate scratch block %d", scratchPhysical)
	}

	for chunk := 0; chunk <= lastUsedChunk; chunk++ {
		chunkOffset := chunk * v.cfg.ChunkSize
		region := v.cache.Buffer()[chunkOffset : chunkOffset+v.cfg.ChunkSize]
		if err := v.bulk.WriteAt(region, scratchOffset+int64(chunkOffset)); err != nil {
			return wrapErr(op, KindStorageIO, err, "write chunk %d to scratch block %d", chunk, scratchPhysical)
		}
	}
	if err := v.bulk.Sync(); err != nil {
		return wrapErr(op, KindStorageIO, err, "fsync bulk area after scratch write")
	}

	intent, err := v.buildIntent(virtual, scratchPhysical)
	if err != nil {
		return wrapErr(op, KindTransaction, err, "build intent for block %d", virtual)
	}

	if err := v.tx.Begin(*intent); err != nil {
		return wrapErr(op, KindTransaction, err, "begin transaction for block %d", virtual)
	}

	if err := v.apply(intent); err != nil {
		return wrapErr(op, KindTransaction, err, "apply transaction for block %d", virtual)
	}

	if err := v.tx.Clear(); err != nil {
		return wrapErr(op, KindTransaction, err, "clear transaction log for block %d", virtual)
	}

	v.cache.MarkClean()
	v.log.Debugf("virtualization: committed virtual block %d to physical %d, scratch now %d", virtual, scratchPhysical, v.vcd.ScratchIndex)
	return nil
}

// optimize asks the placement strategy to compact the cached block and
// report the highest chunk still carrying live data; with no strategy
// configured it falls back to the highest chunk containing any allocated
// cluster, writing every chunk up to it unconditionally.
func (v *BlockVirtualization) optimize(virtual int, control *BlockControlData) (int, error) {
	if v.placement != nil {
		return v.placement.OptimizeBlockContent(virtual, v.cache, v.fat, control)
	}
	return defaultLastUsedChunk(control, v.cfg.ClustersPerChunk()), nil
}

// defaultLastUsedChunk returns the index of the highest chunk containing
// at least one allocated cluster, or -1 if the block is entirely free.
func defaultLastUsedChunk(control *BlockControlData, clustersPerChunk int) int {
	highest, ok := control.FreeClusters.FindLast(false)
	if !ok {
		return -1
	}
	return highest / clustersPerChunk
}

// buildIntent snapshots everything the commit needs to survive a crash:
// the prospective phys_map/scratch swap and every FAT block and control
// record FATBlockCache currently holds dirty.
func (v *BlockVirtualization) buildIntent(virtual int, scratchPhysical uint32) (*Intent, error) {
	const op = "virtualization.build_intent"

	oldPhysicalOfVirtual := v.vcd.PhysicalOf(virtual)
	newPhysMap := make([]uint32, len(v.vcd.PhysMap))
	copy(newPhysMap, v.vcd.PhysMap)
	newPhysMap[virtual] = scratchPhysical

	intent := &Intent{
		PhysMap:      newPhysMap,
		ScratchIndex: oldPhysicalOfVirtual,
	}

	for _, blockIndex := range v.fat.DirtyBlocks() {
		fatBytes, err := v.fat.EncodeBlock(blockIndex)
		if err != nil {
			return nil, wrapErr(op, KindStorageIO, err, "encode fat block %d", blockIndex)
		}
		blockControl, err := v.fat.BlockControl(blockIndex)
		if err != nil {
			return nil, wrapErr(op, KindStorageIO, err, "block control for %d", blockIndex)
		}
		intent.FATBlocks = append(intent.FATBlocks, fatBlockRecord{
			BlockIndex: blockIndex,
			Bytes:      fatBytes,
			CRC32:      blockControl.FATCRC32,
		})
		intent.Controls = append(intent.Controls, blockControlRecord{
			BlockIndex: blockIndex,
			Data:       blockControl,
		})
	}

	return intent, nil
}

// apply writes the intent's FAT/control records and the new phys_map/
// scratch pair to the control area and fsyncs it. It is the one step that
// is safe to re-run: writing the same bytes twice (once live, once during
// recovery replay) is idempotent.
func (v *BlockVirtualization) apply(intent *Intent) error {
	const op = "virtualization.apply"

	for _, rec := range intent.FATBlocks {
		if err := v.control.WriteAt(rec.Bytes, v.layout.FATBlockOffset(rec.BlockIndex)); err != nil {
			return wrapErr(op, KindStorageIO, err, "write fat block %d", rec.BlockIndex)
		}
	}
	for _, rec := range intent.Controls {
		var buf bytes.Buffer
		if _, err := rec.Data.WriteTo(&buf); err != nil {
			return wrapErr(op, KindStorageIO, err, "encode block control %d", rec.BlockIndex)
		}
		if err := v.control.WriteAt(buf.Bytes(), v.layout.BlockControlOffset(rec.BlockIndex)); err != nil {
			return wrapErr(op, KindStorageIO, err, "write block control %d", rec.BlockIndex)
		}
	}

	v.vcd.PhysMap = intent.PhysMap
	v.vcd.ScratchIndex = intent.ScratchIndex
	v.vcd.Generation++
	v.vcd.TransactionPending = false

	var vcdBuf bytes.Buffer
	if _, err := v.vcd.WriteTo(&vcdBuf); err != nil {
		return wrapErr(op, KindStorageIO, err, "encode volume control data")
	}
	if err := v.control.WriteAt(vcdBuf.Bytes(), v.layout.VolumeControlOffset()); err != nil {
		return wrapErr(op, KindStorageIO, err, "write volume control data")
	}
	if err := v.control.Sync(); err != nil {
		return wrapErr(op, KindStorageIO, err, "fsync control area")
	}

	blockIndices := make([]int, len(intent.FATBlocks))
	for i, rec := range intent.FATBlocks {
		blockIndices[i] = rec.BlockIndex
	}
	v.fat.clearDirty(blockIndices)

	return nil
}

// Recover runs at volume open, before any other operation touches the
// control or bulk area: it finishes an interrupted commit (a final intent
// file survived the crash) or discards an abandoned one (only the temp
// file survived, meaning the crash happened before the atomic rename that
// would have made it durable).
func (v *BlockVirtualization) Recover() error {
	const op = "virtualization.recover"

	action, intent, err := v.tx.Inspect()
	if err != nil {
		return wrapErr(op, KindTransaction, err, "inspect transaction log")
	}

	switch action {
	case RecoveryNone:
		return nil
	case RecoveryDiscardTemp:
		v.log.Infof("virtualization: discarding orphaned transaction temp file")
		if err := v.tx.DiscardTemp(); err != nil {
			return wrapErr(op, KindTransaction, err, "discard temp intent file")
		}
		return nil
	case RecoveryReplay:
		v.log.Infof("virtualization: replaying interrupted transaction (generation %d)", v.vcd.Generation+1)
		if err := v.apply(intent); err != nil {
			return wrapErr(op, KindTransaction, err, "replay intent")
		}
		if err := v.tx.Clear(); err != nil {
			return wrapErr(op, KindTransaction, err, "clear replayed intent")
		}
		return nil
	default:
		return newErr(op, KindFatal, "unknown recovery action %d", action)
	}
}
