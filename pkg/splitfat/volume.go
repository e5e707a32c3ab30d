package splitfat

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"

	humanize "github.com/dustin/go-humanize"

	"github.com/vorteil/splitfat/pkg/splitfatlog"
)

// On-disk file names within a volume's directory.
const (
	controlFileName     = "control"
	directoryFileName   = "directory"
	bulkFileName        = "bulk"
	transactionBaseName = "transaction"
)

// directoryBlockIndex is the engine-space block index reserved for the
// directory; it always exists and is never subject to block
// virtualization or scratch-swap commits.
const directoryBlockIndex = 0

// VolumeManager is the top-level façade: it owns every file that makes up
// an open volume and sequences create/open/close and begin/commit
// transaction against the components wired elsewhere in this package.
// Everything above VolumeManager (path resolution, file open/read/write,
// directory iteration) is explicitly out of scope and lives outside this
// module.
//
// Internally, VolumeManager runs two geometries side by side: cfg is the
// caller-facing one, where MaxBlocks counts only bulk blocks (AllocateBlock
// takes 0-based indices into this space, matching the documented
// "allocate_block(k) for 0 ≤ k < max_blocks" contract); engineCfg is what Layout,
// FATBlockCache, VolumeControlData, ClusterDataCache, and
// BlockVirtualization actually key blocks by, where block 0 is the
// directory and blocks 1..MaxBlocks are bulk, so engineCfg.MaxBlocks =
// cfg.MaxBlocks + cfg.FirstFileDataBlockIndex.
type VolumeManager struct {
	dir       string
	cfg       Config
	engineCfg Config
	layout    Layout
	log       splitfatlog.View

	control   LowLevelStorage
	directory LowLevelStorage
	bulk      BulkStorage
	txStorage TransactionStorage

	descriptor VolumeDescriptor
	vcd        *VolumeControlData
	fat        *FATBlockCache
	cache      *ClusterDataCache
	blocks     *DataBlockManager
	virt       *BlockVirtualization
	placement  *DataPlacementStrategy
	tx         *TransactionLog

	txOpen   bool
	readOnly bool
}

// engineConfigFor derives the internal, block-0-inclusive geometry from a
// caller-facing Config.
func engineConfigFor(cfg Config) Config {
	engine := cfg
	engine.MaxBlocks = cfg.MaxBlocks + cfg.FirstFileDataBlockIndex
	return engine
}

// CreateVolume formats a brand-new volume under dir: it lays out the
// control file with a blank (BlockControlData, FATBlock) slot for every
// block the configured geometry will ever need, truncates the directory
// and bulk files to their full statically-bounded size (online growth past
// MaxBlocks is out of scope, so there is no reason to grow these files
// later), and writes the immutable VolumeDescriptor.
// Block 0 (the directory) is allocated unconditionally; every bulk block
// starts unallocated until AllocateBlock is called for it.
func CreateVolume(dir string, cfg Config, log splitfatlog.View) (*VolumeManager, error) {
	const op = "volume.create"
	if log == nil {
		log = splitfatlog.Discard
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	engineCfg := engineConfigFor(cfg)
	layout := NewLayout(engineCfg)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrapErr(op, KindStorageIO, err, "create volume directory %s", dir)
	}

	control, directory, bulk, txStorage, err := openVolumeFiles(dir)
	if err != nil {
		return nil, err
	}

	if err := control.Truncate(layout.ControlFileSize()); err != nil {
		return nil, wrapErr(op, KindStorageIO, err, "size control file")
	}
	if err := directory.Truncate(int64(engineCfg.BlockSize)); err != nil {
		return nil, wrapErr(op, KindStorageIO, err, "size directory file")
	}
	bulkSize := layout.BulkBlockOffset(uint32(engineCfg.MaxBlocks)) + int64(engineCfg.BlockSize)
	if err := bulk.Truncate(bulkSize); err != nil {
		return nil, wrapErr(op, KindStorageIO, err, "size bulk file")
	}

	descriptor := NewVolumeDescriptor(engineCfg)
	var descBuf bytes.Buffer
	if err := binary.Write(&descBuf, binary.LittleEndian, &descriptor); err != nil {
		return nil, wrapErr(op, KindStorageIO, err, "encode volume descriptor")
	}
	if err := control.WriteAt(descBuf.Bytes(), layout.DescriptorOffset()); err != nil {
		return nil, wrapErr(op, KindStorageIO, err, "write volume descriptor")
	}

	for i := 0; i < engineCfg.MaxBlocks; i++ {
		if err := seedBlankBlock(control, layout, engineCfg, i); err != nil {
			return nil, wrapErr(op, KindStorageIO, err, "seed block %d", i)
		}
	}

	vcd := NewVolumeControlData(engineCfg)
	if err := vcd.AllocateBlock(directoryBlockIndex); err != nil {
		return nil, wrapErr(op, KindFatal, err, "allocate directory block")
	}
	if err := writeVolumeControlData(control, layout, vcd); err != nil {
		return nil, err
	}

	if err := control.Sync(); err != nil {
		return nil, wrapErr(op, KindStorageIO, err, "fsync control file")
	}
	if err := directory.Sync(); err != nil {
		return nil, wrapErr(op, KindStorageIO, err, "fsync directory file")
	}
	if err := bulk.Sync(); err != nil {
		return nil, wrapErr(op, KindStorageIO, err, "fsync bulk file")
	}

	vm := newVolumeManager(dir, cfg, engineCfg, layout, control, directory, bulk, txStorage, descriptor, vcd, log)
	log.Infof("volume: created at %s (%s control area, %s cluster)", dir,
		humanize.IBytes(uint64(layout.ControlFileSize())), humanize.IBytes(uint64(engineCfg.ClusterSize)))
	return vm, nil
}

// OpenVolume opens a previously created volume, recovering an interrupted
// commit if the transaction log shows one was in flight. Persisted
// geometry (cluster/block size, max blocks, first file data block index,
// FDR record size) always comes from the on-disk VolumeDescriptor; opts
// may only adjust construction-time-only behavior toggles (chunk size,
// defragmentation, per-cluster CRC, block initialization) that are never
// persisted.
func OpenVolume(dir string, log splitfatlog.View, opts ...Option) (*VolumeManager, error) {
	const op = "volume.open"
	if log == nil {
		log = splitfatlog.Discard
	}

	control, directory, bulk, txStorage, err := openVolumeFiles(dir)
	if err != nil {
		return nil, err
	}

	var descriptor VolumeDescriptor
	descBuf := make([]byte, binary.Size(descriptor))
	if err := control.ReadAt(descBuf, 0); err != nil {
		return nil, wrapErr(op, KindStorageIO, err, "read volume descriptor")
	}
	if err := binary.Read(bytes.NewReader(descBuf), binary.LittleEndian, &descriptor); err != nil {
		return nil, wrapErr(op, KindStorageIO, err, "decode volume descriptor")
	}
	if !descriptor.Valid() {
		return nil, newErr(op, KindIntegrity, "bad verification code %#x", descriptor.VerificationCode)
	}

	engineCfg := NewConfig(opts...)
	engineCfg.ClusterSize = int(descriptor.ClusterSize)
	engineCfg.BlockSize = int(descriptor.BlockSize)
	engineCfg.MaxBlocks = int(descriptor.MaxBlocks)
	engineCfg.FirstFileDataBlockIndex = int(descriptor.FirstFileDataBlockIndex)
	engineCfg.FDRRecordSize = int(descriptor.FDRRecordSize)
	if err := engineCfg.Validate(); err != nil {
		return nil, err
	}

	cfg := engineCfg
	cfg.MaxBlocks = engineCfg.MaxBlocks - engineCfg.FirstFileDataBlockIndex

	layout := NewLayout(engineCfg)

	vcdBuf := make([]byte, volumeControlByteLen(engineCfg.MaxBlocks))
	if err := control.ReadAt(vcdBuf, layout.VolumeControlOffset()); err != nil {
		return nil, wrapErr(op, KindStorageIO, err, "read volume control data")
	}
	vcd, err := ReadVolumeControlData(bytes.NewReader(vcdBuf))
	if err != nil {
		return nil, wrapErr(op, KindStorageIO, err, "decode volume control data")
	}

	vm := newVolumeManager(dir, cfg, engineCfg, layout, control, directory, bulk, txStorage, descriptor, vcd, log)

	if err := vm.virt.Recover(); err != nil {
		return nil, wrapErr(op, KindTransaction, err, "recover pending transaction")
	}
	log.Infof("volume: opened at %s (generation %d, %d/%d bulk blocks allocated)",
		dir, vcd.Generation, bulkAllocatedCount(vm), cfg.MaxBlocks)
	return vm, nil
}

// newVolumeManager wires every component over shared storage handles and
// an already-loaded VolumeControlData, the common tail of CreateVolume and
// OpenVolume.
func newVolumeManager(dir string, cfg, engineCfg Config, layout Layout, control, directory LowLevelStorage, bulk BulkStorage, txStorage TransactionStorage, descriptor VolumeDescriptor, vcd *VolumeControlData, log splitfatlog.View) *VolumeManager {
	fat := NewFATBlockCache(engineCfg, layout, control, log)
	placement := NewDataPlacementStrategy(engineCfg, PlacementAggressive)
	tx := NewTransactionLog(txStorage, transactionBaseName)
	cache := NewClusterDataCache(engineCfg, layout, bulk, fat, vcd, log)
	virt := NewBlockVirtualization(engineCfg, layout, control, bulk, fat, cache, vcd, tx, placement, log)
	blocks := NewDataBlockManager(cfg, layout, directory, cache, fat, virt.Commit, log)

	return &VolumeManager{
		dir:        dir,
		cfg:        cfg,
		engineCfg:  engineCfg,
		layout:     layout,
		log:        log,
		control:    control,
		directory:  directory,
		bulk:       bulk,
		txStorage:  txStorage,
		descriptor: descriptor,
		vcd:        vcd,
		fat:        fat,
		cache:      cache,
		blocks:     blocks,
		virt:       virt,
		placement:  placement,
		tx:         tx,
	}
}

func openVolumeFiles(dir string) (control, directory *fileStorage, bulk *fileStorage, txStorage TransactionStorage, err error) {
	const op = "volume.open_files"
	control, err = OpenFileStorage(filepath.Join(dir, controlFileName))
	if err != nil {
		return nil, nil, nil, nil, wrapErr(op, KindStorageIO, err, "open control file")
	}
	directory, err = OpenFileStorage(filepath.Join(dir, directoryFileName))
	if err != nil {
		return nil, nil, nil, nil, wrapErr(op, KindStorageIO, err, "open directory file")
	}
	bulk, err = OpenFileStorage(filepath.Join(dir, bulkFileName))
	if err != nil {
		return nil, nil, nil, nil, wrapErr(op, KindStorageIO, err, "open bulk file")
	}
	txStorage = NewOSTransactionStorage(dir)
	return control, directory, bulk, txStorage, nil
}

// seedBlankBlock writes a CRC-correct, all-free (BlockControlData, FATBlock)
// pair for blockIndex, so that every slot the control file's fixed layout
// reserves is well-formed from the moment the volume is created, whether
// or not that block has been allocated yet.
func seedBlankBlock(control LowLevelStorage, layout Layout, cfg Config, blockIndex int) error {
	const op = "volume.seed_block"
	blockControl := NewBlockControlData(cfg.ClustersPerBlock())
	fatBytes := make([]byte, layout.fatBlockLen())
	blockControl.ComputeFATCRC32(fatBytes)

	var buf bytes.Buffer
	if _, err := blockControl.WriteTo(&buf); err != nil {
		return wrapErr(op, KindStorageIO, err, "encode block control %d", blockIndex)
	}
	if err := control.WriteAt(buf.Bytes(), layout.BlockControlOffset(blockIndex)); err != nil {
		return wrapErr(op, KindStorageIO, err, "write block control %d", blockIndex)
	}
	if err := control.WriteAt(fatBytes, layout.FATBlockOffset(blockIndex)); err != nil {
		return wrapErr(op, KindStorageIO, err, "write fat block %d", blockIndex)
	}
	return nil
}

func writeVolumeControlData(control LowLevelStorage, layout Layout, vcd *VolumeControlData) error {
	const op = "volume.write_vcd"
	var buf bytes.Buffer
	if _, err := vcd.WriteTo(&buf); err != nil {
		return wrapErr(op, KindStorageIO, err, "encode volume control data")
	}
	if err := control.WriteAt(buf.Bytes(), layout.VolumeControlOffset()); err != nil {
		return wrapErr(op, KindStorageIO, err, "write volume control data")
	}
	return nil
}

func bulkAllocatedCount(v *VolumeManager) int {
	count := 0
	for k := 0; k < v.cfg.MaxBlocks; k++ {
		if v.vcd.IsAllocated(k + v.cfg.FirstFileDataBlockIndex) {
			count++
		}
	}
	return count
}

// Config returns the caller-facing geometry (bulk-block count only; the
// directory block is implicit).
func (v *VolumeManager) Config() Config { return v.cfg }

// Descriptor returns the volume's immutable on-disk header.
func (v *VolumeManager) Descriptor() VolumeDescriptor { return v.descriptor }

// IsReadOnly reports whether an integrity failure has placed the volume
// into read-only mode pending an explicit Rebuild.
func (v *VolumeManager) IsReadOnly() bool { return v.readOnly }

// Rebuild clears the read-only flag an integrity failure set. An explicit
// caller action is required before further writes are accepted; this
// engine does not attempt any automated repair itself.
func (v *VolumeManager) Rebuild() { v.readOnly = false }

// GetCell returns the FAT cell for idx, flagging the volume read-only on
// an integrity failure (a corrupt FAT block).
func (v *VolumeManager) GetCell(idx ClusterIndex) (FATCell, error) {
	if v.readOnly {
		return FATCell{}, ErrReadOnly
	}
	cell, err := v.fat.GetCell(idx)
	if err != nil {
		v.flagIntegrityFailure(err)
		return FATCell{}, err
	}
	return cell, nil
}

// SetCell overwrites the FAT cell for idx.
func (v *VolumeManager) SetCell(idx ClusterIndex, value FATCell) error {
	if v.readOnly {
		return ErrReadOnly
	}
	if err := v.fat.SetCell(idx, value); err != nil {
		v.flagIntegrityFailure(err)
		return err
	}
	return nil
}

// ReadCluster reads cluster idx into buf, flagging the volume read-only on
// a CRC mismatch instead of returning corrupt data.
func (v *VolumeManager) ReadCluster(idx ClusterIndex, buf []byte) error {
	if v.readOnly {
		return ErrReadOnly
	}
	if err := v.blocks.ReadCluster(idx, buf); err != nil {
		v.flagIntegrityFailure(err)
		return err
	}
	return nil
}

// WriteCluster writes buf to cluster idx.
func (v *VolumeManager) WriteCluster(idx ClusterIndex, buf []byte) error {
	if v.readOnly {
		return ErrReadOnly
	}
	if err := v.blocks.WriteCluster(idx, buf); err != nil {
		v.flagIntegrityFailure(err)
		return err
	}
	return nil
}

func (v *VolumeManager) flagIntegrityFailure(err error) {
	var se *Error
	if asError(err, &se) && se.Kind == KindIntegrity {
		v.readOnly = true
		v.log.Warnf("volume: integrity failure, volume is now read-only until Rebuild: %v", err)
	}
}

// asError is a narrow errors.As for *Error, kept local to avoid importing
// errors just for this one check.
func asError(err error, target **Error) bool {
	for err != nil {
		if se, ok := err.(*Error); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// AllocateBlock allocates the k'th bulk block (0 ≤ k < Config().MaxBlocks).
// It only mutates VolumeControlData in memory; the allocation becomes
// durable at the next Commit, same as any other mutation in this
// single-writer model.
func (v *VolumeManager) AllocateBlock(k int) error {
	const op = "volume.allocate_block"
	if v.readOnly {
		return ErrReadOnly
	}
	if k < 0 || k >= v.cfg.MaxBlocks {
		return wrapErr(op, KindCapacity, ErrCannotExtend, "block %d exceeds max blocks %d", k, v.cfg.MaxBlocks)
	}
	virtual := k + v.cfg.FirstFileDataBlockIndex
	if err := v.vcd.AllocateBlock(virtual); err != nil {
		return err
	}
	if v.engineCfg.EnableBlockInitializationOnAlloc {
		physical := v.vcd.PhysicalOf(virtual)
		offset := v.layout.BulkBlockOffset(physical)
		if err := v.bulk.AllocateBlockHint(offset, int64(v.engineCfg.BlockSize)); err != nil {
			return wrapErr(op, KindStorageIO, err, "prepare block %d", k)
		}
	}
	v.log.Infof("volume: allocated bulk block %d (virtual %d)", k, virtual)
	return nil
}

// FindFreeCluster returns a free cluster index suitable for new data,
// following a fixed placement priority: for directory data, only
// block 0 is considered; for file data, the currently-cached bulk block is
// preferred, then every other allocated block in ascending order, and
// finally a brand-new block is allocated automatically if one is available
// and every allocated block is full.
func (v *VolumeManager) FindFreeCluster(forDirectory bool) (ClusterIndex, error) {
	const op = "volume.find_free_cluster"
	if v.readOnly {
		return 0, ErrReadOnly
	}

	if forDirectory {
		idx, ok, err := v.placement.FindFreeCluster(v.fat, directoryBlockIndex)
		if err != nil {
			return 0, wrapErr(op, KindStorageIO, err, "directory block")
		}
		if !ok {
			return 0, newErr(op, KindCapacity, "directory block is full")
		}
		return idx, nil
	}

	if cached, ok := v.cache.CachedBlock(); ok && v.vcd.IsAllocated(cached) {
		idx, ok, err := v.placement.FindFreeCluster(v.fat, cached)
		if err != nil {
			return 0, wrapErr(op, KindStorageIO, err, "cached block %d", cached)
		}
		if ok {
			return idx, nil
		}
	}

	for k := 0; k < v.cfg.MaxBlocks; k++ {
		virtual := k + v.cfg.FirstFileDataBlockIndex
		if !v.vcd.IsAllocated(virtual) {
			continue
		}
		idx, ok, err := v.placement.FindFreeCluster(v.fat, virtual)
		if err != nil {
			return 0, wrapErr(op, KindStorageIO, err, "block %d", virtual)
		}
		if ok {
			return idx, nil
		}
	}

	nextK := -1
	for k := 0; k < v.cfg.MaxBlocks; k++ {
		if !v.vcd.IsAllocated(k + v.cfg.FirstFileDataBlockIndex) {
			nextK = k
			break
		}
	}
	if nextK < 0 {
		return 0, wrapErr(op, KindCapacity, ErrCannotExtend, "every block is full and max blocks (%d) reached", v.cfg.MaxBlocks)
	}
	if err := v.AllocateBlock(nextK); err != nil {
		return 0, err
	}
	idx, ok, err := v.placement.FindFreeCluster(v.fat, nextK+v.cfg.FirstFileDataBlockIndex)
	if err != nil {
		return 0, wrapErr(op, KindStorageIO, err, "newly allocated block %d", nextK)
	}
	if !ok {
		return 0, newErr(op, KindFatal, "freshly allocated block %d reports no free clusters", nextK)
	}
	return idx, nil
}

// BeginTransaction marks the start of an explicit write transaction.
// Calling it is optional: the engine is single-writer and cooperative
// with no suspension points, so every mutating call is already
// transactional. Begin exists so callers that do want an explicit
// begin/commit shape get the KindTransaction usage check (calling Begin
// twice without an intervening Commit) for free.
func (v *VolumeManager) BeginTransaction() error {
	if v.txOpen {
		return ErrTransactionStarted
	}
	v.txOpen = true
	v.vcd.TransactionPending = true
	return nil
}

// CommitTransaction closes an explicitly begun transaction and commits it.
// Calling it without a prior BeginTransaction behaves exactly like Commit.
func (v *VolumeManager) CommitTransaction() error {
	v.txOpen = false
	return v.Commit()
}

// Commit runs the transactional commit sequence: if
// the bulk cache holds an out-of-sync block, BlockVirtualization performs
// the full defrag/scratch-swap/transaction-log sequence for it (which also
// durably flushes every other currently-dirty FAT block, including the
// directory's, as part of the same intent). Otherwise — nothing touched
// the bulk cache this transaction, e.g. only directory cells changed —
// Commit flushes the FAT cache directly and persists VolumeControlData,
// since no block-virtualization swap is needed for block 0.
func (v *VolumeManager) Commit() error {
	const op = "volume.commit"
	if v.readOnly {
		return ErrReadOnly
	}

	if cached, ok := v.cache.CachedBlock(); ok && !v.cache.InSync() {
		if err := v.virt.Commit(cached); err != nil {
			return wrapErr(op, KindTransaction, err, "commit cached block %d", cached)
		}
		return nil
	}

	if err := v.fat.Flush(); err != nil {
		return wrapErr(op, KindStorageIO, err, "flush fat cache")
	}
	v.vcd.TransactionPending = false
	if err := writeVolumeControlData(v.control, v.layout, v.vcd); err != nil {
		return err
	}
	if err := v.control.Sync(); err != nil {
		return wrapErr(op, KindStorageIO, err, "fsync control file")
	}
	return nil
}

// ScrubIntegrity walks every allocated block (the directory plus each
// allocated bulk block), forcing its FAT block and control record to be
// read and CRC-32-verified if they are not already cached, and flagging
// the volume read-only on the first mismatch. It exists to surface a
// corrupt, never-accessed block before a caller stumbles onto it through
// GetCell or ReadCluster, and reports progress through the View supplied
// at Create/OpenVolume so a caller can drive a terminal progress bar for
// what can be a long sweep on a large volume.
func (v *VolumeManager) ScrubIntegrity() error {
	const op = "volume.scrub_integrity"
	if v.readOnly {
		return ErrReadOnly
	}

	total := int64(1 + bulkAllocatedCount(v))
	progress := v.log.NewProgress("scrub", total)
	success := false
	defer func() { progress.Finish(success) }()

	if _, err := v.fat.BlockControl(directoryBlockIndex); err != nil {
		v.flagIntegrityFailure(err)
		return wrapErr(op, KindIntegrity, err, "directory block")
	}
	progress.Increment(1)

	for k := 0; k < v.cfg.MaxBlocks; k++ {
		virtual := k + v.cfg.FirstFileDataBlockIndex
		if !v.vcd.IsAllocated(virtual) {
			continue
		}
		if _, err := v.fat.BlockControl(virtual); err != nil {
			v.flagIntegrityFailure(err)
			return wrapErr(op, KindIntegrity, err, "bulk block %d", k)
		}
		progress.Increment(1)
	}

	success = true
	v.log.Infof("volume: scrub complete, %d block(s) verified", total)
	return nil
}

// ForceDefragment walks every allocated bulk block and recompacts any
// whose CalculateDegradationScore is at or above threshold, even though
// nothing wrote to it this transaction. Recompaction runs through the
// same scratch-swap commit sequence Commit uses, so a crash mid-sweep
// leaves the volume in the same recoverable state an ordinary commit
// would. Progress is reported once per bulk block visited, not just the
// ones that turn out to be degraded.
func (v *VolumeManager) ForceDefragment(threshold float64) error {
	const op = "volume.force_defragment"
	if v.readOnly {
		return ErrReadOnly
	}
	if !v.engineCfg.EnableDefragmentation {
		return newErr(op, KindUsage, "defragmentation is disabled for this volume")
	}

	total := int64(v.cfg.MaxBlocks)
	progress := v.log.NewProgress("defrag", total)
	success := false
	defer func() { progress.Finish(success) }()

	for k := 0; k < v.cfg.MaxBlocks; k++ {
		virtual := k + v.cfg.FirstFileDataBlockIndex
		if !v.vcd.IsAllocated(virtual) {
			progress.Increment(1)
			continue
		}
		control, err := v.fat.BlockControl(virtual)
		if err != nil {
			v.flagIntegrityFailure(err)
			return wrapErr(op, KindStorageIO, err, "block control for block %d", k)
		}
		if v.placement.CalculateDegradationScore(control) >= threshold {
			if err := v.blocks.ensureLoaded(virtual); err != nil {
				return wrapErr(op, KindStorageIO, err, "load block %d", k)
			}
			if err := v.virt.Commit(virtual); err != nil {
				return wrapErr(op, KindTransaction, err, "defragment block %d", k)
			}
			v.log.Infof("volume: force-defragmented block %d", k)
		}
		progress.Increment(1)
	}

	success = true
	return nil
}

// Close commits any outstanding changes and releases every open file
// handle, continuing to close the rest even if one fails so a caller sees
// every error rather than losing handles on the first failure.
func (v *VolumeManager) Close() error {
	const op = "volume.close"
	var firstErr error
	if err := v.Commit(); err != nil {
		firstErr = err
	}
	for _, c := range []LowLevelStorage{v.control, v.directory, v.bulk} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = wrapErr(op, KindStorageIO, err, "close volume file")
		}
	}
	return firstErr
}
