package splitfat

import "encoding/binary"

// Layout computes byte offsets within the control file. The control file
// is laid out as:
//
//	[VolumeDescriptor][VolumeControlData][(BlockControlData, FATBlock)]×N
//
// Every allocated block's control-data/FAT-block pair occupies a
// fixed-size slot sized for MaxBlocks up front, so that allocating block
// k never requires relocating block k-1's region.
type Layout struct {
	cfg Config
}

// NewLayout derives the control-file geometry from cfg.
func NewLayout(cfg Config) Layout {
	return Layout{cfg: cfg}
}

// DescriptorOffset is always 0: the VolumeDescriptor is the first thing in
// the control file.
func (l Layout) DescriptorOffset() int64 {
	return 0
}

func (l Layout) descriptorLen() int64 {
	return int64(binary.Size(VolumeDescriptor{}))
}

// VolumeControlOffset is where VolumeControlData begins.
func (l Layout) VolumeControlOffset() int64 {
	return l.DescriptorOffset() + l.descriptorLen()
}

// blockRegionOffset is where the first (BlockControlData, FATBlock) pair
// begins, immediately after VolumeControlData.
func (l Layout) blockRegionOffset() int64 {
	return l.VolumeControlOffset() + volumeControlByteLen(l.cfg.MaxBlocks)
}

// fatBlockLen is the byte size of one block's worth of FAT cells (8 bytes
// per cell: two uint32 halves).
func (l Layout) fatBlockLen() int64 {
	return int64(l.cfg.ClustersPerBlock()) * 8
}

func (l Layout) blockSlotLen() int64 {
	return blockControlByteLen(l.cfg.ClustersPerBlock()) + l.fatBlockLen()
}

// BlockControlOffset is where block index's BlockControlData begins.
func (l Layout) BlockControlOffset(blockIndex int) int64 {
	return l.blockRegionOffset() + int64(blockIndex)*l.blockSlotLen()
}

// FATBlockOffset is where block index's raw FAT cell array begins.
func (l Layout) FATBlockOffset(blockIndex int) int64 {
	return l.BlockControlOffset(blockIndex) + blockControlByteLen(l.cfg.ClustersPerBlock())
}

// ControlFileSize is the total size the control file must have to hold
// MaxBlocks worth of (BlockControlData, FATBlock) slots.
func (l Layout) ControlFileSize() int64 {
	return l.blockRegionOffset() + int64(l.cfg.MaxBlocks)*l.blockSlotLen()
}

// DirectoryClusterOffset is where cluster-index's bytes live in the
// directory data file (the raw image of block 0).
func (l Layout) DirectoryClusterOffset(clusterIndex ClusterIndex) int64 {
	return int64(clusterIndex) * int64(l.cfg.ClusterSize)
}

// BulkBlockOffset is where physical block physIndex begins in the bulk
// file.
func (l Layout) BulkBlockOffset(physIndex uint32) int64 {
	return int64(physIndex) * int64(l.cfg.BlockSize)
}
