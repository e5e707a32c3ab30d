package splitfat

import (
	"encoding/binary"
	"io"
)

// volumeControlHeader is the fixed-width portion of VolumeControlData as
// written to the control area, using the usual
// binary.Write(w, LittleEndian, struct)-over-a-fixed-layout style for
// on-disk records.
type volumeControlHeader struct {
	Generation         uint64
	AllocatedCount     uint32
	ScratchIndex       uint32
	TransactionPending uint32
	MaxBlocks          uint32
	_                  uint32 // reserved, written as zero
}

// VolumeControlData is the volume-wide mutable control record: which
// blocks are allocated, the block-virtualization map, and whether an
// explicit transaction is open. Recovery on open does not read that flag;
// it decides from the transaction log files alone.
type VolumeControlData struct {
	maxBlocks int

	Generation         uint64
	AllocatedBlocks    *BitSet // length maxBlocks
	AllocatedCount     uint32
	TransactionPending bool

	// PhysMap maps a virtual block index to its physical slot; its length
	// is maxBlocks (indexed 0..maxBlocks-1 for live virtual blocks). The
	// scratch slot's physical index is tracked separately in ScratchIndex
	// since it has no virtual identity of its own.
	PhysMap      []uint32
	ScratchIndex uint32
}

// NewVolumeControlData builds the initial, empty control record for a
// freshly created volume: no blocks allocated, identity-mapped phys_map,
// scratch occupying the slot just past the live blocks.
func NewVolumeControlData(cfg Config) *VolumeControlData {
	physMap := make([]uint32, cfg.MaxBlocks)
	for i := range physMap {
		physMap[i] = uint32(i)
	}
	return &VolumeControlData{
		maxBlocks:       cfg.MaxBlocks,
		AllocatedBlocks: NewBitSet(cfg.MaxBlocks),
		PhysMap:         physMap,
		ScratchIndex:    uint32(cfg.MaxBlocks),
	}
}

// IsAllocated reports whether virtual block index has been allocated.
func (v *VolumeControlData) IsAllocated(index int) bool {
	return v.AllocatedBlocks.Get(index)
}

// AllocateBlock marks virtual block index allocated and bumps
// AllocatedCount. It rejects an index outside [0, MaxBlocks) with a
// capacity error and an already-allocated index with a usage error; it
// does not check that index is the next sequential block.
func (v *VolumeControlData) AllocateBlock(index int) error {
	const op = "volumecontrol.allocate_block"
	if index < 0 || index >= v.maxBlocks {
		return newErr(op, KindCapacity, "block index %d out of range [0,%d)", index, v.maxBlocks)
	}
	if v.AllocatedBlocks.Get(index) {
		return newErr(op, KindUsage, "block %d is already allocated", index)
	}
	v.AllocatedBlocks.Set(index, true)
	v.AllocatedCount++
	return nil
}

// PhysicalOf returns the physical block index currently mapped to virtual
// block index.
func (v *VolumeControlData) PhysicalOf(virtual int) uint32 {
	return v.PhysMap[virtual]
}

// SwapScratch installs newPhysical as the physical mapping for virtual
// block index and returns the physical index that had previously occupied
// that slot, which becomes the new scratch.
func (v *VolumeControlData) SwapScratch(virtual int, newPhysical uint32) (oldPhysical uint32) {
	oldPhysical = v.PhysMap[virtual]
	v.PhysMap[virtual] = newPhysical
	v.ScratchIndex = oldPhysical
	v.Generation++
	return oldPhysical
}

// volumeControlByteLen returns the on-disk size in bytes of this record for a volume
// with the given MaxBlocks, used to compute the BlockControlData region's
// starting offset in the control file.
func volumeControlByteLen(maxBlocks int) int64 {
	header := int64(binary.Size(volumeControlHeader{}))
	physMap := int64(maxBlocks) * 4
	bitmapWords := int64(sizeToPosition(maxBlocks, bitsPerElement))
	bitmap := bitmapWords * 8
	return header + physMap + bitmap
}

// WriteTo serializes the control record in header/physmap/bitmap order.
func (v *VolumeControlData) WriteTo(w io.Writer) (int64, error) {
	const op = "volumecontrol.write"
	pending := uint32(0)
	if v.TransactionPending {
		pending = 1
	}
	header := volumeControlHeader{
		Generation:         v.Generation,
		AllocatedCount:     v.AllocatedCount,
		ScratchIndex:       v.ScratchIndex,
		TransactionPending: pending,
		MaxBlocks:          uint32(v.maxBlocks),
	}
	if err := binary.Write(w, binary.LittleEndian, &header); err != nil {
		return 0, wrapErr(op, KindStorageIO, err, "write header")
	}
	if err := binary.Write(w, binary.LittleEndian, v.PhysMap); err != nil {
		return 0, wrapErr(op, KindStorageIO, err, "write phys_map")
	}
	if err := binary.Write(w, binary.LittleEndian, v.AllocatedBlocks.elements); err != nil {
		return 0, wrapErr(op, KindStorageIO, err, "write allocated-block bitmap")
	}
	return volumeControlByteLen(v.maxBlocks), nil
}

// ReadVolumeControlData deserializes a control record previously written
// by WriteTo.
func ReadVolumeControlData(r io.Reader) (*VolumeControlData, error) {
	const op = "volumecontrol.read"
	var header volumeControlHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, wrapErr(op, KindStorageIO, err, "read header")
	}

	maxBlocks := int(header.MaxBlocks)
	physMap := make([]uint32, maxBlocks)
	if err := binary.Read(r, binary.LittleEndian, physMap); err != nil {
		return nil, wrapErr(op, KindStorageIO, err, "read phys_map")
	}

	bitmap := NewBitSet(maxBlocks)
	if err := binary.Read(r, binary.LittleEndian, bitmap.elements); err != nil {
		return nil, wrapErr(op, KindStorageIO, err, "read allocated-block bitmap")
	}

	return &VolumeControlData{
		maxBlocks:          maxBlocks,
		Generation:         header.Generation,
		AllocatedBlocks:    bitmap,
		AllocatedCount:     header.AllocatedCount,
		TransactionPending: header.TransactionPending != 0,
		PhysMap:            physMap,
		ScratchIndex:       header.ScratchIndex,
	}, nil
}
