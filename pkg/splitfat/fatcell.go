package splitfat

import "encoding/binary"

// FATCellSize is the on-disk byte size of one FAT cell.
const FATCellSize = 8

// Bytes encodes c as its 8-byte on-disk representation (prev, then next,
// little-endian). FATCell's fields are unexported, so this is hand-rolled
// rather than run through encoding/binary's reflection path, which cannot
// read unexported struct fields from outside the package.
func (c FATCell) Bytes() [FATCellSize]byte {
	var out [FATCellSize]byte
	binary.LittleEndian.PutUint32(out[0:4], c.prev)
	binary.LittleEndian.PutUint32(out[4:8], c.next)
	return out
}

// FATCellFromBytes decodes an 8-byte on-disk representation produced by
// Bytes.
func FATCellFromBytes(b []byte) FATCell {
	return FATCell{
		prev: binary.LittleEndian.Uint32(b[0:4]),
		next: binary.LittleEndian.Uint32(b[4:8]),
	}
}

// ClusterIndex addresses a single 8 KiB cluster within the volume. Index 0
// is reserved both as the free-cluster sentinel and as the start cluster
// of the root directory; nothing may point to 0 as a chain successor, so
// the overload never causes ambiguity.
type ClusterIndex uint32

// Bit layout constants for the 64-bit FAT cell. Every mutator must
// preserve this layout: a chain-endpoint half stores an 8-bit
// FileDescriptorRecordIndex in its top byte; a non-endpoint half stores 8
// bits of the per-cluster CRC-16 in the same bit position instead.
const (
	clusterIndexBits      = 22
	clusterShortIndexBits = 14

	clusterIndexMask      = uint32(1)<<clusterIndexBits - 1   // 0x3FFFFF
	clusterShortIndexMask = uint32(1)<<clusterShortIndexBits - 1 // 0x3FFF

	// LastValidClusterIndex is the highest cluster index that is not the
	// reserved "invalid" sentinel.
	LastValidClusterIndex = ClusterIndex(clusterIndexMask - 1)
	// InvalidClusterIndex marks an absent/poison cluster reference.
	InvalidClusterIndex = ClusterIndex(clusterIndexMask)

	startEndFlag       = uint32(1) << 31
	chainStartEndMask  = startEndFlag
	flagsAndIndexMask  = chainStartEndMask | clusterIndexMask
	flagsAndShortMask  = chainStartEndMask | clusterShortIndexMask

	fdriStartBit      = clusterIndexBits + 1 // 23
	highCRCPosition   = clusterIndexBits + 1 // 23
	lowCRCPosition    = clusterShortIndexBits // 14

	fdriBits         = 8
	fdriMask         = uint32(1)<<fdriBits - 1 // 0xFF
	fdriShiftedMask  = fdriMask << fdriStartBit
	crcLowHalfMask   = fdriMask << clusterShortIndexBits

	crcInitializedMask    = uint32(1) << clusterIndexBits // bit 22 of prev
	clusterNotInitialized = uint32(1) << clusterIndexBits // bit 22 of next
)

// IsValidClusterIndex reports whether idx is small enough to be a real
// cluster reference (as opposed to the reserved invalid sentinel).
func IsValidClusterIndex(idx ClusterIndex) bool {
	return idx <= LastValidClusterIndex
}

// FATCell is the 64-bit FAT entry for one cluster: prev/next links,
// chain-endpoint flags, a directory-record back-pointer on endpoints, and
// an 8 KiB-payload CRC-16 split across the two halves. It is a small value
// type, meant to be copied freely.
type FATCell struct {
	prev uint32
	next uint32
}

// FreeCell returns the cell value representing an unallocated cluster.
func FreeCell() FATCell {
	return FATCell{}
}

// InvalidCell returns the sentinel cell value used to mark an
// unaddressable FAT slot (out-of-range index reads resolve to this).
func InvalidCell() FATCell {
	return FATCell{prev: uint32(InvalidClusterIndex), next: uint32(InvalidClusterIndex)}
}

// SingleElementCell returns the cell value for a one-cluster chain: both
// the start and end flags are set.
func SingleElementCell() FATCell {
	return FATCell{prev: startEndFlag, next: startEndFlag}
}

// BadCell returns a recognizable poison value used by tests to catch
// accidental confusion with the zero-valued free cell.
func BadCell() FATCell {
	return FATCell{prev: 0xBADC0DE, next: 0xBADC0DE}
}

// GetNext returns the next-in-chain cluster index, or the short index of
// the FileDescriptorRecord's cluster when this cell ends a chain.
func (c FATCell) GetNext() ClusterIndex {
	if c.IsEnd() {
		return ClusterIndex(c.next & clusterShortIndexMask)
	}
	return ClusterIndex(c.next & clusterIndexMask)
}

// GetPrev returns the previous-in-chain cluster index, or the short index
// of the FileDescriptorRecord's cluster when this cell starts a chain.
func (c FATCell) GetPrev() ClusterIndex {
	if c.IsStart() {
		return ClusterIndex(c.prev & clusterShortIndexMask)
	}
	return ClusterIndex(c.prev & clusterIndexMask)
}

// RawNext exposes the unmasked next half, for tests.
func (c FATCell) RawNext() uint32 { return c.next }

// RawPrev exposes the unmasked prev half, for tests.
func (c FATCell) RawPrev() uint32 { return c.prev }

// SetNext assigns the next-in-chain cluster index, clearing the
// end-of-chain flag if it was set, and preserves the CRC bits by
// decoding them first and re-encoding them into their (possibly new)
// position afterward.
func (c *FATCell) SetNext(value ClusterIndex) {
	crc := c.DecodeCRC()
	c.next = (c.next &^ flagsAndIndexMask) | (uint32(value) & clusterIndexMask)
	c.encodeCRCBits(crc)
}

// SetPrev assigns the previous-in-chain cluster index, clearing the
// start-of-chain flag if it was set, and preserves the CRC bits.
func (c *FATCell) SetPrev(value ClusterIndex) {
	crc := c.DecodeCRC()
	c.prev = (c.prev &^ flagsAndIndexMask) | (uint32(value) & clusterIndexMask)
	c.encodeCRCBits(crc)
}

// MakeEndOfChain marks this cell as the last cell of a chain, discarding
// any previously encoded next-link/CRC/FDR bits in the next half.
func (c *FATCell) MakeEndOfChain() {
	c.next = startEndFlag
}

// MakeStartOfChain marks this cell as the first cell of a chain,
// discarding any previously encoded prev-link/CRC/FDR bits in the prev
// half.
func (c *FATCell) MakeStartOfChain() {
	c.prev = startEndFlag
}

// IsStart reports whether this cell begins a cluster chain.
func (c FATCell) IsStart() bool {
	return c.prev&chainStartEndMask == startEndFlag
}

// IsEnd reports whether this cell ends a cluster chain.
func (c FATCell) IsEnd() bool {
	return c.next&chainStartEndMask == startEndFlag
}

// IsFree reports whether this cell represents an unallocated cluster.
func (c FATCell) IsFree() bool {
	return c.next&flagsAndIndexMask == 0
}

// IsValid reports whether both halves decode to a real cluster index (as
// opposed to the reserved invalid sentinel).
func (c FATCell) IsValid() bool {
	return c.GetNext() != InvalidClusterIndex && c.GetPrev() != InvalidClusterIndex
}

// EncodeFDR records the location of this chain's File Descriptor Record
// (its cluster index and slot within that cluster). Legal only when this
// cell is a chain endpoint; otherwise it has no effect.
func (c *FATCell) EncodeFDR(descriptorCluster ClusterIndex, recordIndex uint32) {
	switch {
	case c.IsStart():
		c.SetPrev(descriptorCluster)
		c.prev = startEndFlag | (c.prev &^ fdriShiftedMask) | ((recordIndex & fdriMask) << fdriStartBit)
	case c.IsEnd():
		c.SetNext(descriptorCluster)
		c.next = startEndFlag | (c.next &^ fdriShiftedMask) | ((recordIndex & fdriMask) << fdriStartBit)
	}
}

// DecodeFDR returns the File Descriptor Record location encoded in this
// cell, or (InvalidClusterIndex, InvalidClusterIndex-as-uint32) if this
// cell is not a chain endpoint.
func (c FATCell) DecodeFDR() (descriptorCluster ClusterIndex, recordIndex uint32) {
	switch {
	case c.IsStart():
		return c.GetPrev(), (c.prev >> fdriStartBit) & fdriMask
	case c.IsEnd():
		return c.GetNext(), (c.next >> fdriStartBit) & fdriMask
	default:
		return InvalidClusterIndex, uint32(InvalidClusterIndex)
	}
}

// encodeCRCBits places the 16-bit CRC into whichever bit positions are
// legal given the current start/end flags, without touching those flags
// or the link/FDR bits it doesn't own. It does not set CRCInitialized;
// callers that want that must call EncodeCRC instead.
func (c *FATCell) encodeCRCBits(crc uint16) {
	if c.IsStart() {
		c.prev = (c.prev &^ crcLowHalfMask) | (uint32(crc&0xFF) << lowCRCPosition)
	} else {
		c.prev = (c.prev &^ fdriShiftedMask) | (uint32(crc&0xFF) << highCRCPosition)
	}

	if c.IsEnd() {
		c.next = (c.next &^ crcLowHalfMask) | (uint32(crc&0xFF00) << (lowCRCPosition - 8))
	} else {
		c.next = (c.next &^ fdriShiftedMask) | (uint32(crc&0xFF00) << (highCRCPosition - 8))
	}
}

// EncodeCRC stores the cluster payload's CRC-16 and marks it initialized.
func (c *FATCell) EncodeCRC(crc uint16) {
	c.encodeCRCBits(crc)
	c.prev |= crcInitializedMask
}

// DecodeCRC returns the previously stored CRC-16, regardless of whether
// CRCInitialized is set.
func (c FATCell) DecodeCRC() uint16 {
	var crc uint16
	if c.IsStart() {
		crc = uint16(c.prev>>lowCRCPosition) & 0xFF
	} else {
		crc = uint16(c.prev>>highCRCPosition) & 0xFF
	}

	if c.IsEnd() {
		crc |= uint16(c.next>>(lowCRCPosition-8)) & 0xFF00
	} else {
		crc |= uint16(c.next>>(highCRCPosition-8)) & 0xFF00
	}
	return crc
}

// CRCInitialized reports whether the companion cluster has been written
// at least once and its CRC recorded in this cell.
func (c FATCell) CRCInitialized() bool {
	return c.prev&crcInitializedMask != 0
}

// ClusterInitialized reports whether the companion cluster has ever been
// written. This is a fast "never written" hint only and must not be
// relied on for integrity; callers still verify via CRC. The bit is
// stored inverted on disk (set means not yet written, clear means
// initialized), so a zero-valued cell reports initialized; a cell reads as
// never written only after SetClusterInitialized(false) has set the bit.
func (c FATCell) ClusterInitialized() bool {
	return c.next&clusterNotInitialized == 0
}

// SetClusterInitialized sets or clears the cluster-initialized hint.
func (c *FATCell) SetClusterInitialized(initialized bool) {
	if initialized {
		c.next &^= clusterNotInitialized
	} else {
		c.next |= clusterNotInitialized
	}
}

// Equal reports whether c and other encode the same 64 bits.
func (c FATCell) Equal(other FATCell) bool {
	return c.prev == other.prev && c.next == other.next
}
