package splitfat

import "testing"

func TestLayoutOffsetsAreMonotonicAndNonOverlapping(t *testing.T) {
	cfg := NewConfig(WithMaxBlocks(3), WithBlockSize(1<<20), WithChunkSize(1<<16), WithClusterSize(1<<12))
	l := NewLayout(cfg)

	if l.VolumeControlOffset() <= l.DescriptorOffset() {
		t.Fatalf("VolumeControlOffset should come after the descriptor")
	}
	if l.BlockControlOffset(0) <= l.VolumeControlOffset() {
		t.Fatalf("block 0's control offset should come after VolumeControlData")
	}
	for i := 0; i < cfg.MaxBlocks-1; i++ {
		if l.BlockControlOffset(i+1) < l.FATBlockOffset(i)+l.fatBlockLen() {
			t.Fatalf("block %d's slot must not overlap block %d's", i, i+1)
		}
	}
	if l.ControlFileSize() < l.BlockControlOffset(cfg.MaxBlocks-1)+l.blockSlotLen() {
		t.Fatalf("ControlFileSize should cover every block slot")
	}
}

func TestLayoutBulkAndDirectoryOffsets(t *testing.T) {
	cfg := NewConfig()
	l := NewLayout(cfg)

	if got := l.DirectoryClusterOffset(0); got != 0 {
		t.Errorf("DirectoryClusterOffset(0) = %d, want 0", got)
	}
	if got := l.DirectoryClusterOffset(2); got != int64(2*cfg.ClusterSize) {
		t.Errorf("DirectoryClusterOffset(2) = %d, want %d", got, 2*cfg.ClusterSize)
	}
	if got := l.BulkBlockOffset(1); got != int64(cfg.BlockSize) {
		t.Errorf("BulkBlockOffset(1) = %d, want %d", got, cfg.BlockSize)
	}
}
