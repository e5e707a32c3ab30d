package splitfat

import (
	"bytes"
	"testing"

	"github.com/vorteil/splitfat/pkg/splitfatlog"
)

// newPlacementFixture seeds a blank, CRC-correct control file (the same
// shape newTestFATCache uses) and wires a FATBlockCache/ClusterDataCache
// pair over it. FATBlockCache itself satisfies blockControlSource, so the
// cache and the strategy always see the exact same BlockControlData
// instance fat.BlockControl returns.
func newPlacementFixture(t *testing.T, cfg Config) (*ClusterDataCache, *FATBlockCache, *memStorage) {
	t.Helper()
	layout := NewLayout(cfg)
	controlStorage := newMemStorage(int(layout.ControlFileSize()))

	for i := 0; i < cfg.MaxBlocks; i++ {
		control := NewBlockControlData(cfg.ClustersPerBlock())
		cells := make([]byte, layout.fatBlockLen())
		control.ComputeFATCRC32(cells)

		var b bytes.Buffer
		if _, err := control.WriteTo(&b); err != nil {
			t.Fatalf("seed control.WriteTo: %v", err)
		}
		if err := controlStorage.WriteAt(b.Bytes(), layout.BlockControlOffset(i)); err != nil {
			t.Fatalf("seed write control: %v", err)
		}
		if err := controlStorage.WriteAt(cells, layout.FATBlockOffset(i)); err != nil {
			t.Fatalf("seed write fat block: %v", err)
		}
	}

	fat := NewFATBlockCache(cfg, layout, controlStorage, splitfatlog.Discard)
	bulk := newMemStorage(int(layout.BulkBlockOffset(2)))
	phys := &fakePhysicalBlockSource{phys: map[int]uint32{0: 0}}
	cache := NewClusterDataCache(cfg, layout, bulk, fat, phys, splitfatlog.Discard)

	return cache, fat, controlStorage
}

func TestDataPlacementStrategyAggressiveCompactsChain(t *testing.T) {
	cfg := NewConfig(WithMaxBlocks(1), WithBlockSize(1<<16), WithChunkSize(1<<13), WithClusterSize(1<<10))
	cache, fat, _ := newPlacementFixture(t, cfg)

	control, err := fat.BlockControl(0)
	if err != nil {
		t.Fatalf("BlockControl: %v", err)
	}
	if err := control.AllocateCluster(0); err != nil {
		t.Fatalf("AllocateCluster(0): %v", err)
	}
	if err := control.AllocateCluster(5); err != nil {
		t.Fatalf("AllocateCluster(5): %v", err)
	}

	if err := cache.LoadBlock(0); err != nil {
		t.Fatalf("LoadBlock: %v", err)
	}

	globalA := globalCluster(cfg, 0, 0)
	globalB := globalCluster(cfg, 0, 5)

	var cellA, cellB FATCell
	cellA.MakeStartOfChain()
	cellA.SetNext(globalB)
	cellB.MakeEndOfChain()
	cellB.SetPrev(globalA)
	if err := fat.SetCell(globalA, cellA); err != nil {
		t.Fatalf("SetCell A: %v", err)
	}
	if err := fat.SetCell(globalB, cellB); err != nil {
		t.Fatalf("SetCell B: %v", err)
	}

	payloadA := make([]byte, cfg.ClusterSize)
	for i := range payloadA {
		payloadA[i] = 0xAA
	}
	payloadB := make([]byte, cfg.ClusterSize)
	for i := range payloadB {
		payloadB[i] = 0xBB
	}
	if err := cache.WriteCluster(0, payloadA); err != nil {
		t.Fatalf("WriteCluster A: %v", err)
	}
	if err := cache.WriteCluster(5*cfg.ClusterSize, payloadB); err != nil {
		t.Fatalf("WriteCluster B: %v", err)
	}

	strategy := NewDataPlacementStrategy(cfg, PlacementAggressive)
	lastChunk, err := strategy.OptimizeBlockContent(0, cache, fat, control)
	if err != nil {
		t.Fatalf("OptimizeBlockContent: %v", err)
	}
	if lastChunk != 0 {
		t.Fatalf("lastChunk = %d, want 0 after full compaction", lastChunk)
	}

	newGlobalB := globalCluster(cfg, 0, 1)
	gotA, err := fat.GetCell(globalA)
	if err != nil {
		t.Fatalf("GetCell A: %v", err)
	}
	if gotA.GetNext() != newGlobalB {
		t.Fatalf("cell A next = %d, want %d (B's new slot)", gotA.GetNext(), newGlobalB)
	}
	gotB, err := fat.GetCell(newGlobalB)
	if err != nil {
		t.Fatalf("GetCell at B's new slot: %v", err)
	}
	if !gotB.IsEnd() || gotB.GetPrev() != globalA {
		t.Fatalf("moved cell B = %+v, want IsEnd with prev %d", gotB, globalA)
	}

	got := make([]byte, cfg.ClusterSize)
	if err := cache.ReadCluster(1*cfg.ClusterSize, got); err != nil {
		t.Fatalf("ReadCluster at slot 1: %v", err)
	}
	for i, b := range got {
		if b != 0xBB {
			t.Fatalf("byte %d at compacted slot 1 = %#x, want 0xBB", i, b)
		}
	}

	if !control.FreeClusters.Get(5) {
		t.Fatalf("slot 5 should be free after compaction")
	}
	if control.FreeClusters.Get(1) {
		t.Fatalf("slot 1 should be allocated after compaction")
	}
}

func TestDataPlacementStrategyConservativeRespectsInitialFreeSet(t *testing.T) {
	cfg := NewConfig(WithMaxBlocks(1), WithBlockSize(1<<16), WithChunkSize(1<<13), WithClusterSize(1<<10))
	cache, fat, _ := newPlacementFixture(t, cfg)

	control, err := fat.BlockControl(0)
	if err != nil {
		t.Fatalf("BlockControl: %v", err)
	}
	if err := control.AllocateCluster(0); err != nil {
		t.Fatalf("AllocateCluster(0): %v", err)
	}
	if err := control.AllocateCluster(2); err != nil {
		t.Fatalf("AllocateCluster(2): %v", err)
	}

	if err := cache.LoadBlock(0); err != nil {
		t.Fatalf("LoadBlock: %v", err)
	}

	var cell FATCell
	cell.MakeStartOfChain()
	cell.MakeEndOfChain()
	global2 := globalCluster(cfg, 0, 2)
	if err := fat.SetCell(global2, cell); err != nil {
		t.Fatalf("SetCell: %v", err)
	}

	// Simulate a mid-transaction free of slot 0 (e.g. a file truncated
	// during this same write). Slot 0 was NOT free when the block loaded,
	// so conservative mode must not reuse it as a compaction target.
	if err := control.FreeCluster(0); err != nil {
		t.Fatalf("FreeCluster(0): %v", err)
	}

	strategy := NewDataPlacementStrategy(cfg, PlacementConservative)
	if _, err := strategy.OptimizeBlockContent(0, cache, fat, control); err != nil {
		t.Fatalf("OptimizeBlockContent: %v", err)
	}

	if !control.FreeClusters.Get(0) {
		t.Fatalf("slot 0 must remain untouched (and free) under the conservative policy")
	}
	if !control.FreeClusters.Get(2) {
		t.Fatalf("slot 2 should have been vacated by the compaction")
	}
	if control.FreeClusters.Get(1) {
		t.Fatalf("slot 1 (free both before and after) should have received the moved cluster")
	}
}

func TestDataPlacementStrategyFindFreeCluster(t *testing.T) {
	cfg := NewConfig(WithMaxBlocks(1), WithBlockSize(1<<16), WithChunkSize(1<<13), WithClusterSize(1<<10))
	_, fat, _ := newPlacementFixture(t, cfg)
	strategy := NewDataPlacementStrategy(cfg, PlacementAggressive)

	idx, ok, err := strategy.FindFreeCluster(fat, 0)
	if err != nil || !ok {
		t.Fatalf("FindFreeCluster: idx=%d ok=%v err=%v", idx, ok, err)
	}
	if idx != globalCluster(cfg, 0, 0) {
		t.Fatalf("first free cluster = %d, want %d", idx, globalCluster(cfg, 0, 0))
	}

	idx2, ok2, err := strategy.FindFreeCluster(fat, 0)
	if err != nil || !ok2 {
		t.Fatalf("FindFreeCluster (second): idx=%d ok=%v err=%v", idx2, ok2, err)
	}
	if idx2 != globalCluster(cfg, 0, 1) {
		t.Fatalf("second free cluster = %d, want %d", idx2, globalCluster(cfg, 0, 1))
	}
}

func TestDataPlacementStrategyFindFreeClusterExhausted(t *testing.T) {
	cfg := NewConfig(WithMaxBlocks(1), WithBlockSize(1<<16), WithChunkSize(1<<13), WithClusterSize(1<<10))
	_, fat, _ := newPlacementFixture(t, cfg)

	control, err := fat.BlockControl(0)
	if err != nil {
		t.Fatalf("BlockControl: %v", err)
	}
	for i := 0; i < cfg.ClustersPerBlock(); i++ {
		if err := control.AllocateCluster(i); err != nil {
			t.Fatalf("AllocateCluster(%d): %v", i, err)
		}
	}

	strategy := NewDataPlacementStrategy(cfg, PlacementAggressive)
	_, ok, err := strategy.FindFreeCluster(fat, 0)
	if err != nil {
		t.Fatalf("FindFreeCluster: %v", err)
	}
	if ok {
		t.Fatalf("expected a full block to report ok=false")
	}
}

func TestCalculateDegradationScore(t *testing.T) {
	cfg := NewConfig(WithMaxBlocks(1), WithBlockSize(1<<16), WithChunkSize(1<<13), WithClusterSize(1<<10))
	strategy := NewDataPlacementStrategy(cfg, PlacementAggressive)

	contiguous := NewBlockControlData(cfg.ClustersPerBlock())
	for i := 0; i < cfg.ClustersPerBlock()-4; i++ {
		if err := contiguous.AllocateCluster(i); err != nil {
			t.Fatalf("AllocateCluster: %v", err)
		}
	}
	if score := strategy.CalculateDegradationScore(contiguous); score != 0 {
		t.Fatalf("contiguous free run score = %v, want 0", score)
	}

	scattered := NewBlockControlData(cfg.ClustersPerBlock())
	for i := 0; i < cfg.ClustersPerBlock(); i += 2 {
		if err := scattered.AllocateCluster(i); err != nil {
			t.Fatalf("AllocateCluster: %v", err)
		}
	}
	if score := strategy.CalculateDegradationScore(scattered); score < 0.9 {
		t.Fatalf("alternating free/allocated score = %v, want close to 1", score)
	}
}
