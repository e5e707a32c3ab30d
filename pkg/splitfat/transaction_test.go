package splitfat

import "testing"

func TestTransactionLogInspectNoneWhenEmpty(t *testing.T) {
	storage := newMemTransactionStorage()
	tx := NewTransactionLog(storage, "vol")

	action, intent, err := tx.Inspect()
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if action != RecoveryNone {
		t.Fatalf("action = %v, want RecoveryNone", action)
	}
	if intent != nil {
		t.Fatalf("expected nil intent when no transaction is pending")
	}
}

func TestTransactionLogBeginThenInspectReplays(t *testing.T) {
	storage := newMemTransactionStorage()
	tx := NewTransactionLog(storage, "vol")

	control := NewBlockControlData(8)
	if err := control.AllocateCluster(0); err != nil {
		t.Fatalf("AllocateCluster: %v", err)
	}

	intent := Intent{
		PhysMap:      []uint32{2, 1},
		ScratchIndex: 0,
		FATBlocks: []fatBlockRecord{
			{BlockIndex: 0, Bytes: []byte{1, 2, 3, 4, 5, 6, 7, 8}, CRC32: 0xDEADBEEF},
		},
		Controls: []blockControlRecord{
			{BlockIndex: 0, Data: control},
		},
	}

	if err := tx.Begin(intent); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	action, got, err := tx.Inspect()
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if action != RecoveryReplay {
		t.Fatalf("action = %v, want RecoveryReplay", action)
	}
	if got.ScratchIndex != 0 || len(got.PhysMap) != 2 || got.PhysMap[0] != 2 || got.PhysMap[1] != 1 {
		t.Fatalf("decoded intent phys_map/scratch mismatch: %+v", got)
	}
	if len(got.FATBlocks) != 1 || got.FATBlocks[0].CRC32 != 0xDEADBEEF {
		t.Fatalf("decoded intent fat blocks mismatch: %+v", got.FATBlocks)
	}
	if len(got.Controls) != 1 || got.Controls[0].Data.FreeCount != control.FreeCount {
		t.Fatalf("decoded intent control records mismatch: %+v", got.Controls)
	}
}

func TestTransactionLogOrphanedTempIsDiscardable(t *testing.T) {
	storage := newMemTransactionStorage()
	tx := NewTransactionLog(storage, "vol")

	// Simulate a crash between the temp write and the rename: write the
	// temp file directly, bypassing Begin, so no final file ever appears.
	if err := storage.WriteFile(tx.tempName, []byte{0xAA}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	action, intent, err := tx.Inspect()
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if action != RecoveryDiscardTemp {
		t.Fatalf("action = %v, want RecoveryDiscardTemp", action)
	}
	if intent != nil {
		t.Fatalf("expected no intent for a discard action")
	}

	if err := tx.DiscardTemp(); err != nil {
		t.Fatalf("DiscardTemp: %v", err)
	}
	if exists, _ := storage.Exists(tx.tempName); exists {
		t.Fatalf("temp file should be gone after DiscardTemp")
	}
}

func TestTransactionLogDecodeRejectsCorruptPayload(t *testing.T) {
	storage := newMemTransactionStorage()
	tx := NewTransactionLog(storage, "vol")

	intent := Intent{PhysMap: []uint32{0}, ScratchIndex: 1}
	if err := tx.Begin(intent); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	payload, err := storage.ReadFile(tx.finalName)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	payload[len(payload)-1] ^= 0xFF
	if err := storage.WriteFile(tx.finalName, payload); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, _, err := tx.Inspect(); err == nil {
		t.Fatalf("expected Inspect to reject a corrupted intent payload")
	}
}

func TestTransactionLogClearRemovesFinal(t *testing.T) {
	storage := newMemTransactionStorage()
	tx := NewTransactionLog(storage, "vol")

	if err := tx.Begin(Intent{PhysMap: []uint32{0}, ScratchIndex: 1}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	action, _, err := tx.Inspect()
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if action != RecoveryNone {
		t.Fatalf("action = %v, want RecoveryNone after Clear", action)
	}
}
