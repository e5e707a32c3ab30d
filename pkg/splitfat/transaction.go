package splitfat

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
)

// transactionMagic / transactionVersion identify a well-formed intent
// payload; a mismatch on either is treated the same as an unreadable file
// (the transaction is presumed never to have been fully written).
const (
	transactionMagic   uint32 = 0x53465854 // "SFXT"
	transactionVersion uint32 = 1
)

// TransactionStorage is the small filesystem-level capability the
// transaction-intent protocol needs beyond LowLevelStorage's
// cluster-aligned pread/pwrite: whole-file write/read, atomic rename, and
// removal.
type TransactionStorage interface {
	WriteFile(name string, data []byte) error
	ReadFile(name string) ([]byte, error)
	Rename(oldName, newName string) error
	Remove(name string) error
	Exists(name string) (bool, error)
}

// fatBlockRecord is one dirty FAT block captured in the intent payload.
type fatBlockRecord struct {
	BlockIndex int
	Bytes      []byte
	CRC32      uint32
}

// blockControlRecord is one updated BlockControlData captured in the
// intent payload.
type blockControlRecord struct {
	BlockIndex int
	Data       *BlockControlData
}

// Intent is the payload of the transaction-intent file: everything needed
// to finish applying a block-virtualization swap if the process dies
// between writing scratch data and updating the control file.
type Intent struct {
	PhysMap      []uint32
	ScratchIndex uint32
	FATBlocks    []fatBlockRecord
	Controls     []blockControlRecord
}

// TransactionLog persists Intent across the temp-write/fsync/rename/apply
// protocol. Presence of the final file at open time means "replay";
// presence of only the temp file means "discard".
type TransactionLog struct {
	storage   TransactionStorage
	tempName  string
	finalName string
}

// NewTransactionLog constructs a log using baseName as the stem for its
// temp/final file names (baseName.tx.tmp / baseName.tx.final).
func NewTransactionLog(storage TransactionStorage, baseName string) *TransactionLog {
	return &TransactionLog{
		storage:   storage,
		tempName:  baseName + ".tx.tmp",
		finalName: baseName + ".tx.final",
	}
}

// Begin writes the intent to the temp file and atomically renames it to
// the final name. A crash before the rename leaves only the temp file
// behind (discarded on next open); a crash after leaves the final file
// (replayed on next open).
func (t *TransactionLog) Begin(intent Intent) error {
	const op = "transaction.begin"
	payload := encodeIntent(intent)

	if err := t.storage.WriteFile(t.tempName, payload); err != nil {
		return wrapErr(op, KindTransaction, err, "write intent temp file")
	}
	if err := t.storage.Rename(t.tempName, t.finalName); err != nil {
		return wrapErr(op, KindTransaction, err, "rename intent temp to final")
	}
	return nil
}

// Clear removes the final intent file once its effects have been fully
// applied and synced.
func (t *TransactionLog) Clear() error {
	const op = "transaction.clear"
	if err := t.storage.Remove(t.finalName); err != nil {
		return wrapErr(op, KindTransaction, err, "remove final intent file")
	}
	return nil
}

// RecoveryAction reports what openVolume must do about a previous
// transaction: replay a final intent file, discard an orphaned temp file,
// or do nothing.
type RecoveryAction int

const (
	// RecoveryNone means no transaction was in flight.
	RecoveryNone RecoveryAction = iota
	// RecoveryReplay means a final intent file exists and must be applied.
	RecoveryReplay
	// RecoveryDiscardTemp means only a temp file exists; it references no
	// data yet referenced by the volume's control state, so it is simply
	// removed.
	RecoveryDiscardTemp
)

// Inspect determines the recovery action required and, for RecoveryReplay,
// the decoded Intent to apply.
func (t *TransactionLog) Inspect() (RecoveryAction, *Intent, error) {
	const op = "transaction.inspect"

	finalExists, err := t.storage.Exists(t.finalName)
	if err != nil {
		return RecoveryNone, nil, wrapErr(op, KindStorageIO, err, "stat final intent file")
	}
	if finalExists {
		payload, err := t.storage.ReadFile(t.finalName)
		if err != nil {
			return RecoveryNone, nil, wrapErr(op, KindTransaction, err, "read final intent file")
		}
		intent, err := decodeIntent(payload)
		if err != nil {
			return RecoveryNone, nil, wrapErr(op, KindTransaction, err, "decode final intent file")
		}
		return RecoveryReplay, intent, nil
	}

	tempExists, err := t.storage.Exists(t.tempName)
	if err != nil {
		return RecoveryNone, nil, wrapErr(op, KindStorageIO, err, "stat temp intent file")
	}
	if tempExists {
		return RecoveryDiscardTemp, nil, nil
	}
	return RecoveryNone, nil, nil
}

// DiscardTemp removes an orphaned temp file found by Inspect.
func (t *TransactionLog) DiscardTemp() error {
	const op = "transaction.discard_temp"
	if err := t.storage.Remove(t.tempName); err != nil {
		return wrapErr(op, KindTransaction, err, "remove temp intent file")
	}
	return nil
}

func encodeIntent(intent Intent) []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, intent.ScratchIndex)
	binary.Write(&body, binary.LittleEndian, uint32(len(intent.PhysMap)))
	binary.Write(&body, binary.LittleEndian, intent.PhysMap)

	binary.Write(&body, binary.LittleEndian, uint32(len(intent.FATBlocks)))
	for _, rec := range intent.FATBlocks {
		binary.Write(&body, binary.LittleEndian, uint32(rec.BlockIndex))
		binary.Write(&body, binary.LittleEndian, uint32(len(rec.Bytes)))
		body.Write(rec.Bytes)
		binary.Write(&body, binary.LittleEndian, rec.CRC32)
	}

	binary.Write(&body, binary.LittleEndian, uint32(len(intent.Controls)))
	for _, rec := range intent.Controls {
		binary.Write(&body, binary.LittleEndian, uint32(rec.BlockIndex))
		var controlBuf bytes.Buffer
		rec.Data.WriteTo(&controlBuf)
		binary.Write(&body, binary.LittleEndian, uint32(controlBuf.Len()))
		body.Write(controlBuf.Bytes())
	}

	checksum := crc32.ChecksumIEEE(body.Bytes())

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, transactionMagic)
	binary.Write(&out, binary.LittleEndian, transactionVersion)
	binary.Write(&out, binary.LittleEndian, checksum)
	out.Write(body.Bytes())
	return out.Bytes()
}

func decodeIntent(payload []byte) (*Intent, error) {
	const op = "transaction.decode_intent"
	r := bytes.NewReader(payload)

	var magic, version, checksum uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, wrapErr(op, KindTransaction, err, "read magic")
	}
	if magic != transactionMagic {
		return nil, newErr(op, KindTransaction, "bad magic %#x, intent file is corrupt or foreign", magic)
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, wrapErr(op, KindTransaction, err, "read version")
	}
	if version != transactionVersion {
		return nil, newErr(op, KindTransaction, "unsupported intent version %d", version)
	}
	if err := binary.Read(r, binary.LittleEndian, &checksum); err != nil {
		return nil, wrapErr(op, KindTransaction, err, "read checksum")
	}

	body := payload[len(payload)-r.Len():]
	if crc32.ChecksumIEEE(body) != checksum {
		return nil, newErr(op, KindTransaction, "intent payload CRC mismatch, file is corrupt")
	}

	var intent Intent

	var scratch uint32
	if err := binary.Read(r, binary.LittleEndian, &scratch); err != nil {
		return nil, wrapErr(op, KindTransaction, err, "read scratch index")
	}
	intent.ScratchIndex = scratch

	var physMapLen uint32
	if err := binary.Read(r, binary.LittleEndian, &physMapLen); err != nil {
		return nil, wrapErr(op, KindTransaction, err, "read phys_map length")
	}
	intent.PhysMap = make([]uint32, physMapLen)
	if err := binary.Read(r, binary.LittleEndian, intent.PhysMap); err != nil {
		return nil, wrapErr(op, KindTransaction, err, "read phys_map")
	}

	var fatCount uint32
	if err := binary.Read(r, binary.LittleEndian, &fatCount); err != nil {
		return nil, wrapErr(op, KindTransaction, err, "read fat block count")
	}
	for i := uint32(0); i < fatCount; i++ {
		var rec fatBlockRecord
		var blockIndex, length uint32
		if err := binary.Read(r, binary.LittleEndian, &blockIndex); err != nil {
			return nil, wrapErr(op, KindTransaction, err, "read fat record %d block index", i)
		}
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, wrapErr(op, KindTransaction, err, "read fat record %d length", i)
		}
		rec.BlockIndex = int(blockIndex)
		rec.Bytes = make([]byte, length)
		if _, err := r.Read(rec.Bytes); err != nil {
			return nil, wrapErr(op, KindTransaction, err, "read fat record %d bytes", i)
		}
		if err := binary.Read(r, binary.LittleEndian, &rec.CRC32); err != nil {
			return nil, wrapErr(op, KindTransaction, err, "read fat record %d crc32", i)
		}
		intent.FATBlocks = append(intent.FATBlocks, rec)
	}

	var controlCount uint32
	if err := binary.Read(r, binary.LittleEndian, &controlCount); err != nil {
		return nil, wrapErr(op, KindTransaction, err, "read control record count")
	}
	for i := uint32(0); i < controlCount; i++ {
		var blockIndex, length uint32
		if err := binary.Read(r, binary.LittleEndian, &blockIndex); err != nil {
			return nil, wrapErr(op, KindTransaction, err, "read control record %d block index", i)
		}
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, wrapErr(op, KindTransaction, err, "read control record %d length", i)
		}
		raw := make([]byte, length)
		if _, err := r.Read(raw); err != nil {
			return nil, wrapErr(op, KindTransaction, err, "read control record %d bytes", i)
		}
		data, err := ReadBlockControlData(bytes.NewReader(raw))
		if err != nil {
			return nil, wrapErr(op, KindTransaction, err, "decode control record %d", i)
		}
		intent.Controls = append(intent.Controls, blockControlRecord{BlockIndex: int(blockIndex), Data: data})
	}

	return &intent, nil
}

// sortedFATBlockIndices returns the block indices present in rec, sorted,
// used only by tests that need deterministic iteration.
func sortedFATBlockIndices(recs []fatBlockRecord) []int {
	out := make([]int, len(recs))
	for i, r := range recs {
		out[i] = r.BlockIndex
	}
	sort.Ints(out)
	return out
}

// osTransactionStorage implements TransactionStorage over a directory on a
// real filesystem, using os.Rename for the atomic swap the protocol
// depends on.
type osTransactionStorage struct {
	dir string
}

// NewOSTransactionStorage roots transaction-intent files under dir.
func NewOSTransactionStorage(dir string) *osTransactionStorage {
	return &osTransactionStorage{dir: dir}
}

func (s *osTransactionStorage) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *osTransactionStorage) WriteFile(name string, data []byte) error {
	const op = "transaction.os_storage.write_file"
	f, err := os.OpenFile(s.path(name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return wrapErr(op, KindStorageIO, err, "open %s", name)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return wrapErr(op, KindStorageIO, err, "write %s", name)
	}
	return f.Sync()
}

func (s *osTransactionStorage) ReadFile(name string) ([]byte, error) {
	const op = "transaction.os_storage.read_file"
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return nil, wrapErr(op, KindStorageIO, err, "read %s", name)
	}
	return data, nil
}

func (s *osTransactionStorage) Rename(oldName, newName string) error {
	const op = "transaction.os_storage.rename"
	if err := os.Rename(s.path(oldName), s.path(newName)); err != nil {
		return wrapErr(op, KindStorageIO, err, "rename %s to %s", oldName, newName)
	}
	return nil
}

func (s *osTransactionStorage) Remove(name string) error {
	const op = "transaction.os_storage.remove"
	err := os.Remove(s.path(name))
	if err != nil && !os.IsNotExist(err) {
		return wrapErr(op, KindStorageIO, err, "remove %s", name)
	}
	return nil
}

func (s *osTransactionStorage) Exists(name string) (bool, error) {
	const op = "transaction.os_storage.exists"
	_, err := os.Stat(s.path(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, wrapErr(op, KindStorageIO, err, "stat %s", name)
}

var _ TransactionStorage = (*osTransactionStorage)(nil)
