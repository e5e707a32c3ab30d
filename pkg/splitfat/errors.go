package splitfat

import "fmt"

// Kind classifies every error the engine can return. Callers switch on
// Kind rather than on error identity so that wrapped, formatted errors
// remain inspectable.
type Kind uint8

const (
	// KindUnknown is never returned; its zero value catches missing
	// classification during development.
	KindUnknown Kind = iota
	// KindStorageIO wraps a failure from the underlying pread/pwrite/fsync.
	KindStorageIO
	// KindIntegrity marks a CRC mismatch, a dangling chain, or a free cell
	// referenced as live.
	KindIntegrity
	// KindCapacity marks an allocation that would exceed a static bound
	// (MaxBlocks, directory capacity).
	KindCapacity
	// KindUsage marks a caller error: invalid cluster index, bad access
	// mode, operating on an unopened volume.
	KindUsage
	// KindTransaction marks a problem with the commit/recovery protocol.
	KindTransaction
	// KindNotSupported marks a feature absent on the current platform.
	KindNotSupported
	// KindFatal marks a volume state the caller must treat as lost.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindStorageIO:
		return "storage-io"
	case KindIntegrity:
		return "integrity"
	case KindCapacity:
		return "capacity"
	case KindUsage:
		return "usage"
	case KindTransaction:
		return "transaction"
	case KindNotSupported:
		return "not-supported"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the concrete error type every exported SplitFAT operation
// returns. It always carries a Kind and a human-readable message, and may
// wrap an underlying cause (a storage-io failure, for instance).
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("splitfat: %s: %s: %s (%v)", e.Op, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("splitfat: %s: %s: %s", e.Op, e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

func newErr(op string, kind Kind, format string, args ...interface{}) *Error {
	return &Error{Op: op, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapErr(op string, kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Op: op, Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Sentinel errors for conditions callers commonly need to test for
// directly with errors.Is.
var (
	// ErrFATIntegrity is returned by FATBlockCache.GetCell when a FAT
	// block's stored CRC-32 does not match its contents.
	ErrFATIntegrity = &Error{Kind: KindIntegrity, Op: "fat", Message: "fat block CRC mismatch"}
	// ErrClusterCRC is returned by a cluster read whose CRC-16 does not
	// match its payload.
	ErrClusterCRC = &Error{Kind: KindIntegrity, Op: "cluster", Message: "cluster CRC mismatch"}
	// ErrCannotExtend is returned when an allocation would require more
	// than Config.MaxBlocks blocks.
	ErrCannotExtend = &Error{Kind: KindCapacity, Op: "allocate", Message: "cannot extend volume beyond max blocks"}
	// ErrNoTransaction reports that no transaction has been started. No
	// operation in this package returns it: VolumeManager.Commit works
	// without a prior BeginTransaction.
	ErrNoTransaction = &Error{Kind: KindTransaction, Op: "commit", Message: "no transaction has been started"}
	// ErrTransactionStarted is returned by Begin when one is already open.
	ErrTransactionStarted = &Error{Kind: KindTransaction, Op: "begin", Message: "a transaction is already started"}
	// ErrNotOpen reports an operation on a volume that is not open. No
	// operation in this package returns it: a VolumeManager is only
	// obtained from CreateVolume or OpenVolume.
	ErrNotOpen = &Error{Kind: KindUsage, Op: "volume", Message: "volume is not open"}
	// ErrReadOnly is returned once an integrity failure has placed the
	// volume into read-only mode, pending an explicit rebuild.
	ErrReadOnly = &Error{Kind: KindIntegrity, Op: "volume", Message: "volume is read-only after an integrity failure; rebuild required"}
)
