package splitfat

import "github.com/google/uuid"

// VerificationCode identifies a well-formed VolumeDescriptor on disk.
const VerificationCode = 0x5FA7C0DE

const (
	// DefaultClusterSize is the payload size of one addressable cluster.
	DefaultClusterSize = 8 * 1024
	// DefaultChunkSize is the unit of efficient pwrite against the bulk
	// area, and the granularity of ClusterDataCache's dirty tracking.
	DefaultChunkSize = 256 * 1024
	// DefaultBlockSize is the fixed size of one bulk block.
	DefaultBlockSize = 256 * 1024 * 1024
	// DefaultMaxBlocks bounds the volume's bulk-area growth.
	DefaultMaxBlocks = 24
	// DefaultFirstFileDataBlockIndex is the first block index available to
	// file data; block 0 always holds directory clusters only.
	DefaultFirstFileDataBlockIndex = 1
	// DefaultFDRRecordSize is the byte size of one File Descriptor Record
	// slot within a block-0 cluster.
	DefaultFDRRecordSize = 128
)

// Config bounds and tunes a volume's geometry and engine behavior. It is
// construction-time only: this engine has no CLI, env, or wire surface,
// so there is no parser to bypass here, only a validated struct built
// through functional options that apply defaults the same way a
// config-loading layer would apply them to an already-unmarshaled struct.
type Config struct {
	ClusterSize             int
	ChunkSize               int
	BlockSize               int
	MaxBlocks               int
	FirstFileDataBlockIndex int
	FDRRecordSize           int

	EnableDefragmentation          bool
	EnablePerClusterCRC            bool
	EnableBlockInitializationOnAlloc bool
}

// Option mutates a Config under construction.
type Option func(*Config)

// WithClusterSize overrides the default 8 KiB cluster size.
func WithClusterSize(size int) Option {
	return func(c *Config) { c.ClusterSize = size }
}

// WithChunkSize overrides the default 256 KiB chunk size.
func WithChunkSize(size int) Option {
	return func(c *Config) { c.ChunkSize = size }
}

// WithBlockSize overrides the default 256 MiB block size.
func WithBlockSize(size int) Option {
	return func(c *Config) { c.BlockSize = size }
}

// WithMaxBlocks overrides the default bound on bulk-area growth.
func WithMaxBlocks(max int) Option {
	return func(c *Config) { c.MaxBlocks = max }
}

// WithDefragmentation toggles intra-block defragmentation on commit.
func WithDefragmentation(enabled bool) Option {
	return func(c *Config) { c.EnableDefragmentation = enabled }
}

// WithPerClusterCRC toggles CRC-16 computation and verification on cluster
// reads and writes.
func WithPerClusterCRC(enabled bool) Option {
	return func(c *Config) { c.EnablePerClusterCRC = enabled }
}

// WithBlockInitializationOnAlloc toggles zero-filling a newly allocated
// bulk block before it is first written.
func WithBlockInitializationOnAlloc(enabled bool) Option {
	return func(c *Config) { c.EnableBlockInitializationOnAlloc = enabled }
}

// NewConfig builds a Config from defaults plus any supplied options.
func NewConfig(opts ...Option) Config {
	c := Config{
		ClusterSize:                       DefaultClusterSize,
		ChunkSize:                         DefaultChunkSize,
		BlockSize:                         DefaultBlockSize,
		MaxBlocks:                         DefaultMaxBlocks,
		FirstFileDataBlockIndex:           DefaultFirstFileDataBlockIndex,
		FDRRecordSize:                     DefaultFDRRecordSize,
		EnableDefragmentation:             true,
		EnablePerClusterCRC:               true,
		EnableBlockInitializationOnAlloc:  false,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// ClustersPerBlock returns C, the number of clusters in one block.
func (c Config) ClustersPerBlock() int {
	return c.BlockSize / c.ClusterSize
}

// ChunksPerBlock returns K, the number of dirty-tracking chunks in one
// cached block image.
func (c Config) ChunksPerBlock() int {
	return c.BlockSize / c.ChunkSize
}

// ClustersPerChunk returns the number of clusters spanned by one chunk.
func (c Config) ClustersPerChunk() int {
	return c.ChunkSize / c.ClusterSize
}

// Validate reports a usage error if the configured geometry is internally
// inconsistent (sizes must divide evenly, bounds must be positive).
func (c Config) Validate() error {
	const op = "config.validate"
	switch {
	case c.ClusterSize <= 0 || c.ChunkSize <= 0 || c.BlockSize <= 0:
		return newErr(op, KindUsage, "cluster, chunk, and block sizes must be positive")
	case c.ChunkSize%c.ClusterSize != 0:
		return newErr(op, KindUsage, "chunk size %d must be a multiple of cluster size %d", c.ChunkSize, c.ClusterSize)
	case c.BlockSize%c.ChunkSize != 0:
		return newErr(op, KindUsage, "block size %d must be a multiple of chunk size %d", c.BlockSize, c.ChunkSize)
	case c.MaxBlocks <= 0:
		return newErr(op, KindUsage, "max blocks must be positive")
	case c.ClustersPerBlock() > int(clusterIndexMask):
		return newErr(op, KindUsage, "clusters per block %d exceeds the 22-bit cluster index space", c.ClustersPerBlock())
	}
	return nil
}

// VolumeDescriptor is the immutable, persistent header written once at
// createVolume and read back on every openVolume.
type VolumeDescriptor struct {
	VerificationCode        uint32
	UUID                    uuid.UUID
	ClusterSize             uint32
	BlockSize               uint32
	ClustersPerBlock        uint32
	MaxBlocks               uint32
	FirstFileDataBlockIndex uint32
	FDRRecordSize           uint32
}

// NewVolumeDescriptor derives a VolumeDescriptor from a validated Config,
// stamping a fresh volume UUID.
func NewVolumeDescriptor(cfg Config) VolumeDescriptor {
	return VolumeDescriptor{
		VerificationCode:        VerificationCode,
		UUID:                    uuid.New(),
		ClusterSize:             uint32(cfg.ClusterSize),
		BlockSize:               uint32(cfg.BlockSize),
		ClustersPerBlock:        uint32(cfg.ClustersPerBlock()),
		MaxBlocks:               uint32(cfg.MaxBlocks),
		FirstFileDataBlockIndex: uint32(cfg.FirstFileDataBlockIndex),
		FDRRecordSize:           uint32(cfg.FDRRecordSize),
	}
}

// Valid reports whether d carries the expected verification code.
func (d VolumeDescriptor) Valid() bool {
	return d.VerificationCode == VerificationCode
}
