package cache

import (
	"errors"
	"fmt"
	"time"
)

// Common errors for chunk operations
var (
	// ErrChunkMissing is returned when no chunk exists for an index
	ErrChunkMissing = errors.New("chunk missing")

	// ErrChunkCorrupted is returned when a chunk cannot be decompressed
	ErrChunkCorrupted = errors.New("chunk data corrupted")

	// ErrInvalidIndex is returned for negative segment indices
	ErrInvalidIndex = errors.New("invalid chunk index")
)

const (
	chunkPattern = "chunk_%05d.wav"
	zstdExt      = ".zst"
)

// ChunkName returns the uncompressed file name for a segment index.
func ChunkName(index int) string {
	return fmt.Sprintf(chunkPattern, index)
}

// Stats holds chunk store counters for one run
type Stats struct {
	Hits         int64 // chunks read back
	Misses       int64 // reads of absent chunks
	Writes       int64 // chunks written
	BytesWritten int64 // bytes on disk (after compression)
	BytesRaw     int64 // bytes before compression
	Removed      int64 // chunks removed
	LastAccess   time.Time
}

// CompressionRatio returns the on-disk size divided by the raw size.
func (s Stats) CompressionRatio() float64 {
	if s.BytesRaw == 0 {
		return 1
	}
	return float64(s.BytesWritten) / float64(s.BytesRaw)
}
