package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dgnsrekt/yomi/internal/fsutil"
	"github.com/klauspost/compress/zstd"
)

var chunkFileRegex = regexp.MustCompile(`^chunk_(\d{5,})\.wav(\.zst)?$`)

// ChunkStore keeps one WAV chunk per segment index under a directory.
type ChunkStore struct {
	dir string

	// Compression
	compressionLevel int
	encoder          *zstd.Encoder
	decoder          *zstd.Decoder

	// Synchronization
	mu sync.Mutex

	// Metrics
	stats Stats
}

// NewChunkStore opens (creating if needed) a chunk directory. A compression
// level above zero writes zstd-compressed chunks. Compressed chunks are
// always readable regardless of the level.
func NewChunkStore(dir string, compressionLevel int) (*ChunkStore, error) {
	// Create chunk directory if it doesn't exist
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create chunk directory: %w", err)
	}

	s := &ChunkStore{
		dir:              dir,
		compressionLevel: compressionLevel,
	}

	var err error
	if compressionLevel > 0 {
		s.encoder, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	}
	s.decoder, err = zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return s, nil
}

// Dir returns the chunk directory.
func (s *ChunkStore) Dir() string {
	return s.dir
}

// Path returns the path of the existing chunk for index, or the path a new
// chunk would be written to.
func (s *ChunkStore) Path(index int) string {
	if p, ok := s.existing(index); ok {
		return p
	}
	return s.preferredPath(index)
}

func (s *ChunkStore) preferredPath(index int) string {
	p := filepath.Join(s.dir, ChunkName(index))
	if s.encoder != nil {
		p += zstdExt
	}
	return p
}

// existing finds a chunk in either variant, preferring the current one.
func (s *ChunkStore) existing(index int) (string, bool) {
	plain := filepath.Join(s.dir, ChunkName(index))
	candidates := []string{plain, plain + zstdExt}
	if s.encoder != nil {
		candidates[0], candidates[1] = candidates[1], candidates[0]
	}
	for _, p := range candidates {
		if fsutil.Exists(p) {
			return p, true
		}
	}
	return "", false
}

// Exists reports whether a chunk is on disk for index.
func (s *ChunkStore) Exists(index int) bool {
	_, ok := s.existing(index)
	return ok
}

// Get returns the WAV bytes of a chunk.
func (s *ChunkStore) Get(index int) ([]byte, error) {
	path, ok := s.existing(index)
	if !ok {
		s.record(func(st *Stats) { st.Misses++ })
		return nil, fmt.Errorf("%w: index %d", ErrChunkMissing, index)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Decompress if needed
	if filepath.Ext(path) == zstdExt {
		decompressed, err := s.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrChunkCorrupted, filepath.Base(path), err)
		}
		data = decompressed
	}

	s.record(func(st *Stats) {
		st.Hits++
		st.LastAccess = time.Now()
	})
	return data, nil
}

// Put writes the chunk for index atomically, replacing any previous variant.
func (s *ChunkStore) Put(index int, wav []byte) error {
	if index < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}

	data := wav
	if s.encoder != nil {
		data = s.encoder.EncodeAll(wav, nil)
	}

	path := s.preferredPath(index)
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write chunk %d: %w", index, err)
	}

	// Drop the other variant so a stale chunk can never shadow this one.
	if other, ok := s.otherVariant(path); ok {
		os.Remove(other)
	}

	s.record(func(st *Stats) {
		st.Writes++
		st.BytesWritten += int64(len(data))
		st.BytesRaw += int64(len(wav))
	})
	return nil
}

func (s *ChunkStore) otherVariant(path string) (string, bool) {
	var other string
	if filepath.Ext(path) == zstdExt {
		other = path[:len(path)-len(zstdExt)]
	} else {
		other = path + zstdExt
	}
	return other, fsutil.Exists(other)
}

// Remove deletes the chunk for index in every variant.
func (s *ChunkStore) Remove(index int) error {
	plain := filepath.Join(s.dir, ChunkName(index))
	removed := false
	for _, p := range []string{plain, plain + zstdExt} {
		err := os.Remove(p)
		switch {
		case err == nil:
			removed = true
		case !os.IsNotExist(err):
			return err
		}
	}
	if removed {
		s.record(func(st *Stats) { st.Removed++ })
	}
	return nil
}

// ModTime returns the modification time of the chunk for index.
func (s *ChunkStore) ModTime(index int) (time.Time, error) {
	path, ok := s.existing(index)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: index %d", ErrChunkMissing, index)
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// Indices returns the sorted, de-duplicated indices with a chunk on disk.
func (s *ChunkStore) Indices() ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	seen := make(map[int]bool)
	var out []int
	for _, e := range entries {
		m := chunkFileRegex.FindStringSubmatch(e.Name())
		if m == nil || e.IsDir() {
			continue
		}
		i, err := strconv.Atoi(m[1])
		if err != nil || seen[i] {
			continue
		}
		seen[i] = true
		out = append(out, i)
	}
	sort.Ints(out)
	return out, nil
}

// Prune removes chunks whose index is at or beyond n, left over from a
// longer earlier version of the script.
func (s *ChunkStore) Prune(n int) (int, error) {
	indices, err := s.Indices()
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, i := range indices {
		if i < n {
			continue
		}
		if err := s.Remove(i); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

// Stats returns a snapshot of the counters.
func (s *ChunkStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *ChunkStore) record(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

// Close releases the compression resources.
func (s *ChunkStore) Close() error {
	if s.encoder != nil {
		if err := s.encoder.Close(); err != nil {
			return err
		}
	}
	if s.decoder != nil {
		s.decoder.Close()
	}
	return nil
}
