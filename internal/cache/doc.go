// Package cache stores one synthesized audio chunk per segment index on disk.
// Chunks are the unit of resumability: a chunk that exists is reused unless
// the caller decides otherwise. Chunks may be zstd compressed.
package cache
