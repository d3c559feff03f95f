// Copyright 2014 Prometheus Team
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package local implements the block-deduplicating storage core: a
// memory-mapped chunk store, a sharded in-memory fingerprint index, a
// packed per-file metafile format, and the Engine that ties them together
// under a block-addressable read/write/truncate/size API. Everything
// outside this package (path resolution, permissions, directory
// operations) belongs to a filesystem adapter and is out of scope here.
package local

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Storage is the engine's public contract, consumed by a filesystem
// adapter. All methods are goroutine-safe; concurrent calls against
// disjoint files never block each other, and concurrent calls against the
// same file serialize only for overlapping logical blocks.
type Storage interface {
	prometheus.Collector

	// Open opens (or creates, if create is true and no metafile exists
	// yet) the metafile at metaPath and returns a Handle for use with the
	// other methods.
	Open(metaPath string, create bool) (*Handle, error)

	// Close releases a Handle's underlying file descriptor. It does not
	// affect the durability of already-written data: every Write is
	// already persisted through the metafile and chunk store.
	Close(h *Handle) error

	// Read returns exactly size bytes starting at offset, zero-padding any
	// portion past a block's live byte count and truncating only at the
	// file's logical end (a short read is possible only at EOF).
	Read(h *Handle, offset int64, size int) ([]byte, error)

	// Write performs the read-modify-write protocol and returns the number
	// of bytes actually committed; a partial result without an error is
	// possible if a block fails (for example, an index bucket is exhausted)
	// after earlier blocks were committed.
	Write(h *Handle, offset int64, buf []byte) (int, error)

	// Truncate shrinks the file to exactly newSize bytes, rewriting the
	// new last block's tail with zeros and dropping metafile entries and
	// their chunk refcounts beyond it. A newSize larger than the current
	// size is rejected with ErrInvalidArgument; the file is not extended.
	Truncate(h *Handle, newSize int64) error

	// Size reports the handle's logical length, block size, and block
	// count ("blksize"/"blocks" in stat terms).
	Size(h *Handle) (FileInfo, error)

	// Unlink drops every metafile entry's chunk refcount and removes the
	// metafile itself. The handle must not be used afterward.
	Unlink(h *Handle) error

	// Start launches the engine's background checkpoint loop. It returns
	// once recovery (rebuild scan, if the prior shutdown was unclean) has
	// completed.
	Start() error

	// Stop flushes a final checkpoint, marks the manifest clean, and
	// releases the chunk store. Safe to call once, after which the Engine
	// must not be used.
	Stop() error
}

// FileInfo reports the logical size facts of an open file.
type FileInfo struct {
	Size    int64
	BlkSize int
	Blocks  int64 // in 512-byte units, matching POSIX stat's st_blocks.
}

// Config carries the mount-time tuning parameters: block size, index
// shard count and capacity, and the optional defensive fingerprint
// verification on read.
type Config struct {
	// BlockSize is B. Fixed for the lifetime of a repository.
	BlockSize int
	// NumBuckets is N_B, the fingerprint index's shard count.
	NumBuckets int
	// BucketCapacity is S_B, the soft per-bucket entry cap.
	BucketCapacity int
	// VerifyOnRead re-hashes every chunk loaded by Read and compares it
	// against the metafile's recorded fingerprint, returning
	// ErrCorruptedStore on mismatch. Off by default because it adds a
	// SHA-1 over every chunk Read loads; without it Read does no hashing.
	VerifyOnRead bool
	// CheckpointInterval is how often the manifest is checkpointed while
	// mounted, independent of the clean-unmount checkpoint.
	CheckpointInterval time.Duration
}

// DefaultConfig returns the standard parameters (B=4096, N_B=1024,
// S_B=65536).
func DefaultConfig() Config {
	return Config{
		BlockSize:          4096,
		NumBuckets:         defaultNumBuckets,
		BucketCapacity:     defaultBucketCapacity,
		VerifyOnRead:       false,
		CheckpointInterval: 30 * time.Second,
	}
}
