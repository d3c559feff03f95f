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

package local

import (
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/golang/glog"
)

// chunkStoreFileName is the name of the single flat file, inside the
// repository root directory but hidden from the mounted namespace, that
// holds every chunk.
const chunkStoreFileName = "chunk_store"

// growthFactor is how much the mapped region is multiplied by when a
// chunk write needs space beyond the current mapping, mirroring
// the doubling strategy used for growable mmap-backed buffers.
const growthFactor = 2

// minMappedChunks is the smallest region, in chunks, a freshly created
// chunk store maps. Keeps early allocations from re-mapping on every call.
const minMappedChunks = 256

// chunkStore is a flat, memory-mapped file treated as an array of
// blockSize-byte cells, addressed by an integer chunk index. A chunk's
// content is immutable once written; only freshly allocated indices are
// ever written, so concurrent readers never race a concurrent writer for
// the same index.
type chunkStore struct {
	blockSize int

	mtx       sync.RWMutex // guards mf, mapped and nextIndex; held briefly for I/O, exclusively for growth.
	f         *os.File
	mf        mmap.MMap
	mapped    int64 // bytes currently mapped.
	nextIndex uint32
}

// openChunkStore opens (creating if necessary) the chunk store file rooted
// at dir, mapping at least enough of it to hold nextIndex chunks.
func openChunkStore(dir string, blockSize int, nextIndex uint32) (*chunkStore, error) {
	path := fmt.Sprintf("%s/%s", dir, chunkStoreFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening chunk store %s: %w", path, ErrIO)
	}

	cs := &chunkStore{
		blockSize: blockSize,
		f:         f,
		nextIndex: nextIndex,
	}

	want := int64(nextIndex) * int64(blockSize)
	minBytes := int64(minMappedChunks) * int64(blockSize)
	if want < minBytes {
		want = minBytes
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat chunk store %s: %w: %v", path, ErrIO, err)
	}
	if have := fi.Size() - fi.Size()%int64(blockSize); have > want {
		want = have
	}
	if err := cs.growLocked(want); err != nil {
		f.Close()
		return nil, err
	}
	return cs, nil
}

// ReadChunk reads exactly blockSize bytes starting at idx*blockSize.
func (cs *chunkStore) ReadChunk(idx uint32) ([]byte, error) {
	cs.mtx.RLock()
	defer cs.mtx.RUnlock()

	off := int64(idx) * int64(cs.blockSize)
	if off < 0 || off+int64(cs.blockSize) > cs.mapped {
		return nil, fmt.Errorf("chunk index %d out of range: %w", idx, ErrCorruptedStore)
	}
	out := make([]byte, cs.blockSize)
	copy(out, cs.mf[off:off+int64(cs.blockSize)])
	return out, nil
}

// WriteChunk writes exactly blockSize bytes at idx*blockSize, growing the
// mapped region first if idx lands past it. The caller (the dedup engine)
// only ever calls this with a freshly allocated idx, so concurrent callers
// never target the same cell.
func (cs *chunkStore) WriteChunk(idx uint32, block []byte) error {
	if len(block) != cs.blockSize {
		return fmt.Errorf("write chunk %d: got %d bytes, want %d: %w", idx, len(block), cs.blockSize, ErrInvalidArgument)
	}

	need := (int64(idx) + 1) * int64(cs.blockSize)

	cs.mtx.RLock()
	haveRoom := need <= cs.mapped
	if haveRoom {
		off := int64(idx) * int64(cs.blockSize)
		copy(cs.mf[off:off+int64(cs.blockSize)], block)
	}
	cs.mtx.RUnlock()
	if haveRoom {
		return nil
	}

	cs.mtx.Lock()
	if need > cs.mapped {
		newSize := cs.mapped
		if newSize == 0 {
			newSize = int64(minMappedChunks) * int64(cs.blockSize)
		}
		for newSize < need {
			newSize *= growthFactor
		}
		if err := cs.growLocked(newSize); err != nil {
			cs.mtx.Unlock()
			return err
		}
	}
	off := int64(idx) * int64(cs.blockSize)
	copy(cs.mf[off:off+int64(cs.blockSize)], block)
	cs.mtx.Unlock()
	return nil
}

// Allocate returns a fresh, monotonically increasing chunk index never
// previously allocated in this mount session. There is no free list in v1;
// freed (refcount zero) indices are never reused.
func (cs *chunkStore) Allocate() uint32 {
	cs.mtx.Lock()
	idx := cs.nextIndex
	cs.nextIndex++
	cs.mtx.Unlock()
	return idx
}

// NextIndex reports the next index Allocate will hand out; used by the
// manifest to persist allocator state across mounts.
func (cs *chunkStore) NextIndex() uint32 {
	cs.mtx.RLock()
	defer cs.mtx.RUnlock()
	return cs.nextIndex
}

// bumpNextIndexTo raises the allocator's next index to at least min. Used
// during the mount-time rebuild scan: if a crash happened between a chunk
// write and the next manifest checkpoint, the scanned metafiles may
// reference chunk indices beyond what the manifest last recorded, and the
// allocator must never hand one of those back out.
func (cs *chunkStore) bumpNextIndexTo(min uint32) {
	cs.mtx.Lock()
	if min > cs.nextIndex {
		cs.nextIndex = min
	}
	cs.mtx.Unlock()
}

// growLocked extends the backing file and remaps it to at least newSize
// bytes. Callers must hold cs.mtx for writing.
func (cs *chunkStore) growLocked(newSize int64) error {
	if newSize%int64(cs.blockSize) != 0 {
		return fmt.Errorf("chunk store size %d not a multiple of block size %d: %w", newSize, cs.blockSize, ErrInvalidArgument)
	}
	if cs.mf != nil {
		if err := cs.mf.Unmap(); err != nil {
			return fmt.Errorf("unmapping chunk store for growth: %w: %v", ErrIO, err)
		}
		cs.mf = nil
	}
	if err := cs.f.Truncate(newSize); err != nil {
		return fmt.Errorf("extending chunk store to %d bytes: %w: %v", newSize, ErrIO, err)
	}
	mf, err := mmap.MapRegion(cs.f, int(newSize), mmap.RDWR, 0, 0)
	if err != nil {
		return fmt.Errorf("mapping chunk store: %w: %v", ErrIO, err)
	}
	glog.V(1).Infof("chunk store grown to %d bytes (%d chunks)", newSize, newSize/int64(cs.blockSize))
	cs.mf = mf
	cs.mapped = newSize
	return nil
}

// Sync flushes the mapped region and the underlying file to stable storage.
func (cs *chunkStore) Sync() error {
	cs.mtx.RLock()
	defer cs.mtx.RUnlock()
	if cs.mf != nil {
		if err := cs.mf.Flush(); err != nil {
			return fmt.Errorf("flushing chunk store: %w: %v", ErrIO, err)
		}
	}
	return cs.f.Sync()
}

// Close unmaps and closes the backing file.
func (cs *chunkStore) Close() error {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	var err error
	if cs.mf != nil {
		err = cs.mf.Unmap()
		cs.mf = nil
	}
	if cerr := cs.f.Close(); err == nil {
		err = cerr
	}
	return err
}
