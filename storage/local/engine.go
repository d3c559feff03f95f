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
	"time"

	"github.com/golang/glog"
)

var _ Storage = (*Engine)(nil)

// Handle is an open reference to one user file's metafile, returned by
// Engine.Open. Not safe for concurrent use by multiple goroutines calling
// the same method with overlapping byte ranges without relying on the
// Engine's internal per-block locking — callers may share a Handle freely;
// the Engine serializes at the logical-block level, not the Handle level.
type Handle struct {
	metaPath string
	f        *os.File
}

// Engine is the block-deduplicating storage core: a chunk store, a
// fingerprint index, and the per-block locker that serializes the
// read-modify-write sequence, wired together the way a series storage
// ties its persistence, indexing, and in-memory state together.
type Engine struct {
	cfg  Config
	root string

	store   *chunkStore
	index   *fingerprintIndex
	locker  *blockLocker
	metrics *metrics

	dirtyAtStart bool

	checkpointStop chan struct{}
	checkpointDone chan struct{}
}

// NewEngine opens (creating if necessary) the repository rooted at root.
// It does not perform recovery or start the checkpoint loop — call Start
// for that, once NewEngine has returned successfully.
func NewEngine(root string, cfg Config) (*Engine, error) {
	if cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive: %w", ErrInvalidArgument)
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("creating repository root %s: %w: %v", root, ErrIO, err)
	}

	m, ok, err := loadManifest(root)
	if err != nil {
		return nil, err
	}
	dirty := false
	if !ok {
		m = manifest{blockSize: uint32(cfg.BlockSize), nextChunkIndex: 0, clean: true}
	} else {
		if int(m.blockSize) != cfg.BlockSize {
			return nil, fmt.Errorf("repository block size %d does not match configured %d: %w", m.blockSize, cfg.BlockSize, ErrInvalidArgument)
		}
		dirty = !m.clean
	}

	store, err := openChunkStore(root, cfg.BlockSize, m.nextChunkIndex)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:          cfg,
		root:         root,
		store:        store,
		index:        newFingerprintIndex(store, cfg.NumBuckets, cfg.BucketCapacity),
		locker:       newBlockLocker(64),
		dirtyAtStart: dirty,
	}
	e.metrics = newMetrics(e)
	return e, nil
}

// Start performs the mount-time rebuild scan if the prior shutdown was
// unclean, then marks the manifest dirty for the duration of this session
// and launches the periodic checkpoint loop.
func (e *Engine) Start() error {
	if e.dirtyAtStart {
		glog.Warningf("repository %s was not cleanly unmounted, rebuilding fingerprint index", e.root)
		if err := e.index.rebuildFromMetafiles(e.root); err != nil {
			return fmt.Errorf("rebuild scan: %w", err)
		}
	}
	if err := e.checkpoint(false); err != nil {
		return err
	}
	e.checkpointStop = make(chan struct{})
	e.checkpointDone = make(chan struct{})
	interval := e.cfg.CheckpointInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go e.checkpointLoop(interval)
	return nil
}

func (e *Engine) checkpointLoop(interval time.Duration) {
	defer close(e.checkpointDone)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := e.checkpoint(false); err != nil {
				glog.Errorf("periodic manifest checkpoint failed: %v", err)
			}
		case <-e.checkpointStop:
			return
		}
	}
}

func (e *Engine) checkpoint(clean bool) error {
	return saveManifest(e.root, manifest{
		blockSize:      uint32(e.cfg.BlockSize),
		nextChunkIndex: e.store.NextIndex(),
		clean:          clean,
	})
}

// Stop halts the checkpoint loop, flushes the chunk store, and writes a
// final clean manifest so the next Start skips the rebuild scan.
func (e *Engine) Stop() error {
	if e.checkpointStop != nil {
		close(e.checkpointStop)
		<-e.checkpointDone
	}
	if err := e.store.Sync(); err != nil {
		return err
	}
	if err := e.checkpoint(true); err != nil {
		return err
	}
	return e.store.Close()
}

// Open opens (or creates) the metafile at metaPath.
func (e *Engine) Open(metaPath string, create bool) (*Handle, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(metaPath, flags, 0600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("open %s: %w", metaPath, ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w: %v", metaPath, ErrIO, err)
	}
	return &Handle{metaPath: metaPath, f: f}, nil
}

// Close releases a Handle's file descriptor.
func (e *Engine) Close(h *Handle) error {
	return h.f.Close()
}

// Size reports h's logical length.
func (e *Engine) Size(h *Handle) (FileInfo, error) {
	return e.sizeLocked(h)
}

func (e *Engine) sizeLocked(h *Handle) (FileInfo, error) {
	B := e.cfg.BlockSize
	n, err := metaRecordCount(h.f)
	if err != nil {
		return FileInfo{}, err
	}
	if n == 0 {
		return FileInfo{Size: 0, BlkSize: B, Blocks: 0}, nil
	}
	last, ok, err := metaRead(h.f, n-1)
	if err != nil {
		return FileInfo{}, err
	}
	if !ok {
		return FileInfo{}, fmt.Errorf("metafile %s: record count %d but last record missing: %w", h.metaPath, n, ErrCorruptedStore)
	}
	size := int64(n-1)*int64(B) + int64(last.size)
	blocks := int64(n) * int64(B/512)
	return FileInfo{Size: size, BlkSize: B, Blocks: blocks}, nil
}

// Read returns exactly size bytes starting at offset, short only at EOF.
func (e *Engine) Read(h *Handle, offset int64, size int) ([]byte, error) {
	if offset < 0 || size < 0 {
		return nil, fmt.Errorf("read %s at %d, %d bytes: %w", h.metaPath, offset, size, ErrInvalidArgument)
	}
	if size == 0 {
		return []byte{}, nil
	}

	info, err := e.sizeLocked(h)
	if err != nil {
		return nil, err
	}
	available := info.Size - offset
	if available <= 0 {
		return []byte{}, nil
	}
	if int64(size) > available {
		size = int(available)
	}

	B := e.cfg.BlockSize
	first := uint32(offset / int64(B))
	last := uint32((offset + int64(size) - 1) / int64(B))
	startInWindow := int(offset % int64(B))

	window := make([]byte, (int(last-first)+1)*B)
	for k := first; k <= last; k++ {
		slot := window[int(k-first)*B : int(k-first+1)*B]
		entry, ok, err := metaRead(h.f, k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // zero-filled hole, already zero.
		}
		chunk, err := e.store.ReadChunk(entry.chunkIndex)
		if err != nil {
			return nil, err
		}
		if e.cfg.VerifyOnRead && digest(chunk) != entry.fingerprint {
			return nil, fmt.Errorf("block %d of %s: chunk %d fingerprint mismatch: %w", k, h.metaPath, entry.chunkIndex, ErrCorruptedStore)
		}
		copy(slot, chunk)
		if entry.size < uint32(B) {
			for i := int(entry.size); i < B; i++ {
				slot[i] = 0
			}
		}
	}

	result := window[startInWindow : startInWindow+size]
	e.metrics.bytesRead.Add(float64(len(result)))
	return result, nil
}

// Write runs the read-modify-write protocol across every block the
// write touches, serialized per block by e.locker.
func (e *Engine) Write(h *Handle, offset int64, buf []byte) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("write %s at %d: %w", h.metaPath, offset, ErrInvalidArgument)
	}
	if len(buf) == 0 {
		return 0, nil
	}

	B := e.cfg.BlockSize
	nEntriesBefore, err := metaRecordCount(h.f)
	if err != nil {
		return 0, err
	}
	first := uint32(offset / int64(B))
	last := uint32((offset + int64(len(buf)) - 1) / int64(B))

	written := 0
	// Gap-fill: a write starting beyond the current end of file must not
	// leave metafile holes, so the blocks between the old end and first
	// get full zero entries before the real write runs.
	for k := nEntriesBefore; k < first; k++ {
		if err := e.rmwBlock(h, k, nEntriesBefore, last, 0, nil); err != nil {
			return written, err
		}
	}
	for k := first; k <= last; k++ {
		blockStart := int64(k) * int64(B)
		byteOffsetInBlock := 0
		if offset > blockStart {
			byteOffsetInBlock = int(offset - blockStart)
		}
		srcOffset := int(blockStart+int64(byteOffsetInBlock)) - int(offset)
		bytesInBlock := B - byteOffsetInBlock
		if remaining := len(buf) - srcOffset; bytesInBlock > remaining {
			bytesInBlock = remaining
		}
		if err := e.rmwBlock(h, k, nEntriesBefore, last, byteOffsetInBlock, buf[srcOffset:srcOffset+bytesInBlock]); err != nil {
			if written == 0 {
				return 0, err
			}
			// Blocks already committed stay valid: report a short write.
			glog.Errorf("short write to %s after %d bytes: %v", h.metaPath, written, err)
			break
		}
		written += bytesInBlock
	}
	e.metrics.bytesWritten.Add(float64(written))
	return written, nil
}

// rmwBlock runs one block's worth of the read-modify-write sequence under
// its per-block lock: read-if-partial, overlay, hash, lookup-or-insert,
// conditionally write the chunk, update the metafile entry, and decrement
// the old fingerprint's refcount on overwrite. overlay may be nil (a pure
// zero-fill gap block) with byteOffsetInBlock 0.
func (e *Engine) rmwBlock(h *Handle, k uint32, nEntriesBefore, lastWritten uint32, byteOffsetInBlock int, overlay []byte) error {
	B := e.cfg.BlockSize
	key := blockKey{metaPath: h.metaPath, block: k}
	e.locker.Lock(key)
	defer e.locker.Unlock(key)

	start := time.Now()
	defer func() { e.metrics.rmwLatency.Observe(float64(time.Since(start).Microseconds())) }()

	existing, ok, err := metaRead(h.f, k)
	if err != nil {
		return err
	}

	bytesInBlock := len(overlay)
	fullOverwrite := byteOffsetInBlock == 0 && bytesInBlock == B

	var blockBuf []byte
	if fullOverwrite {
		blockBuf = make([]byte, B)
	} else if ok {
		blockBuf, err = e.store.ReadChunk(existing.chunkIndex)
		if err != nil {
			return err
		}
	} else {
		blockBuf = make([]byte, B)
	}
	if bytesInBlock > 0 {
		copy(blockBuf[byteOffsetInBlock:byteOffsetInBlock+bytesInBlock], overlay)
	}

	fp := digest(blockBuf)
	rec, status := e.index.LookupOrInsert(fp)
	switch status {
	case statusAdded:
		if err := e.store.WriteChunk(rec.chunkIndex, blockBuf); err != nil {
			e.index.Remove(fp)
			return err
		}
		e.metrics.chunksWritten.Inc()
	case statusFound:
		e.metrics.chunksDeduped.Inc()
	case statusError:
		e.metrics.indexExhausted.Inc()
		return fmt.Errorf("block %d of %s: %w", k, h.metaPath, ErrIndexExhausted)
	}

	// A found fingerprint equal to the old one was just bumped by
	// LookupOrInsert for a reference that already existed; undo that bump.
	if ok && (existing.fingerprint != fp || status == statusFound) {
		e.index.Decrement(existing.fingerprint)
	}

	// isTerminal: true when, after this write, k is the file's last
	// block — i.e. no pre-existing entry beyond k survives this write.
	isTerminal := k == lastWritten && nEntriesBefore <= lastWritten+1
	sizeAfter := uint32(B)
	if isTerminal {
		newReach := uint32(byteOffsetInBlock + bytesInBlock)
		priorSize := uint32(0)
		if ok && k < nEntriesBefore {
			priorSize = existing.size
		}
		sizeAfter = newReach
		if priorSize > sizeAfter {
			sizeAfter = priorSize
		}
	}

	return metaWrite(h.f, k, metafileEntry{fingerprint: fp, chunkIndex: rec.chunkIndex, size: sizeAfter})
}

// Truncate resizes h to exactly newSize bytes. Only shrinking (or
// no-op) truncation is supported; see DESIGN.md for the reasoning.
func (e *Engine) Truncate(h *Handle, newSize int64) error {
	if newSize < 0 {
		return fmt.Errorf("truncate %s to %d: %w", h.metaPath, newSize, ErrInvalidArgument)
	}
	info, err := e.sizeLocked(h)
	if err != nil {
		return err
	}
	if newSize > info.Size {
		return fmt.Errorf("truncate %s to %d exceeds current size %d: %w", h.metaPath, newSize, info.Size, ErrInvalidArgument)
	}

	B := int64(e.cfg.BlockSize)
	lastK := uint32(newSize / B)
	lastTail := uint32(newSize % B)
	nEntriesBefore, err := metaRecordCount(h.f)
	if err != nil {
		return err
	}

	if lastTail == 0 {
		for k := lastK; k < nEntriesBefore; k++ {
			entry, ok, err := metaRead(h.f, k)
			if err != nil {
				return err
			}
			if ok {
				e.index.Decrement(entry.fingerprint)
			}
		}
		return metaDelTail(h.f, lastK)
	}

	key := blockKey{metaPath: h.metaPath, block: lastK}
	e.locker.Lock(key)
	err = func() error {
		existing, ok, err := metaRead(h.f, lastK)
		if err != nil {
			return err
		}
		var blockBuf []byte
		if ok {
			blockBuf, err = e.store.ReadChunk(existing.chunkIndex)
			if err != nil {
				return err
			}
		} else {
			blockBuf = make([]byte, e.cfg.BlockSize)
		}
		for i := int(lastTail); i < e.cfg.BlockSize; i++ {
			blockBuf[i] = 0
		}

		fp := digest(blockBuf)
		rec, status := e.index.LookupOrInsert(fp)
		switch status {
		case statusAdded:
			if err := e.store.WriteChunk(rec.chunkIndex, blockBuf); err != nil {
				e.index.Remove(fp)
				return err
			}
			e.metrics.chunksWritten.Inc()
		case statusFound:
			e.metrics.chunksDeduped.Inc()
		case statusError:
			e.metrics.indexExhausted.Inc()
			return fmt.Errorf("truncate %s at block %d: %w", h.metaPath, lastK, ErrIndexExhausted)
		}
		if ok && (existing.fingerprint != fp || status == statusFound) {
			e.index.Decrement(existing.fingerprint)
		}
		return metaWrite(h.f, lastK, metafileEntry{fingerprint: fp, chunkIndex: rec.chunkIndex, size: lastTail})
	}()
	e.locker.Unlock(key)
	if err != nil {
		return err
	}

	for k := lastK + 1; k < nEntriesBefore; k++ {
		entry, ok, err := metaRead(h.f, k)
		if err != nil {
			return err
		}
		if ok {
			e.index.Decrement(entry.fingerprint)
		}
	}
	return metaDelTail(h.f, lastK+1)
}

// Unlink drops every metafile entry's chunk refcount and removes the
// metafile. h must not be used afterward.
func (e *Engine) Unlink(h *Handle) error {
	n, err := metaRecordCount(h.f)
	if err != nil {
		return err
	}
	for k := uint32(0); k < n; k++ {
		entry, ok, err := metaRead(h.f, k)
		if err != nil {
			return err
		}
		if ok {
			e.index.Decrement(entry.fingerprint)
		}
	}
	if err := h.f.Close(); err != nil {
		return err
	}
	if err := os.Remove(h.metaPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing metafile %s: %w: %v", h.metaPath, ErrIO, err)
	}
	return nil
}
