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
	"bytes"
	"path/filepath"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, blockSize int) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BlockSize = blockSize
	cfg.NumBuckets = 4
	cfg.BucketCapacity = 256
	cfg.CheckpointInterval = time.Hour

	e, err := NewEngine(t.TempDir(), cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if err := e.Stop(); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	return e
}

func openTestFile(t *testing.T, e *Engine, name string) *Handle {
	t.Helper()
	h, err := e.Open(filepath.Join(t.TempDir(), name+".bbmeta"), true)
	if err != nil {
		t.Fatalf("Open(%s): %v", name, err)
	}
	return h
}

func TestWriteReadRoundTrip(t *testing.T) {
	e := newTestEngine(t, 64)
	h := openTestFile(t, e, "a")

	want := bytes.Repeat([]byte{0x41}, 64)
	n, err := e.Write(h, 0, want)
	if err != nil || n != len(want) {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}
	got, err := e.Read(h, 0, 64)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Read = %x, want %x", got, want)
	}
}

func TestZeroBlockFileDedup(t *testing.T) {
	e := newTestEngine(t, 64)
	ha := openTestFile(t, e, "a")
	hb := openTestFile(t, e, "b")

	zero := make([]byte, 64)
	if _, err := e.Write(ha, 0, zero); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if _, err := e.Write(hb, 0, zero); err != nil {
		t.Fatalf("write b: %v", err)
	}

	ea, _, err := metaRead(ha.f, 0)
	if err != nil {
		t.Fatalf("metaRead a: %v", err)
	}
	eb, _, err := metaRead(hb.f, 0)
	if err != nil {
		t.Fatalf("metaRead b: %v", err)
	}
	if ea.chunkIndex != eb.chunkIndex {
		t.Errorf("zero blocks across files got distinct chunks: %d != %d", ea.chunkIndex, eb.chunkIndex)
	}
	if got := e.index.refCountOf(ea.fingerprint); got != 2 {
		t.Errorf("refCountOf shared zero block = %d, want 2", got)
	}
}

func TestCrossFileDedup(t *testing.T) {
	e := newTestEngine(t, 64)
	ha := openTestFile(t, e, "a")
	hb := openTestFile(t, e, "b")

	content := bytes.Repeat([]byte{0x5a}, 64)
	e.Write(ha, 0, content)
	e.Write(hb, 0, content)

	ea, _, _ := metaRead(ha.f, 0)
	eb, _, _ := metaRead(hb.f, 0)
	if ea.chunkIndex != eb.chunkIndex {
		t.Errorf("identical blocks across files got distinct chunks: %d != %d", ea.chunkIndex, eb.chunkIndex)
	}
}

func TestPartialBlockRMW(t *testing.T) {
	e := newTestEngine(t, 64)
	h := openTestFile(t, e, "a")

	original := bytes.Repeat([]byte{0x41}, 64)
	if _, err := e.Write(h, 0, original); err != nil {
		t.Fatalf("initial write: %v", err)
	}
	before, _, _ := metaRead(h.f, 0)
	oldRefCount := e.index.refCountOf(before.fingerprint)

	patch := bytes.Repeat([]byte{0x42}, 5)
	if _, err := e.Write(h, 10, patch); err != nil {
		t.Fatalf("patch write: %v", err)
	}

	want := append([]byte{}, original...)
	copy(want[10:15], patch)

	got, err := e.Read(h, 0, 64)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Read after partial write = %x, want %x", got, want)
	}

	after, _, _ := metaRead(h.f, 0)
	if after.chunkIndex == before.chunkIndex {
		t.Errorf("partial write did not allocate a new chunk")
	}
	if got := e.index.refCountOf(before.fingerprint); got != oldRefCount-1 {
		t.Errorf("old fingerprint refcount = %d, want %d", got, oldRefCount-1)
	}
}

func TestIdempotentOverwrite(t *testing.T) {
	e := newTestEngine(t, 64)
	h := openTestFile(t, e, "a")

	buf := bytes.Repeat([]byte{0x7e}, 64)
	e.Write(h, 0, buf)
	first, _, _ := metaRead(h.f, 0)
	e.Write(h, 0, buf)
	second, _, _ := metaRead(h.f, 0)

	if first != second {
		t.Errorf("rewriting identical bytes changed metafile entry: %+v != %+v", first, second)
	}
}

func TestReadPastEOF(t *testing.T) {
	e := newTestEngine(t, 64)
	h := openTestFile(t, e, "a")

	if _, err := e.Write(h, 0, bytes.Repeat([]byte{1}, 100)); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := e.Read(h, 0, 8192)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 100 {
		t.Errorf("Read across EOF returned %d bytes, want 100", len(got))
	}

	got, err = e.Read(h, 150, 10)
	if err != nil {
		t.Fatalf("Read past EOF: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Read entirely past EOF returned %d bytes, want 0", len(got))
	}
}

func TestWriteExtendsFileWithGapFill(t *testing.T) {
	e := newTestEngine(t, 64)
	h := openTestFile(t, e, "a")

	// A write starting three blocks in must not leave metafile holes.
	if _, err := e.Write(h, 3*64, bytes.Repeat([]byte{9}, 64)); err != nil {
		t.Fatalf("write: %v", err)
	}
	n, err := metaRecordCount(h.f)
	if err != nil {
		t.Fatalf("metaRecordCount: %v", err)
	}
	if n != 4 {
		t.Fatalf("metaRecordCount = %d, want 4", n)
	}
	for k := uint32(0); k < 3; k++ {
		entry, ok, err := metaRead(h.f, k)
		if err != nil || !ok {
			t.Fatalf("metaRead(%d): ok=%v err=%v", k, ok, err)
		}
		if entry.size != 64 {
			t.Errorf("gap-filled block %d size = %d, want 64", k, entry.size)
		}
	}
	got, err := e.Read(h, 0, 3*64)
	if err != nil {
		t.Fatalf("Read gap region: %v", err)
	}
	if !bytes.Equal(got, make([]byte, 3*64)) {
		t.Errorf("gap region not zero-filled")
	}
}

func TestTruncateShortensWithinBlock(t *testing.T) {
	e := newTestEngine(t, 64)
	h := openTestFile(t, e, "a")

	e.Write(h, 0, bytes.Repeat([]byte{3}, 64))
	if err := e.Truncate(h, 10); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	info, err := e.Size(h)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if info.Size != 10 {
		t.Errorf("Size after Truncate(10) = %d, want 10", info.Size)
	}
	got, err := e.Read(h, 0, 64)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	// Read stops at the new logical end, so only the 10 surviving bytes come back.
	want := bytes.Repeat([]byte{3}, 10)
	if !bytes.Equal(got, want) {
		t.Errorf("Read after truncate = %x, want %x", got, want)
	}
}

func TestTruncateOnBlockBoundaryDropsTail(t *testing.T) {
	e := newTestEngine(t, 64)
	h := openTestFile(t, e, "a")

	e.Write(h, 0, bytes.Repeat([]byte{1}, 128))
	tail, _, _ := metaRead(h.f, 1)

	if err := e.Truncate(h, 64); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	n, err := metaRecordCount(h.f)
	if err != nil {
		t.Fatalf("metaRecordCount: %v", err)
	}
	if n != 1 {
		t.Errorf("metaRecordCount after Truncate(64) = %d, want 1", n)
	}
	// Both blocks hold identical bytes, so block 0 still references the
	// dropped block's fingerprint: the refcount falls from 2 to 1.
	if got := e.index.refCountOf(tail.fingerprint); got != 1 {
		t.Errorf("dropped block's fingerprint refcount = %d, want 1", got)
	}
}

func TestTruncateRejectsGrowth(t *testing.T) {
	e := newTestEngine(t, 64)
	h := openTestFile(t, e, "a")
	e.Write(h, 0, bytes.Repeat([]byte{1}, 64))

	if err := e.Truncate(h, 128); err == nil {
		t.Errorf("expected error truncating past current size, got nil")
	}
}

func TestUnlinkDropsRefCountsAndRemovesMetafile(t *testing.T) {
	e := newTestEngine(t, 64)
	h := openTestFile(t, e, "a")
	e.Write(h, 0, bytes.Repeat([]byte{1}, 64))
	entry, _, _ := metaRead(h.f, 0)
	path := h.metaPath

	if err := e.Unlink(h); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if got := e.index.refCountOf(entry.fingerprint); got != 0 {
		t.Errorf("refCountOf after Unlink = %d, want 0", got)
	}
	if _, err := e.Open(path, false); err == nil {
		t.Errorf("metafile still openable after Unlink")
	}
}

func TestVerifyOnReadCatchesCorruption(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlockSize = 64
	cfg.NumBuckets = 4
	cfg.BucketCapacity = 256
	cfg.VerifyOnRead = true
	cfg.CheckpointInterval = time.Hour

	e, err := NewEngine(t.TempDir(), cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { e.Stop() })

	h := openTestFile(t, e, "a")
	e.Write(h, 0, bytes.Repeat([]byte{1}, 64))
	entry, _, _ := metaRead(h.f, 0)

	corrupt := bytes.Repeat([]byte{0xff}, 64)
	if err := e.store.WriteChunk(entry.chunkIndex, corrupt); err != nil {
		t.Fatalf("corrupting chunk: %v", err)
	}

	if _, err := e.Read(h, 0, 64); err == nil {
		t.Errorf("expected ErrCorruptedStore with VerifyOnRead, got nil")
	}
}
