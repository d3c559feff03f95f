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
	"testing"
)

func TestChunkStoreWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cs, err := openChunkStore(dir, 64, 0)
	if err != nil {
		t.Fatalf("openChunkStore: %v", err)
	}
	defer cs.Close()

	idx := cs.Allocate()
	want := bytes.Repeat([]byte{0x7a}, 64)
	if err := cs.WriteChunk(idx, want); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	got, err := cs.ReadChunk(idx)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("ReadChunk = %x, want %x", got, want)
	}
}

func TestChunkStoreGrowsPastInitialMapping(t *testing.T) {
	dir := t.TempDir()
	cs, err := openChunkStore(dir, 16, 0)
	if err != nil {
		t.Fatalf("openChunkStore: %v", err)
	}
	defer cs.Close()

	var last uint32
	for i := 0; i < minMappedChunks+8; i++ {
		last = cs.Allocate()
	}
	want := bytes.Repeat([]byte{0x11}, 16)
	if err := cs.WriteChunk(last, want); err != nil {
		t.Fatalf("WriteChunk past initial mapping: %v", err)
	}
	got, err := cs.ReadChunk(last)
	if err != nil {
		t.Fatalf("ReadChunk past initial mapping: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("ReadChunk = %x, want %x", got, want)
	}
}

func TestChunkStoreRejectsWrongSizedWrite(t *testing.T) {
	dir := t.TempDir()
	cs, err := openChunkStore(dir, 64, 0)
	if err != nil {
		t.Fatalf("openChunkStore: %v", err)
	}
	defer cs.Close()

	if err := cs.WriteChunk(cs.Allocate(), []byte("too short")); err == nil {
		t.Errorf("expected error writing undersized chunk, got nil")
	}
}

func TestChunkStoreReopenPreservesBytes(t *testing.T) {
	dir := t.TempDir()
	cs, err := openChunkStore(dir, 64, 0)
	if err != nil {
		t.Fatalf("openChunkStore: %v", err)
	}
	idx := cs.Allocate()
	want := bytes.Repeat([]byte{0x42}, 64)
	if err := cs.WriteChunk(idx, want); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := cs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	cs2, err := openChunkStore(dir, 64, cs.NextIndex())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer cs2.Close()
	got, err := cs2.ReadChunk(idx)
	if err != nil {
		t.Fatalf("ReadChunk after reopen: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("ReadChunk after reopen = %x, want %x", got, want)
	}
}
