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
	"os"
	"path/filepath"
	"testing"
)

func openTestMetafile(t *testing.T) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "x.bbmeta")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		t.Fatalf("open metafile: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestMetaReadAbsentPastEOF(t *testing.T) {
	f := openTestMetafile(t)
	_, ok, err := metaRead(f, 0)
	if err != nil {
		t.Fatalf("metaRead on empty file: %v", err)
	}
	if ok {
		t.Errorf("metaRead on empty file reported ok=true")
	}
}

func TestMetaWriteReadRoundTrip(t *testing.T) {
	f := openTestMetafile(t)
	want := metafileEntry{fingerprint: digest([]byte("x")), chunkIndex: 7, size: 4096}
	if err := metaWrite(f, 0, want); err != nil {
		t.Fatalf("metaWrite: %v", err)
	}
	got, ok, err := metaRead(f, 0)
	if err != nil || !ok {
		t.Fatalf("metaRead: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Errorf("metaRead = %+v, want %+v", got, want)
	}
}

func TestMetaRecordCount(t *testing.T) {
	f := openTestMetafile(t)
	for k := uint32(0); k < 3; k++ {
		if err := metaWrite(f, k, metafileEntry{chunkIndex: k, size: 4096}); err != nil {
			t.Fatalf("metaWrite(%d): %v", k, err)
		}
	}
	n, err := metaRecordCount(f)
	if err != nil {
		t.Fatalf("metaRecordCount: %v", err)
	}
	if n != 3 {
		t.Errorf("metaRecordCount = %d, want 3", n)
	}
}

func TestMetaDelTailShrinks(t *testing.T) {
	f := openTestMetafile(t)
	for k := uint32(0); k < 5; k++ {
		if err := metaWrite(f, k, metafileEntry{chunkIndex: k, size: 4096}); err != nil {
			t.Fatalf("metaWrite(%d): %v", k, err)
		}
	}
	if err := metaDelTail(f, 2); err != nil {
		t.Fatalf("metaDelTail: %v", err)
	}
	n, err := metaRecordCount(f)
	if err != nil {
		t.Fatalf("metaRecordCount: %v", err)
	}
	if n != 2 {
		t.Errorf("metaRecordCount after metaDelTail(2) = %d, want 2", n)
	}
	if _, ok, _ := metaRead(f, 2); ok {
		t.Errorf("record 2 still present after metaDelTail(2)")
	}
}

func TestMetaRecordCountRejectsShortFile(t *testing.T) {
	f := openTestMetafile(t)
	if _, err := f.Write(make([]byte, metafileRecordSize+1)); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if _, err := metaRecordCount(f); err == nil {
		t.Errorf("expected error for misaligned metafile length, got nil")
	}
}
