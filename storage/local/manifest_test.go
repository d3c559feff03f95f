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

import "testing"

func TestManifestMarshalRoundTrip(t *testing.T) {
	want := manifest{blockSize: 4096, nextChunkIndex: 12345, clean: true}
	got, err := unmarshalManifest(want.marshal())
	if err != nil {
		t.Fatalf("unmarshalManifest: %v", err)
	}
	if got != want {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestManifestRejectsBadMagic(t *testing.T) {
	buf := manifest{blockSize: 4096}.marshal()
	buf[0] = 'X'
	if _, err := unmarshalManifest(buf); err == nil {
		t.Errorf("expected error for corrupted magic, got nil")
	}
}

func TestLoadManifestMissingIsNotAnError(t *testing.T) {
	_, ok, err := loadManifest(t.TempDir())
	if err != nil {
		t.Fatalf("loadManifest on fresh dir: %v", err)
	}
	if ok {
		t.Errorf("loadManifest reported ok=true on fresh dir")
	}
}

func TestSaveLoadManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := manifest{blockSize: 4096, nextChunkIndex: 9, clean: false}
	if err := saveManifest(dir, want); err != nil {
		t.Fatalf("saveManifest: %v", err)
	}
	got, ok, err := loadManifest(dir)
	if err != nil || !ok {
		t.Fatalf("loadManifest: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Errorf("loadManifest = %+v, want %+v", got, want)
	}
}
