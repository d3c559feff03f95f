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
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// manifestFileName is the sidecar recording allocator state across mounts:
// the chunk store's nextChunkIndex and block size must survive a remount.
const manifestFileName = "MANIFEST"

const (
	manifestMagic   = "BBFS"
	manifestVersion = 1
	manifestSize    = 4 + 4 + 4 + 4 + 1 // magic + version + blockSize + nextChunkIndex + clean
)

// manifest is the small fixed record persisting repository-wide state that
// the chunk store and index need to resume correctly after a remount.
type manifest struct {
	blockSize      uint32
	nextChunkIndex uint32
	clean          bool
}

func (m manifest) marshal() []byte {
	buf := make([]byte, manifestSize)
	copy(buf[0:4], manifestMagic)
	binary.LittleEndian.PutUint32(buf[4:8], manifestVersion)
	binary.LittleEndian.PutUint32(buf[8:12], m.blockSize)
	binary.LittleEndian.PutUint32(buf[12:16], m.nextChunkIndex)
	if m.clean {
		buf[16] = 1
	}
	return buf
}

func unmarshalManifest(buf []byte) (manifest, error) {
	if len(buf) != manifestSize {
		return manifest{}, fmt.Errorf("manifest has %d bytes, want %d: %w", len(buf), manifestSize, ErrCorruptedStore)
	}
	if !bytes.Equal(buf[0:4], []byte(manifestMagic)) {
		return manifest{}, fmt.Errorf("bad manifest magic %q: %w", buf[0:4], ErrCorruptedStore)
	}
	if binary.LittleEndian.Uint32(buf[4:8]) != manifestVersion {
		return manifest{}, fmt.Errorf("unsupported manifest version %d: %w", binary.LittleEndian.Uint32(buf[4:8]), ErrCorruptedStore)
	}
	return manifest{
		blockSize:      binary.LittleEndian.Uint32(buf[8:12]),
		nextChunkIndex: binary.LittleEndian.Uint32(buf[12:16]),
		clean:          buf[16] != 0,
	}, nil
}

// loadManifest reads the manifest from root, if present. ok is false when
// the manifest doesn't exist yet (a brand-new repository); a present but
// unreadable/corrupt manifest is returned as an error rather than replaced
// with guessed parameters, and NewEngine then refuses to open the
// repository.
func loadManifest(root string) (m manifest, ok bool, err error) {
	buf, err := os.ReadFile(filepath.Join(root, manifestFileName))
	if os.IsNotExist(err) {
		return manifest{}, false, nil
	}
	if err != nil {
		return manifest{}, false, fmt.Errorf("reading manifest: %w: %v", ErrIO, err)
	}
	m, err = unmarshalManifest(buf)
	if err != nil {
		return manifest{}, false, err
	}
	return m, true, nil
}

// saveManifest atomically replaces the manifest file, so a crash never
// leaves a half-written manifest for the next mount to trip over.
func saveManifest(root string, m manifest) error {
	path := filepath.Join(root, manifestFileName)
	if err := atomic.WriteFile(path, bytes.NewReader(m.marshal())); err != nil {
		return fmt.Errorf("writing manifest: %w: %v", ErrIO, err)
	}
	return nil
}
