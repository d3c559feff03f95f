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

// Package fuseadapter translates FUSE operations into calls against a
// storage/local.Engine for regular file content, and straight syscalls
// against the backing directory tree for everything else (directories,
// symlinks, renames, permissions). The dedup engine never sees a path; it
// only ever sees the metafile path a Node computes for itself.
package fuseadapter

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/junjieqian/bbfs/storage/local"
)

// metafileDir is where metafiles live, alongside but namespaced away from
// the backing directory tree that mirrors the mounted filesystem's shape,
// so a metafile never collides with a same-named user file or directory.
const metafileDir = ".bbfs-meta"

// reservedRootEntries names the repository-internal files that live
// directly inside the backing root alongside the mounted tree — the chunk
// store, the manifest, the mount lock, and the metafile shadow tree — none
// of which should ever be visible through the mounted filesystem itself.
// Named by literal rather than importing storage/local's unexported
// constants: these are on-disk layout facts the adapter must agree with
// the engine about, not engine internals it reaches into.
var reservedRootEntries = map[string]bool{
	metafileDir:   true,
	"chunk_store": true,
	"MANIFEST":    true,
	".lock":       true,
}

// root holds the state shared by every Node in one mount.
type root struct {
	backingPath string // the real directory mirroring the mounted tree's shape and permissions.
	metaPath    string // where metafiles for regular files live, keyed by their backing-relative path.
	engine      local.Storage
}

// Mount starts serving backingPath as a FUSE filesystem at mountPoint,
// storing block-deduplicated content via engine.
func Mount(mountPoint, backingPath string, engine local.Storage, debug bool) (*fuse.Server, error) {
	metaDir := filepath.Join(backingPath, metafileDir)
	if err := os.MkdirAll(metaDir, 0700); err != nil {
		return nil, fmt.Errorf("creating metafile directory %s: %w", metaDir, err)
	}

	r := &root{backingPath: backingPath, metaPath: metaDir, engine: engine}
	rootNode := &Node{root: r}

	sec := time.Second
	opts := &fs.Options{
		EntryTimeout: &sec,
		AttrTimeout:  &sec,
	}
	opts.Debug = debug

	server, err := fs.Mount(mountPoint, rootNode, opts)
	if err != nil {
		return nil, fmt.Errorf("mounting %s at %s: %w", backingPath, mountPoint, err)
	}
	return server, nil
}

// metafilePathFor returns the metafile path for a regular file whose
// backing-relative path (from the mount root) is relPath.
func (r *root) metafilePathFor(relPath string) string {
	return filepath.Join(r.metaPath, relPath+".bbmeta")
}

// backingPathFor returns the real on-disk path mirroring relPath.
func (r *root) backingPathFor(relPath string) string {
	return filepath.Join(r.backingPath, relPath)
}
