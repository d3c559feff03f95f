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

// Command bbfs-compact scans a repository offline (the filesystem must be
// unmounted) and reports hash-pinning violations and reclaimable
// (zero-refcount) chunks. It never reclaims anything — chunk GC stays
// unimplemented in v1; this is a reporting tool only.
package main

import (
	"crypto/sha1"
	"flag"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/glog"
)

var (
	backingRoot  = flag.String("backing-root", "", "Repository directory to scan.")
	dryRun       = flag.Bool("dry-run", true, "Report only; bbfs-compact never reclaims chunks regardless of this flag.")
	verifyHashes = flag.Bool("verify-hashes", true, "Re-hash every metafile entry's chunk and compare against its recorded fingerprint.")
)

const (
	metafileSuffix     = ".bbmeta"
	metafileRecordSize = sha1.Size + 4 + 4
	chunkStoreFileName = "chunk_store"
)

type report struct {
	metafiles      int
	entries        int
	mismatches     int
	refCounts      map[[sha1.Size]byte]uint32
	chunkIndices   map[[sha1.Size]byte]uint32
}

func (r *report) visit(path string, blockSize int64, chunkStore *os.File) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.Size()%metafileRecordSize != 0 {
		glog.Warningf("%s: length %d not a multiple of record size %d, skipping", path, fi.Size(), metafileRecordSize)
		return nil
	}
	n := fi.Size() / metafileRecordSize
	r.metafiles++

	buf := make([]byte, metafileRecordSize)
	for k := int64(0); k < n; k++ {
		if _, err := f.ReadAt(buf, k*metafileRecordSize); err != nil {
			return err
		}
		var fp [sha1.Size]byte
		copy(fp[:], buf[:sha1.Size])
		chunkIdx := uint32(buf[sha1.Size]) | uint32(buf[sha1.Size+1])<<8 |
			uint32(buf[sha1.Size+2])<<16 | uint32(buf[sha1.Size+3])<<24
		r.entries++
		r.refCounts[fp]++
		r.chunkIndices[fp] = chunkIdx

		if *verifyHashes {
			block := make([]byte, blockSize)
			if _, err := chunkStore.ReadAt(block, int64(chunkIdx)*blockSize); err != nil && err != io.EOF {
				return err
			}
			if sha1.Sum(block) != fp {
				r.mismatches++
				glog.Errorf("%s record %d: chunk %d content does not match recorded fingerprint %x", path, k, chunkIdx, fp)
			}
		}
	}
	return nil
}

func (r *report) summarize(allocated uint32) {
	referenced := map[uint32]bool{}
	for _, idx := range r.chunkIndices {
		referenced[idx] = true
	}
	reclaimable := 0
	for idx := uint32(0); idx < allocated; idx++ {
		if !referenced[idx] {
			reclaimable++
		}
	}
	glog.Infof("metafiles scanned: %d", r.metafiles)
	glog.Infof("entries scanned: %d", r.entries)
	glog.Infof("distinct fingerprints: %d", len(r.chunkIndices))
	glog.Infof("fingerprint mismatches: %d", r.mismatches)
	glog.Infof("reclaimable (zero-refcount) chunks: %d (reporting only, not reclaimed)", reclaimable)
}

func main() {
	flag.Parse()
	defer glog.Flush()

	if *backingRoot == "" {
		glog.Fatal("-backing-root is required")
	}
	if !*dryRun {
		glog.Warning("-dry-run=false has no effect: bbfs-compact never reclaims chunks in this version")
	}

	blockSizeBytes, err := os.ReadFile(filepath.Join(*backingRoot, "MANIFEST"))
	if err != nil {
		glog.Fatalf("reading manifest: %v", err)
	}
	if len(blockSizeBytes) < 16 {
		glog.Fatal("manifest too short")
	}
	blockSize := int64(blockSizeBytes[8]) | int64(blockSizeBytes[9])<<8 |
		int64(blockSizeBytes[10])<<16 | int64(blockSizeBytes[11])<<24
	allocated := uint32(blockSizeBytes[12]) | uint32(blockSizeBytes[13])<<8 |
		uint32(blockSizeBytes[14])<<16 | uint32(blockSizeBytes[15])<<24

	chunkStore, err := os.Open(filepath.Join(*backingRoot, chunkStoreFileName))
	if err != nil {
		glog.Fatalf("opening chunk store: %v", err)
	}
	defer chunkStore.Close()

	r := &report{
		refCounts:    map[[sha1.Size]byte]uint32{},
		chunkIndices: map[[sha1.Size]byte]uint32{},
	}

	err = filepath.Walk(*backingRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || filepath.Ext(path) != metafileSuffix {
			return nil
		}
		return r.visit(path, blockSize, chunkStore)
	})
	if err != nil {
		glog.Fatalf("scanning repository: %v", err)
	}

	r.summarize(allocated)
}
