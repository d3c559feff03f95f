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
	"sync"

	"github.com/golang/glog"
)

// defaultNumBuckets is N_B, the number of independently locked shards.
const defaultNumBuckets = 1024

// defaultBucketCapacity is S_B, the soft capacity target per bucket.
const defaultBucketCapacity = 65536

// lookupStatus reports what LookupOrInsert did.
type lookupStatus int

const (
	statusFound lookupStatus = iota
	statusAdded
	statusError
)

// indexRecord is the value half of an index entry: (fingerprint, chunk
// index, refcount). The chunk index is unique across all records; refcount
// is always >= 1 while the record exists.
type indexRecord struct {
	chunkIndex uint32
	refCount   uint32
}

// bucket is one independently-locked shard of the fingerprint index.
type bucket struct {
	mtx      sync.Mutex
	records  map[Fingerprint]*indexRecord
	capacity int
}

// fingerprintIndex is the sharded, in-memory map from fingerprint to
// (chunk index, refcount). It is a derivable cache: the chunk store is
// the source of truth for bytes, and the index can always be rebuilt by
// scanning metafiles.
type fingerprintIndex struct {
	buckets    []*bucket
	numBuckets int
	store      *chunkStore
}

func newFingerprintIndex(store *chunkStore, numBuckets, bucketCapacity int) *fingerprintIndex {
	if numBuckets <= 0 {
		numBuckets = defaultNumBuckets
	}
	if bucketCapacity <= 0 {
		bucketCapacity = defaultBucketCapacity
	}
	buckets := make([]*bucket, numBuckets)
	for i := range buckets {
		buckets[i] = &bucket{
			records:  make(map[Fingerprint]*indexRecord),
			capacity: bucketCapacity,
		}
	}
	return &fingerprintIndex{buckets: buckets, numBuckets: numBuckets, store: store}
}

func (idx *fingerprintIndex) bucketFor(fp Fingerprint) *bucket {
	return idx.buckets[fp.bucketIndex(idx.numBuckets)]
}

// LookupOrInsert finds fp in its bucket, bumping its refcount, or allocates
// a fresh chunk index and inserts a new record with refcount 1. The caller
// is responsible for writing the chunk bytes to the returned index when
// status is statusAdded; if that chunk write fails it must call Remove(fp)
// to roll the speculative insert back.
func (idx *fingerprintIndex) LookupOrInsert(fp Fingerprint) (indexRecord, lookupStatus) {
	b := idx.bucketFor(fp)
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if rec, ok := b.records[fp]; ok {
		rec.refCount++
		return *rec, statusFound
	}

	if len(b.records) >= b.capacity {
		return indexRecord{}, statusError
	}

	rec := &indexRecord{chunkIndex: idx.store.Allocate(), refCount: 1}
	b.records[fp] = rec
	return *rec, statusAdded
}

// Decrement drops fp's refcount by one, removing the record entirely when
// it reaches zero. Decrementing a fingerprint not present in the index is a
// no-op.
func (idx *fingerprintIndex) Decrement(fp Fingerprint) {
	b := idx.bucketFor(fp)
	b.mtx.Lock()
	defer b.mtx.Unlock()

	rec, ok := b.records[fp]
	if !ok {
		return
	}
	if rec.refCount <= 1 {
		delete(b.records, fp)
		return
	}
	rec.refCount--
}

// Remove unconditionally deletes fp's record, regardless of refcount. Used
// only by rollback of a statusAdded insert whose chunk write failed: that
// record was never observed by any other reader, so it is deleted outright
// rather than decremented.
func (idx *fingerprintIndex) Remove(fp Fingerprint) {
	b := idx.bucketFor(fp)
	b.mtx.Lock()
	defer b.mtx.Unlock()
	delete(b.records, fp)
}

// refCountOf reports the current refcount for fp, or 0 if absent. Used by
// tests.
func (idx *fingerprintIndex) refCountOf(fp Fingerprint) uint32 {
	b := idx.bucketFor(fp)
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if rec, ok := b.records[fp]; ok {
		return rec.refCount
	}
	return 0
}

// recordFromRebuild inserts or bumps a record for fp pointing at chunkIdx
// while rebuilding the index from metafiles at mount time. Unlike
// LookupOrInsert, it never allocates a new chunk index — the chunk already
// exists on disk.
func (idx *fingerprintIndex) recordFromRebuild(fp Fingerprint, chunkIdx uint32) {
	b := idx.bucketFor(fp)
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if rec, ok := b.records[fp]; ok {
		rec.refCount++
		return
	}
	b.records[fp] = &indexRecord{chunkIndex: chunkIdx, refCount: 1}
}

// rebuildFromMetafiles walks every metafile under root, replaying each
// entry into the index. This is the mount-time recovery path taken when the
// manifest reports an unclean prior shutdown: the index is a derivable
// cache, so scanning metafiles is always sufficient to reconstruct it.
func (idx *fingerprintIndex) rebuildFromMetafiles(root string) error {
	glog.Infof("rebuilding fingerprint index from metafiles under %s", root)
	files, entries := 0, 0
	var maxSeen uint32
	sawAny := false
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || filepath.Ext(path) != metafileSuffix {
			return nil
		}
		f, ferr := os.Open(path)
		if ferr != nil {
			glog.Warningf("skipping unreadable metafile %s during rebuild: %v", path, ferr)
			return nil
		}
		defer f.Close()

		n, cerr := metaRecordCount(f)
		if cerr != nil {
			glog.Warningf("skipping corrupt metafile %s during rebuild: %v", path, cerr)
			return nil
		}
		for k := uint32(0); k < n; k++ {
			entry, ok, rerr := metaRead(f, k)
			if rerr != nil || !ok {
				break
			}
			idx.recordFromRebuild(entry.fingerprint, entry.chunkIndex)
			entries++
			if !sawAny || entry.chunkIndex > maxSeen {
				maxSeen = entry.chunkIndex
				sawAny = true
			}
		}
		files++
		return nil
	})
	if err != nil {
		return err
	}
	if sawAny {
		idx.store.bumpNextIndexTo(maxSeen + 1)
	}
	glog.Infof("fingerprint index rebuild scanned %d metafiles, %d entries", files, entries)
	return nil
}
