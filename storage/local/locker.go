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

import "sync"

// blockKey identifies a single logical block of a single user file: the
// unit requiring a per-(metafile, logical block) exclusive lock for the
// whole read-modify-write sequence. Keyed by the metafile's path rather
// than an open handle, so two handles opened for the same underlying
// file still serialize against each other.
type blockKey struct {
	metaPath string
	block    uint32
}

// blockLock allows locking exactly one blockKey. When refCount is 0 after
// the mutex is unlocked, the blockLock is discarded from the blockLocker.
type blockLock struct {
	sync.Mutex
	refCount int
}

// blockLocker allows locking individual (file, block) pairs in such a
// manner that the lock only exists and uses memory while it is being held
// (or waited on) by at least one party. Adapted from the fingerprintLocker
// this package used to carry: same pool-of-mutexes design, keyed by a
// composite blockKey instead of a bare fingerprint, since the dedup
// engine needs to serialize overlapping writes per logical block rather
// than per chunk content.
type blockLocker struct {
	mtx      sync.Mutex
	locks    map[blockKey]*blockLock
	lockPool []*blockLock
}

// newBlockLocker returns a new blockLocker ready for use.
func newBlockLocker(preallocatedMutexes int) *blockLocker {
	pool := make([]*blockLock, preallocatedMutexes)
	for i := range pool {
		pool[i] = &blockLock{}
	}
	return &blockLocker{
		locks:    map[blockKey]*blockLock{},
		lockPool: pool,
	}
}

// getLock either returns an existing blockLock from the pool, or allocates
// a new one if the pool is depleted.
func (l *blockLocker) getLock() *blockLock {
	if len(l.lockPool) == 0 {
		return &blockLock{}
	}
	lock := l.lockPool[len(l.lockPool)-1]
	l.lockPool = l.lockPool[:len(l.lockPool)-1]
	return lock
}

// putLock either stores a blockLock back in the pool, or throws it away if
// the pool is full.
func (l *blockLocker) putLock(bl *blockLock) {
	if len(l.lockPool) == cap(l.lockPool) {
		return
	}
	l.lockPool = l.lockPool[:len(l.lockPool)+1]
	l.lockPool[len(l.lockPool)-1] = bl
}

// Lock locks the given (file, block) pair for the duration of a
// read-modify-write sequence.
func (l *blockLocker) Lock(k blockKey) {
	l.mtx.Lock()

	bl, ok := l.locks[k]
	if ok {
		bl.refCount++
	} else {
		bl = l.getLock()
		l.locks[k] = bl
	}

	l.mtx.Unlock()
	bl.Lock()
}

// Unlock unlocks the given (file, block) pair.
func (l *blockLocker) Unlock(k blockKey) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	bl := l.locks[k]
	bl.Unlock()

	if bl.refCount == 0 {
		delete(l.locks, k)
		l.putLock(bl)
	} else {
		bl.refCount--
	}
}
