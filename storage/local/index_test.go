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

func newTestIndex(t *testing.T, numBuckets, bucketCapacity int) *fingerprintIndex {
	t.Helper()
	cs, err := openChunkStore(t.TempDir(), 64, 0)
	if err != nil {
		t.Fatalf("openChunkStore: %v", err)
	}
	t.Cleanup(func() { cs.Close() })
	return newFingerprintIndex(cs, numBuckets, bucketCapacity)
}

func TestLookupOrInsertAllocatesOnce(t *testing.T) {
	idx := newTestIndex(t, 4, 16)
	fp := digest([]byte("block a"))

	rec1, status1 := idx.LookupOrInsert(fp)
	if status1 != statusAdded {
		t.Fatalf("first LookupOrInsert status = %v, want statusAdded", status1)
	}
	rec2, status2 := idx.LookupOrInsert(fp)
	if status2 != statusFound {
		t.Fatalf("second LookupOrInsert status = %v, want statusFound", status2)
	}
	if rec1.chunkIndex != rec2.chunkIndex {
		t.Errorf("chunk index changed across lookups: %d != %d", rec1.chunkIndex, rec2.chunkIndex)
	}
	if got := idx.refCountOf(fp); got != 2 {
		t.Errorf("refCountOf = %d, want 2", got)
	}
}

func TestDecrementRemovesAtZero(t *testing.T) {
	idx := newTestIndex(t, 4, 16)
	fp := digest([]byte("block b"))
	idx.LookupOrInsert(fp)

	idx.Decrement(fp)
	if got := idx.refCountOf(fp); got != 0 {
		t.Errorf("refCountOf after single decrement = %d, want 0", got)
	}

	// Decrementing an absent fingerprint must not panic.
	idx.Decrement(fp)
}

func TestBucketCapacityRefusesInsert(t *testing.T) {
	idx := newTestIndex(t, 1, 2)
	digest1 := digest([]byte("one"))
	digest2 := digest([]byte("two"))
	digest3 := digest([]byte("three"))

	if _, status := idx.LookupOrInsert(digest1); status != statusAdded {
		t.Fatalf("insert 1: status = %v", status)
	}
	if _, status := idx.LookupOrInsert(digest2); status != statusAdded {
		t.Fatalf("insert 2: status = %v", status)
	}
	if _, status := idx.LookupOrInsert(digest3); status != statusError {
		t.Errorf("insert past capacity: status = %v, want statusError", status)
	}
}

func TestRemoveUnconditional(t *testing.T) {
	idx := newTestIndex(t, 4, 16)
	fp := digest([]byte("block c"))
	idx.LookupOrInsert(fp)
	idx.LookupOrInsert(fp) // refcount 2

	idx.Remove(fp)
	if got := idx.refCountOf(fp); got != 0 {
		t.Errorf("refCountOf after Remove = %d, want 0", got)
	}
}
