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

func TestDigestDeterministic(t *testing.T) {
	a := digest([]byte("hello world"))
	b := digest([]byte("hello world"))
	if a != b {
		t.Errorf("digest not deterministic: %x != %x", a, b)
	}
}

func TestDigestDistinguishesContent(t *testing.T) {
	a := digest([]byte("hello world"))
	b := digest([]byte("hello worlx"))
	if a == b {
		t.Errorf("digest collided for distinct inputs")
	}
}

func TestBucketIndexInRange(t *testing.T) {
	fp := digest([]byte("some block content"))
	for _, n := range []int{1, 7, 1024} {
		idx := fp.bucketIndex(n)
		if idx < 0 || idx >= n {
			t.Errorf("bucketIndex(%d) = %d, want in [0, %d)", n, idx, n)
		}
	}
}

func TestBucketIndexStable(t *testing.T) {
	fp := digest([]byte("stable block"))
	a := fp.bucketIndex(1024)
	b := fp.bucketIndex(1024)
	if a != b {
		t.Errorf("bucketIndex not stable across calls: %d != %d", a, b)
	}
}
