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

import "errors"

// Sentinel errors for the dedup engine's error taxonomy. Callers should use
// errors.Is against these rather than comparing error strings; concrete
// errors returned by the package wrap one of these with fmt.Errorf("%w").
var (
	// ErrIO indicates an underlying read/write/seek against the chunk
	// store or a metafile failed.
	ErrIO = errors.New("bbfs: io error")

	// ErrNotFound indicates a metafile is missing, or a read targeted a
	// logical block with no metafile entry.
	ErrNotFound = errors.New("bbfs: not found")

	// ErrIndexExhausted indicates a fingerprint index bucket refused an
	// insertion because it is past its growth policy.
	ErrIndexExhausted = errors.New("bbfs: fingerprint index exhausted")

	// ErrInvalidArgument indicates an offset or size outside the
	// representable range was supplied.
	ErrInvalidArgument = errors.New("bbfs: invalid argument")

	// ErrCorruptedStore indicates a chunk store read returned fewer than
	// B bytes for an in-range index, a metafile's length isn't a multiple
	// of the record size, or (with -verify-on-read) a chunk's content no
	// longer matches its recorded fingerprint.
	ErrCorruptedStore = errors.New("bbfs: corrupted store")
)
