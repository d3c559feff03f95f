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
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// metafileRecordSize is the packed width of one metafile entry:
// fingerprint[fingerprintSize] | chunk_id[4]LE | size[4]LE.
const metafileRecordSize = fingerprintSize + 4 + 4

// metafileSuffix is the file name suffix of a metafile, the file holding a
// user file's packed records. The rebuild scan treats every file under the
// repository root with this suffix as a metafile.
const metafileSuffix = ".bbmeta"

// metafileEntry is one (fingerprint, chunk index, live-byte-count) record,
// indexed by logical block number within a user file.
type metafileEntry struct {
	fingerprint Fingerprint
	chunkIndex  uint32
	size        uint32
}

func (e metafileEntry) marshal() []byte {
	buf := make([]byte, metafileRecordSize)
	copy(buf, e.fingerprint[:])
	binary.LittleEndian.PutUint32(buf[fingerprintSize:], e.chunkIndex)
	binary.LittleEndian.PutUint32(buf[fingerprintSize+4:], e.size)
	return buf
}

func unmarshalMetafileEntry(buf []byte) metafileEntry {
	var e metafileEntry
	copy(e.fingerprint[:], buf[:fingerprintSize])
	e.chunkIndex = binary.LittleEndian.Uint32(buf[fingerprintSize:])
	e.size = binary.LittleEndian.Uint32(buf[fingerprintSize+4:])
	return e
}

// metaRead seeks to logical block k and reads one record. It returns
// (entry, false, nil) when k is at or past EOF, and an error wrapping
// ErrCorruptedStore on a short, non-zero read.
func metaRead(f *os.File, k uint32) (metafileEntry, bool, error) {
	buf := make([]byte, metafileRecordSize)
	n, err := f.ReadAt(buf, int64(k)*int64(metafileRecordSize))
	if err != nil && err != io.EOF {
		return metafileEntry{}, false, fmt.Errorf("reading metafile record %d: %w: %v", k, ErrIO, err)
	}
	if n == 0 {
		return metafileEntry{}, false, nil
	}
	if n != metafileRecordSize {
		return metafileEntry{}, false, fmt.Errorf("short metafile record %d (%d of %d bytes): %w", k, n, metafileRecordSize, ErrCorruptedStore)
	}
	return unmarshalMetafileEntry(buf), true, nil
}

// metaWrite seeks to logical block k and writes one record, extending the
// file if needed. Callers must write in order or fill gaps first — holes
// are not permitted.
func metaWrite(f *os.File, k uint32, e metafileEntry) error {
	if _, err := f.WriteAt(e.marshal(), int64(k)*int64(metafileRecordSize)); err != nil {
		return fmt.Errorf("writing metafile record %d: %w: %v", k, ErrIO, err)
	}
	return nil
}

// metaDelTail truncates the metafile to exactly k records, discarding
// records >= k.
func metaDelTail(f *os.File, k uint32) error {
	if err := f.Truncate(int64(k) * int64(metafileRecordSize)); err != nil {
		return fmt.Errorf("truncating metafile to %d records: %w: %v", k, ErrIO, err)
	}
	return nil
}

// metaRecordCount returns the number of records currently in the metafile,
// validating that its length is an exact multiple of the record size.
func metaRecordCount(f *os.File) (uint32, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat metafile: %w: %v", ErrIO, err)
	}
	if fi.Size()%int64(metafileRecordSize) != 0 {
		return 0, fmt.Errorf("metafile length %d not a multiple of record size %d: %w", fi.Size(), metafileRecordSize, ErrCorruptedStore)
	}
	return uint32(fi.Size() / int64(metafileRecordSize)), nil
}
