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

package fuseadapter

import (
	"context"
	"os"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/junjieqian/bbfs/storage/local"
)

// fileHandle is a regular file's open handle: the node it belongs to plus
// the engine Handle backing its content. Modeled on bangfuse's BangFH —
// a thin struct wrapping engine state, embedding fs.FileHandle only to
// satisfy the interface.
type fileHandle struct {
	fs.FileHandle
	node   *Node
	handle *local.Handle
}

var (
	_ fs.FileReader    = (*fileHandle)(nil)
	_ fs.FileWriter    = (*fileHandle)(nil)
	_ fs.FileFlusher   = (*fileHandle)(nil)
	_ fs.FileReleaser  = (*fileHandle)(nil)
	_ fs.FileGetattrer = (*fileHandle)(nil)
)

// Read returns up to len(dest) bytes at off, per the engine's zero-pad/
// short-read-at-EOF semantics.
func (fh *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := fh.node.root.engine.Read(fh.handle, off, len(dest))
	if err != nil {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(data), 0
}

// Write runs the engine's read-modify-write protocol for the affected
// blocks and returns the number of bytes committed.
func (fh *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := fh.node.root.engine.Write(fh.handle, off, data)
	if err != nil {
		return uint32(n), toErrno(err)
	}
	return uint32(n), 0
}

// Flush is a no-op: every Write already committed its metafile entries and
// chunk bytes before returning.
func (fh *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return 0
}

// Release closes the engine Handle.
func (fh *fileHandle) Release(ctx context.Context) syscall.Errno {
	return toErrno(fh.node.root.engine.Close(fh.handle))
}

// Getattr reports the file's logical size from the engine rather than the
// zero-length backing placeholder's stat.
func (fh *fileHandle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	info, err := fh.node.root.engine.Size(fh.handle)
	if err != nil {
		return toErrno(err)
	}
	fi, err := os.Lstat(fh.node.root.backingPathFor(fh.node.relPath))
	if err != nil {
		return toErrno(err)
	}
	fillAttr(fi, &out.Attr)
	out.Attr.Size = uint64(info.Size)
	out.Attr.Blocks = uint64(info.Blocks)
	out.Attr.Blksize = uint32(info.BlkSize)
	return 0
}
