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
	"errors"
	"os"
	"path/filepath"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/junjieqian/bbfs/storage/local"
)

// Node is one inode: a directory, symlink, or regular file. Regular file
// content goes through root.engine; everything else is a direct syscall
// against the mirrored backing path.
type Node struct {
	fs.Inode

	root    *root
	relPath string // path relative to the mount root; "" for the root directory itself.
}

var (
	_ fs.NodeLookuper  = (*Node)(nil)
	_ fs.NodeGetattrer = (*Node)(nil)
	_ fs.NodeSetattrer = (*Node)(nil)
	_ fs.NodeReaddirer = (*Node)(nil)
	_ fs.NodeMkdirer   = (*Node)(nil)
	_ fs.NodeRmdirer   = (*Node)(nil)
	_ fs.NodeUnlinker  = (*Node)(nil)
	_ fs.NodeRenamer   = (*Node)(nil)
	_ fs.NodeCreater   = (*Node)(nil)
	_ fs.NodeOpener    = (*Node)(nil)
	_ fs.NodeSymlinker = (*Node)(nil)
	_ fs.NodeReadlinker = (*Node)(nil)
)

func (n *Node) child(relPath string) *Node {
	return &Node{root: n.root, relPath: relPath}
}

// toErrno maps an error from the backing filesystem or the dedup engine to
// the errno FUSE reports back to the kernel.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if errno, ok := err.(syscall.Errno); ok {
		return errno
	}
	if pe, ok := err.(*os.PathError); ok {
		if errno, ok := pe.Err.(syscall.Errno); ok {
			return errno
		}
	}
	switch {
	case errors.Is(err, os.ErrNotExist), errors.Is(err, local.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, os.ErrExist):
		return syscall.EEXIST
	case errors.Is(err, local.ErrInvalidArgument):
		return syscall.EINVAL
	case errors.Is(err, local.ErrIndexExhausted):
		return syscall.ENOSPC
	case errors.Is(err, local.ErrCorruptedStore), errors.Is(err, local.ErrIO):
		return syscall.EIO
	default:
		return syscall.EIO
	}
}

func fillAttr(st os.FileInfo, out *fuse.Attr) {
	out.FromStat(statT(st))
}

// overlaySize replaces out's size fields with the engine's view of the
// regular file at relPath, computed from the metafile's last record
// rather than the backing placeholder's stat (which stays zero-length:
// content never gets written back to the backing path). A no-op for
// anything that isn't a regular file.
func (n *Node) overlaySize(relPath string, fi os.FileInfo, out *fuse.Attr) syscall.Errno {
	if !fi.Mode().IsRegular() {
		return 0
	}
	h, err := n.root.engine.Open(n.root.metafilePathFor(relPath), false)
	if err != nil {
		return toErrno(err)
	}
	defer n.root.engine.Close(h)
	info, err := n.root.engine.Size(h)
	if err != nil {
		return toErrno(err)
	}
	out.Size = uint64(info.Size)
	out.Blocks = uint64(info.Blocks)
	out.Blksize = uint32(info.BlkSize)
	return 0
}

// Lookup resolves name within the directory n and returns its Inode.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	rel := filepath.Join(n.relPath, name)
	fi, err := os.Lstat(n.root.backingPathFor(rel))
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(fi, &out.Attr)
	if errno := n.overlaySize(rel, fi, &out.Attr); errno != 0 {
		return nil, errno
	}

	child := n.child(rel)
	stable := fs.StableAttr{Mode: modeBits(fi)}
	return n.NewInode(ctx, child, stable), 0
}

// Getattr reports the backing file's stat information, overlaid with the
// engine's logical size for a regular file with no currently open handle.
func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if fh, ok := f.(*fileHandle); ok {
		return fh.Getattr(ctx, out)
	}
	fi, err := os.Lstat(n.root.backingPathFor(n.relPath))
	if err != nil {
		return toErrno(err)
	}
	fillAttr(fi, &out.Attr)
	return n.overlaySize(n.relPath, fi, &out.Attr)
}

// Setattr applies chmod directly to the backing path and truncate through
// the engine. Ownership and timestamp changes in the request are not
// applied.
func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	path := n.root.backingPathFor(n.relPath)

	if mode, ok := in.GetMode(); ok {
		if err := os.Chmod(path, os.FileMode(mode)); err != nil {
			return toErrno(err)
		}
	}
	if size, ok := in.GetSize(); ok {
		if fh, ok := f.(*fileHandle); ok {
			if err := n.root.engine.Truncate(fh.handle, int64(size)); err != nil {
				return toErrno(err)
			}
		} else {
			h, err := n.root.engine.Open(n.root.metafilePathFor(n.relPath), false)
			if err != nil {
				return toErrno(err)
			}
			defer n.root.engine.Close(h)
			if err := n.root.engine.Truncate(h, int64(size)); err != nil {
				return toErrno(err)
			}
		}
	}

	fi, err := os.Lstat(path)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(fi, &out.Attr)
	return 0
}

// Readdir lists the backing directory's entries directly.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := os.ReadDir(n.root.backingPathFor(n.relPath))
	if err != nil {
		return nil, toErrno(err)
	}
	var fuseEntries []fuse.DirEntry
	for _, e := range entries {
		if n.relPath == "" && reservedRootEntries[e.Name()] {
			continue
		}
		mode := uint32(syscall.S_IFREG)
		if e.IsDir() {
			mode = syscall.S_IFDIR
		}
		fuseEntries = append(fuseEntries, fuse.DirEntry{Name: e.Name(), Mode: mode})
	}
	return fs.NewListDirStream(fuseEntries), 0
}

// Mkdir creates a backing directory and its Node.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	rel := filepath.Join(n.relPath, name)
	if err := os.Mkdir(n.root.backingPathFor(rel), os.FileMode(mode)); err != nil {
		return nil, toErrno(err)
	}
	fi, err := os.Lstat(n.root.backingPathFor(rel))
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(fi, &out.Attr)
	return n.NewInode(ctx, n.child(rel), fs.StableAttr{Mode: syscall.S_IFDIR}), 0
}

// Rmdir removes a backing directory.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return toErrno(os.Remove(n.root.backingPathFor(filepath.Join(n.relPath, name))))
}

// Unlink removes a regular file's metafile and backing directory entry.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	rel := filepath.Join(n.relPath, name)
	h, err := n.root.engine.Open(n.root.metafilePathFor(rel), false)
	if err == nil {
		if err := n.root.engine.Unlink(h); err != nil {
			return toErrno(err)
		}
	}
	return toErrno(os.Remove(n.root.backingPathFor(rel)))
}

// Rename moves both the backing entry and (for a regular file) its
// metafile to the new location.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	np, ok := newParent.(*Node)
	if !ok {
		return syscall.EXDEV
	}
	oldRel := filepath.Join(n.relPath, name)
	newRel := filepath.Join(np.relPath, newName)

	oldMeta := n.root.metafilePathFor(oldRel)
	if _, err := os.Stat(oldMeta); err == nil {
		newMeta := n.root.metafilePathFor(newRel)
		if err := os.MkdirAll(filepath.Dir(newMeta), 0700); err != nil {
			return toErrno(err)
		}
		if err := os.Rename(oldMeta, newMeta); err != nil {
			return toErrno(err)
		}
	}
	return toErrno(os.Rename(n.root.backingPathFor(oldRel), n.root.backingPathFor(newRel)))
}

// Symlink creates a symlink directly in the backing tree; symlinks carry
// no deduplicated content so they bypass the engine entirely.
func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	rel := filepath.Join(n.relPath, name)
	if err := os.Symlink(target, n.root.backingPathFor(rel)); err != nil {
		return nil, toErrno(err)
	}
	fi, err := os.Lstat(n.root.backingPathFor(rel))
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(fi, &out.Attr)
	return n.NewInode(ctx, n.child(rel), fs.StableAttr{Mode: syscall.S_IFLNK}), 0
}

// Readlink returns a symlink's target.
func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := os.Readlink(n.root.backingPathFor(n.relPath))
	if err != nil {
		return nil, toErrno(err)
	}
	return []byte(target), 0
}

// Create makes a new regular file: a zero-length backing placeholder
// (carrying permissions) plus a freshly created metafile.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	rel := filepath.Join(n.relPath, name)
	path := n.root.backingPathFor(rel)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL, os.FileMode(mode))
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	f.Close()

	h, err := n.root.engine.Open(n.root.metafilePathFor(rel), true)
	if err != nil {
		os.Remove(path)
		return nil, nil, 0, toErrno(err)
	}

	fi, err := os.Lstat(path)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	fillAttr(fi, &out.Attr)

	child := n.child(rel)
	inode := n.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFREG})
	return inode, &fileHandle{node: child, handle: h}, 0, 0
}

// Open returns an engine-backed file handle for an existing regular file.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	h, err := n.root.engine.Open(n.root.metafilePathFor(n.relPath), false)
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return &fileHandle{node: n, handle: h}, 0, 0
}
