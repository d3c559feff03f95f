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

// Command bbfs mounts a block-deduplicating FUSE filesystem backed by a
// repository directory.
//
// Usage: bbfs [adapter options] <backing_root_dir> <mount_point>
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/junjieqian/bbfs/fuseadapter"
	"github.com/junjieqian/bbfs/storage/local"
)

var (
	blockSize          = flag.Int("block-size", 4096, "Fixed block size B, in bytes. Immutable once a repository is created.")
	indexBuckets       = flag.Int("index-buckets", 1024, "Number of independently locked shards in the fingerprint index.")
	indexBucketCap     = flag.Int("index-bucket-capacity", 65536, "Soft per-bucket fingerprint capacity before insertions are refused.")
	verifyOnRead       = flag.Bool("verify-on-read", false, "Re-hash every chunk on read and compare against its recorded fingerprint.")
	checkpointInterval = flag.Duration("checkpoint-interval", 30*time.Second, "How often to checkpoint allocator state to the manifest while mounted.")
	fuseDebug          = flag.Bool("fuse-debug", false, "Log every FUSE operation (very verbose).")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [adapter options] <backing_root_dir> <mount_point>\n", os.Args[0])
	flag.PrintDefaults()
}

// acquireMountLock enforces the Non-goal that no two mount instances may
// run against the same repository concurrently, via a flock on a sidecar
// file — same discipline as a pidfile lock, without the stale-pidfile
// cleanup problem.
func acquireMountLock(root string) (*os.File, error) {
	path := root + "/.lock"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("repository %s is already mounted: %w", root, err)
	}
	return f, nil
}

func main() {
	flag.Usage = usage
	flag.Parse()
	defer glog.Flush()

	if flag.NArg() != 2 {
		usage()
		glog.Fatal("expected <backing_root_dir> and <mount_point> as trailing arguments")
	}
	backingRoot := flag.Arg(0)
	mountPoint := flag.Arg(1)

	if syscall.Geteuid() == 0 {
		glog.Fatal("refusing to run as root")
	}

	lock, err := acquireMountLock(backingRoot)
	if err != nil {
		glog.Fatal(err)
	}
	defer func() {
		syscall.Flock(int(lock.Fd()), syscall.LOCK_UN)
		lock.Close()
	}()

	cfg := local.Config{
		BlockSize:          *blockSize,
		NumBuckets:         *indexBuckets,
		BucketCapacity:     *indexBucketCap,
		VerifyOnRead:       *verifyOnRead,
		CheckpointInterval: *checkpointInterval,
	}
	engine, err := local.NewEngine(backingRoot, cfg)
	if err != nil {
		glog.Fatalf("opening repository %s: %v", backingRoot, err)
	}
	if err := engine.Start(); err != nil {
		glog.Fatalf("starting engine: %v", err)
	}

	server, err := fuseadapter.Mount(mountPoint, backingRoot, engine, *fuseDebug)
	if err != nil {
		engine.Stop()
		glog.Fatalf("mounting %s at %s: %v", backingRoot, mountPoint, err)
	}
	glog.Infof("mounted %s at %s (block size %d)", backingRoot, mountPoint, *blockSize)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		glog.Info("received shutdown signal, unmounting")
		server.Unmount()
	}()

	server.Wait()

	if err := engine.Stop(); err != nil {
		glog.Errorf("stopping engine: %v", err)
	}
	glog.Info("clean shutdown complete")
}
