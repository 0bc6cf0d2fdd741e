// Package fs provides the filesystem abstraction used by the WAL, the segment
// store and the checkpoint manifest.
//
//   - [File]: an open file with read/write/sync/truncate capabilities
//   - [FileSystem]: open, remove, rename, stat, mkdir, readdir
//   - [LocalFS]: production implementation backed by package os
//   - [FaultyFS]: test wrapper that injects write, sync and open failures
//
// Production code uses fs.Default:
//
//	f, err := fs.Default.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
//
// Tests inject a FaultyFS to exercise IO error paths:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule(".wal", fs.Fault{FailOnSync: true})
//
// Calls do not take a context.Context: local file operations are not
// interruptible at the syscall level.
package fs
