// Package appliance specifies the NBD/qemu appliance capability that
// spec.md §1 deliberately treats as an opaque external collaborator: "the
// NBD/qemu appliance library used to mount remote disks (specified as an
// opaque capability)". Only the interface below is part of this spec;
// internal/remotefs depends on Handle, not on any particular
// implementation.
//
// Handle is the Go shape of the Rust original's GuestFS wrapper
// (original_source/src/guestfs/mod.rs): attach a read-only NBD export,
// enumerate its partitions, and stream bytes out of a path inside a
// mounted partition.
package appliance

import (
	"errors"
	"strings"
)

// Partition describes one partition discovered on an attached disk,
// 1-indexed to match the "partition: usize >= 1" field of the on-disk NBD
// config (spec.md §6).
type Partition struct {
	Index int
	Label string
}

// Handle is one attached, read-only NBD export. The peer dispatcher that
// owns it calls Stat from its own goroutine, and every session opened from
// it calls ReadChunk from that session's goroutine, so calls can overlap.
// guestfishHandle keeps no state that changes between calls.
type Handle interface {
	// ListPartitions enumerates the partitions on the attached disk.
	ListPartitions() ([]Partition, error)
	// Mount mounts the given 1-based partition read-only at mountpoint
	// inside the appliance's in-memory filesystem namespace.
	Mount(partition int, mountpoint string) error
	// Stat returns the byte size of path (already resolved against a
	// prior Mount's mountpoint).
	Stat(path string) (uint64, error)
	// ReadChunk reads up to len(buffer) bytes of path starting at offset,
	// returning 0 bytes at EOF (no error), per the FileReader contract in
	// original_source/src/remote_fs.rs.
	ReadChunk(path string, offset uint64, buffer []byte) (int, error)
	// Close releases the appliance process/connection.
	Close() error
}

// Connector attaches to an NBD export and returns a Handle. Production
// wiring supplies one concrete Connector (see GuestfishConnector);
// tests supply a fake.
type Connector interface {
	Connect(url string) (Handle, error)
}

// Sentinel errors a Connector's implementation should map its own
// appliance-specific failure text onto, so internal/resolver can decide
// "skip, not fatal" (spec.md §4.4 step 2) without string-matching the
// appliance's output itself.
var (
	ErrConnectionRefused = errors.New("appliance: connection refused")
	ErrShareNotFound     = errors.New("appliance: share not found")
	ErrNoSuchFile        = errors.New("appliance: no such file or directory")
)

// ClassifyAttachError inspects appliance stderr the way the original's
// nbd_disk::attach_nbd_disk does (original_source/src/nbd_disk/mod.rs),
// turning known failure text into the sentinels above. Anything else is
// returned as-is (an "Unknown" failure, not fatal to the resolver but
// logged verbatim).
func ClassifyAttachError(stderrText string) error {
	switch {
	case strings.Contains(stderrText, "Failed to connect to") && strings.Contains(stderrText, "Connection refused"):
		return ErrConnectionRefused
	case strings.Contains(stderrText, "server reported: export ") && strings.Contains(stderrText, "not present"):
		return ErrShareNotFound
	default:
		return errors.New(stderrText)
	}
}
