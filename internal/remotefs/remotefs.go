// Package remotefs implements the NBD-backed virtual root backend
// (spec.md §4.3, §4.4): an appliance.Handle wrapped as a vfs.Root rooted
// at a chroot path inside the mounted partitions. This is the Go rework of
// original_source/src/remote_fs.rs's RemoteChroot/FileReader, generalized
// over the appliance.Handle interface instead of a concrete GuestFS type.
package remotefs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wjholden/rtftpd/internal/appliance"
	"github.com/wjholden/rtftpd/internal/vfs"
)

// Config is the on-disk per-IP JSON config shape (spec.md §6):
//
//	{ "url": "nbd://host:port/export",
//	  "mounts": [ {"partition": 1, "mountpoint": "/boot"} ],
//	  "tftp_root": "/boot" }
type Config struct {
	URL      string        `json:"url"`
	Mounts   []MountConfig `json:"mounts"`
	TFTPRoot string        `json:"tftp_root"`
}

// MountConfig is one entry of Config.Mounts.
type MountConfig struct {
	Partition  int    `json:"partition"`
	Mountpoint string `json:"mountpoint"`
}

// ConnectedDisk is a reference-counted appliance handle. The Root built by
// Connect holds the one reference, released by Root.Close; files opened
// from that Root use the handle without taking a reference of their own.
type ConnectedDisk struct {
	handle appliance.Handle
	url    string
	refs   int
}

// NewConnectedDisk wraps an already-attached handle with one reference.
func NewConnectedDisk(handle appliance.Handle, url string) *ConnectedDisk {
	return &ConnectedDisk{handle: handle, url: url, refs: 1}
}

// Acquire adds a reference, returning the same disk for chaining.
func (d *ConnectedDisk) Acquire() *ConnectedDisk {
	d.refs++
	return d
}

// Release drops a reference, closing the underlying handle once the last
// holder releases it.
func (d *ConnectedDisk) Release() error {
	d.refs--
	if d.refs <= 0 {
		return d.handle.Close()
	}
	return nil
}

// Connect attaches url via connector, enumerates its partitions, and
// mounts every configured mountpoint read-only, per spec.md §4.4 step 2.
// On success it returns a Root chrooted at cfg.TFTPRoot.
func Connect(connector appliance.Connector, cfg Config) (*Root, error) {
	if !strings.HasPrefix(cfg.URL, "nbd://") {
		return nil, errors.New("remotefs: config url must start with nbd://")
	}
	handle, err := connector.Connect(cfg.URL)
	if err != nil {
		return nil, err
	}

	partitions, err := handle.ListPartitions()
	if err != nil {
		handle.Close()
		return nil, err
	}
	for _, m := range cfg.Mounts {
		if m.Partition < 1 || m.Partition > len(partitions) {
			handle.Close()
			return nil, fmt.Errorf("remotefs: config requests partition %d, disk has %d", m.Partition, len(partitions))
		}
		if err := handle.Mount(m.Partition, m.Mountpoint); err != nil {
			handle.Close()
			return nil, err
		}
	}

	disk := NewConnectedDisk(handle, cfg.URL)
	return &Root{disk: disk, chroot: cfg.TFTPRoot}, nil
}

// Root is a vfs.Root backed by a ConnectedDisk, rooted at chroot inside
// the appliance's mounted namespace.
type Root struct {
	disk   *ConnectedDisk
	chroot string
}

func (r *Root) String() string {
	return "<RemoteRoot: " + r.disk.url + r.chroot + ">"
}

// Close releases this root's reference on the underlying disk.
func (r *Root) Close() error {
	return r.disk.Release()
}

func (r *Root) Open(relativePath string) (vfs.OpenedFile, error) {
	path := joinApppliancePath(r.chroot, relativePath)
	size, err := r.disk.handle.Stat(path)
	if err != nil {
		return nil, mapApplianceError(err)
	}
	return &openedFile{handle: r.disk.handle, path: path, size: size}, nil
}

func joinApppliancePath(chroot, relativePath string) string {
	relativePath = strings.TrimPrefix(relativePath, "/")
	if chroot == "" || chroot == "/" {
		return "/" + relativePath
	}
	return strings.TrimSuffix(chroot, "/") + "/" + relativePath
}

func mapApplianceError(err error) error {
	if errors.Is(err, appliance.ErrNoSuchFile) {
		return vfs.NewError(vfs.FileNotFound, err.Error())
	}
	if strings.Contains(err.Error(), "No such file or directory") {
		return vfs.NewError(vfs.FileNotFound, err.Error())
	}
	return vfs.NewError(vfs.Unknown, err.Error())
}

type openedFile struct {
	handle appliance.Handle
	path   string
	size   uint64
	offset uint64
}

func (o *openedFile) Read(buffer []byte) (int, error) {
	if o.offset >= o.size {
		return 0, nil
	}
	n, err := o.handle.ReadChunk(o.path, o.offset, buffer)
	if err != nil {
		return 0, mapApplianceError(err)
	}
	o.offset += uint64(n)
	return n, nil
}

func (o *openedFile) Size() (uint64, error) {
	return o.size, nil
}
