package remotefs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wjholden/rtftpd/internal/appliance"
	"github.com/wjholden/rtftpd/internal/vfs"
)

type fakeHandle struct {
	files   map[string][]byte
	partns  []appliance.Partition
	closed  bool
	mounted []int
}

func (h *fakeHandle) ListPartitions() ([]appliance.Partition, error) { return h.partns, nil }
func (h *fakeHandle) Mount(partition int, mountpoint string) error {
	h.mounted = append(h.mounted, partition)
	return nil
}
func (h *fakeHandle) Stat(path string) (uint64, error) {
	data, ok := h.files[path]
	if !ok {
		return 0, appliance.ErrNoSuchFile
	}
	return uint64(len(data)), nil
}
func (h *fakeHandle) ReadChunk(path string, offset uint64, buffer []byte) (int, error) {
	data := h.files[path]
	if offset >= uint64(len(data)) {
		return 0, nil
	}
	n := copy(buffer, data[offset:])
	return n, nil
}
func (h *fakeHandle) Close() error { h.closed = true; return nil }

type fakeConnector struct {
	handle *fakeHandle
	err    error
}

func (c *fakeConnector) Connect(url string) (appliance.Handle, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.handle, nil
}

func TestConnect_MountsConfiguredPartitions(t *testing.T) {
	h := &fakeHandle{
		files:  map[string][]byte{"/boot/vmlinuz": []byte("kernel-bytes")},
		partns: []appliance.Partition{{Index: 1, Label: "/dev/sda1"}, {Index: 2, Label: "/dev/sda2"}},
	}
	root, err := Connect(&fakeConnector{handle: h}, Config{
		URL:      "nbd://host:10809/export",
		Mounts:   []MountConfig{{Partition: 1, Mountpoint: "/"}},
		TFTPRoot: "/boot",
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, h.mounted)

	f, err := root.Open("vmlinuz")
	require.NoError(t, err)
	size, err := f.Size()
	require.NoError(t, err)
	assert.EqualValues(t, len("kernel-bytes"), size)

	buf := make([]byte, 32)
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "kernel-bytes", string(buf[:n]))

	require.NoError(t, root.Close())
	assert.True(t, h.closed)
}

func TestConnect_PartitionOutOfRangeIsError(t *testing.T) {
	h := &fakeHandle{partns: []appliance.Partition{{Index: 1, Label: "/dev/sda1"}}}
	_, err := Connect(&fakeConnector{handle: h}, Config{
		URL:    "nbd://host/export",
		Mounts: []MountConfig{{Partition: 5, Mountpoint: "/"}},
	})
	require.Error(t, err)
	assert.True(t, h.closed, "handle should be released on config error")
}

func TestConnect_RejectsNonNBDURL(t *testing.T) {
	_, err := Connect(&fakeConnector{}, Config{URL: "http://example.com"})
	require.Error(t, err)
}

func TestOpen_MissingFileMapsToFileNotFound(t *testing.T) {
	h := &fakeHandle{files: map[string][]byte{}}
	root, err := Connect(&fakeConnector{handle: h}, Config{URL: "nbd://host/export", TFTPRoot: "/"})
	require.NoError(t, err)

	_, err = root.Open("missing")
	require.Error(t, err)
	var verr *vfs.Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, vfs.FileNotFound, verr.Kind)
}
