// Package localfs implements the path-confined local directory backend
// (spec.md §4.3, §4.4). It is the Go, path-confinement-checked rework of
// the original's local_fs::LocalRoot (original_source/src/local_fs/mod.rs),
// generalized from the teacher's bare "./" + filename prefixing
// (wjholden/GoTFTPd, tftp.TftpNode.handleClient) into a real chroot check.
package localfs

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/wjholden/rtftpd/internal/vfs"
)

// Root is a local directory backend rooted at Path. Every open is confined
// to Path: the resolved, symlink-evaluated absolute path of the request
// must lie within Path, or AccessViolation is returned (spec.md §4.3).
type Root struct {
	Path string
}

// New returns a Root rooted at the (not necessarily existing) directory
// path. The directory need not exist yet — a peer subdirectory that was
// never created simply yields FileNotFound on every open.
func New(path string) *Root {
	return &Root{Path: filepath.Clean(path)}
}

func (r *Root) String() string {
	return "<LocalRoot: " + r.Path + ">"
}

// Open resolves relativePath against Path and enforces confinement.
func (r *Root) Open(relativePath string) (vfs.OpenedFile, error) {
	relativePath = strings.TrimPrefix(relativePath, "/")
	joined := filepath.Join(r.Path, relativePath)
	if !withinRoot(joined, r.Path) {
		return nil, vfs.NewError(vfs.AccessViolation, "path escapes root")
	}

	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		return nil, mapOSError(err)
	}
	if !withinRoot(resolved, r.Path) {
		return nil, vfs.NewError(vfs.AccessViolation, "symlink escapes root")
	}

	f, err := os.Open(resolved)
	if err != nil {
		return nil, mapOSError(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mapOSError(err)
	}
	if info.IsDir() {
		f.Close()
		return nil, vfs.NewError(vfs.FileNotFound, "is a directory")
	}
	return &openedFile{f: f}, nil
}

// withinRoot reports whether candidate (an absolute, cleaned path) lies
// within root, treating root itself as contained.
func withinRoot(candidate, root string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func mapOSError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return vfs.NewError(vfs.FileNotFound, err.Error())
	case errors.Is(err, fs.ErrPermission):
		return vfs.NewError(vfs.AccessViolation, err.Error())
	default:
		return vfs.NewError(vfs.Unknown, err.Error())
	}
}

type openedFile struct {
	f *os.File
}

func (o *openedFile) Read(buffer []byte) (int, error) {
	n, err := o.f.Read(buffer)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		return n, mapOSError(err)
	}
	return n, nil
}

func (o *openedFile) Size() (uint64, error) {
	info, err := o.f.Stat()
	if err != nil {
		return 0, mapOSError(err)
	}
	return uint64(info.Size()), nil
}
