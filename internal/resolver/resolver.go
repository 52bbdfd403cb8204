// Package resolver builds the per-IP backend chain (spec.md §4.4): a local
// directory rooted at the peer's own IP, every matching NBD config found
// directly under the root directory, and a fallback "default" local
// directory. This generalizes original_source/src/peer_handler/mod.rs's
// get_available_remote_roots/files_sorted/match_ip helpers.
package resolver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/wjholden/rtftpd/internal/appliance"
	"github.com/wjholden/rtftpd/internal/localfs"
	"github.com/wjholden/rtftpd/internal/remotefs"
	"github.com/wjholden/rtftpd/internal/vfs"
)

// Chain is the ordered list of backends a peer dispatcher holds for its
// lifetime (spec.md §3 "Backend chain", §4.4).
type Chain struct {
	roots []vfs.Root
}

// Open tries each backend in order, per spec.md §4.4's resolution rule:
// FileNotFound continues to the next backend; AccessViolation/ReadError/
// Unknown surface immediately.
func (c *Chain) Open(relativePath string) (vfs.OpenedFile, error) {
	var lastErr error = vfs.ErrFileNotFound
	for _, root := range c.roots {
		f, err := root.Open(relativePath)
		if err == nil {
			return f, nil
		}
		var verr *vfs.Error
		if !asVFSError(err, &verr) || verr.Kind != vfs.FileNotFound {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func asVFSError(err error, target **vfs.Error) bool {
	ve, ok := err.(*vfs.Error)
	if ok {
		*target = ve
	}
	return ok
}

// Close releases every remote root's reference on its underlying disk.
// Local roots need no cleanup.
func (c *Chain) Close() {
	for _, root := range c.roots {
		if closer, ok := root.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}
}

// Resolver builds Chains for peer IPs out of a root directory laid out per
// spec.md §6.
type Resolver struct {
	RootDir   string
	Connector appliance.Connector
	Log       zerolog.Logger
}

// Build constructs the backend chain for peerIP: local peer root, every
// connectable matching NBD config (sorted lexicographically by filename,
// per the original's files_sorted), then the local default root.
func (r *Resolver) Build(peerIP string) *Chain {
	roots := []vfs.Root{localfs.New(filepath.Join(r.RootDir, peerIP))}
	roots = append(roots, r.remoteRoots(peerIP)...)
	roots = append(roots, localfs.New(filepath.Join(r.RootDir, "default")))
	return &Chain{roots: roots}
}

func (r *Resolver) remoteRoots(peerIP string) []vfs.Root {
	if r.Connector == nil {
		return nil
	}
	var roots []vfs.Root
	for _, path := range filesSorted(r.RootDir) {
		name := filepath.Base(path)
		if !strings.HasPrefix(name, peerIP) {
			continue
		}
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		cfg, ok := readNBDConfig(path, r.Log)
		if !ok {
			continue
		}
		root, err := remotefs.Connect(r.Connector, cfg)
		if err != nil {
			r.Log.Warn().Str("config", path).Err(err).Msg("skipping remote root: connect failed")
			continue
		}
		r.Log.Info().Str("config", path).Str("url", cfg.URL).Msg("connected remote root")
		roots = append(roots, root)
	}
	return roots
}

func filesSorted(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files
}

func readNBDConfig(path string, log zerolog.Logger) (remotefs.Config, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Str("config", path).Err(err).Msg("can't read config")
		return remotefs.Config{}, false
	}
	var cfg remotefs.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		log.Warn().Str("config", path).Err(err).Msg("can't parse config as NBD config")
		return remotefs.Config{}, false
	}
	if !strings.HasPrefix(cfg.URL, "nbd://") {
		log.Warn().Str("config", path).Msg("config url is not an nbd:// url, skipping")
		return remotefs.Config{}, false
	}
	return cfg, true
}
