// Package scan fingerprints the files of a local HTML tree.
package scan

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrIO marks a local file or directory that could not be read. A scan
// never skips such a file, since a missing key would later be deleted
// remotely.
var ErrIO = errors.New("local I/O error")

// Entry is one regular file found under the tree root.
type Entry struct {
	Key  string // slash-separated path relative to the root
	Size int64
	ETag string // quoted hex MD5, the way S3 reports single-part uploads
	Path string // absolute path on disk
}

// Options tune a scan.
type Options struct {
	// Exclude holds doublestar patterns matched against keys.
	Exclude []string
}

// Tree walks root/sub and returns an entry for each regular file, keyed
// by its path relative to root. An empty sub scans the whole root.
func Tree(root, sub string, opts Options) (map[string]Entry, error) {
	for _, pattern := range opts.Exclude {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid exclude pattern %q", pattern)
		}
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %s: %v", ErrIO, root, err)
	}
	walkDir := filepath.Join(absRoot, sub)

	info, err := os.Stat(walkDir)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, walkDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: not a directory: %s", ErrIO, walkDir)
	}

	entries := make(map[string]Entry)
	err = filepath.WalkDir(walkDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("%w: walking %s: %v", ErrIO, path, err)
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() && d.Type()&fs.ModeSymlink == 0 {
			return nil
		}

		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if Excluded(key, opts.Exclude) {
			return nil
		}

		entry, ok, err := fingerprint(path, key)
		if err != nil {
			return err
		}
		if ok {
			entries[key] = entry
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// fingerprint hashes a file. Symlinks are followed; anything that does not
// resolve to a regular file (sockets, links to directories) is ignored.
func fingerprint(path, key string) (Entry, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: opening %s: %v", ErrIO, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: stat %s: %v", ErrIO, path, err)
	}
	if !info.Mode().IsRegular() {
		return Entry{}, false, nil
	}

	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: reading %s: %v", ErrIO, path, err)
	}

	return Entry{
		Key:  key,
		Size: n,
		ETag: `"` + hex.EncodeToString(h.Sum(nil)) + `"`,
		Path: path,
	}, true, nil
}

// Excluded reports whether key matches any of the exclude patterns.
func Excluded(key string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, key); ok {
			return true
		}
	}
	return false
}
