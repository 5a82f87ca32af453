package archive

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// EncodeDir encodes a local directory tree, pruning denied directories
// while walking.
func EncodeDir(dir string, opts Options) (*Archive, error) {
	f := newFilter(opts)
	var entries []Entry
	var skipped []Skipped

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != dir && f.dirs[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || f.files[d.Name()] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if f.maxSize > 0 && info.Size() > f.maxSize {
			skipped = append(skipped, Skipped{Path: rel, Size: info.Size()})
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{Path: rel, Mode: info.Mode().Perm(), Data: data})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}

	a, err := encodeEntries(entries, opts.Level)
	if err != nil {
		return nil, err
	}
	a.Skipped = skipped
	return a, nil
}

// ExtractDir writes every entry of a zip archive below dir. Member paths
// are resolved with SecureJoin so they cannot escape dir through symlinks.
func ExtractDir(data []byte, dir string) (int, error) {
	entries, err := Decode(data)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create %s: %w", dir, err)
	}
	for _, e := range entries {
		target, err := securejoin.SecureJoin(dir, e.Path)
		if err != nil {
			return 0, fmt.Errorf("resolve %s: %w", e.Path, err)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return 0, fmt.Errorf("create parent of %s: %w", e.Path, err)
		}
		mode := e.Mode.Perm()
		if mode == 0 {
			mode = 0o644
		}
		if err := os.WriteFile(target, e.Data, mode); err != nil {
			return 0, fmt.Errorf("write %s: %w", e.Path, err)
		}
	}
	return len(entries), nil
}
