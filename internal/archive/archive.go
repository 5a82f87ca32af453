// Package archive builds and unpacks the zip archives used for project
// snapshots and migration transfers.
//
// Archives are deterministic: entries are sorted by path, carry a fixed
// modification time and only permission bits, so the same tree always
// encodes to the same bytes and the same SHA-256.
package archive

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

const (
	// DefaultMaxFileSize is the per-file ceiling for persisted snapshots.
	DefaultMaxFileSize = 10 << 20
	// TransferMaxFileSize is the per-file ceiling for migration transfers.
	TransferMaxFileSize = 5 << 20

	ContentType = "application/zip"
)

// DeniedDirs are directory names never included at any depth.
var DeniedDirs = []string{
	"node_modules", ".git", ".next", "dist", "build",
	".vscode", ".idea", "__pycache__", ".cache",
}

// DeniedFiles are file names never included at any depth.
var DeniedFiles = []string{".DS_Store", "Thumbs.db"}

// epoch is the modification time written for every entry. Zip timestamps
// cannot represent anything earlier.
var epoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Options controls filtering and compression.
type Options struct {
	MaxFileSize int64
	Level       int
	DeniedDirs  []string
	DeniedFiles []string
}

// DefaultOptions is used for snapshots: balanced compression, 10 MiB ceiling.
func DefaultOptions() Options {
	return Options{
		MaxFileSize: DefaultMaxFileSize,
		Level:       6,
		DeniedDirs:  DeniedDirs,
		DeniedFiles: DeniedFiles,
	}
}

// TransferOptions is used for migration transfers: fast compression, 5 MiB ceiling.
func TransferOptions() Options {
	return Options{
		MaxFileSize: TransferMaxFileSize,
		Level:       flate.BestSpeed,
		DeniedDirs:  DeniedDirs,
		DeniedFiles: DeniedFiles,
	}
}

// Entry is one regular file inside an archive.
type Entry struct {
	Path string
	Mode fs.FileMode
	Data []byte
}

// Skipped records a file that was left out because of the size ceiling.
type Skipped struct {
	Path string
	Size int64
}

// Archive is an encoded zip together with its content hash.
type Archive struct {
	Data    []byte
	SHA256  string
	Files   int
	Skipped []Skipped
}

// Size returns the encoded length in bytes.
func (a *Archive) Size() int64 {
	return int64(len(a.Data))
}

// Sum returns the lowercase hex SHA-256 of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Encode reads a tar stream of a working directory and encodes the files
// that pass the filters into a zip archive.
func Encode(r io.Reader, opts Options) (*Archive, error) {
	f := newFilter(opts)
	var entries []Entry
	var skipped []Skipped

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name, err := cleanPath(hdr.Name)
		if err != nil {
			return nil, err
		}
		if name == "" || f.denied(name) {
			continue
		}
		if f.maxSize > 0 && hdr.Size > f.maxSize {
			skipped = append(skipped, Skipped{Path: name, Size: hdr.Size})
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		entries = append(entries, Entry{Path: name, Mode: fs.FileMode(hdr.Mode).Perm(), Data: data})
	}

	a, err := encodeEntries(entries, opts.Level)
	if err != nil {
		return nil, err
	}
	a.Skipped = skipped
	return a, nil
}

func encodeEntries(entries []Entry, level int) (*Archive, error) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})

	for i, e := range entries {
		if i > 0 && entries[i-1].Path == e.Path {
			return nil, fmt.Errorf("duplicate entry %s", e.Path)
		}
		hdr := &zip.FileHeader{
			Name:     e.Path,
			Method:   zip.Deflate,
			Modified: epoch,
		}
		mode := e.Mode.Perm()
		if mode == 0 {
			mode = 0o644
		}
		hdr.SetMode(mode)
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("create entry %s: %w", e.Path, err)
		}
		if _, err := w.Write(e.Data); err != nil {
			return nil, fmt.Errorf("write entry %s: %w", e.Path, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}

	data := buf.Bytes()
	return &Archive{Data: data, SHA256: Sum(data), Files: len(entries)}, nil
}

// Decode returns the entries of a zip archive sorted by path.
func Decode(data []byte) ([]Entry, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	entries := make([]Entry, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name, err := cleanPath(f.Name)
		if err != nil {
			return nil, err
		}
		if name == "" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open entry %s: %w", name, err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read entry %s: %w", name, err)
		}
		entries = append(entries, Entry{Path: name, Mode: f.Mode().Perm(), Data: b})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
	return entries, nil
}

// ToTar converts a zip archive into an uncompressed tar stream suitable
// for extraction with tar -xf inside a sandbox.
func ToTar(data []byte) ([]byte, error) {
	entries, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return Tar(entries)
}

// Tar writes entries as a tar stream, creating parent directories first.
func Tar(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	dirs := map[string]bool{}
	for _, e := range entries {
		for _, dir := range parents(e.Path) {
			if dirs[dir] {
				continue
			}
			dirs[dir] = true
			if err := tw.WriteHeader(&tar.Header{
				Name:     dir + "/",
				Typeflag: tar.TypeDir,
				Mode:     0o755,
				ModTime:  epoch,
			}); err != nil {
				return nil, fmt.Errorf("write dir %s: %w", dir, err)
			}
		}
		mode := e.Mode.Perm()
		if mode == 0 {
			mode = 0o644
		}
		if err := tw.WriteHeader(&tar.Header{
			Name:     e.Path,
			Typeflag: tar.TypeReg,
			Mode:     int64(mode),
			Size:     int64(len(e.Data)),
			ModTime:  epoch,
		}); err != nil {
			return nil, fmt.Errorf("write header %s: %w", e.Path, err)
		}
		if _, err := tw.Write(e.Data); err != nil {
			return nil, fmt.Errorf("write %s: %w", e.Path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	return buf.Bytes(), nil
}

func parents(p string) []string {
	var out []string
	for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
		out = append([]string{dir}, out...)
	}
	return out
}

// cleanPath normalizes an archive member name to a slash-separated
// relative path and rejects names that escape the root.
func cleanPath(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	p := path.Clean("/" + name)
	if strings.Contains(name, "..") {
		for _, part := range strings.Split(name, "/") {
			if part == ".." {
				return "", fmt.Errorf("archive member %q escapes root", name)
			}
		}
	}
	return strings.TrimPrefix(p, "/"), nil
}

type filter struct {
	dirs    map[string]bool
	files   map[string]bool
	maxSize int64
}

func newFilter(opts Options) filter {
	f := filter{dirs: map[string]bool{}, files: map[string]bool{}, maxSize: opts.MaxFileSize}
	for _, d := range opts.DeniedDirs {
		f.dirs[d] = true
	}
	for _, n := range opts.DeniedFiles {
		f.files[n] = true
	}
	return f
}

func (f filter) denied(p string) bool {
	parts := strings.Split(p, "/")
	for _, dir := range parts[:len(parts)-1] {
		if f.dirs[dir] {
			return true
		}
	}
	return f.files[parts[len(parts)-1]]
}
