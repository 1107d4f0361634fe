// Package archive packs directory trees into zstd-compressed tarballs.
//
// An archive holds any number of roots. Entries of root i are stored under
// the prefix "i/", and a root that is a single file is stored as entry "i".
// Extraction maps each prefix back onto a caller-supplied destination, so a
// cache saved from ~/.cache/pip on one machine restores into whatever that
// path resolves to on the next.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// ErrUnsafePath is returned for entries that would escape their destination.
var ErrUnsafePath = errors.New("unsafe path in archive")

// Stats summarizes a Create or Extract call.
type Stats struct {
	Files int
	Bytes int64

	// Missing lists roots that did not exist and were skipped.
	Missing []string
}

// Create writes roots into w as tar+zstd. Roots that do not exist are
// recorded in Stats.Missing and skipped.
func Create(w io.Writer, roots []string) (Stats, error) {
	var stats Stats

	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return stats, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	for i, root := range roots {
		info, err := os.Lstat(root)
		if errors.Is(err, fs.ErrNotExist) {
			stats.Missing = append(stats.Missing, root)
			continue
		}
		if err != nil {
			return stats, err
		}

		prefix := strconv.Itoa(i)
		if !info.IsDir() {
			if err := addEntry(tw, root, prefix, info, &stats); err != nil {
				return stats, err
			}
			continue
		}

		err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			name := prefix
			if rel != "." {
				name = path.Join(prefix, filepath.ToSlash(rel))
			}
			return addEntry(tw, p, name, info, &stats)
		})
		if err != nil {
			return stats, fmt.Errorf("failed to archive %s: %w", root, err)
		}
	}

	if err := tw.Close(); err != nil {
		return stats, err
	}
	return stats, zw.Close()
}

func addEntry(tw *tar.Writer, p, name string, info fs.FileInfo, stats *Stats) error {
	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(p)
		if err != nil {
			return err
		}
		link = target
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	if !info.Mode().IsRegular() {
		return nil
	}
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := io.Copy(tw, f)
	if err != nil {
		return err
	}
	stats.Files++
	stats.Bytes += n
	return nil
}

// Extract unpacks an archive written by [Create]. Entries of root i are
// written below dests[i]; entries for roots beyond len(dests) are skipped.
func Extract(r io.Reader, dests []string) (Stats, error) {
	var stats Stats

	zr, err := zstd.NewReader(r)
	if err != nil {
		return stats, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer zr.Close()
	tr := tar.NewReader(zr)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read archive: %w", err)
		}

		target, ok, err := destination(hdr.Name, dests)
		if err != nil {
			return stats, err
		}
		if !ok {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return stats, err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return stats, err
			}
			stats.Files++
			stats.Bytes += hdr.Size
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return stats, err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return stats, err
			}
		}
	}
}

// destination maps an entry name onto the filesystem.
func destination(name string, dests []string) (string, bool, error) {
	name = strings.TrimSuffix(name, "/")
	prefix, rest, _ := strings.Cut(name, "/")
	i, err := strconv.Atoi(prefix)
	if err != nil || i < 0 {
		return "", false, fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	if i >= len(dests) {
		return "", false, nil
	}
	if rest == "" {
		return dests[i], true, nil
	}
	if !filepath.IsLocal(filepath.FromSlash(rest)) {
		return "", false, fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return filepath.Join(dests[i], filepath.FromSlash(rest)), true, nil
}

func writeFile(target string, r io.Reader, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
