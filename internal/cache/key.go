package cache

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"

	"jobmatrix/internal/glob"
)

// WeekStamp returns the ISO year-week of t as "YYYY-WW", the same value as
// `date +%G-%V`. Keys embedding it roll over every Monday.
func WeekStamp(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-%02d", year, week)
}

// HashFiles returns a hex digest over the contents of every regular file
// below root matching the patterns, or "" when nothing matches. Patterns
// are relative to root; '!' patterns exclude. Files are hashed in path
// order, so the digest is independent of walk order.
func HashFiles(root string, patterns ...string) (string, error) {
	compiled, err := glob.CompileList(patterns)
	if err != nil {
		return "", err
	}

	var matches []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if glob.MatchAny(compiled, filepath.ToSlash(rel)) {
			matches = append(matches, p)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("hashFiles: %w", err)
	}
	if len(matches) == 0 {
		return "", nil
	}
	sort.Strings(matches)

	outer := blake3.New()
	for _, p := range matches {
		sum, err := hashFile(p)
		if err != nil {
			return "", fmt.Errorf("hashFiles: %w", err)
		}
		outer.Write(sum)
	}
	return hex.EncodeToString(outer.Sum(nil)), nil
}

func hashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
