// Package manifest expands command-line paths into the list of files a
// sender offers.
package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Item is one regular file.
type Item struct {
	// Path locates the file on the local disk.
	Path string
	// Name is the slash-separated name offered to the receiver. Files found
	// inside a directory keep their path relative to that directory's parent.
	Name string
	Size int64
}

// Manifest is a sorted selection of files.
type Manifest struct {
	Items      []Item
	TotalBytes int64
}

// ScanPaths walks each path and collects the regular files below it.
// Items are sorted by Name. Top-level paths sharing a base name get an
// ordinal prefix ("1_", "2_") in argument order. Entries that cannot be
// read are skipped; the partial manifest is returned with a joined error.
func ScanPaths(paths []string) (Manifest, error) {
	if len(paths) == 0 {
		return Manifest{}, errors.New("no paths provided")
	}

	bases := make([]string, len(paths))
	count := make(map[string]int)
	for i, p := range paths {
		bases[i] = baseName(p)
		count[bases[i]]++
	}

	var (
		m       Manifest
		errs    []error
		ordinal = make(map[string]int)
	)
	for i, p := range paths {
		base := bases[i]
		if count[base] > 1 {
			ordinal[base]++
			base = fmt.Sprintf("%d_%s", ordinal[base], base)
		}

		info, err := os.Stat(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("cannot access %s: %w", p, err))
			continue
		}
		if !info.IsDir() {
			if info.Mode().IsRegular() {
				m.add(Item{Path: p, Name: base, Size: info.Size()})
			}
			continue
		}

		err = filepath.WalkDir(p, func(walkPath string, d fs.DirEntry, err error) error {
			if err != nil {
				errs = append(errs, fmt.Errorf("cannot read %s: %w", walkPath, err))
				if d != nil && d.IsDir() && walkPath != p {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				errs = append(errs, fmt.Errorf("cannot stat %s: %w", walkPath, err))
				return nil
			}
			rel, err := filepath.Rel(p, walkPath)
			if err != nil {
				return err
			}
			m.add(Item{Path: walkPath, Name: base + "/" + filepath.ToSlash(rel), Size: info.Size()})
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("walk %s: %w", p, err))
		}
	}

	sort.Slice(m.Items, func(i, j int) bool { return m.Items[i].Name < m.Items[j].Name })
	if len(errs) > 0 {
		return m, fmt.Errorf("scan completed with %d error(s): %w", len(errs), errors.Join(errs...))
	}
	return m, nil
}

func (m *Manifest) add(it Item) {
	m.Items = append(m.Items, it)
	m.TotalBytes += it.Size
}

func baseName(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		abs = p
	}
	switch b := filepath.Base(abs); b {
	case ".", string(filepath.Separator):
		return "root"
	default:
		return b
	}
}
