package fsutil

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
)

var (
	versionedRe  = regexp.MustCompile(`^([VU])(\d[\d._]*?)__([A-Za-z0-9_\-]+)\.sql$`)
	repeatableRe = regexp.MustCompile(`^R__([A-Za-z0-9_\-]+)\.sql$`)
)

type Prefix string

const (
	Versioned  Prefix = "V"
	Undo       Prefix = "U"
	Repeatable Prefix = "R"
)

// File is one migration file found on disk or in an embedded tree.
type File struct {
	Prefix Prefix
	// Version has underscores turned into dots; empty for repeatables.
	Version     string
	Description string
	// Name is the file name without the .sql suffix.
	Name    string
	Path    string
	Content string
}

// ScanDir scans a local directory on disk.
func ScanDir(dir string) ([]File, error) {
	return Scan(os.DirFS(dir), ".")
}

// ScanEmbedded scans an embedded fs under a root dir path (logical path).
func ScanEmbedded(fsys fs.FS, root string) ([]File, error) {
	return Scan(fsys, root)
}

// Scan reads every migration file directly under root. Other files are
// ignored. Two files resolving to the same identity are an error.
func Scan(fsys fs.FS, root string) ([]File, error) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, err
	}
	seen := map[string]string{}
	var out []File
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		f, ok := parse(e.Name())
		if !ok {
			continue
		}
		key := string(f.Prefix) + ":" + f.Version
		if f.Prefix == Repeatable {
			key = string(f.Prefix) + ":" + f.Name
		}
		if prev, dup := seen[key]; dup {
			return nil, fmt.Errorf("duplicate migration %s: %s and %s", key, prev, e.Name())
		}
		seen[key] = e.Name()

		f.Path = path.Join(root, e.Name())
		b, err := fs.ReadFile(fsys, f.Path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Path, err)
		}
		f.Content = string(b)
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func parse(name string) (File, bool) {
	if m := repeatableRe.FindStringSubmatch(name); m != nil {
		return File{
			Prefix:      Repeatable,
			Description: describe(m[1]),
			Name:        strings.TrimSuffix(name, ".sql"),
		}, true
	}
	if m := versionedRe.FindStringSubmatch(name); m != nil {
		return File{
			Prefix:      Prefix(m[1]),
			Version:     strings.ReplaceAll(m[2], "_", "."),
			Description: describe(m[3]),
			Name:        strings.TrimSuffix(name, ".sql"),
		}, true
	}
	return File{}, false
}

func describe(s string) string {
	return strings.ReplaceAll(s, "_", " ")
}
