package migrator

import (
	"fmt"
	"io/fs"
	"sort"

	"github.com/mirajehossain/migrun/internal/fsutil"
)

// FileSource locates migration files: RootDir on local disk when FS is
// nil, otherwise RootDir inside FS (typically an embed.FS).
type FileSource struct {
	FS      fs.FS
	RootDir string
}

func (src FileSource) Load() ([]Script, error) {
	var (
		files []fsutil.File
		err   error
	)
	if src.FS == nil {
		files, err = fsutil.ScanDir(src.RootDir)
	} else {
		files, err = fsutil.ScanEmbedded(src.FS, src.RootDir)
	}
	if err != nil {
		return nil, err
	}
	return Load(files)
}

// Load turns scanned files into batch order: versioned scripts ascending by
// version, then repeatables by name. Undo files become the RollbackContent
// of the versioned script with the same version.
func Load(files []fsutil.File) ([]Script, error) {
	var versioned, repeatable []Script
	undo := map[string]fsutil.File{}
	for _, f := range files {
		switch f.Prefix {
		case fsutil.Versioned:
			versioned = append(versioned, Script{
				Version:     f.Version,
				Kind:        KindVersioned,
				Description: f.Description,
				ScriptName:  f.Name,
				Content:     f.Content,
			})
		case fsutil.Repeatable:
			repeatable = append(repeatable, Script{
				Kind:        KindRepeatable,
				Description: f.Description,
				ScriptName:  f.Name,
				Content:     f.Content,
			})
		case fsutil.Undo:
			undo[f.Version] = f
		}
	}

	sort.SliceStable(versioned, func(i, j int) bool {
		return CompareVersions(versioned[i].Version, versioned[j].Version) < 0
	})
	for i := 1; i < len(versioned); i++ {
		if CompareVersions(versioned[i-1].Version, versioned[i].Version) == 0 {
			return nil, fmt.Errorf("%w: %s and %s share a version", ErrInvalidScript, versioned[i-1].ScriptName, versioned[i].ScriptName)
		}
	}
	for i := range versioned {
		if u, ok := undo[versioned[i].Version]; ok {
			versioned[i].RollbackContent = u.Content
			delete(undo, versioned[i].Version)
		}
	}
	for _, u := range undo {
		return nil, fmt.Errorf("%w: undo file %s has no matching versioned script", ErrInvalidScript, u.Name)
	}
	sort.SliceStable(repeatable, func(i, j int) bool { return repeatable[i].ScriptName < repeatable[j].ScriptName })

	return append(versioned, repeatable...), nil
}
