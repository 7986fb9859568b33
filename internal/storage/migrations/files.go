package migrations

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// migrationFile is one embedded SQL file.
type migrationFile struct {
	Version string // file name without extension, e.g. "001_recommendations"
	SQL     string
}

// loadFiles reads all .sql files under dir in lexical order, skipping blank ones.
func loadFiles(fsys fs.FS, dir string) ([]migrationFile, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read embedded %s migrations: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	files := make([]migrationFile, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		files = append(files, migrationFile{
			Version: strings.TrimSuffix(name, ".sql"),
			SQL:     string(data),
		})
	}
	return files, nil
}
