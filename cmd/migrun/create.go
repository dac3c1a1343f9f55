package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var nonWord = regexp.MustCompile(`[^a-z0-9_]+`)

// scaffold writes an empty versioned script and its undo file, versioned by
// UTC timestamp.
func scaffold(dir, name string) ([]string, error) {
	desc := sanitize(name)
	if desc == "" {
		return nil, errors.New("name has no usable characters")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	version := time.Now().UTC().Format("20060102150405")
	files := []struct{ prefix, body string }{
		{"V", "-- write your migration here\n"},
		{"U", "-- write the statements that undo V" + version + " here\n"},
	}
	var paths []string
	for _, f := range files {
		p := filepath.Join(dir, fmt.Sprintf("%s%s__%s.sql", f.prefix, version, desc))
		if err := os.WriteFile(p, []byte(f.body), 0o644); err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	return strings.Trim(nonWord.ReplaceAllString(s, ""), "_")
}
