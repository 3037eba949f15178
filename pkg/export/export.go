// Package export writes tabs out as files.
package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/astromechza/snowcode/pkg/lang"
	"github.com/astromechza/snowcode/pkg/registry"
)

// FileName returns "<tab name>.<ext>" with path separators and other
// characters that do not belong in a file name replaced.
func FileName(tab registry.Tab, language string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, strings.TrimSpace(tab.Name))
	name = strings.Trim(name, ".")
	if name == "" {
		name = "untitled"
	}
	return name + "." + lang.Extension(language)
}

// WriteFile writes one tab into dir and returns the path it used.
func WriteFile(dir string, tab registry.Tab, language string) (string, error) {
	path := filepath.Join(dir, FileName(tab, language))
	if err := os.WriteFile(path, []byte(tab.Content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// Archive writes every tab into a zip archive. Tabs sharing a name get a
// " (n)" suffix so no entry is overwritten.
func Archive(w io.Writer, tabs []registry.Tab, language string, modified time.Time) error {
	zw := zip.NewWriter(w)
	names := archiveNames(tabs, language)
	for i, tab := range tabs {
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:     names[i],
			Method:   zip.Deflate,
			Modified: modified,
		})
		if err != nil {
			return fmt.Errorf("failed to add %s: %w", names[i], err)
		}
		if _, err := io.WriteString(fw, tab.Content); err != nil {
			return fmt.Errorf("failed to write %s: %w", names[i], err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	return nil
}

func archiveNames(tabs []registry.Tab, language string) []string {
	used := make(map[string]bool, len(tabs))
	out := make([]string, len(tabs))
	for i, tab := range tabs {
		name := FileName(tab, language)
		if used[name] {
			ext := filepath.Ext(name)
			base := strings.TrimSuffix(name, ext)
			for n := 2; used[name]; n++ {
				name = fmt.Sprintf("%s (%d)%s", base, n, ext)
			}
		}
		used[name] = true
		out[i] = name
	}
	return out
}
