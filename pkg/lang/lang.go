// Package lang maps language names to file extensions.
package lang

import (
	"sort"
	"strings"
)

// DefaultExtension is used for languages missing from the table.
const DefaultExtension = "txt"

var extensions = map[string]string{
	"bash":       "sh",
	"c":          "c",
	"c++":        "cpp",
	"cpp":        "cpp",
	"csharp":     "cs",
	"css":        "css",
	"dart":       "dart",
	"elixir":     "ex",
	"go":         "go",
	"haskell":    "hs",
	"html":       "html",
	"java":       "java",
	"javascript": "js",
	"json":       "json",
	"kotlin":     "kt",
	"lua":        "lua",
	"markdown":   "md",
	"perl":       "pl",
	"php":        "php",
	"python":     "py",
	"python3":    "py",
	"r":          "r",
	"ruby":       "rb",
	"rust":       "rs",
	"scala":      "scala",
	"sql":        "sql",
	"swift":      "swift",
	"typescript": "ts",
	"yaml":       "yaml",
}

// Extension returns the file extension for language, case insensitively.
func Extension(language string) string {
	if ext, ok := extensions[strings.ToLower(strings.TrimSpace(language))]; ok {
		return ext
	}
	return DefaultExtension
}

// Known lists the language names in the table.
func Known() []string {
	out := make([]string, 0, len(extensions))
	for name := range extensions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
