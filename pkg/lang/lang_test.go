package lang

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtension(t *testing.T) {
	for lang, want := range map[string]string{
		"python":   "py",
		"Python3":  "py",
		" go ":     "go",
		"c++":      "cpp",
		"cobol":    "txt",
		"":         "txt",
		"markdown": "md",
	} {
		assert.Equal(t, want, Extension(lang), lang)
	}
}

func TestKnownIsSorted(t *testing.T) {
	known := Known()
	assert.IsIncreasing(t, known)
	assert.Contains(t, known, "python")
}
