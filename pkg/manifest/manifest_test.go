package manifest

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
version: app-v2
entries:
  - url: ./
    critical: true
  - url: ./index.html
    critical: true
  - url: ./style.css
  - url: https://cdn.example.net/lib.js
`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "app-v2", m.Version)
	require.Len(t, m.Entries, 4)
	assert.Equal(t, []Entry{{URL: "./", Critical: true}, {URL: "./index.html", Critical: true}}, m.Critical())
	assert.Equal(t, []Entry{{URL: "./style.css"}, {URL: "https://cdn.example.net/lib.js"}}, m.BestEffort())
	assert.Equal(t, []string{"./", "./index.html", "./style.css", "https://cdn.example.net/lib.js"}, m.URLs())
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not yaml", "version: [unterminated"},
		{"missing version", "entries:\n  - url: ./a\n"},
		{"empty url", "version: v1\nentries:\n  - url: ''\n"},
		{"duplicate url", "version: v1\nentries:\n  - url: ./a\n  - url: ./a\n    critical: true\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.ErrorIs(t, err, ErrInvalidManifest)
		})
	}
}

func TestResolve(t *testing.T) {
	m, err := Parse([]byte(sample))
	require.NoError(t, err)

	base, _ := url.Parse("https://app.example.com/board/")
	resolved, err := m.Resolve(base)
	require.NoError(t, err)

	assert.Equal(t, "app-v2", resolved.Version)
	assert.Equal(t, []string{
		"https://app.example.com/board/",
		"https://app.example.com/board/index.html",
		"https://app.example.com/board/style.css",
		"https://cdn.example.net/lib.js",
	}, resolved.URLs())
	assert.True(t, resolved.Entries[1].Critical)

	// The source manifest is left untouched.
	assert.Equal(t, "./index.html", m.Entries[1].URL)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, m.Entries, 4)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
