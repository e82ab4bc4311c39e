// Package manifest describes the asset set of one application version.
//
// A manifest is supplied by the deploying party as YAML:
//
//	version: app-v2
//	entries:
//	  - url: ./index.html
//	    critical: true
//	  - url: ./style.css
//
// Critical entries must all be stored for an install to succeed.
// Best-effort entries are attempted after them and may fail individually.
package manifest

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidManifest indicates a manifest that failed validation.
var ErrInvalidManifest = errors.New("invalid manifest")

// Entry is one URL the engine preloads.
type Entry struct {
	URL      string `yaml:"url" json:"url"`
	Critical bool   `yaml:"critical" json:"critical"`
}

// Manifest is the ordered asset list of one version.
type Manifest struct {
	// Version is the version tag; it doubles as the store name
	Version string `yaml:"version" json:"version"`

	// Entries keep their declaration order
	Entries []Entry `yaml:"entries" json:"entries"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML manifest.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that the manifest has a version and unique, non-empty URLs.
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.Version) == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidManifest)
	}
	seen := make(map[string]struct{}, len(m.Entries))
	for i, e := range m.Entries {
		u := strings.TrimSpace(e.URL)
		if u == "" {
			return fmt.Errorf("%w: entry %d has no url", ErrInvalidManifest, i)
		}
		if _, err := url.Parse(u); err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrInvalidManifest, i, err)
		}
		if _, dup := seen[u]; dup {
			return fmt.Errorf("%w: duplicate url %q", ErrInvalidManifest, u)
		}
		seen[u] = struct{}{}
	}
	return nil
}

// Resolve returns a copy of the manifest with every URL made absolute
// against base. Relative entries such as "./index.html" resolve inside the
// base path, absolute entries are kept.
func (m *Manifest) Resolve(base *url.URL) (*Manifest, error) {
	out := &Manifest{Version: m.Version, Entries: make([]Entry, 0, len(m.Entries))}
	for _, e := range m.Entries {
		ref, err := url.Parse(strings.TrimSpace(e.URL))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
		}
		abs := base.ResolveReference(ref)
		abs.Fragment = ""
		out.Entries = append(out.Entries, Entry{URL: abs.String(), Critical: e.Critical})
	}
	return out, nil
}

// Critical returns the critical entries in declaration order.
func (m *Manifest) Critical() []Entry {
	return m.filter(true)
}

// BestEffort returns the non-critical entries in declaration order.
func (m *Manifest) BestEffort() []Entry {
	return m.filter(false)
}

// URLs returns every entry URL in declaration order.
func (m *Manifest) URLs() []string {
	urls := make([]string, len(m.Entries))
	for i, e := range m.Entries {
		urls[i] = e.URL
	}
	return urls
}

func (m *Manifest) filter(critical bool) []Entry {
	var out []Entry
	for _, e := range m.Entries {
		if e.Critical == critical {
			out = append(out, e)
		}
	}
	return out
}
