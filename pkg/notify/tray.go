package notify

import (
	"sort"
	"sync"
)

// Tray holds the notifications currently visible to the user. Showing a
// descriptor whose tag is already present replaces it.
type Tray struct {
	mu    sync.Mutex
	items map[string]Descriptor
	seq   map[string]uint64
	next  uint64
}

// NewTray creates an empty tray.
func NewTray() *Tray {
	return &Tray{
		items: make(map[string]Descriptor),
		seq:   make(map[string]uint64),
	}
}

// Has reports whether a notification with tag is visible.
func (t *Tray) Has(tag string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.items[tag]
	return ok
}

// Show displays d, replacing any notification with the same tag.
// It reports whether a notification was replaced.
func (t *Tray) Show(d Descriptor) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, replaced := t.items[d.Tag]
	t.items[d.Tag] = d
	t.next++
	t.seq[d.Tag] = t.next
	return replaced
}

// Get returns the visible notification with tag.
func (t *Tray) Get(tag string) (Descriptor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.items[tag]
	return d, ok
}

// Close removes the notification with tag and returns it.
func (t *Tray) Close(tag string) (Descriptor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.items[tag]
	delete(t.items, tag)
	delete(t.seq, tag)
	return d, ok
}

// List returns the visible notifications, most recently shown first.
func (t *Tray) List() []Descriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Descriptor, 0, len(t.items))
	for _, d := range t.items {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return t.seq[out[i].Tag] > t.seq[out[j].Tag]
	})
	return out
}
