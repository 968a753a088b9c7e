package realtime

import (
	"sync"
	"time"
)

// DefaultDedupWindow bounds how far apart the current and legacy frames of one action may arrive.
const DefaultDedupWindow = 2 * time.Second

// Deduper collapses the back-to-back frames a client sends for one action (current and legacy event
// names) into a single effect. Only a repeat of the immediately preceding key inside the window is
// a duplicate, so alternating actions such as join, leave, join are all applied.
type Deduper struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	lastKey string
	lastAt  time.Time
	lastOK  bool
}

// NewDeduper creates a deduper; a non-positive window disables it.
func NewDeduper(window time.Duration) *Deduper {
	return &Deduper{window: window, now: time.Now}
}

// Duplicate reports whether key repeats the previous action. A new key becomes the previous one.
func (d *Deduper) Duplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if d.window > 0 && key == d.lastKey && now.Sub(d.lastAt) < d.window {
		return true
	}
	d.lastKey, d.lastAt, d.lastOK = key, now, false
	return false
}

// Succeeded records that the previous action was applied.
func (d *Deduper) Succeeded() {
	d.mu.Lock()
	d.lastOK = true
	d.mu.Unlock()
}

// LastSucceeded reports whether the previous action was applied.
func (d *Deduper) LastSucceeded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastOK
}
