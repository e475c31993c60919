package presence

import (
	"sort"
	"sync"
)

// Tracker keeps the render set of remote cursors and selections, keyed by
// user. Updates are idempotent; an update older than what is already held
// for the user is dropped.
type Tracker struct {
	mu         sync.Mutex
	cursors    map[string]Cursor
	selections map[string]Selection
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		cursors:    make(map[string]Cursor),
		selections: make(map[string]Selection),
	}
}

// ApplyCursor records a cursor update. Returns false if a newer entry for
// the user already exists.
func (t *Tracker) ApplyCursor(c Cursor) bool {
	if c.UserID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if held, ok := t.cursors[c.UserID]; ok && held.UpdatedAt > c.UpdatedAt {
		return false
	}
	t.cursors[c.UserID] = c
	return true
}

// ApplySelection records a selection update. Returns false if a newer entry
// for the user already exists.
func (t *Tracker) ApplySelection(s Selection) bool {
	if s.UserID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if held, ok := t.selections[s.UserID]; ok && held.UpdatedAt > s.UpdatedAt {
		return false
	}
	t.selections[s.UserID] = s
	return true
}

// ClearCursor removes the user's cursor.
func (t *Tracker) ClearCursor(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cursors, userID)
}

// ClearSelection removes the user's selection.
func (t *Tracker) ClearSelection(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.selections, userID)
}

// DropUser removes everything the user owns. Called when the user's
// connection is observed closed.
func (t *Tracker) DropUser(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cursors, userID)
	delete(t.selections, userID)
}

// Cursors returns the current render set ordered by user ID.
func (t *Tracker) Cursors() []Cursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Cursor, 0, len(t.cursors))
	for _, c := range t.cursors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Selections returns the current render set ordered by user ID.
func (t *Tracker) Selections() []Selection {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Selection, 0, len(t.selections))
	for _, s := range t.selections {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
