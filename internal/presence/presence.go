// Package presence tracks ephemeral participant state: remote carets and
// text selections. Presence is a strictly best-effort side channel layered on
// the same transport as snapshot replication but never persisted, never
// replayed, and garbage-collected the moment the owning session disconnects.
package presence

// Cursor is one participant's caret. DocPos, when set, is a replicated-text
// position ("site:seq") and is preferred because it survives concurrent
// edits and reflow; X/Y relative to the named field or document container is
// the fallback for carets outside replicated text.
type Cursor struct {
	UserID      string  `json:"userId"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	DocumentID  string  `json:"documentId,omitempty"`
	FieldID     string  `json:"fieldId,omitempty"`
	DocPos      string  `json:"docPos,omitempty"`
	CaretHeight float64 `json:"caretHeight,omitempty"`
	UpdatedAt   int64   `json:"updatedAt"`
}

// Rect is a client rectangle for rendering a selection fragment directly.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Selection is one participant's non-collapsed text selection. From/To are
// replicated-text positions when resolvable; Rects carry the raw geometry
// for receivers that cannot map them.
type Selection struct {
	UserID     string `json:"userId"`
	DocumentID string `json:"documentId"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	Rects      []Rect `json:"rects,omitempty"`
	UpdatedAt  int64  `json:"updatedAt"`
}
