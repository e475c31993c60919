package presence

import (
	"groundwork/sync/internal/replica"
)

// RenderedCursor is a cursor mapped into the local view. When Resolved is
// true Offset is the current visible offset inside the document body;
// otherwise the receiver should fall back to the raw X/Y coordinates.
type RenderedCursor struct {
	Cursor
	Resolved bool
	Offset   int
}

// RenderedSelection is a selection mapped into the local view. When Resolved
// is true FromOffset/ToOffset bound the span; otherwise the raw client
// rectangles are all the receiver has.
type RenderedSelection struct {
	Selection
	Resolved   bool
	FromOffset int
	ToOffset   int
}

// Resolver maps replicated-text positions from remote presence entries back
// to offsets through the local replica view.
type Resolver struct {
	store *replica.Store
}

// NewResolver creates a resolver over the local shared text store.
func NewResolver(store *replica.Store) *Resolver {
	return &Resolver{store: store}
}

// ResolveCursor maps the cursor's docPos if the document is open locally.
func (r *Resolver) ResolveCursor(c Cursor) RenderedCursor {
	out := RenderedCursor{Cursor: c}
	if c.DocPos == "" || c.DocumentID == "" || !r.store.Has(c.DocumentID) {
		return out
	}
	id, err := replica.ParseElemID(c.DocPos)
	if err != nil {
		return out
	}
	offset, ok := r.store.Body(c.DocumentID).OffsetOf(id)
	if !ok {
		return out
	}
	out.Resolved = true
	out.Offset = offset
	return out
}

// ResolveSelection maps the selection's from/to if the document is open
// locally and both endpoints are still live.
func (r *Resolver) ResolveSelection(s Selection) RenderedSelection {
	out := RenderedSelection{Selection: s}
	if s.From == "" || s.To == "" || s.DocumentID == "" || !r.store.Has(s.DocumentID) {
		return out
	}
	from, err := replica.ParseElemID(s.From)
	if err != nil {
		return out
	}
	to, err := replica.ParseElemID(s.To)
	if err != nil {
		return out
	}
	body := r.store.Body(s.DocumentID)
	fromOffset, ok := body.OffsetOf(from)
	if !ok {
		return out
	}
	toOffset, ok := body.OffsetOf(to)
	if !ok {
		return out
	}
	if toOffset < fromOffset {
		fromOffset, toOffset = toOffset, fromOffset
	}
	out.Resolved = true
	out.FromOffset = fromOffset
	out.ToOffset = toOffset
	return out
}
