// Package replica provides the mergeable text structure that document bodies
// replicate through. Concurrent edits from any number of replicas converge
// deterministically without coordination; operations are commutative and
// idempotent, so the transport may reorder or redeliver them freely.
//
// The synchronization core consumes this package only through local mutation,
// remote operation application, the first-sync signal, and length/emptiness
// reads. The merge rule itself (RGA ordering over tombstoned elements) is an
// internal detail.
package replica

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// ElemID identifies a single inserted rune: the originating site plus that
// site's lamport sequence at insertion time. The zero value is the head
// sentinel that anchors inserts at the front of the document.
type ElemID struct {
	Site string
	Seq  uint64
}

// Head is the predecessor of the first element.
var Head = ElemID{}

func (id ElemID) IsHead() bool { return id.Site == "" && id.Seq == 0 }

// String renders the ID in the "site:seq" wire form used as a docPos.
func (id ElemID) String() string {
	return id.Site + ":" + strconv.FormatUint(id.Seq, 10)
}

// ParseElemID parses the "site:seq" wire form.
func ParseElemID(s string) (ElemID, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return ElemID{}, fmt.Errorf("malformed element id %q", s)
	}
	seq, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return ElemID{}, fmt.Errorf("malformed element id %q: %w", s, err)
	}
	return ElemID{Site: s[:i], Seq: seq}, nil
}

// newerThan orders concurrent inserts after the same predecessor. Higher
// sequence wins; site breaks ties so every replica picks the same order.
func (id ElemID) newerThan(other ElemID) bool {
	if id.Seq != other.Seq {
		return id.Seq > other.Seq
	}
	return id.Site > other.Site
}

// OpKind is the kind of replicated text operation.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
)

// Op is one replicated text operation. Ops are self-identifying: applying
// the same op twice is a no-op on every replica.
type Op struct {
	Kind  OpKind `json:"kind"`
	ID    string `json:"id"`
	After string `json:"after,omitempty"`
	Rune  string `json:"rune,omitempty"`
}

type element struct {
	id      ElemID
	r       rune
	deleted bool
}

// pendingInsert is an insert whose predecessor has not arrived yet.
type pendingInsert struct {
	id    ElemID
	after ElemID
	r     rune
}

// Text is one replicated document body.
type Text struct {
	mu       sync.Mutex
	site     string
	seq      uint64
	elements []element
	index    map[ElemID]int

	// Out-of-order arrivals park here until their dependency shows up, so
	// the structure stays order-independent no matter what the transport
	// does to the op stream.
	pending        map[ElemID][]pendingInsert
	queued         map[ElemID]struct{}
	pendingDeletes map[ElemID]struct{}

	synced    bool
	onSync    []func()
	remoteOps int
}

// NewText creates an empty replica owned by the given site ID.
func NewText(site string) *Text {
	return &Text{
		site:           site,
		index:          make(map[ElemID]int),
		pending:        make(map[ElemID][]pendingInsert),
		queued:         make(map[ElemID]struct{}),
		pendingDeletes: make(map[ElemID]struct{}),
	}
}

// Site returns the owning site ID.
func (t *Text) Site() string {
	return t.site
}

// InsertAt inserts a rune at the visible offset and returns the operation to
// broadcast. Offset is clamped to the current visible length.
func (t *Text) InsertAt(offset int, r rune) Op {
	t.mu.Lock()
	defer t.mu.Unlock()

	after := t.idBeforeVisibleLocked(offset)
	t.seq++
	id := ElemID{Site: t.site, Seq: t.seq}
	t.integrateInsertLocked(id, after, r)
	return Op{Kind: OpInsert, ID: id.String(), After: after.String(), Rune: string(r)}
}

// InsertStringAt inserts a string rune by rune, returning the ops in order.
func (t *Text) InsertStringAt(offset int, s string) []Op {
	ops := make([]Op, 0, len(s))
	for _, r := range s {
		ops = append(ops, t.InsertAt(offset, r))
		offset++
	}
	return ops
}

// DeleteAt tombstones the rune at the visible offset and returns the
// operation to broadcast. Returns false if the offset is out of range.
func (t *Text) DeleteAt(offset int) (Op, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.visibleIndexLocked(offset)
	if !ok {
		return Op{}, false
	}
	t.elements[idx].deleted = true
	return Op{Kind: OpDelete, ID: t.elements[idx].id.String()}, true
}

// Apply merges a (possibly redelivered, possibly reordered) operation.
// Returns true if local state changed.
func (t *Text) Apply(op Op) (bool, error) {
	id, err := ParseElemID(op.ID)
	if err != nil {
		return false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch op.Kind {
	case OpInsert:
		if _, seen := t.index[id]; seen {
			return false, nil
		}
		if _, waiting := t.queued[id]; waiting {
			return false, nil
		}
		after := Head
		if op.After != "" {
			if after, err = ParseElemID(op.After); err != nil {
				return false, err
			}
		}
		runes := []rune(op.Rune)
		if len(runes) != 1 {
			return false, fmt.Errorf("insert op %s carries %d runes", op.ID, len(runes))
		}
		if !after.IsHead() {
			if _, ok := t.index[after]; !ok {
				// Delivery raced ahead of the insert that created the
				// predecessor; park until it arrives.
				t.pending[after] = append(t.pending[after], pendingInsert{id: id, after: after, r: runes[0]})
				t.queued[id] = struct{}{}
				return true, nil
			}
		}
		t.applyInsertLocked(id, after, runes[0])
		return true, nil
	case OpDelete:
		idx, seen := t.index[id]
		if !seen {
			if _, dup := t.pendingDeletes[id]; dup {
				return false, nil
			}
			t.pendingDeletes[id] = struct{}{}
			return true, nil
		}
		if t.elements[idx].deleted {
			return false, nil
		}
		t.elements[idx].deleted = true
		if id.Site != t.site {
			t.remoteOps++
		}
		return true, nil
	default:
		return false, fmt.Errorf("unknown op kind %q", op.Kind)
	}
}

// applyInsertLocked integrates one insert, then drains any arrivals that were
// waiting on it: parked deletes of this element and parked inserts whose
// predecessor it is.
func (t *Text) applyInsertLocked(id, after ElemID, r rune) {
	t.integrateInsertLocked(id, after, r)
	if id.Seq > t.seq {
		t.seq = id.Seq
	}
	if id.Site != t.site {
		t.remoteOps++
	}

	if _, del := t.pendingDeletes[id]; del {
		delete(t.pendingDeletes, id)
		t.elements[t.index[id]].deleted = true
	}
	waiters := t.pending[id]
	delete(t.pending, id)
	for _, w := range waiters {
		delete(t.queued, w.id)
		t.applyInsertLocked(w.id, w.after, w.r)
	}
}

// integrateInsertLocked places id after its predecessor using the RGA rule:
// skip over any already-integrated elements in the gap whose IDs are newer,
// so concurrent inserts at the same spot land in the same order everywhere.
func (t *Text) integrateInsertLocked(id, after ElemID, r rune) {
	pos := 0
	if !after.IsHead() {
		if i, ok := t.index[after]; ok {
			pos = i + 1
		}
	}
	for pos < len(t.elements) && t.elements[pos].id.newerThan(id) {
		pos++
	}

	t.elements = append(t.elements, element{})
	copy(t.elements[pos+1:], t.elements[pos:])
	t.elements[pos] = element{id: id, r: r}
	for i := pos; i < len(t.elements); i++ {
		t.index[t.elements[i].id] = i
	}
}

// idBeforeVisibleLocked returns the ID of the element preceding the given
// visible offset, or Head for offset zero.
func (t *Text) idBeforeVisibleLocked(offset int) ElemID {
	if offset <= 0 {
		return Head
	}
	seen := 0
	for i := range t.elements {
		if t.elements[i].deleted {
			continue
		}
		seen++
		if seen == offset {
			return t.elements[i].id
		}
	}
	if n := len(t.elements); n > 0 {
		return t.elements[n-1].id
	}
	return Head
}

func (t *Text) visibleIndexLocked(offset int) (int, bool) {
	seen := 0
	for i := range t.elements {
		if t.elements[i].deleted {
			continue
		}
		if seen == offset {
			return i, true
		}
		seen++
	}
	return 0, false
}

// Len returns the visible rune count.
func (t *Text) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.elements {
		if !t.elements[i].deleted {
			n++
		}
	}
	return n
}

// Empty reports whether no visible content exists.
func (t *Text) Empty() bool {
	return t.Len() == 0
}

// String returns the visible text.
func (t *Text) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var b strings.Builder
	for i := range t.elements {
		if !t.elements[i].deleted {
			b.WriteRune(t.elements[i].r)
		}
	}
	return b.String()
}

// RemoteOps returns how many operations from other sites have been merged.
// The seed decision uses this to tell "still empty because nobody wrote"
// from "empty again after remote edits".
func (t *Text) RemoteOps() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteOps
}

// MarkSynced records that the structure has completed its first full sync
// handshake and fires any registered callbacks. Idempotent.
func (t *Text) MarkSynced() {
	t.mu.Lock()
	if t.synced {
		t.mu.Unlock()
		return
	}
	t.synced = true
	callbacks := t.onSync
	t.onSync = nil
	t.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// Synced reports whether the first full sync has completed.
func (t *Text) Synced() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.synced
}

// OnFirstSync registers a callback for the first-sync signal. If the signal
// already fired the callback runs immediately.
func (t *Text) OnFirstSync(fn func()) {
	t.mu.Lock()
	if t.synced {
		t.mu.Unlock()
		fn()
		return
	}
	t.onSync = append(t.onSync, fn)
	t.mu.Unlock()
}

// ExportOps flattens current state into an op sequence for transferring to
// a joining replica: one insert per element in document order (tombstones
// included) followed by the deletes. Ops keep their original IDs, so a
// receiver that already merged some of them is unaffected by the replay.
func (t *Text) ExportOps() []Op {
	t.mu.Lock()
	defer t.mu.Unlock()

	ops := make([]Op, 0, len(t.elements))
	prev := Head
	var deletes []Op
	for i := range t.elements {
		e := t.elements[i]
		ops = append(ops, Op{
			Kind:  OpInsert,
			ID:    e.id.String(),
			After: prev.String(),
			Rune:  string(e.r),
		})
		if e.deleted {
			deletes = append(deletes, Op{Kind: OpDelete, ID: e.id.String()})
		}
		prev = e.id
	}
	return append(ops, deletes...)
}

// IDAt returns the element ID at the visible offset, for presence positions
// that must survive concurrent edits.
func (t *Text) IDAt(offset int) (ElemID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.visibleIndexLocked(offset)
	if !ok {
		return ElemID{}, false
	}
	return t.elements[idx].id, true
}

// OffsetOf maps an element ID back to its current visible offset. Returns
// false if the element is unknown or tombstoned.
func (t *Text) OffsetOf(id ElemID) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.index[id]
	if !ok || t.elements[idx].deleted {
		return 0, false
	}
	offset := 0
	for i := 0; i < idx; i++ {
		if !t.elements[i].deleted {
			offset++
		}
	}
	return offset, true
}
