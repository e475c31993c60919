// Package project defines the non-text project state that replicates as a
// single versioned snapshot: documents, codes, highlights, categories, memos,
// the core category and the theory narrative.
package project

import (
	"encoding/json"
)

// UpdatedAtReset is the sentinel a replica's version is set to when switching
// to a different project identity. The next incoming snapshot, even an empty
// one, fully replaces local state.
const UpdatedAtReset int64 = 0

// Document carries metadata plus the cached plain projection of the body.
// Once the replicated body for the document has synced it is authoritative
// and HTML/Text here are derived from it, never the other way around.
type Document struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	HTML  string `json:"html"`
	Text  string `json:"text"`
}

// Code is an open-coding label applied to document spans.
type Code struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Highlight links a document span to a code.
type Highlight struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	StartIndex int    `json:"startIndex"`
	EndIndex   int    `json:"endIndex"`
	CodeID     string `json:"codeId"`
}

// Category groups codes during axial coding. The paradigm triple records the
// precondition/action/consequence reading of the grouping.
type Category struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	CodeIDs      []string `json:"containedCodeIds"`
	Precondition string   `json:"precondition"`
	Action       string   `json:"action"`
	Consequence  string   `json:"consequence"`
}

// MemoScope says what a memo is attached to.
type MemoScope string

const (
	MemoScopeCode     MemoScope = "code"
	MemoScopeCategory MemoScope = "category"
	MemoScopeGlobal   MemoScope = "global"
)

// Memo is an analyst note scoped to a code, a category, or the project.
type Memo struct {
	ID       string    `json:"id"`
	Scope    MemoScope `json:"scope"`
	TargetID string    `json:"targetId,omitempty"`
	HTML     string    `json:"html"`
	Text     string    `json:"text"`
}

// Snapshot is the full non-text project state at a point in time, stamped
// with a wall-clock version in milliseconds.
type Snapshot struct {
	Documents           []Document  `json:"documents"`
	Codes               []Code      `json:"codes"`
	Highlights          []Highlight `json:"highlights"`
	Categories          []Category  `json:"categories"`
	Memos               []Memo      `json:"memos"`
	CoreCategoryID      string      `json:"coreCategoryId,omitempty"`
	TheoryNarrativeHTML string      `json:"theoryNarrativeHtml"`
	UpdatedAt           int64       `json:"updatedAt"`
}

// Empty reports whether the snapshot carries no project content at all.
// The version stamp is ignored.
func (s *Snapshot) Empty() bool {
	return len(s.Documents) == 0 &&
		len(s.Codes) == 0 &&
		len(s.Highlights) == 0 &&
		len(s.Categories) == 0 &&
		len(s.Memos) == 0 &&
		s.CoreCategoryID == "" &&
		s.TheoryNarrativeHTML == ""
}

// TextLength returns the aggregate plain-text length across all documents.
// Used by the content-wipe guard: a snapshot that lists documents but sums
// to zero text is suspected of having missed the live editor content.
func (s *Snapshot) TextLength() int {
	total := 0
	for _, d := range s.Documents {
		total += len(d.Text)
	}
	return total
}

// Clone returns a deep copy. Accepted remote snapshots are cloned before
// they replace local state so later mutation of the incoming value cannot
// alias the replica.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		Documents:           append([]Document(nil), s.Documents...),
		Codes:               append([]Code(nil), s.Codes...),
		Highlights:          append([]Highlight(nil), s.Highlights...),
		Categories:          make([]Category, len(s.Categories)),
		Memos:               append([]Memo(nil), s.Memos...),
		CoreCategoryID:      s.CoreCategoryID,
		TheoryNarrativeHTML: s.TheoryNarrativeHTML,
		UpdatedAt:           s.UpdatedAt,
	}
	for i, c := range s.Categories {
		c.CodeIDs = append([]string(nil), c.CodeIDs...)
		out.Categories[i] = c
	}
	return out
}

// Serialize returns the canonical JSON form used for change detection on the
// outbound path. The version stamp is excluded so that re-stamping alone
// never looks like a content change.
func (s *Snapshot) Serialize() string {
	shadow := s.Clone()
	shadow.UpdatedAt = 0
	data, err := json.Marshal(shadow)
	if err != nil {
		return ""
	}
	return string(data)
}

// Document returns the document with the given ID, or nil.
func (s *Snapshot) Document(id string) *Document {
	for i := range s.Documents {
		if s.Documents[i].ID == id {
			return &s.Documents[i]
		}
	}
	return nil
}

// Code returns the code with the given ID, or nil.
func (s *Snapshot) Code(id string) *Code {
	for i := range s.Codes {
		if s.Codes[i].ID == id {
			return &s.Codes[i]
		}
	}
	return nil
}

// Category returns the category with the given ID, or nil.
func (s *Snapshot) Category(id string) *Category {
	for i := range s.Categories {
		if s.Categories[i].ID == id {
			return &s.Categories[i]
		}
	}
	return nil
}
