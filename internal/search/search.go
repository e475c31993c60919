// Package search indexes project content from each accepted snapshot and
// answers full-text queries. Meilisearch is preferred; PostgreSQL FTS over
// the persisted snapshot is the fallback.
package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultDocument ResultType = "document"
	ResultCode     ResultType = "code"
	ResultMemo     ResultType = "memo"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	ProjectID string     `json:"projectId"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text       string
	ProjectID  string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// DocumentRecord is the data indexed for a document.
type DocumentRecord struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Title     string `json:"title"`
	Text      string `json:"text"`
}

// CodeRecord is the data indexed for a code.
type CodeRecord struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Name      string `json:"name"`
}

// MemoRecord is the data indexed for a memo.
type MemoRecord struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Scope     string `json:"scope"`
	Text      string `json:"text"`
}
