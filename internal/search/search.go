package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultPage     ResultType = "page"
	ResultDocument ResultType = "document"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet"`
	Path     string     `json:"path"`
	FolderID string     `json:"folderId,omitempty"`
	Status   string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text            string
	FilterType      ResultType // empty = all types
	FilterStatus    string     // pages only
	IncludeArchived bool
	Limit           int
	Offset          int
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

// Indexer can push entities into a search index.
type Indexer interface {
	IndexPage(p PageRecord) error
	IndexDocument(d DocumentRecord) error
	DeletePage(id string) error
	DeleteDocument(id string) error
}

// PageRecord is the data we index for a content page.
type PageRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	MenuTitle string `json:"menuTitle"`
	Path      string `json:"path"`
	Status    string `json:"status"`
}

// DocumentRecord is the data we index for a document.
type DocumentRecord struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	FolderID string `json:"folderId"`
	Path     string `json:"path"`
}
