package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	AnalysisID string `json:"analysisId"`
	NodeID     string `json:"nodeId"`
	Deviation  string `json:"deviation"`
	Snippet    string `json:"snippet"`
	RiskRank   string `json:"riskRank,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text             string
	FilterAnalysisID string
	FilterRiskRank   string
	Limit            int
	Offset           int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over analysis entries.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entries into a search index.
type Indexer interface {
	IndexEntry(e EntryRecord) error
	DeleteEntry(id string) error
}

// EntryRecord is the data we index for a hazard analysis entry.
type EntryRecord struct {
	ID              string   `json:"id"`
	AnalysisID      string   `json:"analysisId"`
	NodeID          string   `json:"nodeId"`
	GuideWord       string   `json:"guideWord"`
	Parameter       string   `json:"parameter"`
	Deviation       string   `json:"deviation"`
	Causes          []string `json:"causes"`
	Consequences    []string `json:"consequences"`
	Safeguards      []string `json:"safeguards"`
	Recommendations []string `json:"recommendations"`
	Notes           string   `json:"notes"`
	RiskRank        string   `json:"riskRank"`
}
