// Package search provides full-text search over submitted records, backed by
// Meilisearch with a PostgreSQL FTS fallback.
package search

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
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

// RecordDoc is the data we index for a submitted record.
type RecordDoc struct {
	ID                   string `json:"id"`
	InitiatedBy          string `json:"initiated_by"`
	Product              string `json:"product"`
	AgentName            string `json:"agent_name"`
	TeamBrand            string `json:"team_brand"`
	ABTesting            string `json:"ab_testing"`
	Budget               string `json:"budget"`
	ApprovedByBI         string `json:"approved_by_bi"`
	ApprovedByDigital    string `json:"approved_by_digital"`
	ApprovedByOperations string `json:"approved_by_operations"`
	PhoneNumber          string `json:"phone_number"`
	ApprovedByMadam      string `json:"approved_by_madam"`
}

// NewRecordDoc builds an indexable document from a record's field map.
func NewRecordDoc(id string, fields map[string]string) RecordDoc {
	return RecordDoc{
		ID:                   id,
		InitiatedBy:          fields["initiated_by"],
		Product:              fields["product"],
		AgentName:            fields["agent_name"],
		TeamBrand:            fields["team_brand"],
		ABTesting:            fields["ab_testing"],
		Budget:               fields["budget"],
		ApprovedByBI:         fields["approved_by_bi"],
		ApprovedByDigital:    fields["approved_by_digital"],
		ApprovedByOperations: fields["approved_by_operations"],
		PhoneNumber:          fields["phone_number"],
		ApprovedByMadam:      fields["approved_by_madam"],
	}
}
