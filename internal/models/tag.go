package models

// MatchingAlgorithm is the server's auto-assignment rule.
type MatchingAlgorithm int

const (
	MatchNone MatchingAlgorithm = iota
	MatchAny
	MatchAll
	MatchLiteral
	MatchRegex
	MatchFuzzy
	MatchAuto
)

// Matching holds the auto-assignment fields shared by tags, correspondents
// and document types.
type Matching struct {
	Match             string            `json:"match"`
	MatchingAlgorithm MatchingAlgorithm `json:"matching_algorithm"`
	IsInsensitive     bool              `json:"is_insensitive"`
}

// Tag represents a server-side label.
type Tag struct {
	SyncMeta
	Matching
	ID            int64  `db:"id" json:"id"`
	Slug          string `json:"slug,omitempty"`
	Name          string `db:"name" json:"name"`
	Color         string `json:"color,omitempty"`
	TextColor     string `json:"text_color,omitempty"`
	IsInboxTag    bool   `json:"is_inbox_tag"`
	DocumentCount int    `json:"document_count"`
}

// TableName returns the table name for Tag.
func (Tag) TableName() string {
	return "tags"
}

// Key returns the server-assigned id.
func (t *Tag) Key() int64 {
	return t.ID
}
