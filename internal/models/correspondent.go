package models

// Correspondent is the sender or recipient of a document.
type Correspondent struct {
	SyncMeta
	Matching
	ID                 int64   `db:"id" json:"id"`
	Slug               string  `json:"slug,omitempty"`
	Name               string  `db:"name" json:"name"`
	DocumentCount      int     `json:"document_count"`
	LastCorrespondence *string `json:"last_correspondence,omitempty"`
}

// TableName returns the table name for Correspondent.
func (Correspondent) TableName() string {
	return "correspondents"
}

// Key returns the server-assigned id.
func (c *Correspondent) Key() int64 {
	return c.ID
}

// DocumentType classifies documents (invoice, contract, ...).
type DocumentType struct {
	SyncMeta
	Matching
	ID            int64  `db:"id" json:"id"`
	Slug          string `json:"slug,omitempty"`
	Name          string `db:"name" json:"name"`
	DocumentCount int    `json:"document_count"`
}

// TableName returns the table name for DocumentType.
func (DocumentType) TableName() string {
	return "document_types"
}

// Key returns the server-assigned id.
func (d *DocumentType) Key() int64 {
	return d.ID
}

// CustomField describes a custom field definition. Only read when the
// server supports the feature.
type CustomField struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	DataType string `json:"data_type"`
}
