package cache

import (
	"database/sql"

	"github.com/napoleonmm83/paperless-scanner-sub008/internal/models"
)

// Concrete stores for the cached entity types.
type (
	TagStore           = Store[models.Tag, *models.Tag]
	CorrespondentStore = Store[models.Correspondent, *models.Correspondent]
	DocumentTypeStore  = Store[models.DocumentType, *models.DocumentType]
	TaskStore          = Store[models.Task, *models.Task]
)

var (
	tagTable = Table[models.Tag]{
		Name:    models.Tag{}.TableName(),
		OrderBy: "name COLLATE NOCASE, id",
		Columns: []string{"name"},
		Project: func(t *models.Tag) []any { return []any{t.Name} },
	}
	correspondentTable = Table[models.Correspondent]{
		Name:    models.Correspondent{}.TableName(),
		OrderBy: "name COLLATE NOCASE, id",
		Columns: []string{"name"},
		Project: func(c *models.Correspondent) []any { return []any{c.Name} },
	}
	documentTypeTable = Table[models.DocumentType]{
		Name:    models.DocumentType{}.TableName(),
		OrderBy: "name COLLATE NOCASE, id",
		Columns: []string{"name"},
		Project: func(d *models.DocumentType) []any { return []any{d.Name} },
	}
	taskTable = Table[models.Task]{
		Name:    models.Task{}.TableName(),
		OrderBy: "date_created DESC, id DESC",
		Columns: []string{"date_created"},
		Project: func(t *models.Task) []any { return []any{t.DateCreated} },
	}
	documentTable = Table[models.Document]{
		Name:    models.Document{}.TableName(),
		OrderBy: "created DESC, id DESC",
		Columns: []string{"title", "created", "added"},
		Project: func(d *models.Document) []any { return []any{d.Title, d.Created, d.Added} },
	}
)

// NewTagStore creates the tag cache.
func NewTagStore(database *sql.DB, hub *Hub) *TagStore {
	return NewStore[models.Tag](database, hub, tagTable)
}

// NewCorrespondentStore creates the correspondent cache.
func NewCorrespondentStore(database *sql.DB, hub *Hub) *CorrespondentStore {
	return NewStore[models.Correspondent](database, hub, correspondentTable)
}

// NewDocumentTypeStore creates the document type cache.
func NewDocumentTypeStore(database *sql.DB, hub *Hub) *DocumentTypeStore {
	return NewStore[models.DocumentType](database, hub, documentTypeTable)
}

// NewTaskStore creates the background task cache.
func NewTaskStore(database *sql.DB, hub *Hub) *TaskStore {
	return NewStore[models.Task](database, hub, taskTable)
}
