package models

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Task status values reported by the server.
const (
	TaskPending = "PENDING"
	TaskStarted = "STARTED"
	TaskSuccess = "SUCCESS"
	TaskFailure = "FAILURE"
)

// Task is a server-side background job, typically document consumption.
type Task struct {
	SyncMeta
	ID           int64   `db:"id" json:"id"`
	TaskID       string  `json:"task_id"`
	TaskFileName *string `json:"task_file_name"`
	DateCreated  string  `db:"date_created" json:"date_created"`
	DateDone     *string `json:"date_done"`
	Type         string  `json:"type"`
	Status       string  `json:"status"`
	Result       *string `json:"result"`
	Acknowledged bool    `json:"acknowledged"`
	// RelatedDocument is a string or a number depending on server version.
	RelatedDocument json.RawMessage `json:"related_document,omitempty"`
}

// TableName returns the table name for Task.
func (Task) TableName() string {
	return "tasks"
}

// Key returns the server-assigned id.
func (t *Task) Key() int64 {
	return t.ID
}

// Done reports whether the task has finished.
func (t *Task) Done() bool {
	return t.Status == TaskSuccess || t.Status == TaskFailure
}

// RelatedDocumentID decodes RelatedDocument. A missing or null value
// reports false.
func (t *Task) RelatedDocumentID() (int64, bool) {
	raw := bytes.TrimSpace(t.RelatedDocument)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}
