package api

import (
	"context"
	"net/url"

	apperrors "github.com/napoleonmm83/paperless-scanner-sub008/internal/errors"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/models"
)

// Tasks lists background tasks. Older servers return a bare array, newer
// ones the paginated envelope; both are accepted.
func (c *Client) Tasks(ctx context.Context) ([]models.Task, error) {
	return listAll[models.Task](ctx, c, "/api/tasks/", nil)
}

// TaskByUUID looks up the task created by an upload.
func (c *Client) TaskByUUID(ctx context.Context, taskID string) (*models.Task, error) {
	tasks, err := listAll[models.Task](ctx, c, "/api/tasks/", url.Values{"task_id": {taskID}})
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		if tasks[i].TaskID == taskID {
			return &tasks[i], nil
		}
	}
	return nil, apperrors.Wrap(apperrors.ErrNotFound, "task "+taskID, apperrors.ErrNotFoundSentinel)
}
