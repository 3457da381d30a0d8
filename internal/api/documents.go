package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	apperrors "github.com/napoleonmm83/paperless-scanner-sub008/internal/errors"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/models"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/uuid"
)

// Trash actions.
const (
	TrashRestore = "restore"
	TrashEmpty   = "empty"
)

// UploadRequest is one document upload.
type UploadRequest struct {
	FileName        string
	ContentType     string
	Content         []byte
	Title           string
	TagIDs          []int64
	DocumentTypeID  *int64
	CorrespondentID *int64
	CustomFields    map[int64]string
}

// ProgressFunc receives bytes sent and the total request size.
type ProgressFunc func(sent, total int64)

// progressReader reports reads of the request body.
type progressReader struct {
	r        io.Reader
	sent     int64
	total    int64
	progress ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.progress(p.sent, p.total)
	}
	return n, err
}

func (p *progressReader) Close() error {
	return nil
}

// UploadDocument posts a document for consumption and returns the server
// task id. The body is built in memory so the retry policy can replay it.
func (c *Client) UploadDocument(ctx context.Context, up UploadRequest, progress ProgressFunc) (string, error) {
	payload, contentType, err := encodeUpload(up)
	if err != nil {
		return "", err
	}

	body := func() io.ReadCloser {
		if progress == nil {
			return io.NopCloser(bytes.NewReader(payload))
		}
		return &progressReader{r: bytes.NewReader(payload), total: int64(len(payload)), progress: progress}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/documents/post_document/", nil), body())
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "build upload request", err)
	}
	req.ContentLength = int64(len(payload))
	req.GetBody = func() (io.ReadCloser, error) { return body(), nil }
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json; version=5")

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return "", apperrors.Network("read upload response", err)
	}
	taskID, err := uuid.NormalizeTaskID(string(raw))
	if err != nil {
		return "", apperrors.Parse("upload response", err)
	}
	return taskID, nil
}

func encodeUpload(up UploadRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="document"; filename=%q`, up.FileName))
	ct := up.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.ErrInternal, "encode upload", err)
	}
	if _, err := part.Write(up.Content); err != nil {
		return nil, "", apperrors.Wrap(apperrors.ErrInternal, "encode upload", err)
	}

	fields := [][2]string{}
	if up.Title != "" {
		fields = append(fields, [2]string{"title", up.Title})
	}
	for _, id := range up.TagIDs {
		fields = append(fields, [2]string{"tags", strconv.FormatInt(id, 10)})
	}
	if up.DocumentTypeID != nil {
		fields = append(fields, [2]string{"document_type", strconv.FormatInt(*up.DocumentTypeID, 10)})
	}
	if up.CorrespondentID != nil {
		fields = append(fields, [2]string{"correspondent", strconv.FormatInt(*up.CorrespondentID, 10)})
	}
	if len(up.CustomFields) > 0 {
		cf := make(map[string]string, len(up.CustomFields))
		for id, v := range up.CustomFields {
			cf[strconv.FormatInt(id, 10)] = v
		}
		data, err := json.Marshal(cf)
		if err != nil {
			return nil, "", apperrors.Wrap(apperrors.ErrInternal, "encode custom fields", err)
		}
		fields = append(fields, [2]string{"custom_fields", string(data)})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", apperrors.Wrap(apperrors.ErrInternal, "encode upload", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", apperrors.Wrap(apperrors.ErrInternal, "encode upload", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// TrashedDocument is a document from the trash listing.
type TrashedDocument struct {
	models.Document
	DeletedAt *time.Time `json:"deleted_at"`
}

// Cached returns the document as a soft-deleted cache row.
func (t TrashedDocument) Cached() models.Document {
	d := t.Document
	d.IsDeleted = true
	if t.DeletedAt != nil {
		ms := t.DeletedAt.UnixMilli()
		d.DeletedAt = &ms
	}
	return d
}

// ListTrash fetches every document in the server trash.
func (c *Client) ListTrash(ctx context.Context) ([]TrashedDocument, error) {
	return listAll[TrashedDocument](ctx, c, "/api/trash/", nil)
}

// TrashAction restores or permanently deletes trashed documents. An empty
// ids list with TrashEmpty empties the whole trash.
func (c *Client) TrashAction(ctx context.Context, ids []int64, action string) error {
	if action != TrashRestore && action != TrashEmpty {
		return apperrors.New(apperrors.ErrInvalid, "unknown trash action "+action)
	}
	body := map[string]any{"action": action}
	if len(ids) > 0 {
		body["documents"] = ids
	}
	return c.request(ctx, http.MethodPost, "/api/trash/", nil, body, nil)
}
