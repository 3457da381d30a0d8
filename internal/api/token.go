package api

import (
	"context"

	"github.com/napoleonmm83/paperless-scanner-sub008/internal/models"
)

// MetadataGetter is the slice of the metadata store the token source needs.
type MetadataGetter interface {
	Get(ctx context.Context, key string) (string, bool, error)
}

// StoredToken reads the API token saved by login from sync metadata.
type StoredToken struct {
	Meta MetadataGetter
}

// Token implements transport.TokenSource. A missing token yields "" and the
// request goes out unauthenticated.
func (s StoredToken) Token(ctx context.Context) (string, error) {
	token, _, err := s.Meta.Get(ctx, models.MetaAuthToken)
	return token, err
}
