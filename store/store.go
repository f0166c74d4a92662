// Package store persists auction documents. The engine treats every backend
// as a plain key-value document store keyed by auction id.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudx-io/tenderauction/core"
)

// ErrNotFound is returned by Get when no document exists for the id.
var ErrNotFound = errors.New("document not found")

// Store is the document store the auction engine persists to.
type Store interface {
	Get(ctx context.Context, id string) (*core.Document, error)
	Save(ctx context.Context, doc *core.Document) error
	Delete(ctx context.Context, id string) error
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("document id is required")
	}
	if strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid document id %q", id)
	}
	return nil
}
