package casedoc

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the storage surface for case documents.
type Repository interface {
	Create(ctx context.Context, d *CaseDocument) error
	GetByID(ctx context.Context, id uuid.UUID) (*CaseDocument, error)
	// UpdateVersioned writes the document's sections and metadata,
	// bumping the stored version to baseVersion+1, but only when the
	// stored version still equals baseVersion. It returns false when
	// the conditional write matched no row.
	UpdateVersioned(ctx context.Context, d *CaseDocument, baseVersion int64) (bool, error)
	List(ctx context.Context, status string, limit, offset int) ([]*CaseDocument, int, error)
}
