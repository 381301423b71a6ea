package identity

import (
	"context"
)

// PatientRepository persists patients. Missing rows surface as apperr
// NotFound and duplicate MRNs as apperr Conflict.
type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id int64) (*Patient, error)
	GetByMRN(ctx context.Context, mrn string) (*Patient, error)
	Update(ctx context.Context, p *Patient) error
	List(ctx context.Context, limit, offset int) ([]*Patient, int, error)

	// UpsertByMRN inserts p or, when the MRN already exists, returns the
	// stored row unchanged. It is a single statement so concurrent callers
	// with the same MRN converge on one row.
	UpsertByMRN(ctx context.Context, p *Patient) (*Patient, error)
}
