package diagnostics

import (
	"context"
)

// Repositories report missing rows as apperr NotFound.

type OrderRepository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id int64) (*Order, error)
	List(ctx context.Context, f OrderFilter, limit, offset int) ([]*OrderListing, int, error)
	CountByType(ctx context.Context) (map[OrderType]int64, error)
}

type StudyRepository interface {
	Create(ctx context.Context, s *Study) error
	GetByID(ctx context.Context, id int64) (*Study, error)
	GetByOrderID(ctx context.Context, orderID int64) (*Study, error)

	// Lock reads the study for update inside the current transaction.
	Lock(ctx context.Context, id int64) (*Study, error)

	// UpdateVersioned writes status and report text only if the stored
	// version still equals expected, bumping it by one. A mismatch is an
	// apperr Conflict and nothing is written.
	UpdateVersioned(ctx context.Context, s *Study, expected int64) error

	Delete(ctx context.Context, id int64) error
	CountByStatus(ctx context.Context) (map[StudyStatus]int64, error)
}

type ResultRepository interface {
	Create(ctx context.Context, r *OrderResult) error
	GetByID(ctx context.Context, id int64) (*OrderResult, error)
	GetCurrent(ctx context.Context, orderID int64) (*OrderResult, error)
	ListByOrder(ctx context.Context, orderID int64) ([]*OrderResult, error)

	// Retire clears is_current on a result.
	Retire(ctx context.Context, id int64) error

	// LinkSuccessor sets superseded_by_id on a retired result that has none.
	LinkSuccessor(ctx context.Context, id, successorID int64) error
}
