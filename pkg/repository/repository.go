package repository

import (
	"context"

	"github.com/smallbiznis/keepr/pkg/db/option"
	"gorm.io/gorm"
)

// Repository is a generic tenant-agnostic store for simple reference tables.
// Callers always include tenant_id in the query filter.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	Update(ctx context.Context, resourceID int64, resource any) error
	Count(ctx context.Context, query *T) (int64, error)
	BatchCreate(ctx context.Context, resources []*T) error
}
