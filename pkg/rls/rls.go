package rls

import (
	"strconv"

	"gorm.io/gorm"
)

// WithTenant scopes the current transaction to tenantID for Postgres row
// level security policies reading app.current_tenant_id.
func WithTenant(tx *gorm.DB, tenantID int64) error {
	return tx.Exec(
		"SELECT set_config('app.current_tenant_id', ?, true)",
		strconv.FormatInt(tenantID, 10),
	).Error
}
