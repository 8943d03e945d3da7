package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/smallbiznis/keepr/internal/idempotency"
	inventorydomain "github.com/smallbiznis/keepr/internal/inventory/domain"
	ledgerdomain "github.com/smallbiznis/keepr/internal/ledger/domain"
	posdomain "github.com/smallbiznis/keepr/internal/pos/domain"
	pricingdomain "github.com/smallbiznis/keepr/internal/pricing/domain"
	reservationdomain "github.com/smallbiznis/keepr/internal/reservation/domain"
	storedvaluedomain "github.com/smallbiznis/keepr/internal/storedvalue/domain"
	"gorm.io/gorm"
)

// RunMigrations applies the embedded Postgres schema, including the claim
// exclusion constraint and the row level security policies.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// Models lists every table owned by the service.
func Models() []any {
	return []any{
		&inventorydomain.UnitClass{},
		&inventorydomain.BookableUnit{},
		&inventorydomain.DateRangeClaim{},
		&pricingdomain.RateConfigVersion{},
		&pricingdomain.RatePlan{},
		&pricingdomain.SeasonalRate{},
		&pricingdomain.RateOverride{},
		&pricingdomain.Promotion{},
		&pricingdomain.DepositPolicy{},
		&pricingdomain.TaxRule{},
		&pricingdomain.CatalogItem{},
		&idempotency.Record{},
		&ledgerdomain.Entry{},
		&ledgerdomain.Balance{},
		&storedvaluedomain.Account{},
		&posdomain.Record{},
		&reservationdomain.Reservation{},
	}
}

// AutoMigrate creates the schema from the gorm models on the embedded and
// MySQL dialects. It has no exclusion constraint and no row level security,
// so the application overlap check is the only guard there.
func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(Models()...)
}
