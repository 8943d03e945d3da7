package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ClaimKind string

const (
	ClaimKindReservation ClaimKind = "reservation"
	ClaimKindHold        ClaimKind = "hold"
	ClaimKindBlackout    ClaimKind = "blackout"
	ClaimKindMaintenance ClaimKind = "maintenance"
)

// BlockingKinds are the kinds that may never overlap on one unit.
var BlockingKinds = []ClaimKind{ClaimKindReservation, ClaimKindBlackout, ClaimKindMaintenance}

func (k ClaimKind) Valid() bool {
	switch k {
	case ClaimKindReservation, ClaimKindHold, ClaimKindBlackout, ClaimKindMaintenance:
		return true
	default:
		return false
	}
}

// Blocking reports whether the kind excludes overlapping claims. Holds only
// conflict when they are converted.
func (k ClaimKind) Blocking() bool {
	return k.Valid() && k != ClaimKindHold
}

type UnitClass struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID  snowflake.ID `gorm:"not null;uniqueIndex:ux_unit_classes_tenant_code,priority:1" json:"tenant_id"`
	Code      string       `gorm:"not null;uniqueIndex:ux_unit_classes_tenant_code,priority:2" json:"code"`
	Name      string       `gorm:"not null" json:"name"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null" json:"updated_at"`
}

func (UnitClass) TableName() string { return "unit_classes" }

// BookableUnit is a physical, schedulable thing: a site, room or slip.
// Nil dimension limits mean unconstrained.
type BookableUnit struct {
	ID           snowflake.ID                `gorm:"primaryKey" json:"id"`
	TenantID     snowflake.ID                `gorm:"not null;index:idx_bookable_units_tenant_class,priority:1;uniqueIndex:ux_bookable_units_tenant_code,priority:1" json:"tenant_id"`
	ClassID      snowflake.ID                `gorm:"not null;index:idx_bookable_units_tenant_class,priority:2" json:"class_id"`
	Code         string                      `gorm:"not null;uniqueIndex:ux_bookable_units_tenant_code,priority:2" json:"code"`
	Name         string                      `gorm:"not null" json:"name"`
	MinOccupancy int                         `gorm:"not null;default:1" json:"min_occupancy"`
	MaxOccupancy int                         `gorm:"not null" json:"max_occupancy"`
	MaxLengthCM  *int                        `gorm:"column:max_length_cm" json:"max_length_cm,omitempty"`
	MaxWidthCM   *int                        `gorm:"column:max_width_cm" json:"max_width_cm,omitempty"`
	MaxHeightCM  *int                        `gorm:"column:max_height_cm" json:"max_height_cm,omitempty"`
	Hookups      datatypes.JSONSlice[string] `json:"hookups"`
	Features     datatypes.JSONSlice[string] `json:"features"`
	Accessible   bool                        `gorm:"not null;default:false" json:"accessible"`
	Active       bool                        `gorm:"not null;default:true" json:"active"`
	CreatedAt    time.Time                   `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time                   `gorm:"not null" json:"updated_at"`
}

func (BookableUnit) TableName() string { return "bookable_units" }

func (u BookableUnit) HasHookup(kind string) bool {
	for _, h := range u.Hookups {
		if h == kind {
			return true
		}
	}
	return false
}

func (u BookableUnit) HasFeature(feature string) bool {
	for _, f := range u.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// DateRangeClaim marks a unit unavailable for [StartDate, EndDate). Claims are
// never deleted; ReleasedAt soft-deletes them.
type DateRangeClaim struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID      snowflake.ID `gorm:"not null;index:idx_date_range_claims_unit_start,priority:1" json:"tenant_id"`
	UnitID        snowflake.ID `gorm:"not null;index:idx_date_range_claims_unit_start,priority:2" json:"unit_id"`
	Kind          ClaimKind    `gorm:"type:varchar(16);not null" json:"kind"`
	StartDate     time.Time    `gorm:"not null;index:idx_date_range_claims_unit_start,priority:3" json:"start_date"`
	EndDate       time.Time    `gorm:"not null" json:"end_date"`
	SubjectID     snowflake.ID `gorm:"not null;default:0" json:"subject_id,omitempty"`
	ExpiresAt     *time.Time   `json:"expires_at,omitempty"`
	ReleasedAt    *time.Time   `json:"released_at,omitempty"`
	ReleaseReason string       `json:"release_reason,omitempty"`
	CreatedBy     string       `json:"created_by,omitempty"`
	CreatedAt     time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time    `gorm:"not null" json:"updated_at"`
}

func (DateRangeClaim) TableName() string { return "date_range_claims" }

func (c DateRangeClaim) Range() DateRange {
	return DateRange{Start: c.StartDate, End: c.EndDate}
}

// ActiveAt reports whether the claim still holds the unit at now.
func (c DateRangeClaim) ActiveAt(now time.Time) bool {
	if c.ReleasedAt != nil {
		return false
	}
	if c.Kind == ClaimKindHold {
		return c.ExpiresAt != nil && c.ExpiresAt.After(now)
	}
	return true
}

// Span and SortKey make claims indexable by the calendar package.
func (c DateRangeClaim) Span() (time.Time, time.Time) { return c.StartDate, c.EndDate }

func (c DateRangeClaim) SortKey() int64 { return int64(c.ID) }
