package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/smallbiznis/keepr/internal/apperror"
	inventorydomain "github.com/smallbiznis/keepr/internal/inventory/domain"
)

type ConstraintKind string

const (
	ConstraintCapacity       ConstraintKind = "capacity"
	ConstraintMaxDimensions  ConstraintKind = "max_dimensions"
	ConstraintRequiredHookup ConstraintKind = "required_hookup"
	ConstraintAccessibility  ConstraintKind = "accessibility"
)

// Constraint is a hard requirement a unit must meet. The set of kinds is
// closed; Constraints.UnmarshalJSON rejects anything else.
type Constraint interface {
	Kind() ConstraintKind
	Satisfies(unit inventorydomain.BookableUnit) bool
	Validate() error
}

// Capacity requires the party size to fit the unit's occupancy bounds.
type Capacity struct {
	Guests int `json:"guests"`
}

func (Capacity) Kind() ConstraintKind { return ConstraintCapacity }

func (c Capacity) Satisfies(unit inventorydomain.BookableUnit) bool {
	return c.Guests >= unit.MinOccupancy && c.Guests <= unit.MaxOccupancy
}

func (c Capacity) Validate() error {
	if c.Guests <= 0 {
		return apperror.Invalid("guests", "guests must be positive")
	}
	return nil
}

// MaxDimensions carries the guest equipment size in centimetres. Zero means
// the dimension was not supplied.
type MaxDimensions struct {
	LengthCM int `json:"length_cm"`
	WidthCM  int `json:"width_cm"`
	HeightCM int `json:"height_cm"`
}

func (MaxDimensions) Kind() ConstraintKind { return ConstraintMaxDimensions }

func (c MaxDimensions) Satisfies(unit inventorydomain.BookableUnit) bool {
	return fits(c.LengthCM, unit.MaxLengthCM) &&
		fits(c.WidthCM, unit.MaxWidthCM) &&
		fits(c.HeightCM, unit.MaxHeightCM)
}

func (c MaxDimensions) Validate() error {
	if c.LengthCM < 0 || c.WidthCM < 0 || c.HeightCM < 0 {
		return apperror.Invalid("dimensions", "dimensions cannot be negative")
	}
	if c.LengthCM == 0 && c.WidthCM == 0 && c.HeightCM == 0 {
		return apperror.Invalid("dimensions", "at least one dimension is required")
	}
	return nil
}

func fits(requested int, limit *int) bool {
	return requested == 0 || limit == nil || requested <= *limit
}

type RequiredHookup struct {
	Hookup string `json:"hookup"`
}

func (RequiredHookup) Kind() ConstraintKind { return ConstraintRequiredHookup }

func (c RequiredHookup) Satisfies(unit inventorydomain.BookableUnit) bool {
	return unit.HasHookup(strings.ToLower(strings.TrimSpace(c.Hookup)))
}

func (c RequiredHookup) Validate() error {
	if strings.TrimSpace(c.Hookup) == "" {
		return apperror.Invalid("hookup", "hookup is required")
	}
	return nil
}

type Accessibility struct {
	Required bool `json:"required"`
}

func (Accessibility) Kind() ConstraintKind { return ConstraintAccessibility }

func (c Accessibility) Satisfies(unit inventorydomain.BookableUnit) bool {
	return !c.Required || unit.Accessible
}

func (Accessibility) Validate() error { return nil }

// Violation names a hard constraint a unit failed.
type Violation struct {
	Kind   ConstraintKind `json:"kind"`
	Detail string         `json:"detail"`
}

// Constraints is a list of hard constraints that decodes from
// [{"kind":"capacity","guests":4}, ...].
type Constraints []Constraint

// Violations returns every constraint unit fails, in input order.
func (cs Constraints) Violations(unit inventorydomain.BookableUnit) []Violation {
	var out []Violation
	for _, c := range cs {
		if !c.Satisfies(unit) {
			out = append(out, Violation{Kind: c.Kind(), Detail: describe(c)})
		}
	}
	return out
}

func (cs Constraints) SatisfiedBy(unit inventorydomain.BookableUnit) bool {
	for _, c := range cs {
		if !c.Satisfies(unit) {
			return false
		}
	}
	return true
}

func (cs Constraints) Validate() error {
	for _, c := range cs {
		if c == nil {
			return apperror.Invalid("constraints", "constraint is null")
		}
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (cs *Constraints) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return apperror.Invalid("constraints", "constraints must be an array")
	}
	out := make(Constraints, 0, len(raw))
	for _, item := range raw {
		c, err := decodeConstraint(item)
		if err != nil {
			return err
		}
		out = append(out, c)
	}
	*cs = out
	return nil
}

func (cs Constraints) MarshalJSON() ([]byte, error) {
	out := make([]map[string]any, 0, len(cs))
	for _, c := range cs {
		body, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		fields := map[string]any{}
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, err
		}
		fields["kind"] = c.Kind()
		out = append(out, fields)
	}
	return json.Marshal(out)
}

func decodeConstraint(data []byte) (Constraint, error) {
	var head struct {
		Kind ConstraintKind `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, apperror.Invalid("constraints", "constraint must be an object")
	}

	var target Constraint
	var err error
	switch head.Kind {
	case ConstraintCapacity:
		var c Capacity
		err = json.Unmarshal(data, &c)
		target = c
	case ConstraintMaxDimensions:
		var c MaxDimensions
		err = json.Unmarshal(data, &c)
		target = c
	case ConstraintRequiredHookup:
		var c RequiredHookup
		err = json.Unmarshal(data, &c)
		target = c
	case ConstraintAccessibility:
		var c Accessibility
		err = json.Unmarshal(data, &c)
		target = c
	default:
		return nil, &apperror.ValidationError{
			Field:   "constraints",
			Code:    "unknown_constraint",
			Message: fmt.Sprintf("unknown constraint kind %q", head.Kind),
		}
	}
	if err != nil {
		return nil, apperror.Invalid("constraints", err.Error())
	}
	return target, nil
}

func describe(c Constraint) string {
	switch v := c.(type) {
	case Capacity:
		return fmt.Sprintf("party of %d does not fit occupancy", v.Guests)
	case MaxDimensions:
		return fmt.Sprintf("equipment %dx%dx%d cm exceeds unit limits", v.LengthCM, v.WidthCM, v.HeightCM)
	case RequiredHookup:
		return fmt.Sprintf("missing hookup %s", v.Hookup)
	case Accessibility:
		return "unit is not accessible"
	default:
		return string(c.Kind())
	}
}

// ViolationInactive is reported for units switched off by an administrator.
const ViolationInactive ConstraintKind = "inactive_unit"
