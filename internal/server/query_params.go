package server

import (
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/keepr/internal/apperror"
	inventorydomain "github.com/smallbiznis/keepr/internal/inventory/domain"
)

func parseOptionalBool(value string) (*bool, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// parseOptionalSnowflakeID returns zero for an empty value.
func parseOptionalSnowflakeID(field, value string) (snowflake.ID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	parsed, err := snowflake.ParseString(trimmed)
	if err != nil || parsed <= 0 {
		return 0, newValidationError(field, "invalid_"+field, "invalid "+field)
	}
	return parsed, nil
}

func pathID(c *gin.Context, name, field string) (snowflake.ID, error) {
	id, err := parseOptionalSnowflakeID(field, c.Param(name))
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, newValidationError(field, "invalid_"+field, "invalid "+field)
	}
	return id, nil
}

// parseDateRange reads two YYYY-MM-DD dates.
func parseDateRange(start, end string) (inventorydomain.DateRange, error) {
	r, err := inventorydomain.ParseDateRange(strings.TrimSpace(start), strings.TrimSpace(end))
	if err != nil {
		return inventorydomain.DateRange{}, newValidationError("range", "invalid_range", "start and end must be YYYY-MM-DD with end after start")
	}
	return r, nil
}

func parseClaimKinds(value string) ([]inventorydomain.ClaimKind, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	var kinds []inventorydomain.ClaimKind
	for _, part := range strings.Split(trimmed, ",") {
		kind := inventorydomain.ClaimKind(strings.ToLower(strings.TrimSpace(part)))
		if kind == "" {
			continue
		}
		if !kind.Valid() {
			return nil, newValidationError("kind", "invalid_kind", "unknown claim kind "+string(kind))
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// bindJSON decodes the body, keeping validation errors raised by custom
// unmarshalers such as the constraint list.
func bindJSON(c *gin.Context, out any) error {
	if err := c.ShouldBindJSON(out); err != nil {
		if _, ok := apperror.AsValidation(err); ok {
			return err
		}
		return invalidRequestError()
	}
	return nil
}
