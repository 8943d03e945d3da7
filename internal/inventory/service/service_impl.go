package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/keepr/internal/apperror"
	"github.com/smallbiznis/keepr/internal/clock"
	"github.com/smallbiznis/keepr/internal/inventory/calendar"
	"github.com/smallbiznis/keepr/internal/inventory/domain"
	"github.com/smallbiznis/keepr/pkg/db"
	"github.com/smallbiznis/keepr/pkg/db/pagination"
	"github.com/smallbiznis/keepr/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	classRepo repository.Repository[domain.UnitClass]
}

func New(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("inventory.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		classRepo: repository.ProvideStore[domain.UnitClass](p.DB),
	}
}

func (s *Service) CreateUnitClass(ctx context.Context, tenantID snowflake.ID, req domain.CreateUnitClassRequest) (domain.UnitClass, error) {
	if tenantID == 0 {
		return domain.UnitClass{}, apperror.FromSentinel(domain.ErrInvalidTenant)
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.UnitClass{}, apperror.FromSentinel(domain.ErrInvalidName)
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		code = slug.Make(name)
	}
	if !slug.IsSlug(code) {
		return domain.UnitClass{}, apperror.FromSentinel(domain.ErrInvalidCode)
	}

	now := s.clock.Now()
	class := domain.UnitClass{
		ID:        s.genID.Generate(),
		TenantID:  tenantID,
		Code:      code,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.classRepo.Create(ctx, &class); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.UnitClass{}, apperror.Invalid("code", "unit class code already exists")
		}
		return domain.UnitClass{}, err
	}
	return class, nil
}

func (s *Service) GetUnitClass(ctx context.Context, tenantID, classID snowflake.ID) (domain.UnitClass, error) {
	class, err := s.classRepo.FindOne(ctx, &domain.UnitClass{TenantID: tenantID, ID: classID})
	if err != nil {
		return domain.UnitClass{}, err
	}
	if class == nil {
		return domain.UnitClass{}, apperror.NotFound("unit_class", classID.String())
	}
	return *class, nil
}

func (s *Service) CreateUnit(ctx context.Context, tenantID snowflake.ID, req domain.CreateUnitRequest) (domain.BookableUnit, error) {
	if tenantID == 0 {
		return domain.BookableUnit{}, apperror.FromSentinel(domain.ErrInvalidTenant)
	}
	classID, err := snowflake.ParseString(strings.TrimSpace(req.ClassID))
	if err != nil || classID == 0 {
		return domain.BookableUnit{}, apperror.FromSentinel(domain.ErrInvalidClass)
	}
	if _, err := s.GetUnitClass(ctx, tenantID, classID); err != nil {
		return domain.BookableUnit{}, err
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return domain.BookableUnit{}, apperror.FromSentinel(domain.ErrInvalidCode)
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = code
	}
	minOcc := req.MinOccupancy
	if minOcc <= 0 {
		minOcc = 1
	}
	if req.MaxOccupancy < minOcc {
		return domain.BookableUnit{}, apperror.FromSentinel(domain.ErrInvalidCapacity)
	}
	for _, dim := range []*int{req.MaxLengthCM, req.MaxWidthCM, req.MaxHeightCM} {
		if dim != nil && *dim <= 0 {
			return domain.BookableUnit{}, apperror.Invalid("dimensions", "dimension limits must be positive")
		}
	}

	now := s.clock.Now()
	unit := domain.BookableUnit{
		ID:           s.genID.Generate(),
		TenantID:     tenantID,
		ClassID:      classID,
		Code:         code,
		Name:         name,
		MinOccupancy: minOcc,
		MaxOccupancy: req.MaxOccupancy,
		MaxLengthCM:  req.MaxLengthCM,
		MaxWidthCM:   req.MaxWidthCM,
		MaxHeightCM:  req.MaxHeightCM,
		Hookups:      normalizeTags(req.Hookups),
		Features:     normalizeTags(req.Features),
		Accessible:   req.Accessible,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.InsertUnit(ctx, s.db, &unit); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.BookableUnit{}, apperror.Invalid("code", "unit code already exists")
		}
		return domain.BookableUnit{}, err
	}
	s.log.Info("unit created",
		zap.String("tenant_id", tenantID.String()),
		zap.String("unit_id", unit.ID.String()),
		zap.String("class_id", classID.String()),
	)
	return unit, nil
}

func (s *Service) GetUnit(ctx context.Context, tenantID, unitID snowflake.ID) (domain.BookableUnit, error) {
	unit, err := s.repo.FindUnit(ctx, s.db, tenantID, unitID)
	if err != nil {
		return domain.BookableUnit{}, err
	}
	if unit == nil {
		return domain.BookableUnit{}, apperror.NotFound("unit", unitID.String())
	}
	return *unit, nil
}

func (s *Service) ListUnits(ctx context.Context, tenantID snowflake.ID, req domain.ListUnitsRequest) (domain.ListUnitsResponse, error) {
	if tenantID == 0 {
		return domain.ListUnitsResponse{}, apperror.FromSentinel(domain.ErrInvalidTenant)
	}
	filter := domain.UnitFilter{Active: req.Active}
	if raw := strings.TrimSpace(req.ClassID); raw != "" {
		classID, err := snowflake.ParseString(raw)
		if err != nil {
			return domain.ListUnitsResponse{}, apperror.FromSentinel(domain.ErrInvalidClass)
		}
		filter.ClassID = classID
	}

	page := pagination.Pagination{PageToken: req.PageToken, PageSize: req.PageSize}
	items, err := s.repo.ListUnits(ctx, s.db, tenantID, filter, page)
	if err != nil {
		return domain.ListUnitsResponse{}, err
	}
	items, pageInfo, err := pagination.Page(items, page, func(u *domain.BookableUnit) int64 { return int64(u.ID) })
	if err != nil {
		return domain.ListUnitsResponse{}, err
	}

	units := make([]domain.BookableUnit, 0, len(items))
	for _, item := range items {
		units = append(units, *item)
	}
	return domain.ListUnitsResponse{PageInfo: pageInfo, Units: units}, nil
}

func (s *Service) SetUnitActive(ctx context.Context, tenantID, unitID snowflake.ID, active bool) (domain.BookableUnit, error) {
	unit, err := s.GetUnit(ctx, tenantID, unitID)
	if err != nil {
		return domain.BookableUnit{}, err
	}
	now := s.clock.Now()
	if err := s.repo.SetUnitActive(ctx, s.db, tenantID, unitID, active, now); err != nil {
		return domain.BookableUnit{}, err
	}
	unit.Active = active
	unit.UpdatedAt = now
	return unit, nil
}

func (s *Service) GetClaims(ctx context.Context, tenantID, unitID snowflake.ID, r domain.DateRange, q domain.ClaimQuery) ([]domain.DateRangeClaim, error) {
	if tenantID == 0 {
		return nil, apperror.FromSentinel(domain.ErrInvalidTenant)
	}
	if !r.End.After(r.Start) {
		return nil, apperror.FromSentinel(domain.ErrInvalidRange)
	}
	if _, err := s.GetUnit(ctx, tenantID, unitID); err != nil {
		return nil, err
	}
	for _, k := range q.Kinds {
		if !k.Valid() {
			return nil, apperror.FromSentinel(domain.ErrInvalidKind)
		}
	}

	calendars, err := s.LoadCalendars(ctx, tenantID, []snowflake.ID{unitID}, r)
	if err != nil {
		return nil, err
	}
	claims := calendars[unitID].Overlapping(r.Start, r.End)
	if len(q.Kinds) == 0 {
		return claims, nil
	}
	out := make([]domain.DateRangeClaim, 0, len(claims))
	for _, c := range claims {
		if containsKind(q.Kinds, c.Kind) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Service) ListFreeUnits(ctx context.Context, tenantID, classID snowflake.ID, r domain.DateRange, excludeKinds []domain.ClaimKind) ([]domain.BookableUnit, error) {
	if tenantID == 0 {
		return nil, apperror.FromSentinel(domain.ErrInvalidTenant)
	}
	if !r.End.After(r.Start) {
		return nil, apperror.FromSentinel(domain.ErrInvalidRange)
	}
	for _, k := range excludeKinds {
		if !k.Valid() {
			return nil, apperror.FromSentinel(domain.ErrInvalidKind)
		}
	}

	units, err := s.activeUnitsOfClass(ctx, tenantID, classID)
	if err != nil {
		return nil, err
	}
	ids := make([]snowflake.ID, 0, len(units))
	for _, u := range units {
		ids = append(ids, u.ID)
	}
	calendars, err := s.LoadCalendars(ctx, tenantID, ids, r)
	if err != nil {
		return nil, err
	}

	free := make([]domain.BookableUnit, 0, len(units))
	for _, u := range units {
		busy := false
		for _, c := range calendars[u.ID].Overlapping(r.Start, r.End) {
			if !containsKind(excludeKinds, c.Kind) {
				busy = true
				break
			}
		}
		if !busy {
			free = append(free, u)
		}
	}
	return free, nil
}

func (s *Service) LoadCalendars(ctx context.Context, tenantID snowflake.ID, unitIDs []snowflake.ID, window domain.DateRange) (map[snowflake.ID]*calendar.Index[domain.DateRangeClaim], error) {
	claims, err := s.repo.ActiveClaims(ctx, s.db, tenantID, unitIDs, window, s.clock.Now())
	if err != nil {
		return nil, err
	}
	byUnit := make(map[snowflake.ID][]domain.DateRangeClaim, len(unitIDs))
	for _, c := range claims {
		byUnit[c.UnitID] = append(byUnit[c.UnitID], c)
	}
	out := make(map[snowflake.ID]*calendar.Index[domain.DateRangeClaim], len(unitIDs))
	for _, id := range unitIDs {
		out[id] = calendar.New(byUnit[id])
	}
	return out, nil
}

func (s *Service) activeUnitsOfClass(ctx context.Context, tenantID, classID snowflake.ID) ([]domain.BookableUnit, error) {
	if _, err := s.GetUnitClass(ctx, tenantID, classID); err != nil {
		return nil, err
	}
	active := true
	var units []domain.BookableUnit
	page := pagination.Pagination{PageSize: pagination.MaxPageSize}
	for {
		items, err := s.repo.ListUnits(ctx, s.db, tenantID, domain.UnitFilter{ClassID: classID, Active: &active}, page)
		if err != nil {
			return nil, err
		}
		items, info, err := pagination.Page(items, page, func(u *domain.BookableUnit) int64 { return int64(u.ID) })
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			units = append(units, *item)
		}
		if !info.HasMore {
			return units, nil
		}
		page.PageToken = info.NextPageToken
	}
}

func containsKind(kinds []domain.ClaimKind, k domain.ClaimKind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
